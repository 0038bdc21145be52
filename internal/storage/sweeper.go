package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/dgellow/identity-server/internal/clock"
	"github.com/dgellow/identity-server/internal/log"
	"github.com/dgellow/identity-server/internal/metrics"
)

const (
	DefaultSweepMinInterval = time.Second
	DefaultSweepMaxInterval = time.Hour
	sweepMaxTries           = 5
)

// Sweeper deletes expired grants and blacklist entries. It sleeps until the
// earliest grant expiry, clamped to [MinInterval, MaxInterval]. Reads never
// depend on it having run.
type Sweeper struct {
	grants      GrantStore
	blacklist   BlacklistRepository
	clients     ClientRepository
	clock       clock.Clock
	metrics     *metrics.Metrics
	minInterval time.Duration
	maxInterval time.Duration
}

func NewSweeper(backend *Backend, clients ClientRepository, clk clock.Clock, m *metrics.Metrics, minInterval, maxInterval time.Duration) *Sweeper {
	if minInterval <= 0 {
		minInterval = DefaultSweepMinInterval
	}
	if maxInterval < minInterval {
		maxInterval = max(DefaultSweepMaxInterval, minInterval)
	}
	return &Sweeper{
		grants:      backend.Grants,
		blacklist:   backend.Blacklist,
		clients:     clients,
		clock:       clk,
		metrics:     m,
		minInterval: minInterval,
		maxInterval: maxInterval,
	}
}

// Run sweeps until ctx is cancelled. It returns nil on cancellation.
func (s *Sweeper) Run(ctx context.Context) error {
	log.LogInfoWithFields("sweeper", "Starting expiry sweeper", map[string]any{
		"min_interval": s.minInterval.String(),
		"max_interval": s.maxInterval.String(),
	})

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			log.LogInfoWithFields("sweeper", "Expiry sweeper stopped", nil)
			return nil
		case <-timer.C:
		}

		if err := s.sweepWithRetry(ctx); err != nil && ctx.Err() == nil {
			s.metrics.ObserveSweepFailure()
			log.LogErrorWithFields("sweeper", "Sweep failed", map[string]any{
				"error": err.Error(),
			})
		}
		timer.Reset(s.nextWait(ctx))
	}
}

func (s *Sweeper) sweepWithRetry(ctx context.Context) error {
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 100 * time.Millisecond
	expBackoff.MaxInterval = 5 * time.Second

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, s.Sweep(ctx)
	},
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(sweepMaxTries),
		backoff.WithNotify(func(err error, d time.Duration) {
			log.LogWarnWithFields("sweeper", "Retrying sweep", map[string]any{
				"error": err.Error(),
				"after": d.String(),
			})
		}),
	)
	return err
}

// Sweep runs one pass over the grant store and the blacklist.
func (s *Sweeper) Sweep(ctx context.Context) error {
	now := s.clock.Now()

	grants, err := s.grants.SweepExpired(ctx, now)
	if err != nil {
		return fmt.Errorf("sweeping grants: %w", err)
	}
	s.metrics.ObserveSweep("grants", grants)

	tokens, err := s.blacklist.SweepExpired(ctx, now)
	if err != nil {
		return fmt.Errorf("sweeping blacklist: %w", err)
	}
	s.metrics.ObserveSweep("blacklist", tokens)

	if grants > 0 || tokens > 0 {
		log.LogInfoWithFields("sweeper", "Removed expired records", map[string]any{
			"grants":    grants,
			"blacklist": tokens,
		})
	}
	return nil
}

func (s *Sweeper) nextWait(ctx context.Context) time.Duration {
	wait, err := NextSweepDeadline(ctx, s.grants, s.clients, s.clock.Now(), s.maxInterval)
	if err != nil {
		log.LogWarnWithFields("sweeper", "Failed to compute next sweep deadline", map[string]any{
			"error": err.Error(),
		})
		return s.minInterval
	}
	return min(max(wait, s.minInterval), s.maxInterval)
}
