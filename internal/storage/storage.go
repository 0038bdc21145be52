package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/dgellow/identity-server/internal/oauth"
)

// ErrNotFound is returned by the device and code-challenge repositories.
// Grant lookups return oauth.ErrGrantNotFound instead.
var ErrNotFound = errors.New("not found")

// GrantStore holds outstanding persistent grants.
//
// Every read treats a grant with created_at + expiration <= now as absent,
// so correctness never depends on when the sweeper last ran.
type GrantStore interface {
	Exists(ctx context.Context, grantType oauth.GrantType, data string) (bool, error)
	// Get returns oauth.ErrGrantNotFound for absent or expired grants.
	Get(ctx context.Context, grantType oauth.GrantType, data string) (*oauth.PersistentGrant, error)
	// Create fills in Key and CreatedAt when they are empty and returns
	// oauth.ErrDuplicateGrant if a live grant with the same type and data
	// exists.
	Create(ctx context.Context, grant *oauth.PersistentGrant) error
	// Delete returns http.StatusOK if a live grant was removed and
	// http.StatusNotFound otherwise. It never fails on a missing grant.
	Delete(ctx context.Context, grantType oauth.GrantType, data string) (int, error)
	// DeleteByClientAndUser removes every grant of a subject at a client and
	// returns oauth.ErrGrantNotFound when there were none.
	DeleteByClientAndUser(ctx context.Context, clientID, userID string) (int, error)
	// Exchange atomically consumes the grant identified by consume and, when
	// issue is non-nil, creates issue in the same transaction. Exactly one of
	// several concurrent exchanges of the same grant succeeds; the others get
	// oauth.ErrGrantNotFound.
	Exchange(ctx context.Context, consume oauth.GrantKey, issue *oauth.PersistentGrant) error
	// SweepExpired deletes every grant expired at now and returns the count.
	SweepExpired(ctx context.Context, now time.Time) (int, error)
	// NextExpiry returns the earliest expiry among stored grants; ok is false
	// when the store is empty.
	NextExpiry(ctx context.Context) (next time.Time, ok bool, err error)
}

type ClientRepository interface {
	// GetByClientID returns oauth.ErrClientNotFound for unknown clients.
	GetByClientID(ctx context.Context, clientID string) (*oauth.Client, error)
	List(ctx context.Context) ([]*oauth.Client, error)
}

type UserRepository interface {
	// GetClaims returns oauth.ErrClaimsNotFound when the user has none.
	GetClaims(ctx context.Context, userID string) (map[string]any, error)
}

type DeviceRepository interface {
	Create(ctx context.Context, device *oauth.Device) error
	GetByDeviceCode(ctx context.Context, deviceCode string) (*oauth.Device, error)
	GetByUserCode(ctx context.Context, userCode string) (*oauth.Device, error)
	DeleteByDeviceCode(ctx context.Context, deviceCode string) error
	DeleteByUserCode(ctx context.Context, userCode string) error
}

// CodeChallengeRepository keeps one PKCE challenge per client.
type CodeChallengeRepository interface {
	Save(ctx context.Context, challenge *oauth.CodeChallenge) error
	Get(ctx context.Context, clientID string) (*oauth.CodeChallenge, error)
	Delete(ctx context.Context, clientID string) error
}

type BlacklistRepository interface {
	Add(ctx context.Context, token string, expiresAt time.Time) error
	Exists(ctx context.Context, token string) (bool, error)
	SweepExpired(ctx context.Context, now time.Time) (int, error)
}

// Backend groups the stores provided by one storage engine.
type Backend struct {
	Grants     GrantStore
	Devices    DeviceRepository
	Challenges CodeChallengeRepository
	Blacklist  BlacklistRepository
	ping       func(ctx context.Context) error
	close      []func() error
}

// Ping checks that the underlying engine is reachable. Backends without a
// remote connection always succeed.
func (b *Backend) Ping(ctx context.Context) error {
	if b.ping == nil {
		return nil
	}
	return b.ping(ctx)
}

// Close releases the connections held by the backend.
func (b *Backend) Close() error {
	var errs []error
	for _, c := range b.close {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NextSweepDeadline returns how long the sweeper may sleep: the time until
// the earliest grant expires, or the shortest client refresh-token lifetime
// when no grant is stored. fallback is used when neither is known.
func NextSweepDeadline(ctx context.Context, grants GrantStore, clients ClientRepository, now time.Time, fallback time.Duration) (time.Duration, error) {
	next, ok, err := grants.NextExpiry(ctx)
	if err != nil {
		return 0, err
	}
	if ok {
		return max(next.Sub(now), 0), nil
	}

	list, err := clients.List(ctx)
	if err != nil {
		return 0, err
	}
	var shortest int64
	for _, c := range list {
		if c.RefreshTokenLifetime > 0 && (shortest == 0 || c.RefreshTokenLifetime < shortest) {
			shortest = c.RefreshTokenLifetime
		}
	}
	if shortest > 0 {
		return time.Duration(shortest) * time.Second, nil
	}
	return fallback, nil
}

func copyGrant(g *oauth.PersistentGrant) *oauth.PersistentGrant {
	c := *g
	return &c
}

// prepareGrant fills the generated fields of a grant about to be stored.
// CreatedAt is truncated to seconds so that every backend round-trips it.
func prepareGrant(g *oauth.PersistentGrant, now time.Time, newKey func() string) {
	if g.Key == "" {
		g.Key = newKey()
	}
	if g.CreatedAt.IsZero() {
		g.CreatedAt = now
	}
	g.CreatedAt = g.CreatedAt.Truncate(time.Second)
}

// hashKey derives a fixed-length storage key from a credential so raw tokens
// never become primary keys or document ids.
func hashKey(parts ...string) string {
	h := sha256.New()
	for i, p := range parts {
		if i > 0 {
			h.Write([]byte{':'})
		}
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}
