// Package token turns OAuth2 grants into signed token sets. Each grant type
// is a Strategy registered once in NewEngine.
package token

import (
	"context"
	"fmt"
	"time"

	"github.com/dgellow/identity-server/internal/clock"
	"github.com/dgellow/identity-server/internal/log"
	"github.com/dgellow/identity-server/internal/metrics"
	"github.com/dgellow/identity-server/internal/oauth"
	"github.com/dgellow/identity-server/internal/signing"
	"github.com/dgellow/identity-server/internal/storage"
	"github.com/dgellow/identity-server/internal/validation"
)

type Config struct {
	BaseLifetime time.Duration
	// RefreshGracePeriod defaults to oauth.DefaultRefreshGracePeriod when
	// zero. NoRefreshGrace disables it.
	RefreshGracePeriod time.Duration
	// RequestTimeout bounds each Issue call, store transaction included.
	// Zero disables it.
	RequestTimeout time.Duration
}

// Deps are the collaborators shared by every strategy.
type Deps struct {
	Clients   *validation.Clients
	PKCE      *validation.PKCE
	Grants    storage.GrantStore
	Devices   storage.DeviceRepository
	Users     storage.UserRepository
	Blacklist storage.BlacklistRepository
	Signer    *signing.Service
	Clock     clock.Clock
	Metrics   *metrics.Metrics
}

type Engine struct {
	strategies map[oauth.GrantType]Strategy
	minter     *Minter
	lifetimes  Lifetimes
	grants     storage.GrantStore
	blacklist  storage.BlacklistRepository
	signer     *signing.Service
	clock      clock.Clock
	metrics    *metrics.Metrics
	timeout    time.Duration
}

func NewEngine(deps Deps, cfg Config) *Engine {
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	lifetimes := NewLifetimes(cfg.BaseLifetime, cfg.RefreshGracePeriod)
	minter := NewMinter(deps.Signer, deps.Users, deps.Clock, lifetimes)
	grants := validation.NewGrants(deps.Grants)

	e := &Engine{
		strategies: make(map[oauth.GrantType]Strategy),
		minter:     minter,
		lifetimes:  lifetimes,
		grants:     deps.Grants,
		blacklist:  deps.Blacklist,
		signer:     deps.Signer,
		clock:      deps.Clock,
		metrics:    deps.Metrics,
		timeout:    cfg.RequestTimeout,
	}

	for _, s := range []Strategy{
		&authorizationCode{clients: deps.Clients, grants: grants, pkce: deps.PKCE, store: deps.Grants, minter: minter},
		&refreshToken{clients: deps.Clients, grants: grants, store: deps.Grants, signer: deps.Signer, minter: minter, clock: deps.Clock},
		&clientCredentials{clients: deps.Clients, minter: minter},
		&deviceCode{clients: deps.Clients, grants: grants, devices: deps.Devices, store: deps.Grants, minter: minter, clock: deps.Clock},
	} {
		e.strategies[s.GrantType()] = s
	}
	return e
}

// Lifetimes exposes the resolved token lifetimes.
func (e *Engine) Lifetimes() Lifetimes {
	return e.lifetimes
}

// Minter exposes the token minter to other flows.
func (e *Engine) Minter() *Minter {
	return e.minter
}

func (e *Engine) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, e.timeout)
}

// Issue validates req with the strategy registered for its grant type and
// mints the resulting tokens. Errors are returned unchanged for the HTTP
// boundary to classify.
func (e *Engine) Issue(ctx context.Context, req *Request) (*oauth.TokenResponse, error) {
	strategy, ok := e.strategies[req.GrantType]
	if !ok {
		err := fmt.Errorf("%w: %q", oauth.ErrUnsupportedGrantType, req.GrantType)
		e.metrics.ObserveTokenRequest("unsupported", err)
		return nil, err
	}

	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	resp, err := e.issue(ctx, strategy, req)
	e.metrics.ObserveTokenRequest(string(req.GrantType), err)
	if err != nil {
		log.LogDebugWithFields("token", "Token request rejected", map[string]any{
			"grant_type": req.GrantType,
			"client_id":  req.ClientID,
			"error":      err.Error(),
		})
		return nil, err
	}

	log.LogInfoWithFields("token", "Issued tokens", map[string]any{
		"grant_type": req.GrantType,
		"client_id":  req.ClientID,
		"refresh":    resp.RefreshToken != "",
		"id_token":   resp.IDToken != "",
	})
	return resp, nil
}

func (e *Engine) issue(ctx context.Context, strategy Strategy, req *Request) (*oauth.TokenResponse, error) {
	v, err := strategy.Validate(ctx, req)
	if err != nil {
		return nil, err
	}
	return strategy.Issue(ctx, v)
}

// authenticate is the precondition shared by every grant type: the client
// exists, its secret matches when it requires one, and it may use the grant
// type.
func authenticate(ctx context.Context, clients *validation.Clients, req *Request) (*oauth.Client, error) {
	client, err := clients.Authenticate(ctx, req.ClientID, req.ClientSecret)
	if err != nil {
		return nil, err
	}
	if err := validation.GrantType(client, req.GrantType); err != nil {
		return nil, err
	}
	return client, nil
}
