package token

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/dgellow/identity-server/internal/clock"
	"github.com/dgellow/identity-server/internal/crypto"
	"github.com/dgellow/identity-server/internal/log"
	"github.com/dgellow/identity-server/internal/oauth"
	"github.com/dgellow/identity-server/internal/signing"
	"github.com/dgellow/identity-server/internal/storage"
	"github.com/golang-jwt/jwt/v5"
)

const (
	// NoRefreshGrace disables rotation of expired refresh tokens when passed
	// as the grace period.
	NoRefreshGrace time.Duration = -1
	// Access and refresh tokens live this many base lifetimes unless the
	// client overrides them.
	longLivedFactor = 6
)

// Lifetimes resolves per-client token lifetimes in seconds.
type Lifetimes struct {
	Base         int64
	RefreshGrace int64
}

// NewLifetimes resolves the configured durations. A zero base or grace
// selects the default; a negative grace disables the rotation window.
func NewLifetimes(base, refreshGrace time.Duration) Lifetimes {
	if base <= 0 {
		base = oauth.DefaultBaseLifetime
	}
	switch {
	case refreshGrace == 0:
		refreshGrace = oauth.DefaultRefreshGracePeriod
	case refreshGrace < 0:
		refreshGrace = 0
	}
	return Lifetimes{Base: int64(base / time.Second), RefreshGrace: int64(refreshGrace / time.Second)}
}

func (l Lifetimes) Access(c *oauth.Client) int64 {
	if c.AccessTokenLifetime > 0 {
		return c.AccessTokenLifetime
	}
	return longLivedFactor * l.Base
}

func (l Lifetimes) ID(c *oauth.Client) int64 {
	if c.IDTokenLifetime > 0 {
		return c.IDTokenLifetime
	}
	return l.Base
}

func (l Lifetimes) Refresh(c *oauth.Client) int64 {
	if c.RefreshTokenLifetime > 0 {
		return c.RefreshTokenLifetime
	}
	return longLivedFactor * l.Base
}

// RefreshGrant is how long a refresh grant stays in the store: the token
// lifetime plus the window in which an expired token can still be rotated.
func (l Lifetimes) RefreshGrant(c *oauth.Client) int64 {
	return l.Refresh(c) + l.RefreshGrace
}

// AuthorizationCode is the lifetime of an authorization code grant.
func (l Lifetimes) AuthorizationCode() int64 {
	return l.Base
}

// Minter builds and signs token payloads.
type Minter struct {
	signer    *signing.Service
	users     storage.UserRepository
	clock     clock.Clock
	lifetimes Lifetimes
}

func NewMinter(signer *signing.Service, users storage.UserRepository, clk clock.Clock, lifetimes Lifetimes) *Minter {
	return &Minter{signer: signer, users: users, clock: clk, lifetimes: lifetimes}
}

func (m *Minter) registered(subject string, audience []string, ttl int64) jwt.RegisteredClaims {
	now := m.clock.Now()
	return jwt.RegisteredClaims{
		Issuer:    m.signer.Issuer(),
		Subject:   subject,
		Audience:  audience,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Duration(ttl) * time.Second)),
		ID:        crypto.NewKey(),
	}
}

// AccessToken signs an access token for subject and returns it with its
// lifetime in seconds.
func (m *Minter) AccessToken(ctx context.Context, client *oauth.Client, subject string, audience []string, scope string) (string, int64, error) {
	ttl := m.lifetimes.Access(client)
	claims := &oauth.AccessTokenClaims{
		RegisteredClaims: m.registered(subject, audience, ttl),
		ClientID:         client.ClientID,
		AuthorizedParty:  client.ClientID,
		ACR:              oauth.ACR,
		Scope:            scope,
	}
	token, err := m.signer.Encode(ctx, claims, "")
	if err != nil {
		return "", 0, fmt.Errorf("signing access token: %w", err)
	}
	return token, ttl, nil
}

// IDToken signs an ID token for userID. Missing user claims are not an
// error; the token is issued without them.
func (m *Minter) IDToken(ctx context.Context, client *oauth.Client, userID string) (string, error) {
	return m.idToken(ctx, &oauth.IDTokenClaims{
		RegisteredClaims: m.registered(userID, jwt.ClaimStrings{client.ClientID}, m.lifetimes.ID(client)),
		ClientID:         client.ClientID,
		ACR:              oauth.ACR,
	})
}

// ImplicitIDToken signs an ID token handed out by /authorize. It echoes the
// request nonce and, when an access token is returned alongside, binds to
// it through at_hash.
func (m *Minter) ImplicitIDToken(ctx context.Context, client *oauth.Client, userID, nonce, accessToken string) (string, error) {
	claims := &oauth.IDTokenClaims{
		RegisteredClaims: m.registered(userID, jwt.ClaimStrings{client.ClientID}, m.lifetimes.ID(client)),
		ClientID:         client.ClientID,
		ACR:              oauth.ACR,
		Nonce:            nonce,
	}
	if accessToken != "" {
		claims.AccessTokenHash = accessTokenHash(accessToken)
	}
	return m.idToken(ctx, claims)
}

// accessTokenHash is the at_hash of token: the left half of its SHA-256
// digest, base64url encoded. RS256 and ES256 both hash with SHA-256.
func accessTokenHash(token string) string {
	sum := sha256.Sum256([]byte(token))
	return base64.RawURLEncoding.EncodeToString(sum[:len(sum)/2])
}

func (m *Minter) idToken(ctx context.Context, claims *oauth.IDTokenClaims) (string, error) {
	userClaims, err := m.users.GetClaims(ctx, claims.Subject)
	switch {
	case err == nil:
		claims.Claims = userClaims
	case errors.Is(err, oauth.ErrClaimsNotFound):
		log.LogDebugWithFields("token", "Issuing ID token without claims", map[string]any{
			"client_id": claims.ClientID,
		})
	default:
		return "", fmt.Errorf("loading user claims: %w", err)
	}

	token, err := m.signer.Encode(ctx, claims, "")
	if err != nil {
		return "", fmt.Errorf("signing id token: %w", err)
	}
	return token, nil
}

// RefreshToken signs a new refresh token and returns the grant that must be
// persisted for it.
func (m *Minter) RefreshToken(ctx context.Context, client *oauth.Client, userID, scope string) (string, *oauth.PersistentGrant, error) {
	claims := &oauth.RefreshTokenClaims{
		RegisteredClaims: m.registered("", nil, m.lifetimes.Refresh(client)),
		ClientID:         client.ClientID,
	}
	token, err := m.signer.Encode(ctx, claims, "")
	if err != nil {
		return "", nil, fmt.Errorf("signing refresh token: %w", err)
	}
	return token, &oauth.PersistentGrant{
		Type:       oauth.GrantTypeRefreshToken,
		Data:       token,
		ClientID:   client.ClientID,
		UserID:     userID,
		Scope:      scope,
		Expiration: m.lifetimes.RefreshGrant(client),
		CreatedAt:  m.clock.Now(),
	}, nil
}

// userTokens is the full set minted for a user-bound grant.
type userTokens struct {
	response *oauth.TokenResponse
	refresh  *oauth.PersistentGrant
}

// userTokens mints access, ID and refresh tokens for v. Nothing is stored;
// the caller persists the returned refresh grant.
func (m *Minter) userTokens(ctx context.Context, v *Validated) (*userTokens, error) {
	scope := oauth.JoinScope(v.Scope)

	access, expiresIn, err := m.AccessToken(ctx, v.Client, v.UserID, oauth.UserTokenAudience, scope)
	if err != nil {
		return nil, err
	}
	idToken, err := m.IDToken(ctx, v.Client, v.UserID)
	if err != nil {
		return nil, err
	}
	refresh, grant, err := m.RefreshToken(ctx, v.Client, v.UserID, scope)
	if err != nil {
		return nil, err
	}

	return &userTokens{
		response: &oauth.TokenResponse{
			AccessToken:      access,
			RefreshToken:     refresh,
			IDToken:          idToken,
			TokenType:        oauth.TokenTypeBearer,
			ExpiresIn:        expiresIn,
			RefreshExpiresIn: m.lifetimes.Refresh(v.Client),
			Scope:            scope,
		},
		refresh: grant,
	}, nil
}
