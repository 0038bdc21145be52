package token

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dgellow/identity-server/internal/clock"
	"github.com/dgellow/identity-server/internal/oauth"
	"github.com/dgellow/identity-server/internal/signing"
	"github.com/dgellow/identity-server/internal/storage"
	"github.com/dgellow/identity-server/internal/testutil"
	"github.com/dgellow/identity-server/internal/validation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	engine  *Engine
	backend *storage.Backend
	pkce    *validation.PKCE
	signer  *signing.Service
	clock   *clock.Fixed
	client  *oauth.Client
}

func newHarness(t *testing.T, clients ...*oauth.Client) *harness {
	t.Helper()
	return newHarnessWithConfig(t, Config{}, clients...)
}

func newHarnessWithConfig(t *testing.T, cfg Config, clients ...*oauth.Client) *harness {
	t.Helper()
	clk := clock.NewFixed(testutil.Epoch)
	backend := storage.NewMemoryBackend(clk)
	if len(clients) == 0 {
		clients = []*oauth.Client{testutil.NewClient()}
	}
	signer := testutil.NewSigner(t, clk)
	pkce := validation.NewPKCE(backend.Challenges, testutil.NewEncryptor(t))
	users := storage.NewMemoryUserRepository(map[string]map[string]any{
		testutil.UserID: {"name": "Ada Lovelace", "email": "ada@example.com"},
	})

	engine := NewEngine(Deps{
		Clients:   validation.NewClients(storage.NewMemoryClientRepository(clients), clk),
		PKCE:      pkce,
		Grants:    backend.Grants,
		Devices:   backend.Devices,
		Users:     users,
		Blacklist: backend.Blacklist,
		Signer:    signer,
		Clock:     clk,
	}, cfg)

	return &harness{engine: engine, backend: backend, pkce: pkce, signer: signer, clock: clk, client: clients[0]}
}

// createCode stores an authorization code the way the authorization endpoint
// does and returns it.
func (h *harness) createCode(t *testing.T, scope string) string {
	t.Helper()
	code := "code-" + t.Name()
	require.NoError(t, h.backend.Grants.Create(context.Background(), &oauth.PersistentGrant{
		Type:       oauth.GrantTypeAuthorizationCode,
		Data:       code,
		ClientID:   h.client.ClientID,
		UserID:     testutil.UserID,
		Scope:      scope,
		Expiration: h.engine.Lifetimes().AuthorizationCode(),
	}))
	return code
}

func codeRequest(code string) *Request {
	return &Request{
		GrantType:    oauth.GrantTypeAuthorizationCode,
		ClientID:     testutil.ClientID,
		ClientSecret: testutil.ClientSecret,
		Code:         code,
		RedirectURI:  testutil.RedirectURI,
	}
}

func refreshRequest(token string) *Request {
	return &Request{
		GrantType:    oauth.GrantTypeRefreshToken,
		ClientID:     testutil.ClientID,
		ClientSecret: testutil.ClientSecret,
		RefreshToken: token,
	}
}

func TestNewLifetimes(t *testing.T) {
	tests := []struct {
		name      string
		base      time.Duration
		grace     time.Duration
		wantBase  int64
		wantGrace int64
	}{
		{name: "defaults", wantBase: 600, wantGrace: 86400},
		{name: "configured", base: 5 * time.Minute, grace: time.Hour, wantBase: 300, wantGrace: 3600},
		{name: "grace disabled", grace: NoRefreshGrace, wantBase: 600, wantGrace: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := NewLifetimes(tt.base, tt.grace)
			assert.Equal(t, tt.wantBase, l.Base)
			assert.Equal(t, tt.wantGrace, l.RefreshGrace)
		})
	}

	t.Run("engine built without config keeps the grace window", func(t *testing.T) {
		h := newHarness(t)
		assert.Equal(t, int64(86400), h.engine.Lifetimes().RefreshGrace)
		assert.Equal(t, int64(3600+86400), h.engine.Lifetimes().RefreshGrant(h.client))
	})
}

func TestImplicitIDToken(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	minter := h.engine.Minter()

	access, _, err := minter.AccessToken(ctx, h.client, testutil.UserID, oauth.UserTokenAudience, "openid")
	require.NoError(t, err)

	t.Run("binds nonce and access token", func(t *testing.T) {
		raw, err := minter.ImplicitIDToken(ctx, h.client, testutil.UserID, "n-0S6_WzA2Mj", access)
		require.NoError(t, err)

		var id oauth.IDTokenClaims
		require.NoError(t, h.signer.Decode(ctx, raw, &id, signing.DecodeOptions{Audience: testutil.ClientID, VerifyIssuer: true}))
		assert.Equal(t, "n-0S6_WzA2Mj", id.Nonce)
		assert.Equal(t, accessTokenHash(access), id.AccessTokenHash)
		assert.Len(t, id.AccessTokenHash, 22)
		assert.Equal(t, "Ada Lovelace", id.Claims["name"])
	})

	t.Run("without access token omits at_hash", func(t *testing.T) {
		raw, err := minter.ImplicitIDToken(ctx, h.client, testutil.UserID, "nonce", "")
		require.NoError(t, err)

		var id oauth.IDTokenClaims
		require.NoError(t, h.signer.Decode(ctx, raw, &id, signing.DecodeOptions{Audience: testutil.ClientID}))
		assert.Empty(t, id.AccessTokenHash)
	})

	t.Run("at_hash is the left half of the sha256 digest", func(t *testing.T) {
		// Example from OpenID Connect Core, Appendix A.3.
		assert.Equal(t, "77QmUPtjPfzWtF2AnpK9RQ", accessTokenHash("jHkWEdUXMU1BwAsC4vtUsZwnNvTIxEl0z9K3vx5KF0Y"))
	})
}

func TestAuthorizationCode(t *testing.T) {
	ctx := context.Background()

	t.Run("issues a full token set once", func(t *testing.T) {
		h := newHarness(t)
		code := h.createCode(t, "openid profile")

		resp, err := h.engine.Issue(ctx, codeRequest(code))
		require.NoError(t, err)
		assert.NotEmpty(t, resp.AccessToken)
		assert.NotEmpty(t, resp.IDToken)
		assert.NotEmpty(t, resp.RefreshToken)
		assert.Equal(t, oauth.TokenTypeBearer, resp.TokenType)
		assert.Equal(t, int64(3600), resp.ExpiresIn)
		assert.Equal(t, int64(3600), resp.RefreshExpiresIn)
		assert.Equal(t, "openid profile", resp.Scope)

		var access oauth.AccessTokenClaims
		require.NoError(t, h.signer.Decode(ctx, resp.AccessToken, &access, signing.DecodeOptions{Audience: "userinfo", VerifyIssuer: true}))
		assert.Equal(t, testutil.UserID, access.Subject)
		assert.Equal(t, testutil.ClientID, access.ClientID)
		assert.ElementsMatch(t, oauth.UserTokenAudience, []string(access.Audience))

		var id oauth.IDTokenClaims
		require.NoError(t, h.signer.Decode(ctx, resp.IDToken, &id, signing.DecodeOptions{Audience: testutil.ClientID}))
		assert.Equal(t, "Ada Lovelace", id.Claims["name"])
		assert.Equal(t, time.Duration(600)*time.Second, id.ExpiresAt.Sub(id.IssuedAt.Time))

		stored, err := h.backend.Grants.Get(ctx, oauth.GrantTypeRefreshToken, resp.RefreshToken)
		require.NoError(t, err)
		assert.Equal(t, testutil.UserID, stored.UserID)
		assert.Equal(t, int64(3600+86400), stored.Expiration)

		_, err = h.engine.Issue(ctx, codeRequest(code))
		assert.ErrorIs(t, err, oauth.ErrGrantNotFound)
	})

	t.Run("concurrent redemption succeeds exactly once", func(t *testing.T) {
		h := newHarness(t)
		code := h.createCode(t, "openid")

		const attempts = 16
		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			successes int
			notFound  int
		)
		for range attempts {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := h.engine.Issue(ctx, codeRequest(code))
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					successes++
				case errors.Is(err, oauth.ErrGrantNotFound):
					notFound++
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, 1, successes)
		assert.Equal(t, attempts-1, notFound)
	})

	t.Run("redirect uri must be registered", func(t *testing.T) {
		h := newHarness(t)
		req := codeRequest(h.createCode(t, "openid"))
		req.RedirectURI = "https://evil.example.com/callback"

		_, err := h.engine.Issue(ctx, req)
		assert.ErrorIs(t, err, oauth.ErrRedirectURIMismatch)
	})

	t.Run("code of another client is not found", func(t *testing.T) {
		other := testutil.NewClient()
		other.ID = 8
		other.ClientID = "other-app"
		h := newHarness(t, testutil.NewClient(), other)
		req := codeRequest(h.createCode(t, "openid"))
		req.ClientID = "other-app"

		_, err := h.engine.Issue(ctx, req)
		assert.ErrorIs(t, err, oauth.ErrGrantNotFound)
	})

	t.Run("wrong secret looks like an unknown client", func(t *testing.T) {
		h := newHarness(t)
		req := codeRequest(h.createCode(t, "openid"))
		req.ClientSecret = "nope"

		_, err := h.engine.Issue(ctx, req)
		assert.ErrorIs(t, err, oauth.ErrClientNotFound)
	})

	t.Run("expired code is not found", func(t *testing.T) {
		h := newHarness(t)
		code := h.createCode(t, "openid")
		h.clock.Advance(601 * time.Second)

		_, err := h.engine.Issue(ctx, codeRequest(code))
		assert.ErrorIs(t, err, oauth.ErrGrantNotFound)
	})

	t.Run("missing user claims do not fail issuance", func(t *testing.T) {
		h := newHarness(t)
		require.NoError(t, h.backend.Grants.Create(ctx, &oauth.PersistentGrant{
			Type:       oauth.GrantTypeAuthorizationCode,
			Data:       "anonymous-code",
			ClientID:   testutil.ClientID,
			UserID:     "user-without-claims",
			Scope:      "openid",
			Expiration: 600,
		}))

		resp, err := h.engine.Issue(ctx, codeRequest("anonymous-code"))
		require.NoError(t, err)

		var id oauth.IDTokenClaims
		require.NoError(t, h.signer.Decode(ctx, resp.IDToken, &id, signing.DecodeOptions{}))
		assert.Equal(t, "user-without-claims", id.Subject)
		assert.Empty(t, id.Claims)
	})
}

func TestAuthorizationCodePKCE(t *testing.T) {
	ctx := context.Background()
	const verifier = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"

	t.Run("mismatch keeps code and challenge", func(t *testing.T) {
		h := newHarness(t)
		code := h.createCode(t, "openid")
		require.NoError(t, h.pkce.Register(ctx, testutil.ClientID, oauth.S256Challenge(verifier), oauth.ChallengeMethodS256))

		req := codeRequest(code)
		req.CodeVerifier = "wrong-verifier"
		_, err := h.engine.Issue(ctx, req)
		assert.ErrorIs(t, err, oauth.ErrCodeChallengeMismatch)

		ok, err := h.backend.Grants.Exists(ctx, oauth.GrantTypeAuthorizationCode, code)
		require.NoError(t, err)
		assert.True(t, ok)
		_, err = h.backend.Challenges.Get(ctx, testutil.ClientID)
		assert.NoError(t, err)

		req.CodeVerifier = verifier
		_, err = h.engine.Issue(ctx, req)
		require.NoError(t, err)

		_, err = h.backend.Challenges.Get(ctx, testutil.ClientID)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("required but never registered", func(t *testing.T) {
		client := testutil.NewClient()
		client.RequirePKCE = true
		h := newHarness(t, client)

		req := codeRequest(h.createCode(t, "openid"))
		req.CodeVerifier = verifier
		_, err := h.engine.Issue(ctx, req)
		assert.ErrorIs(t, err, oauth.ErrCodeChallengeMismatch)
	})
}

func TestRefreshToken(t *testing.T) {
	ctx := context.Background()

	issue := func(t *testing.T, h *harness) *oauth.TokenResponse {
		t.Helper()
		resp, err := h.engine.Issue(ctx, codeRequest(h.createCode(t, "openid profile")))
		require.NoError(t, err)
		return resp
	}

	t.Run("echoes a valid refresh token", func(t *testing.T) {
		h := newHarness(t)
		first := issue(t, h)

		seen := map[string]bool{first.AccessToken: true}
		for i := range 5 {
			h.clock.Advance(time.Minute)
			resp, err := h.engine.Issue(ctx, refreshRequest(first.RefreshToken))
			require.NoError(t, err, "refresh %d", i)
			assert.Equal(t, first.RefreshToken, resp.RefreshToken)
			assert.NotEmpty(t, resp.IDToken)
			assert.False(t, seen[resp.AccessToken], "access tokens must be distinct")
			seen[resp.AccessToken] = true
			assert.Equal(t, int64(3600-60*(i+1)), resp.RefreshExpiresIn)

			_, err = h.engine.VerifyAccessToken(ctx, resp.AccessToken, "userinfo")
			assert.NoError(t, err)
		}
	})

	t.Run("rotates a soft expired refresh token", func(t *testing.T) {
		h := newHarness(t)
		first := issue(t, h)

		h.clock.Advance(2 * time.Hour)
		resp, err := h.engine.Issue(ctx, refreshRequest(first.RefreshToken))
		require.NoError(t, err)
		assert.NotEqual(t, first.RefreshToken, resp.RefreshToken)
		assert.Equal(t, int64(3600), resp.RefreshExpiresIn)

		_, err = h.engine.Issue(ctx, refreshRequest(first.RefreshToken))
		assert.ErrorIs(t, err, oauth.ErrGrantNotFound)

		_, err = h.engine.Issue(ctx, refreshRequest(resp.RefreshToken))
		assert.NoError(t, err)
	})

	t.Run("soft expired token without grace period", func(t *testing.T) {
		h := newHarnessWithConfig(t, Config{RefreshGracePeriod: NoRefreshGrace})
		first := issue(t, h)

		h.clock.Advance(time.Hour + time.Second)
		_, err := h.engine.Issue(ctx, refreshRequest(first.RefreshToken))
		assert.ErrorIs(t, err, oauth.ErrGrantNotFound)
	})

	t.Run("expired past grace period", func(t *testing.T) {
		h := newHarness(t)
		first := issue(t, h)

		h.clock.Advance(26 * time.Hour)
		_, err := h.engine.Issue(ctx, refreshRequest(first.RefreshToken))
		assert.ErrorIs(t, err, oauth.ErrGrantNotFound)
	})

	t.Run("scope can be narrowed not widened", func(t *testing.T) {
		h := newHarness(t)
		first := issue(t, h)

		req := refreshRequest(first.RefreshToken)
		req.Scope = "openid"
		resp, err := h.engine.Issue(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, "openid", resp.Scope)

		req.Scope = "openid email"
		_, err = h.engine.Issue(ctx, req)
		assert.ErrorIs(t, err, oauth.ErrClientScopes)
	})

	t.Run("forged token", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.engine.Issue(ctx, refreshRequest("not.a.jwt"))
		assert.ErrorIs(t, err, oauth.ErrSignature)
	})

	t.Run("revoked refresh token", func(t *testing.T) {
		h := newHarness(t)
		first := issue(t, h)

		require.NoError(t, h.engine.Revoke(ctx, first.RefreshToken, oauth.HintRefreshToken))
		_, err := h.engine.Issue(ctx, refreshRequest(first.RefreshToken))
		assert.ErrorIs(t, err, oauth.ErrGrantNotFound)
	})
}

func TestClientCredentials(t *testing.T) {
	ctx := context.Background()
	request := func(scope string) *Request {
		return &Request{
			GrantType:    oauth.GrantTypeClientCredentials,
			ClientID:     testutil.ClientID,
			ClientSecret: testutil.ClientSecret,
			Scope:        scope,
		}
	}

	tests := []struct {
		name      string
		scope     string
		wantScope string
		wantErr   error
	}{
		{name: "subset", scope: "openid email", wantScope: "openid email"},
		{name: "default scope", scope: "", wantScope: "openid"},
		{name: "not allowed", scope: "openid admin", wantErr: oauth.ErrClientScopes},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			resp, err := h.engine.Issue(ctx, request(tt.scope))
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Empty(t, resp.RefreshToken)
			assert.Empty(t, resp.IDToken)

			var claims oauth.AccessTokenClaims
			require.NoError(t, h.signer.Decode(ctx, resp.AccessToken, &claims, signing.DecodeOptions{Audience: "admin"}))
			assert.Equal(t, tt.wantScope, claims.Scope)
			assert.Equal(t, "7", claims.Subject)
			assert.Equal(t, testutil.ClientID, claims.AuthorizedParty)
			assert.ElementsMatch(t, oauth.ClientTokenAudience, []string(claims.Audience))
		})
	}

	t.Run("secret is always required", func(t *testing.T) {
		client := testutil.NewClient()
		client.RequireClientSecret = false
		h := newHarness(t, client)

		req := request("openid")
		req.ClientSecret = ""
		_, err := h.engine.Issue(ctx, req)
		assert.ErrorIs(t, err, oauth.ErrClientNotFound)
	})

	t.Run("grant type not allowed", func(t *testing.T) {
		client := testutil.NewClient()
		client.GrantTypes = []string{string(oauth.GrantTypeAuthorizationCode)}
		h := newHarness(t, client)

		_, err := h.engine.Issue(ctx, request("openid"))
		assert.ErrorIs(t, err, oauth.ErrUnsupportedGrantType)
	})
}

func TestDeviceCode(t *testing.T) {
	ctx := context.Background()
	poll := &Request{
		GrantType:    oauth.GrantTypeDeviceCode,
		ClientID:     testutil.ClientID,
		ClientSecret: testutil.ClientSecret,
		DeviceCode:   "device-code",
	}

	register := func(t *testing.T, h *harness) {
		t.Helper()
		require.NoError(t, h.backend.Devices.Create(ctx, &oauth.Device{
			ClientID:   testutil.ClientID,
			DeviceCode: "device-code",
			UserCode:   "BCDF-GHJK",
			Scope:      "openid",
			ExpiresIn:  600,
			Interval:   5,
			CreatedAt:  h.clock.Now(),
		}))
	}

	t.Run("pending until approved", func(t *testing.T) {
		h := newHarness(t)
		register(t, h)

		_, err := h.engine.Issue(ctx, poll)
		assert.ErrorIs(t, err, oauth.ErrAuthorizationPending)

		require.NoError(t, h.backend.Grants.Create(ctx, &oauth.PersistentGrant{
			Type:       oauth.GrantTypeDeviceCode,
			Data:       "device-code",
			ClientID:   testutil.ClientID,
			UserID:     testutil.UserID,
			Scope:      "openid",
			Expiration: 300,
		}))
		require.NoError(t, h.backend.Devices.DeleteByDeviceCode(ctx, "device-code"))

		resp, err := h.engine.Issue(ctx, poll)
		require.NoError(t, err)
		assert.NotEmpty(t, resp.RefreshToken)
		assert.Equal(t, "openid", resp.Scope)

		_, err = h.engine.Issue(ctx, poll)
		assert.ErrorIs(t, err, oauth.ErrGrantNotFound)
	})

	t.Run("expired registration is deleted", func(t *testing.T) {
		h := newHarness(t)
		register(t, h)
		h.clock.Advance(10 * time.Minute)

		_, err := h.engine.Issue(ctx, poll)
		assert.ErrorIs(t, err, oauth.ErrDeviceCodeExpired)

		_, err = h.backend.Devices.GetByDeviceCode(ctx, "device-code")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("unknown device code", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.engine.Issue(ctx, poll)
		assert.ErrorIs(t, err, oauth.ErrGrantNotFound)
	})
}

func TestUnsupportedGrantType(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.Issue(context.Background(), &Request{GrantType: "password", ClientID: testutil.ClientID})
	assert.ErrorIs(t, err, oauth.ErrUnsupportedGrantType)
}

func TestRevokeAndIntrospect(t *testing.T) {
	ctx := context.Background()

	t.Run("revoked access token is inactive", func(t *testing.T) {
		h := newHarness(t)
		resp, err := h.engine.Issue(ctx, codeRequest(h.createCode(t, "openid")))
		require.NoError(t, err)

		active, err := h.engine.Introspect(ctx, resp.AccessToken)
		require.NoError(t, err)
		assert.True(t, active.Active)
		assert.Equal(t, testutil.UserID, active.Sub)
		assert.Equal(t, testutil.ClientID, active.ClientID)
		assert.Equal(t, "openid", active.Scope)
		assert.Equal(t, testutil.Epoch.Unix()+3600, active.Exp)

		require.NoError(t, h.engine.Revoke(ctx, resp.AccessToken, oauth.HintAccessToken))

		inactive, err := h.engine.Introspect(ctx, resp.AccessToken)
		require.NoError(t, err)
		assert.Equal(t, &oauth.IntrospectionResponse{Active: false}, inactive)

		_, err = h.engine.VerifyAccessToken(ctx, resp.AccessToken, "userinfo")
		assert.ErrorIs(t, err, oauth.ErrBlacklistedToken)
	})

	t.Run("revocation without hint", func(t *testing.T) {
		h := newHarness(t)
		resp, err := h.engine.Issue(ctx, codeRequest(h.createCode(t, "openid")))
		require.NoError(t, err)

		require.NoError(t, h.engine.Revoke(ctx, resp.RefreshToken, ""))
		require.NoError(t, h.engine.Revoke(ctx, resp.AccessToken, ""))

		ok, err := h.backend.Blacklist.Exists(ctx, resp.AccessToken)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("refresh token revoked twice", func(t *testing.T) {
		h := newHarness(t)
		resp, err := h.engine.Issue(ctx, codeRequest(h.createCode(t, "openid")))
		require.NoError(t, err)

		require.NoError(t, h.engine.Revoke(ctx, resp.RefreshToken, oauth.HintRefreshToken))
		assert.ErrorIs(t, h.engine.Revoke(ctx, resp.RefreshToken, oauth.HintRefreshToken), oauth.ErrGrantNotFound)
	})

	t.Run("unknown hint", func(t *testing.T) {
		h := newHarness(t)
		err := h.engine.Revoke(ctx, "token", "id_token")
		var oe *oauth.OAuthError
		require.ErrorAs(t, err, &oe)
		assert.Equal(t, oauth.CodeUnsupportedTokenType, oe.Code)
	})

	t.Run("garbage and expired tokens are inactive", func(t *testing.T) {
		h := newHarness(t)
		resp, err := h.engine.Issue(ctx, codeRequest(h.createCode(t, "openid")))
		require.NoError(t, err)

		got, err := h.engine.Introspect(ctx, "garbage")
		require.NoError(t, err)
		assert.False(t, got.Active)

		got, err = h.engine.Introspect(ctx, resp.RefreshToken)
		require.NoError(t, err)
		assert.False(t, got.Active)

		h.clock.Advance(2 * time.Hour)
		got, err = h.engine.Introspect(ctx, resp.AccessToken)
		require.NoError(t, err)
		assert.False(t, got.Active)
	})
}
