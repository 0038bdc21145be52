package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/dgellow/identity-server/internal/authorize"
	"github.com/dgellow/identity-server/internal/clock"
	"github.com/dgellow/identity-server/internal/device"
	"github.com/dgellow/identity-server/internal/oauth"
	"github.com/dgellow/identity-server/internal/oidc"
	"github.com/dgellow/identity-server/internal/storage"
	"github.com/dgellow/identity-server/internal/testutil"
	"github.com/dgellow/identity-server/internal/token"
	"github.com/dgellow/identity-server/internal/validation"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	handlers *OAuthHandlers
	engine   *token.Engine
	backend  *storage.Backend
	clock    *clock.Fixed
}

func newTestServer(t *testing.T, registered ...*oauth.Client) *testServer {
	t.Helper()
	clk := clock.NewFixed(testutil.Epoch)
	backend := storage.NewMemoryBackend(clk)
	if len(registered) == 0 {
		registered = []*oauth.Client{testutil.NewClient()}
	}
	clients := validation.NewClients(storage.NewMemoryClientRepository(registered), clk)
	users := storage.NewMemoryUserRepository(map[string]map[string]any{
		testutil.UserID: {"name": "Ada Lovelace", "email": "ada@example.com"},
	})
	pkce := validation.NewPKCE(backend.Challenges, testutil.NewEncryptor(t))
	signer := testutil.NewSigner(t, clk)

	engine := token.NewEngine(token.Deps{
		Clients:   clients,
		PKCE:      pkce,
		Grants:    backend.Grants,
		Devices:   backend.Devices,
		Users:     users,
		Blacklist: backend.Blacklist,
		Signer:    signer,
		Clock:     clk,
	}, token.Config{})

	handlers := NewOAuthHandlers(
		engine,
		device.NewService(clients, backend.Devices, backend.Grants, clk, testutil.Issuer),
		authorize.NewService(clients, pkce, backend.Grants, engine.Minter(), clk, engine.Lifetimes().AuthorizationCode()),
		oidc.NewUserInfo(engine, users),
		oidc.NewEndSession(signer, clients, backend.Grants),
		signer,
	)
	return &testServer{handlers: handlers, engine: engine, backend: backend, clock: clk}
}

func postForm(handler http.HandlerFunc, path string, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	handler(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v))
	return v
}

// authorizeCode runs the authorization endpoint as the test user.
func (s *testServer) authorizeCode(t *testing.T, extra url.Values) string {
	t.Helper()
	q := url.Values{
		"client_id":     {testutil.ClientID},
		"response_type": {"code"},
		"redirect_uri":  {testutil.RedirectURI},
		"scope":         {"openid profile"},
		"state":         {"xyz"},
	}
	for k, v := range extra {
		q[k] = v
	}
	req := httptest.NewRequest(http.MethodGet, "/authorize?"+q.Encode(), nil)
	req = req.WithContext(WithUser(req.Context(), testutil.UserID))
	w := httptest.NewRecorder()
	s.handlers.AuthorizeHandler(w, req)
	require.Equal(t, http.StatusFound, w.Code)

	loc, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "xyz", loc.Query().Get("state"))
	return loc.Query().Get("code")
}

func TestTokenHandlerAuthorizationCode(t *testing.T) {
	s := newTestServer(t)
	code := s.authorizeCode(t, nil)

	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {testutil.RedirectURI},
		"client_id":     {testutil.ClientID},
		"client_secret": {testutil.ClientSecret},
	}
	w := postForm(s.handlers.TokenHandler, "/token", form)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
	assert.Equal(t, "no-cache", w.Header().Get("Pragma"))

	resp := decodeBody[oauth.TokenResponse](t, w)
	assert.NotEmpty(t, resp.AccessToken)
	assert.NotEmpty(t, resp.IDToken)
	assert.NotEmpty(t, resp.RefreshToken)
	assert.Equal(t, "Bearer", resp.TokenType)

	w = postForm(s.handlers.TokenHandler, "/token", form)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, oauth.CodeInvalidGrant, decodeBody[oauth.OAuthError](t, w).Code)
}

func TestTokenHandlerBasicAuth(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader("grant_type=client_credentials&scope=openid"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(testutil.ClientID, testutil.ClientSecret)
	w := httptest.NewRecorder()

	s.handlers.TokenHandler(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "openid", decodeBody[oauth.TokenResponse](t, w).Scope)
}

func TestTokenHandlerErrors(t *testing.T) {
	tests := []struct {
		name       string
		form       url.Values
		wantStatus int
		wantCode   oauth.ErrorCode
	}{
		{
			name:       "unsupported grant type",
			form:       url.Values{"grant_type": {"password"}, "client_id": {testutil.ClientID}},
			wantStatus: http.StatusBadRequest,
			wantCode:   oauth.CodeUnsupportedGrantType,
		},
		{
			name:       "unknown client",
			form:       url.Values{"grant_type": {"client_credentials"}, "client_id": {"nobody"}, "client_secret": {"x"}},
			wantStatus: http.StatusNotFound,
			wantCode:   oauth.CodeInvalidClient,
		},
		{
			name:       "wrong secret",
			form:       url.Values{"grant_type": {"client_credentials"}, "client_id": {testutil.ClientID}, "client_secret": {"x"}},
			wantStatus: http.StatusNotFound,
			wantCode:   oauth.CodeInvalidClient,
		},
		{
			name: "scope outside client",
			form: url.Values{
				"grant_type": {"client_credentials"}, "client_id": {testutil.ClientID},
				"client_secret": {testutil.ClientSecret}, "scope": {"openid admin"},
			},
			wantStatus: http.StatusBadRequest,
			wantCode:   oauth.CodeInvalidScope,
		},
		{
			name: "forged refresh token",
			form: url.Values{
				"grant_type": {"refresh_token"}, "client_id": {testutil.ClientID},
				"client_secret": {testutil.ClientSecret}, "refresh_token": {"forged"},
			},
			wantStatus: http.StatusForbidden,
			wantCode:   oauth.CodeInvalidToken,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t)
			w := postForm(s.handlers.TokenHandler, "/token", tt.form)
			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Equal(t, tt.wantCode, decodeBody[oauth.OAuthError](t, w).Code)
		})
	}
}

func TestTokenHandlerRejectsGet(t *testing.T) {
	s := newTestServer(t)
	w := httptest.NewRecorder()
	s.handlers.TokenHandler(w, httptest.NewRequest(http.MethodGet, "/token", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	assert.Equal(t, "POST", w.Header().Get("Allow"))
}

func TestRevokeAndIntrospectHandlers(t *testing.T) {
	s := newTestServer(t)
	code := s.authorizeCode(t, nil)
	w := postForm(s.handlers.TokenHandler, "/token", url.Values{
		"grant_type": {"authorization_code"}, "code": {code}, "redirect_uri": {testutil.RedirectURI},
		"client_id": {testutil.ClientID}, "client_secret": {testutil.ClientSecret},
	})
	require.Equal(t, http.StatusOK, w.Code)
	tokens := decodeBody[oauth.TokenResponse](t, w)

	w = postForm(s.handlers.IntrospectHandler, "/introspect", url.Values{"token": {tokens.AccessToken}})
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decodeBody[oauth.IntrospectionResponse](t, w).Active)

	w = postForm(s.handlers.RevokeHandler, "/token/revoke", url.Values{"token": {tokens.AccessToken}, "token_type_hint": {"access_token"}})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Body.String())

	w = postForm(s.handlers.IntrospectHandler, "/introspect", url.Values{"token": {tokens.AccessToken}})
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"active":false}`, w.Body.String())

	w = postForm(s.handlers.RevokeHandler, "/token/revoke", url.Values{"token": {tokens.RefreshToken}, "token_type_hint": {"refresh_token"}})
	require.Equal(t, http.StatusOK, w.Code)

	w = postForm(s.handlers.TokenHandler, "/token", url.Values{
		"grant_type": {"refresh_token"}, "refresh_token": {tokens.RefreshToken},
		"client_id": {testutil.ClientID}, "client_secret": {testutil.ClientSecret},
	})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = postForm(s.handlers.RevokeHandler, "/token/revoke", url.Values{"token": {"x"}, "token_type_hint": {"id_token"}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, oauth.CodeUnsupportedTokenType, decodeBody[oauth.OAuthError](t, w).Code)
}

func TestDeviceFlowHandlers(t *testing.T) {
	s := newTestServer(t)

	w := postForm(s.handlers.DeviceAuthorizationHandler, "/device_authorization", url.Values{
		"client_id": {testutil.ClientID}, "client_secret": {testutil.ClientSecret}, "scope": {"openid"},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	auth := decodeBody[device.Authorization](t, w)

	poll := url.Values{
		"grant_type":    {string(oauth.GrantTypeDeviceCode)},
		"device_code":   {auth.DeviceCode},
		"client_id":     {testutil.ClientID},
		"client_secret": {testutil.ClientSecret},
	}
	w = postForm(s.handlers.TokenHandler, "/token", poll)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, oauth.CodeAuthorizationPending, decodeBody[oauth.OAuthError](t, w).Code)

	verify := func(form url.Values, user string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/device/verify", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		if user != "" {
			req = req.WithContext(WithUser(req.Context(), user))
		}
		w := httptest.NewRecorder()
		s.handlers.DeviceVerifyHandler(w, req)
		return w
	}

	w = verify(url.Values{"user_code": {auth.UserCode}}, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = verify(url.Values{"user_code": {auth.UserCode}}, testutil.UserID)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.JSONEq(t, `{"status":"approved"}`, w.Body.String())

	w = postForm(s.handlers.TokenHandler, "/token", poll)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.NotEmpty(t, decodeBody[oauth.TokenResponse](t, w).RefreshToken)

	w = verify(url.Values{"user_code": {auth.UserCode}}, testutil.UserID)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDeviceExpiredPoll(t *testing.T) {
	s := newTestServer(t)
	w := postForm(s.handlers.DeviceAuthorizationHandler, "/device_authorization", url.Values{
		"client_id": {testutil.ClientID}, "client_secret": {testutil.ClientSecret},
	})
	require.Equal(t, http.StatusOK, w.Code)
	auth := decodeBody[device.Authorization](t, w)

	s.clock.Advance(time.Duration(auth.ExpiresIn) * time.Second)
	w = postForm(s.handlers.TokenHandler, "/token", url.Values{
		"grant_type":  {string(oauth.GrantTypeDeviceCode)},
		"device_code": {auth.DeviceCode}, "client_id": {testutil.ClientID}, "client_secret": {testutil.ClientSecret},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, oauth.CodeExpiredToken, decodeBody[oauth.OAuthError](t, w).Code)
}

func TestAuthorizeHandlerErrors(t *testing.T) {
	s := newTestServer(t)

	t.Run("untrusted redirect is not followed", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/authorize?client_id=web-app&response_type=code&redirect_uri=https://evil.example.com", nil)
		req = req.WithContext(WithUser(req.Context(), testutil.UserID))
		w := httptest.NewRecorder()
		s.handlers.AuthorizeHandler(w, req)

		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.Empty(t, w.Header().Get("Location"))
	})

	t.Run("scope error goes back to the client", func(t *testing.T) {
		q := url.Values{
			"client_id": {testutil.ClientID}, "response_type": {"code"},
			"redirect_uri": {testutil.RedirectURI}, "scope": {"openid admin"}, "state": {"s"},
		}
		req := httptest.NewRequest(http.MethodGet, "/authorize?"+q.Encode(), nil)
		req = req.WithContext(WithUser(req.Context(), testutil.UserID))
		w := httptest.NewRecorder()
		s.handlers.AuthorizeHandler(w, req)

		require.Equal(t, http.StatusFound, w.Code)
		loc, err := url.Parse(w.Header().Get("Location"))
		require.NoError(t, err)
		assert.Equal(t, "invalid_scope", loc.Query().Get("error"))
		assert.Equal(t, "s", loc.Query().Get("state"))
	})
}

func TestAuthorizeHandlerImplicit(t *testing.T) {
	client := testutil.NewClient()
	client.ResponseTypes = []string{"code", "id_token token"}
	s := newTestServer(t, client)

	follow := func(q url.Values) *url.URL {
		req := httptest.NewRequest(http.MethodGet, "/authorize?"+q.Encode(), nil)
		req = req.WithContext(WithUser(req.Context(), testutil.UserID))
		w := httptest.NewRecorder()
		s.handlers.AuthorizeHandler(w, req)
		require.Equal(t, http.StatusFound, w.Code)
		loc, err := url.Parse(w.Header().Get("Location"))
		require.NoError(t, err)
		return loc
	}
	q := url.Values{
		"client_id": {testutil.ClientID}, "response_type": {"id_token token"},
		"redirect_uri": {testutil.RedirectURI}, "scope": {"openid profile"},
		"state": {"s"}, "nonce": {"n"},
	}

	t.Run("tokens travel in the fragment", func(t *testing.T) {
		loc := follow(q)
		assert.Empty(t, loc.RawQuery)
		frag, err := url.ParseQuery(loc.Fragment)
		require.NoError(t, err)
		assert.Equal(t, "s", frag.Get("state"))
		assert.Equal(t, "Bearer", frag.Get("token_type"))

		// The access token works at /userinfo like one from /token.
		req := httptest.NewRequest(http.MethodGet, "/userinfo", nil)
		req.Header.Set("Authorization", "Bearer "+frag.Get("access_token"))
		w := httptest.NewRecorder()
		s.handlers.UserInfoHandler(w, req)
		assert.Equal(t, http.StatusOK, w.Code)

		var id oauth.IDTokenClaims
		_, _, err = jwt.NewParser().ParseUnverified(frag.Get("id_token"), &id)
		require.NoError(t, err)
		assert.Equal(t, "n", id.Nonce)
	})

	t.Run("errors travel in the fragment", func(t *testing.T) {
		bad := url.Values{}
		for k, v := range q {
			bad[k] = v
		}
		bad.Del("nonce")
		loc := follow(bad)
		assert.Empty(t, loc.RawQuery)
		frag, err := url.ParseQuery(loc.Fragment)
		require.NoError(t, err)
		assert.Equal(t, "invalid_request", frag.Get("error"))
		assert.Equal(t, "s", frag.Get("state"))
	})
}

func TestAuthorizeHandlerWithPKCE(t *testing.T) {
	s := newTestServer(t)
	const verifier = "a-verifier-that-is-long-enough-for-rfc-7636-purposes"
	code := s.authorizeCode(t, url.Values{
		"code_challenge":        {oauth.S256Challenge(verifier)},
		"code_challenge_method": {"S256"},
	})

	form := url.Values{
		"grant_type": {"authorization_code"}, "code": {code}, "redirect_uri": {testutil.RedirectURI},
		"client_id": {testutil.ClientID}, "client_secret": {testutil.ClientSecret}, "code_verifier": {"wrong"},
	}
	w := postForm(s.handlers.TokenHandler, "/token", form)
	assert.Equal(t, http.StatusForbidden, w.Code)

	form.Set("code_verifier", verifier)
	w = postForm(s.handlers.TokenHandler, "/token", form)
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestUserInfoHandler(t *testing.T) {
	s := newTestServer(t)
	accessToken, _, err := s.engine.Minter().AccessToken(context.Background(), testutil.NewClient(), testutil.UserID, oauth.UserTokenAudience, "openid profile")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/userinfo", nil)
	req.Header.Set("Authorization", "Bearer "+accessToken)
	w := httptest.NewRecorder()
	s.handlers.UserInfoHandler(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"sub":"user-42","name":"Ada Lovelace"}`, w.Body.String())

	req = httptest.NewRequest(http.MethodGet, "/userinfo", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	w = httptest.NewRecorder()
	s.handlers.UserInfoHandler(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Header().Get("WWW-Authenticate"), "Bearer")
}

func TestEndSessionHandler(t *testing.T) {
	s := newTestServer(t)
	idToken, err := s.engine.Minter().IDToken(context.Background(), testutil.NewClient(), testutil.UserID)
	require.NoError(t, err)

	q := url.Values{
		"id_token_hint":            {idToken},
		"post_logout_redirect_uri": {"https://app.example.com/logged-out"},
		"state":                    {"bye"},
	}
	w := httptest.NewRecorder()
	s.handlers.EndSessionHandler(w, httptest.NewRequest(http.MethodGet, "/endsession?"+q.Encode(), nil))
	assert.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "https://app.example.com/logged-out?state=bye", w.Header().Get("Location"))

	w = httptest.NewRecorder()
	s.handlers.EndSessionHandler(w, httptest.NewRequest(http.MethodGet, "/endsession?id_token_hint="+idToken, nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestDiscoveryAndJWKS(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	s.handlers.DiscoveryHandler(w, httptest.NewRequest(http.MethodGet, oauth.PathDiscovery, nil))
	require.Equal(t, http.StatusOK, w.Code)
	doc := decodeBody[map[string]any](t, w)
	assert.Equal(t, testutil.Issuer, doc["issuer"])
	assert.Equal(t, testutil.Issuer+"/token", doc["token_endpoint"])
	assert.Equal(t, []any{"ES256"}, doc["id_token_signing_alg_values_supported"])

	w = httptest.NewRecorder()
	s.handlers.JWKSHandler(w, httptest.NewRequest(http.MethodGet, oauth.PathJWKS, nil))
	require.Equal(t, http.StatusOK, w.Code)
	set := decodeBody[map[string][]map[string]any](t, w)
	require.Len(t, set["keys"], 1)
	assert.Equal(t, "EC", set["keys"][0]["kty"])
}
