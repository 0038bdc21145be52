package integration

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/dgellow/identity-server/internal"
	"github.com/dgellow/identity-server/internal/config"
	"github.com/dgellow/identity-server/internal/oauth"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

const (
	testUserID          = "user-1"
	webClientSecret     = "web-secret-for-tests"
	serviceClientSecret = "service-secret-for-tests"
	testEncryptionKey   = "test-encryption-key-32-bytes-ok!"
	webRedirectURI      = "https://app.example.com/callback"
	postLogoutURI       = "https://app.example.com/"
)

// backends lists the storage engines the flow tests run against. Each
// returns the storage section of the config.
var backends = []struct {
	name    string
	storage func(t *testing.T) map[string]any
}{
	{"memory", func(t *testing.T) map[string]any {
		return map[string]any{"type": "memory"}
	}},
	{"sqlite", func(t *testing.T) map[string]any {
		t.Setenv("SQLITE_DSN", filepath.Join(t.TempDir(), "identity.db"))
		return map[string]any{"type": "sqlite", "dsn": map[string]string{"$env": "SQLITE_DSN"}}
	}},
	{"redis", func(t *testing.T) map[string]any {
		mr := miniredis.RunT(t)
		return map[string]any{"type": "redis", "redisAddr": mr.Addr(), "redisKeyPrefix": "it:"}
	}},
}

type testEnv struct {
	baseURL string
	server  *internal.IdentityServer
}

// buildTestConfig returns a config document with one client per flow.
func buildTestConfig(issuer string, storage map[string]any) map[string]any {
	return map[string]any{
		"version":           "v1",
		"issuer":            issuer,
		"baseTokenLifetime": "10m",
		"encryptionKey":     map[string]string{"$env": "ENCRYPTION_KEY"},
		"storage":           storage,
		"signing":           map[string]any{"algorithm": "ES256"},
		"clients": []map[string]any{
			{
				"id":                     1,
				"clientId":               "web",
				"secrets":                []map[string]any{{"value": map[string]string{"$env": "WEB_CLIENT_SECRET"}}},
				"redirectUris":           []string{webRedirectURI},
				"postLogoutRedirectUris": []string{postLogoutURI},
				"grantTypes":             []string{"authorization_code", "refresh_token"},
				"scopes":                 []string{"openid", "profile", "email"},
				"requirePkce":            true,
				"requireClientSecret":    true,
			},
			{
				"id":                  2,
				"clientId":            "service",
				"secrets":             []map[string]any{{"value": map[string]string{"$env": "SERVICE_CLIENT_SECRET"}}},
				"grantTypes":          []string{"client_credentials"},
				"scopes":              []string{"openid", "admin"},
				"requireClientSecret": true,
			},
			{
				"id":         3,
				"clientId":   "tv",
				"grantTypes": []string{"urn:ietf:params:oauth:grant-type:device_code", "refresh_token"},
				"scopes":     []string{"openid", "profile"},
			},
		},
		"users": []map[string]any{
			{"id": testUserID, "claims": map[string]any{
				"name":           "Ada Lovelace",
				"given_name":     "Ada",
				"email":          "ada@example.com",
				"email_verified": true,
			}},
		},
	}
}

// startServer runs the full application behind an httptest listener whose
// address is the issuer.
func startServer(t *testing.T, storage map[string]any) *testEnv {
	t.Helper()
	t.Setenv("WEB_CLIENT_SECRET", webClientSecret)
	t.Setenv("SERVICE_CLIENT_SECRET", serviceClientSecret)
	t.Setenv("ENCRYPTION_KEY", testEncryptionKey)

	ts := httptest.NewUnstartedServer(nil)
	baseURL := "http://" + ts.Listener.Addr().String()

	data, err := json.Marshal(buildTestConfig(baseURL, storage))
	require.NoError(t, err)
	cfg, err := config.Parse(data)
	require.NoError(t, err)

	srv, err := internal.NewIdentityServer(context.Background(), cfg)
	require.NoError(t, err)

	ts.Config.Handler = srv.Handler()
	ts.Start()
	t.Cleanup(func() {
		ts.Close()
		_ = srv.Close()
	})

	return &testEnv{baseURL: baseURL, server: srv}
}

func (e *testEnv) endpoint() oauth2.Endpoint {
	return oauth2.Endpoint{
		AuthURL:       e.baseURL + "/authorize",
		TokenURL:      e.baseURL + "/token",
		DeviceAuthURL: e.baseURL + "/device_authorization",
		AuthStyle:     oauth2.AuthStyleInHeader,
	}
}

func (e *testEnv) webConfig() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     "web",
		ClientSecret: webClientSecret,
		Endpoint:     e.endpoint(),
		RedirectURL:  webRedirectURI,
		Scopes:       []string{"openid", "profile", "email"},
	}
}

func (e *testEnv) deviceConfig() *oauth2.Config {
	endpoint := e.endpoint()
	endpoint.AuthStyle = oauth2.AuthStyleInParams
	return &oauth2.Config{
		ClientID: "tv",
		Endpoint: endpoint,
		Scopes:   []string{"openid", "profile"},
	}
}

func (e *testEnv) serviceConfig() *clientcredentials.Config {
	return &clientcredentials.Config{
		ClientID:     "service",
		ClientSecret: serviceClientSecret,
		TokenURL:     e.baseURL + "/token",
		Scopes:       []string{"openid", "admin"},
		AuthStyle:    oauth2.AuthStyleInHeader,
	}
}

// userToken stands in for the external login front end: it mints the
// bearer token a signed-in user presents at /authorize and /device/verify.
func (e *testEnv) userToken(t *testing.T) string {
	t.Helper()
	token, _, err := e.server.Engine().Minter().AccessToken(
		context.Background(),
		&oauth.Client{ClientID: "login"},
		testUserID,
		oauth.UserTokenAudience,
		"openid",
	)
	require.NoError(t, err)
	return token
}

// authorize follows authURL as the signed-in user and returns the redirect
// it answers with.
func (e *testEnv) authorize(t *testing.T, authURL string) *url.URL {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, authURL, nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+e.userToken(t))

	client := &http.Client{
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)

	location, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	return location
}

func (e *testEnv) postForm(t *testing.T, path string, form url.Values, header http.Header) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, e.baseURL+path, strings.NewReader(form.Encode()))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (e *testEnv) getJSON(t *testing.T, path, bearer string, v any) int {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, e.baseURL+path, nil)
	require.NoError(t, err)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if v != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
	return resp.StatusCode
}

func decodeJSON(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}
