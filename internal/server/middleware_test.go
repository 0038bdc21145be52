package server

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/dgellow/identity-server/internal/metrics"
	"github.com/dgellow/identity-server/internal/oauth"
	"github.com/dgellow/identity-server/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCorsMiddleware(t *testing.T) {
	tests := []struct {
		name              string
		allowedOrigins    []string
		requestOrigin     string
		method            string
		expectAllowOrigin string
	}{
		{
			name:              "allowed origin",
			allowedOrigins:    []string{"https://spa.example.com", "https://example.com"},
			requestOrigin:     "https://spa.example.com",
			expectAllowOrigin: "https://spa.example.com",
		},
		{
			name:           "disallowed origin",
			allowedOrigins: []string{"https://spa.example.com"},
			requestOrigin:  "https://evil.com",
		},
		{
			name:           "no origin header",
			allowedOrigins: []string{"https://spa.example.com"},
		},
		{
			name:              "empty allowed origins",
			allowedOrigins:    []string{},
			requestOrigin:     "https://spa.example.com",
			expectAllowOrigin: "*",
		},
		{
			name:              "preflight request",
			allowedOrigins:    []string{"https://spa.example.com"},
			requestOrigin:     "https://spa.example.com",
			method:            http.MethodOptions,
			expectAllowOrigin: "https://spa.example.com",
		},
		{
			name:           "origin matching is case sensitive",
			allowedOrigins: []string{"https://SPA.example.com"},
			requestOrigin:  "https://spa.example.com",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				called = true
				w.WriteHeader(http.StatusOK)
			})
			corsHandler := NewCORSMiddleware(tt.allowedOrigins)(handler)

			method := tt.method
			if method == "" {
				method = http.MethodGet
			}
			req := httptest.NewRequest(method, "/token", nil)
			if tt.requestOrigin != "" {
				req.Header.Set("Origin", tt.requestOrigin)
			}

			rr := httptest.NewRecorder()
			corsHandler.ServeHTTP(rr, req)

			assert.Equal(t, tt.expectAllowOrigin, rr.Header().Get("Access-Control-Allow-Origin"))
			assert.Empty(t, rr.Header().Get("Access-Control-Allow-Credentials"))
			assert.Equal(t, "GET, POST, OPTIONS", rr.Header().Get("Access-Control-Allow-Methods"))
			assert.Equal(t, "3600", rr.Header().Get("Access-Control-Max-Age"))
			assert.Equal(t, http.StatusOK, rr.Code)
			assert.Equal(t, method != http.MethodOptions, called)
		})
	}
}

func TestChainMiddlewareOrder(t *testing.T) {
	var order []string
	mark := func(name string) MiddlewareFunc {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}

	h := ChainMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		order = append(order, "handler")
	}), mark("inner"), mark("outer"))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, []string{"outer", "inner", "handler"}, order)
}

func TestRecoverMiddleware(t *testing.T) {
	handler := NewRecoverMiddleware("test")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rr := httptest.NewRecorder()
	assert.NotPanics(t, func() {
		handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/token", nil))
	})
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
}

func TestLoggerMiddlewareKeepsStatus(t *testing.T) {
	handler := NewLoggerMiddleware("test")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("ok"))
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/token?code=secret", nil))
	assert.Equal(t, http.StatusCreated, rr.Code)
	assert.Equal(t, "ok", rr.Body.String())
}

func TestMetricsMiddleware(t *testing.T) {
	m := metrics.New()
	handler := ChainMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}), NewMetricsMiddleware(m, "/token"), NewLoggerMiddleware("test"))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/token", nil))

	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, err := io.ReadAll(rr.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `identity_server_http_requests_total{method="POST",route="/token",status="404"} 1`)
}

type stubVerifier struct {
	subject string
	err     error
}

func (s stubVerifier) VerifyAccessToken(ctx context.Context, token, audience string) (*oauth.AccessTokenClaims, error) {
	if s.err != nil {
		return nil, s.err
	}
	claims := &oauth.AccessTokenClaims{}
	claims.Subject = s.subject
	return claims, nil
}

func TestBearerAuthMiddleware(t *testing.T) {
	tests := []struct {
		name       string
		header     string
		verifier   stubVerifier
		wantStatus int
		wantUser   string
	}{
		{
			name:       "valid token",
			header:     "Bearer good",
			verifier:   stubVerifier{subject: testutil.UserID},
			wantStatus: http.StatusOK,
			wantUser:   testutil.UserID,
		},
		{
			name:       "lowercase scheme",
			header:     "bearer good",
			verifier:   stubVerifier{subject: testutil.UserID},
			wantStatus: http.StatusOK,
			wantUser:   testutil.UserID,
		},
		{
			name:       "missing header",
			verifier:   stubVerifier{subject: testutil.UserID},
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "basic scheme",
			header:     "Basic dXNlcjpwYXNz",
			verifier:   stubVerifier{subject: testutil.UserID},
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "revoked token",
			header:     "Bearer revoked",
			verifier:   stubVerifier{err: oauth.ErrBlacklistedToken},
			wantStatus: http.StatusUnauthorized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotUser string
			handler := NewBearerAuthMiddleware(tt.verifier, "userinfo")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotUser, _ = UserFromContext(r.Context())
			}))

			req := httptest.NewRequest(http.MethodGet, "/authorize", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			assert.Equal(t, tt.wantStatus, rr.Code)
			assert.Equal(t, tt.wantUser, gotUser)
		})
	}
}
