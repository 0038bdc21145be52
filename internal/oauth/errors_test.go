package oauth

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   ErrorCode
		ok     bool
	}{
		{"client not found", ErrClientNotFound, http.StatusNotFound, CodeInvalidClient, true},
		{"wrapped grant not found", fmt.Errorf("exchange: %w", ErrGrantNotFound), http.StatusNotFound, CodeInvalidGrant, true},
		{"redirect uri", ErrRedirectURIMismatch, http.StatusNotFound, CodeInvalidGrant, true},
		{"duplicate", ErrDuplicateGrant, http.StatusConflict, CodeConflict, true},
		{"pkce mismatch", ErrCodeChallengeMismatch, http.StatusForbidden, CodeInvalidGrant, true},
		{"signature", ErrSignature, http.StatusForbidden, CodeInvalidToken, true},
		{"expired signature", ErrExpiredSignature, http.StatusForbidden, CodeInvalidToken, true},
		{"scopes", ErrClientScopes, http.StatusBadRequest, CodeInvalidScope, true},
		{"pending", ErrAuthorizationPending, http.StatusBadRequest, CodeAuthorizationPending, true},
		{"device expired", ErrDeviceCodeExpired, http.StatusBadRequest, CodeExpiredToken, true},
		{"grant type", ErrUnsupportedGrantType, http.StatusBadRequest, CodeUnsupportedGrantType, true},
		{"oauth error", InvalidRequest("code is required"), http.StatusBadRequest, CodeInvalidRequest, true},
		{"unknown", errors.New("connection reset"), http.StatusInternalServerError, CodeServerError, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, oe, ok := Classify(tt.err)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.code, oe.Code)
			assert.Equal(t, tt.ok, ok)
		})
	}
}

func TestClassifyDoesNotLeakInternalErrors(t *testing.T) {
	_, oe, _ := Classify(errors.New("pq: password authentication failed for user admin"))
	assert.NotContains(t, oe.Description, "pq")
}

func TestExpiredSignatureIsSignature(t *testing.T) {
	assert.True(t, errors.Is(ErrExpiredSignature, ErrSignature))
	assert.False(t, errors.Is(ErrSignature, ErrExpiredSignature))
}

func TestWriteAuthorizeError(t *testing.T) {
	t.Run("redirects with error and state", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/authorize", nil)
		WriteAuthorizeError(rec, req, "https://app.example.com/cb?x=1", "code", "st", NewOAuthError(CodeAccessDenied, "denied"))

		assert.Equal(t, http.StatusFound, rec.Code)
		loc := rec.Header().Get("Location")
		assert.Contains(t, loc, "error=access_denied")
		assert.Contains(t, loc, "state=st")
		assert.Contains(t, loc, "x=1")
	})

	t.Run("implicit errors travel in the fragment", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/authorize", nil)
		WriteAuthorizeError(rec, req, "https://app.example.com/cb?x=1", "id_token token", "st", NewOAuthError(CodeInvalidRequest, "nonce is required"))

		assert.Equal(t, http.StatusFound, rec.Code)
		loc, err := url.Parse(rec.Header().Get("Location"))
		require.NoError(t, err)
		assert.Equal(t, "x=1", loc.RawQuery)
		frag, err := url.ParseQuery(loc.Fragment)
		require.NoError(t, err)
		assert.Equal(t, "invalid_request", frag.Get("error"))
		assert.Equal(t, "nonce is required", frag.Get("error_description"))
		assert.Equal(t, "st", frag.Get("state"))
	})

	t.Run("no redirect uri renders json", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/authorize", nil)
		WriteAuthorizeError(rec, req, "", "", "", NewOAuthError(CodeInvalidRequest, "bad"))

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
		assert.Contains(t, rec.Body.String(), `"error":"invalid_request"`)
	})
}
