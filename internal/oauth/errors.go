package oauth

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/dgellow/identity-server/internal/log"
)

type ErrorCode string

const (
	CodeInvalidRequest          ErrorCode = "invalid_request"
	CodeUnauthorizedClient      ErrorCode = "unauthorized_client"
	CodeAccessDenied            ErrorCode = "access_denied"
	CodeUnsupportedResponseType ErrorCode = "unsupported_response_type"
	CodeInvalidScope            ErrorCode = "invalid_scope"
	CodeServerError             ErrorCode = "server_error"
	CodeInvalidGrant            ErrorCode = "invalid_grant"
	CodeInvalidClient           ErrorCode = "invalid_client"
	CodeInvalidToken            ErrorCode = "invalid_token"
	CodeUnsupportedGrantType    ErrorCode = "unsupported_grant_type"
	CodeUnsupportedTokenType    ErrorCode = "unsupported_token_type"
	CodeAuthorizationPending    ErrorCode = "authorization_pending"
	CodeExpiredToken            ErrorCode = "expired_token"
	CodeNotFound                ErrorCode = "not_found"
	CodeConflict                ErrorCode = "conflict"
)

// Failures raised by validators, stores and the signing layer. The issuance
// engine returns them unchanged and the HTTP boundary maps them with Classify.
var (
	ErrClientNotFound          = errors.New("client not found")
	ErrGrantNotFound           = errors.New("grant not found")
	ErrDuplicateGrant          = errors.New("grant already exists")
	ErrCodeChallengeMismatch   = errors.New("code challenge mismatch")
	ErrAuthorizationPending    = errors.New("device registration in progress")
	ErrDeviceCodeExpired       = errors.New("device code expired")
	ErrUserCodeNotFound        = errors.New("user code not found")
	ErrClientScopes            = errors.New("requested scope not allowed for client")
	ErrUnsupportedGrantType    = errors.New("unsupported grant type")
	ErrUnsupportedResponseType = errors.New("unsupported response type")
	ErrRedirectURIMismatch     = errors.New("redirect uri not registered for client")
	ErrClaimsNotFound          = errors.New("claims not found for user")
	ErrBlacklistedToken        = errors.New("token has been revoked")
	ErrSignature               = errors.New("invalid token signature")
	// ErrExpiredSignature wraps ErrSignature: a caller that only cares about
	// validity can test for ErrSignature alone.
	ErrExpiredSignature = fmt.Errorf("%w: token expired", ErrSignature)
)

type OAuthError struct {
	Code        ErrorCode `json:"error"`
	Description string    `json:"error_description,omitempty"`
}

func (e *OAuthError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Description)
	}
	return string(e.Code)
}

func NewOAuthError(code ErrorCode, description string) *OAuthError {
	return &OAuthError{Code: code, Description: description}
}

// InvalidRequest is shorthand for a malformed-request error.
func InvalidRequest(format string, args ...any) *OAuthError {
	return NewOAuthError(CodeInvalidRequest, fmt.Sprintf(format, args...))
}

type classification struct {
	err    error
	status int
	code   ErrorCode
}

// Order matters: ErrExpiredSignature must be tested before ErrSignature.
var classifications = []classification{
	{ErrClientNotFound, http.StatusNotFound, CodeInvalidClient},
	{ErrGrantNotFound, http.StatusNotFound, CodeInvalidGrant},
	{ErrRedirectURIMismatch, http.StatusNotFound, CodeInvalidGrant},
	{ErrUserCodeNotFound, http.StatusNotFound, CodeNotFound},
	{ErrClaimsNotFound, http.StatusNotFound, CodeNotFound},
	{ErrDuplicateGrant, http.StatusConflict, CodeConflict},
	{ErrCodeChallengeMismatch, http.StatusForbidden, CodeInvalidGrant},
	{ErrExpiredSignature, http.StatusForbidden, CodeInvalidToken},
	{ErrSignature, http.StatusForbidden, CodeInvalidToken},
	{ErrBlacklistedToken, http.StatusForbidden, CodeInvalidToken},
	{ErrClientScopes, http.StatusBadRequest, CodeInvalidScope},
	{ErrAuthorizationPending, http.StatusBadRequest, CodeAuthorizationPending},
	{ErrDeviceCodeExpired, http.StatusBadRequest, CodeExpiredToken},
	{ErrUnsupportedGrantType, http.StatusBadRequest, CodeUnsupportedGrantType},
	{ErrUnsupportedResponseType, http.StatusBadRequest, CodeUnsupportedResponseType},
}

// Classify maps an error to its HTTP status and protocol error body.
// ok is false for errors outside the taxonomy; those are reported as a
// generic server_error and must be logged by the caller.
func Classify(err error) (status int, oauthErr *OAuthError, ok bool) {
	for _, c := range classifications {
		if errors.Is(err, c.err) {
			return c.status, NewOAuthError(c.code, c.err.Error()), true
		}
	}

	var oe *OAuthError
	if errors.As(err, &oe) {
		return http.StatusBadRequest, oe, true
	}

	return http.StatusInternalServerError, NewOAuthError(CodeServerError, "internal server error"), false
}

// WriteAuthorizeError redirects oauthErr back to the client. Errors for
// response types that return tokens travel in the fragment, like the
// tokens themselves.
func WriteAuthorizeError(w http.ResponseWriter, r *http.Request, redirectURI, responseType, state string, oauthErr *OAuthError) {
	if redirectURI == "" {
		WriteTokenError(w, http.StatusBadRequest, oauthErr)
		return
	}

	u, err := url.Parse(redirectURI)
	if err != nil {
		WriteTokenError(w, http.StatusBadRequest, oauthErr)
		return
	}

	params := url.Values{}
	params.Set("error", string(oauthErr.Code))
	if oauthErr.Description != "" {
		params.Set("error_description", oauthErr.Description)
	}
	if state != "" {
		params.Set("state", state)
	}

	if FragmentResponse(responseType) {
		u.Fragment = ""
		http.Redirect(w, r, u.String()+"#"+params.Encode(), http.StatusFound)
		return
	}
	q := u.Query()
	for k, v := range params {
		q[k] = v
	}
	u.RawQuery = q.Encode()

	http.Redirect(w, r, u.String(), http.StatusFound)
}

func WriteTokenError(w http.ResponseWriter, status int, oauthErr *OAuthError) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(oauthErr); err != nil {
		log.LogError("Failed to encode OAuth error response: %v", err)
	}
}
