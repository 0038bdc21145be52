package oauth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// DefaultBaseLifetime is the ID token and authorization code lifetime
	// when neither the config nor the client sets one.
	DefaultBaseLifetime = 600 * time.Second
	// DefaultRefreshGracePeriod is how long past its exp a refresh token can
	// still be rotated.
	DefaultRefreshGracePeriod = 24 * time.Hour
)

const (
	TokenTypeBearer = "Bearer"
	// ACR is the authentication context class reference stamped on every
	// token. Only password-equivalent authentication exists here.
	ACR = "0"
)

// Token type hints accepted by the revocation endpoint.
const (
	HintAccessToken  = "access_token"
	HintRefreshToken = "refresh_token"
)

type AccessTokenClaims struct {
	jwt.RegisteredClaims
	ClientID        string `json:"client_id"`
	AuthorizedParty string `json:"azp,omitempty"`
	ACR             string `json:"acr"`
	Scope           string `json:"scope,omitempty"`
}

type IDTokenClaims struct {
	jwt.RegisteredClaims
	ClientID        string         `json:"client_id"`
	ACR             string         `json:"acr"`
	Nonce           string         `json:"nonce,omitempty"`
	AccessTokenHash string         `json:"at_hash,omitempty"`
	Claims          map[string]any `json:"claims,omitempty"`
}

type RefreshTokenClaims struct {
	jwt.RegisteredClaims
	ClientID string `json:"client_id,omitempty"`
}

// TokenResponse is the body of a successful token endpoint response.
type TokenResponse struct {
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token,omitempty"`
	IDToken          string `json:"id_token,omitempty"`
	TokenType        string `json:"token_type"`
	ExpiresIn        int64  `json:"expires_in"`
	RefreshExpiresIn int64  `json:"refresh_expires_in,omitempty"`
	Scope            string `json:"scope,omitempty"`
}

// IntrospectionResponse follows RFC 7662. An inactive token carries only
// active=false.
type IntrospectionResponse struct {
	Active    bool     `json:"active"`
	Scope     string   `json:"scope,omitempty"`
	ClientID  string   `json:"client_id,omitempty"`
	TokenType string   `json:"token_type,omitempty"`
	Exp       int64    `json:"exp,omitempty"`
	Iat       int64    `json:"iat,omitempty"`
	Sub       string   `json:"sub,omitempty"`
	Aud       []string `json:"aud,omitempty"`
	Iss       string   `json:"iss,omitempty"`
	Jti       string   `json:"jti,omitempty"`
}
