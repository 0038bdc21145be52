package oauth

import (
	"time"
)

type GrantType string

const (
	GrantTypeAuthorizationCode GrantType = "authorization_code"
	GrantTypeRefreshToken      GrantType = "refresh_token"
	GrantTypeClientCredentials GrantType = "client_credentials"
	GrantTypeDeviceCode        GrantType = "urn:ietf:params:oauth:grant-type:device_code"

	// GrantTypeImplicit is never presented at /token. It gates the response
	// types that return tokens straight from /authorize.
	GrantTypeImplicit GrantType = "implicit"
)

func (t GrantType) String() string { return string(t) }

// GrantKey identifies a grant by the credential handed to the client.
// At most one live grant exists per key.
type GrantKey struct {
	Type GrantType
	Data string
}

// PersistentGrant is one outstanding authorization artifact: an
// authorization code, a refresh token or an approved device code.
// Grants are created and consumed, never updated in place.
type PersistentGrant struct {
	Key        string
	Type       GrantType
	Data       string
	ClientID   string
	UserID     string
	Scope      string
	Expiration int64 // seconds after CreatedAt
	CreatedAt  time.Time
}

func (g *PersistentGrant) GrantKey() GrantKey {
	return GrantKey{Type: g.Type, Data: g.Data}
}

func (g *PersistentGrant) ExpiresAt() time.Time {
	return g.CreatedAt.Add(time.Duration(g.Expiration) * time.Second)
}

// Expired reports whether created_at + expiration <= now.
func (g *PersistentGrant) Expired(now time.Time) bool {
	return !now.Before(g.ExpiresAt())
}

// Device is a pending device-authorization registration. It is replaced by a
// device_code PersistentGrant once the user approves it.
type Device struct {
	ClientID        string
	DeviceCode      string
	UserCode        string
	Scope           string
	VerificationURI string
	ExpiresIn       int64
	Interval        int64
	CreatedAt       time.Time
}

func (d *Device) ExpiresAt() time.Time {
	return d.CreatedAt.Add(time.Duration(d.ExpiresIn) * time.Second)
}

func (d *Device) Expired(now time.Time) bool {
	return !now.Before(d.ExpiresAt())
}

// CodeChallenge is the PKCE challenge registered by a client for its
// in-flight authorization-code flow. Challenge holds the encrypted value.
type CodeChallenge struct {
	ClientID  string
	Challenge string
	Method    ChallengeMethod
}

// BlacklistedToken is a revoked access token remembered until it would have
// expired on its own.
type BlacklistedToken struct {
	Token     string
	ExpiresAt time.Time
}
