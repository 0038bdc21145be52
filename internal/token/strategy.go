package token

import (
	"context"

	"github.com/dgellow/identity-server/internal/oauth"
	"github.com/ory/fosite"
)

// Request is a parsed token endpoint request. Fields that do not apply to
// the grant type are ignored.
type Request struct {
	GrantType    oauth.GrantType
	ClientID     string
	ClientSecret string
	Scope        string

	Code         string
	RedirectURI  string
	CodeVerifier string

	RefreshToken string

	DeviceCode string
}

// Validated is a request that passed every check of its strategy and is
// ready to be turned into tokens.
type Validated struct {
	Request *Request
	Client  *oauth.Client
	// Grant is the persistent grant the request redeems, if any.
	Grant  *oauth.PersistentGrant
	UserID string
	Scope  fosite.Arguments

	// pkceChecked is set when a code challenge was verified and must be
	// consumed once the exchange commits.
	pkceChecked bool
	// rotate is set for a refresh token whose JWT expired while its grant is
	// still live.
	rotate bool
	// refreshExpiresAt is the exp of a refresh token that is echoed back.
	refreshExpiresAt int64
}

// Strategy handles one grant type. Validate must not change any state;
// Issue consumes grants and mints tokens.
type Strategy interface {
	GrantType() oauth.GrantType
	Validate(ctx context.Context, req *Request) (*Validated, error)
	Issue(ctx context.Context, v *Validated) (*oauth.TokenResponse, error)
}
