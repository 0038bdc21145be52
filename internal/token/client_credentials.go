package token

import (
	"context"

	"github.com/dgellow/identity-server/internal/oauth"
	"github.com/dgellow/identity-server/internal/validation"
	"github.com/ory/fosite"
)

// clientCredentials issues a single access token to the client itself. No
// grant is stored and no refresh or ID token is issued.
type clientCredentials struct {
	clients *validation.Clients
	minter  *Minter
}

func (*clientCredentials) GrantType() oauth.GrantType {
	return oauth.GrantTypeClientCredentials
}

func (s *clientCredentials) Validate(ctx context.Context, req *Request) (*Validated, error) {
	client, err := s.clients.AuthenticateConfidential(ctx, req.ClientID, req.ClientSecret)
	if err != nil {
		return nil, err
	}
	if err := validation.GrantType(client, req.GrantType); err != nil {
		return nil, err
	}

	scope := oauth.ParseScope(req.Scope)
	if len(scope) == 0 {
		scope = fosite.Arguments{oauth.ScopeOpenID}
	}
	if err := validation.Scopes(client, scope); err != nil {
		return nil, err
	}

	return &Validated{Request: req, Client: client, Scope: scope}, nil
}

func (s *clientCredentials) Issue(ctx context.Context, v *Validated) (*oauth.TokenResponse, error) {
	scope := oauth.JoinScope(v.Scope)
	access, expiresIn, err := s.minter.AccessToken(ctx, v.Client, v.Client.Subject(), oauth.ClientTokenAudience, scope)
	if err != nil {
		return nil, err
	}
	return &oauth.TokenResponse{
		AccessToken: access,
		TokenType:   oauth.TokenTypeBearer,
		ExpiresIn:   expiresIn,
		Scope:       scope,
	}, nil
}
