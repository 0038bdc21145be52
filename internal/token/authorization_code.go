package token

import (
	"context"

	"github.com/dgellow/identity-server/internal/log"
	"github.com/dgellow/identity-server/internal/oauth"
	"github.com/dgellow/identity-server/internal/storage"
	"github.com/dgellow/identity-server/internal/validation"
)

type authorizationCode struct {
	clients *validation.Clients
	grants  *validation.Grants
	pkce    *validation.PKCE
	store   storage.GrantStore
	minter  *Minter
}

func (*authorizationCode) GrantType() oauth.GrantType {
	return oauth.GrantTypeAuthorizationCode
}

func (s *authorizationCode) Validate(ctx context.Context, req *Request) (*Validated, error) {
	client, err := authenticate(ctx, s.clients, req)
	if err != nil {
		return nil, err
	}
	if err := validation.RedirectURI(client, req.RedirectURI); err != nil {
		return nil, err
	}

	grant, err := s.grants.Live(ctx, oauth.GrantTypeAuthorizationCode, req.Code, client.ClientID)
	if err != nil {
		return nil, err
	}

	checked, err := s.pkce.Verify(ctx, client, req.CodeVerifier)
	if err != nil {
		return nil, err
	}

	return &Validated{
		Request:     req,
		Client:      client,
		Grant:       grant,
		UserID:      grant.UserID,
		Scope:       oauth.ParseScope(grant.Scope),
		pkceChecked: checked,
	}, nil
}

// Issue mints the token set first and then swaps the code for the refresh
// grant in one store transaction. Of two concurrent redemptions only one
// exchange commits; the other fails with ErrGrantNotFound and its tokens are
// discarded.
func (s *authorizationCode) Issue(ctx context.Context, v *Validated) (*oauth.TokenResponse, error) {
	tokens, err := s.minter.userTokens(ctx, v)
	if err != nil {
		return nil, err
	}

	if err := s.store.Exchange(ctx, v.Grant.GrantKey(), tokens.refresh); err != nil {
		return nil, err
	}

	if v.pkceChecked {
		if err := s.pkce.Consume(ctx, v.Client.ClientID); err != nil {
			// The code is already spent, so the leftover challenge cannot be
			// replayed; the next authorization overwrites it.
			log.LogWarnWithFields("token", "Failed to delete code challenge", map[string]any{
				"client_id": v.Client.ClientID,
				"error":     err.Error(),
			})
		}
	}
	return tokens.response, nil
}
