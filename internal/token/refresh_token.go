package token

import (
	"context"
	"errors"

	"github.com/dgellow/identity-server/internal/clock"
	"github.com/dgellow/identity-server/internal/log"
	"github.com/dgellow/identity-server/internal/oauth"
	"github.com/dgellow/identity-server/internal/signing"
	"github.com/dgellow/identity-server/internal/storage"
	"github.com/dgellow/identity-server/internal/validation"
)

// refreshToken keeps the refresh token stable across refreshes: a valid
// token gets new access and ID tokens and is echoed back unchanged. A token
// whose JWT expired while its grant is still stored is rotated instead,
// which extends the session by one refresh lifetime.
type refreshToken struct {
	clients *validation.Clients
	grants  *validation.Grants
	store   storage.GrantStore
	signer  *signing.Service
	minter  *Minter
	clock   clock.Clock
}

func (*refreshToken) GrantType() oauth.GrantType {
	return oauth.GrantTypeRefreshToken
}

func (s *refreshToken) Validate(ctx context.Context, req *Request) (*Validated, error) {
	client, err := authenticate(ctx, s.clients, req)
	if err != nil {
		return nil, err
	}
	if req.RefreshToken == "" {
		return nil, oauth.InvalidRequest("refresh_token is required")
	}

	var claims oauth.RefreshTokenClaims
	rotate := false
	err = s.signer.Decode(ctx, req.RefreshToken, &claims, signing.DecodeOptions{VerifyIssuer: true})
	switch {
	case err == nil:
	case errors.Is(err, oauth.ErrExpiredSignature):
		rotate = true
	default:
		return nil, err
	}
	if claims.ClientID != "" && claims.ClientID != client.ClientID {
		return nil, oauth.ErrGrantNotFound
	}

	grant, err := s.grants.Live(ctx, oauth.GrantTypeRefreshToken, req.RefreshToken, client.ClientID)
	if err != nil {
		return nil, err
	}

	scope := oauth.ParseScope(grant.Scope)
	if requested := oauth.ParseScope(req.Scope); len(requested) > 0 {
		// A refresh may narrow the original scope, never widen it.
		for _, sc := range requested {
			if !scope.Has(sc) {
				return nil, oauth.ErrClientScopes
			}
		}
		scope = requested
	}

	v := &Validated{
		Request: req,
		Client:  client,
		Grant:   grant,
		UserID:  grant.UserID,
		Scope:   scope,
		rotate:  rotate,
	}
	if claims.ExpiresAt != nil {
		v.refreshExpiresAt = claims.ExpiresAt.Unix()
	}
	return v, nil
}

func (s *refreshToken) Issue(ctx context.Context, v *Validated) (*oauth.TokenResponse, error) {
	if v.rotate {
		return s.rotate(ctx, v)
	}

	scope := oauth.JoinScope(v.Scope)
	access, expiresIn, err := s.minter.AccessToken(ctx, v.Client, v.UserID, oauth.UserTokenAudience, scope)
	if err != nil {
		return nil, err
	}
	idToken, err := s.minter.IDToken(ctx, v.Client, v.UserID)
	if err != nil {
		return nil, err
	}

	return &oauth.TokenResponse{
		AccessToken:      access,
		RefreshToken:     v.Request.RefreshToken,
		IDToken:          idToken,
		TokenType:        oauth.TokenTypeBearer,
		ExpiresIn:        expiresIn,
		RefreshExpiresIn: max(v.refreshExpiresAt-s.clock.Now().Unix(), 0),
		Scope:            scope,
	}, nil
}

func (s *refreshToken) rotate(ctx context.Context, v *Validated) (*oauth.TokenResponse, error) {
	tokens, err := s.minter.userTokens(ctx, v)
	if err != nil {
		return nil, err
	}
	if err := s.store.Exchange(ctx, v.Grant.GrantKey(), tokens.refresh); err != nil {
		return nil, err
	}

	log.LogInfoWithFields("token", "Rotated expired refresh token", map[string]any{
		"client_id": v.Client.ClientID,
		"previous":  log.Fingerprint(v.Request.RefreshToken),
	})
	return tokens.response, nil
}
