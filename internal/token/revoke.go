package token

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/dgellow/identity-server/internal/log"
	"github.com/dgellow/identity-server/internal/oauth"
	"github.com/dgellow/identity-server/internal/signing"
)

// introspectionAudience must appear in aud for a token to be introspected.
const introspectionAudience = "introspection"

// Revoke invalidates token. A refresh token loses its grant; an access token
// is blacklisted until its own exp. Without a hint both are tried, refresh
// token first.
func (e *Engine) Revoke(ctx context.Context, token, hint string) error {
	if token == "" {
		return oauth.InvalidRequest("token is required")
	}

	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	switch hint {
	case oauth.HintRefreshToken:
		return e.revokeRefreshToken(ctx, token)
	case oauth.HintAccessToken:
		return e.revokeAccessToken(ctx, token)
	case "":
		err := e.revokeRefreshToken(ctx, token)
		if !errors.Is(err, oauth.ErrGrantNotFound) {
			return err
		}
		return e.revokeAccessToken(ctx, token)
	default:
		return oauth.NewOAuthError(oauth.CodeUnsupportedTokenType, fmt.Sprintf("unsupported token_type_hint %q", hint))
	}
}

func (e *Engine) revokeRefreshToken(ctx context.Context, token string) error {
	status, err := e.grants.Delete(ctx, oauth.GrantTypeRefreshToken, token)
	if err != nil {
		return fmt.Errorf("deleting refresh grant: %w", err)
	}
	if status == http.StatusNotFound {
		return oauth.ErrGrantNotFound
	}

	log.LogInfoWithFields("token", "Revoked refresh token", map[string]any{
		"token": log.Fingerprint(token),
	})
	return nil
}

// revokeAccessToken accepts an access token for any audience and issuer
// signed by this server. An already expired token is still blacklisted; the
// sweep drops it on the next pass.
func (e *Engine) revokeAccessToken(ctx context.Context, token string) error {
	var claims oauth.AccessTokenClaims
	if err := e.signer.Decode(ctx, token, &claims, signing.DecodeOptions{SkipExpiry: true}); err != nil {
		return err
	}
	if claims.ExpiresAt == nil {
		return fmt.Errorf("%w: missing exp", oauth.ErrSignature)
	}

	if err := e.blacklist.Add(ctx, token, claims.ExpiresAt.Time); err != nil {
		return fmt.Errorf("blacklisting access token: %w", err)
	}

	log.LogInfoWithFields("token", "Revoked access token", map[string]any{
		"client_id": claims.ClientID,
		"token":     log.Fingerprint(token),
	})
	return nil
}

// Introspect reports whether token is an active access token. Every failure
// yields an inactive response; only store errors are returned.
func (e *Engine) Introspect(ctx context.Context, token string) (*oauth.IntrospectionResponse, error) {
	inactive := &oauth.IntrospectionResponse{Active: false}
	if token == "" {
		return inactive, nil
	}

	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	claims, err := e.VerifyAccessToken(ctx, token, introspectionAudience)
	switch {
	case err == nil:
	case errors.Is(err, oauth.ErrSignature), errors.Is(err, oauth.ErrBlacklistedToken):
		return inactive, nil
	default:
		return nil, err
	}

	resp := &oauth.IntrospectionResponse{
		Active:    true,
		Scope:     claims.Scope,
		ClientID:  claims.ClientID,
		TokenType: oauth.TokenTypeBearer,
		Sub:       claims.Subject,
		Aud:       claims.Audience,
		Iss:       claims.Issuer,
		Jti:       claims.ID,
	}
	if claims.ExpiresAt != nil {
		resp.Exp = claims.ExpiresAt.Unix()
	}
	if claims.IssuedAt != nil {
		resp.Iat = claims.IssuedAt.Unix()
	}
	return resp, nil
}

// VerifyAccessToken decodes an access token issued by this server for
// audience and rejects revoked tokens with ErrBlacklistedToken.
func (e *Engine) VerifyAccessToken(ctx context.Context, token, audience string) (*oauth.AccessTokenClaims, error) {
	revoked, err := e.blacklist.Exists(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("checking blacklist: %w", err)
	}
	if revoked {
		return nil, oauth.ErrBlacklistedToken
	}

	var claims oauth.AccessTokenClaims
	opts := signing.DecodeOptions{Audience: audience, VerifyIssuer: true}
	if err := e.signer.Decode(ctx, token, &claims, opts); err != nil {
		return nil, err
	}
	return &claims, nil
}
