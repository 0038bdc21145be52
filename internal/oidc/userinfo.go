// Package oidc serves the OpenID Connect endpoints built on issued tokens:
// userinfo and RP-initiated logout.
package oidc

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgellow/identity-server/internal/log"
	"github.com/dgellow/identity-server/internal/oauth"
	"github.com/dgellow/identity-server/internal/storage"
)

const userInfoAudience = "userinfo"

// scopeClaims lists the standard claims released by each scope.
var scopeClaims = map[string][]string{
	oauth.ScopeProfile: {
		"name", "given_name", "family_name", "middle_name", "nickname",
		"preferred_username", "profile", "picture", "website", "gender",
		"birthdate", "zoneinfo", "locale", "updated_at",
	},
	oauth.ScopeEmail: {"email", "email_verified"},
}

// TokenVerifier checks bearer access tokens.
type TokenVerifier interface {
	VerifyAccessToken(ctx context.Context, token, audience string) (*oauth.AccessTokenClaims, error)
}

type UserInfo struct {
	tokens TokenVerifier
	users  storage.UserRepository
}

func NewUserInfo(tokens TokenVerifier, users storage.UserRepository) *UserInfo {
	return &UserInfo{tokens: tokens, users: users}
}

// Claims returns the claims of the token's subject released by the token's
// scope. sub is always present.
func (u *UserInfo) Claims(ctx context.Context, accessToken string) (map[string]any, error) {
	token, err := u.tokens.VerifyAccessToken(ctx, accessToken, userInfoAudience)
	if err != nil {
		return nil, err
	}

	result := map[string]any{"sub": token.Subject}

	all, err := u.users.GetClaims(ctx, token.Subject)
	if errors.Is(err, oauth.ErrClaimsNotFound) {
		log.LogDebugWithFields("oidc", "No claims for userinfo subject", map[string]any{
			"client_id": token.ClientID,
		})
		return result, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading user claims: %w", err)
	}

	scopes := oauth.ParseScope(token.Scope)
	for _, scope := range scopes {
		for _, name := range scopeClaims[scope] {
			if v, ok := all[name]; ok {
				result[name] = v
			}
		}
	}
	return result, nil
}
