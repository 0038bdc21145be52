package oidc

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgellow/identity-server/internal/log"
	"github.com/dgellow/identity-server/internal/oauth"
	"github.com/dgellow/identity-server/internal/signing"
	"github.com/dgellow/identity-server/internal/storage"
	"github.com/dgellow/identity-server/internal/urlutil"
	"github.com/dgellow/identity-server/internal/validation"
)

type EndSessionRequest struct {
	IDTokenHint           string
	PostLogoutRedirectURI string
	State                 string
}

type EndSession struct {
	signer  *signing.Service
	clients *validation.Clients
	grants  storage.GrantStore
}

func NewEndSession(signer *signing.Service, clients *validation.Clients, grants storage.GrantStore) *EndSession {
	return &EndSession{signer: signer, clients: clients, grants: grants}
}

// Logout drops every grant the hinted user holds at the hinted client and
// returns where to send the browser, or "" when no redirect was requested.
// Expired ID tokens are accepted as hints.
func (e *EndSession) Logout(ctx context.Context, req *EndSessionRequest) (string, error) {
	if req.IDTokenHint == "" {
		return "", oauth.InvalidRequest("id_token_hint is required")
	}

	var claims oauth.IDTokenClaims
	if err := e.signer.Decode(ctx, req.IDTokenHint, &claims, signing.DecodeOptions{SkipExpiry: true}); err != nil {
		return "", err
	}
	if claims.Issuer != e.signer.Issuer() || claims.Subject == "" {
		return "", fmt.Errorf("%w: foreign id token", oauth.ErrSignature)
	}

	client, err := e.clients.Lookup(ctx, claims.ClientID)
	if err != nil {
		return "", err
	}

	var redirect string
	if req.PostLogoutRedirectURI != "" {
		if !client.HasPostLogoutRedirectURI(req.PostLogoutRedirectURI) {
			return "", oauth.ErrRedirectURIMismatch
		}
		redirect, err = urlutil.WithQuery(req.PostLogoutRedirectURI, map[string]string{"state": req.State})
		if err != nil {
			return "", err
		}
	}

	// Logout is idempotent: a subject with nothing left to revoke still gets
	// its redirect.
	removed, err := e.grants.DeleteByClientAndUser(ctx, client.ClientID, claims.Subject)
	if err != nil && !errors.Is(err, oauth.ErrGrantNotFound) {
		return "", fmt.Errorf("deleting grants: %w", err)
	}

	log.LogInfoWithFields("oidc", "Ended session", map[string]any{
		"client_id": client.ClientID,
		"user_id":   claims.Subject,
		"grants":    removed,
	})
	return redirect, nil
}
