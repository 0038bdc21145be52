// Package validation holds the checks a grant request must pass before any
// token is minted. Each check fails with a taxonomy error from package oauth.
package validation

import (
	"context"
	"fmt"

	"github.com/dgellow/identity-server/internal/clock"
	"github.com/dgellow/identity-server/internal/log"
	"github.com/dgellow/identity-server/internal/oauth"
	"github.com/dgellow/identity-server/internal/storage"
	"github.com/ory/fosite"
)

type Clients struct {
	repo  storage.ClientRepository
	clock clock.Clock
}

func NewClients(repo storage.ClientRepository, clk clock.Clock) *Clients {
	return &Clients{repo: repo, clock: clk}
}

// Lookup returns the registered client without checking credentials.
func (v *Clients) Lookup(ctx context.Context, clientID string) (*oauth.Client, error) {
	if clientID == "" {
		return nil, oauth.ErrClientNotFound
	}
	client, err := v.repo.GetByClientID(ctx, clientID)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// Authenticate looks up the client and, when it requires a secret, checks
// the presented one. A wrong secret is reported as ErrClientNotFound so the
// caller cannot tell which check failed.
func (v *Clients) Authenticate(ctx context.Context, clientID, secret string) (*oauth.Client, error) {
	client, err := v.Lookup(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if client.RequireClientSecret {
		if err := v.checkSecret(client, secret); err != nil {
			return nil, err
		}
	}
	return client, nil
}

// AuthenticateConfidential always checks the secret, whatever the client's
// require_client_secret flag says.
func (v *Clients) AuthenticateConfidential(ctx context.Context, clientID, secret string) (*oauth.Client, error) {
	client, err := v.Lookup(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if err := v.checkSecret(client, secret); err != nil {
		return nil, err
	}
	return client, nil
}

func (v *Clients) checkSecret(client *oauth.Client, secret string) error {
	if client.MatchSecret(secret, v.clock.Now()) {
		return nil
	}
	log.LogWarnWithFields("validation", "Client secret mismatch", map[string]any{
		"client_id": client.ClientID,
	})
	return fmt.Errorf("%w: invalid credentials", oauth.ErrClientNotFound)
}

func RedirectURI(client *oauth.Client, uri string) error {
	if !client.HasRedirectURI(uri) {
		return oauth.ErrRedirectURIMismatch
	}
	return nil
}

func Scopes(client *oauth.Client, requested fosite.Arguments) error {
	if !client.AllowsScopes(requested) {
		return fmt.Errorf("%w: %s", oauth.ErrClientScopes, oauth.JoinScope(requested))
	}
	return nil
}

func GrantType(client *oauth.Client, grantType oauth.GrantType) error {
	if !client.AllowsGrantType(grantType) {
		return fmt.Errorf("%w: %s not allowed for client", oauth.ErrUnsupportedGrantType, grantType)
	}
	return nil
}

func ResponseType(client *oauth.Client, responseType string) error {
	if !client.AllowsResponseType(responseType) {
		return fmt.Errorf("%w: %s", oauth.ErrUnsupportedResponseType, responseType)
	}
	return nil
}
