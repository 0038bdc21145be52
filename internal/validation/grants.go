package validation

import (
	"context"

	"github.com/dgellow/identity-server/internal/oauth"
	"github.com/dgellow/identity-server/internal/storage"
)

type Grants struct {
	store storage.GrantStore
}

func NewGrants(store storage.GrantStore) *Grants {
	return &Grants{store: store}
}

// Live returns the unexpired grant for (grantType, data) issued to clientID.
// A grant held by another client is reported as missing.
func (v *Grants) Live(ctx context.Context, grantType oauth.GrantType, data, clientID string) (*oauth.PersistentGrant, error) {
	if data == "" {
		return nil, oauth.ErrGrantNotFound
	}
	grant, err := v.store.Get(ctx, grantType, data)
	if err != nil {
		return nil, err
	}
	if grant.ClientID != clientID {
		return nil, oauth.ErrGrantNotFound
	}
	return grant, nil
}
