package token

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgellow/identity-server/internal/clock"
	"github.com/dgellow/identity-server/internal/log"
	"github.com/dgellow/identity-server/internal/oauth"
	"github.com/dgellow/identity-server/internal/storage"
	"github.com/dgellow/identity-server/internal/validation"
)

// deviceCode answers device polls. Approval turns the device record into a
// device_code grant; until then the poll is told to keep waiting.
type deviceCode struct {
	clients *validation.Clients
	grants  *validation.Grants
	devices storage.DeviceRepository
	store   storage.GrantStore
	minter  *Minter
	clock   clock.Clock
}

func (*deviceCode) GrantType() oauth.GrantType {
	return oauth.GrantTypeDeviceCode
}

func (s *deviceCode) Validate(ctx context.Context, req *Request) (*Validated, error) {
	client, err := authenticate(ctx, s.clients, req)
	if err != nil {
		return nil, err
	}
	if req.DeviceCode == "" {
		return nil, oauth.InvalidRequest("device_code is required")
	}

	grant, err := s.grants.Live(ctx, oauth.GrantTypeDeviceCode, req.DeviceCode, client.ClientID)
	if err == nil {
		return &Validated{
			Request: req,
			Client:  client,
			Grant:   grant,
			UserID:  grant.UserID,
			Scope:   oauth.ParseScope(grant.Scope),
		}, nil
	}
	if !errors.Is(err, oauth.ErrGrantNotFound) {
		return nil, err
	}

	return nil, s.pending(ctx, client, req.DeviceCode)
}

// pending explains why no approved grant exists for deviceCode.
func (s *deviceCode) pending(ctx context.Context, client *oauth.Client, code string) error {
	device, err := s.devices.GetByDeviceCode(ctx, code)
	if errors.Is(err, storage.ErrNotFound) {
		return oauth.ErrGrantNotFound
	}
	if err != nil {
		return fmt.Errorf("loading device: %w", err)
	}
	if device.ClientID != client.ClientID {
		return oauth.ErrGrantNotFound
	}

	if device.Expired(s.clock.Now()) {
		if err := s.devices.DeleteByDeviceCode(ctx, code); err != nil && !errors.Is(err, storage.ErrNotFound) {
			log.LogWarnWithFields("token", "Failed to delete expired device", map[string]any{
				"client_id": client.ClientID,
				"error":     err.Error(),
			})
		}
		return oauth.ErrDeviceCodeExpired
	}
	return oauth.ErrAuthorizationPending
}

func (s *deviceCode) Issue(ctx context.Context, v *Validated) (*oauth.TokenResponse, error) {
	tokens, err := s.minter.userTokens(ctx, v)
	if err != nil {
		return nil, err
	}
	if err := s.store.Exchange(ctx, v.Grant.GrantKey(), tokens.refresh); err != nil {
		return nil, err
	}
	return tokens.response, nil
}
