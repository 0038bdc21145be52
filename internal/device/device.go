// Package device implements the OAuth 2.0 device authorization grant
// (RFC 8628): registration of a polling device and its approval by a user.
// Token polling itself is the device_code strategy of the token engine.
package device

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dgellow/identity-server/internal/clock"
	"github.com/dgellow/identity-server/internal/crypto"
	"github.com/dgellow/identity-server/internal/log"
	"github.com/dgellow/identity-server/internal/oauth"
	"github.com/dgellow/identity-server/internal/storage"
	"github.com/dgellow/identity-server/internal/urlutil"
	"github.com/dgellow/identity-server/internal/validation"
	"github.com/ory/fosite"
)

const (
	DefaultLifetime = 600
	// PollInterval is the minimum number of seconds between two polls.
	PollInterval = 5
	VerifyPath   = "/device"

	createAttempts = 3
)

// Authorization is the device authorization response.
type Authorization struct {
	DeviceCode              string `json:"device_code"`
	UserCode                string `json:"user_code"`
	VerificationURI         string `json:"verification_uri"`
	VerificationURIComplete string `json:"verification_uri_complete"`
	ExpiresIn               int64  `json:"expires_in"`
	Interval                int64  `json:"interval"`
}

type Service struct {
	clients *validation.Clients
	devices storage.DeviceRepository
	grants  storage.GrantStore
	clock   clock.Clock
	issuer  string
}

func NewService(clients *validation.Clients, devices storage.DeviceRepository, grants storage.GrantStore, clk clock.Clock, issuer string) *Service {
	return &Service{clients: clients, devices: devices, grants: grants, clock: clk, issuer: issuer}
}

// Authorize registers a new device for clientID. An empty scope means
// openid.
func (s *Service) Authorize(ctx context.Context, clientID, clientSecret, scope string) (*Authorization, error) {
	client, err := s.clients.Authenticate(ctx, clientID, clientSecret)
	if err != nil {
		return nil, err
	}
	if err := validation.GrantType(client, oauth.GrantTypeDeviceCode); err != nil {
		return nil, err
	}

	scopes := oauth.ParseScope(scope)
	if len(scopes) == 0 {
		scopes = fosite.Arguments{oauth.ScopeOpenID}
	}
	if err := validation.Scopes(client, scopes); err != nil {
		return nil, err
	}

	lifetime := client.DeviceCodeLifetime
	if lifetime <= 0 {
		lifetime = DefaultLifetime
	}
	verificationURI, err := urlutil.JoinPath(s.issuer, VerifyPath)
	if err != nil {
		return nil, fmt.Errorf("building verification uri: %w", err)
	}

	device, err := s.create(ctx, client.ClientID, oauth.JoinScope(scopes), verificationURI, lifetime)
	if err != nil {
		return nil, err
	}

	complete, err := urlutil.WithQuery(verificationURI, map[string]string{"user_code": device.UserCode})
	if err != nil {
		return nil, fmt.Errorf("building verification uri: %w", err)
	}

	log.LogInfoWithFields("device", "Registered device", map[string]any{
		"client_id":  client.ClientID,
		"expires_in": lifetime,
	})

	return &Authorization{
		DeviceCode:              device.DeviceCode,
		UserCode:                device.UserCode,
		VerificationURI:         verificationURI,
		VerificationURIComplete: complete,
		ExpiresIn:               lifetime,
		Interval:                device.Interval,
	}, nil
}

// create retries on user code collisions. The user code space is small
// enough for collisions to happen with many pending devices.
func (s *Service) create(ctx context.Context, clientID, scope, verificationURI string, lifetime int64) (*oauth.Device, error) {
	var lastErr error
	for range createAttempts {
		deviceCode, err := crypto.GenerateSecureToken()
		if err != nil {
			return nil, err
		}
		userCode, err := crypto.GenerateUserCode()
		if err != nil {
			return nil, err
		}

		device := &oauth.Device{
			ClientID:        clientID,
			DeviceCode:      deviceCode,
			UserCode:        userCode,
			Scope:           scope,
			VerificationURI: verificationURI,
			ExpiresIn:       lifetime,
			Interval:        PollInterval,
			CreatedAt:       s.clock.Now().Truncate(time.Second),
		}
		err = s.devices.Create(ctx, device)
		if err == nil {
			return device, nil
		}
		if !errors.Is(err, oauth.ErrDuplicateGrant) {
			return nil, fmt.Errorf("storing device: %w", err)
		}
		lastErr = err
	}
	return nil, fmt.Errorf("storing device: %w", lastErr)
}

// Approve binds the device identified by userCode to userID. The device
// record is replaced by a device_code grant that expires when the device
// code would have.
func (s *Service) Approve(ctx context.Context, userCode, userID string) error {
	device, err := s.lookup(ctx, userCode)
	if err != nil {
		return err
	}

	now := s.clock.Now()
	remaining := int64(device.ExpiresAt().Sub(now) / time.Second)
	if remaining <= 0 {
		s.discard(ctx, device)
		return oauth.ErrDeviceCodeExpired
	}

	err = s.grants.Create(ctx, &oauth.PersistentGrant{
		Type:       oauth.GrantTypeDeviceCode,
		Data:       device.DeviceCode,
		ClientID:   device.ClientID,
		UserID:     userID,
		Scope:      device.Scope,
		Expiration: remaining,
		CreatedAt:  now,
	})
	if err != nil {
		return fmt.Errorf("approving device: %w", err)
	}
	s.discard(ctx, device)

	log.LogInfoWithFields("device", "Approved device", map[string]any{
		"client_id": device.ClientID,
		"user_id":   userID,
	})
	return nil
}

// Deny drops the registration; the next poll gets ErrGrantNotFound.
func (s *Service) Deny(ctx context.Context, userCode string) error {
	device, err := s.lookup(ctx, userCode)
	if err != nil {
		return err
	}
	if err := s.devices.DeleteByUserCode(ctx, device.UserCode); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("deleting device: %w", err)
	}

	log.LogInfoWithFields("device", "Denied device", map[string]any{
		"client_id": device.ClientID,
	})
	return nil
}

func (s *Service) lookup(ctx context.Context, userCode string) (*oauth.Device, error) {
	device, err := s.devices.GetByUserCode(ctx, NormalizeUserCode(userCode))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, oauth.ErrUserCodeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading device: %w", err)
	}
	return device, nil
}

func (s *Service) discard(ctx context.Context, device *oauth.Device) {
	if err := s.devices.DeleteByUserCode(ctx, device.UserCode); err != nil && !errors.Is(err, storage.ErrNotFound) {
		log.LogWarnWithFields("device", "Failed to delete device", map[string]any{
			"client_id": device.ClientID,
			"error":     err.Error(),
		})
	}
}

// NormalizeUserCode accepts codes typed in lower case, with spaces, or
// without the dash.
func NormalizeUserCode(code string) string {
	code = strings.ToUpper(strings.NewReplacer(" ", "", "-", "").Replace(code))
	if len(code) == 8 {
		return code[:4] + "-" + code[4:]
	}
	return code
}
