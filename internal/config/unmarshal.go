package config

import (
	"time"

	"github.com/dgellow/identity-server/internal/emailutil"
	"github.com/dgellow/identity-server/internal/oauth"
)

// Defaults applied by Load for omitted fields.
const (
	DefaultAddr                = ":8080"
	DefaultRequestTimeout      = 10 * time.Second
	DefaultSweepMinInterval    = time.Second
	DefaultSweepMaxInterval    = time.Hour
	DefaultRedisKeyPrefix      = "identity:"
	DefaultFirestoreCollection = "identity_grants"
	DefaultSigningAlgorithm    = "RS256"
)

func (c *Config) applyDefaults() {
	if c.Addr == "" {
		c.Addr = DefaultAddr
	}
	if c.BaseTokenLifetime == 0 {
		c.BaseTokenLifetime = Duration(oauth.DefaultBaseLifetime)
	}
	if c.RefreshGracePeriod == nil {
		grace := Duration(oauth.DefaultRefreshGracePeriod)
		c.RefreshGracePeriod = &grace
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = Duration(DefaultRequestTimeout)
	}
	if c.Storage.Type == "" {
		c.Storage.Type = StorageMemory
	}
	if c.Storage.RedisKeyPrefix == "" {
		c.Storage.RedisKeyPrefix = DefaultRedisKeyPrefix
	}
	if c.Storage.FirestoreCollection == "" {
		c.Storage.FirestoreCollection = DefaultFirestoreCollection
	}
	if c.Signing.Algorithm == "" {
		c.Signing.Algorithm = DefaultSigningAlgorithm
	}
	if c.Sweep.MinInterval == 0 {
		c.Sweep.MinInterval = Duration(DefaultSweepMinInterval)
	}
	if c.Sweep.MaxInterval == 0 {
		c.Sweep.MaxInterval = Duration(DefaultSweepMaxInterval)
	}
}

// OAuthClients converts the configured clients to the domain model.
func (c *Config) OAuthClients() []*oauth.Client {
	clients := make([]*oauth.Client, 0, len(c.Clients))
	for _, cc := range c.Clients {
		client := &oauth.Client{
			ID:                     cc.ID,
			ClientID:               cc.ClientID,
			RedirectURIs:           cc.RedirectURIs,
			PostLogoutRedirectURIs: cc.PostLogoutRedirectURIs,
			ResponseTypes:          cc.ResponseTypes,
			GrantTypes:             cc.GrantTypes,
			Scopes:                 cc.Scopes,
			AccessTokenLifetime:    cc.AccessTokenLifetime.Seconds(),
			RefreshTokenLifetime:   cc.RefreshTokenLifetime.Seconds(),
			IDTokenLifetime:        cc.IDTokenLifetime.Seconds(),
			DeviceCodeLifetime:     cc.DeviceCodeLifetime.Seconds(),
			RequirePKCE:            cc.RequirePKCE,
			RequireClientSecret:    cc.RequireClientSecret,
		}
		for _, s := range cc.Secrets {
			secret := oauth.ClientSecret{Value: string(s.Value)}
			if s.ExpiresAt != nil {
				secret.ExpiresAt = *s.ExpiresAt
			}
			client.Secrets = append(client.Secrets, secret)
		}
		clients = append(clients, client)
	}
	return clients
}

// UserClaims indexes the configured users by id, with email claims
// normalized.
func (c *Config) UserClaims() map[string]map[string]any {
	claims := make(map[string]map[string]any, len(c.Users))
	for _, u := range c.Users {
		claims[u.ID] = emailutil.NormalizeClaims(u.Claims)
	}
	return claims
}
