package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"slices"
	"strings"

	"github.com/dgellow/identity-server/internal/crypto"
	"github.com/dgellow/identity-server/internal/emailutil"
	"github.com/dgellow/identity-server/internal/envutil"
	"github.com/dgellow/identity-server/internal/log"
	"github.com/dgellow/identity-server/internal/oauth"
)

// Load loads and processes the config with immediate env var resolution
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes config bytes, resolving env references and applying
// defaults before validation.
func Parse(data []byte) (Config, error) {
	var rawConfig map[string]any
	if err := json.Unmarshal(data, &rawConfig); err != nil {
		return Config{}, fmt.Errorf("parsing config JSON: %w", err)
	}

	version, ok := rawConfig["version"].(string)
	if !ok {
		return Config{}, fmt.Errorf("config version is required")
	}
	if !strings.HasPrefix(version, VersionPrefix) {
		return Config{}, fmt.Errorf("unsupported config version: %s", version)
	}

	if err := validateRawConfig(rawConfig); err != nil {
		return Config{}, fmt.Errorf("config validation failed: %w", err)
	}

	// The custom UnmarshalJSON methods resolve env vars immediately
	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}
	config.applyDefaults()

	if err := ValidateConfig(&config); err != nil {
		return Config{}, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// validateRawConfig checks that secrets are env references before they
// are resolved.
func validateRawConfig(rawConfig map[string]any) error {
	if value, exists := rawConfig["encryptionKey"]; exists {
		if err := requireEnvRef("encryptionKey", value); err != nil {
			return err
		}
	}

	if storage, ok := rawConfig["storage"].(map[string]any); ok {
		for _, name := range []string{"dsn", "redisPassword"} {
			if value, exists := storage[name]; exists {
				if err := requireEnvRef("storage."+name, value); err != nil {
					return err
				}
			}
		}
	}

	clients, _ := rawConfig["clients"].([]any)
	for i, c := range clients {
		client, ok := c.(map[string]any)
		if !ok {
			continue
		}
		secrets, _ := client["secrets"].([]any)
		for j, s := range secrets {
			secret, ok := s.(map[string]any)
			if !ok {
				continue
			}
			value := secret["value"]
			// bcrypt hashes are safe to store in the file
			if str, isString := value.(string); isString && crypto.IsHashedSecret(str) {
				continue
			}
			if err := requireEnvRef(fmt.Sprintf("clients[%d].secrets[%d].value", i, j), value); err != nil {
				return fmt.Errorf("%w or a bcrypt hash", err)
			}
		}
	}
	return nil
}

func requireEnvRef(name string, value any) error {
	if _, isString := value.(string); isString {
		return fmt.Errorf("%s must use environment variable reference for security", name)
	}
	refMap, isMap := value.(map[string]any)
	if !isMap {
		return fmt.Errorf("%s must use {\"$env\": \"VAR_NAME\"} format", name)
	}
	if _, hasEnv := refMap["$env"]; !hasEnv {
		return fmt.Errorf("%s must use {\"$env\": \"VAR_NAME\"} format", name)
	}
	return nil
}

// ValidateConfig validates the resolved configuration
func ValidateConfig(config *Config) error {
	if config.Issuer == "" {
		return fmt.Errorf("issuer is required")
	}
	u, err := url.Parse(config.Issuer)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("issuer must be an absolute URL, got %q", config.Issuer)
	}
	if u.Scheme != "https" && !isLoopback(u.Hostname()) {
		if !envutil.IsDev() {
			return fmt.Errorf("issuer must use https outside development, got %q", config.Issuer)
		}
		log.LogWarnWithFields("config", "Issuer is not served over https", map[string]any{
			"issuer": config.Issuer,
		})
	}
	if config.BaseTokenLifetime <= 0 {
		return fmt.Errorf("baseTokenLifetime must be positive")
	}
	if config.RefreshGracePeriod != nil && *config.RefreshGracePeriod < 0 {
		return fmt.Errorf("refreshGracePeriod cannot be negative")
	}
	if config.RequestTimeout < 0 {
		return fmt.Errorf("requestTimeout cannot be negative")
	}
	if config.Sweep.MinInterval > config.Sweep.MaxInterval {
		return fmt.Errorf("sweep.minInterval cannot exceed sweep.maxInterval")
	}

	if err := validateStorage(config); err != nil {
		return fmt.Errorf("storage config: %w", err)
	}

	switch config.Signing.Algorithm {
	case "RS256", "ES256":
	default:
		return fmt.Errorf("signing.algorithm must be RS256 or ES256, got %q", config.Signing.Algorithm)
	}
	if len(config.Signing.FallbackKeyFiles) > 0 && config.Signing.KeyFile == "" {
		return fmt.Errorf("signing.fallbackKeyFiles requires signing.keyFile")
	}

	if len(config.Clients) == 0 {
		return fmt.Errorf("at least one client is required")
	}
	seen := make(map[string]bool, len(config.Clients))
	for i := range config.Clients {
		client := &config.Clients[i]
		if err := validateClient(client); err != nil {
			return fmt.Errorf("client %q: %w", client.ClientID, err)
		}
		if seen[client.ClientID] {
			return fmt.Errorf("duplicate clientId %q", client.ClientID)
		}
		seen[client.ClientID] = true
	}

	for _, u := range config.Users {
		if u.ID == "" {
			return fmt.Errorf("user id is required")
		}
		if email, ok := u.Claims[emailutil.ClaimEmail].(string); ok && !emailutil.Valid(emailutil.Normalize(email)) {
			return fmt.Errorf("user %q: invalid email claim %q", u.ID, email)
		}
	}

	return nil
}

func isLoopback(host string) bool {
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}

func validateStorage(config *Config) error {
	s := config.Storage
	switch s.Type {
	case StorageMemory:
		return nil
	case StorageSQLite, StoragePostgres:
		if s.DSN == "" {
			return fmt.Errorf("dsn is required when using %s storage", s.Type)
		}
	case StorageRedis:
		if s.RedisAddr == "" {
			return fmt.Errorf("redisAddr is required when using redis storage")
		}
	case StorageFirestore:
		if s.GCPProjectID == "" {
			return fmt.Errorf("gcpProjectId is required when using firestore storage")
		}
	default:
		return fmt.Errorf("unknown storage type %q", s.Type)
	}
	// Persistent backends keep code challenges encrypted at rest.
	if len(config.EncryptionKey) != 32 {
		return fmt.Errorf("encryptionKey must be exactly 32 characters (got %d). Generate with: openssl rand -base64 32 | head -c 32", len(config.EncryptionKey))
	}
	return nil
}

func validateClient(c *ClientConfig) error {
	if c.ClientID == "" {
		return fmt.Errorf("clientId is required")
	}
	if c.ID <= 0 {
		return fmt.Errorf("id must be a positive integer")
	}
	if len(c.Scopes) == 0 {
		return fmt.Errorf("at least one scope is required")
	}
	if c.RequireClientSecret && len(c.Secrets) == 0 {
		return fmt.Errorf("requireClientSecret is set but no secrets are configured")
	}
	for _, gt := range c.GrantTypes {
		if !slices.Contains(supportedGrantTypes, oauth.GrantType(gt)) {
			return fmt.Errorf("unsupported grant type %q", gt)
		}
	}
	for _, rt := range c.ResponseTypes {
		if !slices.Contains(oauth.SupportedResponseTypes, oauth.NormalizeResponseType(rt)) {
			return fmt.Errorf("unsupported response type %q", rt)
		}
	}
	for _, uri := range slices.Concat(c.RedirectURIs, c.PostLogoutRedirectURIs) {
		u, err := url.Parse(uri)
		if err != nil || u.Scheme == "" {
			return fmt.Errorf("redirect URI %q must be absolute", uri)
		}
		if u.Fragment != "" {
			return fmt.Errorf("redirect URI %q must not contain a fragment", uri)
		}
	}
	for _, d := range []Duration{c.AccessTokenLifetime, c.RefreshTokenLifetime, c.IDTokenLifetime, c.DeviceCodeLifetime} {
		if d < 0 {
			return fmt.Errorf("token lifetimes cannot be negative")
		}
	}
	return nil
}

var supportedGrantTypes = []oauth.GrantType{
	oauth.GrantTypeAuthorizationCode,
	oauth.GrantTypeRefreshToken,
	oauth.GrantTypeClientCredentials,
	oauth.GrantTypeDeviceCode,
	oauth.GrantTypeImplicit,
}
