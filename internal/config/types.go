package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// VersionPrefix is the config format accepted by this build.
const VersionPrefix = "v1"

// Storage backends.
const (
	StorageMemory    = "memory"
	StorageSQLite    = "sqlite"
	StoragePostgres  = "postgres"
	StorageRedis     = "redis"
	StorageFirestore = "firestore"
)

// Secret is a string type that redacts itself when printed
type Secret string

// String implements fmt.Stringer to redact the secret
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "***"
}

// MarshalJSON implements json.Marshaler to prevent secrets in JSON logs
func (s Secret) MarshalJSON() ([]byte, error) {
	if s == "" {
		return json.Marshal("")
	}
	return json.Marshal("***")
}

// UnmarshalJSON accepts a plain string or an {"$env": "NAME"} reference.
func (s *Secret) UnmarshalJSON(data []byte) error {
	v, err := ParseConfigValue(data)
	if err != nil {
		return err
	}
	*s = Secret(v)
	return nil
}

// Duration is a time.Duration written as a Go duration string ("10m").
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"10m\"")
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Seconds returns the duration in whole seconds, the unit of token
// lifetimes.
func (d Duration) Seconds() int64 {
	return int64(time.Duration(d) / time.Second)
}

type StorageConfig struct {
	Type                string `json:"type"`
	DSN                 Secret `json:"dsn,omitempty"`
	RedisAddr           string `json:"redisAddr,omitempty"`
	RedisPassword       Secret `json:"redisPassword,omitempty"`
	RedisDB             int    `json:"redisDb,omitempty"`
	RedisKeyPrefix      string `json:"redisKeyPrefix,omitempty"`
	GCPProjectID        string `json:"gcpProjectId,omitempty"`
	FirestoreDatabase   string `json:"firestoreDatabase,omitempty"`
	FirestoreCollection string `json:"firestoreCollection,omitempty"`
}

type SigningConfig struct {
	// KeyFile is a PEM private key. Without it a key is generated at
	// startup and tokens do not survive a restart.
	KeyFile          string   `json:"keyFile,omitempty"`
	FallbackKeyFiles []string `json:"fallbackKeyFiles,omitempty"`
	Algorithm        string   `json:"algorithm,omitempty"`
}

type SweepConfig struct {
	MinInterval Duration `json:"minInterval,omitempty"`
	MaxInterval Duration `json:"maxInterval,omitempty"`
}

type ClientSecretConfig struct {
	Value     Secret     `json:"value"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

type ClientConfig struct {
	ID                     int64                `json:"id"`
	ClientID               string               `json:"clientId"`
	Secrets                []ClientSecretConfig `json:"secrets,omitempty"`
	RedirectURIs           []string             `json:"redirectUris,omitempty"`
	PostLogoutRedirectURIs []string             `json:"postLogoutRedirectUris,omitempty"`
	ResponseTypes          []string             `json:"responseTypes,omitempty"`
	GrantTypes             []string             `json:"grantTypes,omitempty"`
	Scopes                 []string             `json:"scopes"`
	AccessTokenLifetime    Duration             `json:"accessTokenLifetime,omitempty"`
	RefreshTokenLifetime   Duration             `json:"refreshTokenLifetime,omitempty"`
	IDTokenLifetime        Duration             `json:"idTokenLifetime,omitempty"`
	DeviceCodeLifetime     Duration             `json:"deviceCodeLifetime,omitempty"`
	RequirePKCE            bool                 `json:"requirePkce,omitempty"`
	RequireClientSecret    bool                 `json:"requireClientSecret,omitempty"`
}

type UserConfig struct {
	ID     string         `json:"id"`
	Claims map[string]any `json:"claims"`
}

type Config struct {
	Version            string         `json:"version"`
	Issuer             string         `json:"issuer"`
	Addr               string         `json:"addr"`
	AllowedOrigins     []string       `json:"allowedOrigins,omitempty"`
	BaseTokenLifetime  Duration       `json:"baseTokenLifetime,omitempty"`
	RefreshGracePeriod *Duration      `json:"refreshGracePeriod,omitempty"`
	RequestTimeout     Duration       `json:"requestTimeout,omitempty"`
	EncryptionKey      Secret         `json:"encryptionKey"`
	Storage            StorageConfig  `json:"storage"`
	Signing            SigningConfig  `json:"signing"`
	Sweep              SweepConfig    `json:"sweep"`
	Clients            []ClientConfig `json:"clients"`
	Users              []UserConfig   `json:"users,omitempty"`
}

// ParseConfigValue parses a JSON value that is either a string or an
// {"$env": "NAME"} reference resolved immediately.
func ParseConfigValue(raw json.RawMessage) (string, error) {
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		return str, nil
	}

	var ref map[string]string
	if err := json.Unmarshal(raw, &ref); err != nil {
		return "", fmt.Errorf("config value must be string or reference object")
	}

	envVar, ok := ref["$env"]
	if !ok {
		return "", fmt.Errorf("unknown reference type in config value")
	}
	value := os.Getenv(envVar)
	if value == "" {
		return "", fmt.Errorf("environment variable %s not set", envVar)
	}
	// Strip surrounding quotes if present (only matching pairs)
	if len(value) >= 2 {
		if (value[0] == '"' && value[len(value)-1] == '"') ||
			(value[0] == '\'' && value[len(value)-1] == '\'') {
			value = value[1 : len(value)-1]
		}
	}
	return value, nil
}
