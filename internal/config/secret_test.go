package config

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSecretRedaction(t *testing.T) {
	tests := []struct {
		name   string
		secret Secret
		want   string
	}{
		{name: "client secret", secret: Secret("web-client-secret"), want: "***"},
		{name: "empty", secret: Secret(""), want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.secret.String())
			assert.Equal(t, "value: "+tt.want, fmt.Sprintf("value: %s", tt.secret))
			assert.Equal(t, "value: "+tt.want, fmt.Sprintf("value: %v", tt.secret))
		})
	}
}

func TestSecretsRedactedInConfig(t *testing.T) {
	cfg := Config{
		Version:       VersionPrefix,
		Issuer:        "https://id.example.com",
		EncryptionKey: Secret("0123456789abcdef0123456789abcdef"),
		Storage: StorageConfig{
			Type:          StoragePostgres,
			DSN:           Secret("postgres://app:hunter2@db/identity"),
			RedisPassword: Secret("redis-pass-12345"),
		},
		Clients: []ClientConfig{{
			ID:       1,
			ClientID: "web",
			Secrets:  []ClientSecretConfig{{Value: Secret("web-client-secret")}},
		}},
	}

	data, err := json.Marshal(cfg)
	require.NoError(t, err)

	for _, leaked := range []string{"0123456789abcdef", "hunter2", "redis-pass-12345", "web-client-secret"} {
		assert.NotContains(t, string(data), leaked)
		assert.NotContains(t, fmt.Sprintf("%+v", cfg), leaked)
	}
	assert.Contains(t, string(data), `"clientId":"web"`)
	assert.Contains(t, string(data), `"https://id.example.com"`)
}

func TestSecretUnmarshal(t *testing.T) {
	t.Setenv("IDENTITY_TEST_SECRET", "from-env")

	tests := []struct {
		name    string
		input   string
		want    Secret
		wantErr bool
	}{
		{name: "env reference", input: `{"$env": "IDENTITY_TEST_SECRET"}`, want: "from-env"},
		{name: "bcrypt hash literal", input: `"$2a$10$abcdefghijklmnopqrstuv"`, want: "$2a$10$abcdefghijklmnopqrstuv"},
		{name: "unset env var", input: `{"$env": "IDENTITY_TEST_UNSET"}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var s Secret
			err := json.Unmarshal([]byte(tt.input), &s)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, s)
		})
	}
}
