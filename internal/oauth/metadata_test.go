package oauth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiscoveryDocument(t *testing.T) {
	tests := []struct {
		name      string
		issuer    string
		wantToken string
		wantErr   bool
	}{
		{
			name:      "valid issuer",
			issuer:    "https://id.example.com",
			wantToken: "https://id.example.com/token",
		},
		{
			name:      "issuer with path",
			issuer:    "https://example.com/oidc",
			wantToken: "https://example.com/oidc/token",
		},
		{
			name:    "invalid issuer",
			issuer:  "://invalid",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc, err := DiscoveryDocument(tt.issuer, []string{"RS256"})
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.issuer, doc["issuer"])
			assert.Equal(t, tt.wantToken, doc["token_endpoint"])
			assert.Equal(t, tt.issuer+"/token/revoke", doc["revocation_endpoint"])
			assert.Equal(t, tt.issuer+"/.well-known/jwks.json", doc["jwks_uri"])
			assert.Equal(t, []string{"RS256"}, doc["id_token_signing_alg_values_supported"])
			assert.Contains(t, doc["grant_types_supported"], "urn:ietf:params:oauth:grant-type:device_code")
			assert.Equal(t, []string{"code", "token", "id_token", "id_token token"}, doc["response_types_supported"])
		})
	}
}
