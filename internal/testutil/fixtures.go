package testutil

import (
	"testing"
	"time"

	"github.com/dgellow/identity-server/internal/clock"
	"github.com/dgellow/identity-server/internal/crypto"
	"github.com/dgellow/identity-server/internal/oauth"
	"github.com/dgellow/identity-server/internal/signing"
	"github.com/stretchr/testify/require"
)

const (
	Issuer       = "https://id.example.com"
	ClientID     = "web-app"
	ClientSecret = "web-app-secret"
	RedirectURI  = "https://app.example.com/callback"
	UserID       = "user-42"
)

// Epoch is the start time of fixed test clocks.
var Epoch = time.Unix(1_700_000_000, 0)

// NewClient returns a confidential client allowed every grant type and the
// openid, profile and email scopes.
func NewClient() *oauth.Client {
	return &oauth.Client{
		ID:                     7,
		ClientID:               ClientID,
		Secrets:                []oauth.ClientSecret{{Value: ClientSecret}},
		RedirectURIs:           []string{RedirectURI},
		PostLogoutRedirectURIs: []string{"https://app.example.com/logged-out"},
		Scopes:                 []string{oauth.ScopeOpenID, oauth.ScopeProfile, oauth.ScopeEmail},
		RequireClientSecret:    true,
	}
}

// NewSigner returns a signing service with a freshly generated ES256 key.
func NewSigner(t testing.TB, clk clock.Clock) *signing.Service {
	t.Helper()
	return signing.NewService(signing.NewGeneratingProvider(signing.AlgES256), Issuer, clk)
}

func NewEncryptor(t testing.TB) crypto.Encryptor {
	t.Helper()
	enc, err := crypto.NewEncryptor([]byte("test-encryption-key-32-bytes-ok!"))
	require.NoError(t, err)
	return enc
}
