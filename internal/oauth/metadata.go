package oauth

import (
	"github.com/dgellow/identity-server/internal/urlutil"
)

// Endpoint paths relative to the issuer.
const (
	PathAuthorize           = "/authorize"
	PathToken               = "/token"
	PathRevoke              = "/token/revoke"
	PathIntrospect          = "/introspect"
	PathUserInfo            = "/userinfo"
	PathEndSession          = "/endsession"
	PathDeviceAuthorization = "/device_authorization"
	PathDeviceVerify        = "/device/verify"
	PathJWKS                = "/.well-known/jwks.json"
	PathDiscovery           = "/.well-known/openid-configuration"
)

// DiscoveryDocument builds the OpenID Provider Metadata document.
// https://openid.net/specs/openid-connect-discovery-1_0.html#ProviderMetadata
func DiscoveryDocument(issuer string, signingAlgs []string) (map[string]any, error) {
	endpoints := map[string]string{
		"authorization_endpoint":        PathAuthorize,
		"token_endpoint":                PathToken,
		"revocation_endpoint":           PathRevoke,
		"introspection_endpoint":        PathIntrospect,
		"userinfo_endpoint":             PathUserInfo,
		"end_session_endpoint":          PathEndSession,
		"device_authorization_endpoint": PathDeviceAuthorization,
		"jwks_uri":                      PathJWKS,
	}

	doc := map[string]any{
		"issuer":                   issuer,
		"response_types_supported": SupportedResponseTypes,
		"grant_types_supported": []string{
			string(GrantTypeAuthorizationCode),
			string(GrantTypeRefreshToken),
			string(GrantTypeClientCredentials),
			string(GrantTypeDeviceCode),
			string(GrantTypeImplicit),
		},
		"subject_types_supported":               []string{"public"},
		"id_token_signing_alg_values_supported": signingAlgs,
		"code_challenge_methods_supported": []string{
			string(ChallengeMethodPlain),
			string(ChallengeMethodS256),
		},
		"token_endpoint_auth_methods_supported": []string{
			"none",
			"client_secret_post",
			"client_secret_basic",
		},
		"revocation_endpoint_auth_methods_supported": []string{"none"},
		"scopes_supported": []string{
			ScopeOpenID,
			ScopeProfile,
			ScopeEmail,
		},
		"claims_supported": []string{
			"sub", "iss", "aud", "exp", "iat", "jti", "acr",
			"name", "given_name", "family_name", "preferred_username", "email", "email_verified",
		},
	}

	for key, path := range endpoints {
		u, err := urlutil.JoinPath(issuer, path)
		if err != nil {
			return nil, err
		}
		doc[key] = u
	}

	return doc, nil
}
