package oauth

import (
	"strings"

	"github.com/ory/fosite"
)

const (
	ScopeOpenID  = "openid"
	ScopeProfile = "profile"
	ScopeEmail   = "email"
)

// Audiences carried by access tokens, by grant type.
var (
	UserTokenAudience   = []string{"introspection", "revocation", "userinfo"}
	ClientTokenAudience = []string{"admin", "introspection", "revoke"}
)

// ParseScope splits a space-delimited scope string, dropping empty entries.
func ParseScope(scope string) fosite.Arguments {
	return fosite.Arguments(fosite.RemoveEmpty(strings.Split(scope, " ")))
}

// JoinScope renders scopes in their wire form.
func JoinScope(scopes fosite.Arguments) string {
	return strings.Join(scopes, " ")
}
