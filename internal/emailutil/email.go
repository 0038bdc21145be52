// Package emailutil normalizes the email claims of configured users.
package emailutil

import (
	"net/mail"
	"strings"
)

// ClaimEmail is the standard OIDC email claim name.
const ClaimEmail = "email"

// Normalize lowercases and trims an email address so the email claim is
// stable across config edits.
func Normalize(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Valid reports whether email is a bare addr-spec with a domain part.
// Display names ("Ada <ada@example.com>") are rejected.
func Valid(email string) bool {
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Name != "" || addr.Address != email {
		return false
	}
	at := strings.LastIndex(email, "@")
	return at > 0 && at < len(email)-1
}

// NormalizeClaims returns a copy of claims with the email claim normalized.
// Claims without a string email are returned unchanged.
func NormalizeClaims(claims map[string]any) map[string]any {
	email, ok := claims[ClaimEmail].(string)
	if !ok {
		return claims
	}
	out := make(map[string]any, len(claims))
	for k, v := range claims {
		out[k] = v
	}
	out[ClaimEmail] = Normalize(email)
	return out
}
