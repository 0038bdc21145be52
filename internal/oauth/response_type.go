package oauth

import (
	"slices"
	"strings"
)

const (
	ResponseTypeCode         = "code"
	ResponseTypeToken        = "token"
	ResponseTypeIDToken      = "id_token"
	ResponseTypeIDTokenToken = "id_token token"
)

// SupportedResponseTypes lists the response types /authorize serves, in
// canonical form.
var SupportedResponseTypes = []string{
	ResponseTypeCode,
	ResponseTypeToken,
	ResponseTypeIDToken,
	ResponseTypeIDTokenToken,
}

// NormalizeResponseType sorts the space-delimited values of rt so that
// "token id_token" and "id_token token" compare equal.
func NormalizeResponseType(rt string) string {
	parts := strings.Fields(rt)
	slices.Sort(parts)
	return strings.Join(parts, " ")
}

// FragmentResponse reports whether rt returns tokens from /authorize. Those
// responses, and their errors, travel in the redirect fragment.
func FragmentResponse(rt string) bool {
	rt = NormalizeResponseType(rt)
	return rt != "" && rt != ResponseTypeCode
}

// ReturnsIDToken reports whether rt includes an ID token.
func ReturnsIDToken(rt string) bool {
	return slices.Contains(strings.Fields(rt), ResponseTypeIDToken)
}
