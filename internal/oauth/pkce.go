package oauth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
)

type ChallengeMethod string

const (
	ChallengeMethodPlain ChallengeMethod = "plain"
	ChallengeMethodS256  ChallengeMethod = "S256"
)

// ParseChallengeMethod defaults an empty method to plain as RFC 7636 does.
func ParseChallengeMethod(s string) (ChallengeMethod, bool) {
	switch s {
	case "", string(ChallengeMethodPlain):
		return ChallengeMethodPlain, true
	case string(ChallengeMethodS256):
		return ChallengeMethodS256, true
	default:
		return "", false
	}
}

// S256Challenge derives the S256 challenge for a verifier.
func S256Challenge(verifier string) string {
	h := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(h[:])
}

// VerifyCodeChallenge checks a code_verifier against a decrypted challenge.
func VerifyCodeChallenge(method ChallengeMethod, verifier, challenge string) bool {
	if verifier == "" || challenge == "" {
		return false
	}
	var computed string
	switch method {
	case ChallengeMethodPlain:
		computed = verifier
	case ChallengeMethodS256:
		computed = S256Challenge(verifier)
	default:
		return false
	}
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}
