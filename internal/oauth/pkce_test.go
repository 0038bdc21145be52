package oauth

import (
	"crypto/sha256"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVerifyCodeChallenge(t *testing.T) {
	t.Run("valid S256 verifier", func(t *testing.T) {
		verifier := "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
		h := sha256.Sum256([]byte(verifier))
		challenge := base64.RawURLEncoding.EncodeToString(h[:])
		assert.True(t, VerifyCodeChallenge(ChallengeMethodS256, verifier, challenge))
	})

	t.Run("invalid S256 verifier", func(t *testing.T) {
		verifier := "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
		assert.False(t, VerifyCodeChallenge(ChallengeMethodS256, "wrong-verifier", S256Challenge(verifier)))
	})

	t.Run("RFC 7636 Appendix B test vector", func(t *testing.T) {
		verifier := "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
		challenge := "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"
		assert.True(t, VerifyCodeChallenge(ChallengeMethodS256, verifier, challenge))
		assert.Equal(t, challenge, S256Challenge(verifier))
	})

	t.Run("S256 does not accept the raw verifier as challenge", func(t *testing.T) {
		verifier := "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
		assert.False(t, VerifyCodeChallenge(ChallengeMethodS256, verifier, verifier))
	})

	t.Run("plain", func(t *testing.T) {
		assert.True(t, VerifyCodeChallenge(ChallengeMethodPlain, "abc-verifier", "abc-verifier"))
		assert.False(t, VerifyCodeChallenge(ChallengeMethodPlain, "abc-verifier", "abc-verifieR"))
		assert.False(t, VerifyCodeChallenge(ChallengeMethodPlain, "", ""))
	})

	t.Run("unknown method", func(t *testing.T) {
		assert.False(t, VerifyCodeChallenge(ChallengeMethod("S512"), "v", "v"))
	})
}

func TestVerifyCodeChallengeProperty(t *testing.T) {
	verifiers := []string{
		"a",
		"dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk",
		"~._-0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ",
	}
	for _, v := range verifiers {
		for _, c := range verifiers {
			h := sha256.Sum256([]byte(v))
			expectedS256 := base64.RawURLEncoding.EncodeToString(h[:]) == c
			assert.Equal(t, expectedS256, VerifyCodeChallenge(ChallengeMethodS256, v, c))
			assert.Equal(t, v == c, VerifyCodeChallenge(ChallengeMethodPlain, v, c))
		}
		assert.True(t, VerifyCodeChallenge(ChallengeMethodS256, v, S256Challenge(v)))
	}
}

func TestParseChallengeMethod(t *testing.T) {
	m, ok := ParseChallengeMethod("")
	assert.True(t, ok)
	assert.Equal(t, ChallengeMethodPlain, m)

	m, ok = ParseChallengeMethod("S256")
	assert.True(t, ok)
	assert.Equal(t, ChallengeMethodS256, m)

	_, ok = ParseChallengeMethod("s256")
	assert.False(t, ok)
}
