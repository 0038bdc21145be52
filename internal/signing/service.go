package signing

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgellow/identity-server/internal/clock"
	"github.com/dgellow/identity-server/internal/oauth"
	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
)

// DecodeOptions selects which registered claims Decode enforces beyond the
// signature, iat and exp.
type DecodeOptions struct {
	// Audience, when set, must appear in aud.
	Audience string
	// VerifyIssuer requires iss to equal the service issuer.
	VerifyIssuer bool
	// SkipExpiry accepts tokens whose exp has passed. The signature is still
	// verified.
	SkipExpiry bool
}

// Service signs and verifies compact JWS tokens with the provider's keys.
type Service struct {
	keys   KeyProvider
	issuer string
	clock  clock.Clock
}

func NewService(keys KeyProvider, issuer string, clk clock.Clock) *Service {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Service{keys: keys, issuer: issuer, clock: clk}
}

func (s *Service) Issuer() string {
	return s.issuer
}

// Algorithm returns the algorithm of the current signing key.
func (s *Service) Algorithm(ctx context.Context) (string, error) {
	key, err := s.keys.SigningKey(ctx)
	if err != nil {
		return "", err
	}
	return key.Algorithm, nil
}

// Encode signs claims with the current key. alg may be empty to use the
// key's own algorithm; otherwise it must match it.
func (s *Service) Encode(ctx context.Context, claims jwt.Claims, alg string) (string, error) {
	key, err := s.keys.SigningKey(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNoSigningKey, err)
	}
	if alg != "" && alg != key.Algorithm {
		return "", fmt.Errorf("algorithm %s does not match signing key algorithm %s", alg, key.Algorithm)
	}

	method := jwt.GetSigningMethod(key.Algorithm)
	if method == nil {
		return "", fmt.Errorf("unsupported signing algorithm %s", key.Algorithm)
	}

	token := jwt.NewWithClaims(method, claims)
	token.Header["kid"] = key.KeyID

	signed, err := token.SignedString(key.Signer)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

// Decode verifies token and fills claims. It returns oauth.ErrExpiredSignature
// when only the expiry check failed and oauth.ErrSignature for every other
// failure.
func (s *Service) Decode(ctx context.Context, token string, claims jwt.Claims, opts DecodeOptions) error {
	publicKeys, err := s.keys.PublicKeys(ctx)
	if err != nil {
		return fmt.Errorf("loading public keys: %w", err)
	}

	algs := make([]string, 0, len(publicKeys))
	for _, k := range publicKeys {
		algs = append(algs, k.Algorithm)
	}

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods(algs),
		jwt.WithTimeFunc(s.clock.Now),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
	}
	if opts.VerifyIssuer {
		parserOpts = append(parserOpts, jwt.WithIssuer(s.issuer))
	}
	if opts.Audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(opts.Audience))
	}
	if opts.SkipExpiry {
		parserOpts = append(parserOpts, jwt.WithoutClaimsValidation())
	}

	keyFunc := func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		for _, k := range publicKeys {
			if kid == k.KeyID || (kid == "" && len(publicKeys) == 1) {
				return k.Public(), nil
			}
		}
		return nil, fmt.Errorf("unknown key id %q", kid)
	}

	// Claims are validated only after the signature verifies, so an expiry
	// error implies an authentic token.
	_, err = jwt.ParseWithClaims(token, claims, keyFunc, parserOpts...)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, jwt.ErrTokenExpired):
		return oauth.ErrExpiredSignature
	default:
		return fmt.Errorf("%w: %v", oauth.ErrSignature, err)
	}
}

// JWKS publishes every verification key.
func (s *Service) JWKS(ctx context.Context) (*jose.JSONWebKeySet, error) {
	keys, err := s.keys.PublicKeys(ctx)
	if err != nil {
		return nil, err
	}

	set := &jose.JSONWebKeySet{Keys: make([]jose.JSONWebKey, 0, len(keys))}
	for _, k := range keys {
		set.Keys = append(set.Keys, jose.JSONWebKey{
			Key:       k.Public(),
			KeyID:     k.KeyID,
			Algorithm: k.Algorithm,
			Use:       "sig",
		})
	}
	return set, nil
}
