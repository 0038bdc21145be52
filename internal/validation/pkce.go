package validation

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgellow/identity-server/internal/crypto"
	"github.com/dgellow/identity-server/internal/log"
	"github.com/dgellow/identity-server/internal/oauth"
	"github.com/dgellow/identity-server/internal/storage"
)

// PKCE checks code verifiers against the challenge a client registered at
// the authorization endpoint. Challenges are encrypted at rest.
//
// Verification and deletion are separate steps: the challenge is deleted
// only once the code exchange has committed, so a failed exchange leaves it
// in place.
type PKCE struct {
	repo      storage.CodeChallengeRepository
	encryptor crypto.Encryptor
}

func NewPKCE(repo storage.CodeChallengeRepository, encryptor crypto.Encryptor) *PKCE {
	return &PKCE{repo: repo, encryptor: encryptor}
}

// Register stores the client's challenge, replacing any previous one.
func (p *PKCE) Register(ctx context.Context, clientID, challenge string, method oauth.ChallengeMethod) error {
	encrypted, err := p.encryptor.Encrypt(challenge)
	if err != nil {
		return fmt.Errorf("encrypting code challenge: %w", err)
	}
	return p.repo.Save(ctx, &oauth.CodeChallenge{
		ClientID:  clientID,
		Challenge: encrypted,
		Method:    method,
	})
}

// Verify checks verifier against the stored challenge. It reports whether a
// challenge was checked; the caller must then Consume it. A client that
// requires PKCE but has no stored challenge fails with
// ErrCodeChallengeMismatch.
func (p *PKCE) Verify(ctx context.Context, client *oauth.Client, verifier string) (bool, error) {
	stored, err := p.repo.Get(ctx, client.ClientID)
	if errors.Is(err, storage.ErrNotFound) {
		if client.RequirePKCE {
			return false, fmt.Errorf("%w: no challenge registered", oauth.ErrCodeChallengeMismatch)
		}
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("loading code challenge: %w", err)
	}

	challenge, err := p.encryptor.Decrypt(stored.Challenge)
	if err != nil {
		return false, fmt.Errorf("decrypting code challenge: %w", err)
	}
	if !oauth.VerifyCodeChallenge(stored.Method, verifier, challenge) {
		log.LogWarnWithFields("validation", "Code verifier mismatch", map[string]any{
			"client_id": client.ClientID,
			"method":    stored.Method,
		})
		return false, oauth.ErrCodeChallengeMismatch
	}
	return true, nil
}

// Consume deletes the client's challenge. A challenge already gone is not an
// error.
func (p *PKCE) Consume(ctx context.Context, clientID string) error {
	err := p.repo.Delete(ctx, clientID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("deleting code challenge: %w", err)
	}
	return nil
}
