package signing

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/dgellow/identity-server/internal/log"
	"github.com/go-jose/go-jose/v4"
)

const (
	AlgRS256 = "RS256"
	AlgES256 = "ES256"
)

var ErrNoSigningKey = errors.New("no signing key available")

// Key is an asymmetric signing key with its derived identifiers.
type Key struct {
	Signer    crypto.Signer
	KeyID     string
	Algorithm string
}

func (k *Key) Public() crypto.PublicKey {
	return k.Signer.Public()
}

// KeyProvider supplies the current signing key and every public key that
// verifiers should still accept.
type KeyProvider interface {
	SigningKey(ctx context.Context) (*Key, error)
	PublicKeys(ctx context.Context) ([]*Key, error)
}

// NewKey wraps a signer, deriving its algorithm and an RFC 7638 thumbprint
// key id.
func NewKey(signer crypto.Signer) (*Key, error) {
	alg, err := deriveAlgorithm(signer)
	if err != nil {
		return nil, err
	}

	jwk := jose.JSONWebKey{Key: signer.Public()}
	thumbprint, err := jwk.Thumbprint(crypto.SHA256)
	if err != nil {
		return nil, fmt.Errorf("failed to compute key thumbprint: %w", err)
	}

	return &Key{
		Signer:    signer,
		KeyID:     base64.RawURLEncoding.EncodeToString(thumbprint),
		Algorithm: alg,
	}, nil
}

func deriveAlgorithm(signer crypto.Signer) (string, error) {
	switch k := signer.(type) {
	case *rsa.PrivateKey:
		if k.N.BitLen() < 2048 {
			return "", fmt.Errorf("RSA key too small: %d bits", k.N.BitLen())
		}
		return AlgRS256, nil
	case *ecdsa.PrivateKey:
		if k.Curve != elliptic.P256() {
			return "", fmt.Errorf("unsupported ECDSA curve %s", k.Curve.Params().Name)
		}
		return AlgES256, nil
	default:
		return "", fmt.Errorf("unsupported key type: %T", signer)
	}
}

// LoadSigningKey reads a PEM private key. RSA (PKCS#1, PKCS#8) and ECDSA
// (SEC 1, PKCS#8) are accepted.
func LoadSigningKey(path string) (crypto.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read signing key: %w", err)
	}
	return ParseSigningKey(data)
}

func ParseSigningKey(data []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block from signing key")
	}

	if rsaKey, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return rsaKey, nil
	}
	if ecKey, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
		return ecKey, nil
	}

	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse signing key: %w", err)
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("signing key does not implement crypto.Signer")
	}
	return signer, nil
}

// FileProvider serves keys loaded from PEM files at construction time.
// The first file signs; the rest stay published for verification during
// rotation.
type FileProvider struct {
	signing *Key
	all     []*Key
}

func NewFileProvider(signingKeyFile string, fallbackKeyFiles ...string) (*FileProvider, error) {
	if signingKeyFile == "" {
		return nil, fmt.Errorf("signing key file is required")
	}

	var all []*Key
	for _, path := range append([]string{signingKeyFile}, fallbackKeyFiles...) {
		signer, err := LoadSigningKey(path)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", path, err)
		}
		key, err := NewKey(signer)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", path, err)
		}
		all = append(all, key)
	}

	return &FileProvider{signing: all[0], all: all}, nil
}

func (p *FileProvider) SigningKey(ctx context.Context) (*Key, error) {
	return p.signing, nil
}

func (p *FileProvider) PublicKeys(ctx context.Context) ([]*Key, error) {
	return p.all, nil
}

// GeneratingProvider creates an ephemeral key on first use. Tokens it signs
// do not survive a restart, so it is meant for development and tests.
type GeneratingProvider struct {
	algorithm string
	mu        sync.Mutex
	key       *Key
}

func NewGeneratingProvider(algorithm string) *GeneratingProvider {
	if algorithm == "" {
		algorithm = AlgRS256
	}
	return &GeneratingProvider{algorithm: algorithm}
}

func (p *GeneratingProvider) SigningKey(ctx context.Context) (*Key, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.key != nil {
		return p.key, nil
	}

	signer, err := GenerateSigner(p.algorithm)
	if err != nil {
		return nil, err
	}

	key, err := NewKey(signer)
	if err != nil {
		return nil, err
	}

	log.LogWarnWithFields("signing", "Generated ephemeral signing key", map[string]any{
		"kid":       key.KeyID,
		"algorithm": key.Algorithm,
	})
	p.key = key
	return key, nil
}

func (p *GeneratingProvider) PublicKeys(ctx context.Context) ([]*Key, error) {
	key, err := p.SigningKey(ctx)
	if err != nil {
		return nil, err
	}
	return []*Key{key}, nil
}

// GenerateSigner creates a fresh private key for algorithm.
func GenerateSigner(algorithm string) (crypto.Signer, error) {
	var signer crypto.Signer
	var err error
	switch algorithm {
	case AlgRS256:
		signer, err = rsa.GenerateKey(rand.Reader, 2048)
	case AlgES256:
		signer, err = ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	default:
		return nil, fmt.Errorf("unsupported algorithm %q", algorithm)
	}
	if err != nil {
		return nil, fmt.Errorf("generating %s key: %w", algorithm, err)
	}
	return signer, nil
}

// EncodePrivateKeyPEM serializes signer as a PKCS#8 PEM block that
// LoadSigningKey reads back.
func EncodePrivateKeyPEM(signer crypto.Signer) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(signer)
	if err != nil {
		return nil, fmt.Errorf("encoding private key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}
