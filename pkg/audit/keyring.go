package audit

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/hkdf"
)

const keyringInfo = "eje-audit-kdf"

// Keyring derives purpose-scoped Ed25519 keys from a single master seed
// using HKDF-SHA256. The same seed always yields the same keys, so a
// verifier holding the seed can check signatures written by another
// process.
type Keyring struct {
	mu   sync.Mutex
	seed []byte
	keys map[string]ed25519.PrivateKey
}

// NewKeyring builds a keyring from a master seed of ed25519.SeedSize bytes.
func NewKeyring(masterSeed []byte) (*Keyring, error) {
	if len(masterSeed) != ed25519.SeedSize {
		return nil, fmt.Errorf("audit: master seed must be %d bytes, got %d", ed25519.SeedSize, len(masterSeed))
	}
	return &Keyring{
		seed: append([]byte(nil), masterSeed...),
		keys: make(map[string]ed25519.PrivateKey),
	}, nil
}

// GenerateKeyring builds a keyring from a fresh random seed. Signatures
// from a generated keyring are only verifiable within the same process
// lifetime.
func GenerateKeyring() (*Keyring, error) {
	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("audit: seed generation failed: %w", err)
	}
	return NewKeyring(seed)
}

// KeyringFromHex builds a keyring from a hex-encoded master seed, the form
// audit.signing_seed carries. Writers and verifiers configured with the same
// seed derive the same keys.
func KeyringFromHex(seedHex string) (*Keyring, error) {
	seed, err := hex.DecodeString(seedHex)
	if err != nil {
		return nil, fmt.Errorf("audit: master seed is not hex: %w", err)
	}
	return NewKeyring(seed)
}

// derive returns the purpose-scoped private key, creating it on first use.
func (k *Keyring) derive(purpose string) (ed25519.PrivateKey, error) {
	if purpose == "" {
		return nil, fmt.Errorf("audit: key purpose must not be empty")
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if key, ok := k.keys[purpose]; ok {
		return key, nil
	}
	reader := hkdf.New(sha256.New, k.seed, []byte(keyringInfo), []byte(purpose))
	derived := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(reader, derived); err != nil {
		return nil, fmt.Errorf("audit: HKDF derivation failed: %w", err)
	}
	key := ed25519.NewKeyFromSeed(derived)
	k.keys[purpose] = key
	return key, nil
}

// Sign signs data with the purpose-scoped key and returns the hex signature
// plus the key id that names the purpose and public key prefix.
func (k *Keyring) Sign(purpose string, data []byte) (sigHex, keyID string, err error) {
	key, err := k.derive(purpose)
	if err != nil {
		return "", "", err
	}
	sig := ed25519.Sign(key, data)
	return hex.EncodeToString(sig), k.keyID(purpose, key), nil
}

// Verify checks a hex signature produced by Sign for the same purpose.
func (k *Keyring) Verify(purpose string, data []byte, sigHex string) (bool, error) {
	key, err := k.derive(purpose)
	if err != nil {
		return false, err
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false, fmt.Errorf("audit: invalid signature hex: %w", err)
	}
	return ed25519.Verify(key.Public().(ed25519.PublicKey), data, sig), nil
}

// PublicKey returns the hex public key for a purpose.
func (k *Keyring) PublicKey(purpose string) (string, error) {
	key, err := k.derive(purpose)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(key.Public().(ed25519.PublicKey)), nil
}

// KeyID returns the identifier recorded next to signatures for a purpose.
func (k *Keyring) KeyID(purpose string) (string, error) {
	key, err := k.derive(purpose)
	if err != nil {
		return "", err
	}
	return k.keyID(purpose, key), nil
}

func (k *Keyring) keyID(purpose string, key ed25519.PrivateKey) string {
	pub := key.Public().(ed25519.PublicKey)
	return purpose + ":" + hex.EncodeToString(pub[:4])
}
