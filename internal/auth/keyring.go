// Package auth implements API-key authentication for the control API. Keys
// are presented as bearer tokens of the form "<keyID>.<secret>"; only the
// pbkdf2 hash of the secret is held at rest.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/crypto/pbkdf2"
)

const (
	keyHashSaltLength = 16
	keyHashKeyLength  = 32
	keyHashIterations = 120000

	secretLength = 24
)

// ErrInvalidKey is returned for unknown, malformed, or mismatched keys.
var ErrInvalidKey = errors.New("invalid api key")

// Key is one provisioned API key.
type Key struct {
	ID         string
	OwnerID    string
	SecretHash string
}

// Keyring resolves bearer tokens to owner identities.
type Keyring struct {
	mu   sync.RWMutex
	keys map[string]Key
}

// NewKeyring constructs an empty keyring.
func NewKeyring() *Keyring {
	return &Keyring{keys: make(map[string]Key)}
}

// Add registers a provisioned key.
func (k *Keyring) Add(key Key) error {
	if key.ID == "" || key.OwnerID == "" || key.SecretHash == "" {
		return errors.New("key id, owner id, and secret hash are required")
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.keys[key.ID] = key
	return nil
}

// Issue mints a new key for the owner and returns the bearer token to hand
// out. Only the hash is retained.
func (k *Keyring) Issue(ownerID string) (token string, err error) {
	if ownerID == "" {
		return "", errors.New("owner id is required")
	}
	idBytes := make([]byte, 6)
	if _, err := rand.Read(idBytes); err != nil {
		return "", fmt.Errorf("generate key id: %w", err)
	}
	secretBytes := make([]byte, secretLength)
	if _, err := rand.Read(secretBytes); err != nil {
		return "", fmt.Errorf("generate key secret: %w", err)
	}
	keyID := "key_" + hex.EncodeToString(idBytes)
	secret := base64.RawURLEncoding.EncodeToString(secretBytes)
	hash, err := HashSecret(secret)
	if err != nil {
		return "", err
	}
	if err := k.Add(Key{ID: keyID, OwnerID: ownerID, SecretHash: hash}); err != nil {
		return "", err
	}
	return keyID + "." + secret, nil
}

// Authenticate resolves a bearer token to the owning identity.
func (k *Keyring) Authenticate(token string) (string, error) {
	keyID, secret, ok := strings.Cut(strings.TrimSpace(token), ".")
	if !ok || keyID == "" || secret == "" {
		return "", ErrInvalidKey
	}
	k.mu.RLock()
	key, found := k.keys[keyID]
	k.mu.RUnlock()
	if !found {
		return "", ErrInvalidKey
	}
	if err := verifySecret(key.SecretHash, secret); err != nil {
		return "", err
	}
	return key.OwnerID, nil
}

// ParseKeySpec decodes the "keyID:ownerID:hash" form used in configuration.
// The hash segment contains '$' separators but no ':'.
func ParseKeySpec(spec string) (Key, error) {
	parts := strings.SplitN(strings.TrimSpace(spec), ":", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return Key{}, fmt.Errorf("api key spec must be keyID:ownerID:hash")
	}
	return Key{ID: parts[0], OwnerID: parts[1], SecretHash: parts[2]}, nil
}

// HashSecret derives the at-rest hash for a key secret.
func HashSecret(secret string) (string, error) {
	salt := make([]byte, keyHashSaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	derived := pbkdf2.Key([]byte(secret), salt, keyHashIterations, keyHashKeyLength, sha256.New)
	encodedSalt := base64.RawStdEncoding.EncodeToString(salt)
	encodedKey := base64.RawStdEncoding.EncodeToString(derived)
	return fmt.Sprintf("pbkdf2$sha256$%d$%s$%s", keyHashIterations, encodedSalt, encodedKey), nil
}

func verifySecret(encodedHash, candidate string) error {
	parts := strings.Split(encodedHash, "$")
	if len(parts) != 5 {
		return fmt.Errorf("verify key: invalid hash format")
	}
	if parts[0] != "pbkdf2" || parts[1] != "sha256" {
		return fmt.Errorf("verify key: unsupported hash identifier")
	}
	iterations, err := strconv.Atoi(parts[2])
	if err != nil || iterations <= 0 {
		return fmt.Errorf("verify key: invalid iteration count")
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[3])
	if err != nil {
		return fmt.Errorf("verify key: decode salt: %w", err)
	}
	storedKey, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return fmt.Errorf("verify key: decode hash: %w", err)
	}
	derived := pbkdf2.Key([]byte(candidate), salt, iterations, len(storedKey), sha256.New)
	if len(derived) != len(storedKey) || subtle.ConstantTimeCompare(derived, storedKey) != 1 {
		return ErrInvalidKey
	}
	return nil
}
