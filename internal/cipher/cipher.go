package cipher

import (
	"crypto/aes"
	gocipher "crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"secretvault/internal/domain"
)

const (
	keySize     = 32
	ivSize      = 12
	authTagSize = 16

	// derivationInfo binds derived keys to this subsystem.
	derivationInfo = "secret-vault-dek"
)

// IntegrityError reports an authentication-tag failure on decrypt. It means
// the ciphertext was tampered with or is being decrypted under the wrong
// project's key; it is never retried or swallowed.
type IntegrityError struct {
	Err error
}

func (e IntegrityError) Error() string {
	return fmt.Sprintf("ciphertext integrity check failed: %v", e.Err)
}

func (e IntegrityError) Unwrap() error { return e.Err }

// Engine performs envelope encryption of secret values: one master key,
// one AES-256 key per project derived via HKDF-SHA256. Derived keys are
// never persisted; they are recomputed per operation.
type Engine struct {
	masterKey []byte
}

// New validates the master key eagerly and returns an Engine. The key must
// be exactly 64 hex characters (32 bytes).
func New(masterKeyHex string) (*Engine, error) {
	if len(masterKeyHex) != keySize*2 {
		return nil, fmt.Errorf("master key must be %d hex characters, got %d", keySize*2, len(masterKeyHex))
	}
	key, err := hex.DecodeString(masterKeyHex)
	if err != nil {
		return nil, fmt.Errorf("master key is not valid hex: %w", err)
	}
	return &Engine{masterKey: key}, nil
}

// DeriveProjectKey derives the per-project data-encryption key. The result
// is deterministic for a given (master key, project id) pair.
func (e *Engine) DeriveProjectKey(projectID string) ([]byte, error) {
	reader := hkdf.New(sha256.New, e.masterKey, []byte(projectID), []byte(derivationInfo))
	key := make([]byte, keySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("derive project key: %w", err)
	}
	return key, nil
}

// Encrypt seals plaintext under the project's derived key with a fresh
// random IV. Ciphertext is base64, IV and tag are hex.
func (e *Engine) Encrypt(plaintext, projectID string) (domain.EncryptedValue, error) {
	key, err := e.DeriveProjectKey(projectID)
	if err != nil {
		return domain.EncryptedValue{}, err
	}
	aead, err := newGCM(key)
	if err != nil {
		return domain.EncryptedValue{}, err
	}
	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return domain.EncryptedValue{}, fmt.Errorf("generate iv: %w", err)
	}
	sealed := aead.Seal(nil, iv, []byte(plaintext), nil)
	// Seal appends the tag to the ciphertext; store them separately.
	ciphertext := sealed[:len(sealed)-authTagSize]
	tag := sealed[len(sealed)-authTagSize:]
	return domain.EncryptedValue{
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
		IV:         hex.EncodeToString(iv),
		AuthTag:    hex.EncodeToString(tag),
	}, nil
}

// Decrypt re-derives the project key and opens the value, verifying the
// authentication tag. Any tag mismatch yields an IntegrityError.
func (e *Engine) Decrypt(value domain.EncryptedValue, projectID string) (string, error) {
	key, err := e.DeriveProjectKey(projectID)
	if err != nil {
		return "", err
	}
	ciphertext, err := base64.StdEncoding.DecodeString(value.Ciphertext)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	iv, err := hex.DecodeString(value.IV)
	if err != nil {
		return "", fmt.Errorf("decode iv: %w", err)
	}
	if len(iv) != ivSize {
		return "", fmt.Errorf("iv must be %d bytes, got %d", ivSize, len(iv))
	}
	tag, err := hex.DecodeString(value.AuthTag)
	if err != nil {
		return "", fmt.Errorf("decode auth tag: %w", err)
	}
	if len(tag) != authTagSize {
		return "", fmt.Errorf("auth tag must be %d bytes, got %d", authTagSize, len(tag))
	}
	aead, err := newGCM(key)
	if err != nil {
		return "", err
	}
	plaintext, err := aead.Open(nil, iv, append(ciphertext, tag...), nil)
	if err != nil {
		return "", IntegrityError{Err: err}
	}
	return string(plaintext), nil
}

func newGCM(key []byte) (gocipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	aead, err := gocipher.NewGCMWithTagSize(block, authTagSize)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	return aead, nil
}
