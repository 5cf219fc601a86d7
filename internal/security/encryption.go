package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/scrypt"
)

// ErrSealedDataInvalid is returned when sealed data cannot be opened.
var ErrSealedDataInvalid = errors.New("sealed data is invalid or was sealed for another machine")

// EncryptionConfig holds the scrypt cost parameters.
type EncryptionConfig struct {
	SCryptN int
	SCryptR int
	SCryptP int
}

// DefaultEncryptionConfig returns OWASP-recommended scrypt parameters.
func DefaultEncryptionConfig() EncryptionConfig {
	return EncryptionConfig{SCryptN: 32768, SCryptR: 8, SCryptP: 1}
}

const (
	keyLen  = 32
	saltLen = 16
)

// SealedPayload is the on-disk form of data sealed with a passphrase.
type SealedPayload struct {
	Version    uint8  `json:"v"`
	N          int    `json:"n"`
	R          int    `json:"r"`
	P          int    `json:"p"`
	Salt       []byte `json:"salt"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ct"`
}

// Seal encrypts plaintext with AES-256-GCM under a scrypt key derived from
// passphrase and returns the JSON encoding of a SealedPayload.
func Seal(plaintext, passphrase []byte, cfg EncryptionConfig) ([]byte, error) {
	if len(passphrase) == 0 {
		return nil, errors.New("passphrase is required")
	}
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	gcm, err := newGCM(passphrase, salt, cfg)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	payload := SealedPayload{
		Version:    1,
		N:          cfg.SCryptN,
		R:          cfg.SCryptR,
		P:          cfg.SCryptP,
		Salt:       salt,
		Nonce:      nonce,
		Ciphertext: gcm.Seal(nil, nonce, plaintext, salt),
	}
	return json.Marshal(payload)
}

// Open reverses Seal. Any failure returns ErrSealedDataInvalid.
func Open(sealed, passphrase []byte) ([]byte, error) {
	var payload SealedPayload
	if err := json.Unmarshal(sealed, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSealedDataInvalid, err)
	}
	if payload.Version != 1 || len(payload.Salt) != saltLen {
		return nil, fmt.Errorf("%w: unsupported format", ErrSealedDataInvalid)
	}

	gcm, err := newGCM(passphrase, payload.Salt, EncryptionConfig{SCryptN: payload.N, SCryptR: payload.R, SCryptP: payload.P})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSealedDataInvalid, err)
	}
	if len(payload.Nonce) != gcm.NonceSize() {
		return nil, fmt.Errorf("%w: bad nonce", ErrSealedDataInvalid)
	}
	plaintext, err := gcm.Open(nil, payload.Nonce, payload.Ciphertext, payload.Salt)
	if err != nil {
		return nil, ErrSealedDataInvalid
	}
	return plaintext, nil
}

func newGCM(passphrase, salt []byte, cfg EncryptionConfig) (cipher.AEAD, error) {
	key, err := scrypt.Key(passphrase, salt, cfg.SCryptN, cfg.SCryptR, cfg.SCryptP, keyLen)
	if err != nil {
		return nil, fmt.Errorf("key derivation failed: %w", err)
	}
	defer clear(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	return cipher.NewGCM(block)
}
