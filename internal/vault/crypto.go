package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// envelopePrefix marks values produced by Encrypt. Anything without it is
// legacy plaintext from before encryption-at-rest existed.
const envelopePrefix = "enc:v1:"

// ErrDecryption means the ciphertext is malformed or the key has changed.
var ErrDecryption = errors.New("credential decryption failed")

// deriveKey turns the environment-supplied secret into a 32-byte AES key.
func deriveKey(secret string) []byte {
	sum := sha256.Sum256([]byte(secret))
	return sum[:]
}

// encrypt seals plaintext with AES-256-GCM under a fresh nonce and wraps it
// in the versioned envelope.
func encrypt(key []byte, plaintext string) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("creating gcm: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return envelopePrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// decrypt opens a value produced by encrypt.
func decrypt(key []byte, value string) (string, error) {
	raw, ok := strings.CutPrefix(value, envelopePrefix)
	if !ok {
		return "", ErrDecryption
	}
	sealed, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return "", ErrDecryption
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("creating gcm: %w", err)
	}
	if len(sealed) < gcm.NonceSize() {
		return "", ErrDecryption
	}

	nonce, ciphertext := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", ErrDecryption
	}
	return string(plaintext), nil
}

// IsEncrypted reports whether a stored value carries the ciphertext
// envelope, distinguishing it from legacy plaintext during migration.
func IsEncrypted(value string) bool {
	return strings.HasPrefix(value, envelopePrefix)
}
