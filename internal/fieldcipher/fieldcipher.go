// Package fieldcipher is the one caller-pluggable cryptographic primitive
// the core actually invokes: sealing and opening a single field value under
// an already-unwrapped DEK (spec §1 excludes AEAD/HMAC/KDF design from the
// core's scope — "specified only by the operations the core invokes on
// them" — this package is that invocation surface, not a general-purpose
// crypto library).
//
// DEKs may be any length (the broker hands back whatever the KMS or local
// provider produced), so the AES-256 field key is the SHA-256 digest of
// the DEK. (localkms, by contrast, derives its per-entry subkey with
// HKDF-SHA256 salted by the key id.)
package fieldcipher

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
)

const nonceSize = 12

// Seal encrypts plaintext under dek, returning nonce‖ciphertext.
func Seal(dek, plaintext []byte) ([]byte, error) {
	gcm, err := gcmFor(dek)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("fieldcipher: generating nonce: %w", err)
	}
	return append(nonce, gcm.Seal(nil, nonce, plaintext, nil)...), nil
}

// Open decrypts a nonce‖ciphertext value produced by Seal under dek.
func Open(dek, sealed []byte) ([]byte, error) {
	if len(sealed) < nonceSize {
		return nil, fmt.Errorf("fieldcipher: sealed value is too short")
	}
	gcm, err := gcmFor(dek)
	if err != nil {
		return nil, err
	}
	nonce, ciphertext := sealed[:nonceSize], sealed[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("fieldcipher: open failed: %w", err)
	}
	return plaintext, nil
}

func gcmFor(dek []byte) (cipher.AEAD, error) {
	key := sha256.Sum256(dek)
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("fieldcipher: AES cipher: %w", err)
	}
	return cipher.NewGCM(block)
}
