// Package localkms implements the LOCAL KEK provider's in-process unwrap
// (spec §4.3, §4.1's "local: no attributes" variant): the one KEK provider
// that never leaves the process, so it always completes synchronously
// instead of producing a kmswire.Subcontext.
//
// The sealing scheme follows the teacher pack's dek provider
// (chirino-memory-service/internal/plugin/encrypt/dek): AES-256-GCM with a
// random 12-byte nonce prepended to the ciphertext. Because the LOCAL
// provider can wrap many distinct DEKs under one operator-configured master
// key, each wrap/unwrap first derives a one-off subkey from the master key
// via HKDF-SHA256, keyed on the DEK's id so that no two DEKs ever reuse the
// same AES-GCM key.
package localkms

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/axonops/fle-core/internal/fleerrors"
)

const (
	masterKeySize = 32
	nonceSize     = 12
)

// Provider performs synchronous wrap/unwrap for the LOCAL KEK variant using
// an operator-supplied master key (spec §4.1: local carries no descriptor
// attributes, so the key material lives entirely in host configuration,
// analogous to the dek provider's MEMORY_SERVICE_ENCRYPTION_DEK_KEY).
type Provider struct {
	masterKey []byte
}

// New constructs a Provider from a 32-byte master key. Returns
// fleerrors.ErrInvalidField if masterKey is not exactly 32 bytes.
func New(masterKey []byte) (*Provider, error) {
	if len(masterKey) != masterKeySize {
		return nil, fmt.Errorf("%w: local master key must be %d bytes, got %d", fleerrors.ErrInvalidField, masterKeySize, len(masterKey))
	}
	return &Provider{masterKey: masterKey}, nil
}

// Unwrap decrypts wrapped (as produced by Wrap for the same keyID) and
// returns the plaintext DEK. keyID salts the HKDF derivation so distinct
// DEKs never share an AES-GCM key even under one master key.
func (p *Provider) Unwrap(keyID []byte, wrapped []byte) ([]byte, error) {
	if len(wrapped) < nonceSize {
		return nil, fmt.Errorf("%w: wrapped key material is too short", fleerrors.ErrInvalidField)
	}
	gcm, err := p.gcmFor(keyID)
	if err != nil {
		return nil, err
	}
	nonce, ciphertext := wrapped[:nonceSize], wrapped[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("localkms: unwrap failed: %w", err)
	}
	return plaintext, nil
}

// Wrap encrypts plaintext (a DEK) under the derived per-key subkey. Its
// callers are tests and fle-pump's key-store fixture loader.
func (p *Provider) Wrap(keyID []byte, plaintext []byte) ([]byte, error) {
	gcm, err := p.gcmFor(keyID)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("localkms: generating nonce: %w", err)
	}
	ciphertext := gcm.Seal(nil, nonce, plaintext, nil)
	return append(nonce, ciphertext...), nil
}

func (p *Provider) gcmFor(keyID []byte) (cipher.AEAD, error) {
	subkey := make([]byte, masterKeySize)
	kdf := hkdf.New(sha256.New, p.masterKey, keyID, []byte("fle-core local kek subkey"))
	if _, err := io.ReadFull(kdf, subkey); err != nil {
		return nil, fmt.Errorf("localkms: deriving subkey: %w", err)
	}
	block, err := aes.NewCipher(subkey)
	if err != nil {
		return nil, fmt.Errorf("localkms: AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("localkms: GCM: %w", err)
	}
	return gcm, nil
}
