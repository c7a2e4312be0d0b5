package cryptox

import (
	"fmt"

	"github.com/hermitbox/hermitbox/internal/common"
	"golang.org/x/crypto/chacha20poly1305"
)

// Wrap encrypts payload under key with ChaCha20-Poly1305, returning the
// ciphertext and the randomly generated nonce separately.
func Wrap(payload, key []byte) (ciphertext, nonce []byte, err error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, nil, fmt.Errorf("wrap: %w", err)
	}

	nonce = common.GenerateRandByteArray(aead.NonceSize())
	ciphertext = aead.Seal(nil, nonce, payload, nil)
	return ciphertext, nonce, nil
}

// Unwrap decrypts ciphertext produced by Wrap. A tampered ciphertext, wrong
// nonce, or mismatched key returns common.ErrAuthentication; callers must
// treat that as fatal and never use partial output.
func Unwrap(ciphertext, nonce, key []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("unwrap: %w", err)
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, common.ErrAuthentication
	}
	return plaintext, nil
}

// NewKey returns a fresh random 32-byte key for a folder or file.
func NewKey() []byte {
	return common.GenerateRandByteArray(KeySize)
}

// WrapKey wraps a 32-byte child key (folder key under master, file key under
// folder key) and enforces the key-size invariant of the hierarchy.
func WrapKey(childKey, parentKey []byte) (ciphertext, nonce []byte, err error) {
	if len(childKey) != KeySize {
		return nil, nil, fmt.Errorf("wrap key: unexpected key size %d", len(childKey))
	}
	return Wrap(childKey, parentKey)
}

// UnwrapKey reverses WrapKey and validates the size of the recovered key.
func UnwrapKey(ciphertext, nonce, parentKey []byte) ([]byte, error) {
	key, err := Unwrap(ciphertext, nonce, parentKey)
	if err != nil {
		return nil, err
	}
	if len(key) != KeySize {
		return nil, common.ErrAuthentication
	}
	return key, nil
}
