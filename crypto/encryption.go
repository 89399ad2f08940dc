package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
)

const (
	// KeySize is the AES-256 key length in bytes.
	KeySize = 32
	// NonceSize is the AES-GCM nonce length in bytes.
	NonceSize = 12
)

var (
	// ErrEncryption wraps every failure while producing ciphertext.
	ErrEncryption = errors.New("crypto: encryption failed")
	// ErrDecryption wraps every failure while opening ciphertext. A wrong
	// passphrase surfaces only as this error.
	ErrDecryption = errors.New("crypto: decryption failed")
)

// Seal encrypts plaintext with AES-256-GCM under a fresh random nonce.
func Seal(key, plaintext []byte) (ciphertext, iv []byte, err error) {
	iv = make([]byte, NonceSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, nil, fmt.Errorf("%w: generate nonce: %v", ErrEncryption, err)
	}

	ciphertext, err = SealWithNonce(key, iv, plaintext)
	if err != nil {
		return nil, nil, err
	}
	return ciphertext, iv, nil
}

// SealWithNonce encrypts plaintext with AES-256-GCM using the caller's nonce.
func SealWithNonce(key, iv, plaintext []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryption, err)
	}
	if len(iv) != aead.NonceSize() {
		return nil, fmt.Errorf("%w: invalid nonce length: got %d want %d", ErrEncryption, len(iv), aead.NonceSize())
	}

	return aead.Seal(nil, iv, plaintext, nil), nil
}

// Open decrypts AES-256-GCM ciphertext using the provided nonce.
func Open(key, iv, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) == 0 {
		return nil, fmt.Errorf("%w: ciphertext is required", ErrDecryption)
	}

	aead, err := newGCM(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	if len(iv) != aead.NonceSize() {
		return nil, fmt.Errorf("%w: invalid nonce length: got %d want %d", ErrDecryption, len(iv), aead.NonceSize())
	}

	plaintext, err := aead.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: open ciphertext: %v", ErrDecryption, err)
	}

	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("invalid key length: got %d want %d", len(key), KeySize)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return aead, nil
}
