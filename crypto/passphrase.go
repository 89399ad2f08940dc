package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// PBKDF2Iterations is the fixed iteration count for passphrase keys.
	PBKDF2Iterations = 100000
	// SaltSize is the random salt length mixed into every derived key.
	SaltSize = 16

	textFormatVersion = 1
)

// EncryptedPayload is a passphrase-encrypted file plus the parameters a
// receiver needs to reproduce the key and the original file identity.
type EncryptedPayload struct {
	Ciphertext   []byte
	Salt         string
	IV           string
	FileName     string
	MimeType     string
	OriginalSize int64
}

// DeriveKey stretches a passphrase into an AES-256 key.
func DeriveKey(passphrase string, salt []byte) ([]byte, error) {
	if passphrase == "" {
		return nil, errors.New("passphrase is required")
	}
	if len(salt) == 0 {
		return nil, errors.New("salt is required")
	}
	return pbkdf2.Key([]byte(passphrase), salt, PBKDF2Iterations, KeySize, sha256.New), nil
}

// Encrypt derives a key from passphrase and a fresh salt and seals data
// under a fresh nonce.
func Encrypt(data []byte, passphrase string) (*EncryptedPayload, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("%w: generate salt: %v", ErrEncryption, err)
	}
	key, err := DeriveKey(passphrase, salt)
	if err != nil {
		return nil, fmt.Errorf("%w: derive key: %v", ErrEncryption, err)
	}
	defer wipe(key)

	ciphertext, iv, err := Seal(key, data)
	if err != nil {
		return nil, err
	}
	return newPayload(ciphertext, salt, iv, len(data)), nil
}

// EncryptWith is Encrypt with caller-supplied salt and iv. Identical inputs
// produce identical ciphertext.
func EncryptWith(data []byte, passphrase string, salt, iv []byte) (*EncryptedPayload, error) {
	key, err := DeriveKey(passphrase, salt)
	if err != nil {
		return nil, fmt.Errorf("%w: derive key: %v", ErrEncryption, err)
	}
	defer wipe(key)

	ciphertext, err := SealWithNonce(key, iv, data)
	if err != nil {
		return nil, err
	}

	return newPayload(ciphertext, salt, iv, len(data)), nil
}

func newPayload(ciphertext, salt, iv []byte, size int) *EncryptedPayload {
	return &EncryptedPayload{
		Ciphertext:   ciphertext,
		Salt:         base64.StdEncoding.EncodeToString(salt),
		IV:           base64.StdEncoding.EncodeToString(iv),
		OriginalSize: int64(size),
	}
}

// Decrypt re-derives the key from the payload salt and opens the ciphertext.
func Decrypt(payload *EncryptedPayload, passphrase string) ([]byte, error) {
	if payload == nil {
		return nil, fmt.Errorf("%w: payload is required", ErrDecryption)
	}

	salt, err := base64.StdEncoding.DecodeString(payload.Salt)
	if err != nil {
		return nil, fmt.Errorf("%w: decode salt: %v", ErrDecryption, err)
	}
	iv, err := base64.StdEncoding.DecodeString(payload.IV)
	if err != nil {
		return nil, fmt.Errorf("%w: decode iv: %v", ErrDecryption, err)
	}

	key, err := DeriveKey(passphrase, salt)
	if err != nil {
		return nil, fmt.Errorf("%w: derive key: %v", ErrDecryption, err)
	}
	defer wipe(key)

	return Open(key, iv, payload.Ciphertext)
}

// EncryptText seals short text into one self-contained base64 token:
// version | salt | nonce | ciphertext.
func EncryptText(text, passphrase string) (string, error) {
	payload, err := Encrypt([]byte(text), passphrase)
	if err != nil {
		return "", err
	}

	salt, _ := base64.StdEncoding.DecodeString(payload.Salt)
	iv, _ := base64.StdEncoding.DecodeString(payload.IV)

	packed := make([]byte, 0, 1+len(salt)+len(iv)+len(payload.Ciphertext))
	packed = append(packed, textFormatVersion)
	packed = append(packed, salt...)
	packed = append(packed, iv...)
	packed = append(packed, payload.Ciphertext...)
	return base64.StdEncoding.EncodeToString(packed), nil
}

// DecryptText opens a token produced by EncryptText.
func DecryptText(token, passphrase string) (string, error) {
	packed, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return "", fmt.Errorf("%w: decode token: %v", ErrDecryption, err)
	}
	if len(packed) < 1+SaltSize+NonceSize+1 {
		return "", fmt.Errorf("%w: token too short: %d bytes", ErrDecryption, len(packed))
	}
	if packed[0] != textFormatVersion {
		return "", fmt.Errorf("%w: unsupported token version %d", ErrDecryption, packed[0])
	}

	salt := packed[1 : 1+SaltSize]
	iv := packed[1+SaltSize : 1+SaltSize+NonceSize]
	ciphertext := packed[1+SaltSize+NonceSize:]

	plaintext, err := Decrypt(&EncryptedPayload{
		Ciphertext: ciphertext,
		Salt:       base64.StdEncoding.EncodeToString(salt),
		IV:         base64.StdEncoding.EncodeToString(iv),
	}, passphrase)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
