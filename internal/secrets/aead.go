package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
)

const (
	// KeySize is the size in bytes of every AES-256 key in the hierarchy.
	KeySize = 32
	// NonceSize is the GCM nonce size prepended to every ciphertext.
	NonceSize = 12
	// Algorithm is recorded alongside encrypted payloads and key versions.
	Algorithm = "AES-256-GCM"
)

var (
	// ErrInvalidInput is returned when ciphertext is too short to contain a nonce.
	ErrInvalidInput = errors.New("invalid input")
	// ErrInvalidKey is returned when a key is not exactly KeySize bytes.
	ErrInvalidKey = errors.New("invalid key length")
	// ErrDecryptionFailed is returned when the GCM tag does not verify, meaning
	// the key is wrong or the data was tampered with.
	ErrDecryptionFailed = errors.New("decryption failed")
)

// cryptoRandRead is a variable to allow mocking in tests
var cryptoRandRead = rand.Read

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidKey, KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// Encrypt seals plaintext with AES-256-GCM under key and returns nonce||ciphertext.
// A fresh random nonce is drawn for every call.
func Encrypt(key, plaintext []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, NonceSize)
	if _, err := cryptoRandRead(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens data produced by Encrypt.
func Decrypt(key, data []byte) ([]byte, error) {
	if len(data) < NonceSize {
		return nil, fmt.Errorf("%w: ciphertext shorter than nonce (%d bytes)", ErrInvalidInput, len(data))
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	plaintext, err := gcm.Open(nil, data[:NonceSize], data[NonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return plaintext, nil
}

func randomKey() ([KeySize]byte, error) {
	var key [KeySize]byte
	if _, err := cryptoRandRead(key[:]); err != nil {
		return key, fmt.Errorf("failed to generate key: %w", err)
	}
	return key, nil
}
