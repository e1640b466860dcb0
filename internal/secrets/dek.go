package secrets

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// DatabaseEncryptionKey encrypts application secrets at rest. It is only ever
// persisted wrapped by the MasterEncryptionKey.
type DatabaseEncryptionKey struct {
	key [KeySize]byte
}

// GenerateDatabaseKey returns a fresh random DEK.
func GenerateDatabaseKey() (*DatabaseEncryptionKey, error) {
	key, err := randomKey()
	if err != nil {
		return nil, err
	}
	return &DatabaseEncryptionKey{key: key}, nil
}

// EncryptWithMEK wraps the DEK under the master key, returning nonce||ciphertext.
func (d *DatabaseEncryptionKey) EncryptWithMEK(mek *MasterEncryptionKey) ([]byte, error) {
	return mek.Encrypt(d.key[:])
}

// DecryptDatabaseKeyWithMEK unwraps a DEK previously produced by EncryptWithMEK.
func DecryptDatabaseKeyWithMEK(wrapped []byte, mek *MasterEncryptionKey) (*DatabaseEncryptionKey, error) {
	raw, err := mek.Decrypt(wrapped)
	if err != nil {
		return nil, err
	}
	if len(raw) != KeySize {
		return nil, fmt.Errorf("%w: unwrapped database key is %d bytes", ErrInvalidKey, len(raw))
	}
	dek := &DatabaseEncryptionKey{}
	copy(dek.key[:], raw)
	return dek, nil
}

// wrapToString is the persisted form: base64(nonce||ciphertext).
func (d *DatabaseEncryptionKey) wrapToString(mek *MasterEncryptionKey) (string, error) {
	wrapped, err := d.EncryptWithMEK(mek)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(wrapped), nil
}

func unwrapFromString(value string, mek *MasterEncryptionKey) (*DatabaseEncryptionKey, error) {
	wrapped, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("%w: stored database key is not valid base64: %v", ErrInvalidInput, err)
	}
	return DecryptDatabaseKeyWithMEK(wrapped, mek)
}

// Encrypt seals plaintext under the DEK.
func (d *DatabaseEncryptionKey) Encrypt(plaintext []byte) ([]byte, error) {
	return Encrypt(d.key[:], plaintext)
}

// Decrypt opens data sealed by Encrypt.
func (d *DatabaseEncryptionKey) Decrypt(data []byte) ([]byte, error) {
	return Decrypt(d.key[:], data)
}

// Fingerprint identifies the key in logs and status output without revealing it.
func (d *DatabaseEncryptionKey) Fingerprint() string {
	sum := sha256.Sum256(d.key[:])
	return hex.EncodeToString(sum[:6])
}

func (d *DatabaseEncryptionKey) String() string {
	return fmt.Sprintf("DatabaseEncryptionKey(%s)", d.Fingerprint())
}
