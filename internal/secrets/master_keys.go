package secrets

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"
)

// MasterKeyEnvVar holds the base64 encoded master encryption key.
const MasterKeyEnvVar = "PIERRE_MASTER_ENCRYPTION_KEY"

// GenerateKeyCommand is shown to operators whenever the master key is unusable.
const GenerateKeyCommand = "openssl rand -base64 32"

// ErrInvalidMasterKey is the sentinel wrapped by every ConfigError.
var ErrInvalidMasterKey = errors.New("invalid master encryption key")

// ConfigError reports a missing or malformed master key. It is always fatal:
// starting with a throwaway key would orphan everything already encrypted.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s is %s; generate a key with `%s` and export it as %s=<value>",
		MasterKeyEnvVar, e.Reason, GenerateKeyCommand, MasterKeyEnvVar)
}

func (e *ConfigError) Unwrap() error { return ErrInvalidMasterKey }

// MasterEncryptionKey wraps and unwraps the database encryption key. It lives
// only in process memory and is never persisted.
type MasterEncryptionKey struct {
	key [KeySize]byte
}

// ParseMasterKey decodes a base64 master key that must be exactly 32 bytes.
func ParseMasterKey(encoded string) (*MasterEncryptionKey, error) {
	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		return nil, &ConfigError{Reason: "not set"}
	}

	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, &ConfigError{Reason: fmt.Sprintf("not valid base64 (%v)", err)}
	}
	if len(raw) != KeySize {
		return nil, &ConfigError{Reason: fmt.Sprintf("%d bytes but must decode to exactly %d bytes", len(raw), KeySize)}
	}

	mek := &MasterEncryptionKey{}
	copy(mek.key[:], raw)
	return mek, nil
}

// LoadMasterKeyFromEnv reads the master key from PIERRE_MASTER_ENCRYPTION_KEY.
func LoadMasterKeyFromEnv() (*MasterEncryptionKey, error) {
	return ParseMasterKey(os.Getenv(MasterKeyEnvVar))
}

// GenerateMasterKey returns a new random master key in its base64 form.
func GenerateMasterKey() (string, error) {
	key, err := randomKey()
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(key[:]), nil
}

// Encrypt seals plaintext under the master key.
func (k *MasterEncryptionKey) Encrypt(plaintext []byte) ([]byte, error) {
	return Encrypt(k.key[:], plaintext)
}

// Decrypt opens data sealed by Encrypt.
func (k *MasterEncryptionKey) Decrypt(data []byte) ([]byte, error) {
	return Decrypt(k.key[:], data)
}

// String never reveals key material.
func (k *MasterEncryptionKey) String() string {
	return "MasterEncryptionKey([REDACTED])"
}
