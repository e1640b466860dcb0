package secrets

import (
	"encoding/base64"
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMasterKey(t *testing.T) {
	encodedKey := base64.StdEncoding.EncodeToString(testKey(0))

	tests := []struct {
		name       string
		value      string
		wantErr    bool
		wantReason string
	}{
		{name: "valid key", value: encodedKey},
		{name: "valid key with whitespace", value: "  " + encodedKey + "\n"},
		{name: "empty", value: "", wantErr: true, wantReason: "not set"},
		{name: "invalid base64", value: "not-valid-base64!!!", wantErr: true, wantReason: "not valid base64"},
		{
			name:       "wrong length",
			value:      base64.StdEncoding.EncodeToString([]byte("short")),
			wantErr:    true,
			wantReason: "5 bytes",
		},
		{
			name:       "too long",
			value:      base64.StdEncoding.EncodeToString(make([]byte, 48)),
			wantErr:    true,
			wantReason: "48 bytes",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mek, err := ParseMasterKey(tt.value)
			if !tt.wantErr {
				require.NoError(t, err)
				require.NotNil(t, mek)
				return
			}

			require.Error(t, err)
			assert.Nil(t, mek)
			assert.True(t, errors.Is(err, ErrInvalidMasterKey))

			var cfgErr *ConfigError
			require.True(t, errors.As(err, &cfgErr))
			assert.Contains(t, cfgErr.Reason, tt.wantReason)
			assert.Contains(t, err.Error(), GenerateKeyCommand)
			assert.Contains(t, err.Error(), MasterKeyEnvVar)
		})
	}
}

func TestLoadMasterKeyFromEnv(t *testing.T) {
	orig, had := os.LookupEnv(MasterKeyEnvVar)
	defer func() {
		if had {
			os.Setenv(MasterKeyEnvVar, orig)
		} else {
			os.Unsetenv(MasterKeyEnvVar)
		}
	}()

	os.Unsetenv(MasterKeyEnvVar)
	_, err := LoadMasterKeyFromEnv()
	assert.ErrorIs(t, err, ErrInvalidMasterKey)

	generated, err := GenerateMasterKey()
	require.NoError(t, err)
	os.Setenv(MasterKeyEnvVar, generated)

	mek, err := LoadMasterKeyFromEnv()
	require.NoError(t, err)
	assert.Equal(t, "MasterEncryptionKey([REDACTED])", mek.String())
	assert.False(t, strings.Contains(mek.String(), generated))
}

func TestDatabaseKeyWrapRoundTrip(t *testing.T) {
	encoded, err := GenerateMasterKey()
	require.NoError(t, err)
	mek, err := ParseMasterKey(encoded)
	require.NoError(t, err)

	dek, err := GenerateDatabaseKey()
	require.NoError(t, err)

	wrapped, err := dek.EncryptWithMEK(mek)
	require.NoError(t, err)

	unwrapped, err := DecryptDatabaseKeyWithMEK(wrapped, mek)
	require.NoError(t, err)
	assert.Equal(t, dek.key, unwrapped.key)
	assert.Equal(t, dek.Fingerprint(), unwrapped.Fingerprint())
}

func TestDecryptDatabaseKeyRejectsWrongLength(t *testing.T) {
	mek, err := ParseMasterKey(base64.StdEncoding.EncodeToString(testKey(9)))
	require.NoError(t, err)

	wrapped, err := mek.Encrypt([]byte("sixteen byte key"))
	require.NoError(t, err)

	_, err = DecryptDatabaseKeyWithMEK(wrapped, mek)
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestDecryptDatabaseKeyWrongMEK(t *testing.T) {
	mekA, err := ParseMasterKey(base64.StdEncoding.EncodeToString(testKey(10)))
	require.NoError(t, err)
	mekB, err := ParseMasterKey(base64.StdEncoding.EncodeToString(testKey(11)))
	require.NoError(t, err)

	dek, err := GenerateDatabaseKey()
	require.NoError(t, err)
	wrapped, err := dek.EncryptWithMEK(mekA)
	require.NoError(t, err)

	_, err = DecryptDatabaseKeyWithMEK(wrapped, mekB)
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}
