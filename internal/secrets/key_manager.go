package secrets

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/catalystcommunity/app-utils-go/logging"
	"github.com/catalystcommunity/pierre/internal/store"
	"github.com/sirupsen/logrus"
)

const (
	// DatabaseKeySecretName is the system secret holding the wrapped DEK.
	DatabaseKeySecretName = "database_encryption_key"
	// PreviousDatabaseKeySecretName keeps the prior DEK readable while a
	// re-encryption sweep is pending after rotation.
	PreviousDatabaseKeySecretName = "database_encryption_key_previous"
)

// ErrKeyMismatch is wrapped by KeyMismatchError.
var ErrKeyMismatch = errors.New("encryption key mismatch")

// ErrReencryptionPending refuses a DEK rotation while rows may still be
// encrypted under the previous key.
var ErrReencryptionPending = errors.New("re-encryption from the previous database key is still pending")

// KeyMismatchError means the configured master key cannot unwrap the DEK
// persisted in the database, usually because the MEK belongs to another
// environment.
type KeyMismatchError struct {
	Database string
	Err      error
}

func (e *KeyMismatchError) Error() string {
	return fmt.Sprintf("encryption key mismatch for database %q: %s cannot decrypt the stored %s (%v); "+
		"set %s to the key this database was initialized with",
		e.Database, MasterKeyEnvVar, DatabaseKeySecretName, e.Err, MasterKeyEnvVar)
}

func (e *KeyMismatchError) Unwrap() []error { return []error{ErrKeyMismatch, e.Err} }

// SystemSecretStore persists named system secrets. GetSystemSecret returns
// store.ErrNotFound when the secret is absent.
type SystemSecretStore interface {
	GetSystemSecret(ctx context.Context, name string) (string, error)
	UpdateSystemSecret(ctx context.Context, name, value string) error
}

// Reencryptor moves rows encrypted under one DEK to another. It must tolerate
// rows that are already under the target key so a failed sweep can be rerun.
type Reencryptor interface {
	ReencryptSecrets(ctx context.Context, from, to *DatabaseEncryptionKey) (int, error)
}

// KeyManager owns the MEK/DEK hierarchy. The active DEK is swapped atomically;
// callers capture it once per operation through DatabaseKey.
type KeyManager struct {
	mek         *MasterEncryptionKey
	dek         atomic.Pointer[DatabaseEncryptionKey]
	previous    atomic.Pointer[DatabaseEncryptionKey]
	initialized atomic.Bool

	rotateMu     sync.Mutex
	reencryptors []Reencryptor
}

// Bootstrap is the first phase of startup. It generates a temporary DEK so the
// storage layer can come up before the persisted key is reachable.
func Bootstrap(mek *MasterEncryptionKey) (*KeyManager, error) {
	if mek == nil {
		return nil, &ConfigError{Reason: "not loaded"}
	}
	temp, err := GenerateDatabaseKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate temporary database key: %w", err)
	}

	m := &KeyManager{mek: mek}
	m.dek.Store(temp)
	logging.Log.Debug("key manager bootstrapped with temporary database key")
	return m, nil
}

// DatabaseKey returns the active DEK.
func (m *KeyManager) DatabaseKey() *DatabaseEncryptionKey {
	return m.dek.Load()
}

// Initialized reports whether CompleteInitialization has succeeded.
func (m *KeyManager) Initialized() bool {
	return m.initialized.Load()
}

// RegisterReencryptor adds a sweep that runs when the DEK is rotated.
func (m *KeyManager) RegisterReencryptor(r Reencryptor) {
	m.rotateMu.Lock()
	defer m.rotateMu.Unlock()
	m.reencryptors = append(m.reencryptors, r)
}

// CompleteInitialization is the second startup phase. A persisted DEK replaces
// the temporary one; otherwise the temporary key becomes the permanent key.
// database identifies the connection in key mismatch errors.
func (m *KeyManager) CompleteInitialization(ctx context.Context, secretStore SystemSecretStore, database string) error {
	m.rotateMu.Lock()
	defer m.rotateMu.Unlock()

	stored, err := secretStore.GetSystemSecret(ctx, DatabaseKeySecretName)
	switch {
	case errors.Is(err, store.ErrNotFound):
		current := m.dek.Load()
		wrapped, err := current.wrapToString(m.mek)
		if err != nil {
			return fmt.Errorf("failed to wrap database key: %w", err)
		}
		if err := secretStore.UpdateSystemSecret(ctx, DatabaseKeySecretName, wrapped); err != nil {
			return fmt.Errorf("failed to persist database key: %w", err)
		}
		logging.Log.WithField("fingerprint", current.Fingerprint()).Info("generated and stored new database encryption key")
	case err != nil:
		return fmt.Errorf("failed to load database key: %w", err)
	default:
		dek, err := unwrapFromString(stored, m.mek)
		if err != nil {
			if errors.Is(err, ErrDecryptionFailed) {
				return &KeyMismatchError{Database: database, Err: err}
			}
			return fmt.Errorf("failed to decrypt database key: %w", err)
		}
		m.dek.Store(dek)
		logging.Log.WithField("fingerprint", dek.Fingerprint()).Info("loaded existing database encryption key")
	}

	if err := m.loadPrevious(ctx, secretStore); err != nil {
		logging.Log.WithError(err).Warn("previous database key could not be loaded, rows not yet re-encrypted will be unreadable")
	}

	m.initialized.Store(true)
	return nil
}

func (m *KeyManager) loadPrevious(ctx context.Context, secretStore SystemSecretStore) error {
	stored, err := secretStore.GetSystemSecret(ctx, PreviousDatabaseKeySecretName)
	if errors.Is(err, store.ErrNotFound) || (err == nil && stored == "") {
		return nil
	}
	if err != nil {
		return err
	}
	prev, err := unwrapFromString(stored, m.mek)
	if err != nil {
		return err
	}
	m.previous.Store(prev)
	return nil
}

// RotateDatabaseKey generates a new DEK, persists it wrapped by the MEK and
// makes it active. The old DEK is kept as the previous key and registered
// re-encryptors then move existing rows onto the new key. If a sweep fails the
// rotation stays in effect and unmigrated rows remain readable through the
// previous key until ReencryptPrevious completes. Only one previous key is
// kept, so rotation is refused with ErrReencryptionPending until then.
func (m *KeyManager) RotateDatabaseKey(ctx context.Context, secretStore SystemSecretStore) error {
	m.rotateMu.Lock()
	defer m.rotateMu.Unlock()

	if prev := m.previous.Load(); prev != nil {
		return fmt.Errorf("%w: key %s, run `pierre keys reencrypt` first", ErrReencryptionPending, prev.Fingerprint())
	}

	old := m.dek.Load()
	next, err := GenerateDatabaseKey()
	if err != nil {
		return err
	}

	wrappedOld, err := old.wrapToString(m.mek)
	if err != nil {
		return fmt.Errorf("failed to wrap previous database key: %w", err)
	}
	wrappedNext, err := next.wrapToString(m.mek)
	if err != nil {
		return fmt.Errorf("failed to wrap database key: %w", err)
	}
	if err := secretStore.UpdateSystemSecret(ctx, PreviousDatabaseKeySecretName, wrappedOld); err != nil {
		return fmt.Errorf("failed to persist previous database key: %w", err)
	}
	if err := secretStore.UpdateSystemSecret(ctx, DatabaseKeySecretName, wrappedNext); err != nil {
		return fmt.Errorf("failed to persist database key: %w", err)
	}

	m.previous.Store(old)
	m.dek.Store(next)
	logging.Log.WithFields(logrus.Fields{
		"previous_fingerprint": old.Fingerprint(),
		"fingerprint":          next.Fingerprint(),
	}).Info("database encryption key rotated")

	return m.finishSweep(ctx, secretStore, old, next)
}

// ReencryptPrevious reruns the re-encryption sweeps from the previous DEK to
// the active one and forgets the previous key once they succeed.
func (m *KeyManager) ReencryptPrevious(ctx context.Context, secretStore SystemSecretStore) error {
	m.rotateMu.Lock()
	defer m.rotateMu.Unlock()

	prev := m.previous.Load()
	if prev == nil {
		return nil
	}
	return m.finishSweep(ctx, secretStore, prev, m.dek.Load())
}

// PendingReencryption reports whether a previous DEK is still held for rows
// a sweep has not moved yet.
func (m *KeyManager) PendingReencryption() bool {
	return m.previous.Load() != nil
}

func (m *KeyManager) previousKey() *DatabaseEncryptionKey {
	return m.previous.Load()
}

// finishSweep must be called with rotateMu held.
func (m *KeyManager) finishSweep(ctx context.Context, secretStore SystemSecretStore, from, to *DatabaseEncryptionKey) error {
	if err := m.reencrypt(ctx, from, to); err != nil {
		return err
	}
	if err := secretStore.UpdateSystemSecret(ctx, PreviousDatabaseKeySecretName, ""); err != nil {
		return fmt.Errorf("re-encryption completed but the previous database key could not be cleared: %w", err)
	}
	m.previous.Store(nil)
	logging.Log.WithField("previous_fingerprint", from.Fingerprint()).Info("previous database encryption key retired")
	return nil
}

func (m *KeyManager) reencrypt(ctx context.Context, from, to *DatabaseEncryptionKey) error {
	total := 0
	for _, r := range m.reencryptors {
		n, err := r.ReencryptSecrets(ctx, from, to)
		total += n
		if err != nil {
			return fmt.Errorf("re-encryption sweep failed after %d rows: %w", total, err)
		}
	}
	logging.Log.WithField("rows", total).Info("re-encryption sweep completed")
	return nil
}

// EncryptField encrypts plaintext with the active DEK.
func (m *KeyManager) EncryptField(plaintext []byte) ([]byte, error) {
	return m.dek.Load().Encrypt(plaintext)
}

// DecryptField decrypts data with the active DEK, falling back to the
// previous DEK for rows a rotation sweep has not reached yet.
func (m *KeyManager) DecryptField(data []byte) ([]byte, error) {
	plaintext, err := m.dek.Load().Decrypt(data)
	if err == nil || !errors.Is(err, ErrDecryptionFailed) {
		return plaintext, err
	}
	if prev := m.previous.Load(); prev != nil {
		if plaintext, prevErr := prev.Decrypt(data); prevErr == nil {
			return plaintext, nil
		}
	}
	return nil, err
}
