package secrets

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/catalystcommunity/app-utils-go/logging"
	"github.com/catalystcommunity/pierre/internal/store/models"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/hkdf"
)

// ErrTenantMismatch is returned when encrypted data belongs to another tenant.
var ErrTenantMismatch = errors.New("encrypted data belongs to a different tenant")

// KeyVersionLister is the slice of the store the tenant key manager needs to
// find the active key version of a scope.
type KeyVersionLister interface {
	GetKeyVersions(ctx context.Context, tenantID *uuid.UUID) ([]models.KeyVersion, error)
}

// EncryptedData is a ciphertext plus the metadata needed to decrypt it later.
type EncryptedData struct {
	Data        []byte     `json:"data" yaml:"data"`
	KeyVersion  uint32     `json:"key_version" yaml:"key_version"`
	TenantID    *uuid.UUID `json:"tenant_id,omitempty" yaml:"tenant_id,omitempty"`
	Algorithm   string     `json:"algorithm" yaml:"algorithm"`
	EncryptedAt time.Time  `json:"encrypted_at" yaml:"encrypted_at"`
}

// TenantKeyStats summarizes the derived key cache.
type TenantKeyStats struct {
	CachedKeys     int `json:"cached_keys" yaml:"cached_keys"`
	RotatedTenants int `json:"rotated_tenants" yaml:"rotated_tenants"`
}

// TenantReencryptor moves one tenant's stored rows onto a key version. Rows
// already at that version under the active DEK must be left alone.
type TenantReencryptor interface {
	ReencryptTenantSecrets(ctx context.Context, tenantID uuid.UUID, version uint32) (int, error)
}

type derivedKeyID struct {
	tenant  uuid.UUID
	version uint32
	dek     string
}

// TenantKeyManager derives per tenant keys from the DEK with HKDF-SHA256. The
// derivation includes the tenant's key version, so activating a new version in
// key_versions yields a new key while older versions can still be derived for
// decryption. Keys derived from the previous DEK are used as a fallback while
// a DEK re-encryption sweep is pending.
type TenantKeyManager struct {
	keys     *KeyManager
	versions KeyVersionLister
	now      func() time.Time

	mu           sync.RWMutex
	cache        map[derivedKeyID][]byte
	rotations    map[uuid.UUID]int
	reencryptors []TenantReencryptor
}

// NewTenantKeyManager creates a tenant key manager backed by keys and versions.
func NewTenantKeyManager(keys *KeyManager, versions KeyVersionLister) *TenantKeyManager {
	return &TenantKeyManager{
		keys:      keys,
		versions:  versions,
		now:       func() time.Time { return time.Now().UTC() },
		cache:     make(map[derivedKeyID][]byte),
		rotations: make(map[uuid.UUID]int),
	}
}

// RegisterTenantReencryptor adds a sweep that runs when a tenant key rotates.
func (t *TenantKeyManager) RegisterTenantReencryptor(r TenantReencryptor) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reencryptors = append(t.reencryptors, r)
}

func deriveTenantKey(dek *DatabaseEncryptionKey, tenantID uuid.UUID, version uint32) ([]byte, error) {
	info := fmt.Sprintf("pierre:tenant:%s:v%d", tenantID, version)
	reader := hkdf.New(sha256.New, dek.key[:], nil, []byte(info))
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("failed to derive tenant key: %w", err)
	}
	return key, nil
}

func (t *TenantKeyManager) tenantKey(dek *DatabaseEncryptionKey, tenantID uuid.UUID, version uint32) ([]byte, error) {
	id := derivedKeyID{tenant: tenantID, version: version, dek: dek.Fingerprint()}

	t.mu.RLock()
	key, ok := t.cache[id]
	t.mu.RUnlock()
	if ok {
		return key, nil
	}

	key, err := deriveTenantKey(dek, tenantID, version)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	t.cache[id] = key
	t.mu.Unlock()
	return key, nil
}

// ActiveVersion returns the active key version for a scope, or 1 when the
// scope has no versions yet.
func (t *TenantKeyManager) ActiveVersion(ctx context.Context, tenantID *uuid.UUID) (uint32, error) {
	versions, err := t.versions.GetKeyVersions(ctx, tenantID)
	if err != nil {
		return 0, fmt.Errorf("failed to load key versions: %w", err)
	}
	for _, v := range versions {
		if v.IsActive {
			return v.Version, nil
		}
	}
	return 1, nil
}

// EncryptTenantData encrypts plaintext under the tenant's active derived key.
func (t *TenantKeyManager) EncryptTenantData(ctx context.Context, tenantID uuid.UUID, plaintext []byte) (*EncryptedData, error) {
	version, err := t.ActiveVersion(ctx, &tenantID)
	if err != nil {
		return nil, err
	}
	return t.encryptAt(t.keys.DatabaseKey(), tenantID, version, plaintext)
}

func (t *TenantKeyManager) encryptAt(dek *DatabaseEncryptionKey, tenantID uuid.UUID, version uint32, plaintext []byte) (*EncryptedData, error) {
	key, err := t.tenantKey(dek, tenantID, version)
	if err != nil {
		return nil, err
	}
	ciphertext, err := Encrypt(key, plaintext)
	if err != nil {
		return nil, err
	}
	id := tenantID
	return &EncryptedData{
		Data:        ciphertext,
		KeyVersion:  version,
		TenantID:    &id,
		Algorithm:   Algorithm,
		EncryptedAt: t.now(),
	}, nil
}

func checkTenantData(tenantID uuid.UUID, data *EncryptedData) error {
	if data == nil || data.TenantID == nil {
		return fmt.Errorf("%w: missing tenant metadata", ErrInvalidInput)
	}
	if *data.TenantID != tenantID {
		return ErrTenantMismatch
	}
	if data.Algorithm != Algorithm {
		return fmt.Errorf("%w: unsupported algorithm %q", ErrInvalidInput, data.Algorithm)
	}
	return nil
}

func (t *TenantKeyManager) decryptWith(dek *DatabaseEncryptionKey, tenantID uuid.UUID, data *EncryptedData) ([]byte, error) {
	key, err := t.tenantKey(dek, tenantID, data.KeyVersion)
	if err != nil {
		return nil, err
	}
	return Decrypt(key, data.Data)
}

// DecryptTenantData decrypts data with the key version recorded in it.
func (t *TenantKeyManager) DecryptTenantData(tenantID uuid.UUID, data *EncryptedData) ([]byte, error) {
	if err := checkTenantData(tenantID, data); err != nil {
		return nil, err
	}
	plaintext, err := t.decryptWith(t.keys.DatabaseKey(), tenantID, data)
	if err == nil || !errors.Is(err, ErrDecryptionFailed) {
		return plaintext, err
	}
	if prev := t.keys.previousKey(); prev != nil {
		if plaintext, prevErr := t.decryptWith(prev, tenantID, data); prevErr == nil {
			return plaintext, nil
		}
	}
	return nil, err
}

// ReencryptTenantData returns data re-encrypted under version with the active
// DEK. It reports false, with data unchanged, when data is already there.
func (t *TenantKeyManager) ReencryptTenantData(tenantID uuid.UUID, data *EncryptedData, version uint32) (*EncryptedData, bool, error) {
	if err := checkTenantData(tenantID, data); err != nil {
		return nil, false, err
	}
	dek := t.keys.DatabaseKey()
	if data.KeyVersion == version {
		if _, err := t.decryptWith(dek, tenantID, data); err == nil {
			return data, false, nil
		}
	}
	plaintext, err := t.DecryptTenantData(tenantID, data)
	if err != nil {
		return nil, false, err
	}
	next, err := t.encryptAt(dek, tenantID, version, plaintext)
	if err != nil {
		return nil, false, err
	}
	return next, true, nil
}

// RotateTenantKey moves the tenant's stored data onto the key derived for
// version and drops the tenant's other cached keys. The rotation manager calls
// it before activating version, so a failed sweep leaves the old version active
// and every row readable.
func (t *TenantKeyManager) RotateTenantKey(ctx context.Context, tenantID uuid.UUID, version uint32) error {
	t.mu.RLock()
	reencryptors := append([]TenantReencryptor(nil), t.reencryptors...)
	t.mu.RUnlock()

	moved := 0
	for _, r := range reencryptors {
		n, err := r.ReencryptTenantSecrets(ctx, tenantID, version)
		moved += n
		if err != nil {
			return fmt.Errorf("tenant %s re-encryption failed after %d rows: %w", tenantID, moved, err)
		}
	}

	t.mu.Lock()
	evicted := 0
	for id := range t.cache {
		if id.tenant == tenantID && id.version != version {
			delete(t.cache, id)
			evicted++
		}
	}
	t.rotations[tenantID]++
	t.mu.Unlock()

	logging.Log.WithFields(logrus.Fields{
		"tenant_id":    tenantID,
		"version":      version,
		"rows":         moved,
		"evicted_keys": evicted,
	}).Info("tenant encryption key rotated")
	return nil
}

// Stats reports the size of the derived key cache.
func (t *TenantKeyManager) Stats() TenantKeyStats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return TenantKeyStats{CachedKeys: len(t.cache), RotatedTenants: len(t.rotations)}
}
