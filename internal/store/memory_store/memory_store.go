// Package memory_store is an in-process Store used by tests and by the CLI
// when no database is configured.
package memory_store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/catalystcommunity/pierre/internal/store"
	"github.com/catalystcommunity/pierre/internal/store/ctxkey"
	"github.com/catalystcommunity/pierre/internal/store/models"
	"github.com/google/uuid"
)

type providerKey struct {
	owner    uuid.UUID
	provider string
}

// MemoryStore implements store.Store with maps guarded by a single RWMutex.
type MemoryStore struct {
	mu   sync.RWMutex
	txMu sync.Mutex

	systemSecrets map[string]string
	tenants       map[uuid.UUID]models.Tenant
	keyVersions   map[uuid.UUID][]models.KeyVersion // uuid.Nil is the global scope
	tenantCreds   map[providerKey]models.TenantOAuthCredential
	userApps      map[providerKey]models.UserOAuthApp
}

var _ store.Store = (*MemoryStore)(nil)

// New returns an empty MemoryStore.
func New() *MemoryStore {
	return &MemoryStore{
		systemSecrets: make(map[string]string),
		tenants:       make(map[uuid.UUID]models.Tenant),
		keyVersions:   make(map[uuid.UUID][]models.KeyVersion),
		tenantCreds:   make(map[providerKey]models.TenantOAuthCredential),
		userApps:      make(map[providerKey]models.UserOAuthApp),
	}
}

func (s *MemoryStore) Initialize() (func(), error) { return func() {}, nil }

func (s *MemoryStore) Ping(ctx context.Context) error { return ctx.Err() }

// InTransaction serializes with other transactions. When fn fails every map is
// restored to the state it had when the transaction began.
func (s *MemoryStore) InTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if tx, ok := ctxkey.Tx(ctx).(*MemoryStore); ok && tx == s {
		return fn(ctx)
	}
	s.txMu.Lock()
	defer s.txMu.Unlock()

	saved := s.snapshot()
	if err := fn(ctxkey.WithTx(ctx, s)); err != nil {
		s.restore(saved)
		return err
	}
	return nil
}

func (s *MemoryStore) snapshot() *MemoryStore {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c := New()
	for k, v := range s.systemSecrets {
		c.systemSecrets[k] = v
	}
	for k, v := range s.tenants {
		c.tenants[k] = v
	}
	for k, v := range s.keyVersions {
		c.keyVersions[k] = append([]models.KeyVersion(nil), v...)
	}
	for k, v := range s.tenantCreds {
		c.tenantCreds[k] = v
	}
	for k, v := range s.userApps {
		c.userApps[k] = v
	}
	return c
}

func (s *MemoryStore) restore(saved *MemoryStore) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.systemSecrets = saved.systemSecrets
	s.tenants = saved.tenants
	s.keyVersions = saved.keyVersions
	s.tenantCreds = saved.tenantCreds
	s.userApps = saved.userApps
}

func scope(tenantID *uuid.UUID) uuid.UUID {
	if tenantID == nil {
		return uuid.Nil
	}
	return *tenantID
}

func (s *MemoryStore) GetSystemSecret(ctx context.Context, name string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.systemSecrets[name]
	if !ok {
		return "", store.ErrNotFound
	}
	return v, nil
}

func (s *MemoryStore) UpdateSystemSecret(ctx context.Context, name, value string) error {
	if name == "" {
		return fmt.Errorf("%w: secret name is required", store.ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.systemSecrets[name] = value
	return nil
}

func (s *MemoryStore) CreateTenant(ctx context.Context, tenant *models.Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tenant.TenantID == uuid.Nil {
		tenant.TenantID = uuid.New()
	}
	if _, ok := s.tenants[tenant.TenantID]; ok {
		return store.ErrAlreadyExists
	}
	for _, t := range s.tenants {
		if t.Slug == tenant.Slug {
			return store.ErrAlreadyExists
		}
	}
	if tenant.CreatedAt.IsZero() {
		tenant.CreatedAt = time.Now().UTC()
	}
	s.tenants[tenant.TenantID] = *tenant
	return nil
}

func (s *MemoryStore) GetTenant(ctx context.Context, tenantID uuid.UUID) (*models.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tenants[tenantID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &t, nil
}

func (s *MemoryStore) ListTenants(ctx context.Context) ([]models.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tenants := make([]models.Tenant, 0, len(s.tenants))
	for _, t := range s.tenants {
		tenants = append(tenants, t)
	}
	return tenants, nil
}

func (s *MemoryStore) StoreKeyVersion(ctx context.Context, version *models.KeyVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := scope(version.TenantID)
	for _, v := range s.keyVersions[key] {
		if v.Version == version.Version {
			return fmt.Errorf("%w: key version %d", store.ErrAlreadyExists, version.Version)
		}
	}
	if version.ID == uuid.Nil {
		version.ID = uuid.New()
	}
	s.keyVersions[key] = append(s.keyVersions[key], *version)
	return nil
}

func (s *MemoryStore) UpdateKeyVersionStatus(ctx context.Context, tenantID *uuid.UUID, version uint32, isActive bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	versions := s.keyVersions[scope(tenantID)]
	for i := range versions {
		if versions[i].Version == version {
			versions[i].IsActive = isActive
			return nil
		}
	}
	return store.ErrNotFound
}

// ActivateKeyVersion flips the whole scope under one write lock.
func (s *MemoryStore) ActivateKeyVersion(ctx context.Context, tenantID *uuid.UUID, version uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	versions := s.keyVersions[scope(tenantID)]
	found := false
	for i := range versions {
		if versions[i].Version == version {
			found = true
		}
	}
	if !found {
		return store.ErrNotFound
	}
	for i := range versions {
		versions[i].IsActive = versions[i].Version == version
	}
	return nil
}

func (s *MemoryStore) GetKeyVersions(ctx context.Context, tenantID *uuid.UUID) ([]models.KeyVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	versions := make([]models.KeyVersion, len(s.keyVersions[scope(tenantID)]))
	copy(versions, s.keyVersions[scope(tenantID)])
	store.SortKeyVersions(versions)
	return versions, nil
}

func (s *MemoryStore) DeleteOldKeyVersions(ctx context.Context, tenantID *uuid.UUID, retainCount int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := scope(tenantID)
	prune := map[uint32]bool{}
	for _, v := range store.VersionsToPrune(s.keyVersions[key], retainCount) {
		prune[v] = true
	}
	kept := s.keyVersions[key][:0]
	for _, v := range s.keyVersions[key] {
		if !prune[v.Version] {
			kept = append(kept, v)
		}
	}
	s.keyVersions[key] = kept
	return int64(len(prune)), nil
}

func (s *MemoryStore) GetTenantOAuthCredentials(ctx context.Context, tenantID uuid.UUID, provider string) (*models.TenantOAuthCredential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.tenantCreds[providerKey{tenantID, provider}]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &c, nil
}

func (s *MemoryStore) ListTenantOAuthCredentials(ctx context.Context) ([]models.TenantOAuthCredential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	creds := make([]models.TenantOAuthCredential, 0, len(s.tenantCreds))
	for _, c := range s.tenantCreds {
		creds = append(creds, c)
	}
	return creds, nil
}

func (s *MemoryStore) StoreTenantOAuthCredentials(ctx context.Context, creds *models.TenantOAuthCredential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := providerKey{creds.TenantID, creds.Provider}
	now := time.Now().UTC()
	if existing, ok := s.tenantCreds[key]; ok {
		creds.ID = existing.ID
		creds.CreatedAt = existing.CreatedAt
	}
	if creds.ID == uuid.Nil {
		creds.ID = uuid.New()
	}
	if creds.CreatedAt.IsZero() {
		creds.CreatedAt = now
	}
	creds.UpdatedAt = now
	s.tenantCreds[key] = *creds
	return nil
}

func (s *MemoryStore) DeleteTenantOAuthCredentials(ctx context.Context, tenantID uuid.UUID, provider string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := providerKey{tenantID, provider}
	if _, ok := s.tenantCreds[key]; !ok {
		return store.ErrNotFound
	}
	delete(s.tenantCreds, key)
	return nil
}

func (s *MemoryStore) GetUserOAuthApp(ctx context.Context, userID uuid.UUID, provider string) (*models.UserOAuthApp, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	app, ok := s.userApps[providerKey{userID, provider}]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &app, nil
}

func (s *MemoryStore) ListUserOAuthApps(ctx context.Context) ([]models.UserOAuthApp, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	apps := make([]models.UserOAuthApp, 0, len(s.userApps))
	for _, a := range s.userApps {
		apps = append(apps, a)
	}
	return apps, nil
}

func (s *MemoryStore) StoreUserOAuthApp(ctx context.Context, app *models.UserOAuthApp) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := providerKey{app.UserID, app.Provider}
	now := time.Now().UTC()
	if existing, ok := s.userApps[key]; ok {
		app.ID = existing.ID
		app.CreatedAt = existing.CreatedAt
	}
	if app.ID == uuid.Nil {
		app.ID = uuid.New()
	}
	if app.CreatedAt.IsZero() {
		app.CreatedAt = now
	}
	app.UpdatedAt = now
	s.userApps[key] = *app
	return nil
}

func (s *MemoryStore) DeleteUserOAuthApp(ctx context.Context, userID uuid.UUID, provider string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := providerKey{userID, provider}
	if _, ok := s.userApps[key]; !ok {
		return store.ErrNotFound
	}
	delete(s.userApps, key)
	return nil
}
