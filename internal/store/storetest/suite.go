// Package storetest holds behavior tests every store.Store implementation
// must pass.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/catalystcommunity/pierre/internal/store"
	"github.com/catalystcommunity/pierre/internal/store/models"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// CreateTenant inserts a tenant with fake data.
func CreateTenant(t *testing.T, s store.Store) *models.Tenant {
	t.Helper()
	tenant := &models.Tenant{
		TenantID: uuid.New(),
		Name:     gofakeit.Company(),
		Slug:     gofakeit.LetterN(12),
	}
	require.NoError(t, s.CreateTenant(context.Background(), tenant))
	return tenant
}

func keyVersion(tenantID *uuid.UUID, version uint32, active bool) *models.KeyVersion {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &models.KeyVersion{
		TenantID:  tenantID,
		Version:   version,
		CreatedAt: now,
		ExpiresAt: now.Add(365 * 24 * time.Hour),
		IsActive:  active,
		Algorithm: "AES-256-GCM",
	}
}

func activeCount(versions []models.KeyVersion) int {
	n := 0
	for _, v := range versions {
		if v.IsActive {
			n++
		}
	}
	return n
}

// Run exercises s against the store contract. s may be shared between runs,
// every test uses fresh identifiers.
func Run(t *testing.T, s store.Store) {
	t.Run("SystemSecrets", func(t *testing.T) { testSystemSecrets(t, s) })
	t.Run("Tenants", func(t *testing.T) { testTenants(t, s) })
	t.Run("KeyVersions", func(t *testing.T) { testKeyVersions(t, s) })
	t.Run("GlobalKeyVersions", func(t *testing.T) { testGlobalKeyVersions(t, s) })
	t.Run("TenantOAuthCredentials", func(t *testing.T) { testTenantOAuthCredentials(t, s) })
	t.Run("UserOAuthApps", func(t *testing.T) { testUserOAuthApps(t, s) })
	t.Run("Transactions", func(t *testing.T) { testTransactions(t, s) })
}

func testTransactions(t *testing.T, s store.Store) {
	ctx := context.Background()
	tenant := CreateTenant(t, s)
	tenantID := tenant.TenantID
	require.NoError(t, s.StoreKeyVersion(ctx, keyVersion(&tenantID, 1, true)))
	require.NoError(t, s.StoreKeyVersion(ctx, keyVersion(&tenantID, 2, false)))
	name := "secret_" + gofakeit.LetterN(8)

	errAbort := errors.New("abort")
	err := s.InTransaction(ctx, func(ctx context.Context) error {
		require.NoError(t, s.UpdateSystemSecret(ctx, name, "uncommitted"))
		require.NoError(t, s.ActivateKeyVersion(ctx, &tenantID, 2))
		return errAbort
	})
	assert.ErrorIs(t, err, errAbort)
	_, err = s.GetSystemSecret(ctx, name)
	assert.ErrorIs(t, err, store.ErrNotFound, "rolled back write is gone")
	versions, err := s.GetKeyVersions(ctx, &tenantID)
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.True(t, versions[1].IsActive, "version 1 is still the active one")
	assert.False(t, versions[0].IsActive)

	require.NoError(t, s.InTransaction(ctx, func(ctx context.Context) error {
		if err := s.UpdateSystemSecret(ctx, name, "committed"); err != nil {
			return err
		}
		return s.ActivateKeyVersion(ctx, &tenantID, 2)
	}))
	v, err := s.GetSystemSecret(ctx, name)
	require.NoError(t, err)
	assert.Equal(t, "committed", v)
	versions, err = s.GetKeyVersions(ctx, &tenantID)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), versions[0].Version)
	assert.True(t, versions[0].IsActive)
	assert.Equal(t, 1, activeCount(versions))
}

func testSystemSecrets(t *testing.T, s store.Store) {
	ctx := context.Background()
	name := "secret_" + gofakeit.LetterN(8)

	_, err := s.GetSystemSecret(ctx, name)
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, s.UpdateSystemSecret(ctx, name, "first"))
	v, err := s.GetSystemSecret(ctx, name)
	require.NoError(t, err)
	assert.Equal(t, "first", v)

	require.NoError(t, s.UpdateSystemSecret(ctx, name, "second"))
	v, err = s.GetSystemSecret(ctx, name)
	require.NoError(t, err)
	assert.Equal(t, "second", v)

	assert.ErrorIs(t, s.UpdateSystemSecret(ctx, "", "x"), store.ErrInvalidInput)
}

func testTenants(t *testing.T, s store.Store) {
	ctx := context.Background()
	tenant := CreateTenant(t, s)

	got, err := s.GetTenant(ctx, tenant.TenantID)
	require.NoError(t, err)
	assert.Equal(t, tenant.Name, got.Name)

	_, err = s.GetTenant(ctx, uuid.New())
	assert.ErrorIs(t, err, store.ErrNotFound)

	dup := &models.Tenant{TenantID: uuid.New(), Name: "dup", Slug: tenant.Slug}
	assert.ErrorIs(t, s.CreateTenant(ctx, dup), store.ErrAlreadyExists)

	tenants, err := s.ListTenants(ctx)
	require.NoError(t, err)
	ids := make([]uuid.UUID, 0, len(tenants))
	for _, tn := range tenants {
		ids = append(ids, tn.TenantID)
	}
	assert.Contains(t, ids, tenant.TenantID)
}

func testKeyVersions(t *testing.T, s store.Store) {
	ctx := context.Background()
	tenant := CreateTenant(t, s)
	tid := &tenant.TenantID

	versions, err := s.GetKeyVersions(ctx, tid)
	require.NoError(t, err)
	assert.Empty(t, versions)

	require.NoError(t, s.StoreKeyVersion(ctx, keyVersion(tid, 1, true)))
	for v := uint32(2); v <= 5; v++ {
		require.NoError(t, s.StoreKeyVersion(ctx, keyVersion(tid, v, false)))
	}
	err = s.StoreKeyVersion(ctx, keyVersion(tid, 3, false))
	assert.ErrorIs(t, err, store.ErrAlreadyExists)

	versions, err = s.GetKeyVersions(ctx, tid)
	require.NoError(t, err)
	require.Len(t, versions, 5)
	assert.Equal(t, uint32(5), versions[0].Version)
	assert.Equal(t, 1, activeCount(versions))

	require.NoError(t, s.ActivateKeyVersion(ctx, tid, 4))
	versions, err = s.GetKeyVersions(ctx, tid)
	require.NoError(t, err)
	assert.Equal(t, 1, activeCount(versions))
	for _, v := range versions {
		assert.Equal(t, v.Version == 4, v.IsActive, "version %d", v.Version)
	}

	assert.ErrorIs(t, s.ActivateKeyVersion(ctx, tid, 42), store.ErrNotFound)
	versions, err = s.GetKeyVersions(ctx, tid)
	require.NoError(t, err)
	assert.Equal(t, 1, activeCount(versions))

	require.NoError(t, s.UpdateKeyVersionStatus(ctx, tid, 4, false))
	require.NoError(t, s.UpdateKeyVersionStatus(ctx, tid, 4, true))
	assert.ErrorIs(t, s.UpdateKeyVersionStatus(ctx, tid, 99, true), store.ErrNotFound)

	// retain 2 keeps 5 and 4; 4 is also active
	deleted, err := s.DeleteOldKeyVersions(ctx, tid, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), deleted)
	versions, err = s.GetKeyVersions(ctx, tid)
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, uint32(5), versions[0].Version)
	assert.Equal(t, uint32(4), versions[1].Version)

	// another tenant is untouched
	other := CreateTenant(t, s)
	require.NoError(t, s.StoreKeyVersion(ctx, keyVersion(&other.TenantID, 1, true)))
	versions, err = s.GetKeyVersions(ctx, &other.TenantID)
	require.NoError(t, err)
	assert.Len(t, versions, 1)
}

func testGlobalKeyVersions(t *testing.T, s store.Store) {
	ctx := context.Background()
	existing, err := s.GetKeyVersions(ctx, nil)
	require.NoError(t, err)
	next := uint32(1)
	if len(existing) > 0 {
		next = existing[0].Version + 1
	}

	require.NoError(t, s.StoreKeyVersion(ctx, keyVersion(nil, next, false)))
	require.NoError(t, s.ActivateKeyVersion(ctx, nil, next))

	versions, err := s.GetKeyVersions(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, activeCount(versions))
	assert.Equal(t, next, versions[0].Version)
	assert.True(t, versions[0].IsActive)
	for _, v := range versions {
		assert.Nil(t, v.TenantID)
	}
}

func testTenantOAuthCredentials(t *testing.T, s store.Store) {
	ctx := context.Background()
	tenant := CreateTenant(t, s)

	_, err := s.GetTenantOAuthCredentials(ctx, tenant.TenantID, "strava")
	assert.ErrorIs(t, err, store.ErrNotFound)

	creds := &models.TenantOAuthCredential{
		TenantID:              tenant.TenantID,
		Provider:              "strava",
		ClientID:              gofakeit.UUID(),
		EncryptedClientSecret: []byte{1, 2, 3, 4},
		KeyVersion:            3,
		RedirectURI:           gofakeit.URL(),
		Scopes:                pq.StringArray{"read", "activity:read_all"},
		RateLimitPerDay:       500,
	}
	require.NoError(t, s.StoreTenantOAuthCredentials(ctx, creds))

	got, err := s.GetTenantOAuthCredentials(ctx, tenant.TenantID, "strava")
	require.NoError(t, err)
	assert.Equal(t, creds.ClientID, got.ClientID)
	assert.Equal(t, []byte{1, 2, 3, 4}, got.EncryptedClientSecret)
	assert.Equal(t, uint32(3), got.KeyVersion)
	assert.Equal(t, []string{"read", "activity:read_all"}, []string(got.Scopes))
	assert.Equal(t, uint32(500), got.RateLimitPerDay)

	// upsert replaces the row for the same (tenant, provider)
	updated := *creds
	updated.ID = uuid.Nil
	updated.ClientID = "replaced"
	updated.KeyVersion = 4
	require.NoError(t, s.StoreTenantOAuthCredentials(ctx, &updated))
	got, err = s.GetTenantOAuthCredentials(ctx, tenant.TenantID, "strava")
	require.NoError(t, err)
	assert.Equal(t, "replaced", got.ClientID)
	assert.Equal(t, uint32(4), got.KeyVersion)

	all, err := s.ListTenantOAuthCredentials(ctx)
	require.NoError(t, err)
	count := 0
	for _, c := range all {
		if c.TenantID == tenant.TenantID {
			count++
		}
	}
	assert.Equal(t, 1, count)

	require.NoError(t, s.DeleteTenantOAuthCredentials(ctx, tenant.TenantID, "strava"))
	_, err = s.GetTenantOAuthCredentials(ctx, tenant.TenantID, "strava")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.ErrorIs(t, s.DeleteTenantOAuthCredentials(ctx, tenant.TenantID, "strava"), store.ErrNotFound)
}

func testUserOAuthApps(t *testing.T, s store.Store) {
	ctx := context.Background()
	userID := uuid.New()

	_, err := s.GetUserOAuthApp(ctx, userID, "fitbit")
	assert.ErrorIs(t, err, store.ErrNotFound)

	app := &models.UserOAuthApp{
		UserID:                userID,
		Provider:              "fitbit",
		ClientID:              gofakeit.UUID(),
		EncryptedClientSecret: []byte{9, 9, 9},
		RedirectURI:           gofakeit.URL(),
	}
	require.NoError(t, s.StoreUserOAuthApp(ctx, app))

	got, err := s.GetUserOAuthApp(ctx, userID, "fitbit")
	require.NoError(t, err)
	assert.Equal(t, app.ClientID, got.ClientID)

	apps, err := s.ListUserOAuthApps(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, apps)

	require.NoError(t, s.DeleteUserOAuthApp(ctx, userID, "fitbit"))
	_, err = s.GetUserOAuthApp(ctx, userID, "fitbit")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
