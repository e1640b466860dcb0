package tenant

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/catalystcommunity/pierre/internal/audit"
	"github.com/catalystcommunity/pierre/internal/config"
	"github.com/catalystcommunity/pierre/internal/providers"
	"github.com/catalystcommunity/pierre/internal/rotation"
	"github.com/catalystcommunity/pierre/internal/secrets"
	"github.com/catalystcommunity/pierre/internal/store"
	"github.com/catalystcommunity/pierre/internal/store/memory_store"
	"github.com/catalystcommunity/pierre/internal/store/models"
	"github.com/catalystcommunity/pierre/internal/store/storetest"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type fixture struct {
	cfg        config.Config
	store      *memory_store.MemoryStore
	keys       *secrets.KeyManager
	tenantKeys *secrets.TenantKeyManager
	sink       *audit.MemorySink
	clock      *testClock
	manager    *Manager
	tenant     *models.Tenant
}

func newFixture(t *testing.T, environment map[string]string) *fixture {
	t.Helper()
	cfg, err := config.LoadFrom(environment)
	require.NoError(t, err)

	encoded, err := secrets.GenerateMasterKey()
	require.NoError(t, err)
	mek, err := secrets.ParseMasterKey(encoded)
	require.NoError(t, err)
	keys, err := secrets.Bootstrap(mek)
	require.NoError(t, err)

	f := &fixture{
		cfg:   cfg,
		store: memory_store.New(),
		keys:  keys,
		sink:  audit.NewMemorySink(),
		clock: &testClock{now: time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)},
	}
	f.tenantKeys = secrets.NewTenantKeyManager(keys, f.store)
	f.manager = f.newManager()
	f.tenant = storetest.CreateTenant(t, f.store)
	return f
}

// newManager returns a manager sharing the fixture's store but with a cold cache.
func (f *fixture) newManager() *Manager {
	return NewManager(f.cfg, f.store, f.keys, f.tenantKeys, audit.NewSecurityAuditor(f.sink),
		WithManagerClock(f.clock.Now), WithMasker(secrets.NewMasker()))
}

func (f *fixture) storeUserApp(t *testing.T, userID uuid.UUID, provider, clientID, secret string) {
	t.Helper()
	encrypted, err := f.keys.EncryptField([]byte(secret))
	require.NoError(t, err)
	require.NoError(t, f.store.StoreUserOAuthApp(context.Background(), &models.UserOAuthApp{
		UserID:                userID,
		Provider:              provider,
		ClientID:              clientID,
		EncryptedClientSecret: encrypted,
		RedirectURI:           "https://app.example.com/callback",
	}))
}

func TestServerCredentialsFromEnvironment(t *testing.T) {
	f := newFixture(t, map[string]string{
		"STRAVA_CLIENT_ID":     "abc",
		"STRAVA_CLIENT_SECRET": "xyz",
	})

	creds, err := f.manager.GetCredentials(context.Background(), f.tenant.TenantID, "strava")
	require.NoError(t, err)
	assert.Equal(t, SourceServer, creds.Source)
	assert.Equal(t, "abc", creds.ClientID)
	assert.Equal(t, "xyz", creds.ClientSecret)
	assert.Equal(t, []string{"read", "activity:read_all"}, creds.Scopes)
	assert.Equal(t, uint32(15000), creds.RateLimitPerDay)
	assert.Equal(t, "http://localhost:8081/auth/strava/callback", creds.RedirectURI)
	assert.Equal(t, f.tenant.TenantID, creds.TenantID)

	_, err = f.store.GetTenantOAuthCredentials(context.Background(), f.tenant.TenantID, "strava")
	assert.ErrorIs(t, err, store.ErrNotFound, "server credentials are never persisted")
}

func TestCredentialPrecedence(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, map[string]string{
		"STRAVA_CLIENT_ID":     "server-id",
		"STRAVA_CLIENT_SECRET": "server-secret",
	})
	userID := uuid.New()
	otherUser := uuid.New()

	require.NoError(t, f.manager.StoreCredentials(ctx, f.tenant.TenantID, "strava", StoreCredentialsRequest{
		ClientID:     "tenant-id",
		ClientSecret: "tenant-secret",
	}))
	f.storeUserApp(t, userID, "strava", "user-id", "user-secret")

	creds, err := f.manager.GetCredentialsForUser(ctx, &userID, f.tenant.TenantID, "strava")
	require.NoError(t, err)
	assert.Equal(t, SourceUser, creds.Source)
	assert.Equal(t, "user-id", creds.ClientID)
	assert.Equal(t, "user-secret", creds.ClientSecret)
	assert.Equal(t, uint32(15000), creds.RateLimitPerDay)
	assert.Equal(t, []string{"read", "activity:read_all"}, creds.Scopes)

	creds, err = f.manager.GetCredentialsForUser(ctx, &otherUser, f.tenant.TenantID, "strava")
	require.NoError(t, err)
	assert.Equal(t, SourceTenant, creds.Source)
	assert.Equal(t, "tenant-secret", creds.ClientSecret)

	creds, err = f.newManager().GetCredentials(ctx, f.tenant.TenantID, "STRAVA")
	require.NoError(t, err)
	assert.Equal(t, SourceTenant, creds.Source, "a database hit is as authoritative as a cache hit")

	require.NoError(t, f.manager.DeleteCredentials(ctx, f.tenant.TenantID, "strava", nil))
	creds, err = f.manager.GetCredentials(ctx, f.tenant.TenantID, "strava")
	require.NoError(t, err)
	assert.Equal(t, SourceServer, creds.Source)
	assert.Equal(t, "server-id", creds.ClientID)

	_, err = f.manager.GetCredentials(ctx, f.tenant.TenantID, "fitbit")
	var notFound *CredentialsNotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Contains(t, err.Error(), "FITBIT_CLIENT_ID")
	assert.Contains(t, err.Error(), "FITBIT_CLIENT_SECRET")
	assert.Contains(t, err.Error(), "pierre oauth set")

	_, err = f.manager.GetCredentials(ctx, f.tenant.TenantID, "polar")
	assert.ErrorIs(t, err, providers.ErrUnsupportedProvider)
}

func TestStoreCredentialsEncryptsSecret(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	admin := uuid.New()

	require.NoError(t, f.manager.StoreCredentials(ctx, f.tenant.TenantID, "whoop", StoreCredentialsRequest{
		ClientID:     "whoop-client",
		ClientSecret: "whoop-secret",
		ConfiguredBy: &admin,
	}))

	row, err := f.store.GetTenantOAuthCredentials(ctx, f.tenant.TenantID, "whoop")
	require.NoError(t, err)
	assert.NotContains(t, string(row.EncryptedClientSecret), "whoop-secret")
	assert.Equal(t, uint32(1), row.KeyVersion)
	plaintext, err := f.tenantKeys.DecryptTenantData(f.tenant.TenantID, sealedSecret(row))
	require.NoError(t, err)
	assert.Equal(t, "whoop-secret", string(plaintext))
	_, err = f.keys.DecryptField(row.EncryptedClientSecret)
	assert.ErrorIs(t, err, secrets.ErrDecryptionFailed, "tenant secrets use the derived key, not the DEK")
	assert.Equal(t, "http://localhost:8081/auth/whoop/callback", row.RedirectURI)
	assert.Equal(t, uint32(10000), row.RateLimitPerDay)
	assert.Contains(t, []string(row.Scopes), "offline")
	assert.Equal(t, admin, *row.ConfiguredBy)

	require.NoError(t, f.manager.StoreCredentials(ctx, f.tenant.TenantID, "whoop", StoreCredentialsRequest{
		ClientID:        "whoop-client",
		ClientSecret:    "rotated-secret",
		Scopes:          []string{"read:workout"},
		RateLimitPerDay: 50,
	}))
	creds, err := f.manager.GetCredentials(ctx, f.tenant.TenantID, "whoop")
	require.NoError(t, err)
	assert.Equal(t, "rotated-secret", creds.ClientSecret)
	assert.Equal(t, []string{"read:workout"}, creds.Scopes)
	assert.Equal(t, uint32(50), creds.RateLimitPerDay)

	assert.Len(t, f.sink.OfType(audit.OAuthCredentialsCreated), 1)
	assert.Len(t, f.sink.OfType(audit.OAuthCredentialsModified), 1)
	assert.NotEmpty(t, f.sink.OfType(audit.OAuthCredentialsAccessed))
}

func TestStoreCredentialsValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	err := f.manager.StoreCredentials(ctx, f.tenant.TenantID, "polar", StoreCredentialsRequest{ClientID: "a", ClientSecret: "b"})
	assert.ErrorIs(t, err, providers.ErrUnsupportedProvider)

	err = f.manager.StoreCredentials(ctx, f.tenant.TenantID, "strava", StoreCredentialsRequest{ClientID: "a"})
	assert.ErrorIs(t, err, store.ErrInvalidInput)

	err = f.manager.DeleteCredentials(ctx, f.tenant.TenantID, "strava", nil)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestStoreCredentialsAs(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	req := StoreCredentialsRequest{ClientID: "fitbit-client", ClientSecret: "fitbit-secret"}

	member := NewContext(f.tenant.TenantID, f.tenant.Name, uuid.New(), RoleMember)
	assert.ErrorIs(t, f.manager.StoreCredentialsAs(ctx, member, "fitbit", req), ErrForbidden)

	admin := NewContext(f.tenant.TenantID, f.tenant.Name, uuid.New(), RoleAdmin)
	require.NoError(t, f.manager.StoreCredentialsAs(ctx, admin, "fitbit", req))
	row, err := f.store.GetTenantOAuthCredentials(ctx, f.tenant.TenantID, "fitbit")
	require.NoError(t, err)
	assert.Equal(t, admin.UserID, *row.ConfiguredBy)
}

func TestRateLimitRollsOverAtUTCMidnight(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	require.NoError(t, f.manager.StoreCredentials(ctx, f.tenant.TenantID, "strava", StoreCredentialsRequest{
		ClientID:        "c",
		ClientSecret:    "s",
		RateLimitPerDay: 3,
	}))

	for i := 0; i < 3; i++ {
		f.manager.IncrementUsage(f.tenant.TenantID, "strava")
	}
	usage, limit, err := f.manager.CheckRateLimit(ctx, f.tenant.TenantID, "strava")
	require.NoError(t, err)
	assert.Equal(t, uint32(3), usage)
	assert.Equal(t, uint32(3), limit)

	other := uuid.New()
	usage, limit, err = f.manager.CheckRateLimit(ctx, other, "strava")
	require.NoError(t, err)
	assert.Zero(t, usage)
	assert.Equal(t, uint32(15000), limit, "tenants without credentials get the provider default")

	f.clock.Set(time.Date(2024, 3, 10, 23, 59, 59, 0, time.UTC))
	usage, _, err = f.manager.CheckRateLimit(ctx, f.tenant.TenantID, "strava")
	require.NoError(t, err)
	assert.Equal(t, uint32(3), usage)

	f.clock.Set(time.Date(2024, 3, 11, 0, 0, 1, 0, time.UTC))
	usage, _, err = f.manager.CheckRateLimit(ctx, f.tenant.TenantID, "strava")
	require.NoError(t, err)
	assert.Zero(t, usage)
}

func TestUsageDayIsUTC(t *testing.T) {
	f := newFixture(t, nil)
	// 23:30 in UTC-5 is already the next day in UTC
	f.clock.Set(time.Date(2024, 3, 10, 23, 30, 0, 0, time.FixedZone("EST", -5*60*60)))
	f.manager.IncrementUsage(f.tenant.TenantID, "fitbit")

	f.clock.Set(time.Date(2024, 3, 11, 5, 0, 0, 0, time.UTC))
	usage, limit, err := f.manager.CheckRateLimit(context.Background(), f.tenant.TenantID, "fitbit")
	require.NoError(t, err)
	assert.Equal(t, uint32(1), usage)
	assert.Equal(t, uint32(2000), limit)
}

func TestDatabaseKeyRotationReencryptsCredentials(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	userID := uuid.New()
	require.NoError(t, f.keys.CompleteInitialization(ctx, f.store, "memory"))
	f.keys.RegisterReencryptor(f.manager)

	require.NoError(t, f.manager.StoreCredentials(ctx, f.tenant.TenantID, "strava", StoreCredentialsRequest{ClientID: "c", ClientSecret: "tenant-secret"}))
	f.storeUserApp(t, userID, "fitbit", "u", "user-secret")
	before, err := f.store.GetTenantOAuthCredentials(ctx, f.tenant.TenantID, "strava")
	require.NoError(t, err)
	from := f.keys.DatabaseKey()

	require.NoError(t, f.keys.RotateDatabaseKey(ctx, f.store))
	assert.False(t, f.keys.PendingReencryption(), "the sweep finished and the old key is retired")

	row, err := f.store.GetTenantOAuthCredentials(ctx, f.tenant.TenantID, "strava")
	require.NoError(t, err)
	assert.NotEqual(t, before.EncryptedClientSecret, row.EncryptedClientSecret)
	assert.Equal(t, before.KeyVersion, row.KeyVersion)

	fresh := f.newManager()
	creds, err := fresh.GetCredentials(ctx, f.tenant.TenantID, "strava")
	require.NoError(t, err)
	assert.Equal(t, "tenant-secret", creds.ClientSecret)
	creds, err = fresh.GetCredentialsForUser(ctx, &userID, f.tenant.TenantID, "fitbit")
	require.NoError(t, err)
	assert.Equal(t, "user-secret", creds.ClientSecret)

	n, err := f.manager.ReencryptSecrets(ctx, from, f.keys.DatabaseKey())
	require.NoError(t, err)
	assert.Zero(t, n, "rows already under the target key are skipped")
}

func TestTenantKeyRotationReencryptsCredentials(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	other := storetest.CreateTenant(t, f.store)
	f.tenantKeys.RegisterTenantReencryptor(f.manager)
	rotations := rotation.NewManager(f.cfg.KeyRotation, f.store, f.tenantKeys, audit.NewSecurityAuditor(f.sink),
		rotation.WithClock(f.clock.Now))

	_, err := rotations.CheckAndRotateKeys(ctx)
	require.NoError(t, err)
	for _, id := range []uuid.UUID{f.tenant.TenantID, other.TenantID} {
		require.NoError(t, f.manager.StoreCredentials(ctx, id, "strava", StoreCredentialsRequest{ClientID: "c", ClientSecret: "secret-" + id.String()}))
	}

	require.NoError(t, rotations.EmergencyKeyRotation(ctx, &f.tenant.TenantID, "client secret leaked"))

	row, err := f.store.GetTenantOAuthCredentials(ctx, f.tenant.TenantID, "strava")
	require.NoError(t, err)
	assert.Equal(t, uint32(2), row.KeyVersion)
	untouched, err := f.store.GetTenantOAuthCredentials(ctx, other.TenantID, "strava")
	require.NoError(t, err)
	assert.Equal(t, uint32(1), untouched.KeyVersion)

	creds, err := f.newManager().GetCredentials(ctx, f.tenant.TenantID, "strava")
	require.NoError(t, err)
	assert.Equal(t, "secret-"+f.tenant.TenantID.String(), creds.ClientSecret)

	// new writes use the activated version
	require.NoError(t, f.manager.StoreCredentials(ctx, f.tenant.TenantID, "fitbit", StoreCredentialsRequest{ClientID: "c", ClientSecret: "s"}))
	row, err = f.store.GetTenantOAuthCredentials(ctx, f.tenant.TenantID, "fitbit")
	require.NoError(t, err)
	assert.Equal(t, uint32(2), row.KeyVersion)
}

func TestTenantReencryptionIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	for _, provider := range []string{"strava", "fitbit"} {
		require.NoError(t, f.manager.StoreCredentials(ctx, f.tenant.TenantID, provider, StoreCredentialsRequest{ClientID: "c", ClientSecret: provider + "-secret"}))
	}
	broken, err := f.store.GetTenantOAuthCredentials(ctx, f.tenant.TenantID, "fitbit")
	require.NoError(t, err)
	broken.EncryptedClientSecret = bytes.Repeat([]byte{0x42}, 48)
	require.NoError(t, f.store.StoreTenantOAuthCredentials(ctx, broken))

	n, err := f.manager.ReencryptTenantSecrets(ctx, f.tenant.TenantID, 2)
	require.Error(t, err)
	assert.Zero(t, n)

	row, err := f.store.GetTenantOAuthCredentials(ctx, f.tenant.TenantID, "strava")
	require.NoError(t, err)
	assert.Equal(t, uint32(1), row.KeyVersion, "the readable row was rolled back with the failed one")
	creds, err := f.newManager().GetCredentials(ctx, f.tenant.TenantID, "strava")
	require.NoError(t, err)
	assert.Equal(t, "strava-secret", creds.ClientSecret)
}
