package rotation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/catalystcommunity/pierre/internal/audit"
	"github.com/catalystcommunity/pierre/internal/config"
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

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeRotator struct {
	mu       sync.Mutex
	calls    map[uuid.UUID]int
	versions map[uuid.UUID]uint32
	failFor  map[uuid.UUID]bool
}

func newFakeRotator() *fakeRotator {
	return &fakeRotator{calls: map[uuid.UUID]int{}, versions: map[uuid.UUID]uint32{}, failFor: map[uuid.UUID]bool{}}
}

func (f *fakeRotator) RotateTenantKey(_ context.Context, tenantID uuid.UUID, version uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[tenantID]++
	f.versions[tenantID] = version
	if f.failFor[tenantID] {
		return errors.New("hsm unavailable")
	}
	return nil
}

func (f *fakeRotator) Calls(tenantID uuid.UUID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[tenantID]
}

func (f *fakeRotator) LastVersion(tenantID uuid.UUID) uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.versions[tenantID]
}

func (f *fakeRotator) SetFailing(tenantID uuid.UUID, failing bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failFor[tenantID] = failing
}

func testConfig() config.KeyRotationConfig {
	return config.KeyRotationConfig{
		IntervalDays:           90,
		MaxKeyAgeDays:          365,
		AutoRotationEnabled:    true,
		RotationHour:           2,
		VersionsToRetain:       3,
		CheckInterval:          time.Hour,
		MaxConcurrentRotations: 4,
	}
}

type fixture struct {
	store   *memory_store.MemoryStore
	clock   *testClock
	rotator *fakeRotator
	sink    *audit.MemorySink
	manager *Manager
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		store:   memory_store.New(),
		clock:   &testClock{now: time.Date(2024, 1, 10, 2, 15, 0, 0, time.UTC)},
		rotator: newFakeRotator(),
		sink:    audit.NewMemorySink(),
	}
	opts = append([]Option{WithClock(f.clock.Now)}, opts...)
	f.manager = NewManager(testConfig(), f.store, f.rotator, audit.NewSecurityAuditor(f.sink), opts...)
	return f
}

func (f *fixture) active(t *testing.T, tenantID *uuid.UUID) models.KeyVersion {
	t.Helper()
	versions, err := f.store.GetKeyVersions(context.Background(), tenantID)
	require.NoError(t, err)
	var active []models.KeyVersion
	for _, v := range versions {
		if v.IsActive {
			active = append(active, v)
		}
	}
	require.Len(t, active, 1, "exactly one active version")
	return active[0]
}

func TestCheckInitializesThenRotates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := storetest.CreateTenant(t, f.store)
	b := storetest.CreateTenant(t, f.store)

	summary, err := f.manager.CheckAndRotateKeys(ctx)
	require.NoError(t, err)
	assert.Equal(t, CheckSummary{Checked: 3, Initialized: 3}, summary)
	assert.Equal(t, uint32(1), f.active(t, nil).Version)
	assert.Equal(t, uint32(1), f.active(t, &a.TenantID).Version)
	assert.Equal(t, StateCurrent, f.manager.RotationStatus(&a.TenantID).State)

	f.clock.Advance(30 * 24 * time.Hour)
	summary, err = f.manager.CheckAndRotateKeys(ctx)
	require.NoError(t, err)
	assert.Equal(t, CheckSummary{Checked: 3}, summary, "young keys are left alone")

	f.clock.Advance(61 * 24 * time.Hour)
	summary, err = f.manager.CheckAndRotateKeys(ctx)
	require.NoError(t, err)
	assert.Equal(t, CheckSummary{Checked: 3, Rotated: 3}, summary)

	for _, id := range []*uuid.UUID{nil, &a.TenantID, &b.TenantID} {
		active := f.active(t, id)
		assert.Equal(t, uint32(2), active.Version)
		assert.Equal(t, "AES-256-GCM", active.Algorithm)
		assert.Equal(t, f.clock.Now().Add(365*24*time.Hour), active.ExpiresAt)
		assert.Equal(t, StateCompleted, f.manager.RotationStatus(id).State)
	}
	assert.Equal(t, 1, f.rotator.Calls(a.TenantID))
	assert.Equal(t, 1, f.rotator.Calls(b.TenantID))
	assert.Equal(t, uint32(2), f.rotator.LastVersion(a.TenantID), "data moves to the version being activated")

	scheduled := 0
	for _, e := range f.sink.OfType(audit.KeyRotated) {
		if e.Action == "schedule_rotation" {
			scheduled++
		}
	}
	assert.Equal(t, 3, scheduled)

	stats := f.manager.Stats()
	assert.Equal(t, 3, stats.TotalScopes)
	assert.Equal(t, 0, stats.FailedRotations)
	assert.True(t, stats.AutoRotationEnabled)
	assert.Equal(t, 90, stats.RotationIntervalDays)
}

func TestExpiredKeyRotatesBeforeInterval(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.StoreKeyVersion(ctx, &models.KeyVersion{
		Version:   4,
		CreatedAt: f.clock.Now(),
		ExpiresAt: f.clock.Now().Add(time.Hour),
		IsActive:  true,
		Algorithm: "AES-256-GCM",
	}))

	f.clock.Advance(2 * time.Hour)
	summary, err := f.manager.CheckAndRotateKeys(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Rotated)
	assert.Equal(t, uint32(5), f.active(t, nil).Version)
}

func TestRetentionKeepsNewestVersions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tenant := storetest.CreateTenant(t, f.store)

	_, err := f.manager.CheckAndRotateKeys(ctx)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		require.NoError(t, f.manager.PerformKeyRotation(ctx, &tenant.TenantID))
	}

	versions, err := f.store.GetKeyVersions(ctx, &tenant.TenantID)
	require.NoError(t, err)
	require.Len(t, versions, 3)
	assert.Equal(t, []uint32{6, 5, 4}, []uint32{versions[0].Version, versions[1].Version, versions[2].Version})
	assert.True(t, versions[0].IsActive)
}

func TestTenantFailureDoesNotStopOthers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	bad := storetest.CreateTenant(t, f.store)
	good := storetest.CreateTenant(t, f.store)

	_, err := f.manager.CheckAndRotateKeys(ctx)
	require.NoError(t, err)

	f.rotator.SetFailing(bad.TenantID, true)
	f.clock.Advance(90 * 24 * time.Hour)
	summary, err := f.manager.CheckAndRotateKeys(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 2, summary.Rotated)

	status := f.manager.RotationStatus(&bad.TenantID)
	assert.Equal(t, StateFailed, status.State)
	assert.Contains(t, status.Error, "hsm unavailable")
	assert.Equal(t, uint32(1), f.active(t, &bad.TenantID).Version, "failed rotation keeps the old key active")
	assert.Equal(t, StateCompleted, f.manager.RotationStatus(&good.TenantID).State)
	assert.Equal(t, 1, f.manager.Stats().FailedRotations)

	var failures []audit.Event
	for _, e := range f.sink.OfType(audit.KeyRotated) {
		if e.Severity == audit.SeverityError {
			failures = append(failures, e)
		}
	}
	require.Len(t, failures, 1)
	assert.Equal(t, bad.TenantID, *failures[0].TenantID)

	f.rotator.SetFailing(bad.TenantID, false)
	summary, err = f.manager.CheckAndRotateKeys(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Rotated)
	assert.Equal(t, uint32(3), f.active(t, &bad.TenantID).Version, "the orphaned version is skipped")
}

func TestEmergencyKeyRotation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tenant := storetest.CreateTenant(t, f.store)
	_, err := f.manager.CheckAndRotateKeys(ctx)
	require.NoError(t, err)

	assert.Error(t, f.manager.EmergencyKeyRotation(ctx, &tenant.TenantID, ""))

	before := len(f.sink.Events())
	require.NoError(t, f.manager.EmergencyKeyRotation(ctx, &tenant.TenantID, "credential leak"))
	assert.Equal(t, uint32(2), f.active(t, &tenant.TenantID).Version)

	events := f.sink.Events()[before:]
	require.NotEmpty(t, events)
	assert.Equal(t, audit.SeverityCritical, events[0].Severity)
	assert.Equal(t, "credential leak", events[0].Metadata["reason"])
	assert.Equal(t, tenant.TenantID, *events[0].TenantID)
	assert.Equal(t, "success", events[len(events)-1].Result)
}

func TestConcurrentRotationsOfOneScopeSerialize(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tenant := storetest.CreateTenant(t, f.store)
	_, err := f.manager.CheckAndRotateKeys(ctx)
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- f.manager.EmergencyKeyRotation(ctx, &tenant.TenantID, "drill")
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, uint32(6), f.active(t, &tenant.TenantID).Version)
}

func TestGlobalRotator(t *testing.T) {
	calls := 0
	f := newFixture(t, WithGlobalRotator(func(context.Context) error {
		calls++
		return nil
	}))
	ctx := context.Background()
	tenant := storetest.CreateTenant(t, f.store)
	_, err := f.manager.CheckAndRotateKeys(ctx)
	require.NoError(t, err)

	require.NoError(t, f.manager.PerformKeyRotation(ctx, &tenant.TenantID))
	assert.Equal(t, 0, calls)
	require.NoError(t, f.manager.PerformKeyRotation(ctx, nil))
	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, f.rotator.Calls(uuid.Nil))
}

func TestReactivatesNewestWhenNoneActive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, v := range []uint32{1, 2} {
		require.NoError(t, f.store.StoreKeyVersion(ctx, &models.KeyVersion{
			Version:   v,
			CreatedAt: f.clock.Now(),
			ExpiresAt: f.clock.Now().Add(365 * 24 * time.Hour),
			Algorithm: "AES-256-GCM",
		}))
	}

	summary, err := f.manager.CheckAndRotateKeys(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Initialized)
	assert.Equal(t, uint32(2), f.active(t, nil).Version)
}

func TestTickRunsOncePerRotationHour(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.manager.tick(ctx)
	assert.Equal(t, uint32(1), f.active(t, nil).Version)
	before := len(f.sink.Events())

	f.manager.tick(ctx)
	f.clock.Advance(time.Hour)
	f.manager.tick(ctx)
	assert.Equal(t, 1, f.manager.Stats().TotalScopes)

	f.clock.Advance(91 * 24 * time.Hour)
	f.manager.tick(ctx)
	assert.Equal(t, before, len(f.sink.Events()), "outside the rotation hour nothing runs")

	f.clock.Advance(23 * time.Hour)
	f.manager.tick(ctx)
	assert.Equal(t, uint32(2), f.active(t, nil).Version)
}

func TestStartDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.AutoRotationEnabled = false
	m := NewManager(cfg, memory_store.New(), newFakeRotator(), nil)
	m.Start(context.Background())
	assert.Equal(t, StateCurrent, m.RotationStatus(nil).State)
}
