// Package rotation ages out encryption keys: it creates key versions, swaps
// the active version and prunes old ones, for the global scope and for every
// tenant.
package rotation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/catalystcommunity/app-utils-go/logging"
	"github.com/catalystcommunity/pierre/internal/audit"
	"github.com/catalystcommunity/pierre/internal/config"
	"github.com/catalystcommunity/pierre/internal/metrics"
	"github.com/catalystcommunity/pierre/internal/secrets"
	"github.com/catalystcommunity/pierre/internal/store/models"
	"github.com/gammazero/workerpool"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type State string

const (
	StateCurrent    State = "current"
	StateScheduled  State = "scheduled"
	StateInProgress State = "in_progress"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

// Status is the rotation state of one scope. At is when the state was
// entered, except for Scheduled where it is the scheduled time.
type Status struct {
	State State     `json:"state" yaml:"state"`
	At    time.Time `json:"at,omitempty" yaml:"at,omitempty"`
	Error string    `json:"error,omitempty" yaml:"error,omitempty"`
}

// Stats summarizes the manager.
type Stats struct {
	TotalScopes          int  `json:"total_scopes" yaml:"total_scopes"`
	ActiveRotations      int  `json:"active_rotations" yaml:"active_rotations"`
	FailedRotations      int  `json:"failed_rotations" yaml:"failed_rotations"`
	AutoRotationEnabled  bool `json:"auto_rotation_enabled" yaml:"auto_rotation_enabled"`
	RotationIntervalDays int  `json:"rotation_interval_days" yaml:"rotation_interval_days"`
}

// CheckSummary counts what one CheckAndRotateKeys pass did.
type CheckSummary struct {
	Checked     int `json:"checked" yaml:"checked"`
	Initialized int `json:"initialized" yaml:"initialized"`
	Rotated     int `json:"rotated" yaml:"rotated"`
	Failed      int `json:"failed" yaml:"failed"`
}

// KeyStore is the persistence the manager needs.
type KeyStore interface {
	ListTenants(ctx context.Context) ([]models.Tenant, error)
	StoreKeyVersion(ctx context.Context, version *models.KeyVersion) error
	ActivateKeyVersion(ctx context.Context, tenantID *uuid.UUID, version uint32) error
	GetKeyVersions(ctx context.Context, tenantID *uuid.UUID) ([]models.KeyVersion, error)
	DeleteOldKeyVersions(ctx context.Context, tenantID *uuid.UUID, retainCount int) (int64, error)
}

// TenantKeyRotator moves a tenant's encrypted data onto the key derived for
// version before that version is activated.
type TenantKeyRotator interface {
	RotateTenantKey(ctx context.Context, tenantID uuid.UUID, version uint32) error
}

type Auditor interface {
	LogEvent(ctx context.Context, event audit.Event) error
}

type Option func(*Manager)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithGlobalRotator sets what rotating the global scope does beyond the
// version bookkeeping, normally KeyManager.RotateDatabaseKey.
func WithGlobalRotator(fn func(ctx context.Context) error) Option {
	return func(m *Manager) { m.rotateGlobal = fn }
}

// Manager is the key rotation manager. The database is the source of truth
// for key versions; the in-memory copy is refreshed on every read, dropped
// after every write, and only served when the store cannot be read.
type Manager struct {
	cfg          config.KeyRotationConfig
	store        KeyStore
	rotator      TenantKeyRotator
	auditor      Auditor
	rotateGlobal func(ctx context.Context) error
	now          func() time.Time

	mu       sync.RWMutex
	versions map[uuid.UUID][]models.KeyVersion
	scopes   map[uuid.UUID]struct{}
	status   map[uuid.UUID]Status
	locks    map[uuid.UUID]*sync.Mutex

	lastRun atomic.Int64 // unix hour of the last scheduled pass
}

// NewManager creates a manager. Global scope rotation only touches version
// bookkeeping unless WithGlobalRotator is given.
func NewManager(cfg config.KeyRotationConfig, keyStore KeyStore, rotator TenantKeyRotator, auditor Auditor, opts ...Option) *Manager {
	m := &Manager{
		cfg:      cfg,
		store:    keyStore,
		rotator:  rotator,
		auditor:  auditor,
		now:      time.Now,
		versions: make(map[uuid.UUID][]models.KeyVersion),
		scopes:   make(map[uuid.UUID]struct{}),
		status:   make(map[uuid.UUID]Status),
		locks:    make(map[uuid.UUID]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// scopeKey maps the global scope to uuid.Nil.
func scopeKey(tenantID *uuid.UUID) uuid.UUID {
	if tenantID == nil {
		return uuid.Nil
	}
	return *tenantID
}

func scopeName(tenantID *uuid.UUID) string {
	if tenantID == nil {
		return "global"
	}
	return "tenant"
}

func scopeFields(tenantID *uuid.UUID) logrus.Fields {
	if tenantID == nil {
		return logrus.Fields{"scope": "global"}
	}
	return logrus.Fields{"scope": "tenant", "tenant_id": tenantID.String()}
}

func (m *Manager) scopeLock(tenantID *uuid.UUID) *sync.Mutex {
	key := scopeKey(tenantID)
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[key]
	if !ok {
		l = &sync.Mutex{}
		m.locks[key] = l
	}
	return l
}

func (m *Manager) setStatus(tenantID *uuid.UUID, s Status) {
	m.mu.Lock()
	m.status[scopeKey(tenantID)] = s
	m.mu.Unlock()
}

// Start runs the scheduler until ctx is done. It returns immediately when
// auto rotation is disabled. A check runs at most once a day, on the first
// tick inside RotationHour UTC.
func (m *Manager) Start(ctx context.Context) {
	if !m.cfg.AutoRotationEnabled {
		logging.Log.Info("key rotation scheduler disabled")
		return
	}
	interval := m.cfg.CheckInterval
	if interval <= 0 {
		interval = time.Hour
	}
	logging.Log.WithFields(logrus.Fields{
		"interval_days": m.cfg.IntervalDays,
		"rotation_hour": m.cfg.RotationHour,
	}).Info("starting key rotation scheduler")

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				logging.Log.Info("key rotation scheduler stopped")
				return
			case <-ticker.C:
				m.tick(ctx)
			}
		}
	}()
}

func (m *Manager) tick(ctx context.Context) {
	now := m.now().UTC()
	if now.Hour() != m.cfg.RotationHour {
		return
	}
	hour := now.Truncate(time.Hour).Unix()
	if m.lastRun.Swap(hour) == hour {
		return
	}
	if _, err := m.CheckAndRotateKeys(ctx); err != nil {
		logging.Log.WithError(err).Error("key rotation check failed")
	}
}

// CheckAndRotateKeys checks the global scope and then every tenant, rotating
// keys that are due. Tenants are checked concurrently, bounded by
// MaxConcurrentRotations; one tenant failing does not stop the others.
func (m *Manager) CheckAndRotateKeys(ctx context.Context) (CheckSummary, error) {
	logging.Log.Info("checking for keys that need rotation")
	var summary CheckSummary

	tenants, err := m.store.ListTenants(ctx)
	if err != nil {
		metrics.RecordRotationCheck(false)
		return summary, fmt.Errorf("failed to list tenants: %w", err)
	}

	action, err := m.checkKeyRotation(ctx, nil)
	if err != nil {
		metrics.RecordRotationCheck(false)
		return summary, fmt.Errorf("failed to check global key rotation: %w", err)
	}
	summary.Checked++
	summary.add(action)

	workers := m.cfg.MaxConcurrentRotations
	if workers < 1 {
		workers = 1
	}
	pool := workerpool.New(workers)
	var sumMu sync.Mutex
	for _, tenant := range tenants {
		tenantID := tenant.TenantID
		pool.Submit(func() {
			action, err := m.checkKeyRotation(ctx, &tenantID)
			sumMu.Lock()
			defer sumMu.Unlock()
			summary.Checked++
			if err != nil {
				summary.Failed++
				logging.Log.WithError(err).WithField("tenant_id", tenantID.String()).Error("failed to check key rotation for tenant")
				return
			}
			summary.add(action)
		})
	}
	pool.StopWait()

	metrics.RecordRotationCheck(summary.Failed == 0)
	logging.Log.WithFields(logrus.Fields{
		"checked":     summary.Checked,
		"initialized": summary.Initialized,
		"rotated":     summary.Rotated,
		"failed":      summary.Failed,
	}).Info("key rotation check finished")
	return summary, nil
}

type checkAction int

const (
	actionNone checkAction = iota
	actionInitialized
	actionRotated
)

func (s *CheckSummary) add(a checkAction) {
	switch a {
	case actionInitialized:
		s.Initialized++
	case actionRotated:
		s.Rotated++
	}
}

func (m *Manager) checkKeyRotation(ctx context.Context, tenantID *uuid.UUID) (checkAction, error) {
	versions, err := m.KeyVersions(ctx, tenantID)
	if err != nil {
		return actionNone, err
	}

	active := activeVersion(versions)
	if active == nil {
		if len(versions) > 0 {
			// Versions exist but none is active, e.g. a rotation died between
			// create and activate. Reactivate the newest rather than minting v1.
			if err := m.activateKeyVersion(ctx, tenantID, versions[0].Version); err != nil {
				return actionNone, err
			}
			return actionInitialized, nil
		}
		logging.Log.WithFields(scopeFields(tenantID)).Info("no key version found, creating initial version")
		return actionInitialized, m.initializeKeyVersion(ctx, tenantID)
	}

	now := m.now()
	age := active.Age(now)
	if age >= days(m.cfg.IntervalDays) || age >= days(m.cfg.MaxKeyAgeDays) || active.IsExpired(now) {
		logging.Log.WithFields(scopeFields(tenantID)).
			WithField("age_days", int(age.Hours()/24)).
			Info("key is due for rotation, scheduling")
		return actionRotated, m.ScheduleKeyRotation(ctx, tenantID)
	}
	return actionNone, nil
}

func days(n int) time.Duration {
	return time.Duration(n) * 24 * time.Hour
}

func activeVersion(versions []models.KeyVersion) *models.KeyVersion {
	for i := range versions {
		if versions[i].IsActive {
			return &versions[i]
		}
	}
	return nil
}

// ScheduleKeyRotation records a rotation as scheduled an hour out, audits it,
// and then performs it right away. The scheduled time is informational.
func (m *Manager) ScheduleKeyRotation(ctx context.Context, tenantID *uuid.UUID) error {
	m.setStatus(tenantID, Status{State: StateScheduled, At: m.now().UTC().Add(time.Hour)})

	event := audit.NewEvent(audit.KeyRotated, audit.SeverityInfo,
		fmt.Sprintf("Key rotation scheduled for %s scope", scopeName(tenantID)), "schedule_rotation", "success")
	m.logAudit(ctx, withScope(event, tenantID))

	return m.performKeyRotation(ctx, tenantID, false)
}

// PerformKeyRotation rotates the scope's key now.
func (m *Manager) PerformKeyRotation(ctx context.Context, tenantID *uuid.UUID) error {
	return m.performKeyRotation(ctx, tenantID, false)
}

func (m *Manager) performKeyRotation(ctx context.Context, tenantID *uuid.UUID, emergency bool) error {
	fields := scopeFields(tenantID)
	logging.Log.WithFields(fields).Info("starting key rotation")

	started := m.now()
	m.setStatus(tenantID, Status{State: StateInProgress, At: started.UTC()})

	version, err := m.executeKeyRotation(ctx, tenantID)
	finished := m.now()
	duration := finished.Sub(started).Seconds()

	if err != nil {
		m.setStatus(tenantID, Status{State: StateFailed, At: finished.UTC(), Error: err.Error()})
		metrics.RecordKeyRotation(scopeName(tenantID), string(StateFailed), emergency, duration)
		logging.Log.WithFields(fields).WithError(err).Error("key rotation failed")

		event := audit.NewEvent(audit.KeyRotated, audit.SeverityError,
			fmt.Sprintf("Key rotation failed for %s scope", scopeName(tenantID)), "rotate", "failure").
			WithMetadata("error", err.Error())
		m.logAudit(ctx, withScope(event, tenantID))
		return err
	}

	m.setStatus(tenantID, Status{State: StateCompleted, At: finished.UTC()})
	metrics.RecordKeyRotation(scopeName(tenantID), string(StateCompleted), emergency, duration)
	logging.Log.WithFields(fields).WithField("version", version).Info("key rotation completed")

	event := audit.NewEvent(audit.KeyRotated, audit.SeverityInfo,
		fmt.Sprintf("Key rotation completed for %s scope", scopeName(tenantID)), "rotate", "success").
		WithMetadata("version", version)
	m.logAudit(ctx, withScope(event, tenantID))
	return nil
}

// executeKeyRotation creates the next version, rotates the key material,
// activates the version and prunes old ones. Rotations of the same scope are
// serialized.
func (m *Manager) executeKeyRotation(ctx context.Context, tenantID *uuid.UUID) (uint32, error) {
	lock := m.scopeLock(tenantID)
	lock.Lock()
	defer lock.Unlock()

	next, err := m.createNewKeyVersion(ctx, tenantID)
	if err != nil {
		return 0, err
	}

	if tenantID != nil {
		if m.rotator != nil {
			if err := m.rotator.RotateTenantKey(ctx, *tenantID, next.Version); err != nil {
				return 0, fmt.Errorf("failed to rotate tenant key: %w", err)
			}
		}
	} else if m.rotateGlobal != nil {
		if err := m.rotateGlobal(ctx); err != nil {
			return 0, fmt.Errorf("failed to rotate global key: %w", err)
		}
	}

	if err := m.activateKeyVersion(ctx, tenantID, next.Version); err != nil {
		return 0, err
	}
	if err := m.cleanupOldKeyVersions(ctx, tenantID); err != nil {
		return 0, err
	}
	return next.Version, nil
}

func (m *Manager) newKeyVersion(tenantID *uuid.UUID, version uint32, active bool) *models.KeyVersion {
	now := m.now().UTC()
	return &models.KeyVersion{
		ID:        uuid.New(),
		TenantID:  tenantID,
		Version:   version,
		CreatedAt: now,
		ExpiresAt: now.Add(days(m.cfg.MaxKeyAgeDays)),
		IsActive:  active,
		Algorithm: secrets.Algorithm,
	}
}

func (m *Manager) createNewKeyVersion(ctx context.Context, tenantID *uuid.UUID) (*models.KeyVersion, error) {
	versions, err := m.KeyVersions(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	var max uint32
	for _, v := range versions {
		if v.Version > max {
			max = v.Version
		}
	}

	next := m.newKeyVersion(tenantID, max+1, false)
	if err := m.store.StoreKeyVersion(ctx, next); err != nil {
		return nil, fmt.Errorf("failed to store key version %d: %w", next.Version, err)
	}
	m.invalidate(tenantID)
	return next, nil
}

func (m *Manager) initializeKeyVersion(ctx context.Context, tenantID *uuid.UUID) error {
	if err := m.store.StoreKeyVersion(ctx, m.newKeyVersion(tenantID, 1, true)); err != nil {
		return fmt.Errorf("failed to store initial key version: %w", err)
	}
	m.invalidate(tenantID)
	return nil
}

// activateKeyVersion flips version to active and every sibling to inactive in
// one store transaction.
func (m *Manager) activateKeyVersion(ctx context.Context, tenantID *uuid.UUID, version uint32) error {
	if err := m.store.ActivateKeyVersion(ctx, tenantID, version); err != nil {
		return fmt.Errorf("failed to activate key version %d: %w", version, err)
	}
	m.invalidate(tenantID)
	return nil
}

func (m *Manager) cleanupOldKeyVersions(ctx context.Context, tenantID *uuid.UUID) error {
	deleted, err := m.store.DeleteOldKeyVersions(ctx, tenantID, m.cfg.VersionsToRetain)
	if err != nil {
		return fmt.Errorf("failed to delete old key versions: %w", err)
	}
	if deleted > 0 {
		metrics.RecordKeyVersionsPruned(deleted)
		logging.Log.WithFields(scopeFields(tenantID)).WithField("deleted", deleted).Info("cleaned up old key versions")
		m.invalidate(tenantID)
	}
	return nil
}

func (m *Manager) invalidate(tenantID *uuid.UUID) {
	m.mu.Lock()
	delete(m.versions, scopeKey(tenantID))
	m.mu.Unlock()
}

// KeyVersions reads the scope's versions from the store, newest first.
func (m *Manager) KeyVersions(ctx context.Context, tenantID *uuid.UUID) ([]models.KeyVersion, error) {
	key := scopeKey(tenantID)
	versions, err := m.store.GetKeyVersions(ctx, tenantID)
	if err != nil {
		m.mu.RLock()
		cached, ok := m.versions[key]
		m.mu.RUnlock()
		if !ok {
			return nil, fmt.Errorf("failed to get key versions: %w", err)
		}
		logging.Log.WithFields(scopeFields(tenantID)).WithError(err).Warn("serving cached key versions")
		return cached, nil
	}
	m.mu.Lock()
	m.versions[key] = versions
	m.scopes[key] = struct{}{}
	m.mu.Unlock()
	return versions, nil
}

// EmergencyKeyRotation rotates immediately regardless of key age. The
// critical audit event is written before anything else happens.
func (m *Manager) EmergencyKeyRotation(ctx context.Context, tenantID *uuid.UUID, reason string) error {
	if reason == "" {
		return errors.New("emergency key rotation requires a reason")
	}
	logging.Log.WithFields(scopeFields(tenantID)).WithField("reason", reason).Warn("emergency key rotation initiated")

	event := audit.NewEvent(audit.KeyRotated, audit.SeverityCritical,
		fmt.Sprintf("Emergency key rotation: %s", reason), "emergency_rotation", "initiated").
		WithMetadata("reason", reason)
	m.logAudit(ctx, withScope(event, tenantID))

	if err := m.performKeyRotation(ctx, tenantID, true); err != nil {
		return err
	}
	logging.Log.WithFields(scopeFields(tenantID)).Info("emergency key rotation completed")
	return nil
}

// RotationStatus returns the scope's status, Current if it never rotated.
func (m *Manager) RotationStatus(tenantID *uuid.UUID) Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.status[scopeKey(tenantID)]; ok {
		return s
	}
	return Status{State: StateCurrent}
}

func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats := Stats{
		TotalScopes:          len(m.scopes),
		AutoRotationEnabled:  m.cfg.AutoRotationEnabled,
		RotationIntervalDays: m.cfg.IntervalDays,
	}
	for _, s := range m.status {
		switch s.State {
		case StateInProgress:
			stats.ActiveRotations++
		case StateFailed:
			stats.FailedRotations++
		}
	}
	return stats
}

func withScope(event audit.Event, tenantID *uuid.UUID) audit.Event {
	if tenantID == nil {
		return event.WithResource("key_versions:global")
	}
	return event.WithTenant(*tenantID).WithResource("key_versions:" + tenantID.String())
}

// logAudit never fails a rotation; a lost audit record is logged instead.
func (m *Manager) logAudit(ctx context.Context, event audit.Event) {
	if m.auditor == nil {
		return
	}
	if err := m.auditor.LogEvent(ctx, event); err != nil {
		logging.Log.WithError(err).WithField("event_type", string(event.Type)).Error("failed to log key rotation audit event")
	}
}
