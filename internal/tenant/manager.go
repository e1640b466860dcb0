package tenant

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/catalystcommunity/app-utils-go/logging"
	"github.com/catalystcommunity/pierre/internal/config"
	"github.com/catalystcommunity/pierre/internal/metrics"
	"github.com/catalystcommunity/pierre/internal/providers"
	"github.com/catalystcommunity/pierre/internal/secrets"
	"github.com/catalystcommunity/pierre/internal/store"
	"github.com/catalystcommunity/pierre/internal/store/models"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Source records which level of the fallback chain produced credentials.
type Source string

const (
	SourceUser   Source = "user"
	SourceTenant Source = "tenant"
	SourceServer Source = "server"
)

const dayLayout = "2006-01-02"

// OAuthCredentials are resolved client credentials. The secret is plaintext
// and only ever held in memory.
type OAuthCredentials struct {
	TenantID        uuid.UUID
	Provider        string
	ClientID        string
	ClientSecret    string
	RedirectURI     string
	Scopes          []string
	RateLimitPerDay uint32
	Source          Source
}

// StoreCredentialsRequest is an admin supplied OAuth app for a tenant. Empty
// RedirectURI, Scopes or RateLimitPerDay fall back to provider defaults.
type StoreCredentialsRequest struct {
	ClientID        string
	ClientSecret    string
	RedirectURI     string
	Scopes          []string
	RateLimitPerDay uint32
	ConfiguredBy    *uuid.UUID
}

// CredentialStore is the persistence the manager needs.
type CredentialStore interface {
	GetTenantOAuthCredentials(ctx context.Context, tenantID uuid.UUID, provider string) (*models.TenantOAuthCredential, error)
	ListTenantOAuthCredentials(ctx context.Context) ([]models.TenantOAuthCredential, error)
	StoreTenantOAuthCredentials(ctx context.Context, creds *models.TenantOAuthCredential) error
	DeleteTenantOAuthCredentials(ctx context.Context, tenantID uuid.UUID, provider string) error
	GetUserOAuthApp(ctx context.Context, userID uuid.UUID, provider string) (*models.UserOAuthApp, error)
	ListUserOAuthApps(ctx context.Context) ([]models.UserOAuthApp, error)
	StoreUserOAuthApp(ctx context.Context, app *models.UserOAuthApp) error
	InTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// FieldCipher encrypts column values with the active database key. User app
// secrets belong to no tenant and use it directly.
type FieldCipher interface {
	EncryptField(plaintext []byte) ([]byte, error)
	DecryptField(data []byte) ([]byte, error)
}

// TenantCipher encrypts tenant secrets under the tenant's derived key version.
type TenantCipher interface {
	EncryptTenantData(ctx context.Context, tenantID uuid.UUID, plaintext []byte) (*secrets.EncryptedData, error)
	DecryptTenantData(tenantID uuid.UUID, data *secrets.EncryptedData) ([]byte, error)
	ReencryptTenantData(tenantID uuid.UUID, data *secrets.EncryptedData, version uint32) (*secrets.EncryptedData, bool, error)
}

// Auditor receives credential access and modification events.
type Auditor interface {
	LogOAuthCredentialAccess(ctx context.Context, tenantID uuid.UUID, provider string, userID *uuid.UUID) error
	LogOAuthCredentialModification(ctx context.Context, tenantID uuid.UUID, provider string, userID *uuid.UUID, action string) error
}

type credKey struct {
	tenantID uuid.UUID
	provider string
}

type usageKey struct {
	tenantID uuid.UUID
	provider string
	day      string
}

type ManagerOption func(*Manager)

// WithManagerClock sets the clock used to pick the UTC usage day.
func WithManagerClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// WithMasker registers resolved client secrets with masker instead of the
// default one.
func WithMasker(masker *secrets.Masker) ManagerOption {
	return func(m *Manager) { m.masker = masker }
}

// Manager resolves credentials through the user, tenant, server chain and
// keeps per tenant daily usage counters.
type Manager struct {
	baseURL string
	server  config.ProvidersConfig
	store      CredentialStore
	cipher     FieldCipher
	tenantKeys TenantCipher
	auditor    Auditor
	masker     *secrets.Masker
	now        func() time.Time

	cacheMu sync.RWMutex
	cache   map[credKey]OAuthCredentials

	usageMu sync.Mutex
	usage   map[usageKey]uint32
	usageOn string
}

var (
	_ secrets.Reencryptor       = (*Manager)(nil)
	_ secrets.TenantReencryptor = (*Manager)(nil)
)

func NewManager(cfg config.Config, credStore CredentialStore, cipher FieldCipher, tenantKeys TenantCipher, auditor Auditor, opts ...ManagerOption) *Manager {
	m := &Manager{
		baseURL:    cfg.BaseURL,
		server:     cfg.Providers,
		store:      credStore,
		cipher:     cipher,
		tenantKeys: tenantKeys,
		auditor:    auditor,
		masker:     secrets.DefaultMasker,
		now:        time.Now,
		cache:      make(map[credKey]OAuthCredentials),
		usage:      make(map[usageKey]uint32),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// GetCredentials resolves credentials for a tenant without a user app.
func (m *Manager) GetCredentials(ctx context.Context, tenantID uuid.UUID, provider string) (OAuthCredentials, error) {
	return m.GetCredentialsForUser(ctx, nil, tenantID, provider)
}

// GetCredentialsForUser walks the fallback chain: the user's own app, then the
// tenant's app (cache before database), then server configuration.
func (m *Manager) GetCredentialsForUser(ctx context.Context, userID *uuid.UUID, tenantID uuid.UUID, provider string) (OAuthCredentials, error) {
	desc, err := providers.Lookup(provider)
	if err != nil {
		return OAuthCredentials{}, err
	}

	if userID != nil {
		creds, ok, err := m.userCredentials(ctx, *userID, tenantID, desc)
		if err != nil {
			return OAuthCredentials{}, err
		}
		if ok {
			metrics.RecordCredentialResolution(desc.Name, string(SourceUser))
			return creds, nil
		}
	}

	creds, ok, err := m.tenantCredentials(ctx, tenantID, desc)
	if err != nil {
		return OAuthCredentials{}, err
	}
	if ok {
		if err := m.auditor.LogOAuthCredentialAccess(ctx, tenantID, desc.Name, userID); err != nil {
			logging.Log.WithError(err).Warn("failed to record credential access")
		}
		metrics.RecordCredentialResolution(desc.Name, string(SourceTenant))
		return creds, nil
	}

	if creds, ok := m.serverCredentials(tenantID, desc); ok {
		metrics.RecordCredentialResolution(desc.Name, string(SourceServer))
		return creds, nil
	}

	metrics.RecordCredentialResolution(desc.Name, "none")
	return OAuthCredentials{}, &CredentialsNotFoundError{TenantID: tenantID, Provider: desc.Name}
}

func (m *Manager) userCredentials(ctx context.Context, userID, tenantID uuid.UUID, desc providers.Descriptor) (OAuthCredentials, bool, error) {
	app, err := m.store.GetUserOAuthApp(ctx, userID, desc.Name)
	if errors.Is(err, store.ErrNotFound) {
		return OAuthCredentials{}, false, nil
	}
	if err != nil {
		return OAuthCredentials{}, false, fmt.Errorf("failed to load user oauth app: %w", err)
	}
	secret, err := m.cipher.DecryptField(app.EncryptedClientSecret)
	if err != nil {
		return OAuthCredentials{}, false, fmt.Errorf("failed to decrypt user oauth app secret: %w", err)
	}
	m.masker.RegisterSecret(string(secret))
	return OAuthCredentials{
		TenantID:        tenantID,
		Provider:        desc.Name,
		ClientID:        app.ClientID,
		ClientSecret:    string(secret),
		RedirectURI:     app.RedirectURI,
		Scopes:          desc.DefaultScopes,
		RateLimitPerDay: desc.DefaultDailyLimit,
		Source:          SourceUser,
	}, true, nil
}

func (m *Manager) tenantCredentials(ctx context.Context, tenantID uuid.UUID, desc providers.Descriptor) (OAuthCredentials, bool, error) {
	key := credKey{tenantID, desc.Name}
	m.cacheMu.RLock()
	creds, ok := m.cache[key]
	m.cacheMu.RUnlock()
	if ok {
		return creds, true, nil
	}

	row, err := m.store.GetTenantOAuthCredentials(ctx, tenantID, desc.Name)
	if errors.Is(err, store.ErrNotFound) {
		return OAuthCredentials{}, false, nil
	}
	if err != nil {
		return OAuthCredentials{}, false, fmt.Errorf("failed to load tenant oauth credentials: %w", err)
	}
	secret, err := m.tenantKeys.DecryptTenantData(row.TenantID, sealedSecret(row))
	if err != nil {
		return OAuthCredentials{}, false, fmt.Errorf("failed to decrypt tenant oauth secret: %w", err)
	}
	m.masker.RegisterSecret(string(secret))

	creds = OAuthCredentials{
		TenantID:        row.TenantID,
		Provider:        desc.Name,
		ClientID:        row.ClientID,
		ClientSecret:    string(secret),
		RedirectURI:     row.RedirectURI,
		Scopes:          []string(row.Scopes),
		RateLimitPerDay: row.RateLimitPerDay,
		Source:          SourceTenant,
	}
	m.cacheMu.Lock()
	m.cache[key] = creds
	m.cacheMu.Unlock()
	return creds, true, nil
}

func (m *Manager) serverCredentials(tenantID uuid.UUID, desc providers.Descriptor) (OAuthCredentials, bool) {
	server, ok := m.server.Server(desc.Name)
	if !ok {
		return OAuthCredentials{}, false
	}
	scopes := server.Scopes
	if len(scopes) == 0 {
		scopes = desc.DefaultScopes
	}
	redirect := server.RedirectURI
	if redirect == "" {
		redirect = desc.DefaultRedirectURI(m.baseURL)
	}
	return OAuthCredentials{
		TenantID:        tenantID,
		Provider:        desc.Name,
		ClientID:        server.ClientID,
		ClientSecret:    server.ClientSecret,
		RedirectURI:     redirect,
		Scopes:          scopes,
		RateLimitPerDay: desc.DefaultDailyLimit,
		Source:          SourceServer,
	}, true
}

// StoreCredentials persists a tenant's OAuth app with the client secret
// encrypted under the tenant's active key, and refreshes the cache.
func (m *Manager) StoreCredentials(ctx context.Context, tenantID uuid.UUID, provider string, req StoreCredentialsRequest) error {
	desc, err := providers.Lookup(provider)
	if err != nil {
		return err
	}
	if req.ClientID == "" || req.ClientSecret == "" {
		return fmt.Errorf("%w: client id and client secret are required", store.ErrInvalidInput)
	}

	redirect := req.RedirectURI
	if redirect == "" {
		redirect = desc.DefaultRedirectURI(m.baseURL)
	}
	scopes := req.Scopes
	if len(scopes) == 0 {
		scopes = desc.DefaultScopes
	}
	limit := req.RateLimitPerDay
	if limit == 0 {
		limit = desc.DefaultDailyLimit
	}

	encrypted, err := m.tenantKeys.EncryptTenantData(ctx, tenantID, []byte(req.ClientSecret))
	if err != nil {
		return fmt.Errorf("failed to encrypt client secret: %w", err)
	}

	action := "created"
	if _, err := m.store.GetTenantOAuthCredentials(ctx, tenantID, desc.Name); err == nil {
		action = "updated"
	} else if !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("failed to load tenant oauth credentials: %w", err)
	}

	row := &models.TenantOAuthCredential{
		TenantID:              tenantID,
		Provider:              desc.Name,
		ClientID:              req.ClientID,
		EncryptedClientSecret: encrypted.Data,
		KeyVersion:            encrypted.KeyVersion,
		RedirectURI:           redirect,
		Scopes:                scopes,
		RateLimitPerDay:       limit,
		ConfiguredBy:          req.ConfiguredBy,
	}
	if err := m.store.StoreTenantOAuthCredentials(ctx, row); err != nil {
		return fmt.Errorf("failed to store tenant oauth credentials: %w", err)
	}
	m.masker.RegisterSecret(req.ClientSecret)

	m.cacheMu.Lock()
	m.cache[credKey{tenantID, desc.Name}] = OAuthCredentials{
		TenantID:        tenantID,
		Provider:        desc.Name,
		ClientID:        req.ClientID,
		ClientSecret:    req.ClientSecret,
		RedirectURI:     redirect,
		Scopes:          scopes,
		RateLimitPerDay: limit,
		Source:          SourceTenant,
	}
	m.cacheMu.Unlock()

	if err := m.auditor.LogOAuthCredentialModification(ctx, tenantID, desc.Name, req.ConfiguredBy, action); err != nil {
		logging.Log.WithError(err).Warn("failed to record credential modification")
	}
	logging.Log.WithFields(logrus.Fields{
		"tenant_id": tenantID,
		"provider":  desc.Name,
		"action":    action,
	}).Info("tenant oauth credentials stored")
	return nil
}

// StoreCredentialsAs stores credentials on behalf of a tenant user, who must
// be an owner or admin of that tenant.
func (m *Manager) StoreCredentialsAs(ctx context.Context, tc Context, provider string, req StoreCredentialsRequest) error {
	if !tc.Role.CanManageCredentials() {
		return fmt.Errorf("%w: %s", ErrForbidden, tc.Role)
	}
	req.ConfiguredBy = tc.user()
	return m.StoreCredentials(ctx, tc.TenantID, provider, req)
}

// DeleteCredentials removes a tenant's OAuth app. Later lookups fall through
// to server configuration.
func (m *Manager) DeleteCredentials(ctx context.Context, tenantID uuid.UUID, provider string, deletedBy *uuid.UUID) error {
	desc, err := providers.Lookup(provider)
	if err != nil {
		return err
	}
	m.cacheMu.Lock()
	delete(m.cache, credKey{tenantID, desc.Name})
	m.cacheMu.Unlock()

	if err := m.store.DeleteTenantOAuthCredentials(ctx, tenantID, desc.Name); err != nil {
		return err
	}
	if err := m.auditor.LogOAuthCredentialModification(ctx, tenantID, desc.Name, deletedBy, "deleted"); err != nil {
		logging.Log.WithError(err).Warn("failed to record credential modification")
	}
	return nil
}

// CheckRateLimit returns today's usage and the daily limit for a tenant and
// provider. Callers reject when usage >= limit.
func (m *Manager) CheckRateLimit(ctx context.Context, tenantID uuid.UUID, provider string) (usage, limit uint32, err error) {
	desc, err := providers.Lookup(provider)
	if err != nil {
		return 0, 0, err
	}
	limit = desc.DefaultDailyLimit
	creds, ok, err := m.tenantCredentials(ctx, tenantID, desc)
	if err != nil {
		return 0, 0, err
	}
	if ok && creds.RateLimitPerDay > 0 {
		limit = creds.RateLimitPerDay
	}

	m.usageMu.Lock()
	defer m.usageMu.Unlock()
	return m.usage[m.todayKey(tenantID, desc.Name)], limit, nil
}

// IncrementUsage counts one successful provider round trip.
func (m *Manager) IncrementUsage(tenantID uuid.UUID, provider string) {
	name := provider
	if desc, err := providers.Lookup(provider); err == nil {
		name = desc.Name
	}
	m.usageMu.Lock()
	defer m.usageMu.Unlock()
	m.usage[m.todayKey(tenantID, name)]++
}

// todayKey must be called with usageMu held. Counters from earlier days are
// dropped the first time a new UTC day is seen.
func (m *Manager) todayKey(tenantID uuid.UUID, provider string) usageKey {
	day := m.now().UTC().Format(dayLayout)
	if day != m.usageOn {
		for k := range m.usage {
			if k.day != day {
				delete(m.usage, k)
			}
		}
		m.usageOn = day
	}
	return usageKey{tenantID: tenantID, provider: provider, day: day}
}

func sealedSecret(row *models.TenantOAuthCredential) *secrets.EncryptedData {
	tenantID := row.TenantID
	return &secrets.EncryptedData{
		Data:        row.EncryptedClientSecret,
		KeyVersion:  row.KeyVersion,
		TenantID:    &tenantID,
		Algorithm:   secrets.Algorithm,
		EncryptedAt: row.UpdatedAt,
	}
}

// reseal stores row re-encrypted under version, reporting whether it changed.
func (m *Manager) reseal(ctx context.Context, row *models.TenantOAuthCredential, version uint32) (bool, error) {
	next, changed, err := m.tenantKeys.ReencryptTenantData(row.TenantID, sealedSecret(row), version)
	if err != nil {
		return false, fmt.Errorf("tenant %s provider %s: %w", row.TenantID, row.Provider, err)
	}
	if !changed {
		return false, nil
	}
	row.EncryptedClientSecret = next.Data
	row.KeyVersion = next.KeyVersion
	if err := m.store.StoreTenantOAuthCredentials(ctx, row); err != nil {
		return false, fmt.Errorf("failed to store re-encrypted tenant oauth credentials: %w", err)
	}
	return true, nil
}

// ReencryptSecrets moves stored client secrets from one database key to
// another. Tenant secrets keep their key version and are re-derived from the
// active DEK, which the key manager has already swapped to `to`. Rows already
// readable with the target key are skipped, so a failed sweep can be rerun.
func (m *Manager) ReencryptSecrets(ctx context.Context, from, to *secrets.DatabaseEncryptionKey) (int, error) {
	count := 0
	defer func() { metrics.RecordFieldsReencrypted("oauth_client_secrets", count) }()

	creds, err := m.store.ListTenantOAuthCredentials(ctx)
	if err != nil {
		return count, fmt.Errorf("failed to list tenant oauth credentials: %w", err)
	}
	for i := range creds {
		changed, err := m.reseal(ctx, &creds[i], creds[i].KeyVersion)
		if err != nil {
			return count, err
		}
		if changed {
			count++
		}
	}

	apps, err := m.store.ListUserOAuthApps(ctx)
	if err != nil {
		return count, fmt.Errorf("failed to list user oauth apps: %w", err)
	}
	for i := range apps {
		app := &apps[i]
		next, changed, err := reencrypt(app.EncryptedClientSecret, from, to)
		if err != nil {
			return count, fmt.Errorf("user %s provider %s: %w", app.UserID, app.Provider, err)
		}
		if !changed {
			continue
		}
		app.EncryptedClientSecret = next
		if err := m.store.StoreUserOAuthApp(ctx, app); err != nil {
			return count, fmt.Errorf("failed to store re-encrypted user oauth app: %w", err)
		}
		count++
	}
	return count, ctx.Err()
}

// ReencryptTenantSecrets moves one tenant's client secrets onto version in a
// single transaction, so the tenant never has rows on both sides of a failed
// rotation.
func (m *Manager) ReencryptTenantSecrets(ctx context.Context, tenantID uuid.UUID, version uint32) (int, error) {
	count := 0
	err := m.store.InTransaction(ctx, func(ctx context.Context) error {
		creds, err := m.store.ListTenantOAuthCredentials(ctx)
		if err != nil {
			return fmt.Errorf("failed to list tenant oauth credentials: %w", err)
		}
		for i := range creds {
			if creds[i].TenantID != tenantID {
				continue
			}
			changed, err := m.reseal(ctx, &creds[i], version)
			if err != nil {
				return err
			}
			if changed {
				count++
			}
		}
		return ctx.Err()
	})
	if err != nil {
		return 0, err
	}
	metrics.RecordFieldsReencrypted("tenant_oauth_client_secrets", count)
	return count, nil
}

func reencrypt(data []byte, from, to *secrets.DatabaseEncryptionKey) ([]byte, bool, error) {
	if _, err := to.Decrypt(data); err == nil {
		return nil, false, nil
	}
	plaintext, err := from.Decrypt(data)
	if err != nil {
		return nil, false, err
	}
	next, err := to.Encrypt(plaintext)
	if err != nil {
		return nil, false, err
	}
	return next, true, nil
}
