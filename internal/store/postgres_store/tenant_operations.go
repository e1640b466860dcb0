package postgres_store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/catalystcommunity/pierre/internal/store"
	"github.com/catalystcommunity/pierre/internal/store/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CreateTenant creates a new tenant
func (ps PostgresDbStore) CreateTenant(ctx context.Context, tenant *models.Tenant) error {
	if tenant.TenantID == uuid.Nil {
		tenant.TenantID = uuid.New()
	}
	if err := ps.getDB(ctx).WithContext(ctx).Create(tenant).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return store.ErrAlreadyExists
		}
		return fmt.Errorf("failed to create tenant: %w", err)
	}
	return nil
}

// GetTenant retrieves a tenant by ID
func (ps PostgresDbStore) GetTenant(ctx context.Context, tenantID uuid.UUID) (*models.Tenant, error) {
	var tenant models.Tenant
	if err := ps.getDB(ctx).WithContext(ctx).Where("tenant_id = ?", tenantID).First(&tenant).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get tenant: %w", err)
	}
	return &tenant, nil
}

// ListTenants returns every tenant
func (ps PostgresDbStore) ListTenants(ctx context.Context) ([]models.Tenant, error) {
	var tenants []models.Tenant
	if err := ps.getDB(ctx).WithContext(ctx).Order("created_at ASC").Find(&tenants).Error; err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}
	return tenants, nil
}

// GetTenantOAuthCredentials retrieves a tenant's credentials for a provider
func (ps PostgresDbStore) GetTenantOAuthCredentials(ctx context.Context, tenantID uuid.UUID, provider string) (*models.TenantOAuthCredential, error) {
	var creds models.TenantOAuthCredential
	err := ps.getDB(ctx).WithContext(ctx).
		Where("tenant_id = ? AND provider = ?", tenantID, provider).
		First(&creds).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get tenant oauth credentials: %w", err)
	}
	return &creds, nil
}

// ListTenantOAuthCredentials returns every stored tenant credential
func (ps PostgresDbStore) ListTenantOAuthCredentials(ctx context.Context) ([]models.TenantOAuthCredential, error) {
	var creds []models.TenantOAuthCredential
	if err := ps.getDB(ctx).WithContext(ctx).Order("tenant_id, provider").Find(&creds).Error; err != nil {
		return nil, fmt.Errorf("failed to list tenant oauth credentials: %w", err)
	}
	return creds, nil
}

// StoreTenantOAuthCredentials upserts credentials keyed by (tenant_id, provider)
func (ps PostgresDbStore) StoreTenantOAuthCredentials(ctx context.Context, creds *models.TenantOAuthCredential) error {
	if creds.ID == uuid.Nil {
		creds.ID = uuid.New()
	}
	creds.UpdatedAt = time.Now().UTC()
	err := ps.getDB(ctx).WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "tenant_id"}, {Name: "provider"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"client_id", "encrypted_client_secret", "key_version", "redirect_uri", "scopes",
			"rate_limit_per_day", "configured_by", "updated_at",
		}),
	}).Create(creds).Error
	if err != nil {
		return fmt.Errorf("failed to store tenant oauth credentials: %w", err)
	}
	return nil
}

// DeleteTenantOAuthCredentials removes a tenant's credentials for a provider
func (ps PostgresDbStore) DeleteTenantOAuthCredentials(ctx context.Context, tenantID uuid.UUID, provider string) error {
	result := ps.getDB(ctx).WithContext(ctx).
		Where("tenant_id = ? AND provider = ?", tenantID, provider).
		Delete(&models.TenantOAuthCredential{})
	if result.Error != nil {
		return fmt.Errorf("failed to delete tenant oauth credentials: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return store.ErrNotFound
	}
	return nil
}

// GetUserOAuthApp retrieves a user's own OAuth app for a provider
func (ps PostgresDbStore) GetUserOAuthApp(ctx context.Context, userID uuid.UUID, provider string) (*models.UserOAuthApp, error) {
	var app models.UserOAuthApp
	err := ps.getDB(ctx).WithContext(ctx).
		Where("user_id = ? AND provider = ?", userID, provider).
		First(&app).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get user oauth app: %w", err)
	}
	return &app, nil
}

// ListUserOAuthApps returns every stored user OAuth app
func (ps PostgresDbStore) ListUserOAuthApps(ctx context.Context) ([]models.UserOAuthApp, error) {
	var apps []models.UserOAuthApp
	if err := ps.getDB(ctx).WithContext(ctx).Order("user_id, provider").Find(&apps).Error; err != nil {
		return nil, fmt.Errorf("failed to list user oauth apps: %w", err)
	}
	return apps, nil
}

// StoreUserOAuthApp upserts an app keyed by (user_id, provider)
func (ps PostgresDbStore) StoreUserOAuthApp(ctx context.Context, app *models.UserOAuthApp) error {
	if app.ID == uuid.Nil {
		app.ID = uuid.New()
	}
	app.UpdatedAt = time.Now().UTC()
	err := ps.getDB(ctx).WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "provider"}},
		DoUpdates: clause.AssignmentColumns([]string{"client_id", "encrypted_client_secret", "redirect_uri", "updated_at"}),
	}).Create(app).Error
	if err != nil {
		return fmt.Errorf("failed to store user oauth app: %w", err)
	}
	return nil
}

// DeleteUserOAuthApp removes a user's OAuth app for a provider
func (ps PostgresDbStore) DeleteUserOAuthApp(ctx context.Context, userID uuid.UUID, provider string) error {
	result := ps.getDB(ctx).WithContext(ctx).
		Where("user_id = ? AND provider = ?", userID, provider).
		Delete(&models.UserOAuthApp{})
	if result.Error != nil {
		return fmt.Errorf("failed to delete user oauth app: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return store.ErrNotFound
	}
	return nil
}
