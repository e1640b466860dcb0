package store

import (
	"context"

	"github.com/catalystcommunity/pierre/internal/store/models"
	"github.com/google/uuid"
)

var AppStore Store

// Store is the persistence surface of the platform core. A nil tenantID
// addresses the global key scope.
type Store interface {
	Initialize() (deferredFunc func(), err error)
	Ping(ctx context.Context) error

	// InTransaction runs fn atomically. Store calls made with the context fn
	// receives join the transaction.
	InTransaction(ctx context.Context, fn func(ctx context.Context) error) error

	// System secret operations
	GetSystemSecret(ctx context.Context, name string) (string, error)
	UpdateSystemSecret(ctx context.Context, name, value string) error

	// Tenant operations
	CreateTenant(ctx context.Context, tenant *models.Tenant) error
	GetTenant(ctx context.Context, tenantID uuid.UUID) (*models.Tenant, error)
	ListTenants(ctx context.Context) ([]models.Tenant, error)

	// Key version operations
	StoreKeyVersion(ctx context.Context, version *models.KeyVersion) error
	UpdateKeyVersionStatus(ctx context.Context, tenantID *uuid.UUID, version uint32, isActive bool) error
	ActivateKeyVersion(ctx context.Context, tenantID *uuid.UUID, version uint32) error
	GetKeyVersions(ctx context.Context, tenantID *uuid.UUID) ([]models.KeyVersion, error)
	DeleteOldKeyVersions(ctx context.Context, tenantID *uuid.UUID, retainCount int) (int64, error)

	// Tenant OAuth credential operations
	GetTenantOAuthCredentials(ctx context.Context, tenantID uuid.UUID, provider string) (*models.TenantOAuthCredential, error)
	ListTenantOAuthCredentials(ctx context.Context) ([]models.TenantOAuthCredential, error)
	StoreTenantOAuthCredentials(ctx context.Context, creds *models.TenantOAuthCredential) error
	DeleteTenantOAuthCredentials(ctx context.Context, tenantID uuid.UUID, provider string) error

	// User OAuth app operations
	GetUserOAuthApp(ctx context.Context, userID uuid.UUID, provider string) (*models.UserOAuthApp, error)
	ListUserOAuthApps(ctx context.Context) ([]models.UserOAuthApp, error)
	StoreUserOAuthApp(ctx context.Context, app *models.UserOAuthApp) error
	DeleteUserOAuthApp(ctx context.Context, userID uuid.UUID, provider string) error
}
