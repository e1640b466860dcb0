package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Tenant is an isolated customer scope for credentials, rate limits and keys.
type Tenant struct {
	TenantID  uuid.UUID `gorm:"primaryKey;type:uuid" json:"tenant_id"`
	CreatedAt time.Time `gorm:"autoCreateTime:false;default:timezone('utc', now())" json:"created_at"`
	Name      string    `gorm:"type:text;not null" json:"name"`
	Slug      string    `gorm:"type:text;not null;uniqueIndex" json:"slug"`
}

// TableName specifies the table name for the model
func (Tenant) TableName() string {
	return "tenants"
}

// TenantOAuthCredential is an OAuth application a tenant admin registered for
// a provider. The client secret is encrypted with the tenant key derived for
// KeyVersion.
type TenantOAuthCredential struct {
	ID                    uuid.UUID      `gorm:"primaryKey;type:uuid" json:"id"`
	CreatedAt             time.Time      `gorm:"autoCreateTime:false;default:timezone('utc', now())" json:"created_at"`
	UpdatedAt             time.Time      `gorm:"autoUpdateTime:false;default:timezone('utc', now())" json:"updated_at"`
	TenantID              uuid.UUID      `gorm:"type:uuid;not null" json:"tenant_id"`
	Provider              string         `gorm:"type:text;not null" json:"provider"`
	ClientID              string         `gorm:"type:text;not null" json:"client_id"`
	EncryptedClientSecret []byte         `gorm:"type:bytea;not null" json:"-"`
	KeyVersion            uint32         `gorm:"type:integer;not null;default:1" json:"key_version"`
	RedirectURI           string         `gorm:"type:text;not null" json:"redirect_uri"`
	Scopes                pq.StringArray `gorm:"type:text[];not null" json:"scopes"`
	RateLimitPerDay       uint32         `gorm:"type:integer;not null" json:"rate_limit_per_day"`
	ConfiguredBy          *uuid.UUID     `gorm:"type:uuid" json:"configured_by,omitempty"`
}

// TableName specifies the table name for the model
func (TenantOAuthCredential) TableName() string {
	return "tenant_oauth_credentials"
}

// UserOAuthApp is an OAuth application a single user registered for a provider.
type UserOAuthApp struct {
	ID                    uuid.UUID `gorm:"primaryKey;type:uuid" json:"id"`
	CreatedAt             time.Time `gorm:"autoCreateTime:false;default:timezone('utc', now())" json:"created_at"`
	UpdatedAt             time.Time `gorm:"autoUpdateTime:false;default:timezone('utc', now())" json:"updated_at"`
	UserID                uuid.UUID `gorm:"type:uuid;not null" json:"user_id"`
	Provider              string    `gorm:"type:text;not null" json:"provider"`
	ClientID              string    `gorm:"type:text;not null" json:"client_id"`
	EncryptedClientSecret []byte    `gorm:"type:bytea;not null" json:"-"`
	RedirectURI           string    `gorm:"type:text;not null" json:"redirect_uri"`
}

// TableName specifies the table name for the model
func (UserOAuthApp) TableName() string {
	return "user_oauth_apps"
}
