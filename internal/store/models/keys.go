package models

import (
	"time"

	"github.com/google/uuid"
)

// SystemSecret is a named secret owned by the platform itself, such as the
// MEK-wrapped database encryption key.
type SystemSecret struct {
	Name      string    `gorm:"primaryKey;type:text" json:"name"`
	Value     string    `gorm:"type:text;not null" json:"-"`
	CreatedAt time.Time `gorm:"autoCreateTime:false;default:timezone('utc', now())" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime:false;default:timezone('utc', now())" json:"updated_at"`
}

// TableName specifies the table name for the model
func (SystemSecret) TableName() string {
	return "system_secrets"
}

// KeyVersion is one generation of an encryption key for a scope. A nil
// TenantID is the global scope. Exactly one version per scope is active.
type KeyVersion struct {
	ID        uuid.UUID  `gorm:"primaryKey;type:uuid" json:"id" yaml:"-"`
	TenantID  *uuid.UUID `gorm:"type:uuid" json:"tenant_id,omitempty" yaml:"tenant_id,omitempty"`
	Version   uint32     `gorm:"type:integer;not null" json:"version" yaml:"version"`
	CreatedAt time.Time  `gorm:"autoCreateTime:false;not null" json:"created_at" yaml:"created_at"`
	ExpiresAt time.Time  `gorm:"not null" json:"expires_at" yaml:"expires_at"`
	IsActive  bool       `gorm:"not null;default:false" json:"is_active" yaml:"is_active"`
	Algorithm string     `gorm:"type:text;not null" json:"algorithm" yaml:"algorithm"`
}

// TableName specifies the table name for the model
func (KeyVersion) TableName() string {
	return "key_versions"
}

// IsExpired reports whether the version is past its expiry at now.
func (k *KeyVersion) IsExpired(now time.Time) bool {
	return !now.Before(k.ExpiresAt)
}

// Age returns how long ago the version was created.
func (k *KeyVersion) Age(now time.Time) time.Duration {
	return now.Sub(k.CreatedAt)
}
