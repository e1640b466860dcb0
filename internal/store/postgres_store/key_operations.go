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

// GetSystemSecret returns the value of a named system secret
func (ps PostgresDbStore) GetSystemSecret(ctx context.Context, name string) (string, error) {
	var secret models.SystemSecret
	if err := ps.getDB(ctx).WithContext(ctx).Where("name = ?", name).First(&secret).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", store.ErrNotFound
		}
		return "", fmt.Errorf("failed to get system secret: %w", err)
	}
	return secret.Value, nil
}

// UpdateSystemSecret creates or replaces a named system secret
func (ps PostgresDbStore) UpdateSystemSecret(ctx context.Context, name, value string) error {
	if name == "" {
		return fmt.Errorf("%w: secret name is required", store.ErrInvalidInput)
	}
	secret := models.SystemSecret{Name: name, Value: value, UpdatedAt: time.Now().UTC()}
	err := ps.getDB(ctx).WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&secret).Error
	if err != nil {
		return fmt.Errorf("failed to update system secret: %w", err)
	}
	return nil
}

// scopeQuery restricts a key_versions query to one scope; nil is global.
func scopeQuery(db *gorm.DB, tenantID *uuid.UUID) *gorm.DB {
	if tenantID == nil {
		return db.Where("tenant_id IS NULL")
	}
	return db.Where("tenant_id = ?", *tenantID)
}

// StoreKeyVersion inserts a new key version
func (ps PostgresDbStore) StoreKeyVersion(ctx context.Context, version *models.KeyVersion) error {
	if version.ID == uuid.Nil {
		version.ID = uuid.New()
	}
	if err := ps.getDB(ctx).WithContext(ctx).Create(version).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("%w: key version %d", store.ErrAlreadyExists, version.Version)
		}
		return fmt.Errorf("failed to store key version: %w", err)
	}
	return nil
}

// UpdateKeyVersionStatus sets is_active on a single version
func (ps PostgresDbStore) UpdateKeyVersionStatus(ctx context.Context, tenantID *uuid.UUID, version uint32, isActive bool) error {
	result := scopeQuery(ps.getDB(ctx).WithContext(ctx).Model(&models.KeyVersion{}), tenantID).
		Where("version = ?", version).
		Update("is_active", isActive)
	if result.Error != nil {
		return fmt.Errorf("failed to update key version status: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return store.ErrNotFound
	}
	return nil
}

// ActivateKeyVersion makes version the only active version of its scope in a
// single transaction. The scope rows are locked so concurrent activations
// serialize.
func (ps PostgresDbStore) ActivateKeyVersion(ctx context.Context, tenantID *uuid.UUID, version uint32) error {
	return ps.InTransaction(ctx, func(ctx context.Context) error {
		tx := ps.getDB(ctx).WithContext(ctx)

		var locked []models.KeyVersion
		if err := scopeQuery(tx.Clauses(clause.Locking{Strength: "UPDATE"}), tenantID).Find(&locked).Error; err != nil {
			return fmt.Errorf("failed to lock key versions: %w", err)
		}
		found := false
		for _, v := range locked {
			if v.Version == version {
				found = true
				break
			}
		}
		if !found {
			return store.ErrNotFound
		}

		if err := scopeQuery(tx.Model(&models.KeyVersion{}), tenantID).
			Where("version <> ? AND is_active", version).
			Update("is_active", false).Error; err != nil {
			return fmt.Errorf("failed to deactivate key versions: %w", err)
		}
		if err := scopeQuery(tx.Model(&models.KeyVersion{}), tenantID).
			Where("version = ?", version).
			Update("is_active", true).Error; err != nil {
			return fmt.Errorf("failed to activate key version: %w", err)
		}
		return nil
	})
}

// GetKeyVersions returns every version of a scope, newest first
func (ps PostgresDbStore) GetKeyVersions(ctx context.Context, tenantID *uuid.UUID) ([]models.KeyVersion, error) {
	var versions []models.KeyVersion
	if err := scopeQuery(ps.getDB(ctx).WithContext(ctx), tenantID).Order("version DESC").Find(&versions).Error; err != nil {
		return nil, fmt.Errorf("failed to get key versions: %w", err)
	}
	return versions, nil
}

// DeleteOldKeyVersions removes versions beyond the newest retainCount. The
// active version is never removed.
func (ps PostgresDbStore) DeleteOldKeyVersions(ctx context.Context, tenantID *uuid.UUID, retainCount int) (int64, error) {
	versions, err := ps.GetKeyVersions(ctx, tenantID)
	if err != nil {
		return 0, err
	}
	prune := store.VersionsToPrune(versions, retainCount)
	if len(prune) == 0 {
		return 0, nil
	}

	result := scopeQuery(ps.getDB(ctx).WithContext(ctx), tenantID).
		Where("version IN ? AND NOT is_active", prune).
		Delete(&models.KeyVersion{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to delete old key versions: %w", result.Error)
	}
	return result.RowsAffected, nil
}
