package store

import (
	"errors"
	"sort"

	"github.com/catalystcommunity/pierre/internal/store/models"
)

const (
	PostgresdbStoreType = "postgresdb"
	MemoryStoreType     = "memory"
)

// Common errors that can be returned by any store implementation
var (
	ErrNotFound           = errors.New("record not found")
	ErrInvalidInput       = errors.New("invalid input")
	ErrAlreadyExists      = errors.New("record already exists")
	ErrInternal           = errors.New("internal error")
	ErrServiceUnavailable = errors.New("service unavailable") // external dependency is down
)

// SortKeyVersions orders versions newest first, the order GetKeyVersions returns.
func SortKeyVersions(versions []models.KeyVersion) {
	sort.Slice(versions, func(i, j int) bool {
		return versions[i].Version > versions[j].Version
	})
}

// VersionsToPrune picks the versions DeleteOldKeyVersions removes: everything
// beyond the newest retainCount, never the active version.
func VersionsToPrune(versions []models.KeyVersion, retainCount int) []uint32 {
	if retainCount < 1 {
		retainCount = 1
	}
	sorted := make([]models.KeyVersion, len(versions))
	copy(sorted, versions)
	SortKeyVersions(sorted)

	var prune []uint32
	for i, v := range sorted {
		if i < retainCount || v.IsActive {
			continue
		}
		prune = append(prune, v.Version)
	}
	return prune
}
