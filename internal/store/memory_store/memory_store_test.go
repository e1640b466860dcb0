package memory_store

import (
	"context"
	"sync"
	"testing"

	"github.com/catalystcommunity/pierre/internal/store/models"
	"github.com/catalystcommunity/pierre/internal/store/storetest"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreContract(t *testing.T) {
	storetest.Run(t, New())
}

func TestConcurrentActivationKeepsSingleActiveVersion(t *testing.T) {
	ctx := context.Background()
	s := New()
	tenantID := uuid.New()

	for v := uint32(1); v <= 10; v++ {
		require.NoError(t, s.StoreKeyVersion(ctx, &models.KeyVersion{TenantID: &tenantID, Version: v, IsActive: v == 1}))
	}

	var wg sync.WaitGroup
	for v := uint32(1); v <= 10; v++ {
		wg.Add(1)
		go func(version uint32) {
			defer wg.Done()
			assert.NoError(t, s.ActivateKeyVersion(ctx, &tenantID, version))
		}(v)
	}
	wg.Wait()

	versions, err := s.GetKeyVersions(ctx, &tenantID)
	require.NoError(t, err)
	active := 0
	for _, v := range versions {
		if v.IsActive {
			active++
		}
	}
	assert.Equal(t, 1, active)
}
