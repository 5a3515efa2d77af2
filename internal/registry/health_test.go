package registry

import (
	"context"
	"testing"

	"github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/pkg/health"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadinessFollowsSeeding(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	check := ReadinessCheck(store)

	got := check(ctx)
	assert.Equal(t, health.StatusDown, got.Status)
	assert.Contains(t, got.Message, "not seeded")

	require.NoError(t, store.Seed(ctx, testSKUs, nil))
	got = check(ctx)
	assert.Equal(t, health.StatusDegraded, got.Status)
	assert.Contains(t, got.Message, "no retailers")

	require.NoError(t, store.Seed(ctx, nil, testRetailers))
	got = check(ctx)
	assert.Equal(t, health.StatusUp, got.Status)
	assert.Contains(t, got.Message, "2 skus, 1 retailers")
}
