package registry

import (
	"context"
	"testing"
	"time"

	apperrors "github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testSKUs = []SKUEntry{
		{ID: "CIPL-PARA-500-10", DisplayName: "Paracetamol 500mg", Strength: "500", Pack: "10"},
		{ID: "GSK-AMOX-250-15", DisplayName: "Amoxicillin 250mg", Strength: "250", Pack: "15"},
	}
	testRetailers = []RetailerEntry{
		{ID: "RET-KUMAR", DisplayName: "Kumar Medical Stores"},
	}
)

func seeded(t *testing.T) *MemoryStore {
	t.Helper()
	store := NewMemoryStore()
	require.NoError(t, store.Seed(context.Background(), testSKUs, testRetailers))
	return store
}

func alias(key, canonical, distributor string, scope Scope, at time.Time, decision string) Alias {
	return Alias{
		Key:           key,
		Kind:          KindSKU,
		CanonicalID:   canonical,
		DistributorID: distributor,
		Scope:         scope,
		ActorID:       "reviewer-1",
		DecisionID:    decision,
		AcceptedAt:    at,
	}
}

func TestSeedRejectsChangedRecord(t *testing.T) {
	store := seeded(t)
	ctx := context.Background()

	require.NoError(t, store.Seed(ctx, testSKUs[:1], nil), "identical reseed is a no-op")

	changed := testSKUs[0]
	changed.DisplayName = "Paracetamol 650mg"
	err := store.Seed(ctx, []SKUEntry{changed}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrValidation)

	snap, err := store.Snapshot(ctx)
	require.NoError(t, err)
	got, ok := snap.SKU("CIPL-PARA-500-10")
	require.True(t, ok)
	assert.Equal(t, "Paracetamol 500mg", got.DisplayName)
}

func TestAppendAliasLastWriterWins(t *testing.T) {
	store := seeded(t)
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	applied, err := store.AppendAlias(ctx, alias("para50010", "CIPL-PARA-500-10", "D1", ScopeGlobal, t0, "dec-b"))
	require.NoError(t, err)
	assert.True(t, applied)

	// An older decision arriving late does not replace the newer one.
	applied, err = store.AppendAlias(ctx, alias("para50010", "GSK-AMOX-250-15", "D1", ScopeGlobal, t0.Add(-time.Minute), "dec-z"))
	require.NoError(t, err)
	assert.False(t, applied)

	// Same timestamp: the larger decision id wins.
	applied, err = store.AppendAlias(ctx, alias("para50010", "GSK-AMOX-250-15", "D1", ScopeGlobal, t0, "dec-a"))
	require.NoError(t, err)
	assert.False(t, applied)
	applied, err = store.AppendAlias(ctx, alias("para50010", "GSK-AMOX-250-15", "D1", ScopeGlobal, t0, "dec-c"))
	require.NoError(t, err)
	assert.True(t, applied)

	snap, err := store.Snapshot(ctx)
	require.NoError(t, err)
	got, ok := snap.LookupAlias(KindSKU, "para50010", "D9")
	require.True(t, ok)
	assert.Equal(t, "GSK-AMOX-250-15", got.CanonicalID)
	assert.Equal(t, "dec-c", got.DecisionID)
}

func TestAppendAliasRejectsUnknownCanonical(t *testing.T) {
	store := seeded(t)
	_, err := store.AppendAlias(context.Background(), alias("x", "NOPE", "D1", ScopeGlobal, time.Now(), "d"))
	assert.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestLookupPrefersDistributorScope(t *testing.T) {
	store := seeded(t)
	ctx := context.Background()
	now := time.Now()

	_, err := store.AppendAlias(ctx, alias("para", "CIPL-PARA-500-10", "D1", ScopeGlobal, now, "d1"))
	require.NoError(t, err)
	_, err = store.AppendAlias(ctx, alias("para", "GSK-AMOX-250-15", "D2", ScopeDistributor, now, "d2"))
	require.NoError(t, err)

	snap, err := store.Snapshot(ctx)
	require.NoError(t, err)

	a, ok := snap.LookupAlias(KindSKU, "para", "D2")
	require.True(t, ok)
	assert.Equal(t, "GSK-AMOX-250-15", a.CanonicalID)

	a, ok = snap.LookupAlias(KindSKU, "para", "D3")
	require.True(t, ok)
	assert.Equal(t, "CIPL-PARA-500-10", a.CanonicalID)

	_, ok = snap.LookupAlias(KindRetailer, "para", "D2")
	assert.False(t, ok)

	assert.Equal(t, 1, snap.AliasCount(KindSKU, "D2", "GSK-AMOX-250-15"))
	assert.Equal(t, 0, snap.AliasCount(KindSKU, "D1", "GSK-AMOX-250-15"))
}

func TestSnapshotsAreImmutable(t *testing.T) {
	store := seeded(t)
	ctx := context.Background()

	before, err := store.Snapshot(ctx)
	require.NoError(t, err)

	_, err = store.AppendAlias(ctx, alias("para", "CIPL-PARA-500-10", "D1", ScopeGlobal, time.Now(), "d1"))
	require.NoError(t, err)

	after, err := store.Snapshot(ctx)
	require.NoError(t, err)

	assert.Greater(t, after.Version, before.Version)
	_, ok := before.LookupAlias(KindSKU, "para", "D1")
	assert.False(t, ok)
	_, ok = after.LookupAlias(KindSKU, "para", "D1")
	assert.True(t, ok)
}

func TestParseSeed(t *testing.T) {
	f, err := ParseSeed([]byte(`
skus:
  - id: CIPL-PARA-500-10
    displayName: Paracetamol 500mg
    strength: "500"
    pack: "10"
retailers:
  - id: RET-KUMAR
    displayName: Kumar Medical Stores
`))
	require.NoError(t, err)
	require.Len(t, f.SKUs, 1)
	assert.Equal(t, testSKUs[0], f.SKUs[0])
	require.Len(t, f.Retailers, 1)
	assert.Equal(t, "Kumar Medical Stores", f.Retailers[0].DisplayName)
}
