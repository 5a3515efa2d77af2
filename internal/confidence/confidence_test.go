package confidence

import (
	"testing"

	"github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/internal/registry"
	"github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/pkg/config"
	"github.com/stretchr/testify/assert"
)

func TestTierBoundaries(t *testing.T) {
	p := DefaultPolicy()
	cases := []struct {
		score float64
		want  Tier
	}{
		{0, TierLow},
		{74.99, TierLow},
		{75, TierMedium},
		{89.99, TierMedium},
		{90, TierHigh},
		{100, TierHigh},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, p.Tier(tc.score), "score %v", tc.score)
	}
}

func TestTierIsMonotonic(t *testing.T) {
	p := DefaultPolicy()
	rank := map[Tier]int{TierLow: 0, TierMedium: 1, TierHigh: 2}
	prev := rank[p.Tier(0)]
	for s := 0.0; s <= 100; s += 0.25 {
		cur := rank[p.Tier(s)]
		assert.GreaterOrEqual(t, cur, prev, "tier dropped at %v", s)
		prev = cur
	}
}

func TestAutoAcceptRequiresEligibleKind(t *testing.T) {
	p := DefaultPolicy()

	assert.True(t, p.Evaluate(98, registry.KindSKU).AutoAccept)
	assert.False(t, p.Evaluate(97.99, registry.KindSKU).AutoAccept)
	assert.False(t, p.Evaluate(100, registry.KindRetailer).AutoAccept)
	assert.Equal(t, TierHigh, p.Evaluate(100, registry.KindRetailer).Tier)
}

func TestNewPolicyFromConfig(t *testing.T) {
	p := NewPolicy(config.ConfidenceConfig{
		HighThreshold:       80,
		MediumThreshold:     60,
		AutoAcceptThreshold: 95,
		AutoAcceptKinds:     []string{"sku", "retailer"},
	})
	assert.Equal(t, TierHigh, p.Tier(80))
	assert.Equal(t, TierMedium, p.Tier(60))
	assert.True(t, p.Evaluate(95, registry.KindRetailer).AutoAccept)
}
