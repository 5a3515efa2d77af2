package registry

import (
	"context"
	"fmt"

	"github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/pkg/health"
)

// ReadinessCheck reports down until the registry holds SKU records: with no
// canonical products every line item would land in review. A registry with
// products but no retailers is only degraded.
func ReadinessCheck(reg Registry) health.Check {
	return func(ctx context.Context) health.ComponentHealth {
		snap, err := reg.Snapshot(ctx)
		if err != nil {
			return health.ComponentHealth{Status: health.StatusDown, Message: err.Error()}
		}
		skus, retailers := snap.Len(KindSKU), snap.Len(KindRetailer)
		summary := fmt.Sprintf("version %d, %d skus, %d retailers", snap.Version, skus, retailers)
		switch {
		case skus == 0:
			return health.ComponentHealth{Status: health.StatusDown, Message: "registry is not seeded: " + summary}
		case retailers == 0:
			return health.ComponentHealth{Status: health.StatusDegraded, Message: "registry has no retailers: " + summary}
		}
		return health.ComponentHealth{Status: health.StatusUp, Message: summary}
	}
}
