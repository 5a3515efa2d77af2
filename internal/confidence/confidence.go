// Package confidence maps match scores onto review tiers and decides which
// matches may be resolved without a reviewer.
package confidence

import (
	"github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/internal/registry"
	"github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/pkg/config"
)

type Tier string

const (
	TierHigh   Tier = "High"
	TierMedium Tier = "Medium"
	TierLow    Tier = "Low"
)

// Policy holds the tier boundaries and the auto-accept rule. The zero value
// is not usable; build one with NewPolicy or DefaultPolicy.
type Policy struct {
	High            float64
	Medium          float64
	AutoAccept      float64
	AutoAcceptKinds map[registry.Kind]bool
}

// Evaluation is the outcome of scoring one match.
type Evaluation struct {
	Tier       Tier `json:"tier"`
	AutoAccept bool `json:"auto_accept"`
}

func DefaultPolicy() Policy {
	return Policy{
		High:            90,
		Medium:          75,
		AutoAccept:      98,
		AutoAcceptKinds: map[registry.Kind]bool{registry.KindSKU: true},
	}
}

func NewPolicy(cfg config.ConfidenceConfig) Policy {
	kinds := make(map[registry.Kind]bool, len(cfg.AutoAcceptKinds))
	for _, k := range cfg.AutoAcceptKinds {
		kinds[registry.Kind(k)] = true
	}
	return Policy{
		High:            cfg.HighThreshold,
		Medium:          cfg.MediumThreshold,
		AutoAccept:      cfg.AutoAcceptThreshold,
		AutoAcceptKinds: kinds,
	}
}

// Tier classifies a score. Every score, including out-of-range ones, lands
// in exactly one tier.
func (p Policy) Tier(score float64) Tier {
	switch {
	case score >= p.High:
		return TierHigh
	case score >= p.Medium:
		return TierMedium
	default:
		return TierLow
	}
}

// Evaluate classifies score and reports whether a match of kind with that
// score may be accepted automatically.
func (p Policy) Evaluate(score float64, kind registry.Kind) Evaluation {
	return Evaluation{
		Tier:       p.Tier(score),
		AutoAccept: score >= p.AutoAccept && p.AutoAcceptKinds[kind],
	}
}
