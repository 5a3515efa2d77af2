package review

import (
	"context"

	"github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/internal/ingestion"
	"github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/internal/matching"
	"github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/internal/registry"
)

// aliasScope decides how far a decision's mapping may generalise. Picking a
// similarity or global-alias option is trusted globally. A manual mapping,
// or re-picking a distributor alias, stays with the distributor until some
// other reviewer has mapped the same key to the same id.
func aliasScope(snap *registry.Snapshot, a registry.Alias, chosen *matching.Option) registry.Scope {
	if chosen != nil && chosen.Source != matching.SourceDistributorAlias {
		return registry.ScopeGlobal
	}
	if confirmedByOther(snap, a) {
		return registry.ScopeGlobal
	}
	return registry.ScopeDistributor
}

// confirmedByOther reports whether an alias in any slot already maps a's key
// to a's canonical id on the word of a different actor.
func confirmedByOther(snap *registry.Snapshot, a registry.Alias) bool {
	for _, existing := range snap.Aliases() {
		if existing.Kind != a.Kind || existing.Key != a.Key || existing.CanonicalID != a.CanonicalID {
			continue
		}
		if existing.ActorID != "" && existing.ActorID != a.ActorID {
			return true
		}
	}
	return false
}

// learn appends the alias produced by an accept or override. The decision
// is already durable, so a failed append is logged and counted but does not
// fail the request.
func (w *Workflow) learn(ctx context.Context, snap *registry.Snapshot, c *ingestion.MatchCandidate, d ingestion.Decision, chosen *matching.Option) {
	a := registry.Alias{
		Key:           matching.Key(c.Raw),
		Kind:          c.Kind,
		CanonicalID:   c.ResolvedCanonicalID,
		DistributorID: c.DistributorID,
		ActorID:       d.ActorID,
		DecisionID:    d.ID,
		AcceptedAt:    d.DecidedAt,
	}
	if a.Key == "" {
		return
	}
	a.Scope = aliasScope(snap, a, chosen)

	applied, err := w.registry.AppendAlias(ctx, a)
	outcome := "applied"
	switch {
	case err != nil:
		outcome = "error"
		w.logger.Error("alias append failed",
			"decision_id", d.ID,
			"key", a.Key,
			"canonical_id", a.CanonicalID,
			"scope", a.Scope,
			"error", err,
		)
	case !applied:
		outcome = "superseded"
	}
	if w.metrics != nil {
		w.metrics.AliasAppends.WithLabelValues(string(a.Scope), outcome).Inc()
	}
	if err == nil {
		w.logger.Info("alias recorded",
			"key", a.Key,
			"kind", a.Kind,
			"canonical_id", a.CanonicalID,
			"scope", a.Scope,
			"distributor_id", a.DistributorID,
			"applied", applied,
		)
	}
}
