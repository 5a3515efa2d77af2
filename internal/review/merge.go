package review

import (
	"context"
	"fmt"
	"strings"

	"github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/internal/clustering"
	"github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/internal/events"
	"github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/internal/ingestion"
	"github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/internal/matching"
	"github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/internal/registry"
	apperrors "github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/pkg/errors"
)

// MemberOutcome reports what a merge did to one group member.
type MemberOutcome struct {
	CandidateID string `json:"candidate_id"`
	Applied     bool   `json:"applied"`
	State       string `json:"state,omitempty"`
	Version     int64  `json:"version,omitempty"`
	ErrorKind   string `json:"error_kind,omitempty"`
	Error       string `json:"error,omitempty"`
}

// MergeResult is the group after a merge and the per-member outcomes.
type MergeResult struct {
	Group   *clustering.DuplicateGroup `json:"group"`
	Members []MemberOutcome            `json:"members"`
}

// MergeDuplicateGroup resolves every Pending member of an Open group to
// canonicalID. The group is marked Merged first, so a concurrent merge or
// dismissal fails before any member changes. Members are then processed
// independently: one that was resolved concurrently is reported as failed
// without aborting the rest.
func (w *Workflow) MergeDuplicateGroup(ctx context.Context, groupID, canonicalID, actorID string) (*MergeResult, error) {
	if err := requireActor(actorID); err != nil {
		return nil, err
	}
	canonicalID = strings.TrimSpace(canonicalID)
	if canonicalID == "" {
		return nil, apperrors.Validation("representative canonical id is required")
	}
	group, err := w.groups.Get(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if group.State != clustering.GroupOpen {
		return nil, apperrors.InvalidTransition("duplicate group %s is already %s", groupID, group.State)
	}
	snap, err := w.registry.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading registry: %w", err)
	}
	if !snap.Exists(registry.KindRetailer, canonicalID) {
		return nil, apperrors.Validation("retailer %s does not exist in the registry", canonicalID)
	}

	merged, err := w.groups.Resolve(ctx, group.ID, clustering.GroupMerged, canonicalID, actorID)
	if err != nil {
		return nil, fmt.Errorf("claiming group %s: %w", group.ID, err)
	}

	result := &MergeResult{Group: merged, Members: make([]MemberOutcome, 0, len(merged.MemberIDs))}
	touched := make(map[string]bool)
	for _, id := range merged.MemberIDs {
		c, err := w.mergeMember(ctx, snap, merged.ID, id, canonicalID, actorID)
		if err != nil {
			result.Members = append(result.Members, MemberOutcome{
				CandidateID: id,
				ErrorKind:   string(apperrors.KindOf(err)),
				Error:       err.Error(),
			})
			w.logger.Warn("merge member skipped", "group_id", merged.ID, "candidate_id", id, "error", err)
			continue
		}
		result.Members = append(result.Members, MemberOutcome{
			CandidateID: id,
			Applied:     true,
			State:       string(c.State),
			Version:     c.Version,
		})
		touched[c.DocumentID] = true
	}

	w.emitGroup(merged)
	for docID := range touched {
		w.settle(ctx, docID)
	}
	w.logger.Info("duplicate group merged",
		"group_id", merged.ID,
		"canonical_id", canonicalID,
		"members", len(merged.MemberIDs),
		"applied", len(touched),
	)
	return result, nil
}

// mergeMember applies accept semantics to one member at its current
// version. When the representative is among the member's ranked options it
// is recorded as an Accept of that rank, otherwise as an Override.
func (w *Workflow) mergeMember(ctx context.Context, snap *registry.Snapshot, groupID, candidateID, canonicalID, actorID string) (*ingestion.MatchCandidate, error) {
	c, err := w.store.GetCandidate(ctx, candidateID)
	if err != nil {
		return nil, err
	}
	c, err = w.load(ctx, c.ID, c.Version)
	if err != nil {
		return nil, err
	}

	action, state := ingestion.ActionOverride, ingestion.CandidateOverridden
	var chosen *matching.Option
	for _, o := range c.Options {
		if o.CanonicalID == canonicalID {
			chosen = &o
			action, state = ingestion.ActionAccept, ingestion.CandidateAccepted
			break
		}
	}
	d := w.newDecision(c, actorID, action)
	d.NewValue = canonicalID
	d.GroupID = groupID
	if chosen != nil {
		d.ChosenRank = chosen.Rank
	}
	next := resolved(c, state, canonicalID, d.ID)
	if err := w.apply(ctx, next, c.Version, d, "merge"); err != nil {
		return nil, err
	}
	w.learn(ctx, snap, next, d, chosen)
	return next, nil
}

// DismissDuplicateGroup closes an Open group without touching its members.
// A dismissed set of members is not proposed again.
func (w *Workflow) DismissDuplicateGroup(ctx context.Context, groupID, actorID string) (*clustering.DuplicateGroup, error) {
	if err := requireActor(actorID); err != nil {
		return nil, err
	}
	g, err := w.groups.Resolve(ctx, groupID, clustering.GroupDismissed, "", actorID)
	if err != nil {
		return nil, err
	}
	w.emitGroup(g)
	w.logger.Info("duplicate group dismissed", "group_id", g.ID, "actor_id", actorID)
	return g, nil
}

func (w *Workflow) GetGroup(ctx context.Context, id string) (*clustering.DuplicateGroup, error) {
	return w.groups.Get(ctx, id)
}

func (w *Workflow) ListGroups(ctx context.Context, state clustering.GroupState) ([]*clustering.DuplicateGroup, error) {
	return w.groups.List(ctx, state)
}

func (w *Workflow) emitGroup(g *clustering.DuplicateGroup) {
	w.events.Emit(g.ID, events.TypeGroupResolved, events.GroupResolved{
		GroupID:     g.ID,
		State:       string(g.State),
		CanonicalID: g.MergedCanonicalID,
		ActorID:     g.ResolvedBy,
		At:          g.UpdatedAt,
	})
}
