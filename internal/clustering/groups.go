package clustering

import (
	"context"
	"sort"
	"sync"
	"time"

	apperrors "github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/pkg/errors"
	"github.com/google/uuid"
)

type GroupState string

const (
	GroupOpen      GroupState = "Open"
	GroupMerged    GroupState = "Merged"
	GroupDismissed GroupState = "Dismissed"
)

// CanTransitionGroup reports whether a group may move between states. Only
// Open groups change.
func CanTransitionGroup(from, to GroupState) bool {
	return from == GroupOpen && (to == GroupMerged || to == GroupDismissed)
}

// DuplicateGroup is a persisted merge proposal.
type DuplicateGroup struct {
	ID                        string     `json:"id"`
	MemberIDs                 []string   `json:"member_ids"`
	RepresentativeCandidateID string     `json:"representative_candidate_id"`
	SuggestedCanonicalID      *string    `json:"suggested_canonical_id"`
	State                     GroupState `json:"state"`
	MergedCanonicalID         string     `json:"merged_canonical_id,omitempty"`
	ResolvedBy                string     `json:"resolved_by,omitempty"`
	CreatedAt                 time.Time  `json:"created_at"`
	UpdatedAt                 time.Time  `json:"updated_at"`
}

func (g *DuplicateGroup) Clone() *DuplicateGroup {
	c := *g
	c.MemberIDs = append([]string(nil), g.MemberIDs...)
	if g.SuggestedCanonicalID != nil {
		s := *g.SuggestedCanonicalID
		c.SuggestedCanonicalID = &s
	}
	return &c
}

// GroupStore persists duplicate groups.
type GroupStore interface {
	// Propose records g. A proposal overlapping Open groups is folded into
	// the oldest of them; one contained in a Dismissed group is dropped.
	// It returns the stored group, or nil when nothing was written.
	Propose(ctx context.Context, g Group) (*DuplicateGroup, error)
	// Get returns the group with id. The id of a group folded away by
	// Propose resolves to the group that absorbed it.
	Get(ctx context.Context, id string) (*DuplicateGroup, error)
	// List returns groups in state, or every group when state is empty,
	// oldest first.
	List(ctx context.Context, state GroupState) ([]*DuplicateGroup, error)
	// Resolve moves an Open group to Merged or Dismissed. Folded ids
	// resolve as in Get.
	Resolve(ctx context.Context, id string, to GroupState, canonicalID, actorID string) (*DuplicateGroup, error)
}

func newDuplicateGroup(g Group, now time.Time) *DuplicateGroup {
	return &DuplicateGroup{
		ID:                        uuid.NewString(),
		MemberIDs:                 sortedUnique(g.MemberIDs),
		RepresentativeCandidateID: g.RepresentativeID,
		SuggestedCanonicalID:      optional(g.SuggestedCanonicalID),
		State:                     GroupOpen,
		CreatedAt:                 now,
		UpdatedAt:                 now,
	}
}

// absorb folds a fresh proposal into an existing open group. The
// representative from the proposal wins only when it covers every member
// the group already had.
func absorb(existing *DuplicateGroup, g Group, now time.Time) bool {
	merged := sortedUnique(append(append([]string(nil), existing.MemberIDs...), g.MemberIDs...))
	covers := subset(existing.MemberIDs, g.MemberIDs)
	if len(merged) == len(existing.MemberIDs) && !covers {
		return false
	}
	changed := len(merged) != len(existing.MemberIDs)
	existing.MemberIDs = merged
	if covers {
		if existing.RepresentativeCandidateID != g.RepresentativeID {
			changed = true
		}
		existing.RepresentativeCandidateID = g.RepresentativeID
		existing.SuggestedCanonicalID = optional(g.SuggestedCanonicalID)
	}
	if changed {
		existing.UpdatedAt = now
	}
	return changed
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func sortedUnique(ids []string) []string {
	out := append([]string(nil), ids...)
	sort.Strings(out)
	w := 0
	for i, id := range out {
		if i == 0 || id != out[w-1] {
			out[w] = id
			w++
		}
	}
	return out[:w]
}

// subset reports whether every id in small is in big.
func subset(small, big []string) bool {
	set := make(map[string]bool, len(big))
	for _, id := range big {
		set[id] = true
	}
	for _, id := range small {
		if !set[id] {
			return false
		}
	}
	return true
}

func overlaps(a, b []string) bool {
	set := make(map[string]bool, len(a))
	for _, id := range a {
		set[id] = true
	}
	for _, id := range b {
		if set[id] {
			return true
		}
	}
	return false
}

// MemoryGroupStore is an in-process GroupStore.
type MemoryGroupStore struct {
	mu     sync.Mutex
	groups map[string]*DuplicateGroup
	order  []string

	// folded maps the id of a group absorbed by Propose to its survivor.
	folded map[string]string

	now func() time.Time
}

func NewMemoryGroupStore() *MemoryGroupStore {
	return &MemoryGroupStore{
		groups: make(map[string]*DuplicateGroup),
		folded: make(map[string]string),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (m *MemoryGroupStore) Propose(ctx context.Context, g Group) (*DuplicateGroup, error) {
	if len(g.MemberIDs) < 2 {
		return nil, apperrors.Validation("a duplicate group needs at least two members")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()

	var open []*DuplicateGroup
	for _, id := range m.order {
		existing := m.groups[id]
		switch existing.State {
		case GroupDismissed:
			if subset(g.MemberIDs, existing.MemberIDs) {
				return nil, nil
			}
		case GroupOpen:
			if overlaps(existing.MemberIDs, g.MemberIDs) {
				open = append(open, existing)
			}
		}
	}

	if len(open) == 0 {
		created := newDuplicateGroup(g, now)
		m.groups[created.ID] = created
		m.order = append(m.order, created.ID)
		return created.Clone(), nil
	}

	target := open[0]
	changed := false
	for _, other := range open[1:] {
		target.MemberIDs = sortedUnique(append(target.MemberIDs, other.MemberIDs...))
		delete(m.groups, other.ID)
		m.removeFromOrder(other.ID)
		for old, into := range m.folded {
			if into == other.ID {
				m.folded[old] = target.ID
			}
		}
		m.folded[other.ID] = target.ID
		changed = true
	}
	if absorb(target, g, now) {
		changed = true
	}
	if !changed {
		return nil, nil
	}
	target.UpdatedAt = now
	return target.Clone(), nil
}

func (m *MemoryGroupStore) removeFromOrder(id string) {
	for i, v := range m.order {
		if v == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			return
		}
	}
}

// survivor returns the group id now holding id's members. Caller holds mu.
func (m *MemoryGroupStore) survivor(id string) string {
	if into, ok := m.folded[id]; ok {
		return into
	}
	return id
}

func (m *MemoryGroupStore) Get(ctx context.Context, id string) (*DuplicateGroup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[m.survivor(id)]
	if !ok {
		return nil, apperrors.NotFound("duplicate group", id)
	}
	return g.Clone(), nil
}

func (m *MemoryGroupStore) List(ctx context.Context, state GroupState) ([]*DuplicateGroup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*DuplicateGroup
	for _, id := range m.order {
		g := m.groups[id]
		if state == "" || g.State == state {
			out = append(out, g.Clone())
		}
	}
	return out, nil
}

func (m *MemoryGroupStore) Resolve(ctx context.Context, id string, to GroupState, canonicalID, actorID string) (*DuplicateGroup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[m.survivor(id)]
	if !ok {
		return nil, apperrors.NotFound("duplicate group", id)
	}
	if !CanTransitionGroup(g.State, to) {
		return nil, apperrors.InvalidTransition("duplicate group %s is %s", g.ID, g.State)
	}
	g.State = to
	g.MergedCanonicalID = canonicalID
	g.ResolvedBy = actorID
	g.UpdatedAt = m.now()
	return g.Clone(), nil
}
