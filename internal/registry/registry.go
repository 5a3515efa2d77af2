// Package registry holds the reference master data the reconciler matches
// against: canonical SKU and retailer records plus the alias table learned
// from review decisions. Readers work on immutable, versioned snapshots;
// writers go through a Registry implementation.
package registry

import (
	"context"
	"sort"
	"time"

	apperrors "github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/pkg/errors"
)

// Kind is the entity kind a raw string is resolved against.
type Kind string

const (
	KindSKU      Kind = "sku"
	KindRetailer Kind = "retailer"
)

func (k Kind) Valid() bool {
	return k == KindSKU || k == KindRetailer
}

// ParseKind accepts the wire names "sku" and "retailer".
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if !k.Valid() {
		return "", apperrors.Validation("unknown entity kind %q", s)
	}
	return k, nil
}

// SKUEntry is a canonical product record.
type SKUEntry struct {
	ID          string `json:"id" yaml:"id"`
	DisplayName string `json:"display_name" yaml:"displayName"`
	Strength    string `json:"strength,omitempty" yaml:"strength"`
	Pack        string `json:"pack,omitempty" yaml:"pack"`
}

// RetailerEntry is a canonical retailer record.
type RetailerEntry struct {
	ID          string `json:"id" yaml:"id"`
	DisplayName string `json:"display_name" yaml:"displayName"`
}

// Scope says how far an alias applies.
type Scope string

const (
	ScopeGlobal      Scope = "global"
	ScopeDistributor Scope = "distributor"
)

// Alias maps a normalized raw string to a canonical id. DistributorID is the
// distributor whose decision produced the alias; for ScopeDistributor it also
// limits where the alias applies.
type Alias struct {
	Key           string    `json:"key"`
	Kind          Kind      `json:"kind"`
	CanonicalID   string    `json:"canonical_id"`
	DistributorID string    `json:"distributor_id"`
	Scope         Scope     `json:"scope"`
	ActorID       string    `json:"actor_id"`
	DecisionID    string    `json:"decision_id"`
	AcceptedAt    time.Time `json:"accepted_at"`
}

// SlotScope is the distributor an alias is confined to, or "" when global.
func (a Alias) SlotScope() string {
	if a.Scope == ScopeDistributor {
		return a.DistributorID
	}
	return ""
}

// Supersedes reports whether a should replace b in the same alias slot:
// the later AcceptedAt wins, ties go to the larger decision id.
func (a Alias) Supersedes(b Alias) bool {
	if !a.AcceptedAt.Equal(b.AcceptedAt) {
		return a.AcceptedAt.After(b.AcceptedAt)
	}
	return a.DecisionID > b.DecisionID
}

func (a Alias) validate() error {
	if !a.Kind.Valid() {
		return apperrors.Validation("alias has unknown kind %q", a.Kind)
	}
	if a.Key == "" {
		return apperrors.Validation("alias key is empty")
	}
	if a.CanonicalID == "" {
		return apperrors.Validation("alias canonical id is empty")
	}
	switch a.Scope {
	case ScopeGlobal:
	case ScopeDistributor:
		if a.DistributorID == "" {
			return apperrors.Validation("distributor alias requires a distributor id")
		}
	default:
		return apperrors.Validation("alias has unknown scope %q", a.Scope)
	}
	if a.AcceptedAt.IsZero() {
		return apperrors.Validation("alias accepted_at is zero")
	}
	return nil
}

// Registry is the read/write surface of the reference data. Snapshot must be
// cheap when nothing changed since the previous call.
type Registry interface {
	Snapshot(ctx context.Context) (*Snapshot, error)
	// AppendAlias writes a into its slot unless a newer alias already holds
	// it. It reports whether the write took effect.
	AppendAlias(ctx context.Context, a Alias) (bool, error)
	// Seed publishes canonical records. Existing ids may be re-seeded with an
	// identical record; any change to a published record is rejected.
	Seed(ctx context.Context, skus []SKUEntry, retailers []RetailerEntry) error
}

type slotKey struct {
	kind  Kind
	key   string
	scope string
}

type countKey struct {
	kind        Kind
	distributor string
	canonical   string
}

// Snapshot is an immutable view of the registry at one version. Versions
// are only comparable within one Epoch: a store whose version counter can
// start over, such as the in-memory one after a restart, gets a new epoch
// each time.
type Snapshot struct {
	Version int64
	Epoch   string

	skus        []SKUEntry
	retailers   []RetailerEntry
	skuIndex    map[string]int
	retailerIdx map[string]int
	aliases     map[slotKey]Alias
	aliasCounts map[countKey]int
}

// NewSnapshot builds a snapshot from canonical records and aliases. Inputs
// are copied; records are ordered by id.
func NewSnapshot(version int64, skus []SKUEntry, retailers []RetailerEntry, aliases []Alias) *Snapshot {
	s := &Snapshot{
		Version:     version,
		skus:        append([]SKUEntry(nil), skus...),
		retailers:   append([]RetailerEntry(nil), retailers...),
		aliases:     make(map[slotKey]Alias, len(aliases)),
		aliasCounts: make(map[countKey]int),
	}
	sort.Slice(s.skus, func(i, j int) bool { return s.skus[i].ID < s.skus[j].ID })
	sort.Slice(s.retailers, func(i, j int) bool { return s.retailers[i].ID < s.retailers[j].ID })
	s.reindex()
	for _, a := range aliases {
		slot := slotKey{kind: a.Kind, key: a.Key, scope: a.SlotScope()}
		if cur, ok := s.aliases[slot]; ok && !a.Supersedes(cur) {
			continue
		}
		s.aliases[slot] = a
	}
	s.recount()
	return s
}

func (s *Snapshot) reindex() {
	s.skuIndex = make(map[string]int, len(s.skus))
	for i, e := range s.skus {
		s.skuIndex[e.ID] = i
	}
	s.retailerIdx = make(map[string]int, len(s.retailers))
	for i, e := range s.retailers {
		s.retailerIdx[e.ID] = i
	}
}

func (s *Snapshot) recount() {
	s.aliasCounts = make(map[countKey]int)
	for _, a := range s.aliases {
		s.aliasCounts[countKey{kind: a.Kind, distributor: a.DistributorID, canonical: a.CanonicalID}]++
	}
}

// withAlias returns a copy of s with a stored in its slot and the version
// bumped. The caller has already checked that a supersedes the current
// occupant.
func (s *Snapshot) withAlias(a Alias) *Snapshot {
	next := &Snapshot{
		Version:     s.Version + 1,
		Epoch:       s.Epoch,
		skus:        s.skus,
		retailers:   s.retailers,
		skuIndex:    s.skuIndex,
		retailerIdx: s.retailerIdx,
		aliases:     make(map[slotKey]Alias, len(s.aliases)+1),
	}
	for k, v := range s.aliases {
		next.aliases[k] = v
	}
	next.aliases[slotKey{kind: a.Kind, key: a.Key, scope: a.SlotScope()}] = a
	next.recount()
	return next
}

// SKUs returns the canonical SKU records ordered by id. The slice is shared
// and must not be modified.
func (s *Snapshot) SKUs() []SKUEntry { return s.skus }

// Retailers returns the canonical retailer records ordered by id. The slice
// is shared and must not be modified.
func (s *Snapshot) Retailers() []RetailerEntry { return s.retailers }

func (s *Snapshot) SKU(id string) (SKUEntry, bool) {
	i, ok := s.skuIndex[id]
	if !ok {
		return SKUEntry{}, false
	}
	return s.skus[i], true
}

func (s *Snapshot) Retailer(id string) (RetailerEntry, bool) {
	i, ok := s.retailerIdx[id]
	if !ok {
		return RetailerEntry{}, false
	}
	return s.retailers[i], true
}

// Exists reports whether id is a canonical record of the given kind.
func (s *Snapshot) Exists(kind Kind, id string) bool {
	_, ok := s.DisplayName(kind, id)
	return ok
}

// DisplayName returns the display name of a canonical record.
func (s *Snapshot) DisplayName(kind Kind, id string) (string, bool) {
	switch kind {
	case KindSKU:
		e, ok := s.SKU(id)
		return e.DisplayName, ok
	case KindRetailer:
		e, ok := s.Retailer(id)
		return e.DisplayName, ok
	}
	return "", false
}

// Len returns the number of canonical records of kind.
func (s *Snapshot) Len(kind Kind) int {
	switch kind {
	case KindSKU:
		return len(s.skus)
	case KindRetailer:
		return len(s.retailers)
	}
	return 0
}

// LookupAlias resolves key for a distributor: an alias confined to that
// distributor wins over a global one.
func (s *Snapshot) LookupAlias(kind Kind, key, distributorID string) (Alias, bool) {
	if distributorID != "" {
		if a, ok := s.aliases[slotKey{kind: kind, key: key, scope: distributorID}]; ok {
			return a, true
		}
	}
	a, ok := s.aliases[slotKey{kind: kind, key: key}]
	return a, ok
}

// AliasInSlot returns the alias stored for exactly (kind, key, scope), where
// scope is a distributor id or "" for the global slot.
func (s *Snapshot) AliasInSlot(kind Kind, key, scope string) (Alias, bool) {
	a, ok := s.aliases[slotKey{kind: kind, key: key, scope: scope}]
	return a, ok
}

// AliasCount is the number of aliases that decisions from distributorID have
// pointed at canonicalID.
func (s *Snapshot) AliasCount(kind Kind, distributorID, canonicalID string) int {
	return s.aliasCounts[countKey{kind: kind, distributor: distributorID, canonical: canonicalID}]
}

// Aliases returns every alias ordered by kind, key and scope.
func (s *Snapshot) Aliases() []Alias {
	out := make([]Alias, 0, len(s.aliases))
	for _, a := range s.aliases {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		if out[i].Key != out[j].Key {
			return out[i].Key < out[j].Key
		}
		return out[i].SlotScope() < out[j].SlotScope()
	})
	return out
}

// mergeSeed validates incoming records against s and returns the records not
// yet present. A record whose id exists with different content is rejected.
func (s *Snapshot) mergeSeed(skus []SKUEntry, retailers []RetailerEntry) ([]SKUEntry, []RetailerEntry, error) {
	var newSKUs []SKUEntry
	seen := make(map[string]SKUEntry)
	for _, e := range skus {
		if e.ID == "" || e.DisplayName == "" {
			return nil, nil, apperrors.Validation("sku record requires id and display name")
		}
		if cur, ok := s.SKU(e.ID); ok {
			if cur != e {
				return nil, nil, apperrors.Validation("sku %s is already published with different content", e.ID)
			}
			continue
		}
		if prev, ok := seen[e.ID]; ok {
			if prev != e {
				return nil, nil, apperrors.Validation("sku %s appears twice with different content", e.ID)
			}
			continue
		}
		seen[e.ID] = e
		newSKUs = append(newSKUs, e)
	}
	var newRetailers []RetailerEntry
	seenR := make(map[string]RetailerEntry)
	for _, e := range retailers {
		if e.ID == "" || e.DisplayName == "" {
			return nil, nil, apperrors.Validation("retailer record requires id and display name")
		}
		if cur, ok := s.Retailer(e.ID); ok {
			if cur != e {
				return nil, nil, apperrors.Validation("retailer %s is already published with different content", e.ID)
			}
			continue
		}
		if prev, ok := seenR[e.ID]; ok {
			if prev != e {
				return nil, nil, apperrors.Validation("retailer %s appears twice with different content", e.ID)
			}
			continue
		}
		seenR[e.ID] = e
		newRetailers = append(newRetailers, e)
	}
	return newSKUs, newRetailers, nil
}

func unknownCanonical(a Alias) error {
	return apperrors.Validation("%s %s does not exist in the registry", a.Kind, a.CanonicalID)
}
