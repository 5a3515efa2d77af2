package registry

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Registry. Every write publishes a new
// snapshot; readers holding an older snapshot keep a consistent view.
type MemoryStore struct {
	mu     sync.Mutex
	snap   *Snapshot
	logger *slog.Logger
}

func NewMemoryStore() *MemoryStore {
	snap := NewSnapshot(1, nil, nil, nil)
	snap.Epoch = uuid.NewString()
	return &MemoryStore{
		snap:   snap,
		logger: slog.Default().With("component", "registry-memory"),
	}
}

func (m *MemoryStore) Snapshot(ctx context.Context) (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap, nil
}

func (m *MemoryStore) AppendAlias(ctx context.Context, a Alias) (bool, error) {
	if err := a.validate(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.snap.Exists(a.Kind, a.CanonicalID) {
		return false, unknownCanonical(a)
	}
	if cur, ok := m.snap.AliasInSlot(a.Kind, a.Key, a.SlotScope()); ok && !a.Supersedes(cur) {
		m.logger.Debug("alias write superseded",
			"kind", a.Kind,
			"key", a.Key,
			"held_by", cur.DecisionID,
			"decision_id", a.DecisionID,
		)
		return false, nil
	}
	m.snap = m.snap.withAlias(a)
	m.logger.Info("alias appended",
		"kind", a.Kind,
		"key", a.Key,
		"canonical_id", a.CanonicalID,
		"scope", a.Scope,
		"version", m.snap.Version,
	)
	return true, nil
}

func (m *MemoryStore) Seed(ctx context.Context, skus []SKUEntry, retailers []RetailerEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	newSKUs, newRetailers, err := m.snap.mergeSeed(skus, retailers)
	if err != nil {
		return err
	}
	if len(newSKUs) == 0 && len(newRetailers) == 0 {
		return nil
	}
	cur := m.snap
	m.snap = NewSnapshot(cur.Version+1,
		append(append([]SKUEntry(nil), cur.skus...), newSKUs...),
		append(append([]RetailerEntry(nil), cur.retailers...), newRetailers...),
		cur.Aliases(),
	)
	m.snap.Epoch = cur.Epoch
	m.logger.Info("registry seeded",
		"skus_added", len(newSKUs),
		"retailers_added", len(newRetailers),
		"version", m.snap.Version,
	)
	return nil
}
