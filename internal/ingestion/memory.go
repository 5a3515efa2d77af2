package ingestion

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/internal/registry"
	apperrors "github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/pkg/errors"
)

type fingerprintKey struct {
	distributor string
	fingerprint string
}

// MemoryStore is an in-process Store. Values are cloned on the way in and
// out so callers never share state with the store.
type MemoryStore struct {
	mu           sync.RWMutex
	documents    map[string]*IngestedDocument
	fingerprints map[fingerprintKey]string
	candidates   map[string]*MatchCandidate
	byDocument   map[string][]string
	decisions    []Decision
	now          func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		documents:    make(map[string]*IngestedDocument),
		fingerprints: make(map[fingerprintKey]string),
		candidates:   make(map[string]*MatchCandidate),
		byDocument:   make(map[string][]string),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

func (m *MemoryStore) CreateDocument(ctx context.Context, doc *IngestedDocument) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := fingerprintKey{distributor: doc.DistributorID, fingerprint: doc.Fingerprint}
	if existing, ok := m.fingerprints[key]; ok {
		return apperrors.Duplicate(existing)
	}
	if _, ok := m.documents[doc.ID]; ok {
		return apperrors.Validation("document %s already exists", doc.ID)
	}
	m.documents[doc.ID] = doc.Clone()
	m.fingerprints[key] = doc.ID
	return nil
}

func (m *MemoryStore) GetDocument(ctx context.Context, id string) (*IngestedDocument, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.documents[id]
	if !ok {
		return nil, apperrors.NotFound("document", id)
	}
	return doc.Clone(), nil
}

func (m *MemoryStore) UpdateDocument(ctx context.Context, doc *IngestedDocument, expected State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.documents[doc.ID]
	if !ok {
		return apperrors.NotFound("document", doc.ID)
	}
	if cur.State != expected {
		return apperrors.InvalidTransition("document %s is %s, expected %s", doc.ID, cur.State, expected)
	}
	doc.UpdatedAt = m.now()
	m.documents[doc.ID] = doc.Clone()
	// A failed document releases its fingerprint so the content can be
	// submitted again.
	if doc.State == StateFailed {
		key := fingerprintKey{distributor: doc.DistributorID, fingerprint: doc.Fingerprint}
		if m.fingerprints[key] == doc.ID {
			delete(m.fingerprints, key)
		}
	}
	return nil
}

func (m *MemoryStore) ListDocuments(ctx context.Context, filter DocumentFilter) ([]*IngestedDocument, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*IngestedDocument
	for _, doc := range m.documents {
		if filter.DistributorID != "" && doc.DistributorID != filter.DistributorID {
			continue
		}
		if filter.State != "" && doc.State != filter.State {
			continue
		}
		out = append(out, doc.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemoryStore) UpdateField(ctx context.Context, documentID string, field ExtractedField, expected State, d Decision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.documents[documentID]
	if !ok {
		return apperrors.NotFound("document", documentID)
	}
	if cur.State != expected {
		return apperrors.InvalidTransition("document %s is %s, expected %s", documentID, cur.State, expected)
	}
	next := cur.Clone()
	i := fieldIndex(next.Fields, field.ID)
	if i < 0 {
		return apperrors.NotFound("field", field.ID)
	}
	next.Fields[i] = field
	next.UpdatedAt = m.now()
	m.documents[documentID] = next.Clone()
	m.decisions = append(m.decisions, d)
	return nil
}

func (m *MemoryStore) SaveCandidates(ctx context.Context, candidates []*MatchCandidate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range candidates {
		if _, ok := m.candidates[c.ID]; ok {
			return apperrors.Validation("candidate %s already exists", c.ID)
		}
		if _, ok := m.documents[c.DocumentID]; !ok {
			return apperrors.NotFound("document", c.DocumentID)
		}
	}
	for _, c := range candidates {
		m.candidates[c.ID] = c.Clone()
		m.byDocument[c.DocumentID] = append(m.byDocument[c.DocumentID], c.ID)
	}
	return nil
}

func (m *MemoryStore) GetCandidate(ctx context.Context, id string) (*MatchCandidate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.candidates[id]
	if !ok {
		return nil, apperrors.NotFound("candidate", id)
	}
	return c.Clone(), nil
}

func (m *MemoryStore) ListCandidates(ctx context.Context, documentID string) ([]*MatchCandidate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.byDocument[documentID]
	out := make([]*MatchCandidate, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.candidates[id].Clone())
	}
	return out, nil
}

func (m *MemoryStore) UpdateCandidate(ctx context.Context, c *MatchCandidate, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateCandidateLocked(c, expectedVersion)
}

func (m *MemoryStore) updateCandidateLocked(c *MatchCandidate, expectedVersion int64) error {
	cur, ok := m.candidates[c.ID]
	if !ok {
		return apperrors.NotFound("candidate", c.ID)
	}
	if cur.Version != expectedVersion {
		return apperrors.Conflict("candidate", c.ID, expectedVersion, cur.Version)
	}
	c.Version = expectedVersion + 1
	c.UpdatedAt = m.now()
	m.candidates[c.ID] = c.Clone()
	return nil
}

func (m *MemoryStore) ApplyDecision(ctx context.Context, c *MatchCandidate, expectedVersion int64, d Decision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.updateCandidateLocked(c, expectedVersion); err != nil {
		return err
	}
	m.decisions = append(m.decisions, d)
	return nil
}

func (m *MemoryStore) ListDecisions(ctx context.Context, candidateID string) ([]Decision, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Decision
	for _, d := range m.decisions {
		if d.CandidateID == candidateID {
			out = append(out, d)
		}
	}
	return out, nil
}

func (m *MemoryStore) ListDocumentDecisions(ctx context.Context, documentID string) ([]Decision, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Decision
	for _, d := range m.decisions {
		if d.DocumentID == documentID {
			out = append(out, d)
		}
	}
	return out, nil
}

func (m *MemoryStore) ListRetailerCandidates(ctx context.Context) ([]*MatchCandidate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*MatchCandidate
	for _, c := range m.candidates {
		if c.Kind != registry.KindRetailer || c.State == CandidateRejected {
			continue
		}
		out = append(out, c.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
