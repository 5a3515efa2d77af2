// Package events defines the lifecycle and review events the reconciler
// emits and the batching publisher that ships them to Kafka.
package events

import (
	"sync"
	"time"
)

const (
	TypeDocumentTransition = "document.transition"
	TypeExtractionRetry    = "document.extraction_retry"
	TypeReviewDecision     = "review.decision"
	TypeGroupResolved      = "duplicate_group.resolved"
)

// DocumentTransition is emitted on every document state change.
type DocumentTransition struct {
	DocumentID    string    `json:"document_id"`
	DistributorID string    `json:"distributor_id"`
	From          string    `json:"from"`
	To            string    `json:"to"`
	Attempts      int       `json:"attempts"`
	FailureKind   string    `json:"failure_kind,omitempty"`
	FailureReason string    `json:"failure_reason,omitempty"`
	At            time.Time `json:"at"`
}

// ExtractionRetry asks the extraction collaborator to redeliver a document
// no earlier than NotBefore.
type ExtractionRetry struct {
	DocumentID string    `json:"document_id"`
	Attempt    int       `json:"attempt"`
	NotBefore  time.Time `json:"not_before"`
	Error      string    `json:"error"`
}

// ReviewDecision mirrors an appended audit record.
type ReviewDecision struct {
	DecisionID  string    `json:"decision_id"`
	CandidateID string    `json:"candidate_id"`
	DocumentID  string    `json:"document_id"`
	ActorID     string    `json:"actor_id"`
	Action      string    `json:"action"`
	Auto        bool      `json:"auto"`
	CanonicalID string    `json:"canonical_id,omitempty"`
	GroupID     string    `json:"group_id,omitempty"`
	FieldID     string    `json:"field_id,omitempty"`
	At          time.Time `json:"at"`
}

// GroupResolved is emitted when a duplicate group is merged or dismissed.
type GroupResolved struct {
	GroupID     string    `json:"group_id"`
	State       string    `json:"state"`
	CanonicalID string    `json:"canonical_id,omitempty"`
	ActorID     string    `json:"actor_id"`
	At          time.Time `json:"at"`
}

// Sink accepts events. Emit never blocks on the network and never fails the
// caller; delivery problems are the sink's to log.
type Sink interface {
	Emit(key, eventType string, value any)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Emit(string, string, any) {}

// Mux routes events to a sink by type. Types without a route go to Default,
// or nowhere when Default is nil.
type Mux struct {
	Default Sink
	Routes  map[string]Sink
}

func (m Mux) Emit(key, eventType string, value any) {
	if s, ok := m.Routes[eventType]; ok {
		s.Emit(key, eventType, value)
		return
	}
	if m.Default != nil {
		m.Default.Emit(key, eventType, value)
	}
}

// Recorded is one event captured by a Recorder.
type Recorded struct {
	Key   string
	Type  string
	Value any
}

// Recorder keeps emitted events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Recorded
}

func (r *Recorder) Emit(key, eventType string, value any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Recorded{Key: key, Type: eventType, Value: value})
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Recorded {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Recorded(nil), r.events...)
}

// OfType returns the recorded events of one type.
func (r *Recorder) OfType(eventType string) []Recorded {
	var out []Recorded
	for _, e := range r.Events() {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}
