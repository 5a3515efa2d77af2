// Package ingestion defines the document lifecycle model: ingested
// documents, their extracted fields and match candidates, the review
// decisions applied to candidates, and the Store that persists them.
package ingestion

import (
	"time"

	"github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/internal/matching"
	"github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/internal/registry"
	apperrors "github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/pkg/errors"
)

// SourceKind is the channel a document arrived through.
type SourceKind string

const (
	SourceFile   SourceKind = "file"
	SourceAPI    SourceKind = "api"
	SourceEmail  SourceKind = "email"
	SourceVoice  SourceKind = "voice"
	SourceCamera SourceKind = "camera"
)

func ParseSourceKind(s string) (SourceKind, error) {
	switch k := SourceKind(s); k {
	case SourceFile, SourceAPI, SourceEmail, SourceVoice, SourceCamera:
		return k, nil
	}
	return "", apperrors.Validation("unknown source kind %q", s)
}

// SubmitRequest is a new document as handed over by the portal.
type SubmitRequest struct {
	DistributorID string `json:"distributor_id"`
	SourceKind    string `json:"source_kind"`
	Fingerprint   string `json:"fingerprint"`
}

// State is a document lifecycle state.
type State string

const (
	StateReceived       State = "Received"
	StateQueued         State = "Queued"
	StateExtracting     State = "Extracting"
	StateMatching       State = "Matching"
	StateAwaitingReview State = "AwaitingReview"
	StateReconciled     State = "Reconciled"
	StateFailed         State = "Failed"
)

// documentTransitions lists every legal move. Extracting and Matching may
// re-enter themselves on a retried attempt.
var documentTransitions = map[State][]State{
	StateReceived:       {StateQueued, StateFailed},
	StateQueued:         {StateExtracting, StateMatching, StateFailed},
	StateExtracting:     {StateExtracting, StateMatching, StateFailed},
	StateMatching:       {StateMatching, StateAwaitingReview, StateReconciled, StateFailed},
	StateAwaitingReview: {StateReconciled},
}

// CanTransition reports whether a document may move from one state to
// another.
func CanTransition(from, to State) bool {
	for _, s := range documentTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition can leave s.
func (s State) Terminal() bool {
	return s == StateReconciled || s == StateFailed
}

// ExtractedField is one labelled value read off a document by OCR.
type ExtractedField struct {
	ID             string  `json:"id"`
	Label          string  `json:"label"`
	RawValue       string  `json:"raw_value"`
	Confidence     float64 `json:"confidence"`
	CorrectedValue *string `json:"corrected_value,omitempty"`
	Editable       bool    `json:"editable"`
}

// FieldExtraction is a field as delivered by the extraction collaborator.
type FieldExtraction struct {
	Label      string  `json:"label"`
	RawValue   string  `json:"raw_value"`
	Confidence float64 `json:"confidence"`
}

// LineItem is one product row of a document.
type LineItem struct {
	RawSKU      string `json:"raw_sku"`
	RawQuantity string `json:"raw_quantity"`
}

// ExtractionResult is the full payload for one document.
type ExtractionResult struct {
	Fields    []FieldExtraction `json:"fields"`
	LineItems []LineItem        `json:"line_items"`
}

// ExtractionMessage is one delivery from the extraction collaborator: either
// a result or, when Error is set, a failure report.
type ExtractionMessage struct {
	DocumentID string `json:"document_id"`
	ExtractionResult
	Error *ExtractionFailure `json:"error,omitempty"`
}

// ExtractionFailure carries an error kind such as TransientIngestionError or
// PermanentExtractionError.
type ExtractionFailure struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// RetailerFieldLabel is the field whose value becomes the document's
// retailer candidate.
const RetailerFieldLabel = "Retailer Name"

// IngestedDocument is one submitted sales document.
type IngestedDocument struct {
	ID            string           `json:"id"`
	DistributorID string           `json:"distributor_id"`
	SourceKind    SourceKind       `json:"source_kind"`
	Fingerprint   string           `json:"fingerprint"`
	State         State            `json:"state"`
	Attempts      int              `json:"attempts"`
	Fields        []ExtractedField `json:"fields"`
	CandidateIDs  []string         `json:"candidate_ids"`
	FailureKind   string           `json:"failure_kind,omitempty"`
	FailureReason string           `json:"failure_reason,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

func (d *IngestedDocument) Clone() *IngestedDocument {
	c := *d
	c.Fields = make([]ExtractedField, len(d.Fields))
	for i, f := range d.Fields {
		if f.CorrectedValue != nil {
			v := *f.CorrectedValue
			f.CorrectedValue = &v
		}
		c.Fields[i] = f
	}
	c.CandidateIDs = append([]string(nil), d.CandidateIDs...)
	return &c
}

// CandidateState is the review state of a match candidate.
type CandidateState string

const (
	CandidatePending    CandidateState = "Pending"
	CandidateAccepted   CandidateState = "Accepted"
	CandidateRejected   CandidateState = "Rejected"
	CandidateOverridden CandidateState = "Overridden"
)

var candidateTransitions = map[CandidateState][]CandidateState{
	CandidatePending: {CandidateAccepted, CandidateRejected, CandidateOverridden},
}

func CanTransitionCandidate(from, to CandidateState) bool {
	for _, s := range candidateTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// MatchCandidate is a raw SKU or retailer string awaiting resolution.
type MatchCandidate struct {
	ID                  string            `json:"id"`
	DocumentID          string            `json:"document_id"`
	DistributorID       string            `json:"distributor_id"`
	Raw                 string            `json:"raw"`
	Quantity            string            `json:"quantity,omitempty"`
	Kind                registry.Kind     `json:"kind"`
	Options             []matching.Option `json:"options"`
	State               CandidateState    `json:"state"`
	Version             int64             `json:"version"`
	ResolvedCanonicalID string            `json:"resolved_canonical_id,omitempty"`
	LastDecisionID      string            `json:"last_decision_id,omitempty"`
	AutoAccepted        bool              `json:"auto_accepted"`
	CreatedAt           time.Time         `json:"created_at"`
	UpdatedAt           time.Time         `json:"updated_at"`
}

func (c *MatchCandidate) Clone() *MatchCandidate {
	cp := *c
	cp.Options = append([]matching.Option(nil), c.Options...)
	return &cp
}

// TopScore is the score of the best option, or 0 without options.
func (c *MatchCandidate) TopScore() float64 {
	if len(c.Options) == 0 {
		return 0
	}
	return c.Options[0].Score
}

// Option returns the option with the given 1-based rank.
func (c *MatchCandidate) Option(rank int) (matching.Option, bool) {
	for _, o := range c.Options {
		if o.Rank == rank {
			return o, true
		}
	}
	return matching.Option{}, false
}

// Snapshot captures the candidate state a decision was applied to.
func (c *MatchCandidate) Snapshot() CandidateSnapshot {
	return CandidateSnapshot{
		State:               c.State,
		Version:             c.Version,
		ResolvedCanonicalID: c.ResolvedCanonicalID,
		TopOption:           firstOption(c.Options),
	}
}

func firstOption(opts []matching.Option) *matching.Option {
	if len(opts) == 0 {
		return nil
	}
	o := opts[0]
	return &o
}

// Action is what a decision did to a candidate.
type Action string

const (
	ActionAccept   Action = "Accept"
	ActionReject   Action = "Reject"
	ActionOverride Action = "Override"
	// ActionCorrectField edits an extracted field rather than a candidate.
	ActionCorrectField Action = "CorrectField"
)

// AutoActor is the actor id recorded on decisions made by the auto-accept
// policy.
const AutoActor = "auto"

// CandidateSnapshot is the prior state recorded on a decision.
type CandidateSnapshot struct {
	State               CandidateState   `json:"state"`
	Version             int64            `json:"version"`
	ResolvedCanonicalID string           `json:"resolved_canonical_id,omitempty"`
	TopOption           *matching.Option `json:"top_option,omitempty"`
}

// Decision is an immutable audit record of one review action.
type Decision struct {
	ID          string            `json:"id"`
	CandidateID string            `json:"candidate_id"`
	DocumentID  string            `json:"document_id"`
	ActorID     string            `json:"actor_id"`
	Action      Action            `json:"action"`
	Auto        bool              `json:"auto"`
	Prior       CandidateSnapshot `json:"prior"`
	NewValue    string            `json:"new_value,omitempty"`
	ChosenRank  int               `json:"chosen_rank,omitempty"`
	Reason      string            `json:"reason,omitempty"`
	GroupID     string            `json:"group_id,omitempty"`
	DecidedAt   time.Time         `json:"decided_at"`

	// FieldID and PriorValue are set on field corrections only; such a
	// decision carries no CandidateID.
	FieldID    string `json:"field_id,omitempty"`
	PriorValue string `json:"prior_value,omitempty"`
}

// FieldCorrection replaces the value of one extracted field.
type FieldCorrection struct {
	DocumentID string `json:"-"`
	FieldID    string `json:"-"`
	ActorID    string `json:"actor_id"`
	Value      string `json:"value"`
}

// Field returns the extracted field with the given id.
func (d *IngestedDocument) Field(id string) (ExtractedField, bool) {
	if i := fieldIndex(d.Fields, id); i >= 0 {
		return d.Fields[i], true
	}
	return ExtractedField{}, false
}

func fieldIndex(fields []ExtractedField, id string) int {
	for i, f := range fields {
		if f.ID == id {
			return i
		}
	}
	return -1
}

// Value returns the corrected value when there is one, else the raw value.
func (f ExtractedField) Value() string {
	if f.CorrectedValue != nil {
		return *f.CorrectedValue
	}
	return f.RawValue
}
