package ingestion

import "context"

// DocumentFilter narrows ListDocuments. Zero fields match everything.
type DocumentFilter struct {
	DistributorID string
	State         State
	Limit         int
}

// Store persists documents, candidates and the decision audit trail. Every
// method either applies its whole mutation or none of it. Mutating methods
// stamp UpdatedAt and, for candidates, the new Version on the value passed
// in.
type Store interface {
	// CreateDocument fails with DuplicateSubmission when a non-Failed
	// document with the same distributor and fingerprint exists.
	CreateDocument(ctx context.Context, doc *IngestedDocument) error
	GetDocument(ctx context.Context, id string) (*IngestedDocument, error)
	// UpdateDocument replaces doc when its stored state is still expected;
	// otherwise it fails with InvalidTransition.
	UpdateDocument(ctx context.Context, doc *IngestedDocument, expected State) error
	ListDocuments(ctx context.Context, filter DocumentFilter) ([]*IngestedDocument, error)
	// UpdateField replaces the extracted field with field.ID and appends d
	// in one step, provided the document is still in the expected state.
	// An unknown field id is NotFound.
	UpdateField(ctx context.Context, documentID string, field ExtractedField, expected State, d Decision) error

	// SaveCandidates inserts new candidates.
	SaveCandidates(ctx context.Context, candidates []*MatchCandidate) error
	GetCandidate(ctx context.Context, id string) (*MatchCandidate, error)
	ListCandidates(ctx context.Context, documentID string) ([]*MatchCandidate, error)
	// UpdateCandidate replaces c when the stored version equals
	// expectedVersion and bumps the version; otherwise ConflictError.
	UpdateCandidate(ctx context.Context, c *MatchCandidate, expectedVersion int64) error
	// ApplyDecision does UpdateCandidate and appends d in one step.
	ApplyDecision(ctx context.Context, c *MatchCandidate, expectedVersion int64, d Decision) error
	ListDecisions(ctx context.Context, candidateID string) ([]Decision, error)
	ListDocumentDecisions(ctx context.Context, documentID string) ([]Decision, error)
	// ListRetailerCandidates returns retailer candidates that are Pending or
	// resolved to a canonical id, the population duplicate clustering reads.
	ListRetailerCandidates(ctx context.Context) ([]*MatchCandidate, error)
}
