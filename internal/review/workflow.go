// Package review applies reviewer decisions to match candidates. Every
// mutation is guarded by the candidate's version stamp rather than a lock,
// appends an immutable decision to the audit trail, and feeds accepted
// mappings back into the registry's alias table.
package review

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/internal/clustering"
	"github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/internal/events"
	"github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/internal/ingestion"
	"github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/internal/registry"
	apperrors "github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/pkg/tracing"
)

const maxReasonLength = 1024

// DocumentReconciler is told when a document may have no pending
// candidates left.
type DocumentReconciler interface {
	OnAllCandidatesResolved(ctx context.Context, id string) (*ingestion.IngestedDocument, error)
}

type AcceptRequest struct {
	CandidateID     string `json:"-"`
	ActorID         string `json:"actor_id"`
	ChosenRank      int    `json:"chosen_rank"`
	ExpectedVersion int64  `json:"expected_version"`
}

type RejectRequest struct {
	CandidateID     string `json:"-"`
	ActorID         string `json:"actor_id"`
	Reason          string `json:"reason"`
	ExpectedVersion int64  `json:"expected_version"`
}

type OverrideRequest struct {
	CandidateID     string `json:"-"`
	ActorID         string `json:"actor_id"`
	CanonicalID     string `json:"canonical_id"`
	ExpectedVersion int64  `json:"expected_version"`
}

// Workflow is the review surface over candidates and duplicate groups.
type Workflow struct {
	store    ingestion.Store
	registry registry.Registry
	groups   clustering.GroupStore
	docs     DocumentReconciler
	events   events.Sink
	metrics  *metrics.Metrics
	now      func() time.Time
	logger   *slog.Logger
}

// NewWorkflow creates a Workflow. sink and m may be nil.
func NewWorkflow(store ingestion.Store, reg registry.Registry, groups clustering.GroupStore, docs DocumentReconciler, sink events.Sink, m *metrics.Metrics) *Workflow {
	if sink == nil {
		sink = events.Nop{}
	}
	return &Workflow{
		store:    store,
		registry: reg,
		groups:   groups,
		docs:     docs,
		events:   sink,
		metrics:  m,
		now:      func() time.Time { return time.Now().UTC() },
		logger:   slog.Default().With("component", "review-workflow"),
	}
}

// Accept resolves a candidate to one of its ranked options and records a
// global alias for its normalized raw string.
func (w *Workflow) Accept(ctx context.Context, req AcceptRequest) (*ingestion.MatchCandidate, error) {
	if err := requireActor(req.ActorID); err != nil {
		return nil, err
	}
	if req.ChosenRank < 1 {
		return nil, apperrors.Validation("chosen_rank must be at least 1")
	}
	c, err := w.load(ctx, req.CandidateID, req.ExpectedVersion)
	if err != nil {
		return nil, err
	}
	opt, ok := c.Option(req.ChosenRank)
	if !ok {
		return nil, apperrors.Validation("candidate %s has no option with rank %d", c.ID, req.ChosenRank)
	}
	snap, err := w.registry.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading registry: %w", err)
	}
	if !snap.Exists(c.Kind, opt.CanonicalID) {
		return nil, apperrors.Validation("%s %s is no longer in the registry", c.Kind, opt.CanonicalID)
	}

	d := w.newDecision(c, req.ActorID, ingestion.ActionAccept)
	d.NewValue = opt.CanonicalID
	d.ChosenRank = opt.Rank
	next := resolved(c, ingestion.CandidateAccepted, opt.CanonicalID, d.ID)
	if err := w.apply(ctx, next, req.ExpectedVersion, d, "manual"); err != nil {
		return nil, err
	}
	w.learn(ctx, snap, next, d, &opt)
	w.settle(ctx, next.DocumentID)
	return next, nil
}

// Reject marks a candidate as matching none of the registry entries. The
// registry is not touched.
func (w *Workflow) Reject(ctx context.Context, req RejectRequest) (*ingestion.MatchCandidate, error) {
	if err := requireActor(req.ActorID); err != nil {
		return nil, err
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		return nil, apperrors.Validation("reason is required to reject a candidate")
	}
	if len(reason) > maxReasonLength {
		return nil, apperrors.Validation("reason must be at most %d characters", maxReasonLength)
	}
	c, err := w.load(ctx, req.CandidateID, req.ExpectedVersion)
	if err != nil {
		return nil, err
	}

	d := w.newDecision(c, req.ActorID, ingestion.ActionReject)
	d.Reason = reason
	next := resolved(c, ingestion.CandidateRejected, "", d.ID)
	if err := w.apply(ctx, next, req.ExpectedVersion, d, "manual"); err != nil {
		return nil, err
	}
	w.settle(ctx, next.DocumentID)
	return next, nil
}

// Override resolves a candidate to a canonical id supplied by the reviewer.
// The resulting alias stays confined to the candidate's distributor until
// a different reviewer independently maps the same raw string to the same
// id.
func (w *Workflow) Override(ctx context.Context, req OverrideRequest) (*ingestion.MatchCandidate, error) {
	if err := requireActor(req.ActorID); err != nil {
		return nil, err
	}
	canonicalID := strings.TrimSpace(req.CanonicalID)
	if canonicalID == "" {
		return nil, apperrors.Validation("canonical_id is required to override a candidate")
	}
	c, err := w.load(ctx, req.CandidateID, req.ExpectedVersion)
	if err != nil {
		return nil, err
	}
	snap, err := w.registry.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading registry: %w", err)
	}
	if !snap.Exists(c.Kind, canonicalID) {
		return nil, apperrors.Validation("%s %s does not exist in the registry", c.Kind, canonicalID)
	}

	d := w.newDecision(c, req.ActorID, ingestion.ActionOverride)
	d.NewValue = canonicalID
	next := resolved(c, ingestion.CandidateOverridden, canonicalID, d.ID)
	if err := w.apply(ctx, next, req.ExpectedVersion, d, "manual"); err != nil {
		return nil, err
	}
	w.learn(ctx, snap, next, d, nil)
	w.settle(ctx, next.DocumentID)
	return next, nil
}

func (w *Workflow) GetCandidate(ctx context.Context, id string) (*ingestion.MatchCandidate, error) {
	return w.store.GetCandidate(ctx, id)
}

// Decisions returns the audit trail of one candidate, oldest first.
func (w *Workflow) Decisions(ctx context.Context, candidateID string) ([]ingestion.Decision, error) {
	if _, err := w.store.GetCandidate(ctx, candidateID); err != nil {
		return nil, err
	}
	return w.store.ListDecisions(ctx, candidateID)
}

func requireActor(actorID string) error {
	if strings.TrimSpace(actorID) == "" {
		return apperrors.Validation("actor_id is required")
	}
	if actorID == ingestion.AutoActor {
		return apperrors.Validation("actor id %q is reserved", ingestion.AutoActor)
	}
	return nil
}

// load fetches a candidate and checks, in order, existence, version and
// state, then that its document is awaiting review.
func (w *Workflow) load(ctx context.Context, id string, expectedVersion int64) (*ingestion.MatchCandidate, error) {
	c, err := w.store.GetCandidate(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Version != expectedVersion {
		w.conflict()
		return nil, apperrors.Conflict("candidate", id, expectedVersion, c.Version)
	}
	if c.State != ingestion.CandidatePending {
		return nil, apperrors.InvalidTransition("candidate %s is already %s", id, c.State)
	}
	doc, err := w.store.GetDocument(ctx, c.DocumentID)
	if err != nil {
		return nil, err
	}
	if doc.State != ingestion.StateAwaitingReview {
		return nil, apperrors.InvalidTransition("document %s is %s, candidates can be reviewed once it is AwaitingReview", doc.ID, doc.State)
	}
	return c, nil
}

func (w *Workflow) newDecision(c *ingestion.MatchCandidate, actorID string, action ingestion.Action) ingestion.Decision {
	return ingestion.Decision{
		ID:          uuid.NewString(),
		CandidateID: c.ID,
		DocumentID:  c.DocumentID,
		ActorID:     actorID,
		Action:      action,
		Prior:       c.Snapshot(),
		DecidedAt:   w.now(),
	}
}

func resolved(c *ingestion.MatchCandidate, state ingestion.CandidateState, canonicalID, decisionID string) *ingestion.MatchCandidate {
	next := c.Clone()
	next.State = state
	next.ResolvedCanonicalID = canonicalID
	next.LastDecisionID = decisionID
	return next
}

// apply persists the candidate and its decision together.
func (w *Workflow) apply(ctx context.Context, next *ingestion.MatchCandidate, expectedVersion int64, d ingestion.Decision, origin string) error {
	if !ingestion.CanTransitionCandidate(d.Prior.State, next.State) {
		return apperrors.InvalidTransition("candidate %s cannot move from %s to %s", next.ID, d.Prior.State, next.State)
	}
	ctx, span := tracing.Start(ctx, "review.apply",
		attribute.String("candidate_id", next.ID),
		attribute.String("action", string(d.Action)),
		attribute.String("origin", origin),
	)
	err := w.store.ApplyDecision(ctx, next, expectedVersion, d)
	tracing.End(span, err)
	if err != nil {
		if errors.Is(err, apperrors.ErrConflict) {
			w.conflict()
		}
		return err
	}
	if w.metrics != nil {
		w.metrics.ReviewDecisions.WithLabelValues(string(d.Action), origin).Inc()
	}
	w.events.Emit(next.ID, events.TypeReviewDecision, events.ReviewDecision{
		DecisionID:  d.ID,
		CandidateID: d.CandidateID,
		DocumentID:  d.DocumentID,
		ActorID:     d.ActorID,
		Action:      string(d.Action),
		CanonicalID: d.NewValue,
		GroupID:     d.GroupID,
		At:          d.DecidedAt,
	})
	logger.FromContext(ctx).Info("review decision recorded",
		"decision_id", d.ID,
		"candidate_id", d.CandidateID,
		"action", d.Action,
		"canonical_id", d.NewValue,
		"version", next.Version,
	)
	return nil
}

func (w *Workflow) conflict() {
	if w.metrics != nil {
		w.metrics.ReviewConflicts.Inc()
	}
}

// settle reconciles the candidate's document once nothing on it is
// pending. The decision already stands, so failures are only logged.
func (w *Workflow) settle(ctx context.Context, documentID string) {
	candidates, err := w.store.ListCandidates(ctx, documentID)
	if err != nil {
		w.logger.Warn("listing candidates after decision", "doc_id", documentID, "error", err)
		return
	}
	for _, c := range candidates {
		if c.State == ingestion.CandidatePending {
			return
		}
	}
	if w.docs == nil {
		return
	}
	if _, err := w.docs.OnAllCandidatesResolved(ctx, documentID); err != nil {
		// A concurrent decision on a sibling candidate may have got there
		// first.
		if errors.Is(err, apperrors.ErrInvalidTransition) {
			w.logger.Debug("document already settled", "doc_id", documentID, "error", err)
			return
		}
		w.logger.Error("reconciling document", "doc_id", documentID, "error", err)
	}
}
