// Package tracker owns the document lifecycle. A document moves
//
//	Received -> Queued -> Extracting -> Matching -> AwaitingReview -> Reconciled
//
// or to Failed from any non-terminal stage before review. Extraction and
// matching retry transient failures in place, re-entering the same state
// with an incremented attempt counter, until the attempt budget is spent.
// All work on one document is serialised by a per-document lock, so no two
// retries for the same document ever overlap.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/internal/confidence"
	"github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/internal/events"
	"github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/internal/ingestion"
	"github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/internal/ingestion/validator"
	"github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/internal/matching"
	"github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/internal/registry"
	"github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/pkg/resilience"
	"github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/pkg/tracing"
)

const (
	stageExtraction = "extraction"
	stageMatching   = "matching"
)

// Config is the retry and concurrency policy of the tracker.
type Config struct {
	MaxAttempts      int
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
	Multiplier       float64
	StepTimeout      time.Duration
	MatchConcurrency int
}

func ConfigFrom(cfg config.IngestionConfig) Config {
	return Config{
		MaxAttempts:      cfg.MaxAttempts,
		InitialBackoff:   cfg.InitialBackoff,
		MaxBackoff:       cfg.MaxBackoff,
		Multiplier:       cfg.Multiplier,
		StepTimeout:      cfg.StepTimeout,
		MatchConcurrency: cfg.MatchConcurrency,
	}
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.MatchConcurrency <= 0 {
		c.MatchConcurrency = 8
	}
	return c
}

func (c Config) retry() resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxAttempts:    c.MaxAttempts,
		InitialDelay:   c.InitialBackoff,
		MaxDelay:       c.MaxBackoff,
		Multiplier:     c.Multiplier,
		JitterFraction: 0.1,
		ShouldRetry:    apperrors.IsTransient,
	}
}

// ExtractFunc runs a synchronous extraction for one document.
type ExtractFunc func(ctx context.Context, doc *ingestion.IngestedDocument) (ingestion.ExtractionResult, error)

// Tracker drives documents through their lifecycle.
//
// Operations that advance a document through a pipeline stage record stage
// failures on the document itself (state Failed with the error kind and
// message) and return a nil error; an error is returned only when the
// request was rejected or the outcome could not be persisted.
type Tracker struct {
	store   ingestion.Store
	matcher matching.Matcher
	policy  confidence.Policy
	cfg     Config
	events  events.Sink
	metrics *metrics.Metrics
	locks   *keyedMutex
	now     func() time.Time
	logger  *slog.Logger
}

// New creates a Tracker. sink and m may be nil.
func New(store ingestion.Store, matcher matching.Matcher, policy confidence.Policy, cfg Config, sink events.Sink, m *metrics.Metrics) *Tracker {
	if sink == nil {
		sink = events.Nop{}
	}
	return &Tracker{
		store:   store,
		matcher: matcher,
		policy:  policy,
		cfg:     cfg.withDefaults(),
		events:  sink,
		metrics: m,
		locks:   newKeyedMutex(),
		now:     func() time.Time { return time.Now().UTC() },
		logger:  slog.Default().With("component", "ingestion-tracker"),
	}
}

// Submit creates a Received document. Resubmitting a fingerprint the
// distributor already has outside Failed returns DuplicateSubmission
// carrying the existing document id.
func (t *Tracker) Submit(ctx context.Context, req ingestion.SubmitRequest) (*ingestion.IngestedDocument, error) {
	if err := validator.ValidateSubmitRequest(&req); err != nil {
		return nil, err
	}
	kind, _ := ingestion.ParseSourceKind(req.SourceKind)
	now := t.now()
	doc := &ingestion.IngestedDocument{
		ID:            uuid.NewString(),
		DistributorID: strings.TrimSpace(req.DistributorID),
		SourceKind:    kind,
		Fingerprint:   strings.TrimSpace(req.Fingerprint),
		State:         ingestion.StateReceived,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := t.store.CreateDocument(ctx, doc); err != nil {
		if existing, ok := apperrors.ExistingID(err); ok {
			t.logger.Info("duplicate submission",
				"distributor_id", doc.DistributorID,
				"existing_id", existing,
			)
		}
		return nil, err
	}
	if t.metrics != nil {
		t.metrics.DocumentTransitions.WithLabelValues("", string(ingestion.StateReceived)).Inc()
	}
	t.emitTransition(doc, "")
	t.logger.Info("document received",
		"doc_id", doc.ID,
		"distributor_id", doc.DistributorID,
		"source_kind", doc.SourceKind,
	)
	return doc, nil
}

// Enqueue hands a Received document to the extraction queue.
func (t *Tracker) Enqueue(ctx context.Context, id string) (*ingestion.IngestedDocument, error) {
	return t.advance(ctx, id, ingestion.StateReceived, ingestion.StateQueued, nil)
}

// BeginExtraction marks a Queued document as being extracted, starting its
// first attempt.
func (t *Tracker) BeginExtraction(ctx context.Context, id string) (*ingestion.IngestedDocument, error) {
	return t.advance(ctx, id, ingestion.StateQueued, ingestion.StateExtracting, setAttempts(1))
}

// begin moves a Queued document into its first extraction attempt. Other
// states are left alone.
func (t *Tracker) begin(ctx context.Context, doc *ingestion.IngestedDocument) error {
	if doc.State != ingestion.StateQueued {
		return nil
	}
	return t.transition(ctx, doc, ingestion.StateExtracting, setAttempts(1))
}

// OnExtractionResult stores the extracted fields, creates one candidate for
// the retailer field and one per line item, and runs matching. It is legal
// only from Queued or Extracting. A malformed payload is rejected with no
// mutation.
func (t *Tracker) OnExtractionResult(ctx context.Context, id string, result ingestion.ExtractionResult) (*ingestion.IngestedDocument, error) {
	if err := validator.ValidateExtraction(&result); err != nil {
		return nil, err
	}
	unlock := t.locks.Lock(id)
	defer unlock()

	doc, err := t.store.GetDocument(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := requireExtractable(doc); err != nil {
		return nil, err
	}
	if err := t.applyExtraction(ctx, doc, result); err != nil {
		return nil, err
	}
	if err := t.runMatching(ctx, doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// OnExtractionFailure records a failed extraction reported by the
// collaborator. Transient failures re-enter Extracting and ask for a
// redelivery until the attempt budget is spent; anything else, or the last
// allowed attempt, fails the document.
func (t *Tracker) OnExtractionFailure(ctx context.Context, id string, cause error) (*ingestion.IngestedDocument, error) {
	unlock := t.locks.Lock(id)
	defer unlock()

	doc, err := t.store.GetDocument(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := requireExtractable(doc); err != nil {
		return nil, err
	}
	if err := t.begin(ctx, doc); err != nil {
		return nil, err
	}
	if !apperrors.IsTransient(cause) || doc.Attempts >= t.cfg.MaxAttempts {
		if err := t.fail(ctx, doc, cause); err != nil {
			return nil, err
		}
		return doc, nil
	}
	attempt := doc.Attempts + 1
	delay := resilience.ComputeDelay(doc.Attempts, t.cfg.retry())
	if err := t.reenter(ctx, doc, stageExtraction, attempt, cause, delay); err != nil {
		return nil, err
	}
	return doc, nil
}

// Deliver routes a collaborator message to OnExtractionResult or, for a
// failure report, OnExtractionFailure. Unknown failure kinds are treated as
// internal errors and fail the document.
func (t *Tracker) Deliver(ctx context.Context, msg ingestion.ExtractionMessage) (*ingestion.IngestedDocument, error) {
	ctx, span := tracing.Start(ctx, "tracker.deliver",
		attribute.String("document_id", msg.DocumentID),
		attribute.Bool("failure_report", msg.Error != nil),
	)
	doc, err := t.deliver(ctx, msg)
	tracing.End(span, err)
	return doc, err
}

func (t *Tracker) deliver(ctx context.Context, msg ingestion.ExtractionMessage) (*ingestion.IngestedDocument, error) {
	if strings.TrimSpace(msg.DocumentID) == "" {
		return nil, apperrors.Validation("document_id is required")
	}
	if msg.Error == nil {
		if err := validator.ValidateExtraction(&msg.ExtractionResult); err != nil {
			return nil, err
		}
	}
	// The first delivery for a Queued document is its pickup.
	if _, err := t.BeginExtraction(ctx, msg.DocumentID); err != nil && !errors.Is(err, apperrors.ErrInvalidTransition) {
		return nil, err
	}
	if msg.Error != nil {
		return t.OnExtractionFailure(ctx, msg.DocumentID, apperrors.FromKind(msg.Error.Kind, msg.Error.Message))
	}
	return t.OnExtractionResult(ctx, msg.DocumentID, msg.ExtractionResult)
}

// ProcessExtraction runs extract for a Queued or Extracting document with
// the retry policy, then applies the result and runs matching.
func (t *Tracker) ProcessExtraction(ctx context.Context, id string, extract ExtractFunc) (*ingestion.IngestedDocument, error) {
	ctx, span := tracing.Start(ctx, "tracker.process_extraction", attribute.String("document_id", id))
	doc, err := t.processExtraction(ctx, id, extract)
	tracing.End(span, err)
	return doc, err
}

func (t *Tracker) processExtraction(ctx context.Context, id string, extract ExtractFunc) (*ingestion.IngestedDocument, error) {
	unlock := t.locks.Lock(id)
	defer unlock()

	doc, err := t.store.GetDocument(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := requireExtractable(doc); err != nil {
		return nil, err
	}
	if err := t.begin(ctx, doc); err != nil {
		return nil, err
	}

	var result ingestion.ExtractionResult
	err = t.withRetry(ctx, stageExtraction, doc, func(ctx context.Context) error {
		var res ingestion.ExtractionResult
		err := resilience.WithTimeout(ctx, t.cfg.StepTimeout, "extraction", func(ctx context.Context) error {
			var err error
			res, err = extract(ctx, doc.Clone())
			return err
		})
		if err != nil {
			return err
		}
		if verr := validator.ValidateExtraction(&res); verr != nil {
			return apperrors.Permanent(verr, "extractor returned an invalid payload")
		}
		result = res
		return nil
	})
	if err != nil {
		if ferr := t.failOn(ctx, doc, err); ferr != nil {
			return nil, ferr
		}
		return doc, nil
	}
	if err := t.applyExtraction(ctx, doc, result); err != nil {
		return nil, err
	}
	if err := t.runMatching(ctx, doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// RunMatching resumes a document left in Matching, for example by a
// restart. The interrupted attempt counts against the budget: the document
// re-enters Matching on the next attempt, or fails when none is left.
func (t *Tracker) RunMatching(ctx context.Context, id string) (*ingestion.IngestedDocument, error) {
	unlock := t.locks.Lock(id)
	defer unlock()

	doc, err := t.store.GetDocument(ctx, id)
	if err != nil {
		return nil, err
	}
	if doc.State != ingestion.StateMatching {
		return nil, apperrors.InvalidTransition("document %s is %s, matching needs Matching", id, doc.State)
	}
	interrupted := apperrors.Transient(nil, fmt.Sprintf("matching attempt %d was interrupted", doc.Attempts))
	if doc.Attempts >= t.cfg.MaxAttempts {
		if err := t.fail(ctx, doc, interrupted); err != nil {
			return nil, err
		}
		return doc, nil
	}
	if err := t.reenter(ctx, doc, stageMatching, doc.Attempts+1, interrupted, 0); err != nil {
		return nil, err
	}
	if err := t.runMatching(ctx, doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// OnMatchingComplete settles a Matching document whose candidates all carry
// their options: when every pending candidate is auto-accept eligible they
// are accepted as "auto" and the document is Reconciled; otherwise it moves
// to AwaitingReview. Matching ends with the same step.
func (t *Tracker) OnMatchingComplete(ctx context.Context, id string) (*ingestion.IngestedDocument, error) {
	unlock := t.locks.Lock(id)
	defer unlock()

	doc, err := t.store.GetDocument(ctx, id)
	if err != nil {
		return nil, err
	}
	if doc.State != ingestion.StateMatching {
		return nil, apperrors.InvalidTransition("document %s is %s, expected Matching", id, doc.State)
	}
	candidates, err := t.store.ListCandidates(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("listing candidates: %w", err)
	}
	if err := t.settle(ctx, doc, candidates); err != nil {
		return nil, err
	}
	return doc, nil
}

// OnAllCandidatesResolved reconciles an AwaitingReview document once no
// candidate is Pending.
func (t *Tracker) OnAllCandidatesResolved(ctx context.Context, id string) (*ingestion.IngestedDocument, error) {
	unlock := t.locks.Lock(id)
	defer unlock()

	doc, err := t.store.GetDocument(ctx, id)
	if err != nil {
		return nil, err
	}
	if doc.State != ingestion.StateAwaitingReview {
		return nil, apperrors.InvalidTransition("document %s is %s, expected AwaitingReview", id, doc.State)
	}
	candidates, err := t.store.ListCandidates(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("listing candidates: %w", err)
	}
	if n := countPending(candidates); n > 0 {
		return nil, apperrors.InvalidTransition("document %s still has %d pending candidates", id, n)
	}
	if err := t.transition(ctx, doc, ingestion.StateReconciled, nil); err != nil {
		return nil, err
	}
	return doc, nil
}

// Fail moves a document to Failed with cause recorded.
func (t *Tracker) Fail(ctx context.Context, id string, cause error) (*ingestion.IngestedDocument, error) {
	unlock := t.locks.Lock(id)
	defer unlock()

	doc, err := t.store.GetDocument(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := t.fail(ctx, doc, cause); err != nil {
		return nil, err
	}
	return doc, nil
}

// CorrectField replaces the value of an editable extracted field on a
// document awaiting review and records the edit in the audit trail.
// Correcting the retailer field re-matches the retailer candidate while it
// is still Pending; a resolved candidate keeps its resolution.
func (t *Tracker) CorrectField(ctx context.Context, req ingestion.FieldCorrection) (*ingestion.IngestedDocument, error) {
	actorID := strings.TrimSpace(req.ActorID)
	if actorID == "" {
		return nil, apperrors.Validation("actor_id is required")
	}
	value := strings.TrimSpace(req.Value)
	if value == "" {
		return nil, apperrors.Validation("value must not be empty")
	}
	unlock := t.locks.Lock(req.DocumentID)
	defer unlock()

	doc, err := t.store.GetDocument(ctx, req.DocumentID)
	if err != nil {
		return nil, err
	}
	if doc.State != ingestion.StateAwaitingReview {
		return nil, apperrors.InvalidTransition("document %s is %s, fields are corrected while AwaitingReview", doc.ID, doc.State)
	}
	field, ok := doc.Field(req.FieldID)
	if !ok {
		return nil, apperrors.NotFound("field", req.FieldID)
	}
	if !field.Editable {
		return nil, apperrors.Validation("field %s is not editable", field.ID)
	}
	prior := field.Value()
	if prior == value {
		return doc, nil
	}

	var retailer *ingestion.MatchCandidate
	var options []matching.Option
	if strings.EqualFold(field.Label, ingestion.RetailerFieldLabel) {
		retailer, options, err = t.rematchRetailer(ctx, doc, value)
		if err != nil {
			return nil, err
		}
	}

	field.CorrectedValue = &value
	d := ingestion.Decision{
		ID:         uuid.NewString(),
		DocumentID: doc.ID,
		ActorID:    actorID,
		Action:     ingestion.ActionCorrectField,
		NewValue:   value,
		FieldID:    field.ID,
		PriorValue: prior,
		DecidedAt:  t.now(),
	}
	if err := t.store.UpdateField(ctx, doc.ID, field, ingestion.StateAwaitingReview, d); err != nil {
		return nil, err
	}
	if retailer != nil {
		next := retailer.Clone()
		next.Raw = value
		next.Options = options
		err := t.store.UpdateCandidate(ctx, next, retailer.Version)
		switch {
		case errors.Is(err, apperrors.ErrConflict):
			t.logger.Warn("retailer candidate changed during correction, options kept",
				"doc_id", doc.ID,
				"candidate_id", retailer.ID,
			)
		case err != nil:
			return nil, fmt.Errorf("storing re-matched retailer candidate %s: %w", retailer.ID, err)
		}
	}
	if t.metrics != nil {
		t.metrics.ReviewDecisions.WithLabelValues(string(ingestion.ActionCorrectField), "manual").Inc()
	}
	t.events.Emit(doc.ID, events.TypeReviewDecision, events.ReviewDecision{
		DecisionID: d.ID,
		DocumentID: doc.ID,
		ActorID:    actorID,
		Action:     string(d.Action),
		FieldID:    field.ID,
		At:         d.DecidedAt,
	})
	t.logger.Info("field corrected",
		"doc_id", doc.ID,
		"field_id", field.ID,
		"label", field.Label,
		"actor_id", actorID,
		"rematched", retailer != nil,
	)
	return t.store.GetDocument(ctx, doc.ID)
}

// rematchRetailer scores value for the document's retailer candidate when
// that candidate is still Pending. It returns a nil candidate otherwise.
func (t *Tracker) rematchRetailer(ctx context.Context, doc *ingestion.IngestedDocument, value string) (*ingestion.MatchCandidate, []matching.Option, error) {
	candidates, err := t.store.ListCandidates(ctx, doc.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("listing candidates: %w", err)
	}
	for _, c := range candidates {
		if c.Kind != registry.KindRetailer {
			continue
		}
		if c.State != ingestion.CandidatePending {
			return nil, nil, nil
		}
		opts, err := t.matcher.Match(ctx, matching.Request{
			Raw:           value,
			Kind:          registry.KindRetailer,
			DistributorID: c.DistributorID,
		})
		if err != nil {
			return nil, nil, classifyMatchError(c, err)
		}
		return c, opts, nil
	}
	return nil, nil, nil
}

func (t *Tracker) advance(ctx context.Context, id string, from, to ingestion.State, mutate func(*ingestion.IngestedDocument)) (*ingestion.IngestedDocument, error) {
	unlock := t.locks.Lock(id)
	defer unlock()

	doc, err := t.store.GetDocument(ctx, id)
	if err != nil {
		return nil, err
	}
	if doc.State != from {
		return nil, apperrors.InvalidTransition("document %s is %s, expected %s", id, doc.State, from)
	}
	if err := t.transition(ctx, doc, to, mutate); err != nil {
		return nil, err
	}
	return doc, nil
}

func requireExtractable(doc *ingestion.IngestedDocument) error {
	if doc.State != ingestion.StateQueued && doc.State != ingestion.StateExtracting {
		return apperrors.InvalidTransition("document %s is %s, extraction results need Queued or Extracting", doc.ID, doc.State)
	}
	return nil
}

func setAttempts(n int) func(*ingestion.IngestedDocument) {
	return func(d *ingestion.IngestedDocument) { d.Attempts = n }
}

func (t *Tracker) applyExtraction(ctx context.Context, doc *ingestion.IngestedDocument, result ingestion.ExtractionResult) error {
	now := t.now()
	fields := make([]ingestion.ExtractedField, 0, len(result.Fields))
	var candidates []*ingestion.MatchCandidate
	newCandidate := func(raw, quantity string, kind registry.Kind) {
		candidates = append(candidates, &ingestion.MatchCandidate{
			ID:            uuid.NewString(),
			DocumentID:    doc.ID,
			DistributorID: doc.DistributorID,
			Raw:           raw,
			Quantity:      quantity,
			Kind:          kind,
			State:         ingestion.CandidatePending,
			Version:       1,
			CreatedAt:     now,
			UpdatedAt:     now,
		})
	}

	retailerSeen := false
	for _, f := range result.Fields {
		fields = append(fields, ingestion.ExtractedField{
			ID:         uuid.NewString(),
			Label:      strings.TrimSpace(f.Label),
			RawValue:   f.RawValue,
			Confidence: f.Confidence,
			Editable:   true,
		})
		raw := strings.TrimSpace(f.RawValue)
		if !retailerSeen && raw != "" && strings.EqualFold(strings.TrimSpace(f.Label), ingestion.RetailerFieldLabel) {
			newCandidate(raw, "", registry.KindRetailer)
			retailerSeen = true
		}
	}
	for _, item := range result.LineItems {
		raw := strings.TrimSpace(item.RawSKU)
		if raw == "" {
			continue
		}
		newCandidate(raw, strings.TrimSpace(item.RawQuantity), registry.KindSKU)
	}

	if len(candidates) > 0 {
		if err := t.store.SaveCandidates(ctx, candidates); err != nil {
			return fmt.Errorf("saving candidates: %w", err)
		}
	}
	ids := make([]string, len(candidates))
	for i, c := range candidates {
		ids[i] = c.ID
	}
	return t.transition(ctx, doc, ingestion.StateMatching, func(d *ingestion.IngestedDocument) {
		d.Fields = fields
		d.CandidateIDs = ids
		d.Attempts = 1
	})
}

func (t *Tracker) runMatching(ctx context.Context, doc *ingestion.IngestedDocument) error {
	ctx, span := tracing.Start(ctx, "tracker.matching",
		attribute.String("document_id", doc.ID),
		attribute.Int("candidates", len(doc.CandidateIDs)),
	)
	err := t.withRetry(ctx, stageMatching, doc, func(ctx context.Context) error {
		return t.matchStep(ctx, doc)
	})
	span.SetAttributes(attribute.Int("attempts", doc.Attempts))
	tracing.End(span, err)
	if err != nil {
		return t.failOn(ctx, doc, err)
	}
	return nil
}

// matchStep scores every pending candidate, stores the options and settles
// the document. Candidates already resolved by an earlier partial attempt
// are left alone.
func (t *Tracker) matchStep(ctx context.Context, doc *ingestion.IngestedDocument) error {
	candidates, err := t.store.ListCandidates(ctx, doc.ID)
	if err != nil {
		return fmt.Errorf("listing candidates: %w", err)
	}
	pending := pendingOf(candidates)

	var options [][]matching.Option
	err = resilience.WithTimeout(ctx, t.cfg.StepTimeout, "matching", func(ctx context.Context) error {
		opts, err := t.matchAll(ctx, pending)
		if err != nil {
			return err
		}
		options = opts
		return nil
	})
	if err != nil {
		return err
	}
	for i, c := range pending {
		c.Options = options[i]
		if err := t.store.UpdateCandidate(ctx, c, c.Version); err != nil {
			return fmt.Errorf("storing options for candidate %s: %w", c.ID, err)
		}
	}
	return t.settle(ctx, doc, candidates)
}

func (t *Tracker) matchAll(ctx context.Context, candidates []*ingestion.MatchCandidate) ([][]matching.Option, error) {
	out := make([][]matching.Option, len(candidates))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(t.cfg.MatchConcurrency)
	for i, c := range candidates {
		g.Go(func() error {
			opts, err := t.matcher.Match(gctx, matching.Request{
				Raw:           c.Raw,
				Kind:          c.Kind,
				DistributorID: c.DistributorID,
			})
			if err != nil {
				return classifyMatchError(c, err)
			}
			out[i] = opts
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// classifyMatchError treats unclassified matcher failures, such as an
// unreachable registry store, as transient.
func classifyMatchError(c *ingestion.MatchCandidate, err error) error {
	if apperrors.KindOf(err) == apperrors.KindInternal && !errors.Is(err, context.Canceled) {
		return apperrors.Transient(err, fmt.Sprintf("matching candidate %s", c.ID))
	}
	return fmt.Errorf("matching candidate %s: %w", c.ID, err)
}

func (t *Tracker) settle(ctx context.Context, doc *ingestion.IngestedDocument, candidates []*ingestion.MatchCandidate) error {
	pending := pendingOf(candidates)
	auto := true
	for _, c := range pending {
		eval := t.evaluate(c)
		if t.metrics != nil {
			t.metrics.MatchTopTier.WithLabelValues(string(c.Kind), string(eval.Tier)).Inc()
		}
		if !eval.AutoAccept {
			auto = false
		}
	}
	if !auto {
		return t.transition(ctx, doc, ingestion.StateAwaitingReview, nil)
	}
	for _, c := range pending {
		if err := t.autoAccept(ctx, c); err != nil {
			return err
		}
	}
	return t.transition(ctx, doc, ingestion.StateReconciled, nil)
}

func (t *Tracker) evaluate(c *ingestion.MatchCandidate) confidence.Evaluation {
	if len(c.Options) == 0 {
		return confidence.Evaluation{Tier: t.policy.Tier(0)}
	}
	return t.policy.Evaluate(c.Options[0].Score, c.Kind)
}

func (t *Tracker) autoAccept(ctx context.Context, c *ingestion.MatchCandidate) error {
	top := c.Options[0]
	d := ingestion.Decision{
		ID:          uuid.NewString(),
		CandidateID: c.ID,
		DocumentID:  c.DocumentID,
		ActorID:     ingestion.AutoActor,
		Action:      ingestion.ActionAccept,
		Auto:        true,
		Prior:       c.Snapshot(),
		NewValue:    top.CanonicalID,
		ChosenRank:  top.Rank,
		DecidedAt:   t.now(),
	}
	next := c.Clone()
	next.State = ingestion.CandidateAccepted
	next.ResolvedCanonicalID = top.CanonicalID
	next.LastDecisionID = d.ID
	next.AutoAccepted = true
	if err := t.store.ApplyDecision(ctx, next, c.Version, d); err != nil {
		return fmt.Errorf("auto-accepting candidate %s: %w", c.ID, err)
	}
	*c = *next
	if t.metrics != nil {
		t.metrics.ReviewDecisions.WithLabelValues(string(ingestion.ActionAccept), "auto").Inc()
	}
	t.events.Emit(c.ID, events.TypeReviewDecision, events.ReviewDecision{
		DecisionID:  d.ID,
		CandidateID: c.ID,
		DocumentID:  c.DocumentID,
		ActorID:     d.ActorID,
		Action:      string(d.Action),
		Auto:        true,
		CanonicalID: top.CanonicalID,
		At:          d.DecidedAt,
	})
	return nil
}

// withRetry runs step under the retry policy with what is left of the
// document's attempt budget. doc.Attempts is the attempt about to run, so
// attempts already spent on reported failures or an interrupted run are not
// granted again. Every retried failure is persisted as a re-entry of the
// current state before the backoff.
func (t *Tracker) withRetry(ctx context.Context, stage string, doc *ingestion.IngestedDocument, step func(ctx context.Context) error) error {
	first := max(doc.Attempts, 1)
	remaining := t.cfg.MaxAttempts - first + 1
	if remaining <= 0 {
		return apperrors.Transient(nil, fmt.Sprintf("%s attempt %d exceeds the budget of %d", stage, first, t.cfg.MaxAttempts))
	}
	var persistErr error
	cfg := t.cfg.retry()
	cfg.MaxAttempts = remaining
	cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		persistErr = t.reenter(ctx, doc, stage, first+attempt, err, delay)
	}
	return resilience.Retry(ctx, "document-"+stage, cfg, func() error {
		if persistErr != nil {
			return persistErr
		}
		return step(ctx)
	})
}

func (t *Tracker) reenter(ctx context.Context, doc *ingestion.IngestedDocument, stage string, attempt int, cause error, delay time.Duration) error {
	if err := t.transition(ctx, doc, doc.State, setAttempts(attempt)); err != nil {
		return fmt.Errorf("recording retry: %w", err)
	}
	if t.metrics != nil {
		t.metrics.IngestionRetries.WithLabelValues(stage).Inc()
	}
	if stage == stageExtraction {
		t.events.Emit(doc.ID, events.TypeExtractionRetry, events.ExtractionRetry{
			DocumentID: doc.ID,
			Attempt:    attempt,
			NotBefore:  t.now().Add(delay),
			Error:      cause.Error(),
		})
	}
	t.logger.Warn("transient failure, retrying",
		"doc_id", doc.ID,
		"stage", stage,
		"attempt", attempt,
		"max_attempts", t.cfg.MaxAttempts,
		"delay", delay,
		"error", cause,
	)
	return nil
}

// failOn records err on the document unless ctx was cancelled, in which
// case the document keeps its state for a later attempt.
func (t *Tracker) failOn(ctx context.Context, doc *ingestion.IngestedDocument, err error) error {
	if ctx.Err() != nil {
		return err
	}
	if ferr := t.fail(ctx, doc, err); ferr != nil {
		return fmt.Errorf("recording failure %v: %w", err, ferr)
	}
	return nil
}

func (t *Tracker) fail(ctx context.Context, doc *ingestion.IngestedDocument, cause error) error {
	last := cause
	var retryErr *resilience.RetryError
	if errors.As(cause, &retryErr) {
		last = retryErr.Last
	}
	kind := apperrors.KindOf(last)
	err := t.transition(ctx, doc, ingestion.StateFailed, func(d *ingestion.IngestedDocument) {
		d.FailureKind = string(kind)
		d.FailureReason = last.Error()
	})
	if err != nil {
		return err
	}
	t.logger.Error("document failed",
		"doc_id", doc.ID,
		"attempts", doc.Attempts,
		"failure_kind", kind,
		"error", last,
	)
	return nil
}

func (t *Tracker) transition(ctx context.Context, doc *ingestion.IngestedDocument, to ingestion.State, mutate func(*ingestion.IngestedDocument)) error {
	from := doc.State
	if !ingestion.CanTransition(from, to) {
		return apperrors.InvalidTransition("document %s cannot move from %s to %s", doc.ID, from, to)
	}
	next := doc.Clone()
	next.State = to
	if mutate != nil {
		mutate(next)
	}
	if err := t.store.UpdateDocument(ctx, next, from); err != nil {
		return err
	}
	*doc = *next
	if t.metrics != nil {
		t.metrics.DocumentTransitions.WithLabelValues(string(from), string(to)).Inc()
	}
	t.emitTransition(doc, from)
	if from != to {
		t.logger.Info("document transition",
			"doc_id", doc.ID,
			"from", from,
			"to", to,
			"attempts", doc.Attempts,
			"terminal", to.Terminal(),
		)
	}
	return nil
}

func (t *Tracker) emitTransition(doc *ingestion.IngestedDocument, from ingestion.State) {
	t.events.Emit(doc.ID, events.TypeDocumentTransition, events.DocumentTransition{
		DocumentID:    doc.ID,
		DistributorID: doc.DistributorID,
		From:          string(from),
		To:            string(doc.State),
		Attempts:      doc.Attempts,
		FailureKind:   doc.FailureKind,
		FailureReason: doc.FailureReason,
		At:            doc.UpdatedAt,
	})
}

func pendingOf(candidates []*ingestion.MatchCandidate) []*ingestion.MatchCandidate {
	var out []*ingestion.MatchCandidate
	for _, c := range candidates {
		if c.State == ingestion.CandidatePending {
			out = append(out, c)
		}
	}
	return out
}

func countPending(candidates []*ingestion.MatchCandidate) int {
	return len(pendingOf(candidates))
}
