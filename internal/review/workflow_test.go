package review

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/internal/clustering"
	"github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/internal/confidence"
	"github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/internal/events"
	"github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/internal/ingestion"
	"github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/internal/ingestion/tracker"
	"github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/internal/matching"
	"github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/internal/registry"
	"github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/pkg/metrics"
)

var (
	skus = []registry.SKUEntry{
		{ID: "CIPL-PARA-500-10", DisplayName: "Paracetamol 500mg", Strength: "500", Pack: "10"},
		{ID: "GSK-AMOX-250-15", DisplayName: "Amoxicillin 250mg", Strength: "250", Pack: "15"},
		{ID: "SUN-PANT-40-10", DisplayName: "Pantoprazole 40mg", Strength: "40", Pack: "10"},
	}
	retailers = []registry.RetailerEntry{
		{ID: "R-KUMAR", DisplayName: "Kumar Pharma"},
		{ID: "R-SHARMA", DisplayName: "Sharma Medicals"},
	}
)

// flakyRegistry fails every alias append.
type flakyRegistry struct {
	registry.Registry
}

func (flakyRegistry) AppendAlias(context.Context, registry.Alias) (bool, error) {
	return false, errors.New("registry store unavailable")
}

type fixture struct {
	registry registry.Registry
	store    *ingestion.MemoryStore
	groups   *clustering.MemoryGroupStore
	engine   *matching.Engine
	tracker  *tracker.Tracker
	events   *events.Recorder
	metrics  *metrics.Metrics
	workflow *Workflow
	seq      int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg := registry.NewMemoryStore()
	require.NoError(t, reg.Seed(context.Background(), skus, retailers))
	return newFixtureWith(t, reg)
}

func newFixtureWith(t *testing.T, reg registry.Registry) *fixture {
	t.Helper()
	f := &fixture{
		registry: reg,
		store:    ingestion.NewMemoryStore(),
		groups:   clustering.NewMemoryGroupStore(),
		events:   &events.Recorder{},
		metrics:  metrics.New(nil),
	}
	f.engine = matching.NewEngine(reg, config.MatchingConfig{}, nil)
	f.tracker = tracker.New(f.store, f.engine, confidence.DefaultPolicy(), tracker.Config{}, nil, nil)
	f.workflow = NewWorkflow(f.store, reg, f.groups, f.tracker, f.events, f.metrics)
	return f
}

// document runs a document for distributor through extraction and returns
// its candidates, which are awaiting review.
func (f *fixture) document(t *testing.T, distributor string, result ingestion.ExtractionResult) []*ingestion.MatchCandidate {
	t.Helper()
	ctx := context.Background()
	f.seq++
	doc, err := f.tracker.Submit(ctx, ingestion.SubmitRequest{
		DistributorID: distributor,
		SourceKind:    "api",
		Fingerprint:   distributor + "-" + string(rune('a'+f.seq)),
	})
	require.NoError(t, err)
	_, err = f.tracker.Enqueue(ctx, doc.ID)
	require.NoError(t, err)
	doc, err = f.tracker.OnExtractionResult(ctx, doc.ID, result)
	require.NoError(t, err)
	require.Equal(t, ingestion.StateAwaitingReview, doc.State)
	cands, err := f.store.ListCandidates(ctx, doc.ID)
	require.NoError(t, err)
	return cands
}

func skuDoc(raws ...string) ingestion.ExtractionResult {
	var res ingestion.ExtractionResult
	for _, r := range raws {
		res.LineItems = append(res.LineItems, ingestion.LineItem{RawSKU: r, RawQuantity: "1"})
	}
	return res
}

func retailerDoc(name string) ingestion.ExtractionResult {
	return ingestion.ExtractionResult{Fields: []ingestion.FieldExtraction{
		{Label: ingestion.RetailerFieldLabel, RawValue: name, Confidence: 91},
	}}
}

func (f *fixture) docState(t *testing.T, id string) ingestion.State {
	t.Helper()
	doc, err := f.store.GetDocument(context.Background(), id)
	require.NoError(t, err)
	return doc.State
}

func TestAcceptLearnsAliasAndReconciles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.document(t, "D1", skuDoc("PARA500-10S"))[0]
	require.Equal(t, "CIPL-PARA-500-10", c.Options[0].CanonicalID)
	require.Less(t, c.Options[0].Score, 100.0)

	got, err := f.workflow.Accept(ctx, AcceptRequest{CandidateID: c.ID, ActorID: "reviewer-1", ChosenRank: 1, ExpectedVersion: c.Version})
	require.NoError(t, err)
	assert.Equal(t, ingestion.CandidateAccepted, got.State)
	assert.Equal(t, c.Version+1, got.Version)
	assert.Equal(t, "CIPL-PARA-500-10", got.ResolvedCanonicalID)

	stored, err := f.workflow.GetCandidate(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, ingestion.CandidateAccepted, stored.State)
	assert.GreaterOrEqual(t, stored.Version, c.Version)

	decisions, err := f.workflow.Decisions(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, "reviewer-1", decisions[0].ActorID)
	assert.Equal(t, ingestion.CandidatePending, decisions[0].Prior.State)
	assert.Equal(t, 1, decisions[0].ChosenRank)

	// The same raw string now short-circuits through the alias table.
	opts, err := f.engine.Match(ctx, matching.Request{Raw: "PARA500-10S", Kind: registry.KindSKU, DistributorID: "D9"})
	require.NoError(t, err)
	require.Len(t, opts, 1)
	assert.Equal(t, float64(100), opts[0].Score)
	assert.Equal(t, matching.SourceGlobalAlias, opts[0].Source)

	assert.Equal(t, ingestion.StateReconciled, f.docState(t, c.DocumentID))
	assert.Len(t, f.events.OfType(events.TypeReviewDecision), 1)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.AliasAppends.WithLabelValues("global", "applied")))
}

func TestDocumentStaysInReviewWhileCandidatesPending(t *testing.T) {
	f := newFixture(t)
	cands := f.document(t, "D1", skuDoc("PARA500-10S", "PANTO 40"))
	require.Len(t, cands, 2)

	_, err := f.workflow.Accept(context.Background(), AcceptRequest{CandidateID: cands[0].ID, ActorID: "r1", ChosenRank: 1, ExpectedVersion: cands[0].Version})
	require.NoError(t, err)
	assert.Equal(t, ingestion.StateAwaitingReview, f.docState(t, cands[0].DocumentID))

	_, err = f.workflow.Reject(context.Background(), RejectRequest{CandidateID: cands[1].ID, ActorID: "r1", Reason: "not on invoice", ExpectedVersion: cands[1].Version})
	require.NoError(t, err)
	assert.Equal(t, ingestion.StateReconciled, f.docState(t, cands[0].DocumentID))
}

func TestErrorOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.document(t, "D1", skuDoc("PARA500-10S", "PANTO 40"))[0]

	_, err := f.workflow.Accept(ctx, AcceptRequest{CandidateID: c.ID, ChosenRank: 1, ExpectedVersion: c.Version})
	assert.ErrorIs(t, err, apperrors.ErrValidation, "missing actor")

	_, err = f.workflow.Accept(ctx, AcceptRequest{CandidateID: "nope", ActorID: "r1", ChosenRank: 1, ExpectedVersion: 1})
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	_, err = f.workflow.Accept(ctx, AcceptRequest{CandidateID: c.ID, ActorID: "r1", ChosenRank: 1, ExpectedVersion: c.Version + 7})
	assert.ErrorIs(t, err, apperrors.ErrConflict)

	_, err = f.workflow.Accept(ctx, AcceptRequest{CandidateID: c.ID, ActorID: "r1", ChosenRank: 42, ExpectedVersion: c.Version})
	assert.ErrorIs(t, err, apperrors.ErrValidation, "unknown rank")

	done, err := f.workflow.Accept(ctx, AcceptRequest{CandidateID: c.ID, ActorID: "r1", ChosenRank: 1, ExpectedVersion: c.Version})
	require.NoError(t, err)

	_, err = f.workflow.Reject(ctx, RejectRequest{CandidateID: c.ID, ActorID: "r2", Reason: "dup", ExpectedVersion: c.Version})
	assert.ErrorIs(t, err, apperrors.ErrConflict, "stale version reports a conflict before the state")

	_, err = f.workflow.Reject(ctx, RejectRequest{CandidateID: c.ID, ActorID: "r2", Reason: "dup", ExpectedVersion: done.Version})
	assert.ErrorIs(t, err, apperrors.ErrInvalidTransition)

	_, err = f.workflow.Accept(ctx, AcceptRequest{CandidateID: c.ID, ActorID: ingestion.AutoActor, ChosenRank: 1, ExpectedVersion: done.Version})
	assert.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestConcurrentDecisionsOneWins(t *testing.T) {
	f := newFixture(t)
	c := f.document(t, "D1", skuDoc("PARA500-10S"))[0]

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, errs[0] = f.workflow.Accept(context.Background(), AcceptRequest{CandidateID: c.ID, ActorID: "r1", ChosenRank: 1, ExpectedVersion: c.Version})
	}()
	go func() {
		defer wg.Done()
		_, errs[1] = f.workflow.Reject(context.Background(), RejectRequest{CandidateID: c.ID, ActorID: "r2", Reason: "wrong strength", ExpectedVersion: c.Version})
	}()
	wg.Wait()

	var wins, conflicts int
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, apperrors.ErrConflict):
			conflicts++
		}
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, 1, conflicts)

	decisions, err := f.store.ListDecisions(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Len(t, decisions, 1)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.ReviewConflicts))
}

func TestRejectRequiresReasonAndLeavesRegistryAlone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.document(t, "D1", skuDoc("PARA500-10S"))[0]

	_, err := f.workflow.Reject(ctx, RejectRequest{CandidateID: c.ID, ActorID: "r1", Reason: "  ", ExpectedVersion: c.Version})
	assert.ErrorIs(t, err, apperrors.ErrValidation)

	got, err := f.workflow.Reject(ctx, RejectRequest{CandidateID: c.ID, ActorID: "r1", Reason: "not stocked", ExpectedVersion: c.Version})
	require.NoError(t, err)
	assert.Equal(t, ingestion.CandidateRejected, got.State)
	assert.Empty(t, got.ResolvedCanonicalID)

	snap, err := f.registry.Snapshot(ctx)
	require.NoError(t, err)
	assert.Empty(t, snap.Aliases())
}

func TestOverrideValidatesCanonicalID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.document(t, "D1", skuDoc("PARA500-10S"))[0]

	_, err := f.workflow.Override(ctx, OverrideRequest{CandidateID: c.ID, ActorID: "r1", CanonicalID: "NOT-A-SKU", ExpectedVersion: c.Version})
	assert.ErrorIs(t, err, apperrors.ErrValidation)

	// Retailer ids are not valid for a SKU candidate.
	_, err = f.workflow.Override(ctx, OverrideRequest{CandidateID: c.ID, ActorID: "r1", CanonicalID: "R-KUMAR", ExpectedVersion: c.Version})
	assert.ErrorIs(t, err, apperrors.ErrValidation)

	stored, err := f.store.GetCandidate(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, ingestion.CandidatePending, stored.State)
	assert.Equal(t, c.Version, stored.Version)
}

func TestOverridePromotedAfterIndependentConfirmation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	match := func(distributor string) matching.Option {
		opts, err := f.engine.Match(ctx, matching.Request{Raw: "Crocin Adv", Kind: registry.KindSKU, DistributorID: distributor})
		require.NoError(t, err)
		require.NotEmpty(t, opts)
		return opts[0]
	}

	c1 := f.document(t, "D1", skuDoc("Crocin Adv"))[0]
	got, err := f.workflow.Override(ctx, OverrideRequest{CandidateID: c1.ID, ActorID: "r1", CanonicalID: "CIPL-PARA-500-10", ExpectedVersion: c1.Version})
	require.NoError(t, err)
	assert.Equal(t, ingestion.CandidateOverridden, got.State)

	top := match("D1")
	assert.Equal(t, matching.SourceDistributorAlias, top.Source)
	assert.Equal(t, float64(100), top.Score)
	assert.NotEqual(t, matching.SourceGlobalAlias, match("D2").Source, "override stays with its distributor")

	// The same reviewer again does not count as independent.
	c2 := f.document(t, "D2", skuDoc("Crocin Adv"))[0]
	_, err = f.workflow.Override(ctx, OverrideRequest{CandidateID: c2.ID, ActorID: "r1", CanonicalID: "CIPL-PARA-500-10", ExpectedVersion: c2.Version})
	require.NoError(t, err)
	assert.NotEqual(t, matching.SourceGlobalAlias, match("D3").Source)

	c3 := f.document(t, "D3", skuDoc("Crocin Adv"))[0]
	_, err = f.workflow.Override(ctx, OverrideRequest{CandidateID: c3.ID, ActorID: "r2", CanonicalID: "CIPL-PARA-500-10", ExpectedVersion: c3.Version})
	require.NoError(t, err)

	top = match("D4")
	assert.Equal(t, matching.SourceGlobalAlias, top.Source)
	assert.Equal(t, "CIPL-PARA-500-10", top.CanonicalID)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.AliasAppends.WithLabelValues("global", "applied")))
}

func TestAliasFailureDoesNotFailDecision(t *testing.T) {
	reg := registry.NewMemoryStore()
	require.NoError(t, reg.Seed(context.Background(), skus, retailers))
	f := newFixtureWith(t, flakyRegistry{Registry: reg})
	c := f.document(t, "D1", skuDoc("PARA500-10S"))[0]

	got, err := f.workflow.Accept(context.Background(), AcceptRequest{CandidateID: c.ID, ActorID: "r1", ChosenRank: 1, ExpectedVersion: c.Version})
	require.NoError(t, err)
	assert.Equal(t, ingestion.CandidateAccepted, got.State)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.AliasAppends.WithLabelValues("global", "error")))
}

func TestMergeDuplicateGroupCollectsMemberFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.document(t, "D1", retailerDoc("Kumar Pharmacy"))[0]
	b := f.document(t, "D2", retailerDoc("Kumar Pharma Stores"))[0]
	c := f.document(t, "D3", retailerDoc("Kumar Pharma Agencies"))[0]

	group, err := f.groups.Propose(ctx, clustering.Group{MemberIDs: []string{a.ID, b.ID, c.ID}, RepresentativeID: a.ID})
	require.NoError(t, err)

	// c is resolved by someone else before the merge lands.
	_, err = f.workflow.Reject(ctx, RejectRequest{CandidateID: c.ID, ActorID: "r9", Reason: "different shop", ExpectedVersion: c.Version})
	require.NoError(t, err)

	res, err := f.workflow.MergeDuplicateGroup(ctx, group.ID, "R-KUMAR", "r1")
	require.NoError(t, err)
	assert.Equal(t, clustering.GroupMerged, res.Group.State)
	assert.Equal(t, "R-KUMAR", res.Group.MergedCanonicalID)
	require.Len(t, res.Members, 3)

	outcomes := map[string]MemberOutcome{}
	for _, m := range res.Members {
		outcomes[m.CandidateID] = m
	}
	assert.True(t, outcomes[a.ID].Applied)
	assert.True(t, outcomes[b.ID].Applied)
	assert.False(t, outcomes[c.ID].Applied)
	assert.Equal(t, string(apperrors.KindInvalidTransition), outcomes[c.ID].ErrorKind)

	for _, id := range []string{a.ID, b.ID} {
		got, err := f.store.GetCandidate(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "R-KUMAR", got.ResolvedCanonicalID)
		assert.Equal(t, ingestion.StateReconciled, f.docState(t, got.DocumentID))
		decisions, err := f.store.ListDecisions(ctx, id)
		require.NoError(t, err)
		require.Len(t, decisions, 1)
		assert.Equal(t, group.ID, decisions[0].GroupID)
	}

	_, err = f.workflow.MergeDuplicateGroup(ctx, group.ID, "R-KUMAR", "r1")
	assert.ErrorIs(t, err, apperrors.ErrInvalidTransition)
}

// dismissedMidway lets Get see an Open group and dismisses it before the
// caller acts, the way a second reviewer would.
type dismissedMidway struct {
	*clustering.MemoryGroupStore
}

func (d dismissedMidway) Get(ctx context.Context, id string) (*clustering.DuplicateGroup, error) {
	g, err := d.MemoryGroupStore.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := d.MemoryGroupStore.Resolve(ctx, id, clustering.GroupDismissed, "", "r2"); err != nil {
		return nil, err
	}
	return g, nil
}

func TestMergeLosingTheGroupLeavesMembersUntouched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.document(t, "D1", retailerDoc("Kumar Pharmacy"))[0]
	b := f.document(t, "D2", retailerDoc("Kumar Pharma Stores"))[0]
	group, err := f.groups.Propose(ctx, clustering.Group{MemberIDs: []string{a.ID, b.ID}, RepresentativeID: a.ID})
	require.NoError(t, err)

	wf := NewWorkflow(f.store, f.registry, dismissedMidway{f.groups}, f.tracker, f.events, f.metrics)
	res, err := wf.MergeDuplicateGroup(ctx, group.ID, "R-KUMAR", "r1")
	assert.Nil(t, res)
	assert.ErrorIs(t, err, apperrors.ErrInvalidTransition)

	for _, id := range []string{a.ID, b.ID} {
		got, err := f.store.GetCandidate(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, ingestion.CandidatePending, got.State)
		decisions, err := f.store.ListDecisions(ctx, id)
		require.NoError(t, err)
		assert.Empty(t, decisions)
	}
	assert.Empty(t, f.events.OfType(events.TypeGroupResolved))
}

func TestMergeThroughAFoldedGroupID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.document(t, "D1", retailerDoc("Kumar Pharmacy"))[0]
	b := f.document(t, "D2", retailerDoc("Kumar Pharma Stores"))[0]
	c := f.document(t, "D3", retailerDoc("Kumar Pharma Agencies"))[0]
	d := f.document(t, "D4", retailerDoc("Kumar Pharma Traders"))[0]

	older, err := f.groups.Propose(ctx, clustering.Group{MemberIDs: []string{a.ID, b.ID}, RepresentativeID: a.ID})
	require.NoError(t, err)
	newer, err := f.groups.Propose(ctx, clustering.Group{MemberIDs: []string{c.ID, d.ID}, RepresentativeID: c.ID})
	require.NoError(t, err)
	_, err = f.groups.Propose(ctx, clustering.Group{MemberIDs: []string{b.ID, c.ID}, RepresentativeID: b.ID})
	require.NoError(t, err)

	res, err := f.workflow.MergeDuplicateGroup(ctx, newer.ID, "R-KUMAR", "r1")
	require.NoError(t, err)
	assert.Equal(t, older.ID, res.Group.ID)
	assert.Len(t, res.Members, 4)
	for _, m := range res.Members {
		assert.True(t, m.Applied, m.CandidateID)
	}
}

func TestMergeValidatesRepresentative(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.document(t, "D1", retailerDoc("Kumar Pharmacy"))[0]
	b := f.document(t, "D2", retailerDoc("Kumar Pharma Stores"))[0]
	group, err := f.groups.Propose(ctx, clustering.Group{MemberIDs: []string{a.ID, b.ID}, RepresentativeID: a.ID})
	require.NoError(t, err)

	_, err = f.workflow.MergeDuplicateGroup(ctx, "missing", "R-KUMAR", "r1")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	_, err = f.workflow.MergeDuplicateGroup(ctx, group.ID, "CIPL-PARA-500-10", "r1")
	assert.ErrorIs(t, err, apperrors.ErrValidation)

	got, err := f.workflow.GetGroup(ctx, group.ID)
	require.NoError(t, err)
	assert.Equal(t, clustering.GroupOpen, got.State)
}

func TestDismissDuplicateGroup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.document(t, "D1", retailerDoc("Kumar Pharmacy"))[0]
	b := f.document(t, "D2", retailerDoc("Kumar Pharma Stores"))[0]
	group, err := f.groups.Propose(ctx, clustering.Group{MemberIDs: []string{a.ID, b.ID}, RepresentativeID: a.ID})
	require.NoError(t, err)

	g, err := f.workflow.DismissDuplicateGroup(ctx, group.ID, "r1")
	require.NoError(t, err)
	assert.Equal(t, clustering.GroupDismissed, g.State)
	assert.Equal(t, "r1", g.ResolvedBy)

	_, err = f.workflow.DismissDuplicateGroup(ctx, group.ID, "r1")
	assert.ErrorIs(t, err, apperrors.ErrInvalidTransition)

	open, err := f.workflow.ListGroups(ctx, clustering.GroupOpen)
	require.NoError(t, err)
	assert.Empty(t, open)
	assert.Len(t, f.events.OfType(events.TypeGroupResolved), 1)

	stored, err := f.store.GetCandidate(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, ingestion.CandidatePending, stored.State)
}
