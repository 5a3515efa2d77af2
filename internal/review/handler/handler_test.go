package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/internal/clustering"
	"github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/internal/confidence"
	"github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/internal/ingestion"
	"github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/internal/ingestion/tracker"
	"github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/internal/matching"
	"github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/internal/registry"
	"github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/internal/review"
	"github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/pkg/config"
)

type server struct {
	mux     *http.ServeMux
	tracker *tracker.Tracker
	store   *ingestion.MemoryStore
	groups  *clustering.MemoryGroupStore
	seq     int
}

func newServer(t *testing.T) *server {
	t.Helper()
	reg := registry.NewMemoryStore()
	require.NoError(t, reg.Seed(context.Background(),
		[]registry.SKUEntry{
			{ID: "CIPL-PARA-500-10", DisplayName: "Paracetamol 500mg", Strength: "500", Pack: "10"},
			{ID: "SUN-PANT-40-10", DisplayName: "Pantoprazole 40mg", Strength: "40", Pack: "10"},
		},
		[]registry.RetailerEntry{{ID: "R-KUMAR", DisplayName: "Kumar Pharma"}},
	))
	s := &server{
		store:  ingestion.NewMemoryStore(),
		groups: clustering.NewMemoryGroupStore(),
	}
	engine := matching.NewEngine(reg, config.MatchingConfig{}, nil)
	s.tracker = tracker.New(s.store, engine, confidence.DefaultPolicy(), tracker.Config{}, nil, nil)
	h := New(review.NewWorkflow(s.store, reg, s.groups, s.tracker, nil, nil))

	s.mux = http.NewServeMux()
	s.mux.HandleFunc("GET /api/v1/candidates/{id}", h.GetCandidate)
	s.mux.HandleFunc("GET /api/v1/candidates/{id}/decisions", h.Decisions)
	s.mux.HandleFunc("POST /api/v1/candidates/{id}/accept", h.Accept)
	s.mux.HandleFunc("POST /api/v1/candidates/{id}/reject", h.Reject)
	s.mux.HandleFunc("POST /api/v1/candidates/{id}/override", h.Override)
	s.mux.HandleFunc("GET /api/v1/duplicate-groups", h.ListGroups)
	s.mux.HandleFunc("GET /api/v1/duplicate-groups/{id}", h.GetGroup)
	s.mux.HandleFunc("POST /api/v1/duplicate-groups/{id}/merge", h.MergeGroup)
	s.mux.HandleFunc("POST /api/v1/duplicate-groups/{id}/dismiss", h.DismissGroup)
	return s
}

// candidates runs one document through extraction and returns its
// candidates, all awaiting review.
func (s *server) candidates(t *testing.T, result ingestion.ExtractionResult) []*ingestion.MatchCandidate {
	t.Helper()
	ctx := context.Background()
	s.seq++
	doc, err := s.tracker.Submit(ctx, ingestion.SubmitRequest{
		DistributorID: fmt.Sprintf("D%d", s.seq),
		SourceKind:    "api",
		Fingerprint:   fmt.Sprintf("fp-%d", s.seq),
	})
	require.NoError(t, err)
	_, err = s.tracker.Enqueue(ctx, doc.ID)
	require.NoError(t, err)
	doc, err = s.tracker.OnExtractionResult(ctx, doc.ID, result)
	require.NoError(t, err)
	require.Equal(t, ingestion.StateAwaitingReview, doc.State)
	cands, err := s.store.ListCandidates(ctx, doc.ID)
	require.NoError(t, err)
	return cands
}

func (s *server) do(t *testing.T, method, path, actor, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if actor != "" {
		req.Header.Set("X-Actor-ID", actor)
	}
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return rec, out
}

func skus(raws ...string) ingestion.ExtractionResult {
	var res ingestion.ExtractionResult
	for _, r := range raws {
		res.LineItems = append(res.LineItems, ingestion.LineItem{RawSKU: r, RawQuantity: "2"})
	}
	return res
}

func retailer(name string) ingestion.ExtractionResult {
	return ingestion.ExtractionResult{Fields: []ingestion.FieldExtraction{
		{Label: ingestion.RetailerFieldLabel, RawValue: name, Confidence: 90},
	}}
}

func TestAcceptWithHeaderActor(t *testing.T) {
	s := newServer(t)
	c := s.candidates(t, skus("PARA500-10S", "PANTO 40"))[0]

	rec, body := s.do(t, http.MethodPost, "/api/v1/candidates/"+c.ID+"/accept", "reviewer-1",
		fmt.Sprintf(`{"chosen_rank":1,"expected_version":%d}`, c.Version))
	require.Equal(t, http.StatusOK, rec.Code, body)
	assert.Equal(t, "Accepted", body["state"])
	assert.EqualValues(t, c.Version+1, body["version"])

	rec, body = s.do(t, http.MethodGet, "/api/v1/candidates/"+c.ID+"/decisions", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	decisions := body["decisions"].([]any)
	require.Len(t, decisions, 1)
	assert.Equal(t, "reviewer-1", decisions[0].(map[string]any)["actor_id"])
}

func TestAcceptStaleVersionConflicts(t *testing.T) {
	s := newServer(t)
	c := s.candidates(t, skus("PARA500-10S", "PANTO 40"))[0]
	path := "/api/v1/candidates/" + c.ID + "/accept"
	body := fmt.Sprintf(`{"actor_id":"r1","chosen_rank":1,"expected_version":%d}`, c.Version)

	rec, _ := s.do(t, http.MethodPost, path, "", body)
	require.Equal(t, http.StatusOK, rec.Code)

	rec, out := s.do(t, http.MethodPost, path, "", body)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "ConflictError", out["kind"])
}

func TestRejectWithoutReason(t *testing.T) {
	s := newServer(t)
	c := s.candidates(t, skus("PANTO 40"))[0]

	rec, out := s.do(t, http.MethodPost, "/api/v1/candidates/"+c.ID+"/reject", "r1",
		fmt.Sprintf(`{"expected_version":%d}`, c.Version))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "ValidationError", out["kind"])
}

func TestOverrideAndReconcile(t *testing.T) {
	s := newServer(t)
	c := s.candidates(t, skus("PANTO 40"))[0]

	rec, out := s.do(t, http.MethodPost, "/api/v1/candidates/"+c.ID+"/override", "",
		fmt.Sprintf(`{"actor_id":"r1","canonical_id":"SUN-PANT-40-10","expected_version":%d}`, c.Version))
	require.Equal(t, http.StatusOK, rec.Code, out)
	assert.Equal(t, "Overridden", out["state"])
	assert.Equal(t, "SUN-PANT-40-10", out["resolved_canonical_id"])

	doc, err := s.store.GetDocument(context.Background(), c.DocumentID)
	require.NoError(t, err)
	assert.Equal(t, ingestion.StateReconciled, doc.State)
}

func TestCandidateErrors(t *testing.T) {
	s := newServer(t)
	c := s.candidates(t, skus("PANTO 40"))[0]

	rec, out := s.do(t, http.MethodGet, "/api/v1/candidates/missing", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NotFound", out["kind"])

	rec, out = s.do(t, http.MethodPost, "/api/v1/candidates/"+c.ID+"/accept", "", `{"chosen_rank":1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "no actor anywhere")
	assert.Equal(t, "ValidationError", out["kind"])

	rec, _ = s.do(t, http.MethodPost, "/api/v1/candidates/"+c.ID+"/accept", "r1", `{`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGroupEndpoints(t *testing.T) {
	s := newServer(t)
	ctx := context.Background()
	a := s.candidates(t, retailer("Kumar Pharmacy"))[0]
	b := s.candidates(t, retailer("Kumar Pharma Stores"))[0]
	group, err := s.groups.Propose(ctx, clustering.Group{MemberIDs: []string{a.ID, b.ID}, RepresentativeID: a.ID})
	require.NoError(t, err)

	rec, out := s.do(t, http.MethodGet, "/api/v1/duplicate-groups?state=Open", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, out["count"])

	rec, _ = s.do(t, http.MethodGet, "/api/v1/duplicate-groups?state=Closed", "", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, out = s.do(t, http.MethodGet, "/api/v1/duplicate-groups/"+group.ID, "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Open", out["state"])

	rec, out = s.do(t, http.MethodPost, "/api/v1/duplicate-groups/"+group.ID+"/merge", "r1", `{"canonical_id":"R-KUMAR"}`)
	require.Equal(t, http.StatusOK, rec.Code, out)
	members := out["members"].([]any)
	require.Len(t, members, 2)
	for _, m := range members {
		assert.Equal(t, true, m.(map[string]any)["applied"])
	}
	assert.Equal(t, "Merged", out["group"].(map[string]any)["state"])

	rec, out = s.do(t, http.MethodPost, "/api/v1/duplicate-groups/"+group.ID+"/dismiss", "r1", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "InvalidTransition", out["kind"])
}

func TestDismissGroupWithEmptyBody(t *testing.T) {
	s := newServer(t)
	a := s.candidates(t, retailer("Kumar Pharmacy"))[0]
	b := s.candidates(t, retailer("Kumar Pharma Stores"))[0]
	group, err := s.groups.Propose(context.Background(), clustering.Group{MemberIDs: []string{a.ID, b.ID}, RepresentativeID: a.ID})
	require.NoError(t, err)

	rec, out := s.do(t, http.MethodPost, "/api/v1/duplicate-groups/"+group.ID+"/dismiss", "r2", "")
	require.Equal(t, http.StatusOK, rec.Code, out)
	assert.Equal(t, "Dismissed", out["state"])
	assert.Equal(t, "r2", out["resolved_by"])
}
