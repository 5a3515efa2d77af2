package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/internal/clustering"
	"github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/internal/confidence"
	"github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/internal/matching"
	"github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/internal/registry"
	"github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/pkg/config"
)

type fakeRunner struct {
	report clustering.PassReport
	err    error
	calls  int
}

func (f *fakeRunner) RunPass(context.Context) (clustering.PassReport, error) {
	f.calls++
	return f.report, f.err
}

func newHandler(t *testing.T, runner ClusterRunner) *Handler {
	t.Helper()
	reg := registry.NewMemoryStore()
	require.NoError(t, reg.Seed(context.Background(),
		[]registry.SKUEntry{{ID: "SUN-PANT-40-10", DisplayName: "Pantoprazole 40mg", Strength: "40", Pack: "10"}},
		nil,
	))
	return New(reg, matching.NewEngine(reg, config.MatchingConfig{}, nil), confidence.DefaultPolicy(), runner)
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestRunClustering(t *testing.T) {
	runner := &fakeRunner{report: clustering.PassReport{Members: 4, Proposed: 1}}
	h := newHandler(t, runner)

	rec := httptest.NewRecorder()
	h.RunClustering(rec, httptest.NewRequest(http.MethodPost, "/api/v1/admin/clustering/run", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, decode(t, rec)["proposed"])
	assert.Equal(t, 1, runner.calls)

	runner.err = errors.New("store down")
	rec = httptest.NewRecorder()
	h.RunClustering(rec, httptest.NewRequest(http.MethodPost, "/api/v1/admin/clustering/run", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "internal error", decode(t, rec)["error"])
}

func TestRunClusteringDisabled(t *testing.T) {
	h := newHandler(t, nil)
	rec := httptest.NewRecorder()
	h.RunClustering(rec, httptest.NewRequest(http.MethodPost, "/api/v1/admin/clustering/run", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMatchEvaluatesTopOption(t *testing.T) {
	h := newHandler(t, nil)
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/registry/{kind}/match", h.Match)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/registry/sku/match?raw=Pantoprazole%2040mg", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	out := decode(t, rec)
	opts := out["options"].([]any)
	require.NotEmpty(t, opts)
	assert.Equal(t, "SUN-PANT-40-10", opts[0].(map[string]any)["canonical_id"])
	eval := out["evaluation"].(map[string]any)
	assert.Equal(t, "High", eval["tier"])
}
