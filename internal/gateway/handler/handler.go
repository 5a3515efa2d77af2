// Package handler serves the reference-data and operator endpoints of the
// reconciler: registry browsing, ad-hoc matching and manual clustering runs.
package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/internal/clustering"
	"github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/internal/confidence"
	"github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/internal/matching"
	"github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/internal/registry"
	apperrors "github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/pkg/logger"
)

// ClusterRunner triggers one clustering pass.
type ClusterRunner interface {
	RunPass(ctx context.Context) (clustering.PassReport, error)
}

// Handler implements the registry and admin endpoints. clusters may be nil
// when clustering is disabled.
type Handler struct {
	registry registry.Registry
	matcher  matching.Matcher
	policy   confidence.Policy
	clusters ClusterRunner
	logger   *slog.Logger
}

func New(reg registry.Registry, matcher matching.Matcher, policy confidence.Policy, clusters ClusterRunner) *Handler {
	return &Handler{
		registry: reg,
		matcher:  matcher,
		policy:   policy,
		clusters: clusters,
		logger:   slog.Default().With("component", "gateway-handler"),
	}
}

// ListEntries returns the canonical records of one kind. ?q= keeps entries
// whose id or display name contains q, case-insensitively.
func (h *Handler) ListEntries(w http.ResponseWriter, r *http.Request) {
	kind, err := registry.ParseKind(r.PathValue("kind"))
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	snap, err := h.registry.Snapshot(r.Context())
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	q := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("q")))
	keep := func(id, name string) bool {
		return q == "" || strings.Contains(strings.ToLower(id), q) || strings.Contains(strings.ToLower(name), q)
	}

	var entries []any
	switch kind {
	case registry.KindSKU:
		for _, e := range snap.SKUs() {
			if keep(e.ID, e.DisplayName) {
				entries = append(entries, e)
			}
		}
	case registry.KindRetailer:
		for _, e := range snap.Retailers() {
			if keep(e.ID, e.DisplayName) {
				entries = append(entries, e)
			}
		}
	}
	if entries == nil {
		entries = []any{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"kind":             kind,
		"registry_version": snap.Version,
		"entries":          entries,
		"count":            len(entries),
	})
}

// ListAliases supports ?kind= and ?distributor_id=. A distributor filter
// returns the global aliases plus those confined to that distributor.
func (h *Handler) ListAliases(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var kind registry.Kind
	if v := q.Get("kind"); v != "" {
		k, err := registry.ParseKind(v)
		if err != nil {
			h.writeAppError(w, r, err)
			return
		}
		kind = k
	}
	distributor := q.Get("distributor_id")

	snap, err := h.registry.Snapshot(r.Context())
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	aliases := []registry.Alias{}
	for _, a := range snap.Aliases() {
		if kind != "" && a.Kind != kind {
			continue
		}
		if distributor != "" && a.Scope == registry.ScopeDistributor && a.DistributorID != distributor {
			continue
		}
		aliases = append(aliases, a)
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"registry_version": snap.Version,
		"aliases":          aliases,
		"count":            len(aliases),
	})
}

// Match scores ?raw= against the registry without creating a candidate.
func (h *Handler) Match(w http.ResponseWriter, r *http.Request) {
	kind, err := registry.ParseKind(r.PathValue("kind"))
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	q := r.URL.Query()
	raw := q.Get("raw")
	if strings.TrimSpace(raw) == "" {
		h.writeAppError(w, r, apperrors.Validation("raw is required"))
		return
	}
	opts, err := h.matcher.Match(r.Context(), matching.Request{
		Raw:           raw,
		Kind:          kind,
		DistributorID: q.Get("distributor_id"),
	})
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	if opts == nil {
		opts = []matching.Option{}
	}
	var top float64
	if len(opts) > 0 {
		top = opts[0].Score
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"raw":        raw,
		"kind":       kind,
		"options":    opts,
		"evaluation": h.policy.Evaluate(top, kind),
	})
}

// RunClustering runs one clustering pass now, outside the schedule.
func (h *Handler) RunClustering(w http.ResponseWriter, r *http.Request) {
	if h.clusters == nil {
		h.writeAppError(w, r, apperrors.Validation("duplicate clustering is disabled"))
		return
	}
	report, err := h.clusters.RunPass(r.Context())
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	logger.FromContext(r.Context()).Info("manual clustering pass",
		"proposed", report.Proposed,
		"partial", report.Partial,
	)
	h.writeJSON(w, http.StatusOK, report)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to write response", "error", err)
	}
}

func (h *Handler) writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperrors.KindOf(err)
	msg := err.Error()
	if kind == apperrors.KindInternal {
		logger.FromContext(r.Context()).Error("request failed", "path", r.URL.Path, "error", err)
		msg = "internal error"
	}
	h.writeJSON(w, apperrors.HTTPStatusCode(err), map[string]any{
		"error": msg,
		"kind":  kind,
	})
}
