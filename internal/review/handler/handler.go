// Package handler serves the reviewer endpoints: candidate decisions and
// duplicate-group merges.
package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/internal/clustering"
	"github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/internal/ingestion"
	"github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/internal/review"
	apperrors "github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/pkg/middleware"
)

type Handler struct {
	workflow *review.Workflow
	logger   *slog.Logger
}

func New(workflow *review.Workflow) *Handler {
	return &Handler{
		workflow: workflow,
		logger:   slog.Default().With("component", "review-handler"),
	}
}

type mergeRequest struct {
	ActorID     string `json:"actor_id"`
	CanonicalID string `json:"canonical_id"`
}

type dismissRequest struct {
	ActorID string `json:"actor_id"`
}

func (h *Handler) GetCandidate(w http.ResponseWriter, r *http.Request) {
	c, err := h.workflow.GetCandidate(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, c)
}

func (h *Handler) Decisions(w http.ResponseWriter, r *http.Request) {
	decisions, err := h.workflow.Decisions(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	if decisions == nil {
		decisions = []ingestion.Decision{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"decisions": decisions})
}

func (h *Handler) Accept(w http.ResponseWriter, r *http.Request) {
	var req review.AcceptRequest
	if !h.decode(w, r, &req) {
		return
	}
	req.CandidateID = r.PathValue("id")
	req.ActorID = actor(r, req.ActorID)
	c, err := h.workflow.Accept(r.Context(), req)
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, c)
}

func (h *Handler) Reject(w http.ResponseWriter, r *http.Request) {
	var req review.RejectRequest
	if !h.decode(w, r, &req) {
		return
	}
	req.CandidateID = r.PathValue("id")
	req.ActorID = actor(r, req.ActorID)
	c, err := h.workflow.Reject(r.Context(), req)
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, c)
}

func (h *Handler) Override(w http.ResponseWriter, r *http.Request) {
	var req review.OverrideRequest
	if !h.decode(w, r, &req) {
		return
	}
	req.CandidateID = r.PathValue("id")
	req.ActorID = actor(r, req.ActorID)
	c, err := h.workflow.Override(r.Context(), req)
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, c)
}

// ListGroups supports ?state=Open|Merged|Dismissed; no filter lists all.
func (h *Handler) ListGroups(w http.ResponseWriter, r *http.Request) {
	state := clustering.GroupState(r.URL.Query().Get("state"))
	switch state {
	case "", clustering.GroupOpen, clustering.GroupMerged, clustering.GroupDismissed:
	default:
		h.writeAppError(w, r, apperrors.Validation("unknown group state %q", state))
		return
	}
	groups, err := h.workflow.ListGroups(r.Context(), state)
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	if groups == nil {
		groups = []*clustering.DuplicateGroup{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"groups": groups,
		"count":  len(groups),
	})
}

func (h *Handler) GetGroup(w http.ResponseWriter, r *http.Request) {
	g, err := h.workflow.GetGroup(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, g)
}

func (h *Handler) MergeGroup(w http.ResponseWriter, r *http.Request) {
	var req mergeRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.workflow.MergeDuplicateGroup(r.Context(), r.PathValue("id"), req.CanonicalID, actor(r, req.ActorID))
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

func (h *Handler) DismissGroup(w http.ResponseWriter, r *http.Request) {
	var req dismissRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		h.writeAppError(w, r, apperrors.Validation("invalid JSON body"))
		return
	}
	g, err := h.workflow.DismissDuplicateGroup(r.Context(), r.PathValue("id"), actor(r, req.ActorID))
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, g)
}

// actor prefers the body's actor_id and falls back to the X-Actor-ID header.
func actor(r *http.Request, fromBody string) string {
	if s := strings.TrimSpace(fromBody); s != "" {
		return s
	}
	return strings.TrimSpace(r.Header.Get(middleware.HeaderActorID))
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.writeJSON(w, http.StatusBadRequest, map[string]any{
			"error": "invalid JSON body",
			"kind":  apperrors.KindValidation,
		})
		return false
	}
	return true
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
		logger.FromContext(r.Context()).Error("review request failed", "path", r.URL.Path, "error", err)
		msg = "internal error"
	}
	h.writeJSON(w, apperrors.HTTPStatusCode(err), map[string]any{
		"error": msg,
		"kind":  kind,
	})
}
