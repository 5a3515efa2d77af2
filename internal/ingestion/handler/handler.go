// Package handler exposes document submission, lookup and the extraction
// push endpoint over HTTP.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/internal/confidence"
	"github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/internal/ingestion"
	"github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/internal/ingestion/validator"
	apperrors "github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/pkg/middleware"
)

const maxListLimit = 500

// Tracker is the lifecycle surface the handler drives.
type Tracker interface {
	Submit(ctx context.Context, req ingestion.SubmitRequest) (*ingestion.IngestedDocument, error)
	Enqueue(ctx context.Context, id string) (*ingestion.IngestedDocument, error)
	Deliver(ctx context.Context, msg ingestion.ExtractionMessage) (*ingestion.IngestedDocument, error)
	CorrectField(ctx context.Context, req ingestion.FieldCorrection) (*ingestion.IngestedDocument, error)
	Fail(ctx context.Context, id string, cause error) (*ingestion.IngestedDocument, error)
}

type failRequest struct {
	ActorID string `json:"actor_id"`
	Reason  string `json:"reason"`
}

// CandidateView is a candidate with the confidence tier of its best option.
type CandidateView struct {
	*ingestion.MatchCandidate
	Tier               confidence.Tier `json:"tier"`
	AutoAcceptEligible bool            `json:"auto_accept_eligible"`
}

// DocumentView is the GET document response.
type DocumentView struct {
	*ingestion.IngestedDocument
	Candidates []CandidateView `json:"candidates"`
}

type Handler struct {
	tracker Tracker
	store   ingestion.Store
	policy  confidence.Policy
	logger  *slog.Logger
}

func New(tracker Tracker, store ingestion.Store, policy confidence.Policy) *Handler {
	return &Handler{
		tracker: tracker,
		store:   store,
		policy:  policy,
		logger:  slog.Default().With("component", "ingestion-handler"),
	}
}

// Submit creates a document and queues it for extraction. The response
// reports the document as submitted, in state Received.
func (h *Handler) Submit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.FromContext(ctx)
	var req ingestion.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	doc, err := h.tracker.Submit(ctx, req)
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	resp := map[string]any{
		"document_id": doc.ID,
		"state":       doc.State,
	}
	if _, err := h.tracker.Enqueue(ctx, doc.ID); err != nil {
		log.Error("enqueue after submit failed", "doc_id", doc.ID, "error", err)
	}
	log.Info("document submitted",
		"doc_id", doc.ID,
		"distributor_id", doc.DistributorID,
	)
	h.writeJSON(w, http.StatusCreated, resp)
}

// GetDocument returns the document with its candidates and their tiers.
func (h *Handler) GetDocument(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")
	doc, err := h.store.GetDocument(ctx, id)
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	candidates, err := h.store.ListCandidates(ctx, id)
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	view := DocumentView{IngestedDocument: doc, Candidates: make([]CandidateView, 0, len(candidates))}
	for _, c := range candidates {
		eval := h.policy.Evaluate(c.TopScore(), c.Kind)
		view.Candidates = append(view.Candidates, CandidateView{
			MatchCandidate:     c,
			Tier:               eval.Tier,
			AutoAcceptEligible: eval.AutoAccept,
		})
	}
	h.writeJSON(w, http.StatusOK, view)
}

// ListDocuments supports ?distributor_id=, ?state= and ?limit=.
func (h *Handler) ListDocuments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := ingestion.DocumentFilter{
		DistributorID: q.Get("distributor_id"),
		State:         ingestion.State(q.Get("state")),
		Limit:         50,
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxListLimit {
			h.writeAppError(w, r, apperrors.Validation("limit must be between 1 and %d", maxListLimit))
			return
		}
		filter.Limit = n
	}
	docs, err := h.store.ListDocuments(r.Context(), filter)
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	if docs == nil {
		docs = []*ingestion.IngestedDocument{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"documents": docs,
		"count":     len(docs),
	})
}

// PushExtraction is the HTTP alternative to the Kafka extraction topic.
func (h *Handler) PushExtraction(w http.ResponseWriter, r *http.Request) {
	var msg ingestion.ExtractionMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	msg.DocumentID = r.PathValue("id")
	doc, err := h.tracker.Deliver(r.Context(), msg)
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, doc)
}

// CorrectField edits one extracted field. The actor comes from the body or
// the X-Actor-ID header.
func (h *Handler) CorrectField(w http.ResponseWriter, r *http.Request) {
	var req ingestion.FieldCorrection
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req.DocumentID = r.PathValue("id")
	req.FieldID = r.PathValue("fieldID")
	req.ActorID = actor(r, req.ActorID)
	doc, err := h.tracker.CorrectField(r.Context(), req)
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, doc)
}

// FailDocument lets an operator abandon a document stuck before review,
// for example one whose extraction result never arrives.
func (h *Handler) FailDocument(w http.ResponseWriter, r *http.Request) {
	var req failRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	reason := strings.TrimSpace(req.Reason)
	actorID := actor(r, req.ActorID)
	if reason == "" || actorID == "" {
		h.writeAppError(w, r, apperrors.Validation("actor_id and reason are required"))
		return
	}
	id := r.PathValue("id")
	doc, err := h.tracker.Fail(r.Context(), id, apperrors.Permanent(nil, reason+" (failed by "+actorID+")"))
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	logger.FromContext(r.Context()).Warn("document failed by operator",
		"doc_id", id,
		"actor_id", actorID,
		"reason", reason,
	)
	h.writeJSON(w, http.StatusOK, doc)
}

// DocumentDecisions returns the audit trail of every candidate on a
// document.
func (h *Handler) DocumentDecisions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")
	if _, err := h.store.GetDocument(ctx, id); err != nil {
		h.writeAppError(w, r, err)
		return
	}
	decisions, err := h.store.ListDocumentDecisions(ctx, id)
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	if decisions == nil {
		decisions = []ingestion.Decision{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"decisions": decisions})
}

func actor(r *http.Request, fromBody string) string {
	if s := strings.TrimSpace(fromBody); s != "" {
		return s
	}
	return strings.TrimSpace(r.Header.Get(middleware.HeaderActorID))
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to write response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]any{
		"error": message,
		"kind":  apperrors.KindValidation,
	})
}

func (h *Handler) writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatusCode(err)
	body := map[string]any{
		"error": err.Error(),
		"kind":  apperrors.KindOf(err),
	}
	if id, ok := apperrors.ExistingID(err); ok {
		body["existing_id"] = id
	}
	var verr *validator.ValidationError
	if errors.As(err, &verr) {
		body["error"] = "validation failed"
		body["fields"] = verr.Fields
	}
	if status >= http.StatusInternalServerError && apperrors.KindOf(err) == apperrors.KindInternal {
		logger.FromContext(r.Context()).Error("request failed", "path", r.URL.Path, "error", err)
		body["error"] = "internal error"
	}
	h.writeJSON(w, status, body)
}
