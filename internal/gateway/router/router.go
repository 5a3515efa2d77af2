// Package router wires every reconciler route onto one mux and applies the
// middleware chain.
package router

import (
	"net/http"
	"time"

	gwhandler "github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/internal/gateway/handler"
	gwmw "github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/internal/gateway/middleware"
	"github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/internal/gateway/ratelimit"
	ingesthandler "github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/internal/ingestion/handler"
	reviewhandler "github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/internal/review/handler"
	"github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/pkg/metrics"
	pkgmw "github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/pkg/middleware"
)

// Handlers groups the endpoint implementations the router mounts.
type Handlers struct {
	Ingestion *ingesthandler.Handler
	Review    *reviewhandler.Handler
	Gateway   *gwhandler.Handler
	Health    *health.Checker
}

// Options tune the middleware chain. A nil Metrics skips request metrics;
// a zero RequestTimeout disables the per-request deadline.
type Options struct {
	Limiter        *ratelimit.Limiter
	Metrics        *metrics.Metrics
	CORS           gwmw.CORSConfig
	RequestTimeout time.Duration

	// TraceService, when set, names the server spans opened per request.
	TraceService string
}

// New builds the full HTTP handler.
//
// Route table:
//
//	POST   /api/v1/documents                        → submit a document
//	GET    /api/v1/documents                        → list documents
//	GET    /api/v1/documents/{id}                   → document with candidates
//	POST   /api/v1/documents/{id}/extraction        → push an extraction result
//	GET    /api/v1/documents/{id}/decisions         → document audit trail
//	PATCH  /api/v1/documents/{id}/fields/{fieldID}  → correct an extracted field
//	GET    /api/v1/candidates/{id}                  → candidate
//	GET    /api/v1/candidates/{id}/decisions        → candidate audit trail
//	POST   /api/v1/candidates/{id}/accept           → accept a ranked option
//	POST   /api/v1/candidates/{id}/reject           → reject all options
//	POST   /api/v1/candidates/{id}/override         → map to a reviewer-chosen id
//	GET    /api/v1/duplicate-groups                 → list duplicate groups
//	GET    /api/v1/duplicate-groups/{id}            → duplicate group
//	POST   /api/v1/duplicate-groups/{id}/merge      → merge into one retailer
//	POST   /api/v1/duplicate-groups/{id}/dismiss    → dismiss a proposal
//	GET    /api/v1/registry/aliases                 → learned aliases
//	GET    /api/v1/registry/{kind}                  → canonical records
//	GET    /api/v1/registry/{kind}/match            → score a raw string
//	POST   /api/v1/admin/clustering/run             → clustering pass now
//	POST   /api/v1/admin/documents/{id}/fail        → abandon a stuck document
//	GET    /health/live, /health/ready              → health checks
//
// Middleware chain (outermost first):
//
//	Tracing → RequestID → Metrics → CORS → Actor → RateLimit → Timeout → mux
func New(h Handlers, opts Options) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health/live", h.Health.LiveHandler())
	mux.HandleFunc("GET /health/ready", h.Health.ReadyHandler())

	// Documents
	mux.HandleFunc("POST /api/v1/documents", h.Ingestion.Submit)
	mux.HandleFunc("GET /api/v1/documents", h.Ingestion.ListDocuments)
	mux.HandleFunc("GET /api/v1/documents/{id}", h.Ingestion.GetDocument)
	mux.HandleFunc("POST /api/v1/documents/{id}/extraction", h.Ingestion.PushExtraction)
	mux.HandleFunc("GET /api/v1/documents/{id}/decisions", h.Ingestion.DocumentDecisions)
	mux.HandleFunc("PATCH /api/v1/documents/{id}/fields/{fieldID}", h.Ingestion.CorrectField)

	// Review
	mux.HandleFunc("GET /api/v1/candidates/{id}", h.Review.GetCandidate)
	mux.HandleFunc("GET /api/v1/candidates/{id}/decisions", h.Review.Decisions)
	mux.HandleFunc("POST /api/v1/candidates/{id}/accept", h.Review.Accept)
	mux.HandleFunc("POST /api/v1/candidates/{id}/reject", h.Review.Reject)
	mux.HandleFunc("POST /api/v1/candidates/{id}/override", h.Review.Override)
	mux.HandleFunc("GET /api/v1/duplicate-groups", h.Review.ListGroups)
	mux.HandleFunc("GET /api/v1/duplicate-groups/{id}", h.Review.GetGroup)
	mux.HandleFunc("POST /api/v1/duplicate-groups/{id}/merge", h.Review.MergeGroup)
	mux.HandleFunc("POST /api/v1/duplicate-groups/{id}/dismiss", h.Review.DismissGroup)

	// Registry and admin
	mux.HandleFunc("GET /api/v1/registry/aliases", h.Gateway.ListAliases)
	mux.HandleFunc("GET /api/v1/registry/{kind}", h.Gateway.ListEntries)
	mux.HandleFunc("GET /api/v1/registry/{kind}/match", h.Gateway.Match)
	mux.HandleFunc("POST /api/v1/admin/clustering/run", h.Gateway.RunClustering)
	mux.HandleFunc("POST /api/v1/admin/documents/{id}/fail", h.Ingestion.FailDocument)

	// Applied inside-out.
	var chain http.Handler = mux
	chain = pkgmw.Timeout(opts.RequestTimeout)(chain)
	if opts.Limiter != nil {
		chain = gwmw.RateLimit(opts.Limiter)(chain)
	}
	chain = pkgmw.Actor(chain)
	chain = gwmw.CORS(opts.CORS)(chain)
	if opts.Metrics != nil {
		chain = pkgmw.Metrics(opts.Metrics)(chain)
	}
	chain = pkgmw.RequestID(chain)
	if opts.TraceService != "" {
		chain = pkgmw.Tracing(opts.TraceService)(chain)
	}

	return chain
}
