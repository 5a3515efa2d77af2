package middleware

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/internal/gateway/ratelimit"
	apperrors "github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/pkg/logger"
	pkgmw "github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/pkg/middleware"
)

// reviewPrefixes are the routes whose POSTs count against a reviewer's
// budget.
var reviewPrefixes = []string{"/api/v1/candidates/", "/api/v1/duplicate-groups/"}

// RateLimit limits review mutations per actor: review POSTs and field
// corrections. Requests without an X-Actor-ID are keyed by client address.
// Reads and every other route pass through.
func RateLimit(limiter *ratelimit.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !isReviewAction(r) {
				next.ServeHTTP(w, r)
				return
			}
			key := rateKey(r)
			if !limiter.Allow(key) {
				logger.FromContext(r.Context()).Warn("review rate limit exceeded", "key", key, "path", r.URL.Path)
				if d := limiter.RetryAfter(); d > 0 {
					secs := int(d.Seconds())
					if secs < 1 {
						secs = 1
					}
					w.Header().Set("Retry-After", strconv.Itoa(secs))
				}
				writeError(w, apperrors.New(apperrors.ErrRateLimited, "too many review actions, slow down"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func isReviewAction(r *http.Request) bool {
	switch r.Method {
	case http.MethodPost:
		return isReviewPath(r.URL.Path)
	case http.MethodPatch:
		return strings.HasPrefix(r.URL.Path, "/api/v1/documents/") && strings.Contains(r.URL.Path, "/fields/")
	}
	return false
}

func isReviewPath(path string) bool {
	for _, p := range reviewPrefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

func rateKey(r *http.Request) string {
	if actor := strings.TrimSpace(r.Header.Get(pkgmw.HeaderActorID)); actor != "" {
		return "actor:" + actor
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}

func writeError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apperrors.HTTPStatusCode(err))
	json.NewEncoder(w).Encode(map[string]any{
		"error": err.Error(),
		"kind":  apperrors.KindOf(err),
	})
}
