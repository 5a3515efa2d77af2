package middleware

import (
	"net/http"
	"strings"

	"github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/pkg/logger"
)

// HeaderActorID names the reviewer performing a request.
const HeaderActorID = "X-Actor-ID"

// Actor puts the X-Actor-ID header into the request context so every log
// line of the request carries it.
func Actor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor := strings.TrimSpace(r.Header.Get(HeaderActorID))
		if actor == "" || len(actor) > 128 {
			next.ServeHTTP(w, r)
			return
		}
		next.ServeHTTP(w, r.WithContext(logger.WithActor(r.Context(), actor)))
	})
}
