// Package health runs the reconciler's liveness and readiness checks.
// Liveness covers the loops that must keep running (the extraction
// consumer); readiness covers what a request needs (the stores, a seeded
// registry) plus the optional dependencies, which only degrade it.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/pkg/resilience"
	"golang.org/x/sync/errgroup"
)

type Status string

const (
	StatusUp       Status = "up"
	StatusDown     Status = "down"
	StatusDegraded Status = "degraded"
)

// worse orders statuses for aggregation.
func (s Status) worse(than Status) bool {
	rank := map[Status]int{StatusUp: 0, StatusDegraded: 1, StatusDown: 2}
	return rank[s] > rank[than]
}

// Scope selects which set of checks a report covers.
type Scope string

const (
	Liveness  Scope = "live"
	Readiness Scope = "ready"
)

// Check reports the health of one component.
type Check func(ctx context.Context) ComponentHealth

type ComponentHealth struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
	Latency string `json:"latency,omitempty"`
}

// Report aggregates one scope. Status is the worst component status.
type Report struct {
	Scope      Scope                      `json:"scope"`
	Status     Status                     `json:"status"`
	Components map[string]ComponentHealth `json:"components"`
	Timestamp  string                     `json:"timestamp"`
}

type Checker struct {
	mu     sync.RWMutex
	checks map[Scope]map[string]Check
	logger *slog.Logger
}

func NewChecker() *Checker {
	return &Checker{
		checks: map[Scope]map[string]Check{
			Liveness:  {},
			Readiness: {},
		},
		logger: slog.Default().With("component", "health"),
	}
}

// Register adds a readiness check.
func (c *Checker) Register(name string, check Check) {
	c.add(Readiness, name, check)
}

// RegisterLiveness adds a liveness check.
func (c *Checker) RegisterLiveness(name string, check Check) {
	c.add(Liveness, name, check)
}

func (c *Checker) add(p Scope, name string, check Check) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[p][name] = check
}

// Run executes the checks of one scope concurrently. A check that panics or
// overruns ctx does not hold up the others; it reports down.
func (c *Checker) Run(ctx context.Context, p Scope) Report {
	c.mu.RLock()
	checks := make(map[string]Check, len(c.checks[p]))
	for name, check := range c.checks[p] {
		checks[name] = check
	}
	c.mu.RUnlock()

	report := Report{
		Scope:      p,
		Status:     StatusUp,
		Components: make(map[string]ComponentHealth, len(checks)),
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
	}
	var mu sync.Mutex
	var g errgroup.Group
	for name, check := range checks {
		g.Go(func() error {
			start := time.Now()
			result := runCheck(ctx, check)
			result.Latency = time.Since(start).Round(time.Millisecond).String()
			mu.Lock()
			report.Components[name] = result
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	for name, comp := range report.Components {
		if comp.Status.worse(report.Status) {
			report.Status = comp.Status
		}
		if comp.Status != StatusUp {
			c.logger.Warn("health check not up",
				"scope", p,
				"check", name,
				"status", comp.Status,
				"message", comp.Message,
			)
		}
	}
	return report
}

func runCheck(ctx context.Context, check Check) ComponentHealth {
	done := make(chan ComponentHealth, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- ComponentHealth{Status: StatusDown, Message: fmt.Sprintf("check panicked: %v", r)}
			}
		}()
		done <- check(ctx)
	}()
	select {
	case result := <-done:
		return result
	case <-ctx.Done():
		return ComponentHealth{Status: StatusDown, Message: ctx.Err().Error()}
	}
}

// PingCheck adapts a dependency's Ping method into a Check. A failing
// critical dependency reports down; a non-critical one reports degraded.
func PingCheck(ping func(ctx context.Context) error, critical bool) Check {
	return func(ctx context.Context) ComponentHealth {
		if err := ping(ctx); err != nil {
			status := StatusDegraded
			if critical {
				status = StatusDown
			}
			return ComponentHealth{Status: status, Message: err.Error()}
		}
		return ComponentHealth{Status: StatusUp}
	}
}

// BreakerCheck reports degraded while b is not closed. The dependency
// behind a breaker is optional, so it never reports down.
func BreakerCheck(b *resilience.Breaker) Check {
	return func(context.Context) ComponentHealth {
		if state := b.State(); state != resilience.StateClosed {
			return ComponentHealth{
				Status:  StatusDegraded,
				Message: fmt.Sprintf("%s breaker is %s", b.Name(), state),
			}
		}
		return ComponentHealth{Status: StatusUp}
	}
}

// LiveHandler serves the liveness checks. Only a down component fails it, so
// a consumer degraded by a broker outage is not restarted.
func (c *Checker) LiveHandler() http.HandlerFunc {
	return c.handler(Liveness)
}

// ReadyHandler serves the readiness checks. Degraded stays in rotation since
// every optional dependency has a fallback.
func (c *Checker) ReadyHandler() http.HandlerFunc {
	return c.handler(Readiness)
}

func (c *Checker) handler(p Scope) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		report := c.Run(ctx, p)
		w.Header().Set("Content-Type", "application/json")
		if report.Status == StatusDown {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		json.NewEncoder(w).Encode(report)
	}
}
