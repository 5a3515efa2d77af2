package clustering

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/internal/ingestion"
	"github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/pkg/tracing"
)

// CandidateSource lists the retailer candidates a pass works on.
type CandidateSource interface {
	ListRetailerCandidates(ctx context.Context) ([]*ingestion.MatchCandidate, error)
}

// PassReport summarises one clustering pass.
type PassReport struct {
	Members   int           `json:"members"`
	Compared  int           `json:"compared"`
	Groups    int           `json:"groups"`
	Proposed  int           `json:"proposed"`
	Partial   bool          `json:"partial"`
	Remaining int           `json:"remaining"`
	Duration  time.Duration `json:"duration"`
}

// Scheduler runs clustering passes on an interval. A pass only reads
// candidates and writes groups, so it never contends with ingestion or
// review. A pass that runs out of time leaves its unfinished members for
// the next pass, which compares only those.
type Scheduler struct {
	source      CandidateSource
	clusterer   *Clusterer
	groups      GroupStore
	interval    time.Duration
	passTimeout time.Duration
	metrics     *metrics.Metrics

	mu        sync.Mutex
	remainder map[string]bool

	logger *slog.Logger
}

// NewScheduler creates a Scheduler. m may be nil.
func NewScheduler(source CandidateSource, clusterer *Clusterer, groups GroupStore, interval, passTimeout time.Duration, m *metrics.Metrics) *Scheduler {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &Scheduler{
		source:      source,
		clusterer:   clusterer,
		groups:      groups,
		interval:    interval,
		passTimeout: passTimeout,
		metrics:     m,
		logger:      slog.Default().With("component", "clustering-scheduler"),
	}
}

// Start runs passes until ctx is cancelled. It blocks.
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info("clustering scheduler started",
		"interval", s.interval,
		"pass_timeout", s.passTimeout,
	)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("clustering scheduler stopped")
			return
		case <-ticker.C:
			if _, err := s.RunPass(ctx); err != nil {
				s.logger.Error("clustering pass failed", "error", err)
			}
		}
	}
}

// RunPass runs a single bounded pass and stores the groups it found.
func (s *Scheduler) RunPass(ctx context.Context) (PassReport, error) {
	ctx, span := tracing.Start(ctx, "clustering.pass")
	report, err := s.runPass(ctx)
	span.SetAttributes(
		attribute.Int("members", report.Members),
		attribute.Int("proposed", report.Proposed),
		attribute.Bool("partial", report.Partial),
	)
	tracing.End(span, err)
	return report, err
}

func (s *Scheduler) runPass(ctx context.Context) (PassReport, error) {
	start := time.Now()
	var report PassReport

	candidates, err := s.source.ListRetailerCandidates(ctx)
	if err != nil {
		s.observe("error", start)
		return report, fmt.Errorf("listing retailer candidates: %w", err)
	}
	members := s.selectMembers(candidates)
	report.Members = len(members)

	passCtx := ctx
	if s.passTimeout > 0 {
		var cancel context.CancelFunc
		passCtx, cancel = context.WithTimeout(ctx, s.passTimeout)
		defer cancel()
	}
	res := s.clusterer.Run(passCtx, members)
	report.Compared = res.Compared
	report.Groups = len(res.Groups)
	report.Partial = res.Partial
	report.Remaining = len(res.Remaining)

	s.mu.Lock()
	s.remainder = nil
	if res.Partial {
		s.remainder = make(map[string]bool, len(res.Remaining))
		for _, m := range res.Remaining {
			s.remainder[m.CandidateID] = true
		}
	}
	s.mu.Unlock()

	// Groups are written with the parent context: a pass that timed out
	// still keeps what it found.
	for _, g := range res.Groups {
		stored, err := s.groups.Propose(ctx, g)
		if err != nil {
			s.observe("error", start)
			return report, fmt.Errorf("storing duplicate group: %w", err)
		}
		if stored != nil {
			report.Proposed++
			if s.metrics != nil {
				s.metrics.DuplicateGroups.Inc()
			}
		}
	}

	report.Duration = time.Since(start)
	outcome := "complete"
	if res.Partial {
		outcome = "partial"
	}
	s.observe(outcome, start)
	s.logger.Info("clustering pass finished",
		"outcome", outcome,
		"members", report.Members,
		"compared", report.Compared,
		"groups", report.Groups,
		"proposed", report.Proposed,
		"remaining", report.Remaining,
		"duration", report.Duration,
	)
	return report, nil
}

// selectMembers turns candidates into members, restricted to the previous
// pass's remainder when there is one.
func (s *Scheduler) selectMembers(candidates []*ingestion.MatchCandidate) []Member {
	s.mu.Lock()
	remainder := s.remainder
	s.mu.Unlock()

	members := make([]Member, 0, len(candidates))
	for _, c := range candidates {
		if remainder != nil && !remainder[c.ID] {
			continue
		}
		members = append(members, Member{
			CandidateID:       c.ID,
			Raw:               c.Raw,
			MappedCanonicalID: c.ResolvedCanonicalID,
			TopScore:          c.TopScore(),
			Pending:           c.State == ingestion.CandidatePending,
		})
	}
	return members
}

func (s *Scheduler) observe(outcome string, start time.Time) {
	if s.metrics == nil {
		return
	}
	s.metrics.ClusteringPasses.WithLabelValues(outcome).Inc()
	s.metrics.ClusteringDuration.Observe(time.Since(start).Seconds())
}
