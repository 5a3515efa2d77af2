// Package worker runs the background document sweeps of the ingestion
// pipeline: resuming documents a restart left in Matching and, when an
// extractor endpoint is configured, pulling extractions for Queued
// documents instead of waiting for the results topic.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/internal/ingestion"
	"github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/internal/ingestion/tracker"
	apperrors "github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/pkg/errors"
)

const defaultPageSize = 100

// Tracker is the slice of the lifecycle tracker the sweeps drive.
type Tracker interface {
	RunMatching(ctx context.Context, id string) (*ingestion.IngestedDocument, error)
	OnMatchingComplete(ctx context.Context, id string) (*ingestion.IngestedDocument, error)
	ProcessExtraction(ctx context.Context, id string, extract tracker.ExtractFunc) (*ingestion.IngestedDocument, error)
}

// Documents lists what the sweeps work on.
type Documents interface {
	ListDocuments(ctx context.Context, filter ingestion.DocumentFilter) ([]*ingestion.IngestedDocument, error)
	ListCandidates(ctx context.Context, documentID string) ([]*ingestion.MatchCandidate, error)
}

// SweepReport counts what one sweep did.
type SweepReport struct {
	Settled   int `json:"settled"`
	Rematched int `json:"rematched"`
	Extracted int `json:"extracted"`
	Skipped   int `json:"skipped"`
}

// Sweeper resumes stranded documents. Extract is nil in push mode, where
// extraction results arrive on Kafka and Queued documents are left alone.
type Sweeper struct {
	docs     Documents
	tracker  Tracker
	extract  tracker.ExtractFunc
	interval time.Duration
	pageSize int
	logger   *slog.Logger
}

func NewSweeper(docs Documents, tr Tracker, extract tracker.ExtractFunc, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Sweeper{
		docs:     docs,
		tracker:  tr,
		extract:  extract,
		interval: interval,
		pageSize: defaultPageSize,
		logger:   slog.Default().With("component", "ingestion-sweeper"),
	}
}

// Resume finishes every document left in Matching. A document whose
// pending candidates all carry options only needs settling; any other is
// rematched on its next attempt. In pull mode, Extracting documents are
// extracted again as well.
func (s *Sweeper) Resume(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	err := s.each(ctx, ingestion.StateMatching, &report, func(doc *ingestion.IngestedDocument) error {
		cands, err := s.docs.ListCandidates(ctx, doc.ID)
		if err != nil {
			return err
		}
		if scored(doc, cands) {
			_, err = s.tracker.OnMatchingComplete(ctx, doc.ID)
			if err == nil {
				report.Settled++
			}
			return err
		}
		_, err = s.tracker.RunMatching(ctx, doc.ID)
		if err == nil {
			report.Rematched++
		}
		return err
	})
	if err != nil {
		return report, err
	}
	if s.extract != nil {
		err = s.each(ctx, ingestion.StateExtracting, &report, s.extractOne(ctx, &report))
	}
	s.logger.Info("stranded documents resumed",
		"settled", report.Settled,
		"rematched", report.Rematched,
		"extracted", report.Extracted,
		"skipped", report.Skipped,
	)
	return report, err
}

// PollQueued extracts every Queued document once. It is a no-op in push
// mode.
func (s *Sweeper) PollQueued(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	if s.extract == nil {
		return report, nil
	}
	err := s.each(ctx, ingestion.StateQueued, &report, s.extractOne(ctx, &report))
	return report, err
}

// Start polls Queued documents every interval until ctx is cancelled. It
// blocks, and returns at once in push mode.
func (s *Sweeper) Start(ctx context.Context) {
	if s.extract == nil {
		return
	}
	s.logger.Info("extraction poller started", "interval", s.interval)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("extraction poller stopped")
			return
		case <-ticker.C:
			report, err := s.PollQueued(ctx)
			if err != nil && ctx.Err() == nil {
				s.logger.Error("extraction poll failed", "error", err)
				continue
			}
			if report.Extracted > 0 || report.Skipped > 0 {
				s.logger.Info("extraction poll finished",
					"extracted", report.Extracted,
					"skipped", report.Skipped,
				)
			}
		}
	}
}

func (s *Sweeper) extractOne(ctx context.Context, report *SweepReport) func(*ingestion.IngestedDocument) error {
	return func(doc *ingestion.IngestedDocument) error {
		_, err := s.tracker.ProcessExtraction(ctx, doc.ID, s.extract)
		if err == nil {
			report.Extracted++
		}
		return err
	}
}

// each calls fn once for every document in state. Handled documents
// normally leave the state; those that do not are counted as skipped and
// widen the next page so the rest stay reachable.
func (s *Sweeper) each(ctx context.Context, state ingestion.State, report *SweepReport, fn func(*ingestion.IngestedDocument) error) error {
	seen := make(map[string]bool)
	stuck := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		limit := s.pageSize + stuck
		page, err := s.docs.ListDocuments(ctx, ingestion.DocumentFilter{State: state, Limit: limit})
		if err != nil {
			return err
		}
		fresh := 0
		for _, doc := range page {
			if seen[doc.ID] {
				continue
			}
			seen[doc.ID] = true
			fresh++
			if err := fn(doc); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				report.Skipped++
				stuck++
				level := slog.LevelError
				// Another path moved the document first.
				if errors.Is(err, apperrors.ErrInvalidTransition) {
					level = slog.LevelInfo
				}
				s.logger.Log(ctx, level, "document not resumed",
					"doc_id", doc.ID,
					"state", state,
					"error", err,
				)
			}
		}
		if fresh == 0 || len(page) < limit {
			return nil
		}
	}
}

// scored reports whether every candidate of doc is stored and each pending
// one already carries its options.
func scored(doc *ingestion.IngestedDocument, cands []*ingestion.MatchCandidate) bool {
	if len(cands) != len(doc.CandidateIDs) {
		return false
	}
	for _, c := range cands {
		if c.State == ingestion.CandidatePending && c.Options == nil {
			return false
		}
	}
	return true
}
