// Package matching resolves raw SKU and retailer strings against the
// reference registry. Matching is read-only: the same registry snapshot and
// input always produce the same ranked options.
package matching

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/internal/registry"
	"github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/pkg/metrics"
)

const defaultTopK = 5

// Source records how an option was produced.
type Source string

const (
	SourceSimilarity       Source = "similarity"
	SourceGlobalAlias      Source = "alias-global"
	SourceDistributorAlias Source = "alias-distributor"
)

// Option is one ranked canonical match for a raw string.
type Option struct {
	CanonicalID string  `json:"canonical_id"`
	DisplayName string  `json:"display_name"`
	Score       float64 `json:"score"`
	Rank        int     `json:"rank"`
	Source      Source  `json:"source"`

	// AliasActorID is the reviewer behind the alias for alias-sourced options.
	AliasActorID string `json:"alias_actor_id,omitempty"`
}

// Request identifies what to match and on whose behalf.
type Request struct {
	Raw           string
	Kind          registry.Kind
	DistributorID string
}

// Matcher produces ranked options for a request. An empty result means no
// candidate, not an error.
type Matcher interface {
	Match(ctx context.Context, req Request) ([]Option, error)
}

type canonical struct {
	id      string
	display string
	norm    Normalized

	// exact holds the keys that count as an exact hit on this record.
	exact map[string]bool
}

type index struct {
	snap      *registry.Snapshot
	skus      []canonical
	retailers []canonical
}

func buildIndex(snap *registry.Snapshot) *index {
	idx := &index{snap: snap}
	for _, e := range snap.SKUs() {
		idx.skus = append(idx.skus, canonical{
			id:      e.ID,
			display: e.DisplayName,
			norm:    NormalizeSKU(e),
			exact:   map[string]bool{Key(e.ID): true, Key(e.DisplayName): true},
		})
	}
	for _, e := range snap.Retailers() {
		idx.retailers = append(idx.retailers, canonical{
			id:      e.ID,
			display: e.DisplayName,
			norm:    NormalizeRetailer(e),
			exact:   map[string]bool{Key(e.ID): true, Key(e.DisplayName): true},
		})
	}
	return idx
}

func (idx *index) entries(kind registry.Kind) []canonical {
	if kind == registry.KindSKU {
		return idx.skus
	}
	return idx.retailers
}

// Engine scores raw strings against the registry. It keeps the normalized
// form of the latest snapshot it has seen.
type Engine struct {
	registry registry.Registry
	weights  Weights
	topK     int
	metrics  *metrics.Metrics
	mu       sync.Mutex
	idx      *index
	logger   *slog.Logger
}

// NewEngine creates an Engine. m may be nil.
func NewEngine(reg registry.Registry, cfg config.MatchingConfig, m *metrics.Metrics) *Engine {
	topK := cfg.TopK
	if topK <= 0 {
		topK = defaultTopK
	}
	weights := WeightsFromConfig(cfg)
	if weights.Token == 0 && weights.Edit == 0 {
		weights = DefaultWeights()
	}
	return &Engine{
		registry: reg,
		weights:  weights,
		topK:     topK,
		metrics:  m,
		logger:   slog.Default().With("component", "matching-engine"),
	}
}

// Weights returns the scoring weights the engine uses.
func (e *Engine) Weights() Weights { return e.weights }

func (e *Engine) Match(ctx context.Context, req Request) ([]Option, error) {
	if !req.Kind.Valid() {
		return nil, apperrors.Validation("unknown entity kind %q", req.Kind)
	}
	snap, err := e.registry.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading registry snapshot: %w", err)
	}
	start := time.Now()
	opts := e.MatchSnapshot(snap, req)
	if e.metrics != nil {
		e.metrics.MatchLatency.WithLabelValues(string(req.Kind), "computed").Observe(time.Since(start).Seconds())
	}
	return opts, nil
}

// MatchSnapshot matches req against snap without touching the registry.
func (e *Engine) MatchSnapshot(snap *registry.Snapshot, req Request) []Option {
	e.mu.Lock()
	if e.idx == nil || e.idx.snap != snap {
		e.idx = buildIndex(snap)
		e.logger.Debug("registry index rebuilt", "version", snap.Version)
	}
	idx := e.idx
	e.mu.Unlock()
	return match(idx, req, e.weights, e.topK)
}

type scored struct {
	option  Option
	overlap int
	aliases int
}

func match(idx *index, req Request, w Weights, topK int) []Option {
	key := Key(req.Raw)
	if key == "" || idx.snap.Len(req.Kind) == 0 {
		return []Option{}
	}

	if a, ok := idx.snap.LookupAlias(req.Kind, key, req.DistributorID); ok {
		if name, exists := idx.snap.DisplayName(req.Kind, a.CanonicalID); exists {
			src := SourceGlobalAlias
			if a.Scope == registry.ScopeDistributor {
				src = SourceDistributorAlias
			}
			return []Option{{
				CanonicalID:  a.CanonicalID,
				DisplayName:  name,
				Score:        100,
				Rank:         1,
				Source:       src,
				AliasActorID: a.ActorID,
			}}
		}
	}

	raw := Normalize(req.Raw, req.Kind)
	entries := idx.entries(req.Kind)
	results := make([]scored, 0, len(entries))
	for _, c := range entries {
		s := w.Score(raw, c.norm)
		// A perfect similarity score is reserved for strings that spell the
		// canonical id or name exactly.
		if s > 99 && !c.exact[key] {
			s = 99
		}
		results = append(results, scored{
			option: Option{
				CanonicalID: c.id,
				DisplayName: c.display,
				Score:       s,
				Source:      SourceSimilarity,
			},
			overlap: Overlap(raw.Tokens, c.norm.Tokens),
			aliases: idx.snap.AliasCount(req.Kind, req.DistributorID, c.id),
		})
	}

	sort.Slice(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.option.Score != b.option.Score {
			return a.option.Score > b.option.Score
		}
		if a.overlap != b.overlap {
			return a.overlap > b.overlap
		}
		if a.aliases != b.aliases {
			return a.aliases > b.aliases
		}
		return a.option.CanonicalID < b.option.CanonicalID
	})
	if len(results) > topK {
		results = results[:topK]
	}

	opts := make([]Option, len(results))
	for i, r := range results {
		opts[i] = r.option
		opts[i].Rank = i + 1
	}
	return opts
}
