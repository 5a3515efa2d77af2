// Package clustering finds retailer candidates that probably name the same
// shop and proposes them to reviewers as duplicate groups. Merging is never
// automatic.
package clustering

import (
	"context"
	"log/slog"
	"sort"
)

// Member is one retailer candidate as seen by a clustering pass.
type Member struct {
	CandidateID string
	Raw         string

	// MappedCanonicalID is set once the candidate has been resolved.
	MappedCanonicalID string
	TopScore          float64
	Pending           bool
}

// Group is a set of mutually similar members found in one pass.
type Group struct {
	MemberIDs            []string
	RepresentativeID     string
	SuggestedCanonicalID string
}

// Result of a pass. When the pass was cut short, Remaining holds the members
// whose pairwise comparisons did not run.
type Result struct {
	Groups    []Group
	Remaining []Member
	Partial   bool
	Compared  int
}

// SimilarityFunc scores two raw retailer strings in [0,100].
type SimilarityFunc func(a, b string) float64

type Clusterer struct {
	threshold  float64
	similarity SimilarityFunc
	logger     *slog.Logger
}

func NewClusterer(threshold float64, similarity SimilarityFunc) *Clusterer {
	return &Clusterer{
		threshold:  threshold,
		similarity: similarity,
		logger:     slog.Default().With("component", "clusterer"),
	}
}

// Run compares every pair of members and unions those scoring above the
// threshold. Pairs already resolved to the same canonical id are skipped.
// ctx is checked between rows; once it is done the pass stops and returns
// the groups formed so far.
func (c *Clusterer) Run(ctx context.Context, members []Member) Result {
	sorted := append([]Member(nil), members...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].CandidateID < sorted[j].CandidateID })

	uf := NewUnionFind(len(sorted))
	var res Result
	stop := len(sorted)
rows:
	for i := range sorted {
		select {
		case <-ctx.Done():
			stop = i
			break rows
		default:
		}
		for j := i + 1; j < len(sorted); j++ {
			a, b := sorted[i], sorted[j]
			if a.MappedCanonicalID != "" && a.MappedCanonicalID == b.MappedCanonicalID {
				continue
			}
			res.Compared++
			if c.similarity(a.Raw, b.Raw) > c.threshold {
				uf.Union(i, j)
			}
		}
	}

	if stop < len(sorted) {
		res.Partial = true
		res.Remaining = sorted[stop:]
		c.logger.Warn("clustering pass cut short",
			"completed_rows", stop,
			"remaining", len(res.Remaining),
			"error", ctx.Err(),
		)
	}

	for _, set := range uf.Sets(2) {
		group := make([]Member, len(set))
		for k, idx := range set {
			group[k] = sorted[idx]
		}
		if g, ok := buildGroup(group); ok {
			res.Groups = append(res.Groups, g)
		}
	}
	return res
}

// buildGroup picks the representative: the only resolved member if exactly
// one exists, otherwise the highest top score with ties to the lowest id.
// Groups with nothing left to review are dropped.
func buildGroup(members []Member) (Group, bool) {
	pending := false
	var mapped []Member
	for _, m := range members {
		if m.Pending {
			pending = true
		}
		if m.MappedCanonicalID != "" {
			mapped = append(mapped, m)
		}
	}
	if !pending {
		return Group{}, false
	}

	g := Group{MemberIDs: make([]string, len(members))}
	for i, m := range members {
		g.MemberIDs[i] = m.CandidateID
	}

	if len(mapped) == 1 {
		g.RepresentativeID = mapped[0].CandidateID
		g.SuggestedCanonicalID = mapped[0].MappedCanonicalID
		return g, true
	}

	rep := best(members)
	g.RepresentativeID = rep.CandidateID
	switch {
	case rep.MappedCanonicalID != "":
		g.SuggestedCanonicalID = rep.MappedCanonicalID
	case len(mapped) > 0:
		g.SuggestedCanonicalID = best(mapped).MappedCanonicalID
	}
	return g, true
}

func best(members []Member) Member {
	top := members[0]
	for _, m := range members[1:] {
		if m.TopScore > top.TopScore || (m.TopScore == top.TopScore && m.CandidateID < top.CandidateID) {
			top = m
		}
	}
	return top
}
