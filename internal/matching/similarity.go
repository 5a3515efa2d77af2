package matching

import (
	"math"
	"unicode/utf8"

	"github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/internal/registry"
	"github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/pkg/config"
	"github.com/agext/levenshtein"
)

// Weights controls how token overlap, edit distance and dose agreement are
// combined into a score.
type Weights struct {
	Token       float64
	Edit        float64
	DoseBonus   float64
	DosePenalty float64
}

func DefaultWeights() Weights {
	return Weights{Token: 0.6, Edit: 0.4, DoseBonus: 12, DosePenalty: 15}
}

func WeightsFromConfig(cfg config.MatchingConfig) Weights {
	return Weights{
		Token:       cfg.TokenWeight,
		Edit:        cfg.EditWeight,
		DoseBonus:   cfg.DoseBonus,
		DosePenalty: cfg.DosePenalty,
	}
}

// Score compares two normalized strings and returns a value in [0,100]
// rounded to two decimals.
func (w Weights) Score(a, b Normalized) float64 {
	score := 100 * (w.Token*TokenSetRatio(a.Tokens, b.Tokens) + w.Edit*EditRatio(a.Forms, b.Forms))
	switch doseAgreement(a.Dose, b.Dose) {
	case doseMatch:
		score += w.DoseBonus
	case doseMismatch:
		score -= w.DosePenalty
	}
	return clampScore(score)
}

// Similarity normalizes both raw strings as kind and scores them against
// each other. Duplicate clustering uses it on retailer names.
func (w Weights) Similarity(a, b string, kind registry.Kind) float64 {
	return w.Score(Normalize(a, kind), Normalize(b, kind))
}

func clampScore(s float64) float64 {
	s = math.Max(0, math.Min(100, s))
	return math.Round(s*100) / 100
}

// TokenSetRatio is the share of the smaller token set found in the larger
// one. Both inputs must be sorted and free of duplicates.
func TokenSetRatio(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	smaller := len(a)
	if len(b) < smaller {
		smaller = len(b)
	}
	return float64(Overlap(a, b)) / float64(smaller)
}

// Overlap counts tokens present in both sorted sets.
func Overlap(a, b []string) int {
	n, i, j := 0, 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i] == b[j]:
			n++
			i++
			j++
		case a[i] < b[j]:
			i++
		default:
			j++
		}
	}
	return n
}

// EditRatio is the best 1 - distance/length over every pair of forms.
func EditRatio(a, b []string) float64 {
	best := 0.0
	for _, x := range a {
		for _, y := range b {
			longest := utf8.RuneCountInString(x)
			if l := utf8.RuneCountInString(y); l > longest {
				longest = l
			}
			if longest == 0 {
				continue
			}
			r := 1 - float64(levenshtein.Distance(x, y, nil))/float64(longest)
			if r > best {
				best = r
			}
		}
	}
	return best
}

type dose int

const (
	doseUnknown dose = iota
	doseMatch
	doseMismatch
)

// doseAgreement compares dose sets. Either side missing is neutral; one set
// contained in the other counts as a match so "500" agrees with "500 x 10".
func doseAgreement(a, b []string) dose {
	if len(a) == 0 || len(b) == 0 {
		return doseUnknown
	}
	common := Overlap(a, b)
	if common == len(a) || common == len(b) {
		return doseMatch
	}
	return doseMismatch
}
