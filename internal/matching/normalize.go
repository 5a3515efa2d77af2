package matching

import (
	"sort"
	"strings"
	"unicode"

	"github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/internal/registry"
	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Words that carry no identity. Dropping them lets "Kumar Pharma" and
// "Kumar Medical Stores" compare on "kumar".
var retailerNoise = wordSet(
	"pharma", "pharmacy", "pharmaceuticals", "medical", "medicals", "medicos",
	"store", "stores", "chemist", "chemists", "drug", "drugs", "and", "the",
	"co", "enterprises", "agency", "agencies", "traders", "pvt", "ltd",
)

var skuNoise = wordSet(
	"mg", "ml", "mcg", "strip", "strips", "tab", "tabs", "tablet", "tablets",
	"cap", "caps", "capsule", "capsules", "syrup", "inj", "injection",
)

// Unit suffixes that directly follow a number, as in "500mg" or "10S".
var doseUnits = wordSet(
	"s", "x", "mg", "ml", "mcg", "g", "gm", "tab", "tabs", "cap", "caps",
	"strip", "strips", "pc", "pcs",
)

func wordSet(words ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[w] = struct{}{}
	}
	return m
}

// Normalized is the comparable form of a raw or canonical string.
type Normalized struct {
	// Key is every folded letter and digit in order; aliases are keyed by it.
	Key string

	// Tokens is the sorted set of identity words.
	Tokens []string

	// Dose is the sorted set of strength and pack numbers (SKU only).
	Dose []string

	// Forms are the base names compared by edit distance.
	Forms []string
}

func fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	stripped, _, err := transform.String(t, s)
	if err != nil {
		stripped = s
	}
	return cases.Fold().String(stripped)
}

// Key returns the alias key of raw: case-folded, diacritics removed, only
// letters and digits kept.
func Key(raw string) string {
	var b strings.Builder
	for _, r := range fold(raw) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

type run struct {
	text    string
	numeric bool
}

// splitRuns breaks a chunk such as "para500" into letter and digit runs.
func splitRuns(chunk string) []run {
	var runs []run
	start := 0
	rs := []rune(chunk)
	for i := 1; i <= len(rs); i++ {
		if i == len(rs) || unicode.IsDigit(rs[i]) != unicode.IsDigit(rs[start]) {
			runs = append(runs, run{text: string(rs[start:i]), numeric: unicode.IsDigit(rs[start])})
			start = i
		}
	}
	return runs
}

// Normalize folds raw and splits it into identity tokens and, for SKUs, dose
// numbers. A unit directly after a number ("10S", "500mg") is dropped.
func Normalize(raw string, kind registry.Kind) Normalized {
	folded := fold(raw)
	chunks := strings.FieldsFunc(folded, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	var words []string
	var dose []string
	for _, chunk := range chunks {
		if kind != registry.KindSKU {
			words = append(words, chunk)
			continue
		}
		runs := splitRuns(chunk)
		for i, r := range runs {
			if r.numeric {
				dose = append(dose, trimZeros(r.text))
				continue
			}
			if i > 0 && runs[i-1].numeric {
				if _, unit := doseUnits[r.text]; unit {
					continue
				}
			}
			words = append(words, r.text)
		}
	}

	noise := retailerNoise
	if kind == registry.KindSKU {
		noise = skuNoise
	}
	kept := dropNoise(words, noise)

	n := Normalized{
		Key:    Key(raw),
		Tokens: uniqueSorted(kept),
		Dose:   uniqueSorted(dose),
	}
	if base := strings.Join(kept, ""); base != "" {
		n.Forms = []string{base}
	}
	return n
}

func dropNoise(words []string, noise map[string]struct{}) []string {
	kept := make([]string, 0, len(words))
	for _, w := range words {
		if _, ok := noise[w]; !ok {
			kept = append(kept, w)
		}
	}
	if len(kept) == 0 {
		return words
	}
	return kept
}

func trimZeros(digits string) string {
	t := strings.TrimLeft(digits, "0")
	if t == "" {
		return "0"
	}
	return t
}

func uniqueSorted(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := append([]string(nil), in...)
	sort.Strings(out)
	w := 1
	for i := 1; i < len(out); i++ {
		if out[i] != out[w-1] {
			out[w] = out[i]
			w++
		}
	}
	return out[:w]
}

// NormalizeSKU builds the comparable form of a canonical SKU from its display
// name, its id and its declared strength and pack.
func NormalizeSKU(e registry.SKUEntry) Normalized {
	display := Normalize(e.DisplayName, registry.KindSKU)
	id := Normalize(e.ID, registry.KindSKU)

	n := Normalized{
		Key:    display.Key,
		Tokens: uniqueSorted(append(append([]string(nil), display.Tokens...), id.Tokens...)),
	}
	n.Forms = append(n.Forms, display.Forms...)
	n.Forms = append(n.Forms, id.Forms...)

	var dose []string
	for _, d := range []string{e.Strength, e.Pack} {
		dose = append(dose, Normalize(d, registry.KindSKU).Dose...)
	}
	if len(dose) == 0 {
		dose = display.Dose
	}
	n.Dose = uniqueSorted(dose)
	return n
}

// NormalizeRetailer builds the comparable form of a canonical retailer.
func NormalizeRetailer(e registry.RetailerEntry) Normalized {
	return Normalize(e.DisplayName, registry.KindRetailer)
}
