// Package normalize provides the injectable label normalization used for
// cross-cube member/dimension deduplication (the Label Normalizer,
// component H) and the lighter-weight member-label normalization consumed
// by the Dimension Registry Builder's member hash.
package normalize

import (
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// Normalizer reduces a label to a deterministic, order-independent base
// name used to detect near-duplicate labels across cubes. Implementations
// must be pure functions of their input and stable across runs.
type Normalizer interface {
	Normalize(label string) string
}

// English and French stopwords pulled during tokenization. The set is
// intentionally small: the pipeline only needs enough suppression to keep
// base names from diverging on function words, not a full stoplist.
var defaultStopwords = map[string]struct{}{
	"the": {}, "of": {}, "and": {}, "a": {}, "an": {}, "in": {}, "for": {},
	"le": {}, "la": {}, "les": {}, "de": {}, "des": {}, "et": {}, "du": {}, "un": {}, "une": {},
}

// TokenNormalizer is the default Label Normalizer: tokenize on Unicode word
// boundaries, drop non-alphabetic and stopword tokens, lowercase, sort
// lexicographically, join with a single space.
type TokenNormalizer struct {
	Stopwords map[string]struct{}
}

// NewTokenNormalizer returns the default normalizer with the built-in
// bilingual stopword set.
func NewTokenNormalizer() *TokenNormalizer {
	return &TokenNormalizer{Stopwords: defaultStopwords}
}

// Normalize implements Normalizer.
func (n *TokenNormalizer) Normalize(label string) string {
	tokens := tokenize(label)
	kept := make([]string, 0, len(tokens))
	for _, t := range tokens {
		lower := strings.ToLower(t)
		if _, stop := n.Stopwords[lower]; stop {
			continue
		}
		kept = append(kept, lower)
	}
	sort.Strings(kept)
	return strings.Join(kept, " ")
}

// tokenize splits on runs of non-alphabetic characters and discards tokens
// that contain no alphabetic rune at all.
func tokenize(label string) []string {
	var tokens []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			tokens = append(tokens, cur.String())
			cur.Reset()
		}
	}
	for _, r := range label {
		if unicode.IsLetter(r) {
			cur.WriteRune(r)
		} else {
			flush()
		}
	}
	flush()
	return tokens
}

// HasTotalToken reports whether the normalized label contains a token that
// signals a "total" aggregate row (English "total" or the French lemma
// "total"/"totale"), used by Stage 3's hasTotal classifier.
func HasTotalToken(normalizedLabel string) bool {
	for _, tok := range strings.Fields(normalizedLabel) {
		if tok == "total" || tok == "totale" || tok == "totaux" {
			return true
		}
	}
	return false
}

// MemberLabelNorm implements the memberLabelNorm transform required by
// Stage 1 of the Dimension Registry Builder: NFC-normalize, lowercase, trim.
// This is distinct from the Label Normalizer's base-name reduction: it is
// used directly inside the member hash, so it must not drop or reorder
// tokens.
func MemberLabelNorm(nameEn string) string {
	return strings.ToLower(strings.TrimSpace(norm.NFC.String(nameEn)))
}

// GrabbagClassifier decides whether a dimension's name marks it as a
// catch-all "grab bag" axis (e.g. a StatCan "Characteristics" dimension
// that bundles unrelated attributes under one position) rather than a
// coherent classification. The source material's own heuristic — name
// contains "characteristics" or "other" — is English-only and was flagged
// as ambiguous for French or bilingual cube names, so it is kept behind
// this interface rather than hardcoded into the Registry Builder.
type GrabbagClassifier interface {
	IsGrabbag(nameEn, nameFr string) bool
}

// EnglishGrabbagHeuristic is the default GrabbagClassifier: a
// case-insensitive substring match against nameEn only, reproducing the
// source's behaviour verbatim. It deliberately ignores nameFr, since the
// source's heuristic was never translated.
type EnglishGrabbagHeuristic struct {
	Markers []string
}

// NewEnglishGrabbagHeuristic returns the default classifier with the
// source's two markers, "characteristics" and "other".
func NewEnglishGrabbagHeuristic() EnglishGrabbagHeuristic {
	return EnglishGrabbagHeuristic{Markers: []string{"characteristics", "other"}}
}

// IsGrabbag implements GrabbagClassifier.
func (h EnglishGrabbagHeuristic) IsGrabbag(nameEn, _ string) bool {
	lower := strings.ToLower(nameEn)
	for _, marker := range h.Markers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
