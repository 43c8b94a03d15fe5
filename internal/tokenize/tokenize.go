// Package tokenize provides the shared text normalization used by keyword
// indexing, query matching, and cache similarity.
//
// Indexing and querying must run through the same tokenizer so that keyword
// matching stays symmetric: a token produced at index time is findable with
// the token produced at query time.
package tokenize

import (
	"strings"
	"unicode"
)

// minTokenLength is the shortest token kept after normalization.
// Two-character fragments ("is", "of", stray punctuation runs) carry almost
// no retrieval signal and bloat the inverted index.
const minTokenLength = 3

// stopwords are common English words excluded from the keyword index.
var stopwords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "are": {}, "but": {}, "not": {},
	"you": {}, "all": {}, "can": {}, "had": {}, "her": {}, "was": {},
	"one": {}, "our": {}, "out": {}, "day": {}, "get": {}, "has": {},
	"him": {}, "his": {}, "how": {}, "man": {}, "new": {}, "now": {},
	"old": {}, "see": {}, "two": {}, "way": {}, "who": {}, "did": {},
	"its": {}, "let": {}, "put": {}, "say": {}, "she": {}, "too": {},
	"use": {}, "that": {}, "with": {}, "have": {}, "this": {}, "will": {},
	"your": {}, "from": {}, "they": {}, "what": {}, "been": {}, "were": {},
}

// Tokenize normalizes text into index tokens: lowercase, non-word runs
// collapsed to separators, tokens shorter than three characters and
// stopwords dropped. Pure and deterministic.
func Tokenize(text string) []string {
	if text == "" {
		return nil
	}

	var b strings.Builder
	b.Grow(len(text))
	for _, r := range strings.ToLower(text) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		} else {
			b.WriteByte(' ')
		}
	}

	fields := strings.Fields(b.String())
	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		if len(f) < minTokenLength {
			continue
		}
		if _, stop := stopwords[f]; stop {
			continue
		}
		tokens = append(tokens, f)
	}
	return tokens
}

// TokenSet returns the distinct tokens of text.
func TokenSet(text string) map[string]struct{} {
	tokens := Tokenize(text)
	set := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		set[t] = struct{}{}
	}
	return set
}

// Jaccard computes intersection-over-union of two token sets.
// Returns 0 when both sets are empty.
func Jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}

	intersection := 0
	for t := range a {
		if _, ok := b[t]; ok {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

// JaccardText is Jaccard over the token sets of two raw strings.
func JaccardText(a, b string) float64 {
	return Jaccard(TokenSet(a), TokenSet(b))
}

// EstimateTokens approximates the LLM token count of text as length/4,
// with a floor of 1 for non-empty text. Budgets computed from this estimate
// are deliberately conservative rather than exact.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	n := len(text) / 4
	if n < 1 {
		n = 1
	}
	return n
}

// Normalize collapses text for equality comparison: lowercase, punctuation
// stripped, whitespace collapsed to single spaces. Used by the response
// cache so that "What is 2+2?" and "what is 2 + 2" compare equal.
func Normalize(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range strings.ToLower(text) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		} else {
			b.WriteByte(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}
