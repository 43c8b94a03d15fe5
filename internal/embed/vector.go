package embed

import (
	"math"
	"sort"
)

// Candidate is a vector eligible for similarity ranking.
type Candidate struct {
	ID     string
	Vector []float32
}

// Match is a ranked similarity result.
type Match struct {
	ID         string
	Similarity float64
}

// CosineSimilarity computes dot(a,b) / (|a| * |b|).
// Returns 0 when either magnitude is 0 or the dimensions differ, never NaN.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}

	var dot, magA, magB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		magA += float64(a[i]) * float64(a[i])
		magB += float64(b[i]) * float64(b[i])
	}

	if magA == 0 || magB == 0 {
		return 0
	}
	return dot / (math.Sqrt(magA) * math.Sqrt(magB))
}

// FindMostSimilar ranks candidates by cosine similarity to query.
// Candidates with a missing or dimension-mismatched vector are skipped.
// Results below threshold are dropped, the rest sorted by similarity
// descending with ties broken by ascending ID, truncated to topK.
func FindMostSimilar(query []float32, candidates []Candidate, topK int, threshold float64) []Match {
	if len(query) == 0 || topK <= 0 {
		return nil
	}

	matches := make([]Match, 0, len(candidates))
	for _, c := range candidates {
		if len(c.Vector) != len(query) {
			continue
		}
		sim := CosineSimilarity(query, c.Vector)
		if sim < threshold {
			continue
		}
		matches = append(matches, Match{ID: c.ID, Similarity: sim})
	}

	sort.Slice(matches, func(i, j int) bool {
		delta := matches[i].Similarity - matches[j].Similarity
		if math.Abs(delta) <= 1e-12 {
			return matches[i].ID < matches[j].ID
		}
		return delta > 0
	})

	if len(matches) > topK {
		matches = matches[:topK]
	}
	return matches
}
