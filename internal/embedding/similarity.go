package embedding

import (
	"math"
	"sort"
)

// CosineSimilarity returns the cosine of the angle between a and b in [-1, 1].
// Vectors of different length or with zero magnitude score 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}

	sim := dot / math.Sqrt(normA*normB)
	return math.Max(-1, math.Min(1, sim))
}

// Candidate is a vector competing in MostSimilar.
type Candidate struct {
	ID     string
	Vector []float32
}

// Match is a scored candidate.
type Match struct {
	ID    string
	Score float64
}

// MostSimilar scores every candidate against query and returns the best topK
// by descending score. Ties keep candidate input order. topK <= 0 returns all.
func MostSimilar(query []float32, candidates []Candidate, topK int) []Match {
	matches := make([]Match, len(candidates))
	for i, c := range candidates {
		matches[i] = Match{ID: c.ID, Score: CosineSimilarity(query, c.Vector)}
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Score > matches[j].Score
	})

	if topK > 0 && topK < len(matches) {
		matches = matches[:topK]
	}
	return matches
}
