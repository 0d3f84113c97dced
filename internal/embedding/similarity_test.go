package embedding

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 2, 3}, []float32{1, 2, 3}, 1},
		{"scaled", []float32{1, 2, 3}, []float32{2, 4, 6}, 1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"opposite", []float32{1, 1}, []float32{-1, -1}, -1},
		{"length mismatch", []float32{1, 2}, []float32{1, 2, 3}, 0},
		{"zero vector", []float32{0, 0}, []float32{1, 1}, 0},
		{"empty", nil, nil, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CosineSimilarity(tt.a, tt.b)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("CosineSimilarity() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCosineSimilaritySymmetricAndBounded(t *testing.T) {
	a := []float32{0.3, -1.7, 2.2, 0.01}
	b := []float32{-0.4, 0.9, 1.1, 5}

	ab := CosineSimilarity(a, b)
	assert.InDelta(t, ab, CosineSimilarity(b, a), 1e-12)
	assert.GreaterOrEqual(t, ab, -1.0)
	assert.LessOrEqual(t, ab, 1.0)
}

func TestMostSimilar(t *testing.T) {
	query := []float32{1, 0}
	candidates := []Candidate{
		{ID: "far", Vector: []float32{0, 1}},
		{ID: "exact", Vector: []float32{3, 0}},
		{ID: "near", Vector: []float32{1, 1}},
		{ID: "tie", Vector: []float32{2, 0}},
	}

	got := MostSimilar(query, candidates, 3)
	assert.Len(t, got, 3)
	assert.Equal(t, "exact", got[0].ID, "ties keep input order")
	assert.Equal(t, "tie", got[1].ID)
	assert.Equal(t, "near", got[2].ID)
	assert.InDelta(t, 1/math.Sqrt2, got[2].Score, 1e-6)

	assert.Len(t, MostSimilar(query, candidates, 0), 4)
	assert.Empty(t, MostSimilar(query, nil, 5))
}
