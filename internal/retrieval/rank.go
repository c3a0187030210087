package retrieval

import (
	"math"
	"sort"
	"time"

	"github.com/substratehq/engram/internal/model"
)

// Weights are the non-negative coefficients of the composite score. With
// every weight >= 0 the score is monotonic non-decreasing in each signal
// when the others are held fixed: raising a signal can never lower rank.
type Weights struct {
	Similarity float64
	Confidence float64
	Salience   float64
	Recency    float64
}

// DefaultWeights mirror the retrieval defaults: similarity dominates,
// confidence and salience refine, recency breaks near-ties.
func DefaultWeights() Weights {
	return Weights{Similarity: 0.5, Confidence: 0.2, Salience: 0.2, Recency: 0.1}
}

// RecencyHalfLife is the decay half-life for the recency signal.
const RecencyHalfLife = 30 * 24 * time.Hour

// recencyScore maps occurredAt to (0,1]: 1.0 now, halving every half-life.
// Monotonic in occurredAt.
func recencyScore(occurredAt, now int64) float64 {
	if occurredAt <= 0 || occurredAt >= now {
		return 1.0
	}
	age := float64(now - occurredAt)
	return math.Exp(-age * math.Ln2 / float64(RecencyHalfLife.Milliseconds()))
}

// Score combines the ranking signals. Similarity is externally supplied
// and expected in [0,1]; out-of-range values are clamped rather than
// trusted.
func (w Weights) Score(similarity, confidence, salience float64, occurredAt, now int64) float64 {
	return w.Similarity*clampUnit(similarity) +
		w.Confidence*clampUnit(confidence) +
		w.Salience*clampUnit(salience) +
		w.Recency*recencyScore(occurredAt, now)
}

func clampUnit(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

type scoredRow struct {
	row   model.RetrievalIndexRow
	score float64
}

// sortRows orders by score descending with a deterministic total order:
// ties break by occurredAt descending, then entity id ascending.
func sortRows(rows []scoredRow) {
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].score != rows[j].score {
			return rows[i].score > rows[j].score
		}
		if rows[i].row.OccurredAt != rows[j].row.OccurredAt {
			return rows[i].row.OccurredAt > rows[j].row.OccurredAt
		}
		return rows[i].row.EntityID < rows[j].row.EntityID
	})
}

// CosineSimilarity computes the cosine similarity between two vectors.
// Works on unnormalized vectors; mismatched or empty vectors score zero.
func CosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}

	denom := math.Sqrt(normA) * math.Sqrt(normB)
	if denom == 0 {
		return 0
	}
	return dot / denom
}
