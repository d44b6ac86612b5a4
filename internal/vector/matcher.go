package vector

import (
	"fmt"
	"math"
	"sort"
)

// Matcher scores query embeddings against the full stored matrix with exact
// cosine similarity and keeps the top K neighbors per query row.
type Matcher struct {
	TopK int
}

// NewMatcher returns a matcher keeping the top k hits per query second.
func NewMatcher(k int) *Matcher {
	if k <= 0 {
		k = 10
	}
	return &Matcher{TopK: k}
}

// Match returns per-row neighbor scores and fingerprint ids, best first.
// Empty inputs yield empty outputs; misaligned db inputs are an error.
func (m *Matcher) Match(query, db Matrix, dbIDs []int64) ([][]float32, [][]int64, error) {
	if query.N == 0 || db.N == 0 || len(dbIDs) == 0 {
		return nil, nil, nil
	}
	if db.N != len(dbIDs) {
		return nil, nil, fmt.Errorf("matcher: %d db rows but %d ids", db.N, len(dbIDs))
	}
	if query.D != db.D {
		return nil, nil, fmt.Errorf("matcher: query dimension %d does not match db dimension %d", query.D, db.D)
	}

	q := normalizeRows(query)
	d := normalizeRows(db)

	k := m.TopK
	if k > d.N {
		k = d.N
	}

	scores := make([][]float32, q.N)
	ids := make([][]int64, q.N)
	sims := make([]float32, d.N)
	order := make([]int, d.N)

	for i := 0; i < q.N; i++ {
		qr := q.Row(i)
		for j := 0; j < d.N; j++ {
			sims[j] = dot(qr, d.Row(j))
			order[j] = j
		}
		sort.SliceStable(order, func(a, b int) bool { return sims[order[a]] > sims[order[b]] })

		rowScores := make([]float32, k)
		rowIDs := make([]int64, k)
		for j := 0; j < k; j++ {
			rowScores[j] = sims[order[j]]
			rowIDs[j] = dbIDs[order[j]]
		}
		scores[i] = rowScores
		ids[i] = rowIDs
	}
	return scores, ids, nil
}

func dot(a, b []float32) float32 {
	var s float32
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}

// normalizeRows returns an L2 row-normalized copy; the epsilon keeps silent
// (all-zero) rows finite.
func normalizeRows(m Matrix) Matrix {
	out := Matrix{N: m.N, D: m.D, Data: make([]float32, len(m.Data))}
	for i := 0; i < m.N; i++ {
		row := m.Row(i)
		var sum float64
		for _, v := range row {
			sum += float64(v) * float64(v)
		}
		norm := float32(math.Sqrt(sum)) + 1e-10
		dst := out.Data[i*m.D : (i+1)*m.D]
		for j, v := range row {
			dst[j] = v / norm
		}
	}
	return out
}
