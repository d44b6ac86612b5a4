package vector

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func mustMatrix(t *testing.T, rows [][]float32) Matrix {
	t.Helper()
	m, err := FromRows(rows)
	require.NoError(t, err)
	return m
}

func TestMatchRanksByCosine(t *testing.T) {
	db := mustMatrix(t, [][]float32{
		{1, 0},  // id 1
		{0, 1},  // id 2
		{1, 1},  // id 3
		{-1, 0}, // id 4
	})
	query := mustMatrix(t, [][]float32{{1, 0}})

	m := NewMatcher(3)
	scores, ids, err := m.Match(query, db, []int64{1, 2, 3, 4})
	require.NoError(t, err)
	require.Len(t, ids, 1)
	require.Equal(t, []int64{1, 3, 2}, ids[0])
	require.InDelta(t, 1.0, scores[0][0], 1e-5)
}

func TestMatchScaleInvariant(t *testing.T) {
	db := mustMatrix(t, [][]float32{{3, 1}, {0, 2}, {5, 5}})
	small := mustMatrix(t, [][]float32{{0.6, 0.2}})
	large := mustMatrix(t, [][]float32{{600, 200}})
	ids := []int64{1, 2, 3}

	m := NewMatcher(3)
	_, gotSmall, err := m.Match(small, db, ids)
	require.NoError(t, err)
	_, gotLarge, err := m.Match(large, db, ids)
	require.NoError(t, err)
	require.Equal(t, gotSmall, gotLarge)
}

func TestMatchTopKClampedToDBSize(t *testing.T) {
	db := mustMatrix(t, [][]float32{{1, 0}, {0, 1}})
	query := mustMatrix(t, [][]float32{{1, 1}})

	m := NewMatcher(10)
	_, ids, err := m.Match(query, db, []int64{1, 2})
	require.NoError(t, err)
	require.Len(t, ids[0], 2)
}

func TestMatchEmptyInputs(t *testing.T) {
	m := NewMatcher(5)
	scores, ids, err := m.Match(Matrix{}, Matrix{}, nil)
	require.NoError(t, err)
	require.Nil(t, scores)
	require.Nil(t, ids)
}

func TestMatchMisalignedIDs(t *testing.T) {
	db := mustMatrix(t, [][]float32{{1, 0}, {0, 1}})
	query := mustMatrix(t, [][]float32{{1, 0}})
	m := NewMatcher(2)
	_, _, err := m.Match(query, db, []int64{1})
	require.Error(t, err)
}

func TestMatchDimensionMismatch(t *testing.T) {
	db := mustMatrix(t, [][]float32{{1, 0, 0}})
	query := mustMatrix(t, [][]float32{{1, 0}})
	m := NewMatcher(1)
	_, _, err := m.Match(query, db, []int64{1})
	require.Error(t, err)
}

func TestMatchZeroRowStaysFinite(t *testing.T) {
	db := mustMatrix(t, [][]float32{{0, 0}, {1, 0}})
	query := mustMatrix(t, [][]float32{{1, 0}})
	m := NewMatcher(2)
	scores, ids, err := m.Match(query, db, []int64{1, 2})
	require.NoError(t, err)
	require.Equal(t, int64(2), ids[0][0])
	for _, s := range scores[0] {
		require.False(t, s != s, "score must not be NaN")
	}
}
