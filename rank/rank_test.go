package rank

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gorec-io/gorec/dataset"
)

// objects: 4 vectors in 2d.
var testObjects = []float32{
	1, 0, // 0
	0, 1, // 1
	2, 0, // 2
	1, 1, // 3
}

func TestRankDot(t *testing.T) {
	r, err := NewRanker(Dot, testObjects, 2, 1)
	require.NoError(t, err)
	results, err := r.Rank([]float32{1, 0}, 2, nil, nil, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	// Scores: 1, 0, 2, 1; the 0-vs-3 tie breaks by object id.
	assert.Equal(t, []int32{2, 0}, results[0].Objects)
	assert.Equal(t, []float32{2, 1}, results[0].Scores)
}

func TestRankCosine(t *testing.T) {
	r, err := NewRanker(Cosine, testObjects, 2, 0)
	require.NoError(t, err)
	results, err := r.Rank([]float32{1, 0}, 4, nil, nil, nil)
	require.NoError(t, err)
	// Objects 0 and 2 point in the same direction, cosine 1; ties break by id.
	assert.Equal(t, []int32{0, 2, 3, 1}, results[0].Objects)
	assert.InDelta(t, 1.0, results[0].Scores[0], 1e-6)
	assert.InDelta(t, 1.0, results[0].Scores[1], 1e-6)
	assert.InDelta(t, math.Sqrt2/2, results[0].Scores[2], 1e-6)
	assert.InDelta(t, 0.0, results[0].Scores[3], 1e-6)
}

func TestRankEuclideanScoresAreNegatedDistances(t *testing.T) {
	r, err := NewRanker(Euclidean, testObjects, 2, 0)
	require.NoError(t, err)
	results, err := r.Rank([]float32{1, 0}, 4, nil, nil, nil)
	require.NoError(t, err)
	// Closest first, scores descending (less negative = closer).
	assert.Equal(t, int32(0), results[0].Objects[0])
	assert.InDelta(t, 0.0, results[0].Scores[0], 1e-6)
	for i := 1; i < 4; i++ {
		assert.LessOrEqual(t, results[0].Scores[i], results[0].Scores[i-1])
		assert.LessOrEqual(t, results[0].Scores[i], float32(0))
	}
}

func TestRankWhitelist(t *testing.T) {
	r, err := NewRanker(Dot, testObjects, 2, 0)
	require.NoError(t, err)
	results, err := r.Rank([]float32{1, 0}, 10, []int32{1, 3}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []int32{3, 1}, results[0].Objects)
}

func TestRankExclusion(t *testing.T) {
	// One subject, excluding objects 2 and 3 via a matrix row.
	exclude := &dataset.CSRMatrix{
		NumCols: 4,
		Indptr:  []int{0, 2},
		Indices: []int32{2, 3},
		Data:    []float32{1, 1},
	}
	r, err := NewRanker(Dot, testObjects, 2, 0)
	require.NoError(t, err)
	results, err := r.Rank([]float32{1, 0}, 10, nil, exclude, []int32{0})
	require.NoError(t, err)
	assert.Equal(t, []int32{0, 1}, results[0].Objects)
}

func TestRankMultipleSubjectsKeepOrder(t *testing.T) {
	r, err := NewRanker(Dot, testObjects, 2, 4)
	require.NoError(t, err)
	subjects := []float32{
		1, 0,
		0, 1,
	}
	results, err := r.Rank(subjects, 1, nil, nil, nil)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, []int32{2}, results[0].Objects)
	assert.Equal(t, []int32{1}, results[1].Objects)
}

func TestRankFewerObjectsThanK(t *testing.T) {
	r, err := NewRanker(Dot, testObjects, 2, 0)
	require.NoError(t, err)
	results, err := r.Rank([]float32{1, 1}, 100, nil, nil, nil)
	require.NoError(t, err)
	assert.Len(t, results[0].Objects, 4)
}

func TestRankerValidation(t *testing.T) {
	_, err := NewRanker(Dot, []float32{1, 2, 3}, 2, 0)
	assert.Error(t, err, "objects not divisible by dim")

	r, err := NewRanker(Dot, testObjects, 2, 0)
	require.NoError(t, err)
	_, err = r.Rank([]float32{1, 0}, 0, nil, nil, nil)
	assert.Error(t, err, "k must be positive")
	_, err = r.Rank([]float32{1, 0}, 1, []int32{7}, nil, nil)
	assert.Error(t, err, "whitelist out of range")
	_, err = r.Rank([]float32{1, 0, 0, 1}, 1, nil, &dataset.CSRMatrix{NumCols: 4, Indptr: []int{0, 0}}, []int32{0})
	assert.Error(t, err, "exclude rows shorter than subjects")
}
