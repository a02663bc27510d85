package sasrec

import (
	"io"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gorec-io/gorec/dataset"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.NumBlocks = 1
	cfg.NumHeads = 1
	cfg.NumFactors = 4
	cfg.SessionMaxLen = 5
	cfg.BatchSize = 4
	cfg.Epochs = 1
	cfg.DropoutRate = 0
	return cfg
}

func yieldAll(t *testing.T, ds *sequenceDataset) (inputs, labels [][]*tensors.Tensor) {
	t.Helper()
	ds.Reset()
	for {
		_, in, lb, err := ds.Yield()
		if err == io.EOF {
			return
		}
		require.NoError(t, err)
		inputs = append(inputs, in)
		labels = append(labels, lb)
	}
}

func TestSequenceDatasetShiftedTargets(t *testing.T) {
	cfg := testConfig()
	sessions := []dataset.Session{{
		User:    0,
		Items:   []int32{1, 2, 3},
		Weights: []float32{1, 2, 3},
	}}
	ds := newSequenceDataset("test", sessions, cfg, 10, 1, false, 0)

	inputs, labels := yieldAll(t, ds)
	require.Len(t, inputs, 1)

	x := tensors.MustCopyFlatData[int32](inputs[0][0])
	y := tensors.MustCopyFlatData[int32](labels[0][0])
	yw := tensors.MustCopyFlatData[float32](labels[0][1])

	// Session [1 2 3] gives two right-aligned prediction steps.
	assert.Equal(t, []int32{0, 0, 0, 1, 2}, x)
	assert.Equal(t, []int32{0, 0, 0, 2, 3}, y)
	assert.Equal(t, []float32{0, 0, 0, 2, 3}, yw)
}

func TestSequenceDatasetTruncatesOldEvents(t *testing.T) {
	cfg := testConfig()
	cfg.SessionMaxLen = 3
	sessions := []dataset.Session{{
		User:    0,
		Items:   []int32{1, 2, 3, 4, 5, 6},
		Weights: []float32{1, 1, 1, 1, 1, 1},
	}}
	ds := newSequenceDataset("test", sessions, cfg, 10, 1, false, 0)

	inputs, labels := yieldAll(t, ds)
	x := tensors.MustCopyFlatData[int32](inputs[0][0])
	y := tensors.MustCopyFlatData[int32](labels[0][0])

	// Only the most recent maxLen+1 events survive: [3 4 5 6].
	assert.Equal(t, []int32{3, 4, 5}, x)
	assert.Equal(t, []int32{4, 5, 6}, y)
}

func TestSequenceDatasetNegativesInRecommendableRange(t *testing.T) {
	cfg := testConfig()
	cfg.Loss = LossBCE
	cfg.NumNegatives = 3
	const numItems, numExtra = 12, 1
	sessions := []dataset.Session{
		{User: 0, Items: []int32{1, 2, 3}, Weights: []float32{1, 1, 1}},
		{User: 1, Items: []int32{4, 5}, Weights: []float32{1, 1}},
	}
	ds := newSequenceDataset("test", sessions, cfg, numItems, numExtra, false, 42)

	_, labels := yieldAll(t, ds)
	require.Len(t, labels, 1)
	require.Len(t, labels[0], 3)
	negatives := tensors.MustCopyFlatData[int32](labels[0][2])
	assert.Len(t, negatives, 2*cfg.SessionMaxLen*cfg.NumNegatives)
	for _, n := range negatives {
		assert.GreaterOrEqual(t, n, int32(numExtra))
		assert.Less(t, n, int32(numItems))
	}
}

func TestSequenceDatasetNoNegativesForSoftmax(t *testing.T) {
	cfg := testConfig()
	cfg.Loss = LossSoftmax
	sessions := []dataset.Session{{User: 0, Items: []int32{1, 2}, Weights: []float32{1, 1}}}
	ds := newSequenceDataset("test", sessions, cfg, 10, 1, false, 0)
	_, labels := yieldAll(t, ds)
	assert.Len(t, labels[0], 2)
}

func TestSequenceDatasetBatching(t *testing.T) {
	cfg := testConfig()
	cfg.BatchSize = 2
	sessions := make([]dataset.Session, 5)
	for i := range sessions {
		sessions[i] = dataset.Session{User: int32(i), Items: []int32{1, 2}, Weights: []float32{1, 1}}
	}
	ds := newSequenceDataset("test", sessions, cfg, 10, 1, false, 0)
	assert.Equal(t, 3, ds.numBatches())

	inputs, _ := yieldAll(t, ds)
	require.Len(t, inputs, 3)
	assert.Equal(t, []int{2, cfg.SessionMaxLen}, inputs[0][0].Shape().Dimensions)
	assert.Equal(t, []int{1, cfg.SessionMaxLen}, inputs[2][0].Shape().Dimensions)

	// Reset starts over.
	inputs, _ = yieldAll(t, ds)
	assert.Len(t, inputs, 3)
}

func TestSequenceDatasetShuffleIsReproducible(t *testing.T) {
	cfg := testConfig()
	cfg.BatchSize = 1
	sessions := make([]dataset.Session, 8)
	for i := range sessions {
		sessions[i] = dataset.Session{User: int32(i), Items: []int32{int32(i + 1), int32(i + 2)}, Weights: []float32{1, 1}}
	}
	first := newSequenceDataset("a", sessions, cfg, 20, 1, true, 7)
	second := newSequenceDataset("b", sessions, cfg, 20, 1, true, 7)

	inputsA, _ := yieldAll(t, first)
	inputsB, _ := yieldAll(t, second)
	require.Len(t, inputsB, len(inputsA))
	for i := range inputsA {
		assert.Equal(t, tensors.MustCopyFlatData[int32](inputsA[i][0]), tensors.MustCopyFlatData[int32](inputsB[i][0]))
	}
}
