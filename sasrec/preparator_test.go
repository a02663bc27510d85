package sasrec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gorec-io/gorec/dataset"
)

func trainDataset(t *testing.T) *dataset.Dataset {
	t.Helper()
	ds, err := dataset.New([]dataset.Interaction{
		{User: "u1", Item: "a", Weight: 1, Timestamp: 1},
		{User: "u1", Item: "b", Weight: 1, Timestamp: 2},
		{User: "u2", Item: "b", Weight: 1, Timestamp: 1},
		{User: "u2", Item: "c", Weight: 1, Timestamp: 2},
		{User: "u3", Item: "a", Weight: 1, Timestamp: 1}, // too short, dropped
	})
	require.NoError(t, err)
	return ds
}

func TestProcessDatasetTrainReservesPadding(t *testing.T) {
	p := newDataPreparator(testConfig())
	processed, err := p.processDatasetTrain(trainDataset(t))
	require.NoError(t, err)

	// Item 0 is the padding token, real items follow.
	assert.Equal(t, PaddingToken, processed.ItemIdMap.ToExternal(0))
	assert.Equal(t, 4, p.numItems())
	assert.Equal(t, []int32{1, 2, 3}, p.knownItems())

	// u3 has a single interaction and is filtered out.
	assert.Equal(t, 2, processed.NumUsers())
	_, found := processed.UserIdMap.ToInternal("u3")
	assert.False(t, found)
}

func TestProcessDatasetTrainTruncatesHistory(t *testing.T) {
	cfg := testConfig()
	cfg.SessionMaxLen = 2
	p := newDataPreparator(cfg)
	ds, err := dataset.New([]dataset.Interaction{
		{User: "u1", Item: "old", Weight: 1, Timestamp: 1},
		{User: "u1", Item: "a", Weight: 1, Timestamp: 2},
		{User: "u1", Item: "b", Weight: 1, Timestamp: 3},
		{User: "u1", Item: "c", Weight: 1, Timestamp: 4},
	})
	require.NoError(t, err)

	processed, err := p.processDatasetTrain(ds)
	require.NoError(t, err)

	// Only the last sessionMaxLen+1 events per user survive, so "old" never
	// enters the vocabulary.
	require.Len(t, processed.Interactions, 3)
	_, found := processed.ItemIdMap.ToInternal("old")
	assert.False(t, found)
	assert.Equal(t, []int32{1, 2, 3}, p.knownItems())
}

func TestProcessDatasetTrainMinInteractions(t *testing.T) {
	cfg := testConfig()
	cfg.TrainMinUserInteractions = 10
	p := newDataPreparator(cfg)
	_, err := p.processDatasetTrain(trainDataset(t))
	assert.Error(t, err)
}

func TestProcessDatasetTrainCarriesSparseItemFeatures(t *testing.T) {
	features, err := dataset.NewSparseFeatures(
		[]string{"genre=x", "genre=y"},
		[]int{0, 1, 2, 3},
		[]int32{0, 1, 0},
		[]float32{1, 1, 1},
	)
	require.NoError(t, err)
	raw, err := dataset.New([]dataset.Interaction{
		{User: "u1", Item: "a", Weight: 1, Timestamp: 1},
		{User: "u1", Item: "b", Weight: 1, Timestamp: 2},
		{User: "u2", Item: "c", Weight: 1, Timestamp: 1},
		{User: "u2", Item: "a", Weight: 1, Timestamp: 2},
	}, dataset.WithItemFeatures(features))
	require.NoError(t, err)

	p := newDataPreparator(testConfig())
	processed, err := p.processDatasetTrain(raw)
	require.NoError(t, err)

	sparse, ok := processed.ItemFeatures.(*dataset.SparseFeatures)
	require.True(t, ok)
	require.Equal(t, 4, sparse.NumRows()) // padding + a, b, c
	row := make([]float32, 2)
	sparse.DenseRow(0, row)
	assert.Equal(t, []float32{0, 0}, row, "padding row must be all zero")
	// "a" keeps its original features at its new internal id.
	id, _ := processed.ItemIdMap.ToInternal("a")
	sparse.DenseRow(id, row)
	assert.Equal(t, []float32{1, 0}, row)
}

func TestTransformDatasetU2IDropsColdUsers(t *testing.T) {
	p := newDataPreparator(testConfig())
	_, err := p.processDatasetTrain(trainDataset(t))
	require.NoError(t, err)

	requestDs, err := dataset.New([]dataset.Interaction{
		{User: "u1", Item: "a", Weight: 1, Timestamp: 1},
		{User: "u2", Item: "b", Weight: 1, Timestamp: 1},
		{User: "cold", Item: "unseen", Weight: 1, Timestamp: 1},
	})
	require.NoError(t, err)

	transformed, err := p.transformDatasetU2I(requestDs, []string{"u1", "u2", "cold"})
	require.NoError(t, err)
	// "cold" only interacted with an unknown item and is dropped.
	assert.Equal(t, 2, transformed.UserIdMap.Size())
	assert.Same(t, p.itemIdMap, transformed.ItemIdMap)
}

func TestTransformDatasetU2IAllCold(t *testing.T) {
	p := newDataPreparator(testConfig())
	_, err := p.processDatasetTrain(trainDataset(t))
	require.NoError(t, err)

	requestDs, err := dataset.New([]dataset.Interaction{
		{User: "cold", Item: "unseen", Weight: 1, Timestamp: 1},
	})
	require.NoError(t, err)
	_, err = p.transformDatasetU2I(requestDs, []string{"cold"})
	assert.Error(t, err)
}

func TestTransformDatasetI2IDropsUnknownItems(t *testing.T) {
	p := newDataPreparator(testConfig())
	_, err := p.processDatasetTrain(trainDataset(t))
	require.NoError(t, err)

	requestDs, err := dataset.New([]dataset.Interaction{
		{User: "u1", Item: "a", Weight: 1, Timestamp: 1},
		{User: "u1", Item: "unseen", Weight: 1, Timestamp: 2},
	})
	require.NoError(t, err)

	transformed := p.transformDatasetI2I(requestDs)
	require.Len(t, transformed.Interactions, 1)
	assert.Equal(t, "a", transformed.Interactions[0].Item)
	// The original user id map survives intact.
	assert.Same(t, requestDs.UserIdMap, transformed.UserIdMap)
	assert.Same(t, p.itemIdMap, transformed.ItemIdMap)
}

func TestSessionsInModelIds(t *testing.T) {
	p := newDataPreparator(testConfig())
	processed, err := p.processDatasetTrain(trainDataset(t))
	require.NoError(t, err)

	sessions := p.sessionsInModelIds(processed)
	require.Len(t, sessions, 2)
	// u1: a then b, in model ids (shifted past the padding token).
	wantA, _ := p.itemIdMap.ToInternal("a")
	wantB, _ := p.itemIdMap.ToInternal("b")
	assert.Equal(t, []int32{wantA, wantB}, sessions[0].Items)
	assert.GreaterOrEqual(t, wantA, int32(p.numExtraTokens))
}
