package dssm

import (
	"io"
	"math/rand"
	"sync"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train"

	"github.com/gorec-io/gorec/dataset"
)

// tripletDataset yields (user, positive item, negative item) training
// examples, one per interaction. The negative is drawn uniformly from the
// items the user never interacted with.
//
// Inputs per batch: user features [b, du], user interactions row [b, n],
// positive item features [b, di], negative item features [b, di]. The loss
// needs no labels.
type tripletDataset struct {
	ds     *dataset.Dataset
	matrix *dataset.CSRMatrix

	// pairs lists every (user, item) interaction in internal ids.
	pairs [][2]int32

	batchSize int

	mu    sync.Mutex
	order []int
	pos   int
	rng   *rand.Rand
}

var _ train.Dataset = (*tripletDataset)(nil)

func newTripletDataset(ds *dataset.Dataset, batchSize int, seed int64) *tripletDataset {
	matrix := ds.UserItemMatrix()
	t := &tripletDataset{
		ds:        ds,
		matrix:    matrix,
		batchSize: batchSize,
		rng:       rand.New(rand.NewSource(seed)),
	}
	for u := int32(0); int(u) < matrix.NumRows(); u++ {
		items, _ := matrix.Row(u)
		for _, i := range items {
			t.pairs = append(t.pairs, [2]int32{u, i})
		}
	}
	t.order = make([]int, len(t.pairs))
	for i := range t.order {
		t.order[i] = i
	}
	return t
}

func (t *tripletDataset) Name() string { return "triplets" }

func (t *tripletDataset) numBatches() int {
	return (len(t.pairs) + t.batchSize - 1) / t.batchSize
}

func (t *tripletDataset) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pos = 0
	t.rng.Shuffle(len(t.order), func(i, j int) {
		t.order[i], t.order[j] = t.order[j], t.order[i]
	})
}

// sampleNegative draws an item the user never interacted with. When the user
// has seen the whole catalog it falls back to any item other than positive.
func (t *tripletDataset) sampleNegative(user, positive int32) int32 {
	numItems := int32(t.ds.NumItems())
	seen := t.matrix.RowSet(user)
	if len(seen) >= int(numItems) {
		for {
			candidate := int32(t.rng.Intn(int(numItems)))
			if candidate != positive || numItems == 1 {
				return candidate
			}
		}
	}
	for {
		candidate := int32(t.rng.Intn(int(numItems)))
		if _, interacted := seen[candidate]; !interacted {
			return candidate
		}
	}
}

func (t *tripletDataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pos >= len(t.pairs) {
		return nil, nil, nil, io.EOF
	}
	batch := t.order[t.pos:min(t.pos+t.batchSize, len(t.pairs))]
	t.pos += len(batch)

	b := len(batch)
	du := t.ds.UserFeatures.NumCols()
	di := t.ds.ItemFeatures.NumCols()
	n := t.ds.NumItems()

	userFeatures := make([]float32, b*du)
	interactions := make([]float32, b*n)
	positiveFeatures := make([]float32, b*di)
	negativeFeatures := make([]float32, b*di)
	for row, idx := range batch {
		user, positive := t.pairs[idx][0], t.pairs[idx][1]
		negative := t.sampleNegative(user, positive)

		t.ds.UserFeatures.DenseRow(user, userFeatures[row*du:(row+1)*du])
		items, values := t.matrix.Row(user)
		for k, item := range items {
			interactions[row*n+int(item)] = values[k]
		}
		t.ds.ItemFeatures.DenseRow(positive, positiveFeatures[row*di:(row+1)*di])
		t.ds.ItemFeatures.DenseRow(negative, negativeFeatures[row*di:(row+1)*di])
	}

	inputs = []*tensors.Tensor{
		tensors.FromFlatDataAndDimensions(userFeatures, b, du),
		tensors.FromFlatDataAndDimensions(interactions, b, n),
		tensors.FromFlatDataAndDimensions(positiveFeatures, b, di),
		tensors.FromFlatDataAndDimensions(negativeFeatures, b, di),
	}
	return nil, inputs, nil, nil
}
