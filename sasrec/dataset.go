package sasrec

import (
	"io"
	"math/rand"
	"sync"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train"

	"github.com/gorec-io/gorec/dataset"
)

// sequenceDataset feeds next-item-prediction batches to the trainer.
//
// Each session of n events is truncated to its most recent sessionMaxLen+1
// events and split into a right-aligned input x = ses[:n-1] and shifted
// targets y = ses[1:], with yw the matching interaction weights. Position j
// of x therefore predicts the item at position j+1, and unused positions of
// all three stay at the padding id / zero weight.
//
// When numNegatives > 0, each yield also carries uniformly sampled negatives
// of shape [batch, sessionMaxLen, numNegatives] drawn from the recommendable
// id range, for the sampled losses.
type sequenceDataset struct {
	name     string
	sessions []dataset.Session

	maxLen         int
	batchSize      int
	numNegatives   int
	numItems       int
	numExtraTokens int
	shuffle        bool

	mu    sync.Mutex
	order []int
	pos   int
	rng   *rand.Rand
}

var _ train.Dataset = (*sequenceDataset)(nil)

func newSequenceDataset(name string, sessions []dataset.Session, cfg Config, numItems, numExtraTokens int, shuffle bool, seed int64) *sequenceDataset {
	ds := &sequenceDataset{
		name:           name,
		sessions:       sessions,
		maxLen:         cfg.SessionMaxLen,
		batchSize:      cfg.BatchSize,
		numNegatives:   0,
		numItems:       numItems,
		numExtraTokens: numExtraTokens,
		shuffle:        shuffle,
		rng:            rand.New(rand.NewSource(seed)),
	}
	if cfg.Loss == LossBCE || cfg.Loss == LossGBCE {
		ds.numNegatives = cfg.NumNegatives
	}
	ds.order = make([]int, len(sessions))
	for i := range ds.order {
		ds.order[i] = i
	}
	return ds
}

func (ds *sequenceDataset) Name() string { return ds.name }

// numBatches returns the number of yields per epoch.
func (ds *sequenceDataset) numBatches() int {
	return (len(ds.sessions) + ds.batchSize - 1) / ds.batchSize
}

func (ds *sequenceDataset) Reset() {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.pos = 0
	if ds.shuffle {
		ds.rng.Shuffle(len(ds.order), func(i, j int) {
			ds.order[i], ds.order[j] = ds.order[j], ds.order[i]
		})
	}
}

func (ds *sequenceDataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if ds.pos >= len(ds.sessions) {
		return nil, nil, nil, io.EOF
	}
	batch := ds.order[ds.pos:min(ds.pos+ds.batchSize, len(ds.sessions))]
	ds.pos += len(batch)

	b, l := len(batch), ds.maxLen
	x := make([]int32, b*l)
	y := make([]int32, b*l)
	yw := make([]float32, b*l)
	for row, idx := range batch {
		s := ds.sessions[idx]
		items, weights := s.Items, s.Weights
		if len(items) > l+1 {
			items = items[len(items)-l-1:]
			weights = weights[len(weights)-l-1:]
		}
		// n-1 prediction steps, right-aligned.
		steps := len(items) - 1
		base := row*l + (l - steps)
		for j := 0; j < steps; j++ {
			x[base+j] = items[j]
			y[base+j] = items[j+1]
			yw[base+j] = weights[j+1]
		}
	}

	inputs = []*tensors.Tensor{tensors.FromFlatDataAndDimensions(x, b, l)}
	labels = []*tensors.Tensor{
		tensors.FromFlatDataAndDimensions(y, b, l),
		tensors.FromFlatDataAndDimensions(yw, b, l),
	}
	if ds.numNegatives > 0 {
		negatives := make([]int32, b*l*ds.numNegatives)
		span := ds.numItems - ds.numExtraTokens
		for i := range negatives {
			negatives[i] = int32(ds.numExtraTokens + ds.rng.Intn(span))
		}
		labels = append(labels, tensors.FromFlatDataAndDimensions(negatives, b, l, ds.numNegatives))
	}
	return nil, inputs, labels, nil
}
