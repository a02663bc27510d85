package dssm

import (
	"io"
	"sync"
	"time"

	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gorec-io/gorec"
	"github.com/gorec-io/gorec/dataset"
	"github.com/gorec-io/gorec/rank"
)

const modelScope = "dssm"

// Config holds the model hyperparameters.
type Config struct {
	NumFactors int

	Margin       float64 // triplet loss margin
	WeightDecay  float64
	LearningRate float64

	BatchSize int
	Epochs    int

	// RecommendWorkers bounds ranking parallelism, 0 means GOMAXPROCS.
	RecommendWorkers int

	// Seed makes triplet sampling and shuffling reproducible.
	Seed int64
}

// DefaultConfig returns the default hyperparameters.
func DefaultConfig() Config {
	return Config{
		NumFactors:   128,
		Margin:       0.4,
		WeightDecay:  1e-6,
		LearningRate: 0.01,
		BatchSize:    128,
		Epochs:       5,
	}
}

func (cfg *Config) validate() error {
	if cfg.NumFactors <= 0 {
		return errors.New("NumFactors must be positive")
	}
	if cfg.Margin <= 0 {
		return errors.Errorf("Margin must be positive, got %g", cfg.Margin)
	}
	if cfg.WeightDecay < 0 {
		return errors.Errorf("WeightDecay must not be negative, got %g", cfg.WeightDecay)
	}
	if cfg.LearningRate <= 0 {
		return errors.New("LearningRate must be positive")
	}
	if cfg.BatchSize <= 0 || cfg.Epochs <= 0 {
		return errors.New("BatchSize and Epochs must be positive")
	}
	return nil
}

// DSSM is a twin-tower model matching users to items in a shared embedding
// space learned with a triplet margin loss. It requires both user and item
// features and recommends by euclidean distance.
type DSSM struct {
	cfg Config

	mu      sync.RWMutex
	backend backends.Backend
	ctx     *context.Context
	towers  *towers

	// Feature and catalog dimensions seen at fit time; recommendation
	// datasets must match them.
	numUserFeatures int
	numItemFeatures int
	numItems        int

	userExec *context.Exec
	itemExec *context.Exec
}

var _ gorec.Recommender = (*DSSM)(nil)

// New validates the configuration and creates an unfitted model.
func New(cfg Config) (*DSSM, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &DSSM{cfg: cfg}, nil
}

// Fit trains both towers from scratch on the given dataset. The dataset must
// carry user and item features.
func (m *DSSM) Fit(ds *dataset.Dataset) error {
	return m.FitWithValidation(ds, nil)
}

// FitWithValidation trains the model and, when validation is non-nil,
// reports the validation triplet loss after every epoch.
func (m *DSSM) FitWithValidation(ds, validation *dataset.Dataset) error {
	if ds.UserFeatures == nil || ds.ItemFeatures == nil {
		return errors.New("dataset must have both user and item features")
	}
	if validation != nil {
		if validation.UserFeatures == nil || validation.ItemFeatures == nil {
			return errors.New("validation dataset must have both user and item features")
		}
		if validation.UserFeatures.NumCols() != ds.UserFeatures.NumCols() ||
			validation.ItemFeatures.NumCols() != ds.ItemFeatures.NumCols() ||
			validation.NumItems() != ds.NumItems() {
			return errors.New("validation dataset must be shaped like the training dataset")
		}
	}

	backend, err := backends.New()
	if err != nil {
		return errors.Wrap(err, "creating backend")
	}
	ctx := context.New()
	modelCtx := ctx.In(modelScope)
	t := &towers{numFactors: m.cfg.NumFactors}

	modelFn := func(ctx *context.Context, spec any, inputs []*Node) []*Node {
		anchor := t.userTower(ctx, inputs[0], inputs[1])
		positive := t.itemTower(ctx, inputs[2])
		negative := t.itemTower(ctx, inputs[3])
		return []*Node{anchor, positive, negative}
	}
	lossFn := func(labels, predictions []*Node) *Node {
		return tripletLoss(predictions[0], predictions[1], predictions[2], m.cfg.Margin)
	}
	optimizer := optimizers.Adam().
		LearningRate(m.cfg.LearningRate).
		WeightDecay(m.cfg.WeightDecay).
		Done()
	trainer := train.NewTrainer(backend, modelCtx, modelFn, lossFn, optimizer, nil, nil)
	loop := train.NewLoop(trainer)

	data := newTripletDataset(ds, m.cfg.BatchSize, m.cfg.Seed)
	var validationData *tripletDataset
	var validationExec *context.Exec
	if validation != nil {
		validationData = newTripletDataset(validation, m.cfg.BatchSize, m.cfg.Seed)
	}
	for epoch := 1; epoch <= m.cfg.Epochs; epoch++ {
		start := time.Now()
		data.Reset()
		metrics, err := loop.RunSteps(data, data.numBatches())
		if err != nil {
			return errors.Wrapf(err, "training epoch %d", epoch)
		}
		if len(metrics) > 0 {
			klog.V(1).Infof("epoch %d/%d done in %s, train loss %v", epoch, m.cfg.Epochs, time.Since(start), metrics[0].Value())
		} else {
			klog.V(1).Infof("epoch %d/%d done in %s", epoch, m.cfg.Epochs, time.Since(start))
		}
		if validationData != nil {
			if validationExec == nil {
				validationExec = context.MustNewExec(backend, modelCtx.Reuse(),
					func(ctx *context.Context, userFeatures, interactions, positive, negative *Node) *Node {
						return tripletLoss(
							t.userTower(ctx, userFeatures, interactions),
							t.itemTower(ctx, positive),
							t.itemTower(ctx, negative),
							m.cfg.Margin)
					})
			}
			loss, err := evaluateLoss(validationExec, validationData)
			if err != nil {
				return errors.Wrapf(err, "validation epoch %d", epoch)
			}
			klog.V(1).Infof("epoch %d/%d validation loss %.6f", epoch, m.cfg.Epochs, loss)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.backend = backend
	m.ctx = ctx
	m.towers = t
	m.numUserFeatures = ds.UserFeatures.NumCols()
	m.numItemFeatures = ds.ItemFeatures.NumCols()
	m.numItems = ds.NumItems()
	m.userExec = context.MustNewExec(backend, modelCtx.Reuse(),
		func(ctx *context.Context, features, interactions *Node) *Node {
			return t.userTower(ctx, features, interactions)
		})
	m.itemExec = context.MustNewExec(backend, modelCtx.Reuse(),
		func(ctx *context.Context, features *Node) *Node {
			return t.itemTower(ctx, features)
		})
	return nil
}

// evaluateLoss averages the triplet loss over all batches of ds, without
// touching the weights.
func evaluateLoss(exec *context.Exec, ds *tripletDataset) (float64, error) {
	ds.Reset()
	var total float64
	var batches int
	for {
		_, inputs, _, err := ds.Yield()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, err
		}
		args := make([]any, 0, len(inputs))
		for _, t := range inputs {
			args = append(args, t)
		}
		out, err := exec.Exec(args...)
		if err != nil {
			return 0, err
		}
		loss, ok := out[0].Value().(float32)
		if !ok {
			return 0, errors.Errorf("validation loss has unexpected type %T", out[0].Value())
		}
		total += float64(loss)
		batches++
	}
	if batches == 0 {
		return 0, errors.New("validation dataset yielded no batches")
	}
	return total / float64(batches), nil
}

// checkDataset verifies that a recommendation dataset is shaped like the one
// the model was fitted on.
func (m *DSSM) checkDataset(ds *dataset.Dataset) error {
	if m.towers == nil {
		return errors.New("model is not fitted")
	}
	if ds.UserFeatures == nil || ds.ItemFeatures == nil {
		return errors.New("dataset must have both user and item features")
	}
	if ds.UserFeatures.NumCols() != m.numUserFeatures {
		return errors.Errorf("dataset has %d user feature columns, model was fitted with %d",
			ds.UserFeatures.NumCols(), m.numUserFeatures)
	}
	if ds.ItemFeatures.NumCols() != m.numItemFeatures {
		return errors.Errorf("dataset has %d item feature columns, model was fitted with %d",
			ds.ItemFeatures.NumCols(), m.numItemFeatures)
	}
	if ds.NumItems() != m.numItems {
		return errors.Errorf("dataset has %d items, model was fitted with %d", ds.NumItems(), m.numItems)
	}
	return nil
}

// userVectors projects the given users (internal ids) into the shared space,
// returned as a flat row-major matrix. Batches are padded to a fixed size so
// one compiled graph serves all of them.
func (m *DSSM) userVectors(ds *dataset.Dataset, users []int32, matrix *dataset.CSRMatrix) ([]float32, error) {
	b := m.cfg.BatchSize
	du, n, f := m.numUserFeatures, m.numItems, m.cfg.NumFactors
	out := make([]float32, 0, len(users)*f)
	for start := 0; start < len(users); start += b {
		end := min(start+b, len(users))
		features := make([]float32, b*du)
		interactions := make([]float32, b*n)
		for row, u := range users[start:end] {
			ds.UserFeatures.DenseRow(u, features[row*du:(row+1)*du])
			items, values := matrix.Row(u)
			for k, item := range items {
				interactions[row*n+int(item)] = values[k]
			}
		}
		res, err := m.userExec.Exec(
			tensors.FromFlatDataAndDimensions(features, b, du),
			tensors.FromFlatDataAndDimensions(interactions, b, n))
		if err != nil {
			return nil, errors.Wrap(err, "computing user vectors")
		}
		flat := tensors.MustCopyFlatData[float32](res[0])
		out = append(out, flat[:(end-start)*f]...)
	}
	return out, nil
}

// itemVectors projects the whole item catalog of ds into the shared space.
func (m *DSSM) itemVectors(ds *dataset.Dataset) ([]float32, error) {
	b := m.cfg.BatchSize
	di, f := m.numItemFeatures, m.cfg.NumFactors
	numItems := ds.NumItems()
	out := make([]float32, 0, numItems*f)
	for start := 0; start < numItems; start += b {
		end := min(start+b, numItems)
		features := make([]float32, b*di)
		for row := 0; row < end-start; row++ {
			ds.ItemFeatures.DenseRow(int32(start+row), features[row*di:(row+1)*di])
		}
		res, err := m.itemExec.Exec(tensors.FromFlatDataAndDimensions(features, b, di))
		if err != nil {
			return nil, errors.Wrap(err, "computing item vectors")
		}
		flat := tensors.MustCopyFlatData[float32](res[0])
		out = append(out, flat[:(end-start)*f]...)
	}
	return out, nil
}

// RecommendU2I returns up to k recommendations per requested user, matching
// user vectors to item vectors by euclidean distance (scores are negated
// distances). Users unknown to ds are skipped with a warning.
func (m *DSSM) RecommendU2I(users []string, ds *dataset.Dataset, k int, filterViewed bool, whitelist []string) ([]gorec.Recommendation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkDataset(ds); err != nil {
		return nil, err
	}

	internalUsers := ds.UserIdMap.ConvertToInternalTolerant(users)
	if len(internalUsers) == 0 {
		return nil, errors.New("none of the requested users are present in the dataset")
	}
	if dropped := len(users) - len(internalUsers); dropped > 0 {
		klog.Warningf("%d of %d requested users are unknown and will get no recommendations", dropped, len(users))
	}

	matrix := ds.UserItemMatrix()
	subjects, err := m.userVectors(ds, internalUsers, matrix)
	if err != nil {
		return nil, err
	}
	objects, err := m.itemVectors(ds)
	if err != nil {
		return nil, err
	}
	candidates, err := m.candidateItems(ds, whitelist)
	if err != nil {
		return nil, err
	}
	var exclude *dataset.CSRMatrix
	var excludeRows []int32
	if filterViewed {
		exclude = matrix
		excludeRows = internalUsers
	}

	ranker, err := rank.NewRanker(rank.Euclidean, objects, m.cfg.NumFactors, m.cfg.RecommendWorkers)
	if err != nil {
		return nil, err
	}
	results, err := ranker.Rank(subjects, k, candidates, exclude, excludeRows)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, errors.New("ranker returned no results for a non-empty request")
	}

	recommendations := make([]gorec.Recommendation, 0, len(results)*k)
	for i, res := range results {
		target := ds.UserIdMap.ToExternal(internalUsers[i])
		for r, object := range res.Objects {
			recommendations = append(recommendations, gorec.Recommendation{
				Target: target,
				Item:   ds.ItemIdMap.ToExternal(object),
				Score:  res.Scores[r],
				Rank:   r + 1,
			})
		}
	}
	return recommendations, nil
}

// RecommendI2I returns up to k items closest to each target item in the
// shared embedding space, by euclidean distance. The target itself is
// excluded.
func (m *DSSM) RecommendI2I(targets []string, ds *dataset.Dataset, k int, whitelist []string) ([]gorec.Recommendation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkDataset(ds); err != nil {
		return nil, err
	}

	internalTargets := ds.ItemIdMap.ConvertToInternalTolerant(targets)
	if len(internalTargets) == 0 {
		return nil, errors.New("none of the target items are present in the dataset")
	}
	if dropped := len(targets) - len(internalTargets); dropped > 0 {
		klog.Warningf("%d of %d target items are unknown and will get no recommendations", dropped, len(targets))
	}

	objects, err := m.itemVectors(ds)
	if err != nil {
		return nil, err
	}
	f := m.cfg.NumFactors
	subjects := make([]float32, 0, len(internalTargets)*f)
	for _, t := range internalTargets {
		subjects = append(subjects, objects[int(t)*f:(int(t)+1)*f]...)
	}
	candidates, err := m.candidateItems(ds, whitelist)
	if err != nil {
		return nil, err
	}

	exclude := &dataset.CSRMatrix{
		NumCols: ds.NumItems(),
		Indptr:  make([]int, len(internalTargets)+1),
		Indices: internalTargets,
		Data:    make([]float32, len(internalTargets)),
	}
	excludeRows := make([]int32, len(internalTargets))
	for i := range internalTargets {
		exclude.Indptr[i+1] = i + 1
		excludeRows[i] = int32(i)
	}

	ranker, err := rank.NewRanker(rank.Euclidean, objects, f, m.cfg.RecommendWorkers)
	if err != nil {
		return nil, err
	}
	results, err := ranker.Rank(subjects, k, candidates, exclude, excludeRows)
	if err != nil {
		return nil, err
	}

	recommendations := make([]gorec.Recommendation, 0, len(results)*k)
	for i, res := range results {
		target := ds.ItemIdMap.ToExternal(internalTargets[i])
		for r, object := range res.Objects {
			recommendations = append(recommendations, gorec.Recommendation{
				Target: target,
				Item:   ds.ItemIdMap.ToExternal(object),
				Score:  res.Scores[r],
				Rank:   r + 1,
			})
		}
	}
	return recommendations, nil
}

func (m *DSSM) candidateItems(ds *dataset.Dataset, whitelist []string) ([]int32, error) {
	if whitelist == nil {
		return nil, nil // all items
	}
	candidates := ds.ItemIdMap.ConvertToInternalTolerant(whitelist)
	if dropped := len(whitelist) - len(candidates); dropped > 0 {
		klog.Warningf("%d of %d whitelist items are unknown and were dropped", dropped, len(whitelist))
	}
	if len(candidates) == 0 {
		return nil, errors.New("no whitelist item is known to the dataset")
	}
	return candidates, nil
}
