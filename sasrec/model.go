package sasrec

import (
	"sync"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gorec-io/gorec"
	"github.com/gorec-io/gorec/dataset"
	"github.com/gorec-io/gorec/rank"
)

// Config holds the model hyperparameters. Use DefaultConfig as the starting
// point and adjust; New validates the result.
type Config struct {
	NumBlocks  int // transformer blocks
	NumHeads   int // attention heads, must divide NumFactors
	NumFactors int // embedding and hidden width

	SessionMaxLen int // most recent interactions kept per user

	UsePositionalEmb  bool
	UseCausalAttn     bool
	UseKeyPaddingMask bool

	DropoutRate float64

	// Loss is one of LossSoftmax, LossBCE, LossGBCE. NumNegatives and GBCET
	// only apply to the sampled losses.
	Loss         string
	NumNegatives int
	GBCET        float64

	BatchSize    int
	Epochs       int
	LearningRate float64

	// TrainMinUserInteractions drops users with shorter histories from the
	// training data. It must be at least 2: a single interaction gives no
	// prediction step.
	TrainMinUserInteractions int

	// RecommendWorkers bounds ranking parallelism, 0 means GOMAXPROCS.
	RecommendWorkers int

	// ItemNetBlocks selects the item embedding components. Nil means id
	// embeddings plus categorical features when the dataset has them.
	ItemNetBlocks []ItemNetBlockFactory

	// Seed makes negative sampling and batch shuffling reproducible.
	Seed int64
}

// DefaultConfig returns the default hyperparameters.
func DefaultConfig() Config {
	return Config{
		NumBlocks:                2,
		NumHeads:                 4,
		NumFactors:               256,
		SessionMaxLen:            100,
		UsePositionalEmb:         true,
		UseCausalAttn:            true,
		UseKeyPaddingMask:        false,
		DropoutRate:              0.2,
		Loss:                     LossSoftmax,
		NumNegatives:             1,
		GBCET:                    0.2,
		BatchSize:                128,
		Epochs:                   3,
		LearningRate:             0.01,
		TrainMinUserInteractions: 2,
	}
}

func (cfg *Config) validate() error {
	if cfg.NumBlocks <= 0 || cfg.NumHeads <= 0 || cfg.NumFactors <= 0 {
		return errors.New("NumBlocks, NumHeads and NumFactors must be positive")
	}
	if cfg.NumFactors%cfg.NumHeads != 0 {
		return errors.Errorf("NumFactors (%d) must be divisible by NumHeads (%d)", cfg.NumFactors, cfg.NumHeads)
	}
	if cfg.SessionMaxLen <= 0 {
		return errors.New("SessionMaxLen must be positive")
	}
	if cfg.UseCausalAttn && cfg.UseKeyPaddingMask {
		// Fully padded query rows would attend to nothing and produce NaNs.
		return errors.New("UseCausalAttn and UseKeyPaddingMask cannot be combined, pick one masking scheme")
	}
	if cfg.DropoutRate < 0 || cfg.DropoutRate >= 1 {
		return errors.Errorf("DropoutRate must be in [0, 1), got %g", cfg.DropoutRate)
	}
	switch cfg.Loss {
	case LossSoftmax:
	case LossBCE, LossGBCE:
		if cfg.NumNegatives <= 0 {
			return errors.Errorf("loss %s requires NumNegatives > 0", cfg.Loss)
		}
	default:
		return errors.Errorf("unknown loss %q", cfg.Loss)
	}
	if cfg.BatchSize <= 0 || cfg.Epochs <= 0 {
		return errors.New("BatchSize and Epochs must be positive")
	}
	if cfg.LearningRate <= 0 {
		return errors.New("LearningRate must be positive")
	}
	if cfg.TrainMinUserInteractions < 2 {
		return errors.Errorf("TrainMinUserInteractions must be at least 2, got %d", cfg.TrainMinUserInteractions)
	}
	if cfg.ItemNetBlocks == nil {
		cfg.ItemNetBlocks = []ItemNetBlockFactory{NewIDEmbeddingsItemNet, NewCatFeaturesItemNet}
	}
	return nil
}

// SASRec is a transformer model for sequential recommendations. It learns
// item embeddings and a self-attention session encoder from interaction
// histories, and recommends by scoring the session embedding against the
// item catalog.
type SASRec struct {
	cfg Config

	mu         sync.RWMutex
	preparator *dataPreparator
	module     *trainedModule
}

var _ gorec.Recommender = (*SASRec)(nil)

// New validates the configuration and creates an unfitted model.
func New(cfg Config) (*SASRec, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &SASRec{cfg: cfg}, nil
}

// Fit trains the model from scratch on the given dataset, discarding any
// previously fitted state.
func (m *SASRec) Fit(ds *dataset.Dataset) error {
	return m.FitWithValidation(ds, nil)
}

// FitWithValidation trains the model and, when validation is non-nil,
// reports the validation loss after every epoch.
func (m *SASRec) FitWithValidation(ds, validation *dataset.Dataset) error {
	preparator := newDataPreparator(m.cfg)
	processed, err := preparator.processDatasetTrain(ds)
	if err != nil {
		return errors.Wrap(err, "preparing training data")
	}
	itemNet, err := NewItemNet(processed, m.cfg.NumFactors, m.cfg.DropoutRate, m.cfg.ItemNetBlocks)
	if err != nil {
		return err
	}

	trainData := newSequenceDataset("train", preparator.sessionsInModelIds(processed),
		m.cfg, preparator.numItems(), preparator.numExtraTokens, true, m.cfg.Seed)
	var validationData *sequenceDataset
	if validation != nil {
		transformed, err := preparator.transformDatasetU2I(validation, validation.UserIdMap.ExternalIds())
		if err != nil {
			return errors.Wrap(err, "preparing validation data")
		}
		validationData = newSequenceDataset("validation", preparator.sessionsInModelIds(transformed),
			m.cfg, preparator.numItems(), preparator.numExtraTokens, false, m.cfg.Seed)
	}

	module, err := fitModule(m.cfg, itemNet, trainData, validationData)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.preparator = preparator
	m.module = module
	m.mu.Unlock()
	return nil
}

// RecommendU2I returns up to k recommendations per requested user, based on
// the user's interactions in ds. Users without interactions with known items
// are skipped with a warning. filterViewed excludes items the user already
// interacted with; whitelist, when non-nil, restricts candidates to the
// listed external item ids.
func (m *SASRec) RecommendU2I(users []string, ds *dataset.Dataset, k int, filterViewed bool, whitelist []string) ([]gorec.Recommendation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.module == nil {
		return nil, errors.New("model is not fitted")
	}

	transformed, err := m.preparator.transformDatasetU2I(ds, users)
	if err != nil {
		return nil, err
	}
	sessions := m.preparator.sessionsInModelIds(transformed)
	subjects, err := m.module.encodeSessions(sessions)
	if err != nil {
		return nil, err
	}

	candidates, err := m.candidateItems(whitelist)
	if err != nil {
		return nil, err
	}
	var exclude *dataset.CSRMatrix
	var excludeRows []int32
	if filterViewed {
		exclude = transformed.UserItemMatrix()
		excludeRows = make([]int32, len(sessions))
		for i, s := range sessions {
			excludeRows[i] = s.User
		}
	}

	ranker, err := rank.NewRanker(rank.Dot, m.module.catalogEmbeddings(), m.cfg.NumFactors, m.cfg.RecommendWorkers)
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
		target := transformed.UserIdMap.ToExternal(sessions[i].User)
		for r, object := range res.Objects {
			recommendations = append(recommendations, gorec.Recommendation{
				Target: target,
				Item:   m.preparator.itemIdMap.ToExternal(object),
				Score:  res.Scores[r],
				Rank:   r + 1,
			})
		}
	}
	return recommendations, nil
}

// RecommendI2I returns up to k items similar to each target item, by cosine
// similarity of the learned item embeddings. Target items unknown to the
// model are skipped with a warning.
func (m *SASRec) RecommendI2I(targets []string, ds *dataset.Dataset, k int, whitelist []string) ([]gorec.Recommendation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.module == nil {
		return nil, errors.New("model is not fitted")
	}

	transformed := m.preparator.transformDatasetI2I(ds)
	internalTargets := transformed.ItemIdMap.ConvertToInternalTolerant(targets)
	if len(internalTargets) == 0 {
		return nil, errors.New("none of the target items are known to the model")
	}
	if dropped := len(targets) - len(internalTargets); dropped > 0 {
		klog.Warningf("%d of %d target items are unknown to the model and will get no recommendations", dropped, len(targets))
	}

	catalog := m.module.catalogEmbeddings()
	f := m.cfg.NumFactors
	subjects := make([]float32, 0, len(internalTargets)*f)
	for _, t := range internalTargets {
		subjects = append(subjects, catalog[int(t)*f:(int(t)+1)*f]...)
	}

	candidates, err := m.candidateItems(whitelist)
	if err != nil {
		return nil, err
	}
	ranker, err := rank.NewRanker(rank.Cosine, catalog, f, m.cfg.RecommendWorkers)
	if err != nil {
		return nil, err
	}
	// A target item is trivially most similar to itself, exclude it.
	exclude := &dataset.CSRMatrix{
		NumCols: m.preparator.numItems(),
		Indptr:  make([]int, len(internalTargets)+1),
		Indices: internalTargets,
		Data:    make([]float32, len(internalTargets)),
	}
	excludeRows := make([]int32, len(internalTargets))
	for i := range internalTargets {
		exclude.Indptr[i+1] = i + 1
		excludeRows[i] = int32(i)
	}
	results, err := ranker.Rank(subjects, k, candidates, exclude, excludeRows)
	if err != nil {
		return nil, err
	}

	recommendations := make([]gorec.Recommendation, 0, len(results)*k)
	for i, res := range results {
		target := m.preparator.itemIdMap.ToExternal(internalTargets[i])
		for r, object := range res.Objects {
			recommendations = append(recommendations, gorec.Recommendation{
				Target: target,
				Item:   m.preparator.itemIdMap.ToExternal(object),
				Score:  res.Scores[r],
				Rank:   r + 1,
			})
		}
	}
	return recommendations, nil
}

// candidateItems converts the whitelist to internal ids, or returns every
// recommendable item when the whitelist is nil. The extra tokens (padding)
// are never candidates.
func (m *SASRec) candidateItems(whitelist []string) ([]int32, error) {
	if whitelist == nil {
		return m.preparator.knownItems(), nil
	}
	candidates := m.preparator.itemIdMap.ConvertToInternalTolerant(whitelist)
	if dropped := len(whitelist) - len(candidates); dropped > 0 {
		klog.Warningf("%d of %d whitelist items are unknown to the model and were dropped", dropped, len(whitelist))
	}
	if len(candidates) == 0 {
		return nil, errors.New("no whitelist item is known to the model")
	}
	return candidates, nil
}
