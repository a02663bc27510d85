package sasrec

import (
	"io"
	"time"

	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gorec-io/gorec/dataset"
)

const modelScope = "sasrec"

// trainedModule holds the fitted weights of one training run plus the
// compiled executors used for inference. A new one is built on every fit.
type trainedModule struct {
	cfg     Config
	backend backends.Backend
	ctx     *context.Context
	encoder *sessionEncoder

	// itemEmbs is the catalog embedding snapshot taken after the last
	// training epoch, [numItems, numFactors].
	itemEmbs *tensors.Tensor

	sessionExec *context.Exec
}

// fitModule trains the encoder on the processed dataset and returns the
// fitted module. validation, when non-nil, is evaluated after every epoch.
func fitModule(cfg Config, itemNet *ItemNet, trainData *sequenceDataset, validation *sequenceDataset) (*trainedModule, error) {
	backend, err := backends.New()
	if err != nil {
		return nil, errors.Wrap(err, "creating backend")
	}
	ctx := context.New()
	modelCtx := ctx.In(modelScope).WithInitializer(initializers.XavierNormalFn(ctx))
	m := &trainedModule{
		cfg:     cfg,
		backend: backend,
		ctx:     ctx,
		encoder: &sessionEncoder{cfg: cfg, itemNet: itemNet},
	}

	lossFunc, err := lossCalculator(cfg.Loss, cfg.GBCET, itemNet.numItems-trainData.numExtraTokens)
	if err != nil {
		return nil, err
	}
	modelFn := func(ctx *context.Context, spec any, inputs []*Node) []*Node {
		itemEmbs, states := m.encoder.forward(ctx, inputs[0])
		return []*Node{itemEmbs, states}
	}
	optimizer := optimizers.Adam().
		LearningRate(cfg.LearningRate).
		Betas(adamBeta1, adamBeta2).
		Done()
	trainer := train.NewTrainer(backend, modelCtx, modelFn, lossFunc, optimizer, nil, nil)
	loop := train.NewLoop(trainer)

	var validationExec *context.Exec
	for epoch := 1; epoch <= cfg.Epochs; epoch++ {
		start := time.Now()
		trainData.Reset()
		metrics, err := loop.RunSteps(trainData, trainData.numBatches())
		if err != nil {
			return nil, errors.Wrapf(err, "training epoch %d", epoch)
		}
		if len(metrics) > 0 {
			klog.V(1).Infof("epoch %d/%d done in %s, train loss %v", epoch, cfg.Epochs, time.Since(start), metrics[0].Value())
		} else {
			klog.V(1).Infof("epoch %d/%d done in %s", epoch, cfg.Epochs, time.Since(start))
		}

		if validation != nil {
			if validationExec == nil {
				validationExec = context.MustNewExec(backend, modelCtx.Reuse(),
					func(ctx *context.Context, nodes []*Node) *Node {
						itemEmbs, states := m.encoder.forward(ctx, nodes[0])
						return lossFunc(nodes[1:], []*Node{itemEmbs, states})
					})
			}
			loss, err := evaluateLoss(validationExec, validation)
			if err != nil {
				return nil, errors.Wrapf(err, "validation epoch %d", epoch)
			}
			klog.V(1).Infof("epoch %d/%d validation loss %.6f", epoch, cfg.Epochs, loss)
		}
	}

	if err := m.snapshotCatalog(modelCtx); err != nil {
		return nil, err
	}
	m.sessionExec = context.MustNewExec(backend, modelCtx.Reuse(),
		func(ctx *context.Context, sessions, itemEmbs *Node) *Node {
			states := m.encoder.encode(ctx, sessions, itemEmbs)
			// Only the state over the most recent position scores candidates.
			last := Slice(states, AxisRange(), AxisElem(states.Shape().Dimensions[1]-1), AxisRange())
			return Squeeze(last, 1)
		})
	return m, nil
}

const (
	adamBeta1 = 0.9
	adamBeta2 = 0.98
)

// evaluateLoss averages the loss over all batches of ds, without touching
// the weights.
func evaluateLoss(exec *context.Exec, ds *sequenceDataset) (float64, error) {
	ds.Reset()
	var total float64
	var batches int
	for {
		_, inputs, labels, err := ds.Yield()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, err
		}
		args := make([]any, 0, len(inputs)+len(labels))
		for _, t := range inputs {
			args = append(args, t)
		}
		for _, t := range labels {
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

// snapshotCatalog materializes the item embeddings once, so recommendation
// requests reuse them instead of recomputing the item network.
func (m *trainedModule) snapshotCatalog(modelCtx *context.Context) error {
	exec, err := context.NewExec(m.backend, modelCtx.Reuse(),
		func(ctx *context.Context, dummy *Node) *Node {
			return m.encoder.itemNet.CatalogEmbeddings(ctx, dummy.Graph())
		})
	if err != nil {
		return errors.Wrap(err, "compiling catalog embeddings")
	}
	// The graph takes no real input, the scalar only triggers execution.
	out, err := exec.Exec(float32(0))
	if err != nil {
		return errors.Wrap(err, "computing catalog embeddings")
	}
	m.itemEmbs = out[0]
	return nil
}

// catalogEmbeddings returns the snapshot as a flat row-major matrix.
func (m *trainedModule) catalogEmbeddings() []float32 {
	return tensors.MustCopyFlatData[float32](m.itemEmbs)
}

// encodeSessions computes the session embedding (the hidden state over the
// most recent position) for every session, returned as a flat row-major
// [len(sessions), numFactors] matrix. Sessions are right-aligned and
// truncated to the configured maximum length; batches are padded to a fixed
// batch size so a single compiled graph serves all of them.
func (m *trainedModule) encodeSessions(sessions []dataset.Session) ([]float32, error) {
	l := m.cfg.SessionMaxLen
	b := m.cfg.BatchSize
	out := make([]float32, 0, len(sessions)*m.cfg.NumFactors)
	for start := 0; start < len(sessions); start += b {
		end := min(start+b, len(sessions))
		x := make([]int32, b*l)
		for row, s := range sessions[start:end] {
			items := s.Items
			if len(items) > l {
				items = items[len(items)-l:]
			}
			copy(x[row*l+(l-len(items)):(row+1)*l], items)
		}
		res, err := m.sessionExec.Exec(tensors.FromFlatDataAndDimensions(x, b, l), m.itemEmbs)
		if err != nil {
			return nil, errors.Wrap(err, "encoding sessions")
		}
		flat := tensors.MustCopyFlatData[float32](res[0])
		out = append(out, flat[:(end-start)*m.cfg.NumFactors]...)
	}
	return out, nil
}
