package sasrec

import (
	"fmt"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/attention"
)

// lastLayerNormEpsilon keeps the final normalization numerically close to the
// reference transformer recipe for sequential recommendations.
const lastLayerNormEpsilon = 1e-8

// sessionEncoder turns item id sessions into per-position hidden states with
// a stack of pre-norm self-attention blocks.
type sessionEncoder struct {
	cfg     Config
	itemNet *ItemNet
}

// forward computes the catalog item embeddings and the session hidden states
// in one graph. sessions is int32 [batch, sessionMaxLen]; the returned states
// are [batch, sessionMaxLen, numFactors] and the item embeddings are
// [numItems, numFactors].
func (e *sessionEncoder) forward(ctx *context.Context, sessions *Node) (itemEmbs, states *Node) {
	itemEmbs = e.itemNet.CatalogEmbeddings(ctx, sessions.Graph())
	states = e.encode(ctx, sessions, itemEmbs)
	return
}

// encode runs the transformer over sessions, looking item vectors up in the
// given itemEmbs. Splitting it from forward lets inference feed a cached
// embedding catalog instead of recomputing it.
func (e *sessionEncoder) encode(ctx *context.Context, sessions, itemEmbs *Node) *Node {
	g := sessions.Graph()
	cfg := e.cfg
	seqLen := sessions.Shape().Dimensions[1]

	seqs := Gather(itemEmbs, InsertAxes(sessions, -1)) // [batch, len, factors]
	timelineBool := NotEqual(sessions, ScalarZero(g, sessions.DType()))
	timelineMask := InsertAxes(ConvertDType(timelineBool, seqs.DType()), -1)

	if cfg.UsePositionalEmb {
		posVar := ctx.In("positional").VariableWithShape("embeddings",
			shapes.Make(dtypes.Float32, seqLen, cfg.NumFactors))
		// Row 0 of the table always lands on the most recent position, so
		// sessions shorter than seqLen share positional vectors at the end
		// of the timeline rather than at the start.
		pos := Reverse(posVar.ValueGraph(g), 0)
		seqs = Add(seqs, InsertAxes(pos, 0))
	}
	if cfg.DropoutRate > 0 {
		seqs = layers.Dropout(ctx.In("emb_dropout"), seqs, Scalar(g, seqs.DType(), cfg.DropoutRate))
	}
	seqs = Mul(seqs, timelineMask)

	headDim := cfg.NumFactors / cfg.NumHeads
	for block := 0; block < cfg.NumBlocks; block++ {
		blockCtx := ctx.In(fmt.Sprintf("block_%d", block))

		mhaInput := layers.LayerNormalization(blockCtx.In("mha_norm"), seqs, -1).Done()
		mha := attention.MultiHeadAttention(blockCtx.In("mha"),
			mhaInput, seqs, seqs, cfg.NumHeads, headDim).
			SetOutputDim(cfg.NumFactors)
		if cfg.UseCausalAttn {
			mha.UseCausalMask()
		}
		if cfg.UseKeyPaddingMask {
			mha.SetKeyMask(timelineBool)
		}
		if cfg.DropoutRate > 0 {
			mha.Dropout(cfg.DropoutRate)
		}
		seqs = Add(mhaInput, mha.Done())

		ffInput := layers.LayerNormalization(blockCtx.In("ff_norm"), seqs, -1).Done()
		ff := layers.Dense(blockCtx.In("ff1"), ffInput, true, cfg.NumFactors)
		ff = activations.Relu(ff)
		if cfg.DropoutRate > 0 {
			ff = layers.Dropout(blockCtx.In("ff_dropout1"), ff, Scalar(g, ff.DType(), cfg.DropoutRate))
		}
		ff = layers.Dense(blockCtx.In("ff2"), ff, true, cfg.NumFactors)
		if cfg.DropoutRate > 0 {
			ff = layers.Dropout(blockCtx.In("ff_dropout2"), ff, Scalar(g, ff.DType(), cfg.DropoutRate))
		}
		seqs = Add(ff, ffInput)
		seqs = Mul(seqs, timelineMask)
	}

	return layers.LayerNormalization(ctx.In("last_norm"), seqs, -1).
		Epsilon(lastLayerNormEpsilon).Done()
}
