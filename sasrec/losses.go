package sasrec

import (
	"math"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/pkg/errors"
)

// lossFn matches the loss signature train.NewTrainer expects.
type lossFn = func(labels, predictions []*Node) *Node

// Supported loss names.
const (
	LossSoftmax = "softmax"
	LossBCE     = "BCE"
	LossGBCE    = "gBCE"
)

const lossEpsilon = 1e-10

// lossCalculator returns the loss function for the given name. Sampled
// losses (BCE, gBCE) expect the negatives tensor as the third label.
func lossCalculator(name string, gbceT float64, numActualItems int) (lossFn, error) {
	switch name {
	case LossSoftmax:
		return softmaxLoss, nil
	case LossBCE:
		return bceLoss, nil
	case LossGBCE:
		return gbceLoss(gbceT, numActualItems), nil
	}
	return nil, errors.Errorf("unknown loss %q, supported: %s, %s, %s", name, LossSoftmax, LossBCE, LossGBCE)
}

// softmaxLoss scores every position against the full catalog with cross
// entropy. labels are [y, yw]; predictions are [itemEmbs, states]. Padded
// target positions are excluded, and the result is the weighted sum over the
// remaining positions divided by their count.
func softmaxLoss(labels, predictions []*Node) *Node {
	y, yw := labels[0], labels[1]
	itemEmbs, states := predictions[0], predictions[1]
	g := y.Graph()
	numItems := itemEmbs.Shape().Dimensions[0]

	logits := Einsum("blf,nf->bln", states, itemEmbs)
	logProbs := LogSoftmax(logits, -1)
	oneHot := OneHot(y, numItems, logProbs.DType())
	ce := Neg(ReduceSum(Mul(logProbs, oneHot), -1)) // [batch, len]

	mask := ConvertDType(NotEqual(y, ScalarZero(g, y.DType())), ce.DType())
	loss := Mul(Mul(ce, mask), yw)
	count := ReduceAllSum(ConvertDType(GreaterThan(loss, ScalarZero(g, loss.DType())), loss.DType()))
	count = Max(count, ScalarOne(g, count.DType()))
	return Div(ReduceAllSum(loss), count)
}

// sampledLogits gathers the embeddings of [y | negatives] and scores them
// against the per-position session states. The result is
// [batch, len, 1+numNegatives], the target item first.
func sampledLogits(y, negatives, itemEmbs, states *Node) *Node {
	candidates := Concatenate([]*Node{InsertAxes(y, -1), negatives}, -1)
	embs := Gather(itemEmbs, InsertAxes(candidates, -1)) // [batch, len, 1+n, factors]
	return Einsum("blkf,blf->blk", embs, states)
}

// bceLoss applies binary cross entropy over the target item and its sampled
// negatives, with target probability 1 at the item actually interacted with.
// The per-position loss is the mean over the candidates, masked at padded
// positions and weighted by yw; the total is normalized by the number of
// unpadded positions.
func bceLoss(labels, predictions []*Node) *Node {
	y, yw, negatives := labels[0], labels[1], labels[2]
	itemEmbs, states := predictions[0], predictions[1]
	g := y.Graph()

	logits := sampledLogits(y, negatives, itemEmbs, states)
	target := positiveFirstTarget(logits)
	perCandidate := losses.BinaryCrossentropyLogits([]*Node{target}, []*Node{logits})
	perPosition := ReduceMean(perCandidate, -1) // [batch, len]

	mask := ConvertDType(NotEqual(y, ScalarZero(g, y.DType())), perPosition.DType())
	loss := Mul(Mul(perPosition, mask), yw)
	denom := Max(ReduceAllSum(mask), ScalarOne(g, mask.DType()))
	return Div(ReduceAllSum(loss), denom)
}

// positiveFirstTarget builds the target tensor for sampled candidates: 1 at
// candidate index 0 (the interacted item), 0 at the negatives.
func positiveFirstTarget(logits *Node) *Node {
	g := logits.Graph()
	idx := Iota(g, logits.Shape(), -1)
	return ConvertDType(Equal(idx, ScalarZero(g, idx.DType())), logits.DType())
}

// gbceLoss builds the generalized BCE loss with calibration parameter t.
// The positive logit is transformed so that its implied probability is
// raised to the power beta, with beta derived from t and the sampling rate
// alpha = numNegatives/(numActualItems-1). At t=0 beta is 1, the transform
// is the identity on the logit and the loss degenerates to plain BCE.
//
// The transform runs in float64: it exponentiates probabilities close to 0
// or 1 and float32 saturates too early there.
func gbceLoss(t float64, numActualItems int) lossFn {
	return func(labels, predictions []*Node) *Node {
		y, yw, negatives := labels[0], labels[1], labels[2]
		itemEmbs, states := predictions[0], predictions[1]
		g := y.Graph()

		numNegatives := negatives.Shape().Dimensions[negatives.Rank()-1]
		alpha := float64(numNegatives) / float64(numActualItems-1)
		beta := alpha * (t*(1-1/alpha) + 1/alpha)

		logits := sampledLogits(y, negatives, itemEmbs, states)
		positive := ConvertDType(Slice(logits, AxisRange(), AxisRange(), AxisElem(0)), dtypes.Float64)
		rest := ConvertDType(Slice(logits, AxisRange(), AxisRange(), AxisRange(1)), dtypes.Float64)

		p := ClipScalar(Sigmoid(positive), lossEpsilon, 1-lossEpsilon)
		adjusted := ClipScalar(PowScalar(p, -beta), 1+lossEpsilon, math.MaxFloat64)
		transformed := Log(Div(ScalarOne(g, dtypes.Float64), AddScalar(adjusted, -1)))
		allLogits := Concatenate([]*Node{transformed, rest}, -1)

		target := positiveFirstTarget(allLogits)
		perCandidate := losses.BinaryCrossentropyLogits([]*Node{target}, []*Node{allLogits})
		perPosition := ReduceMean(perCandidate, -1)

		mask := ConvertDType(NotEqual(y, ScalarZero(g, y.DType())), dtypes.Float64)
		loss := Mul(Mul(perPosition, mask), ConvertDType(yw, dtypes.Float64))
		denom := Max(ReduceAllSum(mask), ScalarOne(g, dtypes.Float64))
		return ConvertDType(Div(ReduceAllSum(loss), denom), dtypes.Float32)
	}
}
