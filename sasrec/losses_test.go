package sasrec

import (
	"math"
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// lossValue runs the loss on host tensors: y, yw and optionally negatives as
// labels, itemEmbs and states as predictions.
func lossValue(t *testing.T, fn lossFn, itemEmbs [][]float32, states [][][]float32, y [][]int32, yw [][]float32, negatives [][][]int32) float32 {
	t.Helper()
	backend := graphtest.BuildTestBackend()
	args := []any{flat2(itemEmbs), flat3(states), flatI2(y), flat2(yw)}
	graphFn := func(itemEmbsN, statesN, yN, ywN *Node) *Node {
		return fn([]*Node{yN, ywN}, []*Node{itemEmbsN, statesN})
	}
	var out *tensors.Tensor
	var err error
	if negatives != nil {
		out, err = ExecOnce(backend, func(itemEmbsN, statesN, yN, ywN, negativesN *Node) *Node {
			return fn([]*Node{yN, ywN, negativesN}, []*Node{itemEmbsN, statesN})
		}, append(args, flatI3(negatives))...)
	} else {
		out, err = ExecOnce(backend, graphFn, args...)
	}
	require.NoError(t, err)
	value, ok := out.Value().(float32)
	require.True(t, ok, "loss must be a float32 scalar, got %s", out.Shape())
	return value
}

func flat2(rows [][]float32) *tensors.Tensor {
	flat := make([]float32, 0, len(rows)*len(rows[0]))
	for _, r := range rows {
		flat = append(flat, r...)
	}
	return tensors.FromFlatDataAndDimensions(flat, len(rows), len(rows[0]))
}

func flatI2(rows [][]int32) *tensors.Tensor {
	flat := make([]int32, 0, len(rows)*len(rows[0]))
	for _, r := range rows {
		flat = append(flat, r...)
	}
	return tensors.FromFlatDataAndDimensions(flat, len(rows), len(rows[0]))
}

func flat3(cube [][][]float32) *tensors.Tensor {
	var flat []float32
	for _, m := range cube {
		for _, r := range m {
			flat = append(flat, r...)
		}
	}
	return tensors.FromFlatDataAndDimensions(flat, len(cube), len(cube[0]), len(cube[0][0]))
}

func flatI3(cube [][][]int32) *tensors.Tensor {
	var flat []int32
	for _, m := range cube {
		for _, r := range m {
			flat = append(flat, r...)
		}
	}
	return tensors.FromFlatDataAndDimensions(flat, len(cube), len(cube[0]), len(cube[0][0]))
}

// Catalog of 3 items in 2 factors: the padding item at 0, two orthogonal
// items after it.
var (
	testItemEmbs = [][]float32{{0, 0}, {1, 0}, {0, 1}}
)

func TestSoftmaxLossValue(t *testing.T) {
	states := [][][]float32{{{1, 0}}}
	y := [][]int32{{1}}
	yw := [][]float32{{1}}
	got := lossValue(t, softmaxLoss, testItemEmbs, states, y, yw, nil)

	// Logits are [0, 1, 0]; cross entropy of class 1 is log(2+e) - 1.
	want := math.Log(2+math.E) - 1
	assert.InDelta(t, want, got, 1e-5)
}

func TestSoftmaxLossWeighting(t *testing.T) {
	states := [][][]float32{{{1, 0}}}
	y := [][]int32{{1}}
	unweighted := lossValue(t, softmaxLoss, testItemEmbs, states, y, [][]float32{{1}}, nil)
	weighted := lossValue(t, softmaxLoss, testItemEmbs, states, y, [][]float32{{2}}, nil)
	assert.InDelta(t, 2*unweighted, weighted, 1e-5)
}

func TestSoftmaxLossIgnoresPaddedPositions(t *testing.T) {
	// Two positions, the first padded: same loss as the single position.
	statesOne := [][][]float32{{{1, 0}}}
	statesTwo := [][][]float32{{{5, -3}, {1, 0}}}
	lossOne := lossValue(t, softmaxLoss, testItemEmbs, statesOne, [][]int32{{1}}, [][]float32{{1}}, nil)
	lossTwo := lossValue(t, softmaxLoss, testItemEmbs, statesTwo, [][]int32{{0, 1}}, [][]float32{{0, 1}}, nil)
	assert.InDelta(t, lossOne, lossTwo, 1e-5)
}

func TestSoftmaxLossAllPaddedIsZero(t *testing.T) {
	states := [][][]float32{{{1, 2}, {3, 4}}}
	got := lossValue(t, softmaxLoss, testItemEmbs, states, [][]int32{{0, 0}}, [][]float32{{0, 0}}, nil)
	assert.Zero(t, got)
}

func TestBCELossPrefersAlignedStates(t *testing.T) {
	y := [][]int32{{1}}
	yw := [][]float32{{1}}
	negatives := [][][]int32{{{2}}}
	aligned := lossValue(t, bceLoss, testItemEmbs, [][][]float32{{{4, -4}}}, y, yw, negatives)
	misaligned := lossValue(t, bceLoss, testItemEmbs, [][][]float32{{{-4, 4}}}, y, yw, negatives)
	assert.Less(t, aligned, misaligned)
}

func TestBCELossAllPaddedIsZero(t *testing.T) {
	got := lossValue(t, bceLoss, testItemEmbs, [][][]float32{{{1, 2}}},
		[][]int32{{0}}, [][]float32{{0}}, [][][]int32{{{2}}})
	assert.Zero(t, got)
}

func TestGBCEWithFullSamplingRateMatchesBCE(t *testing.T) {
	// 2 recommendable items and 1 negative per positive: alpha is 1, beta is
	// 1 for any t, and the calibration is the identity.
	states := [][][]float32{{{0.7, -0.3}}}
	y := [][]int32{{1}}
	yw := [][]float32{{1}}
	negatives := [][][]int32{{{2}}}

	bce := lossValue(t, bceLoss, testItemEmbs, states, y, yw, negatives)
	for _, calibration := range []float64{0, 0.5, 1} {
		gbce := lossValue(t, gbceLoss(calibration, 2), testItemEmbs, states, y, yw, negatives)
		assert.InDelta(t, bce, gbce, 1e-4, "t=%g", calibration)
	}
}

func TestGBCEStaysFiniteOnExtremeLogits(t *testing.T) {
	states := [][][]float32{{{100, -100}}}
	got := lossValue(t, gbceLoss(0.5, 10), testItemEmbs, states,
		[][]int32{{1}}, [][]float32{{1}}, [][][]int32{{{2}}})
	assert.False(t, math.IsNaN(float64(got)))
	assert.False(t, math.IsInf(float64(got), 0))
}

func TestLossCalculatorSelection(t *testing.T) {
	for _, name := range []string{LossSoftmax, LossBCE, LossGBCE} {
		fn, err := lossCalculator(name, 0.2, 10)
		require.NoError(t, err)
		require.NotNil(t, fn)
	}
	_, err := lossCalculator("hinge", 0.2, 10)
	assert.Error(t, err)
}
