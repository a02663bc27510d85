// Package dssm implements a two-tower model: users and items are projected
// into a shared embedding space by separate feed-forward towers, trained
// with a triplet margin loss, and matched by euclidean distance.
package dssm

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
)

// elu is the exponential linear unit, exp(x)-1 for negative x.
func elu(x *Node) *Node {
	return Where(
		GreaterThan(x, ScalarZero(x.Graph(), x.DType())),
		x,
		MinusOne(Exp(x)))
}

// towers builds the user and item projection graphs. All dense layers are
// bias-free.
type towers struct {
	numFactors int
}

// userTower projects user features and the user's interaction row into the
// shared space. The feature path gets a residual refinement before being
// concatenated with the interactions embedding.
func (t *towers) userTower(ctx *context.Context, features, interactions *Node) *Node {
	userCtx := ctx.In("user_net")
	fe := elu(layers.Dense(userCtx.In("embedding_features"), features, false, t.numFactors))
	fd := elu(layers.Dense(userCtx.In("dense_features"), fe, false, t.numFactors))
	ie := elu(layers.Dense(userCtx.In("embedding_interactions"), interactions, false, t.numFactors))
	joined := Concatenate([]*Node{Add(fe, fd), ie}, -1)
	return layers.Dense(userCtx.In("output"), joined, false, t.numFactors)
}

// itemTower projects item features into the shared space, with a residual
// refinement of the feature embedding.
func (t *towers) itemTower(ctx *context.Context, features *Node) *Node {
	itemCtx := ctx.In("item_net")
	emb := elu(layers.Dense(itemCtx.In("embedding"), features, false, t.numFactors))
	dense := elu(layers.Dense(itemCtx.In("dense"), emb, false, t.numFactors))
	return layers.Dense(itemCtx.In("output"), Add(emb, dense), false, t.numFactors)
}

// tripletLoss is the margin loss over (anchor, positive, negative) vectors:
// the positive item should be closer to the user than the negative one by at
// least margin, in euclidean distance.
func tripletLoss(anchor, positive, negative *Node, margin float64) *Node {
	g := anchor.Graph()
	dPos := euclidean(anchor, positive)
	dNeg := euclidean(anchor, negative)
	perExample := Max(AddScalar(Sub(dPos, dNeg), margin), ScalarZero(g, anchor.DType()))
	return ReduceAllMean(perExample)
}

const distanceEpsilon = 1e-12

func euclidean(a, b *Node) *Node {
	diff := Sub(a, b)
	// The epsilon keeps the gradient finite at zero distance.
	return Sqrt(AddScalar(ReduceSum(Mul(diff, diff), -1), distanceEpsilon))
}
