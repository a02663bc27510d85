// Package sasrec implements a transformer model for sequential
// recommendations: user sessions are encoded with self-attention over the
// embeddings of the items they contain, and the per-position hidden states
// are scored against the item embedding catalog.
package sasrec

import (
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	. "github.com/gomlx/gomlx/pkg/support/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gorec-io/gorec/dataset"
)

// ItemNetBlock computes one additive component of the item embeddings.
// items is an int32 node of internal item ids, rank 1 or 2; the result
// appends an embedding axis of size numFactors.
type ItemNetBlock interface {
	Name() string
	Forward(ctx *context.Context, items *Node) *Node
}

// ItemNetBlockFactory builds a block from the processed dataset. It returns
// nil when the dataset lacks whatever the block needs (e.g. item features),
// in which case the block is skipped with a warning.
type ItemNetBlockFactory func(ds *dataset.Dataset, numFactors int, dropoutRate float64) ItemNetBlock

// IDEmbeddingsItemNet embeds items by their id, with a zeroed embedding for
// the padding id 0.
type IDEmbeddingsItemNet struct {
	numItems    int
	numFactors  int
	dropoutRate float64
}

// NewIDEmbeddingsItemNet builds the id-embedding block. It never returns nil:
// item ids are always available.
func NewIDEmbeddingsItemNet(ds *dataset.Dataset, numFactors int, dropoutRate float64) ItemNetBlock {
	return &IDEmbeddingsItemNet{
		numItems:    ds.NumItems(),
		numFactors:  numFactors,
		dropoutRate: dropoutRate,
	}
}

func (b *IDEmbeddingsItemNet) Name() string { return "id_embeddings" }

func (b *IDEmbeddingsItemNet) Forward(ctx *context.Context, items *Node) *Node {
	g := items.Graph()
	embs := layers.Embedding(ctx.In("ids"), items, dtypes.Float32, b.numItems, b.numFactors)
	// The padding id must contribute nothing.
	mask := ConvertDType(NotEqual(items, ScalarZero(g, items.DType())), embs.DType())
	embs = Mul(embs, InsertAxes(mask, -1))
	if b.dropoutRate > 0 {
		embs = layers.Dropout(ctx.In("dropout"), embs, Scalar(g, embs.DType(), b.dropoutRate))
	}
	return embs
}

// CatFeaturesItemNet embeds items as the weighted sum of the embeddings of
// their categorical feature values.
type CatFeaturesItemNet struct {
	numFactors  int
	numColumns  int
	dropoutRate float64
	features    *tensors.Tensor // dense [numItems, numColumns]
}

// NewCatFeaturesItemNet builds the categorical-features block. It returns nil
// when the dataset has no sparse item features.
func NewCatFeaturesItemNet(ds *dataset.Dataset, numFactors int, dropoutRate float64) ItemNetBlock {
	sparse, ok := ds.ItemFeatures.(*dataset.SparseFeatures)
	if !ok || sparse == nil || sparse.NumCols() == 0 {
		return nil
	}
	dense := sparse.ToDense()
	return &CatFeaturesItemNet{
		numFactors:  numFactors,
		numColumns:  sparse.NumCols(),
		dropoutRate: dropoutRate,
		features:    tensors.FromFlatDataAndDimensions(dense, sparse.NumRows(), sparse.NumCols()),
	}
}

func (b *CatFeaturesItemNet) Name() string { return "cat_features" }

func (b *CatFeaturesItemNet) Forward(ctx *context.Context, items *Node) *Node {
	g := items.Graph()
	valueEmbs := ctx.In("values").VariableWithShape("embeddings",
		shapes.Make(dtypes.Float32, b.numColumns, b.numFactors)).ValueGraph(g)
	if b.dropoutRate > 0 {
		valueEmbs = layers.Dropout(ctx.In("dropout"), valueEmbs, Scalar(g, valueEmbs.DType(), b.dropoutRate))
	}
	rows := Gather(Const(g, b.features), InsertAxes(items, -1))
	switch items.Rank() {
	case 1:
		return Einsum("nc,cf->nf", rows, valueEmbs)
	case 2:
		return Einsum("blc,cf->blf", rows, valueEmbs)
	}
	Panicf("cat features block: items must have rank 1 or 2, got shape %s", items.Shape())
	return nil
}

// ItemNet sums the outputs of its blocks into the final item embeddings.
type ItemNet struct {
	numItems int
	blocks   []ItemNetBlock
}

// NewItemNet instantiates the given block factories on the processed dataset.
// Factories that return nil are skipped with a warning; at least one block
// must remain.
func NewItemNet(ds *dataset.Dataset, numFactors int, dropoutRate float64, factories []ItemNetBlockFactory) (*ItemNet, error) {
	n := &ItemNet{numItems: ds.NumItems()}
	for _, factory := range factories {
		block := factory(ds, numFactors, dropoutRate)
		if block == nil {
			klog.Warning("item net block skipped: required data not present in the dataset")
			continue
		}
		n.blocks = append(n.blocks, block)
	}
	if len(n.blocks) == 0 {
		return nil, errors.New("item net: no usable blocks for this dataset")
	}
	return n, nil
}

// Forward computes the summed block embeddings for the given item ids.
func (n *ItemNet) Forward(ctx *context.Context, items *Node) *Node {
	netCtx := ctx.In("item_net")
	var sum *Node
	for _, block := range n.blocks {
		out := block.Forward(netCtx.In(block.Name()), items)
		if sum == nil {
			sum = out
		} else {
			sum = Add(sum, out)
		}
	}
	return sum
}

// CatalogEmbeddings computes the embeddings of the whole item catalog,
// shaped [numItems, numFactors].
func (n *ItemNet) CatalogEmbeddings(ctx *context.Context, g *Graph) *Node {
	items := Iota(g, shapes.Make(dtypes.Int32, n.numItems), 0)
	return n.Forward(ctx, items)
}
