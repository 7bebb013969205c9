package joint

import (
	"fmt"

	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/types/shapes"
)

// Output projection from decoder activations [batch, seqLen, outputDim] to
// the vocabulary. Exactly one strategy is active, fixed by the
// configuration:
//
//   - adaptive softmax, when cutoffs are configured; it returns normalized
//     log-probabilities composed from the head and tail clusters;
//   - tied embeddings, multiplying by the token embedding table;
//   - a freestanding [vocabSize, outputDim] matrix otherwise.
//
// The last two return unnormalized logits.
func outputProjection(ctx, tokenCtx *context.Context, cfg *Config, x *Node) *Node {
	g := x.Graph()
	switch cfg.projection() {
	case projAdaptive:
		return adaptiveLogProbs(ctx.In("adaptive_softmax"), tokenCtx, cfg, x)
	case projTied:
		table := tokenEmbeddings(tokenCtx, cfg, cfg.InputEmbedDim).ValueGraph(g)
		return Einsum("btd,vd->btv", x, table)
	default:
		embedOut := ctx.VariableWithShape("embed_out",
			shapes.Make(cfg.DType, cfg.VocabSize, cfg.OutputEmbedDim)).ValueGraph(g)
		return Einsum("btd,vd->btv", x, embedOut)
	}
}

// adaptiveLogProbs implements the adaptive softmax over the full
// vocabulary. The head scores the first cutoff[0] (frequent) tokens plus
// one entry per tail cluster; tail i scores its token range through a
// factor^(i+1)-reduced bottleneck. The log-probability of a tail token is
// the head log-probability of its cluster plus its log-probability within
// the cluster.
func adaptiveLogProbs(ctx, tokenCtx *context.Context, cfg *Config, x *Node) *Node {
	g := x.Graph()
	dims := x.Shape().Dimensions
	batchSize, seqLen := dims[0], dims[1]

	cutoffs := append(append([]int{}, cfg.AdaptiveSoftmaxCutoffs...), cfg.VocabSize)
	numTails := len(cutoffs) - 1
	headSize := cutoffs[0] + numTails

	var head *Node
	if cfg.TieAdaptiveWeights {
		// Head token scores reuse the embedding rows of the frequent tokens.
		table := tokenEmbeddings(tokenCtx, cfg, cfg.InputEmbedDim).ValueGraph(g)
		frequent := Slice(table, AxisRange(0, cutoffs[0]))
		head = Einsum("btd,vd->btv", x, frequent)
		clusters := layers.Dense(ctx.In("head_clusters"), x, false, numTails)
		head = Concatenate([]*Node{head, clusters}, 2)
	} else {
		head = layers.Dense(ctx.In("head"), x, false, headSize)
	}
	headLogProbs := LogSoftmax(head, -1)

	parts := make([]*Node, 0, 1+numTails)
	parts = append(parts, Slice(headLogProbs, AxisRange(), AxisRange(), AxisRange(0, cutoffs[0])))
	for i := range numTails {
		bottleneck := cfg.OutputEmbedDim
		for range i + 1 {
			bottleneck /= cfg.AdaptiveSoftmaxFactor
		}
		if bottleneck < 1 {
			bottleneck = 1
		}
		tailCtx := ctx.In(fmt.Sprintf("tail_%d", i))
		tail := layers.Dense(tailCtx.In("down"), x, false, bottleneck)
		tail = dropout(tailCtx, tail, cfg.AdaptiveSoftmaxDropout)
		tail = layers.Dense(tailCtx.In("up"), tail, false, cutoffs[i+1]-cutoffs[i])
		tailLogProbs := LogSoftmax(tail, -1)

		clusterLogProb := Slice(headLogProbs, AxisRange(), AxisRange(), AxisRange(cutoffs[0]+i, cutoffs[0]+i+1))
		clusterLogProb = BroadcastToDims(clusterLogProb, batchSize, seqLen, cutoffs[i+1]-cutoffs[i])
		parts = append(parts, Add(tailLogProbs, clusterLogProb))
	}
	return Concatenate(parts, 2)
}
