package joint

import (
	"math"

	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
)

// Multi-head attention over time-major activations [seqLen, batch, embedDim].
//
// Masks: attnMask is an additive [queryLen, keyLen] matrix (0 or -inf);
// keyPadding is a boolean [batch, keyLen] with true on keys to ignore. Both
// are optional. The second return value is the attention distribution
// averaged over heads, [batch, queryLen, keyLen].

// toBatchHeads reshapes time-major projections [T, B, H*D] to [B, H, T, D].
func toBatchHeads(x *Node, numHeads, headDim int) *Node {
	dims := x.Shape().Dimensions
	x = Reshape(x, dims[0], dims[1], numHeads, headDim)
	return TransposeAllDims(x, 1, 2, 0, 3)
}

// attentionCore computes the scaled dot-product attention given projected
// query [B,H,Tq,D] and full key/value sequences [B,H,Tk,D].
func attentionCore(ctx *context.Context, cfg *Config, query, key, value, attnMask, keyPadding *Node) (*Node, *Node) {
	dims := query.Shape().Dimensions
	batchSize, numHeads, queryLen, headDim := dims[0], dims[1], dims[2], dims[3]
	keyLen := key.Shape().Dimensions[2]

	scores := Einsum("bhqd,bhkd->bhqk", query, key)
	if attnMask != nil {
		scores = Add(scores, Reshape(ConvertDType(attnMask, scores.DType()), 1, 1, queryLen, keyLen))
	}
	if keyPadding != nil {
		// Additive form of the boolean mask; -1e9 over -inf to keep softmax
		// gradients finite.
		zero := ScalarZero(scores.Graph(), scores.DType())
		additive := Where(keyPadding, ConstAs(zero, float32(-1e9)), zero)
		scores = Add(scores, Reshape(additive, batchSize, 1, 1, keyLen))
	}
	coefficients := Softmax(scores, -1)
	coefficients = dropout(ctx, coefficients, cfg.AttentionDropout)

	output := Einsum("bhqk,bhkd->qbhd", coefficients, value)
	output = Reshape(output, queryLen, batchSize, numHeads*headDim)
	output = layers.Dense(ctx.In("out_proj"), output, true, cfg.EmbedDim)
	return output, ReduceMean(coefficients, 1)
}

// selfAttention attends x over itself. With a state slot, previously cached
// keys/values (the source stream in mixed attention, or earlier target
// steps) are prepended to the current ones, and the slot is updated.
func selfAttention(ctx *context.Context, cfg *Config, x *Node, st *stepState, slotIdx int, attnMask, keyPadding *Node) (*Node, *Node) {
	numHeads, headDim := cfg.AttentionHeads, cfg.headDim()

	query := layers.Dense(ctx.In("q_proj"), x, true, cfg.EmbedDim)
	query = MulScalar(query, 1/math.Sqrt(float64(headDim)))
	key := layers.Dense(ctx.In("k_proj"), x, true, cfg.EmbedDim)
	value := layers.Dense(ctx.In("v_proj"), x, true, cfg.EmbedDim)

	queryBH := toBatchHeads(query, numHeads, headDim)
	keyBH := toBatchHeads(key, numHeads, headDim)
	valueBH := toBatchHeads(value, numHeads, headDim)
	if st != nil {
		keyBH, valueBH = st.appendKV(slotIdx, keyBH, valueBH)
	}
	return attentionCore(ctx, cfg, queryBH, keyBH, valueBH, attnMask, keyPadding)
}

// encoderAttention attends x over the encoder output (static keys/values). The
// projected encoder keys/values are computed once per session and cached in
// the slot when a persistent state is given.
func encoderAttention(ctx *context.Context, cfg *Config, x, encoderOut *Node, st *stepState, slotIdx int, keyPadding *Node) (*Node, *Node) {
	numHeads, headDim := cfg.AttentionHeads, cfg.headDim()

	query := layers.Dense(ctx.In("q_proj"), x, true, cfg.EmbedDim)
	query = MulScalar(query, 1/math.Sqrt(float64(headDim)))
	queryBH := toBatchHeads(query, numHeads, headDim)

	project := func() (*Node, *Node) {
		key := layers.Dense(ctx.In("k_proj"), encoderOut, true, cfg.EmbedDim)
		value := layers.Dense(ctx.In("v_proj"), encoderOut, true, cfg.EmbedDim)
		return toBatchHeads(key, numHeads, headDim), toBatchHeads(value, numHeads, headDim)
	}
	var keyBH, valueBH *Node
	if st != nil && st.persistent {
		keyBH, valueBH = st.staticKV(slotIdx, project)
	} else {
		keyBH, valueBH = project()
	}
	return attentionCore(ctx, cfg, queryBH, keyBH, valueBH, nil, keyPadding)
}

// dropout applies dropout with the given rate; a no-op at rate 0 and outside
// of training.
func dropout(ctx *context.Context, x *Node, rate float64) *Node {
	if rate <= 0 {
		return x
	}
	return layers.Dropout(ctx, x, Scalar(x.Graph(), x.DType(), rate))
}
