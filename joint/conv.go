package joint

import (
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/types/shapes"
)

// Lightweight and dynamic convolutions over the time axis of [T, B, convDim]
// activations, with weights shared within each of the attention-head groups.
// The convolution is expressed as a weighted sum of k time-shifted views of
// the zero-padded input.
//
// Causal convolutions pad k-1 steps on the left; centered ones split the
// padding k/2 left, k-1-k/2 right, keeping one extra step of history for
// even kernels. Incrementally, the left padding is replaced by the buffered
// last k-1 inputs from the cache slot.

// glu halves the last axis, gating the first half by the sigmoid of the
// second.
func glu(x *Node) *Node {
	dims := x.Shape().Dimensions
	half := dims[len(dims)-1] / 2
	a := Slice(x, AxisRange(), AxisRange(), AxisRange(0, half))
	b := Slice(x, AxisRange(), AxisRange(), AxisRange(half, 2*half))
	return Mul(a, Sigmoid(b))
}

// timeConv runs the configured convolution variant over x [T, B, convDim].
// A state with a slot index buffers the last kernel-1 inputs across
// incremental steps (causal only).
func timeConv(ctx *context.Context, cfg *Config, x *Node, kernel int, causal bool, st *stepState, slotIdx int) *Node {
	g := x.Graph()
	dims := x.Shape().Dimensions
	timeLen, batchSize, convDim := dims[0], dims[1], dims[2]
	numHeads := cfg.AttentionHeads
	headDim := convDim / numHeads

	// Padded input: [padLeft + T + padRight, B, C].
	var padded *Node
	switch {
	case kernel == 1:
		padded = x
	case causal && st != nil && st.persistent:
		buffer := st.convBuffer(slotIdx, g, cfg, batchSize, kernel)
		history := TransposeAllDims(buffer, 1, 0, 2) // [k-1, B, C]
		padded = Concatenate([]*Node{history, x}, 0)
		updated := Slice(padded, AxisRange(timeLen, timeLen+kernel-1))
		st.setConvBuffer(slotIdx, TransposeAllDims(updated, 1, 0, 2))
	case causal:
		zeros := Zeros(g, shapes.Make(x.DType(), kernel-1, batchSize, convDim))
		padded = Concatenate([]*Node{zeros, x}, 0)
	default:
		padLeft := kernel / 2
		padRight := kernel - 1 - padLeft
		parts := make([]*Node, 0, 3)
		if padLeft > 0 {
			parts = append(parts, Zeros(g, shapes.Make(x.DType(), padLeft, batchSize, convDim)))
		}
		parts = append(parts, x)
		if padRight > 0 {
			parts = append(parts, Zeros(g, shapes.Make(x.DType(), padRight, batchSize, convDim)))
		}
		padded = Concatenate(parts, 0)
	}

	// Stack the k shifted views: [k, T, B, H, D].
	views := make([]*Node, kernel)
	for j := range kernel {
		view := Slice(padded, AxisRange(j, j+timeLen))
		views[j] = Reshape(view, 1, timeLen, batchSize, numHeads, headDim)
	}
	stacked := Concatenate(views, 0)

	var output *Node
	switch cfg.ConvType {
	case ConvDynamic:
		// Weights predicted from the current input, per position and head.
		weights := layers.Dense(ctx.In("weight_proj"), x, true, numHeads*kernel)
		weights = Reshape(weights, timeLen, batchSize, numHeads, kernel)
		if cfg.WeightSoftmax {
			weights = Softmax(weights, -1)
		}
		weights = dropout(ctx, weights, cfg.WeightDropout)
		output = Einsum("tbhk,ktbhd->tbhd", weights, stacked)
	default: // ConvLightweight
		weightsVar := ctx.VariableWithShape("weights", shapes.Make(cfg.DType, numHeads, kernel))
		weights := weightsVar.ValueGraph(g)
		if cfg.WeightSoftmax {
			weights = Softmax(weights, -1)
		}
		weights = dropout(ctx, weights, cfg.WeightDropout)
		output = Einsum("hk,ktbhd->tbhd", weights, stacked)
	}
	return Reshape(output, timeLen, batchSize, convDim)
}

// convBlock is the full convolution sub-layer: input dropout, input
// projection (doubled when gated), GLU, convolution, output projection.
func convBlock(ctx *context.Context, cfg *Config, x *Node, kernel int, causal bool, st *stepState, slotIdx int) *Node {
	x = dropout(ctx, x, cfg.InputDropout)
	if cfg.GLU {
		x = layers.Dense(ctx.In("linear1"), x, true, 2*cfg.ConvDim)
		x = glu(x)
	} else {
		x = layers.Dense(ctx.In("linear1"), x, true, cfg.ConvDim)
	}
	x = timeConv(ctx.In("conv"), cfg, x, kernel, causal, st, slotIdx)
	return layers.Dense(ctx.In("linear2"), x, true, cfg.EmbedDim)
}
