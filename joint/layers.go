package joint

import (
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/layers/activations"
)

// Layer assembly. Each block is wrapped as
//
//	residual + dropout(block(norm?(x)))
//
// with the layer norm applied before the block when NormalizeBefore is set,
// after the residual sum otherwise.

func layerNorm(ctx *context.Context, x *Node) *Node {
	return layers.LayerNormalization(ctx, x, -1).Done()
}

func normBefore(ctx *context.Context, cfg *Config, x *Node) *Node {
	if cfg.NormalizeBefore {
		return layerNorm(ctx, x)
	}
	return x
}

func normAfter(ctx *context.Context, cfg *Config, x *Node) *Node {
	if !cfg.NormalizeBefore {
		return layerNorm(ctx, x)
	}
	return x
}

// ffnBlock is the position-wise feed-forward sub-layer shared by every
// layer type.
func ffnBlock(ctx *context.Context, cfg *Config, x *Node) *Node {
	residual := x
	x = normBefore(ctx.In("final_norm"), cfg, x)
	x = layers.Dense(ctx.In("fc1"), x, true, cfg.FFNEmbedDim)
	x = activations.Relu(x)
	x = dropout(ctx, x, cfg.ReLUDropout)
	x = layers.Dense(ctx.In("fc2"), x, true, cfg.EmbedDim)
	x = dropout(ctx, x, cfg.Dropout)
	x = Add(residual, x)
	return normAfter(ctx.In("final_norm"), cfg, x)
}

// crossAttnBlock attends x over the encoder output; used by both layer
// types when mixed attention is off.
func crossAttnBlock(ctx *context.Context, cfg *Config, x, encoderOut, encoderPadding *Node, st *stepState, slotIdx int) (*Node, *Node) {
	residual := x
	x = normBefore(ctx.In("encoder_attn_norm"), cfg, x)
	x, attn := encoderAttention(ctx.In("encoder_attn"), cfg, x, encoderOut, st, slotIdx, encoderPadding)
	x = dropout(ctx, x, cfg.Dropout)
	x = Add(residual, x)
	return normAfter(ctx.In("encoder_attn_norm"), cfg, x), attn
}

// transformerLayer is one shared self-attention layer. In mixed attention
// the state slot already holds the source keys/values, so the target
// queries see the concatenated source+target sequence; otherwise encoderOut
// is attended through a dedicated cross-attention block.
func transformerLayer(ctx *context.Context, cfg *Config, x *Node, st *stepState, selfSlot int,
	attnMask, keyPadding *Node, encoderOut, encoderPadding *Node, crossSlot int) (*Node, *Node) {
	residual := x
	x = normBefore(ctx.In("self_attn_norm"), cfg, x)
	x, attn := selfAttention(ctx.In("self_attn"), cfg, x, st, selfSlot, attnMask, keyPadding)
	x = dropout(ctx, x, cfg.Dropout)
	x = Add(residual, x)
	x = normAfter(ctx.In("self_attn_norm"), cfg, x)

	// crossSlot stays valid after the encoder keys/values are cached and
	// encoderOut is no longer fed.
	if encoderOut != nil || crossSlot >= 0 {
		x, attn = crossAttnBlock(ctx, cfg, x, encoderOut, encoderPadding, st, crossSlot)
	}
	return ffnBlock(ctx, cfg, x), attn
}

// convDecoderLayer is one causal convolution layer over the target stream,
// with optional cross-attention (mixed attention never uses it).
func convDecoderLayer(ctx *context.Context, cfg *Config, x *Node, kernel int, st *stepState, convSlot int,
	encoderOut, encoderPadding *Node, crossSlot int) (*Node, *Node) {
	residual := x
	x = normBefore(ctx.In("conv_norm"), cfg, x)
	x = convBlock(ctx, cfg, x, kernel, true, st, convSlot)
	x = dropout(ctx, x, cfg.Dropout)
	x = Add(residual, x)
	x = normAfter(ctx.In("conv_norm"), cfg, x)

	var attn *Node
	if encoderOut != nil || crossSlot >= 0 {
		x, attn = crossAttnBlock(ctx, cfg, x, encoderOut, encoderPadding, st, crossSlot)
	}
	return ffnBlock(ctx, cfg, x), attn
}

// convSourceLayer is one centered convolution layer over the source stream.
// Padded positions are zeroed before the convolution so they cannot leak
// into their neighbors' windows.
func convSourceLayer(ctx *context.Context, cfg *Config, x *Node, kernel int, padding *Node) *Node {
	if padding != nil {
		dims := x.Shape().Dimensions
		blocked := Transpose(padding, 0, 1)                                       // [S, B]
		blocked = BroadcastToDims(Reshape(blocked, dims[0], dims[1], 1), dims...) // [S, B, C]
		x = Where(blocked, ZerosLike(x), x)
	}
	residual := x
	x = normBefore(ctx.In("conv_norm"), cfg, x)
	x = convBlock(ctx, cfg, x, kernel, false, nil, -1)
	x = dropout(ctx, x, cfg.Dropout)
	x = Add(residual, x)
	x = normAfter(ctx.In("conv_norm"), cfg, x)
	return ffnBlock(ctx, cfg, x)
}
