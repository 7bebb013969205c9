package joint

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Encoder computes the source embeddings. There are no encoder layers: the
// source stream is processed by the decoder itself, either as extra keys of
// the joint self-attention (mixed attention) or through cross-attention.
type Encoder struct {
	cfg  *Config
	exec *context.Exec
}

// EncoderOutput is the encoded source handed to every Decode call of a
// session.
type EncoderOutput struct {
	// Sequence is time-major, [srcLen, batch, dim].
	Sequence *tensors.Tensor

	// PaddingMask marks padding tokens, [batch, srcLen]; nil when no source
	// sequence is padded.
	PaddingMask *tensors.Tensor
}

func newEncoder(backend backends.Backend, ctx *context.Context, cfg *Config) (enc *Encoder, err error) {
	enc = &Encoder{cfg: cfg}
	err = exceptions.TryCatch[error](func() {
		enc.exec = context.NewExec(backend, ctx, func(ctx *context.Context, tokens *Node) *Node {
			encCtx := ctx.In("encoder")
			tokenCtx := encCtx
			if cfg.ShareAllEmbeddings {
				tokenCtx = ctx
			}
			p := embedParams{
				cfg:          cfg,
				dim:          cfg.EncoderEmbedDim,
				inputDim:     cfg.EncoderEmbedDim,
				maxPositions: cfg.MaxSourcePositions,
				learnedPos:   cfg.LearnedPositions,
			}
			x := embedStage(encCtx, tokenCtx, p, tokens, nil)
			return TransposeAllDims(x, 1, 0, 2) // [B,S,C] -> [S,B,C]
		})
	})
	if err != nil {
		return nil, errors.WithMessage(err, "building the encoder graph")
	}
	return enc, nil
}

// Encode embeds the source tokens [batch, srcLen] (int32, padded with the
// configured pad id).
func (e *Encoder) Encode(srcTokens *tensors.Tensor) (*EncoderOutput, error) {
	dims := srcTokens.Shape().Dimensions
	if srcTokens.Shape().Rank() != 2 || srcTokens.DType() != dtypes.Int32 {
		return nil, errors.Errorf("source tokens must be int32 of shape [batch, srcLen], got %s", srcTokens.Shape())
	}
	batchSize, srcLen := dims[0], dims[1]
	if srcLen > e.MaxPositions() {
		return nil, errors.Errorf("source length %d exceeds the maximum of %d positions", srcLen, e.MaxPositions())
	}

	var sequence *tensors.Tensor
	err := exceptions.TryCatch[error](func() {
		sequence = e.exec.Call(srcTokens)[0]
	})
	if err != nil {
		return nil, errors.WithMessage(err, "encoding source tokens")
	}

	// Padding mask, only materialized when some sequence is padded.
	var padding *tensors.Tensor
	tensors.ConstFlatData(srcTokens, func(flat []int32) {
		padID := int32(e.cfg.PadID)
		anyPadded := false
		for _, token := range flat {
			if token == padID {
				anyPadded = true
				break
			}
		}
		if !anyPadded {
			return
		}
		padding = tensors.FromShape(shapes.Make(dtypes.Bool, batchSize, srcLen))
		tensors.MutableFlatData(padding, func(mask []bool) {
			for i, token := range flat {
				mask[i] = token == padID
			}
		})
	})
	return &EncoderOutput{Sequence: sequence, PaddingMask: padding}, nil
}

// MaxPositions returns the longest supported source sequence.
func (e *Encoder) MaxPositions() int { return e.cfg.MaxSourcePositions }

// Reorder rearranges the batch axis of the encoder output, like
// Cache.Reorder: entry b of the result is entry perm[b] of the input.
func (o *EncoderOutput) Reorder(perm []int) error {
	dims := o.Sequence.Shape().Dimensions
	srcLen, batchSize, dim := dims[0], dims[1], dims[2]
	for _, p := range perm {
		if p < 0 || p >= batchSize {
			return errors.Errorf("reorder permutation entry %d outside of batch size %d", p, batchSize)
		}
	}
	if len(perm) != batchSize {
		return errors.Errorf("reorder permutation has %d entries, batch size is %d", len(perm), batchSize)
	}

	// Sequence is time-major: the batch is axis 1.
	reordered := tensors.FromShape(o.Sequence.Shape().Clone())
	switch o.Sequence.DType() {
	case dtypes.Float32:
		reorderMiddleAxis[float32](o.Sequence, reordered, perm, srcLen, batchSize, dim)
	case dtypes.Float64:
		reorderMiddleAxis[float64](o.Sequence, reordered, perm, srcLen, batchSize, dim)
	default:
		return errors.Errorf("unsupported encoder output dtype %s", o.Sequence.DType())
	}
	o.Sequence = reordered

	if o.PaddingMask != nil {
		mask := tensors.FromShape(o.PaddingMask.Shape().Clone())
		tensors.ConstFlatData(o.PaddingMask, func(src []bool) {
			tensors.MutableFlatData(mask, func(dst []bool) {
				for b, p := range perm {
					copy(dst[b*srcLen:(b+1)*srcLen], src[p*srcLen:(p+1)*srcLen])
				}
			})
		})
		o.PaddingMask = mask
	}
	return nil
}

func reorderMiddleAxis[T float32 | float64](src, dst *tensors.Tensor, perm []int, timeLen, batchSize, dim int) {
	tensors.ConstFlatData(src, func(srcFlat []T) {
		tensors.MutableFlatData(dst, func(dstFlat []T) {
			for t := range timeLen {
				base := t * batchSize * dim
				for b, p := range perm {
					copy(dstFlat[base+b*dim:base+(b+1)*dim], srcFlat[base+p*dim:base+(p+1)*dim])
				}
			}
		})
	})
}
