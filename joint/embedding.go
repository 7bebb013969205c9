package joint

import (
	"math"

	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
)

// The embedding stage turns token ids [batch, seqLen] into batch-major
// activations [batch, seqLen, dim]:
//
//	sqrt(dim)*tokens -> projectIn -> +positions -> +sqrt(dim)*language -> dropout
//
// Position t of a non-padding token embeds as padID+1+t, so the ids below
// padID+1 stay reserved; padding tokens embed position padID itself, a zero
// row in the sinusoidal table.

// tokenEmbeddings returns (creating on first use) the token embedding
// variable, [vocabSize, dim], in the given scope. With shared embeddings the
// scope is common to encoder, decoder and the tied output projection.
func tokenEmbeddings(ctx *context.Context, cfg *Config, dim int) *context.Variable {
	return ctx.In("embed_tokens").VariableWithShape("embeddings",
		shapes.Make(cfg.DType, cfg.VocabSize, dim))
}

// sinusoidalTable builds the fixed positional table [padID+1+numPositions,
// dim] on the host: the first half of each row holds sines, the second
// cosines, any odd last column is zero, and the padID row is zeroed.
func sinusoidalTable(numPositions, dim, padID int) *tensors.Tensor {
	rows := padID + 1 + numPositions
	halfDim := dim / 2
	step := 0.0
	if halfDim > 1 {
		step = math.Log(1e4) / float64(halfDim-1)
	}
	table := tensors.FromShape(shapes.Make(dtypes.Float32, rows, dim))
	tensors.MutableFlatData(table, func(flat []float32) {
		for pos := range rows {
			if pos == padID {
				continue
			}
			row := flat[pos*dim : (pos+1)*dim]
			for i := range halfDim {
				angle := float64(pos) * math.Exp(-step*float64(i))
				row[i] = float32(math.Sin(angle))
				row[halfDim+i] = float32(math.Cos(angle))
			}
		}
	})
	return table
}

// tokenPositions computes the position ids of tokens [batch, seqLen]:
// padID+1+t for the t-th non-padding token of its row, padID for padding.
func tokenPositions(tokens *Node, padID int) *Node {
	g := tokens.Graph()
	mask := ConvertDType(NotEqual(tokens, Scalar(g, tokens.DType(), float64(padID))), tokens.DType())
	positions := Mul(CumSum(mask, -1), mask)
	return AddScalar(positions, float64(padID))
}

// embedParams fixes the embedding behavior of one stream (encoder or
// decoder side).
type embedParams struct {
	cfg *Config

	// dim is the stream dimension; inputDim the token table dimension,
	// projected up/down when different.
	dim, inputDim int

	maxPositions int
	learnedPos   bool
}

// embedStage embeds tokens [batch, seqLen] into [batch, seqLen, dim].
// tokenCtx is the scope owning the token table (shared across streams when
// embeddings are shared). positions overrides the pad-aware position
// computation; incremental steps feed it from the host, since the position
// depends on the step and not on the sliced token alone.
func embedStage(ctx, tokenCtx *context.Context, p embedParams, tokens, positions *Node) *Node {
	g := tokens.Graph()
	cfg := p.cfg
	dims := tokens.Shape().Dimensions
	batchSize, seqLen := dims[0], dims[1]
	scale := math.Sqrt(float64(p.dim))

	table := tokenEmbeddings(tokenCtx, cfg, p.inputDim).ValueGraph(g)
	x := Gather(table, Reshape(tokens, batchSize, seqLen, 1))
	x = MulScalar(x, scale)
	if p.inputDim != p.dim {
		x = layers.Dense(ctx.In("project_in"), x, false, p.dim)
	}

	if !cfg.NoTokenPositions {
		if positions == nil {
			positions = tokenPositions(tokens, cfg.PadID)
		}
		var posTable *Node
		if p.learnedPos {
			posTable = ctx.In("embed_positions").VariableWithShape("embeddings",
				shapes.Make(cfg.DType, cfg.PadID+1+p.maxPositions, p.dim)).ValueGraph(g)
		} else {
			posTable = ConvertDType(Const(g, sinusoidalTable(p.maxPositions, p.dim, cfg.PadID)), cfg.DType)
		}
		x = Add(x, Gather(posTable, Reshape(positions, batchSize, seqLen, 1)))
	}

	if cfg.LanguageEmbeddings {
		language := ctx.VariableWithShape("embed_language", shapes.Make(cfg.DType, p.dim)).ValueGraph(g)
		x = Add(x, MulScalar(Reshape(language, 1, 1, p.dim), scale))
	}
	return dropout(ctx, x, cfg.Dropout)
}
