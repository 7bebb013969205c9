package joint

import (
	"fmt"
	"testing"

	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/jointmt/weights"
	"github.com/stretchr/testify/require"
)

func constantRow(dim int, value float32) []float32 {
	row := make([]float32, dim)
	for i := range row {
		row[i] = value
	}
	return row
}

func embeddingRow(t *testing.T, table *tensors.Tensor, id, dim int) []float32 {
	t.Helper()
	var row []float32
	tensors.ConstFlatData(table, func(flat []float32) {
		row = append(row, flat[id*dim:(id+1)*dim]...)
	})
	return row
}

// Pretrained embeddings must land in the variable the embedding stage
// resolves: the shared table at the root scope when all embeddings are
// shared, the decoder-scoped table otherwise.
func TestPretrainedEmbeddingsResolve(t *testing.T) {
	cfg := testConfig(true)
	require.NoError(t, cfg.Validate())
	require.True(t, cfg.ShareAllEmbeddings)

	tokens := make([]string, cfg.VocabSize)
	for i := range tokens {
		tokens[i] = fmt.Sprintf("tok%d", i)
	}
	pretrained := &weights.Embeddings{
		Dim:     cfg.InputEmbedDim,
		Vectors: map[string][]float32{"tok5": constantRow(cfg.InputEmbedDim, 0.5)},
	}

	ctx := context.New().Checked(false)
	require.NoError(t, weights.LoadEmbeddingsIntoContext(ctx, nil, pretrained, tokens))
	table := tokenEmbeddings(ctx, cfg, cfg.InputEmbedDim)
	require.Equal(t, constantRow(cfg.InputEmbedDim, 0.5), embeddingRow(t, table.Value(), 5, cfg.InputEmbedDim))

	cfg = testConfig(false)
	cfg.ShareAllEmbeddings = false
	require.NoError(t, cfg.Validate())

	ctx = context.New().Checked(false)
	require.NoError(t, weights.LoadEmbeddingsIntoContext(ctx, []string{"decoder"}, pretrained, tokens))
	table = tokenEmbeddings(ctx.In("decoder"), cfg, cfg.InputEmbedDim)
	require.Equal(t, constantRow(cfg.InputEmbedDim, 0.5), embeddingRow(t, table.Value(), 5, cfg.InputEmbedDim))
}
