package weights

import (
	"strings"
	"testing"

	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/jointmt/trees"
	"github.com/stretchr/testify/require"
)

func tensorOf(values []float32, dims ...int) *tensors.Tensor {
	t := tensors.FromShape(shapes.Make(dtypes.Float32, dims...))
	tensors.MutableFlatData(t, func(flat []float32) {
		copy(flat, values)
	})
	return t
}

func TestSnapshotRoundTrip(t *testing.T) {
	tree := trees.New[*tensors.Tensor]()
	require.NoError(t, tree.Set(trees.Path{"decoder", "embed_tokens", "embeddings"}, tensorOf([]float32{1, 2, 3, 4, 5, 6}, 3, 2)))
	require.NoError(t, tree.Set(trees.Path{"decoder", "layer_norm", "scale"}, tensorOf([]float32{1, 1}, 2)))

	dir := t.TempDir()
	require.NoError(t, WriteSnapshot(dir, tree))

	loaded, err := ReadSnapshot(dir)
	require.NoError(t, err)
	require.Equal(t, 2, loaded.NumLeaves())

	table, err := loaded.Get(trees.Path{"decoder", "embed_tokens", "embeddings"})
	require.NoError(t, err)
	require.Equal(t, []int{3, 2}, table.Shape().Dimensions)
	tensors.ConstFlatData(table, func(flat []float32) {
		require.Equal(t, []float32{1, 2, 3, 4, 5, 6}, flat)
	})
}

func TestReadSnapshotMissingDir(t *testing.T) {
	_, err := ReadSnapshot(t.TempDir() + "/nowhere")
	require.ErrorContains(t, err, "failed to read snapshot file")
}

const embeddingsText = `3 4
the 0.1 0.2 0.3 0.4
of 1.1 1.2 1.3 1.4
house -0.1 -0.2 -0.3 -0.4
`

func TestParseEmbeddings(t *testing.T) {
	e, err := ParseEmbeddings(strings.NewReader(embeddingsText))
	require.NoError(t, err)
	require.Equal(t, 4, e.Dim)
	require.Len(t, e.Vectors, 3)
	require.Equal(t, []float32{1.1, 1.2, 1.3, 1.4}, e.Vectors["of"])
}

func TestParseEmbeddingsErrors(t *testing.T) {
	_, err := ParseEmbeddings(strings.NewReader(""))
	require.ErrorContains(t, err, "embedding file is empty")

	_, err = ParseEmbeddings(strings.NewReader("2 3\nthe 0.1 0.2\n"))
	require.ErrorContains(t, err, "has 2 values for token \"the\", expected 3")

	_, err = ParseEmbeddings(strings.NewReader("2 3\nthe 0.1 x 0.3\n"))
	require.ErrorContains(t, err, "value 1 of token \"the\"")
}

func TestEmbeddingsTable(t *testing.T) {
	e, err := ParseEmbeddings(strings.NewReader(embeddingsText))
	require.NoError(t, err)

	table, missing := e.Table([]string{"<pad>", "the", "house"})
	require.Equal(t, 1, missing) // "<pad>" keeps its zero row
	require.Equal(t, []int{3, 4}, table.Shape().Dimensions)
	tensors.ConstFlatData(table, func(flat []float32) {
		require.Equal(t, []float32{0, 0, 0, 0}, flat[:4])
		require.Equal(t, []float32{0.1, 0.2, 0.3, 0.4}, flat[4:8])
		require.Equal(t, []float32{-0.1, -0.2, -0.3, -0.4}, flat[8:])
	})
}
