package samplers

import (
	"testing"

	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/require"
)

// fakeVocab maps each rune to its code point; good enough to exercise the
// tensor packing without a real sentencepiece model.
type fakeVocab struct{}

func (fakeVocab) EncodeAsIds(text string) []int {
	ids := make([]int, 0, len(text))
	for _, r := range text {
		ids = append(ids, int(r))
	}
	return ids
}

func (fakeVocab) DecodeIds(ids []int) string {
	runes := make([]rune, len(ids))
	for i, id := range ids {
		runes[i] = rune(id)
	}
	return string(runes)
}

func (fakeVocab) BeginningOfSentenceId() int { return 0 }
func (fakeVocab) EndOfSentenceId() int       { return 2 }
func (fakeVocab) UnknownId() int             { return 3 }
func (fakeVocab) PadId() int                 { return 1 }

func TestCreateSourceTensor(t *testing.T) {
	s := New(fakeVocab{}, nil, 10)
	input := s.createSourceTensor([][]int{{65, 66, 67}, {68}})
	// Longest sentence plus "eos", shorter ones padded after their "eos".
	require.Equal(t, []int{2, 4}, input.Shape().Dimensions)
	tensors.ConstFlatData(input, func(flat []int32) {
		require.Equal(t, []int32{65, 66, 67, 2}, flat[:4])
		require.Equal(t, []int32{68, 2, 1, 1}, flat[4:])
	})
}

func TestPrefixTensor(t *testing.T) {
	s := New(fakeVocab{}, nil, 10)
	prefix := s.prefixTensor([][]int32{{2, 70, 71}, {2, 80, 81}})
	require.Equal(t, []int{2, 3}, prefix.Shape().Dimensions)
	tensors.ConstFlatData(prefix, func(flat []int32) {
		require.Equal(t, []int32{2, 70, 71, 2, 80, 81}, flat)
	})
}

func TestGreedyPick(t *testing.T) {
	logits := tensors.FromShape(shapes.Make(dtypes.Float32, 2, 2, 4))
	tensors.MutableFlatData(logits, func(flat []float32) {
		copy(flat, []float32{
			// Example 0: older position favors 0, newest favors 3.
			9, 0, 0, 0,
			0, 0, 0, 9,
			// Example 1: newest favors 1.
			0, 0, 9, 0,
			-1, 5, 2, 0,
		})
	})
	require.Equal(t, []int32{3, 1}, greedyPick(logits))
}

func TestTrimSentence(t *testing.T) {
	eos := 2
	require.Equal(t, []int{70, 71}, trimSentence([]int32{2, 70, 71, 2, 1, 1}, eos))
	require.Equal(t, []int{70, 71}, trimSentence([]int32{2, 70, 71}, eos))
	require.Empty(t, trimSentence([]int32{2, 2}, eos))
}
