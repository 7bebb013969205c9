package joint

import (
	"math"
	"testing"

	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/require"
)

func maskRows(t *testing.T, mask *tensors.Tensor) [][]bool {
	t.Helper()
	dims := mask.Shape().Dimensions
	rows, cols := dims[0], dims[1]
	blocked := make([][]bool, rows)
	tensors.ConstFlatData(mask, func(flat []float32) {
		for i := range rows {
			blocked[i] = make([]bool, cols)
			for j := range cols {
				value := flat[i*cols+j]
				if value == 0 {
					continue
				}
				require.True(t, math.IsInf(float64(value), -1), "mask entry (%d,%d) is %g, must be 0 or -inf", i, j, value)
				blocked[i][j] = true
			}
		}
	})
	return blocked
}

func TestCausalMask(t *testing.T) {
	cache := NewMaskCache()
	for _, n := range []int{1, 4, 7, 3} { // shrinking after growing reuses the buffer
		blocked := maskRows(t, cache.Causal(n))
		require.Len(t, blocked, n)
		for i := range n {
			for j := range n {
				require.Equal(t, j > i, blocked[i][j], "causal(%d) at (%d,%d)", n, i, j)
			}
		}
	}
}

func TestLocalMaskCausal(t *testing.T) {
	// Window (i-kernel, i]: at most kernel keys, all behind or at i.
	blocked := maskRows(t, LocalMask(6, 6, 3, true))
	for i := range 6 {
		for j := range 6 {
			want := j > i || i-j >= 3
			require.Equal(t, want, blocked[i][j], "at (%d,%d)", i, j)
		}
	}
}

func TestLocalMaskCausalSingleRow(t *testing.T) {
	// The incremental step: one query attending to the last kernel keys.
	blocked := maskRows(t, LocalMask(1, 7, 3, true))
	require.Equal(t, []bool{true, true, true, true, false, false, false}, blocked[0])
}

func TestLocalMaskCentered(t *testing.T) {
	// Odd kernel: (kernel-1)/2 keys on each side.
	blocked := maskRows(t, LocalMask(7, 7, 5, false))
	for i := range 7 {
		for j := range 7 {
			want := j-i >= 3 || i-j >= 3
			require.Equal(t, want, blocked[i][j], "kernel=5 at (%d,%d)", i, j)
		}
	}

	// Even kernel keeps one more key behind than ahead.
	blocked = maskRows(t, LocalMask(7, 7, 4, false))
	for i := range 7 {
		for j := range 7 {
			want := j-i >= 2 || i-j >= 3
			require.Equal(t, want, blocked[i][j], "kernel=4 at (%d,%d)", i, j)
		}
	}
}

func TestPrependZeroBlock(t *testing.T) {
	cache := NewMaskCache()
	extended := maskRows(t, PrependZeroBlock(cache.Causal(3), 4))
	require.Len(t, extended, 3)
	for i := range 3 {
		require.Len(t, extended[i], 7)
		for j := range 4 {
			require.False(t, extended[i][j], "source block at (%d,%d) must be visible", i, j)
		}
		for j := range 3 {
			require.Equal(t, j > i, extended[i][4+j], "target block at (%d,%d)", i, j)
		}
	}
}

func TestConcatPaddingMask(t *testing.T) {
	srcPadding := tensors.FromShape(shapes.Make(dtypes.Bool, 2, 3))
	tensors.MutableFlatData(srcPadding, func(flat []bool) {
		// Example 0 padded at the last two positions, example 1 unpadded.
		flat[1], flat[2] = true, true
	})
	extended := ConcatPaddingMask(srcPadding, 2)
	require.Equal(t, []int{2, 5}, extended.Shape().Dimensions)
	tensors.ConstFlatData(extended, func(flat []bool) {
		require.Equal(t, []bool{false, true, true, false, false}, flat[:5])
		require.Equal(t, []bool{false, false, false, false, false}, flat[5:])
	})
}
