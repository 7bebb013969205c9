package joint

import (
	"math"

	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
)

// Attention masks are built eagerly on the host and fed to the graph as
// inputs: additive float32 matrices with 0 on allowed positions and -inf on
// blocked ones, shaped [queryLen, keyLen]. Key-padding masks are boolean
// [batch, keyLen] with true on padding.

// MaskCache builds and caches the causal ("future") mask. The cached mask
// only grows: requesting a larger size rebuilds it, requesting a smaller one
// returns a slice of the cached buffer.
type MaskCache struct {
	size int
	flat []float32 // [size, size] row-major
}

// NewMaskCache returns an empty cache. The zero value is also usable.
func NewMaskCache() *MaskCache {
	return &MaskCache{}
}

// Causal returns the [n, n] causal mask: position i may attend to positions
// j <= i, every j > i is -inf.
func (c *MaskCache) Causal(n int) *tensors.Tensor {
	if n > c.size {
		c.grow(n)
	}
	mask := tensors.FromShape(shapes.Make(dtypes.Float32, n, n))
	tensors.MutableFlatData(mask, func(flat []float32) {
		for i := range n {
			copy(flat[i*n:(i+1)*n], c.flat[i*c.size:i*c.size+n])
		}
	})
	return mask
}

func (c *MaskCache) grow(n int) {
	negInf := float32(math.Inf(-1))
	c.size = n
	c.flat = make([]float32, n*n)
	for i := range n {
		for j := i + 1; j < n; j++ {
			c.flat[i*n+j] = negInf
		}
	}
}

// LocalMask returns a [rows, cols] banded attention mask with window size
// kernel.
//
// Causal masks open the window (i-kernel, i]: strictly backward-looking,
// never more than kernel keys. The single-row causal case is the incremental
// step, where the one query row attends to the last kernel keys. Non-causal
// masks are centered; an even kernel keeps one more key behind than ahead.
func LocalMask(rows, cols, kernel int, causal bool) *tensors.Tensor {
	negInf := float32(math.Inf(-1))
	mask := tensors.FromShape(shapes.Make(dtypes.Float32, rows, cols))
	tensors.MutableFlatData(mask, func(flat []float32) {
		if causal && rows == 1 {
			for j := range cols {
				if j < cols-kernel {
					flat[j] = negInf
				}
			}
			return
		}
		var diagU, diagL int
		if causal {
			diagU, diagL = 1, kernel
		} else if kernel%2 == 1 {
			diagU, diagL = (kernel+1)/2, (kernel+1)/2
		} else {
			diagU, diagL = kernel/2, kernel/2+1
		}
		for i := range rows {
			for j := range cols {
				if j-i >= diagU || i-j >= diagL {
					flat[i*cols+j] = negInf
				}
			}
		}
	})
	return mask
}

// PrependZeroBlock left-pads an additive [rows, cols] mask with an all-zero
// (fully visible) block of the given width, giving [rows, width+cols]. Used
// in mixed attention, where the source keys precede the target keys.
func PrependZeroBlock(mask *tensors.Tensor, width int) *tensors.Tensor {
	dims := mask.Shape().Dimensions
	rows, cols := dims[0], dims[1]
	out := tensors.FromShape(shapes.Make(dtypes.Float32, rows, width+cols))
	tensors.ConstFlatData(mask, func(src []float32) {
		tensors.MutableFlatData(out, func(dst []float32) {
			for i := range rows {
				copy(dst[i*(width+cols)+width:(i+1)*(width+cols)], src[i*cols:(i+1)*cols])
			}
		})
	})
	return out
}

// ConcatPaddingMask extends a boolean [batch, srcLen] key-padding mask to
// cover the concatenated source+target key sequence: the appended target
// block is all false, since generated target positions are never padding.
func ConcatPaddingMask(srcPadding *tensors.Tensor, tgtLen int) *tensors.Tensor {
	dims := srcPadding.Shape().Dimensions
	batchSize, srcLen := dims[0], dims[1]
	out := tensors.FromShape(shapes.Make(dtypes.Bool, batchSize, srcLen+tgtLen))
	tensors.ConstFlatData(srcPadding, func(src []bool) {
		tensors.MutableFlatData(out, func(dst []bool) {
			for b := range batchSize {
				copy(dst[b*(srcLen+tgtLen):b*(srcLen+tgtLen)+srcLen], src[b*srcLen:(b+1)*srcLen])
			}
		})
	})
	return out
}
