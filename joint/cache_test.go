package joint

import (
	"testing"

	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/require"
)

func TestSlotPlanMixed(t *testing.T) {
	cfg := MixedAttentionIWSLT(1000, 1)
	cfg.SourceLayers = 2
	cfg.SourceKernelSizes = []int{3, 3}
	cfg.TargetLayers = 2
	cfg.TargetKernelSizes = []int{3, 1} // kernel 1 has no history to buffer
	require.NoError(t, cfg.Validate())

	plan := cfg.slotPlan()
	// One slot per target conv layer, then one per shared layer. Source conv
	// layers are only run while the source is processed and have no slots.
	require.Len(t, plan, cfg.TargetLayers+cfg.TransformerLayers)
	require.Equal(t, SlotConvBuffer, plan[cfg.targetSlot(0)])
	require.Equal(t, SlotEmpty, plan[cfg.targetSlot(1)])
	for i := range cfg.TransformerLayers {
		require.Equal(t, SlotAttentionKV, plan[cfg.sharedSlot(i)])
	}
}

func TestSlotPlanCrossAttention(t *testing.T) {
	cfg := NewConfig(1000, 1) // 6 conv layers, no shared layers
	cfg.TransformerLayers = 2
	require.NoError(t, cfg.Validate())

	plan := cfg.slotPlan()
	// Each attending layer owns a pair of slots: joint/self keys-values plus
	// the static cross-attention keys-values.
	require.Len(t, plan, 2*(cfg.TransformerLayers+cfg.ConvLayers))
	for i := range cfg.TransformerLayers {
		require.Equal(t, SlotAttentionKV, plan[cfg.sharedSlot(i)])
		require.Equal(t, SlotAttentionKV, plan[cfg.sharedCrossSlot(i)])
	}
	for i := range cfg.ConvLayers {
		require.Equal(t, SlotConvBuffer, plan[cfg.convSlot(i)])
		require.Equal(t, SlotAttentionKV, plan[cfg.convCrossSlot(i)])
	}
}

func TestCacheReset(t *testing.T) {
	cfg := MixedAttentionIWSLT(1000, 1)
	require.NoError(t, cfg.Validate())
	cache := NewCache(cfg, 3)
	require.True(t, cache.Empty())

	cache.Step = 5
	cache.Slots[0] = Slot{Kind: SlotAttentionKV}
	cache.Reset()
	require.True(t, cache.Empty())
	require.Equal(t, SlotEmpty, cache.Slots[0].Kind)
}

func TestCacheReorder(t *testing.T) {
	cfg := MixedAttentionIWSLT(1000, 1)
	require.NoError(t, cfg.Validate())
	cache := NewCache(cfg, 3)

	// One KV slot with a recognizable per-example value.
	kv := tensors.FromShape(shapes.Make(dtypes.Float32, 3, 2, 4, 1)) // [batch, heads, keyLen, headDim]
	tensors.MutableFlatData(kv, func(flat []float32) {
		for i := range flat {
			flat[i] = float32(i / 8) // batch index
		}
	})
	cache.Slots[cfg.sharedSlot(0)] = Slot{Kind: SlotAttentionKV, Key: kv, Value: kv}
	cache.Step = 2

	require.ErrorContains(t, cache.Reorder([]int{0, 1}), "reorder permutation has 2 entries")
	require.ErrorContains(t, cache.Reorder([]int{0, 1, 3}), "outside of batch size")

	// Beam-search style: example 2 dropped, example 1 duplicated.
	require.NoError(t, cache.Reorder([]int{1, 1, 0}))
	tensors.ConstFlatData(cache.Slots[cfg.sharedSlot(0)].Key, func(flat []float32) {
		want := []float32{1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 0, 0, 0, 0, 0, 0, 0, 0}
		require.Equal(t, want, flat)
	})
}
