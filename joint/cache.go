package joint

import (
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// SlotKind tags what a cache slot holds.
type SlotKind int

const (
	// SlotEmpty is a slot not yet written by any decoding step.
	SlotEmpty SlotKind = iota

	// SlotAttentionKV holds projected keys and values, [batch, heads, keyLen,
	// headDim], appended along keyLen at each step (static for
	// cross-attention).
	SlotAttentionKV

	// SlotConvBuffer holds the last kernel-1 convolution inputs,
	// [batch, kernel-1, convDim].
	SlotConvBuffer
)

func (k SlotKind) String() string {
	switch k {
	case SlotEmpty:
		return "empty"
	case SlotAttentionKV:
		return "attention-kv"
	case SlotConvBuffer:
		return "conv-buffer"
	}
	return "invalid"
}

// Slot is the cached state of one attention or convolution sub-layer.
type Slot struct {
	Kind SlotKind

	// Key and Value are set for SlotAttentionKV.
	Key, Value *tensors.Tensor

	// Buffer is set for SlotConvBuffer.
	Buffer *tensors.Tensor
}

// Cache holds the incremental decoding state between Decoder.Decode calls.
// It is owned by the caller (one per decoding session) and passed back on
// every step; the Decoder never keeps a reference. Passing nil instead
// requests a full-sequence (non-incremental) computation.
//
// The slot layout is fixed by the configuration: every attention and
// convolution sub-layer owns one slot, indexed by position (see
// Config.slotPlan). A slot written with a kind different from the plan's
// means the cache belongs to a different architecture, and is rejected.
type Cache struct {
	Config    *Config
	BatchSize int

	// Step is the number of target tokens already decoded.
	Step int

	Slots []Slot
}

// Per-layer slot indexing. Cross-attention slots only exist without mixed
// attention; they hold the (static) projected encoder keys and values.

func (cfg *Config) slotsPerAttnLayer() int {
	if cfg.MixedAttention {
		return 1
	}
	return 2
}

func (cfg *Config) targetSlot(i int) int { return i }

func (cfg *Config) sharedSlot(i int) int {
	return cfg.TargetLayers + i*cfg.slotsPerAttnLayer()
}

func (cfg *Config) sharedCrossSlot(i int) int { return cfg.sharedSlot(i) + 1 }

func (cfg *Config) convSlot(i int) int {
	return cfg.TargetLayers + cfg.TransformerLayers*cfg.slotsPerAttnLayer() + i*cfg.slotsPerAttnLayer()
}

func (cfg *Config) convCrossSlot(i int) int { return cfg.convSlot(i) + 1 }

func (cfg *Config) numSlots() int {
	return cfg.TargetLayers + (cfg.TransformerLayers+cfg.ConvLayers)*cfg.slotsPerAttnLayer()
}

// slotPlan returns the kind each slot must have once written. Convolutions
// with kernel size 1 have no history and keep their slot empty.
func (cfg *Config) slotPlan() []SlotKind {
	plan := make([]SlotKind, cfg.numSlots())
	for i := range cfg.TargetLayers {
		if cfg.TargetKernelSizes[i] > 1 {
			plan[cfg.targetSlot(i)] = SlotConvBuffer
		}
	}
	for i := range cfg.TransformerLayers {
		plan[cfg.sharedSlot(i)] = SlotAttentionKV
		if !cfg.MixedAttention {
			plan[cfg.sharedCrossSlot(i)] = SlotAttentionKV
		}
	}
	for i := range cfg.ConvLayers {
		if cfg.ConvKernelSizes[i] > 1 {
			plan[cfg.convSlot(i)] = SlotConvBuffer
		}
		if !cfg.MixedAttention {
			plan[cfg.convCrossSlot(i)] = SlotAttentionKV
		}
	}
	return plan
}

// NewCache creates an empty incremental decoding state for batchSize
// parallel sequences (e.g. beams).
func NewCache(cfg *Config, batchSize int) *Cache {
	return &Cache{
		Config:    cfg,
		BatchSize: batchSize,
		Slots:     make([]Slot, cfg.numSlots()),
	}
}

// Empty reports whether no decoding step has run yet. The first incremental
// step processes the source stream (in mixed attention) and initializes
// every slot.
func (c *Cache) Empty() bool { return c.Step == 0 }

// Reset clears the cache for a new decoding session without reallocating.
func (c *Cache) Reset() {
	c.Step = 0
	for i := range c.Slots {
		c.Slots[i] = Slot{}
	}
}

// Reorder rearranges the batch dimension of every slot: entry b of the
// reordered cache is entry perm[b] of the current one. Entries may repeat,
// as when beam search promotes several continuations of the same beam.
func (c *Cache) Reorder(perm []int) error {
	if len(perm) != c.BatchSize {
		return errors.Errorf("reorder permutation has %d entries, cache batch size is %d", len(perm), c.BatchSize)
	}
	for _, p := range perm {
		if p < 0 || p >= c.BatchSize {
			return errors.Errorf("reorder permutation entry %d outside of batch size %d", p, c.BatchSize)
		}
	}
	for i := range c.Slots {
		slot := &c.Slots[i]
		for _, t := range []**tensors.Tensor{&slot.Key, &slot.Value, &slot.Buffer} {
			if *t == nil {
				continue
			}
			reordered, err := reorderBatch(*t, perm)
			if err != nil {
				return errors.WithMessagef(err, "reordering slot #%d (%s)", i, slot.Kind)
			}
			*t = reordered
		}
	}
	return nil
}

// reorderBatch gathers rows of the leading (batch) axis. All cached tensors
// are batch-major to make this a flat copy.
func reorderBatch(t *tensors.Tensor, perm []int) (*tensors.Tensor, error) {
	dims := t.Shape().Dimensions
	rowSize := 1
	for _, dim := range dims[1:] {
		rowSize *= dim
	}
	out := tensors.FromShape(t.Shape().Clone())
	switch t.DType() {
	case dtypes.Float32:
		copyRows[float32](t, out, perm, rowSize)
	case dtypes.Float64:
		copyRows[float64](t, out, perm, rowSize)
	default:
		return nil, errors.Errorf("unsupported cache dtype %s", t.DType())
	}
	return out, nil
}

func copyRows[T float32 | float64](src, dst *tensors.Tensor, perm []int, rowSize int) {
	tensors.ConstFlatData(src, func(srcFlat []T) {
		tensors.MutableFlatData(dst, func(dstFlat []T) {
			for b, p := range perm {
				copy(dstFlat[b*rowSize:(b+1)*rowSize], srcFlat[p*rowSize:(p+1)*rowSize])
			}
		})
	})
}
