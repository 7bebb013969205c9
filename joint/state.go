package joint

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/types/shapes"
)

// slotNodes is the graph-side view of one cache slot while building a
// forward graph.
type slotNodes struct {
	kind       SlotKind
	key, value *Node // [batch, heads, keyLen, headDim]
	buffer     *Node // [batch, kernel-1, convDim]
}

// stepState threads the per-sub-layer state through one forward build. It
// exists in two modes: scratch (mixed-attention training, where the source
// pass feeds keys to the target pass within the same graph) and persistent
// (incremental decoding, where slots enter as graph inputs and leave as
// outputs to be written back into the caller's Cache).
type stepState struct {
	persistent bool
	slots      []slotNodes
}

// newScratchState returns a state with every slot empty. With persistent
// set, the final slot values are expected to be collected by outputNodes.
func newScratchState(cfg *Config, persistent bool) *stepState {
	return &stepState{
		persistent: persistent,
		slots:      make([]slotNodes, cfg.numSlots()),
	}
}

// newStateFromInputs rebuilds the state from the trailing graph inputs, in
// slot order: attention slots consume two nodes (key, value), conv slots one
// (buffer). plan gives the expected kind per slot.
func newStateFromInputs(plan []SlotKind, inputs []*Node) *stepState {
	st := &stepState{persistent: true, slots: make([]slotNodes, len(plan))}
	pos := 0
	for i, kind := range plan {
		st.slots[i].kind = kind
		switch kind {
		case SlotAttentionKV:
			st.slots[i].key, st.slots[i].value = inputs[pos], inputs[pos+1]
			pos += 2
		case SlotConvBuffer:
			st.slots[i].buffer = inputs[pos]
			pos++
		}
	}
	if pos != len(inputs) {
		exceptions.Panicf("state plan consumed %d input nodes, %d given", pos, len(inputs))
	}
	return st
}

// numStateInputs returns how many graph inputs/outputs the slot plan maps to.
func numStateInputs(plan []SlotKind) int {
	var n int
	for _, kind := range plan {
		switch kind {
		case SlotAttentionKV:
			n += 2
		case SlotConvBuffer:
			n++
		}
	}
	return n
}

// appendKV concatenates the new projected keys/values after any cached ones
// along the key-length axis, stores the result back into the slot, and
// returns the full sequence.
func (st *stepState) appendKV(idx int, key, value *Node) (*Node, *Node) {
	slot := &st.slots[idx]
	if slot.kind == SlotAttentionKV {
		key = Concatenate([]*Node{slot.key, key}, 2)
		value = Concatenate([]*Node{slot.value, value}, 2)
	}
	slot.kind = SlotAttentionKV
	slot.key, slot.value = key, value
	return key, value
}

// staticKV returns the cached keys/values for a static (cross-attention)
// slot, computing them with compute on the first use.
func (st *stepState) staticKV(idx int, compute func() (*Node, *Node)) (*Node, *Node) {
	slot := &st.slots[idx]
	if slot.kind != SlotAttentionKV {
		slot.kind = SlotAttentionKV
		slot.key, slot.value = compute()
	}
	return slot.key, slot.value
}

// convBuffer returns the buffered convolution inputs for the slot, or zeros
// on the first step.
func (st *stepState) convBuffer(idx int, g *Graph, cfg *Config, batchSize, kernel int) *Node {
	slot := &st.slots[idx]
	if slot.kind != SlotConvBuffer {
		return Zeros(g, shapes.Make(cfg.DType, batchSize, kernel-1, cfg.ConvDim))
	}
	return slot.buffer
}

// setConvBuffer stores the updated buffer, [batch, kernel-1, convDim].
func (st *stepState) setConvBuffer(idx int, buffer *Node) {
	slot := &st.slots[idx]
	slot.kind = SlotConvBuffer
	slot.buffer = buffer
}

// outputNodes flattens the final slot values in plan order, to be returned
// as the trailing graph outputs. Every slot must have been written.
func (st *stepState) outputNodes(plan []SlotKind) []*Node {
	outputs := make([]*Node, 0, numStateInputs(plan))
	for i, kind := range plan {
		slot := &st.slots[i]
		if slot.kind != kind {
			exceptions.Panicf("state slot #%d holds %s, the architecture requires %s", i, slot.kind, kind)
		}
		switch kind {
		case SlotAttentionKV:
			outputs = append(outputs, slot.key, slot.value)
		case SlotConvBuffer:
			outputs = append(outputs, slot.buffer)
		}
	}
	return outputs
}
