package joint

import (
	"fmt"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Decoder orchestrates the layer stack over the target stream (and, in
// mixed attention, the source stream):
//
//  1. embedding stage;
//  2. target-only and source-only convolution layers, up front or
//     interleaved with the shared layers;
//  3. shared transformer layers — in mixed attention the source pass runs
//     first while the source is being processed, leaving its keys/values in
//     the layer's state slot for the target queries;
//  4. legacy convolution layers, with cross-attention unless mixed;
//  5. final norm, output projection.
//
// The source is processed on full-sequence calls and on the first
// incremental step of a session; later steps reuse the cached keys/values.
type Decoder struct {
	cfg      *Config
	backend  backends.Backend
	ctx      *context.Context
	strategy strategy
	masks    *MaskCache
	execs    map[decodeKey]*context.Exec
}

// Result of one Decode call.
type Result struct {
	// Logits over the vocabulary, [batch, sliceLen, vocabSize]. With
	// adaptive softmax these are normalized log-probabilities.
	Logits *tensors.Tensor

	// Attention holds the last layer's attention distribution averaged over
	// heads, [batch, sliceLen, keyLen]; nil when no layer attends.
	Attention *tensors.Tensor

	// InnerStates traces the time-major output of the embedding stage and
	// of every layer run, in execution order.
	InnerStates []*tensors.Tensor
}

// decodeKey identifies one compiled graph variant. Tensor shapes (target
// length, source length, cached key lengths) are handled by the Exec's own
// cache below each key.
type decodeKey struct {
	incremental   bool
	firstStep     bool
	processSource bool
	hasPadding    bool
}

// decodePlan fixes the graph's input/output layout for one key.
type decodePlan struct {
	key decodeKey
	cfg *Config

	needEncoderSeq bool
	needEncoderPad bool // cross-attention key padding
	needSelfPad    bool // mixed: concatenated source+target key padding
	numTargetMasks int
	numSourceMasks int
	numSlotInputs  int
	hasAttention   bool
	numInnerStates int
}

func newDecoder(backend backends.Backend, ctx *context.Context, cfg *Config) *Decoder {
	var s strategy
	switch {
	case cfg.MixedAttention && cfg.Interleaved:
		s = mixedInterleaved{}
	case cfg.MixedAttention:
		s = mixedSequential{}
	default:
		s = crossAttention{interleaved: cfg.Interleaved}
	}
	return &Decoder{
		cfg:      cfg,
		backend:  backend,
		ctx:      ctx,
		strategy: s,
		masks:    NewMaskCache(),
		execs:    make(map[decodeKey]*context.Exec),
	}
}

// MaxPositions returns the longest supported target sequence.
func (d *Decoder) MaxPositions() int { return d.cfg.MaxTargetPositions }

func (d *Decoder) plan(key decodeKey) decodePlan {
	cfg := d.cfg
	plan := decodePlan{key: key, cfg: cfg}

	// The encoder sequence feeds the source stream while it is processed,
	// and the cross-attention projections until they are cached.
	crossFresh := !cfg.MixedAttention && (!key.incremental || key.firstStep)
	plan.needEncoderSeq = key.processSource || crossFresh
	plan.needEncoderPad = key.hasPadding && (!cfg.MixedAttention || key.processSource)
	plan.needSelfPad = key.hasPadding && cfg.MixedAttention

	if cfg.TransformerLayers > 0 {
		if cfg.TransformerKernelSizes != nil {
			plan.numTargetMasks = cfg.TransformerLayers
			if key.processSource {
				plan.numSourceMasks = cfg.TransformerLayers
			}
		} else if !key.incremental {
			plan.numTargetMasks = 1
		}
	}
	if key.incremental && !key.firstStep {
		plan.numSlotInputs = numStateInputs(cfg.slotPlan())
	}
	plan.hasAttention = cfg.TransformerLayers > 0 || (!cfg.MixedAttention && cfg.ConvLayers > 0)
	plan.numInnerStates = 1 + cfg.TargetLayers + cfg.ConvLayers + cfg.TransformerLayers
	if key.processSource {
		plan.numInnerStates += cfg.SourceLayers + cfg.TransformerLayers
	}
	return plan
}

// forward is the state threaded through one graph build.
type forward struct {
	ctx *context.Context // decoder scope
	cfg *Config
	st  *stepState

	x, source       *Node // time-major streams
	encSeq          *Node
	encPad, selfPad *Node
	targetMasks     []*Node // per shared layer, or a single shared causal mask
	sourceMasks     []*Node
	attn            *Node
	inner           []*Node
	processSource   bool
}

func (f *forward) targetMask(i int) *Node {
	if len(f.targetMasks) == 0 {
		return nil
	}
	if len(f.targetMasks) == 1 {
		return f.targetMasks[0]
	}
	return f.targetMasks[i]
}

func (f *forward) runTargetLayer(i int) {
	ctx := f.ctx.In(fmt.Sprintf("target_layer_%d", i))
	x, attn := convDecoderLayer(ctx, f.cfg, f.x, f.cfg.TargetKernelSizes[i],
		f.st, f.cfg.targetSlot(i), nil, nil, -1)
	f.x, f.attn = x, attn
	f.inner = append(f.inner, f.x)
}

func (f *forward) runSourceLayer(i int) {
	ctx := f.ctx.In(fmt.Sprintf("source_layer_%d", i))
	f.source = convSourceLayer(ctx, f.cfg, f.source, f.cfg.SourceKernelSizes[i], f.encPad)
	f.inner = append(f.inner, f.source)
}

func (f *forward) runSharedLayer(i int) {
	cfg := f.cfg
	ctx := f.ctx.In(fmt.Sprintf("transformer_layer_%d", i))

	if f.processSource {
		var sourceMask *Node
		if len(f.sourceMasks) > 0 {
			sourceMask = f.sourceMasks[i]
		}
		source, _ := transformerLayer(ctx, cfg, f.source, f.st, cfg.sharedSlot(i),
			sourceMask, f.encPad, nil, nil, -1)
		f.source = source
		f.inner = append(f.inner, f.source)
	}

	var encSeq, encPad *Node
	crossSlot := -1
	if !cfg.MixedAttention {
		encSeq, encPad = f.encSeq, f.encPad
		crossSlot = cfg.sharedCrossSlot(i)
	}
	x, attn := transformerLayer(ctx, cfg, f.x, f.st, cfg.sharedSlot(i),
		f.targetMask(i), f.selfPad, encSeq, encPad, crossSlot)
	f.x, f.attn = x, attn
	f.inner = append(f.inner, f.x)
}

func (f *forward) runConvLayers() {
	cfg := f.cfg
	for i := range cfg.ConvLayers {
		ctx := f.ctx.In(fmt.Sprintf("conv_layer_%d", i))
		var encSeq, encPad *Node
		crossSlot := -1
		if !cfg.MixedAttention {
			encSeq, encPad = f.encSeq, f.encPad
			crossSlot = cfg.convCrossSlot(i)
		}
		x, attn := convDecoderLayer(ctx, cfg, f.x, cfg.ConvKernelSizes[i],
			f.st, cfg.convSlot(i), encSeq, encPad, crossSlot)
		f.x = x
		if attn != nil {
			f.attn = attn
		}
		f.inner = append(f.inner, f.x)
	}
}

// strategy fixes, at construction time, how the branch layers and the
// shared layers interleave and whether a source pass exists at all.
type strategy interface {
	run(f *forward)
}

// mixedSequential: target branch, then source branch, then the shared
// layers over the joint sequence.
type mixedSequential struct{}

func (mixedSequential) run(f *forward) {
	for i := range f.cfg.TargetLayers {
		f.runTargetLayer(i)
	}
	if f.processSource {
		for i := range f.cfg.SourceLayers {
			f.runSourceLayer(i)
		}
	}
	for i := range f.cfg.TransformerLayers {
		f.runSharedLayer(i)
	}
	f.runConvLayers()
}

// mixedInterleaved: the i-th branch layers run right before the i-th shared
// layer.
type mixedInterleaved struct{}

func (mixedInterleaved) run(f *forward) {
	for i := range f.cfg.TransformerLayers {
		if f.processSource && i < f.cfg.SourceLayers {
			f.runSourceLayer(i)
		}
		if i < f.cfg.TargetLayers {
			f.runTargetLayer(i)
		}
		f.runSharedLayer(i)
	}
	f.runConvLayers()
}

// crossAttention: no source pass ever; the encoder output is attended
// through per-layer cross-attention instead.
type crossAttention struct {
	interleaved bool
}

func (s crossAttention) run(f *forward) {
	if !s.interleaved {
		for i := range f.cfg.TargetLayers {
			f.runTargetLayer(i)
		}
	}
	for i := range f.cfg.TransformerLayers {
		if s.interleaved && i < f.cfg.TargetLayers {
			f.runTargetLayer(i)
		}
		f.runSharedLayer(i)
	}
	f.runConvLayers()
}

// forwardGraph builds the graph function for one plan. Input order:
// tokens, [positions], [encoderSeq], [encoderPad], [selfPad],
// targetMasks..., sourceMasks..., slots... Output order: logits, [attn],
// innerStates..., slots...
func (d *Decoder) forwardGraph(plan decodePlan) func(*context.Context, []*Node) []*Node {
	cfg := d.cfg
	return func(ctx *context.Context, inputs []*Node) []*Node {
		decCtx := ctx.In("decoder")
		tokenCtx := decCtx
		if cfg.ShareAllEmbeddings {
			tokenCtx = ctx
		}

		pos := 0
		next := func() *Node { n := inputs[pos]; pos++; return n }
		take := func(k int) []*Node { ns := inputs[pos : pos+k]; pos += k; return ns }

		tokens := next()
		var positions *Node
		if plan.key.incremental {
			positions = next()
		}
		f := &forward{
			ctx:           decCtx,
			cfg:           cfg,
			processSource: plan.key.processSource,
		}
		if plan.needEncoderSeq {
			f.encSeq = next()
		}
		if plan.needEncoderPad {
			f.encPad = next()
		}
		if plan.needSelfPad {
			f.selfPad = next()
		}
		f.targetMasks = take(plan.numTargetMasks)
		f.sourceMasks = take(plan.numSourceMasks)

		switch {
		case plan.key.incremental && plan.key.firstStep:
			f.st = newScratchState(cfg, true)
		case plan.key.incremental:
			f.st = newStateFromInputs(cfg.slotPlan(), take(plan.numSlotInputs))
		case cfg.MixedAttention:
			// Full-sequence mixed attention still needs in-graph state: the
			// source pass leaves its keys/values for the target pass.
			f.st = newScratchState(cfg, false)
		}

		p := embedParams{
			cfg:          cfg,
			dim:          cfg.EmbedDim,
			inputDim:     cfg.InputEmbedDim,
			maxPositions: cfg.MaxTargetPositions,
			learnedPos:   cfg.LearnedPositions,
		}
		x := embedStage(decCtx, tokenCtx, p, tokens, positions)
		f.x = TransposeAllDims(x, 1, 0, 2) // [B,T,C] -> [T,B,C]
		f.source = f.encSeq
		f.inner = append(f.inner, f.x)

		d.strategy.run(f)

		x = f.x
		if cfg.NormalizeBefore {
			x = layerNorm(decCtx.In("layer_norm"), x)
		}
		x = TransposeAllDims(x, 1, 0, 2) // [T,B,C] -> [B,T,C]
		if cfg.EmbedDim != cfg.OutputEmbedDim && !cfg.TieAdaptiveWeights {
			x = layers.Dense(decCtx.In("project_out"), x, false, cfg.OutputEmbedDim)
		}
		logits := outputProjection(decCtx, tokenCtx, cfg, x)

		outputs := []*Node{logits}
		if plan.hasAttention {
			outputs = append(outputs, f.attn)
		}
		outputs = append(outputs, f.inner...)
		if plan.key.incremental {
			outputs = append(outputs, f.st.outputNodes(cfg.slotPlan())...)
		}
		return outputs
	}
}

// Decode runs one forward pass over prevTokens [batch, tgtLen] (int32, the
// full target prefix including the newest token).
//
// With a nil cache the whole prefix is processed under a causal mask and
// logits are returned for every position. With a cache, only the newest
// token is processed — the cache must be exactly one step behind prevTokens
// — and the cache is advanced in place. The first step of a session (empty
// cache) also processes the source stream.
func (d *Decoder) Decode(prevTokens *tensors.Tensor, encoderOut *EncoderOutput, cache *Cache) (*Result, error) {
	cfg := d.cfg
	if prevTokens.Shape().Rank() != 2 || prevTokens.DType() != dtypes.Int32 {
		return nil, errors.Errorf("target tokens must be int32 of shape [batch, tgtLen], got %s", prevTokens.Shape())
	}
	dims := prevTokens.Shape().Dimensions
	batchSize, tgtLen := dims[0], dims[1]
	if tgtLen > cfg.MaxTargetPositions {
		return nil, errors.Errorf("target length %d exceeds the maximum of %d positions", tgtLen, cfg.MaxTargetPositions)
	}
	if encoderOut == nil || encoderOut.Sequence == nil {
		return nil, errors.Errorf("missing encoder output")
	}
	srcLen := encoderOut.Sequence.Shape().Dimensions[0]

	incremental := cache != nil
	if incremental {
		if cache.BatchSize != batchSize {
			return nil, errors.Errorf("cache holds a batch of %d, tokens a batch of %d", cache.BatchSize, batchSize)
		}
		if cache.Step != tgtLen-1 {
			return nil, errors.Errorf("cache is at step %d, cannot decode target position %d; feed tokens one step at a time",
				cache.Step, tgtLen-1)
		}
	}
	key := decodeKey{
		incremental:   incremental,
		firstStep:     incremental && cache.Empty(),
		processSource: cfg.MixedAttention && (!incremental || cache.Empty()),
		hasPadding:    encoderOut.PaddingMask != nil,
	}
	plan := d.plan(key)

	inputs := make([]any, 0, 4+plan.numTargetMasks+plan.numSourceMasks+plan.numSlotInputs)
	if incremental {
		inputs = append(inputs,
			lastColumn(prevTokens),
			tensors.FromScalarAndDimensions(int32(cfg.PadID+tgtLen), batchSize, 1))
	} else {
		inputs = append(inputs, prevTokens)
	}
	if plan.needEncoderSeq {
		inputs = append(inputs, encoderOut.Sequence)
	}
	if plan.needEncoderPad {
		inputs = append(inputs, encoderOut.PaddingMask)
	}
	if plan.needSelfPad {
		inputs = append(inputs, ConcatPaddingMask(encoderOut.PaddingMask, tgtLen))
	}
	inputs = d.appendMasks(inputs, plan, srcLen, tgtLen)
	if plan.numSlotInputs > 0 {
		slotInputs, err := cache.slotTensors()
		if err != nil {
			return nil, err
		}
		inputs = append(inputs, slotInputs...)
	}

	exec := d.execs[key]
	if exec == nil {
		err := exceptions.TryCatch[error](func() {
			exec = context.NewExec(d.backend, d.ctx, d.forwardGraph(plan))
			exec.SetMaxCache(256) // one compiled graph per cached key length
		})
		if err != nil {
			return nil, errors.WithMessage(err, "building the decoder graph")
		}
		d.execs[key] = exec
	}
	var outputs []*tensors.Tensor
	err := exceptions.TryCatch[error](func() {
		outputs = exec.Call(inputs...)
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "decoding step %d", tgtLen-1)
	}

	result := &Result{Logits: outputs[0]}
	pos := 1
	if plan.hasAttention {
		result.Attention = outputs[pos]
		pos++
	}
	result.InnerStates = outputs[pos : pos+plan.numInnerStates]
	pos += plan.numInnerStates
	if incremental {
		cache.setSlotTensors(outputs[pos:])
		cache.Step = tgtLen
	}
	return result, nil
}

// appendMasks builds the eager attention masks for this call. Incremental
// steps query with a single row against all tgtLen target keys; mixed
// attention prepends a fully-visible block for the srcLen source keys.
func (d *Decoder) appendMasks(inputs []any, plan decodePlan, srcLen, tgtLen int) []any {
	cfg := d.cfg
	rows := tgtLen
	if plan.key.incremental {
		rows = 1
	}
	mixed := func(mask *tensors.Tensor) *tensors.Tensor {
		if cfg.MixedAttention {
			return PrependZeroBlock(mask, srcLen)
		}
		return mask
	}
	if cfg.TransformerKernelSizes == nil {
		if plan.numTargetMasks > 0 {
			inputs = append(inputs, mixed(d.masks.Causal(tgtLen)))
		}
	} else {
		for i := range plan.numTargetMasks {
			inputs = append(inputs, mixed(LocalMask(rows, tgtLen, cfg.TransformerKernelSizes[i], true)))
		}
	}
	for i := range plan.numSourceMasks {
		inputs = append(inputs, LocalMask(srcLen, srcLen, cfg.TransformerKernelSizes[i], false))
	}
	return inputs
}

// lastColumn slices the newest token of each sequence, [batch, 1].
func lastColumn(tokens *tensors.Tensor) *tensors.Tensor {
	dims := tokens.Shape().Dimensions
	batchSize, seqLen := dims[0], dims[1]
	out := tensors.FromShape(shapes.Make(dtypes.Int32, batchSize, 1))
	tensors.ConstFlatData(tokens, func(src []int32) {
		tensors.MutableFlatData(out, func(dst []int32) {
			for b := range batchSize {
				dst[b] = src[b*seqLen+seqLen-1]
			}
		})
	})
	return out
}

// slotTensors flattens the cached slots into Exec arguments, checking them
// against the architecture's slot plan.
func (c *Cache) slotTensors() ([]any, error) {
	plan := c.Config.slotPlan()
	flat := make([]any, 0, numStateInputs(plan))
	for i, kind := range plan {
		slot := &c.Slots[i]
		if slot.Kind != kind {
			return nil, errors.Errorf("cache slot #%d holds %s, the architecture requires %s", i, slot.Kind, kind)
		}
		switch kind {
		case SlotAttentionKV:
			flat = append(flat, slot.Key, slot.Value)
		case SlotConvBuffer:
			flat = append(flat, slot.Buffer)
		}
	}
	return flat, nil
}

// setSlotTensors writes the updated slot values back, in plan order.
func (c *Cache) setSlotTensors(updated []*tensors.Tensor) {
	plan := c.Config.slotPlan()
	pos := 0
	for i, kind := range plan {
		slot := &c.Slots[i]
		slot.Kind = kind
		switch kind {
		case SlotAttentionKV:
			slot.Key, slot.Value = updated[pos], updated[pos+1]
			pos += 2
		case SlotConvBuffer:
			slot.Buffer = updated[pos]
			pos++
		}
	}
}
