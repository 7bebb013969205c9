package joint

import (
	"math"
	"sync"
	"testing"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/xla"
)

var (
	testBackendOnce sync.Once
	testBackend     backends.Backend
)

func getTestBackend(t *testing.T) backends.Backend {
	testBackendOnce.Do(func() {
		_ = exceptions.TryCatch[error](func() { testBackend = backends.New() })
	})
	if testBackend == nil {
		t.Skip("no accelerator backend available")
	}
	return testBackend
}

const (
	testVocabSize = 61
	testPadID     = 1
	testEOS       = 2
)

// testConfig returns a tiny deterministic architecture (no dropout).
func testConfig(mixed bool) *Config {
	cfg := &Config{
		VocabSize:          testVocabSize,
		PadID:              testPadID,
		EncoderEmbedDim:    16,
		EmbedDim:           16,
		FFNEmbedDim:        32,
		AttentionHeads:     2,
		TransformerLayers:  2,
		MixedAttention:     mixed,
		MaxSourcePositions: 64,
		MaxTargetPositions: 64,
		NormalizeBefore:    true,
		ShareAllEmbeddings: true,
	}
	if mixed {
		cfg.LanguageEmbeddings = true
	}
	return cfg
}

func tokensTensor(rows [][]int32) *tensors.Tensor {
	batchSize, seqLen := len(rows), len(rows[0])
	t := tensors.FromShape(shapes.Make(dtypes.Int32, batchSize, seqLen))
	tensors.MutableFlatData(t, func(flat []int32) {
		for i, row := range rows {
			copy(flat[i*seqLen:(i+1)*seqLen], row)
		}
	})
	return t
}

func testSourceBatch() *tensors.Tensor {
	// Second example padded at the end: exercises the padding mask.
	return tokensTensor([][]int32{
		{11, 12, 13, 14, testEOS},
		{21, 22, testEOS, testPadID, testPadID},
	})
}

func testTargetPrefix(length int) *tensors.Tensor {
	rows := make([][]int32, 2)
	for i := range rows {
		rows[i] = make([]int32, length)
		rows[i][0] = testEOS
		for j := 1; j < length; j++ {
			rows[i][j] = int32(30 + 5*i + j)
		}
	}
	return tokensTensor(rows)
}

func buildTestModel(t *testing.T, cfg *Config) *Model {
	model, err := NewModel(getTestBackend(t), nil, cfg)
	require.NoError(t, err)
	return model
}

func TestDecodeFullSequenceShapes(t *testing.T) {
	for _, mixed := range []bool{false, true} {
		cfg := testConfig(mixed)
		if !mixed {
			cfg.ConvLayers = 2
			cfg.ConvKernelSizes = []int{3, 3}
			cfg.ConvType = ConvLightweight
			cfg.GLU = true
			cfg.WeightSoftmax = true
		}
		model := buildTestModel(t, cfg)

		encoderOut, err := model.Encoder.Encode(testSourceBatch())
		require.NoError(t, err)
		require.Equal(t, []int{5, 2, cfg.EncoderEmbedDim}, encoderOut.Sequence.Shape().Dimensions)
		require.NotNil(t, encoderOut.PaddingMask)

		result, err := model.Decoder.Decode(testTargetPrefix(4), encoderOut, nil)
		require.NoError(t, err)
		require.Equal(t, []int{2, 4, testVocabSize}, result.Logits.Shape().Dimensions)
		require.NotNil(t, result.Attention)
		require.NotEmpty(t, result.InnerStates)
	}
}

// Incremental decoding must produce the same logits as running the full
// prefix under a causal mask.
func TestIncrementalMatchesFullSequence(t *testing.T) {
	cases := map[string]*Config{
		"mixed":       testConfig(true),
		"cross":       testConfig(false),
		"local":       testConfig(true),
		"interleaved": testConfig(true),
	}
	cases["local"].TransformerKernelSizes = []int{3, 5}
	cases["interleaved"].Interleaved = true
	cases["interleaved"].SourceLayers = 1
	cases["interleaved"].SourceKernelSizes = []int{3}
	cases["interleaved"].TargetLayers = 1
	cases["interleaved"].TargetKernelSizes = []int{3}
	cases["interleaved"].ConvType = ConvLightweight
	cases["interleaved"].WeightSoftmax = true

	const numSteps = 5
	for name, cfg := range cases {
		t.Run(name, func(t *testing.T) {
			model := buildTestModel(t, cfg)
			encoderOut, err := model.Encoder.Encode(testSourceBatch())
			require.NoError(t, err)

			cache := NewCache(cfg, 2)
			for step := 1; step <= numSteps; step++ {
				prefix := testTargetPrefix(step)
				incremental, err := model.Decoder.Decode(prefix, encoderOut, cache)
				require.NoError(t, err)
				require.Equal(t, step, cache.Step)
				require.Equal(t, []int{2, 1, testVocabSize}, incremental.Logits.Shape().Dimensions)

				full, err := model.Decoder.Decode(prefix, encoderOut, nil)
				require.NoError(t, err)

				var wantLast []float32
				tensors.ConstFlatData(full.Logits, func(flat []float32) {
					wantLast = make([]float32, 0, 2*testVocabSize)
					for b := range 2 {
						row := flat[(b*step+step-1)*testVocabSize : (b*step+step)*testVocabSize]
						wantLast = append(wantLast, row...)
					}
				})
				tensors.ConstFlatData(incremental.Logits, func(flat []float32) {
					require.InDeltaSlice(t, wantLast, flat, 1e-3, "step %d", step)
				})
			}
		})
	}
}

func TestIncrementalCacheTransitions(t *testing.T) {
	cfg := testConfig(true)
	model := buildTestModel(t, cfg)
	encoderOut, err := model.Encoder.Encode(testSourceBatch())
	require.NoError(t, err)
	srcLen := encoderOut.Sequence.Shape().Dimensions[0]

	cache := NewCache(cfg, 2)
	_, err = model.Decoder.Decode(testTargetPrefix(1), encoderOut, cache)
	require.NoError(t, err)
	require.False(t, cache.Empty())

	// The first step processes the source: the joint keys cover the source
	// sequence plus one target position.
	slot := cache.Slots[cfg.sharedSlot(0)]
	require.Equal(t, SlotAttentionKV, slot.Kind)
	require.Equal(t, []int{2, cfg.AttentionHeads, srcLen + 1, cfg.headDim()}, slot.Key.Shape().Dimensions)

	_, err = model.Decoder.Decode(testTargetPrefix(2), encoderOut, cache)
	require.NoError(t, err)
	slot = cache.Slots[cfg.sharedSlot(0)]
	require.Equal(t, []int{2, cfg.AttentionHeads, srcLen + 2, cfg.headDim()}, slot.Key.Shape().Dimensions)
}

func TestDecodeRejectsStaleCache(t *testing.T) {
	cfg := testConfig(true)
	model := buildTestModel(t, cfg)
	encoderOut, err := model.Encoder.Encode(testSourceBatch())
	require.NoError(t, err)

	cache := NewCache(cfg, 2)
	_, err = model.Decoder.Decode(testTargetPrefix(1), encoderOut, cache)
	require.NoError(t, err)

	// Skipping a step must be rejected, not silently misdecoded.
	_, err = model.Decoder.Decode(testTargetPrefix(3), encoderOut, cache)
	require.ErrorContains(t, err, "one step at a time")

	// A cache built for another batch size as well.
	other := NewCache(cfg, 3)
	_, err = model.Decoder.Decode(testTargetPrefix(1), encoderOut, other)
	require.ErrorContains(t, err, "batch")
}

func TestAdaptiveSoftmaxLogProbs(t *testing.T) {
	cfg := testConfig(false)
	cfg.ShareAllEmbeddings = false
	cfg.ShareInputOutputEmbed = false
	cfg.AdaptiveSoftmaxCutoffs = []int{20, 40}
	cfg.AdaptiveSoftmaxFactor = 2
	model := buildTestModel(t, cfg)

	encoderOut, err := model.Encoder.Encode(testSourceBatch())
	require.NoError(t, err)
	result, err := model.Decoder.Decode(testTargetPrefix(3), encoderOut, nil)
	require.NoError(t, err)

	// Adaptive softmax returns normalized log-probabilities: each row must
	// sum to 1 in probability space.
	tensors.ConstFlatData(result.Logits, func(flat []float32) {
		for row := 0; row < len(flat); row += testVocabSize {
			sum := 0.0
			for _, logProb := range flat[row : row+testVocabSize] {
				require.LessOrEqual(t, logProb, float32(1e-4))
				sum += math.Exp(float64(logProb))
			}
			require.InDelta(t, 1.0, sum, 1e-3)
		}
	})
}
