// Package joint implements a joint source-target translation decoder that
// fuses self-attention, lightweight/dynamic convolution and a configurable
// interleaving of source-only, target-only and shared transformer layers,
// with optional language embeddings for multilingual modeling.
//
// The model follows "Joint Source-Target Self Attention with Locality
// Constraints" (Fonollosa et al., 2019): source and target tokens can be
// concatenated into a single self-attention stream ("mixed attention")
// instead of the classic encoder-decoder cross-attention split.
package joint

import (
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// ConvType selects the convolution variant used by conv layers.
type ConvType int

const (
	ConvNone ConvType = iota
	ConvLightweight
	ConvDynamic
)

func (t ConvType) String() string {
	switch t {
	case ConvNone:
		return "none"
	case ConvLightweight:
		return "lightweight"
	case ConvDynamic:
		return "dynamic"
	}
	return "invalid"
}

// Config fixes the decoder architecture. It is resolved once, validated with
// Validate, and never mutated afterwards.
type Config struct {
	DType dtypes.DType

	// Vocabulary, shared between source and target (joined dictionary).
	VocabSize int
	PadID     int

	// Dimensions.
	EncoderEmbedDim int
	EmbedDim        int // decoder embedding dimension
	InputEmbedDim   int // defaults to EmbedDim; projected in when different
	OutputEmbedDim  int // defaults to EmbedDim; projected out when different
	FFNEmbedDim     int
	ConvDim         int // defaults to EmbedDim
	AttentionHeads  int

	// Layer structure. SourceLayers and TargetLayers are convolutional
	// branch layers with their own kernel lists; TransformerLayers are the
	// shared self-attention layers; ConvLayers are the legacy convolutional
	// decoder layers that always run last.
	SourceLayers      int
	TargetLayers      int
	TransformerLayers int
	ConvLayers        int

	SourceKernelSizes []int
	TargetKernelSizes []int
	ConvKernelSizes   []int

	// TransformerKernelSizes, when non-nil, switches the shared layers to
	// local (banded) attention with the given per-layer window sizes.
	TransformerKernelSizes []int

	// Interleaved runs the i-th source/target branch layer right before the
	// i-th shared layer instead of running the branches up front.
	Interleaved bool

	// MixedAttention concatenates source and target into one self-attention
	// sequence; when false the shared and legacy layers perform classic
	// cross-attention against the encoder output.
	MixedAttention bool

	// Convolution settings.
	ConvType      ConvType
	GLU           bool
	WeightSoftmax bool

	// Embedding settings.
	LearnedPositions   bool
	NoTokenPositions   bool
	LanguageEmbeddings bool
	MaxSourcePositions int
	MaxTargetPositions int

	// Dropout rates.
	Dropout          float64
	AttentionDropout float64
	ReLUDropout      float64
	InputDropout     float64
	WeightDropout    float64

	// NormalizeBefore applies layer-norm before each block (and a final
	// layer-norm after the last one).
	NormalizeBefore bool

	// Output projection. At most one strategy is active: adaptive softmax
	// when cutoffs are set, otherwise tied embeddings when
	// ShareInputOutputEmbed is set, otherwise a freestanding matrix.
	ShareInputOutputEmbed  bool
	ShareAllEmbeddings     bool
	AdaptiveSoftmaxCutoffs []int
	AdaptiveSoftmaxFactor  int
	AdaptiveSoftmaxDropout float64
	TieAdaptiveWeights     bool
}

// NewConfig returns a Config with the base architecture defaults, for the
// given joined vocabulary.
func NewConfig(vocabSize, padID int) *Config {
	return &Config{
		DType:                 dtypes.Float32,
		VocabSize:             vocabSize,
		PadID:                 padID,
		EncoderEmbedDim:       512,
		EmbedDim:              512,
		FFNEmbedDim:           2048,
		AttentionHeads:        8,
		ConvLayers:            6,
		ConvKernelSizes:       []int{3, 7, 15, 31, 31, 31},
		ConvType:              ConvLightweight,
		GLU:                   true,
		WeightSoftmax:         true,
		MaxSourcePositions:    1024,
		MaxTargetPositions:    1024,
		Dropout:               0.1,
		InputDropout:          0.1,
		AdaptiveSoftmaxFactor: 4,
		ShareAllEmbeddings:    true,
	}
}

// MixedAttentionIWSLT returns the mixed-attention architecture used for the
// IWSLT De-En experiments: no separate branches, 14 shared transformer
// layers over the concatenated source+target stream, language embeddings on.
func MixedAttentionIWSLT(vocabSize, padID int) *Config {
	cfg := NewConfig(vocabSize, padID)
	cfg.EncoderEmbedDim = 256
	cfg.EmbedDim = 256
	cfg.FFNEmbedDim = 1024
	cfg.AttentionHeads = 4
	cfg.ConvLayers = 0
	cfg.ConvKernelSizes = nil
	cfg.TransformerLayers = 14
	cfg.MixedAttention = true
	cfg.LanguageEmbeddings = true
	cfg.AttentionDropout = 0.1
	cfg.WeightDropout = 0.1
	cfg.GLU = false
	cfg.InputDropout = 0
	cfg.NormalizeBefore = true
	return cfg
}

// LocalAttentionIWSLT is MixedAttentionIWSLT with fixed-width local
// attention windows growing with depth.
func LocalAttentionIWSLT(vocabSize, padID int) *Config {
	cfg := MixedAttentionIWSLT(vocabSize, padID)
	cfg.TransformerKernelSizes = []int{3, 5, 7, 9, 11, 13, 15, 17, 21, 25, 29, 33, 37, 41}
	return cfg
}

// MixedAttentionWMTBig returns the big mixed-attention architecture used
// for the WMT En-De experiments.
func MixedAttentionWMTBig(vocabSize, padID int) *Config {
	cfg := NewConfig(vocabSize, padID)
	cfg.EncoderEmbedDim = 1024
	cfg.EmbedDim = 1024
	cfg.FFNEmbedDim = 4096
	cfg.AttentionHeads = 16
	cfg.ConvLayers = 0
	cfg.ConvKernelSizes = nil
	cfg.TransformerLayers = 14
	cfg.MixedAttention = true
	cfg.LanguageEmbeddings = true
	cfg.Dropout = 0.3
	cfg.AttentionDropout = 0.1
	cfg.WeightDropout = 0.1
	cfg.NormalizeBefore = true
	return cfg
}

// resolveKernelList implements the single-element broadcast rule: a list of
// length 1 is repeated to the layer count.
func resolveKernelList(name string, list []int, numLayers int) ([]int, error) {
	if numLayers == 0 {
		if len(list) > 0 {
			return nil, errors.Errorf("%s has %d entries but there are no such layers", name, len(list))
		}
		return nil, nil
	}
	if len(list) == 1 {
		expanded := make([]int, numLayers)
		for ii := range expanded {
			expanded[ii] = list[0]
		}
		return expanded, nil
	}
	if len(list) != numLayers {
		return nil, errors.Errorf("%s has %d entries, doesn't match the %d configured layers", name, len(list), numLayers)
	}
	for _, k := range list {
		if k < 1 {
			return nil, errors.Errorf("%s contains invalid kernel size %d", name, k)
		}
	}
	return list, nil
}

// Validate checks the configuration and resolves defaults. It must be
// called (via NewModel or directly) before any forward computation; invalid
// combinations are rejected here, never at forward time.
func (cfg *Config) Validate() error {
	if cfg.DType == dtypes.InvalidDType {
		cfg.DType = dtypes.Float32
	}
	if cfg.VocabSize <= 0 {
		return errors.Errorf("vocabulary size must be positive, got %d", cfg.VocabSize)
	}
	if cfg.PadID < 0 || cfg.PadID >= cfg.VocabSize {
		return errors.Errorf("padding id %d outside of vocabulary of size %d", cfg.PadID, cfg.VocabSize)
	}
	if cfg.InputEmbedDim == 0 {
		cfg.InputEmbedDim = cfg.EmbedDim
	}
	if cfg.OutputEmbedDim == 0 {
		cfg.OutputEmbedDim = cfg.EmbedDim
	}
	if cfg.ConvDim == 0 {
		cfg.ConvDim = cfg.EmbedDim
	}
	if cfg.AttentionHeads <= 0 || cfg.EmbedDim%cfg.AttentionHeads != 0 {
		return errors.Errorf("embedding dimension %d not divisible by %d attention heads", cfg.EmbedDim, cfg.AttentionHeads)
	}
	if cfg.ConvDim%cfg.AttentionHeads != 0 {
		return errors.Errorf("convolution dimension %d not divisible by %d heads", cfg.ConvDim, cfg.AttentionHeads)
	}
	if cfg.MaxSourcePositions <= 0 || cfg.MaxTargetPositions <= 0 {
		return errors.Errorf("max positions must be positive, got source=%d target=%d", cfg.MaxSourcePositions, cfg.MaxTargetPositions)
	}
	for _, rate := range []float64{cfg.Dropout, cfg.AttentionDropout, cfg.ReLUDropout, cfg.InputDropout, cfg.WeightDropout, cfg.AdaptiveSoftmaxDropout} {
		if rate < 0 || rate >= 1 {
			return errors.Errorf("dropout rates must be in [0, 1), got %g", rate)
		}
	}

	numConvLayers := cfg.SourceLayers + cfg.TargetLayers + cfg.ConvLayers
	if numConvLayers > 0 && cfg.ConvType != ConvLightweight && cfg.ConvType != ConvDynamic {
		return errors.Errorf("unknown convolution variant %q, must be lightweight or dynamic", cfg.ConvType)
	}

	var err error
	if cfg.SourceKernelSizes, err = resolveKernelList("source kernel sizes", cfg.SourceKernelSizes, cfg.SourceLayers); err != nil {
		return err
	}
	if cfg.TargetKernelSizes, err = resolveKernelList("target kernel sizes", cfg.TargetKernelSizes, cfg.TargetLayers); err != nil {
		return err
	}
	if cfg.ConvKernelSizes, err = resolveKernelList("decoder kernel sizes", cfg.ConvKernelSizes, cfg.ConvLayers); err != nil {
		return err
	}
	if cfg.TransformerKernelSizes != nil {
		if cfg.TransformerKernelSizes, err = resolveKernelList("transformer kernel sizes", cfg.TransformerKernelSizes, cfg.TransformerLayers); err != nil {
			return err
		}
	}

	if cfg.MixedAttention && cfg.EncoderEmbedDim != cfg.EmbedDim {
		// The source stream flows through the shared decoder layers.
		return errors.Errorf("mixed attention requires encoder dim %d to match decoder dim %d",
			cfg.EncoderEmbedDim, cfg.EmbedDim)
	}
	if cfg.SourceLayers > 0 && !cfg.MixedAttention {
		// Without mixed attention the source stream is never processed, so
		// source-only layers would be dead weights.
		return errors.Errorf("%d source layers configured, but they require mixed attention", cfg.SourceLayers)
	}
	if cfg.Interleaved && cfg.TransformerLayers == 0 {
		return errors.Errorf("interleaved layers require shared transformer layers")
	}
	if cfg.Interleaved && (cfg.SourceLayers > cfg.TransformerLayers || cfg.TargetLayers > cfg.TransformerLayers) {
		// Interleaving runs branch layer i right before shared layer i, so
		// surplus branch layers would never run at all.
		return errors.Errorf("interleaving %d source / %d target branch layers needs at least as many shared layers, got %d",
			cfg.SourceLayers, cfg.TargetLayers, cfg.TransformerLayers)
	}

	if cfg.ShareAllEmbeddings {
		if cfg.EncoderEmbedDim != cfg.EmbedDim {
			return errors.Errorf("sharing all embeddings requires encoder dim %d to match decoder dim %d",
				cfg.EncoderEmbedDim, cfg.EmbedDim)
		}
		cfg.ShareInputOutputEmbed = true
	}
	if cfg.ShareInputOutputEmbed && cfg.OutputEmbedDim != cfg.InputEmbedDim {
		return errors.Errorf("sharing input and output embeddings requires output dim %d to match input dim %d",
			cfg.OutputEmbedDim, cfg.InputEmbedDim)
	}

	if len(cfg.AdaptiveSoftmaxCutoffs) > 0 {
		if cfg.AdaptiveSoftmaxFactor <= 0 {
			cfg.AdaptiveSoftmaxFactor = 4
		}
		prev := 0
		for _, cutoff := range cfg.AdaptiveSoftmaxCutoffs {
			if cutoff <= prev {
				return errors.Errorf("adaptive softmax cutoffs %v must be strictly increasing", cfg.AdaptiveSoftmaxCutoffs)
			}
			prev = cutoff
		}
		if prev >= cfg.VocabSize {
			return errors.Errorf("adaptive softmax cutoff %d beyond vocabulary of size %d", prev, cfg.VocabSize)
		}
		if cfg.TieAdaptiveWeights && cfg.OutputEmbedDim != cfg.InputEmbedDim {
			return errors.Errorf("tying adaptive weights requires output dim %d to match input dim %d",
				cfg.OutputEmbedDim, cfg.InputEmbedDim)
		}
	} else if cfg.TieAdaptiveWeights {
		return errors.Errorf("tying adaptive weights requires adaptive softmax cutoffs")
	}

	return nil
}

// headDim returns the per-head dimension of the attention projections.
func (cfg *Config) headDim() int { return cfg.EmbedDim / cfg.AttentionHeads }

// projection returns the active output projection strategy.
type projectionKind int

const (
	projTied projectionKind = iota
	projMatrix
	projAdaptive
)

func (cfg *Config) projection() projectionKind {
	if len(cfg.AdaptiveSoftmaxCutoffs) > 0 {
		return projAdaptive
	}
	if cfg.ShareInputOutputEmbed {
		return projTied
	}
	return projMatrix
}
