// Package samplers generates translations from a sequence-to-sequence model
// and a vocabulary, decoding greedily one token at a time.
package samplers

import (
	"slices"

	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gomlx/types/xslices"
	"github.com/gomlx/jointmt/joint"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

type Vocabulary interface {
	EncodeAsIds(text string) []int
	DecodeIds([]int) string

	// The methods below define the special ids for the model.

	BeginningOfSentenceId() int
	EndOfSentenceId() int
	UnknownId() int
	PadId() int
}

// Sampler has a translation model and a vocabulary (sentencepiece)
// configured and generates translations of source sentences.
type Sampler struct {
	Vocab Vocabulary
	Model *joint.Model

	MaxGeneratedTokens int
}

// New creates a new sampler with the registered vocabulary and model.
func New(vocab Vocabulary, model *joint.Model, maxGeneratedTokens int) *Sampler {
	return &Sampler{
		Vocab:              vocab,
		Model:              model,
		MaxGeneratedTokens: maxGeneratedTokens,
	}
}

// Translate the given source sentences.
func (s *Sampler) Translate(sources []string) ([]string, error) {
	return s.TranslateMaxTokens(sources, s.MaxGeneratedTokens)
}

// TranslateMaxTokens is like Translate, but instead of using the default
// MaxGeneratedTokens, uses the given maxTokens instead.
//
// The whole batch is decoded together: each sentence stops at its
// end-of-sentence token, the batch when all have (or at maxTokens).
func (s *Sampler) TranslateMaxTokens(sources []string, maxTokens int) ([]string, error) {
	batchSize := len(sources)
	if batchSize == 0 {
		return nil, nil
	}
	sourceIds := xslices.Map(sources, s.Vocab.EncodeAsIds)
	encoderOut, err := s.Model.Encoder.Encode(s.createSourceTensor(sourceIds))
	if err != nil {
		return nil, errors.WithMessage(err, "encoding the source batch")
	}

	eos := s.Vocab.EndOfSentenceId()
	if maxTokens > s.Model.Decoder.MaxPositions()-1 {
		maxTokens = s.Model.Decoder.MaxPositions() - 1
	}

	// The end-of-sentence token doubles as the beginning-of-target token.
	generated := make([][]int32, batchSize)
	for i := range generated {
		generated[i] = []int32{int32(eos)}
	}
	finished := make([]bool, batchSize)
	numFinished := 0

	cache := joint.NewCache(s.Model.Config, batchSize)
	for step := range maxTokens {
		result, err := s.Model.Decoder.Decode(s.prefixTensor(generated), encoderOut, cache)
		if err != nil {
			return nil, errors.WithMessagef(err, "decoding token %d", step)
		}
		next := greedyPick(result.Logits)
		for i := range generated {
			if finished[i] {
				generated[i] = append(generated[i], int32(s.Vocab.PadId()))
				continue
			}
			generated[i] = append(generated[i], next[i])
			if next[i] == int32(eos) {
				finished[i] = true
				numFinished++
			}
		}
		if numFinished == batchSize {
			break
		}
	}
	klog.V(1).Infof("translated %d sentences, %d hit the %d token limit", batchSize, batchSize-numFinished, maxTokens)

	translations := make([]string, batchSize)
	for i, ids := range generated {
		translations[i] = s.Vocab.DecodeIds(trimSentence(ids, eos))
	}
	return translations, nil
}

// createSourceTensor creates a tensor shaped int32[batchSize, maxLength+1]
// padded with the Vocab.PadId, filled (left to right) with the given
// sourceIds, each terminated by "eos".
func (s *Sampler) createSourceTensor(sourceIds [][]int) *tensors.Tensor {
	batchSize := len(sourceIds)
	lengths := xslices.Map(sourceIds, func(seq []int) int { return len(seq) })
	totalLength := slices.Max(lengths) + 1 // To accommodate for "eos".
	input := tensors.FromScalarAndDimensions(int32(s.Vocab.PadId()), batchSize, totalLength)
	eos := int32(s.Vocab.EndOfSentenceId())
	tensors.MutableFlatData(input, func(flat []int32) {
		for exampleIdx := range batchSize {
			exampleIds := flat[exampleIdx*totalLength : (exampleIdx+1)*totalLength]
			for ii, value := range sourceIds[exampleIdx] {
				exampleIds[ii] = int32(value)
			}
			exampleIds[len(sourceIds[exampleIdx])] = eos
		}
	})
	return input
}

// prefixTensor packs the generated prefixes, all of the same length, into
// int32[batchSize, prefixLen].
func (s *Sampler) prefixTensor(generated [][]int32) *tensors.Tensor {
	batchSize, prefixLen := len(generated), len(generated[0])
	input := tensors.FromScalarAndDimensions(int32(s.Vocab.PadId()), batchSize, prefixLen)
	tensors.MutableFlatData(input, func(flat []int32) {
		for i, seq := range generated {
			copy(flat[i*prefixLen:(i+1)*prefixLen], seq)
		}
	})
	return input
}

// greedyPick returns the arg-max token of the newest position per example,
// from logits shaped [batchSize, sliceLen, vocabSize].
func greedyPick(logits *tensors.Tensor) []int32 {
	dims := logits.Shape().Dimensions
	batchSize, sliceLen, vocabSize := dims[0], dims[1], dims[2]
	next := make([]int32, batchSize)
	tensors.ConstFlatData(logits, func(flat []float32) {
		for b := range batchSize {
			row := flat[(b*sliceLen+sliceLen-1)*vocabSize : (b*sliceLen+sliceLen)*vocabSize]
			best := 0
			for v, score := range row {
				if score > row[best] {
					best = v
				}
			}
			next[b] = int32(best)
		}
	})
	return next
}

// trimSentence drops the leading begin token and everything from the first
// end-of-sentence on.
func trimSentence(ids []int32, eos int) []int {
	out := make([]int, 0, len(ids))
	for _, id := range ids[1:] {
		if id == int32(eos) {
			break
		}
		out = append(out, int(id))
	}
	return out
}
