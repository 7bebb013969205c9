// Package sentencepiece fills some missing functionality from github.com/eliben/go-sentencepiece
//
// Hopefully it's temporary.
package sentencepiece

import (
	esentencepiece "github.com/eliben/go-sentencepiece"
	"github.com/gomlx/gomlx/types/xslices"
	"github.com/pkg/errors"
)

type Processor struct {
	*esentencepiece.Processor
}

func NewFromPath(vocabPath string) (*Processor, error) {
	proc, err := esentencepiece.NewProcessorFromPath(vocabPath)
	if err != nil {
		return nil, errors.Wrapf(err, "can't create sentencepiece")
	}
	return &Processor{
		Processor: proc,
	}, nil
}

type Token = esentencepiece.Token

// EncodeAsIds returns the text encoded into a sequence of ids.
// It implements samplers.Vocabulary.
func (p *Processor) EncodeAsIds(text string) []int {
	tokens := p.Processor.Encode(text)
	return xslices.Map(tokens, func(t Token) int { return t.ID })
}

// DecodeIds returns the text from a sequence of ids.
// It implements samplers.Vocabulary.
func (p *Processor) DecodeIds(ids []int) string {
	return p.Processor.Decode(ids)
}

// The special token ids below follow the translation dictionary convention:
// bos=0, pad=1, eos=2, unk=3.
//
// TODO: read from tokenizer model instead.

// BeginningOfSentenceId returns the corresponding token, aka "bos".
func (p *Processor) BeginningOfSentenceId() int {
	return 0
}

// EndOfSentenceId returns the corresponding token, aka "eos".
func (p *Processor) EndOfSentenceId() int {
	return 2
}

// UnknownId returns the corresponding token, aka "unk".
func (p *Processor) UnknownId() int {
	return 3
}

// PadId returns the corresponding token, aka "pad".
func (p *Processor) PadId() int {
	return 1
}
