package joint

import (
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/pkg/errors"
)

// Model bundles the embedding-only encoder and the joint decoder over one
// variable context. The context is owned by the caller, so pretrained
// weights can be loaded into it before or after construction.
type Model struct {
	Config  *Config
	Context *context.Context
	Encoder *Encoder
	Decoder *Decoder
}

// NewModel validates the configuration and builds the encoder and decoder.
// A nil ctx creates a fresh context with randomly initialized weights.
func NewModel(backend backends.Backend, ctx *context.Context, cfg *Config) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.WithMessage(err, "invalid configuration")
	}
	if ctx == nil {
		ctx = context.New()
	}
	// Both executors build variables in the same context; the decoder
	// executors are created lazily per decoding mode.
	ctx = ctx.Checked(false)
	encoder, err := newEncoder(backend, ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &Model{
		Config:  cfg,
		Context: ctx,
		Encoder: encoder,
		Decoder: newDecoder(backend, ctx, cfg),
	}, nil
}
