package main

import (
	"flag"
	"path"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/ml/data"
	"github.com/gomlx/jointmt/joint"
	"github.com/gomlx/jointmt/samplers"
	"github.com/gomlx/jointmt/sentencepiece"
	weightsPkg "github.com/gomlx/jointmt/weights"
	"github.com/janpfeifer/must"

	_ "github.com/gomlx/gomlx/backends/xla"
)

var (
	flagDataDir            = flag.String("data", "~/work/jointmt", "Directory to cache downloaded and generated dataset files.")
	flagVocabFile          = flag.String("vocab", "weights/tokenizer.model", "Tokenizer file with vocabulary. Relative to --data directory.")
	flagCheckpoint         = flag.String("checkpoint", "weights/iwslt14-de-en", "Checkpoint directory with the weights snapshot. Relative to --data directory.")
	flagArch               = flag.String("arch", "mixed-iwslt", "Model architecture: one of \"lightconv\", \"mixed-iwslt\", \"local-iwslt\" or \"mixed-wmt-big\".")
	flagVocabSize          = flag.Int("vocab_size", 32000, "Vocabulary size the checkpoint was trained with.")
	flagMaxGeneratedTokens = flag.Int("max_tokens", 200, "Maximum number of tokens to generate per sentence.")
)

// BuildTokenizer from flags --data and --vocab. Panics in case of error.
func BuildTokenizer() *sentencepiece.Processor {
	vocabPath := data.ReplaceTildeInDir(*flagVocabFile)
	if !path.IsAbs(vocabPath) {
		dataDir := data.ReplaceTildeInDir(*flagDataDir)
		vocabPath = path.Join(dataDir, vocabPath)
	}
	return must.M1(sentencepiece.NewFromPath(vocabPath))
}

// CheckpointDir returns the configured checkpoint directory.
func CheckpointDir() string {
	checkpointPath := data.ReplaceTildeInDir(*flagCheckpoint)
	if !path.IsAbs(checkpointPath) {
		dataDir := data.ReplaceTildeInDir(*flagDataDir)
		checkpointPath = path.Join(dataDir, checkpointPath)
	}
	return checkpointPath
}

// BuildConfig from flags --arch and --vocab_size. Panics on an unknown
// architecture name.
func BuildConfig(vocab *sentencepiece.Processor) *joint.Config {
	padID := vocab.PadId()
	switch *flagArch {
	case "lightconv":
		return joint.NewConfig(*flagVocabSize, padID)
	case "mixed-iwslt":
		return joint.MixedAttentionIWSLT(*flagVocabSize, padID)
	case "local-iwslt":
		return joint.LocalAttentionIWSLT(*flagVocabSize, padID)
	case "mixed-wmt-big":
		return joint.MixedAttentionWMTBig(*flagVocabSize, padID)
	default:
		exceptions.Panicf("unknown architecture %q given to --arch", *flagArch)
	}
	return nil
}

func BuildSampler() *samplers.Sampler {
	vocab := BuildTokenizer()
	model := must.M1(joint.NewModel(backends.New(), nil, BuildConfig(vocab)))
	snapshot := must.M1(weightsPkg.ReadSnapshot(CheckpointDir()))
	must.M(weightsPkg.LoadIntoContext(model.Context, snapshot))
	return samplers.New(vocab, model, *flagMaxGeneratedTokens)
}
