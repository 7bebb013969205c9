// Package huggingface handles downloading translation model checkpoints
// from HuggingFace.
//
//   - With a HuggingFace token, the process is automatic.
//   - No Python dependency.
//
// A model repository is expected to hold a "tokenizer.model" sentencepiece
// file and a "checkpoint" weights snapshot; an optional "embeddings.txt"
// with pretrained token embeddings is loaded when present.
package huggingface

import (
	"os"
	"path"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/data"
	gomlxhf "github.com/gomlx/gomlx/ml/data/huggingface"
	"github.com/gomlx/jointmt/joint"
	"github.com/gomlx/jointmt/sentencepiece"
	"github.com/gomlx/jointmt/weights"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const EmbeddingsFileName = "embeddings.txt"

// Download will download (if needed) the model identified by hfID (a
// HuggingFace model id), and save under the cacheDir (for future reuse).
//
// The hfAuthToken is a HuggingFace token -- read-only access -- that needs
// to be created once in HuggingFace site. It can be empty for public
// repositories.
//
// It loads the weights snapshot into the given context and creates a
// sentencepiece tokenizer (vocab) that is returned.
//
// An error is returned if something fails.
func Download(ctx *context.Context, hfID, hfAuthToken, cacheDir string) (vocab *sentencepiece.Processor, err error) {
	cacheDir = data.ReplaceTildeInDir(cacheDir)
	var hfm *gomlxhf.Model
	hfm, err = gomlxhf.New(hfID, hfAuthToken, cacheDir)
	if err != nil {
		return
	}
	err = hfm.Download()
	if err != nil {
		return
	}

	vocab, err = sentencepiece.NewFromPath(path.Join(hfm.BaseDir, "tokenizer.model"))
	if err != nil {
		return
	}

	snapshotPath := path.Join(hfm.BaseDir, weights.SnapshotFileName)
	if info, statErr := os.Stat(snapshotPath); statErr == nil {
		klog.V(1).Infof("weights snapshot %q: %s", snapshotPath, humanize.Bytes(uint64(info.Size())))
	}
	tree, err := weights.ReadSnapshot(hfm.BaseDir)
	if err != nil {
		err = errors.WithMessagef(err, "reading the weights snapshot of %q", hfID)
		return
	}
	if err = weights.LoadIntoContext(ctx, tree); err != nil {
		return
	}
	return
}

// DownloadPretrainedEmbeddings loads the optional plain-text pretrained
// embeddings of the model repository into the token embedding table: the
// shared table at the root scope when all embeddings are shared, the
// decoder's own table otherwise. It returns false without error when the
// repository carries none.
func DownloadPretrainedEmbeddings(ctx *context.Context, cfg *joint.Config, hfID, hfAuthToken, cacheDir string, tokens []string) (bool, error) {
	cacheDir = data.ReplaceTildeInDir(cacheDir)
	hfm, err := gomlxhf.New(hfID, hfAuthToken, cacheDir)
	if err != nil {
		return false, err
	}
	embeddingsPath := path.Join(hfm.BaseDir, EmbeddingsFileName)
	if _, err := os.Stat(embeddingsPath); err != nil {
		return false, nil
	}
	parsed, err := weights.ParseEmbeddingsFile(embeddingsPath)
	if err != nil {
		return false, err
	}
	var scopePath []string
	if !cfg.ShareAllEmbeddings {
		scopePath = []string{"decoder"}
	}
	err = weights.LoadEmbeddingsIntoContext(ctx, scopePath, parsed, tokens)
	return err == nil, err
}
