package weights

import (
	"bufio"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/data"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Embeddings holds pretrained token embeddings parsed from the plain-text
// format: a header line "count dim" followed by one "token v1 ... vdim"
// line per token.
type Embeddings struct {
	Dim     int
	Vectors map[string][]float32
}

// ParseEmbeddings parses the plain-text embedding format from r. Repeated
// tokens keep the last vector seen.
func ParseEmbeddings(r io.Reader) (*Embeddings, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)
	if !scanner.Scan() {
		return nil, errors.New("embedding file is empty, expected a \"count dim\" header line")
	}
	header := strings.Fields(scanner.Text())
	if len(header) != 2 {
		return nil, errors.Errorf("embedding header line has %d fields, expected \"count dim\"", len(header))
	}
	count, err := strconv.Atoi(header[0])
	if err != nil {
		return nil, errors.Wrapf(err, "invalid embedding count %q", header[0])
	}
	dim, err := strconv.Atoi(header[1])
	if err != nil {
		return nil, errors.Wrapf(err, "invalid embedding dimension %q", header[1])
	}

	e := &Embeddings{
		Dim:     dim,
		Vectors: make(map[string][]float32, count),
	}
	lineNum := 1
	for scanner.Scan() {
		lineNum++
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) != dim+1 {
			return nil, errors.Errorf("embedding line %d has %d values for token %q, expected %d",
				lineNum, len(fields)-1, fields[0], dim)
		}
		vector := make([]float32, dim)
		for i, field := range fields[1:] {
			value, err := strconv.ParseFloat(field, 32)
			if err != nil {
				return nil, errors.Wrapf(err, "embedding line %d, value %d of token %q", lineNum, i, fields[0])
			}
			vector[i] = float32(value)
		}
		e.Vectors[fields[0]] = vector
	}
	if err = scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "reading embedding file")
	}
	klog.V(1).Infof("parsed %d pretrained embeddings of dimension %d", len(e.Vectors), dim)
	return e, nil
}

// ParseEmbeddingsFile is ParseEmbeddings over a file path.
func ParseEmbeddingsFile(filePath string) (*Embeddings, error) {
	filePath = data.ReplaceTildeInDir(filePath)
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open embedding file %q", filePath)
	}
	defer func() { _ = f.Close() }()
	return ParseEmbeddings(f)
}

// Table builds the [len(tokens), Dim] embedding table for the given
// vocabulary, token id i taking row i. Tokens without a pretrained vector
// keep a zero row, and their count is returned.
func (e *Embeddings) Table(tokens []string) (*tensors.Tensor, int) {
	missing := 0
	t := tensors.FromShape(shapes.Make(dtypes.Float32, len(tokens), e.Dim))
	tensors.MutableFlatData(t, func(flat []float32) {
		for i, token := range tokens {
			vector, found := e.Vectors[token]
			if !found {
				missing++
				continue
			}
			copy(flat[i*e.Dim:(i+1)*e.Dim], vector)
		}
	})
	return t, missing
}

// LoadEmbeddingsIntoContext sets the token embedding table variable (under
// scopePath) from pretrained vectors, matched to the vocabulary by token
// string.
func LoadEmbeddingsIntoContext(ctx *context.Context, scopePath []string, e *Embeddings, tokens []string) error {
	if len(tokens) == 0 {
		return errors.New("empty vocabulary given for pretrained embeddings")
	}
	table, missing := e.Table(tokens)
	if missing == len(tokens) {
		return errors.Errorf("none of the %d vocabulary tokens has a pretrained embedding", len(tokens))
	}
	if missing > 0 {
		klog.Warningf("%d of %d vocabulary tokens have no pretrained embedding, their rows stay zero", missing, len(tokens))
	}
	scoped := ctx
	for _, p := range scopePath {
		scoped = scoped.In(p)
	}
	scoped.In("embed_tokens").VariableWithValue("embeddings", table)
	return nil
}
