// Package weights loads and stores model weights: msgpack snapshots of the
// full variable tree, and pretrained token embeddings in the plain-text
// format used by translation toolkits.
package weights

import (
	"os"
	"path"

	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/data"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/jointmt/trees"
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack"
	"k8s.io/klog/v2"
)

const (
	SnapshotFileName = "checkpoint"
)

// snapshotLeaf is the serialized form of one tensor.
type snapshotLeaf struct {
	Dims []int     `msgpack:"dims"`
	Data []float32 `msgpack:"data"`
}

// ReadSnapshot reads a snapshot written by WriteSnapshot from
// checkpointDir, as a tree of float32 tensors keyed by variable scope and
// name.
func ReadSnapshot(checkpointDir string) (*trees.Tree[*tensors.Tensor], error) {
	checkpointDir = data.ReplaceTildeInDir(checkpointDir)
	snapshotPath := path.Join(checkpointDir, SnapshotFileName)
	f, err := os.Open(snapshotPath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read snapshot file from %q", snapshotPath)
	}
	defer func() { _ = f.Close() }()

	var raw map[string]snapshotLeaf
	if err = msgpack.NewDecoder(f).Decode(&raw); err != nil {
		return nil, errors.Wrapf(err, "failed to decode snapshot from %q", snapshotPath)
	}
	tree := trees.New[*tensors.Tensor]()
	for key, leaf := range raw {
		wantSize := 1
		for _, dim := range leaf.Dims {
			wantSize *= dim
		}
		if wantSize != len(leaf.Data) {
			return nil, errors.Errorf("snapshot entry %q has %d values for dimensions %v", key, len(leaf.Data), leaf.Dims)
		}
		t := tensors.FromShape(shapes.Make(dtypes.Float32, leaf.Dims...))
		tensors.MutableFlatData(t, func(flat []float32) {
			copy(flat, leaf.Data)
		})
		if err = tree.Set(trees.SplitPath(key), t); err != nil {
			return nil, errors.WithMessagef(err, "snapshot entry %q", key)
		}
	}
	klog.V(1).Infof("read snapshot with %d tensors from %q", tree.NumLeaves(), snapshotPath)
	return tree, nil
}

// WriteSnapshot serializes the tree of tensors into
// checkpointDir/checkpoint.
func WriteSnapshot(checkpointDir string, tree *trees.Tree[*tensors.Tensor]) error {
	checkpointDir = data.ReplaceTildeInDir(checkpointDir)
	if err := os.MkdirAll(checkpointDir, 0o755); err != nil {
		return errors.Wrapf(err, "failed to create snapshot directory %q", checkpointDir)
	}
	raw := make(map[string]snapshotLeaf, tree.NumLeaves())
	for treePath, t := range tree.OrderedLeaves() {
		leaf := snapshotLeaf{Dims: t.Shape().Dimensions}
		tensors.ConstFlatData(t, func(flat []float32) {
			leaf.Data = append([]float32{}, flat...)
		})
		raw[trees.JoinPath(treePath)] = leaf
	}

	snapshotPath := path.Join(checkpointDir, SnapshotFileName)
	f, err := os.Create(snapshotPath)
	if err != nil {
		return errors.Wrapf(err, "failed to create snapshot file %q", snapshotPath)
	}
	defer func() { _ = f.Close() }()
	if err = msgpack.NewEncoder(f).Encode(raw); err != nil {
		return errors.Wrapf(err, "failed to encode snapshot to %q", snapshotPath)
	}
	klog.V(1).Infof("wrote snapshot with %d tensors to %q", tree.NumLeaves(), snapshotPath)
	return nil
}

// SnapshotFromContext captures every variable of the context into a tree,
// keyed by scope and name.
func SnapshotFromContext(ctx *context.Context) *trees.Tree[*tensors.Tensor] {
	tree := trees.New[*tensors.Tensor]()
	ctx.EnumerateVariables(func(v *context.Variable) {
		if v.Shape().DType != dtypes.Float32 {
			return
		}
		treePath := append(trees.SplitPath(v.Scope()), v.Name())
		_ = tree.Set(treePath, v.Value())
	})
	return tree
}

// LoadIntoContext sets (or creates) one context variable per tree leaf: the
// path holds the scope, the last element the variable name.
func LoadIntoContext(ctx *context.Context, tree *trees.Tree[*tensors.Tensor]) error {
	count := 0
	for treePath, t := range tree.OrderedLeaves() {
		if len(treePath) == 0 {
			return errors.Errorf("snapshot tree has a leaf at the root, no variable name to use")
		}
		scoped := ctx
		for _, p := range treePath[:len(treePath)-1] {
			scoped = scoped.In(p)
		}
		scoped.VariableWithValue(treePath[len(treePath)-1], t)
		count++
	}
	klog.V(1).Infof("loaded %d variables into the context", count)
	return nil
}
