// Package trees implements a path-keyed tree container, mirroring the
// "PyTree" layout used by checkpoint files: inner nodes are string-keyed
// maps, leaves carry the values.
//
// It is used to hold weight snapshots (trees of tensors) and their metadata.
package trees

import (
	"fmt"
	"iter"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/types/xslices"
	"github.com/pkg/errors"
	"golang.org/x/exp/slices"
)

// Node is either a Value or a Map of its children -- but not both.
type Node[T any] struct {
	// Value is set for leaf nodes only.
	Value T

	// Map is set for non-leaf nodes (and nil in leaf nodes).
	Map map[string]*Node[T]
}

func (n *Node[T]) IsLeaf() bool { return n.Map == nil }

// Tree holds the root node and convenience accessors.
//
// T is the type of the leaf values.
type Tree[T any] struct {
	Root *Node[T] // Always a map node.
}

// Path is a path of map keys from the root node to a leaf.
type Path []string

// New creates a new empty tree.
func New[T any]() *Tree[T] {
	return &Tree[T]{Root: NewMapNode[T]()}
}

// NewMapNode creates a new empty non-leaf node.
func NewMapNode[T any]() *Node[T] {
	return &Node[T]{Map: make(map[string]*Node[T])}
}

// NewLeafNode creates a new leaf node with the given value.
func NewLeafNode[T any](value T) *Node[T] {
	return &Node[T]{Value: value}
}

// DefaultTreePath is used whenever an empty treePath is given.
var DefaultTreePath = []string{"#root"}

// normalizePath drops empty components and substitutes DefaultTreePath for
// an empty path.
func normalizePath(treePath Path) Path {
	if slices.Index(treePath, "") >= 0 {
		treePath = slices.DeleteFunc(slices.Clone(treePath),
			func(s string) bool { return s == "" })
	}
	if len(treePath) == 0 {
		return DefaultTreePath
	}
	return treePath
}

// PathSeparator is used by SplitPath and JoinPath, matching the scope
// separator of context variables.
const PathSeparator = "/"

// SplitPath converts a "/"-separated string to a Path. Empty components
// (from leading, trailing or doubled separators) are dropped by the tree
// accessors.
func SplitPath(p string) Path {
	return normalizePath(strings.Split(p, PathSeparator))
}

// JoinPath is the inverse of SplitPath.
func JoinPath(treePath Path) string {
	return strings.Join(treePath, PathSeparator)
}

// Set value in treePath, populating intermediary nodes where needed.
//
// Empty components of treePath are skipped, and an empty treePath is
// converted to DefaultTreePath.
//
// It returns an error when the path crosses or lands on a node of the wrong
// kind: a node is either a leaf or a map, never both.
func (tree *Tree[T]) Set(treePath Path, value T) error {
	treePath = normalizePath(treePath)
	node := tree.Root
	for ii, pathElement := range treePath {
		if node.IsLeaf() {
			var t T
			return errors.Errorf("trees.Tree[%T].Set(%q): trying to create a path using an existing leaf node (%q) as a non-leaf node",
				t, treePath, treePath[:ii])
		}
		next := node.Map[pathElement]
		if next == nil {
			if ii == len(treePath)-1 {
				next = NewLeafNode[T](value)
			} else {
				next = NewMapNode[T]()
			}
			node.Map[pathElement] = next
		}
		node = next
	}
	if !node.IsLeaf() {
		var t T
		return errors.Errorf("trees.Tree[%T].Set(%q): trying to set the value to a non-leaf node", t, treePath)
	}
	node.Value = value
	return nil
}

// Get returns the leaf value at treePath.
// It returns an error if the path doesn't exist or points at a map node.
func (tree *Tree[T]) Get(treePath Path) (value T, err error) {
	treePath = normalizePath(treePath)
	node := tree.Root
	for ii, pathElement := range treePath {
		if node.IsLeaf() {
			err = errors.Errorf("trees.Tree[%T].Get(%q): path crosses the leaf node %q",
				value, treePath, treePath[:ii])
			return
		}
		node = node.Map[pathElement]
		if node == nil {
			err = errors.Errorf("trees.Tree[%T].Get(%q): path not found", value, treePath)
			return
		}
	}
	if !node.IsLeaf() {
		err = errors.Errorf("trees.Tree[%T].Get(%q): target is a non-leaf node", value, treePath)
		return
	}
	return node.Value, nil
}

// Has reports whether treePath resolves to a leaf node.
func (tree *Tree[T]) Has(treePath Path) bool {
	_, err := tree.Get(treePath)
	return err == nil
}

// String implements fmt.Stringer.
func (tree *Tree[T]) String() string {
	var parts []string
	parts = nodeToString(parts, "/", tree.Root, 0)
	return strings.Join(parts, "\n") + "\n"
}

func nodeToString[T any](parts []string, name string, subTree *Node[T], indent int) []string {
	indentSpaces := strings.Repeat("  ", indent)
	indent++
	if subTree.IsLeaf() {
		var valueAny any = subTree.Value
		if valueStr, ok := valueAny.(fmt.Stringer); ok {
			return append(parts, fmt.Sprintf("%s%q: %s", indentSpaces, name, valueStr))
		}
		return append(parts, fmt.Sprintf("%s%q: %v", indentSpaces, name, subTree.Value))
	}
	parts = append(parts, fmt.Sprintf("%s%q: {", indentSpaces, name))
	for _, key := range xslices.SortedKeys(subTree.Map) {
		parts = nodeToString(parts, key, subTree.Map[key], indent)
	}
	parts = append(parts, fmt.Sprintf("%s}", indentSpaces))
	return parts
}

// Map converts a Tree[T1] to a Tree[T2] by calling mapFn at every leaf.
func Map[T1, T2 any](tree1 *Tree[T1], mapFn func(Path, T1) T2) *Tree[T2] {
	tree2 := New[T2]()
	for p, t1 := range tree1.Leaves() {
		err := tree2.Set(p, mapFn(p, t1))
		if err != nil {
			// Duplicating the structure of a valid tree cannot fail.
			panic(err)
		}
	}
	return tree2
}

// Leaves returns an iterator over all leaves, yielding (Path, T).
// Iteration order is non-deterministic; see OrderedLeaves.
func (tree *Tree[T]) Leaves() iter.Seq2[Path, T] {
	return func(yield func(Path, T) bool) {
		recursiveLeaves(nil, tree.Root, false, yield)
	}
}

// NumLeaves traverses the tree and returns the number of leaves.
func (tree *Tree[T]) NumLeaves() int {
	var count int
	for range tree.Leaves() {
		count++
	}
	return count
}

// OrderedLeaves returns an iterator over all leaves in depth-first
// alphabetical order of the node keys, yielding (Path, T).
func (tree *Tree[T]) OrderedLeaves() iter.Seq2[Path, T] {
	return func(yield func(Path, T) bool) {
		recursiveLeaves(nil, tree.Root, true, yield)
	}
}

func recursiveLeaves[T any](treePath Path, node *Node[T], ordered bool, yield func(Path, T) bool) bool {
	if node.IsLeaf() {
		return yield(slices.Clone(treePath), node.Value)
	}
	if ordered {
		for _, key := range xslices.SortedKeys(node.Map) {
			if !recursiveLeaves(append(treePath, key), node.Map[key], ordered, yield) {
				return false
			}
		}
	} else {
		for key, subNode := range node.Map {
			if !recursiveLeaves(append(treePath, key), subNode, ordered, yield) {
				return false
			}
		}
	}
	return true
}

// ValuesAsList extracts the leaf values into a list, in OrderedLeaves order.
func ValuesAsList[T any](tree *Tree[T]) []T {
	results := make([]T, 0, tree.NumLeaves())
	for _, value := range tree.OrderedLeaves() {
		results = append(results, value)
	}
	return results
}

// FromValuesAndTree creates a Tree[T1] with the given values, borrowing the
// structure from the given tree (and ignoring its values). The values must
// be ordered as by OrderedLeaves.
func FromValuesAndTree[T1, T2 any](values []T1, tree *Tree[T2]) *Tree[T1] {
	numLeaves := tree.NumLeaves()
	if len(values) != numLeaves {
		exceptions.Panicf("%d values given, but the tree to be built has %d leaves", len(values), numLeaves)
	}
	newTree := New[T1]()
	var idx int
	for treePath := range tree.OrderedLeaves() {
		err := newTree.Set(treePath, values[idx])
		if err != nil {
			panic(err)
		}
		idx++
	}
	return newTree
}
