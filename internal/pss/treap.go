// Package pss implements the ordered-set ("persistent sorted set")
// structure the metadata index, external-id index, and chunk address maps
// are built on: an immutable treap keyed by arbitrary byte-string keys,
// giving expected O(log n) get/insert/delete with cheap structural sharing
// across versions (a "fork" is just keeping the old root pointer).
package pss

import (
	"bytes"

	"github.com/cespare/xxhash/v2"
)

// node is a treap node. Nodes are never mutated after construction;
// insert/delete build new nodes only along the path that changed, exactly
// like Clojure-flavored persistent trees.
type node struct {
	key      []byte
	value    []byte
	priority uint64
	left     *node
	right    *node
}

// priorityOf derives a deterministic heap priority from key so that the
// same key always balances the same way regardless of insertion history —
// required for structural sharing to behave predictably across forks.
func priorityOf(key []byte) uint64 {
	return xxhash.Sum64(key)
}

// Tree is an immutable ordered set of key/value pairs.
type Tree struct {
	root *node
	size int
}

// Empty returns the empty tree.
func Empty() *Tree {
	return &Tree{}
}

// Len returns the number of entries.
func (t *Tree) Len() int {
	if t == nil {
		return 0
	}
	return t.size
}

// Get looks up key, returning (value, true) if present.
func (t *Tree) Get(key []byte) ([]byte, bool) {
	if t == nil {
		return nil, false
	}
	n := t.root
	for n != nil {
		c := bytes.Compare(key, n.key)
		switch {
		case c == 0:
			return n.value, true
		case c < 0:
			n = n.left
		default:
			n = n.right
		}
	}
	return nil, false
}

// Insert returns a new tree with key mapped to value. If key already
// exists, its value is replaced.
func (t *Tree) Insert(key, value []byte) *Tree {
	existed := false
	if t != nil {
		if _, ok := t.Get(key); ok {
			existed = true
		}
	}
	var root *node
	if t != nil {
		root = t.root
	}
	if existed {
		root = remove(root, key)
	}
	newRoot := insert(root, &node{key: key, value: value, priority: priorityOf(key)})
	size := 0
	if t != nil {
		size = t.size
	}
	if !existed {
		size++
	}
	return &Tree{root: newRoot, size: size}
}

// Delete returns a new tree with key removed, or the same tree (by value,
// new Tree wrapper but unchanged root) if key was absent.
func (t *Tree) Delete(key []byte) *Tree {
	if t == nil {
		return Empty()
	}
	if _, ok := t.Get(key); !ok {
		return t
	}
	return &Tree{root: remove(t.root, key), size: t.size - 1}
}

// ForEach visits entries in ascending key order. Stops early if fn returns
// false.
func (t *Tree) ForEach(fn func(key, value []byte) bool) {
	if t == nil {
		return
	}
	forEach(t.root, fn)
}

func forEach(n *node, fn func(key, value []byte) bool) bool {
	if n == nil {
		return true
	}
	if !forEach(n.left, fn) {
		return false
	}
	if !fn(n.key, n.value) {
		return false
	}
	return forEach(n.right, fn)
}

// insert merges a single-node treap `add` into root via split/merge, the
// textbook persistent-treap insertion: walk down favoring BST order,
// rebuild nodes bottom-up on the way back so untouched subtrees are shared.
func insert(root *node, add *node) *node {
	left, right := split(root, add.key)
	add.left, add.right = nil, nil
	return merge(merge(left, add), right)
}

func remove(root *node, key []byte) *node {
	if root == nil {
		return nil
	}
	c := bytes.Compare(key, root.key)
	switch {
	case c == 0:
		return merge(root.left, root.right)
	case c < 0:
		return &node{key: root.key, value: root.value, priority: root.priority,
			left: remove(root.left, key), right: root.right}
	default:
		return &node{key: root.key, value: root.value, priority: root.priority,
			left: root.left, right: remove(root.right, key)}
	}
}

// split partitions root into (<key, >=key) by key order, copying only
// nodes along the split path.
func split(root *node, key []byte) (*node, *node) {
	if root == nil {
		return nil, nil
	}
	if bytes.Compare(root.key, key) < 0 {
		l, r := split(root.right, key)
		return &node{key: root.key, value: root.value, priority: root.priority,
			left: root.left, right: l}, r
	}
	l, r := split(root.left, key)
	return l, &node{key: root.key, value: root.value, priority: root.priority,
		left: r, right: root.right}
}

// merge combines two treaps where every key in a is less than every key in
// b, maintaining heap order on priority.
func merge(a, b *node) *node {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	if a.priority > b.priority {
		return &node{key: a.key, value: a.value, priority: a.priority,
			left: a.left, right: merge(a.right, b)}
	}
	return &node{key: b.key, value: b.value, priority: b.priority,
		left: merge(a, b.left), right: b.right}
}
