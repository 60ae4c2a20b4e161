// Package metadata implements the two ordered-set projections the HNSW
// graph carries alongside its vectors: the metadata order (node-id ->
// field map) and the external-id order (external-id -> node-id, with
// uniqueness enforced). Both are built directly on internal/pss, the same
// way internal/vectorstore and internal/edgestore persist their address
// maps, since metadata and external-ids are themselves just ordered sets
// persisted as B-tree-like structures.
package metadata

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/replikativ/proximum/internal/kvstore"
	"github.com/replikativ/proximum/internal/pss"
)

const metadataBucket = "metadata:nodes"

// NodesBucket is exported so gc's mark phase can name the metadata index's
// pss bucket directly.
const NodesBucket = metadataBucket

// Index is the node-id-keyed metadata order. Entries are arbitrary field
// maps, serialized the way the teacher's collection/entry types already do
// (encoding/json over map[string]interface{}).
type Index struct {
	store *pss.Store
	tree  *pss.Tree
}

// New builds an empty metadata index over kv.
func New(kv kvstore.KV) *Index {
	return &Index{store: pss.NewStore(kv, metadataBucket), tree: pss.Empty()}
}

// Open reconstructs a metadata index from a previously persisted root.
func Open(ctx context.Context, kv kvstore.KV, root string) (*Index, error) {
	store := pss.NewStore(kv, metadataBucket)
	tree, err := store.Load(ctx, root)
	if err != nil {
		return nil, fmt.Errorf("metadata: load: %w", err)
	}
	return &Index{store: store, tree: tree}, nil
}

func nodeKey(nodeID uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, nodeID)
	return buf
}

// Get returns the field map recorded for nodeID, or (nil, false) if none.
func (idx *Index) Get(nodeID uint32) (map[string]interface{}, bool, error) {
	raw, ok := idx.tree.Get(nodeKey(nodeID))
	if !ok {
		return nil, false, nil
	}
	var fields map[string]interface{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, false, fmt.Errorf("metadata: decode node %d: %w", nodeID, err)
	}
	return fields, true, nil
}

// Set replaces the field map recorded for nodeID.
func (idx *Index) Set(nodeID uint32, fields map[string]interface{}) error {
	raw, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("metadata: encode node %d: %w", nodeID, err)
	}
	idx.tree = idx.tree.Insert(nodeKey(nodeID), raw)
	return nil
}

// Delete removes nodeID's entry, a no-op if absent.
func (idx *Index) Delete(nodeID uint32) {
	idx.tree = idx.tree.Delete(nodeKey(nodeID))
}

// Len returns the number of nodes carrying metadata.
func (idx *Index) Len() int { return idx.tree.Len() }

// ForEach visits every (node-id, field map) entry. Used by compaction to
// replay metadata onto a remapped node-id space.
func (idx *Index) ForEach(fn func(nodeID uint32, fields map[string]interface{}) error) error {
	var iterErr error
	idx.tree.ForEach(func(key, value []byte) bool {
		var fields map[string]interface{}
		if err := json.Unmarshal(value, &fields); err != nil {
			iterErr = fmt.Errorf("metadata: decode node: %w", err)
			return false
		}
		nodeID := binary.BigEndian.Uint32(key)
		if err := fn(nodeID, fields); err != nil {
			iterErr = err
			return false
		}
		return true
	})
	return iterErr
}

// Save persists the index and returns its new root address.
func (idx *Index) Save(ctx context.Context) (string, error) {
	return idx.store.Save(ctx, idx.tree)
}

// Fork returns a new Index sharing this one's tree (cheap: a treap is
// already persistent, so forking is just keeping the same root pointer).
func (idx *Index) Fork() *Index {
	return &Index{store: idx.store, tree: idx.tree}
}

// Merge takes the union of idx and other: every node-id present in other
// but absent from idx is copied over. Matches merge!'s add-only semantics
// for the metadata order; nodes present on both sides keep idx's entry
// (conflicting metadata for the same external-id is rejected earlier, at
// the external-id index's uniqueness check, not here).
func (idx *Index) Merge(other *Index) {
	other.tree.ForEach(func(key, value []byte) bool {
		if _, ok := idx.tree.Get(key); !ok {
			idx.tree = idx.tree.Insert(key, value)
		}
		return true
	})
}
