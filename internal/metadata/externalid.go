package metadata

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/replikativ/proximum/internal/kvstore"
	"github.com/replikativ/proximum/internal/pss"
)

const externalIDBucket = "metadata:extids"

// ExternalIDsBucket is exported so gc's mark phase can name the
// external-id index's pss bucket directly.
const ExternalIDsBucket = externalIDBucket

// Class distinguishes the two comparable external-id value kinds. Numbers
// of any width are unified into Int so that, say, int32(5) and int64(5)
// collide on the same external-id.
type Class uint8

const (
	ClassString Class = iota
	ClassInt
)

// ExternalID is a (class-tag, value) pair, the total-order key spec's
// external-id index is built over.
type ExternalID struct {
	Class Class
	Str   string
	Int   int64
}

// NewExternalID normalizes a caller-supplied id into an ExternalID. Strings
// pass through; any signed or unsigned integer kind is unified into the
// Int class as a 64-bit value.
func NewExternalID(v interface{}) (ExternalID, error) {
	switch x := v.(type) {
	case string:
		return ExternalID{Class: ClassString, Str: x}, nil
	case int:
		return ExternalID{Class: ClassInt, Int: int64(x)}, nil
	case int8:
		return ExternalID{Class: ClassInt, Int: int64(x)}, nil
	case int16:
		return ExternalID{Class: ClassInt, Int: int64(x)}, nil
	case int32:
		return ExternalID{Class: ClassInt, Int: int64(x)}, nil
	case int64:
		return ExternalID{Class: ClassInt, Int: x}, nil
	case uint:
		return ExternalID{Class: ClassInt, Int: int64(x)}, nil
	case uint8:
		return ExternalID{Class: ClassInt, Int: int64(x)}, nil
	case uint16:
		return ExternalID{Class: ClassInt, Int: int64(x)}, nil
	case uint32:
		return ExternalID{Class: ClassInt, Int: int64(x)}, nil
	case uint64:
		return ExternalID{Class: ClassInt, Int: int64(x)}, nil
	default:
		return ExternalID{}, fmt.Errorf("metadata: unsupported external-id value type %T", v)
	}
}

// encode produces the ordered-set key: class byte, then either the raw
// string bytes or the int64 value bias-shifted into unsigned byte order so
// negative and positive integers sort correctly against each other.
func (e ExternalID) encode() []byte {
	switch e.Class {
	case ClassInt:
		buf := make([]byte, 9)
		buf[0] = byte(ClassInt)
		binary.BigEndian.PutUint64(buf[1:], uint64(e.Int)^0x8000000000000000)
		return buf
	default:
		buf := make([]byte, 1+len(e.Str))
		buf[0] = byte(ClassString)
		copy(buf[1:], e.Str)
		return buf
	}
}

// DecodeExternalID reverses encode, recovering the original class and
// value from an index key. Used to rebuild a node-id -> external-id
// reverse lookup from ForEach, which otherwise only exposes raw keys.
func DecodeExternalID(key []byte) ExternalID {
	if len(key) == 0 {
		return ExternalID{}
	}
	switch Class(key[0]) {
	case ClassInt:
		return ExternalID{Class: ClassInt, Int: int64(binary.BigEndian.Uint64(key[1:]) ^ 0x8000000000000000)}
	default:
		return ExternalID{Class: ClassString, Str: string(key[1:])}
	}
}

// Value returns the Go value this ExternalID was built from (string or
// int64), the inverse of NewExternalID.
func (e ExternalID) Value() interface{} {
	if e.Class == ClassInt {
		return e.Int
	}
	return e.Str
}

// ErrConflict is returned when an external-id is already mapped to a
// different node-id than the one being inserted.
var ErrConflict = fmt.Errorf("metadata: external-id already mapped to a different node")

// ExternalIDIndex is the external-id-keyed order mapping ext-id -> node-id,
// enforcing the uniqueness invariant on Insert.
type ExternalIDIndex struct {
	store *pss.Store
	tree  *pss.Tree
}

// NewExternalIDIndex builds an empty external-id index over kv.
func NewExternalIDIndex(kv kvstore.KV) *ExternalIDIndex {
	return &ExternalIDIndex{store: pss.NewStore(kv, externalIDBucket), tree: pss.Empty()}
}

// OpenExternalIDIndex reconstructs an external-id index from a previously
// persisted root.
func OpenExternalIDIndex(ctx context.Context, kv kvstore.KV, root string) (*ExternalIDIndex, error) {
	store := pss.NewStore(kv, externalIDBucket)
	tree, err := store.Load(ctx, root)
	if err != nil {
		return nil, fmt.Errorf("metadata: load external-id index: %w", err)
	}
	return &ExternalIDIndex{store: store, tree: tree}, nil
}

// Lookup returns the node-id extID currently maps to, if any.
func (idx *ExternalIDIndex) Lookup(extID ExternalID) (uint32, bool) {
	raw, ok := idx.tree.Get(extID.encode())
	if !ok {
		return 0, false
	}
	return binary.BigEndian.Uint32(raw), true
}

// Insert maps extID to nodeID. Re-inserting the same (extID, nodeID) pair
// is a no-op; inserting extID with a different nodeID than it already
// holds is rejected with ErrConflict.
func (idx *ExternalIDIndex) Insert(extID ExternalID, nodeID uint32) error {
	key := extID.encode()
	if existing, ok := idx.tree.Get(key); ok {
		if binary.BigEndian.Uint32(existing) != nodeID {
			return ErrConflict
		}
		return nil
	}
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, nodeID)
	idx.tree = idx.tree.Insert(key, buf)
	return nil
}

// Delete removes extID's mapping, a no-op if absent.
func (idx *ExternalIDIndex) Delete(extID ExternalID) {
	idx.tree = idx.tree.Delete(extID.encode())
}

// Len returns the number of registered external-ids.
func (idx *ExternalIDIndex) Len() int { return idx.tree.Len() }

// ForEach visits every (external-id key, node-id) mapping. Used by
// compaction to replay external-ids onto a remapped node-id space; the
// raw encoded key is opaque to the caller and only useful for re-insertion
// via ForEachRaw-style plumbing, so this exposes the decoded node-id and
// leaves the key bytes for callers that already hold the ExternalID value
// through other means (node-id -> external-id is not otherwise indexed).
func (idx *ExternalIDIndex) ForEach(fn func(key []byte, nodeID uint32) error) error {
	var iterErr error
	idx.tree.ForEach(func(key, value []byte) bool {
		if err := fn(key, binary.BigEndian.Uint32(value)); err != nil {
			iterErr = err
			return false
		}
		return true
	})
	return iterErr
}

// InsertRaw re-maps an existing encoded key to a new node-id, used when
// replaying the external-id index onto a remapped node-id space during
// compaction (the key is already in its final encoded form, so no class
// decoding is needed).
func (idx *ExternalIDIndex) InsertRaw(key []byte, nodeID uint32) {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, nodeID)
	idx.tree = idx.tree.Insert(key, buf)
}

// Save persists the index and returns its new root address.
func (idx *ExternalIDIndex) Save(ctx context.Context) (string, error) {
	return idx.store.Save(ctx, idx.tree)
}

// Fork returns a new ExternalIDIndex sharing this one's tree.
func (idx *ExternalIDIndex) Fork() *ExternalIDIndex {
	return &ExternalIDIndex{store: idx.store, tree: idx.tree}
}

// Merge takes the union of idx and other (add-only semantics per spec's
// merge!): every mapping in other not already present in idx is inserted.
// A conflicting external-id (same id, different node-id in each side) is
// reported via ErrConflict and the merge stops, matching the external-id
// order's uniqueness invariant.
func (idx *ExternalIDIndex) Merge(other *ExternalIDIndex) error {
	var mergeErr error
	other.tree.ForEach(func(key, value []byte) bool {
		if existing, ok := idx.tree.Get(key); ok {
			if binary.BigEndian.Uint32(existing) != binary.BigEndian.Uint32(value) {
				mergeErr = ErrConflict
				return false
			}
			return true
		}
		idx.tree = idx.tree.Insert(key, value)
		return true
	})
	return mergeErr
}
