package edgestore

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/replikativ/proximum/internal/kvstore"
	"github.com/replikativ/proximum/internal/util"
)

// Store is the chunked, copy-on-write adjacency graph for one HNSW
// instance. In persistent mode every apparent mutation is refused — callers
// must call AsTransient first. A transient Store may be mutated in place by
// a single writer; AsPersistent seals it again. Fork produces a new Store
// that shares chunk references with its parent and starts persistent with
// an empty dirty set, so forking is O(#materialized chunks), not O(graph
// size).
type Store struct {
	mu sync.RWMutex

	maxNodes uint32
	maxLevel int
	m        int
	m0       int

	chunks  map[EncodedPosition]*Chunk
	dirty   map[EncodedPosition]bool
	stripes *stripeLocks

	transient       bool
	entryPoint      uint32
	hasEntryPoint   bool
	currentMaxLevel int
	deleted         *roaring.Bitmap

	storage    ChunkStorage
	addressing util.AddressingMode
}

// ErrNotTransient is returned by mutating operations when the store is in
// persistent mode.
var ErrNotTransient = fmt.Errorf("edgestore: mutation requires transient mode")

// ErrCapacityExceeded is returned when a node-id is beyond maxNodes.
var ErrCapacityExceeded = fmt.Errorf("edgestore: node-id exceeds capacity")

// New creates an empty edge store backed by kv for chunk persistence.
func New(maxNodes uint32, maxLevel, m, m0 int, kv kvstore.KV, addressing util.AddressingMode) (*Store, error) {
	storage, err := newKVChunkStorage(kv, "")
	if err != nil {
		return nil, err
	}
	return &Store{
		maxNodes:   maxNodes,
		maxLevel:   maxLevel,
		m:          m,
		m0:         m0,
		chunks:     make(map[EncodedPosition]*Chunk),
		dirty:      make(map[EncodedPosition]bool),
		stripes:    &stripeLocks{},
		deleted:    roaring.New(),
		storage:    storage,
		addressing: addressing,
	}, nil
}

// Open rebuilds an edge store from a previously persisted address map and
// store-level state (entry point, max level, deleted bitset), starting in
// transient mode as the load pipeline requires.
func Open(maxNodes uint32, maxLevel, m, m0 int, kv kvstore.KV, addrMapRoot string,
	entryPoint uint32, hasEntryPoint bool, currentMaxLevel int, deletedBitmap []byte,
	addressing util.AddressingMode) (*Store, error) {
	storage, err := newKVChunkStorage(kv, addrMapRoot)
	if err != nil {
		return nil, err
	}
	bm := roaring.New()
	if len(deletedBitmap) > 0 {
		if _, err := bm.ReadFrom(bytes.NewReader(deletedBitmap)); err != nil {
			return nil, fmt.Errorf("edgestore: decode deleted bitmap: %w", err)
		}
	}
	s := &Store{
		maxNodes:        maxNodes,
		maxLevel:        maxLevel,
		m:               m,
		m0:              m0,
		chunks:          make(map[EncodedPosition]*Chunk),
		dirty:           make(map[EncodedPosition]bool),
		stripes:         &stripeLocks{},
		transient:       true,
		entryPoint:      entryPoint,
		hasEntryPoint:   hasEntryPoint,
		currentMaxLevel: currentMaxLevel,
		deleted:         bm,
		storage:         storage,
		addressing:      addressing,
	}
	return s, nil
}

func (s *Store) slotsPerNode(layer int) int {
	if layer == 0 {
		return s.m0
	}
	return s.m
}

func chunkIndexOf(node uint32) uint32 { return node / ChunkSize }
func rowOf(node uint32) int           { return int(node % ChunkSize) }

// AsTransient marks the store writable. A no-op if already transient.
func (s *Store) AsTransient() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transient = true
}

// AsPersistent seals the store; subsequent mutation calls fail until the
// next AsTransient.
func (s *Store) AsPersistent() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transient = false
}

// IsTransient reports the current mode.
func (s *Store) IsTransient() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.transient
}

// Fork produces a new Store sharing this store's materialized chunks
// (cheap, O(#chunks) pointer copy) with an empty dirty set, starting
// persistent regardless of the parent's mode. Chunks the parent still
// holds dirty are cloned, since the parent keeps writing those in place.
func (s *Store) Fork() *Store {
	s.mu.RLock()
	defer s.mu.RUnlock()

	chunksCopy := make(map[EncodedPosition]*Chunk, len(s.chunks))
	for k, v := range s.chunks {
		if s.dirty[k] {
			v = v.clone()
		}
		chunksCopy[k] = v
	}

	return &Store{
		maxNodes:        s.maxNodes,
		maxLevel:        s.maxLevel,
		m:               s.m,
		m0:              s.m0,
		chunks:          chunksCopy,
		dirty:           make(map[EncodedPosition]bool),
		stripes:         &stripeLocks{},
		transient:       false,
		entryPoint:      s.entryPoint,
		hasEntryPoint:   s.hasEntryPoint,
		currentMaxLevel: s.currentMaxLevel,
		deleted:         s.deleted.Clone(),
		storage:         s.storage,
		addressing:      s.addressing,
	}
}

// getChunk returns the chunk at pos, materializing it from storage if
// necessary. Must be called without s.mu or pos's stripe lock held (it
// takes the per-position stripe lock itself).
func (s *Store) getChunk(ctx context.Context, pos EncodedPosition, create bool) (*Chunk, error) {
	lock := s.stripes.lockFor(pos)
	lock.Lock()
	defer lock.Unlock()

	s.mu.RLock()
	c, ok := s.chunks[pos]
	s.mu.RUnlock()
	if ok {
		return c, nil
	}

	restored, err := s.storage.Restore(ctx, pos, s.slotsPerNode(pos.Layer()))
	if err != nil {
		return nil, err
	}
	if restored == nil {
		if !create {
			return nil, nil
		}
		restored = newChunk(ChunkSize, s.slotsPerNode(pos.Layer()))
	}

	s.mu.Lock()
	s.chunks[pos] = restored
	s.mu.Unlock()
	return restored, nil
}

// GetNeighbors returns node's neighbor array at layer with trailing
// sentinel slots trimmed, or nil if the chunk has never been written
// (treated as "no neighbors").
func (s *Store) GetNeighbors(ctx context.Context, layer int, node uint32) ([]int32, error) {
	pos := Encode(layer, chunkIndexOf(node))
	c, err := s.getChunk(ctx, pos, false)
	if err != nil || c == nil {
		return nil, err
	}
	return c.row(rowOf(node)), nil
}

// SetNeighbors writes arr (length <= slot-limit for layer) into node's row
// at layer. Requires transient mode.
func (s *Store) SetNeighbors(ctx context.Context, layer int, node uint32, arr []int32) error {
	if node >= s.maxNodes {
		return ErrCapacityExceeded
	}
	limit := s.slotsPerNode(layer)
	if len(arr) > limit {
		return fmt.Errorf("edgestore: neighbor array length %d exceeds layer %d limit %d", len(arr), layer, limit)
	}

	s.mu.RLock()
	transient := s.transient
	s.mu.RUnlock()
	if !transient {
		return ErrNotTransient
	}

	pos := Encode(layer, chunkIndexOf(node))
	lock := s.stripes.lockFor(pos)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	already := s.dirty[pos]
	s.mu.Unlock()

	var c *Chunk
	if already {
		s.mu.RLock()
		c = s.chunks[pos]
		s.mu.RUnlock()
	} else {
		// The stripe lock is already held, so look the chunk up directly
		// instead of through getChunk, which takes the same lock.
		s.mu.RLock()
		existing, ok := s.chunks[pos]
		s.mu.RUnlock()
		if !ok {
			restored, err := s.storage.Restore(ctx, pos, limit)
			if err != nil {
				return err
			}
			if restored == nil {
				restored = newChunk(ChunkSize, limit)
			}
			existing = restored
		}
		c = existing.clone()
		s.mu.Lock()
		s.chunks[pos] = c
		s.dirty[pos] = true
		s.mu.Unlock()
	}

	c.setRow(rowOf(node), arr)
	return nil
}

// SetEntrypoint updates the graph's entry point node-id. Requires transient
// mode.
func (s *Store) SetEntrypoint(node uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.transient {
		return ErrNotTransient
	}
	s.entryPoint = node
	s.hasEntryPoint = true
	return nil
}

// Entrypoint returns the current entry point and whether one has been set.
func (s *Store) Entrypoint() (uint32, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entryPoint, s.hasEntryPoint
}

// SetMaxLevel updates currentMaxLevel. Requires transient mode.
func (s *Store) SetMaxLevel(level int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.transient {
		return ErrNotTransient
	}
	s.currentMaxLevel = level
	return nil
}

// MaxLevel returns currentMaxLevel.
func (s *Store) MaxLevel() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentMaxLevel
}

// SetDeleted marks node deleted. Requires transient mode.
func (s *Store) SetDeleted(node uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.transient {
		return ErrNotTransient
	}
	s.deleted.Add(node)
	return nil
}

// IsDeleted reports whether node is marked deleted.
func (s *Store) IsDeleted(node uint32) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.deleted.Contains(node)
}

// DeletedBitmap returns a serialized snapshot of the deleted-nodes bitset,
// for inclusion in a commit record.
func (s *Store) DeletedBitmap() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.deleted.ToBytes()
}

// HasDirty reports whether any chunk has been mutated since the last
// ClearDirty.
func (s *Store) HasDirty() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.dirty) > 0
}

// DirtyPositions returns the set of positions mutated since the last
// ClearDirty.
func (s *Store) DirtyPositions() []EncodedPosition {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]EncodedPosition, 0, len(s.dirty))
	for pos := range s.dirty {
		out = append(out, pos)
	}
	return out
}

// ClearDirty removes exactly the given positions from the dirty set — a
// concurrent mutation to a chunk between sync's snapshot of dirty positions
// and this call correctly remains dirty for the next sync.
func (s *Store) ClearDirty(positions []EncodedPosition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, pos := range positions {
		delete(s.dirty, pos)
	}
}

// GetChunkByEncodedPosition returns the raw chunk at pos for restore/persist
// tooling, without going through neighbor-row decoding.
func (s *Store) GetChunkByEncodedPosition(ctx context.Context, pos EncodedPosition) (*Chunk, error) {
	return s.getChunk(ctx, pos, false)
}

// SetChunkByEncodedPosition installs a raw chunk at pos (used when
// rehydrating a store from a loaded commit). Bypasses dirty tracking.
func (s *Store) SetChunkByEncodedPosition(pos EncodedPosition, c *Chunk) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks[pos] = c
}

// CountEdges sums non-sentinel neighbor slots across all materialized
// chunks, halved for bidirectionality. Chunks that have been softified and
// not yet reloaded are not counted — this is a diagnostic/metrics figure,
// not a correctness oracle.
func (s *Store) CountEdges() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total := 0
	for _, c := range s.chunks {
		for _, v := range c.slots {
			if v != Sentinel {
				total++
			}
		}
	}
	return total / 2
}

// FlushDirty persists every dirty chunk via the storage backend and clears
// exactly the flushed positions, returning the new address-map root.
func (s *Store) FlushDirty(ctx context.Context) (addressMapRoot string, flushed []EncodedPosition, err error) {
	dirty := s.DirtyPositions()
	kvStorage, ok := s.storage.(*kvChunkStorage)
	if !ok {
		return "", nil, fmt.Errorf("edgestore: storage backend does not support address-map persistence")
	}

	for _, pos := range dirty {
		s.mu.RLock()
		c := s.chunks[pos]
		s.mu.RUnlock()
		if c == nil {
			continue
		}
		if _, err := kvStorage.Persist(ctx, pos, c, s.addressing); err != nil {
			return "", nil, err
		}
	}
	s.ClearDirty(dirty)

	root, err := kvStorage.SaveAddressMap(ctx)
	if err != nil {
		return "", nil, err
	}
	return root, dirty, nil
}
