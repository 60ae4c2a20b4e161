// Package vectorstore implements the dual vector store: a memory-mapped
// file for SIMD-speed reads, backed by a chunked KV store as the durable
// source of truth. Generalizes the teacher's internal/memory.MemoryMap plus
// internal/index/hnsw's flat-vector layout into the chunked, COW-addressed
// design.
package vectorstore

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/replikativ/proximum/internal/kvstore"
	"github.com/replikativ/proximum/internal/pss"
	"github.com/replikativ/proximum/internal/util"
)

// AddressMapBucket and ChunkBucket are exported so gc's mark phase can
// name exactly the buckets a vector store's reachable chunks live in.
const (
	chunksBucket     = "vectors:chunks"
	AddressMapBucket = chunksBucket
	ChunkBucket      = "vectors:chunk"
)

// Config configures a Store's on-disk layout.
type Config struct {
	Path        string // mmap file path
	Dim         int
	ChunkSize   int // vectors per chunk
	Capacity    int64
	Addressing  util.AddressingMode
	TmpOwned    bool // delete the mmap file on Close if true
}

// Store is the append-only, chunked, mmap-cached vector store described in
// the component design: append reserves a slot and writes into the mmap
// region; flush_async packages chunks for the KV store; sync writes the KV
// chunks, forces the data bytes, and only then advances the header count,
// so a crash between any two steps still leaves [0,N) recoverable.
type Store struct {
	mu     sync.Mutex
	cfg    Config
	mm     *mmapFile
	kv     kvstore.KV
	addrs  *pss.Store
	addrMp *pss.Tree // position(chunk index) -> StorageAddress

	count      uint64 // durable count (as of last sync)
	pendingRel uint64 // count written to mmap since the last sync
}

// Open creates or opens the mmap file at cfg.Path sized for cfg.Capacity
// vectors of cfg.Dim floats, and wires it to kv for chunk persistence.
func Open(cfg Config, kv kvstore.KV) (*Store, error) {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 1000
	}
	size := int64(HeaderSize) + cfg.Capacity*int64(cfg.Dim)*4
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("vectorstore: mkdir: %w", err)
	}

	mm, err := openMmap(cfg.Path, size)
	if err != nil {
		return nil, err
	}

	s := &Store{
		cfg:    cfg,
		mm:     mm,
		kv:     kv,
		addrs:  pss.NewStore(kv, chunksBucket),
		addrMp: pss.Empty(),
	}

	data := mm.Data()
	if bytes8AreZero(data[:4]) {
		h := &header{version: formatVersion, count: 0, dim: uint64(cfg.Dim), chunkSize: uint64(cfg.ChunkSize)}
		copy(data[:HeaderSize], h.encode())
		if err := mm.Force(); err != nil {
			mm.Close()
			return nil, err
		}
	} else {
		h, err := decodeHeader(data[:HeaderSize])
		if err != nil {
			mm.Close()
			return nil, err
		}
		if h.dim != uint64(cfg.Dim) || h.chunkSize != uint64(cfg.ChunkSize) {
			mm.Close()
			return nil, fmt.Errorf("vectorstore: mmap file dim/chunk-size mismatch (file has dim=%d chunk=%d, requested dim=%d chunk=%d)",
				h.dim, h.chunkSize, cfg.Dim, cfg.ChunkSize)
		}
		s.count = h.count
	}

	return s, nil
}

func bytes8AreZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

// LoadAddressMap reconstructs the chunk address map from a previously
// persisted root (as stored in a commit snapshot).
func (s *Store) LoadAddressMap(ctx context.Context, rootAddr string) error {
	t, err := s.addrs.Load(ctx, rootAddr)
	if err != nil {
		return fmt.Errorf("vectorstore: load address map: %w", err)
	}
	s.mu.Lock()
	s.addrMp = t
	s.mu.Unlock()
	return nil
}

// Append atomically reserves the next node-id, writes the vector into the
// mmap region at its offset, and buffers it for the next async chunk flush.
func (s *Store) Append(vec []float32) (uint32, error) {
	if len(vec) != s.cfg.Dim {
		return 0, fmt.Errorf("vectorstore: dimension mismatch: got %d, want %d", len(vec), s.cfg.Dim)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	nodeID := uint32(s.count + s.pendingRel)
	off := vectorOffset(nodeID, uint64(s.cfg.Dim))
	data := s.mm.Data()
	if off+int64(s.cfg.Dim)*4 > int64(len(data)) {
		return 0, fmt.Errorf("vectorstore: capacity exceeded at node-id %d", nodeID)
	}
	writeFloats(data[off:], vec)
	s.pendingRel++

	return nodeID, nil
}

func writeFloats(dst []byte, vec []float32) {
	for i, f := range vec {
		binary.LittleEndian.PutUint32(dst[i*4:], math.Float32bits(f))
	}
}

func readFloats(src []byte, dim int) []float32 {
	out := make([]float32, dim)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(src[i*4:]))
	}
	return out
}

// GetVector reads dim floats directly from the mmap segment; no I/O.
func (s *Store) GetVector(nodeID uint32) ([]float32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	off := vectorOffset(nodeID, uint64(s.cfg.Dim))
	data := s.mm.Data()
	if off+int64(s.cfg.Dim)*4 > int64(len(data)) {
		return nil, fmt.Errorf("vectorstore: node-id %d out of range", nodeID)
	}
	return readFloats(data[off:], s.cfg.Dim), nil
}

// GetSegment returns the raw mapped region backing live vectors, so SIMD
// distance kernels can read without copying.
func (s *Store) GetSegment() []byte {
	return s.mm.Data()[HeaderSize:]
}

// Dim returns the fixed vector dimensionality.
func (s *Store) Dim() int { return s.cfg.Dim }

// Path returns the mmap file's backing path, so branch! can locate it for
// a reflink-probed copy.
func (s *Store) Path() string { return s.cfg.Path }

// Capacity returns the fixed maximum vector count this store's mmap file
// was sized for.
func (s *Store) Capacity() int64 { return s.cfg.Capacity }

// Count returns the durable (last-synced) vector count.
func (s *Store) Count() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// flushAsyncLocked packages any complete (or final partial) chunks of
// buffered vectors since the last sync into byte blocks and hands them to
// the KV store, updating the address map with a fresh (or content-derived)
// StorageAddress per chunk. Caller must hold s.mu.
func (s *Store) flushAsyncLocked(ctx context.Context) error {
	total := s.count + s.pendingRel
	if total == s.count {
		return nil
	}
	firstChunk := s.count / uint64(s.cfg.ChunkSize)
	lastChunk := uint64(0)
	if total > 0 {
		lastChunk = (total - 1) / uint64(s.cfg.ChunkSize)
	}

	data := s.mm.Data()[HeaderSize:]
	vecBytes := int64(s.cfg.Dim) * 4

	for idx := firstChunk; idx <= lastChunk; idx++ {
		chunkStart := idx * uint64(s.cfg.ChunkSize)
		chunkEnd := chunkStart + uint64(s.cfg.ChunkSize)
		if chunkEnd > total {
			chunkEnd = total
		}
		rows := chunkEnd - chunkStart
		payload := make([]byte, rows*uint64(vecBytes))
		copy(payload, data[int64(chunkStart)*vecBytes:int64(chunkEnd)*vecBytes])

		addr := util.NewAddress(s.cfg.Addressing, payload)
		if err := s.kv.Put(ctx, ChunkBucket, addr[:], payload); err != nil {
			return fmt.Errorf("vectorstore: flush chunk %d: %w", idx, err)
		}

		key := make([]byte, 8)
		binary.LittleEndian.PutUint64(key, idx)
		s.addrMp = s.addrMp.Insert(key, addr[:])
	}

	return nil
}

// FlushAsync packages in-progress chunks and writes them to the KV store.
func (s *Store) FlushAsync(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushAsyncLocked(ctx)
}

// Sync implements the ordered commit sequence: flush partial chunk, force
// mmap, update header count, force again. The header count is only ever
// advanced after the backing bytes and KV chunks for it are durable, which
// is what makes [0,N) recoverable after a crash at any point in between.
func (s *Store) Sync(ctx context.Context) (addressMapRoot string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.flushAsyncLocked(ctx); err != nil {
		return "", err
	}
	if err := s.mm.Force(); err != nil {
		return "", fmt.Errorf("vectorstore: force mmap: %w", err)
	}

	s.count += s.pendingRel
	s.pendingRel = 0

	data := s.mm.Data()
	h := &header{version: formatVersion, count: s.count, dim: uint64(s.cfg.Dim), chunkSize: uint64(s.cfg.ChunkSize)}
	copy(data[:HeaderSize], h.encode())

	if err := s.mm.Force(); err != nil {
		return "", fmt.Errorf("vectorstore: force mmap after header update: %w", err)
	}

	root, err := s.addrs.Save(ctx, s.addrMp)
	if err != nil {
		return "", fmt.Errorf("vectorstore: persist address map: %w", err)
	}
	return root, nil
}

// Close syncs then unmaps; the backing file is removed only if the store
// was opened for a temp-dir-owned branch/fork.
func (s *Store) Close(ctx context.Context) error {
	if _, err := s.Sync(ctx); err != nil {
		return err
	}
	if err := s.mm.Close(); err != nil {
		return err
	}
	if s.cfg.TmpOwned {
		return os.Remove(s.cfg.Path)
	}
	return nil
}
