package edgestore

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/replikativ/proximum/internal/kvstore"
	"github.com/replikativ/proximum/internal/pss"
	"github.com/replikativ/proximum/internal/util"
)

const edgeChunkBucket = "edges:chunk"
const edgeAddrBucket = "edges:addrmap"

// ChunkBucket and AddrMapBucket are exported so gc's mark phase can name
// exactly the buckets an edge store's reachable chunks live in.
const (
	ChunkBucket   = edgeChunkBucket
	AddrMapBucket = edgeAddrBucket
)

// ChunkStorage is the capability a transient/persistent Store uses to
// reload a chunk it no longer holds in memory (softified or never loaded),
// by consulting the current address map. Restoring a position absent from
// the address map returns (nil, nil) — "no neighbors", per spec §4.1.
type ChunkStorage interface {
	Restore(ctx context.Context, pos EncodedPosition, slotsPerNode int) (*Chunk, error)
	Persist(ctx context.Context, pos EncodedPosition, c *Chunk, mode util.AddressingMode) (addr string, err error)
}

// kvChunkStorage is the default ChunkStorage, backed by a KV store and a
// persistent address map.
type kvChunkStorage struct {
	kv      kvstore.KV
	addrMap *pss.Tree
	addrs   *pss.Store
}

// newKVChunkStorage builds a ChunkStorage rooted at addrMapRoot (empty for
// a fresh store).
func newKVChunkStorage(kv kvstore.KV, addrMapRoot string) (*kvChunkStorage, error) {
	addrs := pss.NewStore(kv, edgeAddrBucket)
	tree, err := addrs.Load(context.Background(), addrMapRoot)
	if err != nil {
		return nil, fmt.Errorf("edgestore: load address map: %w", err)
	}
	return &kvChunkStorage{kv: kv, addrMap: tree, addrs: addrs}, nil
}

func positionKey(pos EncodedPosition) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(pos))
	return buf
}

func (s *kvChunkStorage) Restore(ctx context.Context, pos EncodedPosition, slotsPerNode int) (*Chunk, error) {
	addr, ok := s.addrMap.Get(positionKey(pos))
	if !ok {
		return nil, nil
	}
	raw, err := s.kv.Get(ctx, edgeChunkBucket, addr)
	if err != nil {
		if err == kvstore.ErrNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("edgestore: read chunk %v: %w", pos, err)
	}
	return decodeChunk(raw, slotsPerNode), nil
}

func (s *kvChunkStorage) Persist(ctx context.Context, pos EncodedPosition, c *Chunk, mode util.AddressingMode) (string, error) {
	payload := encodeChunk(c)
	addr := util.NewAddress(mode, payload)
	if err := s.kv.Put(ctx, edgeChunkBucket, addr[:], payload); err != nil {
		return "", fmt.Errorf("edgestore: write chunk %v: %w", pos, err)
	}
	s.addrMap = s.addrMap.Insert(positionKey(pos), addr[:])
	return string(addr[:]), nil
}

// SaveAddressMap persists the current address map and returns its root.
func (s *kvChunkStorage) SaveAddressMap(ctx context.Context) (string, error) {
	return s.addrs.Save(ctx, s.addrMap)
}

func encodeChunk(c *Chunk) []byte {
	buf := make([]byte, len(c.slots)*4)
	for i, v := range c.slots {
		binary.LittleEndian.PutUint32(buf[i*4:], uint32(v))
	}
	return buf
}

func decodeChunk(buf []byte, slotsPerNode int) *Chunk {
	slots := make([]int32, len(buf)/4)
	for i := range slots {
		slots[i] = int32(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return &Chunk{slotsPerNode: slotsPerNode, slots: slots}
}
