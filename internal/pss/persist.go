package pss

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/replikativ/proximum/internal/kvstore"
	"github.com/replikativ/proximum/internal/util"
)

// Bucket is the KV bucket pss nodes are stored under. Callers persisting
// multiple distinct trees (metadata order, external-id order, address maps)
// should use distinct Store instances over distinct buckets so root keys
// never collide.
const Bucket = "pss"

// nilAddr is the sentinel written for an absent child pointer.
var nilAddr = [16]byte{}

// Store persists Tree snapshots through a KV backend. Every node is
// content-addressed, so re-saving an unchanged subtree reproduces the same
// address and never writes a duplicate key.
type Store struct {
	kv     kvstore.KV
	bucket string
}

// NewStore builds a Store over kv's named bucket.
func NewStore(kv kvstore.KV, bucket string) *Store {
	return &Store{kv: kv, bucket: bucket}
}

// Save persists every node reachable from t's root and returns the root's
// StorageAddress (hex-encoded), or the empty string for an empty tree.
func (s *Store) Save(ctx context.Context, t *Tree) (string, error) {
	if t == nil || t.root == nil {
		return "", nil
	}
	addr, err := s.saveNode(ctx, t.root)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString([]byte(addr)), nil
}

func (s *Store) saveNode(ctx context.Context, n *node) (string, error) {
	if n == nil {
		return "", nil
	}
	leftAddr, err := s.saveNode(ctx, n.left)
	if err != nil {
		return "", err
	}
	rightAddr, err := s.saveNode(ctx, n.right)
	if err != nil {
		return "", err
	}

	payload := encodeNode(n, leftAddr, rightAddr)
	id := util.NewAddress(util.ContentAddressing, payload)
	key := id[:]

	if err := s.kv.Put(ctx, s.bucket, key, payload); err != nil {
		return "", fmt.Errorf("pss: write node: %w", err)
	}
	return string(key), nil
}

// Load reconstructs a Tree from a root address previously returned by Save.
// An empty rootAddr yields the empty tree.
func (s *Store) Load(ctx context.Context, rootAddr string) (*Tree, error) {
	if rootAddr == "" {
		return Empty(), nil
	}
	rawRoot, err := hex.DecodeString(rootAddr)
	if err != nil {
		return nil, fmt.Errorf("pss: bad root address %q: %w", rootAddr, err)
	}
	root, size, err := s.loadNode(ctx, string(rawRoot))
	if err != nil {
		return nil, err
	}
	return &Tree{root: root, size: size}, nil
}

func (s *Store) loadNode(ctx context.Context, addr string) (*node, int, error) {
	if addr == "" {
		return nil, 0, nil
	}
	raw, err := s.kv.Get(ctx, s.bucket, []byte(addr))
	if err != nil {
		return nil, 0, fmt.Errorf("pss: read node %x: %w", addr, err)
	}
	n, leftAddr, rightAddr, err := decodeNode(raw)
	if err != nil {
		return nil, 0, err
	}
	left, lsz, err := s.loadNode(ctx, leftAddr)
	if err != nil {
		return nil, 0, err
	}
	right, rsz, err := s.loadNode(ctx, rightAddr)
	if err != nil {
		return nil, 0, err
	}
	n.left, n.right = left, right
	return n, 1 + lsz + rsz, nil
}

// WalkAddresses visits every node reachable from rootAddr (including
// rootAddr itself), depth-first, calling fn with the node's own storage
// address and its stored value. gc's mark phase uses this to enumerate
// every pss node address a tree keeps live, and — for address-map trees
// whose values are themselves addresses into another bucket — every
// chunk address the tree points at. rootAddr is the hex form Save returns;
// fn receives each node's raw KV key.
func (s *Store) WalkAddresses(ctx context.Context, rootAddr string, fn func(nodeAddr string, value []byte) error) error {
	if rootAddr == "" {
		return nil
	}
	rawRoot, err := hex.DecodeString(rootAddr)
	if err != nil {
		return fmt.Errorf("pss: bad root address %q: %w", rootAddr, err)
	}
	return s.walk(ctx, string(rawRoot), fn)
}

func (s *Store) walk(ctx context.Context, addr string, fn func(nodeAddr string, value []byte) error) error {
	if addr == "" {
		return nil
	}
	raw, err := s.kv.Get(ctx, s.bucket, []byte(addr))
	if err != nil {
		return fmt.Errorf("pss: read node %x: %w", addr, err)
	}
	n, leftAddr, rightAddr, err := decodeNode(raw)
	if err != nil {
		return err
	}
	if err := fn(addr, n.value); err != nil {
		return err
	}
	if err := s.walk(ctx, leftAddr, fn); err != nil {
		return err
	}
	return s.walk(ctx, rightAddr, fn)
}

// encodeNode lays out: priority(8) | keyLen(4) | key | valLen(4) | value |
// leftAddr(16) | rightAddr(16).
func encodeNode(n *node, leftAddr, rightAddr string) []byte {
	buf := make([]byte, 8+4+len(n.key)+4+len(n.value)+16+16)
	off := 0
	binary.LittleEndian.PutUint64(buf[off:], n.priority)
	off += 8
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(n.key)))
	off += 4
	copy(buf[off:], n.key)
	off += len(n.key)
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(n.value)))
	off += 4
	copy(buf[off:], n.value)
	off += len(n.value)
	copy(buf[off:off+16], []byte(leftAddr))
	off += 16
	copy(buf[off:off+16], []byte(rightAddr))
	return buf
}

func decodeNode(buf []byte) (*node, string, string, error) {
	if len(buf) < 8+4 {
		return nil, "", "", fmt.Errorf("pss: truncated node record")
	}
	off := 0
	priority := binary.LittleEndian.Uint64(buf[off:])
	off += 8
	keyLen := int(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	if len(buf) < off+keyLen+4 {
		return nil, "", "", fmt.Errorf("pss: truncated node key")
	}
	key := append([]byte(nil), buf[off:off+keyLen]...)
	off += keyLen
	valLen := int(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	if len(buf) < off+valLen+32 {
		return nil, "", "", fmt.Errorf("pss: truncated node value/children")
	}
	value := append([]byte(nil), buf[off:off+valLen]...)
	off += valLen
	leftAddr := string(buf[off : off+16])
	off += 16
	rightAddr := string(buf[off : off+16])

	if leftAddr == string(nilAddr[:]) {
		leftAddr = ""
	}
	if rightAddr == string(nilAddr[:]) {
		rightAddr = ""
	}

	return &node{key: key, value: value, priority: priority}, leftAddr, rightAddr, nil
}
