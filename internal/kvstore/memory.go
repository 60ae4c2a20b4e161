package kvstore

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"time"
)

// MemKV is an in-memory KV backend, grounded on the teacher's in-memory
// collection cache: a map guarded by a single RWMutex, with no durability.
// Used in tests and for ephemeral/throwaway index instances.
type MemKV struct {
	mu        sync.RWMutex
	buckets   map[string]map[string][]byte
	lastWrite map[string]int64 // "bucket\x00key" -> UnixNano of last Put/Batch write
}

// NewMemKV creates an empty in-memory KV store.
func NewMemKV() *MemKV {
	return &MemKV{
		buckets:   make(map[string]map[string][]byte),
		lastWrite: make(map[string]int64),
	}
}

func memLastWriteKey(bucket, key string) string { return bucket + "\x00" + key }

func (m *MemKV) EnsureBucket(_ context.Context, bucket string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.buckets[bucket] == nil {
		m.buckets[bucket] = make(map[string][]byte)
	}
	return nil
}

func (m *MemKV) Get(_ context.Context, bucket string, key []byte) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.buckets[bucket]
	if !ok {
		return nil, ErrNotFound
	}
	v, ok := b[string(key)]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (m *MemKV) Put(_ context.Context, bucket string, key, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.buckets[bucket]
	if !ok {
		b = make(map[string][]byte)
		m.buckets[bucket] = b
	}
	b[string(key)] = append([]byte(nil), value...)
	m.lastWrite[memLastWriteKey(bucket, string(key))] = time.Now().UnixNano()
	return nil
}

func (m *MemKV) Delete(_ context.Context, bucket string, key []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.buckets[bucket]; ok {
		delete(b, string(key))
	}
	return nil
}

func (m *MemKV) Scan(_ context.Context, bucket string, from []byte, fn func(key, value []byte) bool) error {
	m.mu.RLock()
	b, ok := m.buckets[bucket]
	if !ok {
		m.mu.RUnlock()
		return nil
	}
	keys := make([]string, 0, len(b))
	for k := range b {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	snapshot := make(map[string][]byte, len(b))
	for k, v := range b {
		snapshot[k] = v
	}
	m.mu.RUnlock()

	for _, k := range keys {
		if from != nil && bytes.Compare([]byte(k), from) < 0 {
			continue
		}
		if !fn([]byte(k), snapshot[k]) {
			break
		}
	}
	return nil
}

func (m *MemKV) Batch(ctx context.Context, ops []BatchOp) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, op := range ops {
		b, ok := m.buckets[op.Bucket]
		if !ok {
			b = make(map[string][]byte)
			m.buckets[op.Bucket] = b
		}
		if op.Value == nil {
			delete(b, string(op.Key))
			continue
		}
		b[string(op.Key)] = append([]byte(nil), op.Value...)
		m.lastWrite[memLastWriteKey(op.Bucket, string(op.Key))] = time.Now().UnixNano()
	}
	return nil
}

func (m *MemKV) LastWriteTime(_ context.Context, bucket string, key []byte) (int64, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ts, ok := m.lastWrite[memLastWriteKey(bucket, string(key))]
	return ts, ok, nil
}

func (m *MemKV) Close() error { return nil }
