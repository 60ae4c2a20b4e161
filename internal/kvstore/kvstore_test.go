package kvstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestMemKV_PutGetDelete(t *testing.T) {
	ctx := context.Background()
	kv := NewMemKV()

	if _, err := kv.Get(ctx, "b", []byte("missing")); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := kv.Put(ctx, "b", []byte("k1"), []byte("v1")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	v, err := kv.Get(ctx, "b", []byte("k1"))
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(v) != "v1" {
		t.Fatalf("expected v1, got %s", v)
	}

	if err := kv.Delete(ctx, "b", []byte("k1")); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := kv.Get(ctx, "b", []byte("k1")); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestMemKV_ScanOrdered(t *testing.T) {
	ctx := context.Background()
	kv := NewMemKV()
	for _, k := range []string{"c", "a", "b"} {
		if err := kv.Put(ctx, "bucket", []byte(k), []byte(k)); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}

	var seen []string
	err := kv.Scan(ctx, "bucket", nil, func(k, v []byte) bool {
		seen = append(seen, string(k))
		return true
	})
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	want := []string{"a", "b", "c"}
	for i, k := range want {
		if seen[i] != k {
			t.Fatalf("expected order %v, got %v", want, seen)
		}
	}
}

func TestMemKV_Batch(t *testing.T) {
	ctx := context.Background()
	kv := NewMemKV()
	err := kv.Batch(ctx, []BatchOp{
		{Bucket: "b", Key: []byte("k1"), Value: []byte("v1")},
		{Bucket: "b", Key: []byte("k2"), Value: []byte("v2")},
	})
	if err != nil {
		t.Fatalf("Batch failed: %v", err)
	}
	if v, _ := kv.Get(ctx, "b", []byte("k2")); string(v) != "v2" {
		t.Fatalf("expected v2, got %s", v)
	}

	if err := kv.Batch(ctx, []BatchOp{{Bucket: "b", Key: []byte("k1"), Value: nil}}); err != nil {
		t.Fatalf("Batch delete failed: %v", err)
	}
	if _, err := kv.Get(ctx, "b", []byte("k1")); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound after batch delete, got %v", err)
	}
}

func TestMemKV_LastWriteTime(t *testing.T) {
	ctx := context.Background()
	kv := NewMemKV()

	if _, ok, err := kv.LastWriteTime(ctx, "b", []byte("k1")); err != nil || ok {
		t.Fatalf("expected no timestamp for unwritten key, got ok=%v err=%v", ok, err)
	}

	before := time.Now().UnixNano()
	if err := kv.Put(ctx, "b", []byte("k1"), []byte("v1")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	after := time.Now().UnixNano()

	ts, ok, err := kv.LastWriteTime(ctx, "b", []byte("k1"))
	if err != nil {
		t.Fatalf("LastWriteTime failed: %v", err)
	}
	if !ok {
		t.Fatalf("expected a timestamp after Put")
	}
	if ts < before || ts > after {
		t.Fatalf("expected timestamp within [%d, %d], got %d", before, after, ts)
	}
}

func TestBoltKV_PutGetPersists(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "kvstore_bbolt_test")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	path := filepath.Join(tmpDir, "test.db")
	kv, err := OpenBolt(path)
	if err != nil {
		t.Fatalf("OpenBolt failed: %v", err)
	}

	ctx := context.Background()
	if err := kv.Put(ctx, "bucket", []byte("key"), []byte("value")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := kv.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	kv2, err := OpenBolt(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer kv2.Close()

	v, err := kv2.Get(ctx, "bucket", []byte("key"))
	if err != nil {
		t.Fatalf("Get after reopen failed: %v", err)
	}
	if string(v) != "value" {
		t.Fatalf("expected value, got %s", v)
	}
}
