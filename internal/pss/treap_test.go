package pss

import (
	"context"
	"testing"

	"github.com/replikativ/proximum/internal/kvstore"
)

func TestTree_InsertGetDelete(t *testing.T) {
	tree := Empty()
	tree = tree.Insert([]byte("b"), []byte("2"))
	tree = tree.Insert([]byte("a"), []byte("1"))
	tree = tree.Insert([]byte("c"), []byte("3"))

	if tree.Len() != 3 {
		t.Fatalf("expected len 3, got %d", tree.Len())
	}

	if v, ok := tree.Get([]byte("b")); !ok || string(v) != "2" {
		t.Fatalf("expected b=2, got %s ok=%v", v, ok)
	}

	after := tree.Delete([]byte("b"))
	if after.Len() != 2 {
		t.Fatalf("expected len 2 after delete, got %d", after.Len())
	}
	if _, ok := after.Get([]byte("b")); ok {
		t.Fatalf("expected b removed")
	}
	// original tree must be unaffected (persistent semantics).
	if _, ok := tree.Get([]byte("b")); !ok {
		t.Fatalf("expected original tree to still contain b")
	}
}

func TestTree_ForEachOrdered(t *testing.T) {
	tree := Empty()
	for _, k := range []string{"d", "b", "a", "c"} {
		tree = tree.Insert([]byte(k), []byte(k))
	}

	var seen []string
	tree.ForEach(func(k, v []byte) bool {
		seen = append(seen, string(k))
		return true
	})
	want := []string{"a", "b", "c", "d"}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("expected order %v, got %v", want, seen)
		}
	}
}

func TestStore_SaveLoadRoundtrip(t *testing.T) {
	ctx := context.Background()
	kv := kvstore.NewMemKV()
	store := NewStore(kv, "testbucket")

	tree := Empty()
	for _, k := range []string{"x", "y", "z"} {
		tree = tree.Insert([]byte(k), []byte("val-"+k))
	}

	root, err := store.Save(ctx, tree)
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if root == "" {
		t.Fatalf("expected non-empty root address")
	}

	loaded, err := store.Load(ctx, root)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.Len() != tree.Len() {
		t.Fatalf("expected len %d, got %d", tree.Len(), loaded.Len())
	}
	for _, k := range []string{"x", "y", "z"} {
		v, ok := loaded.Get([]byte(k))
		if !ok || string(v) != "val-"+k {
			t.Fatalf("expected val-%s, got %s ok=%v", k, v, ok)
		}
	}
}

func TestStore_SaveIsContentAddressed(t *testing.T) {
	ctx := context.Background()
	kv := kvstore.NewMemKV()
	store := NewStore(kv, "b")

	tree := Empty().Insert([]byte("k"), []byte("v"))
	addr1, err := store.Save(ctx, tree)
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	addr2, err := store.Save(ctx, tree)
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if addr1 != addr2 {
		t.Fatalf("expected stable content address, got %x vs %x", addr1, addr2)
	}
}
