package metadata

import (
	"context"
	"testing"

	"github.com/replikativ/proximum/internal/kvstore"
)

func TestIndex_SetGetDelete(t *testing.T) {
	kv := kvstore.NewMemKV()
	idx := New(kv)

	if err := idx.Set(1, map[string]interface{}{"label": "cat", "score": 0.9}); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	fields, ok, err := idx.Get(1)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !ok {
		t.Fatalf("expected entry for node 1")
	}
	if fields["label"] != "cat" {
		t.Fatalf("expected label=cat, got %v", fields["label"])
	}

	idx.Delete(1)
	if _, ok, _ := idx.Get(1); ok {
		t.Fatalf("expected node 1 removed after Delete")
	}
}

func TestIndex_SaveLoadRoundtrip(t *testing.T) {
	ctx := context.Background()
	kv := kvstore.NewMemKV()
	idx := New(kv)
	if err := idx.Set(7, map[string]interface{}{"kind": "doc"}); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	root, err := idx.Save(ctx)
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	reopened, err := Open(ctx, kv, root)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	fields, ok, err := reopened.Get(7)
	if err != nil {
		t.Fatalf("Get after reopen failed: %v", err)
	}
	if !ok || fields["kind"] != "doc" {
		t.Fatalf("expected kind=doc after reopen, got %v (ok=%v)", fields, ok)
	}
}

func TestExternalIDIndex_InsertRejectsConflict(t *testing.T) {
	kv := kvstore.NewMemKV()
	idx := NewExternalIDIndex(kv)

	id, err := NewExternalID("doc-42")
	if err != nil {
		t.Fatalf("NewExternalID failed: %v", err)
	}
	if err := idx.Insert(id, 5); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if err := idx.Insert(id, 5); err != nil {
		t.Fatalf("re-inserting same mapping should be a no-op, got %v", err)
	}
	if err := idx.Insert(id, 6); err != ErrConflict {
		t.Fatalf("expected ErrConflict inserting a different node-id, got %v", err)
	}

	got, ok := idx.Lookup(id)
	if !ok || got != 5 {
		t.Fatalf("expected lookup to return node 5, got %d (ok=%v)", got, ok)
	}
}

func TestExternalIDIndex_UnifiesIntegerClasses(t *testing.T) {
	kv := kvstore.NewMemKV()
	idx := NewExternalIDIndex(kv)

	id32, _ := NewExternalID(int32(42))
	id64, _ := NewExternalID(int64(42))

	if err := idx.Insert(id32, 1); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if err := idx.Insert(id64, 1); err != nil {
		t.Fatalf("expected int32(42) and int64(42) to collide on the same key, got %v", err)
	}
	if _, ok := idx.Lookup(id64); !ok {
		t.Fatalf("expected lookup by int64(42) to find the entry inserted as int32(42)")
	}
}

func TestExternalIDIndex_MergeIsAddOnly(t *testing.T) {
	kv := kvstore.NewMemKV()
	a := NewExternalIDIndex(kv)
	b := NewExternalIDIndex(kv)

	idA, _ := NewExternalID("a")
	idShared, _ := NewExternalID("shared")
	idB, _ := NewExternalID("b")

	if err := a.Insert(idA, 1); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if err := a.Insert(idShared, 9); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if err := b.Insert(idB, 2); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if err := b.Insert(idShared, 9); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	if err := a.Merge(b); err != nil {
		t.Fatalf("Merge failed: %v", err)
	}
	if got, ok := a.Lookup(idB); !ok || got != 2 {
		t.Fatalf("expected merge to bring in b's mapping, got %d (ok=%v)", got, ok)
	}
	if a.Len() != 3 {
		t.Fatalf("expected 3 entries after merge, got %d", a.Len())
	}
}

func TestExternalIDIndex_MergeRejectsConflict(t *testing.T) {
	kv := kvstore.NewMemKV()
	a := NewExternalIDIndex(kv)
	b := NewExternalIDIndex(kv)

	id, _ := NewExternalID("dup")
	if err := a.Insert(id, 1); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if err := b.Insert(id, 2); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	if err := a.Merge(b); err != ErrConflict {
		t.Fatalf("expected ErrConflict merging conflicting external-id, got %v", err)
	}
}
