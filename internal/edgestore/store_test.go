package edgestore

import (
	"context"
	"testing"

	"github.com/replikativ/proximum/internal/kvstore"
	"github.com/replikativ/proximum/internal/util"
)

func newTestStore(t *testing.T) (*Store, kvstore.KV) {
	t.Helper()
	kv := kvstore.NewMemKV()
	s, err := New(1000, 16, 16, 32, kv, util.RandomAddressing)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return s, kv
}

func TestStore_SetGetNeighborsRequiresTransient(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	if err := s.SetNeighbors(ctx, 0, 5, []int32{1, 2, 3}); err != ErrNotTransient {
		t.Fatalf("expected ErrNotTransient, got %v", err)
	}

	s.AsTransient()
	if err := s.SetNeighbors(ctx, 0, 5, []int32{1, 2, 3}); err != nil {
		t.Fatalf("SetNeighbors failed: %v", err)
	}

	got, err := s.GetNeighbors(ctx, 0, 5)
	if err != nil {
		t.Fatalf("GetNeighbors failed: %v", err)
	}
	if len(got) != 3 || got[0] != 1 || got[1] != 2 || got[2] != 3 {
		t.Fatalf("expected [1 2 3], got %v", got)
	}

	if _, err := s.GetNeighbors(ctx, 0, 999); err != nil {
		t.Fatalf("unexpected error reading unset node: %v", err)
	}
}

func TestStore_ForkIsolatesMutations(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	s.AsTransient()
	if err := s.SetNeighbors(ctx, 0, 1, []int32{2, 3}); err != nil {
		t.Fatalf("SetNeighbors failed: %v", err)
	}
	s.AsPersistent()

	fork := s.Fork()
	if fork.IsTransient() {
		t.Fatalf("expected fork to start persistent")
	}
	fork.AsTransient()
	if err := fork.SetNeighbors(ctx, 0, 1, []int32{9}); err != nil {
		t.Fatalf("SetNeighbors on fork failed: %v", err)
	}

	orig, err := s.GetNeighbors(ctx, 0, 1)
	if err != nil {
		t.Fatalf("GetNeighbors on original failed: %v", err)
	}
	if len(orig) != 2 || orig[0] != 2 || orig[1] != 3 {
		t.Fatalf("expected original unaffected by fork's mutation, got %v", orig)
	}

	forked, err := fork.GetNeighbors(ctx, 0, 1)
	if err != nil {
		t.Fatalf("GetNeighbors on fork failed: %v", err)
	}
	if len(forked) != 1 || forked[0] != 9 {
		t.Fatalf("expected fork's own mutation, got %v", forked)
	}

	if fork.HasDirty() == false {
		t.Fatalf("expected fork to report dirty chunks after mutation")
	}
}

func TestStore_DeletedBitset(t *testing.T) {
	s, _ := newTestStore(t)
	s.AsTransient()
	if err := s.SetDeleted(42); err != nil {
		t.Fatalf("SetDeleted failed: %v", err)
	}
	if !s.IsDeleted(42) {
		t.Fatalf("expected node 42 deleted")
	}
	if s.IsDeleted(43) {
		t.Fatalf("expected node 43 not deleted")
	}
}

func TestStore_FlushDirtyPersistsAndReloads(t *testing.T) {
	ctx := context.Background()
	s, kv := newTestStore(t)
	s.AsTransient()
	if err := s.SetNeighbors(ctx, 0, 7, []int32{1, 2}); err != nil {
		t.Fatalf("SetNeighbors failed: %v", err)
	}

	root, flushed, err := s.FlushDirty(ctx)
	if err != nil {
		t.Fatalf("FlushDirty failed: %v", err)
	}
	if root == "" {
		t.Fatalf("expected non-empty address map root")
	}
	if len(flushed) != 1 {
		t.Fatalf("expected 1 flushed chunk, got %d", len(flushed))
	}
	if s.HasDirty() {
		t.Fatalf("expected dirty set cleared after flush")
	}

	reopened, err := Open(1000, 16, 16, 32, kv, root, 0, false, 0, nil, util.RandomAddressing)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	got, err := reopened.GetNeighbors(ctx, 0, 7)
	if err != nil {
		t.Fatalf("GetNeighbors after reopen failed: %v", err)
	}
	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("expected [1 2] after reopen, got %v", got)
	}
}
