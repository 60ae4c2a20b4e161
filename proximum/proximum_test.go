package proximum

import (
	"context"
	"math/rand"
	"testing"

	"github.com/replikativ/proximum/internal/kvstore"
)

const testDim = 8

func randVec(r *rand.Rand) []float32 {
	v := make([]float32, testDim)
	for i := range v {
		v[i] = r.Float32()
	}
	return v
}

func newTestIndex(t *testing.T) *Index {
	t.Helper()
	idx, err := CreateIndex(
		WithDim(testDim),
		WithM(8),
		WithCapacity(1000),
		WithMmapDir(t.TempDir()),
		WithKV(kvstore.NewMemKV()),
	)
	if err != nil {
		t.Fatalf("CreateIndex failed: %v", err)
	}
	return idx
}

func TestCreateIndex_RequiresDim(t *testing.T) {
	_, err := CreateIndex(WithMmapDir(t.TempDir()), WithKV(kvstore.NewMemKV()))
	if err == nil {
		t.Fatal("expected error for missing dim")
	}
}

func TestIndex_InsertAndSearch(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t)
	r := rand.New(rand.NewSource(1))

	var ids []uint32
	for i := 0; i < 50; i++ {
		id, err := idx.Insert(ctx, randVec(r), i, map[string]interface{}{"i": i})
		if err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
		ids = append(ids, id)
	}

	query, err := idx.GetVector(ids[0])
	if err != nil {
		t.Fatalf("GetVector failed: %v", err)
	}
	results, err := idx.Search(ctx, query, 5, 0)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(results) == 0 {
		t.Fatal("expected at least one search result")
	}
	if results[0].NodeID != ids[0] {
		t.Fatalf("expected exact match as nearest, got node %d", results[0].NodeID)
	}
	if results[0].ExternalID != 0 {
		t.Fatalf("expected external-id 0 for nearest match, got %v", results[0].ExternalID)
	}
}

func TestIndex_InsertBatchAssignsSequentialIDs(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t)
	r := rand.New(rand.NewSource(2))

	vecs := make([][]float32, 20)
	for i := range vecs {
		vecs[i] = randVec(r)
	}
	ids, err := idx.InsertBatch(ctx, vecs, nil, nil, 4)
	if err != nil {
		t.Fatalf("InsertBatch failed: %v", err)
	}
	if len(ids) != len(vecs) {
		t.Fatalf("expected %d ids, got %d", len(vecs), len(ids))
	}
	if got := idx.CountVectors(); got != uint64(len(vecs)) {
		t.Fatalf("expected %d live vectors, got %d", len(vecs), got)
	}
}

func TestIndex_DeleteRemovesExternalIDMapping(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t)
	r := rand.New(rand.NewSource(3))

	id, err := idx.Insert(ctx, randVec(r), "widget-1", nil)
	if err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if err := idx.Delete(ctx, "widget-1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, ok := idx.nodeForExtID("widget-1"); ok {
		t.Fatal("expected external-id to be unmapped after delete")
	}
	if _, _, err := idx.GetMetadata(id); err != nil && err != ErrNotFound {
		t.Fatalf("unexpected error after delete: %v", err)
	}
}

func TestIndex_SyncThenBranchThenMerge(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t)
	r := rand.New(rand.NewSource(4))

	for i := 0; i < 10; i++ {
		if _, err := idx.Insert(ctx, randVec(r), i, nil); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}
	if _, err := idx.Sync(ctx, "initial load", nil); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	branch, err := idx.Branch(ctx, "experiment")
	if err != nil {
		t.Fatalf("Branch failed: %v", err)
	}
	if _, err := branch.Insert(ctx, randVec(r), 100, nil); err != nil {
		t.Fatalf("Insert on branch failed: %v", err)
	}
	if _, err := branch.Sync(ctx, "experiment commit", nil); err != nil {
		t.Fatalf("Sync on branch failed: %v", err)
	}

	if _, err := idx.Merge(ctx, branch, "merge experiment back"); err != nil {
		t.Fatalf("Merge failed: %v", err)
	}
	if _, ok := idx.nodeForExtID(100); !ok {
		t.Fatal("expected merged external-id to resolve on the base index")
	}
}

func TestIndex_CapacityExceeded(t *testing.T) {
	ctx := context.Background()
	idx, err := CreateIndex(
		WithDim(testDim),
		WithCapacity(2),
		WithMmapDir(t.TempDir()),
		WithKV(kvstore.NewMemKV()),
	)
	if err != nil {
		t.Fatalf("CreateIndex failed: %v", err)
	}
	r := rand.New(rand.NewSource(5))
	for i := 0; i < 2; i++ {
		if _, err := idx.Insert(ctx, randVec(r), nil, nil); err != nil {
			t.Fatalf("Insert %d failed: %v", i, err)
		}
	}
	if _, err := idx.Insert(ctx, randVec(r), nil, nil); err != ErrCapacityExceeded {
		t.Fatalf("expected ErrCapacityExceeded, got %v", err)
	}
}

func TestIndex_VerifyFromColdAfterSync(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t)
	r := rand.New(rand.NewSource(6))
	for i := 0; i < 5; i++ {
		if _, err := idx.Insert(ctx, randVec(r), nil, nil); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}
	if _, err := idx.Sync(ctx, "snapshot", nil); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	report := idx.VerifyFromCold(ctx)
	if report.Err != nil {
		t.Fatalf("VerifyFromCold returned error: %v", report.Err)
	}
	if !report.Valid {
		t.Fatal("expected a freshly synced commit to verify as valid")
	}
}

func TestIndex_CryptoHashSyncIsContentAddressed(t *testing.T) {
	ctx := context.Background()
	newIdx := func() *Index {
		idx, err := CreateIndex(
			WithDim(testDim),
			WithCapacity(100),
			WithCryptoHash(true),
			WithMmapDir(t.TempDir()),
			WithKV(kvstore.NewMemKV()),
		)
		if err != nil {
			t.Fatalf("CreateIndex failed: %v", err)
		}
		return idx
	}

	vecs := make([][]float32, 10)
	r := rand.New(rand.NewSource(8))
	for i := range vecs {
		vecs[i] = randVec(r)
	}

	a := newIdx()
	b := newIdx()
	for _, vec := range vecs {
		if _, err := a.Insert(ctx, vec, nil, nil); err != nil {
			t.Fatalf("Insert into a failed: %v", err)
		}
		if _, err := b.Insert(ctx, vec, nil, nil); err != nil {
			t.Fatalf("Insert into b failed: %v", err)
		}
	}

	commitA, err := a.Sync(ctx, "identical load", nil)
	if err != nil {
		t.Fatalf("Sync a failed: %v", err)
	}
	commitB, err := b.Sync(ctx, "identical load", nil)
	if err != nil {
		t.Fatalf("Sync b failed: %v", err)
	}
	if commitA.ID != commitB.ID {
		t.Fatalf("expected identical content-addressed commit ids, got %q and %q", commitA.ID, commitB.ID)
	}
}

func TestIndex_QueryBuilderFiltersByMetadata(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t)
	r := rand.New(rand.NewSource(7))

	var targetVec []float32
	for i := 0; i < 30; i++ {
		vec := randVec(r)
		category := "other"
		if i == 0 {
			category = "target"
			targetVec = vec
		}
		if _, err := idx.Insert(ctx, vec, i, map[string]interface{}{"category": category}); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}

	results, err := idx.Query(ctx).
		WithVector(targetVec).
		Eq("category", "target").
		Limit(5).
		Execute()
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if len(results) == 0 {
		t.Fatal("expected at least one result matching category=target")
	}
	for _, res := range results {
		if res.ExternalID != 0 {
			t.Fatalf("expected only the target-category vector (external-id 0) to match, got %v", res.ExternalID)
		}
	}
}
