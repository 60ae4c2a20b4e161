package hnsw

import (
	"context"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/replikativ/proximum/internal/edgestore"
	"github.com/replikativ/proximum/internal/kvstore"
	"github.com/replikativ/proximum/internal/util"
	"github.com/replikativ/proximum/internal/vectorstore"
)

func newTestGraph(t *testing.T, dim int) (*Graph, *vectorstore.Store, *edgestore.Store) {
	t.Helper()
	dir := t.TempDir()
	kv := kvstore.NewMemKV()

	vs, err := vectorstore.Open(vectorstore.Config{
		Path:      filepath.Join(dir, "vectors.pvdb"),
		Dim:       dim,
		ChunkSize: 64,
		Capacity:  1000,
	}, kv)
	if err != nil {
		t.Fatalf("vectorstore.Open failed: %v", err)
	}

	es, err := edgestore.New(1000, 16, 8, 16, kv, util.RandomAddressing)
	if err != nil {
		t.Fatalf("edgestore.New failed: %v", err)
	}

	cfg := DefaultConfig(dim, 8)
	cfg.Seed = 1
	g, err := New(cfg, vs, es)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return g, vs, es
}

func randVec(r *rand.Rand, dim int) []float32 {
	v := make([]float32, dim)
	for i := range v {
		v[i] = r.Float32()
	}
	return v
}

func TestGraph_InsertAndSearchFindsNearest(t *testing.T) {
	ctx := context.Background()
	dim := 8
	g, vs, es := newTestGraph(t, dim)
	es.AsTransient()

	r := rand.New(rand.NewSource(42))
	vectors := make([][]float32, 200)
	for i := range vectors {
		vectors[i] = randVec(r, dim)
	}

	ids := make([]uint32, len(vectors))
	for i, v := range vectors {
		id, err := vs.Append(v)
		if err != nil {
			t.Fatalf("Append failed: %v", err)
		}
		ids[i] = id
		if err := g.Insert(ctx, v, id); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}

	query := vectors[50]
	results, err := g.Search(ctx, query, 5, 0)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(results) == 0 {
		t.Fatalf("expected at least one search result")
	}
	if results[0].NodeID != ids[50] {
		t.Fatalf("expected nearest neighbor to be the query vector itself (id %d), got %d", ids[50], results[0].NodeID)
	}
}

func TestGraph_SearchFilteredExcludesDisallowed(t *testing.T) {
	ctx := context.Background()
	dim := 8
	g, vs, es := newTestGraph(t, dim)
	es.AsTransient()

	r := rand.New(rand.NewSource(7))
	var firstID uint32
	for i := 0; i < 50; i++ {
		v := randVec(r, dim)
		id, err := vs.Append(v)
		if err != nil {
			t.Fatalf("Append failed: %v", err)
		}
		if i == 0 {
			firstID = id
		}
		if err := g.Insert(ctx, v, id); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}

	query, err := vs.GetVector(firstID)
	if err != nil {
		t.Fatalf("GetVector failed: %v", err)
	}

	results, err := g.SearchFiltered(ctx, query, 5, 0, func(nodeID uint32) bool {
		return nodeID != firstID
	})
	if err != nil {
		t.Fatalf("SearchFiltered failed: %v", err)
	}
	for _, res := range results {
		if res.NodeID == firstID {
			t.Fatalf("expected filtered-out node %d to be excluded from results", firstID)
		}
	}
}

func TestGraph_DeleteExcludesFromSearchAndRepairsEdges(t *testing.T) {
	ctx := context.Background()
	dim := 8
	g, vs, es := newTestGraph(t, dim)
	es.AsTransient()

	r := rand.New(rand.NewSource(99))
	ids := make([]uint32, 60)
	vectors := make([][]float32, 60)
	for i := range ids {
		v := randVec(r, dim)
		id, err := vs.Append(v)
		if err != nil {
			t.Fatalf("Append failed: %v", err)
		}
		ids[i] = id
		vectors[i] = v
		if err := g.Insert(ctx, v, id); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}

	victim := ids[30]
	if err := g.Delete(ctx, victim); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if !es.IsDeleted(victim) {
		t.Fatalf("expected node %d marked deleted", victim)
	}

	results, err := g.Search(ctx, vectors[30], 10, 0)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	for _, res := range results {
		if res.NodeID == victim {
			t.Fatalf("expected deleted node %d excluded from search results", victim)
		}
	}
}

func TestGraph_BatchInsertAssignsSequentialIDsAndIsSearchable(t *testing.T) {
	ctx := context.Background()
	dim := 8
	g, _, es := newTestGraph(t, dim)
	es.AsTransient()

	r := rand.New(rand.NewSource(3))
	vectors := make([][]float32, 100)
	for i := range vectors {
		vectors[i] = randVec(r, dim)
	}

	ids, err := g.BatchInsert(ctx, vectors, 4)
	if err != nil {
		t.Fatalf("BatchInsert failed: %v", err)
	}
	if len(ids) != len(vectors) {
		t.Fatalf("expected %d ids, got %d", len(vectors), len(ids))
	}
	for i := 1; i < len(ids); i++ {
		if ids[i] != ids[i-1]+1 {
			t.Fatalf("expected sequential node-ids, got %d after %d", ids[i], ids[i-1])
		}
	}

	results, err := g.Search(ctx, vectors[10], 3, 0)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(results) == 0 {
		t.Fatalf("expected search results after batch insert")
	}
}
