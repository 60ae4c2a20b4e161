package indextype

import (
	"context"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/replikativ/proximum/internal/commit"
	"github.com/replikativ/proximum/internal/edgestore"
	"github.com/replikativ/proximum/internal/hnsw"
	"github.com/replikativ/proximum/internal/kvstore"
	"github.com/replikativ/proximum/internal/metadata"
	"github.com/replikativ/proximum/internal/util"
	"github.com/replikativ/proximum/internal/vectorstore"
)

const testDim = 8

func randVec(r *rand.Rand) []float32 {
	v := make([]float32, testDim)
	for i := range v {
		v[i] = r.Float32()
	}
	return v
}

func TestConstruct_UnsupportedTypeErrors(t *testing.T) {
	cfg := commit.Config{Type: "ivfpq", Dim: testDim, M: 8, M0: 16, MaxNodes: 100, MaxLevels: 16}
	if _, err := Construct(cfg, nil, nil); err == nil {
		t.Fatalf("expected an error for an unregistered index type")
	}
}

func TestSupportedTypes_IncludesHNSW(t *testing.T) {
	found := false
	for _, tag := range SupportedTypes() {
		if tag == "hnsw" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected \"hnsw\" in SupportedTypes, got %v", SupportedTypes())
	}
}

func TestOpenSession_DispatchesOnConfigType(t *testing.T) {
	ctx := context.Background()
	kv := kvstore.NewMemKV()
	dir := t.TempDir()
	r := rand.New(rand.NewSource(11))

	mmapPath := filepath.Join(dir, "vectors.bin")
	repo := commit.Open(kv)
	cfg := commit.Config{Type: "hnsw", Dim: testDim, M: 8, M0: 16, MaxNodes: 1000, MaxLevels: 16, ChunkSize: 64}
	if err := repo.Init(ctx, cfg, "main"); err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	vs, err := vectorstore.Open(vectorstore.Config{
		Path:      mmapPath,
		Dim:       testDim,
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
	es.AsTransient()
	g, err := hnsw.New(hnsw.DefaultConfig(testDim, 8), vs, es)
	if err != nil {
		t.Fatalf("hnsw.New failed: %v", err)
	}

	seed := &commit.Session{
		Repo: repo, KV: kv, Branch: "main",
		Vectors: vs, Edges: es,
		Metadata: metadata.New(kv), ExternalIDs: metadata.NewExternalIDIndex(kv),
	}
	vec := randVec(r)
	seedID, err := seed.Vectors.Append(vec)
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := g.Insert(ctx, vec, seedID); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	seed.BranchVectorCount++
	if _, err := seed.Sync(ctx, "seed", nil, false); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	s, idx, err := OpenSession(ctx, kv, mmapPath, "main")
	if err != nil {
		t.Fatalf("OpenSession failed: %v", err)
	}
	if idx == nil {
		t.Fatalf("expected a non-nil VectorIndex for the \"hnsw\" type tag")
	}

	results, err := idx.Search(ctx, vec, 1, 50)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(results) != 1 || results[0].NodeID != seedID {
		t.Fatalf("expected to find the seeded vector, got %v", results)
	}
	_ = s
}
