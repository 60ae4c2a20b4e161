package gc

import (
	"context"
	"math/rand"
	"path/filepath"
	"testing"
	"time"

	"github.com/replikativ/proximum/internal/commit"
	"github.com/replikativ/proximum/internal/edgestore"
	"github.com/replikativ/proximum/internal/hnsw"
	"github.com/replikativ/proximum/internal/kvstore"
	"github.com/replikativ/proximum/internal/metadata"
	"github.com/replikativ/proximum/internal/util"
	"github.com/replikativ/proximum/internal/vectorstore"
)

const testDim = 8

func insertSome(t *testing.T, ctx context.Context, s *commit.Session, g *hnsw.Graph, r *rand.Rand, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		v := make([]float32, testDim)
		for j := range v {
			v[j] = r.Float32()
		}
		id, err := s.Vectors.Append(v)
		if err != nil {
			t.Fatalf("Append failed: %v", err)
		}
		if err := g.Insert(ctx, v, id); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
		s.BranchVectorCount++
	}
}

func TestRun_SweepsOrphanedCommitAfterReset(t *testing.T) {
	ctx := context.Background()
	kv := kvstore.NewMemKV()
	dir := t.TempDir()
	r := rand.New(rand.NewSource(3))

	repo := commit.Open(kv)
	cfg := commit.Config{Type: "hnsw", Dim: testDim, M: 8, M0: 16, MaxNodes: 1000, MaxLevels: 16, ChunkSize: 64}
	if err := repo.Init(ctx, cfg, "main"); err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	vs, err := vectorstore.Open(vectorstore.Config{
		Path:      filepath.Join(dir, "vectors.bin"),
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

	s := &commit.Session{
		Repo: repo, KV: kv, Branch: "main",
		Vectors: vs, Edges: es,
		Metadata: metadata.New(kv), ExternalIDs: metadata.NewExternalIDIndex(kv),
	}

	insertSome(t, ctx, s, g, r, 5)
	c1, err := s.Sync(ctx, "c1", nil, false)
	if err != nil {
		t.Fatalf("Sync c1 failed: %v", err)
	}

	insertSome(t, ctx, s, g, r, 5)
	c2, err := s.Sync(ctx, "c2", nil, false)
	if err != nil {
		t.Fatalf("Sync c2 failed: %v", err)
	}

	if err := repo.Reset(ctx, "main", c1.ID); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}

	cutoff := time.Now().UnixNano()
	result, err := Run(ctx, kv, Options{RemoveBefore: cutoff, BatchSize: 4})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.Swept == 0 {
		t.Fatalf("expected gc to sweep at least c2's orphaned commit record")
	}

	if _, err := repo.LoadCommit(ctx, c2.ID); err == nil {
		t.Fatalf("expected c2 to be swept after reset orphaned it")
	}
	if _, err := repo.LoadCommit(ctx, c1.ID); err != nil {
		t.Fatalf("expected c1 (current head) to survive gc: %v", err)
	}

	head, ok := repo.Head(ctx, "main")
	if !ok || head != c1.ID {
		t.Fatalf("expected main's head to remain c1, got %q ok=%v", head, ok)
	}

	if _, err := repo.LoadConfig(ctx); err != nil {
		t.Fatalf("expected index/config to survive gc: %v", err)
	}
	branches, err := repo.Branches(ctx)
	if err != nil || len(branches) != 1 {
		t.Fatalf("expected branches key to survive gc intact, got %v err=%v", branches, err)
	}
}

func TestRun_RespectsRemoveBeforeCutoff(t *testing.T) {
	ctx := context.Background()
	kv := kvstore.NewMemKV()
	dir := t.TempDir()
	r := rand.New(rand.NewSource(5))

	repo := commit.Open(kv)
	cfg := commit.Config{Type: "hnsw", Dim: testDim, M: 8, M0: 16, MaxNodes: 1000, MaxLevels: 16, ChunkSize: 64}
	if err := repo.Init(ctx, cfg, "main"); err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	vs, err := vectorstore.Open(vectorstore.Config{
		Path:      filepath.Join(dir, "vectors.bin"),
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

	s := &commit.Session{
		Repo: repo, KV: kv, Branch: "main",
		Vectors: vs, Edges: es,
		Metadata: metadata.New(kv), ExternalIDs: metadata.NewExternalIDIndex(kv),
	}

	insertSome(t, ctx, s, g, r, 5)
	c1, err := s.Sync(ctx, "c1", nil, false)
	if err != nil {
		t.Fatalf("Sync c1 failed: %v", err)
	}
	insertSome(t, ctx, s, g, r, 5)
	c2, err := s.Sync(ctx, "c2", nil, false)
	if err != nil {
		t.Fatalf("Sync c2 failed: %v", err)
	}
	if err := repo.Reset(ctx, "main", c1.ID); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}

	// a cutoff in the past (before any of these writes happened) should
	// leave the orphaned commit alone.
	result, err := Run(ctx, kv, Options{RemoveBefore: 1, BatchSize: 4})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.Swept != 0 {
		t.Fatalf("expected nothing swept with an old cutoff, got %d", result.Swept)
	}
	if _, err := repo.LoadCommit(ctx, c2.ID); err != nil {
		t.Fatalf("expected c2 to survive gc with an old cutoff: %v", err)
	}
}
