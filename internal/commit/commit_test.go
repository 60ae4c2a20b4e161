package commit

import (
	"context"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/replikativ/proximum/internal/edgestore"
	"github.com/replikativ/proximum/internal/hnsw"
	"github.com/replikativ/proximum/internal/kvstore"
	"github.com/replikativ/proximum/internal/metadata"
	"github.com/replikativ/proximum/internal/util"
	"github.com/replikativ/proximum/internal/vectorstore"
)

const testDim = 8

func newTestSession(t *testing.T, kv kvstore.KV, dir, branch string) (*Session, *hnsw.Graph) {
	t.Helper()
	ctx := context.Background()

	repo := Open(kv)
	if _, err := repo.LoadConfig(ctx); err != nil {
		cfg := Config{
			Type:      "hnsw",
			Dim:       testDim,
			M:         8,
			M0:        16,
			MaxNodes:  1000,
			MaxLevels: 16,
			ChunkSize: 64,
		}
		if err := repo.Init(ctx, cfg, branch); err != nil {
			t.Fatalf("Init failed: %v", err)
		}
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

	s := &Session{
		Repo:        repo,
		KV:          kv,
		Branch:      branch,
		Vectors:     vs,
		Edges:       es,
		Metadata:    metadata.New(kv),
		ExternalIDs: metadata.NewExternalIDIndex(kv),
	}
	return s, g
}

func insertN(t *testing.T, ctx context.Context, s *Session, g *hnsw.Graph, r *rand.Rand, n int) {
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

func TestSession_CommitChainAndHistory(t *testing.T) {
	ctx := context.Background()
	kv := kvstore.NewMemKV()
	dir := t.TempDir()
	r := rand.New(rand.NewSource(1))

	s, g := newTestSession(t, kv, dir, "main")

	insertN(t, ctx, s, g, r, 5)
	c1, err := s.Sync(ctx, "first", nil, false)
	if err != nil {
		t.Fatalf("Sync c1 failed: %v", err)
	}

	insertN(t, ctx, s, g, r, 5)
	c2, err := s.Sync(ctx, "second", nil, false)
	if err != nil {
		t.Fatalf("Sync c2 failed: %v", err)
	}

	insertN(t, ctx, s, g, r, 5)
	c3, err := s.Sync(ctx, "third", nil, false)
	if err != nil {
		t.Fatalf("Sync c3 failed: %v", err)
	}

	if s.BranchVectorCount != 15 {
		t.Fatalf("expected branch vector count 15, got %d", s.BranchVectorCount)
	}

	hist, err := s.Repo.History(ctx, c3.ID)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(hist) != 3 || hist[0].ID != c3.ID || hist[1].ID != c2.ID || hist[2].ID != c1.ID {
		t.Fatalf("expected history [c3 c2 c1], got %v", ids(hist))
	}

	parents1, err := s.Repo.Parents(ctx, c1.ID)
	if err != nil {
		t.Fatalf("Parents failed: %v", err)
	}
	if len(parents1) != 0 {
		t.Fatalf("expected c1 to have no parents, got %v", parents1)
	}

	parents3, err := s.Repo.Parents(ctx, c3.ID)
	if err != nil {
		t.Fatalf("Parents failed: %v", err)
	}
	if len(parents3) != 1 || parents3[0] != c2.ID {
		t.Fatalf("expected c3's parent to be c2, got %v", parents3)
	}

	isAnc, err := s.Repo.IsAncestor(ctx, c1.ID, c3.ID)
	if err != nil {
		t.Fatalf("IsAncestor failed: %v", err)
	}
	if !isAnc {
		t.Fatalf("expected c1 to be an ancestor of c3")
	}
}

func ids(commits []*Commit) []string {
	out := make([]string, len(commits))
	for i, c := range commits {
		out[i] = c.ID
	}
	return out
}

func TestSession_BranchFromIsolatesCounts(t *testing.T) {
	ctx := context.Background()
	kv := kvstore.NewMemKV()
	dir := t.TempDir()
	r := rand.New(rand.NewSource(2))

	main, mg := newTestSession(t, kv, dir, "main")
	insertN(t, ctx, main, mg, r, 10)
	if _, err := main.Sync(ctx, "main commit", nil, false); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	feature, err := main.BranchFrom(ctx, "feature", dir, false)
	if err != nil {
		t.Fatalf("BranchFrom failed: %v", err)
	}
	if feature.BranchVectorCount != 10 {
		t.Fatalf("expected feature to inherit main's count 10, got %d", feature.BranchVectorCount)
	}

	fg, err := hnsw.New(hnsw.DefaultConfig(testDim, 8), feature.Vectors, feature.Edges)
	if err != nil {
		t.Fatalf("hnsw.New failed: %v", err)
	}
	feature.Edges.AsTransient()
	insertN(t, ctx, feature, fg, r, 10)
	if _, err := feature.Sync(ctx, "feature commit", nil, false); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	if feature.BranchVectorCount != 20 {
		t.Fatalf("expected feature count 20 after its own inserts, got %d", feature.BranchVectorCount)
	}
	if main.BranchVectorCount != 10 {
		t.Fatalf("expected main's count to remain 10, got %d", main.BranchVectorCount)
	}

	branches, err := main.Repo.Branches(ctx)
	if err != nil {
		t.Fatalf("Branches failed: %v", err)
	}
	if len(branches) != 2 {
		t.Fatalf("expected 2 branches, got %v", branches)
	}
}
