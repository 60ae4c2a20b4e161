// Package indextype implements the dispatch-on-index-type registry: a
// commit's config carries a type tag, and the registry maps that tag to
// the constructor/restorer pair that knows how to build the concrete
// VectorIndex (vector store + edge store + graph) it names. Generalizes
// the teacher's internal/index IndexFactory/wrapper pattern, which
// dispatched on an IndexType enum to HNSW/IVF-PQ/Flat wrapper structs,
// onto a single commit-config type tag that dispatches to a persisted,
// forkable graph instead of an in-memory one.
package indextype

import (
	"context"
	"fmt"

	"github.com/replikativ/proximum/internal/commit"
	"github.com/replikativ/proximum/internal/edgestore"
	"github.com/replikativ/proximum/internal/hnsw"
	"github.com/replikativ/proximum/internal/kvstore"
	"github.com/replikativ/proximum/internal/vectorstore"
)

// SearchResult mirrors hnsw.SearchResult so callers above this package
// never need to import internal/hnsw directly to read search output.
type SearchResult = hnsw.SearchResult

// VectorIndex is the capability set every registered index type must
// expose. A commit's config names which registered type backs it; the
// registry's job is producing one of these from that name, not defining
// new search algorithms.
type VectorIndex interface {
	Insert(ctx context.Context, vec []float32, nodeID uint32) error
	Search(ctx context.Context, query []float32, k, ef int) ([]SearchResult, error)
	SearchFiltered(ctx context.Context, query []float32, k, ef int, allowed func(nodeID uint32) bool) ([]SearchResult, error)
	Delete(ctx context.Context, nodeID uint32) error
	BatchInsert(ctx context.Context, vectors [][]float32, workers int) ([]uint32, error)
}

// Constructor builds a fresh VectorIndex over an already-open vector and
// edge store, per cfg.
type Constructor func(cfg commit.Config, vs *vectorstore.Store, es *edgestore.Store) (VectorIndex, error)

var registry = map[string]Constructor{}

// Register associates a type tag with its constructor. Called from
// package init for every built-in type; a caller embedding this module
// elsewhere could register additional types the same way.
func Register(typeTag string, ctor Constructor) {
	registry[typeTag] = ctor
}

func init() {
	Register("hnsw", func(cfg commit.Config, vs *vectorstore.Store, es *edgestore.Store) (VectorIndex, error) {
		hc := hnsw.DefaultConfig(cfg.Dim, cfg.M)
		hc.Metric = cfg.Distance
		if cfg.MaxLevels > 0 {
			hc.MaxLevels = cfg.MaxLevels
		}
		return hnsw.New(hc, vs, es)
	})
}

// Construct looks up cfg.Type's constructor and builds a VectorIndex over
// vs/es. Returns an error naming the unsupported tag if cfg.Type was
// never registered, matching the teacher's CreateIndex's "unsupported
// index type" failure mode.
func Construct(cfg commit.Config, vs *vectorstore.Store, es *edgestore.Store) (VectorIndex, error) {
	ctor, ok := registry[cfg.Type]
	if !ok {
		return nil, fmt.Errorf("indextype: unsupported index type %q", cfg.Type)
	}
	return ctor(cfg, vs, es)
}

// SupportedTypes lists every registered type tag, mirroring the
// teacher's IndexFactory.SupportedIndexTypes.
func SupportedTypes() []string {
	out := make([]string, 0, len(registry))
	for tag := range registry {
		out = append(out, tag)
	}
	return out
}

// OpenSession rebuilds both the commit.Session (vector/edge/metadata
// state) and the VectorIndex backing it, dispatching the graph
// construction on the session's commit config type tag. This is the
// load-time half of the registry: the persistence layer carries
// index-type in the snapshot, and this is where that tag gets consumed.
func OpenSession(ctx context.Context, kv kvstore.KV, mmapPath, branch string) (*commit.Session, VectorIndex, error) {
	s, err := commit.LoadBranchSession(ctx, kv, mmapPath, branch)
	if err != nil {
		return nil, nil, err
	}
	repo := commit.Open(kv)
	cfg, err := repo.LoadConfig(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("indextype: load index/config: %w", err)
	}
	idx, err := Construct(cfg, s.Vectors, s.Edges)
	if err != nil {
		return nil, nil, err
	}
	return s, idx, nil
}

// OpenCommitSession is OpenSession's time-travel counterpart: pins the
// session (and its index) at a specific historical commit instead of a
// branch's current head.
func OpenCommitSession(ctx context.Context, kv kvstore.KV, mmapPath, commitID string) (*commit.Session, VectorIndex, error) {
	s, err := commit.LoadCommitSession(ctx, kv, mmapPath, commitID)
	if err != nil {
		return nil, nil, err
	}
	repo := commit.Open(kv)
	cfg, err := repo.LoadConfig(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("indextype: load index/config: %w", err)
	}
	idx, err := Construct(cfg, s.Vectors, s.Edges)
	if err != nil {
		return nil, nil, err
	}
	return s, idx, nil
}
