// Package hnsw implements the insert/search/delete/batch algorithms that
// operate over a forked edgestore.Store and a vectorstore.Store, per the
// HNSW Algorithms component design. Generalizes the control flow of the
// teacher's internal/index/hnsw package (in-memory Node/Links) onto the
// chunked, persistent/transient edge graph.
package hnsw

import (
	"context"

	"github.com/replikativ/proximum/internal/edgestore"
	"github.com/replikativ/proximum/internal/util"
	"github.com/replikativ/proximum/internal/vectorstore"
)

// Config holds the parameters fixed for the life of an index.
type Config struct {
	M              int
	M0             int // defaults to 2*M
	EfConstruction int
	EfSearch       int
	MaxLevels      int
	Metric         util.DistanceMetric
	Seed           int64
}

// DefaultConfig fills in M0/EfConstruction/EfSearch/MaxLevels the way the
// teacher's Config defaulting does, scaled off M.
func DefaultConfig(dim, m int) Config {
	if m <= 0 {
		m = 16
	}
	return Config{
		M:              m,
		M0:             2 * m,
		EfConstruction: 200,
		EfSearch:       max(50, m*3),
		MaxLevels:      util.MaxLevels,
		Metric:         util.Euclidean,
	}
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Graph ties together a vector store, an edge store, and the distance
// kernel for one HNSW instance. Insert and Delete switch the edge store to
// transient before mutating it, matching spec's "all mutations occur on a
// forked edge store toggled transient"; Search only reads.
type Graph struct {
	cfg      Config
	vectors  *vectorstore.Store
	edges    *edgestore.Store
	distance util.DistanceFunc
	levels   *util.LevelSampler
}

// New builds a Graph over already-open vector/edge stores.
func New(cfg Config, vectors *vectorstore.Store, edges *edgestore.Store) (*Graph, error) {
	if cfg.M0 == 0 {
		cfg.M0 = 2 * cfg.M
	}
	distFn, err := util.GetDistanceFunc(cfg.Metric)
	if err != nil {
		return nil, err
	}
	return &Graph{
		cfg:      cfg,
		vectors:  vectors,
		edges:    edges,
		distance: distFn,
		levels:   util.NewLevelSampler(cfg.M, cfg.MaxLevels, cfg.Seed),
	}, nil
}

// prepareQuery returns an L2-normalized copy of vec in cosine mode and vec
// itself otherwise. The vector store keeps vectors as given, so vectorFor
// applies the same normalization to every stored vector it reads.
func (g *Graph) prepareQuery(vec []float32) []float32 {
	if g.cfg.Metric != util.Cosine {
		return vec
	}
	cp := append([]float32(nil), vec...)
	return util.Normalize(cp)
}

func (g *Graph) vectorFor(ctx context.Context, nodeID uint32) ([]float32, error) {
	vec, err := g.vectors.GetVector(nodeID)
	if err != nil {
		return nil, err
	}
	return g.prepareQuery(vec), nil
}

func ctxDone(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}
