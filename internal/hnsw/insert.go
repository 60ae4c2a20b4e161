package hnsw

import (
	"context"

	"github.com/replikativ/proximum/internal/util"
)

// Insert runs the HNSW insertion algorithm for a vector already appended to
// the vector store as nodeID. All mutations happen with the edge store
// toggled transient for the duration of the call, per spec §4.1/§4.3 —
// callers are expected to have forked the edge store first and to call
// AsPersistent once the returned error is nil.
func (g *Graph) Insert(ctx context.Context, vec []float32, nodeID uint32) error {
	g.edges.AsTransient()

	query := g.prepareQuery(vec)
	nodeLevel := g.levels.Sample()

	if _, ok := g.edges.Entrypoint(); !ok {
		if err := g.edges.SetEntrypoint(nodeID); err != nil {
			return err
		}
		return g.edges.SetMaxLevel(nodeLevel)
	}

	entryID, _ := g.edges.Entrypoint()
	entryVec, err := g.vectorFor(ctx, entryID)
	if err != nil {
		return err
	}
	entry := &util.Candidate{ID: entryID, Distance: g.distance(query, entryVec)}

	currentMaxLevel := g.edges.MaxLevel()

	// Phase 1: greedy descent from currentMaxLevel down to nodeLevel+1.
	for level := currentMaxLevel; level > nodeLevel; level-- {
		entry, err = g.greedyStep(ctx, query, entry, level)
		if err != nil {
			return err
		}
	}

	// Phase 2: beam-search + diversity-heuristic connect at each layer from
	// min(nodeLevel, currentMaxLevel) down to 0.
	startLevel := nodeLevel
	if currentMaxLevel < startLevel {
		startLevel = currentMaxLevel
	}
	entryPoints := []*util.Candidate{entry}
	for level := startLevel; level >= 0; level-- {
		candidates, err := g.beamSearch(ctx, query, entryPoints, g.cfg.EfConstruction, level)
		if err != nil {
			return err
		}

		limit := g.cfg.M
		if level == 0 {
			limit = g.cfg.M0
		}
		selected, err := g.selectNeighborsDiverse(ctx, query, candidates, limit)
		if err != nil {
			return err
		}
		if err := g.connectBidirectional(ctx, level, nodeID, selected); err != nil {
			return err
		}
		entryPoints = selected
	}

	// Upper layers the node spans that are above the pre-insert entry
	// point's reach get an empty neighbor row: no other node exists yet
	// on those layers beyond currentMaxLevel.
	for level := currentMaxLevel + 1; level <= nodeLevel; level++ {
		if err := g.edges.SetNeighbors(ctx, level, nodeID, nil); err != nil {
			return err
		}
	}

	if nodeLevel > currentMaxLevel {
		if err := g.edges.SetEntrypoint(nodeID); err != nil {
			return err
		}
		if err := g.edges.SetMaxLevel(nodeLevel); err != nil {
			return err
		}
	}

	return nil
}
