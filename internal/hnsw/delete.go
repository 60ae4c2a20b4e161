package hnsw

import (
	"context"

	"github.com/replikativ/proximum/internal/util"
)

// Delete marks nodeID deleted, clears its edges at every layer it
// participates in, and repairs the graph: each former neighbor gets a
// replacement candidate set drawn from its two-hop neighborhood, re-pruned
// with the diversity heuristic. The vector slot and node-id are not
// reclaimed; live-count decreases.
func (g *Graph) Delete(ctx context.Context, nodeID uint32) error {
	g.edges.AsTransient()

	if err := g.edges.SetDeleted(nodeID); err != nil {
		return err
	}

	nodeVec, err := g.vectorFor(ctx, nodeID)
	if err != nil {
		return err
	}

	maxLevel := g.edges.MaxLevel()
	for level := 0; level <= maxLevel; level++ {
		neighbors, err := g.edges.GetNeighbors(ctx, level, nodeID)
		if err != nil {
			return err
		}
		if len(neighbors) == 0 {
			continue
		}

		limit := g.cfg.M
		if level == 0 {
			limit = g.cfg.M0
		}

		for _, nID32 := range neighbors {
			nID := uint32(nID32)
			if g.edges.IsDeleted(nID) {
				continue
			}
			if err := g.repairNeighbor(ctx, level, nID, nodeID, nodeVec, limit); err != nil {
				return err
			}
		}

		if err := g.edges.SetNeighbors(ctx, level, nodeID, nil); err != nil {
			return err
		}
	}

	return nil
}

// repairNeighbor removes deletedID from neighborID's adjacency at layer and
// tops the set back up from neighborID's two-hop neighborhood (the
// neighbors of its remaining neighbors), re-selected with the diversity
// heuristic.
func (g *Graph) repairNeighbor(ctx context.Context, layer int, neighborID, deletedID uint32, _ []float32, limit int) error {
	current, err := g.edges.GetNeighbors(ctx, layer, neighborID)
	if err != nil {
		return err
	}

	remaining := make([]int32, 0, len(current))
	seen := map[uint32]bool{neighborID: true}
	for _, id32 := range current {
		id := uint32(id32)
		if id == deletedID {
			continue
		}
		remaining = append(remaining, id32)
		seen[id] = true
	}

	if len(remaining) >= limit {
		return g.edges.SetNeighbors(ctx, layer, neighborID, remaining)
	}

	neighborVec, err := g.vectorFor(ctx, neighborID)
	if err != nil {
		return err
	}

	candList := make([]*util.Candidate, 0, len(remaining))
	for _, id32 := range remaining {
		v, err := g.vectorFor(ctx, uint32(id32))
		if err != nil {
			continue
		}
		candList = append(candList, &util.Candidate{ID: uint32(id32), Distance: g.distance(neighborVec, v)})
	}

	for _, id32 := range remaining {
		hop2, err := g.edges.GetNeighbors(ctx, layer, uint32(id32))
		if err != nil {
			continue
		}
		for _, h2 := range hop2 {
			hid := uint32(h2)
			if seen[hid] || g.edges.IsDeleted(hid) {
				continue
			}
			seen[hid] = true
			v, err := g.vectorFor(ctx, hid)
			if err != nil {
				continue
			}
			candList = append(candList, &util.Candidate{ID: hid, Distance: g.distance(neighborVec, v)})
		}
	}

	selected, err := g.selectNeighborsDiverse(ctx, neighborVec, candList, limit)
	if err != nil {
		return err
	}
	ids := make([]int32, len(selected))
	for i, s := range selected {
		ids[i] = int32(s.ID)
	}
	return g.edges.SetNeighbors(ctx, layer, neighborID, ids)
}
