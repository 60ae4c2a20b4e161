package hnsw

import (
	"context"
	"sort"

	"github.com/replikativ/proximum/internal/util"
)

// selectNeighborsDiverse implements the diversity heuristic: walk
// candidates closest-first, admitting a candidate only if no
// already-selected neighbor is closer to it than the query is to it.
// Generalizes the teacher's NeighborSelector into the exact rule spec §4.3
// specifies, rather than the teacher's distance-ratio approximation.
func (g *Graph) selectNeighborsDiverse(ctx context.Context, query []float32, candidates []*util.Candidate, limit int) ([]*util.Candidate, error) {
	sorted := make([]*util.Candidate, len(candidates))
	copy(sorted, candidates)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Distance < sorted[j].Distance })

	selected := make([]*util.Candidate, 0, limit)
	for _, cand := range sorted {
		if len(selected) >= limit {
			break
		}
		if err := ctxDone(ctx); err != nil {
			return nil, err
		}

		candVec, err := g.vectorFor(ctx, cand.ID)
		if err != nil {
			continue
		}

		diverse := true
		for _, sel := range selected {
			selVec, err := g.vectorFor(ctx, sel.ID)
			if err != nil {
				continue
			}
			if g.distance(selVec, candVec) < cand.Distance {
				diverse = false
				break
			}
		}
		if diverse {
			selected = append(selected, cand)
		}
	}
	return selected, nil
}

// connectBidirectional writes node<->each selected neighbor's edge at
// layer, then prunes any neighbor whose adjacency now exceeds its layer
// cap by rerunning the diversity heuristic over its existing neighbors.
func (g *Graph) connectBidirectional(ctx context.Context, layer int, nodeID uint32, selected []*util.Candidate) error {
	ids := make([]int32, len(selected))
	for i, s := range selected {
		ids[i] = int32(s.ID)
	}
	if err := g.edges.SetNeighbors(ctx, layer, nodeID, ids); err != nil {
		return err
	}

	limit := g.cfg.M
	if layer == 0 {
		limit = g.cfg.M0
	}

	for _, s := range selected {
		existing, err := g.edges.GetNeighbors(ctx, layer, s.ID)
		if err != nil {
			return err
		}
		merged := appendUnique(existing, int32(nodeID))
		if len(merged) <= limit {
			if err := g.edges.SetNeighbors(ctx, layer, s.ID, merged); err != nil {
				return err
			}
			continue
		}

		neighborVec, err := g.vectorFor(ctx, s.ID)
		if err != nil {
			return err
		}
		candList := make([]*util.Candidate, 0, len(merged))
		for _, id := range merged {
			v, err := g.vectorFor(ctx, uint32(id))
			if err != nil {
				continue
			}
			candList = append(candList, &util.Candidate{ID: uint32(id), Distance: g.distance(neighborVec, v)})
		}
		pruned, err := g.selectNeighborsDiverse(ctx, neighborVec, candList, limit)
		if err != nil {
			return err
		}
		prunedIDs := make([]int32, len(pruned))
		for i, p := range pruned {
			prunedIDs[i] = int32(p.ID)
		}
		if err := g.edges.SetNeighbors(ctx, layer, s.ID, prunedIDs); err != nil {
			return err
		}
	}
	return nil
}

func appendUnique(existing []int32, id int32) []int32 {
	for _, e := range existing {
		if e == id {
			return existing
		}
	}
	out := make([]int32, len(existing), len(existing)+1)
	copy(out, existing)
	return append(out, id)
}
