package hnsw

import (
	"context"
	"sort"

	"github.com/replikativ/proximum/internal/util"
)

// beamSearch runs best-first search at layer starting from entries, using a
// min-heap exploration frontier and a max-heap bounded result set of width
// ef — the layer-search routine spec §4.3 describes for both the
// construction phase (ef_construction) and query time (ef/ef*10).
func (g *Graph) beamSearch(ctx context.Context, query []float32, entries []*util.Candidate, ef, layer int) ([]*util.Candidate, error) {
	visited := make(map[uint32]bool, ef*4)
	candidates := util.NewMinHeap(ef * 2)
	result := util.NewMaxHeap(ef)

	for _, e := range entries {
		if visited[e.ID] {
			continue
		}
		visited[e.ID] = true
		candidates.PushCandidate(e)
		result.TryAdd(e)
	}

	for candidates.Len() > 0 {
		if err := ctxDone(ctx); err != nil {
			return nil, err
		}
		current := candidates.PopCandidate()

		if result.Len() >= ef {
			if worst := result.Top(); worst != nil && current.Distance > worst.Distance {
				break
			}
		}

		neighbors, err := g.edges.GetNeighbors(ctx, layer, current.ID)
		if err != nil {
			return nil, err
		}
		for _, nID32 := range neighbors {
			nID := uint32(nID32)
			if visited[nID] {
				continue
			}
			visited[nID] = true

			vec, err := g.vectorFor(ctx, nID)
			if err != nil {
				continue
			}
			dist := g.distance(query, vec)
			cand := &util.Candidate{ID: nID, Distance: dist}

			if result.Len() < ef || dist < result.Top().Distance {
				candidates.PushCandidate(cand)
				result.TryAdd(cand)
			}
		}
	}

	out := make([]*util.Candidate, 0, result.Len())
	for result.Len() > 0 {
		out = append(out, result.PopCandidate())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Distance == out[j].Distance {
			return out[i].ID < out[j].ID // tie-break: smaller node-id wins
		}
		return out[i].Distance < out[j].Distance
	})
	return out, nil
}

// greedyStep runs an ef=1 beam search at layer, following closer neighbors
// until none improves on the best found, and is used while descending
// through upper layers before reaching node-level.
func (g *Graph) greedyStep(ctx context.Context, query []float32, entry *util.Candidate, layer int) (*util.Candidate, error) {
	result, err := g.beamSearch(ctx, query, []*util.Candidate{entry}, 1, layer)
	if err != nil {
		return nil, err
	}
	if len(result) == 0 {
		return entry, nil
	}
	return result[0], nil
}

// SearchResult pairs a node-id with its distance from the query, already
// restricted to the k closest live nodes.
type SearchResult struct {
	NodeID   uint32
	Distance float32
}

// Search runs the full query-time search: greedy descent through the
// upper layers, best-first beam search of width ef at layer 0, deleted
// nodes excluded from the output.
func (g *Graph) Search(ctx context.Context, query []float32, k, ef int) ([]SearchResult, error) {
	entryID, ok := g.edges.Entrypoint()
	if !ok {
		return nil, nil
	}
	if ef <= 0 {
		ef = g.cfg.EfSearch
	}
	q := g.prepareQuery(query)

	entryVec, err := g.vectorFor(ctx, entryID)
	if err != nil {
		return nil, err
	}
	entry := &util.Candidate{ID: entryID, Distance: g.distance(q, entryVec)}

	maxLevel := g.edges.MaxLevel()
	for level := maxLevel; level > 0; level-- {
		entry, err = g.greedyStep(ctx, q, entry, level)
		if err != nil {
			return nil, err
		}
	}

	candidates, err := g.beamSearch(ctx, q, []*util.Candidate{entry}, ef, 0)
	if err != nil {
		return nil, err
	}

	out := make([]SearchResult, 0, k)
	for _, c := range candidates {
		if g.edges.IsDeleted(c.ID) {
			continue
		}
		out = append(out, SearchResult{NodeID: c.ID, Distance: c.Distance})
		if len(out) >= k {
			break
		}
	}
	return out, nil
}

// SearchFiltered restricts the output (not the expansion frontier) to
// node-ids allowed by filter. Per spec, ef defaults to 10*k to compensate
// for post-filtering shrinkage.
func (g *Graph) SearchFiltered(ctx context.Context, query []float32, k, ef int, allowed func(nodeID uint32) bool) ([]SearchResult, error) {
	if ef <= 0 {
		ef = 10 * k
	}
	entryID, ok := g.edges.Entrypoint()
	if !ok {
		return nil, nil
	}
	q := g.prepareQuery(query)

	entryVec, err := g.vectorFor(ctx, entryID)
	if err != nil {
		return nil, err
	}
	entry := &util.Candidate{ID: entryID, Distance: g.distance(q, entryVec)}

	maxLevel := g.edges.MaxLevel()
	for level := maxLevel; level > 0; level-- {
		entry, err = g.greedyStep(ctx, q, entry, level)
		if err != nil {
			return nil, err
		}
	}

	candidates, err := g.beamSearch(ctx, q, []*util.Candidate{entry}, ef, 0)
	if err != nil {
		return nil, err
	}

	out := make([]SearchResult, 0, k)
	for _, c := range candidates {
		if g.edges.IsDeleted(c.ID) {
			continue
		}
		if allowed != nil && !allowed(c.ID) {
			continue
		}
		out = append(out, SearchResult{NodeID: c.ID, Distance: c.Distance})
		if len(out) >= k {
			break
		}
	}
	return out, nil
}
