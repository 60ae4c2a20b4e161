package hnsw

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// BatchInsert allocates node-ids sequentially (vector-store append is
// serialized to preserve node-id order) then parallelizes the per-node
// graph construction across a worker pool, relying on the edge store's
// per-chunk striped locks for safety. Generalizes the teacher's sequential
// insert.go into the concurrent batch path spec §4.3 requires.
func (g *Graph) BatchInsert(ctx context.Context, vectors [][]float32, workers int) ([]uint32, error) {
	ids := make([]uint32, len(vectors))
	for i, v := range vectors {
		id, err := g.vectors.Append(v)
		if err != nil {
			return nil, err
		}
		ids[i] = id
	}

	if workers <= 0 {
		workers = 1
	}

	grp, gctx := errgroup.WithContext(ctx)
	grp.SetLimit(workers)

	for i := range vectors {
		i := i
		grp.Go(func() error {
			return g.Insert(gctx, vectors[i], ids[i])
		})
	}

	if err := grp.Wait(); err != nil {
		return nil, err
	}
	return ids, nil
}
