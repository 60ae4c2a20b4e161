// Package compaction implements spec's offline and online compact
// operations: rebuilding an HNSW index over only its live vectors,
// either all at once (Offline) or incrementally while the source stays
// writable (StartOnline/CompactionState).
package compaction

import (
	"context"
	"fmt"

	"github.com/replikativ/proximum/internal/commit"
	"github.com/replikativ/proximum/internal/edgestore"
	"github.com/replikativ/proximum/internal/hnsw"
	"github.com/replikativ/proximum/internal/kvstore"
	"github.com/replikativ/proximum/internal/metadata"
	"github.com/replikativ/proximum/internal/vectorstore"
)

// Offline produces a fresh index over targetKV containing only source's
// live vectors, rebuilding the HNSW graph by replaying inserts in
// ascending node-id order into a fresh target store. Metadata and
// external-ids are carried across the resulting node-id remapping.
func Offline(ctx context.Context, source *commit.Session, targetKV kvstore.KV, targetMmapPath string, cfg commit.Config, branch string) (*commit.Session, error) {
	repo := commit.Open(targetKV)
	if err := repo.Init(ctx, cfg, branch); err != nil {
		return nil, fmt.Errorf("compaction: init target repo: %w", err)
	}

	vs, es, graph, err := newTarget(targetKV, targetMmapPath, cfg)
	if err != nil {
		return nil, err
	}

	mi := metadata.New(targetKV)
	ei := metadata.NewExternalIDIndex(targetKV)

	idMapping, liveCount, err := replayLiveVectors(ctx, source, vs, graph)
	if err != nil {
		return nil, err
	}
	if err := replayMetadata(source, mi, idMapping); err != nil {
		return nil, err
	}
	if err := replayExternalIDs(source, ei, idMapping); err != nil {
		return nil, err
	}

	target := &commit.Session{
		Repo:              repo,
		KV:                targetKV,
		Branch:            branch,
		Vectors:           vs,
		Edges:             es,
		Metadata:          mi,
		ExternalIDs:       ei,
		BranchVectorCount: liveCount,
	}
	if _, err := target.Sync(ctx, "offline compaction", nil, cfg.CryptoHash); err != nil {
		return nil, fmt.Errorf("compaction: sync target: %w", err)
	}
	return target, nil
}

func newTarget(targetKV kvstore.KV, targetMmapPath string, cfg commit.Config) (*vectorstore.Store, *edgestore.Store, *hnsw.Graph, error) {
	vs, err := vectorstore.Open(vectorstore.Config{
		Path:       targetMmapPath,
		Dim:        cfg.Dim,
		ChunkSize:  cfg.ChunkSize,
		Capacity:   int64(cfg.MaxNodes),
		Addressing: cfg.Addressing,
	}, targetKV)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("compaction: open target vector store: %w", err)
	}
	es, err := edgestore.New(cfg.MaxNodes, cfg.MaxLevels, cfg.M, cfg.M0, targetKV, cfg.Addressing)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("compaction: create target edge store: %w", err)
	}
	es.AsTransient()
	graph, err := hnsw.New(hnsw.DefaultConfig(cfg.Dim, cfg.M), vs, es)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("compaction: create target graph: %w", err)
	}
	return vs, es, graph, nil
}

// replayLiveVectors walks every slot source's vector store has allocated,
// skipping any node the source edge store has marked deleted, and
// re-inserts each surviving vector into the target graph under a fresh
// sequential node-id. The returned mapping lets metadata and external-ids
// follow their vectors across the remap.
func replayLiveVectors(ctx context.Context, source *commit.Session, targetVS *vectorstore.Store, targetGraph *hnsw.Graph) (map[uint32]uint32, uint64, error) {
	idMapping := make(map[uint32]uint32)
	var liveCount uint64
	total := source.Vectors.Count()
	for nodeID := uint32(0); uint64(nodeID) < total; nodeID++ {
		if source.Edges.IsDeleted(nodeID) {
			continue
		}
		vec, err := source.Vectors.GetVector(nodeID)
		if err != nil {
			return nil, 0, fmt.Errorf("compaction: read source vector %d: %w", nodeID, err)
		}
		newID, err := targetVS.Append(vec)
		if err != nil {
			return nil, 0, fmt.Errorf("compaction: append target vector: %w", err)
		}
		if err := targetGraph.Insert(ctx, vec, newID); err != nil {
			return nil, 0, fmt.Errorf("compaction: insert target node %d: %w", newID, err)
		}
		idMapping[nodeID] = newID
		liveCount++
	}
	return idMapping, liveCount, nil
}

func replayMetadata(source *commit.Session, target *metadata.Index, idMapping map[uint32]uint32) error {
	return source.Metadata.ForEach(func(nodeID uint32, fields map[string]interface{}) error {
		newID, ok := idMapping[nodeID]
		if !ok {
			return nil
		}
		return target.Set(newID, fields)
	})
}

func replayExternalIDs(source *commit.Session, target *metadata.ExternalIDIndex, idMapping map[uint32]uint32) error {
	return source.ExternalIDs.ForEach(func(key []byte, nodeID uint32) error {
		newID, ok := idMapping[nodeID]
		if !ok {
			return nil
		}
		target.InsertRaw(key, newID)
		return nil
	})
}
