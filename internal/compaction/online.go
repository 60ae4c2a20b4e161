package compaction

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/replikativ/proximum/internal/commit"
	"github.com/replikativ/proximum/internal/hnsw"
	"github.com/replikativ/proximum/internal/kvstore"
	"github.com/replikativ/proximum/internal/metadata"
)

// ErrForkDuringCompactionForbidden is returned by any branch! attempted
// against a session whose compaction is still live.
var ErrForkDuringCompactionForbidden = fmt.Errorf("compaction: fork is disallowed while online compaction is live")

// DeltaOverflowError reports that the delta log grew past MaxDeltaSize.
type DeltaOverflowError struct {
	MaxDeltaSize int
	CurrentSize  int
	BatchSize    int
}

func (e *DeltaOverflowError) Error() string {
	return fmt.Sprintf("compaction: delta log overflow (current %d, max %d)", e.CurrentSize, e.MaxDeltaSize)
}

type deltaKind int

const (
	deltaInsert deltaKind = iota
	deltaDelete
	deltaSetMetadata
)

type deltaOp struct {
	kind   deltaKind
	nodeID uint32
	vector []float32
	fields map[string]interface{}
}

// Progress is the caller-visible status snapshot of a live CompactionState.
type Progress struct {
	Copying    bool
	Finished   bool
	Failed     bool
	Err        error
	DeltaCount int
	MappedIDs  int
}

// CompactionState wraps a source session plus an in-progress background
// copy to a fresh target. Reads continue to go through Source; every
// write dual-writes to Source and appends to a bounded delta log so
// Finish can replay what the background copier missed.
type CompactionState struct {
	mu sync.Mutex

	Source      *commit.Session
	target      *commit.Session
	targetGraph *hnsw.Graph

	idMapping map[uint32]uint32
	delta     []deltaOp

	batchSize    int
	maxDeltaSize int

	copying  bool
	finished bool
	failed   bool
	err      error

	cancel context.CancelFunc
}

// StartOnline begins copying source's live vectors into a fresh target in
// the background and returns immediately. The caller continues to mutate
// source through the returned CompactionState's Insert/Delete/SetMetadata
// until Finish or Abort.
func StartOnline(ctx context.Context, source *commit.Session, targetKV kvstore.KV, targetMmapPath string, cfg commit.Config, branch string, batchSize, maxDeltaSize int) (*CompactionState, error) {
	if batchSize <= 0 {
		batchSize = 256
	}
	repo := commit.Open(targetKV)
	if err := repo.Init(ctx, cfg, branch); err != nil {
		return nil, fmt.Errorf("compaction: init target repo: %w", err)
	}
	vs, es, graph, err := newTarget(targetKV, targetMmapPath, cfg)
	if err != nil {
		return nil, err
	}

	target := &commit.Session{
		Repo:        repo,
		KV:          targetKV,
		Branch:      branch,
		Vectors:     vs,
		Edges:       es,
		Metadata:    metadata.New(targetKV),
		ExternalIDs: metadata.NewExternalIDIndex(targetKV),
	}

	cctx, cancel := context.WithCancel(ctx)
	state := &CompactionState{
		Source:       source,
		target:       target,
		targetGraph:  graph,
		idMapping:    make(map[uint32]uint32),
		batchSize:    batchSize,
		maxDeltaSize: maxDeltaSize,
		copying:      true,
		cancel:       cancel,
	}
	go state.runCopy(cctx)
	return state, nil
}

func (c *CompactionState) runCopy(ctx context.Context) {
	total := c.Source.Vectors.Count()
	for nodeID := uint32(0); uint64(nodeID) < total; nodeID++ {
		if ctx.Err() != nil {
			return
		}
		if c.Source.Edges.IsDeleted(nodeID) {
			continue
		}
		vec, err := c.Source.Vectors.GetVector(nodeID)
		if err != nil {
			c.fail(err)
			return
		}
		newID, err := c.target.Vectors.Append(vec)
		if err != nil {
			c.fail(err)
			return
		}
		if err := c.targetGraph.Insert(ctx, vec, newID); err != nil {
			c.fail(err)
			return
		}
		c.mu.Lock()
		c.idMapping[nodeID] = newID
		c.mu.Unlock()
	}
	c.mu.Lock()
	c.copying = false
	c.mu.Unlock()
}

func (c *CompactionState) fail(err error) {
	c.mu.Lock()
	c.copying = false
	c.failed = true
	c.err = err
	c.mu.Unlock()
}

// Progress reports the current copy status.
func (c *CompactionState) Progress() Progress {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Progress{
		Copying:    c.copying,
		Finished:   c.finished,
		Failed:     c.failed,
		Err:        c.err,
		DeltaCount: len(c.delta),
		MappedIDs:  len(c.idMapping),
	}
}

// Insert dual-writes a new vector: applied to the source graph directly,
// then queued on the delta log for replay onto the target at Finish.
func (c *CompactionState) Insert(ctx context.Context, sourceGraph *hnsw.Graph, vec []float32) (uint32, error) {
	nodeID, err := c.Source.Vectors.Append(vec)
	if err != nil {
		return 0, err
	}
	if err := sourceGraph.Insert(ctx, vec, nodeID); err != nil {
		return 0, err
	}
	if err := c.appendDelta(deltaOp{kind: deltaInsert, nodeID: nodeID, vector: vec}); err != nil {
		return 0, err
	}
	return nodeID, nil
}

// Delete dual-writes a deletion.
func (c *CompactionState) Delete(ctx context.Context, sourceGraph *hnsw.Graph, nodeID uint32) error {
	if err := sourceGraph.Delete(ctx, nodeID); err != nil {
		return err
	}
	return c.appendDelta(deltaOp{kind: deltaDelete, nodeID: nodeID})
}

// SetMetadata dual-writes a metadata update.
func (c *CompactionState) SetMetadata(nodeID uint32, fields map[string]interface{}) error {
	if err := c.Source.Metadata.Set(nodeID, fields); err != nil {
		return err
	}
	return c.appendDelta(deltaOp{kind: deltaSetMetadata, nodeID: nodeID, fields: fields})
}

func (c *CompactionState) appendDelta(op deltaOp) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.maxDeltaSize > 0 && len(c.delta)+1 > c.maxDeltaSize {
		return &DeltaOverflowError{MaxDeltaSize: c.maxDeltaSize, CurrentSize: len(c.delta), BatchSize: c.batchSize}
	}
	c.delta = append(c.delta, op)
	return nil
}

// Finish replays the delta log's inserts and deletes onto the target in
// order, carries over the full current metadata/external-id state from
// source (which already reflects every SetMetadata dual-write in place),
// and returns the sealed target session.
func (c *CompactionState) Finish(ctx context.Context) (*commit.Session, error) {
	// Wait for the background copier; the loop exits with c.mu held.
	for {
		c.mu.Lock()
		if !c.copying {
			break
		}
		c.mu.Unlock()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
	if c.failed {
		err := c.err
		c.mu.Unlock()
		return nil, fmt.Errorf("compaction: copy failed: %w", err)
	}
	delta := append([]deltaOp(nil), c.delta...)
	idMapping := c.idMapping
	c.mu.Unlock()

	for _, op := range delta {
		switch op.kind {
		case deltaInsert:
			if _, copied := idMapping[op.nodeID]; copied {
				continue
			}
			newID, err := c.target.Vectors.Append(op.vector)
			if err != nil {
				return nil, fmt.Errorf("compaction: replay insert: %w", err)
			}
			if err := c.targetGraph.Insert(ctx, op.vector, newID); err != nil {
				return nil, fmt.Errorf("compaction: replay insert: %w", err)
			}
			idMapping[op.nodeID] = newID
		case deltaDelete:
			if newID, ok := idMapping[op.nodeID]; ok {
				if err := c.targetGraph.Delete(ctx, newID); err != nil {
					return nil, fmt.Errorf("compaction: replay delete: %w", err)
				}
			}
		case deltaSetMetadata:
			// covered by the full metadata replay below, since
			// Source.Metadata already carries this update in place.
		}
	}

	if err := replayMetadata(c.Source, c.target.Metadata, idMapping); err != nil {
		return nil, err
	}
	if err := replayExternalIDs(c.Source, c.target.ExternalIDs, idMapping); err != nil {
		return nil, err
	}

	c.target.BranchVectorCount = uint64(len(idMapping))
	if _, err := c.target.Sync(ctx, "online compaction", nil, false); err != nil {
		return nil, fmt.Errorf("compaction: sync target: %w", err)
	}

	c.mu.Lock()
	c.finished = true
	c.mu.Unlock()
	return c.target, nil
}

// Abort cancels the background copier and discards the target, returning
// the (unmodified) source session. The target's mmap file is left on
// disk; compaction has no opinion on the caller's cleanup policy.
func (c *CompactionState) Abort() *commit.Session {
	c.cancel()
	c.mu.Lock()
	c.finished = true
	c.mu.Unlock()
	return c.Source
}
