// Package proximum implements a persistent, versioned vector store: ANN
// search over an HNSW graph, a chunked copy-on-write edge store and a
// dual mmap/KV vector store, both persisted through a pluggable KV
// backend, with git-like branching, commits and time-travel, and
// persistent-map semantics keyed by caller-supplied external ids.
//
// Generalizes the teacher's Database/Collection pair (one mutable handle
// per named collection, backed by an LSM storage engine) onto a single
// versioned IndexValue: where the teacher had one collection per logical
// dataset, proximum has one branch-or-commit-pinned Index per view of a
// single lineage, and "creating a collection" becomes create_index.
package proximum

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/replikativ/proximum/internal/commit"
	"github.com/replikativ/proximum/internal/compaction"
	"github.com/replikativ/proximum/internal/edgestore"
	"github.com/replikativ/proximum/internal/gc"
	"github.com/replikativ/proximum/internal/indextype"
	"github.com/replikativ/proximum/internal/kvstore"
	"github.com/replikativ/proximum/internal/metadata"
	"github.com/replikativ/proximum/internal/obs"
	"github.com/replikativ/proximum/internal/vectorstore"
)

// Index is the IndexValue tuple: a commit session (vector store, edge
// store, metadata/external-id indexes, branch/commit state) plus the
// VectorIndex that runs search/insert/delete over it. One Index is the
// caller-visible handle for one branch or one pinned historical commit of
// a lineage; fork and branch! both return a new, independent Index
// sharing the same KV store and (for fork) the same mmap file.
type Index struct {
	mu sync.Mutex

	session *commit.Session
	vindex  indextype.VectorIndex
	cfg     Config

	ownsKV bool

	compactionState *compaction.CompactionState

	// extByNode is a best-effort reverse lookup (node-id -> external-id)
	// for search results, since the external-id index is ordered by
	// external-id, not node-id. Rebuilt wholesale on load, maintained
	// incrementally on insert/delete.
	extByNode map[uint32]interface{}

	metrics *obs.Metrics
	health  *obs.HealthChecker
	logger  *slog.Logger

	// breakers guards sync!/flush!/gc' against cascading failures from a
	// struggling KV backend: each operation gets its own breaker, so gc!
	// tripping on a slow compaction write doesn't also block sync!. Once
	// tripped, a guarded call fails fast with NewIOError instead of
	// repeatedly blocking on a backend that keeps erroring.
	breakers *obs.KVBreakerRegistry

	closed bool
}

func buildConfig(opts []Option) (*Config, error) {
	cfg := defaultConfig()
	if err := applyOptions(cfg, opts); err != nil {
		return nil, err
	}
	return cfg, nil
}

func openKV(cfg *Config) (kvstore.KV, bool, error) {
	if cfg.KV != nil {
		return cfg.KV, false, nil
	}
	kv, err := kvstore.OpenBolt(cfg.boltPath())
	if err != nil {
		return nil, false, fmt.Errorf("proximum: open store %q: %w", cfg.boltPath(), err)
	}
	return kv, true, nil
}

func (cfg *Config) toCommitConfig() commit.Config {
	return commit.Config{
		Type:       cfg.Type,
		Dim:        cfg.Dim,
		M:          cfg.M,
		M0:         cfg.M * 2,
		MaxNodes:   uint32(cfg.Capacity),
		MaxLevels:  cfg.MaxLevels,
		ChunkSize:  cfg.ChunkSize,
		Distance:   cfg.Distance,
		CryptoHash: cfg.CryptoHash,
		Addressing: cfg.Addressing,
	}
}

// CreateIndex implements create_index: initializes a brand-new lineage
// (index/config, the {branch} branch set, an empty vector/edge/metadata
// state) and returns a handle positioned on that branch with no commits
// yet.
func CreateIndex(opts ...Option) (*Index, error) {
	cfg, err := buildConfig(opts)
	if err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	kv, owns, err := openKV(cfg)
	if err != nil {
		return nil, err
	}

	ccfg := cfg.toCommitConfig()
	repo := commit.Open(kv)
	if err := repo.Init(context.Background(), ccfg, cfg.Branch); err != nil {
		return nil, fmt.Errorf("proximum: create_index init: %w", err)
	}

	vs, err := vectorstore.Open(vectorstore.Config{
		Path:       cfg.mmapPath(cfg.Branch),
		Dim:        cfg.Dim,
		ChunkSize:  cfg.ChunkSize,
		Capacity:   cfg.Capacity,
		Addressing: cfg.Addressing,
	}, kv)
	if err != nil {
		return nil, fmt.Errorf("proximum: create_index open vector store: %w", err)
	}
	es, err := edgestore.New(uint32(cfg.Capacity), cfg.MaxLevels, cfg.M, cfg.M*2, kv, cfg.Addressing)
	if err != nil {
		return nil, fmt.Errorf("proximum: create_index create edge store: %w", err)
	}
	es.AsTransient()
	vindex, err := indextype.Construct(ccfg, vs, es)
	if err != nil {
		return nil, err
	}

	session := &commit.Session{
		Repo:        repo,
		KV:          kv,
		Branch:      cfg.Branch,
		Vectors:     vs,
		Edges:       es,
		Metadata:    metadata.New(kv),
		ExternalIDs: metadata.NewExternalIDIndex(kv),
	}

	logger := cfg.logger()
	logger.Info("create_index", "branch", cfg.Branch, "dim", cfg.Dim, "type", cfg.Type)

	idx := &Index{
		session:   session,
		vindex:    vindex,
		cfg:       *cfg,
		ownsKV:    owns,
		extByNode: make(map[uint32]interface{}),
		metrics:   cfg.metrics(),
		health:    obs.NewHealthChecker(),
		logger:    logger,
		breakers:  obs.NewKVBreakerRegistry(),
	}
	registerBreakerHealthCheck(idx)
	return idx, nil
}

// registerBreakerHealthCheck wires each KV operation's breaker state into
// Health, so a tripped breaker surfaces as an unhealthy component without
// the caller having to poll KVBreakerRegistry directly.
func registerBreakerHealthCheck(idx *Index) {
	idx.health.Register("kv_io", func(context.Context) obs.ComponentStatus {
		states := idx.breakers.States()
		for op, state := range states {
			if state == obs.CircuitOpen {
				return obs.ComponentStatus{Healthy: false, Message: fmt.Sprintf("%s circuit breaker is open", op)}
			}
		}
		return obs.ComponentStatus{Healthy: true}
	})
}

// Load implements load: reopens an existing lineage at a branch's current
// head.
func Load(ctx context.Context, opts ...Option) (*Index, error) {
	cfg, err := buildConfig(opts)
	if err != nil {
		return nil, err
	}
	kv, owns, err := openKV(cfg)
	if err != nil {
		return nil, err
	}
	session, vindex, err := indextype.OpenSession(ctx, kv, cfg.mmapPath(cfg.Branch), cfg.Branch)
	if err != nil {
		return nil, fmt.Errorf("proximum: load: %w", err)
	}
	return newIndexFromSession(cfg, kv, owns, session, vindex)
}

// LoadCommit implements load_commit: reopens a lineage pinned at a
// specific historical commit rather than a branch's live head. The
// returned Index is read-mostly in spirit (mutating it forks the branch's
// notion of history from underneath the pinned commit) and is mainly
// meant for inspection and `compact`'s target argument.
func LoadCommit(ctx context.Context, commitID string, opts ...Option) (*Index, error) {
	cfg, err := buildConfig(opts)
	if err != nil {
		return nil, err
	}
	kv, owns, err := openKV(cfg)
	if err != nil {
		return nil, err
	}
	session, vindex, err := indextype.OpenCommitSession(ctx, kv, cfg.mmapPath(cfg.Branch), commitID)
	if err != nil {
		return nil, fmt.Errorf("proximum: load_commit: %w", err)
	}
	return newIndexFromSession(cfg, kv, owns, session, vindex)
}

func newIndexFromSession(cfg *Config, kv kvstore.KV, owns bool, session *commit.Session, vindex indextype.VectorIndex) (*Index, error) {
	idx := &Index{
		session:   session,
		vindex:    vindex,
		cfg:       *cfg,
		ownsKV:    owns,
		extByNode: make(map[uint32]interface{}),
		metrics:   cfg.metrics(),
		health:    obs.NewHealthChecker(),
		logger:    cfg.logger(),
		breakers:  obs.NewKVBreakerRegistry(),
	}
	idx.cfg.Branch = session.Branch
	if err := session.ExternalIDs.ForEach(func(key []byte, nodeID uint32) error {
		idx.extByNode[nodeID] = metadata.DecodeExternalID(key).Value()
		return nil
	}); err != nil {
		return nil, fmt.Errorf("proximum: rebuild external-id reverse lookup: %w", err)
	}
	registerBreakerHealthCheck(idx)
	return idx, nil
}

// Insert implements insert: appends vec as a new node, wires it into the
// ANN graph, and (when given) records its external-id and metadata.
// Returns the new node-id. Raises ErrCapacityExceeded if the vector store
// is already at capacity, ErrExtIDCollision if extID already names a
// different node.
func (idx *Index) Insert(ctx context.Context, vec []float32, extID interface{}, meta map[string]interface{}) (uint32, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.closed {
		return 0, ErrIndexClosed
	}
	if len(vec) != idx.cfg.Dim {
		idx.metrics.InsertErrors.Inc()
		return 0, ErrInvalidDimension
	}
	if uint64(idx.session.Vectors.Count()) >= uint64(idx.cfg.Capacity) {
		idx.metrics.InsertErrors.Inc()
		return 0, ErrCapacityExceeded
	}

	var extKey metadata.ExternalID
	hasExt := extID != nil
	if hasExt {
		var err error
		extKey, err = metadata.NewExternalID(extID)
		if err != nil {
			idx.metrics.InsertErrors.Inc()
			return 0, err
		}
		// Checked up front (ExternalIDs.Insert enforces it too) so a
		// doomed insert never allocates a vector slot first: Insert
		// always creates a brand-new node, so any existing mapping for
		// extID is necessarily a collision.
		if _, ok := idx.session.ExternalIDs.Lookup(extKey); ok {
			idx.metrics.InsertErrors.Inc()
			return 0, ErrExtIDCollision
		}
	}

	nodeID, err := idx.session.Vectors.Append(vec)
	if err != nil {
		idx.metrics.InsertErrors.Inc()
		// The dimension was checked above, so Append only fails here when
		// the mmap file has no free slot (vectors appended since the last
		// sync are not yet in Count()).
		return 0, ErrCapacityExceeded
	}
	if err := idx.vindex.Insert(ctx, vec, nodeID); err != nil {
		idx.metrics.InsertErrors.Inc()
		return 0, err
	}
	if hasExt {
		if err := idx.session.ExternalIDs.Insert(extKey, nodeID); err != nil {
			idx.metrics.InsertErrors.Inc()
			return 0, err
		}
		idx.extByNode[nodeID] = extID
	}
	if meta != nil {
		if err := idx.session.Metadata.Set(nodeID, meta); err != nil {
			idx.metrics.InsertErrors.Inc()
			return 0, err
		}
	}

	idx.session.BranchVectorCount++
	idx.session.MarkDirty()
	idx.metrics.VectorInserts.Inc()
	return nodeID, nil
}

// InsertBatch implements insert_batch: bulk-inserts vecs concurrently
// (parallelism workers), then assigns external-ids/metadata to the
// resulting node-ids in order.
func (idx *Index) InsertBatch(ctx context.Context, vecs [][]float32, extIDs []interface{}, metas []map[string]interface{}, parallelism int) ([]uint32, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.closed {
		return nil, ErrIndexClosed
	}
	if uint64(idx.session.Vectors.Count())+uint64(len(vecs)) > uint64(idx.cfg.Capacity) {
		idx.metrics.InsertErrors.Inc()
		return nil, ErrCapacityExceeded
	}

	for _, vec := range vecs {
		if len(vec) != idx.cfg.Dim {
			idx.metrics.InsertErrors.Inc()
			return nil, ErrInvalidDimension
		}
	}

	// BatchInsert appends each vector to the vector store itself (to
	// assign node-ids before fanning the graph insert out across
	// workers), so unlike Insert this must not pre-append.
	nodeIDs, err := idx.vindex.BatchInsert(ctx, vecs, parallelism)
	if err != nil {
		idx.metrics.InsertErrors.Inc()
		return nil, err
	}

	for i, nodeID := range nodeIDs {
		if extIDs != nil && i < len(extIDs) && extIDs[i] != nil {
			extKey, err := metadata.NewExternalID(extIDs[i])
			if err != nil {
				return nil, err
			}
			if err := idx.session.ExternalIDs.Insert(extKey, nodeID); err != nil {
				return nil, err
			}
			idx.extByNode[nodeID] = extIDs[i]
		}
		if metas != nil && i < len(metas) && metas[i] != nil {
			if err := idx.session.Metadata.Set(nodeID, metas[i]); err != nil {
				return nil, err
			}
		}
	}

	idx.session.BranchVectorCount += uint64(len(vecs))
	idx.session.MarkDirty()
	idx.metrics.VectorBatchInsert.Add(float64(len(vecs)))
	return nodeIDs, nil
}

func (idx *Index) toResults(results []indextype.SearchResult) []SearchResult {
	out := make([]SearchResult, len(results))
	for i, r := range results {
		out[i] = SearchResult{NodeID: r.NodeID, Distance: r.Distance, ExternalID: idx.extByNode[r.NodeID]}
	}
	return out
}

// Search implements search: k-nearest-neighbor lookup, ef<=0 falls back
// to the index's configured default.
func (idx *Index) Search(ctx context.Context, query []float32, k, ef int) ([]SearchResult, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if idx.closed {
		return nil, ErrIndexClosed
	}
	if ef <= 0 {
		ef = idx.cfg.EfSearch
	}
	start := time.Now()
	results, err := idx.vindex.Search(ctx, query, k, ef)
	idx.metrics.SearchLatency.Observe(time.Since(start).Seconds())
	idx.metrics.SearchQueries.Inc()
	if err != nil {
		idx.metrics.SearchErrors.Inc()
		return nil, err
	}
	return idx.toResults(results), nil
}

// Nearest implements nearest: the single closest vector to query.
func (idx *Index) Nearest(ctx context.Context, query []float32, ef int) (*SearchResult, error) {
	results, err := idx.Search(ctx, query, 1, ef)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, nil
	}
	return &results[0], nil
}

// Predicate is a metadata predicate search_filtered/nearest_filtered
// restrict candidate node-ids by, given that node's current metadata
// fields (nil if it has none).
type Predicate func(fields map[string]interface{}) bool

// searchFilteredNodes is the shared core behind every filtered_search
// input shape spec §4.3 names (bitset over node-ids, external-id set
// translated to a bitset, or a metadata predicate materialized into a
// bitset at call time): it restricts candidates directly by node-id,
// leaving the job of turning any of those three shapes into a node-id
// predicate to the caller. SearchFiltered and QueryBuilder.Execute are
// both thin wrappers over this.
func (idx *Index) searchFilteredNodes(ctx context.Context, query []float32, k, ef int, allowed func(nodeID uint32) bool) ([]SearchResult, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if idx.closed {
		return nil, ErrIndexClosed
	}
	if ef <= 0 {
		ef = 10 * k
	}
	start := time.Now()
	results, err := idx.vindex.SearchFiltered(ctx, query, k, ef, allowed)
	idx.metrics.SearchLatency.Observe(time.Since(start).Seconds())
	idx.metrics.SearchQueries.Inc()
	if err != nil {
		idx.metrics.SearchErrors.Inc()
		return nil, err
	}
	return idx.toResults(results), nil
}

// SearchFiltered implements search_filtered: k-nearest-neighbor lookup
// restricted to nodes whose metadata satisfies allowed (spec §4.3's
// third filter-input shape: a predicate over (node, metadata)).
func (idx *Index) SearchFiltered(ctx context.Context, query []float32, k, ef int, allowed Predicate) ([]SearchResult, error) {
	return idx.searchFilteredNodes(ctx, query, k, ef, func(nodeID uint32) bool {
		fields, _, err := idx.session.Metadata.Get(nodeID)
		if err != nil {
			return false
		}
		return allowed(fields)
	})
}

// NearestFiltered implements nearest_filtered: the single closest vector
// to query among nodes whose metadata satisfies allowed.
func (idx *Index) NearestFiltered(ctx context.Context, query []float32, ef int, allowed Predicate) (*SearchResult, error) {
	results, err := idx.SearchFiltered(ctx, query, 1, ef, allowed)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, nil
	}
	return &results[0], nil
}

// nodeForExtID resolves an insert(idx, vec, ext-id, ...)-style identifier
// that might be either a raw node-id (uint32) or an external-id, per
// delete(idx, ext-id-or-node-id)'s dual calling convention.
func (idx *Index) nodeForExtID(id interface{}) (uint32, bool) {
	if nodeID, ok := id.(uint32); ok {
		return nodeID, true
	}
	extKey, err := metadata.NewExternalID(id)
	if err != nil {
		return 0, false
	}
	return idx.session.ExternalIDs.Lookup(extKey)
}

// Delete implements delete: tombstones a node by external-id or raw
// node-id.
func (idx *Index) Delete(ctx context.Context, idOrNodeID interface{}) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if idx.closed {
		return ErrIndexClosed
	}
	nodeID, ok := idx.nodeForExtID(idOrNodeID)
	if !ok {
		return ErrNotFound
	}
	if err := idx.vindex.Delete(ctx, nodeID); err != nil {
		return err
	}
	idx.session.Metadata.Delete(nodeID)
	if extVal, ok := idx.extByNode[nodeID]; ok {
		if extKey, err := metadata.NewExternalID(extVal); err == nil {
			idx.session.ExternalIDs.Delete(extKey)
		}
		delete(idx.extByNode, nodeID)
	}
	idx.session.BranchDeletedCount++
	idx.session.MarkDirty()
	idx.metrics.VectorDeletes.Inc()
	return nil
}

// GetVector implements get_vector.
func (idx *Index) GetVector(idOrNodeID interface{}) ([]float32, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	nodeID, ok := idx.nodeForExtID(idOrNodeID)
	if !ok {
		return nil, ErrNotFound
	}
	return idx.session.Vectors.GetVector(nodeID)
}

// GetMetadata implements get_metadata.
func (idx *Index) GetMetadata(idOrNodeID interface{}) (map[string]interface{}, bool, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	nodeID, ok := idx.nodeForExtID(idOrNodeID)
	if !ok {
		return nil, false, ErrNotFound
	}
	return idx.session.Metadata.Get(nodeID)
}

// SetMetadata implements set_metadata.
func (idx *Index) SetMetadata(idOrNodeID interface{}, fields map[string]interface{}) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if idx.closed {
		return ErrIndexClosed
	}
	nodeID, ok := idx.nodeForExtID(idOrNodeID)
	if !ok {
		return ErrNotFound
	}
	if err := idx.session.Metadata.Set(nodeID, fields); err != nil {
		return err
	}
	idx.session.MarkDirty()
	return nil
}

// CountVectors implements count_vectors: this branch's own live count,
// independent of the shared mmap file's total slot count.
func (idx *Index) CountVectors() uint64 {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.session.BranchVectorCount - idx.session.BranchDeletedCount
}

// Capacity implements capacity.
func (idx *Index) Capacity() int64 {
	return idx.cfg.Capacity
}

// RemainingCapacity implements remaining_capacity.
func (idx *Index) RemainingCapacity() int64 {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.cfg.Capacity - int64(idx.session.Vectors.Count())
}

// Fork implements fork: an O(1) shared-structure copy. Rejected while an
// online compaction is live (a fork would race the background copier's
// view of node-ids).
func (idx *Index) Fork() (*Index, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if idx.compactionState != nil {
		return nil, ErrForkDuringCompactionForbidden
	}
	edges := idx.session.Edges.Fork()
	vindex, err := indextype.Construct(idx.cfg.toCommitConfig(), idx.session.Vectors, edges)
	if err != nil {
		return nil, err
	}
	forked := &Index{
		session: &commit.Session{
			Repo:               idx.session.Repo,
			KV:                 idx.session.KV,
			Branch:             idx.session.Branch,
			CommitID:           idx.session.CommitID,
			Vectors:            idx.session.Vectors,
			Edges:              edges,
			Metadata:           idx.session.Metadata.Fork(),
			ExternalIDs:        idx.session.ExternalIDs.Fork(),
			BranchVectorCount:  idx.session.BranchVectorCount,
			BranchDeletedCount: idx.session.BranchDeletedCount,
		},
		vindex:    vindex,
		cfg:       idx.cfg,
		extByNode: copyExtMap(idx.extByNode),
		metrics:   idx.metrics,
		health:    idx.health,
		logger:    idx.logger,
		breakers:  idx.breakers,
	}
	return forked, nil
}

func copyExtMap(m map[uint32]interface{}) map[uint32]interface{} {
	out := make(map[uint32]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Sync implements sync!: durably commits every mutation since the last
// sync, advancing the branch head. On an I/O failure the branch head is
// left untouched and the in-memory mutations remain in place for a retry,
// per spec's I/O error class.
func (idx *Index) Sync(ctx context.Context, message string, parents []string) (*commit.Commit, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if idx.closed {
		return nil, ErrIndexClosed
	}
	start := time.Now()
	var c *commit.Commit
	err := idx.breakers.Execute(ctx, obs.OpSync, func() error {
		var syncErr error
		c, syncErr = idx.session.Sync(ctx, message, parents, idx.cfg.CryptoHash)
		return syncErr
	})
	idx.metrics.SyncLatency.Observe(time.Since(start).Seconds())
	idx.metrics.SyncTotal.Inc()
	if err != nil {
		idx.metrics.SyncErrors.Inc()
		idx.logger.Error("sync! failed, branch head left untouched", "branch", idx.session.Branch, "error", err)
		return nil, NewIOError("sync! failed", err)
	}
	idx.logger.Debug("sync! committed", "branch", idx.session.Branch, "commit", c.ID)
	return c, nil
}

// Flush implements flush!: packages the vector chunks appended since the
// last Sync to the KV store without advancing the branch head. Sync writes
// those chunks again, since it flushes everything since the last Sync.
func (idx *Index) Flush(ctx context.Context) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if idx.closed {
		return ErrIndexClosed
	}
	if err := idx.breakers.Execute(ctx, obs.OpFlush, func() error { return idx.session.Vectors.FlushAsync(ctx) }); err != nil {
		return NewIOError("flush! failed", err)
	}
	return nil
}

// Close implements close!: blocks until writes drain (a final Sync of the
// vector store), then releases the mmap file. Edge-store chunks and the
// metadata/external-id indexes are not flushed here; only Sync commits
// them. The KV
// store is only closed if this Index opened it itself (Load/CreateIndex
// without an explicit WithKV).
func (idx *Index) Close(ctx context.Context) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if idx.closed {
		return nil
	}
	if err := idx.session.Vectors.Close(ctx); err != nil {
		return err
	}
	idx.closed = true
	idx.logger.Debug("close! drained", "branch", idx.session.Branch)
	if idx.ownsKV {
		return idx.session.KV.Close()
	}
	return nil
}

// Branch implements branch!: creates name as a new branch starting from
// this Index's current committed state and returns its handle.
func (idx *Index) Branch(ctx context.Context, name string) (*Index, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if idx.compactionState != nil {
		return nil, ErrForkDuringCompactionForbidden
	}
	branched, err := idx.session.BranchFrom(ctx, name, idx.cfg.MmapDir, idx.cfg.CryptoHash)
	if err != nil {
		idx.logger.Error("branch! failed", "from", idx.session.Branch, "name", name, "error", err)
		return nil, err
	}
	vindex, err := indextype.Construct(idx.cfg.toCommitConfig(), branched.Vectors, branched.Edges)
	if err != nil {
		return nil, err
	}
	idx.metrics.BranchesCreated.Inc()
	idx.logger.Info("branch! created", "from", idx.session.Branch, "name", name)
	bcfg := idx.cfg
	bcfg.Branch = name
	return &Index{
		session:   branched,
		vindex:    vindex,
		cfg:       bcfg,
		extByNode: copyExtMap(idx.extByNode),
		metrics:   idx.metrics,
		health:    idx.health,
		logger:    idx.logger,
		breakers:  idx.breakers,
	}, nil
}

// DeleteBranch implements delete_branch!.
func (idx *Index) DeleteBranch(ctx context.Context, name string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if err := idx.session.Repo.DeleteBranch(ctx, name, idx.session.Branch); err != nil {
		return err
	}
	idx.metrics.BranchesDeleted.Inc()
	idx.logger.Info("delete_branch! removed", "name", name)
	return nil
}

// Branches implements branches.
func (idx *Index) Branches(ctx context.Context) ([]string, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.session.Repo.Branches(ctx)
}

// History implements history.
func (idx *Index) History(ctx context.Context) ([]CommitInfo, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if idx.session.CommitID == "" {
		return nil, nil
	}
	commits, err := idx.session.Repo.History(ctx, idx.session.CommitID)
	if err != nil {
		return nil, err
	}
	return toCommitInfos(commits), nil
}

// Ancestors implements ancestors.
func (idx *Index) Ancestors(ctx context.Context) ([]CommitInfo, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if idx.session.CommitID == "" {
		return nil, nil
	}
	commits, err := idx.session.Repo.Ancestors(ctx, idx.session.CommitID)
	if err != nil {
		return nil, err
	}
	return toCommitInfos(commits), nil
}

// IsAncestor implements ancestor?.
func (idx *Index) IsAncestor(ctx context.Context, candidate, commitID string) (bool, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.session.Repo.IsAncestor(ctx, candidate, commitID)
}

// CommonAncestor implements common_ancestor.
func (idx *Index) CommonAncestor(ctx context.Context, a, b string) (*CommitInfo, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	c, err := idx.session.Repo.CommonAncestor(ctx, a, b)
	if err != nil || c == nil {
		return nil, err
	}
	info := toCommitInfo(c)
	return &info, nil
}

// CommitInfo implements commit_info.
func (idx *Index) CommitInfo(ctx context.Context, commitID string) (*CommitInfo, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	c, err := idx.session.Repo.LoadCommit(ctx, commitID)
	if err != nil {
		return nil, err
	}
	info := toCommitInfo(c)
	return &info, nil
}

// CommitGraph implements commit_graph.
func (idx *Index) CommitGraph(ctx context.Context) (map[string]CommitInfo, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	commits, err := idx.session.Repo.CommitGraph(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]CommitInfo, len(commits))
	for id, c := range commits {
		out[id] = toCommitInfo(c)
	}
	return out, nil
}

// Parents implements parents.
func (idx *Index) Parents(ctx context.Context, commitID string) ([]string, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.session.Repo.Parents(ctx, commitID)
}

func toCommitInfo(c *commit.Commit) CommitInfo {
	return CommitInfo{
		ID:        c.ID,
		Parents:   c.Parents,
		Branch:    c.Branch,
		Message:   c.Message,
		CreatedAt: time.Unix(0, c.CreatedAt),
	}
}

func toCommitInfos(commits []*commit.Commit) []CommitInfo {
	out := make([]CommitInfo, len(commits))
	for i, c := range commits {
		out[i] = toCommitInfo(c)
	}
	return out
}

// Merge implements merge!: add-only union of other's vectors/metadata/
// external-ids into idx.
func (idx *Index) Merge(ctx context.Context, other *Index, message string) (*commit.Commit, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	c, err := idx.session.Merge(ctx, other.session, message, idx.cfg.CryptoHash)
	if err != nil {
		idx.logger.Error("merge! failed", "branch", idx.session.Branch, "other", other.session.Branch, "error", err)
		return nil, err
	}
	for nodeID, ext := range other.extByNode {
		if _, ok := idx.extByNode[nodeID]; !ok {
			idx.extByNode[nodeID] = ext
		}
	}
	idx.metrics.Merges.Inc()
	idx.logger.Info("merge! committed", "branch", idx.session.Branch, "other", other.session.Branch, "commit", c.ID)
	return c, nil
}

// Reset implements reset!: moves the branch head back to an older commit
// and reloads this Index's in-memory state from that commit's snapshot.
func (idx *Index) Reset(ctx context.Context, commitID string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if err := idx.session.Repo.Reset(ctx, idx.session.Branch, commitID); err != nil {
		idx.logger.Error("reset! failed", "branch", idx.session.Branch, "commit", commitID, "error", err)
		return err
	}
	session, vindex, err := indextype.OpenCommitSession(ctx, idx.session.KV, idx.session.Vectors.Path(), commitID)
	if err != nil {
		return fmt.Errorf("proximum: reset! reload: %w", err)
	}
	idx.session = session
	idx.vindex = vindex
	idx.extByNode = make(map[uint32]interface{})
	if err := session.ExternalIDs.ForEach(func(key []byte, nodeID uint32) error {
		idx.extByNode[nodeID] = metadata.DecodeExternalID(key).Value()
		return nil
	}); err != nil {
		return err
	}
	idx.metrics.Resets.Inc()
	idx.logger.Info("reset! moved branch head", "branch", idx.session.Branch, "commit", commitID)
	return nil
}

// Compact implements compact (offline): rebuilds a fresh index over
// targetKV containing only idx's live vectors, leaving idx untouched.
func (idx *Index) Compact(ctx context.Context, targetKV kvstore.KV, targetMmapPath string) (*commit.Session, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	target, err := compaction.Offline(ctx, idx.session, targetKV, targetMmapPath, idx.cfg.toCommitConfig(), idx.session.Branch)
	if err != nil {
		idx.logger.Error("compact failed", "branch", idx.session.Branch, "error", err)
		return nil, err
	}
	idx.metrics.CompactionsOffline.Inc()
	idx.metrics.CompactionCopyLength.Observe(float64(target.BranchVectorCount))
	idx.logger.Info("compact finished", "branch", idx.session.Branch, "live_vectors", target.BranchVectorCount)
	return target, nil
}

// StartOnlineCompaction implements start_online_compaction: begins
// copying idx's live vectors to a fresh target in the background. idx
// stays writable until FinishOnlineCompaction or AbortOnlineCompaction,
// but idx's Insert, Delete and SetMetadata apply to idx's own session
// only: they are not recorded in the compaction's delta log and do not
// reach the target. fork and branch! are rejected while a compaction is
// live.
func (idx *Index) StartOnlineCompaction(ctx context.Context, targetKV kvstore.KV, targetMmapPath string, batchSize, maxDeltaSize int) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if idx.compactionState != nil {
		return fmt.Errorf("proximum: online compaction already in progress")
	}
	state, err := compaction.StartOnline(ctx, idx.session, targetKV, targetMmapPath, idx.cfg.toCommitConfig(), idx.session.Branch, batchSize, maxDeltaSize)
	if err != nil {
		idx.logger.Error("start_online_compaction failed", "branch", idx.session.Branch, "error", err)
		return err
	}
	idx.compactionState = state
	idx.metrics.CompactionsOnline.Inc()
	idx.logger.Info("start_online_compaction started", "branch", idx.session.Branch, "batch_size", batchSize, "max_delta_size", maxDeltaSize)
	return nil
}

// CompactionProgress implements compaction_progress.
func (idx *Index) CompactionProgress() (compaction.Progress, bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if idx.compactionState == nil {
		return compaction.Progress{}, false
	}
	return idx.compactionState.Progress(), true
}

// FinishOnlineCompaction implements finish_online_compaction!: replays
// the compaction's delta log onto the target and returns its sealed
// session. idx's own writes never enter that log (see
// StartOnlineCompaction), so the target holds the vectors the background
// copier copied, with their metadata and external-ids as they stand in
// idx's session at Finish.
func (idx *Index) FinishOnlineCompaction(ctx context.Context) (*commit.Session, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if idx.compactionState == nil {
		return nil, fmt.Errorf("proximum: no online compaction in progress")
	}
	target, err := idx.compactionState.Finish(ctx)
	idx.compactionState = nil
	if err != nil {
		idx.metrics.CompactionOverflows.Inc()
		idx.logger.Error("finish_online_compaction! failed", "branch", idx.session.Branch, "error", err)
		return nil, err
	}
	idx.logger.Info("finish_online_compaction! sealed target", "branch", idx.session.Branch, "live_vectors", target.BranchVectorCount)
	return target, nil
}

// AbortOnlineCompaction implements abort_online_compaction!: cancels the
// background copier and discards the target; idx's own session is left
// unchanged.
func (idx *Index) AbortOnlineCompaction() {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if idx.compactionState == nil {
		return
	}
	idx.compactionState.Abort()
	idx.compactionState = nil
	idx.logger.Info("abort_online_compaction aborted", "branch", idx.session.Branch)
}

// GC implements gc!: sweeps every KV key unreachable from the current
// branch set's commit history and older than cutoff.
func (idx *Index) GC(ctx context.Context, cutoff time.Time, batchSize int) (gc.Result, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	start := time.Now()
	var result gc.Result
	err := idx.breakers.Execute(ctx, obs.OpGC, func() error {
		var gcErr error
		result, gcErr = gc.Run(ctx, idx.session.KV, gc.Options{RemoveBefore: cutoff.UnixNano(), BatchSize: batchSize})
		return gcErr
	})
	idx.metrics.GCLatency.Observe(time.Since(start).Seconds())
	idx.metrics.GCRuns.Inc()
	idx.metrics.GCKeysSwept.Add(float64(result.Swept))
	if err != nil {
		idx.logger.Error("gc! failed", "error", err)
		return result, NewIOError("gc! failed", err)
	}
	idx.logger.Info("gc! swept unreachable keys", "swept", result.Swept)
	return result, nil
}

// IndexMetrics implements index_metrics. compactionThreshold, when
// positive, flags CompactionRecommended once the deletion ratio crosses
// it.
func (idx *Index) IndexMetrics(compactionThreshold float64) IndexMetrics {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	total := idx.session.BranchVectorCount
	deleted := idx.session.BranchDeletedCount
	var ratio float64
	if total > 0 {
		ratio = float64(deleted) / float64(total)
	}
	return IndexMetrics{
		VectorCount:           total,
		DeletedCount:          deleted,
		LiveCount:             total - deleted,
		DeletionRatio:         ratio,
		EdgeCount:             idx.session.Edges.CountEdges(),
		Capacity:              idx.cfg.Capacity,
		RemainingCapacity:     idx.cfg.Capacity - int64(idx.session.Vectors.Count()),
		CurrentMaxLevel:       idx.session.Edges.MaxLevel(),
		CompactionRecommended: compactionThreshold > 0 && ratio >= compactionThreshold,
	}
}

// RegisterHealthCheck adds a named component health probe, surfaced
// through Health.
func (idx *Index) RegisterHealthCheck(name string, check obs.Check) {
	idx.health.Register(name, check)
}

// Health runs every registered component health check.
func (idx *Index) Health(ctx context.Context) *obs.HealthStatus {
	return idx.health.Check(ctx)
}
