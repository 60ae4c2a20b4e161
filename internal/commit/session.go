package commit

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/replikativ/proximum/internal/edgestore"
	"github.com/replikativ/proximum/internal/kvstore"
	"github.com/replikativ/proximum/internal/metadata"
	"github.com/replikativ/proximum/internal/vectorstore"
)

// Session is the IndexValue tuple: a vector store, an edge store, the
// metadata/external-id indexes, and the commit/branch state they were
// loaded from or have since diverged from. Mutating operations build a new
// Session sharing most structure with the old one (the vector store mmap
// file and KV handle are always shared within a lineage); sync! is what
// gives a Session a fresh, non-empty CommitID again.
type Session struct {
	Repo *Repo
	KV   kvstore.KV

	Branch   string
	CommitID string // empty once a mutation has been applied since the last sync

	Vectors     *vectorstore.Store
	Edges       *edgestore.Store
	Metadata    *metadata.Index
	ExternalIDs *metadata.ExternalIDIndex

	// BranchVectorCount/BranchDeletedCount track this branch's own notion
	// of live/deleted vectors, independent of the shared mmap file's slot
	// count (branches sharing a vector file must not see each other's
	// appends reflected in count_vectors).
	BranchVectorCount  uint64
	BranchDeletedCount uint64
}

// MarkDirty clears CommitID, the persistent-map invariant that every
// mutating operation invalidates the current commit until the next sync!.
func (s *Session) MarkDirty() { s.CommitID = "" }

// Sync runs the whole sync! pipeline: it flushes the vector store (Sync)
// and edge store (FlushDirty) and saves the metadata/external-id indexes,
// which is where the "force mmap / await KV writes" suspension points
// live, then hands the resulting roots to Repo.Sync to build a new commit
// and advance the branch head, and finally clears MarkDirty's effect by
// setting CommitID.
func (s *Session) Sync(ctx context.Context, message string, parents []string, cryptoHash bool) (*Commit, error) {
	vectorsRoot, err := s.Vectors.Sync(ctx)
	if err != nil {
		return nil, fmt.Errorf("commit: sync vector store: %w", err)
	}
	edgesRoot, _, err := s.Edges.FlushDirty(ctx)
	if err != nil {
		return nil, fmt.Errorf("commit: flush edge store: %w", err)
	}
	metadataRoot, err := s.Metadata.Save(ctx)
	if err != nil {
		return nil, fmt.Errorf("commit: save metadata index: %w", err)
	}
	extIDRoot, err := s.ExternalIDs.Save(ctx)
	if err != nil {
		return nil, fmt.Errorf("commit: save external-id index: %w", err)
	}

	entryPoint, hasEntryPoint := s.Edges.Entrypoint()
	deletedBitmap, err := s.Edges.DeletedBitmap()
	if err != nil {
		return nil, fmt.Errorf("commit: serialize deleted bitmap: %w", err)
	}

	if parents == nil {
		if head, ok := s.Repo.Head(ctx, s.Branch); ok {
			parents = []string{head}
		}
	}

	c, err := s.Repo.Sync(ctx, SyncInputs{
		Branch:             s.Branch,
		Parents:            parents,
		Message:            message,
		VectorsAddrRoot:    vectorsRoot,
		EdgesAddrRoot:      edgesRoot,
		MetadataRoot:       metadataRoot,
		ExternalIDRoot:     extIDRoot,
		EntryPoint:         entryPoint,
		HasEntryPoint:      hasEntryPoint,
		CurrentMaxLevel:    s.Edges.MaxLevel(),
		BranchVectorCount:  s.BranchVectorCount,
		BranchDeletedCount: s.BranchDeletedCount,
		DeletedBitmap:      deletedBitmap,
		CryptoHash:         cryptoHash,
	})
	if err != nil {
		return nil, err
	}
	s.CommitID = c.ID
	return c, nil
}

// LoadBranchSession rebuilds a Session from branch's current head commit.
// The edge store is rebuilt in transient mode so the loader can pre-load
// chunks, then sealed persistent; the vector store reuses its mmap file if
// dim/chunk-size are compatible (vectorstore.Open already enforces this),
// otherwise the caller must point mmapPath at a fresh file.
func LoadBranchSession(ctx context.Context, kv kvstore.KV, mmapPath string, branch string) (*Session, error) {
	repo := Open(kv)
	cfg, err := repo.LoadConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("commit: load index/config: %w", err)
	}
	head, ok := repo.Head(ctx, branch)
	if !ok {
		return nil, ErrNoCommits
	}
	return loadCommitSession(ctx, repo, kv, cfg, mmapPath, branch, head)
}

// LoadCommitSession rebuilds a Session pinned at a specific historical
// commit rather than a branch's current head (time-travel read).
func LoadCommitSession(ctx context.Context, kv kvstore.KV, mmapPath string, commitID string) (*Session, error) {
	repo := Open(kv)
	cfg, err := repo.LoadConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("commit: load index/config: %w", err)
	}
	c, err := repo.LoadCommit(ctx, commitID)
	if err != nil {
		return nil, err
	}
	return loadCommitSession(ctx, repo, kv, cfg, mmapPath, c.Branch, commitID)
}

func loadCommitSession(ctx context.Context, repo *Repo, kv kvstore.KV, cfg Config, mmapPath, branch, commitID string) (*Session, error) {
	c, err := repo.LoadCommit(ctx, commitID)
	if err != nil {
		return nil, err
	}

	vs, err := vectorstore.Open(vectorstore.Config{
		Path:       mmapPath,
		Dim:        cfg.Dim,
		ChunkSize:  cfg.ChunkSize,
		Capacity:   int64(cfg.MaxNodes),
		Addressing: cfg.Addressing,
	}, kv)
	if err != nil {
		return nil, fmt.Errorf("commit: open vector store: %w", err)
	}
	if err := vs.LoadAddressMap(ctx, c.VectorsAddrRoot); err != nil {
		return nil, err
	}

	es, err := edgestore.Open(cfg.MaxNodes, cfg.MaxLevels, cfg.M, cfg.M0, kv, c.EdgesAddrRoot,
		c.EntryPoint, c.HasEntryPoint, c.CurrentMaxLevel, c.DeletedBitmap, cfg.Addressing)
	if err != nil {
		return nil, fmt.Errorf("commit: open edge store: %w", err)
	}
	es.AsPersistent()

	mi, err := metadata.Open(ctx, kv, c.MetadataRoot)
	if err != nil {
		return nil, fmt.Errorf("commit: open metadata index: %w", err)
	}
	ei, err := metadata.OpenExternalIDIndex(ctx, kv, c.ExternalIDRoot)
	if err != nil {
		return nil, fmt.Errorf("commit: open external-id index: %w", err)
	}

	return &Session{
		Repo:               repo,
		KV:                 kv,
		Branch:             branch,
		CommitID:           commitID,
		Vectors:            vs,
		Edges:              es,
		Metadata:           mi,
		ExternalIDs:        ei,
		BranchVectorCount:  c.BranchVectorCount,
		BranchDeletedCount: c.BranchDeletedCount,
	}, nil
}

// BranchFrom implements branch!: requires the source session to be
// committed, copies the vector mmap file (reflink-probed), forks the edge
// store and metadata/external-id indexes, registers the new branch name,
// and creates an initial commit on it whose parent is the source branch
// head so the DAG records the branching point.
func (s *Session) BranchFrom(ctx context.Context, name, mmapDir string, cryptoHash bool) (*Session, error) {
	if s.CommitID == "" {
		return nil, ErrNoCommits
	}
	if err := s.Repo.CreateBranch(ctx, name); err != nil {
		return nil, err
	}

	newPath := filepath.Join(mmapDir, fmt.Sprintf("vectors-%s.bin", name))
	if err := vectorstore.CopyFile(s.Vectors.Path(), newPath); err != nil {
		return nil, fmt.Errorf("commit: copy mmap for branch %q: %w", name, err)
	}

	kv := s.KV
	cfg, err := s.Repo.LoadConfig(ctx)
	if err != nil {
		return nil, err
	}
	vs, err := vectorstore.Open(vectorstore.Config{
		Path:       newPath,
		Dim:        cfg.Dim,
		ChunkSize:  cfg.ChunkSize,
		Capacity:   int64(cfg.MaxNodes),
		Addressing: cfg.Addressing,
	}, kv)
	if err != nil {
		return nil, err
	}

	branched := &Session{
		Repo:               s.Repo,
		KV:                 kv,
		Branch:             name,
		Vectors:            vs,
		Edges:              s.Edges.Fork(),
		Metadata:           s.Metadata.Fork(),
		ExternalIDs:        s.ExternalIDs.Fork(),
		BranchVectorCount:  s.BranchVectorCount,
		BranchDeletedCount: s.BranchDeletedCount,
	}
	if _, err := branched.Sync(ctx, "branch "+name, []string{s.CommitID}, cryptoHash); err != nil {
		return nil, err
	}
	return branched, nil
}
