package commit

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/replikativ/proximum/internal/util"
)

// SyncInputs bundles the already-flushed roots and store-level state a
// caller hands to Sync once every subsystem (vector store, edge store,
// metadata index, external-id index) has durably written its own part.
// Sync itself only performs the commit-record half of the sync! pipeline
// (compute commit-id, build the snapshot, write it, advance the branch
// head) — flushing the vector/edge chunks and awaiting their writes
// happens one layer up, where all the live stores are in scope together.
type SyncInputs struct {
	Branch  string
	Parents []string
	Message string

	VectorsAddrRoot string
	EdgesAddrRoot   string
	MetadataRoot    string
	ExternalIDRoot  string

	EntryPoint      uint32
	HasEntryPoint   bool
	CurrentMaxLevel int

	BranchVectorCount  uint64
	BranchDeletedCount uint64
	DeletedBitmap      []byte

	CryptoHash bool
}

// Sync computes a commit-id (random, or content-derived from parents plus
// the vectors/edges roots when crypto-hash is enabled), builds the commit
// snapshot, writes it, and advances the branch head.
func (r *Repo) Sync(ctx context.Context, in SyncInputs) (*Commit, error) {
	id := deriveCommitID(in)

	c := &Commit{
		ID:      id,
		Parents: append([]string(nil), in.Parents...),

		CreatedAt: nowNanos(),
		Branch:    in.Branch,
		Message:   in.Message,

		VectorsAddrRoot: in.VectorsAddrRoot,
		EdgesAddrRoot:   in.EdgesAddrRoot,
		MetadataRoot:    in.MetadataRoot,
		ExternalIDRoot:  in.ExternalIDRoot,

		EntryPoint:      in.EntryPoint,
		HasEntryPoint:   in.HasEntryPoint,
		CurrentMaxLevel: in.CurrentMaxLevel,

		BranchVectorCount:  in.BranchVectorCount,
		BranchDeletedCount: in.BranchDeletedCount,
		DeletedBitmap:      in.DeletedBitmap,
	}
	if in.CryptoHash {
		c.VectorsCommitHash = id
	}

	if err := r.SaveCommit(ctx, c); err != nil {
		return nil, fmt.Errorf("commit: save commit %s: %w", id, err)
	}
	if err := r.SetHead(ctx, in.Branch, id); err != nil {
		return nil, fmt.Errorf("commit: advance branch %q head: %w", in.Branch, err)
	}
	return c, nil
}

// deriveCommitID implements spec's "commit-id is a random UUID, or (when
// content addressing is enabled) the combined hash of parent,
// vectors-chunk-hash, edges-chunk-hash" rule. Combining the parent set,
// vectors root, and edges root deterministically means two independently
// built indices with the same op sequence produce the same commit-id.
func deriveCommitID(in SyncInputs) string {
	if !in.CryptoHash {
		return util.NewAddress(util.RandomAddressing, nil).String()
	}
	var sb strings.Builder
	parents := append([]string(nil), in.Parents...)
	sort.Strings(parents)
	for _, p := range parents {
		sb.WriteString(p)
		sb.WriteByte(0)
	}
	sb.WriteString(in.VectorsAddrRoot)
	sb.WriteByte(0)
	sb.WriteString(in.EdgesAddrRoot)
	return util.NewAddress(util.ContentAddressing, []byte(sb.String())).String()
}
