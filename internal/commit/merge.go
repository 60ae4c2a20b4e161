package commit

import (
	"context"
	"fmt"
)

// Merge implements merge!: add-only union of vectors/metadata/external-ids
// from both branches. Node-ids are local to each branch's edge store, so
// vectors reconcile by external-id; a genuine external-id collision (same
// id mapped to differently-identified nodes on each side) is surfaced as
// ErrConflict by the external-id index and aborts the merge before any
// state changes. The resulting commit records both branch heads as
// parents.
func (s *Session) Merge(ctx context.Context, other *Session, message string, cryptoHash bool) (*Commit, error) {
	if s.CommitID == "" || other.CommitID == "" {
		return nil, fmt.Errorf("commit: merge requires both sessions to be committed")
	}

	merged := s.ExternalIDs.Fork()
	if err := merged.Merge(other.ExternalIDs); err != nil {
		return nil, fmt.Errorf("commit: merge external-id indexes: %w", err)
	}

	mergedMeta := s.Metadata.Fork()
	mergedMeta.Merge(other.Metadata)

	s.ExternalIDs = merged
	s.Metadata = mergedMeta
	s.MarkDirty()

	return s.Sync(ctx, message, []string{s.CommitID, other.CommitID}, cryptoHash)
}
