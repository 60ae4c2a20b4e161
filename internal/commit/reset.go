package commit

import "context"

// Reset implements reset!: moves branch's head back to an older commit.
// The caller is expected to then reload the session (LoadBranchSession)
// so its in-memory state reflects that commit's snapshot, per spec's
// "in-memory state is reloaded from that commit's snapshot" note — Reset
// itself only performs the head-pointer move and existence check.
func (r *Repo) Reset(ctx context.Context, branch, targetCommitID string) error {
	if _, err := r.LoadCommit(ctx, targetCommitID); err != nil {
		return err
	}
	return r.SetHead(ctx, branch, targetCommitID)
}
