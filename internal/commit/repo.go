package commit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/replikativ/proximum/internal/kvstore"
)

// ErrBranchExists is returned by CreateBranch when the name is already
// registered.
var ErrBranchExists = errors.New("commit: branch already exists")

// ErrBranchNotFound is returned by operations referencing an unregistered
// branch name.
var ErrBranchNotFound = errors.New("commit: branch not found")

// ErrNoCommits is returned by Branch! when the source branch has no head
// yet (branch! requires a committed source).
var ErrNoCommits = errors.New("commit: source branch has no commits")

// ErrCommitNotFound is returned by Reset! and LoadCommit for an unknown
// commit-id.
var ErrCommitNotFound = errors.New("commit: commit not found")

// ErrCannotDeleteCurrentBranch guards DeleteBranch against removing the
// branch the caller is currently on.
var ErrCannotDeleteCurrentBranch = errors.New("commit: cannot delete the current branch")

// Repo wraps a KV store with the bucket layout index/config, branches,
// branch-heads, and commits use, per the persisted-state layout.
type Repo struct {
	kv kvstore.KV
}

// Open wraps an already-open KV store. It does not create index/config or
// the branches set — callers create those with Init on a brand-new store.
func Open(kv kvstore.KV) *Repo {
	return &Repo{kv: kv}
}

// Init writes index/config (once, immutable for the life of the lineage)
// and registers the initial branch set ({branch}) with no head yet.
func (r *Repo) Init(ctx context.Context, cfg Config, branch string) error {
	if err := saveJSON(ctx, r.kv, ConfigBucket, []byte(ConfigKey), cfg); err != nil {
		return fmt.Errorf("commit: write index/config: %w", err)
	}
	return saveJSON(ctx, r.kv, ConfigBucket, []byte(BranchesKey), []string{branch})
}

// LoadConfig reads the immutable index/config record.
func (r *Repo) LoadConfig(ctx context.Context) (Config, error) {
	var cfg Config
	err := loadJSON(ctx, r.kv, ConfigBucket, []byte(ConfigKey), &cfg)
	return cfg, err
}

// Branches returns the set of known branch names.
func (r *Repo) Branches(ctx context.Context) ([]string, error) {
	var names []string
	if err := loadJSON(ctx, r.kv, ConfigBucket, []byte(BranchesKey), &names); err != nil {
		return nil, fmt.Errorf("commit: read branches: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

// CreateBranch registers name in the branches set without giving it a
// head; callers set the head via SetHead once they have an initial commit.
func (r *Repo) CreateBranch(ctx context.Context, name string) error {
	names, err := r.Branches(ctx)
	if err != nil {
		return err
	}
	for _, n := range names {
		if n == name {
			return ErrBranchExists
		}
	}
	names = append(names, name)
	return saveJSON(ctx, r.kv, ConfigBucket, []byte(BranchesKey), names)
}

// DeleteBranch removes name from the branches set and its head pointer.
// Rejects deleting current (the branch the caller is operating on).
func (r *Repo) DeleteBranch(ctx context.Context, name, current string) error {
	if name == current {
		return ErrCannotDeleteCurrentBranch
	}
	names, err := r.Branches(ctx)
	if err != nil {
		return err
	}
	out := names[:0]
	found := false
	for _, n := range names {
		if n == name {
			found = true
			continue
		}
		out = append(out, n)
	}
	if !found {
		return ErrBranchNotFound
	}
	if err := saveJSON(ctx, r.kv, ConfigBucket, []byte(BranchesKey), out); err != nil {
		return err
	}
	return r.kv.Delete(ctx, BranchHeadsBucket, []byte(name))
}

// Head returns the current commit-id for branch, or ("", false) if the
// branch has no commits yet.
func (r *Repo) Head(ctx context.Context, branch string) (string, bool) {
	raw, err := r.kv.Get(ctx, BranchHeadsBucket, []byte(branch))
	if err != nil {
		return "", false
	}
	var id string
	if err := json.Unmarshal(raw, &id); err != nil {
		return "", false
	}
	return id, true
}

// SetHead advances branch's head to commitID.
func (r *Repo) SetHead(ctx context.Context, branch, commitID string) error {
	return saveJSON(ctx, r.kv, BranchHeadsBucket, []byte(branch), commitID)
}

// SaveCommit persists c under its own commit-id key.
func (r *Repo) SaveCommit(ctx context.Context, c *Commit) error {
	return saveJSON(ctx, r.kv, CommitsBucket, commitKey(c.ID), c)
}

// LoadCommit reads the commit record for id.
func (r *Repo) LoadCommit(ctx context.Context, id string) (*Commit, error) {
	var c Commit
	if err := loadJSON(ctx, r.kv, CommitsBucket, commitKey(id), &c); err != nil {
		if errors.Is(err, kvstore.ErrNotFound) {
			return nil, ErrCommitNotFound
		}
		return nil, err
	}
	return &c, nil
}
