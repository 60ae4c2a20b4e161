// Package gc implements spec's mark-and-sweep garbage collection: compute
// every KV key reachable from the current branches' commit history, then
// delete anything else old enough to be safely gone.
package gc

import (
	"context"
	"fmt"

	"github.com/replikativ/proximum/internal/commit"
	"github.com/replikativ/proximum/internal/edgestore"
	"github.com/replikativ/proximum/internal/kvstore"
	"github.com/replikativ/proximum/internal/metadata"
	"github.com/replikativ/proximum/internal/pss"
	"github.com/replikativ/proximum/internal/vectorstore"
)

// sweepBuckets lists every bucket gc considers for deletion. index/config
// is deliberately absent: gc never scans it, so "never removes
// index/config or branches" holds by construction rather than by a
// runtime check.
var sweepBuckets = []string{
	commit.CommitsBucket,
	commit.BranchHeadsBucket,
	vectorstore.AddressMapBucket,
	vectorstore.ChunkBucket,
	edgestore.AddrMapBucket,
	edgestore.ChunkBucket,
	metadata.NodesBucket,
	metadata.ExternalIDsBucket,
}

// Options configures a Run.
type Options struct {
	// RemoveBefore is a UnixNano cutoff: an unreachable key is only
	// deleted if its last write is older than this.
	RemoveBefore int64
	// BatchSize caps how many deletes go into a single kv.Batch call.
	BatchSize int
}

// Result reports what a Run swept.
type Result struct {
	Swept int
}

// Run computes the live key set (index/config, branches, and for every
// branch head the transitive closure of commit parents plus everything
// each referenced commit's vector/edge/metadata/external-id address maps
// reach) and deletes any other key in sweepBuckets whose last-write
// timestamp is older than opts.RemoveBefore.
func Run(ctx context.Context, kv kvstore.KV, opts Options) (Result, error) {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 256
	}

	repo := commit.Open(kv)
	live, err := markLive(ctx, repo, kv)
	if err != nil {
		return Result{}, err
	}
	return sweep(ctx, kv, live, opts)
}

// liveSet is a per-bucket set of reachable keys.
type liveSet map[string]map[string]bool

func (l liveSet) mark(bucket string, key []byte) {
	b, ok := l[bucket]
	if !ok {
		b = make(map[string]bool)
		l[bucket] = b
	}
	b[string(key)] = true
}

func (l liveSet) has(bucket string, key []byte) bool {
	return l[bucket][string(key)]
}

func markLive(ctx context.Context, repo *commit.Repo, kv kvstore.KV) (liveSet, error) {
	live := make(liveSet)

	branches, err := repo.Branches(ctx)
	if err != nil {
		return nil, fmt.Errorf("gc: list branches: %w", err)
	}
	for _, b := range branches {
		live.mark(commit.BranchHeadsBucket, []byte(b))
	}

	commits, err := repo.CommitGraph(ctx)
	if err != nil {
		return nil, fmt.Errorf("gc: build commit graph: %w", err)
	}
	for id, c := range commits {
		live.mark(commit.CommitsBucket, []byte(id))
		if err := markSnapshot(ctx, kv, live, c); err != nil {
			return nil, err
		}
	}
	return live, nil
}

// markSnapshot walks a single commit's vector, edge, metadata, and
// external-id address maps, marking every pss node address and (for the
// two address-map trees, whose values are themselves addresses into a
// second bucket) every chunk address they reference.
func markSnapshot(ctx context.Context, kv kvstore.KV, live liveSet, c *commit.Commit) error {
	vecAddrs := pss.NewStore(kv, vectorstore.AddressMapBucket)
	if err := vecAddrs.WalkAddresses(ctx, c.VectorsAddrRoot, func(nodeAddr string, value []byte) error {
		live.mark(vectorstore.AddressMapBucket, []byte(nodeAddr))
		if len(value) > 0 {
			live.mark(vectorstore.ChunkBucket, value)
		}
		return nil
	}); err != nil {
		return fmt.Errorf("gc: walk vector address map for commit %s: %w", c.ID, err)
	}

	edgeAddrs := pss.NewStore(kv, edgestore.AddrMapBucket)
	if err := edgeAddrs.WalkAddresses(ctx, c.EdgesAddrRoot, func(nodeAddr string, value []byte) error {
		live.mark(edgestore.AddrMapBucket, []byte(nodeAddr))
		if len(value) > 0 {
			live.mark(edgestore.ChunkBucket, value)
		}
		return nil
	}); err != nil {
		return fmt.Errorf("gc: walk edge address map for commit %s: %w", c.ID, err)
	}

	metaStore := pss.NewStore(kv, metadata.NodesBucket)
	if err := metaStore.WalkAddresses(ctx, c.MetadataRoot, func(nodeAddr string, _ []byte) error {
		live.mark(metadata.NodesBucket, []byte(nodeAddr))
		return nil
	}); err != nil {
		return fmt.Errorf("gc: walk metadata index for commit %s: %w", c.ID, err)
	}

	extStore := pss.NewStore(kv, metadata.ExternalIDsBucket)
	if err := extStore.WalkAddresses(ctx, c.ExternalIDRoot, func(nodeAddr string, _ []byte) error {
		live.mark(metadata.ExternalIDsBucket, []byte(nodeAddr))
		return nil
	}); err != nil {
		return fmt.Errorf("gc: walk external-id index for commit %s: %w", c.ID, err)
	}
	return nil
}

func sweep(ctx context.Context, kv kvstore.KV, live liveSet, opts Options) (Result, error) {
	var result Result
	var toDelete []kvstore.BatchOp

	for _, bucket := range sweepBuckets {
		var readErr error
		if err := kv.Scan(ctx, bucket, nil, func(key, _ []byte) bool {
			if live.has(bucket, key) {
				return true
			}
			ts, ok, err := kv.LastWriteTime(ctx, bucket, key)
			if err != nil {
				readErr = err
				return false
			}
			if !ok || ts >= opts.RemoveBefore {
				return true
			}
			toDelete = append(toDelete, kvstore.BatchOp{Bucket: bucket, Key: append([]byte(nil), key...)})
			return true
		}); err != nil {
			return result, fmt.Errorf("gc: scan %s: %w", bucket, err)
		}
		if readErr != nil {
			return result, fmt.Errorf("gc: read last-write time in %s: %w", bucket, readErr)
		}
	}

	for start := 0; start < len(toDelete); start += opts.BatchSize {
		end := start + opts.BatchSize
		if end > len(toDelete) {
			end = len(toDelete)
		}
		if err := kv.Batch(ctx, toDelete[start:end]); err != nil {
			return result, fmt.Errorf("gc: delete batch: %w", err)
		}
		result.Swept += end - start
	}
	return result, nil
}
