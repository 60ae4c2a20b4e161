// Package commit implements the persistence layer: commit snapshots, the
// branch-name -> commit-id mapping, the commit DAG, and the sync!/branch!/
// merge!/reset! operations described for the engine's git-like versioning.
// Grounded on the teacher's own timestamping/JSON-serialization idiom
// (internal/storage/wal, internal/storage/lsm) since the teacher itself has
// no commit-DAG analogue — versioning is new surface this component adds.
package commit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/replikativ/proximum/internal/kvstore"
	"github.com/replikativ/proximum/internal/util"
)

// Bucket and key names, exported so gc's mark phase can name exactly the
// keys it must never sweep without duplicating string literals.
const (
	ConfigBucket      = "index"
	ConfigKey         = "config"
	BranchesKey       = "branches"
	CommitsBucket     = "commits"
	BranchHeadsBucket = "branch-heads"
)

// Config is the immutable metadata written once under index/config: the
// parameters that cannot change for the life of an index lineage.
type Config struct {
	Type          string              `json:"type"`
	Dim           int                 `json:"dim"`
	M             int                 `json:"m"`
	M0            int                 `json:"m0"`
	MaxNodes      uint32              `json:"max_nodes"`
	MaxLevels     int                 `json:"max_levels"`
	ChunkSize     int                 `json:"chunk_size"`
	Distance      util.DistanceMetric `json:"distance"`
	CryptoHash    bool                `json:"crypto_hash"`
	Addressing    util.AddressingMode `json:"addressing"`
}

// Commit is a record of an index's mutable state at one point in its
// history: a self-contained descriptor sufficient to reconstruct the
// vector store, edge store, and metadata/external-id indexes.
type Commit struct {
	ID      string   `json:"id"`
	Parents []string `json:"parents"`

	CreatedAt int64  `json:"created_at"` // unix nanos
	Branch    string `json:"branch"`
	Message   string `json:"message,omitempty"`

	VectorsAddrRoot string `json:"vectors_addr_root"`
	EdgesAddrRoot   string `json:"edges_addr_root"`
	MetadataRoot    string `json:"metadata_root"`
	ExternalIDRoot  string `json:"external_id_root"`

	EntryPoint      uint32 `json:"entry_point"`
	HasEntryPoint   bool   `json:"has_entry_point"`
	CurrentMaxLevel int    `json:"current_max_level"`

	BranchVectorCount  uint64 `json:"branch_vector_count"`
	BranchDeletedCount uint64 `json:"branch_deleted_count"`
	DeletedBitmap      []byte `json:"deleted_bitmap"`

	VectorsCommitHash string `json:"vectors_commit_hash,omitempty"`
}

func commitKey(id string) []byte { return []byte(id) }

func saveJSON(ctx context.Context, kv kvstore.KV, bucket string, key []byte, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("commit: encode: %w", err)
	}
	return kv.Put(ctx, bucket, key, raw)
}

func loadJSON(ctx context.Context, kv kvstore.KV, bucket string, key []byte, v interface{}) error {
	raw, err := kv.Get(ctx, bucket, key)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

// nowNanos is the single time source for CreatedAt, isolated so tests can
// observe monotonic ordering without depending on wall-clock granularity.
func nowNanos() int64 { return time.Now().UnixNano() }
