package proximum

import "time"

// SearchResult is one hit from search/search_filtered/nearest/nearest_filtered:
// the matched node's external-id (nil if it was never assigned one),
// node-id, and distance under the index's configured metric.
type SearchResult struct {
	ExternalID interface{}
	NodeID     uint32
	Distance   float32
}

// IndexMetrics is index_metrics' return value: a snapshot of the counters
// spec's testable property 10 (metrics consistency) is stated over, plus
// whatever a caller-supplied compaction_threshold flags as due.
type IndexMetrics struct {
	VectorCount           uint64
	DeletedCount          uint64
	LiveCount             uint64
	DeletionRatio         float64
	EdgeCount             int
	Capacity              int64
	RemainingCapacity     int64
	CurrentMaxLevel       int
	CompactionRecommended bool
}

// VerifyReport is verify_from_cold's structural result: whether every
// chunk a commit's snapshot names was actually present in the KV store
// (chunk contents are not decoded or checked), without ever touching a
// running index's in-memory state.
type VerifyReport struct {
	Valid           bool
	VectorsVerified uint64
	EdgesVerified   uint64
	CommitID        string
	Err             error
}

// CommitInfo is the caller-visible view of a commit record (commit_info),
// trimmed of the internal snapshot roots a caller has no use for.
type CommitInfo struct {
	ID        string
	Parents   []string
	Branch    string
	Message   string
	CreatedAt time.Time
}
