package util

import (
	"math"
	"math/rand"
)

// MaxLevels is the default cap on the number of layers a single node can
// span when the caller does not request a tighter bound.
const MaxLevels = 16

// LevelSampler draws graph levels from the geometric distribution HNSW uses
// to keep the expected number of nodes per layer shrinking by a constant
// factor (ml = 1/ln(M)), generalizing the teacher's generateLevel into the
// closed-form draw `floor(-ln(U) * ml)`.
type LevelSampler struct {
	rng       *rand.Rand
	ml        float64
	maxLevels int
}

// NewLevelSampler builds a sampler for the given M (max bidirectional links
// per node per layer), an optional maxLevels cap (0 selects MaxLevels), and
// a seed. A seed of 0 still produces a deterministic sequence; callers
// wanting true randomness should seed from crypto/rand themselves before
// construction.
func NewLevelSampler(m int, maxLevels int, seed int64) *LevelSampler {
	if m < 2 {
		m = 2
	}
	if maxLevels <= 0 {
		maxLevels = MaxLevels
	}
	return &LevelSampler{
		rng:       rand.New(rand.NewSource(seed)),
		ml:        1.0 / math.Log(float64(m)),
		maxLevels: maxLevels,
	}
}

// Sample draws node_level = floor(-ln(uniform(0,1)) * ml), clamped to
// [0, maxLevels].
func (s *LevelSampler) Sample() int {
	u := s.rng.Float64()
	// rand.Float64 can return exactly 0; -ln(0) is +Inf, so nudge away
	// from the boundary the same way the stdlib's own ExpFloat64 avoids it.
	for u == 0 {
		u = s.rng.Float64()
	}
	level := int(math.Floor(-math.Log(u) * s.ml))
	if level < 0 {
		level = 0
	}
	if level > s.maxLevels {
		level = s.maxLevels
	}
	return level
}
