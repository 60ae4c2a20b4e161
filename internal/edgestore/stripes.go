package edgestore

import (
	"encoding/binary"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// stripeCount matches spec §4.1/§5's "per-chunk stripes (256 stripes)"
// concurrency design: distinct chunks hash to distinct locks so concurrent
// writers to different chunks never serialize on a single mutex.
const stripeCount = 256

type stripeLocks struct {
	mu [stripeCount]sync.Mutex
}

func (s *stripeLocks) lockFor(pos EncodedPosition) *sync.Mutex {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(pos))
	idx := xxhash.Sum64(buf[:]) % stripeCount
	return &s.mu[idx]
}
