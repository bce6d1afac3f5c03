package schedule

import (
	"hash/fnv"
	"math/rand"
	"sync/atomic"
	"time"
)

var spreadSeq uint64

// spreadOffset picks a random first-run offset in [0, max) so tasks registered
// together do not all fire on the same tick.
func spreadOffset(max time.Duration, tag string) time.Duration {
	if max <= 0 {
		return 0
	}
	seed := time.Now().UnixNano() ^ int64(atomic.AddUint64(&spreadSeq, 1)) ^ int64(fnv64a(tag))
	rng := rand.New(rand.NewSource(seed))
	return time.Duration(rng.Int63n(int64(max)))
}

func fnv64a(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}
