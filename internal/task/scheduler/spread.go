package scheduler

import (
	"hash/fnv"
	"time"
)

const maxStartupSpread = 30 * time.Second

// startupSpread delays the first run of an interval job by an offset derived
// from its name, bounded by min(every, maxStartupSpread). Jobs registered
// together fan out, and a job keeps its offset across reloads.
func startupSpread(every time.Duration, name string) time.Duration {
	window := min(every, maxStartupSpread)
	if window <= 0 {
		return 0
	}
	h := fnv.New64a()
	h.Write([]byte(name))
	return time.Duration(h.Sum64() % uint64(window))
}
