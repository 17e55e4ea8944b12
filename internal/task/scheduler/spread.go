package scheduler

import (
	"hash/fnv"
	"time"
)

const maxStartupSpread = 10 * time.Minute

// startupOffset spreads the first run of actions without a start date over
// [0, spread) so a restart does not fire them all on the same tick. The
// offset is stable for an id across restarts.
func startupOffset(id string, spread time.Duration) time.Duration {
	if spread > maxStartupSpread {
		spread = maxStartupSpread
	}
	if spread <= 0 || id == "" {
		return 0
	}
	return time.Duration(fnv64a(id) % uint64(spread))
}

func fnv64a(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}
