package paxos

import (
	"math/rand"
	"time"
)

func init() {
	rand.Seed(time.Now().UnixNano())
}

const maxBackoffMultiplier = 64

// conflictBackoff returns how long to sleep before retrying a choose that
// hit a conflicting accept, given the current backoff multiplier: uniform
// (1..8) * 100ms * multiplier. The multiplier itself starts at 1 and
// doubles (capped at 64, i.e. 6.4s) after every conflict — see
// nextBackoffMultiplier. The randomness only needs to be independent per
// coordinator, not cryptographically strong, so math/rand suffices — the
// corpus never imports crypto/rand or a third-party RNG for this kind of
// jitter (see DESIGN.md).
func conflictBackoff(multiplier int) time.Duration {
	n := time.Duration(rand.Intn(8) + 1)
	return n * 100 * time.Millisecond * time.Duration(multiplier)
}

// nextBackoffMultiplier doubles m, capped at maxBackoffMultiplier.
func nextBackoffMultiplier(m int) int {
	m *= 2
	if m > maxBackoffMultiplier {
		m = maxBackoffMultiplier
	}
	return m
}
