package pool

import (
	"sync/atomic"

	"github.com/OneOfOne/xxhash"
)

// Policy picks the sub-pool index for a new actor. Pick is called with
// the actor's uid, the sub-pool count, and the latest per-sub-pool load
// signal (queued envelopes, -1 for a sub-pool that is down).
type Policy interface {
	// Name returns the policy name used in logs and configuration.
	Name() string

	// Pick returns the chosen sub-pool index in [0, n).
	Pick(uid string, n int, loads []int) int
}

// roundRobin cycles through sub-pools with a monotonic counter.
type roundRobin struct {
	next atomic.Uint64
}

// NewRoundRobin returns the round-robin placement policy.
func NewRoundRobin() Policy {
	return &roundRobin{}
}

// Name returns the policy name.
func (*roundRobin) Name() string { return "round-robin" }

// Pick returns the next sub-pool index.
func (p *roundRobin) Pick(_ string, n int, loads []int) int {
	for range loads {
		idx := int((p.next.Add(1) - 1) % uint64(n))
		if loads[idx] >= 0 {
			return idx
		}
	}

	return int((p.next.Add(1) - 1) % uint64(n))
}

// leastLoaded picks the sub-pool with the smallest queued-envelope count,
// breaking ties round-robin.
type leastLoaded struct {
	rr roundRobin
}

// NewLeastLoaded returns the least-loaded placement policy.
func NewLeastLoaded() Policy {
	return &leastLoaded{}
}

// Name returns the policy name.
func (*leastLoaded) Name() string { return "least-loaded" }

// Pick returns the index with minimum load, ties broken round-robin.
func (p *leastLoaded) Pick(uid string, n int, loads []int) int {
	best, bestLoad, ties := -1, int(^uint(0)>>1), 0
	for idx, load := range loads {
		if load < 0 {
			continue
		}

		switch {
		case load < bestLoad:
			best, bestLoad, ties = idx, load, 1
		case load == bestLoad:
			ties++
		}
	}

	if best < 0 {
		return p.rr.Pick(uid, n, loads)
	}
	if ties <= 1 {
		return best
	}

	// Spread ties with the round-robin counter.
	skip := int(p.rr.next.Add(1)-1) % ties
	for idx, load := range loads {
		if load != bestLoad {
			continue
		}
		if skip == 0 {
			return idx
		}
		skip--
	}

	return best
}

// affinity pins placement to hash(key) mod N, deterministic across
// queries while the topology is unchanged.
type affinity struct {
	key string
}

// NewAffinity returns an affinity policy for a fixed key. An empty key
// hashes each actor's own uid instead.
func NewAffinity(key string) Policy {
	return &affinity{key: key}
}

// Name returns the policy name.
func (*affinity) Name() string { return "affinity" }

// Pick returns hash(key) mod n, ignoring load.
func (p *affinity) Pick(uid string, n int, _ []int) int {
	key := p.key
	if key == "" {
		key = uid
	}

	return int(xxhash.ChecksumString64(key) % uint64(n))
}
