// Package vclock implements the fixed-size vector clocks that carry logical
// time between RACoherence nodes.
//
// Each node publishes a monotonically increasing release count; a vector
// clock is the array of every node's release count as last observed by the
// clock's owner. Time at index i is the number of releases published by
// node i that have been observed. A value of 0 at index i means "no release
// from node i has ever been observed".
package vclock

import "strings"

// MaxNodes bounds the size of the fixed backing array so VectorClock stays
// an allocation-free value type, the same trade RACoherence's teacher makes
// for thread IDs in its own vector clock (a fixed [MaxThreads]uint32 array
// rather than a slice). RACoherence node counts are small (single-digit to
// low hundreds of fabric-attached nodes), so 256 is generous headroom.
const MaxNodes = 256

// VectorClock is a fixed-size array of per-node release counts.
//
// It is a value type; callers needing shared, mutable clocks (e.g. a
// synchronization location's clock) wrap it in their own synchronization
// (see internal/racoherence/syncprim), mirroring a Go race detector's
// vectorclock.VectorClock which is likewise a bare value protected by
// whatever holds it.
type VectorClock struct {
	counts   [MaxNodes]uint64
	nodes    int // number of live slots; indices >= nodes are always zero
	maxIndex int // highest index with a non-zero count, for sparse iteration
}

// New returns a zero-initialized vector clock sized for nodeCount nodes.
func New(nodeCount int) VectorClock {
	if nodeCount <= 0 || nodeCount > MaxNodes {
		panic("vclock: node count out of range")
	}
	return VectorClock{nodes: nodeCount}
}

// NodeCount reports how many node slots this clock carries.
func (vc *VectorClock) NodeCount() int { return vc.nodes }

// Get returns the release count last observed from node i.
func (vc *VectorClock) Get(i int) uint64 {
	return vc.counts[i]
}

// Set assigns the release count for node i.
func (vc *VectorClock) Set(i int, v uint64) {
	vc.counts[i] = v
	if v != 0 && i > vc.maxIndex {
		vc.maxIndex = i
	}
}

// Increment advances node i's release count by one and returns the new
// value. Publishers do not use it: a node's release index comes from its
// logbuf.LogManager.
func (vc *VectorClock) Increment(i int) uint64 {
	vc.counts[i]++
	if i > vc.maxIndex {
		vc.maxIndex = i
	}
	return vc.counts[i]
}

// Clone returns an independent copy of vc.
func (vc *VectorClock) Clone() VectorClock {
	out := *vc
	return out
}

// Merge performs the point-wise maximum vc = vc ⊔ other, the synchronization
// step of release/acquire: a thread's clock after an acquire dominates both
// its prior view and everything the released value had observed.
func (vc *VectorClock) Merge(other *VectorClock) {
	limit := vc.maxIndex
	if other.maxIndex > limit {
		limit = other.maxIndex
	}
	for i := 0; i <= limit; i++ {
		if other.counts[i] > vc.counts[i] {
			vc.counts[i] = other.counts[i]
		}
	}
	if other.maxIndex > vc.maxIndex {
		vc.maxIndex = other.maxIndex
	}
}

// LessEqual reports whether vc ⊑ other: vc[i] <= other[i] for every i,
// the whole-clock happens-before/dominance check.
func (vc *VectorClock) LessEqual(other *VectorClock) bool {
	for i := 0; i <= vc.maxIndex; i++ {
		if vc.counts[i] > other.counts[i] {
			return false
		}
	}
	return true
}

// Dominates reports whether vc[i] >= target for a single node index, the
// per-peer dominance test. threadops.ThreadAcquire performs the same
// comparison directly against cacheagent.CacheInfo.Clock rather than
// through a VectorClock.
func (vc *VectorClock) Dominates(i int, target uint64) bool {
	return vc.counts[i] >= target
}

// String renders the non-zero entries for debugging and test failure
// messages, in the style of a sparse map literal.
func (vc *VectorClock) String() string {
	var b strings.Builder
	b.WriteByte('{')
	first := true
	for i := 0; i <= vc.maxIndex; i++ {
		if vc.counts[i] == 0 {
			continue
		}
		if !first {
			b.WriteString(", ")
		}
		first = false
		b.WriteString(itoa(i))
		b.WriteByte(':')
		b.WriteString(itoa64(vc.counts[i]))
	}
	b.WriteByte('}')
	return b.String()
}

func itoa(n int) string { return itoa64(uint64(n)) }

func itoa64(n uint64) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}
