package racoherence

import (
	"github.com/kolkov/racoherence/internal/racoherence/syncprim"
)

// Order mirrors the C++11 memory orders a synchronization primitive's
// Store/Load/Lock/Unlock dispatch on.
type Order = syncprim.Order

const (
	Relaxed = syncprim.Relaxed
	Release = syncprim.Release
	Acquire = syncprim.Acquire
	SeqCst  = syncprim.SeqCst
)

// LocationClockMerge controls whether a synchronization location's clock is
// joined with (MergeClock) or overwritten by (ReplaceClock) a releasing
// thread's clock.
type LocationClockMerge = syncprim.LocationClockMerge

const (
	MergeClock   = syncprim.MergeClock
	ReplaceClock = syncprim.ReplaceClock
)

// CXLAtomic is a location in the shared region carrying a value of type T
// alongside the vector clock release/acquire operations on it synchronize
// through.
type CXLAtomic[T any] struct {
	inner *syncprim.CXLAtomic[T]
}

// NewAtomic constructs a CXLAtomic holding an initial value, sized for the
// runtime's node count.
func NewAtomic[T any](rt *Runtime, initial T, merge LocationClockMerge) *CXLAtomic[T] {
	return &CXLAtomic[T]{inner: syncprim.NewAtomic(initial, rt.NodeCount(), merge)}
}

// Store writes desired with the given memory order on behalf of h's thread.
func (a *CXLAtomic[T]) Store(desired T, order Order, h *ThreadHandle) {
	a.inner.Store(desired, order, h.state)
}

// Load reads the current value with the given memory order on behalf of
// h's thread.
func (a *CXLAtomic[T]) Load(order Order, h *ThreadHandle) T {
	return a.inner.Load(order, h.state)
}

// number is the constraint FetchAdd accepts.
type number interface {
	~int | ~int32 | ~int64 | ~uint32 | ~uint64
}

// FetchAdd atomically adds delta to a's stored value and returns its prior
// value.
func FetchAdd[T number](a *CXLAtomic[T], delta T, order Order, h *ThreadHandle) T {
	return syncprim.FetchAdd(a.inner, delta, order, h.state)
}

// CXLMutex is a mutual-exclusion lock over a region of the shared memory:
// acquiring it performs an acquire against the clock left by whoever
// released it last, and releasing it performs a release and stores the
// resulting clock for the next acquirer.
type CXLMutex struct {
	inner *syncprim.CXLMutex
}

// NewMutex constructs an unlocked CXLMutex sized for the runtime's node
// count.
func NewMutex(rt *Runtime, merge LocationClockMerge) *CXLMutex {
	return &CXLMutex{inner: syncprim.NewMutex(rt.NodeCount(), merge)}
}

// Lock acquires the mutex on behalf of h's thread.
func (m *CXLMutex) Lock(h *ThreadHandle) { m.inner.Lock(h.state) }

// Unlock releases the mutex on behalf of h's thread.
func (m *CXLMutex) Unlock(h *ThreadHandle) { m.inner.Unlock(h.state) }

// CXLBarrier is a reusable (phased) barrier for a fixed count of
// participants.
type CXLBarrier struct {
	inner *syncprim.CXLBarrier
}

// NewBarrier constructs a CXLBarrier for count participants, sized for the
// runtime's node count.
func NewBarrier(rt *Runtime, count int) *CXLBarrier {
	return &CXLBarrier{inner: syncprim.NewBarrier(count, rt.NodeCount())}
}

// Wait blocks h's thread until every participant has called Wait for the
// current phase.
func (b *CXLBarrier) Wait(h *ThreadHandle) { b.inner.Wait(h.state) }
