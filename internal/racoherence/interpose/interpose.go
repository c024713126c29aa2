// Package interpose implements the entry points a compiled binary calls on
// every access to the shared coherent region: on_load_N / on_store_N /
// on_range_load / on_range_store. Accesses outside the region pass straight
// through; accesses inside it invalidate stale local copies before a read
// and log the thread's write-set after a write.
//
// The call-surface shape (a thin, per-width public function forwarding to
// one shared internal implementation) is grounded on a Go race detector's
// race.RaceRead/race.RaceWrite public API, which race/api.go's doc comments
// describe as being inserted "automatically... before each memory
// [operation]" by a source instrumenter — RACoherence does not ship its own
// instrumenter (see DESIGN.md), so these are the hooks such a tool, or a
// manually-instrumented caller, would invoke directly.
//
// The decision to coalesce runtime writes into cl-group masks rather than
// logging one entry per byte is the same cost-reduction idea
// cmd/racedetector/instrument/coalescing.go's BigFoot analyzer applies
// statically at the AST level (grouping consecutive same-address operations
// behind a single barrier) — RACoherence gets the equivalent effect for
// free at runtime from writeset.Table's coalescing Insert, so this package
// does no AST-level analysis of its own; see SPEC_FULL.md §4.9.
package interpose

import (
	"github.com/kolkov/racoherence/internal/racoherence/clgroup"
	"github.com/kolkov/racoherence/internal/racoherence/dirtytrack"
	"github.com/kolkov/racoherence/internal/racoherence/threadops"
)

// Region describes the byte range of the fabric-attached shared memory
// region this Interposer instruments. Accesses outside [Base, Base+Size)
// are ordinary local memory and never touch the coherence protocol.
type Region struct {
	Base uint64
	Size uint64
}

// Contains reports whether addr falls inside the region.
func (r Region) Contains(addr uint64) bool {
	return addr >= r.Base && addr < r.Base+r.Size
}

// Overlaps reports whether [begin, end) overlaps the region at all —
// range operations that straddle the region boundary are still serviced
// for their in-region portion.
func (r Region) Overlaps(begin, end uint64) bool {
	return begin < r.Base+r.Size && end > r.Base
}

// clip narrows [begin, end) to the portion inside r, for an access that
// straddles the region boundary.
func (r Region) clip(begin, end uint64) (uint64, uint64) {
	if begin < r.Base {
		begin = r.Base
	}
	if regionEnd := r.Base + r.Size; end > regionEnd {
		end = regionEnd
	}
	return begin, end
}

// Interposer binds a shared region's classification to the per-thread
// coherence state (write-set, log publication) and the node's dirty
// tracker (stale-line invalidation) that every load/store call-surface
// entry point drives.
type Interposer struct {
	region  Region
	tracker *dirtytrack.Tracker
	thread  *threadops.State
}

// New constructs an Interposer for one thread's accesses to region,
// wired to the node's dirty tracker and the thread's coherence state.
func New(region Region, tracker *dirtytrack.Tracker, thread *threadops.State) *Interposer {
	return &Interposer{region: region, tracker: tracker, thread: thread}
}

// OnLoad1/OnLoad2/OnLoad4/OnLoad8 are called immediately before a 1/2/4/8
// byte load from addr. Each invalidates any lines overlapping the access
// that this node's tracker still marks dirty (a peer's unconsumed write),
// so the CPU's next read of that line is guaranteed fresh once a real
// cache-invalidate instruction is wired to the tracker's hook.
func (ip *Interposer) OnLoad1(addr uint64) { ip.onLoad(addr, 1) }
func (ip *Interposer) OnLoad2(addr uint64) { ip.onLoad(addr, 2) }
func (ip *Interposer) OnLoad4(addr uint64) { ip.onLoad(addr, 4) }
func (ip *Interposer) OnLoad8(addr uint64) { ip.onLoad(addr, 8) }

// OnLoadN is called immediately before an n-byte load from addr, for
// widths the fixed-width entry points don't cover.
func (ip *Interposer) OnLoadN(addr uint64, n uint64) { ip.onLoad(addr, n) }

func (ip *Interposer) onLoad(addr, n uint64) {
	if n == 0 || !ip.region.Overlaps(addr, addr+n) {
		return
	}
	begin, end := ip.region.clip(addr, addr+n)
	ip.tracker.InvalidateRangeIfDirty(begin, end)
}

// OnStore1/OnStore2/OnStore4/OnStore8 are called immediately after a
// 1/2/4/8 byte store to addr. Each records the written cache line in the
// thread's write-set (via the recency-filtered log_store path), to be
// drained and published at the next release.
func (ip *Interposer) OnStore1(addr uint64) { ip.onStore(addr, 1) }
func (ip *Interposer) OnStore2(addr uint64) { ip.onStore(addr, 2) }
func (ip *Interposer) OnStore4(addr uint64) { ip.onStore(addr, 4) }
func (ip *Interposer) OnStore8(addr uint64) { ip.onStore(addr, 8) }

// OnStoreN is called immediately after an n-byte store to addr.
func (ip *Interposer) OnStoreN(addr uint64, n uint64) { ip.onStore(addr, n) }

func (ip *Interposer) onStore(addr, n uint64) {
	if n == 0 || !ip.region.Overlaps(addr, addr+n) {
		return
	}
	begin, end := ip.region.clip(addr, addr+n)
	if begin>>clgroup.CacheLineShift == (end-1)>>clgroup.CacheLineShift {
		// Panics propagate: an insert/drain invariant violation here means
		// the caller's capacities are misconfigured, not a recoverable
		// runtime condition (see threadops.ErrInvariantViolation).
		if err := ip.thread.LogStore(begin); err != nil {
			panic(err)
		}
		return
	}
	if err := ip.thread.LogRangeStore(begin, end); err != nil {
		panic(err)
	}
}

// OnRangeLoad is called before a bulk read of [begin, end) — e.g. a memcpy
// out of the shared region — invalidating every dirty line the range
// overlaps.
func (ip *Interposer) OnRangeLoad(begin, end uint64) {
	if !ip.region.Overlaps(begin, end) {
		return
	}
	begin, end = ip.region.clip(begin, end)
	ip.tracker.InvalidateRangeIfDirty(begin, end)
}

// OnRangeStore is called after a bulk write of [begin, end) — e.g. a memset
// or memcpy into the shared region. A store that doesn't cover a boundary
// line's full width still overwrites that line's unwritten bytes with
// whatever a peer's dirty copy held, so OnRangeStore invalidates every
// covered line first (the same boundary invalidate OnRangeLoad performs),
// then records the range in the thread's write-set.
func (ip *Interposer) OnRangeStore(begin, end uint64) {
	if !ip.region.Overlaps(begin, end) {
		return
	}
	begin, end = ip.region.clip(begin, end)
	ip.tracker.InvalidateRangeIfDirty(begin, end)
	if err := ip.thread.LogRangeStore(begin, end); err != nil {
		panic(err)
	}
}
