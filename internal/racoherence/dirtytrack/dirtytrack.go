// Package dirtytrack implements the per-node sparse dirty-line tracker: a
// two-level sparse atomic bitmap recording cache lines a peer node has
// flushed but this node's local CPU cache may still hold a stale copy of.
//
// A set bit at a virtual address means the next local access to that cache
// line must invalidate it before reading or writing. The tracker is
// lock-free on the read/write path (atomic fetch-or / fetch-and on leaf
// masks) and uses CAS-based lazy allocation for the two levels above the
// leaf, grounded on a Go race detector's shadow_cas.go CAS-install-or-free-the-
// loser pattern for first-touch allocation races.
package dirtytrack

import "sync/atomic"

const (
	// lineBits is the bit width of the in-line byte offset (64-byte lines).
	lineBits = 6
	// pageLineBits selects which of a page's 64 lines a leaf bit belongs to
	// (bits [11:6]).
	pageLineBits = 6
	// l2Bits selects the level-2 slot within a level-1 entry (bits [19:12]).
	l2Bits = 8
	// l1Bits selects the level-1 slot (bits [38:20]).
	l1Bits = 19

	l1Shift = lineBits + pageLineBits + l2Bits // 20
	l2Shift = lineBits + pageLineBits          // 12
	lineShift = lineBits                       // 6

	l1Size = 1 << l1Bits
	l2Size = 1 << l2Bits

	l1Mask = uint64(l1Size - 1)
	l2Mask = uint64(l2Size - 1)
	lineMask = uint64(63) // 6 bits, 64 lines per page
)

type leaf struct {
	mask atomic.Uint64
}

type level2 struct {
	leaves [l2Size]atomic.Pointer[leaf]
}

// Tracker is the per-consuming-node sparse dirty-line bitmap.
type Tracker struct {
	l1 [l1Size]atomic.Pointer[level2]

	// onInvalidate, if set, is called once per cache line actually
	// invalidated — the hook a platform-specific CLFLUSH/DC-CIVAC shim
	// would occupy. Defaults to nil (no-op): RACoherence's core does not
	// implement the hardware invalidate itself (out of scope here),
	// only the bookkeeping around when one must occur.
	onInvalidate func(addr uint64)

	invalidations atomic.Uint64
	marks         atomic.Uint64
}

// New constructs an empty Tracker. The two upper levels are entirely
// lazily allocated on first touch; an idle Tracker costs only the L1
// pointer array.
func New() *Tracker {
	return &Tracker{}
}

// SetInvalidateHook installs a callback invoked once per cache line this
// Tracker actually invalidates (bit transitions from set to clear). Tests
// use this to observe which lines were invalidated; production callers may
// leave it nil or wire a real cache-management instruction here.
func (t *Tracker) SetInvalidateHook(fn func(addr uint64)) {
	t.onInvalidate = fn
}

// Invalidations reports the total number of cache lines invalidated so far.
func (t *Tracker) Invalidations() uint64 { return t.invalidations.Load() }

func splitAddr(addr uint64) (l1 uint64, l2 uint64, lineIdx uint, pageBase uint64) {
	l1 = (addr >> l1Shift) & l1Mask
	l2 = (addr >> l2Shift) & l2Mask
	lineIdx = uint((addr >> lineShift) & lineMask)
	pageBase = addr &^ ((1 << l2Shift) - 1)
	return
}

// getOrCreateLeaf returns the leaf for addr, allocating the level-2 table
// and/or the leaf itself on first touch. Concurrent first-touches race only
// on the CAS; the loser discards its speculative allocation.
func (t *Tracker) getOrCreateLeaf(addr uint64) *leaf {
	l1idx, l2idx, _, _ := splitAddr(addr)

	l2tbl := t.l1[l1idx].Load()
	if l2tbl == nil {
		fresh := &level2{}
		if t.l1[l1idx].CompareAndSwap(nil, fresh) {
			l2tbl = fresh
		} else {
			l2tbl = t.l1[l1idx].Load()
		}
	}

	lf := l2tbl.leaves[l2idx].Load()
	if lf == nil {
		fresh := &leaf{}
		if l2tbl.leaves[l2idx].CompareAndSwap(nil, fresh) {
			lf = fresh
		} else {
			lf = l2tbl.leaves[l2idx].Load()
		}
	}
	return lf
}

// lookupLeaf returns the leaf for addr if it has ever been touched, or nil.
func (t *Tracker) lookupLeaf(addr uint64) *leaf {
	l1idx, l2idx, _, _ := splitAddr(addr)
	l2tbl := t.l1[l1idx].Load()
	if l2tbl == nil {
		return nil
	}
	return l2tbl.leaves[l2idx].Load()
}

// MarkRangeDirty ORs mask64 into the leaf owning addr's page, marking every
// line whose bit is set dirty. addr need only resolve to the right page;
// bit positions in mask64 are page-relative (bit i = line i of the page).
func (t *Tracker) MarkRangeDirty(addr uint64, mask64 uint64) {
	if mask64 == 0 {
		return
	}
	lf := t.getOrCreateLeaf(addr)
	lf.mask.Or(mask64)
	t.marks.Add(uint64(popcount(mask64)))
}

// MarkDirty marks the single cache line at addr dirty.
func (t *Tracker) MarkDirty(addr uint64) {
	_, _, lineIdx, _ := splitAddr(addr)
	t.MarkRangeDirty(addr, uint64(1)<<lineIdx)
}

// IsDirty peeks whether the line at addr is currently marked dirty, without
// clearing it.
func (t *Tracker) IsDirty(addr uint64) bool {
	lf := t.lookupLeaf(addr)
	if lf == nil {
		return false
	}
	_, _, lineIdx, _ := splitAddr(addr)
	return lf.mask.Load()&(uint64(1)<<lineIdx) != 0
}

// InvalidateIfDirty clears the dirty bit for addr if set, invokes the
// invalidate hook for that line, and reports whether it cleared anything.
func (t *Tracker) InvalidateIfDirty(addr uint64) bool {
	lf := t.lookupLeaf(addr)
	if lf == nil {
		return false
	}
	_, _, lineIdx, _ := splitAddr(addr)
	bit := uint64(1) << lineIdx

	prev := lf.mask.And(^bit)
	if prev&bit == 0 {
		return false
	}
	if t.onInvalidate != nil {
		t.onInvalidate(addr)
	}
	t.invalidations.Add(1)
	return true
}

// InvalidateRangeIfDirty processes [begin, end) one page (leaf) at a time:
// for each touched page it computes the mask of lines overlapping the
// range, performs a single fetch-and-clear, and invalidates every
// previously-set line. end is treated as an open interval; the final line
// is derived from bits [11:6] of end-1 when end does not fall on a page
// boundary. Returns whether any bit anywhere in the range was cleared.
func (t *Tracker) InvalidateRangeIfDirty(begin, end uint64) bool {
	if end <= begin {
		return false
	}
	any := false
	pageSize := uint64(1) << l2Shift

	for page := begin &^ (pageSize - 1); page < end; page += pageSize {
		lf := t.lookupLeaf(page)
		if lf == nil {
			continue
		}

		lineStart := uint(0)
		if page < begin {
			lineStart = uint((begin >> lineShift) & lineMask)
		}
		lineEndExclusive := uint(64)
		pageEnd := page + pageSize
		if pageEnd > end {
			// end is open: the last covered line is the one containing end-1.
			lastAddr := end - 1
			lineEndExclusive = uint((lastAddr>>lineShift)&lineMask) + 1
		}

		var rangeMask uint64
		for i := lineStart; i < lineEndExclusive; i++ {
			rangeMask |= uint64(1) << i
		}
		if rangeMask == 0 {
			continue
		}

		prev := lf.mask.And(^rangeMask)
		cleared := prev & rangeMask
		if cleared == 0 {
			continue
		}
		any = true
		for i := lineStart; i < lineEndExclusive; i++ {
			bit := uint64(1) << i
			if cleared&bit == 0 {
				continue
			}
			addr := page + uint64(i)<<lineShift
			if t.onInvalidate != nil {
				t.onInvalidate(addr)
			}
			t.invalidations.Add(1)
		}
	}
	return any
}

func popcount(v uint64) int {
	n := 0
	for v != 0 {
		v &= v - 1
		n++
	}
	return n
}
