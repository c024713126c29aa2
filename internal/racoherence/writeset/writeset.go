// Package writeset implements the thread-local write-set table: a small
// open-addressed hash that coalesces a thread's dirtied cache lines into
// cl-group masks between release points.
//
// The table is strictly thread-local (the shared-resource policy);
// callers own one Table per thread and never share it across goroutines.
// It is grounded on a Go race detector's shadowmem.VarState adaptive layout: both
// accept bounded, allocation-free slots on the hot path and signal the
// caller to drain/promote when the fast path is exhausted, rather than
// growing unbounded.
package writeset

import (
	"errors"
	"sync/atomic"

	"github.com/kolkov/racoherence/internal/racoherence/clgroup"
)

// ErrOverflow is returned by Insert when every probe in the table collides
// with a different cl-group than addr's — the caller must drain the table
// (publish it to a Log) and retry.
var ErrOverflow = errors.New("writeset: table overflow, drain required")

// DefaultEntries and DefaultSearchIters size the fast-path table: small
// enough to stay allocation-free and cache resident, generous enough that
// overflow is rare in practice.
const (
	DefaultEntries    = 64
	DefaultSearchIters = 4
)

type slot struct {
	index clgroup.Index
	mask  uint16
	used  bool
}

// Table is the per-thread coalescing hash of dirty cl-group masks.
type Table struct {
	entries     []slot
	searchIters int
	count       int
	overflows   atomic.Uint64
}

// New constructs a Table with the given slot count and probe depth. Panics
// if either is non-positive.
func New(entries, searchIters int) *Table {
	if entries <= 0 || searchIters <= 0 {
		panic("writeset: entries and searchIters must be positive")
	}
	return &Table{
		entries:     make([]slot, entries),
		searchIters: searchIters,
	}
}

// NewDefault constructs a Table sized per DefaultEntries/DefaultSearchIters.
func NewDefault() *Table {
	return New(DefaultEntries, DefaultSearchIters)
}

func (t *Table) hash(index clgroup.Index) int {
	return int(uint64(index) % uint64(len(t.entries)))
}

// Insert marks the cache line at addr dirty in its cl-group's slot,
// creating the slot if needed. Returns ErrOverflow if SearchIters linear
// probes all collide with a different cl-group, signaling the caller to
// drain the table into a Log and retry — insert(a) is idempotent: inserting
// the same address twice leaves the same entry.
func (t *Table) Insert(addr uint64) error {
	index := clgroup.IndexOf(addr)
	bit := uint16(1) << ((addr >> clgroup.CacheLineShift) & (clgroup.GroupSize - 1))

	start := t.hash(index)
	n := len(t.entries)
	for i := 0; i < t.searchIters; i++ {
		pos := (start + i) % n
		s := &t.entries[pos]
		if !s.used {
			s.used = true
			s.index = index
			s.mask = bit
			t.count++
			return nil
		}
		if s.index == index {
			s.mask |= bit
			return nil
		}
	}
	t.overflows.Add(1)
	return ErrOverflow
}

// Overflows reports how many times Insert has returned ErrOverflow, for
// metrics export.
func (t *Table) Overflows() uint64 { return t.overflows.Load() }

// Clear empties the table, releasing every slot for reuse without
// allocating a new backing array.
func (t *Table) Clear() {
	for i := range t.entries {
		t.entries[i] = slot{}
	}
	t.count = 0
}

// Len reports how many cl-group entries are currently stored.
func (t *Table) Len() int { return t.count }

// Iterate yields every currently stored cl-group entry as a mask-based
// ClGroup, in unspecified order, matching the contract.
func (t *Table) Iterate() func(yield func(clgroup.ClGroup) bool) {
	return func(yield func(clgroup.ClGroup) bool) {
		for i := range t.entries {
			s := &t.entries[i]
			if !s.used {
				continue
			}
			if !yield(clgroup.FromMask(s.index, s.mask)) {
				return
			}
		}
	}
}

// rangeEntry is one pending range-store recorded by Buffer before it has
// been coalesced into the table.
type rangeEntry struct {
	begin, end uint64
}

// Buffer implements an optional buffered range-store mode: range stores
// are first appended here cheaply; DumpBufferToTable later coalesces every
// buffered range into the owning Table, draining the buffer. Grounded on
// original_source/include/threadOps.hpp's separate buffered range-store
// path, kept here as an optional mode rather than the default.
type Buffer struct {
	ranges []rangeEntry
	cap    int
}

// NewBuffer constructs a range-store buffer with the given capacity.
func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		panic("writeset: buffer capacity must be positive")
	}
	return &Buffer{cap: capacity}
}

// ErrBufferFull is returned by Append when the buffer has no room left; the
// caller must call DumpBufferToTable before appending further ranges.
var ErrBufferFull = errors.New("writeset: range buffer full, dump required")

// Append records a pending [begin, end) range store. Returns ErrBufferFull
// if the buffer is at capacity.
func (b *Buffer) Append(begin, end uint64) error {
	if len(b.ranges) >= b.cap {
		return ErrBufferFull
	}
	b.ranges = append(b.ranges, rangeEntry{begin, end})
	return nil
}

// Len reports the number of buffered ranges.
func (b *Buffer) Len() int { return len(b.ranges) }

// DumpBufferToTable drains every buffered range into dst, inserting one bit
// per covered cache line. If dst overflows partway through, the remaining
// ranges stay buffered (already-applied ranges are not re-applied on
// retry, matching the table's idempotent insert) and ErrOverflow is
// returned — the caller must publish dst and call DumpBufferToTable again.
func (b *Buffer) DumpBufferToTable(dst *Table) error {
	for len(b.ranges) > 0 {
		r := b.ranges[0]
		for addr := r.begin &^ (clgroup.CacheLineSize - 1); addr < r.end; addr += clgroup.CacheLineSize {
			if err := dst.Insert(addr); err != nil {
				return err
			}
		}
		b.ranges = b.ranges[1:]
	}
	return nil
}
