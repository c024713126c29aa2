// Package logbuf implements the Log and per-publishing-node LogManager: a
// bounded single-producer (per node) multi-consumer ring of invalidation
// batches with a release-indexed clock.
//
// This realizes the "alloc_tail + bound" LogManager variant (one of several
// the original C++ source carries — see DESIGN.md for why the freelist and
// generation-parity variants were not chosen). Grounded on
// original_source/include/logManager.hpp's ring shape, adapted from a
// freelist-indirected design to a directly-indexed monotonic-counter ring:
// Go's typed atomics make a 64-bit counter that never wraps in practice a
// simpler, equally correct substitute for the C++ source's
// generation-parity bit trick.
package logbuf

import (
	"errors"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/kolkov/racoherence/internal/racoherence/clgroup"
)

// ErrRingFull is returned by GetNewLog when the ring has no reclaimable
// slot even after a GC attempt; the caller should yield and retry.
var ErrRingFull = errors.New("logbuf: ring full")

// ErrLogFull is returned by Log.Write when the log has reached LOG_SIZE
// entries.
var ErrLogFull = errors.New("logbuf: log at capacity")

// ErrNoLog is returned by TakeHead when a consumer has caught up to the
// publisher's tail — there is nothing new to consume yet.
var ErrNoLog = errors.New("logbuf: no new log")

// Log is a fixed-capacity batch of cl-group entries published atomically at
// a release boundary (or as an overflow drain). Once published, a Log's
// contents are read-only until the ring reclaims its slot.
type Log struct {
	entries  []clgroup.ClGroup
	capacity int
	isRelease bool
	relClk   uint64
}

func newLog(capacity int) *Log {
	return &Log{entries: make([]clgroup.ClGroup, 0, capacity), capacity: capacity}
}

func (l *Log) reset() {
	l.entries = l.entries[:0]
	l.isRelease = false
	l.relClk = 0
}

// Write appends an entry to the log. Returns ErrLogFull once size has
// reached LOG_SIZE.
func (l *Log) Write(cg clgroup.ClGroup) error {
	if len(l.entries) >= l.capacity {
		return ErrLogFull
	}
	l.entries = append(l.entries, cg)
	return nil
}

// Size reports how many entries are currently stored.
func (l *Log) Size() int { return len(l.entries) }

// IsRelease reports whether this log's publication was a release boundary.
func (l *Log) IsRelease() bool { return l.isRelease }

// RelClk returns the publisher's release-clock value at publication; 0 for
// non-release logs.
func (l *Log) RelClk() uint64 { return l.relClk }

// Entries exposes the published entries for consumer iteration. The
// returned slice must not be mutated — logs are read-only once published.
func (l *Log) Entries() []clgroup.ClGroup { return l.entries }

// Handle is a claimed-but-not-yet-published Log returned by GetNewLog.
type Handle struct {
	mgr   *LogManager
	log   *Log
	index uint64
}

// Write proxies to the underlying Log.
func (h *Handle) Write(cg clgroup.ClGroup) error { return h.log.Write(cg) }

// Size proxies to the underlying Log.
func (h *Handle) Size() int { return h.log.Size() }

// LogManager is the per-publishing-node bounded SPMC ring of Logs.
type LogManager struct {
	capacity  int
	nodeCount int
	selfID    int

	logs []Log

	tail      atomic.Uint64 // next publish index (published logs are [bound, tail))
	allocTail atomic.Uint64 // next claim index
	bound     atomic.Uint64 // oldest index still reachable by some consumer

	tailMu sync.Mutex
	gcMu   sync.Mutex

	heads     []atomic.Uint64
	headMus   []sync.Mutex
	subscribed []bool

	relClk atomic.Uint64

	gcPasses        atomic.Uint64
	ringFullRetries atomic.Uint64
}

// New constructs a LogManager for a node with the given identity, peer
// count, ring capacity (LOG_BUF_SIZE) and per-log capacity (LOG_SIZE). All
// peers other than selfID are subscribed by default; use SetSubscribed to
// change the coherence-domain topology.
func New(selfID, nodeCount, ringCapacity, logCapacity int) *LogManager {
	if nodeCount <= 0 || ringCapacity <= 0 || logCapacity <= 0 {
		panic("logbuf: node count, ring capacity and log capacity must be positive")
	}
	m := &LogManager{
		capacity:   ringCapacity,
		nodeCount:  nodeCount,
		selfID:     selfID,
		logs:       make([]Log, ringCapacity),
		heads:      make([]atomic.Uint64, nodeCount),
		headMus:    make([]sync.Mutex, nodeCount),
		subscribed: make([]bool, nodeCount),
	}
	for i := range m.logs {
		m.logs[i] = *newLog(logCapacity)
	}
	for i := range m.subscribed {
		m.subscribed[i] = i != selfID
	}
	return m
}

// SetSubscribed controls whether consumer is considered part of this
// publisher's coherence domain (§4.5's is_subscribed). Non-subscribed
// consumers are excluded from the GC horizon computation.
func (m *LogManager) SetSubscribed(consumer int, subscribed bool) {
	m.subscribed[consumer] = subscribed
}

// IsSubscribed reports whether consumer shares this publisher's coherence
// domain.
func (m *LogManager) IsSubscribed(consumer int) bool {
	return m.subscribed[consumer]
}

// GCPasses reports how many GC passes have run, for tests/metrics.
func (m *LogManager) GCPasses() uint64 { return m.gcPasses.Load() }

// RingFullRetries reports how many times GetNewLog observed a full ring
// even after attempting a GC pass, for metrics export.
func (m *LogManager) RingFullRetries() uint64 { return m.ringFullRetries.Load() }

// GetNewLog claims a fresh slot for writing. It advances alloc_tail; if
// doing so would exceed the ring's capacity relative to bound, it attempts
// a cooperative GC pass (via a try-lock, so a busy GC never blocks other
// producers) and retries once. Returns ErrRingFull if the ring is still
// full afterward.
func (m *LogManager) GetNewLog() (*Handle, error) {
	for {
		at := m.allocTail.Load()
		b := m.bound.Load()
		if at-b >= uint64(m.capacity) {
			if m.tryGC() {
				continue
			}
			m.ringFullRetries.Add(1)
			return nil, ErrRingFull
		}
		if m.allocTail.CompareAndSwap(at, at+1) {
			idx := at % uint64(m.capacity)
			log := &m.logs[idx]
			log.reset()
			return &Handle{mgr: m, log: log, index: at}, nil
		}
	}
}

func (m *LogManager) tryGC() bool {
	if !m.gcMu.TryLock() {
		return false
	}
	defer m.gcMu.Unlock()

	newBound := m.tail.Load()
	for c := 0; c < m.nodeCount; c++ {
		if c == m.selfID || !m.subscribed[c] {
			continue
		}
		h := m.heads[c].Load()
		if h < newBound {
			newBound = h
		}
	}
	old := m.bound.Load()
	if newBound <= old {
		return false
	}
	m.bound.Store(newBound)
	m.gcPasses.Add(1)
	return true
}

// ProduceTail publishes h, assigning it the next sequential tail position.
// If isRelease, the publisher's release clock is incremented first and
// stamped on the log; ProduceTail returns that new release-clock value
// (0 for non-release publications). Publication waits, if necessary, for
// every earlier-allocated handle to publish first, preserving FIFO publish
// order across concurrently-writing worker threads of the same node — the
// Go substitute for the C++ source's tail-mutex-serialized assignment.
func (m *LogManager) ProduceTail(h *Handle, isRelease bool) uint64 {
	for m.tail.Load() != h.index {
		runtime.Gosched()
	}

	m.tailMu.Lock()
	var rc uint64
	if isRelease {
		rc = m.relClk.Add(1)
	}
	h.log.isRelease = isRelease
	h.log.relClk = rc
	m.tail.Store(h.index + 1) // release: synchronizes-with an acquire load of tail
	m.tailMu.Unlock()
	return rc
}

// TakeHead returns the next unconsumed log for consumer, or ErrNoLog if the
// consumer has caught up to the publisher's tail.
func (m *LogManager) TakeHead(consumer int) (*Log, error) {
	h := m.heads[consumer].Load()
	t := m.tail.Load() // acquire: pairs with ProduceTail's release store
	if h >= t {
		return nil, ErrNoLog
	}
	return &m.logs[h%uint64(m.capacity)], nil
}

// ConsumeHead advances consumer's head cursor by one, marking the log
// TakeHead last returned as consumed.
func (m *LogManager) ConsumeHead(consumer int) {
	m.heads[consumer].Add(1)
}

// HeadMutex returns the per-(publisher,consumer) mutex a help-consume
// policy (the USER_HELP_CONSUME) must hold while draining this
// publisher's logs directly, so it does not race with this node's cache
// agent.
func (m *LogManager) HeadMutex(consumer int) *sync.Mutex {
	return &m.headMus[consumer]
}

// Head reports a consumer's current head position, for tests and metrics.
func (m *LogManager) Head(consumer int) uint64 { return m.heads[consumer].Load() }

// Tail reports the current publish position, for tests and metrics.
func (m *LogManager) Tail() uint64 { return m.tail.Load() }

// Bound reports the current GC horizon, for tests and metrics.
func (m *LogManager) Bound() uint64 { return m.bound.Load() }

// RelClk reports this publisher's current release-clock value.
func (m *LogManager) RelClk() uint64 { return m.relClk.Load() }
