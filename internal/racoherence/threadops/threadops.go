// Package threadops implements the per-thread release/acquire glue: the
// recency-filtered store path that feeds a thread's local write-set table,
// the release operation that drains that table into the thread's own node's
// log stream, and the acquire operation that waits for (or help-consumes)
// enough of a peer's log stream to satisfy a target vector clock.
//
// Grounded on a Go race detector's syncshadow/syncvar.go (the
// happens-before update a sync primitive performs on release/acquire) and
// goroutine/context.go (the per-goroutine state that detector
// threads through every shadow-memory access) — here the per-goroutine state
// is a State value carrying a thread-local writeset.Table instead of a
// shadow epoch, and release/acquire publish/consume Logs instead of
// directly merging another goroutine's vector clock in memory.
package threadops

import (
	"errors"
	"fmt"

	"github.com/kolkov/racoherence/internal/racoherence/cacheagent"
	"github.com/kolkov/racoherence/internal/racoherence/clgroup"
	"github.com/kolkov/racoherence/internal/racoherence/logbuf"
	"github.com/kolkov/racoherence/internal/racoherence/pause"
	"github.com/kolkov/racoherence/internal/racoherence/vclock"
	"github.com/kolkov/racoherence/internal/racoherence/writeset"
)

// ErrInvariantViolation is returned (wrapped) by LogStore and LogRangeStore
// when a drain that should always be able to make progress — a freshly
// cleared table failing to accept the very entry that overflowed it —
// cannot. interpose panics on any such error; ThreadRelease panics on any
// drain or publish error.
var ErrInvariantViolation = errors.New("threadops: drain invariant violated")

// Options configures a State's store/release/acquire policy, the runtime
// counterpart to the EAGER_FLUSH and USER_HELP_CONSUME compile-time
// flags.
type Options struct {
	// EagerFlush, when true, flushes each cache line to the fabric-backed
	// region as it is written into a log, instead of relying solely on the
	// log publication itself to make the data visible.
	EagerFlush bool
	Flush      func(addr uint64)

	// HelpConsume, when true, makes ThreadAcquire actively drain a lagging
	// peer's log stream itself (under that peer's head mutex) instead of
	// passively spinning until the node's cache agent catches up.
	HelpConsume bool
}

// State is one thread's (goroutine's) coherence-local state: its own vector
// clock, its write-set table (and optional range-store buffer), a recency
// filter over its most recent store, and the handles it needs to publish to
// its own node's log stream and, if HelpConsume is enabled, to drain a
// peer's directly.
//
// A State is not safe for concurrent use — the scopes it strictly to
// a single thread, the same way that detector scopes a goroutine.Context to a
// single goroutine.
type State struct {
	nodeID    int
	nodeCount int

	vc    vclock.VectorClock
	table *writeset.Table
	buf   *writeset.Buffer // nil unless LOCAL_CL_TABLE_BUFFER mode is enabled

	recentCL   uint64 // the most recently stored-to cache line index
	hasPending bool   // true once any store has landed since the last release

	mgr   *logbuf.LogManager    // this thread's own node's publishing LogManager
	info  *cacheagent.CacheInfo // this node's cached view of every peer's clock
	peers map[int]*logbuf.LogManager // peer LogManagers, for help-consume
	agent *cacheagent.Agent           // this node's cache agent, for help-consume

	opts Options
}

// New constructs per-thread state for a thread resident on node nodeID.
// peers must contain every other node's LogManager (used only when
// opts.HelpConsume is set); agent is this node's cache agent (same
// condition). Both may be nil when HelpConsume is false.
func New(nodeID, nodeCount int, mgr *logbuf.LogManager, info *cacheagent.CacheInfo, peers map[int]*logbuf.LogManager, agent *cacheagent.Agent, opts Options) *State {
	return &State{
		nodeID:    nodeID,
		nodeCount: nodeCount,
		vc:        vclock.New(nodeCount),
		table:     writeset.NewDefault(),
		mgr:       mgr,
		info:      info,
		peers:     peers,
		agent:     agent,
		opts:      opts,
	}
}

// EnableBuffer switches the thread into LOCAL_CL_TABLE_BUFFER mode: range
// stores append cheaply to a Buffer of the given capacity instead of
// inserting one line at a time into the table.
func (s *State) EnableBuffer(capacity int) {
	s.buf = writeset.NewBuffer(capacity)
}

// Clock returns the thread's current vector clock.
func (s *State) Clock() vclock.VectorClock { return s.vc.Clone() }

// Overflows reports how many times this thread's write-set table has
// overflowed and forced an intermediate drain, for metrics export.
func (s *State) Overflows() uint64 { return s.table.Overflows() }

// NodeID reports the node this thread is resident on, for metrics
// attribution.
func (s *State) NodeID() int { return s.nodeID }

// LogStore records a single-cache-line store at addr, the Go realization of
// the log_store. A store to the same cache line as the thread's
// immediately preceding store is filtered out without touching the table
// (the recency filter); otherwise it is inserted, draining the table into a
// non-release log first if the table is full.
func (s *State) LogStore(addr uint64) error {
	cl := addr >> clgroup.CacheLineShift
	if s.hasPending && cl == s.recentCL {
		return nil
	}
	if err := s.insertWithDrain(addr); err != nil {
		return err
	}
	s.recentCL = cl
	s.hasPending = true
	return nil
}

// LogRangeStore records a store spanning [begin, end), the realization of
// the log_range_store. In buffered mode the range is appended to
// the Buffer; otherwise every covered cache line is inserted individually.
// Either path drains to non-release logs as needed when its backing
// structure fills.
func (s *State) LogRangeStore(begin, end uint64) error {
	if end <= begin {
		return nil
	}
	if s.buf != nil {
		for {
			if err := s.buf.Append(begin, end); err == nil {
				break
			} else if !errors.Is(err, writeset.ErrBufferFull) {
				return err
			}
			if err := s.drainBuffer(); err != nil {
				return err
			}
		}
	} else {
		for addr := begin &^ (clgroup.CacheLineSize - 1); addr < end; addr += clgroup.CacheLineSize {
			if err := s.insertWithDrain(addr); err != nil {
				return err
			}
		}
	}
	s.recentCL = (end - 1) >> clgroup.CacheLineShift
	s.hasPending = true
	return nil
}

func (s *State) drainBuffer() error {
	for {
		err := s.buf.DumpBufferToTable(s.table)
		if err == nil {
			return nil
		}
		if !errors.Is(err, writeset.ErrOverflow) {
			return err
		}
		if _, derr := s.writeToLog(false); derr != nil {
			return derr
		}
	}
}

func (s *State) insertWithDrain(addr uint64) error {
	err := s.table.Insert(addr)
	if err == nil {
		return nil
	}
	if !errors.Is(err, writeset.ErrOverflow) {
		return err
	}
	if _, derr := s.writeToLog(false); derr != nil {
		return derr
	}
	if err := s.table.Insert(addr); err != nil {
		return fmt.Errorf("%w: insert still fails immediately after drain", ErrInvariantViolation)
	}
	return nil
}

// ThreadRelease implements the thread_release: if no store has
// been recorded since the thread's last release, it is a no-op that simply
// returns the thread's unchanged clock (no log is published). Otherwise it
// drains any buffered ranges and the write-set table into the node's log
// stream, tagging the final published log as a release, merges the fresh
// release index into the thread's own clock at its own node's slot, and
// clears the recency filter.
func (s *State) ThreadRelease() vclock.VectorClock {
	if !s.hasPending {
		return s.vc.Clone()
	}

	if s.buf != nil {
		if err := s.drainBuffer(); err != nil {
			panic(fmt.Sprintf("threadops: release failed draining range buffer: %v", err))
		}
	}

	rc, err := s.writeToLog(true)
	if err != nil {
		panic(fmt.Sprintf("threadops: release failed: %v", err))
	}

	s.vc.Set(s.nodeID, rc)
	s.hasPending = false
	return s.vc.Clone()
}

// writeToLog is the write_to_log subroutine: it claims log slots
// from the node's LogManager, writes every entry currently in the table
// (first collecting them, since draining always empties the table), and
// publishes. If the table holds more entries than a single Log can carry,
// intermediate logs are published as non-release and only the final one
// carries isRelease/the fresh release index. Returns the release-clock
// value of the final published log (0 if isRelease is false).
func (s *State) writeToLog(isRelease bool) (uint64, error) {
	var all []clgroup.ClGroup
	for cg := range s.table.Iterate() {
		all = append(all, cg)
	}
	s.table.Clear()

	h, err := s.claimLog()
	if err != nil {
		return 0, err
	}

	if len(all) == 0 {
		return s.publish(h, isRelease), nil
	}

	var lastRC uint64
	i := 0
	for i < len(all) {
		for i < len(all) {
			if werr := h.Write(all[i]); werr != nil {
				break
			}
			if s.opts.EagerFlush && s.opts.Flush != nil {
				for line := range all[i].CacheLines() {
					s.opts.Flush(line)
				}
			}
			i++
		}
		isLast := i == len(all)
		lastRC = s.publish(h, isRelease && isLast)
		if !isLast {
			h, err = s.claimLog()
			if err != nil {
				return 0, err
			}
		}
	}
	return lastRC, nil
}

func (s *State) publish(h *logbuf.Handle, isRelease bool) uint64 {
	return s.mgr.ProduceTail(h, isRelease)
}

func (s *State) claimLog() (*logbuf.Handle, error) {
	for {
		h, err := s.mgr.GetNewLog()
		if err == nil {
			return h, nil
		}
		if !errors.Is(err, logbuf.ErrRingFull) {
			return nil, err
		}
		pause.Hint()
	}
}

// ThreadAcquire implements the thread_acquire: the thread's own
// clock is merged with target immediately (a happens-before ordering
// decision that does not depend on any log having actually been consumed
// yet), then the thread waits, per lagging peer, until this node's cached
// view of that peer's release clock dominates target's. With HelpConsume
// enabled a lagging peer's logs are drained directly under that peer's head
// mutex instead of passively spinning for the cache agent.
func (s *State) ThreadAcquire(target *vclock.VectorClock) {
	s.vc.Merge(target)

	for p := 0; p < s.nodeCount; p++ {
		if p == s.nodeID {
			continue
		}
		want := target.Get(p)
		if want == 0 {
			continue
		}
		for s.info.Clock(p) < want {
			if s.opts.HelpConsume && s.agent != nil {
				s.helpConsume(p)
			} else {
				pause.Hint()
			}
		}
	}
}

func (s *State) helpConsume(p int) {
	mgr, ok := s.peers[p]
	if !ok {
		pause.Hint()
		return
	}
	mu := mgr.HeadMutex(s.nodeID)
	mu.Lock()
	n := s.agent.DrainPublisher(p)
	mu.Unlock()
	if n == 0 {
		pause.Hint()
	}
}
