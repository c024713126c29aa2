// Package cacheagent implements the per-consuming-node background loop that
// drains peer log streams into the local sparse dirty tracker and advances
// the node's cached view of every peer's release clock.
//
// Grounded on a Go race detector's Detector orchestration
// loop (a long-running consumer that processes discrete units of work in
// rounds) and internal/race/detector/sampler.go's atomic round-counter
// idle/back-off pattern.
package cacheagent

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/kolkov/racoherence/internal/racoherence/clgroup"
	"github.com/kolkov/racoherence/internal/racoherence/dirtytrack"
	"github.com/kolkov/racoherence/internal/racoherence/logbuf"
	"github.com/kolkov/racoherence/internal/racoherence/pause"
)

// CacheInfo is the per-node state a cache agent maintains: its cached view
// of every peer's release clock, and its sparse dirty-line tracker.
// clock[p] only ever advances (the clock monotonicity invariant)
// and only after every invalidation contained in the log that carried
// clock[p]'s new value has already been recorded in Tracker.
type CacheInfo struct {
	NodeID  int
	Tracker *dirtytrack.Tracker

	clock []atomic.Uint64

	logsConsumed atomic.Uint64
	gcObserved   atomic.Uint64
}

// NewCacheInfo constructs the per-node cache info for a node participating
// in an nodeCount-node fabric.
func NewCacheInfo(nodeID, nodeCount int) *CacheInfo {
	return &CacheInfo{
		NodeID:  nodeID,
		Tracker: dirtytrack.New(),
		clock:   make([]atomic.Uint64, nodeCount),
	}
}

// Clock returns this node's cached release-clock value for peer p.
func (ci *CacheInfo) Clock(p int) uint64 { return ci.clock[p].Load() }

// LogsConsumed reports how many logs this node's agent has processed, for
// metrics/tests.
func (ci *CacheInfo) LogsConsumed() uint64 { return ci.logsConsumed.Load() }

func (ci *CacheInfo) advanceClock(p int, v uint64) {
	// Monotonic: a stale/duplicate advance (possible if help-consume and the
	// agent both process the same log window) must never move clock[p]
	// backward.
	for {
		cur := ci.clock[p].Load()
		if v <= cur {
			return
		}
		if ci.clock[p].CompareAndSwap(cur, v) {
			return
		}
	}
}

// processLog applies every invalidation in log to ci.Tracker and, if log is
// a release, advances ci.clock[publisher] to the log's release index. This
// is the CacheInfo::process_log.
func (ci *CacheInfo) processLog(publisher int, log *logbuf.Log, opts Options) {
	for _, cg := range log.Entries() {
		switch cg.Classify() {
		case clgroup.KindLength:
			base := cg.BaseAddr()
			n := cg.Length()
			if opts.WBInvdThreshold > 0 && n >= opts.WBInvdThreshold {
				// WBINVD_PATH: whole-cache invalidate short-circuit instead
				// of per-group marking.
				if opts.WholeCacheInvalidate != nil {
					opts.WholeCacheInvalidate()
				}
				continue
			}
			for i := uint32(0); i < n; i++ {
				gbase := base + uint64(i)<<clgroup.GroupShift
				ci.markOrInvalidateGroup(gbase, uint64(clgroup.FullMask), opts)
			}
		default:
			gbase := cg.BaseAddr()
			ci.markOrInvalidateGroup(gbase, uint64(cg.Mask()), opts)
		}
	}

	if log.IsRelease() {
		ci.advanceClock(publisher, log.RelClk())
	}
	ci.logsConsumed.Add(1)
}

func (ci *CacheInfo) markOrInvalidateGroup(groupBase uint64, mask16 uint64, opts Options) {
	shift := clgroup.LeafShift(groupBase)
	if opts.EagerInvalidate {
		for i := uint(0); i < clgroup.GroupSize; i++ {
			if mask16&(1<<i) == 0 {
				continue
			}
			addr := groupBase + uint64(i)<<clgroup.CacheLineShift
			if opts.InvalidateNow != nil {
				opts.InvalidateNow(addr)
			}
		}
		return
	}
	ci.Tracker.MarkRangeDirty(groupBase, mask16<<shift)
}

// Options configures a cache agent's per-log processing policy, realizing
// the compile-time feature flags as runtime configuration.
type Options struct {
	// LogMaxBatch bounds how many logs are drained from one publisher per
	// iteration before moving to the next (the LOG_MAX_BATCH).
	LogMaxBatch int

	// EagerInvalidate, when true, performs a platform invalidate for each
	// cache line immediately instead of recording it in the sparse tracker
	// (the EAGER_INVALIDATE compile flag).
	EagerInvalidate bool
	InvalidateNow   func(addr uint64)

	// WBInvdThreshold, when non-zero, short-circuits any length-based entry
	// whose run length meets or exceeds it into a single whole-cache
	// invalidate (the WBINVD_PATH).
	WBInvdThreshold      uint32
	WholeCacheInvalidate func()
}

// DefaultOptions matches the suggested defaults: lazy invalidation,
// a modest per-round batch, WBINVD path disabled.
func DefaultOptions() Options {
	return Options{LogMaxBatch: 16}
}

// Agent is the per-consuming-node background loop. One Agent instance
// drains every publisher this node is subscribed to into a single
// CacheInfo.
type Agent struct {
	selfID    int
	nodeCount int
	publishers map[int]*logbuf.LogManager
	info      *CacheInfo
	opts      Options
	log       *zap.Logger
}

// New constructs an Agent for selfID, with one LogManager per peer
// publisher (selfID's own LogManager is never included — an agent never
// consumes its own node's logs).
func New(selfID, nodeCount int, info *CacheInfo, publishers map[int]*logbuf.LogManager, opts Options, logger *zap.Logger) *Agent {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.LogMaxBatch <= 0 {
		opts.LogMaxBatch = DefaultOptions().LogMaxBatch
	}
	return &Agent{
		selfID:     selfID,
		nodeCount:  nodeCount,
		publishers: publishers,
		info:       info,
		opts:       opts,
		log:        logger,
	}
}

// Info returns the agent's CacheInfo.
func (a *Agent) Info() *CacheInfo { return a.info }

// RunOnce performs a single round: for every subscribed publisher, drains
// up to LogMaxBatch logs. Returns the number of logs processed this round,
// so callers (Run's idle-policy loop, and tests) can detect a dry round.
func (a *Agent) RunOnce() int {
	processed := 0
	for p, mgr := range a.publishers {
		if p == a.selfID || !mgr.IsSubscribed(a.selfID) {
			continue
		}
		mu := mgr.HeadMutex(a.selfID)
		mu.Lock()
		for i := 0; i < a.opts.LogMaxBatch; i++ {
			log, err := mgr.TakeHead(a.selfID)
			if err != nil {
				break
			}
			a.info.processLog(p, log, a.opts)
			mgr.ConsumeHead(a.selfID)
			processed++
		}
		mu.Unlock()
	}
	return processed
}

// DrainPublisher drains up to LogMaxBatch logs from a single publisher p,
// the targeted counterpart to RunOnce's all-publishers sweep. An acquiring
// thread's help-consume policy calls this instead of waiting passively for
// the agent to get around to p, while holding p's per-(publisher, consumer)
// head mutex so it never races the agent itself.
func (a *Agent) DrainPublisher(p int) int {
	mgr, ok := a.publishers[p]
	if !ok {
		return 0
	}
	processed := 0
	for i := 0; i < a.opts.LogMaxBatch; i++ {
		log, err := mgr.TakeHead(a.selfID)
		if err != nil {
			break
		}
		a.info.processLog(p, log, a.opts)
		mgr.ConsumeHead(a.selfID)
		processed++
	}
	return processed
}

// Run drives RunOnce in a loop until ctx is cancelled (the Go analogue of
// the process-wide `complete` flag). After nodeCount-1
// consecutive idle rounds (no publisher had anything new) it issues a
// pause hint before retrying, matching the idle back-off policy.
func (a *Agent) Run(ctx context.Context) {
	idleRounds := 0
	idleThreshold := a.nodeCount - 1
	if idleThreshold < 1 {
		idleThreshold = 1
	}

	for {
		select {
		case <-ctx.Done():
			a.log.Info("cache agent stopping", zap.Int("node", a.selfID))
			return
		default:
		}

		n := a.RunOnce()
		if n == 0 {
			idleRounds++
			if idleRounds >= idleThreshold {
				pause.Hint()
				idleRounds = 0
			}
		} else {
			idleRounds = 0
			a.log.Debug("cache agent drained logs", zap.Int("node", a.selfID), zap.Int("count", n))
		}
	}
}
