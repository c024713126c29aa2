package coherence

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kolkov/racoherence/internal/racoherence/cacheagent"
	"github.com/kolkov/racoherence/internal/racoherence/interpose"
	"github.com/kolkov/racoherence/internal/racoherence/logbuf"
	"github.com/kolkov/racoherence/internal/racoherence/threadops"
)

// metricsPollInterval is how often Runtime scrapes per-node counters into
// Prometheus when metrics are enabled; the scrape itself is cheap (a
// handful of atomic loads per node), so a short interval keeps gauges fresh
// without meaningfully perturbing the cache agents it polls alongside.
const metricsPollInterval = 100 * time.Millisecond

// Runtime is the init/shutdown surface: it constructs every
// node's LogManager and CacheInfo, wires a cache agent per node, and
// supervises their lifetime. Grounded on
// internal/race/detector.NewDetector/Detector.Start's role as the single
// object every other package is built underneath.
type Runtime struct {
	cfg Config
	log *zap.Logger

	logManagers []*logbuf.LogManager
	cacheInfos  []*cacheagent.CacheInfo
	agents      []*cacheagent.Agent

	metrics metricsSink

	mu      sync.Mutex
	threads []*threadops.State

	cancel context.CancelFunc
	eg     *errgroup.Group
}

// NewRuntime constructs a Runtime for cfg's node count, allocating every
// node's LogManager, CacheInfo and Agent in place — the Go analogue of
// the "construct NODE_COUNT log managers... allocate node-local
// CacheInfo instances" init sequence. Agents are constructed but not yet
// running; call Start to spawn them.
func NewRuntime(cfg Config) *Runtime {
	if cfg.nodeCount <= 0 {
		cfg.nodeCount = defaultConfig().nodeCount
	}
	if cfg.logger == nil {
		cfg.logger = zap.NewNop()
	}

	r := &Runtime{cfg: cfg, log: cfg.logger}

	r.logManagers = make([]*logbuf.LogManager, cfg.nodeCount)
	r.cacheInfos = make([]*cacheagent.CacheInfo, cfg.nodeCount)
	for n := 0; n < cfg.nodeCount; n++ {
		r.logManagers[n] = logbuf.New(n, cfg.nodeCount, cfg.logBufSize, cfg.logSize)
		r.cacheInfos[n] = cacheagent.NewCacheInfo(n, cfg.nodeCount)
	}

	agentOpts := cacheagent.DefaultOptions()
	agentOpts.EagerInvalidate = cfg.features.EagerInvalidate
	agentOpts.InvalidateNow = cfg.invalidateHook
	if cfg.features.WBInvdPath {
		agentOpts.WBInvdThreshold = cfg.features.WBInvdThreshold
		agentOpts.WholeCacheInvalidate = cfg.wholeCacheInvalidateHook
	}

	r.agents = make([]*cacheagent.Agent, cfg.nodeCount)
	for n := 0; n < cfg.nodeCount; n++ {
		publishers := make(map[int]*logbuf.LogManager, cfg.nodeCount-1)
		for p := 0; p < cfg.nodeCount; p++ {
			if p == n {
				continue
			}
			publishers[p] = r.logManagers[p]
		}
		r.agents[n] = cacheagent.New(n, cfg.nodeCount, r.cacheInfos[n], publishers, agentOpts, cfg.logger)
	}

	if cfg.registry != nil {
		r.metrics = newPromMetrics(cfg.nodeCount, cfg.registry)
	} else {
		r.metrics = noopMetrics{}
	}

	return r
}

// ProtocolOff reports whether the configured Features bypass the coherence
// engine entirely (the PROTOCOL_OFF) — callers such as
// cmd/racoherence-bench check this before routing accesses through
// Runtime/interpose at all.
func (r *Runtime) ProtocolOff() bool { return r.cfg.features.ProtocolOff }

// NodeCount reports the fabric's node count.
func (r *Runtime) NodeCount() int { return r.cfg.nodeCount }

// CacheInfo returns node's cache info.
func (r *Runtime) CacheInfo(node int) *cacheagent.CacheInfo { return r.cacheInfos[node] }

// LogManager returns node's publishing log manager.
func (r *Runtime) LogManager(node int) *logbuf.LogManager { return r.logManagers[node] }

// NewThreadState constructs coherence-local state for a thread resident on
// node, wired to that node's log manager, cache info and (for help-consume)
// its cache agent and every peer's log manager. If Features.LocalCLTableBuffer
// is set, the returned State has its range-store buffer pre-enabled at
// Config's RangeBufferCapacity. The State is tracked internally so metrics
// polling can attribute its write-set overflow count to node.
func (r *Runtime) NewThreadState(node int) *threadops.State {
	peers := make(map[int]*logbuf.LogManager, r.cfg.nodeCount-1)
	for p := 0; p < r.cfg.nodeCount; p++ {
		if p == node {
			continue
		}
		peers[p] = r.logManagers[p]
	}

	opts := threadops.Options{
		EagerFlush:  r.cfg.features.EagerFlush,
		Flush:       r.cfg.flushHook,
		HelpConsume: r.cfg.features.UserHelpConsume,
	}
	s := threadops.New(node, r.cfg.nodeCount, r.logManagers[node], r.cacheInfos[node], peers, r.agents[node], opts)
	if r.cfg.features.LocalCLTableBuffer {
		s.EnableBuffer(r.cfg.rangeBufferCapacity)
	}

	r.mu.Lock()
	r.threads = append(r.threads, s)
	r.mu.Unlock()

	return s
}

// NewInterposer wires an Interposer for region to thread's coherence state
// and node's dirty tracker.
func (r *Runtime) NewInterposer(node int, region interpose.Region, thread *threadops.State) *interpose.Interposer {
	return interpose.New(region, r.cacheInfos[node].Tracker, thread)
}

// Start spawns one goroutine per node running that node's cache agent, plus
// a metrics-polling goroutine when metrics are enabled, supervised by an
// errgroup.Group — the Go analogue of the "spawn NODE_COUNT
// cache-agent threads", with cooperative shutdown via context cancellation
// standing in for the C++ source's process-wide `complete` flag. Returns
// once every goroutine has been launched; it does not block until they
// exit (use Stop for that).
func (r *Runtime) Start(ctx context.Context) error {
	if r.cancel != nil {
		return fmt.Errorf("coherence: runtime already started")
	}

	egCtx, cancel := context.WithCancel(ctx)
	eg, egCtx := errgroup.WithContext(egCtx)
	r.cancel = cancel
	r.eg = eg

	for _, agent := range r.agents {
		agent := agent
		eg.Go(func() error {
			agent.Run(egCtx)
			return nil
		})
	}

	if _, isNoop := r.metrics.(noopMetrics); !isNoop {
		eg.Go(func() error {
			r.pollMetrics(egCtx)
			return nil
		})
	}

	r.log.Info("racoherence runtime started", zap.Int("node_count", r.cfg.nodeCount))
	return nil
}

// Stop cancels every spawned goroutine's context and waits for them to
// return.
func (r *Runtime) Stop() error {
	if r.cancel == nil {
		return nil
	}
	r.cancel()
	err := r.eg.Wait()
	r.log.Info("racoherence runtime stopped")
	return err
}

func (r *Runtime) pollMetrics(ctx context.Context) {
	ticker := time.NewTicker(metricsPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.scrapeOnce()
		}
	}
}

func (r *Runtime) scrapeOnce() {
	for n := 0; n < r.cfg.nodeCount; n++ {
		mgr := r.logManagers[n]
		info := r.cacheInfos[n]

		r.metrics.observe(n, mgr.RingFullRetries(), r.nodeOverflows(n), mgr.Tail(), info.LogsConsumed(), mgr.GCPasses())
		r.metrics.setReleaseClock(n, mgr.RelClk())

		for p := 0; p < r.cfg.nodeCount; p++ {
			if p == n {
				continue
			}
			r.metrics.setPeerClock(n, p, info.Clock(p))
		}
	}
}

func (r *Runtime) nodeOverflows(node int) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	var total uint64
	for _, s := range r.threads {
		if s.NodeID() == node {
			total += s.Overflows()
		}
	}
	return total
}
