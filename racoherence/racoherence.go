// Package racoherence provides the public API for the software-emulated
// coherence runtime over a fabric-attached, multi-node shared-memory
// region.
//
// See doc.go for an overview of the coherence model and example wiring.
package racoherence

import (
	"context"

	"go.uber.org/zap"

	"github.com/prometheus/client_golang/prometheus"

	internal "github.com/kolkov/racoherence/internal/racoherence/coherence"
	"github.com/kolkov/racoherence/internal/racoherence/interpose"
	"github.com/kolkov/racoherence/internal/racoherence/threadops"
	"github.com/kolkov/racoherence/internal/racoherence/vclock"
)

// Clock is a fixed-size vector clock: one release count per fabric node.
// ThreadRelease returns a thread's clock after publishing; pass one to
// ThreadAcquire to synchronize with whatever releases it was derived from.
type Clock = vclock.VectorClock

// Config bundles every knob that influences a Runtime's behavior. Build one
// with NewConfig and the With* options below.
type Config = internal.Config

// Option configures a Config; see NewConfig.
type Option = internal.Option

// Features mirrors the coherence engine's compile-time parameter set
// (EAGER_INVALIDATE, EAGER_FLUSH, USER_HELP_CONSUME, LOCATION_CLOCK_MERGE,
// PROTOCOL_OFF, DELAY_PUBLISH, LOCAL_CL_TABLE_BUFFER, WBINVD_PATH) as
// runtime configuration, set once at Runtime construction.
type Features = internal.Features

// Region describes the byte range of the fabric-attached shared memory
// region a ThreadHandle instruments. Accesses outside [Base, Base+Size) are
// ordinary local memory and never touch the coherence protocol.
type Region = interpose.Region

// NewConfig builds a Config from sensible defaults (a two-node fabric, one
// worker per node, LOG_SIZE=64, LOG_BUF_SIZE=1024) plus the given options.
func NewConfig(opts ...Option) Config { return internal.NewConfig(opts...) }

// WithNodeCount sets the number of fabric-attached nodes.
func WithNodeCount(n int) Option { return internal.WithNodeCount(n) }

// WithWorkerPerNode sets how many worker goroutines a harness intends to
// run per node; Runtime itself only spawns cache agents.
func WithWorkerPerNode(n int) Option { return internal.WithWorkerPerNode(n) }

// WithLogSize sets the per-log entry capacity.
func WithLogSize(n int) Option { return internal.WithLogSize(n) }

// WithLogBufSize sets the per-node log ring capacity.
func WithLogBufSize(n int) Option { return internal.WithLogBufSize(n) }

// WithRangeBufferCapacity sets the capacity of each thread's range-store
// buffer when Features.LocalCLTableBuffer is enabled.
func WithRangeBufferCapacity(n int) Option { return internal.WithRangeBufferCapacity(n) }

// WithFeatures sets the full feature-flag set in one call.
func WithFeatures(f Features) Option { return internal.WithFeatures(f) }

// WithLogger installs a *zap.Logger; defaults to a no-op logger.
func WithLogger(l *zap.Logger) Option { return internal.WithLogger(l) }

// WithMetricsRegistry activates Prometheus metrics export against reg.
func WithMetricsRegistry(reg *prometheus.Registry) Option {
	return internal.WithMetricsRegistry(reg)
}

// WithInvalidateHook installs the callback invoked for each cache line a
// cache agent invalidates when Features.EagerInvalidate is set.
func WithInvalidateHook(fn func(addr uint64)) Option { return internal.WithInvalidateHook(fn) }

// WithFlushHook installs the callback invoked for each cache line a
// releasing thread writes when Features.EagerFlush is set.
func WithFlushHook(fn func(addr uint64)) Option { return internal.WithFlushHook(fn) }

// WithWholeCacheInvalidateHook installs the callback invoked in place of
// per-group invalidation when Features.WBInvdPath is set and a length-based
// log entry meets its threshold.
func WithWholeCacheInvalidateHook(fn func()) Option {
	return internal.WithWholeCacheInvalidateHook(fn)
}

// Runtime is the coherence engine's init/shutdown surface: it constructs
// every node's log manager and cache info, wires a cache agent per node,
// and supervises their lifetime once Start is called.
type Runtime struct {
	rt *internal.Runtime
}

// NewRuntime constructs a Runtime for cfg's node count. Agents are
// constructed but not yet running; call Start to spawn them.
func NewRuntime(cfg Config) *Runtime {
	return &Runtime{rt: internal.NewRuntime(cfg)}
}

// Start spawns one goroutine per node running that node's cache agent, plus
// a metrics-polling goroutine when metrics are enabled. Cancel ctx (or call
// Stop) to tear them down.
func (r *Runtime) Start(ctx context.Context) error { return r.rt.Start(ctx) }

// Stop cancels every spawned goroutine and waits for them to return.
func (r *Runtime) Stop() error { return r.rt.Stop() }

// NodeCount reports the fabric's configured node count.
func (r *Runtime) NodeCount() int { return r.rt.NodeCount() }

// ProtocolOff reports whether the configured Features bypass the coherence
// engine entirely — callers should route accesses around NewThreadState and
// ThreadHandle.Interposer entirely when this is set.
func (r *Runtime) ProtocolOff() bool { return r.rt.ProtocolOff() }

// ThreadHandle is one thread's (goroutine's) view onto the coherence
// runtime: its release/acquire state plus, for each region it touches, the
// call-surface entry points a compiled binary invokes on every access.
type ThreadHandle struct {
	node  int
	state *threadops.State
	rt    *internal.Runtime
}

// NewThreadState constructs a thread's coherence-local state on node and
// returns a handle for instrumenting its accesses to shared regions.
func (r *Runtime) NewThreadState(node int) *ThreadHandle {
	return &ThreadHandle{node: node, state: r.rt.NewThreadState(node), rt: r.rt}
}

// Clock returns a copy of the thread's current vector clock.
func (h *ThreadHandle) Clock() Clock { return h.state.Clock() }

// ThreadRelease drains the thread's write-set into its node's log stream,
// merges the fresh release index into the thread's own clock, and returns
// the clock afterward. A no-op release (no store since the last one)
// returns the clock unchanged without publishing anything.
func (h *ThreadHandle) ThreadRelease() Clock { return h.state.ThreadRelease() }

// ThreadAcquire merges the thread's clock with target, then blocks until
// this node's cached view of every peer target names dominates it —
// waiting for the node's cache agent (or, with Features.UserHelpConsume,
// draining the peer's log stream directly) to catch up.
func (h *ThreadHandle) ThreadAcquire(target Clock) { h.state.ThreadAcquire(&target) }

// Overflows reports how many times this thread's write-set table has
// overflowed and forced an intermediate drain, for metrics/diagnostics.
func (h *ThreadHandle) Overflows() uint64 { return h.state.Overflows() }

// Interposer returns the call-surface entry points (OnLoadN/OnStoreN/
// OnRangeLoad/OnRangeStore) for this thread's accesses to region.
func (h *ThreadHandle) Interposer(region Region) *interpose.Interposer {
	return h.rt.NewInterposer(h.node, region, h.state)
}
