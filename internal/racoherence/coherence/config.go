// Package coherence is the wiring point for every other RACoherence
// component: per-node log managers, cache infos and cache agents, plus the
// Runtime type that constructs, starts and tears them down. Grounded on
// internal/race/detector.NewDetector / internal/race/detector.Detector's
// role as a single orchestration point for the packages
// underneath it.
package coherence

import (
	"go.uber.org/zap"

	"github.com/prometheus/client_golang/prometheus"
)

// Features mirrors the compile-time parameter set as runtime
// configuration, set once at Runtime construction and read-only thereafter
// (no hot-reload, matching "no dynamic reconfiguration of node count").
type Features struct {
	// EagerInvalidate, when true, has the cache agent issue a platform
	// invalidate for every cache line immediately instead of recording it
	// in the sparse dirty tracker (the EAGER_INVALIDATE).
	EagerInvalidate bool

	// EagerFlush, when true, has a thread flush each written cache line to
	// the fabric-backed region as it lands in a log, instead of relying on
	// log publication alone (the EAGER_FLUSH).
	EagerFlush bool

	// UserHelpConsume, when true, makes an acquiring thread drain a
	// lagging peer's log stream itself instead of passively spinning for
	// the node's cache agent (the USER_HELP_CONSUME).
	UserHelpConsume bool

	// LocationClockMerge records the location-clock policy: true means
	// join a releasing thread's clock into the location's existing clock
	// (the default, "merge"); false means overwrite it outright ("replace").
	// Runtime does not read this field and does not pass it on: each
	// syncprim primitive takes its policy as a constructor argument
	// (NewAtomic, NewMutex), and NewBarrier always merges.
	LocationClockMerge bool

	// ProtocolOff bypasses the coherence engine entirely: callers are
	// expected to issue raw flush/invalidate at each operation instead of
	// going through Runtime/interpose (the PROTOCOL_OFF). Runtime
	// itself still constructs normally; ProtocolOff is surfaced via
	// Runtime.ProtocolOff() for callers (e.g. cmd/racoherence-bench) to
	// branch on.
	ProtocolOff bool

	// DelayPublish matches the DELAY_PUBLISH: a thread's write-set
	// table is drained only on overflow or release, never eagerly after
	// each store. This is the only publish discipline threadops
	// implements (see DESIGN.md); the flag is accepted for API
	// completeness against the parameter list but has no additional
	// effect beyond the always-delayed behavior already in place.
	DelayPublish bool

	// LocalCLTableBuffer, when true, enables each constructed thread's
	// range-store buffer mode (the LOCAL_CL_TABLE_BUFFER).
	LocalCLTableBuffer bool

	// WBInvdPath, when true, short-circuits length-based log entries whose
	// run is at or above WBInvdThreshold cl-groups into a single
	// whole-cache invalidate (the WBINVD_PATH).
	WBInvdPath      bool
	WBInvdThreshold uint32
}

// Config bundles every knob that influences a Runtime's behavior. All
// fields are immutable once constructed via NewConfig — callers only
// influence behavior through Option, the same functional-options shape as
// Voskan-arena-cache/pkg/config.go's Option[K,V].
type Config struct {
	nodeCount     int
	workerPerNode int
	logSize       int
	logBufSize    int

	rangeBufferCapacity int

	features Features

	logger   *zap.Logger
	registry *prometheus.Registry

	invalidateHook          func(addr uint64)
	flushHook               func(addr uint64)
	wholeCacheInvalidateHook func()
}

// Option configures a Config; see NewConfig.
type Option func(*Config)

// WithNodeCount sets NODE_COUNT, the number of fabric-attached nodes.
func WithNodeCount(n int) Option { return func(c *Config) { c.nodeCount = n } }

// WithWorkerPerNode sets WORKER_PER_NODE, informational sizing a harness
// (cmd/racoherence-bench) uses to decide how many worker goroutines to
// spawn per node; Runtime itself spawns only cache agents.
func WithWorkerPerNode(n int) Option { return func(c *Config) { c.workerPerNode = n } }

// WithLogSize sets LOG_SIZE, the per-log entry capacity.
func WithLogSize(n int) Option { return func(c *Config) { c.logSize = n } }

// WithLogBufSize sets LOG_BUF_SIZE, the per-node log ring capacity.
func WithLogBufSize(n int) Option { return func(c *Config) { c.logBufSize = n } }

// WithRangeBufferCapacity sets the capacity of each thread's range-store
// buffer when Features.LocalCLTableBuffer is enabled.
func WithRangeBufferCapacity(n int) Option {
	return func(c *Config) { c.rangeBufferCapacity = n }
}

// WithFeatures sets the full feature-flag set in one call.
func WithFeatures(f Features) Option { return func(c *Config) { c.features = f } }

// WithLogger installs a *zap.Logger; defaults to zap.NewNop() so the hot
// path never pays for disabled logging.
func WithLogger(l *zap.Logger) Option { return func(c *Config) { c.logger = l } }

// WithMetricsRegistry activates Prometheus metrics export, registering
// RACoherence's collectors against reg. Metrics stay a no-op sink if this
// option is never applied.
func WithMetricsRegistry(reg *prometheus.Registry) Option {
	return func(c *Config) { c.registry = reg }
}

// WithInvalidateHook installs the callback a cache agent invokes for each
// cache line it invalidates when Features.EagerInvalidate is set — the
// platform-specific CLFLUSH/DC-CIVAC shim's hook point.
func WithInvalidateHook(fn func(addr uint64)) Option {
	return func(c *Config) { c.invalidateHook = fn }
}

// WithFlushHook installs the callback a releasing thread invokes for each
// cache line it writes to a log when Features.EagerFlush is set.
func WithFlushHook(fn func(addr uint64)) Option {
	return func(c *Config) { c.flushHook = fn }
}

// WithWholeCacheInvalidateHook installs the callback a cache agent invokes
// in place of per-group invalidation when Features.WBInvdPath is set and a
// length-based entry meets WBInvdThreshold.
func WithWholeCacheInvalidateHook(fn func()) Option {
	return func(c *Config) { c.wholeCacheInvalidateHook = fn }
}

// defaultConfig matches the suggested defaults: a two-node fabric,
// one worker per node, LOG_SIZE=64, LOG_BUF_SIZE=1024, lazy invalidation,
// lazy flush, passive acquire, clock-merge-on-release.
func defaultConfig() Config {
	return Config{
		nodeCount:           2,
		workerPerNode:       1,
		logSize:             64,
		logBufSize:          1024,
		rangeBufferCapacity: 16,
		features:            Features{LocationClockMerge: true},
	}
}

// NewConfig builds a Config from defaultConfig plus the given options.
func NewConfig(opts ...Option) Config {
	c := defaultConfig()
	for _, opt := range opts {
		opt(&c)
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	return c
}
