package coherence

// metrics.go mirrors Voskan-arena-cache/pkg/metrics.go's shape: a
// metricsSink interface abstracting Prometheus away, a no-op default, and a
// Prometheus implementation that only pays for itself when
// WithMetricsRegistry is used. Every exported number here is already
// exposed on the underlying LogManager/CacheInfo/threadops.State as a plain
// getter ("for tests/metrics", per their doc comments); this package's only
// job is periodic polling and label attachment.

import (
	"strconv"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// metricsSink receives one node's counters/gauges each poll.
type metricsSink interface {
	observe(node int, ringFullRetries, overflows, logsPublished, logsConsumed, gcPasses uint64)
	setReleaseClock(node int, v uint64)
	setPeerClock(node, peer int, v uint64)
}

type noopMetrics struct{}

func (noopMetrics) observe(int, uint64, uint64, uint64, uint64, uint64) {}
func (noopMetrics) setReleaseClock(int, uint64)                         {}
func (noopMetrics) setPeerClock(int, int, uint64)                       {}

type promMetrics struct {
	ringFull      *prometheus.CounterVec
	overflow      *prometheus.CounterVec
	logsPublished *prometheus.CounterVec
	logsConsumed  *prometheus.CounterVec
	gcPasses      *prometheus.CounterVec
	releaseClock  *prometheus.GaugeVec
	peerClock     *prometheus.GaugeVec

	// mirrors track the last-seen absolute value per node so observe can
	// emit the delta into each monotonic Counter, the same atomic-mirror
	// trick Voskan-arena-cache/pkg/metrics.go uses for arena_bytes.
	ringFullMirror      []atomic.Uint64
	overflowMirror      []atomic.Uint64
	logsPublishedMirror []atomic.Uint64
	logsConsumedMirror  []atomic.Uint64
	gcPassesMirror      []atomic.Uint64
}

func newPromMetrics(nodeCount int, reg *prometheus.Registry) *promMetrics {
	nodeLabel := []string{"node"}
	pm := &promMetrics{
		ringFull: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "racoherence", Name: "ring_full_total",
			Help: "Number of times a node's log ring had no reclaimable slot even after a GC attempt.",
		}, nodeLabel),
		overflow: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "racoherence", Name: "overflow_total",
			Help: "Number of times a thread's write-set table overflowed and forced an intermediate drain.",
		}, nodeLabel),
		logsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "racoherence", Name: "logs_published_total",
			Help: "Number of logs published by a node.",
		}, nodeLabel),
		logsConsumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "racoherence", Name: "logs_consumed_total",
			Help: "Number of logs a node's cache agent has processed.",
		}, nodeLabel),
		gcPasses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "racoherence", Name: "gc_passes_total",
			Help: "Number of GC passes run to reclaim a node's log ring.",
		}, nodeLabel),
		releaseClock: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "racoherence", Name: "release_clock",
			Help: "A node's current release-clock value.",
		}, nodeLabel),
		peerClock: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "racoherence", Name: "peer_clock",
			Help: "A node's cached view of a peer's release clock.",
		}, []string{"node", "peer"}),
		ringFullMirror:      make([]atomic.Uint64, nodeCount),
		overflowMirror:      make([]atomic.Uint64, nodeCount),
		logsPublishedMirror: make([]atomic.Uint64, nodeCount),
		logsConsumedMirror:  make([]atomic.Uint64, nodeCount),
		gcPassesMirror:      make([]atomic.Uint64, nodeCount),
	}
	reg.MustRegister(pm.ringFull, pm.overflow, pm.logsPublished, pm.logsConsumed, pm.gcPasses, pm.releaseClock, pm.peerClock)
	return pm
}

func addDelta(mirror *atomic.Uint64, counter prometheus.Counter, current uint64) {
	prev := mirror.Load()
	if current <= prev {
		return
	}
	counter.Add(float64(current - prev))
	mirror.Store(current)
}

func (pm *promMetrics) observe(node int, ringFullRetries, overflows, logsPublished, logsConsumed, gcPasses uint64) {
	label := strconv.Itoa(node)
	addDelta(&pm.ringFullMirror[node], pm.ringFull.WithLabelValues(label), ringFullRetries)
	addDelta(&pm.overflowMirror[node], pm.overflow.WithLabelValues(label), overflows)
	addDelta(&pm.logsPublishedMirror[node], pm.logsPublished.WithLabelValues(label), logsPublished)
	addDelta(&pm.logsConsumedMirror[node], pm.logsConsumed.WithLabelValues(label), logsConsumed)
	addDelta(&pm.gcPassesMirror[node], pm.gcPasses.WithLabelValues(label), gcPasses)
}

func (pm *promMetrics) setReleaseClock(node int, v uint64) {
	pm.releaseClock.WithLabelValues(strconv.Itoa(node)).Set(float64(v))
}

func (pm *promMetrics) setPeerClock(node, peer int, v uint64) {
	pm.peerClock.WithLabelValues(strconv.Itoa(node), strconv.Itoa(peer)).Set(float64(v))
}
