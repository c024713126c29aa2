// Command racoherence-bench is a small harness that exercises the
// coherence runtime with a configurable number of worker goroutines per
// node, each issuing randomly addressed stores and releases against a
// simulated shared region. It is not part of the coherence engine itself —
// no production caller needs a random workload generator — but it is the
// tool a developer reaches for to sanity-check a deployment's throughput
// and ring-pressure behavior under load.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand/v2"
	"os"
	"os/signal"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kolkov/racoherence/racoherence"
)

func main() {
	nodeCount := flag.Int("nodes", 2, "number of fabric-attached nodes")
	workerPerNode := flag.Int("workers", 1, "worker goroutines per node")
	logSize := flag.Int("log-size", 64, "per-log entry capacity")
	logBufSize := flag.Int("log-buf-size", 1024, "per-node log ring capacity")
	regionSize := flag.Uint64("region-size", 1<<24, "shared region size in bytes")
	duration := flag.Duration("duration", 5*time.Second, "how long to run the workload")
	storesPerRelease := flag.Int("stores-per-release", 4, "stores a worker issues before releasing")
	helpConsume := flag.Bool("help-consume", false, "enable USER_HELP_CONSUME")
	eagerInvalidate := flag.Bool("eager-invalidate", false, "enable EAGER_INVALIDATE")
	protocolOff := flag.Bool("protocol-off", false, "bypass the coherence engine entirely")
	flag.Parse()

	logger, err := zap.NewDevelopment()
	if err != nil {
		fmt.Fprintf(os.Stderr, "racoherence-bench: logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() //nolint:errcheck

	cfg := racoherence.NewConfig(
		racoherence.WithNodeCount(*nodeCount),
		racoherence.WithWorkerPerNode(*workerPerNode),
		racoherence.WithLogSize(*logSize),
		racoherence.WithLogBufSize(*logBufSize),
		racoherence.WithLogger(logger),
		racoherence.WithFeatures(racoherence.Features{
			UserHelpConsume: *helpConsume,
			EagerInvalidate: *eagerInvalidate,
			ProtocolOff:     *protocolOff,
		}),
	)
	rt := racoherence.NewRuntime(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := rt.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "racoherence-bench: start failed: %v\n", err)
		os.Exit(1)
	}
	defer rt.Stop() //nolint:errcheck

	if rt.ProtocolOff() {
		logger.Warn("PROTOCOL_OFF set: workload will issue raw stores with no release/acquire ordering")
	}

	region := racoherence.Region{Base: 0, Size: *regionSize}
	deadline := time.Now().Add(*duration)

	var wg sync.WaitGroup
	var totalReleases, totalStores [256]uint64 // indexed by node, generous headroom matching vclock.MaxNodes

	for node := 0; node < *nodeCount; node++ {
		for w := 0; w < *workerPerNode; w++ {
			wg.Add(1)
			go func(node int) {
				defer wg.Done()
				runWorker(rt, region, node, deadline, *storesPerRelease, &totalStores[node], &totalReleases[node])
			}(node)
		}
	}
	wg.Wait()

	for node := 0; node < *nodeCount; node++ {
		logger.Info("worker summary",
			zap.Int("node", node),
			zap.Uint64("stores", totalStores[node]),
			zap.Uint64("releases", totalReleases[node]),
		)
	}
}

func runWorker(rt *racoherence.Runtime, region racoherence.Region, node int, deadline time.Time, storesPerRelease int, stores, releases *uint64) {
	thread := rt.NewThreadState(node)
	ip := thread.Interposer(region)

	for time.Now().Before(deadline) {
		for i := 0; i < storesPerRelease; i++ {
			addr := rand.Uint64N(region.Size) &^ 7 // 8-byte aligned within the region
			ip.OnStore8(addr)
			*stores++
		}
		thread.ThreadRelease()
		*releases++
	}
}
