package racoherence_test

import (
	"context"
	"fmt"

	"github.com/kolkov/racoherence/racoherence"
)

// Example demonstrates a single release/acquire round trip between two
// nodes: node 0 stores into the shared region and releases, node 1
// acquires node 0's clock and observes the dirty line before loading it.
func Example() {
	cfg := racoherence.NewConfig(
		racoherence.WithNodeCount(2),
		racoherence.WithLogSize(4),
		racoherence.WithLogBufSize(4),
	)
	rt := racoherence.NewRuntime(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := rt.Start(ctx); err != nil {
		panic(err)
	}
	defer rt.Stop() //nolint:errcheck

	region := racoherence.Region{Base: 0, Size: 1 << 20}

	producer := rt.NewThreadState(0)
	producer.Interposer(region).OnStore8(0x40)
	clk := producer.ThreadRelease()

	consumer := rt.NewThreadState(1)
	consumer.ThreadAcquire(clk)
	consumer.Interposer(region).OnLoad8(0x40)

	fmt.Println("acquire satisfied, line invalidated")
	// Output:
	// acquire satisfied, line invalidated
}
