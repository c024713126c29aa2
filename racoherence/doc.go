// Package racoherence implements a software-emulated coherence runtime for
// a fabric-attached, multi-node shared-memory region: a release/acquire
// protocol that tracks which cache lines a peer node may have left stale
// and invalidates them lazily, instead of broadcasting an invalidation on
// every store.
//
// # Quick Start
//
//	cfg := racoherence.NewConfig(
//		racoherence.WithNodeCount(2),
//		racoherence.WithLogSize(64),
//		racoherence.WithLogBufSize(1024),
//	)
//	rt := racoherence.NewRuntime(cfg)
//	if err := rt.Start(ctx); err != nil {
//		// ...
//	}
//	defer rt.Stop()
//
//	region := racoherence.Region{Base: regionBase, Size: regionSize}
//	thread := rt.NewThreadState(nodeID)
//	ip := thread.Interposer(region)
//
//	ip.OnStore8(addr)
//	clk := thread.ThreadRelease()
//
//	// On the acquiring node:
//	peer := rt.NewThreadState(peerNodeID)
//	peer.ThreadAcquire(clk)
//	peer.Interposer(region).OnLoad8(addr)
//
// # How It Works
//
// A thread's stores accumulate in a per-thread write-set table; a release
// drains that table into the thread's node's bounded log ring, tagging the
// final published log with a fresh release index. Every other node's cache
// agent drains that ring in the background, marking the corresponding
// cache-line groups dirty in a sparse per-node tracker. A load first
// invalidates any line the tracker still marks dirty, guaranteeing it
// observes whatever a prior release actually published — the lazy
// counterpart to eagerly broadcasting an invalidation on every store.
//
// # Feature Flags
//
// Features bundles the engine's compile-time parameters as runtime
// configuration: eager vs. lazy invalidation, eager vs. lazy flush, and
// passive vs. help-consuming acquire. Location-clock merge vs. overwrite
// semantics are chosen per primitive, by the LocationClockMerge argument
// of NewAtomic and NewMutex; Features.LocationClockMerge has no effect.
package racoherence
