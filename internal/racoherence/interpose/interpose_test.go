package interpose

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kolkov/racoherence/internal/racoherence/cacheagent"
	"github.com/kolkov/racoherence/internal/racoherence/dirtytrack"
	"github.com/kolkov/racoherence/internal/racoherence/logbuf"
	"github.com/kolkov/racoherence/internal/racoherence/threadops"
)

func newInterposer(t *testing.T, region Region) (*Interposer, *logbuf.LogManager) {
	t.Helper()
	mgr := logbuf.New(0, 2, 8, 8)
	info := cacheagent.NewCacheInfo(0, 2)
	thread := threadops.New(0, 2, mgr, info, nil, nil, threadops.Options{})
	return New(region, dirtytrack.New(), thread), mgr
}

func TestOnStoreOutsideRegionIsANoOp(t *testing.T) {
	ip, mgr := newInterposer(t, Region{Base: 0x10000, Size: 0x1000})
	ip.OnStore8(0x2000) // well outside the region

	ip.thread.ThreadRelease()
	_, err := mgr.TakeHead(1)
	require.ErrorIs(t, err, logbuf.ErrNoLog)
}

func TestOnStoreInsideRegionRecordsAndPublishesOnRelease(t *testing.T) {
	ip, mgr := newInterposer(t, Region{Base: 0x10000, Size: 0x1000})
	ip.OnStore8(0x10040)

	clk := ip.thread.ThreadRelease()
	require.Equal(t, uint64(1), clk.Get(0))

	log, err := mgr.TakeHead(1)
	require.NoError(t, err)
	require.True(t, log.IsRelease())
}

func TestOnLoadInvalidatesDirtyLine(t *testing.T) {
	tracker := dirtytrack.New()
	mgr := logbuf.New(0, 2, 8, 8)
	info := cacheagent.NewCacheInfo(0, 2)
	thread := threadops.New(0, 2, mgr, info, nil, nil, threadops.Options{})
	region := Region{Base: 0x20000, Size: 0x1000}
	ip := New(region, tracker, thread)

	tracker.MarkDirty(0x20080)
	ip.OnLoad8(0x20080)
	require.False(t, tracker.IsDirty(0x20080))
}

func TestOnLoadOutsideRegionDoesNotInvalidate(t *testing.T) {
	tracker := dirtytrack.New()
	mgr := logbuf.New(0, 2, 8, 8)
	info := cacheagent.NewCacheInfo(0, 2)
	thread := threadops.New(0, 2, mgr, info, nil, nil, threadops.Options{})
	region := Region{Base: 0x20000, Size: 0x1000}
	ip := New(region, tracker, thread)

	tracker.MarkDirty(0x1000) // outside the region
	ip.OnLoad8(0x1000)
	require.True(t, tracker.IsDirty(0x1000))
}

func TestOnRangeStoreClipsToRegionBoundary(t *testing.T) {
	ip, mgr := newInterposer(t, Region{Base: 0x1000, Size: 0x100})
	// Range straddles the region: only [0x1000, 0x1100) should be logged.
	ip.OnRangeStore(0xF00, 0x1100)

	clk := ip.thread.ThreadRelease()
	require.Equal(t, uint64(1), clk.Get(0))

	log, err := mgr.TakeHead(1)
	require.NoError(t, err)
	require.NotEmpty(t, log.Entries())
}

func TestOnRangeStoreInvalidatesDirtyLinesBeforeLogging(t *testing.T) {
	tracker := dirtytrack.New()
	mgr := logbuf.New(0, 2, 8, 8)
	info := cacheagent.NewCacheInfo(0, 2)
	thread := threadops.New(0, 2, mgr, info, nil, nil, threadops.Options{})
	region := Region{Base: 0x1000, Size: 0x100}
	ip := New(region, tracker, thread)

	tracker.MarkDirty(0x1000)
	tracker.MarkDirty(0x1040)
	ip.OnRangeStore(0x1000, 0x1080)
	require.False(t, tracker.IsDirty(0x1000))
	require.False(t, tracker.IsDirty(0x1040))
}

func TestOnRangeLoadClipsToRegionBoundary(t *testing.T) {
	tracker := dirtytrack.New()
	region := Region{Base: 0x1000, Size: 0x100}
	mgr := logbuf.New(0, 2, 8, 8)
	info := cacheagent.NewCacheInfo(0, 2)
	thread := threadops.New(0, 2, mgr, info, nil, nil, threadops.Options{})
	ip := New(region, tracker, thread)

	tracker.MarkDirty(0x1000)
	ip.OnRangeLoad(0xF00, 0x1100)
	require.False(t, tracker.IsDirty(0x1000))
}

func TestRegionContainsAndOverlaps(t *testing.T) {
	r := Region{Base: 0x1000, Size: 0x100}
	require.True(t, r.Contains(0x1000))
	require.False(t, r.Contains(0x1100))
	require.True(t, r.Overlaps(0xF00, 0x1001))
	require.False(t, r.Overlaps(0x1100, 0x1200))
}
