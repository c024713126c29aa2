package threadops

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kolkov/racoherence/internal/racoherence/cacheagent"
	"github.com/kolkov/racoherence/internal/racoherence/clgroup"
	"github.com/kolkov/racoherence/internal/racoherence/logbuf"
	"github.com/kolkov/racoherence/internal/racoherence/vclock"
)

func newPair(t *testing.T) (mgr0, mgr1 *logbuf.LogManager, info0, info1 *cacheagent.CacheInfo) {
	t.Helper()
	mgr0 = logbuf.New(0, 2, 8, 8)
	mgr1 = logbuf.New(1, 2, 8, 8)
	info0 = cacheagent.NewCacheInfo(0, 2)
	info1 = cacheagent.NewCacheInfo(1, 2)
	return
}

func TestReleaseIsNoOpWithoutAnyStore(t *testing.T) {
	mgr0, _, info0, _ := newPair(t)
	s := New(0, 2, mgr0, info0, nil, nil, Options{})

	before := s.Clock()
	after := s.ThreadRelease()
	require.Equal(t, before.Get(0), after.Get(0))

	_, err := mgr0.TakeHead(1)
	require.ErrorIs(t, err, logbuf.ErrNoLog)
}

func TestReleasePublishesStoresAndAdvancesOwnClock(t *testing.T) {
	mgr0, _, info0, _ := newPair(t)
	s := New(0, 2, mgr0, info0, nil, nil, Options{})

	require.NoError(t, s.LogStore(0x1000))
	require.NoError(t, s.LogStore(0x1040))

	clk := s.ThreadRelease()
	require.Equal(t, uint64(1), clk.Get(0))

	log, err := mgr0.TakeHead(1)
	require.NoError(t, err)
	require.True(t, log.IsRelease())
	require.Equal(t, uint64(1), log.RelClk())
	require.Len(t, log.Entries(), 1) // both addresses share a cl-group
}

func TestRecencyFilterSkipsRepeatedSameLineStore(t *testing.T) {
	mgr0, _, info0, _ := newPair(t)
	s := New(0, 2, mgr0, info0, nil, nil, Options{})

	require.NoError(t, s.LogStore(0x2000))
	countAfterFirst := s.table.Len()
	require.NoError(t, s.LogStore(0x2000))
	require.Equal(t, countAfterFirst, s.table.Len())
}

func TestLogRangeStoreCoalescesAcrossLines(t *testing.T) {
	mgr0, _, info0, _ := newPair(t)
	s := New(0, 2, mgr0, info0, nil, nil, Options{})

	require.NoError(t, s.LogRangeStore(0x4000, 0x4000+4*clgroup.CacheLineSize))
	clk := s.ThreadRelease()
	require.Equal(t, uint64(1), clk.Get(0))

	log, err := mgr0.TakeHead(1)
	require.NoError(t, err)
	require.Len(t, log.Entries(), 1)
	require.Equal(t, uint16(0b1111), log.Entries()[0].Mask())
}

func TestLogRangeStoreWithBufferModeDumpsOnRelease(t *testing.T) {
	mgr0, _, info0, _ := newPair(t)
	s := New(0, 2, mgr0, info0, nil, nil, Options{})
	s.EnableBuffer(4)

	require.NoError(t, s.LogRangeStore(0x5000, 0x5000+2*clgroup.CacheLineSize))
	require.Equal(t, 1, s.buf.Len())
	require.Zero(t, s.table.Len()) // not yet coalesced

	clk := s.ThreadRelease()
	require.Equal(t, uint64(1), clk.Get(0))
	require.Zero(t, s.buf.Len())
}

func TestAcquireMergesTargetClockImmediately(t *testing.T) {
	mgr0, _, info0, _ := newPair(t)
	s := New(0, 2, mgr0, info0, nil, nil, Options{})

	target := vclock.New(2)
	target.Set(1, 7)

	// Satisfy the wait by advancing info0's cached clock for peer 1 through
	// a real published+consumed release, rather than reaching into
	// unexported state. The ring must hold all 7 unconsumed logs.
	mgr1 := logbuf.New(1, 2, 8, 4)
	h, err := mgr1.GetNewLog()
	require.NoError(t, err)
	require.NoError(t, h.Write(clgroup.FromMask(clgroup.IndexOf(0x9000), 0b1)))
	for i := uint64(0); i < 7; i++ {
		mgr1.ProduceTail(h, true)
		if i < 6 {
			h, err = mgr1.GetNewLog()
			require.NoError(t, err)
		}
	}

	agent := cacheagent.New(0, 2, info0, map[int]*logbuf.LogManager{1: mgr1}, cacheagent.DefaultOptions(), nil)
	agent.RunOnce()
	require.Equal(t, uint64(7), info0.Clock(1))

	s.ThreadAcquire(&target)
	require.Equal(t, uint64(7), s.Clock().Get(1))
}

func TestHelpConsumeDrainsLaggingPeerUnderHeadMutex(t *testing.T) {
	mgr1 := logbuf.New(1, 2, 4, 4)
	info0 := cacheagent.NewCacheInfo(0, 2)

	h, err := mgr1.GetNewLog()
	require.NoError(t, err)
	require.NoError(t, h.Write(clgroup.FromMask(clgroup.IndexOf(0xA000), 0b1)))
	mgr1.ProduceTail(h, true)

	agent := cacheagent.New(0, 2, info0, map[int]*logbuf.LogManager{1: mgr1}, cacheagent.DefaultOptions(), nil)

	mgr0 := logbuf.New(0, 2, 4, 4)
	s := New(0, 2, mgr0, info0, map[int]*logbuf.LogManager{1: mgr1}, agent, Options{HelpConsume: true})

	target := vclock.New(2)
	target.Set(1, 1)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.ThreadAcquire(&target)
	}()
	wg.Wait()

	require.Equal(t, uint64(1), info0.Clock(1))
	require.True(t, info0.Tracker.IsDirty(0xA000))
}

func TestDrainOnOverflowPublishesNonReleaseIntermediateLogs(t *testing.T) {
	mgr0 := logbuf.New(0, 2, 8, 1) // one entry per log forces many intermediate publishes
	info1 := cacheagent.NewCacheInfo(1, 2)
	s := New(0, 2, mgr0, info1, nil, nil, Options{})

	require.NoError(t, s.LogStore(0x1000))
	require.NoError(t, s.LogStore(0x2000))
	require.NoError(t, s.LogStore(0x3000))

	clk := s.ThreadRelease()
	require.Equal(t, uint64(3), clk.Get(0))

	var releaseCount int
	for {
		log, err := mgr0.TakeHead(1)
		if err != nil {
			break
		}
		if log.IsRelease() {
			releaseCount++
		}
		mgr0.ConsumeHead(1)
	}
	require.Equal(t, 1, releaseCount)
}
