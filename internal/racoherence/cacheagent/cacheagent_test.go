package cacheagent

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kolkov/racoherence/internal/racoherence/clgroup"
	"github.com/kolkov/racoherence/internal/racoherence/logbuf"
)

func TestRunOnceMarksDirtyAndAdvancesClockOnRelease(t *testing.T) {
	const nodeCount = 2
	pubMgr := logbuf.New(0, nodeCount, 4, 4)

	h, err := pubMgr.GetNewLog()
	require.NoError(t, err)

	addr := uint64(0x8000)
	idx := clgroup.IndexOf(addr)
	require.NoError(t, h.Write(clgroup.FromMask(idx, 0b1)))
	rc := pubMgr.ProduceTail(h, true)
	require.Equal(t, uint64(1), rc)

	info := NewCacheInfo(1, nodeCount)
	agent := New(1, nodeCount, info, map[int]*logbuf.LogManager{0: pubMgr}, DefaultOptions(), nil)

	n := agent.RunOnce()
	require.Equal(t, 1, n)

	require.True(t, info.Tracker.IsDirty(addr))
	require.Equal(t, uint64(1), info.Clock(0))
}

func TestRunOnceIsIdleWhenNoNewLogs(t *testing.T) {
	const nodeCount = 2
	pubMgr := logbuf.New(0, nodeCount, 4, 4)
	info := NewCacheInfo(1, nodeCount)
	agent := New(1, nodeCount, info, map[int]*logbuf.LogManager{0: pubMgr}, DefaultOptions(), nil)

	require.Zero(t, agent.RunOnce())
}

func TestClockNeverMovesBackward(t *testing.T) {
	info := NewCacheInfo(1, 2)
	info.advanceClock(0, 5)
	require.Equal(t, uint64(5), info.Clock(0))
	info.advanceClock(0, 3) // stale, must be ignored
	require.Equal(t, uint64(5), info.Clock(0))
	info.advanceClock(0, 9)
	require.Equal(t, uint64(9), info.Clock(0))
}

func TestEagerInvalidateBypassesTrackerMarking(t *testing.T) {
	const nodeCount = 2
	pubMgr := logbuf.New(0, nodeCount, 4, 4)

	h, err := pubMgr.GetNewLog()
	require.NoError(t, err)
	addr := uint64(0x9000)
	require.NoError(t, h.Write(clgroup.FromMask(clgroup.IndexOf(addr), 0b1)))
	pubMgr.ProduceTail(h, false)

	info := NewCacheInfo(1, nodeCount)
	var invalidated []uint64
	opts := DefaultOptions()
	opts.EagerInvalidate = true
	opts.InvalidateNow = func(a uint64) { invalidated = append(invalidated, a) }

	agent := New(1, nodeCount, info, map[int]*logbuf.LogManager{0: pubMgr}, opts, nil)
	agent.RunOnce()

	require.Equal(t, []uint64{addr}, invalidated)
	require.False(t, info.Tracker.IsDirty(addr))
}
