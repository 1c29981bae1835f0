// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package resource

import (
	"testing"
	"time"

	"github.com/luxfi/ids"
	"github.com/luxfi/log"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/spatial/utils/timer/mockable"
)

func newTestManager(t *testing.T) (*Manager, *mockable.Clock) {
	t.Helper()
	clock := &mockable.Clock{}
	clock.Set(time.Unix(1_700_000_000, 0))
	return NewManager(clock, log.NewNoOpLogger()), clock
}

func TestAddPool(t *testing.T) {
	require := require.New(t)
	m, _ := newTestManager(t)

	require.NoError(m.AddPool(Pool{Type: "gpu", Capacity: 1}))
	require.ErrorIs(m.AddPool(Pool{Type: "gpu", Capacity: 2}), ErrDuplicateResource)
	require.ErrorIs(m.AddPool(Pool{Type: "", Capacity: 2}), ErrInvalidPool)
	require.ErrorIs(m.AddPool(Pool{Type: "cpu", Capacity: 0}), ErrInvalidPool)

	p, ok := m.Pool("gpu")
	require.True(ok)
	require.InDelta(1.0, p.Capacity, 1e-9)
	require.Len(m.Pools(), 1)
}

func TestExclusiveAllocation(t *testing.T) {
	require := require.New(t)
	m, clock := newTestManager(t)
	require.NoError(m.AddPool(Pool{Type: "gpu", Capacity: 1}))

	first := Request{ResourceType: "gpu", Amount: 1, AgentID: "a", Duration: time.Minute, Exclusive: true}
	second := Request{ResourceType: "gpu", Amount: 1, AgentID: "b", Duration: time.Minute, Exclusive: true}

	alloc, err := m.Allocate(first, ids.GenerateTestID())
	require.NoError(err)
	require.Equal("a", alloc.AllocatedTo)
	require.Equal(clock.Time(), alloc.StartTime)

	require.ErrorIs(m.CanAllocate(second), ErrExclusiveHeld)
	_, err = m.Allocate(second, ids.GenerateTestID())
	require.ErrorIs(err, ErrExclusiveHeld)

	fallbacks := m.Fallbacks(second)
	require.NotEmpty(fallbacks)
	require.Equal(FallbackWait, fallbacks[0].Kind)
	require.Equal(clock.Time().Add(time.Minute), fallbacks[0].AvailableAt)

	perPool, overall := m.Utilization()
	require.InDelta(1.0, perPool["gpu"], 1e-9)
	require.InDelta(1.0, overall, 1e-9)

	clock.Advance(time.Minute)
	expired := m.Expire(clock.Time())
	require.Len(expired, 1)
	require.Equal(alloc.ID, expired[0].ID)
	require.NoError(m.CanAllocate(second))
}

func TestCapacityAccounting(t *testing.T) {
	require := require.New(t)
	m, _ := newTestManager(t)
	require.NoError(m.AddPool(Pool{Type: "power", Capacity: 10, Divisible: true}))

	a, err := m.Allocate(Request{ResourceType: "power", Amount: 6, AgentID: "a"}, ids.Empty)
	require.NoError(err)
	_, err = m.Allocate(Request{ResourceType: "power", Amount: 5, AgentID: "b"}, ids.Empty)
	require.ErrorIs(err, ErrInsufficientCapacity)
	_, err = m.Allocate(Request{ResourceType: "power", Amount: 1, AgentID: "b", Exclusive: true}, ids.Empty)
	require.ErrorIs(err, ErrInsufficientCapacity)
	_, err = m.Allocate(Request{ResourceType: "power", Amount: 20, AgentID: "b"}, ids.Empty)
	require.ErrorIs(err, ErrInsufficientCapacity)
	_, err = m.Allocate(Request{ResourceType: "water", Amount: 1, AgentID: "b"}, ids.Empty)
	require.ErrorIs(err, ErrUnknownResource)
	_, err = m.Allocate(Request{ResourceType: "power", Amount: -1, AgentID: "b"}, ids.Empty)
	require.ErrorIs(err, ErrInvalidRequest)

	avail, err := m.Available("power")
	require.NoError(err)
	require.InDelta(4.0, avail, 1e-9)

	// Open-ended holders never lapse, so a reduced grant is offered.
	fallbacks := m.Fallbacks(Request{ResourceType: "power", Amount: 5, AgentID: "b"})
	require.Len(fallbacks, 1)
	require.Equal(FallbackReduced, fallbacks[0].Kind)
	require.InDelta(4.0, fallbacks[0].Amount, 1e-9)

	require.NoError(m.Release(a.ID))
	require.ErrorIs(m.Release(a.ID), ErrUnknownAllocation)
	avail, _ = m.Available("power")
	require.InDelta(10.0, avail, 1e-9)
}

func TestSplit(t *testing.T) {
	require := require.New(t)
	m, _ := newTestManager(t)
	require.NoError(m.AddPool(Pool{Type: "bandwidth", Capacity: 9, Divisible: true}))
	require.NoError(m.AddPool(Pool{Type: "gpu", Capacity: 1}))

	allocs, err := m.Split([]Share{
		{Request: Request{ResourceType: "bandwidth", Amount: 8, AgentID: "a"}},
		{Request: Request{ResourceType: "bandwidth", Amount: 4, AgentID: "b"}},
	})
	require.NoError(err)
	require.Len(allocs, 2)
	require.InDelta(6.0, allocs[0].Amount, 1e-9)
	require.InDelta(3.0, allocs[1].Amount, 1e-9)
	require.NotEqual(allocs[0].ID, allocs[1].ID)

	_, err = m.Split([]Share{{Request: Request{ResourceType: "gpu", Amount: 1, AgentID: "a"}}})
	require.ErrorIs(err, ErrInvalidRequest)
	_, err = m.Split([]Share{{Request: Request{ResourceType: "bandwidth", Amount: 1, AgentID: "a", Exclusive: true}}})
	require.ErrorIs(err, ErrInvalidRequest)
	_, err = m.Split([]Share{{Request: Request{ResourceType: "bandwidth", Amount: 1, AgentID: "c"}}})
	require.ErrorIs(err, ErrInsufficientCapacity)
}

func TestAlternativePoolFallback(t *testing.T) {
	require := require.New(t)
	m, _ := newTestManager(t)
	require.NoError(m.AddPool(Pool{Type: "dock-1", Capacity: 1, Class: "dock"}))
	require.NoError(m.AddPool(Pool{Type: "dock-2", Capacity: 1, Class: "dock"}))

	req := Request{ResourceType: "dock-1", Amount: 1, AgentID: "a"}
	_, err := m.Allocate(req, ids.Empty)
	require.NoError(err)

	req.AgentID = "b"
	fallbacks := m.Fallbacks(req)
	require.Len(fallbacks, 1)
	require.Equal(FallbackAlternative, fallbacks[0].Kind)
	require.Equal("dock-2", fallbacks[0].ResourceType)

	require.Equal(1, m.ReleaseAgent("a"))
	require.Empty(m.Allocations())
}

func TestSnapshotRestore(t *testing.T) {
	require := require.New(t)
	m, _ := newTestManager(t)
	require.NoError(m.AddPool(Pool{Type: "gpu", Capacity: 2}))

	snap := m.Snapshot()
	_, err := m.Allocate(Request{ResourceType: "gpu", Amount: 2, AgentID: "a"}, ids.Empty)
	require.NoError(err)
	require.Len(m.Allocations(), 1)

	m.Restore(snap)
	require.Empty(m.Allocations())
}
