// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package planner

import (
	"math"
	"testing"
	"time"

	"github.com/luxfi/log"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/luxfi/spatial/collision"
	"github.com/luxfi/spatial/config"
	"github.com/luxfi/spatial/geom"
	"github.com/luxfi/spatial/index"
	"github.com/luxfi/spatial/utils/timer/mockable"
)

var unit = r3.Vec{X: 1, Y: 1, Z: 1}

func newTestPlanner(t *testing.T, mutate ...func(*config.Config)) (*Planner, *index.Index) {
	t.Helper()
	cfg := config.DefaultConfig()
	for _, m := range mutate {
		m(&cfg)
	}
	clock := &mockable.Clock{}
	clock.Set(time.Unix(1_700_000_000, 0))
	idx, err := index.New(cfg, clock, log.NewNoOpLogger())
	require.NoError(t, err)
	det := collision.New(idx, cfg, clock, log.NewNoOpLogger())
	p, err := New(idx, det, cfg, log.NewNoOpLogger())
	require.NoError(t, err)
	return p, idx
}

func pt(x, y, z float64) r3.Vec {
	return r3.Vec{X: x, Y: y, Z: z}
}

func chebyshev(a, b index.Cell) int {
	return max(abs(a.X-b.X), abs(a.Y-b.Y), abs(a.Z-b.Z))
}

func TestPlanEmptyGrid(t *testing.T) {
	tests := []struct {
		name        string
		start, goal r3.Vec
		distance    float64
	}{
		{
			name:     "straight",
			start:    pt(10.5, 10.5, 5.5),
			goal:     pt(14.5, 10.5, 5.5),
			distance: 4,
		},
		{
			name:     "planar diagonal",
			start:    pt(10.5, 10.5, 5.5),
			goal:     pt(15.5, 12.5, 5.5),
			distance: 3 + 2*math.Sqrt2,
		},
		{
			name:     "spatial diagonal",
			start:    pt(10.5, 10.5, 5.5),
			goal:     pt(13.5, 13.5, 8.5),
			distance: 3 * math.Sqrt(3),
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			require := require.New(t)
			p, _ := newTestPlanner(t)

			path, err := p.Plan(Request{EntityID: "a", Start: test.start, Goal: test.goal})
			require.NoError(err)

			want := chebyshev(index.CellOf(test.start, 1), index.CellOf(test.goal, 1)) + 1
			require.Len(path.Waypoints, want)
			require.Equal(test.start, path.Waypoints[0])
			require.Equal(test.goal, path.Waypoints[len(path.Waypoints)-1])
			require.InDelta(test.distance, path.Distance, 1e-9)
			require.Positive(path.EstimatedTime)
			require.InDelta(test.distance, path.EstimatedTime.Seconds(), 1e-6)
			require.Positive(path.EnergyCost)
			require.Zero(path.RiskLevel)
		})
	}
}

func TestPlanSameCell(t *testing.T) {
	require := require.New(t)
	p, _ := newTestPlanner(t)

	path, err := p.Plan(Request{Start: pt(10.2, 10.2, 5.2), Goal: pt(10.8, 10.2, 5.2)})
	require.NoError(err)
	require.Len(path.Waypoints, 2)
	require.InDelta(0.6, path.Distance, 1e-9)
}

func TestPlanAroundWall(t *testing.T) {
	require := require.New(t)
	p, idx := newTestPlanner(t)

	wall := index.NewEntity("wall", index.KindObstacle, pt(20, 7.5, 10), r3.Vec{X: 1, Y: 15, Z: 20})
	require.NoError(idx.Register(wall))

	path, err := p.Plan(Request{EntityID: "a", Start: pt(15.5, 10.5, 5.5), Goal: pt(25.5, 10.5, 5.5)})
	require.NoError(err)
	require.Greater(path.Distance, 12.0)
	for _, w := range path.Waypoints {
		require.False(geom.Intersects(geom.BoxAround(w, unit), wall.Bounds), "waypoint %v inside wall", w)
	}
}

func TestPlanNotFound(t *testing.T) {
	t.Run("blocked goal", func(t *testing.T) {
		require := require.New(t)
		p, idx := newTestPlanner(t)

		require.NoError(idx.Register(index.NewEntity("rock", index.KindObstacle, pt(30, 30, 5), unit)))
		_, err := p.Plan(Request{Start: pt(10.5, 10.5, 5.5), Goal: pt(30, 30, 5)})
		require.ErrorIs(err, ErrPathNotFound)
	})
	t.Run("budget exhausted", func(t *testing.T) {
		require := require.New(t)
		p, _ := newTestPlanner(t, func(c *config.Config) { c.MaxPathExpansions = 5 })

		_, err := p.Plan(Request{Start: pt(10.5, 10.5, 5.5), Goal: pt(60.5, 10.5, 5.5)})
		require.ErrorIs(err, ErrPathNotFound)
	})
	t.Run("invalid request", func(t *testing.T) {
		require := require.New(t)
		p, _ := newTestPlanner(t)

		_, err := p.Plan(Request{Start: pt(10.5, 10.5, 5.5), Goal: pt(500, 10.5, 5.5)})
		require.ErrorIs(err, ErrInvalidRequest)
		_, err = p.Plan(Request{
			Start:       pt(10.5, 10.5, 5.5),
			Goal:        pt(12.5, 10.5, 5.5),
			Constraints: []Constraint{{Type: "teleport"}},
		})
		require.ErrorIs(err, ErrInvalidRequest)
	})
}

func TestUrgentRetryDropsSoftConstraints(t *testing.T) {
	require := require.New(t)
	p, idx := newTestPlanner(t)

	require.NoError(idx.CreateZone(index.Zone{
		ID:     "busy",
		Kind:   index.ZoneWork,
		Bounds: geom.NewBox(pt(28, 8, 0), pt(34, 14, 20)),
	}))
	req := Request{
		Start:       pt(10.5, 10.5, 5.5),
		Goal:        pt(30.5, 10.5, 5.5),
		Constraints: []Constraint{{Type: AvoidZone, Target: "busy", Soft: true}},
	}
	_, err := p.Plan(req)
	require.ErrorIs(err, ErrPathNotFound)

	req.Priority = PriorityUrgent
	path, err := p.Plan(req)
	require.NoError(err)
	require.True(path.Relaxed)

	// Hard constraints survive the retry.
	req.Constraints[0].Soft = false
	_, err = p.Plan(req)
	require.ErrorIs(err, ErrPathNotFound)
}

func TestSpeedLimits(t *testing.T) {
	require := require.New(t)
	p, idx := newTestPlanner(t)

	req := Request{Start: pt(10.5, 10.5, 5.5), Goal: pt(20.5, 10.5, 5.5), MaxSpeed: 2}
	fast, err := p.Plan(req)
	require.NoError(err)
	require.InDelta(5.0, fast.EstimatedTime.Seconds(), 1e-6)

	req.Constraints = []Constraint{{Type: SpeedLimit, Value: 0.5}}
	slow, err := p.Plan(req)
	require.NoError(err)
	require.InDelta(20.0, slow.EstimatedTime.Seconds(), 1e-6)

	require.NoError(idx.CreateZone(index.Zone{
		ID:           "yard",
		Kind:         index.ZonePublic,
		Bounds:       geom.NewBox(pt(0, 0, 0), pt(100, 100, 20)),
		SpatialRules: index.SpatialRules{SpeedLimit: 1},
	}))
	req.Constraints = nil
	zoned, err := p.Plan(req)
	require.NoError(err)
	require.InDelta(10.0, zoned.EstimatedTime.Seconds(), 1e-6)
}

func TestTraversalCostDetour(t *testing.T) {
	require := require.New(t)
	p, idx := newTestPlanner(t)

	require.NoError(idx.CreateZone(index.Zone{
		ID:           "mud",
		Kind:         index.ZoneHazard,
		Bounds:       geom.NewBox(pt(14, 9, 4), pt(17, 12, 7)),
		SpatialRules: index.SpatialRules{TraversalCost: 50},
	}))
	path, err := p.Plan(Request{Start: pt(10.5, 10.5, 5.5), Goal: pt(20.5, 10.5, 5.5)})
	require.NoError(err)
	for _, w := range path.Waypoints {
		z, _ := idx.Zone("mud")
		require.False(z.Bounds.Contains(w), "waypoint %v in costly zone", w)
	}
	require.Greater(path.Distance, 10.0)
}

func TestTimeWindow(t *testing.T) {
	require := require.New(t)
	p, _ := newTestPlanner(t)

	req := Request{
		Start:       pt(10.5, 10.5, 5.5),
		Goal:        pt(14.5, 10.5, 5.5),
		Constraints: []Constraint{{Type: TimeWindow, Earliest: 10 * time.Second}},
	}
	path, err := p.Plan(req)
	require.NoError(err)
	require.Equal(10*time.Second, path.EstimatedTime)
	require.InDelta(6.0, path.Hold.Seconds(), 1e-6)

	req.Constraints = []Constraint{{Type: TimeWindow, Latest: time.Second}}
	_, err = p.Plan(req)
	require.ErrorIs(err, ErrPathNotFound)
}

func TestWaypointConstraint(t *testing.T) {
	require := require.New(t)
	p, _ := newTestPlanner(t)

	via := pt(12.5, 15.5, 5.5)
	path, err := p.Plan(Request{
		Start:       pt(10.5, 10.5, 5.5),
		Goal:        pt(14.5, 10.5, 5.5),
		Constraints: []Constraint{{Type: Waypoint, Point: via}},
	})
	require.NoError(err)
	require.Contains(path.Waypoints, via)
	require.Greater(path.Distance, 4.0)
}

func TestAlternatives(t *testing.T) {
	require := require.New(t)
	p, _ := newTestPlanner(t)

	path, err := p.Plan(Request{Start: pt(10.5, 10.5, 5.5), Goal: pt(20.5, 10.5, 5.5), Alternatives: 2})
	require.NoError(err)
	require.NotEmpty(path.AlternativePaths)
	for _, alt := range path.AlternativePaths {
		require.NotEqual(path.Waypoints, alt.Waypoints)
		require.GreaterOrEqual(alt.Distance, path.Distance)
	}
}

func TestPlanCache(t *testing.T) {
	require := require.New(t)
	p, idx := newTestPlanner(t)

	req := Request{Start: pt(10.5, 10.5, 5.5), Goal: pt(14.5, 10.5, 5.5)}
	first, err := p.Plan(req)
	require.NoError(err)
	second, err := p.Plan(req)
	require.NoError(err)
	require.Equal(first, second)

	hits, misses := p.CacheStats()
	require.Equal(uint64(1), hits)
	require.Equal(uint64(1), misses)

	// Cached copies are independent of the caller's.
	second.Waypoints[0] = r3.Vec{}
	third, err := p.Plan(req)
	require.NoError(err)
	require.Equal(first.Waypoints[0], third.Waypoints[0])

	require.NoError(idx.Register(index.NewEntity("rock", index.KindObstacle, pt(50, 50, 5), unit)))
	_, err = p.Plan(req)
	require.NoError(err)
	_, misses = p.CacheStats()
	require.Equal(uint64(2), misses)
}

func TestFindNearbyFreeLocation(t *testing.T) {
	require := require.New(t)
	p, idx := newTestPlanner(t)

	target := pt(50, 50, 5)
	got, err := p.FindNearbyFreeLocation(target, unit, 5, nil, nil)
	require.NoError(err)
	require.Equal(target, got)

	occupant := index.NewEntity("occupant", index.KindAgent, target, unit)
	require.NoError(idx.Register(occupant))

	got, err = p.FindNearbyFreeLocation(target, unit, 5, nil, nil)
	require.NoError(err)
	require.False(geom.Intersects(geom.BoxAround(got, unit), occupant.Bounds))
	require.Less(geom.Distance(got, target), 2.0)

	// The occupant itself can be excluded.
	got, err = p.FindNearbyFreeLocation(target, unit, 5, []string{"occupant"}, nil)
	require.NoError(err)
	require.Equal(target, got)

	reserved := []geom.Box{geom.BoxAround(target, r3.Vec{X: 6, Y: 6, Z: 6})}
	got, err = p.FindNearbyFreeLocation(target, unit, 6, []string{"occupant"}, reserved)
	require.NoError(err)
	require.False(geom.Intersects(geom.BoxAround(got, unit), reserved[0]))

	_, err = p.FindNearbyFreeLocation(target, unit, 0, nil, nil)
	require.ErrorIs(err, ErrNoFreeLocation)
}
