// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package index

import (
	"fmt"
	"testing"
	"time"

	"github.com/luxfi/log"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/luxfi/spatial/config"
	"github.com/luxfi/spatial/geom"
	"github.com/luxfi/spatial/roster"
	"github.com/luxfi/spatial/utils/timer/mockable"
)

var unit = r3.Vec{X: 1, Y: 1, Z: 1}

func newTestIndex(t *testing.T, mutate ...func(*config.Config)) (*Index, *mockable.Clock) {
	t.Helper()
	cfg := config.DefaultConfig()
	for _, m := range mutate {
		m(&cfg)
	}
	clock := &mockable.Clock{}
	clock.Set(time.Unix(1_700_000_000, 0))
	idx, err := New(cfg, clock, log.NewNoOpLogger())
	require.NoError(t, err)
	return idx, clock
}

func agentAt(id string, x, y, z float64) Entity {
	return NewEntity(id, KindAgent, r3.Vec{X: x, Y: y, Z: z}, unit)
}

func TestRegisterValidation(t *testing.T) {
	idx, _ := newTestIndex(t)

	tests := []struct {
		name   string
		entity Entity
		want   error
	}{
		{
			name:   "empty id",
			entity: agentAt("", 5, 5, 5),
			want:   ErrInvalidEntity,
		},
		{
			name:   "outside workspace",
			entity: agentAt("a", 500, 5, 5),
			want:   ErrOutOfBounds,
		},
		{
			name:   "box straddles workspace edge",
			entity: agentAt("a", 0.2, 5, 5),
			want:   ErrOutOfBounds,
		},
		{
			name: "inverted box",
			entity: Entity{
				ID:       "a",
				Kind:     KindAgent,
				Position: r3.Vec{X: 5, Y: 5, Z: 5},
				Bounds:   geom.Box{Min: r3.Vec{X: 6, Y: 6, Z: 6}, Max: r3.Vec{X: 4, Y: 4, Z: 4}},
			},
			want: ErrInvalidEntity,
		},
		{
			name: "position outside own box",
			entity: Entity{
				ID:       "a",
				Kind:     KindAgent,
				Position: r3.Vec{X: 5, Y: 5, Z: 5},
				Bounds:   geom.BoxAround(r3.Vec{X: 8, Y: 8, Z: 8}, unit),
			},
			want: ErrInvalidEntity,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			require := require.New(t)

			require.ErrorIs(idx.Register(test.entity), test.want)
			require.Zero(idx.Len())
		})
	}
}

func TestRegisterUpdateUnregister(t *testing.T) {
	require := require.New(t)
	idx, clock := newTestIndex(t)

	require.NoError(idx.Register(agentAt("a", 5, 5, 5)))
	require.ErrorIs(idx.Register(agentAt("a", 6, 6, 6)), ErrDuplicateEntry)

	gen := idx.Generation()
	clock.Advance(time.Second)
	require.NoError(idx.Move("a", r3.Vec{X: 7, Y: 5, Z: 5}))
	require.Greater(idx.Generation(), gen)

	e, ok := idx.Get("a")
	require.True(ok)
	require.Equal(r3.Vec{X: 7, Y: 5, Z: 5}, e.Position)
	require.True(e.Bounds.Contains(e.Position))
	require.Equal(clock.Time(), e.LastUpdated)

	require.ErrorIs(idx.Move("a", r3.Vec{X: 1000}), ErrOutOfBounds)
	e, _ = idx.Get("a")
	require.Equal(r3.Vec{X: 7, Y: 5, Z: 5}, e.Position)

	moves := idx.History(time.Time{})
	require.Len(moves, 1)
	require.Equal("a", moves[0].EntityID)

	require.NoError(idx.Unregister("a"))
	require.ErrorIs(idx.Unregister("a"), ErrUnknownEntity)
	require.ErrorIs(idx.Update(agentAt("a", 5, 5, 5)), ErrUnknownEntity)
	require.NoError(idx.CheckConsistency())
}

func TestGetReturnsCopy(t *testing.T) {
	require := require.New(t)
	idx, _ := newTestIndex(t)

	e := agentAt("a", 5, 5, 5)
	e.Metadata = map[string]string{"role": "mover"}
	require.NoError(idx.Register(e))

	got, _ := idx.Get("a")
	got.Metadata["role"] = "changed"
	got.Position.X = 50

	again, _ := idx.Get("a")
	require.Equal("mover", again.Metadata["role"])
	require.InDelta(5.0, again.Position.X, 1e-9)
}

func TestQueryNearby(t *testing.T) {
	require := require.New(t)
	idx, _ := newTestIndex(t)

	require.NoError(idx.Register(agentAt("a", 10, 10, 5)))
	require.NoError(idx.Register(agentAt("b", 12, 10, 5)))
	require.NoError(idx.Register(agentAt("c", 30, 30, 5)))
	require.NoError(idx.Register(NewEntity("rock", KindObstacle, r3.Vec{X: 11, Y: 11, Z: 5}, unit)))

	got := idx.QueryNearby(r3.Vec{X: 10, Y: 10, Z: 5}, 3)
	ids := make([]string, len(got))
	for n, e := range got {
		ids[n] = e.ID
	}
	require.Equal([]string{"a", "rock", "b"}, ids)

	obstacles := idx.QueryNearby(r3.Vec{X: 10, Y: 10, Z: 5}, 3, KindObstacle)
	require.Len(obstacles, 1)
	require.Equal("rock", obstacles[0].ID)

	require.Empty(idx.QueryNearby(r3.Vec{X: 10, Y: 10, Z: 5}, -1))
}

func TestEntitiesInBounds(t *testing.T) {
	require := require.New(t)
	idx, _ := newTestIndex(t)

	// Spans several grid cells.
	big := NewEntity("big", KindObstacle, r3.Vec{X: 20, Y: 20, Z: 5}, r3.Vec{X: 6, Y: 6, Z: 2})
	require.NoError(idx.Register(big))
	require.NoError(idx.Register(agentAt("a", 40, 40, 5)))

	got := idx.EntitiesInBounds(geom.NewBox(r3.Vec{X: 22, Y: 22, Z: 4}, r3.Vec{X: 23, Y: 23, Z: 6}))
	require.Len(got, 1)
	require.Equal("big", got[0].ID)

	require.Len(idx.EntitiesInBounds(idx.Workspace()), 2)
}

// Octree results must match the grid under churn, including entities
// mutated after the last build.
func TestOctreeMatchesGrid(t *testing.T) {
	require := require.New(t)
	idx, _ := newTestIndex(t, func(c *config.Config) {
		c.OctreeThreshold = 10
		c.ChurnThreshold = 1000
		c.OctreeLeafCapacity = 2
	})

	for n := 0; n < 40; n++ {
		x := float64(5 + (n*7)%90)
		y := float64(5 + (n*13)%90)
		require.NoError(idx.Register(agentAt(fmt.Sprintf("a%02d", n), x, y, 5)))
	}
	require.True(idx.Maintain().Rebuilt)
	require.True(idx.Metrics().OctreeActive)

	// Mutations after the build are covered by the dirty set.
	require.NoError(idx.Move("a00", r3.Vec{X: 50, Y: 50, Z: 5}))
	require.NoError(idx.Unregister("a01"))
	require.NoError(idx.Register(agentAt("late", 51, 50, 5)))

	center := r3.Vec{X: 50, Y: 50, Z: 5}
	fromTree := idx.QueryNearby(center, 20)

	idx.lock.Lock()
	idx.tree = nil
	idx.lock.Unlock()
	fromGrid := idx.QueryNearby(center, 20)

	require.Equal(fromGrid, fromTree)
	require.NotEmpty(fromTree)
	require.Equal("a00", fromTree[0].ID)
}

func TestStaleOctreeFallsBackToGrid(t *testing.T) {
	require := require.New(t)
	idx, _ := newTestIndex(t, func(c *config.Config) {
		c.OctreeThreshold = 2
		c.ChurnThreshold = 3
	})

	for n := 0; n < 6; n++ {
		require.NoError(idx.Register(agentAt(fmt.Sprintf("a%d", n), float64(10+10*n), 10, 5)))
	}
	require.True(idx.Maintain().Rebuilt)

	// Four distinct entities moved since the build exceeds the threshold.
	for n := 0; n < 4; n++ {
		require.NoError(idx.Move(fmt.Sprintf("a%d", n), r3.Vec{X: float64(15 + 10*n), Y: 10, Z: 5}))
	}
	got := idx.QueryNearby(r3.Vec{X: 15, Y: 10, Z: 5}, 1)
	require.Len(got, 1)
	require.Equal("a0", got[0].ID)
	require.Positive(idx.Metrics().StaleFallbacks)

	require.True(idx.Maintain().Rebuilt)
}

func TestZoneAccess(t *testing.T) {
	require := require.New(t)
	idx, _ := newTestIndex(t)

	zone := Zone{
		ID:       "dock",
		Name:     "loading dock",
		Kind:     ZoneWork,
		Bounds:   geom.NewBox(r3.Vec{X: 10, Y: 10, Z: 0}, r3.Vec{X: 20, Y: 20, Z: 5}),
		Capacity: 2,
		AccessRules: []AccessRule{
			{Capabilities: []string{"lift"}},
			{AgentIDs: []string{"banned"}, Deny: true},
		},
	}
	require.NoError(idx.CreateZone(zone))
	require.ErrorIs(idx.CreateZone(zone), ErrDuplicateEntry)

	lifter := func(id string) roster.Agent {
		return roster.Agent{ID: id, TrustLevel: 0.5, Capabilities: []string{"lift"}}
	}

	require.ErrorIs(idx.CheckAccess("dock", roster.Agent{ID: "walker"}), ErrAccessDenied)
	banned := lifter("banned")
	require.ErrorIs(idx.CheckAccess("dock", banned), ErrAccessDenied)

	require.NoError(idx.Enter("dock", lifter("a")))
	require.NoError(idx.Enter("dock", lifter("b")))
	require.NoError(idx.Enter("dock", lifter("a")))
	require.ErrorIs(idx.CheckAccess("dock", lifter("c")), ErrZoneFull)
	require.ErrorIs(idx.Enter("dock", lifter("c")), ErrZoneFull)

	occ, err := idx.Occupancy("dock")
	require.NoError(err)
	require.True(occ.Full())
	require.Equal([]string{"a", "b"}, occ.Occupants)

	require.NoError(idx.Exit("dock", "a"))
	require.ErrorIs(idx.Exit("dock", "a"), ErrUnknownEntity)
	require.NoError(idx.Enter("dock", lifter("c")))
	require.True(idx.IsMember("dock", "c"))

	require.ErrorIs(idx.CheckAccess("nowhere", lifter("a")), ErrUnknownZone)

	zone.Capacity = 1
	require.NoError(idx.UpdateZone(zone))
	occ, err = idx.Occupancy("dock")
	require.NoError(err)
	require.Equal(2, occ.Occupancy)
	require.Equal(1, occ.Capacity)
	require.ErrorIs(idx.UpdateZone(Zone{ID: "nowhere", Bounds: zone.Bounds, Kind: ZonePublic}), ErrUnknownZone)

	require.NoError(idx.DeleteZone("dock"))
	_, err = idx.Occupancy("dock")
	require.ErrorIs(err, ErrUnknownZone)
}

func TestSnapshotRestore(t *testing.T) {
	require := require.New(t)
	idx, _ := newTestIndex(t)

	require.NoError(idx.CreateZone(Zone{
		ID:     "z",
		Kind:   ZonePublic,
		Bounds: geom.NewBox(r3.Vec{}, r3.Vec{X: 50, Y: 50, Z: 10}),
	}))
	require.NoError(idx.Register(agentAt("a", 5, 5, 5)))

	snap := idx.Snapshot("a", "b")
	require.NoError(idx.Move("a", r3.Vec{X: 9, Y: 9, Z: 5}))
	require.NoError(idx.Register(agentAt("b", 30, 30, 5)))
	require.NoError(idx.Enter("z", roster.Agent{ID: "a"}))

	require.NoError(idx.Restore(snap))
	a, ok := idx.Get("a")
	require.True(ok)
	require.Equal(r3.Vec{X: 5, Y: 5, Z: 5}, a.Position)
	_, ok = idx.Get("b")
	require.False(ok)
	require.False(idx.IsMember("z", "a"))
	require.Empty(idx.QueryNearby(r3.Vec{X: 9, Y: 9, Z: 5}, 0.5))
	require.NoError(idx.CheckConsistency())
}

func TestRelationships(t *testing.T) {
	require := require.New(t)
	idx, _ := newTestIndex(t)

	require.NoError(idx.CreateZone(Zone{
		ID:     "z",
		Kind:   ZonePublic,
		Bounds: geom.NewBox(r3.Vec{X: 0, Y: 0, Z: 0}, r3.Vec{X: 20, Y: 20, Z: 10}),
	}))
	require.NoError(idx.Register(agentAt("a", 10, 10, 5)))
	require.NoError(idx.Register(agentAt("overlap", 10.5, 10, 5)))
	require.NoError(idx.Register(agentAt("touch", 10, 11, 5)))
	require.NoError(idx.Register(agentAt("far", 14, 10, 5)))

	rel, err := idx.Relationships("a", 5)
	require.NoError(err)
	require.Equal([]string{"z"}, rel.Zones)
	require.Len(rel.Neighbors, 3)

	byID := make(map[string]Neighbor)
	for _, n := range rel.Neighbors {
		byID[n.EntityID] = n
	}
	require.Equal(RelationOverlapping, byID["overlap"].Relation)
	require.Equal(RelationAdjacent, byID["touch"].Relation)
	require.Equal(RelationNear, byID["far"].Relation)
	require.InDelta(3.0, byID["far"].Gap, 1e-9)
	require.InDelta(1.0, byID["far"].Direction.X, 1e-9)

	_, err = idx.Relationships("ghost", 5)
	require.ErrorIs(err, ErrUnknownEntity)
}

func TestHotspots(t *testing.T) {
	require := require.New(t)
	idx, clock := newTestIndex(t)

	require.NoError(idx.Register(agentAt("a", 5.5, 5.5, 5.5)))
	require.NoError(idx.Register(agentAt("b", 30.5, 30.5, 5.5)))

	// a shuttles between two cells; b visits distinct cells once each.
	for n := 0; n < 6; n++ {
		clock.Advance(time.Second)
		x := 5.5
		if n%2 == 0 {
			x = 7.5
		}
		require.NoError(idx.Move("a", r3.Vec{X: x, Y: 5.5, Z: 5.5}))
		require.NoError(idx.Move("b", r3.Vec{X: 31.5 + float64(n), Y: 30.5, Z: 5.5}))
	}

	spots := idx.Hotspots(time.Minute)
	require.Len(spots, 2)
	require.Equal(3, spots[0].Movements)
	for _, s := range spots {
		require.Equal(5, s.Cell.Y)
	}

	clock.Advance(time.Hour)
	require.Empty(idx.Hotspots(time.Minute))

	report := idx.Maintain()
	require.Equal(12, report.Pruned)
	require.Zero(idx.Metrics().HistorySize)
}

func TestCheckConsistencyDetectsCorruption(t *testing.T) {
	require := require.New(t)
	idx, _ := newTestIndex(t)

	require.NoError(idx.Register(agentAt("a", 5, 5, 5)))
	require.NoError(idx.CheckConsistency())

	idx.lock.Lock()
	idx.entities["a"].Bounds = geom.Box{Min: r3.Vec{X: 9, Y: 9, Z: 9}, Max: r3.Vec{X: 1, Y: 1, Z: 1}}
	idx.lock.Unlock()
	require.ErrorIs(idx.CheckConsistency(), ErrInconsistent)
}

func TestMetrics(t *testing.T) {
	require := require.New(t)
	idx, _ := newTestIndex(t)

	require.NoError(idx.Register(agentAt("a", 5, 5, 5)))
	require.NoError(idx.Register(NewEntity("r", KindResource, r3.Vec{X: 50, Y: 50, Z: 5}, unit)))

	s := idx.Metrics()
	require.Equal(2, s.Entities)
	require.Equal(1, s.ByKind["agent"])
	require.Equal(1, s.ByKind["resource"])
	require.Equal(16, s.OccupiedCells)
	require.Positive(s.Density)
	require.False(s.OctreeActive)
}
