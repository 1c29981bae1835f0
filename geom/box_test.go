// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package geom

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"
)

func unitBoxAt(x, y, z float64) Box {
	return BoxAround(r3.Vec{X: x, Y: y, Z: z}, r3.Vec{X: 1, Y: 1, Z: 1})
}

func TestIntersectionVolume(t *testing.T) {
	tests := []struct {
		name      string
		a, b      Box
		intersect bool
		volume    float64
	}{
		{
			name:      "identical",
			a:         unitBoxAt(0, 0, 0),
			b:         unitBoxAt(0, 0, 0),
			intersect: true,
			volume:    1,
		},
		{
			name:      "half overlap on x",
			a:         unitBoxAt(0, 0, 0),
			b:         unitBoxAt(0.5, 0, 0),
			intersect: true,
			volume:    0.5,
		},
		{
			name:      "touching faces",
			a:         unitBoxAt(0, 0, 0),
			b:         unitBoxAt(1, 0, 0),
			intersect: false,
			volume:    0,
		},
		{
			name:      "disjoint on z only",
			a:         unitBoxAt(0, 0, 0),
			b:         unitBoxAt(0.2, 0.2, 3),
			intersect: false,
			volume:    0,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			require := require.New(t)

			require.Equal(test.intersect, Intersects(test.a, test.b))
			require.Equal(test.intersect, Intersects(test.b, test.a))
			require.InDelta(test.volume, IntersectionVolume(test.a, test.b), 1e-9)
			require.InDelta(test.volume, IntersectionVolume(test.b, test.a), 1e-9)
		})
	}
}

func TestBoxValid(t *testing.T) {
	require := require.New(t)

	require.True(unitBoxAt(1, 2, 3).Valid())
	require.False(Box{Min: r3.Vec{X: 1}, Max: r3.Vec{}}.Valid())
	require.False(Box{Min: r3.Vec{X: math.NaN()}, Max: r3.Vec{X: 1, Y: 1, Z: 1}}.Valid())
}

func TestBoxExpandNeverInverts(t *testing.T) {
	require := require.New(t)

	b := unitBoxAt(0, 0, 0).Expand(-2)
	require.True(b.Valid())
	require.Zero(b.Volume())
	require.Equal(r3.Vec{}, b.Center())
}

func TestBoxMoveTo(t *testing.T) {
	require := require.New(t)

	b := unitBoxAt(0, 0, 0).MoveTo(r3.Vec{X: 5, Y: 5, Z: 5})
	require.Equal(r3.Vec{X: 5, Y: 5, Z: 5}, b.Center())
	require.InDelta(1.0, b.Volume(), 1e-9)
	require.True(b.Contains(r3.Vec{X: 5.5, Y: 4.5, Z: 5}))
}

func TestBoxDistance(t *testing.T) {
	require := require.New(t)

	b := unitBoxAt(0, 0, 0)
	require.Zero(b.Distance(r3.Vec{}))
	require.InDelta(1.5, b.Distance(r3.Vec{X: 2}), 1e-9)
}
