// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package geom

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// Finite reports whether every component of v is a finite number.
func Finite(v r3.Vec) bool {
	return !math.IsNaN(v.X) && !math.IsInf(v.X, 0) &&
		!math.IsNaN(v.Y) && !math.IsInf(v.Y, 0) &&
		!math.IsNaN(v.Z) && !math.IsInf(v.Z, 0)
}

// Distance returns the Euclidean distance between a and b.
func Distance(a, b r3.Vec) float64 {
	return r3.Norm(r3.Sub(a, b))
}

// Direction returns the unit vector from a towards b, or the zero vector if
// the points coincide.
func Direction(a, b r3.Vec) r3.Vec {
	d := r3.Sub(b, a)
	n := r3.Norm(d)
	if n == 0 {
		return r3.Vec{}
	}
	return r3.Scale(1/n, d)
}

// Lerp interpolates between a and b; t=0 yields a and t=1 yields b.
func Lerp(a, b r3.Vec, t float64) r3.Vec {
	return r3.Add(a, r3.Scale(t, r3.Sub(b, a)))
}

// Speed returns the magnitude of a velocity vector.
func Speed(v r3.Vec) float64 {
	return r3.Norm(v)
}
