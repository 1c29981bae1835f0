// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package geom provides the axis-aligned bounding box math shared by the
// spatial index, the collision detector and the path planner.
//
// Positions and displacements use gonum's r3.Vec directly so callers can use
// the r3 vector helpers (r3.Add, r3.Sub, r3.Norm, ...) without conversion.
package geom

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// Box is an axis-aligned bounding box. A valid box has Min <= Max on every
// axis.
type Box struct {
	Min r3.Vec `json:"min"`
	Max r3.Vec `json:"max"`
}

// NewBox returns the box spanning the two corners, in any order.
func NewBox(a, b r3.Vec) Box {
	return Box{
		Min: r3.Vec{X: math.Min(a.X, b.X), Y: math.Min(a.Y, b.Y), Z: math.Min(a.Z, b.Z)},
		Max: r3.Vec{X: math.Max(a.X, b.X), Y: math.Max(a.Y, b.Y), Z: math.Max(a.Z, b.Z)},
	}
}

// BoxAround returns the box of the given size centred on center.
func BoxAround(center, size r3.Vec) Box {
	half := r3.Scale(0.5, size)
	return Box{Min: r3.Sub(center, half), Max: r3.Add(center, half)}
}

// Valid reports whether the box has finite coordinates and Min <= Max.
func (b Box) Valid() bool {
	return Finite(b.Min) && Finite(b.Max) &&
		b.Min.X <= b.Max.X && b.Min.Y <= b.Max.Y && b.Min.Z <= b.Max.Z
}

// Size returns the extent of the box along each axis.
func (b Box) Size() r3.Vec {
	return r3.Sub(b.Max, b.Min)
}

// Center returns the centre point of the box.
func (b Box) Center() r3.Vec {
	return r3.Scale(0.5, r3.Add(b.Min, b.Max))
}

// Volume returns the volume of the box.
func (b Box) Volume() float64 {
	s := b.Size()
	return s.X * s.Y * s.Z
}

// Translate returns the box moved by d.
func (b Box) Translate(d r3.Vec) Box {
	return Box{Min: r3.Add(b.Min, d), Max: r3.Add(b.Max, d)}
}

// MoveTo returns the box re-centred on center, keeping its size.
func (b Box) MoveTo(center r3.Vec) Box {
	return b.Translate(r3.Sub(center, b.Center()))
}

// Expand grows the box by margin on every side. A negative margin shrinks
// it; shrinking never inverts an axis, it collapses to the centre instead.
func (b Box) Expand(margin float64) Box {
	m := r3.Vec{X: margin, Y: margin, Z: margin}
	out := Box{Min: r3.Sub(b.Min, m), Max: r3.Add(b.Max, m)}
	c := b.Center()
	if out.Min.X > out.Max.X {
		out.Min.X, out.Max.X = c.X, c.X
	}
	if out.Min.Y > out.Max.Y {
		out.Min.Y, out.Max.Y = c.Y, c.Y
	}
	if out.Min.Z > out.Max.Z {
		out.Min.Z, out.Max.Z = c.Z, c.Z
	}
	return out
}

// Contains reports whether p lies inside the box, faces included.
func (b Box) Contains(p r3.Vec) bool {
	return p.X >= b.Min.X && p.X <= b.Max.X &&
		p.Y >= b.Min.Y && p.Y <= b.Max.Y &&
		p.Z >= b.Min.Z && p.Z <= b.Max.Z
}

// ContainsBox reports whether o lies entirely inside the box.
func (b Box) ContainsBox(o Box) bool {
	return b.Contains(o.Min) && b.Contains(o.Max)
}

// Union returns the smallest box containing both boxes.
func (b Box) Union(o Box) Box {
	return NewBox(
		r3.Vec{X: math.Min(b.Min.X, o.Min.X), Y: math.Min(b.Min.Y, o.Min.Y), Z: math.Min(b.Min.Z, o.Min.Z)},
		r3.Vec{X: math.Max(b.Max.X, o.Max.X), Y: math.Max(b.Max.Y, o.Max.Y), Z: math.Max(b.Max.Z, o.Max.Z)},
	)
}

// Clamp returns p moved to the nearest point inside the box.
func (b Box) Clamp(p r3.Vec) r3.Vec {
	return r3.Vec{
		X: math.Max(b.Min.X, math.Min(b.Max.X, p.X)),
		Y: math.Max(b.Min.Y, math.Min(b.Max.Y, p.Y)),
		Z: math.Max(b.Min.Z, math.Min(b.Max.Z, p.Z)),
	}
}

// Distance returns the distance from p to the nearest point of the box, 0 if
// p is inside.
func (b Box) Distance(p r3.Vec) float64 {
	return r3.Norm(r3.Sub(p, b.Clamp(p)))
}

func (b Box) String() string {
	return fmt.Sprintf("[(%g,%g,%g)-(%g,%g,%g)]",
		b.Min.X, b.Min.Y, b.Min.Z, b.Max.X, b.Max.Y, b.Max.Z)
}

// Intersects reports whether the two boxes overlap with a positive extent on
// every axis. Boxes that only share a face, edge or corner do not intersect.
func Intersects(a, b Box) bool {
	return a.Min.X < b.Max.X && a.Max.X > b.Min.X &&
		a.Min.Y < b.Max.Y && a.Max.Y > b.Min.Y &&
		a.Min.Z < b.Max.Z && a.Max.Z > b.Min.Z
}

// IntersectionVolume returns the product of the per-axis overlap extents, 0
// if the boxes are disjoint on any axis.
func IntersectionVolume(a, b Box) float64 {
	dx := overlap(a.Min.X, a.Max.X, b.Min.X, b.Max.X)
	dy := overlap(a.Min.Y, a.Max.Y, b.Min.Y, b.Max.Y)
	dz := overlap(a.Min.Z, a.Max.Z, b.Min.Z, b.Max.Z)
	return dx * dy * dz
}

// Intersection returns the overlapping region of the two boxes and whether
// it is non-empty.
func Intersection(a, b Box) (Box, bool) {
	if !Intersects(a, b) {
		return Box{}, false
	}
	return Box{
		Min: r3.Vec{X: math.Max(a.Min.X, b.Min.X), Y: math.Max(a.Min.Y, b.Min.Y), Z: math.Max(a.Min.Z, b.Min.Z)},
		Max: r3.Vec{X: math.Min(a.Max.X, b.Max.X), Y: math.Min(a.Max.Y, b.Max.Y), Z: math.Min(a.Max.Z, b.Max.Z)},
	}, true
}

func overlap(aMin, aMax, bMin, bMax float64) float64 {
	d := math.Min(aMax, bMax) - math.Max(aMin, bMin)
	if d <= 0 {
		return 0
	}
	return d
}
