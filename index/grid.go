// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package index

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/luxfi/spatial/geom"
)

// Cell is the integer key of a grid cell: floor(coord/resolution) per axis.
type Cell struct {
	X, Y, Z int
}

// Less orders cells by x, then y, then z.
func (c Cell) Less(o Cell) bool {
	if c.X != o.X {
		return c.X < o.X
	}
	if c.Y != o.Y {
		return c.Y < o.Y
	}
	return c.Z < o.Z
}

func (c Cell) String() string {
	return fmt.Sprintf("(%d,%d,%d)", c.X, c.Y, c.Z)
}

// CellOf returns the cell containing p.
func CellOf(p r3.Vec, resolution float64) Cell {
	return Cell{
		X: int(math.Floor(p.X / resolution)),
		Y: int(math.Floor(p.Y / resolution)),
		Z: int(math.Floor(p.Z / resolution)),
	}
}

// CellBox returns the world box covered by cell c.
func CellBox(c Cell, resolution float64) geom.Box {
	min := r3.Vec{X: float64(c.X) * resolution, Y: float64(c.Y) * resolution, Z: float64(c.Z) * resolution}
	return geom.Box{Min: min, Max: r3.Add(min, r3.Vec{X: resolution, Y: resolution, Z: resolution})}
}

// CellCenter returns the centre point of cell c.
func CellCenter(c Cell, resolution float64) r3.Vec {
	return CellBox(c, resolution).Center()
}

// grid buckets entity IDs into every cell their bounding box overlaps.
// Not safe for concurrent use; the Index lock guards it.
type grid struct {
	resolution float64
	cells      map[Cell]map[string]struct{}
	byEntity   map[string][]Cell
}

func newGrid(resolution float64) *grid {
	return &grid{
		resolution: resolution,
		cells:      make(map[Cell]map[string]struct{}),
		byEntity:   make(map[string][]Cell),
	}
}

// cellRange returns the inclusive cell range covered by box.
func (g *grid) cellRange(box geom.Box) (Cell, Cell) {
	return CellOf(box.Min, g.resolution), CellOf(box.Max, g.resolution)
}

func (g *grid) insert(id string, box geom.Box) {
	lo, hi := g.cellRange(box)
	cells := make([]Cell, 0, (hi.X-lo.X+1)*(hi.Y-lo.Y+1)*(hi.Z-lo.Z+1))
	for x := lo.X; x <= hi.X; x++ {
		for y := lo.Y; y <= hi.Y; y++ {
			for z := lo.Z; z <= hi.Z; z++ {
				c := Cell{x, y, z}
				bucket, ok := g.cells[c]
				if !ok {
					bucket = make(map[string]struct{})
					g.cells[c] = bucket
				}
				bucket[id] = struct{}{}
				cells = append(cells, c)
			}
		}
	}
	g.byEntity[id] = cells
}

func (g *grid) remove(id string) {
	for _, c := range g.byEntity[id] {
		bucket := g.cells[c]
		delete(bucket, id)
		if len(bucket) == 0 {
			delete(g.cells, c)
		}
	}
	delete(g.byEntity, id)
}

// query returns the IDs bucketed in any cell overlapping box, deduplicated.
func (g *grid) query(box geom.Box) []string {
	lo, hi := g.cellRange(box)
	return g.collect(lo, hi, nil)
}

// cellsInRadius enumerates the cells whose box lies within radius of center.
func (g *grid) cellsInRadius(center r3.Vec, radius float64) []Cell {
	r := r3.Vec{X: radius, Y: radius, Z: radius}
	lo, hi := g.cellRange(geom.Box{Min: r3.Sub(center, r), Max: r3.Add(center, r)})
	var out []Cell
	for x := lo.X; x <= hi.X; x++ {
		for y := lo.Y; y <= hi.Y; y++ {
			for z := lo.Z; z <= hi.Z; z++ {
				c := Cell{x, y, z}
				if CellBox(c, g.resolution).Distance(center) <= radius {
					out = append(out, c)
				}
			}
		}
	}
	return out
}

// queryRadius returns the IDs bucketed in cells that overlap the sphere.
func (g *grid) queryRadius(center r3.Vec, radius float64) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, c := range g.cellsInRadius(center, radius) {
		for id := range g.cells[c] {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func (g *grid) collect(lo, hi Cell, out []string) []string {
	seen := make(map[string]struct{})
	// Iterating occupied cells is cheaper than the range when the range is
	// larger than the occupied set.
	span := (hi.X - lo.X + 1) * (hi.Y - lo.Y + 1) * (hi.Z - lo.Z + 1)
	visit := func(c Cell) {
		for id := range g.cells[c] {
			if _, ok := seen[id]; !ok {
				seen[id] = struct{}{}
				out = append(out, id)
			}
		}
	}
	if span > len(g.cells) {
		for c := range g.cells {
			if c.X >= lo.X && c.X <= hi.X && c.Y >= lo.Y && c.Y <= hi.Y && c.Z >= lo.Z && c.Z <= hi.Z {
				visit(c)
			}
		}
	} else {
		for x := lo.X; x <= hi.X; x++ {
			for y := lo.Y; y <= hi.Y; y++ {
				for z := lo.Z; z <= hi.Z; z++ {
					visit(Cell{x, y, z})
				}
			}
		}
	}
	sort.Strings(out)
	return out
}

// stats returns the number of occupied cells and the mean and max bucket
// sizes.
func (g *grid) stats() (cells int, mean float64, max int) {
	total := 0
	for _, bucket := range g.cells {
		total += len(bucket)
		if len(bucket) > max {
			max = len(bucket)
		}
	}
	if len(g.cells) > 0 {
		mean = float64(total) / float64(len(g.cells))
	}
	return len(g.cells), mean, max
}
