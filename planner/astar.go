// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package planner

import (
	"container/heap"
	"fmt"
	"math"
	"slices"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/luxfi/spatial/geom"
	"github.com/luxfi/spatial/index"
)

// reusePenalty is added, in cells, to every edge entering a cell used by a
// previously returned path when searching for alternatives.
const reusePenalty = 2.0

type speedCap struct {
	region geom.Box
	limit  float64
}

// env is the static view of the world a single search runs against.
type env struct {
	idx       *index.Index
	res       float64
	workspace geom.Box
	size      r3.Vec
	self      string

	zones    []index.Zone
	blockers []geom.Box
	limits   []speedCap

	blocked map[index.Cell]bool
	penalty map[index.Cell]float64
}

func (e *env) center(c index.Cell) r3.Vec {
	return index.CellCenter(c, e.res)
}

func (e *env) boxBlocked(box geom.Box) bool {
	if !e.workspace.ContainsBox(box) {
		return true
	}
	for _, b := range e.blockers {
		if geom.Intersects(box, b) {
			return true
		}
	}
	for _, z := range e.zones {
		if z.SpatialRules.NoTransit && geom.Intersects(box, z.Bounds) {
			return true
		}
	}
	for _, other := range e.idx.EntitiesInBounds(box) {
		if other.ID != e.self && other.Kind == index.KindObstacle && geom.Intersects(box, other.Bounds) {
			return true
		}
	}
	return false
}

func (e *env) cellBlocked(c index.Cell) bool {
	if b, ok := e.blocked[c]; ok {
		return b
	}
	b := e.boxBlocked(geom.BoxAround(e.center(c), e.size))
	e.blocked[c] = b
	return b
}

// cost returns the traversal multiplier at p: the highest zone cost of the
// zones containing it.
func (e *env) cost(p r3.Vec) float64 {
	m := 1.0
	for _, z := range e.zones {
		if z.Bounds.Contains(p) {
			m = math.Max(m, z.SpatialRules.Cost())
		}
	}
	return m
}

// speed returns max capped by every zone and constraint speed limit at p.
func (e *env) speed(p r3.Vec, max float64) float64 {
	s := max
	for _, z := range e.zones {
		if l := z.SpatialRules.SpeedLimit; l > 0 && z.Bounds.Contains(p) {
			s = math.Min(s, l)
		}
	}
	for _, l := range e.limits {
		if l.region == (geom.Box{}) || l.region.Contains(p) {
			s = math.Min(s, l.limit)
		}
	}
	return s
}

type node struct {
	cell  index.Cell
	g, h  float64
	index int
}

// openSet orders nodes by f, then h, then cell key.
type openSet []*node

func (o openSet) Len() int { return len(o) }

func (o openSet) Less(i, j int) bool {
	fi, fj := o[i].g+o[i].h, o[j].g+o[j].h
	if fi != fj {
		return fi < fj
	}
	if o[i].h != o[j].h {
		return o[i].h < o[j].h
	}
	return o[i].cell.Less(o[j].cell)
}

func (o openSet) Swap(i, j int) {
	o[i], o[j] = o[j], o[i]
	o[i].index = i
	o[j].index = j
}

func (o *openSet) Push(x any) {
	n := x.(*node)
	n.index = len(*o)
	*o = append(*o, n)
}

func (o *openSet) Pop() any {
	old := *o
	n := old[len(old)-1]
	old[len(old)-1] = nil
	*o = old[:len(old)-1]
	n.index = -1
	return n
}

// search runs A* from the cell of from to the cell of to over 26-connected
// cells. It returns the cell sequence and the number of expansions used.
func (e *env) search(from, to r3.Vec, budget int) ([]index.Cell, int, error) {
	start := index.CellOf(from, e.res)
	goal := index.CellOf(to, e.res)
	if e.boxBlocked(geom.BoxAround(to, e.size)) {
		return nil, 0, fmt.Errorf("%w: goal %v is blocked", ErrPathNotFound, to)
	}
	if start == goal {
		return []index.Cell{start}, 0, nil
	}

	goalCenter := e.center(goal)
	h := func(c index.Cell) float64 {
		return geom.Distance(e.center(c), goalCenter)
	}

	open := &openSet{}
	nodes := map[index.Cell]*node{start: {cell: start, h: h(start)}}
	parent := make(map[index.Cell]index.Cell)
	closed := make(map[index.Cell]struct{})
	heap.Push(open, nodes[start])

	expansions := 0
	for open.Len() > 0 {
		cur := heap.Pop(open).(*node)
		if cur.cell == goal {
			return reconstruct(parent, start, goal), expansions, nil
		}
		closed[cur.cell] = struct{}{}
		expansions++
		if expansions > budget {
			return nil, expansions, fmt.Errorf("%w: expansion budget %d exhausted", ErrPathNotFound, budget)
		}

		curCenter := e.center(cur.cell)
		for dx := -1; dx <= 1; dx++ {
			for dy := -1; dy <= 1; dy++ {
				for dz := -1; dz <= 1; dz++ {
					if dx == 0 && dy == 0 && dz == 0 {
						continue
					}
					next := index.Cell{X: cur.cell.X + dx, Y: cur.cell.Y + dy, Z: cur.cell.Z + dz}
					if _, ok := closed[next]; ok {
						continue
					}
					if next != goal && e.cellBlocked(next) {
						continue
					}
					nextCenter := e.center(next)
					step := geom.Distance(curCenter, nextCenter)
					g := cur.g + step*e.cost(nextCenter) + e.penalty[next]*e.res
					n, seen := nodes[next]
					switch {
					case !seen:
						n = &node{cell: next, g: g, h: h(next)}
						nodes[next] = n
						parent[next] = cur.cell
						heap.Push(open, n)
					case g < n.g:
						n.g = g
						parent[next] = cur.cell
						heap.Fix(open, n.index)
					}
				}
			}
		}
	}
	return nil, expansions, fmt.Errorf("%w: goal %v unreachable", ErrPathNotFound, to)
}

func reconstruct(parent map[index.Cell]index.Cell, start, goal index.Cell) []index.Cell {
	cells := []index.Cell{goal}
	for c := goal; c != start; {
		c = parent[c]
		cells = append(cells, c)
	}
	slices.Reverse(cells)
	return cells
}
