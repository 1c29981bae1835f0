// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package index

import (
	"sort"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/luxfi/spatial/geom"
)

// octree is an immutable snapshot of entity boxes built off-lock. An item
// is stored in the deepest node whose bounds fully contain it.
type octree struct {
	root       *octNode
	generation uint64
	size       int
}

type octItem struct {
	id  string
	box geom.Box
}

type octNode struct {
	bounds   geom.Box
	items    []octItem
	children *[8]octNode
}

func buildOctree(bounds geom.Box, items []octItem, maxDepth, leafCapacity int, generation uint64) *octree {
	root := &octNode{bounds: bounds}
	for _, it := range items {
		root.insert(it, 0, maxDepth, leafCapacity)
	}
	return &octree{root: root, generation: generation, size: len(items)}
}

func (n *octNode) insert(it octItem, depth, maxDepth, leafCapacity int) {
	if n.children == nil {
		if len(n.items) < leafCapacity || depth >= maxDepth {
			n.items = append(n.items, it)
			return
		}
		n.split(depth, maxDepth, leafCapacity)
	}
	for i := range n.children {
		c := &n.children[i]
		if c.bounds.ContainsBox(it.box) {
			c.insert(it, depth+1, maxDepth, leafCapacity)
			return
		}
	}
	n.items = append(n.items, it)
}

func (n *octNode) split(depth, maxDepth, leafCapacity int) {
	mid := n.bounds.Center()
	var children [8]octNode
	for i := range children {
		lo, hi := n.bounds.Min, mid
		if i&1 != 0 {
			lo.X, hi.X = mid.X, n.bounds.Max.X
		}
		if i&2 != 0 {
			lo.Y, hi.Y = mid.Y, n.bounds.Max.Y
		}
		if i&4 != 0 {
			lo.Z, hi.Z = mid.Z, n.bounds.Max.Z
		}
		children[i].bounds = geom.Box{Min: lo, Max: hi}
	}
	n.children = &children
	items := n.items
	n.items = nil
	for _, it := range items {
		n.insert(it, depth, maxDepth, leafCapacity)
	}
}

// query returns the IDs of items whose box touches or overlaps box.
func (t *octree) query(box geom.Box) []string {
	var out []string
	t.root.visit(func(b geom.Box) bool { return touches(b, box) }, func(it octItem) {
		if touches(it.box, box) {
			out = append(out, it.id)
		}
	})
	sort.Strings(out)
	return out
}

// queryRadius returns the IDs of items whose box lies within radius of
// center.
func (t *octree) queryRadius(center r3.Vec, radius float64) []string {
	var out []string
	t.root.visit(func(b geom.Box) bool { return b.Distance(center) <= radius }, func(it octItem) {
		if it.box.Distance(center) <= radius {
			out = append(out, it.id)
		}
	})
	sort.Strings(out)
	return out
}

func (n *octNode) visit(enter func(geom.Box) bool, each func(octItem)) {
	if !enter(n.bounds) {
		return
	}
	for _, it := range n.items {
		each(it)
	}
	if n.children == nil {
		return
	}
	for i := range n.children {
		n.children[i].visit(enter, each)
	}
}

// touches is a closed-interval overlap test, a superset of geom.Intersects.
func touches(a, b geom.Box) bool {
	return a.Min.X <= b.Max.X && b.Min.X <= a.Max.X &&
		a.Min.Y <= b.Max.Y && b.Min.Y <= a.Max.Y &&
		a.Min.Z <= b.Max.Z && b.Min.Z <= a.Max.Z
}
