// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package index

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/luxfi/spatial/geom"
)

// Relation classifies how two entities sit relative to each other.
type Relation string

const (
	RelationOverlapping Relation = "overlapping"
	RelationAdjacent    Relation = "adjacent"
	RelationNear        Relation = "near"
)

// Neighbor is one entity related to the subject of a Relationships query.
type Neighbor struct {
	EntityID  string   `json:"entityId"`
	Kind      Kind     `json:"kind"`
	Distance  float64  `json:"distance"`
	Direction r3.Vec   `json:"direction"`
	Gap       float64  `json:"gap"`
	Relation  Relation `json:"relation"`
}

// Relations lists an entity's neighbors and the zones containing it.
type Relations struct {
	EntityID  string     `json:"entityId"`
	Neighbors []Neighbor `json:"neighbors"`
	Zones     []string   `json:"zones"`
}

// Relationships returns the entities within radius of id, nearest first.
// Boxes closer than the spatial tolerance are adjacent.
func (i *Index) Relationships(id string, radius float64) (Relations, error) {
	subject, ok := i.Get(id)
	if !ok {
		return Relations{}, fmt.Errorf("%w: %s", ErrUnknownEntity, id)
	}

	rel := Relations{EntityID: id}
	for _, e := range i.QueryNearby(subject.Position, radius) {
		if e.ID == id {
			continue
		}
		gap := BoxGap(subject.Bounds, e.Bounds)
		n := Neighbor{
			EntityID:  e.ID,
			Kind:      e.Kind,
			Distance:  geom.Distance(subject.Position, e.Position),
			Direction: geom.Direction(subject.Position, e.Position),
			Gap:       gap,
			Relation:  RelationNear,
		}
		switch {
		case geom.Intersects(subject.Bounds, e.Bounds):
			n.Relation = RelationOverlapping
		case gap <= i.cfg.SpatialTolerance:
			n.Relation = RelationAdjacent
		}
		rel.Neighbors = append(rel.Neighbors, n)
	}
	for _, z := range i.ZonesAt(subject.Position) {
		rel.Zones = append(rel.Zones, z.ID)
	}
	return rel, nil
}

// BoxGap returns the Euclidean clearance between two boxes, 0 when they
// touch or overlap.
func BoxGap(a, b geom.Box) float64 {
	gap := func(aMin, aMax, bMin, bMax float64) float64 {
		return math.Max(0, math.Max(bMin-aMax, aMin-bMax))
	}
	d := r3.Vec{
		X: gap(a.Min.X, a.Max.X, b.Min.X, b.Max.X),
		Y: gap(a.Min.Y, a.Max.Y, b.Min.Y, b.Max.Y),
		Z: gap(a.Min.Z, a.Max.Z, b.Min.Z, b.Max.Z),
	}
	return r3.Norm(d)
}
