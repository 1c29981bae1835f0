// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package index

import (
	"fmt"
	"maps"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/luxfi/spatial/geom"
)

// Kind classifies an entity.
type Kind uint8

const (
	KindAgent Kind = iota
	KindZone
	KindResource
	KindObstacle
)

func (k Kind) String() string {
	switch k {
	case KindAgent:
		return "agent"
	case KindZone:
		return "zone"
	case KindResource:
		return "resource"
	case KindObstacle:
		return "obstacle"
	default:
		return "unknown"
	}
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k <= KindObstacle
}

// Solid reports whether entities of this kind occupy space for collision
// purposes. Zone markers do not.
func (k Kind) Solid() bool {
	return k != KindZone
}

func (k Kind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("%w: kind %d", ErrInvalidEntity, k)
	}
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(b []byte) error {
	parsed, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// ParseKind returns the kind named s.
func ParseKind(s string) (Kind, error) {
	for k := KindAgent; k <= KindObstacle; k++ {
		if k.String() == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown kind %q", ErrInvalidEntity, s)
}

// Entity is a physical object in the workspace. Bounds is the absolute world
// box and always contains Position.
type Entity struct {
	ID       string   `json:"id"`
	Kind     Kind     `json:"kind"`
	Position r3.Vec   `json:"position"`
	Bounds   geom.Box `json:"boundingBox"`
	// Velocity is the movement vector in units per second, used for
	// collision prediction.
	Velocity    r3.Vec            `json:"movementVector"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	LastUpdated time.Time         `json:"lastUpdated"`
}

// NewEntity returns an entity of the given size centred on position.
func NewEntity(id string, kind Kind, position, size r3.Vec) Entity {
	return Entity{
		ID:       id,
		Kind:     kind,
		Position: position,
		Bounds:   geom.BoxAround(position, size),
	}
}

// Size returns the extent of the entity's bounding box.
func (e *Entity) Size() r3.Vec {
	return e.Bounds.Size()
}

// Moving reports whether the entity has a non-zero movement vector.
func (e *Entity) Moving() bool {
	return e.Velocity != (r3.Vec{})
}

// At returns a copy of the entity moved to position, with its bounding box
// translated by the same displacement.
func (e Entity) At(position r3.Vec) Entity {
	e.Bounds = e.Bounds.Translate(r3.Sub(position, e.Position))
	e.Position = position
	return e
}

// Projected returns the entity's bounding box extrapolated dt into the
// future along its movement vector.
func (e *Entity) Projected(dt time.Duration) geom.Box {
	return e.Bounds.Translate(r3.Scale(dt.Seconds(), e.Velocity))
}

func (e *Entity) clone() *Entity {
	c := *e
	c.Metadata = maps.Clone(e.Metadata)
	return &c
}

func (e *Entity) validate(workspace geom.Box) error {
	switch {
	case e.ID == "":
		return fmt.Errorf("%w: empty id", ErrInvalidEntity)
	case !e.Kind.Valid():
		return fmt.Errorf("%w: %s has unknown kind %d", ErrInvalidEntity, e.ID, e.Kind)
	case !geom.Finite(e.Position) || !geom.Finite(e.Velocity):
		return fmt.Errorf("%w: %s has non-finite position or velocity", ErrInvalidEntity, e.ID)
	case !e.Bounds.Valid():
		return fmt.Errorf("%w: %s has invalid bounding box %s", ErrInvalidEntity, e.ID, e.Bounds)
	case !e.Bounds.Contains(e.Position):
		return fmt.Errorf("%w: %s bounding box %s does not contain its position", ErrInvalidEntity, e.ID, e.Bounds)
	case !workspace.Contains(e.Position) || !workspace.ContainsBox(e.Bounds):
		return fmt.Errorf("%w: %s at %s is outside workspace %s", ErrOutOfBounds, e.ID, e.Bounds, workspace)
	}
	return nil
}
