// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package planner

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/luxfi/spatial/geom"
)

var (
	ErrPathNotFound   = errors.New("path not found")
	ErrInvalidRequest = errors.New("invalid path request")
	ErrNoFreeLocation = errors.New("no free location within search radius")
)

// ConstraintType names a movement constraint.
type ConstraintType string

const (
	// AvoidZone blocks every cell inside the zone named by Target.
	AvoidZone ConstraintType = "avoid_zone"
	// AvoidEntity blocks cells within Value of the entity named by Target.
	AvoidEntity ConstraintType = "avoid_entity"
	// SpeedLimit caps speed at Value inside Region, or everywhere when
	// Region is the zero box.
	SpeedLimit ConstraintType = "speed_limit"
	// Waypoint forces the path through Point. Waypoints are visited in
	// the order given.
	Waypoint ConstraintType = "waypoint"
	// TimeWindow requires arrival no earlier than Earliest and no later
	// than Latest, both relative to departure. A zero Latest is open.
	TimeWindow ConstraintType = "time_window"
)

// Constraint restricts a path. Soft constraints are dropped when an urgent
// request is retried.
type Constraint struct {
	Type     ConstraintType `json:"type"`
	Target   string         `json:"target,omitempty"`
	Point    r3.Vec         `json:"point,omitempty"`
	Value    float64        `json:"value,omitempty"`
	Region   geom.Box       `json:"region,omitempty"`
	Earliest time.Duration  `json:"earliest,omitempty"`
	Latest   time.Duration  `json:"latest,omitempty"`
	Soft     bool           `json:"soft,omitempty"`
}

func (c Constraint) validate() error {
	switch c.Type {
	case AvoidZone, AvoidEntity:
		if c.Target == "" {
			return fmt.Errorf("%w: %s without target", ErrInvalidRequest, c.Type)
		}
		if c.Value < 0 {
			return fmt.Errorf("%w: %s margin %v", ErrInvalidRequest, c.Type, c.Value)
		}
	case SpeedLimit:
		if c.Value <= 0 {
			return fmt.Errorf("%w: speed limit %v", ErrInvalidRequest, c.Value)
		}
	case Waypoint:
		if !geom.Finite(c.Point) {
			return fmt.Errorf("%w: non-finite waypoint", ErrInvalidRequest)
		}
	case TimeWindow:
		if c.Earliest < 0 || (c.Latest != 0 && c.Latest < c.Earliest) {
			return fmt.Errorf("%w: time window [%v, %v]", ErrInvalidRequest, c.Earliest, c.Latest)
		}
	default:
		return fmt.Errorf("%w: unknown constraint %q", ErrInvalidRequest, c.Type)
	}
	return nil
}

// Priority of a path request.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	// PriorityUrgent requests are retried once with soft constraints
	// dropped and a doubled expansion budget.
	PriorityUrgent Priority = "urgent"
)

// Request asks for a path for EntityID from Start to Goal.
type Request struct {
	EntityID string `json:"entityId"`
	Start    r3.Vec `json:"start"`
	Goal     r3.Vec `json:"goal"`
	// Size of the moving box. Zero selects the entity's current size, or
	// one grid cell when the entity is unknown.
	Size r3.Vec `json:"size,omitempty"`
	// MaxSpeed in units per second. Zero selects the configured default.
	MaxSpeed     float64      `json:"maxSpeed,omitempty"`
	Constraints  []Constraint `json:"constraints,omitempty"`
	Priority     Priority     `json:"priority,omitempty"`
	Alternatives int          `json:"alternatives,omitempty"`
}

func (r *Request) validate(workspace geom.Box) error {
	switch {
	case !geom.Finite(r.Start) || !geom.Finite(r.Goal):
		return fmt.Errorf("%w: non-finite endpoint", ErrInvalidRequest)
	case !workspace.Contains(r.Start) || !workspace.Contains(r.Goal):
		return fmt.Errorf("%w: endpoint outside workspace", ErrInvalidRequest)
	case r.MaxSpeed < 0 || r.Alternatives < 0:
		return fmt.Errorf("%w: negative speed or alternatives", ErrInvalidRequest)
	case r.Size.X < 0 || r.Size.Y < 0 || r.Size.Z < 0:
		return fmt.Errorf("%w: negative size", ErrInvalidRequest)
	}
	for _, c := range r.Constraints {
		if err := c.validate(); err != nil {
			return err
		}
	}
	return nil
}

// relaxed returns a copy of r without soft constraints.
func (r Request) relaxed() Request {
	r.Constraints = slices.DeleteFunc(slices.Clone(r.Constraints), func(c Constraint) bool {
		return c.Soft
	})
	return r
}

func (r *Request) waypoints() []r3.Vec {
	var out []r3.Vec
	for _, c := range r.Constraints {
		if c.Type == Waypoint {
			out = append(out, c.Point)
		}
	}
	return out
}

func (r *Request) timeWindow() (Constraint, bool) {
	for _, c := range r.Constraints {
		if c.Type == TimeWindow {
			return c, true
		}
	}
	return Constraint{}, false
}

// Path is a planned route. Waypoints begin at the exact start and end at
// the exact goal; intermediate waypoints are grid cell centres.
type Path struct {
	Waypoints     []r3.Vec      `json:"waypoints"`
	Distance      float64       `json:"distance"`
	EstimatedTime time.Duration `json:"estimatedTime"`
	// Hold is the wait added to satisfy a time window's earliest arrival.
	Hold       time.Duration `json:"hold,omitempty"`
	EnergyCost float64       `json:"energyCost"`
	RiskLevel  float64       `json:"riskLevel"`
	Expansions int           `json:"expansions"`
	// Relaxed is set when the path came from an urgent retry.
	Relaxed          bool   `json:"relaxed,omitempty"`
	AlternativePaths []Path `json:"alternativePaths,omitempty"`
}

func (p Path) clone() Path {
	p.Waypoints = slices.Clone(p.Waypoints)
	if p.AlternativePaths != nil {
		alts := make([]Path, len(p.AlternativePaths))
		for i, a := range p.AlternativePaths {
			alts[i] = a.clone()
		}
		p.AlternativePaths = alts
	}
	return p
}
