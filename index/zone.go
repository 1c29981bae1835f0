// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package index

import (
	"fmt"
	"slices"

	"github.com/luxfi/spatial/geom"
	"github.com/luxfi/spatial/roster"
)

// ZoneKind classifies a zone.
type ZoneKind string

const (
	ZonePublic     ZoneKind = "public"
	ZoneRestricted ZoneKind = "restricted"
	ZoneWork       ZoneKind = "work"
	ZoneCharging   ZoneKind = "charging"
	ZoneHazard     ZoneKind = "hazard"
)

// AccessRule grants or denies zone entry to the agents it matches. A rule
// matches an agent when the agent is listed (or the list is empty), holds
// every listed capability and has at least MinTrust.
type AccessRule struct {
	AgentIDs     []string `json:"agentIds,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	MinTrust     float64  `json:"minTrust,omitempty"`
	Deny         bool     `json:"deny,omitempty"`
}

func (r AccessRule) matches(a roster.Agent) bool {
	if len(r.AgentIDs) > 0 && !slices.Contains(r.AgentIDs, a.ID) {
		return false
	}
	for _, c := range r.Capabilities {
		if !a.HasCapability(c) {
			return false
		}
	}
	return a.TrustLevel >= r.MinTrust
}

// SpatialRules constrain movement through a zone.
type SpatialRules struct {
	// TraversalCost multiplies the cost of path edges inside the zone.
	// Values below 1 are treated as 1.
	TraversalCost float64 `json:"traversalCost,omitempty"`
	// SpeedLimit caps movement speed inside the zone; 0 means no limit.
	SpeedLimit float64 `json:"speedLimit,omitempty"`
	// NoTransit marks the zone as blocked for through traffic.
	NoTransit bool `json:"noTransit,omitempty"`
}

// Cost returns the traversal multiplier, never below 1.
func (r SpatialRules) Cost() float64 {
	if r.TraversalCost < 1 {
		return 1
	}
	return r.TraversalCost
}

// Zone is a named region with a capacity and access rules. Occupancy is
// not stored on the zone; it is the size of the index's membership set.
type Zone struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Kind         ZoneKind     `json:"kind"`
	Bounds       geom.Box     `json:"boundaries"`
	Capacity     int          `json:"capacity"`
	AccessRules  []AccessRule `json:"accessRules,omitempty"`
	SpatialRules SpatialRules `json:"spatialRules"`
}

// Allows evaluates the access rules for agent a. Deny rules win; when any
// allow rule exists, one must match.
func (z *Zone) Allows(a roster.Agent) bool {
	hasAllow := false
	allowed := false
	for _, r := range z.AccessRules {
		if r.Deny {
			if r.matches(a) {
				return false
			}
			continue
		}
		hasAllow = true
		if r.matches(a) {
			allowed = true
		}
	}
	return !hasAllow || allowed
}

func (z *Zone) clone() *Zone {
	c := *z
	c.AccessRules = slices.Clone(z.AccessRules)
	return &c
}

func (z *Zone) validate(workspace geom.Box) error {
	switch {
	case z.ID == "":
		return fmt.Errorf("%w: empty id", ErrInvalidZone)
	case !z.Bounds.Valid():
		return fmt.Errorf("%w: %s has invalid boundaries %s", ErrInvalidZone, z.ID, z.Bounds)
	case !workspace.ContainsBox(z.Bounds):
		return fmt.Errorf("%w: %s boundaries %s exceed workspace", ErrInvalidZone, z.ID, z.Bounds)
	case z.Capacity < 0:
		return fmt.Errorf("%w: %s has negative capacity", ErrInvalidZone, z.ID)
	}
	return nil
}

// ZoneOccupancy reports a zone's membership.
type ZoneOccupancy struct {
	ZoneID    string   `json:"zoneId"`
	Capacity  int      `json:"capacity"`
	Occupancy int      `json:"currentOccupancy"`
	Occupants []string `json:"occupants"`
}

// Full reports whether the zone has no free slot. A zero capacity means
// unlimited.
func (o ZoneOccupancy) Full() bool {
	return o.Capacity > 0 && o.Occupancy >= o.Capacity
}
