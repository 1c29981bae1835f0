// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package conflict finds spatial conflicts between entities, proposals and
// allocations, and turns each one into an ordered resolution plan.
package conflict

import (
	"crypto/sha256"
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/luxfi/ids"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/luxfi/spatial/collision"
	"github.com/luxfi/spatial/consensus"
	"github.com/luxfi/spatial/geom"
	"github.com/luxfi/spatial/planner"
	"github.com/luxfi/spatial/resource"
)

var (
	ErrUnresolvable    = errors.New("no resolution strategy applies")
	ErrUnknownConflict = errors.New("unknown conflict")
)

// Type names a kind of conflict.
type Type string

const (
	LocationOverlap    Type = "location_overlap"
	ResourceContention Type = "resource_contention"
	MovementCollision  Type = "movement_collision"
	ZoneViolation      Type = "zone_violation"
	// ExecutionFailure is raised when an approved plan had to be rolled
	// back.
	ExecutionFailure Type = "execution_failure"
)

func (t Type) rank() int {
	switch t {
	case LocationOverlap:
		return 0
	case ResourceContention:
		return 1
	case MovementCollision:
		return 2
	case ZoneViolation:
		return 3
	default:
		return 4
	}
}

// SpatialData carries the geometry or resource facts behind a conflict.
// Only the fields relevant to the conflict type are set.
type SpatialData struct {
	Region       geom.Box      `json:"region,omitzero"`
	Location     r3.Vec        `json:"location,omitzero"`
	ZoneID       string        `json:"zoneId,omitempty"`
	ResourceType string        `json:"resourceType,omitempty"`
	Demand       float64       `json:"demand,omitempty"`
	Capacity     float64       `json:"capacity,omitempty"`
	Ratio        float64       `json:"ratio,omitempty"`
	Predicted    bool          `json:"predicted,omitempty"`
	In           time.Duration `json:"in,omitempty"`
	// Entities lists involved non-agent entities such as obstacles.
	Entities []string `json:"entities,omitempty"`
}

// Conflict is one detected problem. The ID is a hash of what the conflict
// is about, so rescanning the same situation yields the same ID.
type Conflict struct {
	ID             ids.ID             `json:"id"`
	Type           Type               `json:"type"`
	InvolvedAgents []string           `json:"involvedAgents"`
	ProposalIDs    []ids.ID           `json:"proposalIds,omitempty"`
	Severity       collision.Severity `json:"severity"`
	SpatialData    SpatialData        `json:"spatialData"`
	AutoResolvable bool               `json:"autoResolvable"`
	DetectedAt     time.Time          `json:"detectedAt"`
}

// newConflict normalizes the involved parties and derives the ID. subject
// distinguishes conflicts of one type between the same parties, such as
// the zone or resource concerned.
func newConflict(typ Type, agents []string, proposals []ids.ID, subject string, severity collision.Severity, data SpatialData, at time.Time) Conflict {
	agents = slices.Compact(slices.Sorted(slices.Values(agents)))
	proposals = slices.Clone(proposals)
	slices.SortFunc(proposals, func(a, b ids.ID) int { return a.Compare(b) })
	proposals = slices.Compact(proposals)

	var b strings.Builder
	b.WriteString(string(typ))
	b.WriteByte('|')
	b.WriteString(subject)
	for _, a := range agents {
		b.WriteByte('|')
		b.WriteString(a)
	}
	for _, e := range data.Entities {
		b.WriteByte('|')
		b.WriteString(e)
	}
	for _, p := range proposals {
		b.WriteByte('|')
		b.Write(p[:])
	}
	return Conflict{
		ID:             ids.ID(sha256.Sum256([]byte(b.String()))),
		Type:           typ,
		InvolvedAgents: agents,
		ProposalIDs:    proposals,
		Severity:       severity,
		SpatialData:    data,
		AutoResolvable: severity <= collision.Medium && typ != ExecutionFailure,
		DetectedAt:     at,
	}
}

// ForExecutionFailure reports a rolled back plan as a conflict.
func ForExecutionFailure(p consensus.Proposal, err error, at time.Time) Conflict {
	data := SpatialData{}
	if p.Location != nil {
		data.Location = p.Location.Target
	}
	return newConflict(ExecutionFailure, p.Entities(), []ids.ID{p.ID}, err.Error(), collision.High, data, at)
}

// Strategy names how a conflict is resolved.
type Strategy string

const (
	PriorityBased      Strategy = "priority_based"
	Avoidance          Strategy = "avoidance"
	TemporalSeparation Strategy = "temporal_separation"
	ResourceSharing    Strategy = "resource_sharing"
	Negotiation        Strategy = "negotiation"
	EntryDenial        Strategy = "entry_denial"
)

// ActionKind names one mutation applied by a resolution.
type ActionKind string

const (
	// MoveAction places EntityID at Target.
	MoveAction ActionKind = "move"
	// RerouteAction walks EntityID along Path to Target.
	RerouteAction ActionKind = "reroute"
	// HoldAction stops EntityID for Hold.
	HoldAction ActionKind = "hold"
	// AllocateAction grants Request.
	AllocateAction ActionKind = "allocate"
	// ShareAction splits a divisible pool between Shares.
	ShareAction ActionKind = "share"
	// DenyAction rejects ProposalID with Fallbacks.
	DenyAction ActionKind = "deny"
	// EvictAction removes EntityID from ZoneID and moves it to Target.
	EvictAction ActionKind = "evict"
)

// Action is one step of a resolution.
type Action struct {
	Kind        ActionKind           `json:"kind"`
	EntityID    string               `json:"entityId,omitempty"`
	ProposalID  ids.ID               `json:"proposalId,omitzero"`
	Target      r3.Vec               `json:"target,omitzero"`
	Path        *planner.Path        `json:"path,omitempty"`
	Hold        time.Duration        `json:"hold,omitempty"`
	Request     *resource.Request    `json:"request,omitempty"`
	Shares      []resource.Share     `json:"shares,omitempty"`
	ZoneID      string               `json:"zoneId,omitempty"`
	Fallbacks   []consensus.Fallback `json:"fallbacks,omitempty"`
	Description string               `json:"description"`
}

// Resolution is the ordered plan that settles one conflict. Actions are
// applied in ImplementationOrder, which indexes Actions.
type Resolution struct {
	ConflictID          ids.ID   `json:"conflictId"`
	Type                Type     `json:"type"`
	Strategy            Strategy `json:"strategy"`
	Actions             []Action `json:"actions"`
	ExpectedOutcome     string   `json:"expectedOutcome"`
	ImplementationOrder []int    `json:"implementationOrder"`
}

// Ordered returns the actions in implementation order.
func (r Resolution) Ordered() []Action {
	out := make([]Action, 0, len(r.ImplementationOrder))
	for _, i := range r.ImplementationOrder {
		out = append(out, r.Actions[i])
	}
	return out
}

func sequential(n int) []int {
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	return order
}

// Sort orders conflicts by type, then descending severity, then ID.
func Sort(cs []Conflict) {
	slices.SortFunc(cs, func(a, b Conflict) int {
		if a.Type != b.Type {
			return a.Type.rank() - b.Type.rank()
		}
		if a.Severity != b.Severity {
			return int(b.Severity) - int(a.Severity)
		}
		return a.ID.Compare(b.ID)
	})
}
