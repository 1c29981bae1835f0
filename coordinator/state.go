// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package coordinator

import (
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/luxfi/spatial/collision"
	"github.com/luxfi/spatial/conflict"
	"github.com/luxfi/spatial/consensus"
	"github.com/luxfi/spatial/index"
	"github.com/luxfi/spatial/resource"
	"github.com/luxfi/spatial/roster"
)

// Stats is a snapshot of coordination activity.
type Stats struct {
	TotalProposals       uint64        `json:"totalProposals"`
	Approved             uint64        `json:"approvedProposals"`
	Rejected             uint64        `json:"rejectedProposals"`
	TimedOut             uint64        `json:"timedOutProposals"`
	ActiveProposals      int           `json:"activeProposals"`
	AverageConsensusTime time.Duration `json:"averageConsensusTime"`
	ConflictsDetected    uint64        `json:"conflictsDetected"`
	ConflictsResolved    uint64        `json:"conflictsResolved"`
	OpenConflicts        int           `json:"openConflicts"`
	// SpatialEfficiency is the fraction of agents not involved in an open
	// conflict, or 1 without agents.
	SpatialEfficiency float64 `json:"spatialEfficiency"`
	// ResourceUtilization is the mean allocated fraction over every pool.
	ResourceUtilization float64 `json:"resourceUtilization"`
	DuplicateVotes      uint64  `json:"duplicateVotes"`
	Rollbacks           uint64  `json:"rollbacks"`
	DroppedEvents       uint64  `json:"droppedEvents"`
}

// AgentState is an agent's directory entry with its entity.
type AgentState struct {
	roster.Agent
	Position r3.Vec   `json:"position"`
	Size     r3.Vec   `json:"size"`
	Velocity r3.Vec   `json:"velocity"`
	Zones    []string `json:"zones,omitempty"`
}

// ZoneState is a zone with its occupancy.
type ZoneState struct {
	index.Zone
	Occupancy index.ZoneOccupancy `json:"occupancy"`
}

// SpatialState is a consistent view of the coordinated world.
type SpatialState struct {
	Agents              []AgentState          `json:"agents"`
	ActiveProposals     []consensus.Proposal  `json:"activeProposals"`
	Conflicts           []conflict.Conflict   `json:"conflicts"`
	Zones               []ZoneState           `json:"zones"`
	ResourcePools       []resource.Pool       `json:"resourcePools"`
	ResourceAllocations []resource.Allocation `json:"resourceAllocations"`
}

// GetMetrics returns coordination counters and refreshes the exported
// gauges.
func (c *Coordinator) GetMetrics() Stats {
	c.lock.Lock()
	defer c.lock.Unlock()

	es := c.engine.Stats()
	_, utilization := c.resources.Utilization()
	_, dropped := c.events.stats()
	s := Stats{
		TotalProposals:       es.Proposals,
		Approved:             es.ByOutcome[consensus.Approved.String()],
		Rejected:             es.ByOutcome[consensus.Rejected.String()],
		TimedOut:             es.ByOutcome[consensus.TimedOut.String()],
		ActiveProposals:      es.Active + es.Queued,
		AverageConsensusTime: es.AverageTime,
		ConflictsDetected:    c.detected,
		ConflictsResolved:    c.resolved,
		OpenConflicts:        len(c.conflicts),
		SpatialEfficiency:    c.efficiency(),
		ResourceUtilization:  utilization,
		DuplicateVotes:       es.DuplicateVotes,
		Rollbacks:            es.Rollbacks,
		DroppedEvents:        dropped,
	}
	c.metrics.SetSpatial(s.SpatialEfficiency, s.ResourceUtilization, c.index.Len(), s.ActiveProposals)
	return s
}

// efficiency must be called with the lock held.
func (c *Coordinator) efficiency() float64 {
	n := c.agents.Size()
	if n == 0 {
		return 1
	}
	involved := make(map[string]struct{})
	for _, cf := range c.conflicts {
		for _, id := range cf.InvolvedAgents {
			if _, ok := c.agents.Get(id); ok {
				involved[id] = struct{}{}
			}
		}
	}
	return 1 - float64(len(involved))/float64(n)
}

// GetSpatialState returns every agent, active proposal, open conflict,
// zone and allocation.
func (c *Coordinator) GetSpatialState() SpatialState {
	c.lock.Lock()
	defer c.lock.Unlock()

	s := SpatialState{
		ActiveProposals:     c.engine.Active(),
		Conflicts:           c.open(),
		ResourcePools:       c.resources.Pools(),
		ResourceAllocations: c.resources.Allocations(),
	}
	for _, a := range c.agents.List() {
		st := AgentState{Agent: a}
		if e, ok := c.index.Get(a.ID); ok {
			st.Position = e.Position
			st.Size = e.Size()
			st.Velocity = e.Velocity
		}
		s.Agents = append(s.Agents, st)
	}
	for _, z := range c.index.Zones() {
		occ, err := c.index.Occupancy(z.ID)
		if err != nil {
			continue
		}
		for i := range s.Agents {
			for _, id := range occ.Occupants {
				if id == s.Agents[i].ID {
					s.Agents[i].Zones = append(s.Agents[i].Zones, z.ID)
				}
			}
		}
		s.Zones = append(s.Zones, ZoneState{Zone: z, Occupancy: occ})
	}
	return s
}

// AuditLog returns the proposal results finalized at or after since,
// oldest first.
func (c *Coordinator) AuditLog(since time.Time) []consensus.Result {
	return c.engine.AuditLog(since)
}

// QueryNearbyEntities returns the entities whose boxes come within radius
// of center, optionally restricted to kinds.
func (c *Coordinator) QueryNearbyEntities(center r3.Vec, radius float64, kinds ...index.Kind) []index.Entity {
	return c.index.QueryNearby(center, radius, kinds...)
}

// CalculateSpatialRelationships describes the neighbors of entityID within
// radius.
func (c *Coordinator) CalculateSpatialRelationships(entityID string, radius float64) (index.Relations, error) {
	return c.index.Relationships(entityID, radius)
}

// PredictCollisions extrapolates every moving entity over window. A zero
// window uses the configured prediction window.
func (c *Coordinator) PredictCollisions(window time.Duration) []collision.Info {
	if window <= 0 {
		window = c.cfg.PredictionWindow
	}
	return c.collisions.PredictCollisions(window)
}

// CheckZoneAccess reports whether agentID would be admitted to zoneID now.
func (c *Coordinator) CheckZoneAccess(agentID, zoneID string) bool {
	agent, ok := c.agents.Get(agentID)
	if !ok {
		return false
	}
	return c.index.CheckAccess(zoneID, agent) == nil
}

// GetZoneOccupancy returns the members of zoneID.
func (c *Coordinator) GetZoneOccupancy(zoneID string) (index.ZoneOccupancy, error) {
	return c.index.Occupancy(zoneID)
}

// AnalyzeHotspots returns the cells with unusually many movements over the
// last window.
func (c *Coordinator) AnalyzeHotspots(window time.Duration) []index.Hotspot {
	return c.index.Hotspots(window)
}

// GetSpatialMetrics returns index statistics.
func (c *Coordinator) GetSpatialMetrics() index.Stats {
	return c.index.Metrics()
}
