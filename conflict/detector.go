// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package conflict

import (
	"math"
	"time"

	"github.com/luxfi/ids"
	"github.com/luxfi/log"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/luxfi/spatial/collision"
	"github.com/luxfi/spatial/config"
	"github.com/luxfi/spatial/consensus"
	"github.com/luxfi/spatial/geom"
	"github.com/luxfi/spatial/index"
	"github.com/luxfi/spatial/planner"
	"github.com/luxfi/spatial/resource"
	"github.com/luxfi/spatial/roster"
	"github.com/luxfi/spatial/utils/timer/mockable"
)

// PlannedPath is a path an entity committed to at Start.
type PlannedPath struct {
	EntityID string       `json:"entityId"`
	Path     planner.Path `json:"path"`
	Start    time.Time    `json:"start"`
}

// At returns the position along the path at t, assuming constant speed
// over EstimatedTime after the hold.
func (p PlannedPath) At(t time.Time) r3.Vec {
	pts := p.Path.Waypoints
	if len(pts) == 0 {
		return r3.Vec{}
	}
	moving := p.Path.EstimatedTime - p.Path.Hold
	elapsed := t.Sub(p.Start)
	if elapsed <= 0 || p.Path.Distance <= 0 || moving <= 0 {
		return pts[0]
	}
	travelled := p.Path.Distance * float64(elapsed) / float64(moving)
	for i := 1; i < len(pts); i++ {
		seg := geom.Distance(pts[i-1], pts[i])
		if travelled <= seg {
			if seg == 0 {
				return pts[i]
			}
			return geom.Lerp(pts[i-1], pts[i], travelled/seg)
		}
		travelled -= seg
	}
	return pts[len(pts)-1]
}

// Input is the coordination state scanned alongside the index.
type Input struct {
	Proposals []consensus.Proposal
	Paths     []PlannedPath
}

// Detector scans the world model for conflicts.
type Detector struct {
	index      *index.Index
	collisions *collision.Detector
	resources  *resource.Manager
	directory  roster.Directory
	tolerance  float64
	window     time.Duration
	step       time.Duration
	clock      mockable.Source
	log        log.Logger
}

// NewDetector returns a detector over the given collaborators.
func NewDetector(
	idx *index.Index,
	collisions *collision.Detector,
	resources *resource.Manager,
	directory roster.Directory,
	cfg config.Config,
	clock mockable.Source,
	logger log.Logger,
) *Detector {
	if clock == nil {
		clock = &mockable.Clock{}
	}
	return &Detector{
		index:      idx,
		collisions: collisions,
		resources:  resources,
		directory:  directory,
		tolerance:  cfg.SpatialTolerance,
		window:     cfg.PredictionWindow,
		step:       cfg.PredictionStep,
		clock:      clock,
		log:        logger,
	}
}

// Detect returns every conflict in the current state, ordered by type,
// then severity descending, then ID.
func (d *Detector) Detect(in Input) []Conflict {
	now := d.clock.Time()
	var out []Conflict
	out = append(out, d.overlaps(in.Proposals, now)...)
	out = append(out, d.contention(in.Proposals, now)...)
	out = append(out, d.movement(in.Paths, now)...)
	out = append(out, d.zones(in.Proposals, now)...)
	Sort(out)

	if len(out) > 0 {
		d.log.Debug("conflicts detected",
			log.Int("count", len(out)),
			log.Int("proposals", len(in.Proposals)),
			log.Int("paths", len(in.Paths)),
		)
	}
	return out
}

// split separates agent ids from other entity ids.
func split(entities ...index.Entity) (agents, others []string) {
	for _, e := range entities {
		if e.Kind == index.KindAgent {
			agents = append(agents, e.ID)
		} else {
			others = append(others, e.ID)
		}
	}
	return agents, others
}

type pendingMove struct {
	proposal consensus.Proposal
	entity   index.Entity
	box      geom.Box
}

// overlaps finds boxes that intersect beyond the spatial tolerance, both
// among current positions and among pending location change targets.
func (d *Detector) overlaps(proposals []consensus.Proposal, now time.Time) []Conflict {
	var out []Conflict
	for _, a := range d.index.All() {
		if !a.Kind.Solid() {
			continue
		}
		shrunk := a.Bounds.Expand(-d.tolerance)
		for _, b := range d.index.EntitiesInBounds(shrunk) {
			if b.ID <= a.ID || !b.Kind.Solid() {
				continue
			}
			if a.Kind != index.KindAgent && b.Kind != index.KindAgent {
				continue
			}
			info, ok := collision.Assess(a, b, shrunk, b.Bounds.Expand(-d.tolerance))
			if !ok {
				continue
			}
			agents, others := split(a, b)
			out = append(out, newConflict(LocationOverlap, agents, nil, "", info.Severity, SpatialData{
				Region:   info.Region,
				Location: info.Region.Center(),
				Ratio:    info.Ratio,
				Entities: others,
			}, now))
		}
	}

	var targets []pendingMove
	moving := make(map[string]struct{})
	for _, p := range proposals {
		if p.Type != consensus.LocationChangeType {
			continue
		}
		e, ok := d.index.Get(p.Location.EntityID)
		if !ok {
			continue
		}
		targets = append(targets, pendingMove{
			proposal: p,
			entity:   e,
			box:      geom.BoxAround(p.Location.Target, e.Size()).Expand(-d.tolerance),
		})
		moving[e.ID] = struct{}{}
	}
	for i, a := range targets {
		for _, b := range targets[i+1:] {
			if a.entity.ID == b.entity.ID {
				continue
			}
			info, ok := collision.Assess(a.entity, b.entity, a.box, b.box)
			if !ok {
				continue
			}
			agents, others := split(a.entity, b.entity)
			out = append(out, newConflict(LocationOverlap, agents, []ids.ID{a.proposal.ID, b.proposal.ID}, "target", info.Severity, SpatialData{
				Region:    info.Region,
				Location:  info.Region.Center(),
				Ratio:     info.Ratio,
				Predicted: true,
				Entities:  others,
			}, now))
		}
		// A target occupied by a solid entity that is staying put.
		for _, other := range d.index.EntitiesInBounds(a.box) {
			if _, ok := moving[other.ID]; ok || !other.Kind.Solid() {
				continue
			}
			info, ok := collision.Assess(a.entity, other, a.box, other.Bounds.Expand(-d.tolerance))
			if !ok {
				continue
			}
			agents, others := split(a.entity, other)
			out = append(out, newConflict(LocationOverlap, agents, []ids.ID{a.proposal.ID}, "occupied", info.Severity, SpatialData{
				Region:    info.Region,
				Location:  info.Region.Center(),
				Ratio:     info.Ratio,
				Predicted: true,
				Entities:  others,
			}, now))
		}
	}
	return out
}

// contention finds resource types whose pending requests, together with
// current holders, exceed capacity or break exclusivity.
func (d *Detector) contention(proposals []consensus.Proposal, now time.Time) []Conflict {
	requests := make(map[string][]consensus.Proposal)
	var types []string
	for _, p := range proposals {
		if p.Type != consensus.ResourceAllocationType {
			continue
		}
		t := p.Resource.ResourceType
		if _, ok := requests[t]; !ok {
			types = append(types, t)
		}
		requests[t] = append(requests[t], p)
	}

	held := make(map[string][]resource.Allocation)
	for _, a := range d.resources.Allocations() {
		held[a.ResourceType] = append(held[a.ResourceType], a)
	}

	var out []Conflict
	for _, typ := range types {
		pool, ok := d.resources.Pool(typ)
		if !ok {
			continue
		}
		pending := requests[typ]
		holders := held[typ]
		if len(pending)+len(holders) < 2 {
			continue
		}

		var (
			agents    []string
			pids      []ids.ID
			demand    float64
			exclusive bool
		)
		for _, a := range holders {
			agents = append(agents, a.AllocatedTo)
			demand += a.Amount
			exclusive = exclusive || a.Exclusive
		}
		for _, p := range pending {
			agents = append(agents, p.Resource.AgentID)
			pids = append(pids, p.ID)
			demand += p.Resource.Amount
			exclusive = exclusive || p.Resource.Exclusive
		}
		over := demand - pool.Capacity
		if !exclusive && over <= epsilon {
			continue
		}

		ratio := math.Max(0, over) / pool.Capacity
		severity := collision.SeverityOf(ratio, false)
		if exclusive {
			severity = max(severity, collision.High)
		}
		out = append(out, newConflict(ResourceContention, agents, pids, typ, severity, SpatialData{
			ResourceType: typ,
			Demand:       demand,
			Capacity:     pool.Capacity,
			Ratio:        ratio,
		}, now))
	}
	return out
}

const epsilon = 1e-9

// movement samples committed paths in space-time over the prediction
// window and adds velocity-predicted collisions involving an agent.
func (d *Detector) movement(paths []PlannedPath, now time.Time) []Conflict {
	var out []Conflict
	seen := make(map[[2]string]struct{})

	size := func(id string) (index.Entity, r3.Vec) {
		e, ok := d.index.Get(id)
		if !ok {
			res := d.index.Resolution()
			return index.Entity{ID: id, Kind: index.KindAgent}, r3.Vec{X: res, Y: res, Z: res}
		}
		return e, e.Size()
	}

	if d.step > 0 {
		for i, a := range paths {
			ea, sa := size(a.EntityID)
			for _, b := range paths[i+1:] {
				if a.EntityID == b.EntityID {
					continue
				}
				eb, sb := size(b.EntityID)
				for dt := time.Duration(0); dt <= d.window; dt += d.step {
					at := now.Add(dt)
					ba := geom.BoxAround(a.At(at), sa)
					bb := geom.BoxAround(b.At(at), sb)
					info, ok := collision.Assess(ea, eb, ba, bb)
					if !ok {
						continue
					}
					seen[[2]string{info.A, info.B}] = struct{}{}
					agents, others := split(ea, eb)
					out = append(out, newConflict(MovementCollision, agents, nil, "path", info.Severity, SpatialData{
						Region:    info.Region,
						Location:  info.Region.Center(),
						Ratio:     info.Ratio,
						Predicted: true,
						In:        dt,
						Entities:  others,
					}, now))
					break
				}
			}
		}
	}

	for _, info := range d.collisions.PredictCollisions(d.window) {
		if info.KindA != index.KindAgent && info.KindB != index.KindAgent {
			continue
		}
		if _, ok := seen[[2]string{info.A, info.B}]; ok {
			continue
		}
		a := index.Entity{ID: info.A, Kind: info.KindA}
		b := index.Entity{ID: info.B, Kind: info.KindB}
		agents, others := split(a, b)
		out = append(out, newConflict(MovementCollision, agents, nil, "velocity", info.Severity, SpatialData{
			Region:    info.Region,
			Location:  info.Region.Center(),
			Ratio:     info.Ratio,
			Predicted: true,
			In:        info.In,
			Entities:  others,
		}, now))
	}
	return out
}

// zones finds zones over capacity, agents present in a zone they may not
// use, and pending entries into a full zone.
func (d *Detector) zones(proposals []consensus.Proposal, now time.Time) []Conflict {
	var out []Conflict
	agents := make([]index.Entity, 0)
	for _, e := range d.index.All() {
		if e.Kind == index.KindAgent {
			agents = append(agents, e)
		}
	}

	for _, z := range d.index.Zones() {
		occ, err := d.index.Occupancy(z.ID)
		if err != nil {
			continue
		}
		base := collision.Medium
		if z.Kind == index.ZoneHazard {
			base = collision.High
		}

		if z.Capacity > 0 && occ.Occupancy > z.Capacity {
			out = append(out, newConflict(ZoneViolation, occ.Occupants, nil, "capacity:"+z.ID, base.Bump(), SpatialData{
				Region:   z.Bounds,
				ZoneID:   z.ID,
				Demand:   float64(occ.Occupancy),
				Capacity: float64(z.Capacity),
				Ratio:    float64(occ.Occupancy-z.Capacity) / float64(z.Capacity),
			}, now))
		}

		for _, e := range agents {
			if !z.Bounds.Contains(e.Position) || d.index.IsMember(z.ID, e.ID) {
				continue
			}
			agent, ok := d.directory.Get(e.ID)
			if ok && z.Allows(agent) {
				continue
			}
			out = append(out, newConflict(ZoneViolation, []string{e.ID}, nil, "presence:"+z.ID, base, SpatialData{
				Region:   z.Bounds,
				Location: e.Position,
				ZoneID:   z.ID,
			}, now))
		}

		if !occ.Full() {
			continue
		}
		for _, p := range proposals {
			if p.Type != consensus.ZoneAccessType || p.Zone.ZoneID != z.ID || p.Zone.Action != consensus.Enter {
				continue
			}
			if d.index.IsMember(z.ID, p.Zone.AgentID) {
				continue
			}
			out = append(out, newConflict(ZoneViolation, []string{p.Zone.AgentID}, []ids.ID{p.ID}, "entry:"+z.ID, collision.Low, SpatialData{
				Region:   z.Bounds,
				ZoneID:   z.ID,
				Demand:   float64(occ.Occupancy + 1),
				Capacity: float64(z.Capacity),
			}, now))
		}
	}
	return out
}
