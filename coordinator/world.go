// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package coordinator

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"time"

	"github.com/luxfi/ids"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/luxfi/spatial/consensus"
	"github.com/luxfi/spatial/geom"
	"github.com/luxfi/spatial/index"
	"github.com/luxfi/spatial/planner"
	"github.com/luxfi/spatial/resource"
	"github.com/luxfi/spatial/roster"
	"github.com/luxfi/spatial/utils/timer/mockable"
)

// gatherCells bounds the search for a collaboration spot, in grid cells
// beyond the participant's own extent.
const gatherCells = 8

const (
	collaborationKey = "collaboration"
	// holdUntilKey carries the end of a resolution hold in Unix
	// milliseconds.
	holdUntilKey = "holdUntil"
)

var (
	_ consensus.Prechecker       = (*world)(nil)
	_ consensus.ConditionChecker = (*world)(nil)
	_ consensus.Executor         = (*world)(nil)
)

// world applies consensus outcomes to the index and the resource manager.
// The engine calls it with its own lock held, so it must never call back
// into the engine or take the coordinator lock.
type world struct {
	agents    roster.Directory
	index     *index.Index
	planner   *planner.Planner
	resources *resource.Manager
	clock     mockable.Source
	tolerance float64
}

// snapshot is what Rollback needs to undo a plan.
type snapshot struct {
	index       *index.Snapshot
	allocations map[ids.ID]resource.Allocation
}

// Precheck rejects proposals whose preconditions already fail, so that
// they never reach a vote round.
func (w *world) Precheck(p consensus.Proposal) ([]consensus.Fallback, error) {
	switch p.Type {
	case consensus.LocationChangeType:
		return w.precheckMove(p.Location)
	case consensus.ResourceAllocationType:
		req := *p.Resource
		if err := w.resources.CanAllocate(req); err != nil {
			if errors.Is(err, resource.ErrUnknownResource) {
				return nil, err
			}
			return consensus.ResourceFallbacks(w.resources.Fallbacks(req)), err
		}
		return nil, nil
	case consensus.ZoneAccessType:
		return w.precheckZone(p.Zone)
	case consensus.CollaborationRequestType:
		for _, id := range p.Collaboration.Participants {
			if _, ok := w.agents.Get(id); !ok {
				return nil, fmt.Errorf("%w: participant %s", roster.ErrUnknownAgent, id)
			}
			if _, ok := w.index.Get(id); !ok {
				return nil, fmt.Errorf("%w: participant %s", index.ErrUnknownEntity, id)
			}
		}
		if !w.index.Workspace().Contains(p.Collaboration.Location) {
			return nil, fmt.Errorf("%w: collaboration at %v", index.ErrOutOfBounds, p.Collaboration.Location)
		}
		return nil, nil
	}
	return nil, fmt.Errorf("%w: type %q", consensus.ErrInvalidProposal, p.Type)
}

func (w *world) precheckMove(change *consensus.LocationChange) ([]consensus.Fallback, error) {
	e, ok := w.index.Get(change.EntityID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", index.ErrUnknownEntity, change.EntityID)
	}
	if until, held := w.holdEnd(e); held {
		return []consensus.Fallback{{
			Kind:        consensus.FallbackRetry,
			Description: fmt.Sprintf("%s is held by conflict resolution", e.ID),
			AvailableAt: until,
		}}, fmt.Errorf("%w: %s until %s", ErrHeld, e.ID, until.Format(time.RFC3339Nano))
	}
	if _, ok := e.Metadata[holdUntilKey]; ok {
		if err := w.release(e); err != nil {
			return nil, err
		}
	}

	box := geom.BoxAround(change.Target, e.Size())
	var reason error
	if !w.index.Workspace().ContainsBox(box) {
		reason = fmt.Errorf("%w: target %v", index.ErrOutOfBounds, change.Target)
	} else if obstacle, blocked := w.obstacleAt(box, e.ID); blocked {
		reason = fmt.Errorf("%w: target %v is occupied by obstacle %s", ErrStepBlocked, change.Target, obstacle)
	}
	if reason == nil {
		return nil, nil
	}

	near := w.index.Workspace().Clamp(change.Target)
	radius := gatherCells*w.index.Resolution() + maxDim(e.Size())
	free, err := w.planner.FindNearbyFreeLocation(near, e.Size(), radius, []string{e.ID}, nil)
	if err != nil {
		return nil, reason
	}
	return []consensus.Fallback{{
		Kind:        consensus.FallbackRelocate,
		Description: fmt.Sprintf("nearest free location to %v", change.Target),
		Location:    &free,
	}}, reason
}

// holdEnd reports whether e is still held and until when.
func (w *world) holdEnd(e index.Entity) (time.Time, bool) {
	raw, ok := e.Metadata[holdUntilKey]
	if !ok {
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	until := time.UnixMilli(ms)
	return until, w.clock.Time().Before(until)
}

// release drops an expired hold from e.
func (w *world) release(e index.Entity) error {
	e.Metadata = maps.Clone(e.Metadata)
	delete(e.Metadata, holdUntilKey)
	return w.index.Update(e)
}

func (w *world) obstacleAt(box geom.Box, self string) (string, bool) {
	shrunk := box.Expand(-w.tolerance)
	for _, other := range w.index.EntitiesInBounds(shrunk) {
		if other.ID != self && other.Kind == index.KindObstacle && geom.Intersects(shrunk, other.Bounds.Expand(-w.tolerance)) {
			return other.ID, true
		}
	}
	return "", false
}

func (w *world) precheckZone(access *consensus.ZoneAccess) ([]consensus.Fallback, error) {
	if access.Action == consensus.Exit {
		if _, ok := w.index.Zone(access.ZoneID); !ok {
			return nil, fmt.Errorf("%w: %s", index.ErrUnknownZone, access.ZoneID)
		}
		if !w.index.IsMember(access.ZoneID, access.AgentID) {
			return nil, fmt.Errorf("%w: %s is not in %s", ErrNotMember, access.AgentID, access.ZoneID)
		}
		return nil, nil
	}

	agent, ok := w.agents.Get(access.AgentID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", roster.ErrUnknownAgent, access.AgentID)
	}
	err := w.index.CheckAccess(access.ZoneID, agent)
	if errors.Is(err, index.ErrZoneFull) {
		return []consensus.Fallback{{
			Kind:        consensus.FallbackWait,
			Description: fmt.Sprintf("retry once an occupant leaves %s", access.ZoneID),
		}}, err
	}
	return nil, err
}

// Satisfiable evaluates one condition of a conditional vote against the
// current world model.
func (w *world) Satisfiable(p consensus.Proposal, c consensus.Condition) bool {
	switch c.Kind {
	case consensus.TargetFree:
		size := r3.Vec{X: c.Value, Y: c.Value, Z: c.Value}
		if c.Value <= 0 {
			res := w.index.Resolution()
			size = r3.Vec{X: res, Y: res, Z: res}
		}
		box := geom.BoxAround(c.Point, size).Expand(-w.tolerance)
		if !w.index.Workspace().ContainsBox(box) {
			return false
		}
		skip := p.Entities()
		for _, other := range w.index.EntitiesInBounds(box) {
			if other.Kind.Solid() && !slices.Contains(skip, other.ID) && geom.Intersects(box, other.Bounds) {
				return false
			}
		}
		return true
	case consensus.ZoneHasCapacity:
		occ, err := w.index.Occupancy(c.Subject)
		return err == nil && !occ.Full()
	case consensus.ResourceAvailable:
		available, err := w.resources.Available(c.Subject)
		return err == nil && available+epsilon >= c.Value
	case consensus.AgentRegistered:
		_, ok := w.agents.Get(c.Subject)
		return ok
	}
	return false
}

// BuildPlan expands an approved proposal into atomic steps. Moves follow a
// planned path one waypoint at a time.
func (w *world) BuildPlan(p consensus.Proposal) (consensus.Plan, error) {
	var steps []consensus.Step
	switch p.Type {
	case consensus.LocationChangeType:
		moves, err := w.route(p.Location.EntityID, p.Location.Target, p.Location.Urgent)
		if err != nil {
			return consensus.Plan{}, err
		}
		steps = moves
	case consensus.ResourceAllocationType:
		req := *p.Resource
		steps = []consensus.Step{{
			Kind:        consensus.AllocateStep,
			EntityID:    req.AgentID,
			Resource:    &req,
			Description: fmt.Sprintf("allocate %v of %s to %s", req.Amount, req.ResourceType, req.AgentID),
		}}
	case consensus.ZoneAccessType:
		kind := consensus.EnterZoneStep
		if p.Zone.Action == consensus.Exit {
			kind = consensus.ExitZoneStep
		}
		steps = []consensus.Step{{
			Kind:        kind,
			EntityID:    p.Zone.AgentID,
			ZoneID:      p.Zone.ZoneID,
			Description: fmt.Sprintf("%s %s %s", p.Zone.AgentID, p.Zone.Action, p.Zone.ZoneID),
		}}
	case consensus.CollaborationRequestType:
		gather, err := w.gather(p.Collaboration)
		if err != nil {
			return consensus.Plan{}, err
		}
		steps = gather
	default:
		return consensus.Plan{}, fmt.Errorf("%w: type %q", consensus.ErrInvalidProposal, p.Type)
	}
	for i := range steps {
		steps[i].Index = i
	}
	return consensus.Plan{Steps: steps}, nil
}

// route plans entityID to target and returns one move per waypoint after
// the start.
func (w *world) route(entityID string, target r3.Vec, urgent bool) ([]consensus.Step, error) {
	e, ok := w.index.Get(entityID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", index.ErrUnknownEntity, entityID)
	}
	req := planner.Request{
		EntityID: entityID,
		Start:    e.Position,
		Goal:     target,
		Size:     e.Size(),
		Priority: planner.PriorityNormal,
	}
	if urgent {
		req.Priority = planner.PriorityUrgent
	}
	if agent, ok := w.agents.Get(entityID); ok {
		req.MaxSpeed = agent.MaxSpeed
	}
	path, err := w.planner.Plan(req)
	if err != nil {
		return nil, err
	}

	var steps []consensus.Step
	for _, pt := range path.Waypoints[1:] {
		steps = append(steps, consensus.Step{
			Kind:        consensus.MoveStep,
			EntityID:    entityID,
			Position:    pt,
			Description: fmt.Sprintf("move %s to %v", entityID, pt),
		})
	}
	if len(steps) == 0 && e.Position != target {
		steps = append(steps, consensus.Step{
			Kind:        consensus.MoveStep,
			EntityID:    entityID,
			Position:    target,
			Description: fmt.Sprintf("move %s to %v", entityID, target),
		})
	}
	return steps, nil
}

// gather moves every participant to its own free spot around the meeting
// point, then marks it as collaborating.
func (w *world) gather(collab *consensus.Collaboration) ([]consensus.Step, error) {
	var (
		steps    []consensus.Step
		reserved []geom.Box
	)
	for _, id := range collab.Participants {
		e, ok := w.index.Get(id)
		if !ok {
			return nil, fmt.Errorf("%w: %s", index.ErrUnknownEntity, id)
		}
		radius := gatherCells*w.index.Resolution() + maxDim(e.Size())
		spot, err := w.planner.FindNearbyFreeLocation(collab.Location, e.Size(), radius, collab.Participants, reserved)
		if err != nil {
			return nil, err
		}
		reserved = append(reserved, geom.BoxAround(spot, e.Size()))
		moves, err := w.route(id, spot, false)
		if err != nil {
			return nil, err
		}
		steps = append(steps, moves...)
	}
	for _, id := range collab.Participants {
		steps = append(steps, consensus.Step{
			Kind:        consensus.CollaborateStep,
			EntityID:    id,
			Description: fmt.Sprintf("%s joins %s", id, collab.Task),
		})
	}
	return steps, nil
}

// Snapshot captures the entities the proposal touches, every zone
// membership and every allocation.
func (w *world) Snapshot(p consensus.Proposal) (any, error) {
	return &snapshot{
		index:       w.index.Snapshot(p.Entities()...),
		allocations: w.resources.Snapshot(),
	}, nil
}

// ExecuteStep applies one step. A move into a box taken by a solid entity
// outside the proposal fails with ErrStepBlocked, a move of a held entity
// with ErrHeld.
func (w *world) ExecuteStep(p consensus.Proposal, s consensus.Step) error {
	switch s.Kind {
	case consensus.MoveStep:
		e, ok := w.index.Get(s.EntityID)
		if !ok {
			return fmt.Errorf("%w: %s", index.ErrUnknownEntity, s.EntityID)
		}
		if until, held := w.holdEnd(e); held {
			return fmt.Errorf("%w: %s until %s", ErrHeld, e.ID, until.Format(time.RFC3339Nano))
		}
		if other, blocked := w.blocker(e, s.Position, p.Entities()); blocked {
			return fmt.Errorf("%w: %s at %v hits %s", ErrStepBlocked, e.ID, s.Position, other)
		}
		return w.index.Move(s.EntityID, s.Position)
	case consensus.AllocateStep:
		_, err := w.resources.Allocate(*s.Resource, p.ID)
		return err
	case consensus.EnterZoneStep:
		agent, ok := w.agents.Get(s.EntityID)
		if !ok {
			return fmt.Errorf("%w: %s", roster.ErrUnknownAgent, s.EntityID)
		}
		return w.index.Enter(s.ZoneID, agent)
	case consensus.ExitZoneStep:
		return w.index.Exit(s.ZoneID, s.EntityID)
	case consensus.CollaborateStep:
		e, ok := w.index.Get(s.EntityID)
		if !ok {
			return fmt.Errorf("%w: %s", index.ErrUnknownEntity, s.EntityID)
		}
		e.Metadata = maps.Clone(e.Metadata)
		if e.Metadata == nil {
			e.Metadata = make(map[string]string, 1)
		}
		e.Metadata[collaborationKey] = p.Collaboration.Task
		return w.index.Update(e)
	}
	return fmt.Errorf("%w: step kind %q", consensus.ErrExecutionFailure, s.Kind)
}

// blocker returns a solid entity other than e and those in skip that a box
// of e's size at pos would overlap by more than the tolerance.
func (w *world) blocker(e index.Entity, pos r3.Vec, skip []string) (string, bool) {
	box := geom.BoxAround(pos, e.Size()).Expand(-w.tolerance)
	for _, other := range w.index.EntitiesInBounds(box) {
		if other.ID == e.ID || !other.Kind.Solid() || slices.Contains(skip, other.ID) {
			continue
		}
		if geom.Intersects(box, other.Bounds.Expand(-w.tolerance)) {
			return other.ID, true
		}
	}
	return "", false
}

// Rollback restores the state captured by Snapshot.
func (w *world) Rollback(_ consensus.Proposal, s any) error {
	snap, ok := s.(*snapshot)
	if !ok {
		return fmt.Errorf("%w: unexpected snapshot %T", consensus.ErrExecutionFailure, s)
	}
	w.resources.Restore(snap.allocations)
	return w.index.Restore(snap.index)
}

func maxDim(v r3.Vec) float64 {
	return max(v.X, v.Y, v.Z)
}
