// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package coordinator

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strconv"

	"github.com/luxfi/ids"
	"github.com/luxfi/log"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/luxfi/spatial/conflict"
	"github.com/luxfi/spatial/consensus"
	"github.com/luxfi/spatial/geom"
	"github.com/luxfi/spatial/index"
	"github.com/luxfi/spatial/planner"
	"github.com/luxfi/spatial/utils/wrappers"
)

// PlanPath plans a path. When the request names a registered entity the
// path is remembered as that entity's committed route for movement
// collision detection until it is expected to complete.
func (c *Coordinator) PlanPath(req planner.Request) (planner.Path, error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	path, err := c.planner.Plan(req)
	if err != nil {
		return planner.Path{}, err
	}
	if _, ok := c.index.Get(req.EntityID); ok {
		c.paths[req.EntityID] = conflict.PlannedPath{
			EntityID: req.EntityID,
			Path:     path,
			Start:    c.clock.Time(),
		}
	}
	return path, nil
}

// input gathers the coordination state scanned by the detector. It must be
// called with the lock held.
func (c *Coordinator) input() conflict.Input {
	in := conflict.Input{Proposals: c.engine.Active()}
	for _, id := range slices.Sorted(maps.Keys(c.paths)) {
		in.Paths = append(in.Paths, c.paths[id])
	}
	return in
}

// track records newly seen conflicts. It must be called with the lock
// held.
func (c *Coordinator) track(found []conflict.Conflict) {
	var fresh []conflict.Conflict
	for _, cf := range found {
		if _, ok := c.conflicts[cf.ID]; ok {
			continue
		}
		c.conflicts[cf.ID] = cf
		fresh = append(fresh, cf)
	}
	if len(fresh) == 0 {
		return
	}
	c.detected += uint64(len(fresh))
	c.metrics.ObserveConflicts(fresh)
	for _, cf := range fresh {
		c.log.Debug("conflict detected",
			log.Stringer("conflictID", cf.ID),
			log.String("type", string(cf.Type)),
			log.Stringer("severity", cf.Severity),
			log.Bool("autoResolvable", cf.AutoResolvable),
		)
		c.publish(Event{Kind: ConflictDetected, Conflict: &cf})
	}
}

// DetectSpatialConflicts scans the index, active proposals and committed
// paths. Conflicts that no longer hold are forgotten, except rolled back
// executions which stay open until they are resolved. The open conflicts
// are returned ordered by type, then severity, then ID.
func (c *Coordinator) DetectSpatialConflicts() []conflict.Conflict {
	c.lock.Lock()
	defer c.lock.Unlock()

	found := c.detector.Detect(c.input())
	current := make(map[ids.ID]struct{}, len(found))
	for _, cf := range found {
		current[cf.ID] = struct{}{}
	}
	for id, cf := range c.conflicts {
		if _, ok := current[id]; !ok && cf.Type != conflict.ExecutionFailure {
			delete(c.conflicts, id)
		}
	}
	c.track(found)
	return c.open()
}

// open must be called with the lock held.
func (c *Coordinator) open() []conflict.Conflict {
	out := slices.Collect(maps.Values(c.conflicts))
	conflict.Sort(out)
	return out
}

// ResolveConflicts resolves and applies the open conflicts named by ids,
// or every open conflict when ids is empty. A resolution is applied
// atomically: if one of its actions fails the index and allocations are
// restored and the conflict stays open. The resolutions that were applied
// are returned together with the first failure.
func (c *Coordinator) ResolveConflicts(conflictIDs []ids.ID) ([]conflict.Resolution, error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	if err := c.mutable(); err != nil {
		return nil, err
	}
	if len(conflictIDs) == 0 {
		for _, cf := range c.open() {
			conflictIDs = append(conflictIDs, cf.ID)
		}
	}

	var (
		errs wrappers.Errs
		out  []conflict.Resolution
	)
	for _, id := range conflictIDs {
		cf, ok := c.conflicts[id]
		if !ok {
			errs.Add(fmt.Errorf("%w: %s", conflict.ErrUnknownConflict, id))
			continue
		}
		res, err := c.resolver.Resolve(cf, c.resolutionContext())
		if err != nil {
			errs.Add(err)
			continue
		}
		if err := c.apply(res); err != nil {
			c.log.Warn("conflict resolution failed",
				log.Stringer("conflictID", id),
				log.String("strategy", string(res.Strategy)),
				log.Err(err),
			)
			errs.Add(err)
			continue
		}
		delete(c.conflicts, id)
		if err := c.verifyPlacement(moved(res), nil); err != nil {
			return out, err
		}
		c.resolved++
		c.metrics.ObserveResolution(res)
		for _, a := range res.Ordered() {
			c.publish(Event{Kind: ConflictResolved, Conflict: &cf, Resolution: &res, Action: &a})
		}
		out = append(out, res)
	}
	if err := c.verify(); err != nil {
		return out, err
	}
	return out, errs.Err
}

// resolutionContext must be called with the lock held.
func (c *Coordinator) resolutionContext() conflict.Context {
	ctx := conflict.Context{
		Proposals: make(map[ids.ID]consensus.Proposal),
		Paths:     maps.Clone(c.paths),
	}
	for _, p := range c.engine.Active() {
		ctx.Proposals[p.ID] = p
	}
	return ctx
}

// moved lists the entities a resolution relocates.
func moved(res conflict.Resolution) []string {
	var out []string
	for _, a := range res.Actions {
		switch a.Kind {
		case conflict.MoveAction, conflict.RerouteAction, conflict.EvictAction:
			out = append(out, a.EntityID)
		}
	}
	return out
}

// withdrawal is a proposal superseded by an applied resolution. A granted
// proposal finalizes as approved, any other as rejected.
type withdrawal struct {
	id        ids.ID
	granted   bool
	reason    string
	fallbacks []consensus.Fallback
}

// apply mutates the world model for every action of res, then withdraws
// the proposals the actions replaced.
func (c *Coordinator) apply(res conflict.Resolution) error {
	actions := res.Ordered()
	var touched []string
	for _, a := range actions {
		if a.EntityID != "" {
			touched = append(touched, a.EntityID)
		}
		for _, s := range a.Shares {
			touched = append(touched, s.Request.AgentID)
		}
	}
	snap := c.index.Snapshot(touched...)
	allocations := c.resources.Snapshot()

	var withdrawn []withdrawal
	for _, a := range actions {
		w, err := c.applyAction(a)
		if err != nil {
			c.resources.Restore(allocations)
			if rerr := c.index.Restore(snap); rerr != nil {
				err = errors.Join(err, rerr)
			}
			return fmt.Errorf("%s action on %s: %w", a.Kind, a.EntityID, err)
		}
		withdrawn = append(withdrawn, w...)
	}

	for _, w := range withdrawn {
		var err error
		if w.granted {
			_, err = c.engine.Grant(w.id, w.reason)
		} else {
			_, err = c.engine.Withdraw(w.id, w.reason, w.fallbacks)
		}
		if err != nil {
			c.log.Debug("proposal already settled",
				log.Stringer("proposalID", w.id),
				log.Err(err),
			)
		}
	}
	return nil
}

// reachesTarget reports whether a move action puts its proposal's entity
// on the target that proposal asked for.
func (c *Coordinator) reachesTarget(a conflict.Action) bool {
	p, ok := c.engine.Proposal(a.ProposalID)
	if !ok || p.Location == nil {
		return false
	}
	return p.Location.EntityID == a.EntityID && geom.Distance(p.Location.Target, a.Target) <= epsilon
}

func (c *Coordinator) applyAction(a conflict.Action) ([]withdrawal, error) {
	var withdrawn []withdrawal
	supersede := func(id ids.ID, reason string, fallbacks []consensus.Fallback) {
		if id != ids.Empty {
			withdrawn = append(withdrawn, withdrawal{id: id, reason: reason, fallbacks: fallbacks})
		}
	}
	grant := func(id ids.ID, reason string) {
		if id != ids.Empty {
			withdrawn = append(withdrawn, withdrawal{id: id, granted: true, reason: reason})
		}
	}
	move := func(id string, pos r3.Vec) error {
		e, ok := c.index.Get(id)
		if !ok {
			return fmt.Errorf("%w: %s", index.ErrUnknownEntity, id)
		}
		if other, blocked := c.world.blocker(e, pos, nil); blocked {
			return fmt.Errorf("%w: %s at %v hits %s", ErrStepBlocked, id, pos, other)
		}
		return c.index.Move(id, pos)
	}

	switch a.Kind {
	case conflict.MoveAction:
		if err := move(a.EntityID, a.Target); err != nil {
			return nil, err
		}
		delete(c.paths, a.EntityID)
		if c.reachesTarget(a) {
			grant(a.ProposalID, "granted by conflict resolution")
		} else {
			target := a.Target
			supersede(a.ProposalID, "relocated by conflict resolution", []consensus.Fallback{{
				Kind:        consensus.FallbackRelocate,
				Description: a.Description,
				Location:    &target,
			}})
		}
	case conflict.RerouteAction:
		waypoints := []r3.Vec{a.Target}
		if a.Path != nil && len(a.Path.Waypoints) > 1 {
			waypoints = a.Path.Waypoints[1:]
		}
		// Intermediate waypoints were planned clear; only the end point
		// must not be taken.
		last := len(waypoints) - 1
		for _, pt := range waypoints[:last] {
			if err := c.index.Move(a.EntityID, pt); err != nil {
				return nil, err
			}
		}
		if err := move(a.EntityID, waypoints[last]); err != nil {
			return nil, err
		}
		if err := c.index.SetVelocity(a.EntityID, r3.Vec{}); err != nil {
			return nil, err
		}
		delete(c.paths, a.EntityID)
		target := a.Target
		supersede(a.ProposalID, "rerouted by conflict resolution", []consensus.Fallback{{
			Kind:        consensus.FallbackRelocate,
			Description: a.Description,
			Location:    &target,
		}})
	case conflict.HoldAction:
		e, ok := c.index.Get(a.EntityID)
		if !ok {
			return nil, fmt.Errorf("%w: %s", index.ErrUnknownEntity, a.EntityID)
		}
		e.Velocity = r3.Vec{}
		e.Metadata = maps.Clone(e.Metadata)
		if e.Metadata == nil {
			e.Metadata = make(map[string]string, 1)
		}
		until := c.clock.Time().Add(a.Hold)
		e.Metadata[holdUntilKey] = strconv.FormatInt(until.UnixMilli(), 10)
		if err := c.index.Update(e); err != nil {
			return nil, err
		}
		delete(c.paths, a.EntityID)
		supersede(a.ProposalID, "held by conflict resolution", []consensus.Fallback{{
			Kind:        consensus.FallbackRetry,
			Description: a.Description,
			AvailableAt: until,
		}})
	case conflict.AllocateAction:
		if _, err := c.resources.Allocate(*a.Request, a.ProposalID); err != nil {
			return nil, err
		}
		grant(a.ProposalID, "granted by conflict resolution")
	case conflict.ShareAction:
		if _, err := c.resources.Split(a.Shares); err != nil {
			return nil, err
		}
		for _, s := range a.Shares {
			grant(s.ProposalID, "shared by conflict resolution")
		}
	case conflict.DenyAction:
		supersede(a.ProposalID, "denied by conflict resolution", a.Fallbacks)
	case conflict.EvictAction:
		if c.index.IsMember(a.ZoneID, a.EntityID) {
			if err := c.index.Exit(a.ZoneID, a.EntityID); err != nil {
				return nil, err
			}
		}
		if e, ok := c.index.Get(a.EntityID); ok && e.Position != a.Target {
			if err := move(a.EntityID, a.Target); err != nil {
				return nil, err
			}
		}
	default:
		return nil, fmt.Errorf("%w: action %q", conflict.ErrUnresolvable, a.Kind)
	}

	c.log.Debug("resolution action applied",
		log.String("kind", string(a.Kind)),
		log.String("entityID", a.EntityID),
	)
	return withdrawn, nil
}
