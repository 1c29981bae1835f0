// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package conflict

import (
	"fmt"
	"math"
	"slices"
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
)

// searchCells bounds the free location search around a target, in grid
// cells beyond the entity's own extent.
const searchCells = 8

// Context is the coordination state a resolution may draw on.
type Context struct {
	Proposals map[ids.ID]consensus.Proposal
	Paths     map[string]PlannedPath
}

// Resolver maps conflicts to resolution plans. It never mutates state;
// the coordinator applies the returned actions.
type Resolver struct {
	index     *index.Index
	planner   *planner.Planner
	resources *resource.Manager
	directory roster.Directory
	hold      time.Duration
	log       log.Logger
}

// NewResolver returns a resolver over the given collaborators.
func NewResolver(
	idx *index.Index,
	p *planner.Planner,
	resources *resource.Manager,
	directory roster.Directory,
	cfg config.Config,
	logger log.Logger,
) *Resolver {
	return &Resolver{
		index:     idx,
		planner:   p,
		resources: resources,
		directory: directory,
		hold:      cfg.PredictionWindow,
		log:       logger,
	}
}

// Resolve selects a strategy for c and builds its ordered actions.
func (r *Resolver) Resolve(c Conflict, ctx Context) (Resolution, error) {
	var (
		res Resolution
		err error
	)
	switch c.Type {
	case LocationOverlap:
		res, err = r.locationOverlap(c, ctx)
	case ResourceContention:
		res, err = r.resourceContention(c, ctx)
	case MovementCollision:
		res, err = r.movementCollision(c, ctx)
	case ZoneViolation:
		res, err = r.zoneViolation(c, ctx)
	case ExecutionFailure:
		res = r.separate(c.InvolvedAgents, nil, r.hold, "retry after the rolled back plan settles")
	default:
		err = fmt.Errorf("%w: type %q", ErrUnresolvable, c.Type)
	}
	if err != nil {
		return Resolution{}, err
	}
	res.ConflictID = c.ID
	res.Type = c.Type
	res.ImplementationOrder = sequential(len(res.Actions))

	r.log.Debug("conflict resolution planned",
		log.Stringer("conflictID", c.ID),
		log.String("type", string(c.Type)),
		log.String("strategy", string(res.Strategy)),
		log.Int("actions", len(res.Actions)),
	)
	return res, nil
}

func (r *Resolver) radius(size r3.Vec) float64 {
	return searchCells*r.index.Resolution() + maxDim(size)
}

func maxDim(v r3.Vec) float64 {
	return math.Max(v.X, math.Max(v.Y, v.Z))
}

// standing returns the rank of an agent; unknown agents rank lowest.
func (r *Resolver) standing(id string) (roster.Agent, bool) {
	a, ok := r.directory.Get(id)
	if !ok {
		return roster.Agent{ID: id, SpatialPriority: math.MinInt}, false
	}
	return a, true
}

// agentOutranks orders agents by priority, then trust, then id.
func (r *Resolver) agentOutranks(a, b string) bool {
	sa, _ := r.standing(a)
	sb, _ := r.standing(b)
	if sa.Outranks(sb) {
		return true
	}
	if sb.Outranks(sa) {
		return false
	}
	return a < b
}

// proposalOutranks orders proposals by the moving agent's standing, then
// by earliest creation.
func (r *Resolver) proposalOutranks(a, b consensus.Proposal) bool {
	pa, ta := a.Priority, a.Trust
	pb, tb := b.Priority, b.Trust
	if agent, ok := r.directory.Get(a.Entities()[0]); ok {
		pa, ta = agent.SpatialPriority, agent.TrustLevel
	}
	if agent, ok := r.directory.Get(b.Entities()[0]); ok {
		pb, tb = agent.SpatialPriority, agent.TrustLevel
	}
	switch {
	case pa != pb:
		return pa > pb
	case ta != tb:
		return ta > tb
	case !a.CreatedAt.Equal(b.CreatedAt):
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID.Compare(b.ID) < 0
}

func (r *Resolver) ranked(c Conflict, ctx Context, typ consensus.ProposalType) []consensus.Proposal {
	var out []consensus.Proposal
	for _, id := range c.ProposalIDs {
		if p, ok := ctx.Proposals[id]; ok && p.Type == typ {
			out = append(out, p)
		}
	}
	slices.SortFunc(out, func(a, b consensus.Proposal) int {
		if r.proposalOutranks(a, b) {
			return -1
		}
		if r.proposalOutranks(b, a) {
			return 1
		}
		return 0
	})
	return out
}

// lowest returns the lowest ranked agent of ids.
func (r *Resolver) lowest(agents []string) string {
	out := agents[0]
	for _, id := range agents[1:] {
		if r.agentOutranks(out, id) {
			out = id
		}
	}
	return out
}

func (r *Resolver) locationOverlap(c Conflict, ctx Context) (Resolution, error) {
	props := r.ranked(c, ctx, consensus.LocationChangeType)
	if len(props) >= 2 && c.Severity >= collision.High {
		return r.prioritizeMoves(props[0], props[1])
	}

	var (
		entityID   string
		proposalID ids.ID
		near       r3.Vec
		reserved   []geom.Box
	)
	switch {
	case len(props) > 0:
		// The lowest ranked pending move gives way to the others.
		loser := props[len(props)-1]
		entityID = loser.Location.EntityID
		proposalID = loser.ID
		near = loser.Location.Target
		for _, p := range props[:len(props)-1] {
			if e, ok := r.index.Get(p.Location.EntityID); ok {
				reserved = append(reserved, geom.BoxAround(p.Location.Target, e.Size()))
			}
		}
	case len(c.InvolvedAgents) > 0:
		entityID = r.lowest(c.InvolvedAgents)
		e, ok := r.index.Get(entityID)
		if !ok {
			return Resolution{}, fmt.Errorf("%w: %w: %s", ErrUnresolvable, index.ErrUnknownEntity, entityID)
		}
		near = e.Position
	default:
		return Resolution{}, fmt.Errorf("%w: overlap without agents", ErrUnresolvable)
	}

	action, err := r.reroute(entityID, near, reserved, "")
	if err != nil {
		r.log.Debug("reroute failed, separating in time",
			log.String("entityID", entityID),
			log.Err(err),
		)
		return r.separate([]string{entityID}, []ids.ID{proposalID}, r.hold, "stagger movement until the overlap clears"), nil
	}
	action.ProposalID = proposalID
	return Resolution{
		Strategy:        Avoidance,
		Actions:         []Action{action},
		ExpectedOutcome: fmt.Sprintf("%s moves clear of the overlap", entityID),
	}, nil
}

// prioritizeMoves grants the winner its target and moves the loser to the
// nearest free location around its own target.
func (r *Resolver) prioritizeMoves(win, lose consensus.Proposal) (Resolution, error) {
	winner, ok := r.index.Get(win.Location.EntityID)
	if !ok {
		return Resolution{}, fmt.Errorf("%w: %w: %s", ErrUnresolvable, index.ErrUnknownEntity, win.Location.EntityID)
	}
	loser, ok := r.index.Get(lose.Location.EntityID)
	if !ok {
		return Resolution{}, fmt.Errorf("%w: %w: %s", ErrUnresolvable, index.ErrUnknownEntity, lose.Location.EntityID)
	}
	winBox := geom.BoxAround(win.Location.Target, winner.Size())
	free, err := r.planner.FindNearbyFreeLocation(
		lose.Location.Target,
		loser.Size(),
		r.radius(loser.Size()),
		[]string{winner.ID, loser.ID},
		[]geom.Box{winBox},
	)
	if err != nil {
		return Resolution{}, fmt.Errorf("%w: %w", ErrUnresolvable, err)
	}
	return Resolution{
		Strategy: PriorityBased,
		Actions: []Action{
			{
				Kind:        MoveAction,
				EntityID:    winner.ID,
				ProposalID:  win.ID,
				Target:      win.Location.Target,
				Description: fmt.Sprintf("grant %s its target", winner.ID),
			},
			{
				Kind:        MoveAction,
				EntityID:    loser.ID,
				ProposalID:  lose.ID,
				Target:      free,
				Description: fmt.Sprintf("move %s to the nearest free location", loser.ID),
			},
		},
		ExpectedOutcome: fmt.Sprintf("%s reaches its target, %s settles nearby", winner.ID, loser.ID),
	}, nil
}

// reroute plans a path for entityID to the free location nearest near,
// outside reserved and away from avoid.
func (r *Resolver) reroute(entityID string, near r3.Vec, reserved []geom.Box, avoid string) (Action, error) {
	e, ok := r.index.Get(entityID)
	if !ok {
		return Action{}, fmt.Errorf("%w: %s", index.ErrUnknownEntity, entityID)
	}
	free, err := r.planner.FindNearbyFreeLocation(near, e.Size(), r.radius(e.Size()), []string{entityID}, reserved)
	if err != nil {
		return Action{}, err
	}
	req := planner.Request{
		EntityID: entityID,
		Start:    e.Position,
		Goal:     free,
		Size:     e.Size(),
		Priority: planner.PriorityHigh,
	}
	if avoid != "" {
		req.Constraints = []planner.Constraint{{Type: planner.AvoidEntity, Target: avoid, Soft: true}}
	}
	if agent, ok := r.directory.Get(entityID); ok {
		req.MaxSpeed = agent.MaxSpeed
	}
	path, err := r.planner.Plan(req)
	if err != nil {
		return Action{}, err
	}
	return Action{
		Kind:        RerouteAction,
		EntityID:    entityID,
		Target:      free,
		Path:        &path,
		Description: fmt.Sprintf("reroute %s to %v", entityID, free),
	}, nil
}

// separate holds every entity for d.
func (*Resolver) separate(entities []string, proposals []ids.ID, d time.Duration, outcome string) Resolution {
	res := Resolution{Strategy: TemporalSeparation, ExpectedOutcome: outcome}
	for i, id := range entities {
		a := Action{
			Kind:        HoldAction,
			EntityID:    id,
			Hold:        d,
			Description: fmt.Sprintf("hold %s for %v", id, d),
		}
		if i < len(proposals) {
			a.ProposalID = proposals[i]
		}
		res.Actions = append(res.Actions, a)
	}
	return res
}

func (r *Resolver) resourceContention(c Conflict, ctx Context) (Resolution, error) {
	props := r.ranked(c, ctx, consensus.ResourceAllocationType)
	if len(props) == 0 {
		return Resolution{}, fmt.Errorf("%w: contention without pending requests", ErrUnresolvable)
	}
	typ := c.SpatialData.ResourceType
	pool, ok := r.resources.Pool(typ)
	if !ok {
		return Resolution{}, fmt.Errorf("%w: %w: %s", ErrUnresolvable, resource.ErrUnknownResource, typ)
	}

	exclusive := false
	for _, p := range props {
		exclusive = exclusive || p.Resource.Exclusive
	}
	for _, a := range r.resources.Allocations() {
		if a.ResourceType == typ {
			exclusive = exclusive || a.Exclusive
		}
	}
	available, _ := r.resources.Available(typ)

	if pool.Divisible && !exclusive && available > 0 && len(props) > 1 {
		shares := make([]resource.Share, len(props))
		for i, p := range props {
			shares[i] = resource.Share{Request: *p.Resource, ProposalID: p.ID}
		}
		return Resolution{
			Strategy: ResourceSharing,
			Actions: []Action{{
				Kind:        ShareAction,
				Shares:      shares,
				Description: fmt.Sprintf("split %v of %s between %d requests", available, typ, len(shares)),
			}},
			ExpectedOutcome: fmt.Sprintf("every requester receives a proportional share of %s", typ),
		}, nil
	}

	var actions []Action
	for i, p := range props {
		req := *p.Resource
		if i == 0 && r.resources.CanAllocate(req) == nil {
			actions = append(actions, Action{
				Kind:        AllocateAction,
				EntityID:    req.AgentID,
				ProposalID:  p.ID,
				Request:     &req,
				Description: fmt.Sprintf("grant %s to %s", typ, req.AgentID),
			})
			continue
		}
		actions = append(actions, Action{
			Kind:        DenyAction,
			EntityID:    req.AgentID,
			ProposalID:  p.ID,
			Request:     &req,
			Fallbacks:   consensus.ResourceFallbacks(r.resources.Fallbacks(req)),
			Description: fmt.Sprintf("deny %s to %s", typ, req.AgentID),
		})
	}
	return Resolution{
		Strategy:        PriorityBased,
		Actions:         actions,
		ExpectedOutcome: fmt.Sprintf("highest priority requester holds %s, the rest receive fallbacks", typ),
	}, nil
}

func (r *Resolver) movementCollision(c Conflict, ctx Context) (Resolution, error) {
	if len(c.InvolvedAgents) == 0 {
		return Resolution{}, fmt.Errorf("%w: collision without agents", ErrUnresolvable)
	}
	loser := r.lowest(c.InvolvedAgents)
	var other string
	for _, id := range append(slices.Clone(c.InvolvedAgents), c.SpatialData.Entities...) {
		if id != loser {
			other = id
			break
		}
	}

	e, ok := r.index.Get(loser)
	if !ok {
		return Resolution{}, fmt.Errorf("%w: %w: %s", ErrUnresolvable, index.ErrUnknownEntity, loser)
	}
	// Leave the collision region, aiming for the end of the committed path
	// or else for where the velocity would have carried the entity.
	destination := e.Position
	if p, ok := ctx.Paths[loser]; ok && len(p.Path.Waypoints) > 0 {
		destination = p.Path.Waypoints[len(p.Path.Waypoints)-1]
	} else if e.Moving() {
		destination = r3.Add(e.Position, r3.Scale(c.SpatialData.In.Seconds(), e.Velocity))
	}
	keepOut := c.SpatialData.Region.Expand(maxDim(e.Size()))

	action, err := r.reroute(loser, destination, []geom.Box{keepOut}, other)
	if err != nil {
		r.log.Debug("negotiated reroute failed, separating in time",
			log.String("entityID", loser),
			log.Err(err),
		)
		return r.separate([]string{loser}, nil, c.SpatialData.In+r.hold, "stagger movement past the predicted collision"), nil
	}
	return Resolution{
		Strategy:        Negotiation,
		Actions:         []Action{action},
		ExpectedOutcome: fmt.Sprintf("%s takes an alternative path clear of %s", loser, other),
	}, nil
}

func (r *Resolver) zoneViolation(c Conflict, ctx Context) (Resolution, error) {
	data := c.SpatialData
	zone, ok := r.index.Zone(data.ZoneID)
	if !ok {
		return Resolution{}, fmt.Errorf("%w: %w: %s", ErrUnresolvable, index.ErrUnknownZone, data.ZoneID)
	}

	if len(c.ProposalIDs) > 0 {
		res := Resolution{
			Strategy:        EntryDenial,
			ExpectedOutcome: fmt.Sprintf("entry to full zone %s is denied", zone.ID),
		}
		for _, id := range c.ProposalIDs {
			p, ok := ctx.Proposals[id]
			if !ok || p.Zone == nil {
				continue
			}
			res.Actions = append(res.Actions, Action{
				Kind:       DenyAction,
				EntityID:   p.Zone.AgentID,
				ProposalID: id,
				ZoneID:     zone.ID,
				Fallbacks: []consensus.Fallback{{
					Kind:        consensus.FallbackWait,
					Description: fmt.Sprintf("retry once an occupant leaves %s", zone.ID),
				}},
				Description: fmt.Sprintf("deny %s entry to %s", p.Zone.AgentID, zone.ID),
			})
		}
		return res, nil
	}

	// Over capacity: evict the lowest ranked occupants.
	if data.Capacity > 0 && data.Demand > data.Capacity {
		occupants := slices.Clone(c.InvolvedAgents)
		slices.SortFunc(occupants, func(a, b string) int {
			if r.agentOutranks(b, a) {
				return -1
			}
			if r.agentOutranks(a, b) {
				return 1
			}
			return 0
		})
		excess := int(data.Demand - data.Capacity)
		res := Resolution{
			Strategy:        PriorityBased,
			ExpectedOutcome: fmt.Sprintf("%s returns to its capacity of %d", zone.ID, zone.Capacity),
		}
		for _, id := range occupants[:min(excess, len(occupants))] {
			res.Actions = append(res.Actions, r.evict(zone, id))
		}
		return res, nil
	}

	res := Resolution{
		Strategy:        EntryDenial,
		ExpectedOutcome: fmt.Sprintf("unauthorized agents leave %s", zone.ID),
	}
	for _, id := range c.InvolvedAgents {
		res.Actions = append(res.Actions, r.evict(zone, id))
	}
	return res, nil
}

// evict removes id from zone and, when it is physically inside, moves it
// to the nearest free location outside the zone.
func (r *Resolver) evict(zone index.Zone, id string) Action {
	a := Action{
		Kind:        EvictAction,
		EntityID:    id,
		ZoneID:      zone.ID,
		Description: fmt.Sprintf("evict %s from %s", id, zone.ID),
	}
	e, ok := r.index.Get(id)
	if !ok {
		return a
	}
	a.Target = e.Position
	if !zone.Bounds.Contains(e.Position) {
		return a
	}
	radius := r.radius(e.Size()) + geom.Distance(zone.Bounds.Min, zone.Bounds.Max)
	free, err := r.planner.FindNearbyFreeLocation(e.Position, e.Size(), radius, []string{id}, []geom.Box{zone.Bounds})
	if err == nil {
		a.Target = free
	}
	return a
}
