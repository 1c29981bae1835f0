// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package coordinator ties the world model, the consensus engine and the
// conflict pipeline together behind one single-writer API.
package coordinator

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/luxfi/ids"
	"github.com/luxfi/log"
	"github.com/prometheus/client_golang/prometheus"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/luxfi/spatial/collision"
	"github.com/luxfi/spatial/config"
	"github.com/luxfi/spatial/conflict"
	"github.com/luxfi/spatial/consensus"
	"github.com/luxfi/spatial/index"
	"github.com/luxfi/spatial/metrics"
	"github.com/luxfi/spatial/planner"
	"github.com/luxfi/spatial/resource"
	"github.com/luxfi/spatial/roster"
	"github.com/luxfi/spatial/utils/timer/mockable"
)

const (
	namespace = "spatial"
	epsilon   = 1e-9
)

var (
	// ErrHalted is returned by every mutation after an internal
	// consistency violation.
	ErrHalted      = errors.New("coordinator halted")
	ErrStepBlocked = errors.New("step blocked by a solid entity")
	ErrNotMember   = errors.New("agent is not a zone member")
	ErrHeld        = errors.New("entity held by conflict resolution")
)

// Deps are the coordinator's external collaborators. Every field is
// optional.
type Deps struct {
	// Verifier authenticates votes. Nil accepts every signature.
	Verifier   roster.Verifier
	Clock      mockable.Source
	Log        log.Logger
	Registerer prometheus.Registerer
}

// Coordinator is safe for concurrent use. Mutations, tallies and
// maintenance are serialized by one lock; read-only queries go straight to
// the index and see its last committed state.
type Coordinator struct {
	cfg   config.Config
	clock mockable.Source
	log   log.Logger

	agents     *roster.Roster
	index      *index.Index
	collisions *collision.Detector
	planner    *planner.Planner
	resources  *resource.Manager
	engine     *consensus.Engine
	detector   *conflict.Detector
	resolver   *conflict.Resolver
	metrics    *metrics.Metrics
	events     *hub
	world      *world

	// lock is held around every engine call, so engine callbacks may use
	// the fields below.
	lock      sync.Mutex
	halted    error
	conflicts map[ids.ID]conflict.Conflict
	paths     map[string]conflict.PlannedPath
	detected  uint64
	resolved  uint64
}

// New returns a coordinator over an empty workspace.
func New(cfg config.Config, deps Deps) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Clock == nil {
		deps.Clock = &mockable.Clock{}
	}
	if deps.Log == nil {
		deps.Log = log.NewNoOpLogger()
	}

	idx, err := index.New(cfg, deps.Clock, deps.Log)
	if err != nil {
		return nil, err
	}
	collisions := collision.New(idx, cfg, deps.Clock, deps.Log)
	paths, err := planner.New(idx, collisions, cfg, deps.Log)
	if err != nil {
		return nil, err
	}
	m, err := metrics.New(namespace, deps.Registerer)
	if err != nil {
		return nil, err
	}

	c := &Coordinator{
		cfg:        cfg,
		clock:      deps.Clock,
		log:        deps.Log,
		agents:     roster.New(),
		index:      idx,
		collisions: collisions,
		planner:    paths,
		resources:  resource.NewManager(deps.Clock, deps.Log),
		metrics:    m,
		events:     newHub(cfg.EventBufferSize),
		conflicts:  make(map[ids.ID]conflict.Conflict),
		paths:      make(map[string]conflict.PlannedPath),
	}
	w := &world{
		agents:    c.agents,
		index:     idx,
		planner:   paths,
		resources: c.resources,
		clock:     deps.Clock,
		tolerance: cfg.SpatialTolerance,
	}
	c.world = w
	c.engine, err = consensus.New(consensus.Config{
		Quorum:             cfg.QuorumThreshold,
		Tolerance:          cfg.ByzantineTolerance,
		Timeout:            cfg.ConsensusTimeout,
		Directory:          c.agents,
		Verifier:           deps.Verifier,
		Prechecker:         w,
		Conditions:         w,
		Executor:           w,
		OnFinalize:         c.onFinalize,
		OnExecutionFailure: c.onExecutionFailure,
		Clock:              deps.Clock,
		Log:                deps.Log,
	})
	if err != nil {
		return nil, err
	}
	c.detector = conflict.NewDetector(idx, collisions, c.resources, c.agents, cfg, deps.Clock, deps.Log)
	c.resolver = conflict.NewResolver(idx, paths, c.resources, c.agents, cfg, deps.Log)
	return c, nil
}

// Subscribe returns a channel of coordinator events and a function that
// cancels the subscription and closes the channel. Delivery never blocks
// the coordinator; events are dropped for a subscriber that falls behind.
func (c *Coordinator) Subscribe() (<-chan Event, func()) {
	return c.events.subscribe()
}

func (c *Coordinator) publish(e Event) {
	e.At = c.clock.Time()
	c.events.publish(e)
}

// mutable must be called with the lock held.
func (c *Coordinator) mutable() error {
	if c.halted != nil {
		return fmt.Errorf("%w: %w", ErrHalted, c.halted)
	}
	return nil
}

// verify halts the coordinator when the index reports a committed state
// that breaks its invariants. It must be called with the lock held.
func (c *Coordinator) verify() error {
	if c.halted != nil {
		return c.mutable()
	}
	if err := c.index.CheckConsistency(); err != nil {
		return c.halt(err)
	}
	return nil
}

// verifyPlacement halts the coordinator when an entity that was just moved
// overlaps a solid entity outside skip and no open conflict covers the
// pair. It must be called with the lock held.
func (c *Coordinator) verifyPlacement(moved, skip []string) error {
	for _, id := range moved {
		e, ok := c.index.Get(id)
		if !ok {
			continue
		}
		other, blocked := c.world.blocker(e, e.Position, skip)
		if !blocked || c.covered(id, other) {
			continue
		}
		return c.halt(fmt.Errorf("%w: %s overlaps %s without a pending conflict", index.ErrInconsistent, id, other))
	}
	return nil
}

// covered reports whether an open conflict involves both a and b.
func (c *Coordinator) covered(a, b string) bool {
	for _, cf := range c.conflicts {
		involved := append(slices.Clone(cf.InvolvedAgents), cf.SpatialData.Entities...)
		if slices.Contains(involved, a) && slices.Contains(involved, b) {
			return true
		}
	}
	return false
}

func (c *Coordinator) halt(err error) error {
	c.halted = err
	c.log.Error("coordinator halted",
		log.Err(err),
	)
	c.publish(Event{Kind: CoordinatorHalted, Error: err.Error()})
	return c.mutable()
}

// RegisterSpatialAgent adds agent to the roster and a box of size centred
// on position to the index. Neither is changed if either step fails.
func (c *Coordinator) RegisterSpatialAgent(agent roster.Agent, position, size r3.Vec) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	if err := c.mutable(); err != nil {
		return err
	}
	if err := c.agents.Add(agent); err != nil {
		return err
	}
	if err := c.index.Register(index.NewEntity(agent.ID, index.KindAgent, position, size)); err != nil {
		_ = c.agents.Remove(agent.ID)
		return err
	}

	c.log.Info("agent registered",
		log.String("agentID", agent.ID),
		log.Int("spatialPriority", agent.SpatialPriority),
		log.String("position", fmt.Sprint(position)),
	)
	c.publish(Event{Kind: AgentJoined, AgentID: agent.ID})
	return nil
}

// UnregisterAgent removes an agent, its zone memberships, its allocations
// and its entity. Proposals already voting keep their electorate.
func (c *Coordinator) UnregisterAgent(id string) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	if err := c.mutable(); err != nil {
		return err
	}
	if err := c.agents.Remove(id); err != nil {
		return err
	}
	released := c.resources.ReleaseAgent(id)
	if err := c.index.Unregister(id); err != nil && !errors.Is(err, index.ErrUnknownEntity) {
		return err
	}
	delete(c.paths, id)

	c.log.Info("agent unregistered",
		log.String("agentID", id),
		log.Int("releasedAllocations", released),
	)
	c.publish(Event{Kind: AgentLeft, AgentID: id})
	return c.verify()
}

// RegisterEntity adds a non-agent entity such as an obstacle.
func (c *Coordinator) RegisterEntity(e index.Entity) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	if err := c.mutable(); err != nil {
		return err
	}
	return c.index.Register(e)
}

// UpdateEntity replaces a registered entity.
func (c *Coordinator) UpdateEntity(e index.Entity) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	if err := c.mutable(); err != nil {
		return err
	}
	return c.index.Update(e)
}

// UnregisterEntity removes an entity.
func (c *Coordinator) UnregisterEntity(id string) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	if err := c.mutable(); err != nil {
		return err
	}
	if err := c.index.Unregister(id); err != nil {
		return err
	}
	delete(c.paths, id)
	return nil
}

// CreateZone adds a zone.
func (c *Coordinator) CreateZone(z index.Zone) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	if err := c.mutable(); err != nil {
		return err
	}
	return c.index.CreateZone(z)
}

// DeleteZone removes a zone and releases its occupants. Pending access
// proposals for the zone are withdrawn.
func (c *Coordinator) DeleteZone(zoneID string) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	if err := c.mutable(); err != nil {
		return err
	}
	occupants, err := c.index.Occupants(zoneID)
	if err != nil {
		return err
	}
	for _, p := range c.engine.Active() {
		if p.Zone == nil || p.Zone.ZoneID != zoneID {
			continue
		}
		if _, err := c.engine.Withdraw(p.ID, "zone deleted", nil); err != nil {
			return err
		}
	}
	if err := c.index.DeleteZone(zoneID); err != nil {
		return err
	}
	c.log.Info("zone deleted",
		log.String("zoneID", zoneID),
		log.Int("released", len(occupants)),
	)
	return c.verify()
}

// RegisterResource adds a resource pool.
func (c *Coordinator) RegisterResource(p resource.Pool) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	if err := c.mutable(); err != nil {
		return err
	}
	if p.EntityID != "" {
		if _, ok := c.index.Get(p.EntityID); !ok {
			return fmt.Errorf("%w: pool %s entity %s", index.ErrUnknownEntity, p.Type, p.EntityID)
		}
	}
	return c.resources.AddPool(p)
}

// ProposeLocationChange submits a move of change.EntityID.
func (c *Coordinator) ProposeLocationChange(proposer string, change consensus.LocationChange) (ids.ID, error) {
	return c.propose(func() (ids.ID, error) {
		return c.engine.ProposeLocationChange(proposer, change)
	})
}

// ProposeResourceAllocation submits a resource request.
func (c *Coordinator) ProposeResourceAllocation(proposer string, req resource.Request) (ids.ID, error) {
	return c.propose(func() (ids.ID, error) {
		return c.engine.ProposeResourceAllocation(proposer, req)
	})
}

// ProposeZoneAccess submits a zone entry or exit.
func (c *Coordinator) ProposeZoneAccess(proposer string, access consensus.ZoneAccess) (ids.ID, error) {
	return c.propose(func() (ids.ID, error) {
		return c.engine.ProposeZoneAccess(proposer, access)
	})
}

// ProposeCollaboration submits a gathering of agents.
func (c *Coordinator) ProposeCollaboration(proposer string, collab consensus.Collaboration) (ids.ID, error) {
	return c.propose(func() (ids.ID, error) {
		return c.engine.ProposeCollaboration(proposer, collab)
	})
}

func (c *Coordinator) propose(submit func() (ids.ID, error)) (ids.ID, error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	if err := c.mutable(); err != nil {
		return ids.Empty, err
	}
	id, err := submit()
	if err != nil {
		return ids.Empty, err
	}
	c.publish(Event{Kind: ProposalCreated, ProposalID: id})
	return id, c.verify()
}

// Vote records a vote. A redelivered vote returns an error wrapping
// consensus.ErrDuplicateVote and changes nothing.
func (c *Coordinator) Vote(
	proposalID ids.ID,
	voterID string,
	decision consensus.Decision,
	reasoning string,
	conditions []consensus.Condition,
	signature []byte,
) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	if err := c.mutable(); err != nil {
		return err
	}
	err := c.engine.Vote(proposalID, voterID, decision, reasoning, conditions, signature)
	if errors.Is(err, consensus.ErrDuplicateVote) {
		c.metrics.ObserveDuplicateVote()
	}
	if verr := c.verify(); verr != nil {
		return verr
	}
	return err
}

// Result returns the outcome of a finalized proposal.
func (c *Coordinator) Result(id ids.ID) (consensus.Result, bool) {
	return c.engine.Result(id)
}

// Proposal returns a proposal, terminal or not.
func (c *Coordinator) Proposal(id ids.ID) (consensus.Proposal, bool) {
	return c.engine.Proposal(id)
}

// Votes returns the votes recorded on a proposal.
func (c *Coordinator) Votes(id ids.ID) []consensus.Vote {
	return c.engine.Votes(id)
}

// onFinalize runs inside the engine with c.lock held.
func (c *Coordinator) onFinalize(r consensus.Result) {
	if r.Executed() && r.Plan != nil {
		var moved, touched []string
		for _, s := range r.Plan.Steps {
			touched = append(touched, s.EntityID)
			if s.Kind == consensus.MoveStep {
				moved = append(moved, s.EntityID)
			}
		}
		// A halt surfaces through the verify that follows every engine call.
		_ = c.verifyPlacement(moved, touched)
	}
	c.metrics.ObserveResult(r)
	c.log.Debug("consensus reached",
		log.Stringer("proposalID", r.ProposalID),
		log.Stringer("outcome", r.Outcome),
		log.Bool("executed", r.Executed()),
	)
	c.publish(Event{Kind: ConsensusReached, ProposalID: r.ProposalID, Result: &r})
}

// onExecutionFailure runs inside the engine with c.lock held. The rolled
// back proposal is raised as a conflict.
func (c *Coordinator) onExecutionFailure(p consensus.Proposal, err error) {
	cf := conflict.ForExecutionFailure(p, err, c.clock.Time())
	c.track([]conflict.Conflict{cf})
}
