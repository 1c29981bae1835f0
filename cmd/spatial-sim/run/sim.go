// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package run

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/luxfi/log"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/luxfi/spatial/consensus"
	"github.com/luxfi/spatial/coordinator"
	"github.com/luxfi/spatial/geom"
	"github.com/luxfi/spatial/index"
	"github.com/luxfi/spatial/resource"
	"github.com/luxfi/spatial/roster"
)

const (
	dockZone     = "dock"
	chargerPool  = "charger"
	computePool  = "gpu"
	agentSpacing = 9.0
)

// simulation drives a population of agents against one coordinator.
type simulation struct {
	cfg      *Config
	coord    *coordinator.Coordinator
	keys     *roster.Keyring
	rng      *rand.Rand
	log      log.Logger
	agents   []roster.Agent
	faulty   map[string]bool
	rejected int
}

func newSimulation(cfg *Config, logger log.Logger) (*simulation, error) {
	keys := roster.NewKeyring()
	coord, err := coordinator.New(cfg.Coordinator, coordinator.Deps{
		Verifier: keys,
		Log:      logger,
	})
	if err != nil {
		return nil, err
	}
	return &simulation{
		cfg:    cfg,
		coord:  coord,
		keys:   keys,
		rng:    rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
		log:    logger,
		faulty: make(map[string]bool, cfg.Byzantine),
	}, nil
}

// setup lays the agents out on a grid and registers the shared zone and
// resource pools.
func (s *simulation) setup() error {
	ws := s.cfg.Coordinator.Workspace
	perRow := max(1, int((ws.Size().X-agentSpacing/2)/agentSpacing))
	unit := r3.Vec{X: 1, Y: 1, Z: 1}

	for i := range s.cfg.Agents {
		agent := roster.Agent{
			ID:              fmt.Sprintf("agent-%02d", i),
			TrustLevel:      0.5 + s.rng.Float64()/2,
			SpatialPriority: s.rng.IntN(10),
			Capabilities:    []string{"move"},
		}
		pos := r3.Vec{
			X: ws.Min.X + agentSpacing/2 + float64(i%perRow)*agentSpacing,
			Y: ws.Min.Y + agentSpacing/2 + float64(i/perRow)*agentSpacing,
			Z: ws.Min.Z + 1,
		}
		if err := s.keys.Generate(agent.ID); err != nil {
			return err
		}
		if err := s.coord.RegisterSpatialAgent(agent, pos, unit); err != nil {
			return fmt.Errorf("register %s: %w", agent.ID, err)
		}
		s.agents = append(s.agents, agent)
		if i < s.cfg.Byzantine {
			s.faulty[agent.ID] = true
		}
	}

	center := ws.Center()
	err := s.coord.CreateZone(index.Zone{
		ID:       dockZone,
		Name:     "loading dock",
		Kind:     index.ZoneWork,
		Bounds:   geom.BoxAround(center, r3.Vec{X: 10, Y: 10, Z: ws.Size().Z}),
		Capacity: 2,
	})
	if err != nil {
		return err
	}
	if err := s.coord.RegisterResource(resource.Pool{Type: chargerPool, Capacity: 2, Divisible: true, Class: "power"}); err != nil {
		return err
	}
	return s.coord.RegisterResource(resource.Pool{Type: computePool, Capacity: 1})
}

// run plays cfg.Steps rounds and returns when they are done or ctx is.
func (s *simulation) run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.StepInterval)
	defer ticker.Stop()

	for round := range s.cfg.Steps {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if err := s.round(round); err != nil {
			return err
		}
	}
	return nil
}

func (s *simulation) round(n int) error {
	for _, agent := range s.agents {
		if err := s.propose(agent); err != nil {
			if errors.Is(err, coordinator.ErrHalted) {
				return err
			}
			s.rejected++
			s.log.Debug("proposal refused",
				log.String("agentID", agent.ID),
				log.Err(err),
			)
		}
	}
	s.vote()

	found := s.coord.DetectSpatialConflicts()
	resolutions, err := s.coord.ResolveConflicts(nil)
	if errors.Is(err, coordinator.ErrHalted) {
		return err
	}
	if err != nil {
		s.log.Debug("some conflicts left open",
			log.Err(err),
		)
	}
	if s.cfg.Verbose {
		stats := s.coord.GetMetrics()
		s.log.Info("round complete",
			log.Int("round", n),
			log.Int("conflicts", len(found)),
			log.Int("resolved", len(resolutions)),
			log.Uint64("approved", stats.Approved),
			log.Int("active", stats.ActiveProposals),
		)
	}
	return nil
}

// propose submits one random intent on behalf of agent.
func (s *simulation) propose(agent roster.Agent) error {
	ws := s.cfg.Coordinator.Workspace
	switch roll := s.rng.Float64(); {
	case roll < 0.7:
		target := r3.Vec{
			X: ws.Min.X + 1 + s.rng.Float64()*(ws.Size().X-2),
			Y: ws.Min.Y + 1 + s.rng.Float64()*(ws.Size().Y-2),
			Z: ws.Min.Z + 1,
		}
		_, err := s.coord.ProposeLocationChange(agent.ID, consensus.LocationChange{
			EntityID: agent.ID,
			Target:   target,
			Reason:   "patrol",
		})
		return err
	case roll < 0.9:
		req := resource.Request{
			ResourceType: chargerPool,
			Amount:       0.5 + s.rng.Float64(),
			AgentID:      agent.ID,
			Duration:     time.Duration(1+s.rng.IntN(5)) * time.Second,
		}
		if s.rng.IntN(2) == 0 {
			req = resource.Request{ResourceType: computePool, Amount: 1, AgentID: agent.ID, Duration: 2 * time.Second, Exclusive: true}
		}
		_, err := s.coord.ProposeResourceAllocation(agent.ID, req)
		return err
	default:
		_, err := s.coord.ProposeZoneAccess(agent.ID, consensus.ZoneAccess{
			ZoneID:  dockZone,
			AgentID: agent.ID,
			Action:  consensus.Enter,
		})
		return err
	}
}

// vote has every agent cast a signed vote on every proposal open for
// voting. Faulty agents reject.
func (s *simulation) vote() {
	for _, p := range s.coord.GetSpatialState().ActiveProposals {
		if p.Status != consensus.Voting {
			continue
		}
		for _, agent := range s.agents {
			decision := consensus.Accept
			if s.faulty[agent.ID] {
				decision = consensus.Reject
			}
			sig, err := s.keys.Sign(agent.ID, consensus.VotePayload(p.ID, agent.ID, decision))
			if err != nil {
				s.log.Warn("signing failed",
					log.String("agentID", agent.ID),
					log.Err(err),
				)
				continue
			}
			err = s.coord.Vote(p.ID, agent.ID, decision, "simulated", nil, sig)
			if errors.Is(err, consensus.ErrNotVoting) {
				break
			}
			if err != nil {
				s.log.Debug("vote refused",
					log.Stringer("proposalID", p.ID),
					log.String("voterID", agent.ID),
					log.Err(err),
				)
			}
		}
	}
}
