// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package roster defines the agent directory consumed by the coordinator.
//
// The directory is an external collaborator: it supplies the agent ID, trust
// level, spatial priority and capabilities of every participant. An
// in-memory implementation is provided for simulations and tests.
package roster

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
)

var (
	ErrUnknownAgent = errors.New("unknown agent")
	ErrInvalidAgent = errors.New("invalid agent")
	ErrDuplicate    = errors.New("agent already registered")
)

// Agent describes a participant as seen by the directory.
type Agent struct {
	ID string `json:"id"`
	// TrustLevel in [0, 1]; used to break priority ties.
	TrustLevel float64 `json:"trustLevel"`
	// SpatialPriority orders competing claims; higher wins.
	SpatialPriority int      `json:"spatialPriority"`
	Capabilities    []string `json:"capabilities,omitempty"`
	// MaxSpeed in workspace units per second. Zero means the configured
	// default speed.
	MaxSpeed float64 `json:"maxSpeed,omitempty"`
}

// Validate checks the agent's fields.
func (a Agent) Validate() error {
	if a.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidAgent)
	}
	if a.TrustLevel < 0 || a.TrustLevel > 1 {
		return fmt.Errorf("%w: trust level %v outside [0, 1]", ErrInvalidAgent, a.TrustLevel)
	}
	if a.MaxSpeed < 0 {
		return fmt.Errorf("%w: negative max speed", ErrInvalidAgent)
	}
	return nil
}

// HasCapability reports whether the agent advertises capability c.
func (a Agent) HasCapability(c string) bool {
	return slices.Contains(a.Capabilities, c)
}

// Outranks reports whether a wins a priority contest against b: higher
// spatial priority first, then higher trust. Equal agents outrank nobody.
func (a Agent) Outranks(b Agent) bool {
	if a.SpatialPriority != b.SpatialPriority {
		return a.SpatialPriority > b.SpatialPriority
	}
	return a.TrustLevel > b.TrustLevel
}

// Directory is the read side of the agent roster.
type Directory interface {
	// Get returns the agent with the given ID.
	Get(id string) (Agent, bool)
	// List returns every agent, sorted by ID.
	List() []Agent
	// Size returns the number of registered agents.
	Size() int
}

var _ Directory = (*Roster)(nil)

// Roster is an in-memory, concurrency-safe Directory.
type Roster struct {
	mu     sync.RWMutex
	agents map[string]Agent
}

// New returns an empty roster.
func New() *Roster {
	return &Roster{agents: make(map[string]Agent)}
}

// Add registers an agent.
func (r *Roster) Add(a Agent) error {
	if err := a.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.agents[a.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, a.ID)
	}
	a.Capabilities = slices.Clone(a.Capabilities)
	r.agents[a.ID] = a
	return nil
}

// Remove drops an agent from the roster.
func (r *Roster) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.agents[id]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, id)
	}
	delete(r.agents, id)
	return nil
}

func (r *Roster) Get(id string) (Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.agents[id]
	if ok {
		a.Capabilities = slices.Clone(a.Capabilities)
	}
	return a, ok
}

func (r *Roster) List() []Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Agent, 0, len(r.agents))
	for _, a := range r.agents {
		a.Capabilities = slices.Clone(a.Capabilities)
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Roster) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}
