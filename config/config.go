// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package config defines configuration types for the spatial coordinator.
package config

import (
	"errors"
	"fmt"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/luxfi/spatial/geom"
)

// Configuration errors
var (
	ErrInvalidWorkspace  = errors.New("workspace must be a valid box with positive volume")
	ErrInvalidResolution = errors.New("spatial resolution must be positive")
	ErrInvalidQuorum     = errors.New("quorum threshold must be in (0, 1]")
	ErrInvalidTolerance  = errors.New("byzantine tolerance must be in [0, 1/3]")
	ErrInvalidTimeout    = errors.New("timeout must be positive")
	ErrInvalidBudget     = errors.New("search budget must be positive")
	ErrInvalidOctree     = errors.New("octree parameters must be positive")
)

// MaxByzantineTolerance is the largest faulty fraction for which n >= 3f+1
// can hold.
const MaxByzantineTolerance = 1.0 / 3.0

// Config contains configuration parameters for the spatial coordinator.
type Config struct {
	// Workspace bounds every entity position.
	Workspace geom.Box `json:"workspace"`
	// SpatialResolution is the edge length of a grid cell.
	SpatialResolution float64 `json:"spatialResolution"`

	// QuorumThreshold is the fraction q of registered agents whose accept
	// votes are required: accepts >= ceil(q*n).
	QuorumThreshold float64 `json:"quorumThreshold"`
	// ByzantineTolerance is the faulty fraction; f = floor(tolerance*n) and
	// accepts must exceed f.
	ByzantineTolerance float64 `json:"byzantineTolerance"`
	// ConsensusTimeout bounds the voting phase of a proposal.
	ConsensusTimeout time.Duration `json:"consensusTimeout"`

	// SpatialTolerance is the margin, in workspace units, that boxes are
	// shrunk by before overlap checks.
	SpatialTolerance float64 `json:"spatialTolerance"`
	// PredictionWindow is how far ahead movement is extrapolated.
	PredictionWindow time.Duration `json:"predictionWindow"`
	// PredictionStep is the tick between extrapolated samples.
	PredictionStep time.Duration `json:"predictionStep"`

	// MaxPathExpansions is the A* node-expansion budget.
	MaxPathExpansions int `json:"maxPathExpansions"`
	// PathCacheSize is the number of plans kept in the planner cache.
	PathCacheSize int `json:"pathCacheSize"`
	// DefaultAgentSpeed applies to agents without a MaxSpeed.
	DefaultAgentSpeed float64 `json:"defaultAgentSpeed"`

	// OctreeThreshold is the entity count at which an octree is maintained.
	OctreeThreshold int `json:"octreeThreshold"`
	// ChurnThreshold is the number of mutations since the last rebuild that
	// forces a rebuild.
	ChurnThreshold     int `json:"churnThreshold"`
	OctreeMaxDepth     int `json:"octreeMaxDepth"`
	OctreeLeafCapacity int `json:"octreeLeafCapacity"`

	// HistoryRetention bounds movement and collision history.
	HistoryRetention time.Duration `json:"historyRetention"`
	// EventBufferSize is the per-subscriber event channel buffer.
	EventBufferSize int `json:"eventBufferSize"`
	// MaintenanceInterval is the period of the coordinator's maintenance
	// loop.
	MaintenanceInterval time.Duration `json:"maintenanceInterval"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Workspace: geom.Box{
			Min: r3.Vec{},
			Max: r3.Vec{X: 100, Y: 100, Z: 20},
		},
		SpatialResolution: 1,

		QuorumThreshold:    0.67,
		ByzantineTolerance: 0.33,
		ConsensusTimeout:   30 * time.Second,

		SpatialTolerance: 0.01,
		PredictionWindow: 5 * time.Second,
		PredictionStep:   250 * time.Millisecond,

		MaxPathExpansions: 50_000,
		PathCacheSize:     256,
		DefaultAgentSpeed: 1,

		OctreeThreshold:    512,
		ChurnThreshold:     1024,
		OctreeMaxDepth:     8,
		OctreeLeafCapacity: 8,

		HistoryRetention:    10 * time.Minute,
		EventBufferSize:     128,
		MaintenanceInterval: time.Second,
	}
}

// Validate checks all configuration invariants.
func (c Config) Validate() error {
	if !c.Workspace.Valid() || c.Workspace.Volume() <= 0 {
		return fmt.Errorf("%w: %s", ErrInvalidWorkspace, c.Workspace)
	}
	if c.SpatialResolution <= 0 {
		return ErrInvalidResolution
	}
	if c.QuorumThreshold <= 0 || c.QuorumThreshold > 1 {
		return fmt.Errorf("%w: got %v", ErrInvalidQuorum, c.QuorumThreshold)
	}
	if c.ByzantineTolerance < 0 || c.ByzantineTolerance > MaxByzantineTolerance {
		return fmt.Errorf("%w: got %v", ErrInvalidTolerance, c.ByzantineTolerance)
	}
	if c.ConsensusTimeout <= 0 {
		return fmt.Errorf("%w: consensus timeout", ErrInvalidTimeout)
	}
	if c.PredictionWindow <= 0 || c.PredictionStep <= 0 {
		return fmt.Errorf("%w: prediction window and step", ErrInvalidTimeout)
	}
	if c.PredictionStep > c.PredictionWindow {
		return fmt.Errorf("prediction step (%v) must be <= prediction window (%v)", c.PredictionStep, c.PredictionWindow)
	}
	if c.MaintenanceInterval <= 0 {
		return fmt.Errorf("%w: maintenance interval", ErrInvalidTimeout)
	}
	if c.MaxPathExpansions <= 0 {
		return ErrInvalidBudget
	}
	if c.OctreeThreshold <= 0 || c.ChurnThreshold <= 0 || c.OctreeMaxDepth <= 0 || c.OctreeLeafCapacity <= 0 {
		return ErrInvalidOctree
	}
	if c.SpatialTolerance < 0 {
		return fmt.Errorf("spatial tolerance must be >= 0, got %v", c.SpatialTolerance)
	}
	if c.DefaultAgentSpeed <= 0 {
		return fmt.Errorf("default agent speed must be positive, got %v", c.DefaultAgentSpeed)
	}
	if c.PathCacheSize < 0 || c.EventBufferSize < 0 {
		return fmt.Errorf("cache and buffer sizes must be >= 0")
	}
	return nil
}
