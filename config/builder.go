// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package config

import (
	"fmt"
	"time"

	"github.com/luxfi/spatial/geom"
)

// Builder enables fluent Config construction with validation.
type Builder struct {
	config Config
}

// NewBuilder creates a builder starting from defaults.
func NewBuilder() *Builder {
	return &Builder{config: DefaultConfig()}
}

// WithWorkspace sets the workspace bounds.
func (b *Builder) WithWorkspace(ws geom.Box) *Builder {
	b.config.Workspace = ws
	return b
}

// WithResolution sets the grid cell size.
func (b *Builder) WithResolution(res float64) *Builder {
	b.config.SpatialResolution = res
	return b
}

// WithQuorum sets the quorum threshold and byzantine tolerance.
func (b *Builder) WithQuorum(threshold, tolerance float64) *Builder {
	b.config.QuorumThreshold = threshold
	b.config.ByzantineTolerance = tolerance
	return b
}

// WithConsensusTimeout sets the voting deadline.
func (b *Builder) WithConsensusTimeout(d time.Duration) *Builder {
	b.config.ConsensusTimeout = d
	return b
}

// WithTolerance sets the spatial overlap tolerance.
func (b *Builder) WithTolerance(tol float64) *Builder {
	b.config.SpatialTolerance = tol
	return b
}

// WithPrediction sets the collision prediction window and tick.
func (b *Builder) WithPrediction(window, step time.Duration) *Builder {
	b.config.PredictionWindow = window
	b.config.PredictionStep = step
	return b
}

// WithPathBudget sets the A* expansion budget.
func (b *Builder) WithPathBudget(expansions int) *Builder {
	b.config.MaxPathExpansions = expansions
	return b
}

// WithOctree sets the octree rebuild thresholds.
func (b *Builder) WithOctree(threshold, churn int) *Builder {
	b.config.OctreeThreshold = threshold
	b.config.ChurnThreshold = churn
	return b
}

// WithMaintenanceInterval sets the maintenance loop period.
func (b *Builder) WithMaintenanceInterval(d time.Duration) *Builder {
	b.config.MaintenanceInterval = d
	return b
}

// Build validates and returns the configuration.
func (b *Builder) Build() (Config, error) {
	if err := b.config.Validate(); err != nil {
		return Config{}, err
	}
	return b.config, nil
}

// MustBuild validates and returns the configuration, panicking on error.
// Use only in tests or when configuration is known to be valid.
func (b *Builder) MustBuild() Config {
	cfg, err := b.Build()
	if err != nil {
		panic(fmt.Sprintf("invalid config: %v", err))
	}
	return cfg
}
