// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package run

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/luxfi/spatial/config"
	"github.com/luxfi/spatial/geom"
)

const (
	AgentsKey              = "agents"
	ByzantineKey           = "byzantine"
	StepsKey               = "steps"
	StepIntervalKey        = "step-interval"
	SeedKey                = "seed"
	WidthKey               = "width"
	DepthKey               = "depth"
	HeightKey              = "height"
	ResolutionKey          = "resolution"
	QuorumKey              = "quorum"
	ToleranceKey           = "byzantine-tolerance"
	TimeoutKey             = "consensus-timeout"
	MaintenanceIntervalKey = "maintenance-interval"
	VerboseKey             = "verbose"
)

func AddFlags(flags *pflag.FlagSet) {
	defaults := config.DefaultConfig()
	size := defaults.Workspace.Size()

	flags.Int(AgentsKey, 7, "Number of simulated agents")
	flags.Int(ByzantineKey, 0, "Number of agents that reject every proposal")
	flags.Int(StepsKey, 20, "Number of simulation rounds")
	flags.Duration(StepIntervalKey, 50*time.Millisecond, "Wall time between simulation rounds")
	flags.Uint64(SeedKey, 1, "Random seed for agent behaviour")
	flags.Float64(WidthKey, size.X, "Workspace extent along x")
	flags.Float64(DepthKey, size.Y, "Workspace extent along y")
	flags.Float64(HeightKey, size.Z, "Workspace extent along z")
	flags.Float64(ResolutionKey, defaults.SpatialResolution, "Grid cell size")
	flags.Float64(QuorumKey, defaults.QuorumThreshold, "Fraction of the electorate that must accept")
	flags.Float64(ToleranceKey, defaults.ByzantineTolerance, "Fraction of the electorate assumed faulty")
	flags.Duration(TimeoutKey, defaults.ConsensusTimeout, "Proposal voting deadline")
	flags.Duration(MaintenanceIntervalKey, defaults.MaintenanceInterval, "Period of the coordinator maintenance loop")
	flags.Bool(VerboseKey, false, "Log every round")
}

type Config struct {
	Agents       int
	Byzantine    int
	Steps        int
	StepInterval time.Duration
	Seed         uint64
	Verbose      bool
	Coordinator  config.Config
}

func ParseFlags(flags *pflag.FlagSet, args []string) (*Config, error) {
	if err := flags.Parse(args); err != nil {
		return nil, err
	}

	agents, err := flags.GetInt(AgentsKey)
	if err != nil {
		return nil, err
	}
	byzantine, err := flags.GetInt(ByzantineKey)
	if err != nil {
		return nil, err
	}
	if agents <= 0 || byzantine < 0 || byzantine > agents {
		return nil, fmt.Errorf("invalid agent counts: %d agents, %d byzantine", agents, byzantine)
	}

	steps, err := flags.GetInt(StepsKey)
	if err != nil {
		return nil, err
	}
	interval, err := flags.GetDuration(StepIntervalKey)
	if err != nil {
		return nil, err
	}
	seed, err := flags.GetUint64(SeedKey)
	if err != nil {
		return nil, err
	}
	verbose, err := flags.GetBool(VerboseKey)
	if err != nil {
		return nil, err
	}

	var extent r3.Vec
	for key, dst := range map[string]*float64{WidthKey: &extent.X, DepthKey: &extent.Y, HeightKey: &extent.Z} {
		if *dst, err = flags.GetFloat64(key); err != nil {
			return nil, err
		}
	}
	resolution, err := flags.GetFloat64(ResolutionKey)
	if err != nil {
		return nil, err
	}
	quorum, err := flags.GetFloat64(QuorumKey)
	if err != nil {
		return nil, err
	}
	tolerance, err := flags.GetFloat64(ToleranceKey)
	if err != nil {
		return nil, err
	}
	timeout, err := flags.GetDuration(TimeoutKey)
	if err != nil {
		return nil, err
	}
	maintenance, err := flags.GetDuration(MaintenanceIntervalKey)
	if err != nil {
		return nil, err
	}

	cfg, err := config.NewBuilder().
		WithWorkspace(geom.Box{Max: extent}).
		WithResolution(resolution).
		WithQuorum(quorum, tolerance).
		WithConsensusTimeout(timeout).
		WithMaintenanceInterval(maintenance).
		Build()
	if err != nil {
		return nil, err
	}

	return &Config{
		Agents:       agents,
		Byzantine:    byzantine,
		Steps:        steps,
		StepInterval: interval,
		Seed:         seed,
		Verbose:      verbose,
		Coordinator:  cfg,
	}, nil
}
