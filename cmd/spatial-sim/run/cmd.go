// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package run

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/luxfi/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func Command() *cobra.Command {
	c := &cobra.Command{
		Use:   "run",
		Short: "Runs a simulated multi-agent coordination scenario",
		RunE:  runFunc,
	}
	flags := c.Flags()
	AddFlags(flags)
	return c
}

// summary is printed when the simulation ends.
type summary struct {
	Agents   int           `json:"agents"`
	Rounds   int           `json:"rounds"`
	Refused  int           `json:"refusedProposals"`
	Elapsed  time.Duration `json:"elapsed"`
	Metrics  any           `json:"metrics"`
	Spatial  any           `json:"spatial"`
	Hotspots any           `json:"hotspots"`
}

func runFunc(c *cobra.Command, args []string) error {
	config, err := ParseFlags(c.Flags(), args)
	if err != nil {
		return err
	}

	logger := log.NewLogger("spatial-sim")
	sim, err := newSimulation(config, logger)
	if err != nil {
		return err
	}
	if err := sim.setup(); err != nil {
		return err
	}

	start := time.Now()
	ctx, cancel := context.WithCancel(c.Context())
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sim.coord.Run(ctx)
	})
	g.Go(func() error {
		defer cancel()
		return sim.run(ctx)
	})
	if err := g.Wait(); err != nil {
		return err
	}
	if _, err := sim.coord.Maintain(); err != nil {
		return err
	}

	out, err := json.MarshalIndent(summary{
		Agents:   config.Agents,
		Rounds:   config.Steps,
		Refused:  sim.rejected,
		Elapsed:  time.Since(start),
		Metrics:  sim.coord.GetMetrics(),
		Spatial:  sim.coord.GetSpatialMetrics(),
		Hotspots: sim.coord.AnalyzeHotspots(config.Coordinator.HistoryRetention),
	}, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(c.OutOrStdout(), string(out))
	return err
}
