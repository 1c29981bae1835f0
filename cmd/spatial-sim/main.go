// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/luxfi/spatial/cmd/spatial-sim/run"
)

func main() {
	cmd := &cobra.Command{
		Use:   "spatial-sim",
		Short: "Simulates agents coordinating space through consensus",
	}
	cmd.AddCommand(run.Command())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "command failed %v\n", err)
		stop()
		os.Exit(1)
	}
}
