package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"hive/internal/buildinfo"
)

// newRootCmd creates the root hive command with all subcommands attached.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "hive",
		Short:         "Hive parallel agent orchestrator",
		Long:          "hive spawns isolated worker processes in per-worker git worktrees,\ncoordinates them, and consolidates their results into a single revision.",
		Version:       fmt.Sprintf("hive %s", buildinfo.String()),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.SetVersionTemplate("{{.Version}}\n")

	cmd.AddCommand(
		newServeCmd(),
		newSpawnCmd(),
		newWorkersCmd(),
		newConsolidateCmd(),
		newCoordCmd(),
		newStatusCmd(),
		newLogsCmd(),
		newDirectiveCmd(),
		newCleanupCmd(),
		newDashCmd(),
	)

	return cmd
}
