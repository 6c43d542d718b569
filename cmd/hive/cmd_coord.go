package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newCoordCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "coord",
		Short: "Coordination primitives: barriers, elections, partitioning",
	}
	cmd.PersistentFlags().StringVar(&addr, "addr", "", "engine address")

	barrier := &cobra.Command{
		Use:   "barrier <id>",
		Short: "Create a barrier over a participant set",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			participants, _ := cmd.Flags().GetStringSlice("participants")
			timeoutMS, _ := cmd.Flags().GetInt("timeout-ms")
			var out map[string]any
			err := newClient(addr).post("/api/coordination/barriers", map[string]any{
				"id": args[0], "participants": participants, "timeout_ms": timeoutMS,
			}, &out)
			if err != nil {
				return err
			}
			fmt.Printf("barrier %s created, deadline %v\n", args[0], out["deadline"])
			return nil
		},
	}
	barrier.Flags().StringSlice("participants", nil, "expected worker ids")
	barrier.Flags().Int("timeout-ms", 60000, "barrier deadline in milliseconds")
	_ = barrier.MarkFlagRequired("participants")

	signal := &cobra.Command{
		Use:   "signal <barrier-id> <worker-id>",
		Short: "Signal a barrier on behalf of a worker",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			return newClient(addr).post("/api/coordination/barriers/"+args[0]+"/signal",
				map[string]any{"worker_id": args[1]}, nil)
		},
	}

	election := &cobra.Command{
		Use:   "election <id>",
		Short: "Start a leader election",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			candidates, _ := cmd.Flags().GetStringSlice("candidates")
			timeoutMS, _ := cmd.Flags().GetInt("timeout-ms")
			var out map[string]any
			err := newClient(addr).post("/api/coordination/elections", map[string]any{
				"id": args[0], "candidates": candidates, "timeout_ms": timeoutMS,
			}, &out)
			if err != nil {
				return err
			}
			fmt.Printf("election %s started, deadline %v\n", args[0], out["deadline"])
			return nil
		},
	}
	election.Flags().StringSlice("candidates", nil, "candidate worker ids")
	election.Flags().Int("timeout-ms", 60000, "election deadline in milliseconds")
	_ = election.MarkFlagRequired("candidates")

	vote := &cobra.Command{
		Use:   "vote <election-id> <voter> <candidate>",
		Short: "Cast a vote",
		Args:  cobra.ExactArgs(3),
		RunE: func(_ *cobra.Command, args []string) error {
			return newClient(addr).post("/api/coordination/elections/"+args[0]+"/vote",
				map[string]any{"voter": args[1], "candidate": args[2]}, nil)
		},
	}

	partition := &cobra.Command{
		Use:   "partition",
		Short: "Partition a task across n agents",
		RunE: func(cmd *cobra.Command, _ []string) error {
			taskJSON, _ := cmd.Flags().GetString("task")
			count, _ := cmd.Flags().GetInt("count")
			strategy, _ := cmd.Flags().GetString("strategy")

			var task map[string]any
			if err := json.Unmarshal([]byte(taskJSON), &task); err != nil {
				return fmt.Errorf("parse --task: %w", err)
			}
			var out struct {
				Partitions []struct {
					PartitionID string         `json:"partition_id"`
					AgentIndex  int            `json:"agent_index"`
					Task        map[string]any `json:"task"`
				} `json:"partitions"`
			}
			err := newClient(addr).post("/api/coordination/partition", map[string]any{
				"task": task, "count": count, "strategy": strategy,
			}, &out)
			if err != nil {
				return err
			}
			for _, p := range out.Partitions {
				fmt.Printf("%s -> agent %d\n", p.PartitionID, p.AgentIndex)
			}
			return nil
		},
	}
	partition.Flags().String("task", "{}", "task object as JSON")
	partition.Flags().Int("count", 2, "agent count")
	partition.Flags().String("strategy", "round-robin", "round-robin or hash")

	cmd.AddCommand(barrier, signal, election, vote, partition)
	return cmd
}
