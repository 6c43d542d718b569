package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

type workerView struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Status       string    `json:"status"`
	Branch       string    `json:"branch"`
	PID          int       `json:"pid"`
	Task         string    `json:"task"`
	Error        string    `json:"error"`
	CreatedAt    time.Time `json:"created_at"`
	WorktreePath string    `json:"worktree_path"`
}

func newWorkersCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "workers",
		Short: "Inspect and manage workers",
	}
	cmd.PersistentFlags().StringVar(&addr, "addr", "", "engine address")

	list := &cobra.Command{
		Use:   "list",
		Short: "List workers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			status, _ := cmd.Flags().GetString("status")
			path := "/api/workers"
			if status != "" {
				path += "?status=" + status
			}
			var out struct {
				Workers []workerView `json:"workers"`
			}
			if err := newClient(addr).get(path, &out); err != nil {
				return err
			}
			if len(out.Workers) == 0 {
				fmt.Println("no workers")
				return nil
			}
			for _, w := range out.Workers {
				line := fmt.Sprintf("%-36s  %-11s  %-8s  %s", w.ID, w.Status, w.Name, w.Branch)
				if w.Error != "" {
					line += "  (" + w.Error + ")"
				}
				fmt.Println(line)
			}
			return nil
		},
	}
	list.Flags().String("status", "", "filter by status")

	get := &cobra.Command{
		Use:   "get <id>",
		Short: "Show one worker",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			var w workerView
			if err := newClient(addr).get("/api/workers/"+args[0], &w); err != nil {
				return err
			}
			fmt.Printf("id:       %s\nname:     %s\nstatus:   %s\nbranch:   %s\npid:      %d\nworktree: %s\n",
				w.ID, w.Name, w.Status, w.Branch, w.PID, w.WorktreePath)
			if w.Task != "" {
				fmt.Printf("task:     %s\n", w.Task)
			}
			if w.Error != "" {
				fmt.Printf("error:    %s\n", w.Error)
			}
			return nil
		},
	}

	terminate := &cobra.Command{
		Use:   "terminate <id>",
		Short: "Terminate a worker",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			var out map[string]any
			if err := newClient(addr).delete("/api/workers/"+args[0], &out); err != nil {
				return err
			}
			if out["terminated"] == true {
				fmt.Printf("terminated %s\n", args[0])
			} else {
				fmt.Printf("%s already %v\n", args[0], out["status"])
			}
			return nil
		},
	}

	logs := &cobra.Command{
		Use:   "logs <id>",
		Short: "Fetch captured worker stdio",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			offset, _ := cmd.Flags().GetInt("offset")
			count, _ := cmd.Flags().GetInt("count")
			var out struct {
				Lines []struct {
					Stream string `json:"stream"`
					Text   string `json:"text"`
				} `json:"lines"`
				Total int `json:"total"`
			}
			path := fmt.Sprintf("/api/workers/%s/logs?offset=%d&count=%d", args[0], offset, count)
			if err := newClient(addr).get(path, &out); err != nil {
				return err
			}
			for _, line := range out.Lines {
				prefix := "  "
				if line.Stream == "stderr" {
					prefix = "! "
				}
				fmt.Println(prefix + line.Text)
			}
			fmt.Printf("(%d lines total)\n", out.Total)
			return nil
		},
	}
	logs.Flags().Int("offset", 0, "starting line")
	logs.Flags().Int("count", 0, "line count (0 = all buffered)")

	stats := &cobra.Command{
		Use:   "stats <id>",
		Short: "Show worker resource statistics",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			var out struct {
				Tracked bool `json:"tracked"`
				Stats   struct {
					CurrentMemory uint64  `json:"current_memory"`
					PeakMemory    uint64  `json:"peak_memory"`
					CurrentCPU    float64 `json:"current_cpu"`
					AverageCPU    float64 `json:"average_cpu"`
					UptimeMillis  int64   `json:"uptime_ms"`
				} `json:"stats"`
			}
			if err := newClient(addr).get("/api/workers/"+args[0]+"/stats", &out); err != nil {
				return err
			}
			if !out.Tracked {
				fmt.Println("not tracked (worker exited or monitoring disabled)")
				return nil
			}
			fmt.Printf("memory:  %s current, %s peak\ncpu:     %.1f%% current, %.1f%% average\nuptime:  %s\n",
				humanBytes(out.Stats.CurrentMemory), humanBytes(out.Stats.PeakMemory),
				out.Stats.CurrentCPU, out.Stats.AverageCPU,
				(time.Duration(out.Stats.UptimeMillis) * time.Millisecond).Round(time.Second))
			return nil
		},
	}

	send := &cobra.Command{
		Use:   "send <id> <payload>",
		Short: "Write a payload line to a worker's stdin",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			return newClient(addr).post("/api/workers/"+args[0]+"/send",
				map[string]any{"payload": args[1]}, nil)
		},
	}

	diff := &cobra.Command{
		Use:   "diff <id>",
		Short: "Show a worker's diff against its base revision",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			var out struct {
				Diff string `json:"diff"`
			}
			if err := newClient(addr).get("/api/workers/"+args[0]+"/diff", &out); err != nil {
				return err
			}
			fmt.Print(out.Diff)
			if !strings.HasSuffix(out.Diff, "\n") {
				fmt.Println()
			}
			return nil
		},
	}

	cmd.AddCommand(list, get, terminate, logs, stats, send, diff)
	return cmd
}

// humanBytes renders a byte count for terminal display.
func humanBytes(n uint64) string {
	switch {
	case n >= 1<<30:
		return fmt.Sprintf("%.1fGiB", float64(n)/(1<<30))
	case n >= 1<<20:
		return fmt.Sprintf("%.1fMiB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1fKiB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%dB", n)
	}
}
