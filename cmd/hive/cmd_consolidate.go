package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newConsolidateCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "consolidate",
		Short: "Merge worker results back into one revision",
	}
	cmd.PersistentFlags().StringVar(&addr, "addr", "", "engine address")

	create := &cobra.Command{
		Use:   "create",
		Short: "Create a consolidation over a set of workers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			project, _ := cmd.Flags().GetString("project")
			base, _ := cmd.Flags().GetString("base")
			workers, _ := cmd.Flags().GetStringSlice("workers")
			strategy, _ := cmd.Flags().GetString("strategy")

			var out struct {
				ID     string `json:"id"`
				Status string `json:"status"`
			}
			err := newClient(addr).post("/api/consolidations", map[string]any{
				"project": project, "base_revision": base,
				"workers": workers, "strategy": strategy,
			}, &out)
			if err != nil {
				return err
			}
			fmt.Printf("consolidation %s (%s)\n", out.ID, out.Status)
			return nil
		},
	}
	create.Flags().String("project", "", "project repository path")
	create.Flags().String("base", "main", "base revision")
	create.Flags().StringSlice("workers", nil, "participant worker ids")
	create.Flags().String("strategy", "", "default strategy")
	_ = create.MarkFlagRequired("project")
	_ = create.MarkFlagRequired("workers")

	analyze := &cobra.Command{
		Use:   "analyze <id>",
		Short: "Analyze diffs and detect conflicts",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			var out struct {
				Status  string `json:"status"`
				Preview struct {
					TotalFiles    int    `json:"total_files"`
					AutoMergeable int    `json:"auto_mergeable"`
					Conflicting   int    `json:"conflicting"`
					Recommended   string `json:"recommended_strategy"`
					Conflicts     []struct {
						Path    string `json:"path"`
						Type    string `json:"type"`
						WorkerA string `json:"worker_a"`
						WorkerB string `json:"worker_b"`
					} `json:"conflicts"`
				} `json:"preview"`
			}
			if err := newClient(addr).post("/api/consolidations/"+args[0]+"/analyze", map[string]any{}, &out); err != nil {
				return err
			}
			fmt.Printf("%d files: %d auto-mergeable, %d conflicting (recommended: %s)\n",
				out.Preview.TotalFiles, out.Preview.AutoMergeable,
				out.Preview.Conflicting, out.Preview.Recommended)
			for _, c := range out.Preview.Conflicts {
				fmt.Printf("  %-14s %s  %s vs %s\n", c.Type, c.Path, c.WorkerA, c.WorkerB)
			}
			return nil
		},
	}

	resolve := &cobra.Command{
		Use:   "resolve <id> <path=action[:worker]>...",
		Short: "Apply per-path resolutions and build the merge plan",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			resolutions := make([]map[string]any, 0, len(args)-1)
			for _, spec := range args[1:] {
				path, rest, found := strings.Cut(spec, "=")
				if !found {
					return fmt.Errorf("bad resolution %q, want path=action[:worker]", spec)
				}
				action, worker, _ := strings.Cut(rest, ":")
				res := map[string]any{"path": path, "action": action}
				if worker != "" {
					res["worker_id"] = worker
				}
				resolutions = append(resolutions, res)
			}

			var out struct {
				Status string `json:"status"`
				Plan   struct {
					Files []struct {
						Path         string `json:"path"`
						SourceWorker string `json:"source_worker"`
					} `json:"files"`
				} `json:"plan"`
			}
			err := newClient(addr).post("/api/consolidations/"+args[0]+"/resolve",
				map[string]any{"resolutions": resolutions}, &out)
			if err != nil {
				return err
			}
			fmt.Printf("plan ready: %d files\n", len(out.Plan.Files))
			for _, f := range out.Plan.Files {
				fmt.Printf("  %s <- %s\n", f.Path, f.SourceWorker)
			}
			return nil
		},
	}

	export := &cobra.Command{
		Use:   "export <id>",
		Short: "Apply the merge plan and commit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			branch, _ := cmd.Flags().GetString("branch")
			message, _ := cmd.Flags().GetString("message")

			var out struct {
				Merged []string `json:"merged"`
				Failed []struct {
					Path  string `json:"path"`
					Error string `json:"error"`
				} `json:"failed"`
				Commit string `json:"commit"`
			}
			err := newClient(addr).post("/api/consolidations/"+args[0]+"/export",
				map[string]any{"target_branch": branch, "message": message}, &out)
			if err != nil {
				return err
			}
			fmt.Printf("merged %d files", len(out.Merged))
			if out.Commit != "" {
				fmt.Printf(" as %s", out.Commit)
			}
			fmt.Println()
			for _, f := range out.Failed {
				fmt.Printf("  failed %s: %s\n", f.Path, f.Error)
			}
			return nil
		},
	}
	export.Flags().String("branch", "", "target branch")
	export.Flags().String("message", "", "commit message")
	_ = export.MarkFlagRequired("branch")

	list := &cobra.Command{
		Use:   "list",
		Short: "List consolidations",
		RunE: func(_ *cobra.Command, _ []string) error {
			var out struct {
				Consolidations []struct {
					ID           string `json:"id"`
					Status       string `json:"status"`
					BaseRevision string `json:"base_revision"`
					Participants []any  `json:"participants"`
				} `json:"consolidations"`
			}
			if err := newClient(addr).get("/api/consolidations", &out); err != nil {
				return err
			}
			if len(out.Consolidations) == 0 {
				fmt.Println("no consolidations")
				return nil
			}
			for _, c := range out.Consolidations {
				fmt.Printf("%-36s  %-10s  base=%s  workers=%d\n",
					c.ID, c.Status, c.BaseRevision, len(c.Participants))
			}
			return nil
		},
	}

	del := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a consolidation record",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return newClient(addr).delete("/api/consolidations/"+args[0], nil)
		},
	}

	cmd.AddCommand(create, analyze, resolve, export, list, del)
	return cmd
}
