package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

func newSpawnCmd() *cobra.Command {
	var (
		addr    string
		project string
		name    string
		typeTag string
		task    string
		base    string
		branch  string
		count   int
		persona string
		command []string
	)
	cmd := &cobra.Command{
		Use:   "spawn",
		Short: "Spawn one or more workers",
		RunE: func(_ *cobra.Command, _ []string) error {
			if project == "" {
				cwd, err := os.Getwd()
				if err != nil {
					return err
				}
				project = cwd
			}
			abs, err := filepath.Abs(project)
			if err != nil {
				return err
			}

			var out struct {
				Workers []struct {
					ID       string `json:"id"`
					Branch   string `json:"branch"`
					PID      int    `json:"pid"`
					Worktree string `json:"worktree_path"`
				} `json:"workers"`
				Error string `json:"error"`
			}
			err = newClient(addr).post("/api/workers", map[string]any{
				"project":       abs,
				"name":          name,
				"type":          typeTag,
				"task":          task,
				"base_revision": base,
				"branch":        branch,
				"count":         count,
				"persona":       persona,
				"command":       command,
			}, &out)
			if err != nil {
				return err
			}
			for _, w := range out.Workers {
				fmt.Printf("spawned %s  pid=%d  branch=%s\n  %s\n", w.ID, w.PID, w.Branch, w.Worktree)
			}
			if out.Error != "" {
				fmt.Printf("stopped early: %s\n", out.Error)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "engine address")
	cmd.Flags().StringVar(&project, "project", "", "project repository path (default: cwd)")
	cmd.Flags().StringVar(&name, "name", "", "worker name")
	cmd.Flags().StringVar(&typeTag, "type", "", "worker type tag")
	cmd.Flags().StringVar(&task, "task", "", "task description")
	cmd.Flags().StringVar(&base, "base", "main", "base revision")
	cmd.Flags().StringVar(&branch, "branch", "", "custom branch name")
	cmd.Flags().IntVar(&count, "count", 1, "number of workers (1-10)")
	cmd.Flags().StringVar(&persona, "persona", "", "persona from the catalog")
	cmd.Flags().StringSliceVar(&command, "command", nil, "worker command and args")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}
