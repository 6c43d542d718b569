package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"hive/pkg/vcs"
)

func newCleanupCmd() *cobra.Command {
	var project string
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Prune orphaned worker worktrees left by a crash",
		RunE: func(cmd *cobra.Command, _ []string) error {
			abs, err := filepath.Abs(project)
			if err != nil {
				return err
			}
			logger := zap.NewNop()
			git := vcs.NewGit(&vcs.ExecRunner{}, logger)
			if err := git.Prune(cmd.Context(), abs); err != nil {
				return err
			}
			fmt.Printf("pruned orphaned worktrees under %s\n", filepath.Join(abs, vcs.WorktreeRoot))
			return nil
		},
	}
	cmd.Flags().StringVar(&project, "project", ".", "project repository path")
	return cmd
}
