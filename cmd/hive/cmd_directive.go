package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"hive/internal/config"
	"hive/internal/directive"
)

func newDirectiveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:       "directive <pause|resume|drain>",
		Short:     "Control a running engine through the control file",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{directive.ActionPause, directive.ActionResume, directive.ActionDrain},
		RunE: func(_ *cobra.Command, args []string) error {
			paths, err := config.ResolvePaths()
			if err != nil {
				return err
			}
			if err := directive.Write(paths.ControlPath, args[0]); err != nil {
				return err
			}
			fmt.Printf("directive %s written to %s\n", args[0], paths.ControlPath)
			return nil
		},
	}
	return cmd
}
