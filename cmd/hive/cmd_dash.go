package main

import (
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

func newDashCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "dash",
		Short: "Live dashboard of workers and events",
		RunE: func(_ *cobra.Command, _ []string) error {
			if !isatty.IsTerminal(os.Stdout.Fd()) {
				// Not a TTY: print one snapshot instead of the TUI.
				return printSnapshot(newClient(addr))
			}
			p := tea.NewProgram(newDashModel(newClient(addr)), tea.WithAltScreen())
			_, err := p.Run()
			return err
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "engine address")
	return cmd
}

func printSnapshot(c *client) error {
	var out struct {
		Workers []workerView `json:"workers"`
	}
	if err := c.get("/api/workers", &out); err != nil {
		return err
	}
	for _, w := range out.Workers {
		fmt.Printf("%-36s  %-11s  %s\n", w.ID, w.Status, w.Name)
	}
	return nil
}
