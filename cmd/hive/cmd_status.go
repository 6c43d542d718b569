package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show engine health and worker counts",
		RunE: func(_ *cobra.Command, _ []string) error {
			c := newClient(addr)

			var health struct {
				Status        string `json:"status"`
				ActiveWorkers int    `json:"active_workers"`
			}
			if err := c.get("/api/health", &health); err != nil {
				return err
			}

			var workers struct {
				Workers []workerView `json:"workers"`
			}
			if err := c.get("/api/workers", &workers); err != nil {
				return err
			}

			counts := map[string]int{}
			for _, w := range workers.Workers {
				counts[w.Status]++
			}
			fmt.Printf("engine: %s\nactive: %d\n", health.Status, health.ActiveWorkers)
			for _, status := range []string{"pending", "active", "terminating", "completed", "failed"} {
				if counts[status] > 0 {
					fmt.Printf("  %-12s %d\n", status, counts[status])
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "engine address")
	return cmd
}
