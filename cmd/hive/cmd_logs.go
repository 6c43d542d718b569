package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newLogsCmd() *cobra.Command {
	var (
		addr   string
		worker string
		topic  string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Query the archived event history",
		RunE: func(_ *cobra.Command, _ []string) error {
			path := fmt.Sprintf("/api/events/history?limit=%d", limit)
			if worker != "" {
				path += "&worker=" + worker
			}
			if topic != "" {
				path += "&topic=" + topic
			}
			var out struct {
				Events []struct {
					ID        int64     `json:"ID"`
					Topic     string    `json:"Topic"`
					WorkerID  string    `json:"WorkerID"`
					Payload   string    `json:"Payload"`
					CreatedAt time.Time `json:"CreatedAt"`
				} `json:"events"`
			}
			if err := newClient(addr).get(path, &out); err != nil {
				return err
			}
			for i := len(out.Events) - 1; i >= 0; i-- {
				ev := out.Events[i]
				line := fmt.Sprintf("%s  %-28s", ev.CreatedAt.Local().Format("15:04:05"), ev.Topic)
				if ev.WorkerID != "" {
					line += "  " + ev.WorkerID
				}
				if ev.Payload != "" {
					line += "  " + ev.Payload
				}
				fmt.Println(line)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "engine address")
	cmd.Flags().StringVar(&worker, "worker", "", "filter by worker id")
	cmd.Flags().StringVar(&topic, "topic", "", "filter by topic (supports prefix*)")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum events")
	return cmd
}
