package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/droverhq/drover/pkg/loop"
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Request graceful shutdown of a running orchestrator",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := newAPIClient(apiFlag)
		var resp struct {
			Status string `json:"status"`
		}
		if err := client.post(cmd.Context(), "/api/v1/shutdown", nil, &resp); err != nil {
			return err
		}
		return printResult(resp, func() {
			fmt.Println("Shutdown requested")
		})
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show orchestrator status",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := newAPIClient(apiFlag)
		var st loop.Status
		if err := client.get(cmd.Context(), "/api/v1/status", &st); err != nil {
			return err
		}
		return printResult(st, func() {
			fmt.Printf("State:          %s\n", st.State)
			fmt.Printf("Queued tasks:   %d\n", st.Scheduler.Queued)
			fmt.Printf("Active agents:  %d\n", len(st.ActiveAgents))
			for tier, ts := range st.Scheduler.Capacity {
				fmt.Printf("  %-8s %d/%d in use\n", tier, ts.Current, ts.Limit)
			}
			if st.Breaker.Tripped {
				fmt.Printf("Circuit breaker: TRIPPED (%s: %s)\n", st.Breaker.Reason, st.Breaker.Message)
			} else {
				fmt.Printf("Circuit breaker: closed (error rate %.2f)\n", st.Breaker.ErrorRate)
			}
			if st.Database.Healthy {
				fmt.Println("Database:        healthy")
			} else {
				fmt.Printf("Database:        degraded (%s)\n", st.Database.LastError)
			}
			fmt.Printf("Total spend:     $%.2f\n", st.Breaker.TotalSpendUSD)
		})
	},
}
