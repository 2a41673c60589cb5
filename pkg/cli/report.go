package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/droverhq/drover/pkg/agent"
	"github.com/droverhq/drover/pkg/loop"
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Summarize task throughput and spend",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := newAPIClient(apiFlag)

		var st loop.Status
		if err := client.get(cmd.Context(), "/api/v1/status", &st); err != nil {
			return err
		}
		var tasksResp struct {
			Tasks []agent.Task `json:"tasks"`
		}
		if err := client.get(cmd.Context(), "/api/v1/tasks", &tasksResp); err != nil {
			return err
		}

		byStatus := make(map[agent.TaskStatus]int)
		var tokensOpus, tokensSonnet int64
		for _, t := range tasksResp.Tasks {
			byStatus[t.Status]++
			tokensOpus += t.ActualTokensOpus
			tokensSonnet += t.ActualTokensSonnet
		}

		summary := struct {
			Tasks         map[agent.TaskStatus]int `json:"tasks_by_status"`
			TokensOpus    int64                    `json:"tokens_opus"`
			TokensSonnet  int64                    `json:"tokens_sonnet"`
			TotalSpendUSD float64                  `json:"total_spend_usd"`
			ActiveAgents  int                      `json:"active_agents"`
		}{byStatus, tokensOpus, tokensSonnet, st.Breaker.TotalSpendUSD, len(st.ActiveAgents)}

		return printResult(summary, func() {
			fmt.Println("Tasks by status:")
			for _, status := range []agent.TaskStatus{
				agent.TaskStatusQueued, agent.TaskStatusAssigned, agent.TaskStatusInProgress,
				agent.TaskStatusReview, agent.TaskStatusComplete, agent.TaskStatusBlocked,
			} {
				if n := byStatus[status]; n > 0 {
					fmt.Printf("  %-12s %d\n", status, n)
				}
			}
			fmt.Printf("Tokens:        opus %d, sonnet %d\n", tokensOpus, tokensSonnet)
			fmt.Printf("Total spend:   $%.2f\n", st.Breaker.TotalSpendUSD)
			fmt.Printf("Active agents: %d\n", len(st.ActiveAgents))
		})
	},
}
