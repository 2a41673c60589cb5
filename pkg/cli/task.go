package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/droverhq/drover/pkg/agent"
	"github.com/droverhq/drover/pkg/config"
)

var (
	taskProjectFlag    string
	taskPriorityFlag   int
	taskComplexityFlag string
	taskTagsFlag       []string
	taskOpusFlag       int
	taskSonnetFlag     int
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage tasks",
}

var taskAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Queue a new task",
	RunE: func(cmd *cobra.Command, args []string) error {
		if taskProjectFlag == "" {
			return config.NewValidationError("--project", "", errors.New("a project id is required"))
		}
		switch taskComplexityFlag {
		case "low", "medium", "high", "complex":
		default:
			return config.NewValidationError("--complexity", taskComplexityFlag, config.ErrInvalidValue)
		}

		client := newAPIClient(apiFlag)
		body := map[string]any{
			"project_id":                taskProjectFlag,
			"priority":                  taskPriorityFlag,
			"complexity":                taskComplexityFlag,
			"tags":                      taskTagsFlag,
			"estimated_sessions_opus":   taskOpusFlag,
			"estimated_sessions_sonnet": taskSonnetFlag,
		}
		var resp struct {
			ID string `json:"id"`
		}
		if err := client.post(cmd.Context(), "/api/v1/tasks", body, &resp); err != nil {
			return err
		}
		return printResult(resp, func() {
			fmt.Println("Created task", resp.ID)
		})
	},
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := newAPIClient(apiFlag)
		path := "/api/v1/tasks"
		if taskProjectFlag != "" {
			path += "?project_id=" + taskProjectFlag
		}
		var resp struct {
			Tasks []agent.Task `json:"tasks"`
		}
		if err := client.get(cmd.Context(), path, &resp); err != nil {
			return err
		}
		return printResult(resp, func() {
			if len(resp.Tasks) == 0 {
				fmt.Println("No tasks")
				return
			}
			fmt.Printf("%-36s  %-12s  %8s  %s\n", "ID", "STATUS", "PRIORITY", "PROJECT")
			for _, t := range resp.Tasks {
				fmt.Printf("%-36s  %-12s  %8d  %s\n", t.ID, t.Status, t.Priority, t.ProjectID)
			}
		})
	},
}

var taskCancelCmd = &cobra.Command{
	Use:   "cancel <task-id>",
	Short: "Cancel a queued task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := newAPIClient(apiFlag)
		var resp struct {
			Status string `json:"status"`
		}
		if err := client.delete(cmd.Context(), "/api/v1/tasks/"+args[0], &resp); err != nil {
			return err
		}
		return printResult(resp, func() {
			fmt.Println("Cancelled task", args[0])
		})
	},
}

func init() {
	taskAddCmd.Flags().StringVar(&taskProjectFlag, "project", "", "project id (required)")
	taskAddCmd.Flags().IntVar(&taskPriorityFlag, "priority", 0, "scheduling priority, higher first")
	taskAddCmd.Flags().StringVar(&taskComplexityFlag, "complexity", "medium", "low|medium|high|complex")
	taskAddCmd.Flags().StringSliceVar(&taskTagsFlag, "tag", nil, "task tag (repeatable)")
	taskAddCmd.Flags().IntVar(&taskOpusFlag, "estimated-opus-sessions", 0, "estimated opus sessions")
	taskAddCmd.Flags().IntVar(&taskSonnetFlag, "estimated-sonnet-sessions", 0, "estimated sonnet sessions")

	taskListCmd.Flags().StringVar(&taskProjectFlag, "project", "", "filter by project id")

	taskCmd.AddCommand(taskAddCmd, taskListCmd, taskCancelCmd)
}
