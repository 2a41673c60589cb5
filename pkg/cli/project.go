package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/droverhq/drover/pkg/store"
)

var projectCmd = &cobra.Command{
	Use:   "project",
	Short: "Manage projects",
}

var projectListCmd = &cobra.Command{
	Use:   "list",
	Short: "List active projects",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := newAPIClient(apiFlag)
		var resp struct {
			Projects []store.Project `json:"projects"`
		}
		if err := client.get(cmd.Context(), "/api/v1/projects", &resp); err != nil {
			return err
		}
		return printResult(resp, func() {
			if len(resp.Projects) == 0 {
				fmt.Println("No active projects")
				return
			}
			for _, p := range resp.Projects {
				fmt.Printf("%-36s  %s\n", p.ID, p.Name)
			}
		})
	},
}

func projectPauseCommand(use, short string, paused bool) *cobra.Command {
	action := "resume"
	if paused {
		action = "pause"
	}
	return &cobra.Command{
		Use:   use + " <project-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(apiFlag)
			var resp struct {
				ID     string `json:"id"`
				Paused bool   `json:"paused"`
			}
			path := "/api/v1/projects/" + args[0] + "/" + action
			if err := client.post(cmd.Context(), path, nil, &resp); err != nil {
				return err
			}
			return printResult(resp, func() {
				fmt.Printf("Project %s %sd\n", resp.ID, action)
			})
		},
	}
}

func init() {
	projectCmd.AddCommand(
		projectListCmd,
		projectPauseCommand("pause", "Pause scheduling for a project", true),
		projectPauseCommand("resume", "Resume scheduling for a project", false),
	)
}
