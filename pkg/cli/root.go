// Package cli implements the drover command tree. Commands other than start
// talk to a running orchestrator through its operational HTTP API.
package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/droverhq/drover/pkg/config"
)

var (
	configFlag string
	apiFlag    string
	formatFlag string
)

var rootCmd = &cobra.Command{
	Use:           "drover",
	Short:         "Drover - autonomous agent orchestrator",
	Long:          "Drover schedules tasks onto bounded pools of agent sessions and keeps them within budget.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if configFlag != "" {
			if err := godotenv.Load(configFlag); err != nil {
				return config.NewConfigurationError(configFlag, err)
			}
		} else {
			// Best-effort default; a missing .env is fine.
			_ = godotenv.Load()
		}
		if apiFlag == "" {
			apiFlag = os.Getenv("DROVER_API_URL")
		}
		if apiFlag == "" {
			apiFlag = "http://localhost:8080"
		}
		if formatFlag != "text" && formatFlag != "json" {
			return config.NewValidationError("--format", formatFlag, config.ErrInvalidValue)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "path to an env file loaded before startup")
	rootCmd.PersistentFlags().StringVar(&apiFlag, "api", "", "orchestrator API base URL (default http://localhost:8080)")
	rootCmd.PersistentFlags().StringVar(&formatFlag, "format", "text", "output format: text or json")

	rootCmd.AddCommand(startCmd, stopCmd, statusCmd, taskCmd, projectCmd, configCmd, reportCmd)
}

// Execute runs the command tree and returns the process exit code:
// 0 success, 1 user or runtime error, 2 configuration error.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)

		var cfgErr *config.ConfigurationError
		if errors.As(err, &cfgErr) {
			return 2
		}
		return 1
	}
	return 0
}

// printResult renders v according to --format.
func printResult(v any, text func()) error {
	if formatFlag == "json" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text()
	return nil
}
