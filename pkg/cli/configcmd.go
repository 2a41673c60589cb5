package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/droverhq/drover/pkg/agent"
	"github.com/droverhq/drover/pkg/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and validate configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration from the environment",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.FromEnv()
		if err != nil {
			return err
		}
		return printResult(cfg, func() {
			fmt.Printf("Poll interval:       %s\n", cfg.Loop.PollInterval)
			fmt.Printf("Graceful shutdown:   %s\n", cfg.Loop.GracefulShutdownTimeout)
			fmt.Printf("State file:          %s\n", orNone(cfg.Loop.StateFilePath))
			fmt.Printf("Runtime address:     %s\n", orNone(cfg.RuntimeAddr))
			fmt.Printf("HTTP port:           %d\n", cfg.HTTPPort)
			for _, tier := range agent.Tiers {
				fmt.Printf("%-21s%d\n", string(tier)+" session limit:", cfg.Limits[tier])
			}
			fmt.Printf("Hard budget limit:   $%.2f\n", cfg.Breaker.HardBudgetLimitUSD)
			fmt.Printf("Notifications:       %v\n", cfg.Notify.Token != "" && cfg.Notify.Channel != "")
		})
	},
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration without starting",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.FromEnv()
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		fmt.Println("Configuration OK")
		return nil
	},
}

func orNone(v string) string {
	if v == "" {
		return "(none)"
	}
	return v
}

func init() {
	configCmd.AddCommand(configShowCmd, configValidateCmd)
}
