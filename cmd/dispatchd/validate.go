package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"dispatchd/internal/app"
	"dispatchd/internal/config"
	logx "dispatchd/pkg/logx"
)

func validateCmd() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check a config file without running it",
		Long: `Check a config file without running it.

Besides syntax and field checks this resolves every task handler and rejects
schedule sets that are too dense to be spaced inside the shortest interval.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.NewConfigManager(cfgPath).Parse()
			if err != nil {
				return err
			}
			if err := app.ValidateConfig(cfg, app.DefaultRegistry(logx.Nop())); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%d schedules)\n", cfgPath, len(cfg.Schedules))
			return nil
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", defaultConfigPath, "path to config (yaml or json)")
	return cmd
}
