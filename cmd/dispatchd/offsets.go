package main

import (
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"dispatchd/internal/app"
	"dispatchd/internal/config"
	"dispatchd/internal/dispatcher"
	"dispatchd/internal/periodic"
	logx "dispatchd/pkg/logx"
)

func offsetsCmd() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:   "offsets",
		Short: "Print the offset assigned to every schedule",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.NewConfigManager(cfgPath).Parse()
			if err != nil {
				return err
			}
			defs, err := dispatcher.BuildDefinitions(cfg.Schedules, app.DefaultRegistry(logx.Nop()))
			if err != nil {
				return err
			}
			sched, err := periodic.New(defs)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderOffsets(sched.Tasks()))
			return nil
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", defaultConfigPath, "path to config (yaml or json)")
	return cmd
}

var offsetsHeader = table.Row{"#", "Schedule", "Interval (s)", "Offset (s)", "First run (s)"}

// renderOffsets lists schedules in config order; first run is relative to start plus grace.
func renderOffsets(tasks []periodic.ScheduledTask) string {
	tw := table.NewWriter()
	tw.AppendHeader(offsetsHeader)
	for i, t := range tasks {
		tw.AppendRow(table.Row{i + 1, t.Name, t.Interval, t.Offset, t.NextRun()})
	}
	return tw.Render()
}
