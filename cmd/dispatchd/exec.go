package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"dispatchd/internal/app"
	"dispatchd/internal/config"
	logx "dispatchd/pkg/logx"
)

func execCmd() *cobra.Command {
	var (
		cfgPath string
		level   string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "exec <schedule>",
		Short: "Run one schedule's task now and wait for it",
		Long: `Run one schedule's task now and wait for it.

The task runs in this process with the schedule's timeout, retry and args
settings. A running daemon is not contacted and its schedule is not affected.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.NewConfigManager(cfgPath).Parse()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			log := logx.NewConsole(level)
			ev, err := app.RunOnce(ctx, cfg, args[0], app.DefaultRegistry(log.With(logx.String("comp", "task"))), log)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (attempts %d, took %s)\n", ev.Name, ev.Attempts, ev.Duration.Round(time.Millisecond))
			return nil
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", defaultConfigPath, "path to config (yaml or json)")
	cmd.Flags().StringVar(&level, "log-level", "warn", "console log level")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "give up waiting after this long (0 = no limit)")
	return cmd
}
