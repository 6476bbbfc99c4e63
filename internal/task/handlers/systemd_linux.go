//go:build linux

package handlers

import (
	"context"
	"fmt"
	"strings"

	"github.com/coreos/go-systemd/v22/dbus"

	"dispatchd/internal/task/engine"
	logx "dispatchd/pkg/logx"
)

// SystemdUnit starts, stops or restarts a unit over the system D-Bus.
//
//	args:
//	  unit: nginx            # ".service" is appended when no suffix is given
//	  action: restart        # start | stop | restart | reload (default restart)
//	  mode: replace          # systemd job mode
//
// The handler waits for the job result; anything but "done" is a failure.
func SystemdUnit(log logx.Logger) Func {
	return func(ctx context.Context, args Args) error {
		unit, action, mode, err := unitArgs(args)
		if err != nil {
			return engine.NoRetry(err)
		}

		conn, err := dbus.NewSystemConnectionContext(ctx)
		if err != nil {
			return fmt.Errorf("systemd: connect: %w", err)
		}
		defer conn.Close()

		done := make(chan string, 1)
		switch action {
		case "start":
			_, err = conn.StartUnitContext(ctx, unit, mode, done)
		case "stop":
			_, err = conn.StopUnitContext(ctx, unit, mode, done)
		case "restart":
			_, err = conn.RestartUnitContext(ctx, unit, mode, done)
		case "reload":
			_, err = conn.ReloadUnitContext(ctx, unit, mode, done)
		}
		if err != nil {
			return fmt.Errorf("systemd: %s %s: %w", action, unit, err)
		}

		select {
		case res := <-done:
			if res != "done" {
				return fmt.Errorf("systemd: %s %s: job %s", action, unit, res)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
		log.Debug("systemd job done", logx.String("unit", unit), logx.String("action", action))
		return nil
	}
}

func unitArgs(args Args) (unit, action, mode string, err error) {
	unit = strings.TrimSpace(args.StringOr("unit", ""))
	if unit == "" {
		return "", "", "", fmt.Errorf("args.unit: required")
	}
	if !strings.Contains(unit, ".") {
		unit += ".service"
	}
	action = strings.ToLower(args.StringOr("action", "restart"))
	switch action {
	case "start", "stop", "restart", "reload":
	default:
		return "", "", "", fmt.Errorf("args.action: unknown action %q", action)
	}
	mode = args.StringOr("mode", "replace")
	return unit, action, mode, nil
}
