package handlers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"unicode/utf8"

	"dispatchd/internal/task/engine"
	logx "dispatchd/pkg/logx"
)

// maxOutputLog bounds how much command output ends up in a log line.
const maxOutputLog = 2048

// RegisterBuiltins installs the built-in task handlers.
func RegisterBuiltins(r *Registry, log logx.Logger) {
	r.Register("noop", Noop)
	r.Register("log", Log(log))
	r.Register("command", Command(log))
	r.Register("systemd_unit", SystemdUnit(log))
}

func Noop(context.Context, Args) error { return nil }

// Log writes args.message at args.level (default info).
func Log(log logx.Logger) Func {
	return func(_ context.Context, args Args) error {
		msg := args.StringOr("message", "scheduled log")
		var fields []logx.Field
		keys := make([]string, 0, len(args))
		for k := range args {
			if k != "message" && k != "level" {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		for _, k := range keys {
			fields = append(fields, logx.Any(k, args[k]))
		}

		switch strings.ToLower(args.StringOr("level", "info")) {
		case "trace":
			log.Trace(msg, fields...)
		case "debug":
			log.Debug(msg, fields...)
		case "info":
			log.Info(msg, fields...)
		case "warn", "warning":
			log.Warn(msg, fields...)
		case "error":
			log.Error(msg, fields...)
		default:
			return engine.NoRetry(fmt.Errorf("args.level: unknown level %q", args["level"]))
		}
		return nil
	}
}

// Command runs args.argv without a shell.
//
//	args:
//	  argv: ["/usr/local/bin/backup", "--quick"]
//	  dir: /var/lib/backup          # optional
//	  env: {BACKUP_TARGET: s3}      # optional, appended to the process env
//
// A non-zero exit is a failure; a missing binary is not retried.
func Command(log logx.Logger) Func {
	return func(ctx context.Context, args Args) error {
		argv, err := args.Strings("argv")
		if err != nil {
			return engine.NoRetry(err)
		}
		if len(argv) == 0 || strings.TrimSpace(argv[0]) == "" {
			return engine.NoRetry(errors.New("args.argv: required"))
		}
		env, err := args.StringMap("env")
		if err != nil {
			return engine.NoRetry(err)
		}

		cmd := exec.CommandContext(ctx, argv[0], argv[1:]...) // nolint:gosec
		cmd.Dir = args.StringOr("dir", "")
		if len(env) > 0 {
			cmd.Env = os.Environ()
			for k, v := range env {
				cmd.Env = append(cmd.Env, k+"="+v)
			}
		}
		var out bytes.Buffer
		cmd.Stdout = &out
		cmd.Stderr = &out

		err = cmd.Run()
		output := truncate(out.String(), maxOutputLog)
		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				log.Warn("command failed",
					logx.String("argv0", argv[0]),
					logx.Int("exit_code", exitErr.ExitCode()),
					logx.String("output", output),
				)
				return fmt.Errorf("%s: exit status %d", argv[0], exitErr.ExitCode())
			}
			if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
				return engine.NoRetry(fmt.Errorf("%s: %w", argv[0], err))
			}
			return fmt.Errorf("%s: %w", argv[0], err)
		}
		log.Debug("command finished", logx.String("argv0", argv[0]), logx.String("output", output))
		return nil
	}
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	// Cut on a rune boundary so the log line stays valid UTF-8.
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "…"
}
