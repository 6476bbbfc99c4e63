//go:build !linux

package handlers

import (
	"context"
	"errors"

	"dispatchd/internal/task/engine"
	logx "dispatchd/pkg/logx"
)

// SystemdUnit is unavailable off Linux.
func SystemdUnit(logx.Logger) Func {
	return func(context.Context, Args) error {
		return engine.NoRetry(errors.New("systemd: not supported on this platform"))
	}
}
