//go:build linux

package handlers

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dispatchd/internal/task/engine"
	logx "dispatchd/pkg/logx"
)

func TestUnitArgs(t *testing.T) {
	t.Parallel()
	unit, action, mode, err := unitArgs(Args{"unit": "nginx"})
	require.NoError(t, err)
	assert.Equal(t, "nginx.service", unit)
	assert.Equal(t, "restart", action)
	assert.Equal(t, "replace", mode)

	unit, action, _, err = unitArgs(Args{"unit": "backup.timer", "action": "Start"})
	require.NoError(t, err)
	assert.Equal(t, "backup.timer", unit)
	assert.Equal(t, "start", action)

	_, _, _, err = unitArgs(Args{"unit": "x", "action": "enable"})
	assert.Error(t, err)
	_, _, _, err = unitArgs(Args{})
	assert.Error(t, err)
}

func TestSystemdUnitRejectsBadArgsWithoutDialing(t *testing.T) {
	t.Parallel()
	err := SystemdUnit(logx.Nop())(context.Background(), Args{"action": "restart"})
	require.Error(t, err)
	assert.True(t, engine.IsNoRetry(err))
}
