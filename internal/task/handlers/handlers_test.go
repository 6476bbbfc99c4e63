package handlers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dispatchd/internal/task/engine"
	logx "dispatchd/pkg/logx"
)

func TestRegistryLookup(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	RegisterBuiltins(r, logx.Nop())
	assert.Equal(t, []string{"command", "log", "noop", "systemd_unit"}, r.Names())

	fn, err := r.Lookup("noop")
	require.NoError(t, err)
	assert.NoError(t, fn(context.Background(), nil))

	_, err = r.Lookup("missing")
	assert.True(t, errors.Is(err, ErrUnknownTask))

	r.Register("", Noop)
	r.Register("nil", nil)
	assert.Len(t, r.Names(), 4)
}

func TestArgsHelpers(t *testing.T) {
	t.Parallel()
	a := Args{
		"argv":  []any{"echo", "hi"},
		"bad":   []any{"echo", 3.0},
		"env":   map[string]any{"A": "1"},
		"wait":  "1500ms",
		"blank": " ",
	}
	argv, err := a.Strings("argv")
	require.NoError(t, err)
	assert.Equal(t, []string{"echo", "hi"}, argv)

	_, err = a.Strings("bad")
	assert.Error(t, err)

	env, err := a.StringMap("env")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"A": "1"}, env)

	d, err := a.Duration("wait")
	require.NoError(t, err)
	assert.Equal(t, "1.5s", d.String())

	assert.Equal(t, "def", a.StringOr("blank", "def"))
	missing, err := a.Strings("nope")
	assert.NoError(t, err)
	assert.Nil(t, missing)
}

func TestLogHandler(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	fn := Log(logx.NewJSON(&buf, "debug"))

	require.NoError(t, fn(context.Background(), Args{"message": "rotate done", "level": "warn", "files": 3.0}))

	sc := bufio.NewScanner(&buf)
	require.True(t, sc.Scan())
	var line map[string]any
	require.NoError(t, json.Unmarshal(sc.Bytes(), &line))
	assert.Equal(t, "rotate done", line["message"])
	assert.Equal(t, "warn", line["level"])
	assert.EqualValues(t, 3, line["files"])

	err := fn(context.Background(), Args{"level": "loud"})
	require.Error(t, err)
	assert.True(t, engine.IsNoRetry(err))
}

func TestCommandHandler(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses /bin/sh")
	}
	t.Parallel()
	fn := Command(logx.Nop())
	ctx := context.Background()

	dir := t.TempDir()
	out := filepath.Join(dir, "out.txt")
	require.NoError(t, fn(ctx, Args{
		"argv": []any{"/bin/sh", "-c", `printf "$GREETING" > out.txt`},
		"dir":  dir,
		"env":  map[string]any{"GREETING": "hello"},
	}))
	b, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(b))

	err = fn(ctx, Args{"argv": []any{"/bin/sh", "-c", "exit 3"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exit status 3")
	assert.False(t, engine.IsNoRetry(err))

	err = fn(ctx, Args{"argv": []any{"/definitely/not/here"}})
	require.Error(t, err)
	assert.True(t, engine.IsNoRetry(err))

	err = fn(ctx, Args{})
	require.Error(t, err)
	assert.True(t, engine.IsNoRetry(err))
}

func TestCommandHandlerHonorsContext(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses sleep")
	}
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Command(logx.Nop())(ctx, Args{"argv": []any{"sleep", "5"}})
	assert.Error(t, err)
}

func TestTruncateKeepsRunes(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "short", truncate("  short \n", 10))

	// "é" is two bytes; a cut at byte 5 would split the third one.
	got := truncate(strings.Repeat("é", 4), 5)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, "éé…", got)

	got = truncate(strings.Repeat("x", maxOutputLog)+"€", maxOutputLog+1)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, strings.Repeat("x", maxOutputLog)+"…", got)
}
