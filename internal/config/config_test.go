package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

const sampleYAML = `
logging:
  level: debug
  console: true
dispatcher:
  title: Nightly jobs
task_engine:
  workers: 3
  default_timeout: 30s
storage:
  driver: sqlite
  path: ./runs.db
schedules:
  zeta:
    schedule: 60
    task: noop
  alpha:
    schedule: "00:05"
    task: command
    args:
      argv: [echo, hi]
    timeout: 10s
    overlap: allow
  mid:
    schedule: "@every 90s"
    task: log
    retry_max: 2
`

func TestLoadYAMLPreservesScheduleOrder(t *testing.T) {
	t.Parallel()
	p := writeFile(t, t.TempDir(), "dispatchd.yaml", sampleYAML)

	cfg, err := NewConfigManager(p).Load()
	require.NoError(t, err)

	assert.Equal(t, []string{"zeta", "alpha", "mid"}, cfg.Schedules.Names())
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "Nightly jobs", cfg.Dispatcher.Title)
	assert.True(t, cfg.Dispatcher.IsEnabled())
	assert.Equal(t, 3, cfg.TaskEngine.Workers)
	require.NotNil(t, cfg.Storage)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)

	alpha, ok := cfg.Schedules.Lookup("alpha")
	require.True(t, ok)
	assert.Equal(t, IntervalSpec("00:05"), alpha.Schedule)
	assert.Equal(t, "command", alpha.Task)
	assert.Equal(t, []any{"echo", "hi"}, alpha.Args["argv"])
	assert.True(t, alpha.AllowOverlap())

	zeta, _ := cfg.Schedules.Lookup("zeta")
	assert.Equal(t, IntervalSpec("60"), zeta.Schedule)
	assert.False(t, zeta.AllowOverlap())

	mid, _ := cfg.Schedules.Lookup("mid")
	require.NotNil(t, mid.RetryMax)
	assert.Equal(t, 2, *mid.RetryMax)
}

func TestLoadJSONPreservesScheduleOrder(t *testing.T) {
	t.Parallel()
	p := writeFile(t, t.TempDir(), "dispatchd.json", `{
		"schedules": {
			"b": {"schedule": 10, "task": "noop"},
			"a": {"schedule": "15s", "task": "noop"}
		}
	}`)
	cfg, err := NewConfigManager(p).Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a"}, cfg.Schedules.Names())
}

func TestParseRejectsBadConfig(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		file string
		body string
	}{
		{name: "unknown top-level key", file: "c.yaml", body: "nope: 1\n"},
		{name: "unknown schedule key", file: "c.yaml", body: "schedules:\n  a:\n    schedule: 10\n    task: noop\n    extra: 1\n"},
		{name: "missing task", file: "c.yaml", body: "schedules:\n  a:\n    schedule: 10\n"},
		{name: "calendar cron", file: "c.yaml", body: "schedules:\n  a:\n    schedule: \"*/5 * * * *\"\n    task: noop\n"},
		{name: "bad overlap", file: "c.yaml", body: "schedules:\n  a:\n    schedule: 10\n    task: noop\n    overlap: queue\n"},
		{name: "duplicate schedule", file: "c.json", body: `{"schedules":{"a":{"schedule":1,"task":"noop"},"a":{"schedule":2,"task":"noop"}}}`},
		{name: "trailing data", file: "c.json", body: `{} {}`},
		{name: "bad storage driver", file: "c.yaml", body: "storage:\n  driver: redis\n"},
		{name: "bad duration", file: "c.yaml", body: "task_engine:\n  default_timeout: soon\n"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p := writeFile(t, t.TempDir(), tt.file, tt.body)
			_, err := NewConfigManager(p).Parse()
			assert.Error(t, err)
		})
	}
}

func TestEmptyYAMLIsValid(t *testing.T) {
	t.Parallel()
	p := writeFile(t, t.TempDir(), "c.yaml", "")
	cfg, err := NewConfigManager(p).Parse()
	require.NoError(t, err)
	assert.Empty(t, cfg.Schedules)
}

func TestParseInterval(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"90", 90 * time.Second},
		{" 5 ", 5 * time.Second},
		{"1m30s", 90 * time.Second},
		{"2h", 2 * time.Hour},
		{"00:05", 5 * time.Minute},
		{"02:30", 150 * time.Minute},
		{"@every 10m", 10 * time.Minute},
		{"@every 1500ms", time.Second},
		{"90.0", 90 * time.Second},
		{"1e2", 100 * time.Second},
	}
	for _, tt := range tests {
		got, err := ParseInterval(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	for _, bad := range []string{"", "0", "-5", "00:00", "01:75", "soon", "@hourly", "*/5 * * * *", "0s", "90.5", "inf", "NaN", "0x10p0", "1e30"} {
		_, err := ParseInterval(bad)
		assert.Error(t, err, "%q", bad)
	}

	_, err := ParseInterval("@daily")
	assert.True(t, errors.Is(err, ErrNotFixedInterval))
}

func TestNumericScheduleSameAcrossFormats(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	files := map[string]string{
		"a.yaml": "schedules:\n  a:\n    schedule: 90.0\n    task: noop\n",
		"a.json": `{"schedules": {"a": {"schedule": 90.0, "task": "noop"}}}`,
		"b.json": `{"schedules": {"a": {"schedule": 9e1, "task": "noop"}}}`,
	}
	for name, body := range files {
		cfg, err := NewConfigManager(writeFile(t, dir, name, body)).Parse()
		require.NoError(t, err, name)
		require.Len(t, cfg.Schedules, 1, name)
		assert.Equal(t, IntervalSpec("90"), cfg.Schedules[0].Schedule, name)
	}

	p := writeFile(t, dir, "c.json", `{"schedules": {"a": {"schedule": 90.5, "task": "noop"}}}`)
	_, err := NewConfigManager(p).Parse()
	assert.Error(t, err)
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	d, err := ParseDurationField("x", "")
	require.NoError(t, err)
	assert.Zero(t, d)

	d, err = ParseDurationField("x", "30")
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, d)

	d, err = ParseDurationField("x", "250ms")
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, d)

	_, err = ParseDurationField("task_engine.default_timeout", "-1s")
	assert.ErrorContains(t, err, "task_engine.default_timeout")

	d, err = ParseDurationOrDefault("x", "0", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, d)

	_, err = ParseDurationOrDefault("x", "soon", 5*time.Second)
	assert.Error(t, err)
}

func TestSchedulesMarshalKeepsOrder(t *testing.T) {
	t.Parallel()
	s := Schedules{
		{Name: "z", Schedule: "10", Task: "noop"},
		{Name: "a", Schedule: "20", Task: "noop"},
	}
	b, err := s.MarshalJSON()
	require.NoError(t, err)

	var back Schedules
	require.NoError(t, back.UnmarshalJSON(b))
	assert.Equal(t, []string{"z", "a"}, back.Names())
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{
		Status: StatusConfig{Enabled: true, Token: "secret"},
		Schedules: Schedules{
			{Name: "a", Schedule: "10", Task: "noop"},
			{Name: "b", Schedule: "20", Task: "noop"},
		},
	}
	newCfg := &Config{
		Status:     StatusConfig{Enabled: true, Token: "other-secret"},
		TaskEngine: TaskEngineConfig{Workers: 4},
		Schedules: Schedules{
			{Name: "a", Schedule: "15", Task: "noop"},
			{Name: "c", Schedule: "20", Task: "noop"},
		},
	}

	changed, attrs, scheds := SummarizeConfigChange(oldCfg, newCfg)
	// Rotating a token is not a status change worth restarting for.
	assert.Equal(t, []string{"schedules", "task_engine"}, changed)
	assert.NotEmpty(t, attrs)
	assert.Equal(t, []string{"a", "b", "c"}, scheds)

	changed, _, _ = SummarizeConfigChange(newCfg, newCfg)
	assert.Empty(t, changed)
}

func TestWatchPublishesValidReload(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "dispatchd.yaml", "schedules:\n  a:\n    schedule: 10\n    task: noop\n")

	m := NewConfigManager(p)
	_, err := m.Load()
	require.NoError(t, err)
	m.SetValidator(func(_ context.Context, cfg *Config) error {
		if len(cfg.Schedules) > 2 {
			return errors.New("too many")
		}
		return nil
	})
	ch := m.Subscribe(1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = m.Watch(ctx)
		close(done)
	}()
	time.Sleep(200 * time.Millisecond)

	// Rejected by the validator: never published.
	writeFile(t, dir, "dispatchd.yaml", "schedules:\n  a: {schedule: 10, task: noop}\n  b: {schedule: 10, task: noop}\n  c: {schedule: 10, task: noop}\n")
	select {
	case <-ch:
		t.Fatal("rejected config was published")
	case <-time.After(time.Second):
	}

	writeFile(t, dir, "dispatchd.yaml", "schedules:\n  b:\n    schedule: 30\n    task: noop\n  a:\n    schedule: 10\n    task: noop\n")
	select {
	case cfg := <-ch:
		assert.Equal(t, []string{"b", "a"}, cfg.Schedules.Names())
		assert.Equal(t, cfg, m.Get())
	case <-time.After(5 * time.Second):
		t.Fatal("reload was not published")
	}

	cancel()
	<-done
}
