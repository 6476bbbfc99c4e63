package status

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dispatchd/internal/dispatcher"
	"dispatchd/internal/periodic"
	"dispatchd/internal/storage"
	"dispatchd/internal/task/engine"
	logx "dispatchd/pkg/logx"
)

type schedSource struct{ st periodic.Status }

func (s schedSource) Status() periodic.Status { return s.st }

type dispatchSource struct{ c dispatcher.Counters }

func (d dispatchSource) Counters() dispatcher.Counters { return d.c }

type engSource struct{ snap engine.Snapshot }

func (e engSource) Snapshot() engine.Snapshot { return e.snap }

func testSources(t *testing.T) Sources {
	t.Helper()
	store, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "runs.jsonl")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	for i, name := range []string{"a", "b", "a"} {
		require.NoError(t, store.AppendRun(context.Background(), storage.RunRecord{
			ID: string(rune('0' + i)), Schedule: name, Outcome: engine.OutcomeOK, Started: time.Now(),
		}))
	}
	return Sources{
		Scheduler: schedSource{st: periodic.Status{
			Title:          "Scheduler status",
			TotalSchedules: 1,
			Schedules:      []periodic.ScheduleStatus{{Name: "a", IntervalSeconds: 60, OffsetSeconds: 0}},
		}},
		Dispatch: dispatchSource{c: dispatcher.Counters{Submitted: 7, Rejected: 2}},
		Engine:   engSource{snap: engine.Snapshot{Enabled: true, Running: true, Workers: 2}},
		Runs:     store,
	}
}

func get(t *testing.T, h http.Handler, target string, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestStatusEndpoints(t *testing.T) {
	t.Parallel()
	h := NewRouter(testSources(t), "", false, logx.Nop())

	rec := get(t, h, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())

	rec = get(t, h, "/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var st periodic.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, 1, st.TotalSchedules)
	assert.Equal(t, "a", st.Schedules[0].Name)

	rec = get(t, h, "/status?format=yaml", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/yaml", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "title: Scheduler status")
	assert.Contains(t, rec.Body.String(), "interval_in_seconds: 60")

	rec = get(t, h, "/dispatcher", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var counters dispatcher.Counters
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &counters))
	assert.Equal(t, dispatcher.Counters{Submitted: 7, Rejected: 2}, counters)

	rec = get(t, h, "/engine", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var snap engine.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, 2, snap.Workers)

	rec = get(t, h, "/runs?schedule=a&limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var runs []storage.RunRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, "2", runs[0].ID)

	assert.Equal(t, http.StatusBadRequest, get(t, h, "/runs?limit=x", nil).Code)
	assert.Equal(t, http.StatusNotFound, get(t, h, "/debug/pprof/", nil).Code)
}

func TestDisabledSources(t *testing.T) {
	t.Parallel()
	h := NewRouter(Sources{}, "", true, logx.Nop())
	assert.Equal(t, http.StatusServiceUnavailable, get(t, h, "/status", nil).Code)
	assert.Equal(t, http.StatusServiceUnavailable, get(t, h, "/dispatcher", nil).Code)
	assert.Equal(t, http.StatusServiceUnavailable, get(t, h, "/engine", nil).Code)
	assert.Equal(t, http.StatusServiceUnavailable, get(t, h, "/runs", nil).Code)
	assert.Equal(t, http.StatusOK, get(t, h, "/debug/pprof/", nil).Code)
}

func TestTokenAuth(t *testing.T) {
	t.Parallel()
	h := NewRouter(testSources(t), "s3cret", false, logx.Nop())

	rec := get(t, h, "/healthz", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Bearer", rec.Header().Get("WWW-Authenticate"))

	assert.Equal(t, http.StatusUnauthorized, get(t, h, "/healthz", map[string]string{"Authorization": "Bearer nope"}).Code)
	assert.Equal(t, http.StatusOK, get(t, h, "/healthz", map[string]string{"Authorization": "Bearer s3cret"}).Code)
	assert.Equal(t, http.StatusOK, get(t, h, "/healthz?token=s3cret", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, get(t, h, "/healthz?token=bad", map[string]string{"Authorization": "Bearer s3cret"}).Code)
}

func TestCheckBind(t *testing.T) {
	t.Parallel()
	assert.NoError(t, CheckBind(Config{}))
	assert.NoError(t, CheckBind(Config{Addr: "localhost:9000"}))
	assert.NoError(t, CheckBind(Config{Addr: "[::1]:9000"}))

	err := CheckBind(Config{Addr: ":9000"})
	assert.True(t, errors.Is(err, ErrInsecureBind))
	assert.True(t, errors.Is(CheckBind(Config{Addr: "0.0.0.0:9000"}), ErrInsecureBind))

	assert.NoError(t, CheckBind(Config{Addr: "0.0.0.0:9000", Token: "t"}))
	assert.NoError(t, CheckBind(Config{Addr: "0.0.0.0:9000", AllowInsecure: true}))
}

func TestServiceLifecycle(t *testing.T) {
	t.Parallel()
	svc := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, testSources(t), logx.Nop())
	ctx := context.Background()
	svc.Start(ctx)
	defer svc.Stop(ctx)

	require.Eventually(t, func() bool { return svc.Addr() != "" }, 2*time.Second, 10*time.Millisecond)
	resp, err := http.Get("http://" + svc.Addr() + "/healthz")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, "ok", strings.TrimSpace(string(body)))

	svc.Reconfigure(ctx, Config{Enabled: true, Addr: "127.0.0.1:0", Token: "t"})
	require.Eventually(t, func() bool { return svc.Addr() != "" }, 2*time.Second, 10*time.Millisecond)
	resp, err = http.Get("http://" + svc.Addr() + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	svc.Reconfigure(ctx, Config{})
	assert.Equal(t, "", svc.Addr())
	assert.False(t, svc.Enabled())
}
