package dispatcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dispatchd/internal/config"
	"dispatchd/internal/eventbus"
	"dispatchd/internal/periodic"
	"dispatchd/internal/task/engine"
	"dispatchd/internal/task/handlers"
	logx "dispatchd/pkg/logx"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

type fakeEngine struct {
	mu    sync.Mutex
	tasks []engine.Task
	err   error
}

func (e *fakeEngine) Enqueue(t engine.Task) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return e.err
	}
	e.tasks = append(e.tasks, t)
	return nil
}

func (e *fakeEngine) Tasks() []engine.Task {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]engine.Task(nil), e.tasks...)
}

func (e *fakeEngine) SetErr(err error) {
	e.mu.Lock()
	e.err = err
	e.mu.Unlock()
}

func registry(calls chan<- handlers.Args) *handlers.Registry {
	r := handlers.NewRegistry()
	r.Register("noop", handlers.Noop)
	r.Register("capture", func(_ context.Context, args handlers.Args) error {
		calls <- args
		return nil
	})
	return r
}

func schedules() config.Schedules {
	return config.Schedules{
		{Name: "a", Schedule: "10", Task: "capture", Args: map[string]any{"k": "v"}, Timeout: "3s"},
		{Name: "b", Schedule: "10s", Task: "noop", Overlap: config.OverlapAllow},
	}
}

func newService(t *testing.T, eng Enqueuer, bus eventbus.Bus, calls chan<- handlers.Args) (*Service, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
	defs, err := BuildDefinitions(schedules(), registry(calls))
	require.NoError(t, err)

	s := New(Config{Title: "test"}, nil, eng, logx.Nop(), bus, WithClock(clock.Now))
	require.NoError(t, s.Reload(defs))
	return s, clock
}

func TestBuildDefinitions(t *testing.T) {
	t.Parallel()
	defs, err := BuildDefinitions(schedules(), registry(make(chan handlers.Args, 1)))
	require.NoError(t, err)
	require.Len(t, defs, 2)

	assert.Equal(t, "a", defs[0].Name)
	assert.Equal(t, 10*time.Second, defs[0].Interval)
	a := defs[0].Data.(Job)
	assert.Equal(t, "capture", a.Task)
	assert.Equal(t, 3*time.Second, a.Timeout)
	assert.Equal(t, engine.OverlapSkipIfRunning, a.Overlap)
	assert.Equal(t, engine.OverlapAllow, defs[1].Data.(Job).Overlap)

	bad := config.Schedules{{Name: "x", Schedule: "10", Task: "missing"}}
	_, err = BuildDefinitions(bad, registry(nil))
	assert.True(t, errors.Is(err, handlers.ErrUnknownTask))

	bad = config.Schedules{{Name: "x", Schedule: "0 * * * *", Task: "noop"}}
	_, err = BuildDefinitions(bad, registry(nil))
	assert.True(t, errors.Is(err, config.ErrNotFixedInterval))
}

func TestTickSubmitsDueSchedules(t *testing.T) {
	t.Parallel()
	eng := &fakeEngine{}
	calls := make(chan handlers.Args, 4)
	s, clock := newService(t, eng, nil, calls)
	start := clock.Now().Add(2 * time.Second)

	// Offsets are 0 and 5: nothing due before relative 10.
	clock.Set(start.Add(9 * time.Second))
	assert.Equal(t, time.Second, s.Tick())
	assert.Empty(t, eng.Tasks())

	clock.Set(start.Add(10500 * time.Millisecond))
	assert.Equal(t, 4500*time.Millisecond, s.Tick())
	tasks := eng.Tasks()
	require.Len(t, tasks, 1)
	assert.Equal(t, "a", tasks[0].Name)
	assert.Equal(t, "capture", tasks[0].Kind)
	assert.Equal(t, 3*time.Second, tasks[0].Timeout)

	require.NoError(t, tasks[0].Run(context.Background()))
	assert.Equal(t, handlers.Args{"k": "v"}, <-calls)

	// Marked at selection: a second tick in the same period submits nothing new.
	s.Tick()
	assert.Len(t, eng.Tasks(), 1)

	clock.Set(start.Add(15 * time.Second))
	s.Tick()
	tasks = eng.Tasks()
	require.Len(t, tasks, 2)
	assert.Equal(t, "b", tasks[1].Name)
	assert.Equal(t, engine.OverlapAllow, tasks[1].Opt.Overlap)
	assert.Equal(t, Counters{Submitted: 2}, s.Counters())
}

func TestRejectedSubmissionIsLostAndPublished(t *testing.T) {
	t.Parallel()
	eng := &fakeEngine{err: engine.ErrStopped}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()

	s, clock := newService(t, eng, bus, make(chan handlers.Args, 1))
	start := clock.Now().Add(2 * time.Second)
	<-events // schedules.reloaded

	clock.Set(start.Add(10 * time.Second))
	s.Tick()

	ev := <-events
	assert.Equal(t, eventbus.ScheduleDropped, ev.Type)
	te := ev.Data.(engine.TaskEvent)
	assert.Equal(t, "a", te.Name)
	assert.Equal(t, engine.ErrStopped.Error(), te.Error)

	// The occurrence is not retried and not counted as missed.
	eng.SetErr(nil)
	s.Tick()
	assert.Empty(t, eng.Tasks())
	st := s.Status()
	require.Len(t, st.Schedules, 2)
	assert.Equal(t, int64(1), st.Schedules[0].CompletedRuns)
	assert.Equal(t, int64(0), st.Schedules[0].MissedRuns)

	// Queue-full rejections are left to the engine's own event.
	eng.SetErr(engine.ErrQueueFull)
	clock.Set(start.Add(15 * time.Second))
	s.Tick()
	select {
	case ev := <-events:
		t.Fatalf("unexpected event %s", ev.Type)
	default:
	}
	assert.Equal(t, uint64(2), s.Counters().Rejected)
}

func TestReloadKeepsOldSetOnError(t *testing.T) {
	t.Parallel()
	s, _ := newService(t, &fakeEngine{}, nil, make(chan handlers.Args, 1))
	assert.Equal(t, 2, s.Status().TotalSchedules)
	assert.Equal(t, "test", s.Status().Title)

	dense := make([]periodic.Definition, 3)
	for i := range dense {
		dense[i] = periodic.Definition{Name: string(rune('a' + i)), Interval: 2 * time.Second, Data: Job{Run: handlers.Noop}}
	}
	err := s.Reload(dense)
	assert.True(t, errors.Is(err, periodic.ErrTooManySchedules))
	assert.Equal(t, 2, s.Status().TotalSchedules)

	require.NoError(t, s.Reload(dense[:2]))
	st := s.Status()
	assert.Equal(t, 2, st.TotalSchedules)
	assert.Equal(t, "a", st.Schedules[0].Name)
	assert.Equal(t, int64(1), st.Schedules[1].OffsetSeconds)
}

func TestTickWithoutSchedulerWaitsMax(t *testing.T) {
	t.Parallel()
	s := New(Config{}, nil, &fakeEngine{}, logx.Logger{}, nil)
	assert.Equal(t, 20*time.Second, s.Tick())
	assert.Empty(t, s.Status().Schedules)
}

func TestRunNotifiesSystemd(t *testing.T) {
	t.Parallel()
	s := New(Config{SystemdNotify: true}, nil, &fakeEngine{}, logx.Nop(), nil)

	var mu sync.Mutex
	var states []string
	s.sdNotify = func(state string) (bool, error) {
		mu.Lock()
		states = append(states, state)
		mu.Unlock()
		return true, nil
	}
	s.sdWatchdog = func() (time.Duration, error) { return 20 * time.Millisecond, nil }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		n := 0
		for _, st := range states {
			if st == "WATCHDOG=1" {
				n++
			}
		}
		return n >= 2
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "READY=1", states[0])
	assert.Equal(t, "STOPPING=1", states[len(states)-1])
}

func TestReloadWakesRun(t *testing.T) {
	t.Parallel()
	s := New(Config{}, nil, &fakeEngine{}, logx.Nop(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.NoError(t, s.Reload([]periodic.Definition{{Name: "a", Interval: time.Minute, Data: Job{Run: handlers.Noop}}}))
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
}
