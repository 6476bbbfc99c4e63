package dispatcher

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"golang.org/x/time/rate"

	"dispatchd/internal/eventbus"
	"dispatchd/internal/periodic"
	"dispatchd/internal/task/engine"
	logx "dispatchd/pkg/logx"
)

const defaultDropWarnEvery = 10 * time.Second

type Config struct {
	Title         string
	SystemdNotify bool
	DropWarnEvery time.Duration
}

// Enqueuer is the part of the task engine the dispatcher needs.
type Enqueuer interface {
	Enqueue(t engine.Task) error
}

type Option func(*Service)

// WithClock replaces the wall clock used for reloads and events (tests).
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// Service runs the poll-and-submit loop.
type Service struct {
	log logx.Logger
	bus eventbus.Bus
	eng Enqueuer
	now func() time.Time

	mu          sync.Mutex
	cfg         Config
	sched       *periodic.Scheduler
	dropLimiter *rate.Limiter

	submitted  atomic.Uint64
	rejected   atomic.Uint64
	suppressed atomic.Uint64

	wake chan struct{}

	// sd hooks are swapped in tests.
	sdNotify   func(state string) (bool, error)
	sdWatchdog func() (time.Duration, error)
}

// New wraps an already constructed scheduler. sched may be nil until the first Reload.
func New(cfg Config, sched *periodic.Scheduler, eng Enqueuer, log logx.Logger, bus eventbus.Bus, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	s := &Service{
		log:        log,
		bus:        bus,
		eng:        eng,
		now:        time.Now,
		sched:      sched,
		wake:       make(chan struct{}, 1),
		sdNotify:   func(state string) (bool, error) { return daemon.SdNotify(false, state) },
		sdWatchdog: func() (time.Duration, error) { return daemon.SdWatchdogEnabled(false) },
	}
	for _, o := range opts {
		o(s)
	}
	s.applyLocked(cfg)
	return s
}

// Apply swaps the loop settings. The title takes effect at the next Reload.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.DropWarnEvery <= 0 {
		cfg.DropWarnEvery = defaultDropWarnEvery
	}
	if s.dropLimiter == nil || s.cfg.DropWarnEvery != cfg.DropWarnEvery {
		s.dropLimiter = rate.NewLimiter(rate.Every(cfg.DropWarnEvery), 1)
	}
	s.cfg = cfg
}

// Reload validates defs and swaps in a fresh scheduler: offsets are
// reassigned and the relative clock restarts. On error the old set stays.
func (s *Service) Reload(defs []periodic.Definition) error {
	s.mu.Lock()
	title := s.cfg.Title
	s.mu.Unlock()

	next, err := periodic.New(defs,
		periodic.WithLogger(s.log),
		periodic.WithClock(s.now),
		periodic.WithTitle(title),
	)
	if err != nil {
		return err
	}

	s.mu.Lock()
	prev := 0
	if s.sched != nil {
		prev = s.sched.Len()
	}
	s.sched = next
	s.mu.Unlock()

	s.log.Info("schedules reloaded", logx.Int("previous", prev), logx.Int("schedules", next.Len()))
	s.bus.Publish(eventbus.Event{Type: eventbus.SchedulesReloaded, Time: s.now(), Data: next.Len()})
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return nil
}

// Tick runs one poll-and-submit cycle and returns how long to wait before the next.
func (s *Service) Tick() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sched == nil {
		return 20 * time.Second
	}
	for _, job := range s.sched.GetAndMarkPending() {
		s.submitLocked(job)
	}
	return s.sched.TimeUntilNextRun()
}

func (s *Service) submitLocked(st periodic.ScheduledTask) {
	job, ok := st.Data.(Job)
	if !ok || job.Run == nil {
		s.log.Error("schedule has no runnable payload", logx.String("schedule", st.Name))
		return
	}
	t := job.task(st.Name)
	err := s.eng.Enqueue(t)
	if err == nil {
		s.submitted.Add(1)
		return
	}
	s.rejected.Add(1)

	// Queue-full and overlap rejections are already published by the engine.
	if !errors.Is(err, engine.ErrQueueFull) && !errors.Is(err, engine.ErrOverlapSkip) {
		now := s.now()
		s.bus.Publish(eventbus.Event{Type: eventbus.ScheduleDropped, Time: now, Data: engine.TaskEvent{
			Name:    st.Name,
			Kind:    job.Task,
			Started: now,
			Error:   err.Error(),
		}})
	}

	if errors.Is(err, engine.ErrOverlapSkip) {
		return
	}
	if !s.dropLimiter.Allow() {
		s.suppressed.Add(1)
		return
	}
	s.log.Warn("schedule dropped",
		logx.String("schedule", st.Name),
		logx.String("task", job.Task),
		logx.Uint64("suppressed", s.suppressed.Swap(0)),
		logx.Err(err),
	)
}

// Status returns the scheduler debug snapshot.
func (s *Service) Status() periodic.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sched == nil {
		return periodic.Status{Title: s.cfg.Title, Schedules: []periodic.ScheduleStatus{}}
	}
	return s.sched.Debug()
}

// Counters reports submissions accepted and rejected by the engine.
type Counters struct {
	Submitted uint64 `json:"submitted"`
	Rejected  uint64 `json:"rejected"`
}

func (s *Service) Counters() Counters {
	return Counters{Submitted: s.submitted.Load(), Rejected: s.rejected.Load()}
}

// Run loops until ctx is done. A Reload wakes the loop early.
func (s *Service) Run(ctx context.Context) error {
	s.mu.Lock()
	notify := s.cfg.SystemdNotify
	s.mu.Unlock()

	var watchdog time.Duration
	if notify {
		s.notify(daemon.SdNotifyReady)
		defer s.notify(daemon.SdNotifyStopping)
		if d, err := s.sdWatchdog(); err == nil && d > 0 {
			watchdog = d / 2
		}
	}
	s.log.Info("dispatcher started", logx.Duration("watchdog", watchdog))

	for {
		wait := s.Tick()
		if watchdog > 0 {
			s.notify(daemon.SdNotifyWatchdog)
			wait = min(wait, watchdog)
		}

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			s.log.Info("dispatcher stopped")
			return nil
		case <-s.wake:
			t.Stop()
		case <-t.C:
		}
	}
}

func (s *Service) notify(state string) {
	if ok, err := s.sdNotify(state); err != nil {
		s.log.Debug("systemd notify failed", logx.String("state", state), logx.Err(err))
	} else if !ok {
		s.log.Trace("systemd notify socket not set", logx.String("state", state))
	}
}
