package periodic

import (
	"errors"
	"fmt"
	"strings"
	"time"

	logx "dispatchd/pkg/logx"
)

const (
	// startupGrace delays every first target time so the process can finish booting.
	startupGrace = 2 * time.Second

	minWait = 100 * time.Millisecond
	maxWait = 20 * time.Second

	defaultTitle = "Scheduler status"
)

var (
	ErrInvalidDefinition = errors.New("invalid schedule definition")
	ErrTooManySchedules  = errors.New("too many schedules for the shortest interval")
)

// Definition is one entry of the static schedule set.
type Definition struct {
	Name     string
	Interval time.Duration
	Data     any
}

type Option func(*Scheduler)

func WithLogger(log logx.Logger) Option { return func(s *Scheduler) { s.log = log } }

// WithClock replaces the wall clock (tests).
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithTitle sets the title reported by Debug().
func WithTitle(title string) Option {
	return func(s *Scheduler) {
		if strings.TrimSpace(title) != "" {
			s.title = title
		}
	}
}

// Scheduler owns a fixed set of schedules.
//
// It is not safe for concurrent use.
type Scheduler struct {
	log   logx.Logger
	now   func() time.Time
	title string

	jobs   []ScheduledTask
	byName map[string]int

	globalStart time.Time
}

// New validates defs and assigns offsets in the given order.
//
// The schedule set is rejected when it has more entries than the shortest
// interval has seconds: those cannot be evenly spaced inside one period.
func New(defs []Definition, opts ...Option) (*Scheduler, error) {
	s := &Scheduler{
		log:    logx.Nop(),
		now:    time.Now,
		title:  defaultTitle,
		byName: make(map[string]int, len(defs)),
	}
	for _, o := range opts {
		o(s)
	}

	intervals := make([]int64, len(defs))
	var minInterval int64
	for i, d := range defs {
		name := strings.TrimSpace(d.Name)
		if name == "" {
			return nil, fmt.Errorf("%w: schedule #%d has no name", ErrInvalidDefinition, i)
		}
		if _, dup := s.byName[name]; dup {
			return nil, fmt.Errorf("%w: duplicate schedule %q", ErrInvalidDefinition, name)
		}
		if d.Interval < time.Second || d.Interval%time.Second != 0 {
			return nil, fmt.Errorf("%w: %s: interval %s is not a positive whole number of seconds", ErrInvalidDefinition, name, d.Interval)
		}
		s.byName[name] = i
		intervals[i] = int64(d.Interval / time.Second)
		if minInterval == 0 || intervals[i] < minInterval {
			minInterval = intervals[i]
		}
	}

	numJobs := int64(len(defs))
	if numJobs > minInterval && numJobs > 0 {
		return nil, fmt.Errorf("%w: %d schedules, shortest interval is %d seconds", ErrTooManySchedules, numJobs, minInterval)
	}

	s.jobs = make([]ScheduledTask, len(defs))
	for i, d := range defs {
		s.jobs[i] = ScheduledTask{
			Name:     strings.TrimSpace(d.Name),
			Interval: intervals[i],
			Offset:   (int64(i) * minInterval) / numJobs,
			Data:     d.Data,
		}
	}
	s.globalStart = s.now().Add(startupGrace)

	if !s.log.IsZero() {
		for _, j := range s.jobs {
			s.log.Debug("schedule registered",
				logx.String("schedule", j.Name),
				logx.Int64("interval", j.Interval),
				logx.Int64("offset", j.Offset),
			)
		}
	}
	return s, nil
}

// GlobalStart is the wall-clock origin of relative time.
func (s *Scheduler) GlobalStart() time.Time { return s.globalStart }

// RelativeTime returns seconds elapsed since GlobalStart (negative during the grace period).
func (s *Scheduler) RelativeTime() float64 {
	return s.now().Sub(s.globalStart).Seconds()
}

func (s *Scheduler) Len() int { return len(s.jobs) }

// Tasks returns copies of all schedules in construction order.
func (s *Scheduler) Tasks() []ScheduledTask {
	out := make([]ScheduledTask, len(s.jobs))
	copy(out, s.jobs)
	return out
}

// Task returns a copy of the named schedule.
func (s *Scheduler) Task(name string) (ScheduledTask, bool) {
	i, ok := s.byName[name]
	if !ok {
		return ScheduledTask{}, false
	}
	return s.jobs[i], true
}

// GetAndMarkPending returns every schedule due now, in construction order,
// and marks each one as run before returning.
//
// Marking happens at selection time: if the caller fails to dispatch a
// returned job, that occurrence is lost and is not reported as missed.
func (s *Scheduler) GetAndMarkPending() []ScheduledTask {
	rel := s.RelativeTime()
	var due []ScheduledTask
	for i := range s.jobs {
		j := &s.jobs[i]
		if !j.DueToRun(rel) {
			continue
		}
		j.MarkRun(rel, s.log)
		due = append(due, *j)
	}
	return due
}

// TimeUntilNextRun returns how long the caller should wait before polling again.
//
// The result is always within [100ms, 20s]; estimates outside that window are
// logged and clamped.
func (s *Scheduler) TimeUntilNextRun() time.Duration {
	if len(s.jobs) == 0 {
		return maxWait
	}
	rel := s.RelativeTime()

	next := &s.jobs[0]
	for i := 1; i < len(s.jobs); i++ {
		if s.jobs[i].NextRun() < next.NextRun() {
			next = &s.jobs[i]
		}
	}
	delta := float64(next.NextRun()) - rel

	switch {
	case delta <= minWait.Seconds():
		s.log.Warn("next run is in the past",
			logx.String("schedule", next.Name),
			logx.Float64("seconds_past", -delta),
		)
		return minWait
	case delta > maxWait.Seconds():
		s.log.Warn("next run unexpectedly far in the future",
			logx.String("schedule", next.Name),
			logx.Float64("seconds", delta),
		)
		return maxWait
	}
	s.log.Debug("next run scheduled", logx.String("schedule", next.Name), logx.Float64("seconds", delta))
	return time.Duration(delta * float64(time.Second))
}
