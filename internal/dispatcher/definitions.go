package dispatcher

import (
	"context"
	"fmt"
	"strings"
	"time"

	"dispatchd/internal/config"
	"dispatchd/internal/periodic"
	"dispatchd/internal/task/engine"
	"dispatchd/internal/task/handlers"
)

// Job is the payload carried by each periodic.Definition.
type Job struct {
	Task     string
	Run      handlers.Func
	Args     handlers.Args
	Timeout  time.Duration
	RetryMax *int
	Overlap  engine.OverlapPolicy
}

// BuildDefinitions resolves every schedule against the registry, keeping
// config order. An unknown task name fails the whole set.
func BuildDefinitions(schedules config.Schedules, reg *handlers.Registry) ([]periodic.Definition, error) {
	defs := make([]periodic.Definition, 0, len(schedules))
	for _, sc := range schedules {
		interval, err := config.ParseInterval(string(sc.Schedule))
		if err != nil {
			return nil, fmt.Errorf("schedules.%s.schedule: %w", sc.Name, err)
		}
		fn, err := reg.Lookup(strings.TrimSpace(sc.Task))
		if err != nil {
			return nil, fmt.Errorf("schedules.%s.task: %w", sc.Name, err)
		}
		timeout, err := config.ParseDurationField("schedules."+sc.Name+".timeout", sc.Timeout)
		if err != nil {
			return nil, err
		}
		job := Job{
			Task:     strings.TrimSpace(sc.Task),
			Run:      fn,
			Args:     handlers.Args(sc.Args),
			Timeout:  timeout,
			RetryMax: sc.RetryMax,
		}
		if sc.AllowOverlap() {
			job.Overlap = engine.OverlapAllow
		}
		defs = append(defs, periodic.Definition{Name: sc.Name, Interval: interval, Data: job})
	}
	return defs, nil
}

func (j Job) task(name string) engine.Task {
	run, args := j.Run, j.Args
	return engine.Task{
		Name:    name,
		Kind:    j.Task,
		Timeout: j.Timeout,
		Run:     func(ctx context.Context) error { return run(ctx, args) },
		Opt:     engine.TaskOptions{Overlap: j.Overlap, RetryMax: j.RetryMax},
	}
}

// TaskFor turns a definition built by BuildDefinitions into an engine task.
func TaskFor(def periodic.Definition) (engine.Task, bool) {
	job, ok := def.Data.(Job)
	if !ok {
		return engine.Task{}, false
	}
	return job.task(def.Name), true
}
