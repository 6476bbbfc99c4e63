package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate checks everything that can be checked without building runtime
// components. Handler names and schedule density are checked by the dispatcher.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config is nil")
	}
	var errs []error

	if _, err := ParseDurationField("dispatcher.drop_warn_every", c.Dispatcher.DropWarnEvery); err != nil {
		errs = append(errs, err)
	}

	te := c.TaskEngine
	if te.Workers < 0 {
		errs = append(errs, fmt.Errorf("task_engine.workers: must be >= 0"))
	}
	if te.QueueSize < 0 {
		errs = append(errs, fmt.Errorf("task_engine.queue_size: must be >= 0"))
	}
	if te.HistorySize < 0 {
		errs = append(errs, fmt.Errorf("task_engine.history_size: must be >= 0"))
	}
	if te.RetryMax < 0 {
		errs = append(errs, fmt.Errorf("task_engine.retry_max: must be >= 0"))
	}
	for path, raw := range map[string]string{
		"task_engine.default_timeout": te.DefaultTimeout,
		"task_engine.max_queue_delay": te.MaxQueueDelay,
		"status.read_timeout":         c.Status.ReadTimeout,
		"status.write_timeout":        c.Status.WriteTimeout,
		"status.idle_timeout":         c.Status.IdleTimeout,
	} {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}

	if s := c.Storage; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "none", "file", "sqlite", "sqlite3":
		default:
			errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", s.Driver))
		}
		if _, err := ParseDurationField("storage.busy_timeout", s.BusyTimeout); err != nil {
			errs = append(errs, err)
		}
		if _, err := ParseDurationField("storage.retention", s.Retention); err != nil {
			errs = append(errs, err)
		}
	}

	for _, e := range c.Schedules {
		if err := e.validate(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
