package app

import (
	"fmt"
	"strings"
	"time"

	"dispatchd/internal/config"
	"dispatchd/internal/dispatcher"
	"dispatchd/internal/status"
	"dispatchd/internal/storage"
	"dispatchd/internal/task/engine"
	logx "dispatchd/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)
	if path == "" {
		return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=%s", driver)
	}
	retention, err := config.ParseDurationField("storage.retention", sc.Retention)
	if err != nil {
		return storage.Config{}, false, err
	}

	switch driver {
	case "file":
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy, Retention: retention}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapTaskEngineConfig(cfg *config.Config) (engine.Config, error) {
	te := cfg.TaskEngine
	defTimeout, err := config.ParseDurationField("task_engine.default_timeout", te.DefaultTimeout)
	if err != nil {
		return engine.Config{}, err
	}
	maxQueueDelay, err := config.ParseDurationField("task_engine.max_queue_delay", te.MaxQueueDelay)
	if err != nil {
		return engine.Config{}, err
	}
	// The engine only exists to run dispatched schedules.
	return engine.Config{
		Enabled:        cfg.Dispatcher.IsEnabled(),
		Workers:        te.Workers,
		QueueSize:      te.QueueSize,
		DefaultTimeout: defTimeout,
		MaxQueueDelay:  maxQueueDelay,
		HistorySize:    te.HistorySize,
		RetryMax:       te.RetryMax,
	}, nil
}

func mapDispatcherConfig(cfg *config.Config) (dispatcher.Config, error) {
	every, err := config.ParseDurationField("dispatcher.drop_warn_every", cfg.Dispatcher.DropWarnEvery)
	if err != nil {
		return dispatcher.Config{}, err
	}
	return dispatcher.Config{
		Title:         cfg.Dispatcher.Title,
		SystemdNotify: cfg.Dispatcher.SystemdNotify,
		DropWarnEvery: every,
	}, nil
}

func mapStatusConfig(cfg *config.Config) (status.Config, error) {
	st := cfg.Status
	out := status.Config{
		Enabled:       st.Enabled,
		Addr:          strings.TrimSpace(st.Addr),
		Token:         strings.TrimSpace(st.Token),
		AllowInsecure: st.AllowInsecure,
		Pprof:         st.Pprof,
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationOrDefault("status.read_timeout", st.ReadTimeout, 10*time.Second); err != nil {
		return status.Config{}, err
	}
	// pprof profiles stream for 30s by default.
	if out.WriteTimeout, err = config.ParseDurationOrDefault("status.write_timeout", st.WriteTimeout, 60*time.Second); err != nil {
		return status.Config{}, err
	}
	if out.IdleTimeout, err = config.ParseDurationOrDefault("status.idle_timeout", st.IdleTimeout, 60*time.Second); err != nil {
		return status.Config{}, err
	}
	return out, nil
}
