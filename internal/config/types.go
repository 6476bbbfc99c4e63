package config

type Config struct {
	Logging    LoggingConfig    `json:"logging"`
	Dispatcher DispatcherConfig `json:"dispatcher"`

	// TaskEngine controls execution of dispatched schedules.
	TaskEngine TaskEngineConfig `json:"task_engine"`

	Status  StatusConfig   `json:"status"`
	Storage *StorageConfig `json:"storage,omitempty"`

	// Schedules keeps file order: offsets are assigned by position.
	Schedules Schedules `json:"schedules"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// DispatcherConfig controls the polling loop.
//
// Enabled is a pointer so an omitted key defaults to true.
type DispatcherConfig struct {
	Enabled *bool  `json:"enabled,omitempty"`
	Title   string `json:"title,omitempty"`

	// SystemdNotify sends READY/WATCHDOG/STOPPING when running under systemd.
	SystemdNotify bool `json:"systemd_notify,omitempty"`

	// DropWarnEvery limits "schedule dropped" warnings (Go duration, default "10s").
	DropWarnEvery string `json:"drop_warn_every,omitempty"`
}

func (d DispatcherConfig) IsEnabled() bool { return d.Enabled == nil || *d.Enabled }

// TaskEngineConfig controls the task execution engine.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - workers: 2
//   - queue_size: 256
//   - default_timeout: "0s" (disabled)
//   - max_queue_delay: "0s" (disabled)
//   - history_size: 200
//   - retry_max: 0
type TaskEngineConfig struct {
	Workers   int `json:"workers,omitempty"`
	QueueSize int `json:"queue_size,omitempty"`

	DefaultTimeout string `json:"default_timeout,omitempty"`

	// MaxQueueDelay drops tasks that have been queued longer than this duration.
	MaxQueueDelay string `json:"max_queue_delay,omitempty"`

	HistorySize int `json:"history_size,omitempty"`
	RetryMax    int `json:"retry_max,omitempty"`
}

// StatusConfig controls the optional HTTP status server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:8089").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type StatusConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:8089"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// Pprof mounts net/http/pprof under /debug.
	Pprof bool `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// StorageConfig controls the optional run history.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./dispatchd.db", "retention": "168h" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)

	// Retention prunes run records older than this (Go duration, sqlite only; "0s" keeps all).
	Retention string `json:"retention,omitempty"`
}
