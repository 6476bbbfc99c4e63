package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default

	// Retention prunes records older than this (sqlite only). 0 keeps everything.
	Retention time.Duration
}

// RunRecord is the outcome of one dispatched occurrence.
// Keep it compact and schema-stable.
type RunRecord struct {
	ID         string    `json:"id"`
	Schedule   string    `json:"schedule"`
	Task       string    `json:"task,omitempty"`
	Outcome    string    `json:"outcome"` // ok | failed | skipped | dropped
	Started    time.Time `json:"started"`
	QueueDelay int64     `json:"queue_delay_ms"`
	Duration   int64     `json:"duration_ms"`
	Attempts   int       `json:"attempts"`
	Error      string    `json:"error,omitempty"`
}

const defaultRecentLimit = 50

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultRecentLimit
	}
	if limit > 1000 {
		return 1000
	}
	return limit
}
