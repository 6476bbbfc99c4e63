package periodic

import (
	"math"

	logx "dispatchd/pkg/logx"
)

// ScheduledTask is one named recurring schedule.
//
// Interval and Offset are whole seconds and never change after construction.
// Index counts the periods presumed elapsed; NextRun is derived from it.
type ScheduledTask struct {
	Name     string
	Interval int64
	Offset   int64

	Index         int64
	LastRun       float64 // relative seconds; meaningful only when HasRun()
	CompletedRuns int64

	// Data is the caller's payload. The scheduler never looks inside it.
	Data any
}

// NextRun returns the relative time (seconds) of the next target run.
func (t ScheduledTask) NextRun() int64 {
	return (t.Index+1)*t.Interval + t.Offset
}

// DueToRun reports whether the next target run has been reached at rel.
func (t ScheduledTask) DueToRun(rel float64) bool {
	return float64(t.NextRun()) <= rel
}

// ExpectedRuns returns how many whole periods should have elapsed by rel,
// regardless of what actually ran.
func (t ScheduledTask) ExpectedRuns(rel float64) int64 {
	return int64(math.Floor((rel - float64(t.Offset)) / float64(t.Interval)))
}

// MissedRuns is a diagnostic: expected periods that were never dispatched.
// A run that is due right now is not counted as missed.
func (t ScheduledTask) MissedRuns(rel float64) int64 {
	missed := t.ExpectedRuns(rel) - t.CompletedRuns
	if t.DueToRun(rel) {
		missed--
	}
	return missed
}

// HasRun reports whether MarkRun was ever called.
func (t ScheduledTask) HasRun() bool { return t.CompletedRuns > 0 }

// MarkRun records a dispatch at rel and jumps Index to the current period.
//
// Skipped periods are logged and abandoned; they are never re-dispatched.
func (t *ScheduledTask) MarkRun(rel float64, log logx.Logger) {
	t.LastRun = rel
	t.CompletedRuns++

	newIndex := t.ExpectedRuns(rel)
	if newIndex > t.Index+1 {
		log.Warn("missed schedules",
			logx.String("schedule", t.Name),
			logx.Int64("missed", newIndex-t.Index-1),
			logx.Int64("interval", t.Interval),
			logx.Float64("relative_time", rel),
		)
	}
	t.Index = newIndex
}
