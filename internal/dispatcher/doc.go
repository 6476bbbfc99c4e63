// Package dispatcher owns the periodic scheduler and feeds due schedules to
// the task engine.
//
// The scheduler itself is single-owner; every access (poll-and-mark, status
// snapshots, reload swaps) goes through Service, which serializes them.
package dispatcher
