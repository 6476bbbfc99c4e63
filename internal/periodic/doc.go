// Package periodic decides which fixed-interval schedules are due at a given instant.
//
// The scheduler is purely in-memory and single-owner:
//   - offsets spread schedule target times across the shortest interval
//   - missed periods are reported, never caught up
//   - it never executes anything; callers dispatch the returned jobs
//
// Callers that poll from more than one goroutine must serialize the whole
// poll-and-mark cycle themselves; see internal/dispatcher.
package periodic
