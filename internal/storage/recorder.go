package storage

import (
	"context"
	"time"

	"dispatchd/internal/eventbus"
	"dispatchd/internal/task/engine"
	logx "dispatchd/pkg/logx"
)

// Recorder appends one RunRecord per terminal task event.
type Recorder struct {
	store Store
	bus   eventbus.Bus
	log   logx.Logger
}

func NewRecorder(store Store, bus eventbus.Bus, log logx.Logger) *Recorder {
	return &Recorder{store: store, bus: bus, log: log}
}

var outcomeByEvent = map[string]string{
	eventbus.TaskFinished:    engine.OutcomeOK,
	eventbus.TaskFailed:      engine.OutcomeFailed,
	eventbus.TaskSkipped:     engine.OutcomeSkipped,
	eventbus.TaskDropped:     engine.OutcomeDropped,
	eventbus.ScheduleDropped: engine.OutcomeDropped,
}

// Run consumes events until ctx is done, then records whatever is still
// buffered so runs that ended during shutdown are not lost.
func (r *Recorder) Run(ctx context.Context) error {
	events, unsub := r.bus.Subscribe(256)
	defer unsub()
	wctx := context.WithoutCancel(ctx)
	for {
		select {
		case <-ctx.Done():
			r.drain(wctx, events)
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			r.record(wctx, ev)
		}
	}
}

func (r *Recorder) drain(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			r.record(ctx, ev)
		default:
			return
		}
	}
}

func (r *Recorder) record(ctx context.Context, ev eventbus.Event) {
	rec, ok := RecordFromEvent(ev)
	if !ok {
		return
	}
	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	err := r.store.AppendRun(wctx, rec)
	cancel()
	if err != nil {
		r.log.Warn("run record append failed", logx.String("schedule", rec.Schedule), logx.Err(err))
	}
}

// RecordFromEvent maps a terminal task event to a RunRecord.
func RecordFromEvent(ev eventbus.Event) (RunRecord, bool) {
	outcome, ok := outcomeByEvent[ev.Type]
	if !ok {
		return RunRecord{}, false
	}
	te, ok := ev.Data.(engine.TaskEvent)
	if !ok {
		return RunRecord{}, false
	}
	started := te.Started
	if started.IsZero() {
		started = ev.Time
	}
	return RunRecord{
		ID:         te.ID,
		Schedule:   te.Name,
		Task:       te.Kind,
		Outcome:    outcome,
		Started:    started,
		QueueDelay: te.QueueDelay.Milliseconds(),
		Duration:   te.Duration.Milliseconds(),
		Attempts:   te.Attempts,
		Error:      te.Error,
	}, true
}
