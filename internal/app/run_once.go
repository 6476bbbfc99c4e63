package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"dispatchd/internal/config"
	"dispatchd/internal/dispatcher"
	"dispatchd/internal/eventbus"
	"dispatchd/internal/task/engine"
	"dispatchd/internal/task/handlers"
	logx "dispatchd/pkg/logx"
)

var ErrUnknownSchedule = errors.New("unknown schedule")

// RunOnce executes the named schedule's task a single time on a private engine
// and waits for its outcome. Retries and timeouts follow the config.
func RunOnce(ctx context.Context, cfg *config.Config, name string, reg *handlers.Registry, log logx.Logger) (engine.TaskEvent, error) {
	sc, ok := cfg.Schedules.Lookup(name)
	if !ok {
		return engine.TaskEvent{}, fmt.Errorf("%w: %s", ErrUnknownSchedule, name)
	}
	defs, err := dispatcher.BuildDefinitions(config.Schedules{sc}, reg)
	if err != nil {
		return engine.TaskEvent{}, err
	}
	task, _ := dispatcher.TaskFor(defs[0])
	task.ID = uuid.NewString()

	ec, err := mapTaskEngineConfig(cfg)
	if err != nil {
		return engine.TaskEvent{}, err
	}
	ec.Enabled = true
	ec.Workers = 1

	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()

	eng := engine.New(ec, log.With(logx.String("comp", "taskengine")), bus)
	eng.Start(ctx)
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		eng.Stop(stopCtx)
	}()

	if err := eng.Submit(ctx, task); err != nil {
		return engine.TaskEvent{}, err
	}
	for {
		select {
		case <-ctx.Done():
			return engine.TaskEvent{}, ctx.Err()
		case ev := <-events:
			te, ok := ev.Data.(engine.TaskEvent)
			if !ok || te.ID != task.ID {
				continue
			}
			switch ev.Type {
			case eventbus.TaskFinished:
				return te, nil
			case eventbus.TaskFailed, eventbus.TaskSkipped, eventbus.TaskDropped:
				return te, fmt.Errorf("%s: %s: %s", name, ev.Type, te.Error)
			}
		}
	}
}
