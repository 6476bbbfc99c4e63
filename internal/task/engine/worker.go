package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"time"

	"dispatchd/internal/eventbus"
	logx "dispatchd/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue chan queuedTask, idx int) {
	// Per-worker RNG: avoids global lock contention when many tasks retry concurrently.
	rng := rand.New(rand.NewSource(time.Now().UnixNano() ^ (int64(idx) << 32)))

	for {
		// A closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case qt := <-queue:
			s.inFlight.Add(1)
			s.execOne(ctx, stopCh, qt, rng)
			s.inFlight.Add(-1)
		}
	}
}

func (s *Service) execOne(ctx context.Context, stopCh <-chan struct{}, qt queuedTask, rng *rand.Rand) {
	defer qt.release()

	start := time.Now()
	queueDelay := start.Sub(qt.enqueuedAt)
	if queueDelay < 0 {
		queueDelay = 0
	}

	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	t := qt.task
	log := s.log.With(logx.String("task", t.Name), logx.String("id", t.ID))

	if cfg.MaxQueueDelay > 0 && queueDelay > cfg.MaxQueueDelay {
		s.onStaleDropped(cfg, start, t, queueDelay)
		return
	}

	log.Debug("task started", logx.Duration("queue_delay", queueDelay))
	s.bus.Publish(eventbus.Event{Type: eventbus.TaskStarted, Time: start, Data: s.event(t, start, queueDelay, 0, 0, "")})

	attempts, err := s.runAttempts(ctx, stopCh, qt, log, rng)

	dur := time.Since(start)
	item := HistoryItem{
		ID:         t.ID,
		Name:       t.Name,
		Kind:       t.Kind,
		Started:    start,
		QueueDelay: queueDelay,
		Duration:   dur,
		Attempts:   attempts,
		Outcome:    OutcomeOK,
	}
	if err != nil {
		item.Outcome = OutcomeFailed
		item.Error = err.Error()
		log.Warn("task failed",
			logx.Err(err),
			logx.Duration("queue_delay", queueDelay),
			logx.Duration("dur", dur),
			logx.Int("attempts", attempts),
		)
		s.bus.Publish(eventbus.Event{Type: eventbus.TaskFailed, Data: s.event(t, start, queueDelay, dur, attempts, item.Error)})
	} else {
		fields := []logx.Field{logx.Duration("queue_delay", queueDelay), logx.Duration("dur", dur), logx.Int("attempts", attempts)}
		if dur >= 750*time.Millisecond {
			log.Info("task completed", fields...)
		} else {
			log.Debug("task completed", fields...)
		}
		s.bus.Publish(eventbus.Event{Type: eventbus.TaskFinished, Data: s.event(t, start, queueDelay, dur, attempts, "")})
	}
	s.record(cfg, item)
}

// runAttempts runs the task once plus up to qt.retries retries.
func (s *Service) runAttempts(ctx context.Context, stopCh <-chan struct{}, qt queuedTask, log logx.Logger, rng *rand.Rand) (attempts int, err error) {
	maxAttempts := 1 + qt.retries
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attempts = attempt
		err = runGuarded(ctx, qt.task.Run, qt.timeout, log)
		if err == nil {
			return attempts, nil
		}
		var nr noRetryError
		if errors.As(err, &nr) {
			return attempts, nr.err
		}
		if attempt >= maxAttempts {
			break
		}

		delay := backoffDelayWithHint(qt.opt, attempt, err, rng)
		log.Debug("task retry scheduled", logx.Int("attempt", attempt+1), logx.Duration("delay", delay), logx.Err(err))
		tmr := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			tmr.Stop()
			return attempts, ctx.Err()
		case <-stopCh:
			tmr.Stop()
			return attempts, ErrStopping
		case <-tmr.C:
		}
	}
	return attempts, err
}

// runGuarded converts a task panic into an error so one bad task cannot kill a worker.
func runGuarded(ctx context.Context, run func(context.Context) error, timeout time.Duration, log logx.Logger) (err error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			log.Error("task panicked", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	return run(ctx)
}

func backoffDelayWithHint(opt TaskOptions, retry int, err error, rng *rand.Rand) time.Duration {
	var ra RetryAfterError
	if errors.As(err, &ra) {
		d := ra.RetryAfter()
		if d > opt.RetryMaxDelay {
			d = opt.RetryMaxDelay
		}
		return jitter(d, opt, rng)
	}
	return backoffDelay(opt, retry, rng)
}

// backoffDelay is RetryBase doubled per retry, capped at RetryMaxDelay, with jitter.
func backoffDelay(opt TaskOptions, retry int, rng *rand.Rand) time.Duration {
	d := opt.RetryBase
	for i := 1; i < retry && d < opt.RetryMaxDelay; i++ {
		d *= 2
	}
	if d > opt.RetryMaxDelay {
		d = opt.RetryMaxDelay
	}
	return jitter(d, opt, rng)
}

func jitter(d time.Duration, opt TaskOptions, rng *rand.Rand) time.Duration {
	if d > 0 && opt.RetryJitter > 0 && rng != nil {
		r := (rng.Float64()*2 - 1) * opt.RetryJitter
		d = time.Duration(float64(d) * (1 + r))
	}
	if d < 0 {
		d = 0
	}
	if d > opt.RetryMaxDelay {
		d = opt.RetryMaxDelay
	}
	return d
}
