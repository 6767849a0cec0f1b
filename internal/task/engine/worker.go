package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"pewsched/internal/eventbus"
	rtsup "pewsched/internal/runtime/supervisor"
	"pewsched/internal/task/queue"
	logx "pewsched/pkg/logx"
)

const collaboratorTimeout = 10 * time.Second

// loop is the single worker. It waits indefinitely when idle, until the
// earliest due time when pending, and at most BlockedRecheck when every due
// task is blocked by a prerequisite.
func (s *Service) loop(ctx context.Context, stopCh <-chan struct{}) error {
	defer func() {
		s.mu.Lock()
		stopping := s.stopping
		if ctx.Err() != nil {
			// Cancelled without Stop: refuse new work instead of queueing it forever.
			s.closed = true
		}
		s.mu.Unlock()
		if stopping || ctx.Err() != nil {
			s.abandonRemaining()
		}
	}()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		s.mu.Lock()
		now := s.clock.Now()
		limit := now
		if s.stopping {
			// Drain only what was already due when Stop was called.
			limit = s.stopAt
		}
		it, ok := s.q.FirstReady(limit, func(it queue.Item) bool {
			return s.graph.Satisfied(it.Name, s.blockingLocked)
		})
		if ok {
			s.q.RemoveID(it.ID)
			t := *it.Value.(*Task)
			s.forgetLocked(&t)
			s.running[t.ID] = &runningTask{task: t, started: now}
			s.mu.Unlock()

			s.execute(ctx, t, now)
			continue
		}
		if s.stopping {
			s.mu.Unlock()
			return nil
		}
		wait := s.waitLocked(now)
		s.mu.Unlock()

		var timer *time.Timer
		var timerC <-chan time.Time
		if wait >= 0 {
			timer = time.NewTimer(wait)
			timerC = timer.C
		}
		select {
		case <-ctx.Done():
		case <-stopCh:
		case <-s.wake:
		case <-timerC:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// waitLocked returns how long the worker may sleep, or -1 to wait for a signal.
func (s *Service) waitLocked(now time.Time) time.Duration {
	wait := time.Duration(-1)
	if next, ok := s.q.NextAfter(now); ok {
		wait = next.Sub(now)
	}
	if head, ok := s.q.Peek(); ok && !head.Due.After(now) {
		// Something is due but blocked.
		if wait < 0 || wait > s.cfg.BlockedRecheck {
			wait = s.cfg.BlockedRecheck
		}
	}
	return wait
}

func (s *Service) execute(ctx context.Context, t Task, start time.Time) {
	queueDelay := start.Sub(t.Due)
	if queueDelay < 0 {
		queueDelay = 0
	}

	s.mu.Lock()
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = s.cfg.DefaultTimeout
	}
	s.mu.Unlock()

	s.log.Debug("task.started", logx.String("task", t.Name), logx.String("id", t.ID), logx.Int("retry", t.RetryCount), logx.Duration("queue_delay", queueDelay))
	s.publish(eventbus.TypeTaskStarted, TaskEvent{ID: t.ID, Name: t.Name, Due: t.Due, Started: start, QueueDelay: queueDelay, RetryCount: t.RetryCount})

	err := s.invoke(ctx, t, timeout)
	s.complete(ctx, t, start, queueDelay, err)
}

// invoke runs the payload without any engine lock held. Panics become errors.
func (s *Service) invoke(ctx context.Context, t Task, timeout time.Duration) (err error) {
	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			stack := string(debug.Stack())
			s.log.Error("task.panic", logx.String("task", t.Name), logx.String("id", t.ID), logx.Any("panic", r), logx.Stack(stack))
			err = &rtsup.PanicError{Name: t.Name, Value: r, Stack: stack}
		}
	}()
	return t.Run(runCtx)
}

func (s *Service) complete(ctx context.Context, t Task, start time.Time, queueDelay time.Duration, err error) {
	s.mu.Lock()
	finish := s.clock.Now()
	r := s.running[t.ID]
	delete(s.running, t.ID)
	cancelled := r != nil && r.cancelled
	policy := s.policy

	var retry, next *Task
	exhausted := false
	skipped := 0
	if err != nil && !cancelled {
		if policy.ShouldRetry(t.RetryCount, err) {
			succ := policy.Successor(t, finish, err)
			succ.ID = s.pushLocked(succ)
			retry = &succ
		} else {
			exhausted = true
		}
	}
	if t.Periodic && !cancelled && (err == nil || exhausted) {
		var due time.Time
		due, skipped = t.nextOccurrence(finish)
		if !due.IsZero() {
			n := t
			n.ID = ""
			n.Due = due
			n.Occurrence = due
			n.RetryCount = 0
			n.rescheduled = true
			n.ID = s.pushLocked(n)
			next = &n
		}
	}
	s.mu.Unlock()
	// A finished prerequisite may unblock dependents.
	s.signal()

	dur := finish.Sub(start)
	atomic.AddUint64(&s.executed, 1)

	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), collaboratorTimeout)
	defer cancel()

	item := HistoryItem{ID: t.ID, Name: t.Name, Started: start, QueueDelay: queueDelay, Duration: dur, RetryCount: t.RetryCount}
	ev := TaskEvent{ID: t.ID, Name: t.Name, Due: t.Due, Started: start, QueueDelay: queueDelay, Duration: dur, RetryCount: t.RetryCount}

	status := "completed"
	if err != nil {
		status = "failed"
		item.Error = err.Error()
		ev.Error = item.Error
		atomic.AddUint64(&s.failed, 1)
		s.log.Warn("task.failed", logx.String("task", t.Name), logx.String("id", t.ID), logx.Err(err), logx.Int("retry", t.RetryCount), logx.Duration("dur", dur))
		s.publish(eventbus.TypeTaskFailed, ev)
	} else {
		if dur >= 750*time.Millisecond {
			s.log.Info("task.completed", logx.String("task", t.Name), logx.String("id", t.ID), logx.Duration("queue_delay", queueDelay), logx.Duration("dur", dur))
		} else {
			s.log.Debug("task.completed", logx.String("task", t.Name), logx.String("id", t.ID), logx.Duration("queue_delay", queueDelay), logx.Duration("dur", dur))
		}
		s.publish(eventbus.TypeTaskCompleted, ev)
	}
	s.appendHistory(item)
	s.record(cctx, t.Name, status)
	s.notify(cctx, t.Name, status)

	switch {
	case cancelled && err != nil:
		s.log.Info("task cancelled while running, not retried", logx.String("task", t.Name), logx.String("id", t.ID))
	case retry != nil:
		atomic.AddUint64(&s.retried, 1)
		s.log.Info("task.retry", logx.String("task", t.Name), logx.String("id", retry.ID), logx.Int("retry", retry.RetryCount), logx.Time("due", retry.Due), logx.Err(err))
		s.publish(eventbus.TypeTaskRetry, TaskEvent{ID: retry.ID, Name: retry.Name, Due: retry.Due, RetryCount: retry.RetryCount, Error: ev.Error})
	case exhausted:
		atomic.AddUint64(&s.exhausted, 1)
		s.log.Error("task.exhausted", logx.String("task", t.Name), logx.String("id", t.ID), logx.Int("retries", t.RetryCount), logx.Err(err))
		s.publish(eventbus.TypeTaskExhausted, ev)
		if s.recorder != nil {
			if rerr := s.recorder.WriteFailureReport(cctx, t.Name, err.Error(), t.RetryCount); rerr != nil {
				s.log.Warn("failure report not written", logx.String("task", t.Name), logx.Err(rerr))
			}
		}
		s.notify(cctx, t.Name, fmt.Sprintf("failed after %d retries: %v", t.RetryCount, err))
	}

	if next != nil {
		if skipped > 0 {
			s.log.Warn("periodic task skipped missed occurrences", logx.String("task", t.Name), logx.Int("skipped", skipped))
		}
		s.log.Debug("task.rescheduled", logx.String("task", t.Name), logx.String("id", next.ID), logx.Time("due", next.Due))
		s.publish(eventbus.TypeTaskScheduled, TaskEvent{ID: next.ID, Name: next.Name, Due: next.Due})
	}
}

func (s *Service) record(ctx context.Context, name, status string) {
	if s.recorder == nil {
		return
	}
	if err := s.recorder.AppendExecutionRecord(ctx, name, status); err != nil {
		s.log.Warn("execution record not written", logx.String("task", name), logx.Err(err))
	}
}

// abandonRemaining drops everything still queued once the worker stops.
func (s *Service) abandonRemaining() {
	s.mu.Lock()
	var dropped []Task
	for {
		it, ok := s.q.Pop()
		if !ok {
			break
		}
		dropped = append(dropped, *it.Value.(*Task))
	}
	s.rescheduled = map[string]map[string]time.Time{}
	s.mu.Unlock()

	if len(dropped) == 0 {
		return
	}
	atomic.AddUint64(&s.abandoned, uint64(len(dropped)))
	s.log.Warn("task engine abandoned pending tasks", logx.Int("count", len(dropped)))
	for _, t := range dropped {
		s.publish(eventbus.TypeTaskAbandoned, TaskEvent{ID: t.ID, Name: t.Name, Due: t.Due, RetryCount: t.RetryCount})
	}
}
