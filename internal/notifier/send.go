package notifier

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pewsched/internal/eventbus"
	"pewsched/internal/task/engine"
	kit "pewsched/internal/transport"
	logx "pewsched/pkg/logx"
)

// Notify queues a status message for the task target. It implements
// engine.Notifier.
func (s *Service) Notify(ctx context.Context, taskName, message string) error {
	s.mu.Lock()
	to := s.cfg.Target
	s.mu.Unlock()
	return s.Send(ctx, kit.Notification{
		Channel:  kit.Channel(s.sender),
		Priority: PriorityStatus,
		Target:   to,
		Text:     fmt.Sprintf("Task Status: %s\n%s", taskName, message),
	})
}

// Alert queues a high priority message for the admin target.
func (s *Service) Alert(ctx context.Context, message string) error {
	s.mu.Lock()
	to := s.cfg.AdminTarget
	s.mu.Unlock()
	return s.Send(ctx, kit.Notification{
		Channel:  kit.Channel(s.sender),
		Priority: PriorityAlert,
		Target:   to,
		Text:     "Scheduler Alert\n" + message,
	})
}

// Send enqueues n without blocking. Duplicates inside the dedup window are
// dropped silently; a full queue returns ErrQueueFull.
func (s *Service) Send(ctx context.Context, n kit.Notification) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	switch {
	case !s.cfg.Enabled:
		s.mu.Unlock()
		return ErrDisabled
	case !s.accepting:
		s.mu.Unlock()
		return ErrStopped
	}
	cfg, queue, persist := s.cfg, s.queue, s.persist
	if !cfg.PersistDedup {
		persist = nil
	}
	s.inflight.Add(1)
	s.mu.Unlock()
	defer s.inflight.Done()

	key := dedupKey(n)
	if key != "" && cfg.DedupWindow > 0 && !s.admit(ctx, key, cfg, persist) {
		s.publish(eventbus.TypeNotifyDeduped, n, key, "")
		return nil
	}

	select {
	case queue <- job{n: n, dedupKey: key}:
		s.publish(eventbus.TypeNotifyQueued, n, key, "")
		return nil
	default:
		s.publish(eventbus.TypeNotifyDropped, n, key, ErrQueueFull.Error())
		return ErrQueueFull
	}
}

// admit reports whether key may be sent now and, if so, opens a new window.
// The persistent store is consulted only on a local miss.
func (s *Service) admit(ctx context.Context, key string, cfg Config, persist chan<- dedupWrite) bool {
	now := time.Now()
	if s.dedup.suppressed(key, now) {
		return false
	}
	if persist != nil {
		lctx, cancel := context.WithTimeout(ctx, 25*time.Millisecond)
		until, ok, err := s.store.GetDedup(lctx, key)
		cancel()
		if err == nil && ok && now.Before(until) {
			s.dedup.mark(key, until, now, cfg.DedupMaxEntries)
			return false
		}
	}

	until := now.Add(cfg.DedupWindow)
	s.dedup.mark(key, until, now, cfg.DedupMaxEntries)
	if persist != nil {
		select {
		case persist <- dedupWrite{key: key, until: until}:
		default:
		}
	}
	return true
}

// alertLoop turns task.exhausted events into admin alerts.
func (s *Service) alertLoop(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			te, _ := ev.Data.(engine.TaskEvent)
			msg := fmt.Sprintf("task %q failed after %d retries: %s", te.Name, te.RetryCount, te.Error)
			if err := s.Alert(ctx, msg); err != nil && !errors.Is(err, ErrStopped) {
				s.log.Warn("alert not queued", logx.String("task", te.Name), logx.Err(err))
			}
		}
	}
}

func (s *Service) publish(typ string, n kit.Notification, key, errText string) {
	if s.bus == nil {
		return
	}
	now := time.Now()
	s.bus.Publish(eventbus.Event{Type: typ, Time: now, Data: NotificationEvent{
		Channel:  n.Channel,
		ChatID:   n.Target.ChatID,
		ThreadID: n.Target.ThreadID,
		Key:      key,
		At:       now,
		Error:    errText,
	}})
}

// History returns recently delivered messages, oldest first.
func (s *Service) History() []HistoryItem { return s.history.list() }
