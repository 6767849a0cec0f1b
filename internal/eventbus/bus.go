// Package eventbus is the in-process fan-out used to decouple the engine,
// notifier and app from each other.
package eventbus

import (
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by pewsched components.
const (
	TypeTaskScheduled = "task.scheduled"
	TypeTaskStarted   = "task.started"
	TypeTaskCompleted = "task.completed"
	TypeTaskFailed    = "task.failed"
	TypeTaskRetry     = "task.retry"
	TypeTaskExhausted = "task.exhausted"
	TypeTaskCancelled = "task.cancelled"
	TypeTaskAbandoned = "task.abandoned"
	TypeNotifyQueued  = "notifier.queued"
	TypeNotifyDeduped = "notifier.deduped"
	TypeNotifyDropped = "notifier.dropped"
	TypeNotifySent    = "notifier.sent"
	TypeNotifyFailed  = "notifier.failed"
)

// Event is a small in-memory signal. Data should be JSON-serializable.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// Bus delivers events to subscribers without ever blocking the publisher.
// A subscriber whose buffer is full misses the event.
type Bus interface {
	Publish(e Event)
	// Subscribe matches events whose Type starts with one of prefixes, or
	// every event when none are given.
	Subscribe(buffer int, prefixes ...string) (ch <-chan Event, unsubscribe func())
}

func New() Bus { return &memBus{} }

type subscriber struct {
	ch       chan Event
	prefixes []string
}

func (s *subscriber) match(typ string) bool {
	return len(s.prefixes) == 0 || slices.ContainsFunc(s.prefixes, func(p string) bool {
		return strings.HasPrefix(typ, p)
	})
}

// memBus holds mu for reading while sending; sends never block, and
// unsubscribe closes a channel only under the write lock.
type memBus struct {
	mu      sync.RWMutex
	subs    []*subscriber
	dropped atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if !s.match(e.Type) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *memBus) Subscribe(buffer int, prefixes ...string) (<-chan Event, func()) {
	s := &subscriber{ch: make(chan Event, max(buffer, 1)), prefixes: slices.Clone(prefixes)}
	b.mu.Lock()
	b.subs = append(b.subs, s)
	b.mu.Unlock()

	return s.ch, sync.OnceFunc(func() {
		b.mu.Lock()
		b.subs = slices.DeleteFunc(b.subs, func(x *subscriber) bool { return x == s })
		b.mu.Unlock()
		close(s.ch)
	})
}

// Dropped counts deliveries skipped because a subscriber was full.
func Dropped(b Bus) uint64 {
	if mb, ok := b.(*memBus); ok {
		return mb.dropped.Load()
	}
	return 0
}
