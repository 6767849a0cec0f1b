package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"pewsched/internal/eventbus"
	"pewsched/internal/task/depgraph"
	"pewsched/internal/task/queue"
	logx "pewsched/pkg/logx"

	rtsup "pewsched/internal/runtime/supervisor"
)

// Service is the in-process scheduling engine: one worker drains a
// time-ordered queue, honouring dependency edges and retrying failures.
//
// A single mutex guards the queue, the dependency graph and the running set.
// Collaborators (notifier, recorder, bus) are always called without it.
type Service struct {
	mu     sync.Mutex
	cfg    Config
	policy RetryPolicy

	log      logx.Logger
	bus      eventbus.Bus
	clock    Clock
	notifier Notifier
	recorder Recorder

	q       *queue.Queue
	graph   *depgraph.Graph
	running map[string]*runningTask // by task ID
	// rescheduled holds the due time of each queued periodic follow-up, by
	// name then task ID. Follow-ups that are not yet due do not block dependents.
	rescheduled map[string]map[string]time.Time

	wake chan struct{}

	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopDone chan struct{}
	stopping bool
	stopAt   time.Time
	closed   bool

	hmu     sync.Mutex
	history []HistoryItem

	executed  uint64
	failed    uint64
	retried   uint64
	exhausted uint64
	abandoned uint64
}

type runningTask struct {
	task      Task
	started   time.Time
	cancelled bool
}

type Option func(*Service)

func WithClock(c Clock) Option {
	return func(s *Service) {
		if c != nil {
			s.clock = c
		}
	}
}

func WithNotifier(n Notifier) Option { return func(s *Service) { s.notifier = n } }

func WithRecorder(r Recorder) Option { return func(s *Service) { s.recorder = r } }

func New(cfg Config, log logx.Logger, bus eventbus.Bus, opts ...Option) *Service {
	cfg = cfg.withDefaults()
	s := &Service{
		cfg:         cfg,
		policy:      cfg.Policy(),
		log:         log,
		bus:         bus,
		clock:       systemClock{},
		q:           queue.New(),
		graph:       depgraph.New(),
		running:     map[string]*runningTask{},
		rescheduled: map[string]map[string]time.Time{},
		wake:        make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Now returns the engine clock's current time.
func (s *Service) Now() time.Time { return s.clock.Now() }

// Apply swaps retry/backoff settings. Already queued retries keep their due time.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	s.policy = cfg.Policy()
	s.mu.Unlock()
	s.signal()

	if prev.MaxRetries != cfg.MaxRetries || prev.BackoffCap != cfg.BackoffCap || prev.BackoffUnit != cfg.BackoffUnit {
		s.log.Info("task engine config applied",
			logx.Int("max_retries", cfg.Policy().MaxRetries),
			logx.Duration("backoff_unit", cfg.BackoffUnit),
			logx.Duration("backoff_cap", cfg.BackoffCap),
		)
	}
}

// Supervisor returns the engine's internal supervisor (nil if not started).
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	sup := s.sup
	s.mu.Unlock()
	return sup
}

// Start launches the worker. Tasks submitted before Start wait in the queue.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	// Start is idempotent.
	if s.stopCh != nil {
		done := s.stopDone
		s.mu.Unlock()
		if done == nil {
			return
		}
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
		if s.stopCh != nil {
			s.mu.Unlock()
			return
		}
	}

	s.stopCh = make(chan struct{})
	s.stopDone = nil
	s.stopping = false
	s.closed = false
	stopCh := s.stopCh
	s.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "taskengine"))),
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	pending := s.q.Len()
	s.mu.Unlock()

	sup.GoRestart("worker", func(c context.Context) error {
		err := s.loop(c, stopCh)
		if err == nil {
			return nil
		}
		if c.Err() != nil {
			return c.Err()
		}
		return err
	},
		rtsup.WithPublishFirstError(true),
	)

	s.log.Info("task engine started", logx.Int("pending", pending))
}

// Stop requests shutdown. Tasks already due at the stop instant and not
// blocked by a prerequisite run to completion; everything else is abandoned.
// When ctx expires first, the running payload's context is cancelled.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh == nil {
		s.closed = true
		s.mu.Unlock()
		s.abandonRemaining()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	s.stopDone = done
	s.stopping = true
	s.closed = true
	s.stopAt = s.clock.Now()
	close(s.stopCh)
	sup := s.sup
	s.mu.Unlock()
	s.signal()

	go func() {
		if sup != nil {
			_ = sup.Wait(context.Background())
		}
		s.mu.Lock()
		s.stopCh = nil
		s.stopDone = nil
		s.sup = nil
		s.stopping = false
		s.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("task engine stopped")
	case <-ctx.Done():
		if sup != nil {
			sup.Cancel()
		}
		s.log.Warn("task engine stop timed out, running task cancelled", logx.Err(ctx.Err()))
	}
}

// Submit validates t and inserts it into the queue. It never blocks beyond the guard.
func (s *Service) Submit(t Task) (string, error) {
	name := strings.TrimSpace(t.Name)
	if name == "" {
		return "", invalidf("task name is required")
	}
	if t.Run == nil {
		return "", invalidf("task %q has no payload", name)
	}
	if t.Periodic && t.Recurrence == nil && t.Interval <= 0 {
		return "", invalidf("periodic task %q needs a positive interval or a recurrence", name)
	}
	t.Name = name
	if t.Priority < PriorityLow || t.Priority > PriorityHigh {
		t.Priority = PriorityMedium
	}
	if t.Due.IsZero() {
		t.Due = s.clock.Now()
	}
	if t.Periodic && t.Occurrence.IsZero() {
		t.Occurrence = t.Due
	}
	t.RetryCount = 0
	t.rescheduled = false

	s.mu.Lock()
	if s.closed {
		stopping := s.stopping
		s.mu.Unlock()
		if stopping {
			return "", ErrStopping
		}
		return "", ErrStopped
	}
	id := s.pushLocked(t)
	s.mu.Unlock()

	s.log.Debug("task.scheduled", logx.String("task", name), logx.String("id", id), logx.Time("due", t.Due), logx.String("priority", t.Priority.String()))
	s.publish(eventbus.TypeTaskScheduled, TaskEvent{ID: id, Name: name, Due: t.Due})
	s.signal()
	s.notify(context.Background(), name, "Task scheduled")
	return id, nil
}

// Cancel removes every pending entry named name. A running instance is
// marked so it is neither retried nor rescheduled; its payload is not interrupted.
// It reports true only when something was cancelled.
func (s *Service) Cancel(name string) bool {
	name = strings.TrimSpace(name)
	s.mu.Lock()
	removed := s.q.Remove(name)
	delete(s.rescheduled, name)
	marked := 0
	for _, r := range s.running {
		if r.task.Name == name && !r.cancelled {
			r.cancelled = true
			marked++
		}
	}
	s.mu.Unlock()

	if removed == 0 && marked == 0 {
		return false
	}
	// Dependents of name may be unblocked now.
	s.signal()
	s.log.Info("task.cancelled", logx.String("task", name), logx.Int("pending_removed", removed), logx.Int("running_marked", marked))
	s.publish(eventbus.TypeTaskCancelled, TaskEvent{Name: name})
	return true
}

// Pending reports whether an entry named name is queued or running.
func (s *Service) Pending(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q.Contains(name) || s.runningLocked(name)
}

func (s *Service) AddDependency(consumer, prereq string) error {
	s.mu.Lock()
	err := s.graph.AddEdge(consumer, prereq)
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidTask, err)
	}
	return nil
}

func (s *Service) RemoveDependency(consumer, prereq string) bool {
	s.mu.Lock()
	ok := s.graph.RemoveEdge(consumer, prereq)
	s.mu.Unlock()
	if ok {
		s.signal()
	}
	return ok
}

func (s *Service) ClearDependencies(consumer string) int {
	s.mu.Lock()
	n := s.graph.Clear(consumer)
	s.mu.Unlock()
	if n > 0 {
		s.signal()
	}
	return n
}

// ForgetDependencies drops name from the graph in both directions.
func (s *Service) ForgetDependencies(name string) {
	s.mu.Lock()
	s.graph.RemoveNode(name)
	s.mu.Unlock()
	s.signal()
}

func (s *Service) Prerequisites(consumer string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.graph.Prerequisites(consumer)
}

// DependenciesSatisfied reports whether no prerequisite of name is pending.
func (s *Service) DependenciesSatisfied(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.graph.Satisfied(name, s.blockingLocked)
}

// Tasks lists running then queued entries in execution order.
func (s *Service) Tasks() []TaskInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]TaskInfo, 0, len(s.running)+s.q.Len())
	for _, r := range s.running {
		out = append(out, TaskInfo{ID: r.task.ID, Name: r.task.Name, Due: r.task.Due, Priority: r.task.Priority, Periodic: r.task.Periodic, RetryCount: r.task.RetryCount, Running: true})
	}
	for _, it := range s.q.Items() {
		t := it.Value.(*Task)
		out = append(out, TaskInfo{
			ID:         t.ID,
			Name:       t.Name,
			Due:        t.Due,
			Priority:   t.Priority,
			Periodic:   t.Periodic,
			RetryCount: t.RetryCount,
			BlockedBy:  s.graph.Blockers(t.Name, s.blockingLocked),
		})
	}
	return out
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	snap := Snapshot{
		Running:        s.stopCh != nil,
		Stopping:       s.stopping,
		Pending:        s.q.Len(),
		InFlight:       len(s.running),
		Edges:          s.graph.Edges(),
		MaxRetries:     s.policy.MaxRetries,
		BackoffUnit:    cfg.BackoffUnit,
		BackoffCap:     cfg.BackoffCap,
		BlockedRecheck: cfg.BlockedRecheck,
	}
	s.mu.Unlock()

	snap.Executed = atomic.LoadUint64(&s.executed)
	snap.Failed = atomic.LoadUint64(&s.failed)
	snap.Retried = atomic.LoadUint64(&s.retried)
	snap.Exhausted = atomic.LoadUint64(&s.exhausted)
	snap.Abandoned = atomic.LoadUint64(&s.abandoned)

	s.hmu.Lock()
	snap.History = make([]HistoryItem, len(s.history))
	copy(snap.History, s.history)
	s.hmu.Unlock()
	return snap
}

func (s *Service) pushLocked(t Task) string {
	if strings.TrimSpace(t.ID) == "" {
		t.ID = uuid.NewString()
	}
	tp := &t
	s.q.Push(queue.Item{ID: t.ID, Name: t.Name, Due: t.Due, Priority: int(t.Priority), Value: tp})
	if t.rescheduled {
		dues := s.rescheduled[t.Name]
		if dues == nil {
			dues = map[string]time.Time{}
			s.rescheduled[t.Name] = dues
		}
		dues[t.ID] = t.Due
	}
	return t.ID
}

// forgetLocked undoes pushLocked bookkeeping for an entry leaving the queue.
func (s *Service) forgetLocked(t *Task) {
	if !t.rescheduled {
		return
	}
	dues := s.rescheduled[t.Name]
	delete(dues, t.ID)
	if len(dues) == 0 {
		delete(s.rescheduled, t.Name)
	}
}

func (s *Service) runningLocked(name string) bool {
	for _, r := range s.running {
		if r.task.Name == name {
			return true
		}
	}
	return false
}

// blockingLocked reports whether name still holds back its dependents:
// it is running, or has a queued entry other than a periodic follow-up that
// is not due yet. A follow-up whose due time has arrived blocks like any task.
func (s *Service) blockingLocked(name string) bool {
	if s.runningLocked(name) {
		return true
	}
	queued := s.q.Count(name)
	if queued == 0 {
		return false
	}
	now := s.clock.Now()
	for _, due := range s.rescheduled[name] {
		if due.After(now) {
			queued--
		}
	}
	return queued > 0
}

func (s *Service) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Service) publish(typ string, ev TaskEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: ev})
}

func (s *Service) notify(ctx context.Context, name, msg string) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(ctx, name, msg); err != nil {
		s.log.Warn("task notification failed", logx.String("task", name), logx.Err(err))
	}
}

func (s *Service) appendHistory(item HistoryItem) {
	s.mu.Lock()
	size := s.cfg.HistorySize
	s.mu.Unlock()

	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > size {
		s.history = s.history[len(s.history)-size:]
	}
	s.hmu.Unlock()
}
