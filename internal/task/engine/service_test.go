package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pewsched/internal/eventbus"
	logx "pewsched/pkg/logx"
)

type memRecorder struct {
	mu      sync.Mutex
	records []string
	reports map[string]failureReport
}

type failureReport struct {
	detail  string
	retries int
}

func (r *memRecorder) AppendExecutionRecord(_ context.Context, name, status string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, name+":"+status)
	return nil
}

func (r *memRecorder) WriteFailureReport(_ context.Context, name, detail string, retries int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.reports == nil {
		r.reports = map[string]failureReport{}
	}
	if _, dup := r.reports[name]; dup {
		return errors.New("duplicate report for " + name)
	}
	r.reports[name] = failureReport{detail: detail, retries: retries}
	return nil
}

func (r *memRecorder) count(record string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, rec := range r.records {
		if rec == record {
			n++
		}
	}
	return n
}

func (r *memRecorder) report(name string) (failureReport, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rep, ok := r.reports[name]
	return rep, ok
}

type memNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (n *memNotifier) Notify(_ context.Context, name, msg string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, name+": "+msg)
	return nil
}

func (n *memNotifier) all() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.messages...)
}

// runLog records payload start times in order.
type runLog struct {
	mu    sync.Mutex
	names []string
	times []time.Time
}

func (l *runLog) payload(name string, err error) func(context.Context) error {
	return func(context.Context) error {
		l.mu.Lock()
		l.names = append(l.names, name)
		l.times = append(l.times, time.Now())
		l.mu.Unlock()
		return err
	}
}

func (l *runLog) snapshot() ([]string, []time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.names...), append([]time.Time(nil), l.times...)
}

func (l *runLog) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.names)
}

func newTestService(t *testing.T, cfg Config) (*Service, *memRecorder, *memNotifier) {
	t.Helper()
	rec := &memRecorder{}
	nt := &memNotifier{}
	if cfg.BackoffUnit == 0 {
		cfg.BackoffUnit = 10 * time.Millisecond
	}
	if cfg.BlockedRecheck == 0 {
		cfg.BlockedRecheck = 20 * time.Millisecond
	}
	s := New(cfg, logx.Nop(), eventbus.New(), WithRecorder(rec), WithNotifier(nt))
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s, rec, nt
}

func TestNoEarlyExecution(t *testing.T) {
	s, rec, _ := newTestService(t, Config{})
	var runs runLog

	due := time.Now().Add(60 * time.Millisecond)
	_, err := s.Submit(Task{Name: "backup", Run: runs.payload("backup", nil), Due: due})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return rec.count("backup:completed") == 1 }, 2*time.Second, 5*time.Millisecond)
	_, times := runs.snapshot()
	require.Len(t, times, 1)
	assert.False(t, times[0].Before(due), "started %v before due %v", times[0], due)
	assert.Equal(t, 1, rec.count("backup:completed"))
}

func TestDependencyOrdering(t *testing.T) {
	s, rec, _ := newTestService(t, Config{})
	var runs runLog

	now := time.Now()
	require.NoError(t, s.AddDependency("cleanup", "backup"))
	_, err := s.Submit(Task{Name: "cleanup", Run: runs.payload("cleanup", nil), Due: now.Add(10 * time.Millisecond)})
	require.NoError(t, err)
	_, err = s.Submit(Task{Name: "backup", Run: runs.payload("backup", nil), Due: now.Add(80 * time.Millisecond)})
	require.NoError(t, err)

	assert.False(t, s.DependenciesSatisfied("cleanup"))

	require.Eventually(t, func() bool { return rec.count("cleanup:completed") == 1 }, 2*time.Second, 5*time.Millisecond)
	names, _ := runs.snapshot()
	assert.Equal(t, []string{"backup", "cleanup"}, names)
	assert.True(t, s.DependenciesSatisfied("cleanup"))
}

func TestUnknownPrerequisiteDoesNotBlock(t *testing.T) {
	s, rec, _ := newTestService(t, Config{})

	require.NoError(t, s.AddDependency("report", "never-scheduled"))
	_, err := s.Submit(Task{Name: "report", Run: func(context.Context) error { return nil }})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return rec.count("report:completed") == 1 }, time.Second, 5*time.Millisecond)
}

func TestRetryBoundAndGaps(t *testing.T) {
	unit := 10 * time.Millisecond
	s, rec, nt := newTestService(t, Config{MaxRetries: 3, BackoffUnit: unit, BackoffCap: time.Second})
	var runs runLog

	_, err := s.Submit(Task{Name: "flaky", Run: runs.payload("flaky", errors.New("boom"))})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, ok := rec.report("flaky")
		return ok
	}, 3*time.Second, 5*time.Millisecond)

	// No attempt 5.
	time.Sleep(200 * time.Millisecond)
	_, times := runs.snapshot()
	require.Len(t, times, 4)
	for i := 1; i < len(times); i++ {
		want := unit << i // 2^i units
		assert.GreaterOrEqual(t, times[i].Sub(times[i-1]), want, "gap %d", i)
	}

	rep, _ := rec.report("flaky")
	assert.Equal(t, 3, rep.retries)
	assert.Equal(t, "boom", rep.detail)
	assert.Equal(t, 4, rec.count("flaky:failed"))
	assert.Contains(t, nt.all(), "flaky: failed after 3 retries: boom")

	snap := s.Snapshot()
	assert.Equal(t, uint64(3), snap.Retried)
	assert.Equal(t, uint64(1), snap.Exhausted)
}

func TestNoRetryGoesStraightToReport(t *testing.T) {
	s, rec, _ := newTestService(t, Config{})
	var runs runLog

	_, err := s.Submit(Task{Name: "invalid", Run: runs.payload("invalid", NoRetry(errors.New("bad input")))})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, ok := rec.report("invalid")
		return ok
	}, time.Second, 5*time.Millisecond)
	rep, _ := rec.report("invalid")
	assert.Zero(t, rep.retries)
	assert.Equal(t, 1, runs.len())
}

func TestCancelBeforeDue(t *testing.T) {
	s, _, _ := newTestService(t, Config{})
	var runs runLog

	_, err := s.Submit(Task{Name: "report", Run: runs.payload("report", nil), Due: time.Now().Add(150 * time.Millisecond)})
	require.NoError(t, err)
	require.True(t, s.Pending("report"))

	assert.True(t, s.Cancel("report"))
	assert.False(t, s.Cancel("report"))
	assert.False(t, s.Cancel("never-existed"))

	time.Sleep(250 * time.Millisecond)
	assert.Zero(t, runs.len())
	assert.False(t, s.Pending("report"))
}

func TestDuplicateNamesRunIndependently(t *testing.T) {
	s, rec, _ := newTestService(t, Config{})

	run := func(context.Context) error { return nil }
	id1, err := s.Submit(Task{Name: "sync", Run: run})
	require.NoError(t, err)
	id2, err := s.Submit(Task{Name: "sync", Run: run})
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)

	require.Eventually(t, func() bool { return rec.count("sync:completed") == 2 }, time.Second, 5*time.Millisecond)
}

func TestPeriodicReschedule(t *testing.T) {
	s, rec, _ := newTestService(t, Config{})

	_, err := s.Submit(Task{Name: "tick", Run: func(context.Context) error { return nil }, Periodic: true, Interval: 30 * time.Millisecond})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return rec.count("tick:completed") >= 3 }, 2*time.Second, 5*time.Millisecond)
	require.True(t, s.Pending("tick"))
	assert.True(t, s.Cancel("tick"))

	// At most one run may already be in flight.
	n := rec.count("tick:completed")
	time.Sleep(100 * time.Millisecond)
	assert.LessOrEqual(t, rec.count("tick:completed"), n+1)
	assert.False(t, s.Pending("tick"))
}

func TestPeriodicPrerequisiteBlocksOnlyCurrentOccurrence(t *testing.T) {
	s, rec, _ := newTestService(t, Config{})
	var runs runLog

	require.NoError(t, s.AddDependency("digest", "ingest"))
	_, err := s.Submit(Task{Name: "ingest", Run: runs.payload("ingest", nil), Periodic: true, Interval: time.Hour, Due: time.Now().Add(30 * time.Millisecond)})
	require.NoError(t, err)
	_, err = s.Submit(Task{Name: "digest", Run: runs.payload("digest", nil)})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return rec.count("digest:completed") == 1 }, 2*time.Second, 5*time.Millisecond)
	names, _ := runs.snapshot()
	assert.Equal(t, []string{"ingest", "digest"}, names)
}

func TestDuePeriodicOccurrenceBlocksDependent(t *testing.T) {
	s, rec, _ := newTestService(t, Config{})
	var runs runLog
	start := time.Now()

	require.NoError(t, s.AddDependency("digest", "ingest"))
	_, err := s.Submit(Task{Name: "ingest", Run: runs.payload("ingest", nil), Periodic: true, Interval: 200 * time.Millisecond, Due: start})
	require.NoError(t, err)
	// Keeps the worker busy past ingest's second occurrence.
	_, err = s.Submit(Task{Name: "blocker", Due: start.Add(10 * time.Millisecond), Run: func(context.Context) error {
		time.Sleep(400 * time.Millisecond)
		return nil
	}})
	require.NoError(t, err)
	_, err = s.Submit(Task{Name: "digest", Run: runs.payload("digest", nil), Due: start.Add(100 * time.Millisecond)})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return rec.count("digest:completed") == 1 }, 3*time.Second, 5*time.Millisecond)
	names, _ := runs.snapshot()
	require.GreaterOrEqual(t, len(names), 3)
	assert.Equal(t, []string{"ingest", "ingest", "digest"}, names[:3])
}

func TestCancelledContextRejectsSubmit(t *testing.T) {
	s := New(Config{}, logx.Nop(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	cancel()

	require.Eventually(t, func() bool {
		_, err := s.Submit(Task{Name: "late", Due: time.Now().Add(time.Hour), Run: func(context.Context) error { return nil }})
		return errors.Is(err, ErrStopped)
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return !s.Pending("late") }, time.Second, 10*time.Millisecond)
}

func TestPanicDoesNotStopWorker(t *testing.T) {
	s, rec, _ := newTestService(t, Config{MaxRetries: -1})

	_, err := s.Submit(Task{Name: "crash", Run: func(context.Context) error { panic("kaboom") }})
	require.NoError(t, err)
	_, err = s.Submit(Task{Name: "after", Run: func(context.Context) error { return nil }})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return rec.count("after:completed") == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		_, ok := rec.report("crash")
		return ok
	}, time.Second, 5*time.Millisecond)
	rep, _ := rec.report("crash")
	assert.Equal(t, "panic in crash: kaboom", rep.detail)
}

func TestPayloadCanReenterEngine(t *testing.T) {
	s, rec, _ := newTestService(t, Config{})

	_, err := s.Submit(Task{Name: "parent", Run: func(context.Context) error {
		_, err := s.Submit(Task{Name: "child", Run: func(context.Context) error { return nil }})
		return err
	}})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return rec.count("child:completed") == 1 }, time.Second, 5*time.Millisecond)
}

func TestSubmitValidation(t *testing.T) {
	s := New(Config{}, logx.Nop(), nil)

	_, err := s.Submit(Task{Name: "  ", Run: func(context.Context) error { return nil }})
	assert.ErrorIs(t, err, ErrInvalidTask)
	_, err = s.Submit(Task{Name: "nil-payload"})
	assert.ErrorIs(t, err, ErrInvalidTask)
	_, err = s.Submit(Task{Name: "bad-periodic", Run: func(context.Context) error { return nil }, Periodic: true})
	assert.ErrorIs(t, err, ErrInvalidTask)
	assert.ErrorIs(t, s.AddDependency("a", "a"), ErrInvalidTask)
}

func TestStopDrainsDueTasksAndAbandonsRest(t *testing.T) {
	rec := &memRecorder{}
	s := New(Config{BackoffUnit: 10 * time.Millisecond}, logx.Nop(), nil, WithRecorder(rec))
	s.Start(context.Background())

	release := make(chan struct{})
	started := make(chan struct{})
	_, err := s.Submit(Task{Name: "blocker", Run: func(context.Context) error {
		close(started)
		<-release
		return nil
	}})
	require.NoError(t, err)
	<-started

	_, err = s.Submit(Task{Name: "due", Run: func(context.Context) error { return nil }})
	require.NoError(t, err)
	_, err = s.Submit(Task{Name: "later", Run: func(context.Context) error { return nil }, Due: time.Now().Add(time.Hour)})
	require.NoError(t, err)

	stopped := make(chan struct{})
	go func() {
		s.Stop(context.Background())
		close(stopped)
	}()
	require.Eventually(t, func() bool { return s.Snapshot().Stopping }, time.Second, time.Millisecond)

	_, err = s.Submit(Task{Name: "too-late", Run: func(context.Context) error { return nil }})
	assert.ErrorIs(t, err, ErrStopping)

	close(release)
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("stop did not return")
	}

	assert.Equal(t, 1, rec.count("blocker:completed"))
	assert.Equal(t, 1, rec.count("due:completed"))
	assert.Zero(t, rec.count("later:completed"))
	assert.Equal(t, uint64(1), s.Snapshot().Abandoned)

	_, err = s.Submit(Task{Name: "after-stop", Run: func(context.Context) error { return nil }})
	assert.ErrorIs(t, err, ErrStopped)
}

func TestEventsPublished(t *testing.T) {
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(16, "task.")
	defer unsub()

	s := New(Config{}, logx.Nop(), bus)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	_, err := s.Submit(Task{Name: "ping", Run: func(context.Context) error { return nil }})
	require.NoError(t, err)

	var types []string
	timeout := time.After(time.Second)
	for len(types) < 3 {
		select {
		case ev := <-ch:
			types = append(types, ev.Type)
		case <-timeout:
			t.Fatalf("events so far: %v", types)
		}
	}
	assert.ElementsMatch(t, []string{"task.scheduled", "task.started", "task.completed"}, types)
}
