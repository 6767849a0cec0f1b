package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"pewsched/internal/task/engine"
	logx "pewsched/pkg/logx"
)

// ScheduleTask enqueues run at due. Names are not unique: scheduling the same
// name twice creates two independent entries. Only misuse (empty name, nil
// payload, periodic without interval) fails synchronously.
func (s *Service) ScheduleTask(name string, run Func, due time.Time, priority Priority, opts ...TaskOption) (string, error) {
	t := engine.Task{Name: name, Run: run, Due: due, Priority: priority}
	for _, o := range opts {
		if o != nil {
			o(&t)
		}
	}
	return s.engine.Submit(t)
}

// ScheduleMonthly runs at dayOfMonth hour:minute in the scheduler timezone,
// starting at the next future occurrence. Months without that day are skipped.
func (s *Service) ScheduleMonthly(name string, run Func, dayOfMonth, hour, minute int) (string, error) {
	rule, err := s.monthlyRule(dayOfMonth, hour, minute)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrInvalidTask, name, err)
	}
	return s.scheduleRule(name, run, rule, PriorityMedium)
}

// ScheduleYearly runs every year on month/day at hour:minute. Feb 29 runs only in leap years.
func (s *Service) ScheduleYearly(name string, run Func, month, day, hour, minute int) (string, error) {
	rule, err := s.yearlyRule(month, day, hour, minute)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrInvalidTask, name, err)
	}
	return s.scheduleRule(name, run, rule, PriorityMedium)
}

// ScheduleInterval runs every interval, first at now+every.
func (s *Service) ScheduleInterval(name string, run Func, every time.Duration) (string, error) {
	return s.ScheduleTask(name, run, s.now().Add(every), PriorityMedium, Periodic(every))
}

// ScheduleSpec parses schedule (see ParseSchedule) and registers a recurring task.
func (s *Service) ScheduleSpec(name, schedule string, run Func) (string, error) {
	return s.scheduleParsed(name, schedule, run, PriorityMedium, 0)
}

func (s *Service) scheduleParsed(name, schedule string, run Func, priority Priority, spread time.Duration, opts ...TaskOption) (string, error) {
	ps, err := ParseSchedule(schedule)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrInvalidTask, name, err)
	}
	var rule calendarRule
	switch ps.Kind {
	case SpecInterval:
		return s.ScheduleTask(name, run, s.now().Add(ps.Every+spread), priority, append(opts, Periodic(ps.Every))...)
	case SpecMonthly:
		rule, err = s.monthlyRule(ps.Day, ps.Hour, ps.Minute)
	case SpecYearly:
		rule, err = s.yearlyRule(ps.Month, ps.Day, ps.Hour, ps.Minute)
	case SpecCron:
		rule, err = s.cronRule(ps.Cron)
	default:
		err = fmt.Errorf("unsupported schedule kind %s", ps.Kind)
	}
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrInvalidTask, name, err)
	}
	return s.scheduleRule(name, run, rule, priority, opts...)
}

func (s *Service) scheduleRule(name string, run Func, rule calendarRule, priority Priority, opts ...TaskOption) (string, error) {
	now := s.now()
	due := rule.Next(now)
	if due.IsZero() {
		return "", fmt.Errorf("%w: %s: schedule %q never fires", ErrInvalidTask, name, rule.spec)
	}
	id, err := s.ScheduleTask(name, run, due, priority, append(opts, withRecurrence(rule))...)
	if err != nil {
		return "", err
	}
	args := []logx.Field{logx.String("name", name), logx.String("id", id), logx.String("spec", rule.spec)}
	if next := s.previewNextRuns(rule, now, 4); next != "" {
		args = append(args, logx.String("next", next))
	}
	s.log.Debug("schedule registered", args...)
	return id, nil
}

// AddTask runs run as soon as possible with medium priority.
func (s *Service) AddTask(name string, run Func) (string, error) {
	return s.ScheduleTask(name, run, s.now(), PriorityMedium)
}

// UpdateTask cancels every pending entry named name and adds run to execute now.
func (s *Service) UpdateTask(name string, run Func) (string, error) {
	if run == nil {
		return "", fmt.Errorf("%w: task %q has no payload", ErrInvalidTask, name)
	}
	s.CancelTask(name)
	return s.AddTask(name, run)
}

// ScheduleAPICall invokes endpoint at the given time with high priority.
func (s *Service) ScheduleAPICall(name, endpoint string, at time.Time) (string, error) {
	run, err := s.apiCall(endpoint, nil)
	if err != nil {
		return "", err
	}
	return s.ScheduleTask(name, run, at, PriorityHigh)
}

// ScheduleEvent triggers the named external event at the given time with high priority.
func (s *Service) ScheduleEvent(name, event string, at time.Time) (string, error) {
	run, err := s.eventCall(event)
	if err != nil {
		return "", err
	}
	return s.ScheduleTask(name, run, at, PriorityHigh)
}

// CallExternal invokes endpoint now, as task "ExternalAPI_<endpoint>".
func (s *Service) CallExternal(endpoint string, payload []byte) (string, error) {
	run, err := s.apiCall(endpoint, payload)
	if err != nil {
		return "", err
	}
	return s.ScheduleTask("ExternalAPI_"+strings.TrimSpace(endpoint), run, s.now(), PriorityHigh)
}

func (s *Service) apiCall(endpoint string, payload []byte) (Func, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("%w: endpoint required", ErrInvalidTask)
	}
	if s.invoker == nil {
		return nil, ErrNoInvoker
	}
	inv := s.invoker
	body := append([]byte(nil), payload...)
	return func(ctx context.Context) error { return inv.Invoke(ctx, endpoint, body) }, nil
}

func (s *Service) eventCall(event string) (Func, error) {
	event = strings.TrimSpace(event)
	if event == "" {
		return nil, fmt.Errorf("%w: event name required", ErrInvalidTask)
	}
	if s.invoker == nil {
		return nil, ErrNoInvoker
	}
	inv := s.invoker
	return func(ctx context.Context) error { return inv.TriggerEvent(ctx, event) }, nil
}

// CancelTask removes every pending entry named name. It returns true exactly
// once for a task that existed.
func (s *Service) CancelTask(name string) bool {
	return s.engine.Cancel(name)
}

func (s *Service) AddDependency(consumer, prereq string) error {
	return s.engine.AddDependency(consumer, prereq)
}

func (s *Service) RemoveDependency(consumer, prereq string) bool {
	return s.engine.RemoveDependency(consumer, prereq)
}

func (s *Service) ClearDependencies(name string) int {
	return s.engine.ClearDependencies(name)
}

// DependenciesSatisfied reports whether name could run now as far as prerequisites go.
func (s *Service) DependenciesSatisfied(name string) bool {
	return s.engine.DependenciesSatisfied(name)
}

// Pending lists running and queued entries in execution order.
func (s *Service) Pending() []TaskInfo {
	return s.engine.Tasks()
}
