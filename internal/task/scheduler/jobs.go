package scheduler

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"pewsched/internal/task/engine"
	logx "pewsched/pkg/logx"
)

// JobSpec is a declarative task loaded from config.
type JobSpec struct {
	Name string
	// Schedule makes the job recurring (see ParseSchedule). When empty, the job
	// runs once at At.
	Schedule string
	At       time.Time

	// Action is "api" (POST Payload to Endpoint) or "event" (trigger Event).
	Action   string
	Endpoint string
	Payload  string
	Event    string

	Priority  string
	DependsOn []string
	Timeout   time.Duration
}

// SyncJobs makes the registered job set match specs. Unchanged jobs keep
// their queued entries; changed jobs are cancelled and re-registered; jobs
// missing from specs are cancelled and dropped from the dependency graph.
func (s *Service) SyncJobs(specs []JobSpec) error {
	var errs []error
	next := make(map[string]JobSpec, len(specs))
	for _, j := range specs {
		j.Name = strings.TrimSpace(j.Name)
		if j.Name == "" {
			errs = append(errs, fmt.Errorf("%w: job name required", ErrInvalidTask))
			continue
		}
		if _, dup := next[j.Name]; dup {
			errs = append(errs, fmt.Errorf("%w: duplicate job %q", ErrInvalidTask, j.Name))
			continue
		}
		next[j.Name] = j
	}

	s.mu.Lock()
	prev := s.jobs
	s.mu.Unlock()

	applied := make(map[string]JobSpec, len(next))
	added, changed, removed := 0, 0, 0
	for name, old := range prev {
		nj, ok := next[name]
		if ok && reflect.DeepEqual(old, nj) {
			applied[name] = old
			continue
		}
		s.CancelTask(name)
		if ok {
			s.ClearDependencies(name)
			changed++
			continue
		}
		s.engine.ForgetDependencies(name)
		removed++
	}
	for name, j := range next {
		if _, kept := applied[name]; kept {
			continue
		}
		if err := s.addJob(j); err != nil {
			s.ClearDependencies(name)
			errs = append(errs, fmt.Errorf("job %q: %w", name, err))
			continue
		}
		applied[name] = j
		if _, existed := prev[name]; !existed {
			added++
		}
	}

	s.mu.Lock()
	s.jobs = applied
	s.mu.Unlock()

	if added+changed+removed > 0 {
		s.log.Info("jobs synced", logx.Int("added", added), logx.Int("changed", changed), logx.Int("removed", removed), logx.Int("total", len(applied)))
	}
	return errors.Join(errs...)
}

func (s *Service) addJob(j JobSpec) error {
	var run Func
	var err error
	switch strings.ToLower(strings.TrimSpace(j.Action)) {
	case "api", "":
		run, err = s.apiCall(j.Endpoint, []byte(j.Payload))
	case "event":
		run, err = s.eventCall(j.Event)
	default:
		err = fmt.Errorf("%w: unknown action %q (want api or event)", ErrInvalidTask, j.Action)
	}
	if err != nil {
		return err
	}

	pri, ok := engine.ParsePriority(j.Priority)
	if !ok {
		return fmt.Errorf("%w: unknown priority %q", ErrInvalidTask, j.Priority)
	}

	for _, dep := range j.DependsOn {
		if err := s.AddDependency(j.Name, dep); err != nil {
			return err
		}
	}

	var opts []TaskOption
	if j.Timeout > 0 {
		opts = append(opts, WithTimeout(j.Timeout))
	}

	if strings.TrimSpace(j.Schedule) != "" {
		var spread time.Duration
		if ps, perr := ParseSchedule(j.Schedule); perr == nil && ps.Kind == SpecInterval {
			spread = startupSpread(ps.Every, j.Name)
		}
		_, err = s.scheduleParsed(j.Name, j.Schedule, run, pri, spread, opts...)
		return err
	}
	if j.At.IsZero() {
		return fmt.Errorf("%w: schedule or at required", ErrInvalidTask)
	}
	_, err = s.ScheduleTask(j.Name, run, j.At, pri, opts...)
	return err
}
