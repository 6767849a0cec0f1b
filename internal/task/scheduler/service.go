package scheduler

import (
	"context"
	"sort"
	"strings"
	"time"

	"pewsched/internal/task/engine"
	logx "pewsched/pkg/logx"
)

func New(cfg Config, eng *engine.Service, inv Invoker, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		cfg:     cfg,
		log:     log,
		engine:  eng,
		invoker: inv,
		parser:  cronParser,
		jobs:    map[string]JobSpec{},
	}
	s.loc = s.loadLocationLocked()
	return s
}

// Apply swaps the timezone and the engine retry settings.
// Rules already queued keep the location they were created with.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	s.cfg = cfg
	if oldTZ != strings.TrimSpace(cfg.Timezone) {
		s.loc = s.loadLocationLocked()
		s.log.Info("scheduler timezone changed", logx.String("tz", s.loc.String()))
	}
	s.mu.Unlock()

	s.engine.Apply(cfg.Engine)
}

func (s *Service) Start(ctx context.Context) {
	s.engine.Start(ctx)
	s.log.Info("service started", logx.String("tz", s.location().String()))
}

func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.log.Info("stop requested")
	s.engine.Stop(ctx)
	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	loc := s.loc
	jobs := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		jobs = append(jobs, name)
	}
	s.mu.Unlock()
	sort.Strings(jobs)

	return Snapshot{
		Timezone: loc.String(),
		Engine:   s.engine.Snapshot(),
		Tasks:    s.engine.Tasks(),
		Jobs:     jobs,
	}
}

func (s *Service) location() *time.Location {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loc
}

func (s *Service) now() time.Time { return s.engine.Now().In(s.location()) }

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// previewNextRuns returns a short, human-friendly list of upcoming run times.
func (s *Service) previewNextRuns(r engine.Recurrence, from time.Time, n int) string {
	if !s.log.Enabled(logx.LevelDebug) || n <= 0 {
		return ""
	}
	t := from
	var b strings.Builder
	for i := 0; i < n; i++ {
		t = r.Next(t)
		if t.IsZero() {
			break
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(t.Format("2006-01-02 15:04:05"))
	}
	return b.String()
}
