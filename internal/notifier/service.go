package notifier

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"

	"pewsched/internal/eventbus"
	rtsup "pewsched/internal/runtime/supervisor"
	"pewsched/internal/task/engine"
	kit "pewsched/internal/transport"
	logx "pewsched/pkg/logx"
)

type job struct {
	n        kit.Notification
	dedupKey string
}

// Service queues notifications and delivers them from a worker pool.
// It is safe for concurrent use and can be restarted after Stop.
type Service struct {
	log    logx.Logger
	sender kit.Sender
	bus    eventbus.Bus
	store  DedupStore

	dedup   *dedupCache
	history history

	mu        sync.Mutex
	cfg       Config
	limiter   *rate.Limiter
	accepting bool
	inflight  sync.WaitGroup // Send calls past the accepting check

	queue      chan job
	persist    chan dedupWrite
	sup        *rtsup.Supervisor
	stopping   chan struct{} // non-nil until a Stop finishes
	stopAlerts func()
}

var _ engine.Notifier = (*Service)(nil)

func New(cfg Config, sender kit.Sender, log logx.Logger, bus eventbus.Bus, store DedupStore) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{log: log, sender: sender, bus: bus, store: store, dedup: newDedupCache()}
	s.setConfig(cfg)
	return s
}

// Supervisor is nil while the service is stopped.
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply takes effect immediately for limits, targets and dedup; worker count
// and queue size apply from the next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setConfig(cfg)
}

func (s *Service) setConfig(cfg Config) {
	s.cfg = cfg.withDefaults()
	// Burst equals the per-second rate so short spikes pass unthrottled.
	s.limiter = rate.NewLimiter(rate.Limit(s.cfg.RatePerSec), s.cfg.RatePerSec)
}

func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	for s.stopping != nil {
		wait := s.stopping
		s.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.queue != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}

	cfg := s.cfg
	s.queue = make(chan job, cfg.QueueSize)
	s.accepting = true
	if cfg.PersistDedup && s.store != nil {
		s.persist = make(chan dedupWrite, 1024)
	}
	// Delivery is best-effort; a failing loop never cancels the others.
	s.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
	sup, queue, persist := s.sup, s.queue, s.persist
	s.mu.Unlock()

	if persist != nil {
		sup.GoRestart("dedup.persist", func(c context.Context) error {
			s.persistLoop(c, persist)
			return s.loopExit(c, "persist loop")
		}, rtsup.WithPublishFirstError(true))
	}
	for i := range cfg.Workers {
		sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.workerLoop(c, queue)
			return s.loopExit(c, "worker")
		}, rtsup.WithPublishFirstError(true))
	}
	if s.bus != nil {
		events, unsubscribe := s.bus.Subscribe(64, eventbus.TypeTaskExhausted)
		actx, cancel := context.WithCancel(sup.Context())
		s.mu.Lock()
		s.stopAlerts = func() { cancel(); unsubscribe() }
		s.mu.Unlock()
		sup.GoRestart("alerts", func(context.Context) error {
			s.alertLoop(actx, events)
			return s.loopExit(actx, "alert loop")
		})
	}
	s.log.Info("notifier started", logx.Int("workers", cfg.Workers), logx.String("channel", kit.Channel(s.sender)))
}

// loopExit turns a loop return into a supervisor result. Loops return only
// on shutdown; anything else is reported so the loop restarts.
func (s *Service) loopExit(c context.Context, what string) error {
	s.mu.Lock()
	stopping := s.stopping != nil
	s.mu.Unlock()
	switch {
	case stopping:
		return context.Canceled
	case c.Err() != nil:
		return c.Err()
	default:
		return fmt.Errorf("notifier %s exited unexpectedly", what)
	}
}

// Stop refuses new messages and lets the workers drain the queue. When ctx
// ends first the workers are cancelled and the rest of the queue is lost.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.queue == nil {
		s.mu.Unlock()
		return
	}
	if s.stopping != nil {
		wait := s.stopping
		s.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopping = done
	s.accepting = false
	queue, persist, sup, stopAlerts := s.queue, s.persist, s.sup, s.stopAlerts
	s.mu.Unlock()

	go func() {
		defer close(done)
		if stopAlerts != nil {
			stopAlerts()
		}
		s.inflight.Wait()
		if persist != nil {
			close(persist)
		}
		close(queue)
		_ = sup.Wait(context.Background())

		s.mu.Lock()
		s.queue, s.persist, s.sup, s.stopAlerts, s.stopping = nil, nil, nil, nil, nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		sup.Cancel()
	}
}
