package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fleetwatch/fleetwatch/internal/rate"
	"github.com/fleetwatch/fleetwatch/internal/store"
)

const (
	DefaultReconcileInterval = 30 * time.Second
	DefaultGracePeriod       = 10 * time.Second
)

// RouterLister is the scheduler's view of the state store.
type RouterLister interface {
	ListRouters(ctx context.Context) ([]store.Router, error)
}

// SchedulerConfig configures the reconcile loop.
type SchedulerConfig struct {
	Routers    RouterLister
	Supervisor Config

	ReconcileInterval time.Duration
	GracePeriod       time.Duration
}

func (cfg *SchedulerConfig) Validate() error {
	if cfg.Routers == nil {
		return errors.New("router lister is required")
	}
	if err := cfg.Supervisor.Validate(); err != nil {
		return err
	}
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = DefaultReconcileInterval
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	return nil
}

// runningSupervisor pairs a supervisor with its cancel handle.
type runningSupervisor struct {
	sup    *Supervisor
	cancel context.CancelFunc
	done   chan struct{}
}

// Scheduler owns the lifecycle of all per-router supervisors. It
// reconciles the running set against the store on a fixed tick:
// new routers get a supervisor, deleted or disabled routers lose
// theirs, and surviving ones receive the fresh configuration row.
type Scheduler struct {
	log     *slog.Logger
	cfg     SchedulerConfig
	deriver *rate.Deriver
	metrics *Metrics

	mu      sync.Mutex
	running map[int64]*runningSupervisor
}

func NewScheduler(log *slog.Logger, cfg SchedulerConfig, metrics *Metrics) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scheduler config: %w", err)
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Scheduler{
		log:     log,
		cfg:     cfg,
		deriver: rate.NewDeriver(0),
		metrics: metrics,
		running: make(map[int64]*runningSupervisor),
	}, nil
}

// Run reconciles immediately, then on every tick, until ctx is
// canceled; shutdown waits up to the grace period for in-flight polls.
func (s *Scheduler) Run(ctx context.Context) error {
	s.deriver.Start()
	defer s.deriver.Stop()

	if err := s.Reconcile(ctx); err != nil {
		s.log.Error("Failed initial reconcile", "error", err)
	}

	ticker := s.cfg.Supervisor.Clock.NewTicker(s.cfg.ReconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return nil
		case <-ticker.Chan():
			if err := s.Reconcile(ctx); err != nil {
				s.log.Error("Failed to reconcile supervisors", "error", err)
			}
		}
	}
}

// Reconcile diffs the desired router set against the running one.
func (s *Scheduler) Reconcile(ctx context.Context) error {
	routers, err := s.cfg.Routers.ListRouters(ctx)
	if err != nil {
		return fmt.Errorf("failed to list routers: %w", err)
	}

	desired := make(map[int64]store.Router, len(routers))
	for _, r := range routers {
		if !r.Disabled {
			desired[r.ID] = r
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for id, rs := range s.running {
		if _, ok := desired[id]; !ok {
			s.log.Info("Stopping supervisor", "router", id)
			rs.cancel()
			delete(s.running, id)
		}
	}

	for id, r := range desired {
		if rs, ok := s.running[id]; ok {
			rs.sup.UpdateRouter(r)
			continue
		}
		sup, err := NewSupervisor(s.log, s.cfg.Supervisor, r, s.deriver, s.metrics)
		if err != nil {
			return err
		}
		runCtx, cancel := context.WithCancel(context.Background())
		rs := &runningSupervisor{sup: sup, cancel: cancel, done: make(chan struct{})}
		s.running[id] = rs
		s.log.Info("Starting supervisor", "router", id, "name", r.Name)
		go func() {
			defer close(rs.done)
			sup.Run(runCtx)
		}()
	}

	s.metrics.Supervisors.Set(float64(len(s.running)))
	return nil
}

// RunningCount reports how many supervisors are live.
func (s *Scheduler) RunningCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

// shutdown cancels every supervisor and waits up to the grace period;
// stragglers are abandoned, their adapters closed by cancellation.
func (s *Scheduler) shutdown() {
	s.mu.Lock()
	running := make([]*runningSupervisor, 0, len(s.running))
	for id, rs := range s.running {
		rs.cancel()
		running = append(running, rs)
		delete(s.running, id)
	}
	s.mu.Unlock()

	deadline := s.cfg.Supervisor.Clock.NewTimer(s.cfg.GracePeriod)
	defer deadline.Stop()
	for _, rs := range running {
		select {
		case <-rs.done:
		case <-deadline.Chan():
			s.log.Warn("Supervisor did not stop within grace period")
			return
		}
	}
	s.log.Info("All supervisors stopped", "count", len(running))
}
