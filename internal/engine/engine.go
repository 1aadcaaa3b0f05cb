// Package engine composes the monitoring subsystems into one runnable
// unit: the scheduler, the real-time hub, the HTTP boundary and the
// time-series maintenance loop.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/fleetwatch/fleetwatch/internal/api"
	"github.com/fleetwatch/fleetwatch/internal/hub"
	"github.com/fleetwatch/fleetwatch/internal/notify"
	"github.com/fleetwatch/fleetwatch/internal/poller"
)

const (
	DefaultRetention           = 2 * 365 * 24 * time.Hour
	DefaultCompactionAfter     = 7 * 24 * time.Hour
	DefaultMaintenanceInterval = 24 * time.Hour

	// maintenanceTimeout bounds one retention/compaction pass.
	maintenanceTimeout = 10 * time.Minute
)

// Maintainer is the time-series store's housekeeping surface.
type Maintainer interface {
	Retain(ctx context.Context, olderThan time.Time) error
	Compact(ctx context.Context, olderThan time.Time) error
}

// Config wires the engine together. Hub, API and Listener are optional
// so the process can run collection-only.
type Config struct {
	Scheduler *poller.Scheduler
	Hub       *hub.Hub
	API       *api.Server
	Listener  net.Listener
	TSDB      Maintainer
	Notifier  *notify.Dispatcher

	Retention           time.Duration
	CompactionAfter     time.Duration
	MaintenanceInterval time.Duration

	Clock clockwork.Clock
}

func (cfg *Config) Validate() error {
	if cfg.Scheduler == nil {
		return errors.New("scheduler is required")
	}
	if cfg.API != nil && cfg.Listener == nil {
		return errors.New("api server requires a listener")
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.CompactionAfter <= 0 {
		cfg.CompactionAfter = DefaultCompactionAfter
	}
	if cfg.MaintenanceInterval <= 0 {
		cfg.MaintenanceInterval = DefaultMaintenanceInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

type Engine struct {
	log *slog.Logger
	cfg Config
}

func New(log *slog.Logger, cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid engine config: %w", err)
	}
	return &Engine{log: log, cfg: cfg}, nil
}

// Run starts every subsystem and blocks until ctx is canceled or one
// of them fails. Shutdown is cooperative: cancellation propagates, the
// scheduler drains its supervisors, the hub closes its sessions and
// the notifier flushes queued deliveries.
func (e *Engine) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errCh := make(chan error, 3)

	fail := func(err error) {
		select {
		case errCh <- err:
		default:
		}
		cancel()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := e.cfg.Scheduler.Run(ctx); err != nil {
			fail(fmt.Errorf("scheduler failed: %w", err))
		}
	}()

	if e.cfg.API != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := e.cfg.API.Serve(ctx, e.cfg.Listener); err != nil {
				fail(fmt.Errorf("api server failed: %w", err))
			}
		}()
	}

	if e.cfg.TSDB != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.maintenanceLoop(ctx)
		}()
	}

	e.log.Info("Engine started")
	<-ctx.Done()

	wg.Wait()
	if e.cfg.Hub != nil {
		e.cfg.Hub.Close()
	}
	if e.cfg.Notifier != nil {
		e.cfg.Notifier.Close()
	}
	e.log.Info("Engine stopped")

	select {
	case err := <-errCh:
		return err
	default:
		return nil
	}
}

// maintenanceLoop runs retention and compaction once at startup and
// then on the configured interval.
func (e *Engine) maintenanceLoop(ctx context.Context) {
	e.runMaintenance(ctx)

	ticker := e.cfg.Clock.NewTicker(e.cfg.MaintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			e.runMaintenance(ctx)
		}
	}
}

func (e *Engine) runMaintenance(ctx context.Context) {
	now := e.cfg.Clock.Now().UTC()

	runCtx, cancel := context.WithTimeout(ctx, maintenanceTimeout)
	defer cancel()

	if err := e.cfg.TSDB.Compact(runCtx, now.Add(-e.cfg.CompactionAfter)); err != nil {
		e.log.Error("Failed to compact samples", "error", err)
	}
	if err := e.cfg.TSDB.Retain(runCtx, now.Add(-e.cfg.Retention)); err != nil {
		e.log.Error("Failed to apply retention", "error", err)
	}
	e.log.Info("Maintenance pass complete",
		"retainBefore", now.Add(-e.cfg.Retention),
		"compactBefore", now.Add(-e.cfg.CompactionAfter))
}
