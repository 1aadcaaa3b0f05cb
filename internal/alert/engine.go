// Package alert evaluates threshold and port-down conditions, debounces
// them, and owns the alert rows in the state store.
package alert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/fleetwatch/fleetwatch/internal/notify"
	"github.com/fleetwatch/fleetwatch/internal/store"
)

// DefaultDebounceWindow is the number of consecutive evaluations a
// condition must hold before its state transitions.
const DefaultDebounceWindow = 2

// Store is the slice of the state store the engine needs.
type Store interface {
	InsertAlert(ctx context.Context, a store.Alert) (int64, error)
	AckOpenAlert(ctx context.Context, routerID int64, portID *int64, portName string, by string, at time.Time) error
}

// Notifier dispatches notifications asynchronously.
type Notifier interface {
	Dispatch(ctx context.Context, n notify.Notification)
}

// Config configures the engine.
type Config struct {
	Store    Store
	Notifier Notifier

	// DebounceWindow is the consecutive-evaluation count for both the
	// firing and clearing edges. Defaults to DefaultDebounceWindow.
	DebounceWindow int

	Clock clockwork.Clock
}

func (cfg *Config) Validate() error {
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.Notifier == nil {
		return errors.New("notifier is required")
	}
	if cfg.DebounceWindow <= 0 {
		cfg.DebounceWindow = DefaultDebounceWindow
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Evaluation is one per-port observation from a supervisor poll.
type Evaluation struct {
	RouterID   int64
	RouterName string
	OwnerID    *int64
	Port       store.MonitoredPort

	// Down is true when the port was absent from the device's interface
	// table or reported running=false.
	Down bool

	// TotalBps is the derived rate for this poll; HasSample is false on
	// seeding polls, which leave the traffic condition untouched.
	TotalBps  float64
	HasSample bool
}

// condition tracks one debounced boolean with hysteresis: it becomes
// firing after `window` consecutive true observations and clear after
// the same count of false ones.
type condition struct {
	firing      bool
	trueStreak  int
	falseStreak int
}

// observe feeds one observation and reports a transition edge.
func (c *condition) observe(v bool, window int) (fired, cleared bool) {
	if v {
		c.trueStreak++
		c.falseStreak = 0
	} else {
		c.falseStreak++
		c.trueStreak = 0
	}
	switch {
	case !c.firing && c.trueStreak >= window:
		c.firing = true
		return true, false
	case c.firing && c.falseStreak >= window:
		c.firing = false
		return false, true
	}
	return false, false
}

type portKey struct {
	routerID int64
	portName string
}

// portState serializes transitions for one (router, port). The mutex is
// held across the store call for that port so notification emission for
// two transitions of the same port can never interleave; different
// ports proceed independently.
type portState struct {
	mu      sync.Mutex
	down    condition
	traffic condition
}

// Engine is the alert state machine. Cross-process deduplication is
// delegated to the state store's partial unique constraint: losing the
// insert race means another instance opened the alert first, and the
// loser suppresses its notification.
type Engine struct {
	log *slog.Logger
	cfg Config

	mu    sync.Mutex
	ports map[portKey]*portState

	metrics *Metrics
}

func NewEngine(log *slog.Logger, cfg Config, metrics *Metrics) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid alert engine config: %w", err)
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Engine{
		log:     log,
		cfg:     cfg,
		ports:   make(map[portKey]*portState),
		metrics: metrics,
	}, nil
}

func (e *Engine) state(key portKey) *portState {
	e.mu.Lock()
	defer e.mu.Unlock()
	ps, ok := e.ports[key]
	if !ok {
		ps = &portState{}
		e.ports[key] = ps
	}
	return ps
}

// Evaluate processes one per-port observation, applying debounce and
// emitting at most one transition per condition.
func (e *Engine) Evaluate(ctx context.Context, ev Evaluation) {
	key := portKey{routerID: ev.RouterID, portName: ev.Port.PortName}
	ps := e.state(key)

	ps.mu.Lock()
	defer ps.mu.Unlock()

	downFired, downCleared := ps.down.observe(ev.Down, e.cfg.DebounceWindow)

	// traffic_low is gated on port_down: a dead port is alerted as down,
	// not as slow. Seeding polls (no sample yet) count as not-low so a
	// port that just appeared needs a full window of real breaches.
	low := ev.HasSample && !ps.down.firing && ev.TotalBps < float64(ev.Port.MinThresholdBps)
	lowFired, lowCleared := ps.traffic.observe(low, e.cfg.DebounceWindow)

	if downFired {
		// A still-open traffic_low alert occupies the port's open-alert
		// slot and the critical insert would conflict with this engine's
		// own superseded row. Ack the warning and reset its condition
		// before opening the outage alert.
		if ps.traffic.firing || lowCleared {
			e.clear(ctx, ev)
			ps.traffic = condition{}
			lowCleared = false
		}
		e.fire(ctx, ev, store.SeverityCritical,
			fmt.Sprintf("Port %s down on %s", ev.Port.PortName, ev.RouterName), 0)
	}
	if downCleared {
		e.clear(ctx, ev)
	}
	if lowFired {
		e.fire(ctx, ev, store.SeverityWarning,
			fmt.Sprintf("Low traffic on %s/%s: %.0f bps below threshold %d bps",
				ev.RouterName, ev.Port.PortName, ev.TotalBps, ev.Port.MinThresholdBps),
			ev.TotalBps)
	}
	if lowCleared {
		e.clear(ctx, ev)
	}
}

// fire opens the alert row and, when this instance wins the insert
// race, emits notifications on the port's enabled channels.
func (e *Engine) fire(ctx context.Context, ev Evaluation, severity store.Severity, message string, currentBps float64) {
	portID := ev.Port.ID
	portName := ev.Port.PortName
	alertID, err := e.cfg.Store.InsertAlert(ctx, store.Alert{
		RouterID:     ev.RouterID,
		PortID:       &portID,
		PortName:     &portName,
		Severity:     severity,
		Message:      message,
		CurrentBps:   currentBps,
		ThresholdBps: ev.Port.MinThresholdBps,
	})
	switch {
	case errors.Is(err, store.ErrConflict):
		// Another instance already holds the open alert slot. Not an
		// error: suppress this instance's notification.
		e.metrics.Deduplicated.Inc()
		e.log.Debug("Alert already open, suppressing",
			"router", ev.RouterID, "port", portName)
		return
	case err != nil:
		// No retry here; the transition stays latched locally and the
		// next clear/fire cycle produces a fresh insert.
		e.metrics.StoreErrors.Inc()
		e.log.Error("Failed to insert alert",
			"router", ev.RouterID, "port", portName, "error", err)
		return
	}

	e.metrics.Fired.WithLabelValues(string(severity)).Inc()
	e.log.Info("Alert fired",
		"router", ev.RouterID, "port", portName, "severity", string(severity), "message", message)

	if ev.OwnerID == nil {
		return
	}
	if ev.Port.NotifyEmail {
		e.cfg.Notifier.Dispatch(ctx, notify.Notification{
			Channel:     notify.ChannelEmail,
			RecipientID: *ev.OwnerID,
			Title:       message,
			Body:        message,
			AlertID:     alertID,
		})
	}
	if ev.Port.NotifyPopup {
		e.cfg.Notifier.Dispatch(ctx, notify.Notification{
			Channel:     notify.ChannelPopup,
			RecipientID: *ev.OwnerID,
			Title:       message,
			Body:        message,
			AlertID:     alertID,
		})
	}
}

// clear auto-acknowledges the open alert for this port. Auto-clears
// never notify.
func (e *Engine) clear(ctx context.Context, ev Evaluation) {
	portID := ev.Port.ID
	err := e.cfg.Store.AckOpenAlert(ctx, ev.RouterID, &portID, ev.Port.PortName,
		"system", e.cfg.Clock.Now().UTC())
	if err != nil {
		e.metrics.StoreErrors.Inc()
		e.log.Error("Failed to auto-acknowledge alert",
			"router", ev.RouterID, "port", ev.Port.PortName, "error", err)
		return
	}
	e.metrics.Cleared.Inc()
	e.log.Info("Alert condition cleared",
		"router", ev.RouterID, "port", ev.Port.PortName)
}

// ForgetPort drops debounce state for one port, e.g. when it leaves the
// monitored set or its router is removed.
func (e *Engine) ForgetPort(routerID int64, portName string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.ports, portKey{routerID: routerID, portName: portName})
}

// ForgetRouter drops all debounce state for one router.
func (e *Engine) ForgetRouter(routerID int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for key := range e.ports {
		if key.routerID == routerID {
			delete(e.ports, key)
		}
	}
}
