// Package poller runs the per-router polling supervisors and the
// scheduler that reconciles them against the state store.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/fleetwatch/fleetwatch/internal/alert"
	"github.com/fleetwatch/fleetwatch/internal/device"
	"github.com/fleetwatch/fleetwatch/internal/rate"
	"github.com/fleetwatch/fleetwatch/internal/store"
)

const (
	DefaultBaseInterval = 60 * time.Second
	DefaultMaxBackoff   = 5 * time.Minute
	DefaultPollDeadline = 10 * time.Second

	// maxBackoffFactor bounds the exponential multiplier before the
	// absolute cap applies.
	maxBackoffFactor = 32

	// reachabilityOnlyFactor stretches the interval for routers with no
	// monitored ports, which only need a liveness probe.
	reachabilityOnlyFactor = 4
)

// StateStore is the slice of the state store a supervisor needs.
type StateStore interface {
	ListMonitoredPorts(ctx context.Context, routerID int64) ([]store.MonitoredPort, error)
	UpsertRouterInterface(ctx context.Context, iface store.RouterInterface) error
	PruneRouterInterfaces(ctx context.Context, routerID int64, lastSeenBefore time.Time) (int64, error)
	SetRouterStatus(ctx context.Context, id int64, reachable, connected bool, lastMethod string, lastConnectedAt *time.Time) error
}

// SampleStore receives derived samples.
type SampleStore interface {
	Append(ctx context.Context, samples []rate.Sample) error
}

// Evaluator receives per-port observations.
type Evaluator interface {
	Evaluate(ctx context.Context, ev alert.Evaluation)
}

// CredentialFunc resolves the decrypted login material for a router.
// Decryption lives outside the engine; supervisors treat the credential
// column as opaque.
type CredentialFunc func(ctx context.Context, r store.Router) (device.Credentials, error)

// AdapterFactory builds a transport adapter for one router. Swappable
// in tests.
type AdapterFactory func(method device.Method, r store.Router, creds device.Credentials) device.Adapter

// NewAdapter is the production AdapterFactory.
func NewAdapter(method device.Method, r store.Router, creds device.Credentials) device.Adapter {
	switch method {
	case device.MethodREST:
		return device.NewRESTAdapter(device.Target{Host: r.Host, Port: r.RESTPort, TLSInsecure: true}, creds)
	case device.MethodSNMP:
		return device.NewSNMPAdapter(device.Target{
			Host:          r.Host,
			Port:          r.SNMPPort,
			SNMPCommunity: r.SNMPCommunity,
			SNMPVersion:   r.SNMPVersion,
		})
	default:
		return device.NewNativeAdapter(device.Target{Host: r.Host, Port: r.APIPort}, creds)
	}
}

// Config carries the supervisor knobs shared by every router.
type Config struct {
	Store       StateStore
	Samples     SampleStore
	Alerts      Evaluator
	Credentials CredentialFunc
	Factory     AdapterFactory
	Prober      device.Prober

	BaseInterval time.Duration
	MaxBackoff   time.Duration
	PollDeadline time.Duration

	Clock clockwork.Clock
}

func (cfg *Config) Validate() error {
	if cfg.Store == nil {
		return errors.New("state store is required")
	}
	if cfg.Samples == nil {
		return errors.New("sample store is required")
	}
	if cfg.Alerts == nil {
		return errors.New("alert evaluator is required")
	}
	if cfg.Credentials == nil {
		return errors.New("credential accessor is required")
	}
	if cfg.Factory == nil {
		cfg.Factory = NewAdapter
	}
	if cfg.Prober == nil {
		cfg.Prober = &device.TCPProber{}
	}
	if cfg.BaseInterval <= 0 {
		cfg.BaseInterval = DefaultBaseInterval
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultMaxBackoff
	}
	if cfg.PollDeadline <= 0 {
		cfg.PollDeadline = DefaultPollDeadline
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Supervisor polls one router. It owns its adapter set, failure counter
// and auth-demotion state; the scheduler pushes configuration updates
// through UpdateRouter.
type Supervisor struct {
	log     *slog.Logger
	cfg     Config
	deriver *rate.Deriver
	metrics *Metrics

	mu     sync.Mutex
	router store.Router

	// Loop-owned state, touched only from Run's goroutine.
	fails     int
	portCount int
	adapters  map[device.Method]device.Adapter

	// authDemoted marks adapters whose credentials were rejected. The
	// demotion is keyed to the router row's updated_at: an operator edit
	// bumps it and the demotions reset.
	authDemoted map[device.Method]bool
	demotedAt   time.Time
}

func NewSupervisor(log *slog.Logger, cfg Config, r store.Router, deriver *rate.Deriver, metrics *Metrics) (*Supervisor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid supervisor config: %w", err)
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Supervisor{
		log:         log.With("router", r.ID, "name", r.Name),
		cfg:         cfg,
		deriver:     deriver,
		metrics:     metrics,
		router:      r,
		portCount:   -1, // unknown until the first tick
		adapters:    make(map[device.Method]device.Adapter),
		authDemoted: make(map[device.Method]bool),
	}, nil
}

// UpdateRouter replaces the configuration snapshot. Takes effect on the
// next tick.
func (s *Supervisor) UpdateRouter(r store.Router) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.router = r
}

func (s *Supervisor) snapshot() store.Router {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.router
}

// Run drives the poll loop until ctx is canceled. The first tick fires
// immediately so a freshly added router shows status without waiting a
// full interval.
func (s *Supervisor) Run(ctx context.Context) {
	defer s.closeAdapters()

	s.Tick(ctx)
	for {
		timer := s.cfg.Clock.NewTimer(s.interval())
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.Chan():
			s.Tick(ctx)
		}
	}
}

// interval returns the effective wait before the next tick:
// base × min(2^fails, 32), capped, with the reachability-only stretch
// for routers that monitor nothing.
func (s *Supervisor) interval() time.Duration {
	base := s.cfg.BaseInterval
	if s.portCount == 0 {
		base *= reachabilityOnlyFactor
	}
	factor := 1
	for i := 0; i < s.fails && factor < maxBackoffFactor; i++ {
		factor *= 2
	}
	eff := base * time.Duration(factor)
	if eff > s.cfg.MaxBackoff && s.cfg.MaxBackoff > base {
		eff = s.cfg.MaxBackoff
	}
	if eff < base {
		eff = base
	}
	return eff
}

// Tick executes one poll attempt: probe, adapter selection with
// fallback, persistence, status update.
func (s *Supervisor) Tick(ctx context.Context) {
	router := s.snapshot()

	// A configuration edit resets auth demotion: the operator may have
	// fixed the credentials. Cached adapters hold the old login material
	// and are rebuilt.
	if !router.UpdatedAt.Equal(s.demotedAt) {
		s.authDemoted = make(map[device.Method]bool)
		s.demotedAt = router.UpdatedAt
		s.closeAdapters()
	}

	ports, err := s.cfg.Store.ListMonitoredPorts(ctx, router.ID)
	if err != nil {
		s.log.Error("Failed to list monitored ports", "error", err)
		return
	}
	s.portCount = len(ports)

	probeCtx, cancel := context.WithTimeout(ctx, s.cfg.PollDeadline)
	reachable := s.cfg.Prober.ProbeReachable(probeCtx, router.Host, router.APIPort)
	cancel()
	if !reachable {
		s.fails++
		s.metrics.ProbeFailures.Inc()
		s.setStatus(ctx, router.ID, false, false, "", nil)
		s.log.Debug("Router unreachable", "fails", s.fails)
		return
	}

	result, method, ok := s.pollWithFallback(ctx, router, ports)
	if !ok {
		s.fails++
		s.setStatus(ctx, router.ID, true, false, "", nil)
		return
	}

	s.fails = 0
	now := s.cfg.Clock.Now().UTC()
	s.setStatus(ctx, router.ID, true, true, method.String(), &now)
	s.persist(ctx, router, ports, result, now)
}

// pollResult is one successful adapter round trip.
type pollResult struct {
	interfaces []device.Interface
	counters   []device.CounterReading
}

// pollWithFallback tries adapters starting from the sticky preference,
// falling through the enabled order on retryable failures.
func (s *Supervisor) pollWithFallback(ctx context.Context, router store.Router, ports []store.MonitoredPort) (pollResult, device.Method, bool) {
	names := make([]string, 0, len(ports))
	for _, p := range ports {
		names = append(names, p.PortName)
	}

	for _, method := range adapterOrder(router) {
		if s.authDemoted[method] {
			continue
		}
		adapter, err := s.adapter(ctx, method, router)
		if err != nil {
			s.log.Error("Failed to build adapter", "method", method.String(), "error", err)
			continue
		}

		result, err := s.pollOnce(ctx, adapter, names)
		if err == nil {
			return result, method, true
		}

		s.metrics.PollFailures.WithLabelValues(method.String()).Inc()
		if errors.Is(err, device.ErrAuthFailed) {
			// No value in retrying until the operator edits the router.
			s.authDemoted[method] = true
			s.log.Warn("Credentials rejected, demoting adapter", "method", method.String())
			continue
		}
		s.log.Debug("Poll attempt failed", "method", method.String(), "error", err)
	}
	return pollResult{}, "", false
}

// pollOnce runs the interface list and counter read on one adapter
// under the per-call deadline. Counters are read for all interfaces:
// monitored ports must be polled even when the display mode hides them.
func (s *Supervisor) pollOnce(ctx context.Context, adapter device.Adapter, names []string) (pollResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.cfg.PollDeadline)
	defer cancel()

	interfaces, err := adapter.ListInterfaces(callCtx, device.ModeAll)
	if err != nil {
		return pollResult{}, err
	}
	counters, err := adapter.ReadCounters(callCtx, names)
	if err != nil {
		return pollResult{}, err
	}
	s.metrics.Polls.WithLabelValues(adapter.Method().String()).Inc()
	return pollResult{interfaces: interfaces, counters: counters}, nil
}

// persist applies the per-poll contract: refresh the interface cache,
// derive and append samples for monitored ports, and feed the alert
// engine one observation per port.
func (s *Supervisor) persist(ctx context.Context, router store.Router, ports []store.MonitoredPort, result pollResult, now time.Time) {
	displayMode := device.Mode(router.DisplayMode)

	byName := make(map[string]device.Interface, len(result.interfaces))
	for _, iface := range result.interfaces {
		byName[iface.Name] = iface
		if !displayMode.Includes(iface.Type) {
			continue
		}
		err := s.cfg.Store.UpsertRouterInterface(ctx, store.RouterInterface{
			RouterID:   router.ID,
			Name:       iface.Name,
			Type:       iface.Type,
			MAC:        iface.MAC,
			Comment:    iface.Comment,
			Running:    iface.Running,
			Disabled:   iface.Disabled,
			LastSeenAt: now,
		})
		if err != nil {
			s.log.Error("Failed to upsert interface", "iface", iface.Name, "error", err)
		}
	}
	if _, err := s.cfg.Store.PruneRouterInterfaces(ctx, router.ID, now.Add(-24*time.Hour)); err != nil {
		s.log.Error("Failed to prune interfaces", "error", err)
	}

	readings := make(map[string]device.CounterReading, len(result.counters))
	for _, r := range result.counters {
		readings[r.Name] = r
	}

	var samples []rate.Sample
	for _, port := range ports {
		iface, present := byName[port.PortName]
		down := !present || !iface.Running

		ev := alert.Evaluation{
			RouterID:   router.ID,
			RouterName: router.Name,
			OwnerID:    router.OwnerID,
			Port:       port,
			Down:       down,
		}

		if reading, ok := readings[port.PortName]; ok && !down {
			portID := port.ID
			sample, emitted := s.deriver.Observe(router.ID, &portID,
				port.PortName, reading.RxBytes, reading.TxBytes, reading.SampledAt)
			if emitted {
				samples = append(samples, sample)
				ev.TotalBps = sample.TotalBps
				ev.HasSample = true
			}
		}

		s.cfg.Alerts.Evaluate(ctx, ev)
	}

	if len(samples) == 0 {
		return
	}
	if err := s.cfg.Samples.Append(ctx, samples); err != nil {
		// Dropped, not buffered: the next tick produces fresh samples.
		s.metrics.SampleDrops.Add(float64(len(samples)))
		s.log.Error("Failed to append samples", "count", len(samples), "error", err)
	}
}

// adapter returns the cached adapter for a method, building it on first
// use.
func (s *Supervisor) adapter(ctx context.Context, method device.Method, router store.Router) (device.Adapter, error) {
	if a, ok := s.adapters[method]; ok {
		return a, nil
	}
	creds, err := s.cfg.Credentials(ctx, router)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve credentials: %w", err)
	}
	a := s.cfg.Factory(method, router, creds)
	s.adapters[method] = a
	return a, nil
}

func (s *Supervisor) closeAdapters() {
	for method, a := range s.adapters {
		if err := a.Close(); err != nil {
			s.log.Debug("Failed to close adapter", "method", method.String(), "error", err)
		}
		delete(s.adapters, method)
	}
}

func (s *Supervisor) setStatus(ctx context.Context, id int64, reachable, connected bool, method string, at *time.Time) {
	if err := s.cfg.Store.SetRouterStatus(ctx, id, reachable, connected, method, at); err != nil {
		s.log.Error("Failed to update router status", "error", err)
	}
}

// adapterOrder is the fallback order [native → rest → snmp] rotated so
// the sticky preference goes first. Disabled transports are excluded.
func adapterOrder(r store.Router) []device.Method {
	enabled := []device.Method{device.MethodNative}
	if r.RESTEnabled {
		enabled = append(enabled, device.MethodREST)
	}
	if r.SNMPEnabled {
		enabled = append(enabled, device.MethodSNMP)
	}

	start := 0
	for i, m := range enabled {
		if m.String() == r.LastMethod {
			start = i
			break
		}
	}

	order := make([]device.Method, 0, len(enabled))
	for i := 0; i < len(enabled); i++ {
		order = append(order, enabled[(start+i)%len(enabled)])
	}
	return order
}
