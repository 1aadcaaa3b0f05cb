package poller

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/fleetwatch/fleetwatch/internal/alert"
	"github.com/fleetwatch/fleetwatch/internal/device"
	"github.com/fleetwatch/fleetwatch/internal/rate"
	"github.com/fleetwatch/fleetwatch/internal/store"
)

type statusUpdate struct {
	reachable bool
	connected bool
	method    string
}

type mockStateStore struct {
	mu       sync.Mutex
	ports    []store.MonitoredPort
	statuses []statusUpdate
	upserts  []store.RouterInterface
}

func (m *mockStateStore) ListMonitoredPorts(context.Context, int64) ([]store.MonitoredPort, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ports, nil
}

func (m *mockStateStore) UpsertRouterInterface(_ context.Context, iface store.RouterInterface) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upserts = append(m.upserts, iface)
	return nil
}

func (m *mockStateStore) PruneRouterInterfaces(context.Context, int64, time.Time) (int64, error) {
	return 0, nil
}

func (m *mockStateStore) SetRouterStatus(_ context.Context, _ int64, reachable, connected bool, method string, _ *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses = append(m.statuses, statusUpdate{reachable: reachable, connected: connected, method: method})
	return nil
}

func (m *mockStateStore) lastStatus() statusUpdate {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statuses[len(m.statuses)-1]
}

type mockSampleStore struct {
	mu      sync.Mutex
	samples []rate.Sample
	err     error
}

func (m *mockSampleStore) Append(_ context.Context, samples []rate.Sample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.samples = append(m.samples, samples...)
	return nil
}

type mockEvaluator struct {
	mu    sync.Mutex
	evals []alert.Evaluation
}

func (m *mockEvaluator) Evaluate(_ context.Context, ev alert.Evaluation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evals = append(m.evals, ev)
}

type mockProber struct{ reachable bool }

func (p *mockProber) ProbeReachable(context.Context, string, int) bool { return p.reachable }

// deviceHarness injects per-method outcomes and records the order in
// which adapters were attempted.
type deviceHarness struct {
	mu         sync.Mutex
	attempts   []device.Method
	errs       map[device.Method]error
	interfaces []device.Interface
	counters   []device.CounterReading
}

func (h *deviceHarness) factory(method device.Method, _ store.Router, _ device.Credentials) device.Adapter {
	return &harnessAdapter{h: h, method: method}
}

func (h *deviceHarness) attemptOrder() []device.Method {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]device.Method(nil), h.attempts...)
}

type harnessAdapter struct {
	h      *deviceHarness
	method device.Method
}

func (a *harnessAdapter) Method() device.Method { return a.method }
func (a *harnessAdapter) Close() error          { return nil }

func (a *harnessAdapter) ListInterfaces(context.Context, device.Mode) ([]device.Interface, error) {
	a.h.mu.Lock()
	a.h.attempts = append(a.h.attempts, a.method)
	err := a.h.errs[a.method]
	ifaces := a.h.interfaces
	a.h.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return ifaces, nil
}

func (a *harnessAdapter) ReadCounters(context.Context, []string) ([]device.CounterReading, error) {
	a.h.mu.Lock()
	defer a.h.mu.Unlock()
	if err := a.h.errs[a.method]; err != nil {
		return nil, err
	}
	return a.h.counters, nil
}

func (a *harnessAdapter) ListIPAddresses(context.Context) ([]device.IPAddress, error) {
	return nil, nil
}

func (a *harnessAdapter) ListRoutes(context.Context) ([]device.Route, error) {
	return nil, nil
}

func testRouter() store.Router {
	owner := int64(7)
	return store.Router{
		ID:          1,
		Name:        "edge-1",
		Host:        "192.0.2.1",
		APIPort:     8728,
		RESTEnabled: true,
		RESTPort:    443,
		SNMPEnabled: true,
		SNMPPort:    161,
		SNMPVersion: "v2c",
		DisplayMode: store.DisplayAll,
		LastMethod:  "native",
		OwnerID:     &owner,
		UpdatedAt:   time.Unix(1_700_000_000, 0),
	}
}

type supervisorFixture struct {
	sup     *Supervisor
	state   *mockStateStore
	samples *mockSampleStore
	alerts  *mockEvaluator
	harness *deviceHarness
	clock   *clockwork.FakeClock
}

func newSupervisorFixture(t *testing.T, r store.Router) *supervisorFixture {
	t.Helper()

	f := &supervisorFixture{
		state:   &mockStateStore{},
		samples: &mockSampleStore{},
		alerts:  &mockEvaluator{},
		harness: &deviceHarness{errs: map[device.Method]error{}},
		clock:   clockwork.NewFakeClock(),
	}
	cfg := Config{
		Store:   f.state,
		Samples: f.samples,
		Alerts:  f.alerts,
		Credentials: func(context.Context, store.Router) (device.Credentials, error) {
			return device.Credentials{Username: "admin"}, nil
		},
		Factory: f.harness.factory,
		Prober:  &mockProber{reachable: true},
		Clock:   f.clock,
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	sup, err := NewSupervisor(log, cfg, r, rate.NewDeriver(0), nil)
	require.NoError(t, err)
	f.sup = sup
	return f
}

func TestPoller_AdapterOrder(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		mutate   func(*store.Router)
		expected []device.Method
	}{
		{
			name:     "native only",
			mutate:   func(r *store.Router) { r.RESTEnabled = false; r.SNMPEnabled = false },
			expected: []device.Method{device.MethodNative},
		},
		{
			name:     "default order",
			mutate:   func(*store.Router) {},
			expected: []device.Method{device.MethodNative, device.MethodREST, device.MethodSNMP},
		},
		{
			name:     "sticky rest goes first",
			mutate:   func(r *store.Router) { r.LastMethod = "rest" },
			expected: []device.Method{device.MethodREST, device.MethodSNMP, device.MethodNative},
		},
		{
			name: "sticky method no longer enabled",
			mutate: func(r *store.Router) {
				r.LastMethod = "rest"
				r.RESTEnabled = false
			},
			expected: []device.Method{device.MethodNative, device.MethodSNMP},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := testRouter()
			tt.mutate(&r)
			require.Equal(t, tt.expected, adapterOrder(r))
		})
	}
}

func TestPoller_IntervalBackoff(t *testing.T) {
	t.Parallel()

	f := newSupervisorFixture(t, testRouter())
	f.sup.portCount = 1

	f.sup.fails = 0
	require.Equal(t, DefaultBaseInterval, f.sup.interval())

	f.sup.fails = 1
	require.Equal(t, 2*DefaultBaseInterval, f.sup.interval())

	// Exponent saturates at 32 and the absolute cap applies.
	f.sup.fails = 10
	require.Equal(t, DefaultMaxBackoff, f.sup.interval())

	// Routers with nothing monitored run a stretched liveness loop.
	f.sup.portCount = 0
	f.sup.fails = 0
	require.Equal(t, 4*DefaultBaseInterval, f.sup.interval())
}

func TestPoller_FallbackStickiness(t *testing.T) {
	t.Parallel()

	f := newSupervisorFixture(t, testRouter())
	f.harness.errs[device.MethodNative] = device.ErrTimeout
	ctx := context.Background()

	f.sup.Tick(ctx)

	// Native timed out, rest succeeded; the sticky method is persisted.
	require.Equal(t, []device.Method{device.MethodNative, device.MethodREST}, f.harness.attemptOrder())
	st := f.state.lastStatus()
	require.True(t, st.reachable)
	require.True(t, st.connected)
	require.Equal(t, "rest", st.method)

	// The store write feeds back through the reconcile loop.
	r := testRouter()
	r.LastMethod = "rest"
	f.sup.UpdateRouter(r)
	f.harness.attempts = nil

	f.sup.Tick(ctx)
	require.Equal(t, []device.Method{device.MethodREST}, f.harness.attemptOrder())
}

func TestPoller_AuthDemotion(t *testing.T) {
	t.Parallel()

	f := newSupervisorFixture(t, testRouter())
	f.harness.errs[device.MethodNative] = device.ErrAuthFailed
	ctx := context.Background()

	f.sup.Tick(ctx)
	require.Equal(t, []device.Method{device.MethodNative, device.MethodREST}, f.harness.attemptOrder())

	// Demoted: native is skipped until the configuration row changes.
	f.harness.attempts = nil
	f.sup.Tick(ctx)
	require.Equal(t, []device.Method{device.MethodREST}, f.harness.attemptOrder())

	// An operator edit bumps updated_at and resets the demotion.
	r := testRouter()
	r.UpdatedAt = r.UpdatedAt.Add(time.Minute)
	f.sup.UpdateRouter(r)
	f.harness.attempts = nil
	f.sup.Tick(ctx)
	require.Equal(t, []device.Method{device.MethodNative, device.MethodREST}, f.harness.attemptOrder())
}

func TestPoller_ProbeFailure(t *testing.T) {
	t.Parallel()

	f := newSupervisorFixture(t, testRouter())
	f.sup.cfg.Prober = &mockProber{reachable: false}

	f.sup.Tick(context.Background())

	require.Empty(t, f.harness.attemptOrder())
	st := f.state.lastStatus()
	require.False(t, st.reachable)
	require.False(t, st.connected)
	require.Equal(t, 1, f.sup.fails)
}

func TestPoller_AllAdaptersFail(t *testing.T) {
	t.Parallel()

	f := newSupervisorFixture(t, testRouter())
	f.harness.errs[device.MethodNative] = device.ErrTimeout
	f.harness.errs[device.MethodREST] = device.ErrProtocol
	f.harness.errs[device.MethodSNMP] = device.ErrTimeout

	f.sup.Tick(context.Background())

	st := f.state.lastStatus()
	require.True(t, st.reachable)
	require.False(t, st.connected)
	require.Equal(t, 1, f.sup.fails)
}

func TestPoller_PersistContract(t *testing.T) {
	t.Parallel()

	f := newSupervisorFixture(t, testRouter())
	f.state.ports = []store.MonitoredPort{
		{ID: 10, RouterID: 1, PortName: "ether1", Enabled: true, MinThresholdBps: 1_000_000},
		{ID: 11, RouterID: 1, PortName: "ether9", Enabled: true, MinThresholdBps: 1_000_000},
	}
	f.harness.interfaces = []device.Interface{
		{Name: "ether1", Type: "ether", Running: true},
		{Name: "vlan10", Type: "vlan", Running: true},
	}
	t0 := time.Unix(1_700_000_000, 0)
	f.harness.counters = []device.CounterReading{
		{Name: "ether1", RxBytes: 1_000_000, TxBytes: 500_000, SampledAt: t0},
	}
	ctx := context.Background()

	// First poll seeds the deriver: no samples yet, but the alert engine
	// still sees one observation per monitored port.
	f.sup.Tick(ctx)
	require.Len(t, f.state.upserts, 2)
	require.Empty(t, f.samples.samples)
	require.Len(t, f.alerts.evals, 2)

	var downEval alert.Evaluation
	for _, ev := range f.alerts.evals {
		if ev.Port.PortName == "ether9" {
			downEval = ev
		}
	}
	require.True(t, downEval.Down)

	// Second poll emits a derived sample for the live port.
	f.harness.counters = []device.CounterReading{
		{Name: "ether1", RxBytes: 2_000_000, TxBytes: 500_000, SampledAt: t0.Add(10 * time.Second)},
	}
	f.sup.Tick(ctx)
	require.Len(t, f.samples.samples, 1)
	require.Equal(t, float64(800_000), f.samples.samples[0].RxBps)
	require.Equal(t, "ether1", f.samples.samples[0].PortName)
}

func TestPoller_DisplayModeFiltersCacheNotMonitoring(t *testing.T) {
	t.Parallel()

	r := testRouter()
	r.DisplayMode = store.DisplayNone
	f := newSupervisorFixture(t, r)
	f.state.ports = []store.MonitoredPort{
		{ID: 10, RouterID: 1, PortName: "ether1", Enabled: true, MinThresholdBps: 1_000_000},
	}
	f.harness.interfaces = []device.Interface{
		{Name: "ether1", Type: "ether", Running: true},
	}
	f.harness.counters = []device.CounterReading{
		{Name: "ether1", RxBytes: 1_000, TxBytes: 1_000, SampledAt: time.Unix(1_700_000_000, 0)},
	}

	f.sup.Tick(context.Background())

	// Hidden from the cache, still polled and evaluated.
	require.Empty(t, f.state.upserts)
	require.Len(t, f.alerts.evals, 1)
	require.False(t, f.alerts.evals[0].Down)
}
