package hub

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/fleetwatch/fleetwatch/internal/device"
	"github.com/fleetwatch/fleetwatch/internal/rate"
	"github.com/fleetwatch/fleetwatch/internal/store"
)

type mockStateStore struct {
	mu      sync.Mutex
	routers map[int64]store.Router
	visible bool
}

func (m *mockStateStore) GetRouter(_ context.Context, id int64) (store.Router, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.routers[id]
	if !ok {
		return store.Router{}, store.ErrNotFound
	}
	return r, nil
}

func (m *mockStateStore) UserCanSeeRouter(context.Context, int64, int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.visible, nil
}

type mockSampleStore struct {
	mu      sync.Mutex
	samples []rate.Sample
}

func (m *mockSampleStore) Append(_ context.Context, samples []rate.Sample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples = append(m.samples, samples...)
	return nil
}

// countingAdapter serves incrementing byte counters so the deriver
// emits a sample on every read after the first.
type countingAdapter struct {
	mu    sync.Mutex
	reads int
	base  time.Time
}

func (a *countingAdapter) readCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.reads
}

func (a *countingAdapter) Method() device.Method { return device.MethodNative }
func (a *countingAdapter) Close() error          { return nil }

func (a *countingAdapter) ReadCounters(context.Context, []string) ([]device.CounterReading, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reads++
	return []device.CounterReading{{
		Name:      "ether1",
		RxBytes:   uint64(a.reads) * 1_000_000,
		TxBytes:   0,
		SampledAt: a.base.Add(time.Duration(a.reads) * 5 * time.Second),
	}}, nil
}

func (a *countingAdapter) ListInterfaces(context.Context, device.Mode) ([]device.Interface, error) {
	return nil, nil
}

func (a *countingAdapter) ListIPAddresses(context.Context) ([]device.IPAddress, error) {
	return nil, nil
}

func (a *countingAdapter) ListRoutes(context.Context) ([]device.Route, error) {
	return nil, nil
}

type hubFixture struct {
	hub     *Hub
	state   *mockStateStore
	samples *mockSampleStore
	adapter *countingAdapter
	clock   *clockwork.FakeClock
}

func newHubFixture(t *testing.T, mutate func(*Config)) *hubFixture {
	t.Helper()

	f := &hubFixture{
		state: &mockStateStore{
			visible: true,
			routers: map[int64]store.Router{
				1: {ID: 1, Name: "edge-1", Host: "192.0.2.1", LastMethod: "native"},
				2: {ID: 2, Name: "edge-2", Host: "192.0.2.2", LastMethod: "native"},
			},
		},
		samples: &mockSampleStore{},
		adapter: &countingAdapter{base: time.Unix(1_700_000_000, 0)},
		clock:   clockwork.NewFakeClock(),
	}
	cfg := Config{
		Store:   f.state,
		Samples: f.samples,
		Credentials: func(context.Context, store.Router) (device.Credentials, error) {
			return device.Credentials{}, nil
		},
		Factory: func(device.Method, store.Router, device.Credentials) device.Adapter {
			return f.adapter
		},
		Clock: f.clock,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	h, err := New(log, cfg, nil)
	require.NoError(t, err)
	f.hub = h
	t.Cleanup(h.Close)
	return f
}

// tickOnce waits for the poller's ticker to arm, then fires it.
func (f *hubFixture) tickOnce(t *testing.T) {
	t.Helper()
	f.clock.BlockUntil(1)
	f.clock.Advance(DefaultInterval)
}

func TestHub_AutoPauseAndResume(t *testing.T) {
	t.Parallel()

	f := newHubFixture(t, func(cfg *Config) { cfg.MaxTicks = 2 })
	sub, err := f.hub.Subscribe(context.Background(), 7, 1)
	require.NoError(t, err)

	// Tick 1 seeds the rate cache: device I/O happens, nothing streams.
	f.tickOnce(t)
	// Tick 2 emits a derived snapshot.
	f.tickOnce(t)
	ev := <-sub.Events()
	require.Equal(t, EventSamples, ev.Type)
	require.Len(t, ev.Samples, 1)
	require.Equal(t, "ether1", ev.Samples[0].PortName)

	// The tick bound is hit: a single paused event, no device I/O.
	f.tickOnce(t)
	ev = <-sub.Events()
	require.Equal(t, EventPaused, ev.Type)
	require.Equal(t, 2, f.adapter.readCount())

	// Paused ticks stay silent and issue no reads.
	f.tickOnce(t)
	f.tickOnce(t)

	// Resume resets the counter; polling restarts on the next tick.
	f.hub.Resume(1)
	f.tickOnce(t)
	ev = <-sub.Events()
	require.Equal(t, EventSamples, ev.Type)
	require.Equal(t, 3, f.adapter.readCount())

	f.hub.Unsubscribe(sub)
}

func TestHub_SubscribeForbidden(t *testing.T) {
	t.Parallel()

	f := newHubFixture(t, nil)
	f.state.visible = false

	_, err := f.hub.Subscribe(context.Background(), 7, 1)
	require.ErrorIs(t, err, ErrForbidden)
}

func TestHub_GlobalCap(t *testing.T) {
	t.Parallel()

	f := newHubFixture(t, func(cfg *Config) { cfg.MaxRouters = 1 })
	ctx := context.Background()

	first, err := f.hub.Subscribe(ctx, 7, 1)
	require.NoError(t, err)

	// A second router exceeds the cap; a second session on the same
	// router refcounts the existing poller.
	_, err = f.hub.Subscribe(ctx, 7, 2)
	require.ErrorIs(t, err, ErrBusy)

	second, err := f.hub.Subscribe(ctx, 8, 1)
	require.NoError(t, err)

	f.hub.Unsubscribe(first)
	f.hub.Unsubscribe(second)
}

func TestHub_UnsubscribeStopsPollerAtZero(t *testing.T) {
	t.Parallel()

	f := newHubFixture(t, nil)
	ctx := context.Background()

	a, err := f.hub.Subscribe(ctx, 7, 1)
	require.NoError(t, err)
	b, err := f.hub.Subscribe(ctx, 8, 1)
	require.NoError(t, err)

	f.hub.Unsubscribe(a)
	f.hub.mu.Lock()
	require.Len(t, f.hub.pollers, 1)
	f.hub.mu.Unlock()

	f.hub.Unsubscribe(b)
	f.hub.mu.Lock()
	require.Empty(t, f.hub.pollers)
	f.hub.mu.Unlock()

	// Double unsubscribe is a no-op.
	f.hub.Unsubscribe(b)
	f.hub.Unsubscribe(nil)
}

func TestHub_StaleUnsubscribeAfterRecreate(t *testing.T) {
	t.Parallel()

	f := newHubFixture(t, nil)
	ctx := context.Background()

	stale, err := f.hub.Subscribe(ctx, 7, 1)
	require.NoError(t, err)
	f.hub.Unsubscribe(stale)

	// A new subscriber re-creates the router's poller. The stale
	// session's repeated unsubscribe must not detach from it, stop it,
	// or decrement the session count it never joined.
	live, err := f.hub.Subscribe(ctx, 8, 1)
	require.NoError(t, err)
	f.hub.Unsubscribe(stale)

	f.hub.mu.Lock()
	rp, ok := f.hub.pollers[1]
	f.hub.mu.Unlock()
	require.True(t, ok)
	require.Len(t, rp.sessions(), 1)

	// The live session's own unsubscribe still reaches zero and stops
	// the poller.
	f.hub.Unsubscribe(live)
	f.hub.mu.Lock()
	require.Empty(t, f.hub.pollers)
	f.hub.mu.Unlock()
}

func TestHub_DropRouterClosesSessions(t *testing.T) {
	t.Parallel()

	f := newHubFixture(t, nil)
	sub, err := f.hub.Subscribe(context.Background(), 7, 1)
	require.NoError(t, err)

	f.hub.DropRouter(1)

	ev, open := <-sub.Events()
	require.True(t, open)
	require.Equal(t, EventClosed, ev.Type)
	_, open = <-sub.Events()
	require.False(t, open)
}

func TestHub_QueueDropsOldest(t *testing.T) {
	t.Parallel()

	sub := &Subscription{routerID: 1, events: make(chan Event, 2)}
	at := time.Unix(1_700_000_000, 0)

	require.True(t, sub.offer(Event{Type: EventSamples, At: at}))
	require.True(t, sub.offer(Event{Type: EventSamples, At: at.Add(time.Second)}))
	// Queue full: the oldest snapshot is displaced, not the newest.
	require.False(t, sub.offer(Event{Type: EventSamples, At: at.Add(2 * time.Second)}))

	ev := <-sub.Events()
	require.Equal(t, at.Add(time.Second), ev.At)
	ev = <-sub.Events()
	require.Equal(t, at.Add(2*time.Second), ev.At)
}
