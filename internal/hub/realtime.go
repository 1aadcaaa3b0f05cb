package hub

import (
	"context"
	"sync"

	"github.com/fleetwatch/fleetwatch/internal/device"
	"github.com/fleetwatch/fleetwatch/internal/rate"
	"github.com/fleetwatch/fleetwatch/internal/store"
)

// realtimePoller is the ephemeral high-frequency poller for one
// subscribed router. It is independent of the router's scheduled
// supervisor and uses the hub's own rate cache.
type realtimePoller struct {
	hub    *Hub
	router store.Router

	cancel context.CancelFunc
	ctx    context.Context

	mu      sync.Mutex
	subs    map[*Subscription]struct{}
	adapter device.Adapter

	// ticks counts polls since start or last resume; at MaxTicks the
	// poller pauses, announces it once, and stops device I/O.
	ticks  int
	paused bool
}

func (h *Hub) newPoller(router store.Router) *realtimePoller {
	ctx, cancel := context.WithCancel(context.Background())
	return &realtimePoller{
		hub:    h,
		router: router,
		ctx:    ctx,
		cancel: cancel,
		subs:   make(map[*Subscription]struct{}),
	}
}

func (rp *realtimePoller) attach(sub *Subscription) {
	rp.mu.Lock()
	defer rp.mu.Unlock()
	rp.subs[sub] = struct{}{}
}

// detach removes a session and returns the remaining count. held is
// false when this poller never carried the session, e.g. a stale
// unsubscribe after the router's poller was re-created.
func (rp *realtimePoller) detach(sub *Subscription) (remaining int, held bool) {
	rp.mu.Lock()
	defer rp.mu.Unlock()
	if _, held = rp.subs[sub]; !held {
		return len(rp.subs), false
	}
	delete(rp.subs, sub)
	return len(rp.subs), true
}

func (rp *realtimePoller) sessions() []*Subscription {
	rp.mu.Lock()
	defer rp.mu.Unlock()
	subs := make([]*Subscription, 0, len(rp.subs))
	for sub := range rp.subs {
		subs = append(subs, sub)
	}
	return subs
}

func (rp *realtimePoller) stop() {
	rp.cancel()
}

// resume resets the tick counter and lifts the pause; the next tick
// polls normally.
func (rp *realtimePoller) resume() {
	rp.mu.Lock()
	defer rp.mu.Unlock()
	rp.ticks = 0
	rp.paused = false
}

func (rp *realtimePoller) run() {
	defer rp.closeAdapter()

	ticker := rp.hub.cfg.Clock.NewTicker(rp.hub.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-rp.ctx.Done():
			return
		case <-ticker.Chan():
			rp.tick()
		}
	}
}

func (rp *realtimePoller) tick() {
	rp.mu.Lock()
	if rp.paused {
		rp.mu.Unlock()
		return
	}
	if rp.ticks >= rp.hub.cfg.MaxTicks {
		rp.paused = true
		rp.mu.Unlock()
		rp.hub.metrics.Pauses.Inc()
		rp.broadcast(Event{
			Type:     EventPaused,
			RouterID: rp.router.ID,
			At:       rp.hub.cfg.Clock.Now().UTC(),
		})
		return
	}
	rp.ticks++
	rp.mu.Unlock()

	rp.poll()
}

// poll reads counters once over the router's preferred transport,
// derives rates through the hub's cache and publishes the snapshot.
func (rp *realtimePoller) poll() {
	adapter, err := rp.getAdapter()
	if err != nil {
		rp.hub.log.Error("Failed to build real-time adapter",
			"router", rp.router.ID, "error", err)
		return
	}

	callCtx, cancel := context.WithTimeout(rp.ctx, rp.hub.cfg.PollDeadline)
	readings, err := adapter.ReadCounters(callCtx, nil)
	cancel()
	if err != nil {
		rp.hub.metrics.TickErrors.Inc()
		rp.hub.log.Debug("Real-time poll failed", "router", rp.router.ID, "error", err)
		if device.Retryable(err) {
			return
		}
		rp.dropAdapter()
		return
	}
	rp.hub.metrics.Ticks.Inc()

	var samples []rate.Sample
	for _, reading := range readings {
		sample, ok := rp.hub.deriver.Observe(rp.router.ID, nil,
			reading.Name, reading.RxBytes, reading.TxBytes, reading.SampledAt)
		if ok {
			samples = append(samples, sample)
		}
	}
	if len(samples) == 0 {
		return
	}

	if err := rp.hub.cfg.Samples.Append(rp.ctx, samples); err != nil {
		rp.hub.log.Error("Failed to append real-time samples",
			"router", rp.router.ID, "error", err)
	}

	rp.broadcast(Event{
		Type:     EventSamples,
		RouterID: rp.router.ID,
		At:       rp.hub.cfg.Clock.Now().UTC(),
		Samples:  samples,
	})
}

func (rp *realtimePoller) broadcast(ev Event) {
	for _, sub := range rp.sessions() {
		if !sub.offer(ev) {
			rp.hub.metrics.DroppedEvents.Inc()
		}
	}
}

// getAdapter lazily opens the poller's own connection on the router's
// sticky method, keeping it off the scheduled supervisor's connection.
func (rp *realtimePoller) getAdapter() (device.Adapter, error) {
	rp.mu.Lock()
	defer rp.mu.Unlock()
	if rp.adapter != nil {
		return rp.adapter, nil
	}
	creds, err := rp.hub.cfg.Credentials(rp.ctx, rp.router)
	if err != nil {
		return nil, err
	}
	method := device.Method(rp.router.LastMethod)
	if method == "" {
		method = device.MethodNative
	}
	rp.adapter = rp.hub.cfg.Factory(method, rp.router, creds)
	return rp.adapter, nil
}

func (rp *realtimePoller) dropAdapter() {
	rp.mu.Lock()
	defer rp.mu.Unlock()
	if rp.adapter != nil {
		_ = rp.adapter.Close()
		rp.adapter = nil
	}
}

func (rp *realtimePoller) closeAdapter() {
	rp.dropAdapter()
}
