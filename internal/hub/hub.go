// Package hub fans live router telemetry out to operator sessions. A
// subscription starts (or refcounts) one real-time poller per router;
// the poller runs at a few seconds' period and auto-pauses after a
// bounded number of ticks so an abandoned browser tab cannot keep a
// router under high-frequency polling forever.
package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/fleetwatch/fleetwatch/internal/poller"
	"github.com/fleetwatch/fleetwatch/internal/rate"
	"github.com/fleetwatch/fleetwatch/internal/store"
)

const (
	DefaultInterval   = 5 * time.Second
	DefaultMaxTicks   = 50
	DefaultQueueSize  = 8
	DefaultMaxRouters = 32
)

var (
	// ErrForbidden rejects a subscription the principal may not see.
	ErrForbidden = errors.New("router not visible to user")

	// ErrBusy rejects a subscription over the global real-time cap.
	ErrBusy = errors.New("too many routers under real-time polling")
)

// EventType tags a fan-out message.
type EventType string

const (
	// EventSamples carries one tick's derived rates.
	EventSamples EventType = "samples"
	// EventPaused signals the poller hit its tick bound and stopped
	// device I/O until resumed.
	EventPaused EventType = "paused"
	// EventClosed signals the poller terminated (router deleted).
	EventClosed EventType = "closed"
)

// Event is one message delivered to a subscribed session.
type Event struct {
	Type     EventType
	RouterID int64
	At       time.Time
	Samples  []rate.Sample
}

// StateStore is the hub's view of the state store.
type StateStore interface {
	GetRouter(ctx context.Context, id int64) (store.Router, error)
	UserCanSeeRouter(ctx context.Context, userID, routerID int64) (bool, error)
}

// Config configures the hub.
type Config struct {
	Store       StateStore
	Samples     poller.SampleStore
	Credentials poller.CredentialFunc
	Factory     poller.AdapterFactory

	// Interval is the real-time poll period.
	Interval time.Duration
	// MaxTicks bounds consecutive ticks before auto-pause.
	MaxTicks int
	// QueueSize bounds each session's delivery queue; on overflow the
	// oldest event is dropped so live views converge on current state.
	QueueSize int
	// MaxRouters caps concurrently polled routers across all sessions.
	MaxRouters int

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
	if cfg.Credentials == nil {
		return errors.New("credential accessor is required")
	}
	if cfg.Factory == nil {
		cfg.Factory = poller.NewAdapter
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.MaxTicks <= 0 {
		cfg.MaxTicks = DefaultMaxTicks
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.MaxRouters <= 0 {
		cfg.MaxRouters = DefaultMaxRouters
	}
	if cfg.PollDeadline <= 0 {
		cfg.PollDeadline = poller.DefaultPollDeadline
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Subscription is one session's attachment to a router's live stream.
type Subscription struct {
	routerID int64
	userID   int64
	events   chan Event

	mu     sync.Mutex
	closed bool
}

// Events is the session's delivery queue. Closed when the subscription
// ends.
func (s *Subscription) Events() <-chan Event { return s.events }

// RouterID returns the subscribed router.
func (s *Subscription) RouterID() int64 { return s.routerID }

// offer enqueues one event, dropping the oldest on overflow. Returns
// false when the event had to displace another.
func (s *Subscription) offer(ev Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.events <- ev:
		return true
	default:
	}
	select {
	case <-s.events:
	default:
	}
	select {
	case s.events <- ev:
	default:
	}
	return false
}

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.events)
}

// Hub owns the real-time pollers and their subscriptions. The deriver
// is separate from the scheduled path's so the high-rate stream never
// pollutes the minute-granularity rate math.
type Hub struct {
	log     *slog.Logger
	cfg     Config
	deriver *rate.Deriver
	metrics *Metrics

	mu      sync.Mutex
	pollers map[int64]*realtimePoller
}

func New(log *slog.Logger, cfg Config, metrics *Metrics) (*Hub, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid hub config: %w", err)
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Hub{
		log:     log,
		cfg:     cfg,
		deriver: rate.NewDeriver(0),
		metrics: metrics,
		pollers: make(map[int64]*realtimePoller),
	}, nil
}

// Subscribe authorizes the principal, registers the session and starts
// or refcounts the router's real-time poller.
func (h *Hub) Subscribe(ctx context.Context, userID, routerID int64) (*Subscription, error) {
	ok, err := h.cfg.Store.UserCanSeeRouter(ctx, userID, routerID)
	if err != nil {
		return nil, fmt.Errorf("failed to authorize subscription: %w", err)
	}
	if !ok {
		return nil, ErrForbidden
	}

	// Fetched outside the registry lock; no lock is held across store
	// calls. The existence check is repeated under the lock.
	router, err := h.cfg.Store.GetRouter(ctx, routerID)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	rp, exists := h.pollers[routerID]
	if !exists {
		if len(h.pollers) >= h.cfg.MaxRouters {
			return nil, ErrBusy
		}
		rp = h.newPoller(router)
		h.pollers[routerID] = rp
		go rp.run()
		h.metrics.Pollers.Set(float64(len(h.pollers)))
	}

	sub := &Subscription{
		routerID: routerID,
		userID:   userID,
		events:   make(chan Event, h.cfg.QueueSize),
	}
	rp.attach(sub)
	h.metrics.Sessions.Inc()
	h.log.Debug("Session subscribed", "router", routerID, "user", userID)
	return sub, nil
}

// Unsubscribe detaches a session. No-op when the subscription is
// already gone; the poller stops when its last session leaves.
func (h *Hub) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	h.mu.Lock()
	rp, ok := h.pollers[sub.routerID]
	var stopped bool
	if ok {
		remaining, held := rp.detach(sub)
		if held {
			if remaining == 0 {
				rp.stop()
				delete(h.pollers, sub.routerID)
				stopped = true
			}
			h.metrics.Sessions.Dec()
			h.metrics.Pollers.Set(float64(len(h.pollers)))
		}
	}
	h.mu.Unlock()

	sub.close()
	if stopped {
		h.log.Debug("Real-time poller stopped", "router", sub.routerID)
	}
}

// Resume clears a paused poller's tick counter and restarts device I/O.
func (h *Hub) Resume(routerID int64) {
	h.mu.Lock()
	rp, ok := h.pollers[routerID]
	h.mu.Unlock()
	if ok {
		rp.resume()
	}
}

// DropRouter terminates the poller and all of its sessions, e.g. when
// the router row is deleted.
func (h *Hub) DropRouter(routerID int64) {
	h.mu.Lock()
	rp, ok := h.pollers[routerID]
	if ok {
		delete(h.pollers, routerID)
		h.metrics.Pollers.Set(float64(len(h.pollers)))
	}
	h.mu.Unlock()
	if !ok {
		return
	}

	rp.broadcast(Event{Type: EventClosed, RouterID: routerID, At: h.cfg.Clock.Now().UTC()})
	for _, sub := range rp.sessions() {
		sub.close()
		h.metrics.Sessions.Dec()
	}
	rp.stop()
}

// Close stops every poller and closes every session.
func (h *Hub) Close() {
	h.mu.Lock()
	ids := make([]int64, 0, len(h.pollers))
	for id := range h.pollers {
		ids = append(ids, id)
	}
	h.mu.Unlock()
	for _, id := range ids {
		h.DropRouter(id)
	}
	h.deriver.Stop()
}
