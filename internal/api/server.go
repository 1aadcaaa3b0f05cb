// Package api is the engine's HTTP query/control boundary. The session
// layer in front of it resolves the authenticated principal and passes
// it down as a header; every read is scoped by the router-visibility
// predicate before it touches the stores.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/fleetwatch/fleetwatch/internal/rate"
	"github.com/fleetwatch/fleetwatch/internal/store"
	"github.com/fleetwatch/fleetwatch/internal/tsdb"
)

// principalHeader carries the authenticated user id, resolved by the
// outer session layer.
const principalHeader = "X-User-ID"

// StateStore is the API's view of the state store.
type StateStore interface {
	GetRouter(ctx context.Context, id int64) (store.Router, error)
	GetUser(ctx context.Context, id int64) (store.User, error)
	UserCanSeeRouter(ctx context.Context, userID, routerID int64) (bool, error)
	ListRouterInterfaces(ctx context.Context, routerID int64) ([]store.RouterInterface, error)
	ListMonitoredPorts(ctx context.Context, routerID int64) ([]store.MonitoredPort, error)
	RefreshPortMetadata(ctx context.Context, portID int64, comment, mac string) error
	GetAlert(ctx context.Context, id int64) (store.Alert, error)
	AckAlert(ctx context.Context, id int64, by string, at time.Time) error
	ListAlertsForUser(ctx context.Context, userID int64, filter store.AlertFilter) ([]store.Alert, error)
}

// SampleIterator is the lazy sample sequence Range returns.
type SampleIterator interface {
	Next() bool
	Sample() rate.Sample
	Err() error
	Close() error
}

// SampleQuerier is the API's view of the time-series store.
type SampleQuerier interface {
	Range(ctx context.Context, routerID int64, portName string, from, to time.Time) (SampleIterator, error)
	Aggregate(ctx context.Context, routerID int64, portName string, from, to time.Time, bucket tsdb.Bucket) ([]tsdb.AggRow, error)
}

// TSDBQuerier adapts *tsdb.Store to SampleQuerier.
type TSDBQuerier struct {
	Store *tsdb.Store
}

func (q TSDBQuerier) Range(ctx context.Context, routerID int64, portName string, from, to time.Time) (SampleIterator, error) {
	return q.Store.Range(ctx, routerID, portName, from, to)
}

func (q TSDBQuerier) Aggregate(ctx context.Context, routerID int64, portName string, from, to time.Time, bucket tsdb.Bucket) ([]tsdb.AggRow, error) {
	return q.Store.Aggregate(ctx, routerID, portName, from, to, bucket)
}

type Config struct {
	Store   StateStore
	Samples SampleQuerier
}

func (cfg *Config) Validate() error {
	if cfg.Store == nil {
		return errors.New("state store is required")
	}
	if cfg.Samples == nil {
		return errors.New("sample querier is required")
	}
	return nil
}

type Server struct {
	log *slog.Logger
	cfg Config
	Mux *http.ServeMux
}

func NewServer(log *slog.Logger, cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid api config: %w", err)
	}
	s := &Server{
		log: log,
		cfg: cfg,
		Mux: http.NewServeMux(),
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.Mux.HandleFunc("GET /api/routers/{id}/status", s.handleRouterStatus)
	s.Mux.HandleFunc("GET /api/samples", s.handleSamples)
	s.Mux.HandleFunc("GET /api/alerts", s.handleAlerts)
	s.Mux.HandleFunc("POST /api/alerts/{id}/ack", s.handleAckAlert)
	s.Mux.HandleFunc("POST /api/routers/{id}/refresh", s.handleRefreshMetadata)
}

// Serve runs the HTTP server on the listener until ctx is canceled.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	srv := &http.Server{Handler: s.Mux}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.Warn("server shutdown error", "error", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// principal extracts the authenticated user id. Missing or malformed
// headers are a 401: the session layer always sets it for valid
// sessions.
func (s *Server) principal(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := r.Header.Get(principalHeader)
	userID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || userID <= 0 {
		http.Error(w, "missing or invalid principal", http.StatusUnauthorized)
		return 0, false
	}
	return userID, true
}

// authorizeRouter applies the visibility predicate at the boundary.
func (s *Server) authorizeRouter(w http.ResponseWriter, r *http.Request, userID, routerID int64) bool {
	ok, err := s.cfg.Store.UserCanSeeRouter(r.Context(), userID, routerID)
	if err != nil {
		s.log.Error("failed to authorize router access", "error", err)
		http.Error(w, "authorization check failed", http.StatusInternalServerError)
		return false
	}
	if !ok {
		http.Error(w, "router not visible", http.StatusForbidden)
		return false
	}
	return true
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("failed to encode response", "error", err)
	}
}

type routerStatusResponse struct {
	ID              int64      `json:"id"`
	Name            string     `json:"name"`
	Reachable       bool       `json:"reachable"`
	Connected       bool       `json:"connected"`
	LastMethod      string     `json:"last_method,omitempty"`
	LastConnectedAt *time.Time `json:"last_connected_at,omitempty"`
	Interfaces      []ifaceRow `json:"interfaces"`
}

type ifaceRow struct {
	Name     string    `json:"name"`
	Type     string    `json:"type"`
	MAC      string    `json:"mac,omitempty"`
	Comment  string    `json:"comment,omitempty"`
	Running  bool      `json:"running"`
	Disabled bool      `json:"disabled"`
	LastSeen time.Time `json:"last_seen_at"`
}

func (s *Server) handleRouterStatus(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.principal(w, r)
	if !ok {
		return
	}
	routerID, ok := pathID(w, r)
	if !ok {
		return
	}
	if !s.authorizeRouter(w, r, userID, routerID) {
		return
	}

	router, err := s.cfg.Store.GetRouter(r.Context(), routerID)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "router not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.log.Error("failed to get router", "router", routerID, "error", err)
		http.Error(w, "failed to get router", http.StatusInternalServerError)
		return
	}

	interfaces, err := s.cfg.Store.ListRouterInterfaces(r.Context(), routerID)
	if err != nil {
		s.log.Error("failed to list interfaces", "router", routerID, "error", err)
		http.Error(w, "failed to list interfaces", http.StatusInternalServerError)
		return
	}

	resp := routerStatusResponse{
		ID:              router.ID,
		Name:            router.Name,
		Reachable:       router.Reachable,
		Connected:       router.Connected,
		LastMethod:      router.LastMethod,
		LastConnectedAt: router.LastConnectedAt,
		Interfaces:      make([]ifaceRow, 0, len(interfaces)),
	}
	for _, iface := range interfaces {
		resp.Interfaces = append(resp.Interfaces, ifaceRow{
			Name:     iface.Name,
			Type:     iface.Type,
			MAC:      iface.MAC,
			Comment:  iface.Comment,
			Running:  iface.Running,
			Disabled: iface.Disabled,
			LastSeen: iface.LastSeenAt,
		})
	}
	s.writeJSON(w, resp)
}

type sampleRow struct {
	PortName  string    `json:"port_name"`
	Timestamp time.Time `json:"ts"`
	RxBps     float64   `json:"rx_bps"`
	TxBps     float64   `json:"tx_bps"`
	TotalBps  float64   `json:"total_bps"`
}

type aggRow struct {
	PortName string    `json:"port_name"`
	Bucket   time.Time `json:"bucket"`
	AvgRx    float64   `json:"avg_rx_bps"`
	AvgTx    float64   `json:"avg_tx_bps"`
	AvgTotal float64   `json:"avg_total_bps"`
	MaxRx    float64   `json:"max_rx_bps"`
	MaxTx    float64   `json:"max_tx_bps"`
	MaxTotal float64   `json:"max_total_bps"`
}

func (s *Server) handleSamples(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.principal(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	routerID, err := strconv.ParseInt(q.Get("router"), 10, 64)
	if err != nil || routerID <= 0 {
		http.Error(w, "invalid router", http.StatusBadRequest)
		return
	}
	if !s.authorizeRouter(w, r, userID, routerID) {
		return
	}

	from, errFrom := time.Parse(time.RFC3339, q.Get("from"))
	to, errTo := time.Parse(time.RFC3339, q.Get("to"))
	if errFrom != nil || errTo != nil || !to.After(from) {
		http.Error(w, "invalid from/to", http.StatusBadRequest)
		return
	}
	portName := q.Get("port")

	if bucket := q.Get("bucket"); bucket != "" {
		b := tsdb.Bucket(bucket)
		if b != tsdb.BucketHour && b != tsdb.BucketDay {
			http.Error(w, "invalid bucket", http.StatusBadRequest)
			return
		}
		rows, err := s.cfg.Samples.Aggregate(r.Context(), routerID, portName, from, to, b)
		if err != nil {
			s.log.Error("failed to aggregate samples", "router", routerID, "error", err)
			http.Error(w, "failed to aggregate samples", http.StatusInternalServerError)
			return
		}
		out := make([]aggRow, 0, len(rows))
		for _, row := range rows {
			out = append(out, aggRow{
				PortName: row.PortName,
				Bucket:   row.Bucket,
				AvgRx:    row.AvgRx,
				AvgTx:    row.AvgTx,
				AvgTotal: row.AvgTotal,
				MaxRx:    row.MaxRx,
				MaxTx:    row.MaxTx,
				MaxTotal: row.MaxTotal,
			})
		}
		s.writeJSON(w, out)
		return
	}

	it, err := s.cfg.Samples.Range(r.Context(), routerID, portName, from, to)
	if err != nil {
		s.log.Error("failed to query samples", "router", routerID, "error", err)
		http.Error(w, "failed to query samples", http.StatusInternalServerError)
		return
	}
	defer func() { _ = it.Close() }()

	out := make([]sampleRow, 0, 256)
	for it.Next() {
		sample := it.Sample()
		out = append(out, sampleRow{
			PortName:  sample.PortName,
			Timestamp: sample.Timestamp,
			RxBps:     sample.RxBps,
			TxBps:     sample.TxBps,
			TotalBps:  sample.TotalBps,
		})
	}
	if err := it.Err(); err != nil {
		s.log.Error("failed to iterate samples", "router", routerID, "error", err)
		http.Error(w, "failed to query samples", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, out)
}

type alertRow struct {
	ID           int64      `json:"id"`
	RouterID     int64      `json:"router_id"`
	PortName     *string    `json:"port_name,omitempty"`
	Severity     string     `json:"severity"`
	Message      string     `json:"message"`
	CurrentBps   float64    `json:"current_bps"`
	ThresholdBps int64      `json:"threshold_bps"`
	Acknowledged bool       `json:"acknowledged"`
	AckedAt      *time.Time `json:"acked_at,omitempty"`
	AckedBy      string     `json:"acked_by,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.principal(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	filter := store.AlertFilter{OpenOnly: q.Get("open") == "true"}
	if raw := q.Get("router"); raw != "" {
		routerID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || routerID <= 0 {
			http.Error(w, "invalid router", http.StatusBadRequest)
			return
		}
		filter.RouterID = &routerID
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		filter.Limit = limit
	}

	alerts, err := s.cfg.Store.ListAlertsForUser(r.Context(), userID, filter)
	if err != nil {
		s.log.Error("failed to list alerts", "user", userID, "error", err)
		http.Error(w, "failed to list alerts", http.StatusInternalServerError)
		return
	}

	out := make([]alertRow, 0, len(alerts))
	for _, a := range alerts {
		out = append(out, alertRow{
			ID:           a.ID,
			RouterID:     a.RouterID,
			PortName:     a.PortName,
			Severity:     string(a.Severity),
			Message:      a.Message,
			CurrentBps:   a.CurrentBps,
			ThresholdBps: a.ThresholdBps,
			Acknowledged: a.Acknowledged,
			AckedAt:      a.AckedAt,
			AckedBy:      a.AckedBy,
			CreatedAt:    a.CreatedAt,
		})
	}
	s.writeJSON(w, out)
}

func (s *Server) handleAckAlert(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.principal(w, r)
	if !ok {
		return
	}
	alertID, ok := pathID(w, r)
	if !ok {
		return
	}

	a, err := s.cfg.Store.GetAlert(r.Context(), alertID)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "alert not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.log.Error("failed to get alert", "alert", alertID, "error", err)
		http.Error(w, "failed to get alert", http.StatusInternalServerError)
		return
	}
	if !s.authorizeRouter(w, r, userID, a.RouterID) {
		return
	}

	user, err := s.cfg.Store.GetUser(r.Context(), userID)
	if err != nil {
		s.log.Error("failed to get user", "user", userID, "error", err)
		http.Error(w, "failed to get user", http.StatusInternalServerError)
		return
	}

	if err := s.cfg.Store.AckAlert(r.Context(), alertID, user.Name, time.Now().UTC()); err != nil {
		s.log.Error("failed to acknowledge alert", "alert", alertID, "error", err)
		http.Error(w, "failed to acknowledge alert", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleRefreshMetadata re-snapshots each monitored port's comment and
// MAC from the cached interface table.
func (s *Server) handleRefreshMetadata(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.principal(w, r)
	if !ok {
		return
	}
	routerID, ok := pathID(w, r)
	if !ok {
		return
	}
	if !s.authorizeRouter(w, r, userID, routerID) {
		return
	}

	ports, err := s.cfg.Store.ListMonitoredPorts(r.Context(), routerID)
	if err != nil {
		s.log.Error("failed to list monitored ports", "router", routerID, "error", err)
		http.Error(w, "failed to list monitored ports", http.StatusInternalServerError)
		return
	}
	interfaces, err := s.cfg.Store.ListRouterInterfaces(r.Context(), routerID)
	if err != nil {
		s.log.Error("failed to list interfaces", "router", routerID, "error", err)
		http.Error(w, "failed to list interfaces", http.StatusInternalServerError)
		return
	}
	byName := make(map[string]store.RouterInterface, len(interfaces))
	for _, iface := range interfaces {
		byName[iface.Name] = iface
	}

	refreshed := 0
	for _, port := range ports {
		iface, found := byName[port.PortName]
		if !found {
			continue
		}
		if iface.Comment == port.Comment && iface.MAC == port.MAC {
			continue
		}
		if err := s.cfg.Store.RefreshPortMetadata(r.Context(), port.ID, iface.Comment, iface.MAC); err != nil {
			s.log.Error("failed to refresh port metadata", "port", port.ID, "error", err)
			http.Error(w, "failed to refresh port metadata", http.StatusInternalServerError)
			return
		}
		refreshed++
	}
	s.writeJSON(w, map[string]int{"refreshed": refreshed})
}
