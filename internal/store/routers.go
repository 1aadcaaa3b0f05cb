package store

import (
	"context"
	"time"
)

// InterfaceDisplayMode controls which interfaces the cache retains for
// display. It does not gate monitoring: monitored ports are polled
// regardless of mode.
type InterfaceDisplayMode string

const (
	DisplayNone   InterfaceDisplayMode = "none"
	DisplayStatic InterfaceDisplayMode = "static"
	DisplayAll    InterfaceDisplayMode = "all"
)

// Router is one managed device.
type Router struct {
	ID       int64
	Name     string
	Host     string
	APIPort  int
	Username string

	// Credential is the encrypted secret blob; decryption happens behind
	// the opaque accessor the engine is configured with.
	Credential string

	RESTEnabled   bool
	RESTPort      int
	SNMPEnabled   bool
	SNMPPort      int
	SNMPCommunity string
	SNMPVersion   string

	DisplayMode     InterfaceDisplayMode
	LastMethod      string
	Reachable       bool
	Connected       bool
	LastConnectedAt *time.Time

	OwnerID  *int64
	GroupID  *int64
	Disabled bool

	UpdatedAt time.Time
}

const routerColumns = `id, name, host, api_port, username, credential,
	rest_enabled, rest_port, snmp_enabled, snmp_port, snmp_community, snmp_version,
	iface_display_mode, last_method, reachable, connected, last_connected_at,
	owner_id, group_id, disabled, updated_at`

func scanRouter(row interface{ Scan(...any) error }) (Router, error) {
	var r Router
	err := row.Scan(&r.ID, &r.Name, &r.Host, &r.APIPort, &r.Username, &r.Credential,
		&r.RESTEnabled, &r.RESTPort, &r.SNMPEnabled, &r.SNMPPort, &r.SNMPCommunity, &r.SNMPVersion,
		&r.DisplayMode, &r.LastMethod, &r.Reachable, &r.Connected, &r.LastConnectedAt,
		&r.OwnerID, &r.GroupID, &r.Disabled, &r.UpdatedAt)
	return r, mapErr(err)
}

// ListRouters returns every router row, including disabled ones; the
// scheduler decides what runs.
func (s *Store) ListRouters(ctx context.Context) ([]Router, error) {
	rows, err := s.pool.Query(ctx, "SELECT "+routerColumns+" FROM routers ORDER BY id")
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var routers []Router
	for rows.Next() {
		r, err := scanRouter(rows)
		if err != nil {
			return nil, err
		}
		routers = append(routers, r)
	}
	return routers, mapErr(rows.Err())
}

func (s *Store) GetRouter(ctx context.Context, id int64) (Router, error) {
	row := s.pool.QueryRow(ctx, "SELECT "+routerColumns+" FROM routers WHERE id = $1", id)
	return scanRouter(row)
}

// CreateRouter inserts a router row and returns its id. Used by the
// CRUD surface and by tests.
func (s *Store) CreateRouter(ctx context.Context, r Router) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `INSERT INTO routers
		(name, host, api_port, username, credential,
		 rest_enabled, rest_port, snmp_enabled, snmp_port, snmp_community, snmp_version,
		 iface_display_mode, last_method, owner_id, group_id, disabled)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
		RETURNING id`,
		r.Name, r.Host, r.APIPort, r.Username, r.Credential,
		r.RESTEnabled, r.RESTPort, r.SNMPEnabled, r.SNMPPort, r.SNMPCommunity, r.SNMPVersion,
		string(r.DisplayMode), r.LastMethod, r.OwnerID, r.GroupID, r.Disabled,
	).Scan(&id)
	return id, mapErr(err)
}

// SetRouterStatus records the outcome of a poll attempt. LastMethod is
// persisted so a restart does not re-pay the adapter fallback cost.
// The updated_at column is deliberately untouched: it tracks operator
// configuration changes, which reset per-adapter auth demotion.
func (s *Store) SetRouterStatus(ctx context.Context, id int64, reachable, connected bool, lastMethod string, lastConnectedAt *time.Time) error {
	_, err := s.pool.Exec(ctx, `UPDATE routers SET
		reachable = $2,
		connected = $3,
		last_method = COALESCE(NULLIF($4, ''), last_method),
		last_connected_at = COALESCE($5, last_connected_at)
		WHERE id = $1`,
		id, reachable, connected, lastMethod, lastConnectedAt)
	return mapErr(err)
}

// DeleteRouter removes a router and, via cascades, its interfaces,
// monitored ports and alerts.
func (s *Store) DeleteRouter(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, "DELETE FROM routers WHERE id = $1", id)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
