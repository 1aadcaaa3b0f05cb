package store

import (
	"context"
)

// MonitoredPort is an interface explicitly registered for threshold
// evaluation and persistent sampling. Comment and MAC are snapshots
// taken when the port was registered or last refreshed.
type MonitoredPort struct {
	ID              int64
	RouterID        int64
	PortName        string
	Enabled         bool
	MinThresholdBps int64
	NotifyEmail     bool
	NotifyPopup     bool
	Comment         string
	MAC             string
}

const portColumns = `id, router_id, port_name, enabled, min_threshold_bps,
	notify_email, notify_popup, comment, mac`

// ListMonitoredPorts returns the enabled monitored ports for a router.
func (s *Store) ListMonitoredPorts(ctx context.Context, routerID int64) ([]MonitoredPort, error) {
	rows, err := s.pool.Query(ctx, "SELECT "+portColumns+
		" FROM monitored_ports WHERE router_id = $1 AND enabled ORDER BY port_name", routerID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var ports []MonitoredPort
	for rows.Next() {
		var p MonitoredPort
		if err := rows.Scan(&p.ID, &p.RouterID, &p.PortName, &p.Enabled, &p.MinThresholdBps,
			&p.NotifyEmail, &p.NotifyPopup, &p.Comment, &p.MAC); err != nil {
			return nil, mapErr(err)
		}
		ports = append(ports, p)
	}
	return ports, mapErr(rows.Err())
}

// CreateMonitoredPort registers a port for monitoring. Unique on
// (router, port name); re-registering an existing port conflicts.
func (s *Store) CreateMonitoredPort(ctx context.Context, p MonitoredPort) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `INSERT INTO monitored_ports
		(router_id, port_name, enabled, min_threshold_bps, notify_email, notify_popup, comment, mac)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8) RETURNING id`,
		p.RouterID, p.PortName, p.Enabled, p.MinThresholdBps,
		p.NotifyEmail, p.NotifyPopup, p.Comment, p.MAC).Scan(&id)
	return id, mapErr(err)
}

// RefreshPortMetadata updates the cached comment and MAC snapshot from
// the live interface table.
func (s *Store) RefreshPortMetadata(ctx context.Context, portID int64, comment, mac string) error {
	tag, err := s.pool.Exec(ctx,
		"UPDATE monitored_ports SET comment = $2, mac = $3 WHERE id = $1",
		portID, comment, mac)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetMonitoredPort returns one monitored port row.
func (s *Store) GetMonitoredPort(ctx context.Context, id int64) (MonitoredPort, error) {
	var p MonitoredPort
	err := s.pool.QueryRow(ctx, "SELECT "+portColumns+" FROM monitored_ports WHERE id = $1", id).
		Scan(&p.ID, &p.RouterID, &p.PortName, &p.Enabled, &p.MinThresholdBps,
			&p.NotifyEmail, &p.NotifyPopup, &p.Comment, &p.MAC)
	return p, mapErr(err)
}
