package store

import (
	"context"
	"time"
)

// Severity classifies an alert.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is one alert row. At most one unacknowledged alert exists per
// (router, port); the partial unique index enforces this across engine
// instances.
type Alert struct {
	ID           int64
	RouterID     int64
	PortID       *int64
	PortName     *string
	Severity     Severity
	Message      string
	CurrentBps   float64
	ThresholdBps int64
	Acknowledged bool
	AckedAt      *time.Time
	AckedBy      string
	CreatedAt    time.Time
}

const alertColumns = `id, router_id, port_id, port_name, severity, message,
	current_bps, threshold_bps, acknowledged, acked_at, acked_by, created_at`

func scanAlert(row interface{ Scan(...any) error }) (Alert, error) {
	var a Alert
	err := row.Scan(&a.ID, &a.RouterID, &a.PortID, &a.PortName, &a.Severity, &a.Message,
		&a.CurrentBps, &a.ThresholdBps, &a.Acknowledged, &a.AckedAt, &a.AckedBy, &a.CreatedAt)
	return a, mapErr(err)
}

// InsertAlert opens an unacknowledged alert. When another instance
// already holds the open slot for this (router, port) the partial
// unique index rejects the insert and ErrConflict is returned; the
// caller treats that as "already open" and suppresses its notification.
func (s *Store) InsertAlert(ctx context.Context, a Alert) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `INSERT INTO alerts
		(router_id, port_id, port_name, severity, message, current_bps, threshold_bps)
		VALUES ($1,$2,$3,$4,$5,$6,$7) RETURNING id`,
		a.RouterID, a.PortID, a.PortName, string(a.Severity), a.Message,
		a.CurrentBps, a.ThresholdBps).Scan(&id)
	if err != nil {
		return 0, mapErr(err)
	}
	return id, nil
}

// AckAlert acknowledges an alert on behalf of a user. Acknowledging an
// already-acknowledged alert is a no-op that preserves the original
// ack timestamp.
func (s *Store) AckAlert(ctx context.Context, id int64, by string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE alerts
		SET acknowledged = TRUE, acked_by = $2, acked_at = $3
		WHERE id = $1 AND NOT acknowledged`,
		id, by, at)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		// Either missing or already acknowledged; distinguish the two.
		var exists bool
		if err := s.pool.QueryRow(ctx,
			"SELECT EXISTS (SELECT 1 FROM alerts WHERE id = $1)", id).Scan(&exists); err != nil {
			return mapErr(err)
		}
		if !exists {
			return ErrNotFound
		}
	}
	return nil
}

// AckOpenAlert auto-acknowledges the open alert for one (router, port)
// when its condition clears. No-op when nothing is open.
func (s *Store) AckOpenAlert(ctx context.Context, routerID int64, portID *int64, portName string, by string, at time.Time) error {
	var err error
	if portID != nil {
		_, err = s.pool.Exec(ctx, `UPDATE alerts
			SET acknowledged = TRUE, acked_by = $3, acked_at = $4
			WHERE router_id = $1 AND port_id = $2 AND NOT acknowledged`,
			routerID, *portID, by, at)
	} else {
		_, err = s.pool.Exec(ctx, `UPDATE alerts
			SET acknowledged = TRUE, acked_by = $3, acked_at = $4
			WHERE router_id = $1 AND port_name = $2 AND port_id IS NULL AND NOT acknowledged`,
			routerID, portName, by, at)
	}
	return mapErr(err)
}

// GetAlert returns one alert row.
func (s *Store) GetAlert(ctx context.Context, id int64) (Alert, error) {
	row := s.pool.QueryRow(ctx, "SELECT "+alertColumns+" FROM alerts WHERE id = $1", id)
	return scanAlert(row)
}

// AlertFilter narrows ListAlerts.
type AlertFilter struct {
	RouterID *int64
	OpenOnly bool
	Limit    int
}

// ListAlertsForUser returns alerts on routers the user may see, newest
// first. Superadmins see everything; other users see owned or assigned
// routers only.
func (s *Store) ListAlertsForUser(ctx context.Context, userID int64, filter AlertFilter) ([]Alert, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `SELECT `+alertColumns+` FROM alerts a
		WHERE EXISTS (
			SELECT 1 FROM users u WHERE u.id = $1 AND (
				u.superadmin
				OR EXISTS (SELECT 1 FROM routers r WHERE r.id = a.router_id AND r.owner_id = u.id)
				OR EXISTS (SELECT 1 FROM router_assignments ra WHERE ra.router_id = a.router_id AND ra.user_id = u.id)
			)
		)
		AND ($2::BIGINT IS NULL OR a.router_id = $2)
		AND (NOT $3::BOOLEAN OR NOT a.acknowledged)
		ORDER BY a.created_at DESC
		LIMIT $4`,
		userID, filter.RouterID, filter.OpenOnly, limit)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var alerts []Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, a)
	}
	return alerts, mapErr(rows.Err())
}
