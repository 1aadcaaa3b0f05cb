package store

import (
	"context"
	"time"
)

// RouterInterface is one cached row of a device's interface table,
// refreshed on every successful poll.
type RouterInterface struct {
	RouterID   int64
	Name       string
	Type       string
	MAC        string
	Comment    string
	Running    bool
	Disabled   bool
	LastSeenAt time.Time
}

// UpsertRouterInterface refreshes the cache row for one interface and
// bumps its last-seen timestamp.
func (s *Store) UpsertRouterInterface(ctx context.Context, iface RouterInterface) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO router_interfaces
		(router_id, name, type, mac, comment, running, disabled, last_seen_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (router_id, name) DO UPDATE SET
			type = EXCLUDED.type,
			mac = EXCLUDED.mac,
			comment = EXCLUDED.comment,
			running = EXCLUDED.running,
			disabled = EXCLUDED.disabled,
			last_seen_at = EXCLUDED.last_seen_at`,
		iface.RouterID, iface.Name, iface.Type, iface.MAC, iface.Comment,
		iface.Running, iface.Disabled, iface.LastSeenAt)
	return mapErr(err)
}

// ListRouterInterfaces returns the cached interface table for one router.
func (s *Store) ListRouterInterfaces(ctx context.Context, routerID int64) ([]RouterInterface, error) {
	rows, err := s.pool.Query(ctx, `SELECT router_id, name, type, mac, comment,
		running, disabled, last_seen_at
		FROM router_interfaces WHERE router_id = $1 ORDER BY name`, routerID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var ifaces []RouterInterface
	for rows.Next() {
		var i RouterInterface
		if err := rows.Scan(&i.RouterID, &i.Name, &i.Type, &i.MAC, &i.Comment,
			&i.Running, &i.Disabled, &i.LastSeenAt); err != nil {
			return nil, mapErr(err)
		}
		ifaces = append(ifaces, i)
	}
	return ifaces, mapErr(rows.Err())
}

// PruneRouterInterfaces drops cache rows not seen since the cutoff, so
// renamed or removed device interfaces eventually disappear from views.
func (s *Store) PruneRouterInterfaces(ctx context.Context, routerID int64, lastSeenBefore time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		"DELETE FROM router_interfaces WHERE router_id = $1 AND last_seen_at < $2",
		routerID, lastSeenBefore)
	if err != nil {
		return 0, mapErr(err)
	}
	return tag.RowsAffected(), nil
}
