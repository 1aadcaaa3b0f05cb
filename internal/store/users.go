package store

import (
	"context"
)

// User is the minimal principal shape the engine needs: identity plus
// the superadmin bypass. Authentication lives outside the core.
type User struct {
	ID         int64
	Name       string
	Superadmin bool
}

func (s *Store) GetUser(ctx context.Context, id int64) (User, error) {
	var u User
	err := s.pool.QueryRow(ctx,
		"SELECT id, name, superadmin FROM users WHERE id = $1", id).
		Scan(&u.ID, &u.Name, &u.Superadmin)
	return u, mapErr(err)
}

func (s *Store) GetUserByName(ctx context.Context, name string) (User, error) {
	var u User
	err := s.pool.QueryRow(ctx,
		"SELECT id, name, superadmin FROM users WHERE name = $1", name).
		Scan(&u.ID, &u.Name, &u.Superadmin)
	return u, mapErr(err)
}

// UserCanSeeRouter is the authorization predicate applied at the
// fan-out and query boundary. Superadmins bypass assignment checks;
// everyone else needs ownership or an assignment row.
func (s *Store) UserCanSeeRouter(ctx context.Context, userID, routerID int64) (bool, error) {
	var allowed bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS (
		SELECT 1 FROM users u WHERE u.id = $1 AND (
			u.superadmin
			OR EXISTS (SELECT 1 FROM routers r WHERE r.id = $2 AND r.owner_id = u.id)
			OR EXISTS (SELECT 1 FROM router_assignments ra WHERE ra.router_id = $2 AND ra.user_id = u.id)
		)
	)`, userID, routerID).Scan(&allowed)
	return allowed, mapErr(err)
}

// AssignRouter grants a user visibility of a router.
func (s *Store) AssignRouter(ctx context.Context, userID, routerID int64) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO router_assignments (user_id, router_id)
		VALUES ($1, $2) ON CONFLICT DO NOTHING`, userID, routerID)
	return mapErr(err)
}
