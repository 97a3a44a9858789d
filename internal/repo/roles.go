package repo

import (
	"context"
	"database/sql"
)

func (r Repo) EnsureActor(ctx context.Context, tx *sql.Tx, actorID, now string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO actors(id, created_at) VALUES (?,?)`, actorID, now)
	return err
}

func (r Repo) EnsureActorNamed(ctx context.Context, tx *sql.Tx, actorID, name, now string) error {
	if name == "" {
		return r.EnsureActor(ctx, tx, actorID, now)
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO actors(id, name, created_at) VALUES (?,?,?)
ON CONFLICT(id) DO UPDATE SET name=excluded.name`, actorID, name, now)
	return err
}

func (r Repo) AssignRole(ctx context.Context, tx *sql.Tx, programID, actorID, roleID string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO actor_roles(program_id, actor_id, role_id) VALUES (?,?,?)`, programID, actorID, roleID)
	return err
}

func (r Repo) RevokeRole(ctx context.Context, tx *sql.Tx, programID, actorID, roleID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM actor_roles WHERE program_id=? AND actor_id=? AND role_id=?`, programID, actorID, roleID)
	return err
}

func (r Repo) ActorRoles(ctx context.Context, programID, actorID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT role_id FROM actor_roles WHERE program_id=? AND actor_id=? ORDER BY role_id`, programID, actorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []string
	for rows.Next() {
		var role string
		if err := rows.Scan(&role); err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

func (r Repo) ActorsWithRole(ctx context.Context, programID, roleID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT actor_id FROM actor_roles WHERE program_id=? AND role_id=? ORDER BY actor_id`, programID, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var actors []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		actors = append(actors, id)
	}
	return actors, rows.Err()
}
