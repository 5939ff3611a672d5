package repo

import (
	"context"
	"database/sql"

	"timegate/internal/domain"
)

func (s Store) UpsertActor(ctx context.Context, a domain.Actor) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO actors(id,display_name,role,created_at) VALUES (?,?,?,?)
ON CONFLICT(id) DO UPDATE SET display_name=excluded.display_name, role=excluded.role`,
		a.ID, nullable(a.DisplayName), a.Role, a.CreatedAt)
	return err
}

func (s Store) EnsureActorTx(ctx context.Context, tx *sql.Tx, actorID string, role domain.Role, now string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO actors(id,role,created_at) VALUES (?,?,?)`, actorID, role, now)
	return err
}

func (s Store) GetActor(ctx context.Context, id string) (domain.Actor, error) {
	var a domain.Actor
	var name sql.NullString
	err := s.DB.QueryRowContext(ctx, `SELECT id,display_name,role,created_at FROM actors WHERE id=?`, id).
		Scan(&a.ID, &name, &a.Role, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	if name.Valid {
		a.DisplayName = name.String
	}
	return a, nil
}

func (s Store) ListActors(ctx context.Context, role domain.Role) ([]domain.Actor, error) {
	query := `SELECT id,display_name,role,created_at FROM actors`
	var args []any
	if role != "" {
		query += ` WHERE role=?`
		args = append(args, role)
	}
	query += ` ORDER BY id ASC`
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Actor
	for rows.Next() {
		var a domain.Actor
		var name sql.NullString
		if err := rows.Scan(&a.ID, &name, &a.Role, &a.CreatedAt); err != nil {
			return nil, err
		}
		if name.Valid {
			a.DisplayName = name.String
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// UpsertGrantTx inserts or refreshes a permission grant. Granting an already
// granted permission updates scope, reason, and expiry in place.
func (s Store) UpsertGrantTx(ctx context.Context, tx *sql.Tx, g domain.PermissionGrant) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO permission_grants(actor_id,key,scope,reason,expires_at,granted_by,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?)
ON CONFLICT(actor_id,key) DO UPDATE SET scope=excluded.scope, reason=excluded.reason,
expires_at=excluded.expires_at, granted_by=excluded.granted_by, updated_at=excluded.updated_at`,
		g.ActorID, g.Key, g.Scope, g.Reason, nullableStringPtr(g.ExpiresAt), g.GrantedBy, g.CreatedAt, g.UpdatedAt)
	return err
}

// DeleteGrantTx removes a grant. Deleting a missing grant is a no-op.
func (s Store) DeleteGrantTx(ctx context.Context, tx *sql.Tx, actorID, key string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM permission_grants WHERE actor_id=? AND key=?`, actorID, key)
	return err
}

func (s Store) GetGrant(ctx context.Context, actorID, key string) (domain.PermissionGrant, error) {
	var g domain.PermissionGrant
	var expires sql.NullString
	err := s.DB.QueryRowContext(ctx, `SELECT actor_id,key,scope,reason,expires_at,granted_by,created_at,updated_at
FROM permission_grants WHERE actor_id=? AND key=?`, actorID, key).
		Scan(&g.ActorID, &g.Key, &g.Scope, &g.Reason, &expires, &g.GrantedBy, &g.CreatedAt, &g.UpdatedAt)
	if err == sql.ErrNoRows {
		return g, ErrNotFound
	}
	if err != nil {
		return g, err
	}
	if expires.Valid {
		g.ExpiresAt = &expires.String
	}
	return g, nil
}

func (s Store) ListGrants(ctx context.Context, actorID string) ([]domain.PermissionGrant, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT actor_id,key,scope,reason,expires_at,granted_by,created_at,updated_at
FROM permission_grants WHERE actor_id=? ORDER BY key ASC`, actorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PermissionGrant
	for rows.Next() {
		var g domain.PermissionGrant
		var expires sql.NullString
		if err := rows.Scan(&g.ActorID, &g.Key, &g.Scope, &g.Reason, &expires, &g.GrantedBy, &g.CreatedAt, &g.UpdatedAt); err != nil {
			return nil, err
		}
		if expires.Valid {
			g.ExpiresAt = &expires.String
		}
		res = append(res, g)
	}
	return res, rows.Err()
}
