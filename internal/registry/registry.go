// Package registry resolves actor roles and permission overrides. Role
// defaults are evaluated first, then explicit grants overlay them; a
// temporary grant past its expiry is treated as absent without requiring
// revocation.
package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"timegate/internal/config"
	"timegate/internal/domain"
	"timegate/internal/events"
	"timegate/internal/repo"
)

type Registry struct {
	DB     *sql.DB
	Store  repo.Store
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Registry {
	return Registry{
		DB:     db,
		Store:  repo.Store{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (r Registry) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// HasPermission reports whether the actor holds the permission, either by
// role default or by an unexpired explicit grant.
func (r Registry) HasPermission(ctx context.Context, actorID, key string) (bool, error) {
	actor, err := r.Store.GetActor(ctx, actorID)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return false, err
	}
	if err == nil {
		for _, role := range r.Config.RolesWithDefault(key) {
			if actor.Role == role {
				return true, nil
			}
		}
	}
	grant, err := r.Store.GetGrant(ctx, actorID, key)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return r.grantActive(grant), nil
}

func (r Registry) grantActive(g domain.PermissionGrant) bool {
	if g.Scope != domain.ScopeTemporary {
		return true
	}
	if g.ExpiresAt == nil {
		return false
	}
	exp, err := time.Parse(time.RFC3339, *g.ExpiresAt)
	if err != nil {
		return false
	}
	return r.now().Before(exp)
}

type GrantOptions struct {
	ActorID   string
	Key       string
	Scope     domain.GrantScope
	Reason    string
	ExpiresAt *string
	GrantedBy string
}

// Grant adds or refreshes a permission grant. Granting an existing key
// updates its reason and expiry rather than duplicating it.
func (r Registry) Grant(ctx context.Context, opts GrantOptions) (domain.PermissionGrant, error) {
	if opts.ActorID == "" {
		return domain.PermissionGrant{}, errors.New("actor_id required")
	}
	if opts.Key == "" {
		return domain.PermissionGrant{}, errors.New("permission key required")
	}
	if opts.Scope == "" {
		opts.Scope = domain.ScopePermanent
	}
	if opts.Scope == domain.ScopeTemporary && opts.ExpiresAt == nil {
		return domain.PermissionGrant{}, errors.New("expires_at required for temporary grant")
	}
	if opts.ExpiresAt != nil {
		if _, err := time.Parse(time.RFC3339, *opts.ExpiresAt); err != nil {
			return domain.PermissionGrant{}, fmt.Errorf("expires_at: %w", err)
		}
	}
	now := r.now().UTC().Format(time.RFC3339)
	g := domain.PermissionGrant{
		ActorID:   opts.ActorID,
		Key:       opts.Key,
		Scope:     opts.Scope,
		Reason:    opts.Reason,
		ExpiresAt: opts.ExpiresAt,
		GrantedBy: opts.GrantedBy,
		CreatedAt: now,
		UpdatedAt: now,
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.PermissionGrant{}, err
	}
	defer tx.Rollback()
	if err := r.Store.EnsureActorTx(ctx, tx, opts.ActorID, domain.RoleDeveloper, now); err != nil {
		return domain.PermissionGrant{}, err
	}
	if err := r.Store.UpsertGrantTx(ctx, tx, g); err != nil {
		return domain.PermissionGrant{}, err
	}
	if err := r.Events.Append(ctx, tx, "permission_granted", r.Config.Project.ID, "actor", opts.ActorID, opts.GrantedBy, events.Payload{
		"key":        opts.Key,
		"scope":      opts.Scope,
		"expires_at": opts.ExpiresAt,
	}); err != nil {
		return domain.PermissionGrant{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.PermissionGrant{}, err
	}
	return g, nil
}

// Revoke removes a grant. Revoking a grant that does not exist is a no-op.
func (r Registry) Revoke(ctx context.Context, actorID, key, byActor string) error {
	if actorID == "" {
		return errors.New("actor_id required")
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := r.Store.DeleteGrantTx(ctx, tx, actorID, key); err != nil {
		return err
	}
	if err := r.Events.Append(ctx, tx, "permission_revoked", r.Config.Project.ID, "actor", actorID, byActor, events.Payload{
		"key": key,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// Role returns the actor's role.
func (r Registry) Role(ctx context.Context, actorID string) (domain.Role, error) {
	actor, err := r.Store.GetActor(ctx, actorID)
	if err != nil {
		return "", err
	}
	return actor.Role, nil
}
