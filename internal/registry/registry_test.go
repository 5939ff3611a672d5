package registry_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"timegate/internal/config"
	"timegate/internal/db"
	"timegate/internal/domain"
	"timegate/internal/migrate"
	"timegate/internal/registry"
)

func newRegistry(t *testing.T) (registry.Registry, *time.Time) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	reg := registry.New(conn, config.Default("proj-1"))
	now := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	reg.Now = func() time.Time { return now }

	ctx := context.Background()
	for _, a := range []domain.Actor{
		{ID: "dev-1", Role: domain.RoleDeveloper, CreatedAt: now.Format(time.RFC3339)},
		{ID: "lead-1", Role: domain.RoleTeamLead, CreatedAt: now.Format(time.RFC3339)},
	} {
		require.NoError(t, reg.Store.UpsertActor(ctx, a))
	}
	return reg, &now
}

func TestRoleDefaultsGrantPermission(t *testing.T) {
	reg, _ := newRegistry(t)
	ctx := context.Background()

	ok, err := reg.HasPermission(ctx, "lead-1", domain.PermUnlimitedActiveWork)
	require.NoError(t, err)
	assert.True(t, ok, "team lead holds the permission by role default")

	ok, err = reg.HasPermission(ctx, "dev-1", domain.PermUnlimitedActiveWork)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGrantAndRevoke(t *testing.T) {
	reg, _ := newRegistry(t)
	ctx := context.Background()

	g, err := reg.Grant(ctx, registry.GrantOptions{
		ActorID:   "dev-1",
		Key:       domain.PermUnlimitedActiveWork,
		Reason:    "on-call week",
		GrantedBy: "lead-1",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.ScopePermanent, g.Scope)

	ok, err := reg.HasPermission(ctx, "dev-1", domain.PermUnlimitedActiveWork)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, reg.Revoke(ctx, "dev-1", domain.PermUnlimitedActiveWork, "lead-1"))
	ok, err = reg.HasPermission(ctx, "dev-1", domain.PermUnlimitedActiveWork)
	require.NoError(t, err)
	assert.False(t, ok)

	// revoking again is a no-op
	require.NoError(t, reg.Revoke(ctx, "dev-1", domain.PermUnlimitedActiveWork, "lead-1"))
}

func TestTemporaryGrantExpiry(t *testing.T) {
	reg, now := newRegistry(t)
	ctx := context.Background()

	expires := now.Add(30 * time.Minute).Format(time.RFC3339)
	_, err := reg.Grant(ctx, registry.GrantOptions{
		ActorID:   "dev-1",
		Key:       domain.PermUnlimitedActiveWork,
		Scope:     domain.ScopeTemporary,
		ExpiresAt: &expires,
		GrantedBy: "lead-1",
	})
	require.NoError(t, err)

	ok, err := reg.HasPermission(ctx, "dev-1", domain.PermUnlimitedActiveWork)
	require.NoError(t, err)
	assert.True(t, ok)

	*now = now.Add(time.Hour)
	ok, err = reg.HasPermission(ctx, "dev-1", domain.PermUnlimitedActiveWork)
	require.NoError(t, err)
	assert.False(t, ok, "expired grant behaves as absent")
}

func TestTemporaryGrantRequiresExpiry(t *testing.T) {
	reg, _ := newRegistry(t)
	_, err := reg.Grant(context.Background(), registry.GrantOptions{
		ActorID: "dev-1",
		Key:     domain.PermUnlimitedActiveWork,
		Scope:   domain.ScopeTemporary,
	})
	assert.Error(t, err)
}

func TestGrantRefreshesExisting(t *testing.T) {
	reg, _ := newRegistry(t)
	ctx := context.Background()

	_, err := reg.Grant(ctx, registry.GrantOptions{
		ActorID: "dev-1", Key: domain.PermUnlimitedActiveWork, Reason: "one", GrantedBy: "lead-1",
	})
	require.NoError(t, err)
	_, err = reg.Grant(ctx, registry.GrantOptions{
		ActorID: "dev-1", Key: domain.PermUnlimitedActiveWork, Reason: "two", GrantedBy: "lead-1",
	})
	require.NoError(t, err)

	grants, err := reg.Store.ListGrants(ctx, "dev-1")
	require.NoError(t, err)
	require.Len(t, grants, 1)
	assert.Equal(t, "two", grants[0].Reason)
}

func TestGrantForUnknownActorCreatesIt(t *testing.T) {
	reg, _ := newRegistry(t)
	ctx := context.Background()

	_, err := reg.Grant(ctx, registry.GrantOptions{
		ActorID: "ghost-1", Key: domain.PermUnlimitedActiveWork, GrantedBy: "lead-1",
	})
	require.NoError(t, err)

	actor, err := reg.Store.GetActor(ctx, "ghost-1")
	require.NoError(t, err)
	assert.Equal(t, domain.RoleDeveloper, actor.Role)
}
