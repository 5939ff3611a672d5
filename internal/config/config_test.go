package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"timegate/internal/config"
	"timegate/internal/domain"
)

func TestDefaultConfig(t *testing.T) {
	cfg := config.Default("proj-1")
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "proj-1", cfg.Project.ID)
	assert.Equal(t, 3, cfg.MaxActiveItems())
	assert.Equal(t, []domain.Role{domain.RoleTeamLead, domain.RoleAdmin},
		cfg.RolesWithDefault(domain.PermUnlimitedActiveWork))
	assert.Nil(t, cfg.RolesWithDefault("no_such_permission"))
}

func TestGeneratedDefaultRoundTrips(t *testing.T) {
	cfg, err := config.FromYAML([]byte(config.GenerateDefault("proj-2")))
	require.NoError(t, err)
	assert.Equal(t, "proj-2", cfg.Project.ID)
	assert.Equal(t, 3, cfg.MaxActiveItems())
}

func TestFromYAML(t *testing.T) {
	cfg, err := config.FromYAML([]byte(`project:
  id: demo
limits:
  max_active_items: 5
permissions:
  role_defaults:
    unlimited_simultaneous_work_items: [admin]
webhooks:
  - url: https://hooks.example.com/timegate
    secret: s3cret
    events: [work_finished, qa_approved]
`))
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.MaxActiveItems())
	assert.Equal(t, []domain.Role{domain.RoleAdmin}, cfg.RolesWithDefault(domain.PermUnlimitedActiveWork))
	require.Len(t, cfg.Webhooks, 1)
	assert.Equal(t, "https://hooks.example.com/timegate", cfg.Webhooks[0].URL)
}

func TestValidateRejectsBadConfig(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"missing project id", "limits:\n  max_active_items: 3\n"},
		{"negative cap", "project:\n  id: p\nlimits:\n  max_active_items: -1\n"},
		{"unknown role", "project:\n  id: p\npermissions:\n  role_defaults:\n    k: [wizard]\n"},
		{"webhook without url", "project:\n  id: p\nwebhooks:\n  - secret: x\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := config.FromYAML([]byte(tc.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoadFallsBackToDefault(t *testing.T) {
	dir := t.TempDir()
	cfg, err := config.Load(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Base(dir), cfg.Project.ID)
}

func TestLoadReadsWorkspaceFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(config.Path(dir), []byte("project:\n  id: from-file\n"), 0o644))
	cfg, err := config.Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "from-file", cfg.Project.ID)
	assert.Equal(t, config.DefaultMaxActiveItems, cfg.MaxActiveItems())
}
