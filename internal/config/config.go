package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"timegate/internal/domain"
)

// Config models timegate.yml.
type Config struct {
	Project struct {
		ID string `yaml:"id"`
	} `yaml:"project"`
	Limits struct {
		// MaxActiveItems caps how many work items a developer may have
		// active at once. Zero falls back to DefaultMaxActiveItems.
		MaxActiveItems int `yaml:"max_active_items"`
	} `yaml:"limits"`
	Permissions struct {
		// RoleDefaults lists the roles that hold a permission implicitly,
		// without an explicit grant.
		RoleDefaults map[string][]domain.Role `yaml:"role_defaults"`
	} `yaml:"permissions"`
	Webhooks []WebhookConfig `yaml:"webhooks,omitempty"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret,omitempty"`
	Events         []string `yaml:"events,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
}

// DefaultMaxActiveItems is the active-work cap used when the config leaves
// limits.max_active_items unset.
const DefaultMaxActiveItems = 3

// MaxActiveItems returns the effective cap.
func (c *Config) MaxActiveItems() int {
	if c.Limits.MaxActiveItems > 0 {
		return c.Limits.MaxActiveItems
	}
	return DefaultMaxActiveItems
}

// RolesWithDefault returns the roles holding the permission key implicitly.
func (c *Config) RolesWithDefault(key string) []domain.Role {
	if roles, ok := c.Permissions.RoleDefaults[key]; ok {
		return roles
	}
	return nil
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Project.ID == "" {
		return fmt.Errorf("config.project.id is required")
	}
	if c.Limits.MaxActiveItems < 0 {
		return fmt.Errorf("config.limits.max_active_items must not be negative")
	}
	for key, roles := range c.Permissions.RoleDefaults {
		if key == "" {
			return fmt.Errorf("config.permissions.role_defaults has empty permission key")
		}
		for _, role := range roles {
			switch role {
			case domain.RoleDeveloper, domain.RoleTeamLead, domain.RoleQA, domain.RoleAdmin:
			default:
				return fmt.Errorf("permission %s references unknown role %s", key, role)
			}
		}
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("webhook %d has empty url", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("webhook %d has negative timeout", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "timegate.yml")
}

// Load reads and validates config from the workspace, falling back to the
// default config when the file does not exist.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(filepath.Base(absWorkspace(workspace))), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

func absWorkspace(workspace string) string {
	abs, err := filepath.Abs(workspace)
	if err != nil {
		return workspace
	}
	return abs
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for a project.
func Default(projectID string) *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(fmt.Sprintf(defaultTemplate, projectID)), &cfg)
	cfg.Project.ID = projectID
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault(projectID string) string {
	return fmt.Sprintf(defaultTemplate, projectID)
}

const defaultTemplate = `project:
  id: %s

limits:
  max_active_items: 3

permissions:
  role_defaults:
    unlimited_simultaneous_work_items: [team_lead, admin]
`
