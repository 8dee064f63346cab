package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	require.Equal(t, 3, cfg.Scheduler.MaxRetries)
	require.Equal(t, 6*time.Second, cfg.Scheduler.OwnerExpansionBudget)
	require.Equal(t, 120*time.Hour, cfg.Scheduler.OutdatedAfter)
	require.Equal(t, "https://localhost:9200", cfg.SearchURL())
	require.Equal(t, "http://localhost:5601/kibana", cfg.DashboardsURL())
}

func TestFromYAMLOverridesDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte(`
search:
  host: search.internal
  port: 9201
features:
  limited_access: true
scheduler:
  owner_expansion_budget: 2s
admins:
  github: [Alice]
`))
	require.NoError(t, err)
	require.Equal(t, "search.internal", cfg.Search.Host)
	require.Equal(t, 9201, cfg.Search.Port)
	require.True(t, cfg.Features.LimitedAccess)
	require.Equal(t, 2*time.Second, cfg.Scheduler.OwnerExpansionBudget)
	require.Equal(t, 3, cfg.Scheduler.MaxRetries)
	require.True(t, cfg.IsAdminUsername("github", "alice"))
	require.False(t, cfg.IsAdminUsername("gitlab", "alice"))
}

func TestValidateRejectsBadGitLabInstance(t *testing.T) {
	_, err := FromYAML([]byte(`
gitlab_instances:
  - slug: broken
    url: not-a-url
`))
	require.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yml"))
	require.Error(t, err)

	cfg, err := LoadOptional(filepath.Join(t.TempDir(), "missing.yml"))
	require.NoError(t, err)
	require.NotNil(t, cfg)
}

func TestLoadFromFile(t *testing.T) {
	path := Path(t.TempDir())
	require.NoError(t, os.WriteFile(path, []byte("database:\n  path: /tmp/x.db\n"), 0o644))
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "/tmp/x.db", cfg.Database.Path)
	inst, ok := cfg.GitLab("gnome")
	require.True(t, ok)
	require.Equal(t, "https://gitlab.gnome.org", inst.URL)
}
