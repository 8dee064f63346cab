package config

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models cauldron.yml.
type Config struct {
	Search struct {
		Protocol      string `yaml:"protocol"`
		Host          string `yaml:"host"`
		Port          int    `yaml:"port"`
		AdminUser     string `yaml:"admin_user"`
		AdminPassword string `yaml:"admin_password"`
		MetadataIndex string `yaml:"metadata_index"`
	} `yaml:"search"`
	Dashboards struct {
		Protocol string `yaml:"protocol"`
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		Path     string `yaml:"path"`
	} `yaml:"dashboards"`
	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`
	OAuth           map[string]OAuthClient `yaml:"oauth"`
	GitLabInstances []GitLabInstance       `yaml:"gitlab_instances"`
	Admins          map[string][]string    `yaml:"admins"`
	Features        Features               `yaml:"features"`
	JWT             struct {
		KeyFile string `yaml:"key_file"`
	} `yaml:"jwt"`
	Scheduler   Scheduler   `yaml:"scheduler"`
	Provisioner Provisioner `yaml:"provisioner"`
	Worker      Worker      `yaml:"worker"`
	Webhooks    []Webhook   `yaml:"webhooks"`
	Logs        struct {
		Root string `yaml:"root"`
	} `yaml:"logs"`
	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
}

type OAuthClient struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
}

type GitLabInstance struct {
	Slug         string `yaml:"slug"`
	URL          string `yaml:"url"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
}

type Features struct {
	LimitedAccess  bool `yaml:"limited_access"`
	IdentityMerger bool `yaml:"identity_merger"`
	AutoRefresh    bool `yaml:"auto_refresh"`
	Pricing        bool `yaml:"pricing"`
	Analytics      bool `yaml:"analytics"`
}

// Scheduler holds coordinator policy knobs.
type Scheduler struct {
	MaxRetries           int           `yaml:"max_retries"`
	HeartbeatGrace       time.Duration `yaml:"heartbeat_grace"`
	OwnerExpansionBudget time.Duration `yaml:"owner_expansion_budget"`
	OutdatedAfter        time.Duration `yaml:"outdated_after"`
	AutorefreshInterval  time.Duration `yaml:"autorefresh_interval"`
	NotifyPollInterval   time.Duration `yaml:"notify_poll_interval"`
	Tick                 time.Duration `yaml:"tick"`
}

// Worker configures the job runtime. Commands maps an intention kind to the
// argv run for it.
type Worker struct {
	Heartbeat time.Duration       `yaml:"heartbeat"`
	Idle      time.Duration       `yaml:"idle"`
	GitHubAPI string              `yaml:"github_api"`
	Commands  map[string][]string `yaml:"commands"`
}

// Webhook receives coordinator events as JSON POSTs. Empty Events means all.
type Webhook struct {
	URL     string        `yaml:"url"`
	Events  []string      `yaml:"events"`
	Secret  string        `yaml:"secret"`
	Timeout time.Duration `yaml:"timeout"`
	Enabled *bool         `yaml:"enabled"`
}

type Provisioner struct {
	Attempts  int           `yaml:"attempts"`
	BaseDelay time.Duration `yaml:"base_delay"`
}

// SearchURL returns the base URL of the search cluster.
func (c *Config) SearchURL() string {
	return fmt.Sprintf("%s://%s:%d", c.Search.Protocol, c.Search.Host, c.Search.Port)
}

// DashboardsURL returns the base URL of the dashboards server including its path prefix.
func (c *Config) DashboardsURL() string {
	p := strings.TrimRight(c.Dashboards.Path, "/")
	if p != "" && !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return fmt.Sprintf("%s://%s:%d%s", c.Dashboards.Protocol, c.Dashboards.Host, c.Dashboards.Port, p)
}

// GitLab returns the configured instance by slug.
func (c *Config) GitLab(slug string) (GitLabInstance, bool) {
	for _, inst := range c.GitLabInstances {
		if inst.Slug == slug {
			return inst, true
		}
	}
	return GitLabInstance{}, false
}

// GitLabURL returns the base URL of the instance with the given slug.
func (c *Config) GitLabURL(slug string) (string, bool) {
	inst, ok := c.GitLab(slug)
	return inst.URL, ok
}

// IsAdminUsername reports whether username is listed as admin for the backend.
func (c *Config) IsAdminUsername(backend, username string) bool {
	for _, u := range c.Admins[backend] {
		if strings.EqualFold(u, username) {
			return true
		}
	}
	return false
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	switch c.Search.Protocol {
	case "http", "https":
	default:
		return fmt.Errorf("config.search.protocol must be http or https")
	}
	if c.Search.Host == "" {
		return fmt.Errorf("config.search.host is required")
	}
	if c.Search.Port <= 0 {
		return fmt.Errorf("config.search.port must be positive")
	}
	if c.Dashboards.Host == "" {
		return fmt.Errorf("config.dashboards.host is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("config.database.path is required")
	}
	seen := map[string]bool{}
	for _, inst := range c.GitLabInstances {
		if inst.Slug == "" {
			return fmt.Errorf("config.gitlab_instances contains empty slug")
		}
		if seen[inst.Slug] {
			return fmt.Errorf("gitlab instance %s declared twice", inst.Slug)
		}
		seen[inst.Slug] = true
		u, err := url.Parse(inst.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("gitlab instance %s has invalid url %q", inst.Slug, inst.URL)
		}
	}
	if c.Scheduler.MaxRetries <= 0 {
		return fmt.Errorf("config.scheduler.max_retries must be positive")
	}
	if c.Scheduler.HeartbeatGrace <= 0 {
		return fmt.Errorf("config.scheduler.heartbeat_grace must be positive")
	}
	if c.Scheduler.OwnerExpansionBudget <= 0 {
		return fmt.Errorf("config.scheduler.owner_expansion_budget must be positive")
	}
	for i, h := range c.Webhooks {
		if u, err := url.Parse(h.URL); err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("config.webhooks[%d].url %q is invalid", i, h.URL)
		}
	}
	if c.Provisioner.Attempts <= 0 {
		return fmt.Errorf("config.provisioner.attempts must be positive")
	}
	return nil
}

// Load reads and validates config from path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; generate one with cauldron config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config when the file does not exist.
func LoadOptional(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "cauldron.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses config from raw YAML bytes on top of the defaults, then validates it.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

const defaultTemplate = `search:
  protocol: https
  host: localhost
  port: 9200
  admin_user: admin
  admin_password: admin
  metadata_index: .kibana

dashboards:
  protocol: http
  host: localhost
  port: 5601
  path: /kibana

database:
  path: .cauldron/cauldron.db

oauth:
  github:
    client_id: ""
    client_secret: ""
  meetup:
    client_id: ""
    client_secret: ""
  twitter:
    client_id: ""
    client_secret: ""

gitlab_instances:
  - slug: gitlab
    url: https://gitlab.com
  - slug: gnome
    url: https://gitlab.gnome.org

admins:
  github: []
  gitlab: []

features:
  limited_access: false
  identity_merger: true
  auto_refresh: true
  pricing: false
  analytics: false

jwt:
  key_file: .cauldron/jwt.key

scheduler:
  max_retries: 3
  heartbeat_grace: 2m
  owner_expansion_budget: 6s
  outdated_after: 120h
  autorefresh_interval: 24h
  notify_poll_interval: 1h
  tick: 10s

provisioner:
  attempts: 5
  base_delay: 200ms

worker:
  heartbeat: 30s
  idle: 5s
  github_api: https://api.github.com
  commands:
    raw_fetch: [cauldron-task, raw]
    enrich_fetch: [cauldron-task, enrich]
    export_csv: [cauldron-task, export]
    identity_merge: [cauldron-task, identities]
    twitter_notify: [cauldron-task, notify]

webhooks: []

logs:
  root: .cauldron/logs

log:
  level: info
`
