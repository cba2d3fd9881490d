// Package config loads and validates engine configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"

	"github.com/JakeFAU/autoapply/internal/browser"
	"github.com/JakeFAU/autoapply/internal/jobs"
	"github.com/JakeFAU/autoapply/internal/logging"
	"github.com/JakeFAU/autoapply/internal/policy/ratelimit"
	"github.com/JakeFAU/autoapply/internal/source/htmlboard"
	"github.com/JakeFAU/autoapply/internal/workflow"
)

// EnvPrefix prefixes environment overrides, e.g. AUTOAPPLY_SERVER_PORT.
const EnvPrefix = "AUTOAPPLY"

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   logging.Config  `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Search    SearchConfig    `mapstructure:"search"`
	Sources   []SourceConfig  `mapstructure:"sources"`
	Browser   browser.Config  `mapstructure:"browser"`
	Workflow  WorkflowConfig  `mapstructure:"workflow"`
	Store     StoreConfig     `mapstructure:"store"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Evidence  EvidenceConfig  `mapstructure:"evidence"`
	Publisher PublisherConfig `mapstructure:"publisher"`
	Schedule  ScheduleConfig  `mapstructure:"schedule"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// TelemetryConfig toggles OpenTelemetry tracing.
type TelemetryConfig struct {
	Tracing     bool   `mapstructure:"tracing"`
	ServiceName string `mapstructure:"service_name"`
}

// SearchConfig governs aggregation, caching and rate limits.
type SearchConfig struct {
	CacheTTL          time.Duration    `mapstructure:"cache_ttl"`
	StaleRetention    time.Duration    `mapstructure:"stale_retention"`
	Workers           int              `mapstructure:"workers"`
	AllowStale        bool             `mapstructure:"allow_stale"`
	AllowPlaceholders bool             `mapstructure:"allow_placeholders"`
	PlaceholderCount  int              `mapstructure:"placeholder_count"`
	SourceTimeout     time.Duration    `mapstructure:"source_timeout"`
	RateLimit         ratelimit.Window `mapstructure:"rate_limit"`
}

// Source kinds.
const (
	KindAdzuna    = "adzuna"
	KindHTMLBoard = "htmlboard"
)

// SourceConfig declares one job source and its optional alternate endpoint.
type SourceConfig struct {
	Name string `mapstructure:"name"`
	Kind string `mapstructure:"kind"`

	// adzuna
	BaseURL           string  `mapstructure:"base_url"`
	AlternateURL      string  `mapstructure:"alternate_url"`
	Country           string  `mapstructure:"country"`
	CredentialService string  `mapstructure:"credential_service"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`

	// htmlboard
	SearchURL          string              `mapstructure:"search_url"`
	AlternateSearchURL string              `mapstructure:"alternate_search_url"`
	Selectors          htmlboard.Selectors `mapstructure:"selectors"`
	UserAgent          string              `mapstructure:"user_agent"`
	RespectRobots      bool                `mapstructure:"respect_robots"`
	ShellThreshold     int                 `mapstructure:"shell_threshold"`

	Timeout   time.Duration     `mapstructure:"timeout"`
	RateLimit *ratelimit.Window `mapstructure:"rate_limit"`
	// Strategy overrides application form selectors for jobs from this source.
	Strategy *workflow.Strategy `mapstructure:"strategy"`
}

// WorkflowConfig controls application retries and evidence placement.
type WorkflowConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts"`
	BaseBackoff    time.Duration `mapstructure:"base_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	ElementTimeout time.Duration `mapstructure:"element_timeout"`
	EvidencePrefix string        `mapstructure:"evidence_prefix"`
	ScratchDir     string        `mapstructure:"scratch_dir"`
	Topic          string        `mapstructure:"topic"`
}

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
	DriverLocal    = "local"
	DriverGCS      = "gcs"
	DriverPubSub   = "pubsub"
)

// StoreConfig selects the document store.
type StoreConfig struct {
	Driver    string `mapstructure:"driver"`
	Path      string `mapstructure:"path"`
	DSN       string `mapstructure:"dsn"`
	Table     string `mapstructure:"table"`
	MaxConns  int32  `mapstructure:"max_conns"`
	BackupDir string `mapstructure:"backup_dir"`
}

// CacheConfig selects the search cache backend.
type CacheConfig struct {
	Driver   string `mapstructure:"driver"`
	RedisURL string `mapstructure:"redis_url"`
	Prefix   string `mapstructure:"prefix"`
}

// EvidenceConfig selects where screenshots go.
type EvidenceConfig struct {
	Driver  string `mapstructure:"driver"`
	BaseDir string `mapstructure:"base_dir"`
	Bucket  string `mapstructure:"bucket"`
}

// PublisherConfig selects the task event sink.
type PublisherConfig struct {
	Driver    string `mapstructure:"driver"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// SavedSearch is a query the scheduler runs periodically.
type SavedSearch struct {
	Name              string           `mapstructure:"name"`
	Query             jobs.SearchQuery `mapstructure:"query"`
	Sources           []string         `mapstructure:"sources"`
	AllowPlaceholders bool             `mapstructure:"allow_placeholders"`
}

// ScheduleConfig drives periodic searches.
type ScheduleConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Spec     string        `mapstructure:"spec"`
	Searches []SavedSearch `mapstructure:"searches"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "6m")
	v.SetDefault("server.request_timeout", "5m")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("telemetry.service_name", "autoapply")
	v.SetDefault("search.cache_ttl", "1h")
	v.SetDefault("search.stale_retention", "24h")
	v.SetDefault("search.workers", 0)
	v.SetDefault("search.allow_stale", false)
	v.SetDefault("search.allow_placeholders", false)
	v.SetDefault("search.placeholder_count", 3)
	v.SetDefault("search.source_timeout", "20s")
	v.SetDefault("search.rate_limit.max_requests", 30)
	v.SetDefault("search.rate_limit.window", "1m")
	v.SetDefault("browser.mode", string(browser.ModeAuto))
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.navigation_timeout", "45s")
	v.SetDefault("browser.action_timeout", "10s")
	v.SetDefault("browser.settle_delay", "500ms")
	v.SetDefault("browser.pool_size", 2)
	v.SetDefault("workflow.max_attempts", 3)
	v.SetDefault("workflow.base_backoff", "250ms")
	v.SetDefault("workflow.max_backoff", "5s")
	v.SetDefault("workflow.element_timeout", "10s")
	v.SetDefault("workflow.evidence_prefix", "evidence")
	v.SetDefault("store.driver", DriverSQLite)
	v.SetDefault("store.path", "data/autoapply.db")
	v.SetDefault("store.table", "documents")
	v.SetDefault("cache.driver", DriverMemory)
	v.SetDefault("cache.prefix", "autoapply:")
	v.SetDefault("evidence.driver", DriverLocal)
	v.SetDefault("evidence.base_dir", "data/evidence")
	v.SetDefault("publisher.driver", DriverMemory)
	v.SetDefault("publisher.topic", "autoapply-task-events")
	v.SetDefault("schedule.enabled", false)
	v.SetDefault("schedule.spec", "@every 6h")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Search.Workers < 0 {
		return fmt.Errorf("search.workers must be >= 0")
	}
	if c.Search.CacheTTL <= 0 {
		return fmt.Errorf("search.cache_ttl must be > 0")
	}
	if _, err := browser.ResolveMode(c.Browser); err != nil {
		return fmt.Errorf("browser.mode: %w", err)
	}
	if c.Browser.PoolSize < 0 {
		return fmt.Errorf("browser.pool_size must be >= 0")
	}
	if c.Workflow.MaxAttempts <= 0 {
		return fmt.Errorf("workflow.max_attempts must be > 0")
	}
	if err := c.validateSources(); err != nil {
		return err
	}
	if err := c.validateBackends(); err != nil {
		return err
	}
	if c.Schedule.Enabled {
		if _, err := cron.ParseStandard(c.Schedule.Spec); err != nil {
			return fmt.Errorf("schedule.spec: %w", err)
		}
		known := make(map[string]bool, len(c.Sources))
		for _, s := range c.Sources {
			known[s.Name] = true
		}
		for _, saved := range c.Schedule.Searches {
			for _, name := range saved.Sources {
				if !known[name] {
					return fmt.Errorf("schedule search %q references unknown source %q", saved.Name, name)
				}
			}
		}
	}
	return nil
}

func (c Config) validateSources() error {
	seen := make(map[string]bool, len(c.Sources))
	for i, s := range c.Sources {
		if s.Name == "" {
			return fmt.Errorf("sources[%d].name is required", i)
		}
		if seen[s.Name] {
			return fmt.Errorf("duplicate source %q", s.Name)
		}
		seen[s.Name] = true
		switch s.Kind {
		case KindAdzuna:
		case KindHTMLBoard:
			if s.SearchURL == "" {
				return fmt.Errorf("source %q: search_url is required for htmlboard", s.Name)
			}
			if s.Selectors.Item == "" || s.Selectors.Title == "" {
				return fmt.Errorf("source %q: selectors.item and selectors.title are required", s.Name)
			}
		default:
			return fmt.Errorf("source %q: unknown kind %q", s.Name, s.Kind)
		}
	}
	return nil
}

func (c Config) validateBackends() error {
	switch c.Store.Driver {
	case DriverMemory:
	case DriverSQLite:
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required for sqlite")
		}
	case DriverPostgres:
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("store.driver %q is not supported", c.Store.Driver)
	}
	switch c.Cache.Driver {
	case DriverMemory:
	case DriverRedis:
		if c.Cache.RedisURL == "" {
			return fmt.Errorf("cache.redis_url is required for redis")
		}
	default:
		return fmt.Errorf("cache.driver %q is not supported", c.Cache.Driver)
	}
	switch c.Evidence.Driver {
	case DriverMemory:
	case DriverLocal:
		if c.Evidence.BaseDir == "" {
			return fmt.Errorf("evidence.base_dir is required for local evidence")
		}
	case DriverGCS:
		if c.Evidence.Bucket == "" {
			return fmt.Errorf("evidence.bucket is required for gcs evidence")
		}
	default:
		return fmt.Errorf("evidence.driver %q is not supported", c.Evidence.Driver)
	}
	switch c.Publisher.Driver {
	case DriverMemory:
	case DriverPubSub:
		if c.Publisher.ProjectID == "" {
			return fmt.Errorf("publisher.project_id is required for pubsub")
		}
	default:
		return fmt.Errorf("publisher.driver %q is not supported", c.Publisher.Driver)
	}
	return nil
}

// RateLimits converts the search and per-source windows into limiter config.
func (c Config) RateLimits() ratelimit.Config {
	out := ratelimit.Config{Default: c.Search.RateLimit, PerSource: make(map[string]ratelimit.Window)}
	for _, s := range c.Sources {
		if s.RateLimit != nil {
			out.PerSource[s.Name] = *s.RateLimit
		}
	}
	return out
}

// Strategies returns per-source application strategies.
func (c Config) Strategies() workflow.Strategies {
	by := make(map[string]workflow.Strategy)
	for _, s := range c.Sources {
		if s.Strategy != nil {
			by[s.Name] = *s.Strategy
		}
	}
	return workflow.NewStrategies(workflow.DefaultStrategy(), by)
}

// SourceNames lists configured sources in declaration order.
func (c Config) SourceNames() []string {
	out := make([]string, 0, len(c.Sources))
	for _, s := range c.Sources {
		out = append(out, s.Name)
	}
	return out
}
