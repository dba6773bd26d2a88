package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	// EnvPrefix prefixes every environment variable override,
	// e.g. GSM_UPSTREAM_TOKEN overrides upstream.token.
	EnvPrefix = "GSM"

	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"

	// DefaultDriver is the default database driver.
	DefaultDriver = "sqlite"

	// DefaultSQLitePath is the default SQLite database file.
	DefaultSQLitePath = "./gsm.sqlite"

	// DefaultUpstreamRateLimit is the default number of upstream
	// requests per second.
	DefaultUpstreamRateLimit = 10.0

	// DefaultUpstreamTimeout is the default per-request HTTP timeout.
	DefaultUpstreamTimeout = 30 * time.Second

	// DefaultSyncInterval is the default scheduler interval for serve.
	DefaultSyncInterval = time.Hour

	// DefaultListen is the default reporting API listen address.
	DefaultListen = ":8080"

	// MatchExact resolves a repository to the exercise of the same name.
	MatchExact = "exact"

	// MatchPrefix strips an "{account}-" prefix from the repository name
	// before resolving it to an exercise.
	MatchPrefix = "prefix"
)

// Config is the root configuration for gsm.
type Config struct {
	Global   GlobalConfig   `yaml:"global" mapstructure:"global"`
	Upstream UpstreamConfig `yaml:"upstream" mapstructure:"upstream"`
	Database DatabaseConfig `yaml:"database" mapstructure:"database"`
	Sync     SyncConfig     `yaml:"sync" mapstructure:"sync"`
	Registry RegistryConfig `yaml:"registry,omitempty" mapstructure:"registry"`
	API      APIConfig      `yaml:"api" mapstructure:"api"`
}

// GlobalConfig contains global application settings.
type GlobalConfig struct {
	LogLevel string `yaml:"log_level" mapstructure:"log_level"`
}

// UpstreamConfig describes the GitLab instance and the group whose
// direct sub-groups are the student accounts.
type UpstreamConfig struct {
	URL       string        `yaml:"url" mapstructure:"url"`
	Token     string        `yaml:"token" mapstructure:"token"`
	Group     string        `yaml:"group" mapstructure:"group"`
	RateLimit float64       `yaml:"rate_limit,omitempty" mapstructure:"rate_limit"`
	Timeout   time.Duration `yaml:"timeout,omitempty" mapstructure:"timeout"`
	Breaker   BreakerConfig `yaml:"breaker,omitempty" mapstructure:"breaker"`
}

// BreakerConfig tunes the circuit breaker wrapped around upstream calls.
type BreakerConfig struct {
	MaxFailures uint32        `yaml:"max_failures" mapstructure:"max_failures"`
	OpenTimeout time.Duration `yaml:"open_timeout" mapstructure:"open_timeout"`
}

// DatabaseConfig contains database connection settings.
type DatabaseConfig struct {
	Driver   string               `yaml:"driver" mapstructure:"driver"`
	SQLite   SQLiteDatabaseConfig `yaml:"sqlite,omitempty" mapstructure:"sqlite"`
	Postgres PostgresConfig       `yaml:"postgres,omitempty" mapstructure:"postgres"`
}

// SQLiteDatabaseConfig contains SQLite-specific settings.
type SQLiteDatabaseConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host" mapstructure:"host"`
	Port     int    `yaml:"port" mapstructure:"port"`
	User     string `yaml:"user" mapstructure:"user"`
	Password string `yaml:"password" mapstructure:"password"`
	Database string `yaml:"database" mapstructure:"database"`
	SSLMode  string `yaml:"ssl_mode,omitempty" mapstructure:"ssl_mode"`
}

// SyncConfig controls the synchronization stages and the periodic
// scheduler used by the serve command.
type SyncConfig struct {
	// Exercises is the exercise registry: a local directory whose
	// sub-directories are exercise names, or s3://bucket/prefix.
	Exercises     string        `yaml:"exercises,omitempty" mapstructure:"exercises"`
	ExerciseMatch string        `yaml:"exercise_match,omitempty" mapstructure:"exercise_match"`
	Enabled       bool          `yaml:"enabled" mapstructure:"enabled"`
	Interval      time.Duration `yaml:"interval,omitempty" mapstructure:"interval"`
}

// RegistryConfig holds credentials for remote exercise registries.
type RegistryConfig struct {
	S3 RegistryS3Config `yaml:"s3,omitempty" mapstructure:"s3"`
}

// RegistryS3Config contains S3 settings for listing exercises.
type RegistryS3Config struct {
	EndpointURL     string `yaml:"endpoint_url,omitempty" mapstructure:"endpoint_url"`
	Region          string `yaml:"region,omitempty" mapstructure:"region"`
	AccessKeyID     string `yaml:"access_key_id,omitempty" mapstructure:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty" mapstructure:"secret_access_key"`
	ForcePathStyle  bool   `yaml:"force_path_style" mapstructure:"force_path_style"`
}

// Load reads a YAML configuration file, merges GSM_* environment
// overrides on top of it and applies defaults. A .env file next to
// the configuration file, when present, is loaded into the process
// environment first without overriding variables that are already set.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := loadDotEnv(filepath.Join(filepath.Dir(path), ".env")); err != nil {
		return nil, err
	}

	raw := make(map[string]any, 8)
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	if err := v.MergeConfigMap(raw); err != nil {
		return nil, fmt.Errorf("merging config file: %w", err)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := decode(v.AllSettings(), &cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

func loadDotEnv(path string) error {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil
	}

	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("loading env file %q: %w", path, err)
	}

	return nil
}

func decode(input map[string]any, cfg *Config) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           cfg,
		TagName:          "mapstructure",
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return err
	}

	return decoder.Decode(input)
}

// setDefaults registers every known key so that environment overrides
// apply even when the key is absent from the file.
func setDefaults(v *viper.Viper) {
	v.SetDefault("global.log_level", DefaultLogLevel)

	v.SetDefault("upstream.url", "")
	v.SetDefault("upstream.token", "")
	v.SetDefault("upstream.group", "")
	v.SetDefault("upstream.rate_limit", DefaultUpstreamRateLimit)
	v.SetDefault("upstream.timeout", DefaultUpstreamTimeout.String())
	v.SetDefault("upstream.breaker.max_failures", 5)
	v.SetDefault("upstream.breaker.open_timeout", "1m")

	v.SetDefault("database.driver", DefaultDriver)
	v.SetDefault("database.sqlite.path", DefaultSQLitePath)
	v.SetDefault("database.postgres.host", "localhost")
	v.SetDefault("database.postgres.port", 5432)
	v.SetDefault("database.postgres.user", "")
	v.SetDefault("database.postgres.password", "")
	v.SetDefault("database.postgres.database", "gsm")
	v.SetDefault("database.postgres.ssl_mode", "disable")

	v.SetDefault("sync.exercises", "")
	v.SetDefault("sync.exercise_match", MatchExact)
	v.SetDefault("sync.enabled", false)
	v.SetDefault("sync.interval", DefaultSyncInterval.String())

	v.SetDefault("registry.s3.endpoint_url", "")
	v.SetDefault("registry.s3.region", "")
	v.SetDefault("registry.s3.access_key_id", "")
	v.SetDefault("registry.s3.secret_access_key", "")
	v.SetDefault("registry.s3.force_path_style", false)

	v.SetDefault("api.listen", DefaultListen)
	v.SetDefault("api.web_base_url", "")
	v.SetDefault("api.cors_origins", []string{})
	v.SetDefault("api.rate_limit.enabled", false)
	v.SetDefault("api.rate_limit.requests_per_minute", 120)
	v.SetDefault("api.auth.basic.enabled", false)
}

// applyDefaults fills values that depend on other settings.
func (c *Config) applyDefaults() {
	if c.Global.LogLevel == "" {
		c.Global.LogLevel = DefaultLogLevel
	}

	if c.Database.Driver == "" {
		c.Database.Driver = DefaultDriver
	}

	if c.Sync.ExerciseMatch == "" {
		c.Sync.ExerciseMatch = MatchExact
	}

	if c.Sync.Interval <= 0 {
		c.Sync.Interval = DefaultSyncInterval
	}

	if c.Upstream.RateLimit <= 0 {
		c.Upstream.RateLimit = DefaultUpstreamRateLimit
	}

	if c.Upstream.Timeout <= 0 {
		c.Upstream.Timeout = DefaultUpstreamTimeout
	}

	// Deep links default to the group page on the upstream instance.
	if c.API.WebBaseURL == "" && c.Upstream.URL != "" {
		base := strings.TrimRight(c.Upstream.URL, "/") + "/"
		if c.Upstream.Group != "" {
			base += strings.Trim(c.Upstream.Group, "/") + "/"
		}

		c.API.WebBaseURL = base
	}
}

// Validate checks the settings every command needs.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite":
		if c.Database.SQLite.Path == "" {
			return fmt.Errorf("database.sqlite.path is required")
		}
	case "postgres":
		if c.Database.Postgres.Host == "" {
			return fmt.Errorf("database.postgres.host is required")
		}
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}

	switch c.Sync.ExerciseMatch {
	case MatchExact, MatchPrefix:
	default:
		return fmt.Errorf(
			"sync.exercise_match must be %q or %q, got %q",
			MatchExact, MatchPrefix, c.Sync.ExerciseMatch,
		)
	}

	return nil
}

// ValidateUpstream checks the settings needed to talk to GitLab.
func (c *Config) ValidateUpstream() error {
	if c.Upstream.URL == "" {
		return fmt.Errorf("upstream.url is required")
	}

	u, err := url.Parse(c.Upstream.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("upstream.url %q is not an absolute URL", c.Upstream.URL)
	}

	if c.Upstream.Token == "" {
		return fmt.Errorf("upstream.token is required")
	}

	if c.Upstream.Group == "" {
		return fmt.Errorf("upstream.group is required")
	}

	return nil
}
