// Package config loads and validates pipeline configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Remote     RemoteConfig     `mapstructure:"remote"`
	Proxy      ProxyConfig      `mapstructure:"proxy"`
	Retry      RetryConfig      `mapstructure:"retry"`
	Pacing     PacingConfig     `mapstructure:"pacing"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint"`
	Sink       SinkConfig       `mapstructure:"sink"`
	Notifier   NotifierConfig   `mapstructure:"notifier"`
	Archive    ArchiveConfig    `mapstructure:"archive"`
	Server     ServerConfig     `mapstructure:"server"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// RemoteConfig describes the permitting API and the session credentials.
type RemoteConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	Username       string `mapstructure:"username"`
	Password       string `mapstructure:"password"`
	AddressFilter  string `mapstructure:"address_filter"`
	PageSize       int    `mapstructure:"page_size"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// ProxyConfig describes the datacenter proxy pool. Rotation runs across
// ports only; host and credentials are fixed.
type ProxyConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Ports    []int  `mapstructure:"ports"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// RetryConfig governs transport retry, backoff and cooldown behavior.
type RetryConfig struct {
	MaxAttempts        int `mapstructure:"max_attempts"`
	FailureThreshold   int `mapstructure:"failure_threshold"`
	CooldownMinutes    int `mapstructure:"cooldown_minutes"`
	RateLimitBaseMs    int `mapstructure:"rate_limit_base_ms"`
	ForbiddenBaseMs    int `mapstructure:"forbidden_base_ms"`
	ServerErrorBaseMs  int `mapstructure:"server_error_base_ms"`
	BackoffCapSeconds  int `mapstructure:"backoff_cap_seconds"`
	NetworkRetryWaitMs int `mapstructure:"network_retry_wait_ms"`
}

// PacingConfig sets the fixed delays between pages and jurisdictions.
type PacingConfig struct {
	PageDelayMs         int `mapstructure:"page_delay_ms"`
	JurisdictionDelayMs int `mapstructure:"jurisdiction_delay_ms"`
	MaxPageFailures     int `mapstructure:"max_page_failures"`
}

// CheckpointConfig locates the durable progress file and the coalescing
// interval for intra-type saves.
type CheckpointConfig struct {
	Path     string `mapstructure:"path"`
	Interval int    `mapstructure:"interval"`
}

// SinkConfig selects where extracted records go.
type SinkConfig struct {
	Provider  string         `mapstructure:"provider"`
	OutputDir string         `mapstructure:"output_dir"`
	Postgres  PostgresConfig `mapstructure:"postgres"`
}

// PostgresConfig controls the optional Postgres record sink.
type PostgresConfig struct {
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// NotifierConfig controls jurisdiction-completion notifications.
type NotifierConfig struct {
	Provider  string `mapstructure:"provider"`
	ProjectID string `mapstructure:"project_id"`
	TopicID   string `mapstructure:"topic_id"`
}

// ArchiveConfig controls the optional upload of finished output files.
type ArchiveConfig struct {
	Provider string `mapstructure:"provider"`
	Bucket   string `mapstructure:"bucket"`
	Prefix   string `mapstructure:"prefix"`
}

// ServerConfig controls the status/metrics HTTP server. Port 0 disables it.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HARVESTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	bindEnvKeys(v)

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
	v.SetDefault("remote.page_size", 100)
	v.SetDefault("remote.timeout_seconds", 30)
	v.SetDefault("remote.address_filter", "")
	v.SetDefault("proxy.enabled", false)
	v.SetDefault("retry.max_attempts", 5)
	v.SetDefault("retry.failure_threshold", 10)
	v.SetDefault("retry.cooldown_minutes", 5)
	v.SetDefault("retry.rate_limit_base_ms", 3000)
	v.SetDefault("retry.forbidden_base_ms", 10000)
	v.SetDefault("retry.server_error_base_ms", 5000)
	v.SetDefault("retry.backoff_cap_seconds", 120)
	v.SetDefault("retry.network_retry_wait_ms", 2000)
	v.SetDefault("pacing.page_delay_ms", 1500)
	v.SetDefault("pacing.jurisdiction_delay_ms", 10000)
	v.SetDefault("pacing.max_page_failures", 3)
	v.SetDefault("checkpoint.path", "data/checkpoint.json")
	v.SetDefault("checkpoint.interval", 500)
	v.SetDefault("sink.provider", "ndjson")
	v.SetDefault("sink.output_dir", "data/records")
	v.SetDefault("sink.postgres.table", "permit_records")
	v.SetDefault("notifier.provider", "none")
	v.SetDefault("archive.provider", "none")
	v.SetDefault("server.port", 0)
	v.SetDefault("logging.development", true)
}

// bindEnvKeys registers every config key with Viper so environment
// variables reach Unmarshal even when no config file supplies the key.
// AutomaticEnv alone only resolves keys Viper already knows about.
func bindEnvKeys(v *viper.Viper) {
	keys := []string{
		"remote.base_url",
		"remote.username",
		"remote.password",
		"remote.address_filter",
		"remote.page_size",
		"remote.timeout_seconds",
		"proxy.enabled",
		"proxy.host",
		"proxy.ports",
		"proxy.username",
		"proxy.password",
		"retry.max_attempts",
		"retry.failure_threshold",
		"retry.cooldown_minutes",
		"retry.rate_limit_base_ms",
		"retry.forbidden_base_ms",
		"retry.server_error_base_ms",
		"retry.backoff_cap_seconds",
		"retry.network_retry_wait_ms",
		"pacing.page_delay_ms",
		"pacing.jurisdiction_delay_ms",
		"pacing.max_page_failures",
		"checkpoint.path",
		"checkpoint.interval",
		"sink.provider",
		"sink.output_dir",
		"sink.postgres.dsn",
		"sink.postgres.table",
		"sink.postgres.max_conns",
		"notifier.provider",
		"notifier.project_id",
		"notifier.topic_id",
		"archive.provider",
		"archive.bucket",
		"archive.prefix",
		"server.port",
		"logging.development",
	}
	for _, key := range keys {
		// BindEnv only errors when called with no key.
		_ = v.BindEnv(key)
	}
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Remote.BaseURL == "" {
		return fmt.Errorf("remote.base_url is required")
	}
	if c.Remote.Username == "" || c.Remote.Password == "" {
		return fmt.Errorf("remote.username and remote.password are required")
	}
	if c.Remote.PageSize <= 0 {
		return fmt.Errorf("remote.page_size must be > 0")
	}
	if c.Proxy.Enabled {
		if c.Proxy.Host == "" {
			return fmt.Errorf("proxy.host must be set when proxy is enabled")
		}
		if len(c.Proxy.Ports) == 0 {
			return fmt.Errorf("proxy.ports must be set when proxy is enabled")
		}
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be > 0")
	}
	if c.Checkpoint.Interval <= 0 {
		return fmt.Errorf("checkpoint.interval must be > 0")
	}
	switch c.Sink.Provider {
	case "ndjson":
		if c.Sink.OutputDir == "" {
			return fmt.Errorf("sink.output_dir is required for the ndjson sink")
		}
	case "postgres":
		if c.Sink.Postgres.DSN == "" {
			return fmt.Errorf("sink.postgres.dsn is required for the postgres sink")
		}
	default:
		return fmt.Errorf("unknown sink provider %q", c.Sink.Provider)
	}
	switch c.Notifier.Provider {
	case "none", "memory":
	case "pubsub":
		if c.Notifier.ProjectID == "" || c.Notifier.TopicID == "" {
			return fmt.Errorf("notifier.project_id and notifier.topic_id are required for pubsub")
		}
	default:
		return fmt.Errorf("unknown notifier provider %q", c.Notifier.Provider)
	}
	switch c.Archive.Provider {
	case "none", "memory":
	case "gcs":
		if c.Archive.Bucket == "" {
			return fmt.Errorf("archive.bucket is required for gcs")
		}
	default:
		return fmt.Errorf("unknown archive provider %q", c.Archive.Provider)
	}
	return nil
}

// HTTPTimeout converts the remote timeout into a duration.
func (c Config) HTTPTimeout() time.Duration {
	return time.Duration(c.Remote.TimeoutSeconds) * time.Second
}

// PageDelay returns the fixed inter-page pacing delay.
func (c Config) PageDelay() time.Duration {
	return time.Duration(c.Pacing.PageDelayMs) * time.Millisecond
}

// JurisdictionDelay returns the fixed inter-jurisdiction pacing delay.
func (c Config) JurisdictionDelay() time.Duration {
	return time.Duration(c.Pacing.JurisdictionDelayMs) * time.Millisecond
}
