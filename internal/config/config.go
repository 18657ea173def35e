// Package config loads service configuration from defaults, an optional YAML
// file and OPSMEND_ environment variables, in that order of precedence.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/opsmend/opsmend/internal/cluster"
	"github.com/opsmend/opsmend/internal/domain"
)

const envPrefix = "OPSMEND_"

// Config holds all service configuration.
type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Log        LogConfig        `koanf:"log"`
	Database   DatabaseConfig   `koanf:"database"`
	Engine     EngineConfig     `koanf:"engine"`
	Reasoner   ReasonerConfig   `koanf:"reasoner"`
	Kubernetes KubernetesConfig `koanf:"kubernetes"`
	Notify     NotifyConfig     `koanf:"notify"`
	Ingest     IngestConfig     `koanf:"ingest"`
}

// ServerConfig controls the HTTP listeners.
type ServerConfig struct {
	Host              string        `koanf:"host"`
	Port              string        `koanf:"port"`
	MetricsPort       string        `koanf:"metrics_port"`
	ReadTimeout       time.Duration `koanf:"read_timeout"`
	ReadHeaderTimeout time.Duration `koanf:"read_header_timeout"`
	WriteTimeout      time.Duration `koanf:"write_timeout"`
	IdleTimeout       time.Duration `koanf:"idle_timeout"`
	ShutdownTimeout   time.Duration `koanf:"shutdown_timeout"`
	// AuthToken protects the ingest endpoints when set. Empty disables auth.
	AuthToken string `koanf:"auth_token"`
}

// LogConfig controls structured logging.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// DatabaseConfig controls the run archive connection. With Enabled false the
// service runs without Postgres and serves runs from memory only.
type DatabaseConfig struct {
	Enabled         bool          `koanf:"enabled"`
	URL             string        `koanf:"url"`
	MaxOpenConns    int           `koanf:"max_open_conns"`
	MaxIdleConns    int           `koanf:"max_idle_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
	ConnectTimeout  time.Duration `koanf:"connect_timeout"`
	ConnectAttempts int           `koanf:"connect_attempts"`
}

// EngineConfig controls workflow runs.
type EngineConfig struct {
	MaxAttempts       int           `koanf:"max_attempts"`
	StageTimeout      time.Duration `koanf:"stage_timeout"`
	ScaleTarget       int32         `koanf:"scale_target"`
	MaxConcurrentRuns int           `koanf:"max_concurrent_runs"`
	RetainRuns        int           `koanf:"retain_runs"`
}

// ReasonerConfig controls the model backend used for triage and diagnosis.
type ReasonerConfig struct {
	APIKey  string        `koanf:"api_key"`
	Model   string        `koanf:"model"`
	BaseURL string        `koanf:"base_url"`
	Timeout time.Duration `koanf:"timeout"`
}

// KubernetesConfig controls cluster access.
type KubernetesConfig struct {
	// Kubeconfig is the path to a kubeconfig file. Empty means in-cluster
	// config with a fallback to $HOME/.kube/config.
	Kubeconfig string  `koanf:"kubeconfig"`
	RateLimit  float64 `koanf:"rate_limit"`
	RateBurst  int     `koanf:"rate_burst"`
}

// NotifyConfig controls the Mattermost notification sink.
type NotifyConfig struct {
	Enabled    bool   `koanf:"enabled"`
	WebhookURL string `koanf:"webhook_url"`
	Username   string `koanf:"username"`
	IconURL    string `koanf:"icon_url"`
}

// IngestConfig controls alert intake.
type IngestConfig struct {
	// SuppressedAlerts are alert names dropped on ingest.
	SuppressedAlerts []string `koanf:"suppressed_alerts"`
	// DefaultNamespace is used when an alert carries no namespace label.
	DefaultNamespace string `koanf:"default_namespace"`
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:              "0.0.0.0",
			Port:              "8080",
			MetricsPort:       "9090",
			ReadTimeout:       15 * time.Second,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
			ShutdownTimeout:   30 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Database: DatabaseConfig{
			Enabled:         true,
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			ConnectTimeout:  30 * time.Second,
			ConnectAttempts: 5,
		},
		Engine: EngineConfig{
			MaxAttempts:       domain.DefaultMaxAttempts,
			StageTimeout:      60 * time.Second,
			ScaleTarget:       3,
			MaxConcurrentRuns: 8,
			RetainRuns:        256,
		},
		Reasoner: ReasonerConfig{
			Model:   "gpt-4o-mini",
			Timeout: 30 * time.Second,
		},
		Kubernetes: KubernetesConfig{
			RateLimit: 10,
			RateBurst: 20,
		},
		Notify: NotifyConfig{
			Username: "opsmend",
		},
		Ingest: IngestConfig{
			SuppressedAlerts: []string{"Watchdog", "InfoInhibitor"},
			DefaultNamespace: "default",
		},
	}
}

// Load reads configuration from an optional YAML file and the environment on
// top of defaults, then validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	// OPSMEND_SERVER_READ_TIMEOUT -> server.read_timeout. Only the first
	// underscore separates the section, the rest belong to the key.
	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, envPrefix)), "_", ".", 1)
	}), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints that koanf cannot express.
func (c *Config) Validate() error {
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log: unknown level %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("log: unknown format %q", c.Log.Format)
	}

	if c.Database.Enabled && c.Database.URL == "" {
		return fmt.Errorf("database: url required when enabled")
	}

	if c.Engine.MaxAttempts < 1 {
		return fmt.Errorf("engine: max_attempts must be at least 1")
	}
	if c.Engine.ScaleTarget < cluster.MinReplicas || c.Engine.ScaleTarget > cluster.MaxReplicas {
		return fmt.Errorf("engine: scale_target must be between %d and %d", cluster.MinReplicas, cluster.MaxReplicas)
	}
	if c.Engine.MaxConcurrentRuns < 1 {
		return fmt.Errorf("engine: max_concurrent_runs must be at least 1")
	}
	if c.Engine.RetainRuns < 1 {
		return fmt.Errorf("engine: retain_runs must be at least 1")
	}

	if c.Reasoner.BaseURL == "" && c.Reasoner.APIKey == "" {
		return fmt.Errorf("reasoner: api_key required unless base_url points at a local backend")
	}

	if c.Notify.Enabled && c.Notify.WebhookURL == "" {
		return fmt.Errorf("notify: webhook_url required when enabled")
	}

	return nil
}
