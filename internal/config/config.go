// Package config holds the process configuration, loaded from a YAML file
// and environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Remote  RemoteConfig  `yaml:"remote"`
	Storage StorageConfig `yaml:"storage"`
	Sync    SyncConfig    `yaml:"sync"`
	Network NetworkConfig `yaml:"network"`
	Log     LogConfig     `yaml:"log"`
}

// ServerConfig holds the local HTTP API settings. The server binds loopback
// by default; it exists for the UI shell on the same device, not the network.
type ServerConfig struct {
	Host         string        `yaml:"host"          env:"SERVER_HOST"          env-default:"127.0.0.1"`
	Port         int           `yaml:"port"          env:"SERVER_PORT"          env-default:"8090"`
	ReadTimeout  time.Duration `yaml:"read_timeout"  env:"SERVER_READ_TIMEOUT"  env-default:"10s"`
	WriteTimeout time.Duration `yaml:"write_timeout" env:"SERVER_WRITE_TIMEOUT" env-default:"30s"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"  env:"SERVER_IDLE_TIMEOUT"  env-default:"60s"`
}

func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// RemoteConfig holds the upstream tontine service settings.
type RemoteConfig struct {
	BaseURL     string        `yaml:"base_url"     env:"REMOTE_BASE_URL"     env-default:"http://127.0.0.1:8080"`
	Token       string        `yaml:"token"        env:"REMOTE_TOKEN"`
	Timeout     time.Duration `yaml:"timeout"      env:"REMOTE_TIMEOUT"      env-default:"15s"`
	FeedURL     string        `yaml:"feed_url"     env:"REMOTE_FEED_URL"`
	FeedEnabled bool          `yaml:"feed_enabled" env:"REMOTE_FEED_ENABLED" env-default:"false"`
}

// StorageConfig selects the durable backends by DSN scheme:
// memory://, file:./path, sqlite:./path, postgres://...
type StorageConfig struct {
	QueueDSN      string `yaml:"queue_dsn"      env:"STORAGE_QUEUE_DSN"      env-default:"file:./data/queue.json"`
	SnapshotDSN   string `yaml:"snapshot_dsn"   env:"STORAGE_SNAPSHOT_DSN"   env-default:"file:./data/snapshots.json"`
	QueueCapacity int    `yaml:"queue_capacity" env:"STORAGE_QUEUE_CAPACITY" env-default:"1024"`
}

type SyncConfig struct {
	Interval        time.Duration `yaml:"interval"         env:"SYNC_INTERVAL"         env-default:"2m"`
	MaxRetries      int           `yaml:"max_retries"      env:"SYNC_MAX_RETRIES"      env-default:"5"`
	BackoffBase     time.Duration `yaml:"backoff_base"     env:"SYNC_BACKOFF_BASE"     env-default:"30s"`
	BackoffMax      time.Duration `yaml:"backoff_max"      env:"SYNC_BACKOFF_MAX"      env-default:"30m"`
	RetentionWindow time.Duration `yaml:"retention_window" env:"SYNC_RETENTION_WINDOW" env-default:"168h"`
	CacheMaxAge     time.Duration `yaml:"cache_max_age"    env:"SYNC_CACHE_MAX_AGE"    env-default:"720h"`
	StaleAfter      time.Duration `yaml:"stale_after"      env:"SYNC_STALE_AFTER"      env-default:"5m"`
}

// NetworkConfig drives the connectivity monitor. With probing disabled the
// engine starts with a static monitor the platform updates through the API.
type NetworkConfig struct {
	ProbeEnabled     bool          `yaml:"probe_enabled"     env:"NETWORK_PROBE_ENABLED"     env-default:"true"`
	ProbeURL         string        `yaml:"probe_url"         env:"NETWORK_PROBE_URL"`
	ProbeInterval    time.Duration `yaml:"probe_interval"    env:"NETWORK_PROBE_INTERVAL"    env-default:"30s"`
	ExcellentLatency time.Duration `yaml:"excellent_latency" env:"NETWORK_EXCELLENT_LATENCY" env-default:"250ms"`
	PoorLatency      time.Duration `yaml:"poor_latency"      env:"NETWORK_POOR_LATENCY"      env-default:"1200ms"`
	NetstatePathsRaw string        `yaml:"netstate_paths"    env:"NETWORK_NETSTATE_PATHS"`
}

func (c NetworkConfig) NetstatePaths() []string {
	if strings.TrimSpace(c.NetstatePathsRaw) == "" {
		return nil
	}
	parts := strings.Split(c.NetstatePathsRaw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

type LogConfig struct {
	Level  string `yaml:"level"  env:"LOG_LEVEL"  env-default:"info"`
	Format string `yaml:"format" env:"LOG_FORMAT" env-default:"json"`
}

// Load reads configuration from a YAML file and environment variables.
// Priority: ENV > YAML > defaults. The file path comes from CONFIG_PATH
// (fallback "./config.yaml"); a missing default file is not an error.
func Load() (*Config, error) {
	var cfg Config

	path := os.Getenv("CONFIG_PATH")
	explicitPath := path != ""
	if !explicitPath {
		path = "./config.yaml"
	}

	if _, err := os.Stat(path); err == nil {
		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	} else if explicitPath {
		return nil, fmt.Errorf("config: file %s: %w", path, err)
	} else {
		if err := cleanenv.ReadEnv(&cfg); err != nil {
			return nil, fmt.Errorf("config: read env: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port %d out of range", c.Server.Port)
	}
	if strings.TrimSpace(c.Remote.BaseURL) == "" {
		return fmt.Errorf("remote base_url is required")
	}
	if c.Network.ProbeEnabled && strings.TrimSpace(c.Network.ProbeURL) == "" {
		// Probe the remote service itself when no dedicated URL is set.
		c.Network.ProbeURL = strings.TrimRight(c.Remote.BaseURL, "/") + "/v1/health"
	}
	if c.Remote.FeedEnabled && strings.TrimSpace(c.Remote.FeedURL) == "" {
		return fmt.Errorf("feed_enabled requires feed_url")
	}
	if c.Storage.QueueCapacity <= 0 {
		c.Storage.QueueCapacity = 1024
	}
	return nil
}
