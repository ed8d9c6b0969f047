// Package config loads and validates the service configuration. Unknown
// provider types and routing rules referencing undefined providers fail the
// load, never the first use.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/boardforge/boardforge-backend/internal/platform/envutil"
)

const (
	ProviderTypeLocal    = "local"
	ProviderTypeS3       = "s3"
	ProviderTypeGCS      = "gcs"
	ProviderTypeSupabase = "supabase"
)

type Config struct {
	Mode     string         `yaml:"mode"`
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Storage  StorageConfig  `yaml:"storage"`
	Worker   WorkerConfig   `yaml:"worker"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

type RedisConfig struct {
	Addr    string `yaml:"addr"`
	Channel string `yaml:"channel"`
}

type StorageConfig struct {
	DefaultProvider     string                    `yaml:"default_provider"`
	MaxFileSize         int64                     `yaml:"max_file_size"`
	AllowedContentTypes []string                  `yaml:"allowed_content_types"`
	Providers           map[string]ProviderConfig `yaml:"providers"`
	Routing             RoutingConfig             `yaml:"routing"`
	Retry               RetryConfig               `yaml:"retry"`
}

// ProviderConfig is the tagged union over known provider kinds; Type selects
// which of the remaining fields apply.
type ProviderConfig struct {
	Type string `yaml:"type"`

	// local
	Root    string `yaml:"root"`
	BaseURL string `yaml:"base_url"`

	// s3 / gcs / supabase
	Bucket string `yaml:"bucket"`

	// s3
	Region         string `yaml:"region"`
	Endpoint       string `yaml:"endpoint"`
	AccessKey      string `yaml:"access_key"`
	SecretKey      string `yaml:"secret_key"`
	ForcePathStyle bool   `yaml:"force_path_style"`

	// gcs
	EmulatorHost string `yaml:"emulator_host"`

	// supabase
	URL            string `yaml:"url"`
	ServiceRoleKey string `yaml:"service_role_key"`
	PublicBucket   bool   `yaml:"public_bucket"`
}

type RoutingConfig struct {
	Rules []RuleConfig `yaml:"rules"`
}

type RuleConfig struct {
	Match    MatchConfig `yaml:"match"`
	Provider string      `yaml:"provider"`
}

type MatchConfig struct {
	ArtifactType *string `yaml:"artifact_type"`
	MaxSize      *int64  `yaml:"max_size"`
}

type RetryConfig struct {
	MaxAttempts    int      `yaml:"max_attempts"`
	InitialBackoff Duration `yaml:"initial_backoff"`
	MaxBackoff     Duration `yaml:"max_backoff"`
}

type WorkerConfig struct {
	Concurrency       int      `yaml:"concurrency"`
	PollInterval      Duration `yaml:"poll_interval"`
	JobTimeout        Duration `yaml:"job_timeout"`
	HeartbeatInterval Duration `yaml:"heartbeat_interval"`
	StaleRunning      Duration `yaml:"stale_running"`
}

// Duration accepts "200ms"/"5m" style values and bare integers, which are
// read as seconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be a scalar, got %v", n.Kind)
	}
	if v, err := strconv.ParseInt(n.Value, 10, 64); err == nil {
		*d = Duration(time.Duration(v) * time.Second)
		return nil
	}
	v, err := time.ParseDuration(n.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", n.Value, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(raw)
}

func Parse(raw []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Mode == "" {
		c.Mode = envutil.String("APP_MODE", "dev")
	}
	if c.Server.Addr == "" {
		c.Server.Addr = envutil.String("SERVER_ADDR", ":8080")
	}
	if c.Database.DSN == "" {
		c.Database.DSN = envutil.String("DATABASE_DSN", "")
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = envutil.String("REDIS_ADDR", "")
	}
	if c.Redis.Channel == "" {
		c.Redis.Channel = "progress"
	}
	if c.Storage.MaxFileSize <= 0 {
		c.Storage.MaxFileSize = 100 << 20
	}
	if c.Storage.Retry.MaxAttempts <= 0 {
		c.Storage.Retry.MaxAttempts = 3
	}
	if c.Storage.Retry.InitialBackoff <= 0 {
		c.Storage.Retry.InitialBackoff = Duration(200 * time.Millisecond)
	}
	if c.Storage.Retry.MaxBackoff <= 0 {
		c.Storage.Retry.MaxBackoff = Duration(5 * time.Second)
	}
	if c.Worker.Concurrency <= 0 {
		c.Worker.Concurrency = envutil.Int("WORKER_CONCURRENCY", 4)
	}
	if c.Worker.PollInterval <= 0 {
		c.Worker.PollInterval = Duration(envutil.Duration("WORKER_POLL_INTERVAL", time.Second))
	}
	if c.Worker.JobTimeout <= 0 {
		c.Worker.JobTimeout = Duration(envutil.Duration("WORKER_JOB_TIMEOUT", 30*time.Minute))
	}
	if c.Worker.HeartbeatInterval <= 0 {
		c.Worker.HeartbeatInterval = Duration(envutil.Duration("WORKER_HEARTBEAT_INTERVAL", 15*time.Second))
	}
	if c.Worker.StaleRunning <= 0 {
		c.Worker.StaleRunning = Duration(envutil.Duration("WORKER_STALE_RUNNING", 30*time.Minute))
	}
}

func (c *Config) Validate() error {
	if len(c.Storage.Providers) == 0 {
		return fmt.Errorf("storage: at least one provider required")
	}
	for name, p := range c.Storage.Providers {
		switch p.Type {
		case ProviderTypeLocal:
			if p.Root == "" {
				return fmt.Errorf("storage provider %q: local type requires root", name)
			}
		case ProviderTypeS3:
			if p.Bucket == "" {
				return fmt.Errorf("storage provider %q: s3 type requires bucket", name)
			}
		case ProviderTypeGCS:
			if p.Bucket == "" {
				return fmt.Errorf("storage provider %q: gcs type requires bucket", name)
			}
		case ProviderTypeSupabase:
			if p.URL == "" || p.Bucket == "" {
				return fmt.Errorf("storage provider %q: supabase type requires url and bucket", name)
			}
		default:
			return fmt.Errorf("storage provider %q: unknown type %q", name, p.Type)
		}
	}
	if c.Storage.DefaultProvider == "" {
		return fmt.Errorf("storage: default_provider required")
	}
	if _, ok := c.Storage.Providers[c.Storage.DefaultProvider]; !ok {
		return fmt.Errorf("storage: default_provider %q is not a configured provider", c.Storage.DefaultProvider)
	}
	for i, r := range c.Storage.Routing.Rules {
		if r.Provider == "" {
			return fmt.Errorf("storage: routing rule %d: provider required", i)
		}
		if _, ok := c.Storage.Providers[r.Provider]; !ok {
			return fmt.Errorf("storage: routing rule %d references undefined provider %q", i, r.Provider)
		}
	}
	return nil
}
