package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like "60s".
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// UnmarshalYAML decodes a Go duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string like \"60s\": %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// StoreConfig selects and configures one object store backend.
type StoreConfig struct {
	// Provider is one of "s3", "filesystem" or "memory".
	Provider string `yaml:"provider"`

	// S3 settings.
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`

	// Directory roots the filesystem provider. The directory must exist.
	Directory string `yaml:"directory"`
}

// ArchiveConfig configures the archive reader.
type ArchiveConfig struct {
	RemoteStore             StoreConfig `yaml:"remote_store"`
	LocalStore              StoreConfig `yaml:"local_store"`
	DownloadConcurrency     int         `yaml:"download_concurrency"`
	ManifestRefreshInterval Duration    `yaml:"manifest_refresh_interval"`
}

// AuditSinkConfig configures where audit events are written.
type AuditSinkConfig struct {
	Type          string   `yaml:"type"` // stdout, file or http
	Endpoint      string   `yaml:"endpoint"`
	FilePath      string   `yaml:"file_path"`
	BatchSize     int      `yaml:"batch_size"`
	FlushInterval Duration `yaml:"flush_interval"`
	RetryCount    int      `yaml:"retry_count"`
	RetryBackoff  Duration `yaml:"retry_backoff"`
}

// AuditConfig configures the operation audit trail.
type AuditConfig struct {
	Enabled   bool            `yaml:"enabled"`
	MaxEvents int             `yaml:"max_events"`
	Sink      AuditSinkConfig `yaml:"sink"`
}

// CheckpointStoreConfig selects where verified checkpoints are written.
type CheckpointStoreConfig struct {
	// Backend is "memory" or "redis".
	Backend   string `yaml:"backend"`
	RedisAddr string `yaml:"redis_addr"`
	RedisDB   int    `yaml:"redis_db"`
}

// MetricsConfig configures the operational HTTP endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// LoggingConfig configures logrus.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text or json
}

// Config is the root configuration document.
type Config struct {
	Archive         ArchiveConfig         `yaml:"archive"`
	CheckpointStore CheckpointStoreConfig `yaml:"checkpoint_store"`
	Audit           AuditConfig           `yaml:"audit"`
	Metrics         MetricsConfig         `yaml:"metrics"`
	Logging         LoggingConfig         `yaml:"logging"`
}

// DefaultManifestRefreshInterval is the nominal manifest sync tick.
const DefaultManifestRefreshInterval = 60 * time.Second

// Load reads, parses and validates a YAML config file. Environment variables
// override store credentials so secrets can stay out of the file:
// ARCHIVE_REMOTE_ACCESS_KEY, ARCHIVE_REMOTE_SECRET_KEY and the LOCAL pair.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(cfg)
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ARCHIVE_REMOTE_ACCESS_KEY"); v != "" {
		cfg.Archive.RemoteStore.AccessKey = v
	}
	if v := os.Getenv("ARCHIVE_REMOTE_SECRET_KEY"); v != "" {
		cfg.Archive.RemoteStore.SecretKey = v
	}
	if v := os.Getenv("ARCHIVE_LOCAL_ACCESS_KEY"); v != "" {
		cfg.Archive.LocalStore.AccessKey = v
	}
	if v := os.Getenv("ARCHIVE_LOCAL_SECRET_KEY"); v != "" {
		cfg.Archive.LocalStore.SecretKey = v
	}
}

func (c *Config) applyDefaults() {
	if c.Archive.DownloadConcurrency == 0 {
		c.Archive.DownloadConcurrency = 4
	}
	if c.Archive.ManifestRefreshInterval == 0 {
		c.Archive.ManifestRefreshInterval = Duration(DefaultManifestRefreshInterval)
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Metrics.Listen == "" {
		c.Metrics.Listen = ":9184"
	}
	if c.Audit.MaxEvents == 0 {
		c.Audit.MaxEvents = 1000
	}
	if c.CheckpointStore.Backend == "" {
		c.CheckpointStore.Backend = "memory"
	}
}

// Validate checks the configuration for fatal construction-time errors.
func (c *Config) Validate() error {
	if c.Archive.DownloadConcurrency < 1 {
		return fmt.Errorf("download_concurrency must be >= 1, got %d", c.Archive.DownloadConcurrency)
	}
	if c.Archive.ManifestRefreshInterval <= 0 {
		return fmt.Errorf("manifest_refresh_interval must be positive")
	}
	if err := c.Archive.RemoteStore.validate("remote_store"); err != nil {
		return err
	}
	if err := c.Archive.LocalStore.validate("local_store"); err != nil {
		return err
	}
	switch c.CheckpointStore.Backend {
	case "memory":
	case "redis":
		if c.CheckpointStore.RedisAddr == "" {
			return fmt.Errorf("checkpoint_store: redis_addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("checkpoint_store: unknown backend %q", c.CheckpointStore.Backend)
	}
	return nil
}

func (s *StoreConfig) validate(name string) error {
	switch s.Provider {
	case "s3":
		if s.Bucket == "" {
			return fmt.Errorf("%s: bucket is required for the s3 provider", name)
		}
	case "filesystem":
		if s.Directory == "" {
			return fmt.Errorf("%s: directory is required for the filesystem provider", name)
		}
		info, err := os.Stat(s.Directory)
		if err != nil {
			return fmt.Errorf("%s: directory %q: %w", name, s.Directory, err)
		}
		if !info.IsDir() {
			return fmt.Errorf("%s: %q is not a directory", name, s.Directory)
		}
	case "memory":
	case "":
		return fmt.Errorf("%s: provider is required", name)
	default:
		return fmt.Errorf("%s: unknown provider %q", name, s.Provider)
	}
	return nil
}
