// Package host assembles a world: content store, journal, kernel, module
// runtime, and effect manager, plus the pump that feeds adapter results back
// into the stepper.
package host

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds world configuration.
type Config struct {
	// WorldRoot is the directory holding manifest.json and the .aos tree.
	WorldRoot string `yaml:"world_root"`
	// ManifestPath overrides the default <WorldRoot>/manifest.json.
	ManifestPath string `yaml:"manifest_path"`
	LogLevel     string `yaml:"log_level"`

	// EffectTimeout is the per-intent adapter deadline.
	EffectTimeout time.Duration `yaml:"effect_timeout"`
	// QuiesceTimeout bounds one RunToQuiescence call.
	QuiesceTimeout time.Duration `yaml:"quiesce_timeout"`
	// StepBound caps work items processed per tick; 0 means unbounded.
	StepBound int `yaml:"step_bound"`
	// SnapshotEvery is read from the YAML file but not acted on: the host
	// takes no snapshots based on a step count.
	SnapshotEvery int `yaml:"snapshot_every"`
	// ValidateEvents enables JSON-schema validation at ingress.
	ValidateEvents bool `yaml:"validate_events"`

	// RedisAddr enables the distributed dispatch limiter when set.
	RedisAddr string `yaml:"redis_addr"`
	// ArchiveDSN enables Postgres journal archiving when set.
	ArchiveDSN string `yaml:"archive_dsn"`
	// S3Bucket enables blob replication to S3 when set.
	S3Bucket   string `yaml:"s3_bucket"`
	S3Region   string `yaml:"s3_region"`
	S3Endpoint string `yaml:"s3_endpoint"`

	// ControlSocket is the path of the local control stream.
	ControlSocket string `yaml:"control_socket"`
	// AuthSecret, when set, requires bearer tokens on the control socket.
	AuthSecret string `yaml:"auth_secret"`
}

// Load builds configuration from environment variables with safe dev
// defaults.
func Load() *Config {
	cfg := &Config{
		WorldRoot:      envOr("AOS_WORLD_ROOT", "."),
		ManifestPath:   os.Getenv("AOS_MANIFEST"),
		LogLevel:       envOr("AOS_LOG_LEVEL", "INFO"),
		EffectTimeout:  envDuration("AOS_EFFECT_TIMEOUT", 30*time.Second),
		QuiesceTimeout: envDuration("AOS_QUIESCE_TIMEOUT", 2*time.Minute),
		RedisAddr:      os.Getenv("AOS_REDIS_ADDR"),
		ArchiveDSN:     os.Getenv("AOS_ARCHIVE_DSN"),
		S3Bucket:       os.Getenv("AOS_S3_BUCKET"),
		S3Region:       envOr("AOS_S3_REGION", "us-east-1"),
		S3Endpoint:     os.Getenv("AOS_S3_ENDPOINT"),
		ControlSocket:  os.Getenv("AOS_CONTROL_SOCKET"),
		AuthSecret:     os.Getenv("AOS_AUTH_SECRET"),
		ValidateEvents: os.Getenv("AOS_VALIDATE_EVENTS") == "true",
	}
	if cfg.ManifestPath == "" {
		cfg.ManifestPath = filepath.Join(cfg.WorldRoot, "manifest.json")
	}
	if cfg.ControlSocket == "" {
		cfg.ControlSocket = filepath.Join(cfg.WorldRoot, ".aos", "control.sock")
	}
	return cfg
}

// LoadProfile overlays a YAML profile file onto cfg.
func (c *Config) LoadProfile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("host: read profile %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, c); err != nil {
		return fmt.Errorf("host: parse profile %s: %w", path, err)
	}
	return nil
}

// StoreDir returns the content store root.
func (c *Config) StoreDir() string {
	return filepath.Join(c.WorldRoot, ".aos", "store", "blobs")
}

// JournalDir returns the journal segment directory.
func (c *Config) JournalDir() string {
	return filepath.Join(c.WorldRoot, ".aos", "journal")
}

// SnapshotDir returns the snapshot marker mirror directory.
func (c *Config) SnapshotDir() string {
	return filepath.Join(c.WorldRoot, ".aos", "snapshots")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
