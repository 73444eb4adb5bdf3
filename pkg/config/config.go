// Package config loads capc runtime configuration.
//
// Values are layered: built-in defaults, then an optional YAML file, then
// environment variables. Command-line flags are applied last by the CLI.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/cap-compiler/pkg/diag"
	"github.com/Mindburn-Labs/cap-compiler/pkg/policy"
)

// EnvConfigFile names the environment variable holding a config file path.
const EnvConfigFile = "CAPC_CONFIG"

// StoreType selects the policy store backend.
type StoreType string

const (
	StoreNone     StoreType = "none"
	StoreMemory   StoreType = "memory"
	StoreSQLite   StoreType = "sqlite"
	StorePostgres StoreType = "postgres"
	StoreBlob     StoreType = "blob"
)

// ArtifactType selects the blob backend used by the blob store.
type ArtifactType string

const (
	ArtifactFS  ArtifactType = "fs"
	ArtifactS3  ArtifactType = "s3"
	ArtifactGCS ArtifactType = "gcs"
)

// ErrInvalid is returned by Validate.
var ErrInvalid = errors.New("invalid configuration")

// Config holds the runtime configuration of the capc tool.
type Config struct {
	Mode          string `yaml:"mode"`
	LogLevel      string `yaml:"log_level"`
	LogFormat     string `yaml:"log_format"`
	MaxInputBytes int64  `yaml:"max_input_bytes"`
	DataDir       string `yaml:"data_dir"`
	AuditLog      string `yaml:"audit_log"`

	Store     StoreConfig     `yaml:"store"`
	Artifacts ArtifactsConfig `yaml:"artifacts"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// StoreConfig configures the policy store.
type StoreConfig struct {
	Type StoreType `yaml:"type"`
	// DSN is a file path for sqlite and a connection string for postgres.
	DSN string `yaml:"dsn"`
	// RedisURL enables the read-through cache when set.
	RedisURL string `yaml:"redis_url"`
}

// ArtifactsConfig configures blob storage for the blob store.
type ArtifactsConfig struct {
	Type ArtifactType `yaml:"type"`

	S3Bucket   string `yaml:"s3_bucket"`
	S3Region   string `yaml:"s3_region"`
	S3Endpoint string `yaml:"s3_endpoint"` // MinIO, LocalStack
	S3Prefix   string `yaml:"s3_prefix"`

	GCSBucket string `yaml:"gcs_bucket"`
	GCSPrefix string `yaml:"gcs_prefix"`
}

// TelemetryConfig configures OpenTelemetry export.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled"`
	OTLPEndpoint string  `yaml:"otlp_endpoint"`
	SampleRate   float64 `yaml:"sample_rate"`
	Insecure     bool    `yaml:"insecure"`
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		Mode:          string(diag.ModeStrict),
		LogLevel:      "INFO",
		LogFormat:     "text",
		MaxInputBytes: policy.DefaultMaxBytes,
		DataDir:       "data",
		Store: StoreConfig{
			Type: StoreNone,
		},
		Artifacts: ArtifactsConfig{
			Type:     ArtifactFS,
			S3Region: "us-east-1",
		},
		Telemetry: TelemetryConfig{
			OTLPEndpoint: "localhost:4317",
			SampleRate:   1.0,
			Insecure:     true,
		},
	}
}

// Load builds the configuration from defaults, the file named by
// path (or CAPC_CONFIG when path is empty) and the environment.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	if path == "" {
		path = os.Getenv(EnvConfigFile)
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile reads a YAML config file on top of the defaults. The environment
// is not consulted.
func LoadFile(path string) (*Config, error) {
	cfg := Defaults()
	if err := cfg.loadFile(path); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
	if err != nil {
		return fmt.Errorf("load config %q: %w", path, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config %q: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	setString(&c.Mode, "CAPC_MODE")
	setString(&c.LogLevel, "LOG_LEVEL")
	setString(&c.LogFormat, "LOG_FORMAT")
	setString(&c.DataDir, "DATA_DIR")
	setString(&c.AuditLog, "CAPC_AUDIT_LOG")

	if v := os.Getenv("CAPC_MAX_INPUT_BYTES"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("CAPC_MAX_INPUT_BYTES: %w", err)
		}
		c.MaxInputBytes = n
	}

	if v := os.Getenv("CAPC_STORE"); v != "" {
		c.Store.Type = StoreType(strings.ToLower(v))
	}
	setString(&c.Store.DSN, "CAPC_STORE_DSN")
	setString(&c.Store.RedisURL, "CAPC_REDIS_URL")

	if v := os.Getenv("ARTIFACT_STORAGE_TYPE"); v != "" {
		c.Artifacts.Type = ArtifactType(strings.ToLower(v))
	}
	setString(&c.Artifacts.S3Bucket, "ARTIFACT_S3_BUCKET")
	setString(&c.Artifacts.S3Region, "AWS_REGION")
	setString(&c.Artifacts.S3Region, "ARTIFACT_S3_REGION")
	setString(&c.Artifacts.S3Endpoint, "ARTIFACT_S3_ENDPOINT")
	setString(&c.Artifacts.S3Prefix, "ARTIFACT_S3_PREFIX")
	setString(&c.Artifacts.GCSBucket, "ARTIFACT_GCS_BUCKET")
	setString(&c.Artifacts.GCSPrefix, "ARTIFACT_GCS_PREFIX")

	setString(&c.Telemetry.OTLPEndpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	if v := os.Getenv("CAPC_TELEMETRY"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// Validate checks that every enumerated setting names a known value and
// that the selected backends have what they need.
func (c *Config) Validate() error {
	var errs []error
	if _, err := diag.ParseMode(c.Mode); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q (want text or json)", c.LogFormat))
	}
	if c.MaxInputBytes <= 0 {
		errs = append(errs, fmt.Errorf("max_input_bytes must be positive, got %d", c.MaxInputBytes))
	}

	switch c.Store.Type {
	case StoreNone, StoreMemory, StoreSQLite, StoreBlob:
	case StorePostgres:
		if c.Store.DSN == "" {
			errs = append(errs, errors.New("postgres store requires a dsn"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store type %q", c.Store.Type))
	}

	switch c.Artifacts.Type {
	case ArtifactFS:
	case ArtifactS3:
		if c.Store.Type == StoreBlob && c.Artifacts.S3Bucket == "" {
			errs = append(errs, errors.New("ARTIFACT_S3_BUCKET is required for S3 storage"))
		}
	case ArtifactGCS:
		if c.Store.Type == StoreBlob && c.Artifacts.GCSBucket == "" {
			errs = append(errs, errors.New("ARTIFACT_GCS_BUCKET is required for GCS storage"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported artifact storage type %q", c.Artifacts.Type))
	}

	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		errs = append(errs, fmt.Errorf("telemetry sample_rate must be in [0,1], got %g", c.Telemetry.SampleRate))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

// LintMode returns the parsed lint mode.
func (c *Config) LintMode() (diag.Mode, error) {
	return diag.ParseMode(c.Mode)
}

// SlogLevel parses LogLevel. Names are case-insensitive.
func (c *Config) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(c.LogLevel))); err != nil {
		return 0, fmt.Errorf("unknown log level %q: %w", c.LogLevel, err)
	}
	return lvl, nil
}

// SQLitePath returns the sqlite database path, defaulting under DataDir.
func (c *Config) SQLitePath() string {
	if c.Store.DSN != "" {
		return c.Store.DSN
	}
	return filepath.Join(c.DataDir, "capc.db")
}

// ArtifactDir returns the filesystem artifact root under DataDir.
func (c *Config) ArtifactDir() string {
	return filepath.Join(c.DataDir, "artifacts")
}
