package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Config holds all configuration for SnapSync
type Config struct {
	// Server configuration
	Listen   string `mapstructure:"listen"`
	DataDir  string `mapstructure:"data_dir"`
	LogLevel string `mapstructure:"log_level"`

	// ReadOnly rejects sync requests with 503 while reads keep working
	ReadOnly bool `mapstructure:"read_only"`

	// TLS configuration
	EnableTLS bool   `mapstructure:"enable_tls"`
	CertFile  string `mapstructure:"cert_file"`
	KeyFile   string `mapstructure:"key_file"`

	Storage   StorageConfig   `mapstructure:"storage"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Reconcile ReconcileConfig `mapstructure:"reconcile"`
	Query     QueryConfig     `mapstructure:"query"`
	Audit     AuditConfig     `mapstructure:"audit"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Export    ExportConfig    `mapstructure:"export"`
}

// StorageConfig selects the record store
type StorageConfig struct {
	Backend    string `mapstructure:"backend"`  // memory, pebble, badger, sqlite, postgres, mongo
	Encoding   string `mapstructure:"encoding"` // json, cbor (pebble and badger only)
	SyncWrites bool   `mapstructure:"sync_writes"`

	SQLitePath  string        `mapstructure:"sqlite_path"`
	PostgresDSN string        `mapstructure:"postgres_dsn"`
	MongoURI    string        `mapstructure:"mongo_uri"`
	Timeout     time.Duration `mapstructure:"timeout"`    // connect
	OpTimeout   time.Duration `mapstructure:"op_timeout"` // per storage phase, 0 disables
}

// AuthConfig defines API key authentication and the dataset allowlist
type AuthConfig struct {
	EnableAuth bool   `mapstructure:"enable_auth"`
	APIKey     string `mapstructure:"api_key"`
	APIKeyHash string `mapstructure:"api_key_hash"` // bcrypt hash, preferred over api_key

	// Datasets callers may touch; empty allows every valid dataset name
	AllowedDatasets []string `mapstructure:"allowed_datasets"`
}

// ReconcileConfig tunes the reconciliation engine
type ReconcileConfig struct {
	DefaultKeyField string `mapstructure:"default_key_field"`
	SerializeScopes bool   `mapstructure:"serialize_scopes"`
	LockStripes     int    `mapstructure:"lock_stripes"`
	MaxBodyBytes    int64  `mapstructure:"max_body_bytes"`
}

// QueryConfig bounds read-snapshot queries
type QueryConfig struct {
	DefaultLimit int      `mapstructure:"default_limit"`
	MaxLimit     int      `mapstructure:"max_limit"`
	TextFields   []string `mapstructure:"text_fields"`
}

// AuditConfig defines the reconciliation audit trail
type AuditConfig struct {
	Enable        bool   `mapstructure:"enable"`
	Path          string `mapstructure:"path"`
	RetentionDays int    `mapstructure:"retention_days"`
}

// MetricsConfig defines metrics configuration
type MetricsConfig struct {
	Enable   bool   `mapstructure:"enable"`
	Path     string `mapstructure:"path"`
	Interval int    `mapstructure:"interval"`
}

// RateLimitConfig defines per-client request throttling
type RateLimitConfig struct {
	Enable            bool    `mapstructure:"enable"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

// ExportConfig defines the S3-compatible snapshot export target
type ExportConfig struct {
	Endpoint     string `mapstructure:"endpoint"`
	Region       string `mapstructure:"region"`
	Bucket       string `mapstructure:"bucket"`
	AccessKey    string `mapstructure:"access_key"`
	SecretKey    string `mapstructure:"secret_key"`
	Prefix       string `mapstructure:"prefix"`
	UsePathStyle bool   `mapstructure:"use_path_style"`
}

// Query limits that configuration may not exceed
const (
	hardMaxLimit  = 5000
	maxTextFields = 2
)

var (
	validBackends  = []string{"memory", "pebble", "badger", "sqlite", "postgres", "mongo"}
	validEncodings = []string{"json", "cbor"}
)

// Load loads configuration from defaults, an optional config file,
// SNAPSYNC_* environment variables and command line flags.
func Load(cmd *cobra.Command) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if err := bindFlags(cmd, v); err != nil {
		return nil, fmt.Errorf("failed to bind flags: %w", err)
	}

	if configFile, _ := cmd.Flags().GetString("config"); configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix("SNAPSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("listen", ":8080")
	v.SetDefault("data_dir", "./data")
	v.SetDefault("log_level", "info")
	v.SetDefault("read_only", false)

	// TLS defaults
	v.SetDefault("enable_tls", false)
	v.SetDefault("cert_file", "")
	v.SetDefault("key_file", "")

	// Storage defaults
	v.SetDefault("storage.backend", "pebble")
	v.SetDefault("storage.encoding", "json")
	v.SetDefault("storage.sync_writes", false)
	v.SetDefault("storage.sqlite_path", "")
	v.SetDefault("storage.postgres_dsn", "")
	v.SetDefault("storage.mongo_uri", "")
	v.SetDefault("storage.timeout", 10*time.Second)
	v.SetDefault("storage.op_timeout", time.Minute)

	// Auth defaults - NO default API key
	v.SetDefault("auth.enable_auth", true)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("auth.api_key_hash", "")
	v.SetDefault("auth.allowed_datasets", []string{})

	// Reconciliation defaults
	v.SetDefault("reconcile.default_key_field", "name")
	v.SetDefault("reconcile.serialize_scopes", true)
	v.SetDefault("reconcile.lock_stripes", 64)
	v.SetDefault("reconcile.max_body_bytes", 32<<20)

	// Query defaults
	v.SetDefault("query.default_limit", 200)
	v.SetDefault("query.max_limit", hardMaxLimit)
	v.SetDefault("query.text_fields", []string{"name"})

	// Audit defaults
	v.SetDefault("audit.enable", true)
	v.SetDefault("audit.path", "")
	v.SetDefault("audit.retention_days", 90)

	// Metrics defaults
	v.SetDefault("metrics.enable", true)
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("metrics.interval", 10)

	// Rate limit defaults
	v.SetDefault("rate_limit.enable", false)
	v.SetDefault("rate_limit.requests_per_second", 50.0)
	v.SetDefault("rate_limit.burst", 100)

	// Export defaults
	v.SetDefault("export.endpoint", "")
	v.SetDefault("export.region", "us-east-1")
	v.SetDefault("export.bucket", "")
	v.SetDefault("export.access_key", "")
	v.SetDefault("export.secret_key", "")
	v.SetDefault("export.prefix", "snapshots")
	v.SetDefault("export.use_path_style", true)
}

func bindFlags(cmd *cobra.Command, v *viper.Viper) error {
	flags := map[string]string{
		"listen":          "listen",
		"data-dir":        "data_dir",
		"log-level":       "log_level",
		"enable-tls":      "enable_tls",
		"cert-file":       "cert_file",
		"key-file":        "key_file",
		"storage-backend": "storage.backend",
	}

	for flag, key := range flags {
		f := cmd.Flags().Lookup(flag)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return err
		}
	}

	return nil
}

func validate(cfg *Config) error {
	if cfg.DataDir == "" {
		return fmt.Errorf("data_dir is required: specify via --data-dir flag, config file, or SNAPSYNC_DATA_DIR environment variable")
	}
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg.Storage.Backend = strings.ToLower(strings.TrimSpace(cfg.Storage.Backend))
	if !contains(validBackends, cfg.Storage.Backend) {
		return fmt.Errorf("unknown storage.backend %q (want one of %s)", cfg.Storage.Backend, strings.Join(validBackends, ", "))
	}
	cfg.Storage.Encoding = strings.ToLower(strings.TrimSpace(cfg.Storage.Encoding))
	if !contains(validEncodings, cfg.Storage.Encoding) {
		return fmt.Errorf("unknown storage.encoding %q (want json or cbor)", cfg.Storage.Encoding)
	}
	if cfg.Storage.Backend == "postgres" && cfg.Storage.PostgresDSN == "" {
		return fmt.Errorf("storage.postgres_dsn is required for the postgres backend")
	}
	if cfg.Storage.Backend == "mongo" && cfg.Storage.MongoURI == "" {
		return fmt.Errorf("storage.mongo_uri is required for the mongo backend")
	}

	if cfg.EnableTLS {
		if cfg.CertFile == "" || cfg.KeyFile == "" {
			return fmt.Errorf("TLS enabled but cert-file or key-file not specified")
		}
	}

	if strings.TrimSpace(cfg.Reconcile.DefaultKeyField) == "" {
		cfg.Reconcile.DefaultKeyField = "name"
	}
	if cfg.Reconcile.LockStripes <= 0 {
		cfg.Reconcile.LockStripes = 64
	}

	if cfg.Query.MaxLimit <= 0 || cfg.Query.MaxLimit > hardMaxLimit {
		cfg.Query.MaxLimit = hardMaxLimit
	}
	if cfg.Query.DefaultLimit <= 0 || cfg.Query.DefaultLimit > cfg.Query.MaxLimit {
		cfg.Query.DefaultLimit = min(200, cfg.Query.MaxLimit)
	}
	cfg.Query.TextFields = compact(cfg.Query.TextFields)
	if len(cfg.Query.TextFields) == 0 {
		cfg.Query.TextFields = []string{"name"}
	}
	if len(cfg.Query.TextFields) > maxTextFields {
		return fmt.Errorf("query.text_fields accepts at most %d fields, got %d", maxTextFields, len(cfg.Query.TextFields))
	}

	cfg.Auth.AllowedDatasets = compact(cfg.Auth.AllowedDatasets)
	if cfg.Auth.EnableAuth && len(cfg.Auth.AllowedDatasets) == 0 {
		logrus.Warn("auth.allowed_datasets is empty: every valid dataset name is accepted")
	}

	if cfg.Audit.Path == "" {
		cfg.Audit.Path = filepath.Join(cfg.DataDir, "audit.db")
	}
	if cfg.Audit.RetentionDays < 0 {
		cfg.Audit.RetentionDays = 0
	}

	if cfg.RateLimit.Enable && (cfg.RateLimit.RequestsPerSecond <= 0 || cfg.RateLimit.Burst <= 0) {
		return fmt.Errorf("rate_limit requires positive requests_per_second and burst")
	}

	return nil
}

// compact trims entries and drops empty ones; a single comma separated
// entry (as delivered by environment variables) is split.
func compact(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
