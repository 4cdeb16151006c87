package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCommand() *cobra.Command {
	cmd := &cobra.Command{Use: "snapsync"}
	cmd.PersistentFlags().StringP("config", "c", "", "Configuration file path")
	cmd.PersistentFlags().StringP("data-dir", "d", "./data", "Data directory path")
	cmd.PersistentFlags().StringP("listen", "l", ":8080", "Listen address")
	cmd.PersistentFlags().String("log-level", "info", "Log level")
	cmd.PersistentFlags().String("storage-backend", "pebble", "Storage backend")
	return cmd
}

func TestSetDefaults(t *testing.T) {
	v := viper.New()
	setDefaults(v)

	assert.Equal(t, ":8080", v.GetString("listen"))
	assert.Equal(t, "./data", v.GetString("data_dir"))
	assert.Equal(t, "info", v.GetString("log_level"))
	assert.False(t, v.GetBool("enable_tls"))
	assert.False(t, v.GetBool("read_only"))
}

func TestSetDefaults_Storage(t *testing.T) {
	v := viper.New()
	setDefaults(v)

	assert.Equal(t, "pebble", v.GetString("storage.backend"))
	assert.Equal(t, "json", v.GetString("storage.encoding"))
	assert.Equal(t, 10*time.Second, v.GetDuration("storage.timeout"))
	assert.Equal(t, time.Minute, v.GetDuration("storage.op_timeout"))
}

func TestSetDefaults_Reconcile(t *testing.T) {
	v := viper.New()
	setDefaults(v)

	assert.Equal(t, "name", v.GetString("reconcile.default_key_field"))
	assert.True(t, v.GetBool("reconcile.serialize_scopes"))
	assert.Equal(t, 64, v.GetInt("reconcile.lock_stripes"))
	assert.Equal(t, 200, v.GetInt("query.default_limit"))
	assert.Equal(t, 5000, v.GetInt("query.max_limit"))
	assert.Equal(t, []string{"name"}, v.GetStringSlice("query.text_fields"))
}

func TestSetDefaults_AuthAuditMetrics(t *testing.T) {
	v := viper.New()
	setDefaults(v)

	assert.True(t, v.GetBool("auth.enable_auth"))
	assert.True(t, v.GetBool("audit.enable"))
	assert.Equal(t, 90, v.GetInt("audit.retention_days"))
	assert.True(t, v.GetBool("metrics.enable"))
	assert.Equal(t, "/metrics", v.GetString("metrics.path"))
	assert.False(t, v.GetBool("rate_limit.enable"))
}

func TestLoad_FlagsAndDerivedPaths(t *testing.T) {
	dataDir := filepath.Join(t.TempDir(), "nested", "data")
	cmd := newTestCommand()
	require.NoError(t, cmd.ParseFlags([]string{"--data-dir", dataDir, "--listen", ":9999", "--storage-backend", "SQLite"}))

	cfg, err := Load(cmd)
	require.NoError(t, err)

	assert.Equal(t, ":9999", cfg.Listen)
	assert.Equal(t, dataDir, cfg.DataDir)
	assert.Equal(t, "sqlite", cfg.Storage.Backend)
	assert.Equal(t, filepath.Join(dataDir, "audit.db"), cfg.Audit.Path)
	assert.DirExists(t, dataDir)
}

func TestLoad_Environment(t *testing.T) {
	t.Setenv("SNAPSYNC_DATA_DIR", t.TempDir())
	t.Setenv("SNAPSYNC_STORAGE_ENCODING", "cbor")
	t.Setenv("SNAPSYNC_RECONCILE_SERIALIZE_SCOPES", "false")
	t.Setenv("SNAPSYNC_AUTH_ALLOWED_DATASETS", "sales, ops")
	t.Setenv("SNAPSYNC_QUERY_TEXT_FIELDS", "name,label")

	cmd := &cobra.Command{Use: "snapsync"}
	cmd.Flags().String("config", "", "")

	cfg, err := Load(cmd)
	require.NoError(t, err)

	assert.Equal(t, "cbor", cfg.Storage.Encoding)
	assert.False(t, cfg.Reconcile.SerializeScopes)
	assert.Equal(t, []string{"sales", "ops"}, cfg.Auth.AllowedDatasets)
	assert.Equal(t, []string{"name", "label"}, cfg.Query.TextFields)
}

func TestLoad_ConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "snapsync.yaml")
	content := "data_dir: " + filepath.Join(dir, "data") + "\n" +
		"storage:\n  backend: badger\n  timeout: 3s\n  op_timeout: 45s\n" +
		"query:\n  default_limit: 50\n  max_limit: 100\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cmd := newTestCommand()
	require.NoError(t, cmd.ParseFlags([]string{"--config", path}))

	cfg, err := Load(cmd)
	require.NoError(t, err)
	assert.Equal(t, "badger", cfg.Storage.Backend)
	assert.Equal(t, 3*time.Second, cfg.Storage.Timeout)
	assert.Equal(t, 45*time.Second, cfg.Storage.OpTimeout)
	assert.Equal(t, 50, cfg.Query.DefaultLimit)
	assert.Equal(t, 100, cfg.Query.MaxLimit)
}

func TestValidate(t *testing.T) {
	valid := func(t *testing.T) Config {
		return Config{
			DataDir:   t.TempDir(),
			Storage:   StorageConfig{Backend: "pebble", Encoding: "json"},
			Query:     QueryConfig{DefaultLimit: 200, MaxLimit: 5000},
			Reconcile: ReconcileConfig{LockStripes: 8},
		}
	}

	t.Run("fills defaults", func(t *testing.T) {
		cfg := valid(t)
		cfg.Query = QueryConfig{DefaultLimit: 0, MaxLimit: 99999}
		require.NoError(t, validate(&cfg))
		assert.Equal(t, 5000, cfg.Query.MaxLimit)
		assert.Equal(t, 200, cfg.Query.DefaultLimit)
		assert.Equal(t, []string{"name"}, cfg.Query.TextFields)
		assert.Equal(t, "name", cfg.Reconcile.DefaultKeyField)
	})

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing data dir", func(c *Config) { c.DataDir = "" }},
		{"unknown backend", func(c *Config) { c.Storage.Backend = "cassandra" }},
		{"unknown encoding", func(c *Config) { c.Storage.Encoding = "xml" }},
		{"postgres without dsn", func(c *Config) { c.Storage.Backend = "postgres" }},
		{"mongo without uri", func(c *Config) { c.Storage.Backend = "mongo" }},
		{"tls without cert", func(c *Config) { c.EnableTLS = true }},
		{"too many text fields", func(c *Config) { c.Query.TextFields = []string{"a", "b", "c"} }},
		{"rate limit without rate", func(c *Config) { c.RateLimit = RateLimitConfig{Enable: true} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid(t)
			tt.mutate(&cfg)
			assert.Error(t, validate(&cfg))
		})
	}
}

func TestCompact(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, compact([]string{" a ,b", "", "c"}))
	assert.Nil(t, compact(nil))
}
