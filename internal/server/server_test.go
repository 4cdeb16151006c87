package server

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snapsync/snapsync/internal/config"
	"github.com/snapsync/snapsync/internal/storage"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dataDir := t.TempDir()
	return &config.Config{
		Listen:   "127.0.0.1:0",
		DataDir:  dataDir,
		LogLevel: "info",
		Storage: config.StorageConfig{
			Backend:  storage.BackendMemory,
			Encoding: "json",
		},
		Auth: config.AuthConfig{
			EnableAuth:      true,
			APIKey:          "test-key",
			AllowedDatasets: []string{"sales"},
		},
		Reconcile: config.ReconcileConfig{
			DefaultKeyField: "name",
			SerializeScopes: true,
			LockStripes:     8,
		},
		Query: config.QueryConfig{DefaultLimit: 200, MaxLimit: 5000, TextFields: []string{"name"}},
		Audit: config.AuditConfig{
			Enable:        true,
			Path:          filepath.Join(dataDir, "audit.db"),
			RetentionDays: 30,
		},
		Metrics: config.MetricsConfig{Enable: true, Path: "/metrics", Interval: 10},
	}
}

func newTestServer(t *testing.T, cfg *config.Config) *Server {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	s, err := New(context.Background(), cfg, logger)
	require.NoError(t, err)
	return s
}

func serve(s *Server, method, path, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("X-API-Key", "test-key")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestServer_EndToEnd(t *testing.T) {
	s := newTestServer(t, testConfig(t))
	t.Cleanup(func() { s.release() })

	rec := serve(s, http.MethodPost, "/api/v1/sales/regions/sync", `[{"name": "east"}, {"name": "west"}, {"pop": 1}]`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	var summary map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summary))
	assert.Equal(t, float64(2), summary["upsertedCount"])
	assert.Equal(t, float64(1), summary["skippedCount"])

	rec = serve(s, http.MethodGet, "/api/v1/sales/regions?q=ea", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"_key":"east"`)
	assert.NotContains(t, rec.Body.String(), `"_key":"west"`)

	rec = serve(s, http.MethodGet, "/api/v1/audit", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"total":1`)

	rec = serve(s, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `snapsync_reconcile_total{dataset="sales",status="success"} 1`)
	assert.Contains(t, body, `snapsync_storage_operations_total{op="delete",status="success"} 1`)
	assert.Contains(t, body, `snapsync_http_requests_total`)
}

func TestServer_CORSPreflight(t *testing.T) {
	s := newTestServer(t, testConfig(t))
	t.Cleanup(func() { s.release() })

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/sales/regions/sync", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "X-API-Key")
}

func TestServer_RateLimit(t *testing.T) {
	cfg := testConfig(t)
	cfg.RateLimit = config.RateLimitConfig{Enable: true, RequestsPerSecond: 0.01, Burst: 2}
	s := newTestServer(t, cfg)
	t.Cleanup(func() { s.release() })

	for i := 0; i < 2; i++ {
		rec := serve(s, http.MethodGet, "/api/v1/sales/regions", "")
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := serve(s, http.MethodGet, "/api/v1/sales/regions", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Contains(t, rec.Body.String(), `"code":"rate_limited"`)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	// health and metrics are exempt
	rec = serve(s, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = serve(s, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_AuditAndMetricsDisabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.Audit.Enable = false
	cfg.Metrics.Enable = false
	s := newTestServer(t, cfg)
	t.Cleanup(func() { s.release() })

	assert.Equal(t, http.StatusNotFound, serve(s, http.MethodGet, "/api/v1/audit", "").Code)
	assert.Equal(t, http.StatusNotFound, serve(s, http.MethodGet, "/metrics", "").Code)
	assert.Equal(t, http.StatusOK, serve(s, http.MethodGet, "/health", "").Code)
}

func TestNew_InvalidConfig(t *testing.T) {
	t.Run("missing api key", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Auth.APIKey = ""
		_, err := New(context.Background(), cfg, nil)
		assert.Error(t, err)
	})

	t.Run("bad allowlist entry", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Auth.AllowedDatasets = []string{"not valid!"}
		_, err := New(context.Background(), cfg, nil)
		assert.Error(t, err)
	})

	t.Run("unknown backend", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Storage.Backend = "cassandra"
		_, err := New(context.Background(), cfg, nil)
		assert.ErrorIs(t, err, storage.ErrUnknownBackend)
	})
}

func TestServer_StartAndShutdown(t *testing.T) {
	cfg := testConfig(t)
	s := newTestServer(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(shutdownTimeout):
		t.Fatal("server did not shut down")
	}
}

func TestServer_StartFailsOnBusyPort(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	cfg := testConfig(t)
	cfg.Listen = ln.Addr().String()
	s := newTestServer(t, cfg)

	err = s.Start(context.Background())
	assert.Error(t, err)
}

func TestServer_ReadOnly(t *testing.T) {
	cfg := testConfig(t)
	cfg.ReadOnly = true
	s := newTestServer(t, cfg)
	t.Cleanup(func() { s.release() })

	rec := serve(s, http.MethodPost, "/api/v1/sales/regions/sync", `[{"name": "east"}]`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"code":"unavailable"`)
	assert.Equal(t, http.StatusOK, serve(s, http.MethodGet, "/api/v1/sales/regions", "").Code)

	s.SetReadOnly(false)
	rec = serve(s, http.MethodPost, "/api/v1/sales/regions/sync", `[{"name": "east"}]`)
	assert.Equal(t, http.StatusOK, rec.Code)
}
