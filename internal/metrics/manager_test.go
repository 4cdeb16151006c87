package metrics

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snapsync/snapsync/internal/config"
	"github.com/snapsync/snapsync/internal/reconcile"
	"github.com/snapsync/snapsync/internal/record"
	"github.com/snapsync/snapsync/internal/storage"
)

func testMetricsConfig() config.MetricsConfig {
	return config.MetricsConfig{Enable: true, Path: "/metrics", Interval: 1}
}

func newTestManager(t *testing.T) *metricsManager {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	m, ok := NewManager(testMetricsConfig(), t.TempDir(), logger).(*metricsManager)
	require.True(t, ok)
	return m
}

func TestNewManager_Disabled(t *testing.T) {
	m := NewManager(config.MetricsConfig{Enable: false}, "", nil)
	_, ok := m.(*noopManager)
	assert.True(t, ok)
	assert.True(t, m.IsHealthy())
	assert.NoError(t, m.Start(context.Background()))
	assert.NoError(t, m.Stop())

	rr := httptest.NewRecorder()
	m.GetMetricsHandler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestNewManager_Defaults(t *testing.T) {
	m, ok := NewManager(config.MetricsConfig{Enable: true}, "", nil).(*metricsManager)
	require.True(t, ok)
	assert.Equal(t, "/metrics", m.Path())
	assert.Equal(t, 15*time.Second, m.config.Interval)
	assert.Equal(t, "snapsync", m.config.Namespace)
}

func TestReconcileCompleted(t *testing.T) {
	m := newTestManager(t)
	scope := record.Scope{Dataset: "sales", Collection: "regions"}

	m.ReconcileCompleted(context.Background(), reconcile.Event{
		Scope:    scope,
		Summary:  reconcile.Summary{Upserted: 2, Deleted: 2, Skipped: 1},
		Duration: 20 * time.Millisecond,
	})
	m.ReconcileCompleted(context.Background(), reconcile.Event{
		Scope:   scope,
		Summary: reconcile.Summary{Upserted: 1, Failed: 1},
		Err:     storage.NewError(storage.OpUpsert, scope, "1 of 2 upserts failed"),
	})
	m.ReconcileCompleted(context.Background(), reconcile.Event{
		Scope: scope,
		Err:   errors.New("delete failed"),
	})

	assert.Equal(t, float64(1), testutil.ToFloat64(m.reconcileTotal.WithLabelValues("sales", "success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.reconcileTotal.WithLabelValues("sales", "partial")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.reconcileTotal.WithLabelValues("sales", "failed")))
	assert.Equal(t, float64(3), testutil.ToFloat64(m.recordsUpserted))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.recordsDeleted))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.recordsSkipped))
}

func TestRecordAuthFailureAndSystemMetrics(t *testing.T) {
	m := newTestManager(t)

	m.RecordAuthFailure("invalid_key")
	m.RecordAuthFailure("invalid_key")
	m.UpdateSystemMetrics(42.5, 61)

	assert.Equal(t, float64(2), testutil.ToFloat64(m.authFailuresTotal.WithLabelValues("invalid_key")))
	assert.Equal(t, 42.5, testutil.ToFloat64(m.dataDirUsage))
	assert.Equal(t, float64(61), testutil.ToFloat64(m.systemMemoryUsage))
}

func TestMiddleware_UsesRouteTemplate(t *testing.T) {
	m := newTestManager(t)

	router := mux.NewRouter()
	router.Use(m.Middleware())
	router.HandleFunc("/api/v1/{dataset}/{collection}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	for _, path := range []string{"/api/v1/sales/regions", "/api/v1/hr/people"} {
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusTeapot, rr.Code)
	}

	got := testutil.ToFloat64(m.httpRequestsTotal.WithLabelValues("GET", "/api/v1/{dataset}/{collection}", "418"))
	assert.Equal(t, float64(2), got)
}

func TestMetricsHandler_Exposition(t *testing.T) {
	m := newTestManager(t)
	m.RecordStorageOperation(storage.OpPing, true, time.Millisecond)
	m.ReconcileCompleted(context.Background(), reconcile.Event{Scope: record.Scope{Dataset: "a", Collection: "b"}})

	rr := httptest.NewRecorder()
	m.GetMetricsHandler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	body := rr.Body.String()
	for _, name := range []string{
		"snapsync_reconcile_total",
		"snapsync_reconcile_duration_seconds",
		"snapsync_records_upserted_total",
		"snapsync_storage_operations_total",
		"snapsync_data_dir_usage_percent",
		"go_goroutines",
	} {
		assert.Contains(t, body, name)
	}
}

func TestStartStop(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	assert.False(t, m.IsHealthy())
	require.NoError(t, m.Start(ctx))
	assert.True(t, m.IsHealthy())
	assert.Error(t, m.Start(ctx))

	require.NoError(t, m.Stop())
	assert.False(t, m.IsHealthy())
	assert.Error(t, m.Stop())
}

func TestGetDiskUsage(t *testing.T) {
	stats, err := GetDiskUsage(t.TempDir())
	require.NoError(t, err)
	assert.Greater(t, stats.TotalBytes, uint64(0))
	assert.GreaterOrEqual(t, stats.UsedPercent, 0.0)
	assert.LessOrEqual(t, stats.UsedPercent, 100.0)
}

func TestInstrumentDriver(t *testing.T) {
	m := newTestManager(t)
	mem := storage.NewMemoryDriver()
	d := InstrumentDriver(mem, m)
	ctx := context.Background()
	scope := record.Scope{Dataset: "sales", Collection: "regions"}

	assert.Equal(t, storage.BackendMemory, d.Name())
	assert.Same(t, mem, d.Unwrap())

	doc := func(key string) *record.Document {
		return &record.Document{Key: key, Scope: scope, Fields: record.Fields{"name": key}}
	}

	_, err := d.DeleteWhereKeyNotIn(ctx, scope, nil)
	require.NoError(t, err)
	require.NoError(t, d.EnsureUniqueIndex(ctx, scope, "_key"))

	mem.SetFaults(func(op string, _ record.Scope, key string) error {
		if op == storage.OpUpsert && key == "west" {
			return errors.New("write conflict")
		}
		return nil
	})
	result, err := d.BulkUpsertUnordered(ctx, scope, []*record.Document{doc("east"), doc("west")})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed())

	mem.SetFaults(nil)
	result, err = d.BulkUpsertUnordered(ctx, scope, []*record.Document{doc("east")})
	require.NoError(t, err)
	assert.Equal(t, 0, result.Failed())

	docs, err := d.Find(ctx, scope, storage.FindOptions{})
	require.NoError(t, err)
	assert.Len(t, docs, 1)

	mem.SetFaults(func(op string, _ record.Scope, _ string) error {
		if op == storage.OpPing {
			return errors.New("unreachable")
		}
		return nil
	})
	assert.Error(t, d.Ping(ctx))

	counter := func(op, status string) float64 {
		return testutil.ToFloat64(m.storageOperationsTotal.WithLabelValues(op, status))
	}
	assert.Equal(t, float64(1), counter(storage.OpDelete, "success"))
	assert.Equal(t, float64(1), counter(storage.OpEnsureIndex, "success"))
	assert.Equal(t, float64(1), counter(storage.OpUpsert, "success"))
	assert.Equal(t, float64(1), counter(storage.OpUpsert, "failure"))
	assert.Equal(t, float64(1), counter(storage.OpFind, "success"))
	assert.Equal(t, float64(1), counter(storage.OpPing, "failure"))

	require.NoError(t, d.Close())
}
