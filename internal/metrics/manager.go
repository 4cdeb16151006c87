package metrics

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/snapsync/snapsync/internal/config"
	"github.com/snapsync/snapsync/internal/reconcile"
)

// Manager defines the interface for metrics management
type Manager interface {
	// HTTP Metrics
	RecordHTTPRequest(method, path, status string, duration time.Duration)

	// Reconciliation Metrics
	ReconcileCompleted(ctx context.Context, ev reconcile.Event)

	// Storage Metrics
	RecordStorageOperation(operation string, success bool, duration time.Duration)

	// Authentication Metrics
	RecordAuthFailure(reason string)

	// System Metrics
	UpdateSystemMetrics(diskUsage, memoryUsage float64)

	// Export and Health
	GetMetricsHandler() http.Handler
	Path() string
	IsHealthy() bool

	// HTTP Middleware
	Middleware() func(http.Handler) http.Handler

	// Lifecycle
	Start(ctx context.Context) error
	Stop() error
}

// MetricsConfig holds configuration for the metrics system
type MetricsConfig struct {
	Enabled   bool
	Path      string
	Namespace string
	Interval  time.Duration
	DataDir   string
}

// metricsManager implements the Manager interface using Prometheus
type metricsManager struct {
	config   MetricsConfig
	logger   *logrus.Logger
	registry *prometheus.Registry
	sampler  *systemSampler

	// HTTP Metrics
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// Reconciliation Metrics
	reconcileTotal    *prometheus.CounterVec
	reconcileDuration prometheus.Histogram
	recordsUpserted   prometheus.Counter
	recordsDeleted    prometheus.Counter
	recordsSkipped    prometheus.Counter

	// Storage Metrics
	storageOperationsTotal   *prometheus.CounterVec
	storageOperationDuration *prometheus.HistogramVec

	// Authentication Metrics
	authFailuresTotal *prometheus.CounterVec

	// System Metrics
	dataDirUsage      prometheus.Gauge
	systemMemoryUsage prometheus.Gauge

	// Lifecycle
	started bool
	cancel  context.CancelFunc
	mu      sync.RWMutex
}

// NewManager creates a new metrics manager. A disabled configuration yields
// a manager that records nothing.
func NewManager(cfg config.MetricsConfig, dataDir string, logger *logrus.Logger) Manager {
	if !cfg.Enable {
		return &noopManager{}
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	metricsConfig := MetricsConfig{
		Enabled:   cfg.Enable,
		Path:      cfg.Path,
		Namespace: "snapsync",
		Interval:  time.Duration(cfg.Interval) * time.Second,
		DataDir:   dataDir,
	}
	if metricsConfig.Path == "" {
		metricsConfig.Path = "/metrics"
	}
	if metricsConfig.Interval <= 0 {
		metricsConfig.Interval = 15 * time.Second
	}

	manager := &metricsManager{
		config:   metricsConfig,
		logger:   logger,
		registry: prometheus.NewRegistry(),
	}
	manager.sampler = newSystemSampler(dataDir, manager, logger)

	manager.initializeMetrics()
	manager.registerMetrics()
	return manager
}

func (m *metricsManager) initializeMetrics() {
	namespace := m.config.Namespace

	m.httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	m.httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	m.reconcileTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_total",
			Help:      "Total number of reconciliation calls",
		},
		[]string{"dataset", "status"},
	)

	m.reconcileDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reconcile_duration_seconds",
			Help:      "Reconciliation duration in seconds",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
	)

	m.recordsUpserted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "records_upserted_total",
		Help:      "Total number of records upserted by reconciliation",
	})

	m.recordsDeleted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "records_deleted_total",
		Help:      "Total number of records deleted by reconciliation",
	})

	m.recordsSkipped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "records_skipped_total",
		Help:      "Total number of records skipped for lacking a valid key",
	})

	m.storageOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "operations_total",
			Help:      "Total number of storage driver operations",
		},
		[]string{"op", "status"},
	)

	m.storageOperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "operation_duration_seconds",
			Help:      "Storage driver operation duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	m.authFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "failures_total",
			Help:      "Total number of rejected API requests",
		},
		[]string{"reason"},
	)

	m.dataDirUsage = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "data_dir_usage_percent",
		Help:      "Disk usage of the filesystem holding the data directory",
	})

	m.systemMemoryUsage = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "system",
		Name:      "memory_usage_percent",
		Help:      "System memory usage percentage",
	})
}

func (m *metricsManager) registerMetrics() {
	metrics := []prometheus.Collector{
		// HTTP
		m.httpRequestsTotal,
		m.httpRequestDuration,

		// Reconciliation
		m.reconcileTotal,
		m.reconcileDuration,
		m.recordsUpserted,
		m.recordsDeleted,
		m.recordsSkipped,

		// Storage
		m.storageOperationsTotal,
		m.storageOperationDuration,

		// Auth
		m.authFailuresTotal,

		// System
		m.dataDirUsage,
		m.systemMemoryUsage,

		// Runtime
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	}

	for _, metric := range metrics {
		m.registry.MustRegister(metric)
	}
}

func (m *metricsManager) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	m.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

func (m *metricsManager) ReconcileCompleted(_ context.Context, ev reconcile.Event) {
	m.reconcileTotal.WithLabelValues(ev.Scope.Dataset, ev.Status()).Inc()
	m.reconcileDuration.Observe(ev.Duration.Seconds())
	m.recordsUpserted.Add(float64(ev.Summary.Upserted))
	m.recordsDeleted.Add(float64(ev.Summary.Deleted))
	m.recordsSkipped.Add(float64(ev.Summary.Skipped))
}

func (m *metricsManager) RecordStorageOperation(operation string, success bool, duration time.Duration) {
	m.storageOperationsTotal.WithLabelValues(operation, statusLabel(success)).Inc()
	m.storageOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

func (m *metricsManager) RecordAuthFailure(reason string) {
	m.authFailuresTotal.WithLabelValues(reason).Inc()
}

func (m *metricsManager) UpdateSystemMetrics(diskUsage, memoryUsage float64) {
	m.dataDirUsage.Set(diskUsage)
	m.systemMemoryUsage.Set(memoryUsage)
}

func (m *metricsManager) GetMetricsHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *metricsManager) Path() string { return m.config.Path }

func (m *metricsManager) IsHealthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.started
}

// Middleware records request counts and latencies. Paths are labelled with
// the matched mux route template to keep label cardinality bounded.
func (m *metricsManager) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			wrapped := &responseWriterWrapper{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			next.ServeHTTP(wrapped, r)

			m.RecordHTTPRequest(r.Method, routeLabel(r), strconv.Itoa(wrapped.statusCode), time.Since(start))
		})
	}
}

// Start begins periodic sampling of system gauges.
func (m *metricsManager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return fmt.Errorf("metrics manager already started")
	}

	ctx, m.cancel = context.WithCancel(ctx)
	go m.sampler.run(ctx, m.config.Interval)

	m.started = true
	return nil
}

func (m *metricsManager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.started {
		return fmt.Errorf("metrics manager not started")
	}

	m.cancel()
	m.started = false
	return nil
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

func routeLabel(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}

// responseWriterWrapper wraps http.ResponseWriter to capture status code
type responseWriterWrapper struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriterWrapper) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

// noopManager is a no-op implementation when metrics are disabled
type noopManager struct{}

// NewNoopManager returns a Manager that records nothing.
func NewNoopManager() Manager { return &noopManager{} }

func (n *noopManager) RecordHTTPRequest(method, path, status string, duration time.Duration)         {}
func (n *noopManager) ReconcileCompleted(ctx context.Context, ev reconcile.Event)                     {}
func (n *noopManager) RecordStorageOperation(operation string, success bool, duration time.Duration) {}
func (n *noopManager) RecordAuthFailure(reason string)                                               {}
func (n *noopManager) UpdateSystemMetrics(diskUsage, memoryUsage float64)                            {}
func (n *noopManager) GetMetricsHandler() http.Handler                                               { return http.NotFoundHandler() }
func (n *noopManager) Path() string                                                                  { return "" }
func (n *noopManager) IsHealthy() bool                                                               { return true }
func (n *noopManager) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler { return next }
}
func (n *noopManager) Start(ctx context.Context) error { return nil }
func (n *noopManager) Stop() error                     { return nil }

var (
	_ Manager            = (*metricsManager)(nil)
	_ Manager            = (*noopManager)(nil)
	_ reconcile.Observer = (Manager)(nil)
)
