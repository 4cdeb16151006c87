package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/snapsync/snapsync/internal/api"
	"github.com/snapsync/snapsync/internal/audit"
	"github.com/snapsync/snapsync/internal/auth"
	"github.com/snapsync/snapsync/internal/config"
	"github.com/snapsync/snapsync/internal/metrics"
	"github.com/snapsync/snapsync/internal/middleware"
	"github.com/snapsync/snapsync/internal/reconcile"
	"github.com/snapsync/snapsync/internal/storage"
)

const shutdownTimeout = 30 * time.Second

// Server represents the SnapSync server
type Server struct {
	config         *config.Config
	logger         *logrus.Logger
	httpServer     *http.Server
	driver         storage.Driver
	engine         *reconcile.Engine
	authn          *auth.Authenticator
	auditManager   *audit.Manager
	metricsManager metrics.Manager
	readOnly       atomic.Bool
	startTime      time.Time
}

// New opens the record store and wires the engine, observers and HTTP
// routes. Resources opened before a failure are released.
func New(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (_ *Server, err error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	s := &Server{
		config:    cfg,
		logger:    logger,
		startTime: time.Now(),
	}
	s.readOnly.Store(cfg.ReadOnly)
	defer func() {
		if err != nil {
			s.release()
		}
	}()

	s.metricsManager = metrics.NewManager(cfg.Metrics, cfg.DataDir, logger)

	driver, err := storage.Open(ctx, StorageOptions(cfg, logger))
	if err != nil {
		return nil, fmt.Errorf("failed to open %s storage: %w", cfg.Storage.Backend, err)
	}
	s.driver = metrics.InstrumentDriver(driver, s.metricsManager)

	observers := []reconcile.Observer{s.metricsManager}
	if cfg.Audit.Enable {
		store, err := audit.NewSQLiteStore(cfg.Audit.Path, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open audit store: %w", err)
		}
		s.auditManager = audit.NewManager(store, logger)
		observers = append(observers, s.auditManager)
	}

	s.engine = NewEngine(cfg, s.driver, logger, observers...)

	allowlist, err := auth.NewAllowlist(cfg.Auth.AllowedDatasets)
	if err != nil {
		return nil, err
	}
	s.authn, err = auth.NewAuthenticator(auth.Options{
		Enabled: cfg.Auth.EnableAuth,
		APIKey:  cfg.Auth.APIKey,
		KeyHash: cfg.Auth.APIKeyHash,
		Logger:  logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to configure authentication: %w", err)
	}

	apiHandler := api.NewHandler(api.Options{
		Engine:        s.engine,
		Allowlist:     allowlist,
		Authenticator: s.authn,
		Audit:         s.auditManager,
		Metrics:       s.metricsManager,
		Query:         cfg.Query,
		MaxBodyBytes:  cfg.Reconcile.MaxBodyBytes,
		Logger:        logger,
	})

	s.httpServer = &http.Server{
		Addr:         cfg.Listen,
		Handler:      s.setupRoutes(apiHandler),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

// StorageOptions maps the storage section of the configuration onto
// storage.Open options.
func StorageOptions(cfg *config.Config, logger *logrus.Logger) storage.Options {
	return storage.Options{
		Backend:     cfg.Storage.Backend,
		DataDir:     cfg.DataDir,
		Encoding:    cfg.Storage.Encoding,
		SyncWrites:  cfg.Storage.SyncWrites,
		SQLitePath:  cfg.Storage.SQLitePath,
		PostgresDSN: cfg.Storage.PostgresDSN,
		MongoURI:    cfg.Storage.MongoURI,
		Timeout:     cfg.Storage.Timeout,
		Logger:      logger,
	}
}

// NewEngine builds a reconciliation engine from the reconcile section of
// the configuration.
func NewEngine(cfg *config.Config, driver storage.Driver, logger *logrus.Logger, observers ...reconcile.Observer) *reconcile.Engine {
	var locker *reconcile.ScopeLocker
	if cfg.Reconcile.SerializeScopes {
		locker = reconcile.NewScopeLocker(cfg.Reconcile.LockStripes)
	}
	return reconcile.NewEngine(driver, reconcile.Options{
		Logger:          logger,
		Locker:          locker,
		DefaultKeyField: cfg.Reconcile.DefaultKeyField,
		Observers:       observers,
		OpTimeout:       cfg.Storage.OpTimeout,
	})
}

func (s *Server) setupRoutes(apiHandler *api.Handler) http.Handler {
	router := mux.NewRouter()
	router.Use(s.metricsManager.Middleware())
	apiHandler.RegisterRoutes(router)

	var handler http.Handler = router
	if s.config.RateLimit.Enable {
		skip := []string{"/health"}
		if path := s.metricsManager.Path(); path != "" {
			skip = append(skip, path)
		}
		handler = middleware.RateLimit(middleware.RateLimitConfig{
			RequestsPerSecond:   s.config.RateLimit.RequestsPerSecond,
			BurstSize:           s.config.RateLimit.Burst,
			OnRateLimitExceeded: api.RateLimitExceeded,
			SkipPaths:           skip,
		})(handler)
	}
	handler = middleware.ReadOnly(s.readOnly.Load, api.ReadOnlyRejected)(handler)
	handler = middleware.CORS()(handler)
	handler = middleware.Logging(s.logger)(handler)
	handler = middleware.Tracing(handler)

	return handlers.RecoveryHandler(handlers.RecoveryLogger(s.logger))(handler)
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// SetReadOnly switches read-only mode on or off at runtime.
func (s *Server) SetReadOnly(enabled bool) {
	if s.readOnly.Swap(enabled) != enabled {
		s.logger.WithField("read_only", enabled).Warn("Read-only mode changed")
	}
}

// Engine returns the reconciliation engine used by the HTTP routes.
func (s *Server) Engine() *reconcile.Engine {
	return s.engine
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.logger.WithFields(logrus.Fields{
		"address":  s.config.Listen,
		"data_dir": s.config.DataDir,
		"backend":  s.driver.Name(),
		"tls":      s.config.EnableTLS,
	}).Info("Starting SnapSync server")

	if s.config.Metrics.Enable {
		if err := s.metricsManager.Start(ctx); err != nil {
			s.logger.WithError(err).Warn("Failed to start metrics sampling")
		}
	}
	if s.auditManager != nil {
		s.auditManager.StartRetentionJob(ctx, s.config.Audit.RetentionDays)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.listen()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.shutdown()
			return fmt.Errorf("API server error: %w", err)
		}
	case <-ctx.Done():
	}

	return s.shutdown()
}

func (s *Server) listen() error {
	if s.config.EnableTLS {
		return s.httpServer.ListenAndServeTLS(s.config.CertFile, s.config.KeyFile)
	}
	return s.httpServer.ListenAndServe()
}

func (s *Server) shutdown() error {
	s.logger.WithField("uptime", time.Since(s.startTime).Round(time.Second).String()).Info("Shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var shutdownErr error
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.WithError(err).Error("Failed to shutdown API server")
		shutdownErr = err
	}

	if s.config.Metrics.Enable {
		if err := s.metricsManager.Stop(); err != nil {
			s.logger.WithError(err).Debug("Metrics manager was not running")
		}
	}
	s.release()

	return shutdownErr
}

// release closes everything New opened.
func (s *Server) release() {
	if s.authn != nil {
		s.authn.Close()
	}
	if s.auditManager != nil {
		if err := s.auditManager.Close(); err != nil {
			s.logger.WithError(err).Error("Failed to close audit store")
		}
	}
	if s.driver != nil {
		if err := s.driver.Close(); err != nil {
			s.logger.WithError(err).Error("Failed to close storage backend")
		}
	}
}
