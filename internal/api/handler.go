package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/snapsync/snapsync/internal/audit"
	"github.com/snapsync/snapsync/internal/auth"
	"github.com/snapsync/snapsync/internal/config"
	"github.com/snapsync/snapsync/internal/metrics"
	"github.com/snapsync/snapsync/internal/middleware"
	"github.com/snapsync/snapsync/internal/reconcile"
	"github.com/snapsync/snapsync/internal/record"
	"github.com/snapsync/snapsync/internal/storage"
)

// SourceHTTP tags reconciliations issued through the API.
const SourceHTTP = "http"

// Options wires a Handler.
type Options struct {
	Engine        *reconcile.Engine
	Allowlist     *auth.Allowlist
	Authenticator *auth.Authenticator
	Audit         *audit.Manager // nil disables /api/v1/audit
	Metrics       metrics.Manager
	Query         config.QueryConfig
	MaxBodyBytes  int64
	Logger        *logrus.Logger
}

// Handler serves the snapshot API
type Handler struct {
	engine    *reconcile.Engine
	allowlist *auth.Allowlist
	authn     *auth.Authenticator
	audit     *audit.Manager
	metrics   metrics.Manager
	query     config.QueryConfig
	maxBody   int64
	logger    *logrus.Logger
}

// NewHandler creates a new API handler
func NewHandler(opts Options) *Handler {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewNoopManager()
	}
	if opts.Query.DefaultLimit <= 0 {
		opts.Query.DefaultLimit = storage.DefaultFindLimit
	}
	if opts.Query.MaxLimit <= 0 || opts.Query.MaxLimit > storage.MaxFindLimit {
		opts.Query.MaxLimit = storage.MaxFindLimit
	}
	if len(opts.Query.TextFields) == 0 {
		opts.Query.TextFields = []string{record.DefaultKeyField}
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 32 << 20
	}

	return &Handler{
		engine:    opts.Engine,
		allowlist: opts.Allowlist,
		authn:     opts.Authenticator,
		audit:     opts.Audit,
		metrics:   opts.Metrics,
		query:     opts.Query,
		maxBody:   opts.MaxBodyBytes,
		logger:    opts.Logger,
	}
}

// RegisterRoutes registers the health probe, the metrics endpoint and the
// authenticated /api/v1 routes.
func (h *Handler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/health", h.handleHealth).Methods("GET")
	if path := h.metrics.Path(); path != "" {
		router.Handle(path, h.metrics.GetMetricsHandler()).Methods("GET")
	}

	apiRouter := router.PathPrefix("/api/v1").Subrouter()
	apiRouter.Use(h.requireAPIKey)

	apiRouter.HandleFunc("/audit", h.handleListAudit).Methods("GET")
	apiRouter.HandleFunc("/{dataset}/{collection}", h.handleFind).Methods("GET")
	apiRouter.HandleFunc("/{dataset}/{collection}/sync", h.handleSync).Methods("POST")

	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, http.StatusNotFound, CodeNotFound, "no route for "+r.Method+" "+r.URL.Path)
	})
	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, http.StatusMethodNotAllowed, CodeNotFound, "method "+r.Method+" not allowed on "+r.URL.Path)
	})
}

// requireAPIKey rejects requests without a valid X-API-Key.
func (h *Handler) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.authn != nil {
			if err := h.authn.Authenticate(r); err != nil {
				reason := "invalid_key"
				if errors.Is(err, auth.ErrTooManyAttempts) {
					reason = "locked_out"
				}
				h.metrics.RecordAuthFailure(reason)
				h.writeErr(w, r, err, nil)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

type healthResponse struct {
	OK      bool       `json:"ok"`
	Storage string     `json:"storage"`
	Backend string     `json:"backend"`
	Error   *ErrorBody `json:"error,omitempty"`
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	backend := h.engine.Driver().Name()
	if err := h.engine.Ping(r.Context()); err != nil {
		h.logger.WithError(err).Warn("Health check failed")
		writeJSON(w, http.StatusServiceUnavailable, healthResponse{
			Storage: "down",
			Backend: backend,
			Error:   &ErrorBody{Code: CodeStorageUnavailable, Message: err.Error()},
		})
		return
	}
	writeJSON(w, http.StatusOK, healthResponse{OK: true, Storage: "up", Backend: backend})
}

type findResponse struct {
	OK         bool             `json:"ok"`
	Dataset    string           `json:"dataset"`
	Collection string           `json:"collection"`
	Count      int              `json:"count"`
	Limit      int              `json:"limit"`
	Records    []map[string]any `json:"records"`
}

func (h *Handler) handleFind(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	scope, err := h.allowlist.Check(vars["dataset"], vars["collection"])
	if err != nil {
		h.writeErr(w, r, err, nil)
		return
	}

	limit, err := h.parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		WriteError(w, http.StatusBadRequest, CodeInvalidQuery, err.Error())
		return
	}

	docs, err := h.engine.Find(r.Context(), scope, storage.FindOptions{
		Text:   r.URL.Query().Get("q"),
		Fields: h.query.TextFields,
		Limit:  limit,
	})
	if err != nil {
		h.writeErr(w, r, err, nil)
		return
	}

	out := make([]map[string]any, len(docs))
	for i, doc := range docs {
		out[i] = doc.Flatten()
	}
	writeJSON(w, http.StatusOK, findResponse{
		OK:         true,
		Dataset:    scope.Dataset,
		Collection: scope.Collection,
		Count:      len(out),
		Limit:      limit,
		Records:    out,
	})
}

// parseLimit applies the configured default and cap. Missing or
// non-positive values select the default.
func (h *Handler) parseLimit(raw string) (int, error) {
	if raw == "" {
		return h.query.DefaultLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New("limit must be an integer")
	}
	switch {
	case n <= 0:
		return h.query.DefaultLimit, nil
	case n > h.query.MaxLimit:
		return h.query.MaxLimit, nil
	}
	return n, nil
}

type syncResponse struct {
	OK         bool   `json:"ok"`
	Dataset    string `json:"dataset"`
	Collection string `json:"collection"`
	KeyField   string `json:"keyField"`
	RequestID  string `json:"requestId,omitempty"`
	reconcile.Summary
}

func (h *Handler) handleSync(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	scope, err := h.allowlist.Check(vars["dataset"], vars["collection"])
	if err != nil {
		h.writeErr(w, r, err, nil)
		return
	}

	batch, err := reconcile.ReadBatch(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		h.writeErr(w, r, err, nil)
		return
	}

	requestID := middleware.GetTraceID(r.Context())
	keyField := record.ResolveKeyField(batch.KeyField, h.engine.DefaultKeyField())
	summary, err := h.engine.Reconcile(r.Context(), reconcile.Request{
		Scope:         scope,
		Records:       batch.Records,
		RetentionKeys: batch.Keep,
		KeyField:      keyField,
		RequestID:     requestID,
		Source:        SourceHTTP,
	})
	if err != nil {
		h.writeErr(w, r, err, summary)
		return
	}

	writeJSON(w, http.StatusOK, syncResponse{
		OK:         true,
		Dataset:    scope.Dataset,
		Collection: scope.Collection,
		KeyField:   keyField,
		RequestID:  requestID,
		Summary:    *summary,
	})
}

type auditResponse struct {
	OK       bool              `json:"ok"`
	Total    int               `json:"total"`
	Page     int               `json:"page"`
	PageSize int               `json:"pageSize"`
	Entries  []*audit.AuditLog `json:"entries"`
}

func (h *Handler) handleListAudit(w http.ResponseWriter, r *http.Request) {
	if h.audit == nil {
		WriteError(w, http.StatusNotFound, CodeNotFound, "audit trail is disabled")
		return
	}

	q := r.URL.Query()
	filters := &audit.AuditLogFilters{
		Dataset:    q.Get("dataset"),
		Collection: q.Get("collection"),
		Status:     q.Get("status"),
	}
	for name, dst := range map[string]*int{"page": &filters.Page, "page_size": &filters.PageSize} {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			WriteError(w, http.StatusBadRequest, CodeInvalidQuery, name+" must be an integer")
			return
		}
		*dst = n
	}

	logs, total, err := h.audit.GetLogs(r.Context(), filters)
	if err != nil {
		h.writeErr(w, r, err, nil)
		return
	}

	writeJSON(w, http.StatusOK, auditResponse{
		OK:       true,
		Total:    total,
		Page:     filters.Page,
		PageSize: filters.PageSize,
		Entries:  logs,
	})
}
