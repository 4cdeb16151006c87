package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/sebdah/goldie/v2"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snapsync/snapsync/internal/audit"
	"github.com/snapsync/snapsync/internal/auth"
	"github.com/snapsync/snapsync/internal/config"
	"github.com/snapsync/snapsync/internal/middleware"
	"github.com/snapsync/snapsync/internal/reconcile"
	"github.com/snapsync/snapsync/internal/record"
	"github.com/snapsync/snapsync/internal/storage"
)

const testAPIKey = "s3cr3t"

var fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type testEnv struct {
	handler http.Handler
	driver  *storage.MemoryDriver
	audit   *audit.Manager
}

type envOption func(*Options)

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	driver := storage.NewMemoryDriver()

	store, err := audit.NewSQLiteStore(filepath.Join(t.TempDir(), "audit.db"), logger)
	require.NoError(t, err)
	auditMgr := audit.NewManager(store, logger)
	t.Cleanup(func() { auditMgr.Close() })

	engine := reconcile.NewEngine(driver, reconcile.Options{
		Logger:    logger,
		Locker:    reconcile.NewScopeLocker(8),
		Clock:     func() time.Time { return fixedNow },
		Observers: []reconcile.Observer{auditMgr},
	})

	allowlist, err := auth.NewAllowlist([]string{"sales"})
	require.NoError(t, err)

	authn, err := auth.NewAuthenticator(auth.Options{Enabled: true, APIKey: testAPIKey, Logger: logger})
	require.NoError(t, err)
	t.Cleanup(authn.Close)

	options := Options{
		Engine:        engine,
		Allowlist:     allowlist,
		Authenticator: authn,
		Audit:         auditMgr,
		Query:         config.QueryConfig{TextFields: []string{"name", "region"}},
		Logger:        logger,
	}
	for _, opt := range opts {
		opt(&options)
	}

	router := mux.NewRouter()
	NewHandler(options).RegisterRoutes(router)

	return &testEnv{
		handler: middleware.Tracing(router),
		driver:  driver,
		audit:   auditMgr,
	}
}

func (e *testEnv) do(t *testing.T, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set(auth.HeaderAPIKey, testAPIKey)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) seed(t *testing.T, scope record.Scope, keys ...string) {
	t.Helper()
	docs := make([]*record.Document, len(keys))
	for i, k := range keys {
		docs[i] = record.NewDocument(scope, k, record.Fields{"name": k, "pop": int64(1)}, fixedNow.Add(-time.Hour))
	}
	_, err := e.driver.BulkUpsertUnordered(context.Background(), scope, docs)
	require.NoError(t, err)
}

// canonical re-encodes a JSON body with sorted keys and indentation so golden
// files are stable.
func canonical(t *testing.T, body []byte) []byte {
	t.Helper()
	var v any
	require.NoError(t, json.Unmarshal(body, &v))
	out, err := json.MarshalIndent(v, "", "  ")
	require.NoError(t, err)
	return out
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var v map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	body := decode(t, rec)
	assert.Equal(t, false, body["ok"])
	errBody, ok := body["error"].(map[string]any)
	require.True(t, ok, "error member missing: %s", rec.Body.String())
	return errBody["code"].(string)
}

func TestGoldenEnvelopes(t *testing.T) {
	env := newTestEnv(t)
	regions := record.Scope{Dataset: "sales", Collection: "regions"}
	env.seed(t, regions, "east", "west", "north")

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata"),
		goldie.WithNameSuffix(".golden"),
	)

	rec := env.do(t, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	g.Assert(t, "health_ok", canonical(t, rec.Body.Bytes()))

	rec = env.do(t, http.MethodPost, "/api/v1/sales/regions/sync",
		`[{"name": "east", "pop": 10}, {"name": "south", "pop": 5}]`,
		middleware.HeaderRequestID, "req-scenario")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "req-scenario", rec.Header().Get(middleware.HeaderRequestID))
	g.Assert(t, "sync_scenario", canonical(t, rec.Body.Bytes()))

	rec = env.do(t, http.MethodGet, "/api/v1/sales/regions", "")
	require.Equal(t, http.StatusOK, rec.Code)
	g.Assert(t, "find_scenario", canonical(t, rec.Body.Bytes()))

	rec = env.do(t, http.MethodGet, "/api/v1/hr/people", "")
	require.Equal(t, http.StatusForbidden, rec.Code)
	g.Assert(t, "error_dataset_not_allowed", canonical(t, rec.Body.Bytes()))

	rec = env.do(t, http.MethodPost, "/api/v1/sales/regions/sync", `{"records": {"name": "x"}}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	g.Assert(t, "error_invalid_batch", canonical(t, rec.Body.Bytes()))
}

func TestSync_ScenarioConvergesStorage(t *testing.T) {
	env := newTestEnv(t)
	regions := record.Scope{Dataset: "sales", Collection: "regions"}
	env.seed(t, regions, "east", "west", "north")

	rec := env.do(t, http.MethodPost, "/api/v1/sales/regions/sync",
		`{"records": [{"name": "east", "pop": 10}, {"name": "south", "pop": 5}]}`)
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, []string{"east", "south"}, env.driver.Keys(regions))
	east := env.driver.Get(regions, "east")
	require.NotNil(t, east)
	assert.Equal(t, int64(10), east.Fields["pop"])
	assert.Equal(t, fixedNow, east.UpdatedAt)
}

func TestSync_ExplicitKeepAndKeyField(t *testing.T) {
	env := newTestEnv(t)
	stores := record.Scope{Dataset: "sales", Collection: "stores"}
	env.seed(t, stores, "k_old", "gone")

	rec := env.do(t, http.MethodPost, "/api/v1/Sales/Stores/sync",
		`{"records": [{"code": "a1"}, {"code": null}], "keep": ["a1", "k_old", ""], "keyField": "code"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	body := decode(t, rec)
	assert.Equal(t, "sales", body["dataset"])
	assert.Equal(t, "stores", body["collection"])
	assert.Equal(t, "code", body["keyField"])
	assert.Equal(t, float64(1), body["upsertedCount"])
	assert.Equal(t, float64(1), body["skippedCount"])
	assert.Equal(t, float64(1), body["keepSkippedCount"])
	assert.Equal(t, float64(1), body["deletedCount"])
	assert.NotEmpty(t, body["requestId"])

	assert.Equal(t, []string{"a1", "k_old"}, env.driver.Keys(stores))
	assert.Equal(t, fixedNow.Add(-time.Hour), env.driver.Get(stores, "k_old").UpdatedAt)
}

func TestSync_EmptyBatchEmptiesScope(t *testing.T) {
	env := newTestEnv(t)
	scope := record.Scope{Dataset: "sales", Collection: "regions"}
	env.seed(t, scope, "east", "west")

	rec := env.do(t, http.MethodPost, "/api/v1/sales/regions/sync", `[]`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(2), decode(t, rec)["deletedCount"])
	assert.Empty(t, env.driver.Keys(scope))
}

func TestSync_Errors(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		body     string
		status   int
		code     string
		maxBytes int64
	}{
		{"invalid collection", "/api/v1/sales/bad-name!/sync", `[]`, http.StatusBadRequest, CodeInvalidScope, 0},
		{"disallowed dataset", "/api/v1/hr/people/sync", `[]`, http.StatusForbidden, CodeDatasetNotAllowed, 0},
		{"empty body", "/api/v1/sales/regions/sync", ``, http.StatusBadRequest, CodeInvalidBatch, 0},
		{"scalar body", "/api/v1/sales/regions/sync", `42`, http.StatusBadRequest, CodeInvalidBatch, 0},
		{"non-object record", "/api/v1/sales/regions/sync", `[{"name": "a"}, 7]`, http.StatusBadRequest, CodeInvalidBatch, 0},
		{"keep not array", "/api/v1/sales/regions/sync", `{"records": [], "keep": "a"}`, http.StatusBadRequest, CodeInvalidBatch, 0},
		{"too large", "/api/v1/sales/regions/sync", `[{"name": "` + strings.Repeat("x", 200) + `"}]`, http.StatusRequestEntityTooLarge, CodePayloadTooLarge, 64},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, func(o *Options) { o.MaxBodyBytes = tt.maxBytes })
			scope := record.Scope{Dataset: "sales", Collection: "regions"}
			env.seed(t, scope, "east")

			rec := env.do(t, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Equal(t, tt.code, errorCode(t, rec))
			assert.Equal(t, []string{"east"}, env.driver.Keys(scope), "rejected before any write")
		})
	}
}

func TestSync_StorageFailures(t *testing.T) {
	t.Run("delete phase", func(t *testing.T) {
		env := newTestEnv(t)
		env.driver.SetFaults(func(op string, _ record.Scope, _ string) error {
			if op == storage.OpDelete {
				return errors.New("connection reset")
			}
			return nil
		})

		rec := env.do(t, http.MethodPost, "/api/v1/sales/regions/sync", `[{"name": "east"}]`)
		assert.Equal(t, http.StatusBadGateway, rec.Code)
		assert.Equal(t, CodeStorage, errorCode(t, rec))
		assert.Nil(t, decode(t, rec)["summary"])
	})

	t.Run("partial upsert", func(t *testing.T) {
		env := newTestEnv(t)
		env.driver.SetFaults(func(op string, _ record.Scope, key string) error {
			if op == storage.OpUpsert && key == "west" {
				return errors.New("duplicate key")
			}
			return nil
		})

		rec := env.do(t, http.MethodPost, "/api/v1/sales/regions/sync", `[{"name": "east"}, {"name": "west"}]`)
		assert.Equal(t, http.StatusBadGateway, rec.Code)
		body := decode(t, rec)
		summary, ok := body["summary"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, float64(1), summary["upsertedCount"])
		assert.Equal(t, float64(1), summary["failedCount"])
		assert.Contains(t, body["error"].(map[string]any)["message"], "1 of 2 upserts failed")
	})
}

func TestFind_QueryAndLimit(t *testing.T) {
	env := newTestEnv(t)
	scope := record.Scope{Dataset: "sales", Collection: "regions"}
	rec := env.do(t, http.MethodPost, "/api/v1/sales/regions/sync",
		`[{"name": "North East", "region": "coast"}, {"name": "south", "region": "Coastal"}, {"name": "west", "region": "plains"}]`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, env.driver.Keys(scope), 3)

	tests := []struct {
		name  string
		query string
		keys  []string
		limit float64
	}{
		{"all", "", []string{"North East", "south", "west"}, 200},
		{"case-insensitive name", "?q=EAST", []string{"North East"}, 200},
		{"second text field", "?q=coast", []string{"North East", "south"}, 200},
		{"limit", "?limit=2", []string{"North East", "south"}, 2},
		{"zero limit uses default", "?limit=0", []string{"North East", "south", "west"}, 200},
		{"limit capped", "?limit=999999", []string{"North East", "south", "west"}, 5000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodGet, "/api/v1/sales/regions"+tt.query, "")
			require.Equal(t, http.StatusOK, rec.Code)

			body := decode(t, rec)
			assert.Equal(t, tt.limit, body["limit"])
			records := body["records"].([]any)
			keys := make([]string, len(records))
			for i, r := range records {
				keys[i] = r.(map[string]any)["_key"].(string)
			}
			assert.Equal(t, tt.keys, keys)
			assert.Equal(t, float64(len(tt.keys)), body["count"])
		})
	}

	rec = env.do(t, http.MethodGet, "/api/v1/sales/regions?limit=ten", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, CodeInvalidQuery, errorCode(t, rec))
}

func TestFind_UnknownScopeIsEmpty(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/v1/sales/nothing_here", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, float64(0), body["count"])
	assert.Equal(t, []any{}, body["records"])
}

func TestHealth_StorageDown(t *testing.T) {
	env := newTestEnv(t)
	env.driver.SetFaults(func(op string, _ record.Scope, _ string) error {
		if op == storage.OpPing {
			return errors.New("dial tcp: refused")
		}
		return nil
	})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, false, body["ok"])
	assert.Equal(t, "down", body["storage"])
	assert.Equal(t, CodeStorageUnavailable, body["error"].(map[string]any)["code"])
}

func TestAuth(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/sales/regions", nil)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, CodeUnauthorized, errorCode(t, rec))

	rec = env.do(t, http.MethodGet, "/api/v1/sales/regions", "", auth.HeaderAPIKey, "wrong")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// health stays open
	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuth_LockoutAfterRepeatedFailures(t *testing.T) {
	env := newTestEnv(t)

	for i := 0; i < 10; i++ {
		rec := env.do(t, http.MethodGet, "/api/v1/sales/regions", "", auth.HeaderAPIKey, "wrong")
		require.Equal(t, http.StatusUnauthorized, rec.Code)
	}

	rec := env.do(t, http.MethodGet, "/api/v1/sales/regions", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, CodeTooManyAttempts, errorCode(t, rec))
}

func TestAuditList(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/sales/regions/sync", `[{"name": "east"}]`,
		middleware.HeaderRequestID, "req-audit")
	require.Equal(t, http.StatusOK, rec.Code)
	rec = env.do(t, http.MethodPost, "/api/v1/sales/stores/sync", `[{"name": "s1"}, {"name": "s2"}]`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/audit?collection=regions", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		OK       bool              `json:"ok"`
		Total    int               `json:"total"`
		Page     int               `json:"page"`
		PageSize int               `json:"pageSize"`
		Entries  []*audit.AuditLog `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.OK)
	assert.Equal(t, 1, resp.Total)
	assert.Equal(t, 1, resp.Page)
	assert.Equal(t, 50, resp.PageSize)
	require.Len(t, resp.Entries, 1)
	assert.Equal(t, "req-audit", resp.Entries[0].RequestID)
	assert.Equal(t, SourceHTTP, resp.Entries[0].Source)
	assert.Equal(t, audit.StatusSuccess, resp.Entries[0].Status)
	assert.Equal(t, 1, resp.Entries[0].Upserted)

	rec = env.do(t, http.MethodGet, "/api/v1/audit?page=x", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAuditList_Disabled(t *testing.T) {
	env := newTestEnv(t, func(o *Options) { o.Audit = nil })

	rec := env.do(t, http.MethodGet, "/api/v1/audit", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, CodeNotFound, errorCode(t, rec))
}

func TestUnknownRoute(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, CodeNotFound, errorCode(t, rec))
}

func TestRateLimitExceeded(t *testing.T) {
	rec := httptest.NewRecorder()
	RateLimitExceeded(rec, httptest.NewRequest(http.MethodGet, "/", nil), time.Second)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, CodeRateLimited, errorCode(t, rec))
}

func TestClassify(t *testing.T) {
	scope := record.Scope{Dataset: "a", Collection: "b"}
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"scope", &record.ScopeError{Part: "dataset", Value: "A!", Reason: "bad"}, http.StatusBadRequest, CodeInvalidScope},
		{"batch", &reconcile.BatchTypeError{Field: "records", Index: -1, Reason: "bad"}, http.StatusBadRequest, CodeInvalidBatch},
		{"storage", storage.NewError(storage.OpUpsert, scope, "boom"), http.StatusBadGateway, CodeStorage},
		{"storage timeout", storage.NewErrorWithCause(storage.OpDelete, scope, context.DeadlineExceeded), http.StatusBadGateway, CodeStorage},
		{"lease timeout", context.DeadlineExceeded, http.StatusServiceUnavailable, CodeUnavailable},
		{"unauthorized", auth.ErrUnauthorized, http.StatusUnauthorized, CodeUnauthorized},
		{"locked out", auth.ErrTooManyAttempts, http.StatusTooManyRequests, CodeTooManyAttempts},
		{"unknown", errors.New("???"), http.StatusInternalServerError, CodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, code := classify(tt.err)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.code, code)
		})
	}
}
