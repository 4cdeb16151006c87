package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/snapsync/snapsync/internal/auth"
	"github.com/snapsync/snapsync/internal/reconcile"
	"github.com/snapsync/snapsync/internal/record"
	"github.com/snapsync/snapsync/internal/storage"
)

// Error codes carried in {"ok": false, "error": {"code": ...}}.
const (
	CodeInvalidScope       = "invalid_scope"
	CodeDatasetNotAllowed  = "dataset_not_allowed"
	CodeInvalidBatch       = "invalid_batch"
	CodeInvalidQuery       = "invalid_query"
	CodePayloadTooLarge    = "payload_too_large"
	CodeStorage            = "storage_error"
	CodeStorageUnavailable = "storage_unavailable"
	CodeUnauthorized       = "unauthorized"
	CodeTooManyAttempts    = "too_many_attempts"
	CodeRateLimited        = "rate_limited"
	CodeUnavailable        = "unavailable"
	CodeNotFound           = "not_found"
	CodeInternal           = "internal_error"
)

// ErrorBody is the error member of a failed response.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	OK      bool               `json:"ok"`
	Error   ErrorBody          `json:"error"`
	Summary *reconcile.Summary `json:"summary,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logrus.WithError(err).Warn("Failed to encode API response")
	}
}

// WriteError writes a failed envelope.
func WriteError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: ErrorBody{Code: code, Message: message}})
}

// RateLimitExceeded is the rejection handler for the rate-limit middleware.
func RateLimitExceeded(w http.ResponseWriter, _ *http.Request, _ time.Duration) {
	WriteError(w, http.StatusTooManyRequests, CodeRateLimited, "rate limit exceeded, retry later")
}

// ReadOnlyRejected answers writes while the server is in read-only mode.
func ReadOnlyRejected(w http.ResponseWriter, _ *http.Request) {
	WriteError(w, http.StatusServiceUnavailable, CodeUnavailable, "server is in read-only mode, only reads are allowed")
}

// classify maps an error from the auth, reconcile or storage layers to an
// HTTP status and error code.
func classify(err error) (int, string) {
	var (
		scopeErr   *record.ScopeError
		batchErr   *reconcile.BatchTypeError
		storageErr *storage.StorageError
		maxBytes   *http.MaxBytesError
	)

	switch {
	case errors.Is(err, auth.ErrDatasetNotAllowed):
		return http.StatusForbidden, CodeDatasetNotAllowed
	case errors.As(err, &scopeErr):
		return http.StatusBadRequest, CodeInvalidScope
	case errors.As(err, &maxBytes):
		return http.StatusRequestEntityTooLarge, CodePayloadTooLarge
	case errors.As(err, &batchErr):
		return http.StatusBadRequest, CodeInvalidBatch
	case errors.Is(err, auth.ErrTooManyAttempts):
		return http.StatusTooManyRequests, CodeTooManyAttempts
	case errors.Is(err, auth.ErrUnauthorized):
		return http.StatusUnauthorized, CodeUnauthorized
	case errors.As(err, &storageErr):
		return http.StatusBadGateway, CodeStorage
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, CodeUnavailable
	default:
		return http.StatusInternalServerError, CodeInternal
	}
}

func (h *Handler) writeErr(w http.ResponseWriter, r *http.Request, err error, summary *reconcile.Summary) {
	status, code := classify(err)
	message := err.Error()
	if code == CodeInternal {
		message = "internal error"
	}

	entry := h.logger.WithFields(logrus.Fields{
		"path":   r.URL.Path,
		"status": status,
		"code":   code,
	}).WithError(err)
	if status >= 500 {
		entry.Error("API error")
	} else {
		entry.Debug("API error")
	}

	writeJSON(w, status, errorResponse{
		Error:   ErrorBody{Code: code, Message: message},
		Summary: summary,
	})
}
