package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"lifecycled/internal/backend"
	"lifecycled/internal/manager"
	"lifecycled/pkg/types"
)

// HTTPError allows services to provide an HTTP status code for an error.
type HTTPError interface {
	error
	StatusCode() int
}

// statusFor maps service errors to HTTP status codes.
func statusFor(err error) int {
	var he HTTPError
	switch {
	case manager.IsModelNotFound(err):
		return http.StatusNotFound
	case manager.IsTooBusy(err):
		return http.StatusTooManyRequests
	case manager.IsInvalidState(err):
		return http.StatusConflict
	case manager.IsUnsupportedCapability(err):
		return http.StatusBadRequest
	case backend.IsUnsupportedFormat(err):
		return http.StatusUnprocessableEntity
	case manager.IsTimeout(err), errors.Is(err, errInferTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case manager.IsResourceExhausted(err), manager.IsBudgetExceeded(err),
		backend.IsDependencyUnavailable(err), errors.Is(err, manager.ErrClosed):
		return http.StatusServiceUnavailable
	case backend.IsLoadError(err), backend.IsBackendError(err):
		return http.StatusBadGateway
	case errors.As(err, &he):
		return he.StatusCode()
	}
	return http.StatusInternalServerError
}

// writeServiceError writes err with its mapped status and counts backpressure.
func writeServiceError(w http.ResponseWriter, err error) int {
	status := statusFor(err)
	if status == http.StatusTooManyRequests {
		IncrementBackpressure(manager.TooBusyReason(err))
	}
	writeJSONError(w, status, err.Error())
	return status
}

// writeJSONError writes a consistent JSON error payload.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(types.ErrorResponse{Error: msg, Code: status})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zlog.Warn().Str("event", "encode_failed").Err(err).Msg("httpapi")
	}
}
