package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"inferq/internal/registry"
	"inferq/internal/scheduler"
	"inferq/internal/streaming"
	"inferq/pkg/types"
)

// statusClientClosedRequest is reported for jobs cancelled before they finished.
const statusClientClosedRequest = 499

// HTTPError allows services to provide an HTTP status code for an error.
type HTTPError interface {
	error
	StatusCode() int
}

// statusFor maps scheduler, registry and stream errors to an HTTP status and
// the error kind reported to clients.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, streaming.ErrHandleExpired):
		return http.StatusGone, string(scheduler.StreamingHandleExpired)
	case errors.Is(err, streaming.ErrHandleNotFound):
		return http.StatusNotFound, "stream_not_found"
	case errors.Is(err, registry.ErrModelNotFound):
		return http.StatusNotFound, "model_not_found"
	}
	kind, ok := scheduler.KindOf(err)
	if !ok {
		kind, ok = sentinelKind(err)
	}
	if ok {
		switch kind {
		case scheduler.QueueFull:
			return http.StatusTooManyRequests, string(kind)
		case scheduler.DeadlineExceeded:
			return http.StatusGatewayTimeout, string(kind)
		case scheduler.InvalidCost:
			return http.StatusBadRequest, string(kind)
		case scheduler.ShuttingDown:
			return http.StatusServiceUnavailable, string(kind)
		case scheduler.DuplicateJob:
			return http.StatusConflict, string(kind)
		case scheduler.Cancelled:
			return statusClientClosedRequest, string(kind)
		case scheduler.StreamingHandleExpired:
			return http.StatusGone, string(kind)
		default:
			return http.StatusInternalServerError, string(kind)
		}
	}
	var he HTTPError
	if errors.As(err, &he) {
		return he.StatusCode(), ""
	}
	return http.StatusInternalServerError, ""
}

// writeJSONError writes a consistent JSON error payload.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSONErrorKind(w, status, "", msg)
}

func writeJSONErrorKind(w http.ResponseWriter, status int, kind, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(types.ErrorResponse{Error: msg, Code: status, Kind: kind})
}

// writeError maps err and writes it, counting backpressure rejections.
func writeError(w http.ResponseWriter, err error) int {
	status, kind := statusFor(err)
	if status == http.StatusTooManyRequests {
		IncrementBackpressure(kind)
	}
	writeJSONErrorKind(w, status, kind, err.Error())
	return status
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

var sentinels = map[scheduler.ErrorKind]error{
	scheduler.QueueFull:        scheduler.ErrQueueFull,
	scheduler.DeadlineExceeded: scheduler.ErrDeadlineExceeded,
	scheduler.InvalidCost:      scheduler.ErrInvalidCost,
	scheduler.ShuttingDown:     scheduler.ErrShuttingDown,
	scheduler.DuplicateJob:     scheduler.ErrDuplicateJob,
	scheduler.Cancelled:        scheduler.ErrCancelled,
	scheduler.ExecutionFailed:  scheduler.ErrExecutionFailed,
}

// sentinelKind classifies bare scheduler sentinels that carry no ErrorKind.
func sentinelKind(err error) (scheduler.ErrorKind, bool) {
	for kind, target := range sentinels {
		if errors.Is(err, target) {
			return kind, true
		}
	}
	return "", false
}
