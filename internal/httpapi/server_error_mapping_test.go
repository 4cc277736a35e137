package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"inferq/internal/registry"
	"inferq/internal/scheduler"
	"inferq/internal/streaming"
)

// mockService returns a fixed result or error from Submit.
type mockService struct {
	reg         *streaming.Registry
	res         scheduler.InferenceResult
	err         error
	closed      bool
	cancellable map[string]bool
}

func (m *mockService) Submit(ctx context.Context, job *scheduler.InferenceJob, meta scheduler.TaskMetadata) (scheduler.InferenceResult, error) {
	return m.res, m.err
}

func (m *mockService) Cancel(id string) bool         { return m.cancellable[id] }
func (m *mockService) Stats() scheduler.PoolStats    { return scheduler.PoolStats{} }
func (m *mockService) Registry() *streaming.Registry { return m.reg }
func (m *mockService) Closed() bool                  { return m.closed }

type mockHTTPError struct {
	msg  string
	code int
}

func (e mockHTTPError) Error() string   { return e.msg }
func (e mockHTTPError) StatusCode() int { return e.code }

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err    error
		status int
		kind   string
	}{
		{&scheduler.AdmissionError{Kind: scheduler.QueueFull}, http.StatusTooManyRequests, "queue_full"},
		{&scheduler.AdmissionError{Kind: scheduler.DeadlineExceeded}, http.StatusGatewayTimeout, "deadline_exceeded"},
		{&scheduler.AdmissionError{Kind: scheduler.InvalidCost}, http.StatusBadRequest, "invalid_cost"},
		{&scheduler.AdmissionError{Kind: scheduler.ShuttingDown}, http.StatusServiceUnavailable, "shutting_down"},
		{&scheduler.AdmissionError{Kind: scheduler.DuplicateJob}, http.StatusConflict, "duplicate_job"},
		{&scheduler.JobError{Kind: scheduler.Cancelled}, statusClientClosedRequest, "cancelled"},
		{&scheduler.JobError{Kind: scheduler.ExecutionFailed}, http.StatusInternalServerError, "execution_failed"},
		{fmt.Errorf("wrapped: %w", &scheduler.JobError{Kind: scheduler.DeadlineExceeded}), http.StatusGatewayTimeout, "deadline_exceeded"},
		{scheduler.ErrShuttingDown, http.StatusServiceUnavailable, "shutting_down"},
		{streaming.ErrHandleExpired, http.StatusGone, "streaming_handle_expired"},
		{streaming.ErrHandleNotFound, http.StatusNotFound, "stream_not_found"},
		{fmt.Errorf("resolve: %w", registry.ErrModelNotFound), http.StatusNotFound, "model_not_found"},
		{mockHTTPError{msg: "teapot", code: http.StatusTeapot}, http.StatusTeapot, ""},
		{errors.New("boom"), http.StatusInternalServerError, ""},
	}
	for _, tc := range cases {
		status, kind := statusFor(tc.err)
		require.Equal(t, tc.status, status, "status for %v", tc.err)
		require.Equal(t, tc.kind, kind, "kind for %v", tc.err)
	}
}

func TestInfer_MapsSubmitErrors(t *testing.T) {
	reg := streaming.NewRegistry(time.Minute)
	cases := []struct {
		name   string
		svc    *mockService
		status int
	}{
		{"queue full", &mockService{err: &scheduler.AdmissionError{Kind: scheduler.QueueFull}}, http.StatusTooManyRequests},
		{"duplicate", &mockService{err: &scheduler.AdmissionError{Kind: scheduler.DuplicateJob}}, http.StatusConflict},
		{"job deadline", &mockService{res: scheduler.ErrorResult(scheduler.DeadlineExceeded, "too slow")}, http.StatusGatewayTimeout},
		{"job failed", &mockService{res: scheduler.ErrorResult(scheduler.ExecutionFailed, "adapter crashed")}, http.StatusInternalServerError},
		{"cancelled", &mockService{res: scheduler.ErrorResult(scheduler.Cancelled, "cancelled by caller")}, statusClientClosedRequest},
		{"unknown handle", &mockService{res: scheduler.StreamingResult("r", "missing-key")}, http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.svc.reg = reg
			h := NewMux(tc.svc, Options{Accountant: scheduler.NewAccountant(16, 1024)})
			w := postInfer(t, h, `{"prompt":"hi","stream":true}`)
			require.Equal(t, tc.status, w.Code, w.Body.String())
			require.NotEmpty(t, w.Header().Get("X-Job-ID"))
		})
	}
}

func TestInfer_QueueFullCountsBackpressure(t *testing.T) {
	before := testutil.ToFloat64(backpressureTotal.WithLabelValues("queue_full"))
	svc := &mockService{reg: streaming.NewRegistry(time.Minute), err: &scheduler.AdmissionError{Kind: scheduler.QueueFull}}
	h := NewMux(svc, Options{Accountant: scheduler.NewAccountant(16, 1024)})
	w := postInfer(t, h, `{"prompt":"hi"}`)
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	require.Equal(t, before+1, testutil.ToFloat64(backpressureTotal.WithLabelValues("queue_full")))
	require.Equal(t, "queue_full", decodeError(t, w).Kind)
}

func TestInfer_ShutdownWhileWaiting(t *testing.T) {
	base, stop := context.WithCancel(context.Background())
	SetBaseContext(base)
	t.Cleanup(func() { SetBaseContext(nil) })
	stop()

	svc := &mockService{reg: streaming.NewRegistry(time.Minute), res: scheduler.ErrorResult(scheduler.Cancelled, "stopped"), err: context.Canceled}
	h := NewMux(svc, Options{Accountant: scheduler.NewAccountant(16, 1024)})
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/infer", strings.NewReader(`{"prompt":"hi"}`))
	req.Header.Set("Content-Type", "application/json")
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
}
