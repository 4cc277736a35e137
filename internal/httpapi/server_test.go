package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"inferq/internal/executor"
	"inferq/internal/registry"
	"inferq/internal/scheduler"
	"inferq/internal/streaming"
	"inferq/pkg/types"
)

// testCtx returns a context with a short timeout, canceled on test cleanup.
func testCtx(t *testing.T) context.Context {
	t.Helper()
	c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return c
}

var testModels = registry.NewCatalog([]types.Model{{ID: "tiny.gguf", Name: "tiny", Path: "/models/tiny.gguf"}}, "")

// newTestServer wires a real pool and echo executor behind the mux.
func newTestServer(t *testing.T, cfg scheduler.Config) (http.Handler, scheduler.Scheduler) {
	t.Helper()
	reg := streaming.NewRegistry(time.Minute)
	exec := executor.NewLLMExecutor(executor.NewEchoAdapter(0), reg, executor.WithModels(testModels))
	if cfg.WorkerCount == 0 {
		cfg.WorkerCount = 2
	}
	if cfg.MaxTotalUnits == 0 {
		cfg.MaxTotalUnits = 1024
	}
	cfg.Registry = reg
	cfg.ShutdownGrace = 50 * time.Millisecond
	s, err := scheduler.New(cfg, exec)
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
		reg.Close()
	})
	h := NewMux(s, Options{Accountant: scheduler.NewAccountant(16, cfg.MaxTotalUnits), Models: testModels})
	return h, s
}

func postInfer(t *testing.T, h http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/infer", strings.NewReader(body)).WithContext(testCtx(t))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) types.ErrorResponse {
	t.Helper()
	var e types.ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &e); err != nil {
		t.Fatalf("error body %q: %v", w.Body.String(), err)
	}
	return e
}

func readChunks(t *testing.T, body string) []streaming.Chunk {
	t.Helper()
	var out []streaming.Chunk
	sc := bufio.NewScanner(strings.NewReader(body))
	for sc.Scan() {
		var c streaming.Chunk
		if err := json.Unmarshal(sc.Bytes(), &c); err != nil {
			t.Fatalf("ndjson line %q: %v", sc.Text(), err)
		}
		out = append(out, c)
	}
	return out
}

func TestInfer_Completion(t *testing.T) {
	h, _ := newTestServer(t, scheduler.Config{})
	w := postInfer(t, h, `{"prompt":"hello there world","request_id":"abc","priority":"high"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	var resp types.InferResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("json: %v", err)
	}
	if resp.Content != "hello there world" || resp.FinishReason != "stop" || resp.RequestID != "abc" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if resp.Model != "tiny.gguf" || resp.JobID == "" || w.Header().Get("X-Job-ID") != resp.JobID {
		t.Fatalf("job id / model not reported: %+v header=%q", resp, w.Header().Get("X-Job-ID"))
	}
	if resp.Usage.CompletionTokens != 3 {
		t.Fatalf("usage: %+v", resp.Usage)
	}
}

func TestInfer_InlineStream(t *testing.T) {
	h, s := newTestServer(t, scheduler.Config{})
	w := postInfer(t, h, `{"prompt":"a b c","stream":true}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/x-ndjson" {
		t.Fatalf("content-type=%s", ct)
	}
	chunks := readChunks(t, w.Body.String())
	if len(chunks) != 4 {
		t.Fatalf("expected 4 chunks, got %+v", chunks)
	}
	last := chunks[3]
	if !last.Finished || last.FinishReason != "stop" || last.Model != "tiny.gguf" {
		t.Fatalf("last chunk: %+v", last)
	}
	if n := s.Registry().Len(); n != 0 {
		t.Fatalf("inline streams must be retrieved, %d left", n)
	}
}

func TestInfer_DetachedStreamRedeemedOnce(t *testing.T) {
	h, _ := newTestServer(t, scheduler.Config{})
	w := postInfer(t, h, `{"prompt":"one two","stream":true,"detach":true}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	var handle types.StreamHandleResponse
	if err := json.Unmarshal(w.Body.Bytes(), &handle); err != nil {
		t.Fatalf("json: %v", err)
	}
	if handle.StreamKey == "" || handle.RetentionSeconds != 60 {
		t.Fatalf("handle: %+v", handle)
	}

	get := func() *httptest.ResponseRecorder {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/streams/"+handle.StreamKey, nil).WithContext(testCtx(t)))
		return rr
	}
	first := get()
	if first.Code != http.StatusOK {
		t.Fatalf("redeem status=%d body=%s", first.Code, first.Body.String())
	}
	chunks := readChunks(t, first.Body.String())
	if len(chunks) != 3 || chunks[0].Text != "one" {
		t.Fatalf("chunks: %+v", chunks)
	}
	second := get()
	if second.Code != http.StatusNotFound {
		t.Fatalf("second redeem status=%d", second.Code)
	}
}

func TestStream_ExpiredKey(t *testing.T) {
	now := time.Now()
	reg := streaming.NewRegistry(time.Second, streaming.WithClock(func() time.Time { return now }))
	key := reg.Register("r1", streaming.NewStream(1))
	now = now.Add(2 * time.Second)

	svc := &mockService{reg: reg}
	h := NewMux(svc, Options{Accountant: scheduler.NewAccountant(16, 1024)})
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/streams/"+key, nil))
	if w.Code != http.StatusGone {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	if e := decodeError(t, w); e.Kind != string(scheduler.StreamingHandleExpired) {
		t.Fatalf("kind=%q", e.Kind)
	}
}

func TestInfer_RequestValidation(t *testing.T) {
	h, _ := newTestServer(t, scheduler.Config{})
	cases := []struct {
		name   string
		ct     string
		body   string
		status int
	}{
		{"wrong content type", "text/plain", `{"prompt":"x"}`, http.StatusUnsupportedMediaType},
		{"bad json", "application/json", `{"prompt":`, http.StatusBadRequest},
		{"empty prompt", "application/json", `{"prompt":"   "}`, http.StatusBadRequest},
		{"bad priority", "application/json", `{"prompt":"x","priority":"urgent"}`, http.StatusBadRequest},
		{"negative max tokens", "application/json", `{"prompt":"x","max_tokens":-1}`, http.StatusBadRequest},
		{"unknown model", "application/json", `{"prompt":"x","model":"nope.gguf"}`, http.StatusNotFound},
		{"over capacity", "application/json", `{"prompt":"x","max_tokens":100000}`, http.StatusBadRequest},
		{"past deadline", "application/json", `{"prompt":"x","deadline_ms":1}`, http.StatusGatewayTimeout},
		{"job id with slash", "application/json", `{"prompt":"x","job_id":"a/b"}`, http.StatusBadRequest},
		{"job id too long", "application/json", `{"prompt":"x","job_id":"` + strings.Repeat("j", 129) + `"}`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/v1/infer", strings.NewReader(tc.body))
			req.Header.Set("Content-Type", tc.ct)
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)
			if w.Code != tc.status {
				t.Fatalf("status=%d want %d body=%s", w.Code, tc.status, w.Body.String())
			}
			if e := decodeError(t, w); e.Code != tc.status || e.Error == "" {
				t.Fatalf("error body: %+v", e)
			}
		})
	}
}

func TestInfer_BodyTooLarge(t *testing.T) {
	SetMaxBodyBytes(32)
	t.Cleanup(func() { SetMaxBodyBytes(0) })
	h, _ := newTestServer(t, scheduler.Config{})
	w := postInfer(t, h, `{"prompt":"`+strings.Repeat("x", 100)+`"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status=%d", w.Code)
	}
}

func TestCancelJob(t *testing.T) {
	svc := &mockService{reg: streaming.NewRegistry(time.Minute), cancellable: map[string]bool{"j1": true}}
	h := NewMux(svc, Options{Accountant: scheduler.NewAccountant(16, 1024)})

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/v1/jobs/j1", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	var resp types.CancelResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil || !resp.Cancelled || resp.JobID != "j1" {
		t.Fatalf("resp=%+v err=%v", resp, err)
	}

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/v1/jobs/j2", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("unknown job status=%d", w.Code)
	}
}

func TestStatsAndModels(t *testing.T) {
	h, _ := newTestServer(t, scheduler.Config{WorkerCount: 3, MaxTotalUnits: 500})

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/stats", nil))
	var st types.StatsResponse
	if err := json.Unmarshal(w.Body.Bytes(), &st); err != nil {
		t.Fatalf("json: %v", err)
	}
	if st.TotalCapacity != 500 || st.AvailableCapacity != 500 || st.ActiveWorkers != 0 || st.ResourceKind != "kv_blocks" || st.Draining {
		t.Fatalf("stats: %+v", st)
	}

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/models", nil))
	var models types.ModelsResponse
	if err := json.Unmarshal(w.Body.Bytes(), &models); err != nil {
		t.Fatalf("json: %v", err)
	}
	if len(models.Models) != 1 || models.Models[0].ID != "tiny.gguf" {
		t.Fatalf("models: %+v", models)
	}
}

func TestReadyz_DrainingAfterShutdown(t *testing.T) {
	h, s := newTestServer(t, scheduler.Config{})
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	if err := s.Shutdown(testCtx(t)); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if w.Code != http.StatusServiceUnavailable || !strings.Contains(w.Body.String(), "draining") {
		t.Fatalf("status=%d body=%q", w.Code, w.Body.String())
	}
	if w := postInfer(t, h, `{"prompt":"late"}`); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("infer after shutdown status=%d", w.Code)
	}
}

func TestHealthzAndSecurityHeader(t *testing.T) {
	h := NewMux(&mockService{reg: streaming.NewRegistry(time.Minute)}, Options{Accountant: scheduler.NewAccountant(16, 1024)})
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Code != http.StatusOK || w.Body.String() != "ok" {
		t.Fatalf("healthz: %d %q", w.Code, w.Body.String())
	}
	if w.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Fatalf("missing nosniff header")
	}
}
