package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"inferq/internal/executor"
	"inferq/internal/scheduler"
	"inferq/internal/streaming"
	"inferq/pkg/types"
)

// Service defines the methods required by the HTTP API layer.
// scheduler.Scheduler satisfies it.
type Service interface {
	Submit(ctx context.Context, job *scheduler.InferenceJob, meta scheduler.TaskMetadata) (scheduler.InferenceResult, error)
	Cancel(id string) bool
	Stats() scheduler.PoolStats
	Registry() *streaming.Registry
	Closed() bool
}

// ModelCatalog lists and resolves the models the executor can load.
type ModelCatalog interface {
	List() []types.Model
	Resolve(id string) (types.Model, error)
}

// Options carries the collaborators NewMux needs besides the Service.
type Options struct {
	// Prices requests; required.
	Accountant *scheduler.Accountant
	// Optional. Without it /v1/models is empty and model ids pass through.
	Models       ModelCatalog
	ResourceKind scheduler.ResourceKind
	// Start time reported as uptime by /v1/stats.
	Started time.Time
}

// maxJobIDLen bounds caller-chosen job ids; they end up in URLs and logs.
const maxJobIDLen = 128

// estimateTokens approximates the prompt length in tokens before the model
// tokenizer is available: roughly four bytes per token.
func estimateTokens(prompt string) int {
	n := (len(prompt) + 3) / 4
	if n < 1 {
		n = 1
	}
	return n
}

func NewMux(svc Service, opts Options) http.Handler {
	if opts.Started.IsZero() {
		opts.Started = time.Now()
	}
	if opts.ResourceKind == "" {
		opts.ResourceKind = scheduler.ResourceKVBlocks
	}
	h := &handlers{svc: svc, opts: opts}

	r := chi.NewRouter()
	// Basic middlewares: request id, real ip, recoverer
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(MetricsMiddleware)
	// Compression for JSON endpoints
	r.Use(middleware.Compress(5))
	// Security headers
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})
	if corsEnabled {
		r.Use(cors.Handler(corsOptions()))
	}

	r.Route("/v1", func(r chi.Router) {
		r.Post("/infer", h.infer)
		r.Get("/streams/{key}", h.stream)
		r.Delete("/jobs/{id}", h.cancel)
		r.Get("/stats", h.stats)
		r.Get("/models", h.models)
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if !svc.Closed() {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("draining"))
	})

	// Prometheus metrics endpoint
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	return r
}

type handlers struct {
	svc  Service
	opts Options
}

func (h *handlers) infer(w http.ResponseWriter, r *http.Request) {
	// Content-Type check
	ct := r.Header.Get("Content-Type")
	if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
		writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req types.InferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		// size overruns are reported as plain bad requests
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		writeJSONError(w, http.StatusBadRequest, "prompt is required")
		return
	}
	prio, err := scheduler.ParsePriority(req.Priority)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.MaxTokens < 0 || req.DeadlineMs < 0 || req.TimeoutMs < 0 {
		writeJSONError(w, http.StatusBadRequest, "max_tokens, deadline_ms and timeout_ms must not be negative")
		return
	}
	if len(req.JobID) > maxJobIDLen || strings.ContainsAny(req.JobID, "/ \t\r\n") {
		writeJSONError(w, http.StatusBadRequest, "job_id must be at most 128 bytes without slashes or whitespace")
		return
	}
	modelID := req.Model
	if h.opts.Models != nil {
		m, err := h.opts.Models.Resolve(req.Model)
		if err != nil {
			writeError(w, err)
			return
		}
		modelID = m.ID
	}

	promptTokens := estimateTokens(req.Prompt)
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}
	cost, err := h.opts.Accountant.CalculateCost(promptTokens, maxTokens)
	if err != nil {
		writeError(w, err)
		return
	}

	jobID := req.JobID
	if jobID == "" {
		jobID = uuid.NewString()
	}
	w.Header().Set("X-Job-ID", jobID)
	requestID := req.RequestID
	if requestID == "" {
		requestID = middleware.GetReqID(r.Context())
	}
	meta := scheduler.NewTaskMetadata(jobID, cost).WithPriority(prio)
	switch {
	case req.DeadlineMs > 0:
		meta = meta.WithDeadlineMs(req.DeadlineMs)
	case req.TimeoutMs > 0:
		meta = meta.WithDeadline(time.Now().Add(time.Duration(req.TimeoutMs) * time.Millisecond))
	}
	job := &scheduler.InferenceJob{
		RequestID:    requestID,
		PromptLen:    promptTokens,
		MaxOutputLen: maxTokens,
		Streaming:    req.Stream,
		Payload: &executor.Request{
			Model:  modelID,
			Prompt: req.Prompt,
			Params: executor.InferParams{
				Temperature:   float32(req.Temperature),
				TopP:          float32(req.TopP),
				TopK:          req.TopK,
				MaxTokens:     maxTokens,
				Stop:          req.Stop,
				Seed:          int(req.Seed),
				RepeatPenalty: float32(req.RepeatPenalty),
			},
		},
	}

	lvl := requestLogLevel(r)
	log := reqLogger(r).With().Str("job_id", jobID).Str("model", modelID).Logger()
	start := time.Now()
	if lvl >= LevelInfo {
		log.Info().Str("priority", prio.String()).Uint64("cost", cost.Units).Bool("stream", req.Stream).Msg("infer start")
	}
	end := func(status int, err error) {
		switch {
		case lvl >= LevelInfo:
			log.Info().Err(err).Int("status", status).Dur("dur", time.Since(start)).Msg("infer end")
		case lvl >= LevelError && err != nil:
			log.Error().Err(err).Int("status", status).Dur("dur", time.Since(start)).Msg("infer failed")
		}
	}

	// Join server base context with request context so shutdown cancels work too.
	ctx, cancel := joinContexts(serverBaseCtx, r.Context())
	defer cancel()
	res, err := h.svc.Submit(ctx, job, meta)
	if ferr := res.Failure(); ferr != nil {
		err = ferr
	}
	if err != nil {
		switch {
		case r.Context().Err() != nil:
			// client went away; nobody reads the response
			end(statusClientClosedRequest, err)
		case serverBaseCtx.Err() != nil:
			end(writeError(w, scheduler.ErrShuttingDown), err)
		default:
			end(writeError(w, err), err)
		}
		return
	}

	switch res.Kind {
	case scheduler.ResultCompletion:
		c := res.Completion
		writeJSON(w, http.StatusOK, types.InferResponse{
			JobID:        jobID,
			RequestID:    res.RequestID,
			Model:        modelID,
			Content:      c.Content,
			FinishReason: c.FinishReason,
			Usage: types.Usage{
				PromptTokens:     c.Usage.PromptTokens,
				CompletionTokens: c.Usage.CompletionTokens,
				TotalTokens:      c.Usage.TotalTokens,
			},
		})
		end(http.StatusOK, nil)
	case scheduler.ResultStreaming:
		reg := h.svc.Registry()
		if req.Detach {
			writeJSON(w, http.StatusOK, types.StreamHandleResponse{
				JobID:            jobID,
				RequestID:        res.RequestID,
				StreamKey:        res.StreamKey,
				RetentionSeconds: int64(reg.Retention() / time.Second),
			})
			end(http.StatusOK, nil)
			return
		}
		s, err := reg.Retrieve(res.StreamKey)
		if err != nil {
			end(writeError(w, err), err)
			return
		}
		n, err := writeNDJSON(ctx, w, ndjsonWriter(w, lvl, log), s)
		if lvl >= LevelInfo {
			log.Info().Int("status", http.StatusOK).Int("chunks", n).Dur("dur", time.Since(start)).AnErr("stream_err", err).Msg("infer end")
		}
	default:
		end(writeError(w, errors.New("unexpected result kind "+res.Kind.String())), nil)
	}
}

func (h *handlers) stream(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	s, err := h.svc.Registry().Retrieve(key)
	if err != nil {
		writeError(w, err)
		return
	}
	lvl := requestLogLevel(r)
	log := reqLogger(r).With().Str("stream_key", key).Logger()
	ctx, cancel := joinContexts(serverBaseCtx, r.Context())
	defer cancel()
	n, err := writeNDJSON(ctx, w, ndjsonWriter(w, lvl, log), s)
	if lvl >= LevelInfo {
		log.Info().Int("chunks", n).AnErr("stream_err", err).Msg("stream redeemed")
	}
}

func (h *handlers) cancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !h.svc.Cancel(id) {
		writeJSONErrorKind(w, http.StatusNotFound, "job_not_found", "no queued or running job "+id)
		return
	}
	if requestLogLevel(r) >= LevelInfo {
		l := reqLogger(r)
		l.Info().Str("job_id", id).Msg("job cancelled")
	}
	writeJSON(w, http.StatusOK, types.CancelResponse{JobID: id, Cancelled: true})
}

func (h *handlers) stats(w http.ResponseWriter, r *http.Request) {
	st := h.svc.Stats()
	writeJSON(w, http.StatusOK, types.StatsResponse{
		ActiveWorkers:     st.ActiveWorkers,
		QueuedTasks:       st.QueuedTasks,
		AvailableCapacity: st.AvailableCapacity,
		TotalCapacity:     st.TotalCapacity,
		PendingStreams:    h.svc.Registry().Len(),
		ResourceKind:      string(h.opts.ResourceKind),
		UptimeSeconds:     int64(time.Since(h.opts.Started) / time.Second),
		Draining:          h.svc.Closed(),
	})
}

func (h *handlers) models(w http.ResponseWriter, r *http.Request) {
	models := []types.Model{}
	if h.opts.Models != nil {
		models = append(models, h.opts.Models.List()...)
	}
	writeJSON(w, http.StatusOK, types.ModelsResponse{Models: models})
}

// ndjsonWriter tees the response into the debug log when the request asks for it.
func ndjsonWriter(w http.ResponseWriter, lvl LogLevel, log zerolog.Logger) io.Writer {
	if lvl >= LevelDebug {
		return io.MultiWriter(w, &loggingLineWriter{log: log})
	}
	return w
}

// writeNDJSON copies chunks from s to out, one JSON object per line, until
// the producer closes the stream or ctx ends. The stream is closed on return
// so the producer stops generating for a reader that left.
func writeNDJSON(ctx context.Context, w http.ResponseWriter, out io.Writer, s *streaming.Stream) (int, error) {
	defer s.Close()
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	if flusher != nil {
		flusher.Flush()
	}
	enc := json.NewEncoder(out)
	n := 0
	for {
		select {
		case c, ok := <-s.Recv():
			if !ok {
				return n, nil
			}
			if err := enc.Encode(c); err != nil {
				return n, err
			}
			if flusher != nil {
				flusher.Flush()
			}
			n++
		case <-ctx.Done():
			return n, ctx.Err()
		}
	}
}
