package executor

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"inferq/internal/registry"
	"inferq/internal/scheduler"
	"inferq/internal/streaming"
)

const (
	defaultStreamBuffer = 32
	// how long a failed producer waits to hand its error chunk to a slow consumer
	errorChunkWait = time.Second
)

// LLMExecutor runs jobs whose payload is a *Request against an InferenceAdapter.
// Non-streaming jobs are generated to completion inside Execute. Streaming
// jobs get a Stream registered with the registry; tokens are produced by a
// goroutine bound to the stream's lifetime and the job deadline, and Execute
// returns the stream key right away.
type LLMExecutor struct {
	adapter InferenceAdapter
	streams *streaming.Registry
	models  *registry.Catalog
	log     zerolog.Logger
	buffer  int
}

// Option configures an LLMExecutor.
type Option func(*LLMExecutor)

// WithModels resolves Request.Model through c. Without a catalog the model
// field is handed to the adapter unchanged.
func WithModels(c *registry.Catalog) Option { return func(e *LLMExecutor) { e.models = c } }

func WithLogger(l zerolog.Logger) Option { return func(e *LLMExecutor) { e.log = l } }

// WithStreamBuffer sets the number of chunks buffered per stream.
func WithStreamBuffer(n int) Option { return func(e *LLMExecutor) { e.buffer = n } }

// NewLLMExecutor builds an executor. streams must be the registry the
// scheduler exposes, so handles returned to callers can be redeemed there.
func NewLLMExecutor(adapter InferenceAdapter, streams *streaming.Registry, opts ...Option) *LLMExecutor {
	e := &LLMExecutor{adapter: adapter, streams: streams, log: zerolog.Nop(), buffer: defaultStreamBuffer}
	for _, o := range opts {
		o(e)
	}
	return e
}

var _ scheduler.Executor = (*LLMExecutor)(nil)

func (e *LLMExecutor) Execute(ctx context.Context, job *scheduler.InferenceJob, meta scheduler.TaskMetadata) scheduler.InferenceResult {
	req, ok := payload(job)
	if !ok {
		return scheduler.ErrorResultf(scheduler.ExecutionFailed, "unsupported job payload %T", job.Payload)
	}
	if req.Params.MaxTokens <= 0 {
		req.Params.MaxTokens = job.MaxOutputLen
	}
	modelID, modelPath, err := e.resolve(req.Model)
	if err != nil {
		return scheduler.ErrorResultf(scheduler.ExecutionFailed, "resolve model: %v", err)
	}
	log := e.log.With().Str("job_id", meta.ID).Str("request_id", job.RequestID).Str("model", modelID).Logger()

	sess, err := e.adapter.Start(modelPath, req.Params)
	if err != nil {
		log.Warn().Err(err).Msg("adapter start failed")
		return scheduler.ErrorResultf(scheduler.ExecutionFailed, "start session: %v", err)
	}
	if job.Streaming {
		return e.stream(ctx, job, req, modelID, sess, log)
	}
	defer sess.Close()
	return e.complete(ctx, job, req, sess)
}

func payload(job *scheduler.InferenceJob) (Request, bool) {
	switch p := job.Payload.(type) {
	case *Request:
		if p == nil {
			return Request{}, false
		}
		return *p, true
	case Request:
		return p, true
	}
	return Request{}, false
}

func (e *LLMExecutor) resolve(id string) (modelID, path string, err error) {
	if e.models == nil {
		return id, id, nil
	}
	m, err := e.models.Resolve(id)
	if err != nil {
		return "", "", err
	}
	return m.ID, m.Path, nil
}

func (e *LLMExecutor) complete(ctx context.Context, job *scheduler.InferenceJob, req Request, sess InferSession) scheduler.InferenceResult {
	var b strings.Builder
	n := 0
	fin, err := sess.Generate(ctx, req.Prompt, func(tok string) error {
		b.WriteString(tok)
		n++
		return nil
	})
	if err != nil {
		return generationFailed(ctx, err)
	}
	if fin.Content == "" {
		fin.Content = b.String()
	}
	if fin.FinishReason == "" {
		fin.FinishReason = "stop"
	}
	return scheduler.CompletionResult(job.RequestID, scheduler.Completion{
		Content:      fin.Content,
		FinishReason: fin.FinishReason,
		Usage:        usage(fin.Usage, job.PromptLen, n),
	})
}

// generationFailed prefers the context's reason over the adapter's error.
func generationFailed(ctx context.Context, err error) scheduler.InferenceResult {
	if ctx.Err() != nil {
		return scheduler.FromContextError(ctx.Err())
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return scheduler.FromContextError(err)
	}
	return scheduler.ErrorResultf(scheduler.ExecutionFailed, "generate: %v", err)
}

func usage(u scheduler.Usage, promptTokens, completionTokens int) scheduler.Usage {
	if u.TotalTokens > 0 {
		return u
	}
	return scheduler.Usage{
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		TotalTokens:      promptTokens + completionTokens,
	}
}

func (e *LLMExecutor) stream(ctx context.Context, job *scheduler.InferenceJob, req Request, modelID string, sess InferSession, log zerolog.Logger) scheduler.InferenceResult {
	if err := ctx.Err(); err != nil {
		sess.Close()
		return scheduler.FromContextError(err)
	}
	s := streaming.NewStream(e.buffer)
	pctx, cancel := context.WithCancel(s.Context())
	if dl, ok := ctx.Deadline(); ok {
		cancel()
		pctx, cancel = context.WithDeadline(s.Context(), dl)
	}
	key := e.streams.Register(job.RequestID, s)
	log.Debug().Str("stream_key", key).Msg("stream registered")

	go e.produce(pctx, cancel, s, sess, job, req, modelID, log)
	return scheduler.StreamingResult(job.RequestID, key)
}

// produce generates into s until the generation ends, the consumer closes
// the stream, or the job deadline passes. It always closes the send side.
func (e *LLMExecutor) produce(ctx context.Context, cancel context.CancelFunc, s *streaming.Stream, sess InferSession, job *scheduler.InferenceJob, req Request, modelID string, log zerolog.Logger) {
	defer cancel()
	defer sess.Close()
	defer s.CloseSend()

	created := time.Now().Unix()
	idx := 0
	chunk := func(text string) streaming.Chunk {
		c := streaming.Chunk{Text: text, Model: modelID, ID: job.RequestID, Created: created, Index: idx}
		idx++
		return c
	}
	fin, err := sess.Generate(ctx, req.Prompt, func(tok string) error {
		return s.Send(ctx, chunk(tok))
	})
	if s.Closed() {
		log.Debug().Int("chunks", idx).Msg("stream abandoned by consumer")
		return
	}
	last := chunk("")
	last.Finished = true
	if err != nil {
		res := generationFailed(ctx, err)
		last.FinishReason = "error"
		last.Err = res.Err.Error()
		wctx, done := context.WithTimeout(context.Background(), errorChunkWait)
		defer done()
		if serr := s.Send(wctx, last); serr != nil {
			log.Debug().Err(serr).Msg("error chunk not delivered")
		}
		log.Info().Err(err).Int("chunks", idx-1).Msg("stream generation failed")
		return
	}
	last.FinishReason = fin.FinishReason
	if last.FinishReason == "" {
		last.FinishReason = "stop"
	}
	if serr := s.Send(ctx, last); serr != nil {
		log.Debug().Err(serr).Msg("final chunk not delivered")
		return
	}
	log.Debug().Int("chunks", idx).Msg("stream finished")
}
