package scheduler

import (
	"context"
	"errors"
	"runtime/debug"

	"github.com/rs/zerolog"
)

// Executor performs the work behind a job. Execute runs on a worker
// goroutine, never while the scheduler lock is held.
//
// ctx carries the job deadline (and the pool's JobTimeout) and is cancelled
// when the job is cancelled or the scheduler shuts down; implementations
// return a DeadlineExceeded or Cancelled error result instead of running on.
// Streaming implementations register the stream with the registry and
// return StreamingResult as soon as the stream exists. ctx is cancelled when
// Execute returns, so stream producers must not depend on it.
type Executor interface {
	Execute(ctx context.Context, job *InferenceJob, meta TaskMetadata) InferenceResult
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, job *InferenceJob, meta TaskMetadata) InferenceResult

func (f ExecutorFunc) Execute(ctx context.Context, job *InferenceJob, meta TaskMetadata) InferenceResult {
	return f(ctx, job, meta)
}

// FromContextError maps a context error to the matching error result.
func FromContextError(err error) InferenceResult {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorResultf(DeadlineExceeded, "job deadline passed: %v", err)
	}
	return ErrorResultf(Cancelled, "job cancelled: %v", err)
}

// invoke calls the executor and turns panics and malformed results into
// ExecutionFailed, so a faulty job never leaks into scheduler state.
func invoke(ctx context.Context, exec Executor, job *InferenceJob, meta TaskMetadata, log zerolog.Logger) (res InferenceResult) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("job_id", meta.ID).Interface("panic", r).Bytes("stack", debug.Stack()).Msg("executor panic")
			res = ErrorResultf(ExecutionFailed, "executor panic: %v", r)
		}
		if res.RequestID == "" {
			res.RequestID = job.RequestID
		}
	}()
	if err := ctx.Err(); err != nil {
		return FromContextError(err)
	}
	res = exec.Execute(ctx, job, meta)
	switch {
	case res.Kind == ResultError && res.Err == nil:
		res = ErrorResult(ExecutionFailed, "executor returned an error without a cause")
	case res.Kind == ResultCompletion && res.Completion == nil:
		res = ErrorResult(ExecutionFailed, "executor returned an empty completion")
	case res.Kind == ResultStreaming && res.StreamKey == "":
		res = ErrorResult(ExecutionFailed, "executor returned a stream without a key")
	}
	return res
}
