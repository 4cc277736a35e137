package scheduler

import "fmt"

// ResultKind tags the InferenceResult variant.
type ResultKind int

const (
	ResultCompletion ResultKind = iota
	ResultStreaming
	ResultError
)

func (k ResultKind) String() string {
	switch k {
	case ResultCompletion:
		return "completion"
	case ResultStreaming:
		return "streaming"
	case ResultError:
		return "error"
	default:
		return fmt.Sprintf("result(%d)", int(k))
	}
}

// Usage contains token accounting.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Completion is the value of a job that ran to completion.
type Completion struct {
	Content      string `json:"content"`
	FinishReason string `json:"finish_reason"`
	Usage        Usage  `json:"usage"`
}

// InferenceResult is the terminal outcome of a job. Exactly one of
// Completion, StreamKey or Err is meaningful, selected by Kind. The value is
// plain data: a live stream travels through the streaming registry and only
// its key is carried here.
type InferenceResult struct {
	Kind       ResultKind
	RequestID  string
	Completion *Completion
	StreamKey  string
	Err        *JobError
}

// CompletionResult wraps a finished generation.
func CompletionResult(requestID string, c Completion) InferenceResult {
	return InferenceResult{Kind: ResultCompletion, RequestID: requestID, Completion: &c}
}

// StreamingResult returns a handle to a stream held by the registry under key.
func StreamingResult(requestID, key string) InferenceResult {
	return InferenceResult{Kind: ResultStreaming, RequestID: requestID, StreamKey: key}
}

// ErrorResult builds a failed result.
func ErrorResult(kind ErrorKind, msg string) InferenceResult {
	return InferenceResult{Kind: ResultError, Err: &JobError{Kind: kind, Message: msg}}
}

// ErrorResultf builds a failed result with a formatted message.
func ErrorResultf(kind ErrorKind, format string, args ...any) InferenceResult {
	return ErrorResult(kind, fmt.Sprintf(format, args...))
}

// IsError reports whether the job failed.
func (r InferenceResult) IsError() bool { return r.Kind == ResultError }

// Failure returns the job error, or nil for successful results.
func (r InferenceResult) Failure() error {
	if r.Kind != ResultError || r.Err == nil {
		return nil
	}
	return r.Err
}

// ErrorMessage returns the failure message, or "" for successful results.
func (r InferenceResult) ErrorMessage() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Message
}

// outcome is a low-cardinality label for metrics and events.
func (r InferenceResult) outcome() string {
	if r.Kind == ResultError && r.Err != nil {
		return string(r.Err.Kind)
	}
	return r.Kind.String()
}
