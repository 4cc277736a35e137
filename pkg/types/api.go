package types

// InferRequest represents an inference request payload.
type InferRequest struct {
	// Optional model identifier. If empty, the server default is used.
	// example: tinyllama-q4.gguf
	Model string `json:"model,omitempty" example:"tinyllama-q4.gguf"`
	// Required prompt text to generate a completion for.
	// example: Write a haiku about the ocean.
	Prompt string `json:"prompt" example:"Write a haiku about the ocean."`
	// If true, stream results as NDJSON chunks.
	// example: true
	Stream bool `json:"stream,omitempty" example:"true"`
	// With stream=true, return a stream handle instead of the chunks; redeem it once at GET /v1/streams/{key}.
	// example: false
	Detach bool `json:"detach,omitempty" example:"false"`
	// Maximum number of new tokens to generate. Also sizes the job's KV-cache reservation.
	// example: 128
	MaxTokens int `json:"max_tokens,omitempty" example:"128"`
	// Sampling temperature (higher = more random).
	// example: 0.7
	Temperature float64 `json:"temperature,omitempty" example:"0.7"`
	// Nucleus sampling probability.
	// example: 0.9
	TopP float64 `json:"top_p,omitempty" example:"0.9"`
	// Top-K sampling: limit candidates to top K tokens.
	// example: 40
	TopK int `json:"top_k,omitempty" example:"40"`
	// Optional stop sequences.
	Stop []string `json:"stop,omitempty"`
	// Random seed for reproducibility; 0 or omitted lets the server choose.
	// example: 42
	Seed int64 `json:"seed,omitempty" example:"42"`
	// Repeat penalty applied by llama backends.
	// example: 1.1
	RepeatPenalty float64 `json:"repeat_penalty,omitempty" example:"1.1"`
	// Scheduling priority: low, normal, high or critical.
	// example: high
	Priority string `json:"priority,omitempty" example:"high"`
	// Absolute deadline in unix milliseconds. Jobs still queued at the deadline are dropped.
	DeadlineMs int64 `json:"deadline_ms,omitempty"`
	// Relative deadline in milliseconds from receipt; ignored when deadline_ms is set.
	// example: 30000
	TimeoutMs int64 `json:"timeout_ms,omitempty" example:"30000"`
	// Caller correlation id echoed in responses and stream chunks.
	RequestID string `json:"request_id,omitempty"`
	// Optional scheduler job id. Choosing it lets the caller cancel the job at
	// DELETE /v1/jobs/{id} while it is still queued. Ids already queued or
	// running are refused with 409.
	// example: batch-42-item-7
	JobID string `json:"job_id,omitempty" example:"batch-42-item-7"`
}

// Usage contains token accounting.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// InferResponse is returned for non-streaming requests.
type InferResponse struct {
	// Scheduler job id.
	JobID     string `json:"job_id"`
	RequestID string `json:"request_id,omitempty"`
	Model     string `json:"model,omitempty"`
	Content   string `json:"content"`
	// example: stop
	FinishReason string `json:"finish_reason" example:"stop"`
	Usage        Usage  `json:"usage"`
}

// StreamHandleResponse is returned for detached streaming requests.
type StreamHandleResponse struct {
	JobID     string `json:"job_id"`
	RequestID string `json:"request_id,omitempty"`
	// Opaque key, valid for a single retrieval.
	StreamKey string `json:"stream_key"`
	// Seconds the stream is held before it is discarded unclaimed.
	// example: 60
	RetentionSeconds int64 `json:"retention_seconds" example:"60"`
}

// CancelResponse is returned by DELETE /v1/jobs/{id}.
type CancelResponse struct {
	JobID     string `json:"job_id"`
	Cancelled bool   `json:"cancelled"`
}

// StatsResponse is a point-in-time snapshot of the scheduler.
type StatsResponse struct {
	// example: 2
	ActiveWorkers int `json:"active_workers" example:"2"`
	// example: 5
	QueuedTasks int `json:"queued_tasks" example:"5"`
	// example: 12000
	AvailableCapacity uint64 `json:"available_capacity" example:"12000"`
	// example: 16384
	TotalCapacity uint64 `json:"total_capacity" example:"16384"`
	// Streams registered and not yet retrieved.
	PendingStreams int `json:"pending_streams"`
	// example: kv_blocks
	ResourceKind string `json:"resource_kind" example:"kv_blocks"`
	// Uptime of the server in seconds.
	UptimeSeconds int64 `json:"uptime_seconds"`
	// Set once shutdown has begun.
	Draining bool `json:"draining"`
}

// ModelsResponse wraps the list of models returned by GET /v1/models.
type ModelsResponse struct {
	Models []Model `json:"models"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Error message.
	// example: invalid JSON body
	Error string `json:"error" example:"invalid JSON body"`
	// HTTP status code.
	// example: 400
	Code int `json:"code" example:"400"`
	// Machine-readable error kind, when known.
	// example: queue_full
	Kind string `json:"kind,omitempty" example:"queue_full"`
}
