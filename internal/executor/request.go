package executor

// Request is the job payload LLMExecutor understands. The HTTP layer stores
// it in scheduler.InferenceJob.Payload.
type Request struct {
	// Model id resolved through the catalog; empty selects the default.
	Model  string
	Prompt string
	Params InferParams
}
