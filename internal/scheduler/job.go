package scheduler

import "fmt"

// InferenceJob is one generation request as seen by the scheduler. The
// scheduler reads only the bookkeeping fields; Payload belongs to the
// Executor and is handed to it untouched.
type InferenceJob struct {
	RequestID    string
	PromptLen    int
	MaxOutputLen int
	Streaming    bool
	Payload      any
}

func (j *InferenceJob) String() string {
	return fmt.Sprintf("InferenceJob{request_id=%s prompt=%d max_output=%d streaming=%t}",
		j.RequestID, j.PromptLen, j.MaxOutputLen, j.Streaming)
}
