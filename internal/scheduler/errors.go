package scheduler

import (
	"errors"

	"inferq/internal/streaming"
)

// ErrorKind classifies admission and job failures.
type ErrorKind string

const (
	QueueFull              ErrorKind = "queue_full"
	DeadlineExceeded       ErrorKind = "deadline_exceeded"
	InvalidCost            ErrorKind = "invalid_cost"
	ExecutionFailed        ErrorKind = "execution_failed"
	StreamingHandleExpired ErrorKind = "streaming_handle_expired"
	Cancelled              ErrorKind = "cancelled"
	ShuttingDown           ErrorKind = "shutting_down"
	DuplicateJob           ErrorKind = "duplicate_job"
)

// Sentinels matched by errors.Is against AdmissionError and JobError.
var (
	ErrQueueFull        = errors.New("queue full")
	ErrDeadlineExceeded = errors.New("deadline exceeded")
	ErrInvalidCost      = errors.New("invalid cost")
	ErrExecutionFailed  = errors.New("execution failed")
	ErrCancelled        = errors.New("cancelled")
	ErrShuttingDown     = errors.New("scheduler shutting down")
	ErrDuplicateJob     = errors.New("duplicate job id")
	ErrInvalidConfig    = errors.New("invalid scheduler config")
)

func (k ErrorKind) sentinel() error {
	switch k {
	case QueueFull:
		return ErrQueueFull
	case DeadlineExceeded:
		return ErrDeadlineExceeded
	case InvalidCost:
		return ErrInvalidCost
	case ExecutionFailed:
		return ErrExecutionFailed
	case StreamingHandleExpired:
		return streaming.ErrHandleExpired
	case Cancelled:
		return ErrCancelled
	case ShuttingDown:
		return ErrShuttingDown
	case DuplicateJob:
		return ErrDuplicateJob
	}
	return nil
}

// AdmissionError is returned synchronously when a job is refused before it
// enters the queue. Rejections never change pool state.
type AdmissionError struct {
	Kind   ErrorKind
	JobID  string
	Reason string
}

func (e *AdmissionError) Error() string {
	msg := "admission rejected (" + string(e.Kind) + ")"
	if e.JobID != "" {
		msg += " job " + e.JobID
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *AdmissionError) Is(target error) bool {
	s := e.Kind.sentinel()
	return s != nil && s == target
}

func reject(kind ErrorKind, jobID, reason string) *AdmissionError {
	return &AdmissionError{Kind: kind, JobID: jobID, Reason: reason}
}

// JobError is the failure carried by an error InferenceResult.
type JobError struct {
	Kind    ErrorKind
	Message string
}

func (e *JobError) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Message
}

func (e *JobError) Is(target error) bool {
	s := e.Kind.sentinel()
	return s != nil && s == target
}

// IsQueueFull reports whether err indicates backpressure (return 429).
func IsQueueFull(err error) bool { return errors.Is(err, ErrQueueFull) }

// IsDeadlineExceeded reports whether err indicates a missed deadline.
func IsDeadlineExceeded(err error) bool { return errors.Is(err, ErrDeadlineExceeded) }

// IsInvalidCost reports whether err indicates a job shape the pool cannot admit.
func IsInvalidCost(err error) bool { return errors.Is(err, ErrInvalidCost) }

// IsShuttingDown reports whether err indicates the scheduler no longer accepts work.
func IsShuttingDown(err error) bool { return errors.Is(err, ErrShuttingDown) }

// KindOf extracts the ErrorKind from an AdmissionError or JobError.
func KindOf(err error) (ErrorKind, bool) {
	var ae *AdmissionError
	if errors.As(err, &ae) {
		return ae.Kind, true
	}
	var je *JobError
	if errors.As(err, &je) {
		return je.Kind, true
	}
	return "", false
}
