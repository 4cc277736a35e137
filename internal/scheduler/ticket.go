package scheduler

import (
	"context"
	"sync"
)

// Ticket tracks one accepted job until it reaches a terminal result.
type Ticket struct {
	id     string
	done   chan struct{}
	once   sync.Once
	result InferenceResult
	cancel func(id string) bool
}

func newTicket(id string, cancel func(string) bool) *Ticket {
	return &Ticket{id: id, done: make(chan struct{}), cancel: cancel}
}

// ID returns the job id the ticket tracks.
func (t *Ticket) ID() string { return t.id }

// Done is closed once the result is available.
func (t *Ticket) Done() <-chan struct{} { return t.done }

// Result returns the terminal result without blocking; ok is false while
// the job is still queued or running.
func (t *Ticket) Result() (InferenceResult, bool) {
	select {
	case <-t.done:
		return t.result, true
	default:
		return InferenceResult{}, false
	}
}

// Wait blocks until the job finishes or ctx is done. When ctx ends first the
// job is cancelled: removed if still queued, signalled if running.
func (t *Ticket) Wait(ctx context.Context) (InferenceResult, error) {
	select {
	case <-t.done:
		return t.result, nil
	case <-ctx.Done():
	}
	if t.cancel != nil {
		t.cancel(t.id)
	}
	return ErrorResultf(Cancelled, "caller stopped waiting: %v", ctx.Err()), ctx.Err()
}

func (t *Ticket) complete(r InferenceResult) {
	t.once.Do(func() {
		t.result = r
		close(t.done)
	})
}
