package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"
)

// testCtx returns a context with a short timeout, canceled on test cleanup.
func testCtx(t *testing.T) context.Context {
	t.Helper()
	c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return c
}

// newTestPool builds a pool that is shut down when the test ends.
func newTestPool(t *testing.T, cfg Config, exec Executor) *Pool {
	t.Helper()
	if cfg.ShutdownGrace == 0 {
		cfg.ShutdownGrace = 50 * time.Millisecond
	}
	p, err := NewPool(cfg, exec)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = p.Shutdown(ctx)
	})
	return p
}

// gate blocks every job until open is called or the job context ends.
type gate struct {
	once sync.Once
	ch   chan struct{}
}

func newGate() *gate { return &gate{ch: make(chan struct{})} }

func (g *gate) open() { g.once.Do(func() { close(g.ch) }) }

func (g *gate) Execute(ctx context.Context, job *InferenceJob, meta TaskMetadata) InferenceResult {
	select {
	case <-g.ch:
		return CompletionResult(job.RequestID, Completion{Content: meta.ID, FinishReason: "stop"})
	case <-ctx.Done():
		return FromContextError(ctx.Err())
	}
}

func testJob(id string) *InferenceJob {
	return &InferenceJob{RequestID: "req-" + id, PromptLen: 8, MaxOutputLen: 8}
}

func jobMeta(id string, units uint64, prio Priority) TaskMetadata {
	return NewTaskMetadata(id, KVBlockCost(units)).WithPriority(prio)
}

// waitFor polls cond until it holds or the test context ends.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	ctx := testCtx(t)
	for !cond() {
		select {
		case <-ctx.Done():
			t.Fatalf("timed out waiting for %s", what)
		case <-time.After(2 * time.Millisecond):
		}
	}
}

func mustEnqueue(t *testing.T, p *Pool, id string, units uint64, prio Priority) *Ticket {
	t.Helper()
	tk, err := p.Enqueue(testJob(id), jobMeta(id, units, prio))
	if err != nil {
		t.Fatalf("enqueue %s: %v", id, err)
	}
	return tk
}

func mustResult(t *testing.T, tk *Ticket) InferenceResult {
	t.Helper()
	res, err := tk.Wait(testCtx(t))
	if err != nil {
		t.Fatalf("wait %s: %v", tk.ID(), err)
	}
	return res
}
