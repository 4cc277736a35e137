package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"inferq/internal/streaming"
)

// Pool runs jobs on a fixed set of workers against a fixed resource capacity.
//
// The queue, the capacity ledger (reserved units) and the active-worker count
// form one piece of state guarded by mu. Every transition that touches more
// than one of them (enqueue, dispatch, release) happens in a single critical
// section, so no observer ever sees a job counted as both queued and
// reserved, or neither.
//
// Dispatch walks the queue from the highest priority down and starts the
// first job whose cost fits in the remaining capacity. A cheap lower-priority
// job may therefore start ahead of an expensive higher-priority one that does
// not fit yet; this keeps one oversized job from idling the pool.
type Pool struct {
	cfg          Config
	exec         Executor
	log          zerolog.Logger
	pub          EventPublisher
	registry     *streaming.Registry
	ownsRegistry bool
	tracer       trace.Tracer

	mu         sync.Mutex
	queue      *taskQueue
	running    map[string]*task
	reserved   uint64
	active     int
	closed     bool
	workClosed bool

	// buffered to WorkerCount: at most `active` tasks are ever in flight, so
	// sends under mu never block
	work       chan *task
	workers    sync.WaitGroup
	jobsCtx    context.Context
	cancelJobs context.CancelFunc
	stopSweep  context.CancelFunc

	shutdownOnce sync.Once
	shutdownErr  error
}

// NewPool validates cfg, starts the workers and the stream sweeper.
func NewPool(cfg Config, exec Executor) (*Pool, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if exec == nil {
		return nil, fmt.Errorf("%w: executor is required", ErrInvalidConfig)
	}
	cfg = cfg.withDefaults()
	p := &Pool{
		cfg:     cfg,
		exec:    exec,
		log:     cfg.logger().With().Str("component", "pool").Logger(),
		pub:     cfg.Publisher,
		tracer:  otel.Tracer("inferq/internal/scheduler"),
		queue:   newTaskQueue(),
		running: make(map[string]*task),
		work:    make(chan *task, cfg.WorkerCount),
	}
	p.registry = cfg.Registry
	if p.registry == nil {
		p.registry = streaming.NewRegistry(cfg.StreamingRetention, streaming.WithLogger(p.log))
		p.ownsRegistry = true
	}
	p.jobsCtx, p.cancelJobs = context.WithCancel(context.Background())
	sweepCtx, stop := context.WithCancel(context.Background())
	p.stopSweep = stop
	go p.registry.Run(sweepCtx, cfg.SweepInterval)

	for i := 0; i < cfg.WorkerCount; i++ {
		p.workers.Add(1)
		go p.worker()
	}
	p.log.Info().
		Int("worker_count", cfg.WorkerCount).
		Uint64("max_total_units", cfg.MaxTotalUnits).
		Int("max_queue_depth", cfg.MaxQueueDepth).
		Str("resource_kind", string(cfg.ResourceKind)).
		Msg("worker pool started")
	return p, nil
}

// Submit enqueues the job and waits for its terminal result. Admission
// failures are returned as *AdmissionError without touching pool state.
// If ctx ends first the job is cancelled and ctx.Err() is returned.
func (p *Pool) Submit(ctx context.Context, job *InferenceJob, meta TaskMetadata) (InferenceResult, error) {
	t, err := p.Enqueue(job, meta)
	if err != nil {
		return InferenceResult{}, err
	}
	return t.Wait(ctx)
}

// Enqueue admits the job and returns without waiting for it to run.
// An empty meta.ID is replaced by a generated one; an empty cost kind is
// taken to be the pool's kind.
func (p *Pool) Enqueue(job *InferenceJob, meta TaskMetadata) (*Ticket, error) {
	if job == nil {
		return nil, p.rejected(reject(InvalidCost, meta.ID, "nil job"))
	}
	if meta.ID == "" {
		meta.ID = uuid.NewString()
	}
	if meta.Cost.Kind == "" {
		meta.Cost.Kind = p.cfg.ResourceKind
	}
	now := time.Now()

	p.mu.Lock()
	if aerr := p.admitLocked(meta, now); aerr != nil {
		p.mu.Unlock()
		return nil, p.rejected(aerr)
	}
	t := &task{job: job, meta: meta, state: taskQueued, enqueuedAt: now}
	t.ticket = newTicket(meta.ID, p.Cancel)
	p.queue.push(t)
	if meta.HasDeadline() {
		t.expiry = time.AfterFunc(meta.Deadline.Sub(now), func() { p.expire(t) })
	}
	p.pub.Publish(Event{Name: EventQueued, JobID: meta.ID, Fields: map[string]any{
		"priority": meta.Priority.String(),
		"units":    meta.Cost.Units,
	}})
	dispatched, expired := p.dispatchLocked()
	p.mu.Unlock()

	submissionsTotal.WithLabelValues(meta.Priority.String()).Inc()
	p.log.Debug().Str("job_id", meta.ID).Str("request_id", job.RequestID).
		Str("priority", meta.Priority.String()).Uint64("units", meta.Cost.Units).Msg("job queued")
	p.afterDispatch(dispatched, expired)
	return t.ticket, nil
}

func (p *Pool) admitLocked(meta TaskMetadata, now time.Time) *AdmissionError {
	if p.closed {
		return reject(ShuttingDown, meta.ID, "pool is shutting down")
	}
	if p.queue.Len() >= p.cfg.MaxQueueDepth {
		return reject(QueueFull, meta.ID, fmt.Sprintf("queue depth %d reached", p.cfg.MaxQueueDepth))
	}
	if aerr := checkJob(p.cfg, meta, now); aerr != nil {
		return aerr
	}
	if _, ok := p.queue.get(meta.ID); ok || p.running[meta.ID] != nil {
		return reject(DuplicateJob, meta.ID, "a job with this id is already queued or running")
	}
	return nil
}

// checkJob holds the admission rules shared by every strategy.
func checkJob(cfg Config, meta TaskMetadata, now time.Time) *AdmissionError {
	if meta.expired(now) {
		return reject(DeadlineExceeded, meta.ID, "deadline already passed at submission")
	}
	if !meta.Priority.valid() {
		return reject(InvalidCost, meta.ID, fmt.Sprintf("unknown priority %d", int(meta.Priority)))
	}
	if meta.Cost.Kind != cfg.ResourceKind {
		return reject(InvalidCost, meta.ID, fmt.Sprintf("cost kind %q does not match pool kind %q", meta.Cost.Kind, cfg.ResourceKind))
	}
	if meta.Cost.Units > cfg.MaxTotalUnits {
		return reject(InvalidCost, meta.ID, fmt.Sprintf("cost %d exceeds total capacity %d", meta.Cost.Units, cfg.MaxTotalUnits))
	}
	return nil
}

func (p *Pool) rejected(aerr *AdmissionError) error {
	rejectionsTotal.WithLabelValues(string(aerr.Kind)).Inc()
	p.pub.Publish(Event{Name: EventRejected, JobID: aerr.JobID, Fields: map[string]any{"reason": string(aerr.Kind)}})
	p.log.Debug().Str("job_id", aerr.JobID).Str("reason", string(aerr.Kind)).Msg(aerr.Reason)
	return aerr
}

// dispatchLocked starts queued jobs while a worker is free and some queued
// job fits the remaining capacity. Jobs found past their deadline on the way
// are dropped and returned in expired.
func (p *Pool) dispatchLocked() (dispatched, expired []*task) {
	if p.workClosed {
		return nil, nil
	}
	now := time.Now()
	for p.active < p.cfg.WorkerCount && p.queue.Len() > 0 {
		avail := p.cfg.MaxTotalUnits - p.reserved
		var pick *task
		p.queue.scan(func(t *task) bool {
			if t.meta.expired(now) {
				p.dropLocked(t)
				p.pub.Publish(Event{Name: EventExpired, JobID: t.meta.ID, Fields: map[string]any{}})
				expired = append(expired, t)
				return true
			}
			if t.meta.Cost.Units <= avail {
				pick = t
				return false
			}
			return true
		})
		if pick == nil {
			break
		}
		p.queue.remove(pick)
		stopExpiry(pick)
		p.reserved += pick.meta.Cost.Units
		p.active++
		pick.state = taskRunning
		pick.ctx, pick.cancel = jobContext(p.jobsCtx, pick.meta, p.cfg.JobTimeout)
		p.running[pick.meta.ID] = pick
		p.pub.Publish(Event{Name: EventDispatched, JobID: pick.meta.ID, Fields: map[string]any{
			"priority": pick.meta.Priority.String(),
			"units":    pick.meta.Cost.Units,
			"reserved": p.reserved,
		}})
		p.work <- pick
		dispatched = append(dispatched, pick)
	}
	return dispatched, expired
}

// dropLocked removes a queued task that will never run.
func (p *Pool) dropLocked(t *task) {
	p.queue.remove(t)
	stopExpiry(t)
	t.state = taskDone
}

func stopExpiry(t *task) {
	if t.expiry != nil {
		t.expiry.Stop()
	}
}

// jobContext derives the execution context: the earlier of the job deadline
// and now+timeout, cancelled with parent.
func jobContext(parent context.Context, meta TaskMetadata, timeout time.Duration) (context.Context, context.CancelFunc) {
	deadline := meta.Deadline
	if timeout > 0 {
		if d := time.Now().Add(timeout); deadline.IsZero() || d.Before(deadline) {
			deadline = d
		}
	}
	if deadline.IsZero() {
		return context.WithCancel(parent)
	}
	return context.WithDeadline(parent, deadline)
}

func (p *Pool) afterDispatch(dispatched, expired []*task) {
	for _, t := range expired {
		p.settle(t, ErrorResult(DeadlineExceeded, "deadline passed while queued"))
	}
	for _, t := range dispatched {
		queueWaitSeconds.Observe(time.Since(t.enqueuedAt).Seconds())
		p.log.Debug().Str("job_id", t.meta.ID).Uint64("units", t.meta.Cost.Units).Msg("job dispatched")
	}
}

// settle delivers the terminal result of a task that is no longer tracked.
func (p *Pool) settle(t *task, res InferenceResult) {
	if res.RequestID == "" {
		res.RequestID = t.job.RequestID
	}
	jobsTotal.WithLabelValues(res.outcome()).Inc()
	ev := p.log.Debug()
	if res.IsError() {
		ev = p.log.Info().Str("error", res.ErrorMessage())
	}
	ev.Str("job_id", t.meta.ID).Str("outcome", res.outcome()).Msg("job finished")
	t.ticket.complete(res)
}

// expire runs from the deadline timer of a queued task.
func (p *Pool) expire(t *task) {
	p.mu.Lock()
	if t.state != taskQueued {
		p.mu.Unlock()
		return
	}
	p.dropLocked(t)
	p.pub.Publish(Event{Name: EventExpired, JobID: t.meta.ID, Fields: map[string]any{}})
	p.mu.Unlock()
	p.settle(t, ErrorResult(DeadlineExceeded, "deadline passed while queued"))
}

// finish releases a completed task's reservation and worker, then refills.
func (p *Pool) finish(t *task, res InferenceResult) {
	t.cancel()
	p.mu.Lock()
	delete(p.running, t.meta.ID)
	p.reserved -= t.meta.Cost.Units
	p.active--
	t.state = taskDone
	p.pub.Publish(Event{Name: EventCompleted, JobID: t.meta.ID, Fields: map[string]any{"outcome": res.outcome()}})
	dispatched, expired := p.dispatchLocked()
	p.mu.Unlock()

	p.settle(t, res)
	p.afterDispatch(dispatched, expired)
}

// Cancel removes a queued job, reporting it Cancelled, or signals a running
// job's executor. It returns false for unknown or finished jobs.
func (p *Pool) Cancel(id string) bool {
	p.mu.Lock()
	if t, ok := p.queue.get(id); ok {
		p.dropLocked(t)
		p.pub.Publish(Event{Name: EventCancelled, JobID: id, Fields: map[string]any{}})
		p.mu.Unlock()
		p.settle(t, ErrorResult(Cancelled, "cancelled while queued"))
		return true
	}
	if t, ok := p.running[id]; ok {
		cancel := t.cancel
		p.pub.Publish(Event{Name: EventCancelRequested, JobID: id, Fields: map[string]any{}})
		p.mu.Unlock()
		cancel()
		return true
	}
	p.mu.Unlock()
	return false
}

// Stats returns a consistent snapshot of the pool counters.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolStats{
		ActiveWorkers:     p.active,
		QueuedTasks:       p.queue.Len(),
		AvailableCapacity: p.cfg.MaxTotalUnits - p.reserved,
		TotalCapacity:     p.cfg.MaxTotalUnits,
	}
}

// Registry returns the streaming registry executors hand streams to.
func (p *Pool) Registry() *streaming.Registry { return p.registry }

// Closed reports whether Shutdown has started.
func (p *Pool) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Pool) idle() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queue.Len() == 0 && p.active == 0
}

// Shutdown stops admission and lets queued and running jobs drain for
// ShutdownGrace (or until ctx is done). Jobs still queued after that are
// reported Cancelled and running jobs are signalled. It then waits for the
// workers until ctx is done. Calling it again returns the first result.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.shutdownOnce.Do(func() { p.shutdownErr = p.shutdown(ctx) })
	return p.shutdownErr
}

func (p *Pool) shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	queued, active := p.queue.Len(), p.active
	p.mu.Unlock()
	p.log.Info().Int("queued", queued).Int("active", active).Dur("grace", p.cfg.ShutdownGrace).Msg("worker pool draining")

	grace := time.NewTimer(p.cfg.ShutdownGrace)
	defer grace.Stop()
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
drain:
	for !p.idle() {
		select {
		case <-tick.C:
		case <-grace.C:
			break drain
		case <-ctx.Done():
			break drain
		}
	}

	p.mu.Lock()
	left := p.queue.drain()
	for _, t := range left {
		stopExpiry(t)
		t.state = taskDone
		p.pub.Publish(Event{Name: EventCancelled, JobID: t.meta.ID, Fields: map[string]any{"shutdown": true}})
	}
	p.workClosed = true
	close(p.work)
	p.mu.Unlock()
	p.cancelJobs()
	for _, t := range left {
		p.settle(t, ErrorResult(Cancelled, "scheduler shut down before dispatch"))
	}

	done := make(chan struct{})
	go func() {
		p.workers.Wait()
		close(done)
	}()
	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("shutdown: workers still running: %w", ctx.Err())
	}
	p.stopSweep()
	if p.ownsRegistry {
		p.registry.Close()
	}
	p.log.Info().Int("cancelled", len(left)).Err(err).Msg("worker pool stopped")
	return err
}
