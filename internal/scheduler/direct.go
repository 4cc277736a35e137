package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"inferq/internal/streaming"
)

// Direct runs each job on the submitting goroutine. It applies the same
// admission rules and capacity ledger as Pool but keeps no queue: a job that
// finds no free worker slot or not enough capacity is refused with QueueFull.
type Direct struct {
	cfg          Config
	exec         Executor
	log          zerolog.Logger
	pub          EventPublisher
	registry     *streaming.Registry
	ownsRegistry bool

	mu       sync.Mutex
	running  map[string]context.CancelFunc
	reserved uint64
	active   int
	closed   bool

	inflight   sync.WaitGroup
	jobsCtx    context.Context
	cancelJobs context.CancelFunc
	stopSweep  context.CancelFunc

	shutdownOnce sync.Once
	shutdownErr  error
}

// NewDirect validates cfg and starts the stream sweeper.
func NewDirect(cfg Config, exec Executor) (*Direct, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if exec == nil {
		return nil, fmt.Errorf("%w: executor is required", ErrInvalidConfig)
	}
	cfg = cfg.withDefaults()
	d := &Direct{
		cfg:     cfg,
		exec:    exec,
		log:     cfg.logger().With().Str("component", "direct").Logger(),
		pub:     cfg.Publisher,
		running: make(map[string]context.CancelFunc),
	}
	d.registry = cfg.Registry
	if d.registry == nil {
		d.registry = streaming.NewRegistry(cfg.StreamingRetention, streaming.WithLogger(d.log))
		d.ownsRegistry = true
	}
	d.jobsCtx, d.cancelJobs = context.WithCancel(context.Background())
	sweepCtx, stop := context.WithCancel(context.Background())
	d.stopSweep = stop
	go d.registry.Run(sweepCtx, cfg.SweepInterval)
	d.log.Info().Int("worker_count", cfg.WorkerCount).Uint64("max_total_units", cfg.MaxTotalUnits).Msg("direct scheduler started")
	return d, nil
}

// Submit admits and runs the job inline.
func (d *Direct) Submit(ctx context.Context, job *InferenceJob, meta TaskMetadata) (InferenceResult, error) {
	if job == nil {
		return InferenceResult{}, d.rejected(reject(InvalidCost, meta.ID, "nil job"))
	}
	if meta.ID == "" {
		meta.ID = uuid.NewString()
	}
	if meta.Cost.Kind == "" {
		meta.Cost.Kind = d.cfg.ResourceKind
	}

	d.mu.Lock()
	if aerr := d.admitLocked(meta, time.Now()); aerr != nil {
		d.mu.Unlock()
		return InferenceResult{}, d.rejected(aerr)
	}
	jctx, cancel := jobContext(ctx, meta, d.cfg.JobTimeout)
	stop := context.AfterFunc(d.jobsCtx, cancel)
	d.reserved += meta.Cost.Units
	d.active++
	d.running[meta.ID] = cancel
	d.inflight.Add(1)
	d.pub.Publish(Event{Name: EventDispatched, JobID: meta.ID, Fields: map[string]any{
		"priority": meta.Priority.String(),
		"units":    meta.Cost.Units,
		"reserved": d.reserved,
	}})
	d.mu.Unlock()
	submissionsTotal.WithLabelValues(meta.Priority.String()).Inc()

	start := time.Now()
	res := invoke(jctx, d.exec, job, meta, d.log)
	executionSeconds.Observe(time.Since(start).Seconds())
	stop()
	cancel()

	d.mu.Lock()
	delete(d.running, meta.ID)
	d.reserved -= meta.Cost.Units
	d.active--
	d.pub.Publish(Event{Name: EventCompleted, JobID: meta.ID, Fields: map[string]any{"outcome": res.outcome()}})
	d.mu.Unlock()
	d.inflight.Done()

	jobsTotal.WithLabelValues(res.outcome()).Inc()
	d.log.Debug().Str("job_id", meta.ID).Str("outcome", res.outcome()).Msg("job finished")
	if err := ctx.Err(); err != nil {
		return res, err
	}
	return res, nil
}

func (d *Direct) admitLocked(meta TaskMetadata, now time.Time) *AdmissionError {
	if d.closed {
		return reject(ShuttingDown, meta.ID, "scheduler is shutting down")
	}
	if aerr := checkJob(d.cfg, meta, now); aerr != nil {
		return aerr
	}
	if _, ok := d.running[meta.ID]; ok {
		return reject(DuplicateJob, meta.ID, "a job with this id is already running")
	}
	if d.active >= d.cfg.WorkerCount || d.reserved+meta.Cost.Units > d.cfg.MaxTotalUnits {
		return reject(QueueFull, meta.ID, "no free worker or capacity")
	}
	return nil
}

func (d *Direct) rejected(aerr *AdmissionError) error {
	rejectionsTotal.WithLabelValues(string(aerr.Kind)).Inc()
	d.pub.Publish(Event{Name: EventRejected, JobID: aerr.JobID, Fields: map[string]any{"reason": string(aerr.Kind)}})
	return aerr
}

// Cancel signals a running job. Direct has no queued jobs.
func (d *Direct) Cancel(id string) bool {
	d.mu.Lock()
	cancel, ok := d.running[id]
	d.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func (d *Direct) Stats() PoolStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return PoolStats{
		ActiveWorkers:     d.active,
		AvailableCapacity: d.cfg.MaxTotalUnits - d.reserved,
		TotalCapacity:     d.cfg.MaxTotalUnits,
	}
}

func (d *Direct) Registry() *streaming.Registry { return d.registry }

func (d *Direct) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// Shutdown stops admission, waits ShutdownGrace for running jobs, cancels
// the rest and waits for them until ctx is done.
func (d *Direct) Shutdown(ctx context.Context) error {
	d.shutdownOnce.Do(func() { d.shutdownErr = d.shutdown(ctx) })
	return d.shutdownErr
}

func (d *Direct) shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.inflight.Wait()
		close(done)
	}()
	grace := time.NewTimer(d.cfg.ShutdownGrace)
	defer grace.Stop()
	var err error
	select {
	case <-done:
	case <-grace.C:
	case <-ctx.Done():
	}
	d.cancelJobs()
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("shutdown: jobs still running: %w", ctx.Err())
	}
	d.stopSweep()
	if d.ownsRegistry {
		d.registry.Close()
	}
	d.log.Info().Err(err).Msg("direct scheduler stopped")
	return err
}
