package scheduler

import (
	"context"
	"fmt"

	"inferq/internal/streaming"
)

// PoolStats is a point-in-time snapshot of scheduler counters. It is for
// observation only; scheduling decisions read the live counters.
type PoolStats struct {
	ActiveWorkers     int    `json:"active_workers"`
	QueuedTasks       int    `json:"queued_tasks"`
	AvailableCapacity uint64 `json:"available_capacity"`
	TotalCapacity     uint64 `json:"total_capacity"`
}

// Scheduler is the contract shared by every strategy.
type Scheduler interface {
	Submit(ctx context.Context, job *InferenceJob, meta TaskMetadata) (InferenceResult, error)
	Cancel(id string) bool
	Stats() PoolStats
	Registry() *streaming.Registry
	Closed() bool
	Shutdown(ctx context.Context) error
}

var (
	_ Scheduler = (*Pool)(nil)
	_ Scheduler = (*Direct)(nil)
)

// New builds the scheduler selected by cfg.Strategy.
func New(cfg Config, exec Executor) (Scheduler, error) {
	switch cfg.Strategy {
	case "", StrategyPool:
		return NewPool(cfg, exec)
	case StrategyDirect:
		return NewDirect(cfg, exec)
	default:
		return nil, fmt.Errorf("%w: unknown strategy %q", ErrInvalidConfig, cfg.Strategy)
	}
}
