package scheduler

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"inferq/internal/streaming"
)

// Strategy selects the Scheduler implementation built by New.
type Strategy string

const (
	// StrategyPool queues jobs and runs them on a fixed worker pool.
	StrategyPool Strategy = "pool"
	// StrategyDirect runs each job on the submitting goroutine without a queue.
	StrategyDirect Strategy = "direct"
)

// Defaults applied when corresponding Config fields are unset.
const (
	defaultMaxQueueDepth = 1000
	defaultSweepInterval = 5 * time.Second
	defaultJobTimeout    = 120 * time.Second
	defaultShutdownGrace = 10 * time.Second
)

// Config is read once at construction.
type Config struct {
	Strategy      Strategy
	WorkerCount   int
	MaxTotalUnits uint64
	// Jobs waiting for a worker beyond this are refused with QueueFull.
	// Zero selects the default of 1000; every admitted job passes through
	// the queue, so a depth of zero would refuse all work.
	MaxQueueDepth int
	// Kind of unit MaxTotalUnits is measured in; costs of another kind are refused.
	ResourceKind       ResourceKind
	StreamingRetention time.Duration
	SweepInterval      time.Duration
	// Upper bound on a single execution; negative disables it.
	JobTimeout time.Duration
	// How long Shutdown lets queued and running jobs drain before cancelling them.
	ShutdownGrace time.Duration

	Logger    *zerolog.Logger
	Publisher EventPublisher
	// Registry shared with the executor. When nil the scheduler creates and owns one.
	Registry *streaming.Registry
}

func (c Config) validate() error {
	if c.WorkerCount <= 0 {
		return fmt.Errorf("%w: worker count must be positive, got %d", ErrInvalidConfig, c.WorkerCount)
	}
	if c.MaxQueueDepth < 0 {
		return fmt.Errorf("%w: max queue depth must not be negative, got %d", ErrInvalidConfig, c.MaxQueueDepth)
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.Strategy == "" {
		c.Strategy = StrategyPool
	}
	if c.MaxTotalUnits == 0 {
		c.MaxTotalUnits = DefaultMaxUnits
	}
	if c.MaxQueueDepth == 0 {
		c.MaxQueueDepth = defaultMaxQueueDepth
	}
	if c.ResourceKind == "" {
		c.ResourceKind = ResourceKVBlocks
	}
	if c.StreamingRetention <= 0 {
		c.StreamingRetention = streaming.DefaultRetention
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = defaultSweepInterval
	}
	if c.JobTimeout == 0 {
		c.JobTimeout = defaultJobTimeout
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = defaultShutdownGrace
	}
	if c.Publisher == nil {
		c.Publisher = noopPublisher{}
	}
	return c
}

func (c Config) logger() zerolog.Logger {
	if c.Logger == nil {
		return zerolog.Nop()
	}
	return *c.Logger
}
