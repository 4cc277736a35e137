package scheduler

import (
	"fmt"
	"strings"
	"time"
)

// Priority orders queued jobs. Higher values dispatch first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

const numPriorities = int(PriorityCritical) + 1

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

func (p Priority) valid() bool { return p >= PriorityLow && p <= PriorityCritical }

// ParsePriority maps a name to a Priority. The empty string is Normal.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "normal":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	case "high":
		return PriorityHigh, nil
	case "critical":
		return PriorityCritical, nil
	default:
		return PriorityNormal, fmt.Errorf("unknown priority %q", s)
	}
}

// ResourceKind tags what a cost unit stands for.
type ResourceKind string

const (
	ResourceKVBlocks     ResourceKind = "kv_blocks"
	ResourceGPUVRAM      ResourceKind = "gpu_vram_mb"
	ResourceComputeSlots ResourceKind = "compute_slots"
)

// ResourceCost is the capacity a job reserves while it runs.
type ResourceCost struct {
	Units uint64       `json:"units"`
	Kind  ResourceKind `json:"kind"`
}

// KVBlockCost returns a cost in KV-cache blocks.
func KVBlockCost(blocks uint64) ResourceCost {
	return ResourceCost{Units: blocks, Kind: ResourceKVBlocks}
}

// VRAMCost returns a cost in megabytes of GPU memory.
func VRAMCost(mb uint64) ResourceCost { return ResourceCost{Units: mb, Kind: ResourceGPUVRAM} }

// ComputeSlotCost returns a cost in compute slots.
func ComputeSlotCost(slots uint64) ResourceCost {
	return ResourceCost{Units: slots, Kind: ResourceComputeSlots}
}

func (c ResourceCost) String() string { return fmt.Sprintf("%d %s", c.Units, c.Kind) }

// TaskMetadata identifies a submission. It is passed by value and never
// changed once the job is submitted.
type TaskMetadata struct {
	ID       string
	Priority Priority
	Cost     ResourceCost
	// Zero means no deadline.
	Deadline time.Time
}

// NewTaskMetadata returns metadata with Normal priority and no deadline.
func NewTaskMetadata(id string, cost ResourceCost) TaskMetadata {
	return TaskMetadata{ID: id, Priority: PriorityNormal, Cost: cost}
}

func (m TaskMetadata) WithPriority(p Priority) TaskMetadata {
	m.Priority = p
	return m
}

func (m TaskMetadata) WithDeadline(t time.Time) TaskMetadata {
	m.Deadline = t
	return m
}

// WithDeadlineMs sets the deadline from unix milliseconds.
func (m TaskMetadata) WithDeadlineMs(ms int64) TaskMetadata {
	m.Deadline = time.UnixMilli(ms)
	return m
}

// HasDeadline reports whether a deadline was set.
func (m TaskMetadata) HasDeadline() bool { return !m.Deadline.IsZero() }

// expired reports whether the deadline has been reached at now.
func (m TaskMetadata) expired(now time.Time) bool {
	return m.HasDeadline() && !now.Before(m.Deadline)
}
