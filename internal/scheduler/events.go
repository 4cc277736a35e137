package scheduler

import "sync"

// Event names published by the scheduler.
const (
	EventQueued     = "job_queued"
	EventRejected   = "job_rejected"
	EventDispatched = "job_dispatched"
	EventCompleted  = "job_completed"
	EventExpired    = "job_expired"
	EventCancelled  = "job_cancelled"
	// A running job was asked to stop; its executor decides when.
	EventCancelRequested = "job_cancel_requested"
)

// Event represents a job lifecycle transition.
type Event struct {
	Name   string
	JobID  string
	Fields map[string]any
}

// EventPublisher receives scheduler events. Publish is called with the
// scheduler lock held so events arrive in transition order; implementations
// must not block, panic or call back into the scheduler.
type EventPublisher interface {
	Publish(Event)
}

// noopPublisher is the default; it drops events.
type noopPublisher struct{}

func (noopPublisher) Publish(Event) {}

// MemoryPublisher stores events in-memory for tests.
type MemoryPublisher struct {
	mu     sync.Mutex
	events []Event
}

func NewMemoryPublisher() *MemoryPublisher { return &MemoryPublisher{} }

func (p *MemoryPublisher) Publish(e Event) {
	p.mu.Lock()
	p.events = append(p.events, e)
	p.mu.Unlock()
}

func (p *MemoryPublisher) Events() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Event, len(p.events))
	copy(out, p.events)
	return out
}

// JobIDs returns the ids of all events named name, in publish order.
func (p *MemoryPublisher) JobIDs(name string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var ids []string
	for _, e := range p.events {
		if e.Name == name {
			ids = append(ids, e.JobID)
		}
	}
	return ids
}
