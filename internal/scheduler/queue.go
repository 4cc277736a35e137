package scheduler

import (
	"container/list"
	"context"
	"time"
)

type taskState int

const (
	taskQueued taskState = iota
	taskRunning
	taskDone
)

// task is a submitted job plus the pool's bookkeeping for it. All fields
// except job, meta and ticket are guarded by Pool.mu.
type task struct {
	job    *InferenceJob
	meta   TaskMetadata
	ticket *Ticket

	state      taskState
	enqueuedAt time.Time
	elem       *list.Element
	expiry     *time.Timer

	ctx    context.Context
	cancel context.CancelFunc
}

// taskQueue orders tasks by priority, then by arrival. Each priority band is
// a FIFO list, so equal-priority tasks never overtake each other.
// Not safe for concurrent use; the pool serializes access.
type taskQueue struct {
	bands [numPriorities]*list.List
	byID  map[string]*task
}

func newTaskQueue() *taskQueue {
	q := &taskQueue{byID: make(map[string]*task)}
	for i := range q.bands {
		q.bands[i] = list.New()
	}
	return q
}

func (q *taskQueue) Len() int { return len(q.byID) }

func (q *taskQueue) get(id string) (*task, bool) {
	t, ok := q.byID[id]
	return t, ok
}

func (q *taskQueue) push(t *task) {
	t.elem = q.bands[t.meta.Priority].PushBack(t)
	q.byID[t.meta.ID] = t
}

func (q *taskQueue) remove(t *task) {
	if t.elem == nil {
		return
	}
	q.bands[t.meta.Priority].Remove(t.elem)
	t.elem = nil
	delete(q.byID, t.meta.ID)
}

// scan visits tasks from the highest priority band down, head to tail within
// a band, until fn returns false. fn may remove the task it is given.
func (q *taskQueue) scan(fn func(t *task) bool) {
	for p := numPriorities - 1; p >= 0; p-- {
		for e := q.bands[p].Front(); e != nil; {
			next := e.Next()
			if !fn(e.Value.(*task)) {
				return
			}
			e = next
		}
	}
}

// drain removes and returns every task in dispatch order.
func (q *taskQueue) drain() []*task {
	out := make([]*task, 0, q.Len())
	q.scan(func(t *task) bool {
		out = append(out, t)
		return true
	})
	for _, t := range out {
		q.remove(t)
	}
	return out
}
