// Package admission bounds how many executions run concurrently in this
// process. Slots are granted immediately while capacity remains, callers
// beyond the limit park in a bounded FIFO backlog, and everything past that
// is rejected outright.
package admission

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Sentinel errors surfaced by Acquire.
var (
	ErrQueueFull = errors.New("admission queue full")
	ErrCancelled = errors.New("admission cancelled")
	ErrCleared   = errors.New("admission queue cleared")
)

// Unit identifies one execution waiting for or holding a slot. The queue
// treats Kind, Target and Action as opaque labels; EnqueuedAt records when
// the unit entered the backlog and plays no part in ordering, which is
// strictly insertion order.
type Unit struct {
	ID         string    `json:"id"`
	Kind       string    `json:"kind"`
	Target     string    `json:"target"`
	Action     string    `json:"action"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Status is a point-in-time snapshot. Queue is ordered oldest first.
type Status struct {
	Running      int    `json:"running"`
	Queued       int    `json:"queued"`
	Limit        int    `json:"limit"`
	MaxQueueSize int    `json:"max_queue_size"`
	Queue        []Unit `json:"queue"`
}

type waiter struct {
	unit Unit
	// ready resolves the parked Acquire exactly once: nil on promotion,
	// ErrCancelled or ErrCleared on removal. Buffered so resolvers never
	// block on a caller that is concurrently giving up on its context.
	ready chan error
}

// Queue is a process-local admission gate. Both bounds are fixed for the
// life of the instance; instances are fully independent.
type Queue struct {
	mu           sync.Mutex
	limit        int
	maxQueueSize int
	running      map[string]Unit
	backlog      []*waiter
}

// NewQueue builds a queue admitting at most limit concurrent units with at
// most maxQueueSize parked behind them. A limit below 1 is clamped to 1, a
// negative maxQueueSize to 0.
func NewQueue(limit, maxQueueSize int) *Queue {
	if limit < 1 {
		limit = 1
	}
	if maxQueueSize < 0 {
		maxQueueSize = 0
	}
	return &Queue{
		limit:        limit,
		maxQueueSize: maxQueueSize,
		running:      make(map[string]Unit),
	}
}

// Acquire admits the unit. It returns nil as soon as the unit holds a slot,
// immediately when capacity remains and otherwise after parking in the
// backlog until a release promotes it. When both the running set and the
// backlog are full it fails fast with ErrQueueFull. A parked unit resumes
// with ErrCancelled or ErrCleared when removed, or with ctx.Err() when the
// caller's context ends first. Saturation is only checked at call time; a
// unit that made it into the backlog is never rejected later.
func (q *Queue) Acquire(ctx context.Context, unit Unit) error {
	if unit.ID == "" {
		return errors.New("unit id required")
	}

	q.mu.Lock()
	if _, ok := q.running[unit.ID]; ok {
		q.mu.Unlock()
		return fmt.Errorf("unit %s already running", unit.ID)
	}
	if q.backlogIndexLocked(unit.ID) >= 0 {
		q.mu.Unlock()
		return fmt.Errorf("unit %s already queued", unit.ID)
	}
	if len(q.running) < q.limit {
		q.running[unit.ID] = unit
		q.mu.Unlock()
		return nil
	}
	if len(q.backlog) >= q.maxQueueSize {
		q.mu.Unlock()
		return ErrQueueFull
	}
	if unit.EnqueuedAt.IsZero() {
		unit.EnqueuedAt = time.Now().UTC()
	}
	w := &waiter{unit: unit, ready: make(chan error, 1)}
	q.backlog = append(q.backlog, w)
	q.mu.Unlock()

	select {
	case err := <-w.ready:
		return err
	case <-ctx.Done():
	}

	q.mu.Lock()
	if q.removeWaiterLocked(w) {
		q.mu.Unlock()
		return ctx.Err()
	}
	q.mu.Unlock()

	// The waiter resolved while ctx was ending; the buffered send already
	// happened, so this read cannot block.
	err := <-w.ready
	if err == nil {
		// Promoted in the same instant the caller gave up. Return the slot
		// and report the context error.
		q.Release(unit.ID)
		return ctx.Err()
	}
	return err
}

// Release frees the slot held by id and promotes the single oldest parked
// unit, if any. Unknown or already released ids are a no-op and report false.
func (q *Queue) Release(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.running[id]; !ok {
		return false
	}
	delete(q.running, id)
	q.promoteLocked()
	return true
}

// Cancel removes a parked unit from the backlog; its Acquire resumes with
// ErrCancelled. Running and unknown units are untouched and report false.
func (q *Queue) Cancel(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	i := q.backlogIndexLocked(id)
	if i < 0 {
		return false
	}
	w := q.backlog[i]
	q.backlog = append(q.backlog[:i], q.backlog[i+1:]...)
	w.ready <- ErrCancelled
	return true
}

// Clear removes every parked unit; each Acquire resumes with ErrCleared.
// Running units keep their slots. Returns the number of units removed.
func (q *Queue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.backlog)
	for _, w := range q.backlog {
		w.ready <- ErrCleared
	}
	q.backlog = nil
	return n
}

// IsRunning reports whether id currently holds a slot.
func (q *Queue) IsRunning(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.running[id]
	return ok
}

// IsQueued reports whether id is parked in the backlog.
func (q *Queue) IsQueued(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.backlogIndexLocked(id) >= 0
}

// Status returns a consistent snapshot of both sets and the fixed bounds.
func (q *Queue) Status() Status {
	q.mu.Lock()
	defer q.mu.Unlock()
	units := make([]Unit, len(q.backlog))
	for i, w := range q.backlog {
		units[i] = w.unit
	}
	return Status{
		Running:      len(q.running),
		Queued:       len(q.backlog),
		Limit:        q.limit,
		MaxQueueSize: q.maxQueueSize,
		Queue:        units,
	}
}

func (q *Queue) promoteLocked() {
	if len(q.backlog) == 0 || len(q.running) >= q.limit {
		return
	}
	w := q.backlog[0]
	q.backlog = q.backlog[1:]
	q.running[w.unit.ID] = w.unit
	w.ready <- nil
}

func (q *Queue) backlogIndexLocked(id string) int {
	for i, w := range q.backlog {
		if w.unit.ID == id {
			return i
		}
	}
	return -1
}

func (q *Queue) removeWaiterLocked(target *waiter) bool {
	for i, w := range q.backlog {
		if w == target {
			q.backlog = append(q.backlog[:i], q.backlog[i+1:]...)
			return true
		}
	}
	return false
}
