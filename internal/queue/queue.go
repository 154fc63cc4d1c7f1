// ============================================================================
// Digest Queue - bounded, key-deduplicating FIFO
// ============================================================================
//
// Package: internal/queue
// File: queue.go
// Purpose: Hold pending digest jobs until the scheduler drains them
//
// Data layout:
//   order *list.List               - FIFO of *types.SubscriptionJob
//   index map[int64]*list.Element  - subscriptionID -> element in order
//
//   At most one job per subscription ID lives in the queue. Enqueuing an ID
//   that is already present replaces the job in its existing element, so the
//   job keeps its FIFO position. Drain pops from the front and deletes the
//   index entries; remaining elements never move, so nothing is re-indexed.
//
// Ordering:
//   Strict insertion order. Priority is stored on the job but Drain never
//   looks at it.
//
// Concurrency:
//   A single sync.Mutex guards order, index and maxSize. Manual enqueues
//   from the admin API race freely with the scheduler's own phases.
//
// ============================================================================

package queue

import (
	"container/list"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/ChuLiYu/digest-scheduler/pkg/types"
)

const (
	// DefaultMaxSize is the capacity of a queue created with a non-positive size
	// and the capacity restored by Reset.
	DefaultMaxSize = 500

	// DefaultDrainLimit is used when Drain is called with a non-positive limit.
	DefaultDrainLimit = 10

	// DefaultPriority is stored on jobs enqueued without WithPriority.
	DefaultPriority = 5
)

// Queue is a bounded FIFO of digest jobs keyed by subscription ID.
type Queue struct {
	mu      sync.Mutex
	order   *list.List
	index   map[int64]*list.Element
	maxSize int
	now     func() time.Time
}

// Option customises a Queue at construction.
type Option func(*Queue)

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		if now != nil {
			q.now = now
		}
	}
}

// New creates an empty queue. A non-positive maxSize selects DefaultMaxSize.
func New(maxSize int, opts ...Option) *Queue {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	q := &Queue{
		order:   list.New(),
		index:   make(map[int64]*list.Element),
		maxSize: maxSize,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// EnqueueOption sets optional job fields.
type EnqueueOption func(*types.SubscriptionJob)

// WithPriority stores p on the job. It does not affect ordering.
func WithPriority(p int) EnqueueOption {
	return func(j *types.SubscriptionJob) { j.Priority = p }
}

// WithPayload attaches opaque metadata to the job.
func WithPayload(payload map[string]any) EnqueueOption {
	return func(j *types.SubscriptionJob) {
		if payload != nil {
			j.Payload = maps.Clone(payload)
		}
	}
}

// Configure sets a new capacity. When the queue holds more jobs than the new
// capacity, the oldest jobs are removed and returned.
func (q *Queue) Configure(sizeCap int) ([]types.SubscriptionJob, error) {
	if sizeCap <= 0 {
		return nil, &ValidationError{Field: "size_cap", Value: sizeCap, Reason: "must be a positive integer"}
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.maxSize = sizeCap
	var trimmed []types.SubscriptionJob
	for q.order.Len() > q.maxSize {
		trimmed = append(trimmed, q.popFrontLocked())
	}
	return trimmed, nil
}

// Enqueue adds a job for subscriptionID, or replaces the pending job for that
// subscription without changing its position.
//
// Errors:
//   - *ValidationError: subscriptionID or userID is not positive
//   - *CapacityExceededError: queue is full and subscriptionID is not queued
func (q *Queue) Enqueue(subscriptionID, userID int64, reason types.Reason, opts ...EnqueueOption) (types.SubscriptionJob, error) {
	if subscriptionID <= 0 {
		return types.SubscriptionJob{}, &ValidationError{Field: "subscription_id", Value: subscriptionID, Reason: "must be a positive integer"}
	}
	if userID <= 0 {
		return types.SubscriptionJob{}, &ValidationError{Field: "user_id", Value: userID, Reason: "must be a positive integer"}
	}
	if reason == "" {
		reason = types.ReasonManual
	}

	now := q.now()
	job := types.SubscriptionJob{
		ID:             jobID(subscriptionID, now),
		SubscriptionID: subscriptionID,
		UserID:         userID,
		Reason:         reason,
		Priority:       DefaultPriority,
		Payload:        map[string]any{},
		EnqueuedAt:     now,
		Attempts:       0,
	}
	for _, opt := range opts {
		opt(&job)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if el, ok := q.index[subscriptionID]; ok {
		stored := job
		el.Value = &stored
		return job, nil
	}

	if q.order.Len() >= q.maxSize {
		return types.SubscriptionJob{}, &CapacityExceededError{SubscriptionID: subscriptionID, Capacity: q.maxSize}
	}

	stored := job
	q.index[subscriptionID] = q.order.PushBack(&stored)
	return job, nil
}

// Drain removes up to limit jobs from the front of the queue and returns them
// in pop order.
func (q *Queue) Drain(limit int) []types.SubscriptionJob {
	if limit <= 0 {
		limit = DefaultDrainLimit
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	n := min(limit, q.order.Len())
	jobs := make([]types.SubscriptionJob, 0, n)
	for i := 0; i < n; i++ {
		jobs = append(jobs, q.popFrontLocked())
	}
	return jobs
}

// Snapshot reports queue depth, capacity and the enqueue times of the jobs at
// the front and back.
func (q *Queue) Snapshot() types.QueueSnapshot {
	q.mu.Lock()
	defer q.mu.Unlock()

	snap := types.QueueSnapshot{
		Pending: q.order.Len(),
		MaxSize: q.maxSize,
	}
	if front := q.order.Front(); front != nil {
		at := front.Value.(*types.SubscriptionJob).EnqueuedAt
		snap.OldestEnqueuedAt = &at
	}
	if back := q.order.Back(); back != nil {
		at := back.Value.(*types.SubscriptionJob).EnqueuedAt
		snap.NewestEnqueuedAt = &at
	}
	return snap
}

// Reset drops every job and restores DefaultMaxSize.
func (q *Queue) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.order.Init()
	q.index = make(map[int64]*list.Element)
	q.maxSize = DefaultMaxSize
}

// Len returns the number of pending jobs.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.order.Len()
}

// contains reports whether a job for subscriptionID is pending.
func (q *Queue) contains(subscriptionID int64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.index[subscriptionID]
	return ok
}

// popFrontLocked must be called with q.mu held and a non-empty queue.
func (q *Queue) popFrontLocked() types.SubscriptionJob {
	front := q.order.Front()
	job := q.order.Remove(front).(*types.SubscriptionJob)
	delete(q.index, job.SubscriptionID)
	return *job
}

func jobID(subscriptionID int64, at time.Time) string {
	return fmt.Sprintf("%d-%d", subscriptionID, at.UnixMilli())
}
