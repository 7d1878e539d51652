// Package queue implements the bounded, deduplicating FIFO between the
// router and the worker pool.
package queue

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/holon-run/miyabi/pkg/failure"
	miyabilog "github.com/holon-run/miyabi/pkg/log"
	"github.com/holon-run/miyabi/pkg/task"
)

// OfferResult is the outcome of a successful Offer.
type OfferResult int

const (
	// Enqueued means the task was added.
	Enqueued OfferResult = iota + 1
	// Coalesced means an identical task was pending or in flight; it was
	// flagged for follow-up instead.
	Coalesced
)

func (r OfferResult) String() string {
	switch r {
	case Enqueued:
		return "enqueued"
	case Coalesced:
		return "coalesced"
	default:
		return "unknown"
	}
}

var (
	// ErrQueueFull is returned by Offer when the queue is at capacity.
	ErrQueueFull = &failure.Error{Kind: failure.QueueFull, Op: "offer", Retryable: true}
	// ErrClosed is returned once the queue is shutting down.
	ErrClosed = errors.New("queue closed")
	// ErrSuperseded is returned by Requeue for a task whose target was
	// superseded while it was in flight.
	ErrSuperseded = errors.New("task superseded")
)

// DefaultCapacity is used when capacity is not positive.
const DefaultCapacity = 64

// Store persists tasks across restarts. Implementations must be safe for
// concurrent use.
type Store interface {
	Persist(ctx context.Context, t task.Task) error
	Load(ctx context.Context) ([]task.Task, error)
	Complete(ctx context.Context, taskID string) error
}

type item struct {
	task  task.Task
	seq   uint64
	index int
}

type flight struct {
	task       task.Task
	followUp   bool
	superseded bool
}

// Queue is a bounded FIFO ordered by CreatedAt, ties broken by insertion
// order. Capacity covers pending and claimed-but-unfinished tasks. All
// operations are linearizable under a single mutex.
type Queue struct {
	mu       sync.Mutex
	capacity int
	items    itemHeap
	pending  map[string]*item
	inflight map[string]*flight
	seq      uint64
	closed   bool
	wake     chan struct{}
	store    Store
}

// Option customizes a Queue.
type Option func(*Queue)

// WithStore persists every enqueued task and marks it complete on Done.
func WithStore(s Store) Option {
	return func(q *Queue) { q.store = s }
}

// New creates a queue of the given capacity.
func New(capacity int, opts ...Option) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	q := &Queue{
		capacity: capacity,
		pending:  make(map[string]*item),
		inflight: make(map[string]*flight),
		wake:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Capacity returns the configured capacity.
func (q *Queue) Capacity() int { return q.capacity }

// Offer inserts t, coalescing it into an identical pending or in-flight
// task when one exists.
func (q *Queue) Offer(ctx context.Context, t task.Task) (OfferResult, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return 0, ErrClosed
	}
	if it, ok := q.pending[t.ID]; ok {
		it.task.HasFollowUp = true
		return Coalesced, nil
	}
	if f, ok := q.inflight[t.ID]; ok {
		f.followUp = true
		f.task.HasFollowUp = true
		return Coalesced, nil
	}
	if len(q.pending)+len(q.inflight) >= q.capacity {
		return 0, ErrQueueFull
	}
	if q.store != nil {
		if err := q.store.Persist(ctx, t); err != nil {
			return 0, fmt.Errorf("failed to persist task %s: %w", t.ID, err)
		}
	}
	q.pushLocked(t)
	return Enqueued, nil
}

func (q *Queue) pushLocked(t task.Task) {
	q.seq++
	it := &item{task: t, seq: q.seq}
	heap.Push(&q.items, it)
	q.pending[t.ID] = it
	close(q.wake)
	q.wake = make(chan struct{})
}

// Claim blocks until a task is available, ctx is done or the queue is
// closed. The claimed task moves from pending to in flight atomically.
func (q *Queue) Claim(ctx context.Context) (task.Task, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return task.Task{}, ErrClosed
		}
		if q.items.Len() > 0 {
			it := heap.Pop(&q.items).(*item)
			delete(q.pending, it.task.ID)
			q.inflight[it.task.ID] = &flight{task: it.task}
			q.mu.Unlock()
			return it.task, nil
		}
		wake := q.wake
		q.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return task.Task{}, ctx.Err()
		}
	}
}

// Done releases an in-flight task. It reports whether an identical task
// was coalesced into it while it ran.
func (q *Queue) Done(ctx context.Context, taskID string) (followUp bool) {
	q.mu.Lock()
	f, ok := q.inflight[taskID]
	if ok {
		delete(q.inflight, taskID)
	}
	store := q.store
	q.mu.Unlock()

	if store != nil {
		if err := store.Complete(ctx, taskID); err != nil {
			miyabilog.Warn("failed to mark task complete in store", "task_id", taskID, "error", err)
		}
	}
	return ok && f.followUp
}

// Supersede drops every pending task whose target is target and marks the
// in-flight ones superseded, so they are never requeued. Dropped tasks are
// completed in the store and returned in claim order. A task offered for
// the target afterwards is unaffected.
func (q *Queue) Supersede(ctx context.Context, target string) []task.Task {
	q.mu.Lock()
	var dropped []*item
	for _, it := range q.pending {
		if it.task.Target == target {
			dropped = append(dropped, it)
		}
	}
	for _, it := range dropped {
		heap.Remove(&q.items, it.index)
		delete(q.pending, it.task.ID)
	}
	for _, f := range q.inflight {
		if f.task.Target != target {
			continue
		}
		f.superseded = true
		// Only events coalesced after this point warrant a follow-up.
		f.followUp = false
	}
	store := q.store
	q.mu.Unlock()

	sort.Slice(dropped, func(i, j int) bool { return itemHeap(dropped).Less(i, j) })
	out := make([]task.Task, 0, len(dropped))
	for _, it := range dropped {
		if store != nil {
			if err := store.Complete(ctx, it.task.ID); err != nil {
				miyabilog.Warn("failed to mark superseded task complete in store", "task_id", it.task.ID, "error", err)
			}
		}
		out = append(out, it.task)
	}
	return out
}

// Superseded reports whether the in-flight task taskID was superseded.
func (q *Queue) Superseded(taskID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	f, ok := q.inflight[taskID]
	return ok && f.superseded
}

// Abandon releases an in-flight task without completing it in the store,
// so a restart runs it again.
func (q *Queue) Abandon(taskID string) {
	q.mu.Lock()
	delete(q.inflight, taskID)
	q.mu.Unlock()
}

// Requeue returns an in-flight task to pending, typically for a retry. It
// keeps the slot the task already held, so it never fails with QueueFull.
func (q *Queue) Requeue(ctx context.Context, t task.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}
	if f, ok := q.inflight[t.ID]; ok {
		delete(q.inflight, t.ID)
		if f.superseded {
			if q.store != nil {
				if err := q.store.Complete(ctx, t.ID); err != nil {
					miyabilog.Warn("failed to mark superseded task complete in store", "task_id", t.ID, "error", err)
				}
			}
			return ErrSuperseded
		}
		if f.followUp {
			t.HasFollowUp = true
		}
	}
	if it, ok := q.pending[t.ID]; ok {
		it.task.HasFollowUp = true
		return nil
	}
	if q.store != nil {
		if err := q.store.Persist(ctx, t); err != nil {
			miyabilog.Warn("failed to persist requeued task", "task_id", t.ID, "error", err)
		}
	}
	q.pushLocked(t)
	return nil
}

// Restore offers every task the store holds. Call it before starting
// workers.
func (q *Queue) Restore(ctx context.Context) (int, error) {
	if q.store == nil {
		return 0, nil
	}
	tasks, err := q.store.Load(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load persisted tasks: %w", err)
	}
	restored := 0
	for _, t := range tasks {
		res, err := q.Offer(ctx, t)
		if err != nil {
			return restored, err
		}
		if res == Enqueued {
			restored++
		}
	}
	return restored, nil
}

// Size returns the number of pending tasks.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// InFlight returns the number of claimed, unfinished tasks.
func (q *Queue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inflight)
}

// Drain closes the queue and returns the pending tasks in claim order.
// Persisted tasks stay in the store so a restart picks them up.
func (q *Queue) Drain() []task.Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]task.Task, 0, q.items.Len())
	for q.items.Len() > 0 {
		it := heap.Pop(&q.items).(*item)
		delete(q.pending, it.task.ID)
		out = append(out, it.task)
	}
	q.closeLocked()
	return out
}

// Close stops the queue; blocked Claim calls return ErrClosed.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closeLocked()
}

func (q *Queue) closeLocked() {
	if q.closed {
		return
	}
	q.closed = true
	close(q.wake)
}

type itemHeap []*item

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	a, b := h[i].task.CreatedAt, h[j].task.CreatedAt
	if !a.Equal(b) {
		return a.Before(b)
	}
	return h[i].seq < h[j].seq
}

func (h itemHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *itemHeap) Push(x interface{}) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *itemHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}
