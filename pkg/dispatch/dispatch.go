// Package dispatch connects the router, the task queue and the worker pool.
// Submit is the only entry point for events; Wait blocks until every task
// it enqueued has finished for good.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/holon-run/miyabi/pkg/event"
	"github.com/holon-run/miyabi/pkg/failure"
	miyabilog "github.com/holon-run/miyabi/pkg/log"
	"github.com/holon-run/miyabi/pkg/pool"
	"github.com/holon-run/miyabi/pkg/queue"
	"github.com/holon-run/miyabi/pkg/retry"
	"github.com/holon-run/miyabi/pkg/router"
	"github.com/holon-run/miyabi/pkg/task"
)

// Options sizes the queue and the pool.
type Options struct {
	Capacity         int
	Workers          int
	MaxAttempts      int
	Backoff          retry.Backoff
	ShutdownDeadline time.Duration
	// Store persists queued tasks; nil keeps them in memory only.
	Store queue.Store
}

// Offer is the queue's answer for one routed task.
type Offer struct {
	Task   task.Task
	Result queue.OfferResult
}

// Submission describes what Submit did with an event.
type Submission struct {
	Event event.Event
	// Rule is the matching dispatch rule, empty when none matched.
	Rule   string
	Offers []Offer
	// Superseded counts the pending tasks and in-flight runs the event
	// superseded.
	Superseded int
}

// Stats is a point-in-time view for health checks.
type Stats struct {
	Pending   int `json:"pending"`
	InFlight  int `json:"in_flight"`
	Active    int `json:"active"`
	Capacity  int `json:"capacity"`
	Workers   int `json:"workers"`
	Completed int `json:"completed"`
}

// Dispatcher owns one queue and one pool.
type Dispatcher struct {
	router *router.Router
	queue  *queue.Queue
	pool   *pool.Pool

	mu       sync.Mutex
	expected int
	results  []pool.Finished
	changed  chan struct{}
}

// New builds a stopped dispatcher over exec.
func New(r *router.Router, exec pool.Executor, opts Options) (*Dispatcher, error) {
	if r == nil {
		return nil, fmt.Errorf("dispatcher requires a router")
	}
	var qopts []queue.Option
	if opts.Store != nil {
		qopts = append(qopts, queue.WithStore(opts.Store))
	}
	d := &Dispatcher{
		router:  r,
		queue:   queue.New(opts.Capacity, qopts...),
		changed: make(chan struct{}),
	}
	p, err := pool.New(d.queue, exec, pool.Options{
		Workers:          opts.Workers,
		MaxAttempts:      opts.MaxAttempts,
		Backoff:          opts.Backoff,
		ShutdownDeadline: opts.ShutdownDeadline,
		OnFinish:         d.onFinish,
	})
	if err != nil {
		return nil, err
	}
	d.pool = p
	return d, nil
}

// Start restores persisted tasks and starts the workers.
func (d *Dispatcher) Start(ctx context.Context) error {
	n, err := d.queue.Restore(ctx)
	d.mu.Lock()
	d.expected += n
	d.mu.Unlock()
	if n > 0 {
		miyabilog.Info("restored persisted tasks", "count", n)
	}
	if err != nil {
		return err
	}
	d.pool.Start()
	return nil
}

// Submit routes ev, cancels superseded runs and offers the resulting
// tasks. On QueueFull the returned error matches failure.QueueFull and the
// Submission lists the tasks accepted before it.
func (d *Dispatcher) Submit(ctx context.Context, ev event.Event) (Submission, error) {
	decision := d.router.Route(ev)
	sub := Submission{Event: ev, Rule: decision.Rule}
	for _, target := range decision.Supersede {
		sub.Superseded += d.pool.Cancel(ctx, target)
	}
	if decision.Rule == "" {
		miyabilog.Warn("no dispatch rule matched", "event", ev.String())
	}

	for _, t := range decision.Tasks {
		res, err := d.queue.Offer(ctx, t)
		if err != nil {
			miyabilog.Warn("task rejected", "task_id", t.ID, "kind", t.Kind, "target", t.Target, "error", err)
			return sub, err
		}
		if res == queue.Enqueued {
			d.mu.Lock()
			d.expected++
			d.mu.Unlock()
		}
		miyabilog.Info("task offered", "task_id", t.ID, "kind", t.Kind, "target", t.Target, "result", res)
		sub.Offers = append(sub.Offers, Offer{Task: t, Result: res})
	}
	return sub, nil
}

func (d *Dispatcher) onFinish(f pool.Finished) {
	if f.Retrying {
		return
	}
	d.mu.Lock()
	d.results = append(d.results, f)
	if !f.FollowUp {
		d.expected--
	}
	close(d.changed)
	d.changed = make(chan struct{})
	d.mu.Unlock()
}

// Wait blocks until every enqueued task has finished its last attempt and
// returns the final runs in completion order.
func (d *Dispatcher) Wait(ctx context.Context) ([]pool.Finished, error) {
	for {
		d.mu.Lock()
		if d.expected <= 0 {
			out := append([]pool.Finished(nil), d.results...)
			d.mu.Unlock()
			return out, nil
		}
		changed := d.changed
		d.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Results returns the final runs seen so far.
func (d *Dispatcher) Results() []pool.Finished {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]pool.Finished(nil), d.results...)
}

// Stats reports queue and pool occupancy.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Pending:   d.queue.Size(),
		InFlight:  d.queue.InFlight(),
		Active:    d.pool.Active(),
		Capacity:  d.queue.Capacity(),
		Workers:   d.pool.Workers(),
		Completed: d.pool.Completed(),
	}
}

// Shutdown stops the pool, then closes the queue. Pending tasks stay in
// the store, if any, for the next start.
func (d *Dispatcher) Shutdown(ctx context.Context, graceful bool) error {
	err := d.pool.Shutdown(ctx, graceful)
	if pending := d.queue.Drain(); len(pending) > 0 {
		miyabilog.Info("queue drained with pending tasks", "count", len(pending))
	}
	return err
}

// IsQueueFull reports whether err came from a full queue.
func IsQueueFull(err error) bool {
	return errors.Is(err, queue.ErrQueueFull) || failure.Is(err, failure.QueueFull)
}
