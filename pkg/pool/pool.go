// Package pool runs claimed tasks on a fixed number of workers and decides
// which failed runs are retried.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/holon-run/miyabi/pkg/failure"
	miyabilog "github.com/holon-run/miyabi/pkg/log"
	"github.com/holon-run/miyabi/pkg/queue"
	"github.com/holon-run/miyabi/pkg/retry"
	"github.com/holon-run/miyabi/pkg/runtime"
	"github.com/holon-run/miyabi/pkg/task"
)

const (
	DefaultWorkers          = 3
	DefaultMaxAttempts      = 3
	DefaultShutdownDeadline = 60 * time.Second
)

// Queue is the part of *queue.Queue the pool uses.
type Queue interface {
	Offer(ctx context.Context, t task.Task) (queue.OfferResult, error)
	Claim(ctx context.Context) (task.Task, error)
	Done(ctx context.Context, taskID string) bool
	Requeue(ctx context.Context, t task.Task) error
	Abandon(taskID string)
	Supersede(ctx context.Context, target string) []task.Task
	Superseded(taskID string) bool
}

// Executor runs one task to a terminal state. *runtime.Runtime implements
// it.
type Executor interface {
	Execute(ctx context.Context, t task.Task, judge runtime.Judge) (task.Run, error)
	NeedsFollowUp(ctx context.Context, t task.Task, run task.Run) (bool, error)
}

// Finished describes a run that reached a terminal state.
type Finished struct {
	Run task.Run
	Err error
	// Retrying is set when the task was scheduled for another attempt.
	Retrying bool
	// FollowUp is set when the task was offered again for an event that
	// was coalesced into it while it ran.
	FollowUp bool
}

// Options configures a Pool.
type Options struct {
	Workers     int
	MaxAttempts int
	Backoff     retry.Backoff
	// ShutdownDeadline bounds a graceful shutdown before runs are cancelled.
	ShutdownDeadline time.Duration
	// OnFinish is called after every terminal run, from the worker that
	// ran it.
	OnFinish func(Finished)
	Now      func() time.Time
}

type handle struct {
	taskID     string
	target     string
	cancel     context.CancelFunc
	superseded atomic.Bool
}

// Pool keeps at most Workers runs active at once.
type Pool struct {
	queue Queue
	exec  Executor
	opts  Options

	mu       sync.Mutex
	started  bool
	stopping bool
	handles  map[*handle]struct{}

	claimCtx    context.Context
	stopClaims  context.CancelFunc
	runCtx      context.Context
	cancelRuns  context.CancelFunc
	workers     sync.WaitGroup
	retries     sync.WaitGroup
	active      atomic.Int64
	completions atomic.Int64
}

// New creates a stopped pool.
func New(q Queue, exec Executor, opts Options) (*Pool, error) {
	if q == nil {
		return nil, fmt.Errorf("pool requires a queue")
	}
	if exec == nil {
		return nil, fmt.Errorf("pool requires an executor")
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.Backoff.BaseDelay == 0 {
		opts.Backoff = retry.Default()
	}
	if opts.ShutdownDeadline <= 0 {
		opts.ShutdownDeadline = DefaultShutdownDeadline
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	p := &Pool{queue: q, exec: exec, opts: opts, handles: make(map[*handle]struct{})}
	p.claimCtx, p.stopClaims = context.WithCancel(context.Background())
	p.runCtx, p.cancelRuns = context.WithCancel(context.Background())
	return p, nil
}

// Workers returns the pool width.
func (p *Pool) Workers() int { return p.opts.Workers }

// Active returns the number of runs in progress.
func (p *Pool) Active() int { return int(p.active.Load()) }

// Completed returns the number of runs that reached a terminal state.
func (p *Pool) Completed() int { return int(p.completions.Load()) }

// Start launches the workers. Calling it again has no effect.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.stopping {
		return
	}
	p.started = true
	for i := 0; i < p.opts.Workers; i++ {
		p.workers.Add(1)
		go p.worker(i)
	}
	miyabilog.Info("worker pool started", "workers", p.opts.Workers, "max_attempts", p.opts.MaxAttempts)
}

// Shutdown stops claiming new tasks. A graceful shutdown lets active runs
// finish until ShutdownDeadline or ctx expires; the rest are cancelled.
// Tasks cancelled this way stay in the queue store for the next start.
func (p *Pool) Shutdown(ctx context.Context, graceful bool) error {
	p.mu.Lock()
	if p.stopping {
		p.mu.Unlock()
		return nil
	}
	p.stopping = true
	p.mu.Unlock()

	p.stopClaims()
	done := make(chan struct{})
	go func() {
		p.workers.Wait()
		p.retries.Wait()
		close(done)
	}()

	if graceful {
		deadline := time.NewTimer(p.opts.ShutdownDeadline)
		defer deadline.Stop()
		select {
		case <-done:
			p.cancelRuns()
			miyabilog.Info("worker pool stopped", "completed", p.Completed())
			return nil
		case <-deadline.C:
			miyabilog.Warn("shutdown deadline reached, cancelling active runs", "active", p.Active())
		case <-ctx.Done():
			miyabilog.Warn("shutdown interrupted, cancelling active runs", "active", p.Active())
		}
	}
	p.cancelRuns()

	select {
	case <-done:
		miyabilog.Info("worker pool stopped", "completed", p.Completed())
		return nil
	case <-ctx.Done():
		return fmt.Errorf("worker pool did not stop: %w", ctx.Err())
	}
}

// Cancel supersedes every task whose target is target: pending tasks are
// dropped, tasks waiting for a retry are not requeued and in-flight runs
// are cancelled. It returns how many tasks were affected.
func (p *Pool) Cancel(ctx context.Context, target string) int {
	// The queue is marked first so a task claimed but not yet tracked
	// still sees it.
	dropped := p.queue.Supersede(ctx, target)
	for _, t := range dropped {
		miyabilog.Info("superseded pending task", "task_id", t.ID, "target", target)
		p.finishSuperseded(t)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(dropped)
	for h := range p.handles {
		if h.target != target {
			continue
		}
		h.superseded.Store(true)
		h.cancel()
		n++
	}
	if n > len(dropped) {
		miyabilog.Info("superseded in-flight runs", "target", target, "runs", n-len(dropped))
	}
	return n
}

// finishSuperseded reports a task that was superseded before a run for it
// started.
func (p *Pool) finishSuperseded(t task.Task) {
	err := failure.Errorf(failure.Cancelled, "supersede", "target %s superseded before the task ran", t.Target)
	run := task.Run{
		TaskID:     t.ID,
		Task:       t,
		State:      task.StateCancelled,
		EndedAt:    p.opts.Now(),
		Error:      &task.RunError{Kind: failure.Cancelled, Message: err.Error()},
		Superseded: true,
	}
	if p.opts.OnFinish != nil {
		p.opts.OnFinish(Finished{Run: run, Err: err})
	}
}

func (p *Pool) worker(id int) {
	defer p.workers.Done()
	logger := miyabilog.With("worker", id)
	for p.claimCtx.Err() == nil {
		t, err := p.queue.Claim(p.claimCtx)
		if err != nil {
			if !errors.Is(err, queue.ErrClosed) && p.claimCtx.Err() == nil {
				logger.Warnw("claim failed", "error", err)
				continue
			}
			break
		}
		p.process(logger, t)
	}
	logger.Debugw("worker exiting")
}

func (p *Pool) process(logger *zap.SugaredLogger, t task.Task) {
	ctx, cancel := context.WithCancel(p.runCtx)
	h := &handle{taskID: t.ID, target: t.Target, cancel: cancel}
	p.track(h)
	p.active.Add(1)
	defer func() {
		p.active.Add(-1)
		p.untrack(h)
		cancel()
	}()

	if p.queue.Superseded(t.ID) {
		logger.Infow("claimed task was superseded, skipping", "task_id", t.ID, "target", t.Target)
		p.queue.Done(context.WithoutCancel(ctx), t.ID)
		p.finishSuperseded(t)
		return
	}

	logger.Debugw("task claimed", "task_id", t.ID, "kind", t.Kind, "target", t.Target, "attempt", t.Attempts+1)
	retrying := false
	judge := func(err error) runtime.Verdict {
		if err == nil {
			return runtime.Verdict{}
		}
		if failure.Is(err, failure.Cancelled) {
			return runtime.Verdict{Superseded: h.superseded.Load()}
		}
		retrying = p.retryable(&t, err)
		return runtime.Verdict{Retry: retrying}
	}

	run, err := p.execute(ctx, t, judge)
	p.completions.Add(1)
	fin := Finished{Run: run, Err: err, Retrying: retrying}

	switch {
	case retrying:
		t.Attempts++
		t.LastFailure = failure.KindOf(err)
		p.scheduleRetry(logger, t)
	case failure.Is(err, failure.Cancelled) && !h.superseded.Load() && p.runCtx.Err() != nil:
		p.queue.Abandon(t.ID)
	default:
		followUp := p.queue.Done(context.WithoutCancel(ctx), t.ID)
		// Events coalesced before a supersede belong to the cancelled run.
		if followUp || (t.HasFollowUp && !h.superseded.Load()) {
			fin.FollowUp = p.followUp(logger, t, run)
		}
	}
	if p.opts.OnFinish != nil {
		p.opts.OnFinish(fin)
	}
}

// execute shields the worker from a panicking executor.
func (p *Pool) execute(ctx context.Context, t task.Task, judge runtime.Judge) (run task.Run, err error) {
	defer func() {
		if r := recover(); r != nil {
			miyabilog.Error("panic recovered in run", "task_id", t.ID, "panic", r)
			err = failure.Errorf(failure.Unexpected, "run", "panic: %v", r)
			run = task.Run{
				TaskID: t.ID,
				Task:   t,
				State:  task.StateFailed,
				Error:  &task.RunError{Kind: failure.Unexpected, Message: err.Error()},
			}
		}
	}()
	return p.exec.Execute(ctx, t, judge)
}

// retryable decides whether a failed run is offered again. Unclassified
// errors get one retry; the same error twice in a row is treated as a
// logic error.
func (p *Pool) retryable(t *task.Task, err error) bool {
	if t.Attempts+1 >= p.opts.MaxAttempts {
		return false
	}
	if failure.KindOf(err) != failure.Unexpected {
		return failure.IsRetryable(err)
	}
	sig := err.Error()
	if t.LastSignature == sig {
		return false
	}
	t.LastSignature = sig
	return true
}

func (p *Pool) scheduleRetry(logger *zap.SugaredLogger, t task.Task) {
	delay := p.opts.Backoff.Delay(t.Attempts - 1)
	logger.Infow("retrying task", "task_id", t.ID, "attempt", t.Attempts+1, "max_attempts", p.opts.MaxAttempts, "delay", delay, "last_failure", t.LastFailure)
	p.retries.Add(1)
	go func() {
		defer p.retries.Done()
		if err := retry.Sleep(p.claimCtx, delay); err != nil {
			p.queue.Abandon(t.ID)
			return
		}
		err := p.queue.Requeue(p.claimCtx, t)
		switch {
		case err == nil:
		case errors.Is(err, queue.ErrSuperseded):
			miyabilog.Info("retry dropped, task was superseded", "task_id", t.ID, "target", t.Target)
			p.finishSuperseded(t)
		default:
			miyabilog.Warn("failed to requeue task", "task_id", t.ID, "error", err)
			p.queue.Abandon(t.ID)
		}
	}()
}

// followUp re-offers t when an event coalesced into it arrived after the
// run had already read its context.
func (p *Pool) followUp(logger *zap.SugaredLogger, t task.Task, run task.Run) bool {
	if p.claimCtx.Err() != nil {
		return false
	}
	needed, err := p.exec.NeedsFollowUp(p.claimCtx, t, run)
	if err != nil {
		logger.Warnw("follow-up check failed", "task_id", t.ID, "error", err)
		return false
	}
	if !needed {
		return false
	}
	next := t
	next.Attempts = 0
	next.HasFollowUp = false
	next.LastFailure = ""
	next.LastSignature = ""
	next.CreatedAt = p.opts.Now()
	res, err := p.queue.Offer(p.claimCtx, next)
	if err != nil {
		logger.Warnw("failed to offer follow-up task", "task_id", t.ID, "error", err)
		return false
	}
	logger.Infow("follow-up task offered", "task_id", t.ID, "result", res)
	// A coalesced offer joins a task that was already counted when it was
	// enqueued.
	return res == queue.Enqueued
}

func (p *Pool) track(h *handle) {
	p.mu.Lock()
	p.handles[h] = struct{}{}
	p.mu.Unlock()
}

func (p *Pool) untrack(h *handle) {
	p.mu.Lock()
	delete(p.handles, h)
	p.mu.Unlock()
}
