package task

import (
	"fmt"
	"time"

	"github.com/holon-run/miyabi/pkg/failure"
)

// State is the lifecycle state of a Run.
type State string

const (
	StateClaimed    State = "claimed"
	StateFetching   State = "fetching"
	StateExecuting  State = "executing"
	StatePublishing State = "publishing"
	StateSucceeded  State = "succeeded"
	StateFailed     State = "failed"
	StateCancelled  State = "cancelled"
)

// Terminal reports whether s ends a run.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCancelled
}

// order ranks the non-terminal states; every terminal state ranks last.
func (s State) order() int {
	switch s {
	case StateClaimed:
		return 0
	case StateFetching:
		return 1
	case StateExecuting:
		return 2
	case StatePublishing:
		return 3
	default:
		return 4
	}
}

// RunError is the kind and message a failed or cancelled run ended with.
type RunError struct {
	Kind    failure.Kind `json:"kind"`
	Message string       `json:"message"`
}

// Run is one execution attempt of a Task.
type Run struct {
	ID        string
	TaskID    string
	Task      Task
	State     State
	StartedAt time.Time
	EndedAt   time.Time
	Artifacts []string
	Error     *RunError
	PRURL     string
	Branch    string
	// Retryable is set on failed runs whose task will be offered again.
	Retryable bool
	// Superseded is set when cancellation came from a newer event.
	Superseded bool
}

// Transition records a state change observed by the reporter.
type Transition struct {
	Run  Run
	From State
	To   State
	At   time.Time
}

// Advance moves the run to next. It rejects backwards moves and any move
// out of a terminal state, which keeps exactly one terminal state per run.
func (r *Run) Advance(next State, now time.Time) (Transition, error) {
	if r.State.Terminal() {
		return Transition{}, fmt.Errorf("run %s already %s, cannot move to %s", r.ID, r.State, next)
	}
	if !next.Terminal() && next.order() <= r.State.order() && r.State != "" {
		return Transition{}, fmt.Errorf("run %s cannot move from %s to %s", r.ID, r.State, next)
	}
	from := r.State
	r.State = next
	if next.Terminal() {
		r.EndedAt = now
	}
	return Transition{Run: *r, From: from, To: next, At: now}, nil
}
