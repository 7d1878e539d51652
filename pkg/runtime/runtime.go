// Package runtime executes one claimed task: fetch its context from the
// source host, prepare a workspace, run the agent and publish the result.
// Every state change of the run is handed to an Observer.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/holon-run/miyabi/pkg/agent"
	"github.com/holon-run/miyabi/pkg/failure"
	"github.com/holon-run/miyabi/pkg/github"
	miyabilog "github.com/holon-run/miyabi/pkg/log"
	"github.com/holon-run/miyabi/pkg/publisher"
	"github.com/holon-run/miyabi/pkg/task"
	"github.com/holon-run/miyabi/pkg/workspace"
)

const (
	DefaultFetchTimeout = 30 * time.Second
	DefaultRunTimeout   = 30 * time.Minute
	DefaultCancelGrace  = 10 * time.Second
)

// Source reads issue and pull request state from the source host.
type Source interface {
	FetchIssue(ctx context.Context, repo github.Repo, number int) (*github.IssueInfo, error)
	FetchPR(ctx context.Context, repo github.Repo, number int) (*github.PRInfo, error)
	FetchIssueComments(ctx context.Context, repo github.Repo, number int) ([]github.IssueComment, error)
}

// Workspaces hands out per-run working trees.
type Workspaces interface {
	Acquire(ctx context.Context, runID string) (*workspace.Workspace, error)
}

// Publisher makes the run's result visible.
type Publisher interface {
	Publish(ctx context.Context, req publisher.Request) (publisher.Outcome, error)
}

// Observer receives every transition of every run, in order per run.
type Observer interface {
	Observe(ctx context.Context, tr task.Transition)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, tr task.Transition)

// Observe calls f.
func (f ObserverFunc) Observe(ctx context.Context, tr task.Transition) { f(ctx, tr) }

// Verdict is the worker's decision on how a finished run ends.
type Verdict struct {
	// Retry marks a failed run whose task will be offered again.
	Retry bool
	// Superseded marks a cancellation caused by a newer event.
	Superseded bool
}

// Judge turns the run's error (nil on success) into a Verdict. It is
// called once, before the terminal transition is observed.
type Judge func(err error) Verdict

// Options configures a Runtime.
type Options struct {
	// Repo is used for tasks whose event carried no repository.
	Repo         github.Repo
	FetchTimeout time.Duration
	RunTimeout   time.Duration
	// CancelGrace is how long an agent may keep running after its context
	// is done before the run stops waiting for it.
	CancelGrace time.Duration
	// Sigil prefixes agent commands in comments.
	Sigil string

	Now      func() time.Time
	NewRunID func() string
}

// Runtime is safe for concurrent use.
type Runtime struct {
	source     Source
	workspaces Workspaces
	agent      agent.Agent
	publisher  Publisher
	observer   Observer
	opts       Options
}

// New wires a Runtime. The observer may be nil.
func New(source Source, workspaces Workspaces, a agent.Agent, pub Publisher, observer Observer, opts Options) (*Runtime, error) {
	switch {
	case source == nil:
		return nil, fmt.Errorf("runtime requires a source client")
	case workspaces == nil:
		return nil, fmt.Errorf("runtime requires a workspace manager")
	case a == nil:
		return nil, fmt.Errorf("runtime requires an agent")
	case pub == nil:
		return nil, fmt.Errorf("runtime requires a publisher")
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = DefaultFetchTimeout
	}
	if opts.RunTimeout <= 0 {
		opts.RunTimeout = DefaultRunTimeout
	}
	if opts.CancelGrace <= 0 {
		opts.CancelGrace = DefaultCancelGrace
	}
	if opts.Sigil == "" {
		opts.Sigil = "/"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewRunID == nil {
		opts.NewRunID = uuid.NewString
	}
	if observer == nil {
		observer = ObserverFunc(func(context.Context, task.Transition) {})
	}
	return &Runtime{source: source, workspaces: workspaces, agent: a, publisher: pub, observer: observer, opts: opts}, nil
}

// Execute runs t to a terminal state and returns the finished Run along
// with the error that ended it. ctx is the run's cancellation token.
func (r *Runtime) Execute(ctx context.Context, t task.Task, judge Judge) (task.Run, error) {
	run := &task.Run{
		ID:        r.opts.NewRunID(),
		TaskID:    t.ID,
		Task:      t,
		StartedAt: r.opts.Now(),
	}
	logger := miyabilog.With("run_id", run.ID, "task_id", t.ID, "kind", t.Kind, "target", t.Target)

	r.advance(ctx, run, task.StateClaimed)
	err := r.execute(ctx, run, t, logger)
	if err != nil && ctx.Err() != nil && !failure.Is(err, failure.Cancelled) {
		err = failure.New(failure.Cancelled, "run", errors.Join(ctx.Err(), err))
	}

	verdict := Verdict{}
	if judge != nil {
		verdict = judge(err)
	}
	switch {
	case err == nil:
		r.advance(ctx, run, task.StateSucceeded)
	case failure.Is(err, failure.Cancelled):
		run.Error = &task.RunError{Kind: failure.Cancelled, Message: err.Error()}
		run.Superseded = verdict.Superseded
		r.advance(ctx, run, task.StateCancelled)
	default:
		run.Error = &task.RunError{Kind: failure.KindOf(err), Message: err.Error()}
		run.Retryable = verdict.Retry
		r.advance(ctx, run, task.StateFailed)
	}
	logger.Infow("run finished", "state", run.State, "duration", run.EndedAt.Sub(run.StartedAt).Round(time.Millisecond), "error", err)
	return *run, err
}

func (r *Runtime) execute(ctx context.Context, run *task.Run, t task.Task, logger *zap.SugaredLogger) error {
	repo, number, err := r.subject(t)
	if err != nil {
		return err
	}

	r.advance(ctx, run, task.StateFetching)
	rc, err := r.fetch(ctx, t, repo, number)
	if err != nil {
		return err
	}
	ws, err := r.workspaces.Acquire(ctx, run.ID)
	if err != nil {
		if ctx.Err() != nil {
			return failure.New(failure.Cancelled, "prepare workspace", ctx.Err())
		}
		return failure.New(failure.FetchFailed, "prepare workspace", err)
	}
	defer ws.Release()
	rc.LinkedFiles = linkedFiles(ws.Dir, rc)
	logger.Debugw("workspace ready", "dir", ws.Dir, "head", ws.Result.HeadSHA)

	r.advance(ctx, run, task.StateExecuting)
	res, err := r.runAgent(ctx, agent.Request{
		RunID:     run.ID,
		TaskID:    t.ID,
		TaskKind:  t.Kind,
		Target:    t.Target,
		Event:     agent.NewEventInfo(t.Event),
		Context:   rc,
		Workspace: ws.Dir,
	})
	if err != nil {
		return err
	}
	logger.Debugw("agent finished", "changes", len(res.Changes))
	if number == 0 && res.Empty() {
		return nil
	}

	r.advance(ctx, run, task.StatePublishing)
	title := ""
	if rc.Issue != nil {
		title = rc.Issue.Title
	}
	out, err := r.publisher.Publish(ctx, publisher.Request{
		RunID:     run.ID,
		TaskID:    t.ID,
		Number:    number,
		Title:     title,
		Workspace: ws.Dir,
		Result:    res,
	})
	run.Branch = out.Branch
	run.PRURL = out.PRURL
	if out.Commit != "" {
		run.Artifacts = append(run.Artifacts, out.Commit)
	}
	return err
}

// subject resolves the repository and the issue or PR number a task is
// about. Push tasks have no number.
func (r *Runtime) subject(t task.Task) (github.Repo, int, error) {
	repo := r.opts.Repo
	if t.Repository != "" {
		parsed, err := github.ParseRepo(t.Repository)
		if err != nil {
			return repo, 0, failure.New(failure.AgentLogicError, "resolve repository", err)
		}
		repo = parsed
	}
	if repo.IsZero() {
		return repo, 0, failure.Errorf(failure.AgentLogicError, "resolve repository", "no repository for task %s", t.ID)
	}
	if t.Kind == task.KindBuildAndDeploy {
		return repo, 0, nil
	}
	n, err := strconv.Atoi(t.Target)
	if err != nil || n <= 0 {
		return repo, 0, failure.Errorf(failure.AgentLogicError, "resolve target", "target %q is not an issue or pull request number", t.Target)
	}
	return repo, n, nil
}

func (r *Runtime) runAgent(ctx context.Context, req agent.Request) (agent.Result, error) {
	runCtx, cancel := context.WithTimeout(ctx, r.opts.RunTimeout)
	defer cancel()
	res, err := r.invoke(runCtx, req)
	switch {
	case err == nil:
		return res, nil
	case ctx.Err() != nil:
		return res, failure.New(failure.Cancelled, "agent", ctx.Err())
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		return res, &failure.Error{Kind: failure.Timeout, Op: "agent", Retryable: false, Err: fmt.Errorf("agent exceeded %s", r.opts.RunTimeout)}
	}
	var fe *failure.Error
	if errors.As(err, &fe) {
		return res, err
	}
	return res, failure.New(failure.Unexpected, "agent", err)
}

type agentReturn struct {
	res agent.Result
	err error
}

// invoke runs the agent and stops waiting for it CancelGrace after ctx is
// done. An agent that overruns the grace is abandoned; its result is
// discarded.
func (r *Runtime) invoke(ctx context.Context, req agent.Request) (agent.Result, error) {
	done := make(chan agentReturn, 1)
	go func() {
		res, err := r.agent.Run(ctx, req)
		done <- agentReturn{res: res, err: err}
	}()

	select {
	case ret := <-done:
		return ret.res, ret.err
	case <-ctx.Done():
	}

	grace := time.NewTimer(r.opts.CancelGrace)
	defer grace.Stop()
	select {
	case ret := <-done:
		return ret.res, ret.err
	case <-grace.C:
		miyabilog.Warn("agent ignored cancellation, abandoning it", "run_id", req.RunID, "grace", r.opts.CancelGrace)
		return agent.Result{}, ctx.Err()
	}
}

func (r *Runtime) advance(ctx context.Context, run *task.Run, next task.State) {
	tr, err := run.Advance(next, r.opts.Now())
	if err != nil {
		miyabilog.Error("invalid run transition", "run_id", run.ID, "error", err)
		return
	}
	// Reporting must outlive a cancelled run.
	r.observer.Observe(context.WithoutCancel(ctx), tr)
}

// NeedsFollowUp reports whether a coalesced event arrived for t's issue
// while run was executing: the issue changed after the run started and is
// still open.
func (r *Runtime) NeedsFollowUp(ctx context.Context, t task.Task, run task.Run) (bool, error) {
	repo, number, err := r.subject(t)
	if err != nil || number == 0 {
		return false, err
	}
	fetchCtx, cancel := context.WithTimeout(ctx, r.opts.FetchTimeout)
	defer cancel()
	issue, err := r.source.FetchIssue(fetchCtx, repo, number)
	if err != nil {
		return false, github.Classify(failure.FetchFailed, "recheck issue", err)
	}
	return issue.Open() && issue.UpdatedAt.After(run.StartedAt), nil
}
