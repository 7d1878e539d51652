package runtime

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/holon-run/miyabi/pkg/agent"
	"github.com/holon-run/miyabi/pkg/event"
	"github.com/holon-run/miyabi/pkg/failure"
	"github.com/holon-run/miyabi/pkg/github"
	"github.com/holon-run/miyabi/pkg/publisher"
	"github.com/holon-run/miyabi/pkg/task"
	"github.com/holon-run/miyabi/pkg/workspace"
)

type fakeSource struct {
	issue    *github.IssueInfo
	pr       *github.PRInfo
	issueErr error
	block    bool
}

func (f *fakeSource) FetchIssue(ctx context.Context, repo github.Repo, number int) (*github.IssueInfo, error) {
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.issueErr != nil {
		return nil, f.issueErr
	}
	return f.issue, nil
}

func (f *fakeSource) FetchPR(ctx context.Context, repo github.Repo, number int) (*github.PRInfo, error) {
	return f.pr, nil
}

func (f *fakeSource) FetchIssueComments(ctx context.Context, repo github.Repo, number int) ([]github.IssueComment, error) {
	return []github.IssueComment{{CommentID: 1, Body: "please hurry", Author: "octocat"}}, nil
}

type fakePublisher struct {
	mu   sync.Mutex
	reqs []publisher.Request
	err  error
}

func (f *fakePublisher) Publish(ctx context.Context, req publisher.Request) (publisher.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return publisher.Outcome{}, f.err
	}
	return publisher.Outcome{
		Branch:   publisher.BranchName(req.Number, req.RunID),
		Commit:   "abc123",
		PRNumber: 101,
		PRURL:    "https://github.com/acme/widgets/pull/101",
	}, nil
}

type recorder struct {
	mu     sync.Mutex
	states []task.State
	last   task.Run
}

func (r *recorder) Observe(ctx context.Context, tr task.Transition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, tr.To)
	r.last = tr.Run
}

func (r *recorder) got() []task.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]task.State(nil), r.states...)
}

func newManager(t *testing.T) *workspace.Manager {
	t.Helper()
	src := t.TempDir()
	repo, err := git.PlainInit(src, false)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "README.md"), []byte("# widgets\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	wt, _ := repo.Worktree()
	if _, err := wt.Add("README.md"); err != nil {
		t.Fatal(err)
	}
	if _, err := wt.Commit("initial", &git.CommitOptions{
		Author: &object.Signature{Name: "Test", Email: "test@example.com", When: time.Now()},
	}); err != nil {
		t.Fatal(err)
	}
	m, err := workspace.NewManager(workspace.Options{Root: t.TempDir(), Source: src})
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func issueTask(t *testing.T) task.Task {
	t.Helper()
	ev, err := event.NewDecoder(nil).FromArgs("issue", "opened", "42", nil)
	if err != nil {
		t.Fatal(err)
	}
	return task.New(task.KindAgentRun, ev, "42", 1, task.LogInfo)
}

type fixture struct {
	rt      *Runtime
	source  *fakeSource
	pub     *fakePublisher
	obs     *recorder
	manager *workspace.Manager
}

func newFixture(t *testing.T, a agent.Agent, opts Options) *fixture {
	t.Helper()
	f := &fixture{
		source: &fakeSource{issue: &github.IssueInfo{
			Number: 42, Title: "add readme", Body: "Rewrite `README.md` and `missing.go`", State: "open",
		}},
		pub:     &fakePublisher{},
		obs:     &recorder{},
		manager: newManager(t),
	}
	if opts.Repo.IsZero() {
		opts.Repo = github.Repo{Owner: "acme", Name: "widgets"}
	}
	opts.NewRunID = func() string { return "run-1" }
	rt, err := New(f.source, f.manager, a, f.pub, f.obs, opts)
	if err != nil {
		t.Fatal(err)
	}
	f.rt = rt
	return f
}

func sameStates(got []task.State, want ...task.State) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func TestExecuteSuccess(t *testing.T) {
	var seen agent.Request
	a := agent.Func(func(ctx context.Context, req agent.Request) (agent.Result, error) {
		seen = req
		if _, err := os.Stat(filepath.Join(req.Workspace, "README.md")); err != nil {
			return agent.Result{}, err
		}
		return agent.Result{Changes: []agent.Change{{Path: "README.md", Content: "hello"}}}, nil
	})
	f := newFixture(t, a, Options{})

	run, err := f.rt.Execute(context.Background(), issueTask(t), nil)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !sameStates(f.obs.got(), task.StateClaimed, task.StateFetching, task.StateExecuting, task.StatePublishing, task.StateSucceeded) {
		t.Errorf("states = %v", f.obs.got())
	}
	if run.State != task.StateSucceeded || run.PRURL == "" || run.Branch != "agent/issue-42-run-1" {
		t.Errorf("run = %+v", run)
	}
	if seen.Context.Issue == nil || seen.Context.Issue.Title != "add readme" || len(seen.Context.Comments) != 1 {
		t.Errorf("agent context = %+v", seen.Context)
	}
	if seen.Context.LinkedFiles["README.md"] != "# widgets\n" {
		t.Errorf("LinkedFiles = %v", seen.Context.LinkedFiles)
	}
	if _, ok := seen.Context.LinkedFiles["missing.go"]; ok {
		t.Error("missing files must not be linked")
	}
	if len(f.pub.reqs) != 1 || f.pub.reqs[0].Number != 42 || f.pub.reqs[0].Title != "add readme" {
		t.Errorf("publish requests = %+v", f.pub.reqs)
	}
	if f.manager.Active() != 0 {
		t.Error("workspace not released")
	}
}

func TestExecuteFailures(t *testing.T) {
	block := agent.Func(func(ctx context.Context, req agent.Request) (agent.Result, error) {
		<-ctx.Done()
		return agent.Result{}, ctx.Err()
	})
	ok := agent.Func(func(ctx context.Context, req agent.Request) (agent.Result, error) {
		return agent.Result{}, nil
	})
	tests := []struct {
		name          string
		agent         agent.Agent
		opts          Options
		setup         func(f *fixture)
		wantKind      failure.Kind
		wantRetryable bool
		wantStates    []task.State
	}{
		{
			name:  "issue not found",
			agent: ok,
			setup: func(f *fixture) {
				f.source.issueErr = &github.APIError{StatusCode: 404, Message: "Not Found"}
			},
			wantKind:   failure.FetchFailed,
			wantStates: []task.State{task.StateClaimed, task.StateFetching, task.StateFailed},
		},
		{
			name:  "source unavailable",
			agent: ok,
			setup: func(f *fixture) {
				f.source.issueErr = &github.APIError{StatusCode: 502, Message: "Bad Gateway"}
			},
			wantKind:      failure.FetchFailed,
			wantRetryable: true,
			wantStates:    []task.State{task.StateClaimed, task.StateFetching, task.StateFailed},
		},
		{
			name:          "fetch timeout",
			agent:         ok,
			opts:          Options{FetchTimeout: 20 * time.Millisecond},
			setup:         func(f *fixture) { f.source.block = true },
			wantKind:      failure.Timeout,
			wantRetryable: true,
			wantStates:    []task.State{task.StateClaimed, task.StateFetching, task.StateFailed},
		},
		{
			name:       "agent timeout is terminal",
			agent:      block,
			opts:       Options{RunTimeout: 20 * time.Millisecond},
			wantKind:   failure.Timeout,
			wantStates: []task.State{task.StateClaimed, task.StateFetching, task.StateExecuting, task.StateFailed},
		},
		{
			name: "agent logic error",
			agent: agent.Func(func(ctx context.Context, req agent.Request) (agent.Result, error) {
				return agent.Result{}, agent.Fail("cannot reproduce")
			}),
			wantKind:   failure.AgentLogicError,
			wantStates: []task.State{task.StateClaimed, task.StateFetching, task.StateExecuting, task.StateFailed},
		},
		{
			name: "agent crash",
			agent: agent.Func(func(ctx context.Context, req agent.Request) (agent.Result, error) {
				return agent.Result{}, errors.New("segfault")
			}),
			wantKind:   failure.Unexpected,
			wantStates: []task.State{task.StateClaimed, task.StateFetching, task.StateExecuting, task.StateFailed},
		},
		{
			name:  "publish failure",
			agent: ok,
			setup: func(f *fixture) {
				f.pub.err = failure.New(failure.PublishFailed, "push", errors.New("connection reset"))
			},
			wantKind:      failure.PublishFailed,
			wantRetryable: true,
			wantStates:    []task.State{task.StateClaimed, task.StateFetching, task.StateExecuting, task.StatePublishing, task.StateFailed},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.agent, tt.opts)
			if tt.setup != nil {
				tt.setup(f)
			}
			run, err := f.rt.Execute(context.Background(), issueTask(t), nil)
			if got := failure.KindOf(err); got != tt.wantKind {
				t.Fatalf("KindOf() = %v, want %v (err %v)", got, tt.wantKind, err)
			}
			if got := failure.IsRetryable(err); got != tt.wantRetryable {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.wantRetryable)
			}
			if !sameStates(f.obs.got(), tt.wantStates...) {
				t.Errorf("states = %v, want %v", f.obs.got(), tt.wantStates)
			}
			if run.Error == nil || run.Error.Kind != tt.wantKind {
				t.Errorf("run.Error = %+v", run.Error)
			}
			if f.manager.Active() != 0 {
				t.Error("workspace not released")
			}
		})
	}
}

func TestExecuteCancelledBySupersede(t *testing.T) {
	started := make(chan struct{})
	a := agent.Func(func(ctx context.Context, req agent.Request) (agent.Result, error) {
		close(started)
		<-ctx.Done()
		return agent.Result{}, ctx.Err()
	})
	f := newFixture(t, a, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	run, err := f.rt.Execute(ctx, issueTask(t), func(err error) Verdict {
		return Verdict{Superseded: true}
	})
	if failure.KindOf(err) != failure.Cancelled {
		t.Fatalf("Execute() error = %v, want Cancelled", err)
	}
	if run.State != task.StateCancelled || !run.Superseded {
		t.Errorf("run = %+v", run)
	}
	if len(f.pub.reqs) != 0 {
		t.Error("cancelled run must not publish")
	}
	if f.obs.last.State != task.StateCancelled {
		t.Errorf("last observed = %s", f.obs.last.State)
	}
}

func TestExecuteAbandonsAgentIgnoringCancellation(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	started := make(chan struct{})
	a := agent.Func(func(ctx context.Context, req agent.Request) (agent.Result, error) {
		close(started)
		<-release
		return agent.Result{Changes: []agent.Change{{Path: "late.txt", Content: "late"}}}, nil
	})
	f := newFixture(t, a, Options{CancelGrace: 20 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	tk := issueTask(t)
	done := make(chan struct{})
	var (
		run task.Run
		err error
	)
	go func() {
		defer close(done)
		run, err = f.rt.Execute(ctx, tk, nil)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Execute() did not return after the cancel grace")
	}
	if failure.KindOf(err) != failure.Cancelled {
		t.Fatalf("Execute() error = %v, want Cancelled", err)
	}
	if run.State != task.StateCancelled {
		t.Errorf("state = %s", run.State)
	}
	if len(f.pub.reqs) != 0 {
		t.Error("abandoned agent result must not be published")
	}
	if f.manager.Active() != 0 {
		t.Error("workspace not released")
	}
}

func TestExecuteVerdictRetry(t *testing.T) {
	f := newFixture(t, agent.Func(func(ctx context.Context, req agent.Request) (agent.Result, error) {
		return agent.Result{}, nil
	}), Options{})
	f.source.issueErr = &github.APIError{StatusCode: 503, Message: "unavailable"}

	run, _ := f.rt.Execute(context.Background(), issueTask(t), func(err error) Verdict {
		return Verdict{Retry: failure.IsRetryable(err)}
	})
	if !run.Retryable {
		t.Error("run should be marked retryable")
	}
	if f.obs.last.Retryable != true {
		t.Error("observer must see the verdict on the terminal transition")
	}
}

func TestExecuteAgentCommand(t *testing.T) {
	var seen agent.Request
	f := newFixture(t, agent.Func(func(ctx context.Context, req agent.Request) (agent.Result, error) {
		seen = req
		return agent.Result{}, nil
	}), Options{})
	ev := event.Restore(event.KindComment, "created", "42", "octocat", "acme/widgets",
		map[string]interface{}{
			"comment": map[string]interface{}{"body": "/fix lint errors\nthanks"},
			"issue":   map[string]interface{}{"number": 42},
		}, time.Now())
	tk := task.New(task.KindAgentCommand, ev, "42", 1, task.LogInfo)

	if _, err := f.rt.Execute(context.Background(), tk, nil); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if seen.Context.Command != "fix" || len(seen.Context.Args) != 2 || seen.Context.Args[0] != "lint" {
		t.Errorf("command = %q %v", seen.Context.Command, seen.Context.Args)
	}
}

func TestExecuteInvalidTarget(t *testing.T) {
	f := newFixture(t, agent.Func(func(ctx context.Context, req agent.Request) (agent.Result, error) {
		t.Error("agent must not run")
		return agent.Result{}, nil
	}), Options{})
	tk := issueTask(t)
	tk.Target = "not-a-number"
	_, err := f.rt.Execute(context.Background(), tk, nil)
	if failure.KindOf(err) != failure.AgentLogicError {
		t.Errorf("Execute() error = %v", err)
	}
}

func TestNeedsFollowUp(t *testing.T) {
	f := newFixture(t, agent.Func(func(ctx context.Context, req agent.Request) (agent.Result, error) {
		return agent.Result{}, nil
	}), Options{})
	start := time.Now()
	run := task.Run{StartedAt: start}

	tests := []struct {
		name  string
		issue *github.IssueInfo
		want  bool
	}{
		{name: "updated and open", issue: &github.IssueInfo{State: "open", UpdatedAt: start.Add(time.Second)}, want: true},
		{name: "not updated", issue: &github.IssueInfo{State: "open", UpdatedAt: start.Add(-time.Second)}},
		{name: "closed", issue: &github.IssueInfo{State: "closed", UpdatedAt: start.Add(time.Second)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f.source.issue = tt.issue
			got, err := f.rt.NeedsFollowUp(context.Background(), issueTask(t), run)
			if err != nil || got != tt.want {
				t.Errorf("NeedsFollowUp() = %v, %v; want %v", got, err, tt.want)
			}
		})
	}
}

func TestParseCommand(t *testing.T) {
	cmd, args := parseCommand("  /rebase onto main\nmore text", "/")
	if cmd != "rebase" || len(args) != 2 || args[1] != "main" {
		t.Errorf("parseCommand() = %q %v", cmd, args)
	}
	if cmd, _ := parseCommand("/", "/"); cmd != "" {
		t.Errorf("parseCommand(/) = %q", cmd)
	}
}
