package dispatch

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/holon-run/miyabi/pkg/agent"
	"github.com/holon-run/miyabi/pkg/config"
	"github.com/holon-run/miyabi/pkg/event"
	"github.com/holon-run/miyabi/pkg/failure"
	"github.com/holon-run/miyabi/pkg/github"
	"github.com/holon-run/miyabi/pkg/github/githubtest"
	"github.com/holon-run/miyabi/pkg/queue"
	"github.com/holon-run/miyabi/pkg/reporter"
	"github.com/holon-run/miyabi/pkg/retry"
	"github.com/holon-run/miyabi/pkg/task"
)

// fixture is a source checkout with a bare origin and a mock GitHub.
type fixture struct {
	srv    *githubtest.Server
	work   string
	remote string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available for the local transport")
	}
	f := &fixture{srv: githubtest.NewServer(t)}
	f.srv.AddIssue(42, "add readme", "Please add a readme.")
	f.srv.AddIssue(43, "add license", "")

	f.remote = filepath.Join(t.TempDir(), "remote.git")
	if _, err := git.PlainInit(f.remote, true); err != nil {
		t.Fatalf("init bare: %v", err)
	}
	f.work = filepath.Join(t.TempDir(), "source")
	repo, err := git.PlainInit(f.work, false)
	if err != nil {
		t.Fatalf("init source: %v", err)
	}
	if err := os.WriteFile(filepath.Join(f.work, "main.go"), []byte("package main\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	wt, _ := repo.Worktree()
	if _, err := wt.Add("main.go"); err != nil {
		t.Fatal(err)
	}
	if _, err := wt.Commit("initial", &git.CommitOptions{
		Author: &object.Signature{Name: "Test", Email: "test@example.com", When: time.Now()},
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := repo.CreateRemote(&gitconfig.RemoteConfig{Name: "origin", URLs: []string{f.remote}}); err != nil {
		t.Fatal(err)
	}
	if err := repo.Push(&git.PushOptions{RemoteName: "origin"}); err != nil {
		t.Fatalf("initial push: %v", err)
	}
	return f
}

func (f *fixture) build(t *testing.T, a agent.Agent, mutate func(*config.Config)) *Service {
	t.Helper()
	cfg := config.Config{
		Repository:       "acme/widgets",
		WorkspaceRoot:    t.TempDir(),
		WorkspaceSource:  f.work,
		Concurrency:      3,
		MaxAttempts:      3,
		QueueCapacity:    64,
		RunTimeout:       10 * time.Second,
		FetchTimeout:     5 * time.Second,
		ShutdownDeadline: 5 * time.Second,
		CancelGrace:      time.Second,
		LogLevel:         "info",
	}
	if mutate != nil {
		mutate(&cfg)
	}
	svc, err := Build(context.Background(), cfg, Deps{
		Agent:          a,
		GitHubOptions:  []github.Option{github.WithBaseURL(f.srv.URL + "/"), github.WithRateLimit(0, 0)},
		Backoff:        retry.Backoff{BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
		SkipHostAuthor: true,
	})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx, false)
		_ = svc.Close()
	})
	return svc
}

func (f *fixture) agentBranches(t *testing.T) []string {
	t.Helper()
	repo, err := git.PlainOpen(f.remote)
	if err != nil {
		t.Fatal(err)
	}
	refs, err := repo.References()
	if err != nil {
		t.Fatal(err)
	}
	var out []string
	_ = refs.ForEach(func(ref *plumbing.Reference) error {
		if name := ref.Name(); name.IsBranch() && strings.HasPrefix(name.Short(), "agent/") {
			out = append(out, name.Short())
		}
		return nil
	})
	return out
}

func issueEvent(t *testing.T, action, number string) event.Event {
	t.Helper()
	ev, err := event.NewDecoder(nil).FromArgs("issue", action, number, map[string]interface{}{"title": "add readme"})
	if err != nil {
		t.Fatalf("FromArgs() error = %v", err)
	}
	return ev
}

func readmeAgent() agent.Agent {
	return agent.Func(func(ctx context.Context, req agent.Request) (agent.Result, error) {
		return agent.Result{
			Changes:       []agent.Change{{Path: "README.md", Content: "hello"}},
			CommitMessage: "Add README",
			Summary:       "Added a README.",
		}, nil
	})
}

// blockingAgent signals started and then waits for cancellation.
func blockingAgent(started chan<- struct{}) agent.Agent {
	var once atomic.Bool
	return agent.Func(func(ctx context.Context, req agent.Request) (agent.Result, error) {
		if once.CompareAndSwap(false, true) {
			close(started)
		}
		<-ctx.Done()
		return agent.Result{}, ctx.Err()
	})
}

func waitAll(t *testing.T, svc *Service) []task.Run {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	finished, err := svc.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	runs := make([]task.Run, 0, len(finished))
	for _, f := range finished {
		runs = append(runs, f.Run)
	}
	return runs
}

func TestOpenedIssueOpensPullRequest(t *testing.T) {
	f := newFixture(t)
	svc := f.build(t, readmeAgent(), nil)

	ev := issueEvent(t, "opened", "42")
	sub, err := svc.Submit(context.Background(), ev)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if len(sub.Offers) != 1 || sub.Offers[0].Result != queue.Enqueued {
		t.Fatalf("offers = %+v", sub.Offers)
	}
	want := task.Fingerprint(event.KindIssue, "opened", "42", ev.PayloadHash())
	if sub.Offers[0].Task.ID != want {
		t.Errorf("task id = %s, want %s", sub.Offers[0].Task.ID, want)
	}

	runs := waitAll(t, svc)
	if len(runs) != 1 || runs[0].State != task.StateSucceeded {
		t.Fatalf("runs = %+v", runs)
	}
	run := runs[0]
	wantBranch := "agent/issue-42-" + run.ID
	if run.Branch != wantBranch {
		t.Errorf("branch = %q, want %q", run.Branch, wantBranch)
	}
	if got := f.agentBranches(t); len(got) != 1 || got[0] != wantBranch {
		t.Errorf("remote agent branches = %v", got)
	}

	prs := f.srv.PullRequests()
	if len(prs) != 1 {
		t.Fatalf("pull requests = %d, want 1", len(prs))
	}
	if !strings.Contains(prs[0].GetBody(), "Closes #42") {
		t.Errorf("PR body = %q", prs[0].GetBody())
	}

	comments := f.srv.CommentBodies(42)
	if len(comments) != 2 {
		t.Fatalf("comments = %q, want ack and success", comments)
	}
	if !strings.Contains(comments[0], reporter.Marker(run.TaskID, "claimed")) {
		t.Errorf("ack = %q", comments[0])
	}
	if !strings.Contains(comments[1], reporter.Marker(run.TaskID, "succeeded")) || !strings.Contains(comments[1], run.PRURL) {
		t.Errorf("summary = %q", comments[1])
	}
}

func TestDuplicateEventsCoalesce(t *testing.T) {
	f := newFixture(t)
	svc := f.build(t, readmeAgent(), nil)

	ev := issueEvent(t, "opened", "42")
	if _, err := svc.Submit(context.Background(), ev); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)
	sub, err := svc.Submit(context.Background(), ev)
	if err != nil {
		t.Fatal(err)
	}
	if len(sub.Offers) != 1 {
		t.Fatalf("offers = %+v", sub.Offers)
	}

	runs := waitAll(t, svc)
	if len(runs) != 1 {
		t.Fatalf("runs = %d, want 1", len(runs))
	}
	if n := len(f.srv.PullRequests()); n != 1 {
		t.Errorf("pull requests = %d, want 1", n)
	}
}

func TestClosedIssueSupersedesRun(t *testing.T) {
	f := newFixture(t)
	started := make(chan struct{})
	svc := f.build(t, blockingAgent(started), nil)

	if _, err := svc.Submit(context.Background(), issueEvent(t, "opened", "42")); err != nil {
		t.Fatal(err)
	}
	select {
	case <-started:
	case <-time.After(10 * time.Second):
		t.Fatal("agent never started")
	}
	sub, err := svc.Submit(context.Background(), issueEvent(t, "closed", "42"))
	if err != nil {
		t.Fatal(err)
	}
	if sub.Superseded != 1 || len(sub.Offers) != 0 {
		t.Fatalf("submission = %+v", sub)
	}

	runs := waitAll(t, svc)
	if len(runs) != 1 || runs[0].State != task.StateCancelled || !runs[0].Superseded {
		t.Fatalf("runs = %+v", runs)
	}
	if n := len(f.srv.PullRequests()); n != 0 {
		t.Errorf("pull requests = %d, want 0", n)
	}
	comments := f.srv.CommentBodies(42)
	if len(comments) != 2 {
		t.Fatalf("comments = %q", comments)
	}
	if !strings.Contains(comments[1], reporter.Marker(runs[0].TaskID, "cancelled")) {
		t.Errorf("final comment = %q", comments[1])
	}
	for _, c := range comments {
		if strings.Contains(c, ":failed") {
			t.Errorf("failure comment posted: %q", c)
		}
	}
}

func TestClosedIssueSupersedesQueuedTask(t *testing.T) {
	f := newFixture(t)
	started := make(chan struct{})
	release := make(chan struct{})
	var once atomic.Bool
	a := agent.Func(func(ctx context.Context, req agent.Request) (agent.Result, error) {
		if req.Target == "43" {
			if once.CompareAndSwap(false, true) {
				close(started)
			}
			select {
			case <-release:
			case <-ctx.Done():
				return agent.Result{}, ctx.Err()
			}
			return agent.Result{Summary: "nothing to do"}, nil
		}
		return readmeAgent().Run(ctx, req)
	})
	svc := f.build(t, a, func(cfg *config.Config) { cfg.Concurrency = 1 })

	if _, err := svc.Submit(context.Background(), issueEvent(t, "opened", "43")); err != nil {
		t.Fatal(err)
	}
	select {
	case <-started:
	case <-time.After(10 * time.Second):
		t.Fatal("agent never started")
	}
	if _, err := svc.Submit(context.Background(), issueEvent(t, "opened", "42")); err != nil {
		t.Fatal(err)
	}
	sub, err := svc.Submit(context.Background(), issueEvent(t, "closed", "42"))
	if err != nil {
		t.Fatal(err)
	}
	if sub.Superseded != 1 {
		t.Fatalf("superseded = %d, want the queued task", sub.Superseded)
	}
	close(release)

	runs := waitAll(t, svc)
	if len(runs) != 2 {
		t.Fatalf("runs = %+v", runs)
	}
	for _, run := range runs {
		if run.Task.Target == "42" && (run.State != task.StateCancelled || !run.Superseded) {
			t.Errorf("issue 42 run = %s superseded = %v", run.State, run.Superseded)
		}
	}
	for _, pr := range f.srv.PullRequests() {
		t.Errorf("closed issue got a pull request: %+v", pr)
	}
	if comments := f.srv.CommentBodies(42); len(comments) != 0 {
		t.Errorf("comments on issue 42 = %q", comments)
	}
}

func TestFlakyPullRequestCreation(t *testing.T) {
	f := newFixture(t)
	f.srv.FailCreatePR(2, 502)
	svc := f.build(t, readmeAgent(), nil)

	if _, err := svc.Submit(context.Background(), issueEvent(t, "opened", "42")); err != nil {
		t.Fatal(err)
	}
	runs := waitAll(t, svc)
	if len(runs) != 1 || runs[0].State != task.StateSucceeded {
		t.Fatalf("runs = %+v", runs)
	}
	if n := len(f.srv.PullRequests()); n != 1 {
		t.Errorf("pull requests = %d, want 1", n)
	}
	if n := f.srv.CreatePRCalls(); n != 3 {
		t.Errorf("CreatePRCalls() = %d, want 3", n)
	}
	if got := f.agentBranches(t); len(got) != 1 {
		t.Errorf("remote agent branches = %v, want exactly one", got)
	}
	for _, c := range f.srv.CommentBodies(42) {
		if strings.Contains(c, reporter.Marker(runs[0].TaskID, "failed")) {
			t.Errorf("retried attempt was reported as a failure: %q", c)
		}
	}
}

func TestQueueFull(t *testing.T) {
	f := newFixture(t)
	started := make(chan struct{})
	svc := f.build(t, blockingAgent(started), func(c *config.Config) { c.QueueCapacity = 1 })

	if _, err := svc.Submit(context.Background(), issueEvent(t, "opened", "42")); err != nil {
		t.Fatal(err)
	}
	<-started
	_, err := svc.Submit(context.Background(), issueEvent(t, "opened", "43"))
	if !IsQueueFull(err) {
		t.Fatalf("Submit() error = %v, want QueueFull", err)
	}
	if !failure.IsRetryable(err) {
		t.Error("QueueFull should be retryable by the sender")
	}
	if st := svc.Stats(); st.InFlight != 1 || st.Capacity != 1 {
		t.Errorf("stats = %+v", st)
	}
}

func TestUnmatchedEventProducesNothing(t *testing.T) {
	f := newFixture(t)
	svc := f.build(t, readmeAgent(), nil)

	ev, err := event.NewDecoder(nil).FromArgs("comment", "created", "7", map[string]interface{}{"body": "thanks!"})
	if err != nil {
		t.Fatal(err)
	}
	sub, err := svc.Submit(context.Background(), ev)
	if err != nil {
		t.Fatal(err)
	}
	if len(sub.Offers) != 0 {
		t.Errorf("offers = %+v", sub.Offers)
	}
	if runs := waitAll(t, svc); len(runs) != 0 {
		t.Errorf("runs = %+v", runs)
	}
}

func TestBuildRequiresAgentAndRepository(t *testing.T) {
	f := newFixture(t)
	base := config.Config{
		WorkspaceRoot: t.TempDir(), WorkspaceSource: f.work,
		Concurrency: 1, MaxAttempts: 1, QueueCapacity: 1,
		RunTimeout: time.Second, FetchTimeout: time.Second, ShutdownDeadline: time.Second, CancelGrace: time.Second,
		LogLevel: "info",
	}
	if _, err := Build(context.Background(), base, Deps{Agent: readmeAgent()}); err == nil {
		t.Error("Build() without a repository succeeded")
	}
	base.Repository = "acme/widgets"
	if _, err := Build(context.Background(), base, Deps{}); err == nil || !strings.Contains(err.Error(), config.EnvAgentCommand) {
		t.Errorf("Build() without an agent error = %v", err)
	}
}
