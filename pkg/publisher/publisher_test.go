package publisher

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/holon-run/miyabi/pkg/agent"
	"github.com/holon-run/miyabi/pkg/failure"
	"github.com/holon-run/miyabi/pkg/github"
	"github.com/holon-run/miyabi/pkg/github/githubtest"
	"github.com/holon-run/miyabi/pkg/retry"
)

var testRepo = github.Repo{Owner: "acme", Name: "widgets"}

// setupCheckout creates a bare remote and a checkout of it with one
// pushed commit on master.
func setupCheckout(t *testing.T) (work, remote string) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available for the local transport")
	}
	remote = filepath.Join(t.TempDir(), "remote.git")
	if _, err := git.PlainInit(remote, true); err != nil {
		t.Fatalf("init bare: %v", err)
	}
	work = filepath.Join(t.TempDir(), "tree")
	repo, err := git.PlainInit(work, false)
	if err != nil {
		t.Fatalf("init work: %v", err)
	}
	if err := os.WriteFile(filepath.Join(work, "README.md"), []byte("# widgets\n"), 0o644); err != nil {
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
	if _, err := repo.CreateRemote(&config.RemoteConfig{Name: "origin", URLs: []string{remote}}); err != nil {
		t.Fatal(err)
	}
	if err := repo.Push(&git.PushOptions{RemoteName: "origin"}); err != nil {
		t.Fatalf("initial push: %v", err)
	}
	return work, remote
}

func newTestPublisher(t *testing.T, srv *githubtest.Server) *Publisher {
	t.Helper()
	p, err := New(srv.Client(t), Options{
		Repo:    testRepo,
		Author:  Author{Name: "Miyabi Test", Email: "test@miyabi.dev"},
		Backoff: retry.Backoff{BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
	})
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func remoteFile(t *testing.T, remote, branch, path string) (string, bool) {
	t.Helper()
	repo, err := git.PlainOpen(remote)
	if err != nil {
		t.Fatal(err)
	}
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(branch), true)
	if err != nil {
		return "", false
	}
	commit, err := repo.CommitObject(ref.Hash())
	if err != nil {
		t.Fatal(err)
	}
	file, err := commit.File(path)
	if err != nil {
		return "", true
	}
	content, err := file.Contents()
	if err != nil {
		t.Fatal(err)
	}
	return content, true
}

func sampleRequest(work string) Request {
	return Request{
		RunID:     "run1",
		TaskID:    "task1",
		Number:    42,
		Title:     "add readme",
		Workspace: work,
		Result: agent.Result{
			Changes:       []agent.Change{{Path: "README.md", Content: "hello"}},
			CommitMessage: "Update README",
			Summary:       "Rewrote the readme.",
		},
	}
}

func TestPublishOpensPullRequest(t *testing.T) {
	work, remote := setupCheckout(t)
	srv := githubtest.NewServer(t)
	p := newTestPublisher(t, srv)

	out, err := p.Publish(context.Background(), sampleRequest(work))
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if out.Branch != "agent/issue-42-run1" {
		t.Errorf("Branch = %s", out.Branch)
	}
	if out.PRNumber != 101 || !strings.HasSuffix(out.PRURL, "/pull/101") {
		t.Errorf("PR = %d %s", out.PRNumber, out.PRURL)
	}
	if content, ok := remoteFile(t, remote, out.Branch, "README.md"); !ok || content != "hello" {
		t.Errorf("remote README.md = %q (branch exists %v)", content, ok)
	}
	prs := srv.PullRequests()
	if len(prs) != 1 {
		t.Fatalf("pull requests = %d", len(prs))
	}
	if !strings.Contains(prs[0].GetBody(), "Closes #42") {
		t.Errorf("PR body = %q", prs[0].GetBody())
	}
	if prs[0].GetBase().GetRef() != "master" || prs[0].GetTitle() != "Update README" {
		t.Errorf("PR base = %s, title = %s", prs[0].GetBase().GetRef(), prs[0].GetTitle())
	}
}

func TestPublishRetriesPullRequest(t *testing.T) {
	work, _ := setupCheckout(t)
	srv := githubtest.NewServer(t)
	srv.FailCreatePR(2, 502)
	p := newTestPublisher(t, srv)

	out, err := p.Publish(context.Background(), sampleRequest(work))
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if srv.CreatePRCalls() != 3 {
		t.Errorf("CreatePRCalls() = %d, want 3", srv.CreatePRCalls())
	}
	if len(srv.PullRequests()) != 1 || out.PRNumber == 0 {
		t.Errorf("pull requests = %d, outcome %+v", len(srv.PullRequests()), out)
	}
}

func TestPublishPartial(t *testing.T) {
	work, remote := setupCheckout(t)
	srv := githubtest.NewServer(t)
	srv.FailCreatePR(10, 503)
	p := newTestPublisher(t, srv)

	out, err := p.Publish(context.Background(), sampleRequest(work))
	if failure.KindOf(err) != failure.PartialPublish {
		t.Fatalf("Publish() error = %v, want PartialPublish", err)
	}
	if failure.IsRetryable(err) {
		t.Error("PartialPublish from the publisher must not trigger a whole-run retry")
	}
	if _, ok := remoteFile(t, remote, out.Branch, "README.md"); !ok {
		t.Error("branch should be left on the remote")
	}
	if srv.CreatePRCalls() != DefaultPRAttempts {
		t.Errorf("CreatePRCalls() = %d, want %d", srv.CreatePRCalls(), DefaultPRAttempts)
	}
}

func TestPublishEmptyResultComments(t *testing.T) {
	srv := githubtest.NewServer(t)
	srv.AddIssue(42, "add readme", "")
	p := newTestPublisher(t, srv)

	req := sampleRequest(t.TempDir())
	req.Result = agent.Result{Summary: "Nothing to do."}
	out, err := p.Publish(context.Background(), req)
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if !out.NoChanges || out.CommentID == 0 {
		t.Errorf("Outcome = %+v", out)
	}
	bodies := srv.CommentBodies(42)
	if len(bodies) != 1 || !strings.Contains(bodies[0], "run1") || !strings.Contains(bodies[0], "Nothing to do.") {
		t.Errorf("comments = %q", bodies)
	}
	if srv.CreatePRCalls() != 0 {
		t.Error("no pull request expected for an empty change set")
	}
}

func TestPublishInvalidChangesPublishesNothing(t *testing.T) {
	work, remote := setupCheckout(t)
	srv := githubtest.NewServer(t)
	p := newTestPublisher(t, srv)

	req := sampleRequest(work)
	req.Result.Changes = append(req.Result.Changes, agent.Change{Path: ".git/hooks/post-commit", Content: "#!/bin/sh"})
	_, err := p.Publish(context.Background(), req)
	if failure.KindOf(err) != failure.AgentLogicError {
		t.Fatalf("Publish() error = %v, want AgentLogicError", err)
	}
	if _, ok := remoteFile(t, remote, BranchName(42, "run1"), "README.md"); ok {
		t.Error("branch pushed for an invalid change set")
	}
	if srv.CreatePRCalls() != 0 {
		t.Error("pull request attempted for an invalid change set")
	}
}

func TestPublishCancelledBeforePR(t *testing.T) {
	work, _ := setupCheckout(t)
	srv := githubtest.NewServer(t)
	p := newTestPublisher(t, srv)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := p.Publish(ctx, sampleRequest(work))
	if failure.KindOf(err) != failure.Cancelled {
		t.Fatalf("Publish() error = %v, want Cancelled", err)
	}
	if len(srv.PullRequests()) != 0 {
		t.Error("pull request created after cancellation")
	}
}

func TestNewValidation(t *testing.T) {
	srv := githubtest.NewServer(t)
	if _, err := New(nil, Options{Repo: testRepo}); err == nil {
		t.Error("New(nil) expected error")
	}
	if _, err := New(srv.Client(t), Options{}); err == nil {
		t.Error("New() without repo expected error")
	}
}

func TestBranchName(t *testing.T) {
	if got := BranchName(7, "0b1c"); got != "agent/issue-7-0b1c" {
		t.Errorf("BranchName() = %s", got)
	}
}
