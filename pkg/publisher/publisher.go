// Package publisher turns an agent's proposed changes into a branch, a
// commit, a push and a pull request, or into a comment when there is
// nothing to change.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/holon-run/miyabi/pkg/agent"
	"github.com/holon-run/miyabi/pkg/failure"
	"github.com/holon-run/miyabi/pkg/github"
	miyabilog "github.com/holon-run/miyabi/pkg/log"
	"github.com/holon-run/miyabi/pkg/retry"
)

const (
	DefaultRemote     = "origin"
	DefaultPRAttempts = 3

	branchPrefix = "agent/issue-"
)

// GitHub is the part of the source-host client the publisher calls.
type GitHub interface {
	CreatePullRequest(ctx context.Context, repo github.Repo, pr *github.NewPullRequest) (*github.PRInfo, error)
	FindPullRequestByHead(ctx context.Context, repo github.Repo, branch string) (*github.PRInfo, error)
	CreateIssueComment(ctx context.Context, repo github.Repo, number int, body string) (int64, error)
}

// Options configures a Publisher.
type Options struct {
	Repo github.Repo
	// Base is the pull request base. Empty uses the workspace's branch.
	Base   string
	Remote string
	// Token authenticates pushes to HTTP remotes.
	Token  string
	Author Author
	Draft  bool

	// PRAttempts bounds pull request creation after a successful push.
	PRAttempts int
	Backoff    retry.Backoff
}

// Publisher is safe for concurrent use on distinct workspaces.
type Publisher struct {
	gh   GitHub
	opts Options
}

// New validates opts and fills defaults.
func New(gh GitHub, opts Options) (*Publisher, error) {
	if gh == nil {
		return nil, fmt.Errorf("publisher requires a GitHub client")
	}
	if opts.Repo.IsZero() {
		return nil, fmt.Errorf("publisher requires a repository")
	}
	if opts.Remote == "" {
		opts.Remote = DefaultRemote
	}
	if opts.PRAttempts <= 0 {
		opts.PRAttempts = DefaultPRAttempts
	}
	if opts.Backoff.BaseDelay == 0 {
		opts.Backoff = retry.Default()
	}
	if opts.Author.Name == "" || opts.Author.Email == "" {
		opts.Author = ResolveAuthor(AuthorOptions{Explicit: opts.Author})
	}
	return &Publisher{gh: gh, opts: opts}, nil
}

// Request is one run's publish input.
type Request struct {
	RunID  string
	TaskID string
	// Number is the issue or pull request the run serves.
	Number    int
	Title     string
	Workspace string
	Result    agent.Result
}

// Outcome describes what was published.
type Outcome struct {
	Branch    string
	Commit    string
	PRNumber  int
	PRURL     string
	CommentID int64
	// NoChanges is set when the agent proposed nothing and a comment was
	// posted instead of a pull request.
	NoChanges bool
}

// BranchName is the branch a run publishes to.
func BranchName(number int, runID string) string {
	return fmt.Sprintf("%s%d-%s", branchPrefix, number, runID)
}

// Publish is the only externally visible step of a run. Errors are
// classified: PublishFailed before the push completes, PartialPublish when
// the branch exists remotely but no pull request could be opened.
func (p *Publisher) Publish(ctx context.Context, req Request) (Outcome, error) {
	if req.Result.Empty() {
		return p.publishComment(ctx, req)
	}

	repo, err := openRepository(req.Workspace)
	if err != nil {
		return Outcome{}, failure.New(failure.PublishFailed, "open workspace", err)
	}
	base := p.opts.Base
	if base == "" {
		if base, err = repo.currentBranch(); err != nil {
			return Outcome{}, failure.New(failure.PublishFailed, "resolve base", err)
		}
		if base == "" {
			return Outcome{}, failure.Errorf(failure.PublishFailed, "resolve base", "workspace has a detached HEAD and no base branch is configured")
		}
	}

	out := Outcome{Branch: BranchName(req.Number, req.RunID)}
	if err := repo.createBranch(out.Branch); err != nil {
		return out, failure.New(failure.PublishFailed, "create branch", err)
	}
	if err := ApplyChanges(req.Workspace, req.Result.Changes); err != nil {
		return out, err
	}
	out.Commit, err = repo.commit(req.Result.Changes, commitMessage(req), p.opts.Author)
	if errors.Is(err, errNothingToCommit) {
		miyabilog.Info("agent changes match the tree, commenting instead", "run_id", req.RunID, "branch", out.Branch)
		return p.publishComment(ctx, req)
	}
	if err != nil {
		return out, failure.New(failure.PublishFailed, "commit", err)
	}
	if err := repo.push(ctx, p.opts.Remote, out.Branch, p.opts.Token); err != nil {
		return out, p.classify(ctx, "push", err)
	}
	miyabilog.Info("branch pushed", "run_id", req.RunID, "branch", out.Branch, "commit", out.Commit)

	pr, err := p.openPullRequest(ctx, req, out.Branch, base)
	if err != nil {
		if ctx.Err() != nil {
			return out, failure.New(failure.Cancelled, "create pull request", ctx.Err())
		}
		miyabilog.Warn("pull request creation failed, branch left for recovery", "run_id", req.RunID, "branch", out.Branch, "error", err)
		// The branch is already public; a whole-run retry would push a
		// second one.
		return out, &failure.Error{Kind: failure.PartialPublish, Op: "create pull request", Retryable: false, Err: err}
	}
	out.PRNumber = pr.Number
	out.PRURL = pr.URL
	miyabilog.Info("pull request opened", "run_id", req.RunID, "pr", pr.Number, "url", pr.URL)
	return out, nil
}

// openPullRequest creates the PR with retries. Each attempt first looks
// for a PR on the branch, since a failed response may still have created
// one.
func (p *Publisher) openPullRequest(ctx context.Context, req Request, branch, base string) (*github.PRInfo, error) {
	var pr *github.PRInfo
	attempt := 0
	err := retry.Do(ctx, p.opts.Backoff, p.opts.PRAttempts, retryablePR, func(ctx context.Context) error {
		attempt++
		if attempt > 1 {
			existing, err := p.gh.FindPullRequestByHead(ctx, p.opts.Repo, branch)
			if err != nil {
				return err
			}
			if existing != nil {
				pr = existing
				return nil
			}
		}
		created, err := p.gh.CreatePullRequest(ctx, p.opts.Repo, &github.NewPullRequest{
			Title: prTitle(req),
			Body:  prBody(req),
			Head:  branch,
			Base:  base,
			Draft: p.opts.Draft,
		})
		if err != nil {
			miyabilog.Debug("create pull request attempt failed", "run_id", req.RunID, "attempt", attempt, "error", err)
			return err
		}
		pr = created
		return nil
	})
	return pr, err
}

func retryablePR(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return !github.IsAuthenticationError(err)
}

func (p *Publisher) publishComment(ctx context.Context, req Request) (Outcome, error) {
	body := fmt.Sprintf("Agent run `%s` finished without proposing changes.", req.RunID)
	if s := strings.TrimSpace(req.Result.Summary); s != "" {
		body += "\n\n" + s
	}
	id, err := p.gh.CreateIssueComment(ctx, p.opts.Repo, req.Number, body)
	if err != nil {
		return Outcome{NoChanges: true}, p.classify(ctx, "comment", err)
	}
	return Outcome{NoChanges: true, CommentID: id}, nil
}

func (p *Publisher) classify(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return failure.New(failure.Cancelled, op, ctx.Err())
	}
	return github.Classify(failure.PublishFailed, op, err)
}

func commitMessage(req Request) string {
	msg := strings.TrimSpace(req.Result.CommitMessage)
	if msg == "" {
		msg = fmt.Sprintf("Resolve #%d", req.Number)
		if req.Title != "" {
			msg += ": " + req.Title
		}
	}
	return msg + fmt.Sprintf("\n\nMiyabi-Run: %s\n", req.RunID)
}

func prTitle(req Request) string {
	if msg := strings.TrimSpace(req.Result.CommitMessage); msg != "" {
		first, _, _ := strings.Cut(msg, "\n")
		return first
	}
	if req.Title != "" {
		return req.Title
	}
	return fmt.Sprintf("Resolve #%d", req.Number)
}

func prBody(req Request) string {
	var b strings.Builder
	if s := strings.TrimSpace(req.Result.Summary); s != "" {
		b.WriteString(s)
		b.WriteString("\n\n")
	}
	if req.Number > 0 {
		fmt.Fprintf(&b, "Closes #%d\n\n", req.Number)
	}
	b.WriteString("Changed files:\n")
	for _, path := range req.Result.Paths() {
		fmt.Fprintf(&b, "- `%s`\n", path)
	}
	fmt.Fprintf(&b, "\nRun: `%s`\n", req.RunID)
	return b.String()
}
