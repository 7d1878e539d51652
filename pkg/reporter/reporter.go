// Package reporter mirrors run progress onto the issue or pull request a
// task serves: an acknowledgement when a task is first claimed and a summary
// when a run ends.
package reporter

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/holon-run/miyabi/pkg/failure"
	"github.com/holon-run/miyabi/pkg/github"
	miyabilog "github.com/holon-run/miyabi/pkg/log"
	"github.com/holon-run/miyabi/pkg/logs/redact"
	"github.com/holon-run/miyabi/pkg/task"
)

// Client is the part of the source-host client the reporter calls.
type Client interface {
	FetchIssueComments(ctx context.Context, repo github.Repo, number int) ([]github.IssueComment, error)
	CreateIssueComment(ctx context.Context, repo github.Repo, number int, body string) (int64, error)
}

// Marker is the hidden line that makes a comment idempotent by task and
// state.
func Marker(taskID, state string) string {
	return fmt.Sprintf("<!-- miyabi:%s:%s -->", taskID, state)
}

type key struct {
	taskID string
	state  task.State
}

// Reporter implements runtime.Observer.
type Reporter struct {
	gh       Client
	repo     github.Repo
	redactor *redact.Redactor

	mu     sync.Mutex
	posted map[key]bool
}

// Option configures a Reporter.
type Option func(*Reporter)

// WithRedactor scrubs error messages before they are posted.
func WithRedactor(r *redact.Redactor) Option {
	return func(rep *Reporter) { rep.redactor = r }
}

// New creates a Reporter for repo. Tasks carrying their own repository
// override it.
func New(gh Client, repo github.Repo, opts ...Option) *Reporter {
	r := &Reporter{gh: gh, repo: repo, posted: make(map[key]bool)}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Observe posts a comment for claimed and terminal transitions. A failed
// attempt that will be retried is only logged, so each task gets at most
// one comment per state. Failures to comment are logged, never returned.
func (r *Reporter) Observe(ctx context.Context, tr task.Transition) {
	if tr.To != task.StateClaimed && !tr.To.Terminal() {
		return
	}
	run := tr.Run
	if tr.To == task.StateFailed && run.Retryable {
		kind := failure.Unexpected
		if run.Error != nil {
			kind = run.Error.Kind
		}
		miyabilog.Info("attempt failed, not reporting until the task gives up", "run_id", run.ID, "task_id", run.TaskID, "attempt", run.Task.Attempts+1, "kind", kind)
		return
	}
	number, err := strconv.Atoi(run.Task.Target)
	if err != nil || number <= 0 {
		miyabilog.Debug("run has no issue to report on", "run_id", run.ID, "target", run.Task.Target, "state", tr.To)
		return
	}
	repo := r.repo
	if run.Task.Repository != "" {
		if parsed, err := github.ParseRepo(run.Task.Repository); err == nil {
			repo = parsed
		}
	}

	k := key{taskID: run.TaskID, state: tr.To}
	r.mu.Lock()
	done := r.posted[k]
	r.mu.Unlock()
	if done {
		return
	}

	marker := Marker(run.TaskID, string(k.state))
	if exists, err := r.hasMarker(ctx, repo, number, marker); err != nil {
		miyabilog.Warn("failed to list comments", "run_id", run.ID, "issue", number, "error", err)
	} else if exists {
		r.markPosted(k)
		return
	}

	body := marker + "\n" + r.render(tr)
	if _, err := r.gh.CreateIssueComment(ctx, repo, number, body); err != nil {
		miyabilog.Warn("failed to post run comment", "run_id", run.ID, "issue", number, "state", tr.To, "error", err)
		return
	}
	r.markPosted(k)
	miyabilog.Debug("run comment posted", "run_id", run.ID, "issue", number, "state", tr.To)
}

func (r *Reporter) markPosted(k key) {
	r.mu.Lock()
	r.posted[k] = true
	r.mu.Unlock()
}

func (r *Reporter) hasMarker(ctx context.Context, repo github.Repo, number int, marker string) (bool, error) {
	comments, err := r.gh.FetchIssueComments(ctx, repo, number)
	if err != nil {
		return false, err
	}
	for _, c := range comments {
		if strings.Contains(c.Body, marker) {
			return true, nil
		}
	}
	return false, nil
}

func (r *Reporter) render(tr task.Transition) string {
	run := tr.Run
	var b strings.Builder
	switch tr.To {
	case task.StateClaimed:
		fmt.Fprintf(&b, "Picked up as task `%s` (%s). Run `%s` started.", run.TaskID, run.Task.Kind, run.ID)
	case task.StateSucceeded:
		fmt.Fprintf(&b, "Run `%s` succeeded.", run.ID)
		if run.PRURL != "" {
			fmt.Fprintf(&b, "\n\nPull request: %s", run.PRURL)
		} else {
			b.WriteString("\n\nNo changes were proposed.")
		}
	case task.StateFailed:
		kind, msg := "Unexpected", ""
		if run.Error != nil {
			kind, msg = string(run.Error.Kind), r.redactor.String(run.Error.Message)
		}
		fmt.Fprintf(&b, "Run `%s` failed: **%s**.", run.ID, kind)
		if msg != "" {
			fmt.Fprintf(&b, "\n\n```\n%s\n```", msg)
		}
		if run.Branch != "" && kind == string(failure.PartialPublish) {
			fmt.Fprintf(&b, "\n\nBranch `%s` was pushed and left for manual recovery.", run.Branch)
		}
		if run.Task.Attempts > 0 {
			fmt.Fprintf(&b, "\n\nGave up after %d attempts.", run.Task.Attempts+1)
		}
	case task.StateCancelled:
		fmt.Fprintf(&b, "Run `%s` was cancelled", run.ID)
		if run.Superseded {
			b.WriteString(" because a newer event superseded it.")
		} else {
			b.WriteString(".")
		}
	}
	return b.String()
}
