package runtime

import (
	"context"
	"errors"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/holon-run/miyabi/pkg/agent"
	"github.com/holon-run/miyabi/pkg/failure"
	"github.com/holon-run/miyabi/pkg/github"
	"github.com/holon-run/miyabi/pkg/task"
)

const (
	maxLinkedFiles    = 8
	maxLinkedFileSize = 64 << 10
)

// fetch gathers the source-host context for t within FetchTimeout.
func (r *Runtime) fetch(ctx context.Context, t task.Task, repo github.Repo, number int) (agent.Context, error) {
	var rc agent.Context
	if number == 0 {
		return rc, nil
	}
	fetchCtx, cancel := context.WithTimeout(ctx, r.opts.FetchTimeout)
	defer cancel()

	wrap := func(op string, err error) error {
		switch {
		case ctx.Err() != nil:
			return failure.New(failure.Cancelled, op, ctx.Err())
		case errors.Is(fetchCtx.Err(), context.DeadlineExceeded):
			return failure.New(failure.Timeout, op, err)
		}
		return github.Classify(failure.FetchFailed, op, err)
	}

	switch t.Kind {
	case task.KindStateMachine, task.KindPostMerge:
		pr, err := r.source.FetchPR(fetchCtx, repo, number)
		if err != nil {
			return rc, wrap("fetch pull request", err)
		}
		rc.PR = pr
	default:
		issue, err := r.source.FetchIssue(fetchCtx, repo, number)
		if err != nil {
			return rc, wrap("fetch issue", err)
		}
		rc.Issue = issue
	}
	comments, err := r.source.FetchIssueComments(fetchCtx, repo, number)
	if err != nil {
		return rc, wrap("fetch comments", err)
	}
	rc.Comments = comments

	if t.Kind == task.KindAgentCommand {
		if c, ok := t.Event.Comment(); ok {
			rc.Command, rc.Args = parseCommand(c.Text, r.opts.Sigil)
		}
	}
	return rc, nil
}

// parseCommand splits "/fix lint errors" into "fix" and its arguments.
func parseCommand(text, sigil string) (string, []string) {
	line, _, _ := strings.Cut(strings.TrimSpace(text), "\n")
	fields := strings.Fields(strings.TrimPrefix(line, sigil))
	if len(fields) == 0 {
		return "", nil
	}
	return fields[0], fields[1:]
}

var codeSpan = regexp.MustCompile("`([^`\\s]+)`")

// linkedFiles reads the workspace files an issue or PR body names in code
// spans, so the agent sees them without searching.
func linkedFiles(root string, rc agent.Context) map[string]string {
	var body string
	switch {
	case rc.Issue != nil:
		body = rc.Issue.Body
	case rc.PR != nil:
		body = rc.PR.Body
	}
	if body == "" {
		return nil
	}
	out := make(map[string]string)
	for _, m := range codeSpan.FindAllStringSubmatch(body, -1) {
		if len(out) >= maxLinkedFiles {
			break
		}
		p := path.Clean(strings.TrimPrefix(m[1], "./"))
		if p == "." || path.IsAbs(p) || strings.HasPrefix(p, "../") || p == ".." || strings.HasPrefix(p, ".git/") {
			continue
		}
		if _, seen := out[p]; seen {
			continue
		}
		full := filepath.Join(root, filepath.FromSlash(p))
		info, err := os.Lstat(full)
		if err != nil || !info.Mode().IsRegular() || info.Size() > maxLinkedFileSize {
			continue
		}
		data, err := os.ReadFile(full)
		if err != nil {
			continue
		}
		out[p] = string(data)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
