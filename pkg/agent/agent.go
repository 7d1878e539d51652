// Package agent defines the capability the runtime invokes for a task and
// the implementations shipped with miyabi: in-process functions, a local
// command speaking JSON on stdio, and a Docker container.
package agent

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/holon-run/miyabi/pkg/event"
	"github.com/holon-run/miyabi/pkg/failure"
	"github.com/holon-run/miyabi/pkg/github"
	"github.com/holon-run/miyabi/pkg/task"
)

// Agent proposes changes for one run. Implementations must return
// promptly once ctx is done.
type Agent interface {
	Run(ctx context.Context, req Request) (Result, error)
}

// Func adapts a function to Agent.
type Func func(ctx context.Context, req Request) (Result, error)

// Run calls f.
func (f Func) Run(ctx context.Context, req Request) (Result, error) {
	return f(ctx, req)
}

// Request is everything an agent sees.
type Request struct {
	RunID    string    `json:"run_id"`
	TaskID   string    `json:"task_id"`
	TaskKind task.Kind `json:"task_kind"`
	Target   string    `json:"target"`
	Event    EventInfo `json:"event"`
	Context  Context   `json:"context"`
	// Workspace is the checkout the agent may read and modify. Changes
	// are only published through Result.Changes.
	Workspace string `json:"workspace"`
}

// EventInfo is the serializable part of the triggering event.
type EventInfo struct {
	Kind       event.Kind `json:"kind"`
	Action     string     `json:"action"`
	Identifier string     `json:"identifier"`
	Actor      string     `json:"actor,omitempty"`
	Repository string     `json:"repository,omitempty"`
}

// NewEventInfo projects ev.
func NewEventInfo(ev event.Event) EventInfo {
	return EventInfo{
		Kind:       ev.Kind,
		Action:     ev.Action,
		Identifier: ev.Identifier,
		Actor:      ev.Actor,
		Repository: ev.Repository,
	}
}

// Context is the source-host state fetched before execution.
type Context struct {
	Issue    *github.IssueInfo     `json:"issue,omitempty"`
	PR       *github.PRInfo        `json:"pull_request,omitempty"`
	Comments []github.IssueComment `json:"comments,omitempty"`
	// LinkedFiles maps workspace-relative paths mentioned in the issue to
	// their current content.
	LinkedFiles map[string]string `json:"linked_files,omitempty"`
	// Command and Args are set for agent-command tasks.
	Command string   `json:"command,omitempty"`
	Args    []string `json:"args,omitempty"`
}

// Change is one proposed file operation.
type Change struct {
	Path    string `json:"path"`
	Content string `json:"content,omitempty"`
	Delete  bool   `json:"delete,omitempty"`
}

// Result is what an agent proposes.
type Result struct {
	Changes       []Change `json:"changes"`
	CommitMessage string   `json:"commit_message"`
	Summary       string   `json:"summary,omitempty"`
}

// Empty reports whether the result proposes no changes.
func (r Result) Empty() bool {
	return len(r.Changes) == 0
}

// Paths returns the changed paths, sorted.
func (r Result) Paths() []string {
	out := make([]string, 0, len(r.Changes))
	for _, c := range r.Changes {
		out = append(out, c.Path)
	}
	sort.Strings(out)
	return out
}

// Fail reports a task-level failure decided by the agent. It is terminal.
func Fail(format string, args ...interface{}) error {
	return failure.Errorf(failure.AgentLogicError, "agent", format, args...)
}

// ValidateChanges rejects change sets that escape the workspace, touch
// .git, or name a path twice.
func ValidateChanges(changes []Change) error {
	seen := make(map[string]bool, len(changes))
	var errs []error
	for i, c := range changes {
		p := c.Path
		switch {
		case p == "":
			errs = append(errs, fmt.Errorf("change %d: empty path", i))
			continue
		case strings.HasPrefix(p, "/") || strings.Contains(p, "\\"):
			errs = append(errs, fmt.Errorf("change %d: path must be relative with forward slashes: %s", i, p))
			continue
		}
		clean := path.Clean(p)
		if clean != p || clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
			errs = append(errs, fmt.Errorf("change %d: path is not canonical or escapes the workspace: %s", i, p))
			continue
		}
		if clean == ".git" || strings.HasPrefix(clean, ".git/") {
			errs = append(errs, fmt.Errorf("change %d: path inside .git: %s", i, p))
			continue
		}
		if seen[clean] {
			errs = append(errs, fmt.Errorf("change %d: duplicate path: %s", i, p))
			continue
		}
		seen[clean] = true
		if c.Delete && c.Content != "" {
			errs = append(errs, fmt.Errorf("change %d: delete with content: %s", i, p))
		}
	}
	return errors.Join(errs...)
}
