// Package router maps decoded events to tasks using a static dispatch table.
package router

import (
	"path"
	"strconv"
	"strings"

	"github.com/holon-run/miyabi/pkg/event"
	"github.com/holon-run/miyabi/pkg/task"
)

// DefaultSigil prefixes comment bodies that are agent commands.
const DefaultSigil = "/"

// AnyAction matches every action.
const AnyAction = "*"

// Template describes the task a rule produces.
type Template struct {
	Kind task.Kind
	// Target picks the task target from the event. Nil uses the identifier.
	Target func(ev event.Event) string
}

// Rule is one dispatch table entry. A rule with a nil Template matches
// and produces nothing, which stops evaluation.
type Rule struct {
	Name    string
	Kind    event.Kind
	Actions []string
	// Match further restricts the rule; nil matches everything.
	Match    func(ev event.Event) bool
	Template *Template
	// Supersede cancels in-flight runs for the event's target.
	Supersede bool
}

func (r Rule) matches(ev event.Event) bool {
	if r.Kind != ev.Kind {
		return false
	}
	if len(r.Actions) > 0 {
		found := false
		for _, a := range r.Actions {
			if a == AnyAction || a == ev.Action {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return r.Match == nil || r.Match(ev)
}

// Decision is the router's output for a single event.
type Decision struct {
	Rule  string
	Tasks []task.Task
	// Supersede lists targets whose in-flight runs should be cancelled.
	Supersede []string
}

// Options configures the default table.
type Options struct {
	ProtectedRefs   []string
	Sigil           string
	ConcurrencyHint int
	LogLevel        task.LogLevel
}

// Router evaluates rules in declaration order; the first match wins.
type Router struct {
	rules []Rule
	opts  Options
}

// New builds a router with the default dispatch table.
func New(opts Options) *Router {
	if opts.Sigil == "" {
		opts.Sigil = DefaultSigil
	}
	if len(opts.ProtectedRefs) == 0 {
		opts.ProtectedRefs = []string{"main", "master"}
	}
	r := &Router{opts: opts}
	r.rules = DefaultRules(opts)
	return r
}

// WithRules builds a router over a caller-supplied table.
func WithRules(opts Options, rules []Rule) *Router {
	copied := make([]Rule, len(rules))
	copy(copied, rules)
	return &Router{rules: copied, opts: opts}
}

// Rules returns a copy of the table.
func (r *Router) Rules() []Rule {
	out := make([]Rule, len(r.rules))
	copy(out, r.rules)
	return out
}

// Route returns the tasks for ev. It does no I/O.
func (r *Router) Route(ev event.Event) Decision {
	for _, rule := range r.rules {
		if !rule.matches(ev) {
			continue
		}
		d := Decision{Rule: rule.Name}
		if rule.Supersede {
			d.Supersede = append(d.Supersede, targetOf(ev))
		}
		if rule.Template != nil {
			target := targetOf(ev)
			if rule.Template.Target != nil {
				target = rule.Template.Target(ev)
			}
			d.Tasks = append(d.Tasks, task.New(rule.Template.Kind, ev, target, r.opts.ConcurrencyHint, r.opts.LogLevel))
		}
		return d
	}
	return Decision{}
}

// DefaultRules returns the standard table.
func DefaultRules(opts Options) []Rule {
	sigil := opts.Sigil
	if sigil == "" {
		sigil = DefaultSigil
	}
	protected := opts.ProtectedRefs
	return []Rule{
		{
			Name:     "issue-agent-run",
			Kind:     event.KindIssue,
			Actions:  []string{"opened", "labeled", "reopened"},
			Template: &Template{Kind: task.KindAgentRun},
		},
		{
			Name:      "issue-closed",
			Kind:      event.KindIssue,
			Actions:   []string{"closed", "deleted"},
			Supersede: true,
		},
		{
			Name:     "pr-state-machine",
			Kind:     event.KindPR,
			Actions:  []string{"opened", "synchronize"},
			Template: &Template{Kind: task.KindStateMachine},
		},
		{
			Name:    "pr-post-merge",
			Kind:    event.KindPR,
			Actions: []string{"closed"},
			Match: func(ev event.Event) bool {
				pr, ok := ev.PR()
				return ok && pr.Merged
			},
			Template: &Template{Kind: task.KindPostMerge},
		},
		{
			Name:    "push-build-and-deploy",
			Kind:    event.KindPush,
			Actions: []string{AnyAction},
			Match: func(ev event.Event) bool {
				return IsProtectedRef(ev.Identifier, protected)
			},
			Template: &Template{Kind: task.KindBuildAndDeploy},
		},
		{
			Name:    "comment-agent-command",
			Kind:    event.KindComment,
			Actions: []string{AnyAction},
			Match: func(ev event.Event) bool {
				c, ok := ev.Comment()
				return ok && strings.HasPrefix(strings.TrimSpace(c.Text), sigil)
			},
			Template: &Template{Kind: task.KindAgentCommand},
		},
		{
			Name:    "comment-ignored",
			Kind:    event.KindComment,
			Actions: []string{AnyAction},
		},
	}
}

// IsProtectedRef matches ref against patterns. Patterns may be full refs
// ("refs/heads/main"), short branch names ("main") or path globs
// ("release/*").
func IsProtectedRef(ref string, patterns []string) bool {
	short := strings.TrimPrefix(ref, "refs/heads/")
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		candidate := short
		if strings.HasPrefix(p, "refs/") {
			candidate = ref
		}
		if ok, err := path.Match(p, candidate); err == nil && ok {
			return true
		}
	}
	return false
}

func targetOf(ev event.Event) string {
	if c, ok := ev.Comment(); ok && c.ParentNumber > 0 {
		return strconv.Itoa(c.ParentNumber)
	}
	return ev.Identifier
}
