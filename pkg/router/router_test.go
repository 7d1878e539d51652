package router

import (
	"testing"

	"github.com/holon-run/miyabi/pkg/event"
	"github.com/holon-run/miyabi/pkg/task"
)

func mustEvent(t *testing.T, kind, action, id string, payload map[string]interface{}) event.Event {
	t.Helper()
	ev, err := event.NewDecoder(nil).FromArgs(kind, action, id, payload)
	if err != nil {
		t.Fatalf("FromArgs(%s %s %s) error = %v", kind, action, id, err)
	}
	return ev
}

func TestDefaultTable(t *testing.T) {
	r := New(Options{})
	tests := []struct {
		name       string
		ev         event.Event
		wantKind   task.Kind
		wantTarget string
		supersede  bool
	}{
		{"issue opened", mustEvent(t, "issue", "opened", "42", nil), task.KindAgentRun, "42", false},
		{"issue labeled", mustEvent(t, "issue", "labeled", "42", nil), task.KindAgentRun, "42", false},
		{"issue reopened", mustEvent(t, "issue", "reopened", "42", nil), task.KindAgentRun, "42", false},
		{"issue closed", mustEvent(t, "issue", "closed", "42", nil), "", "", true},
		{"issue deleted", mustEvent(t, "issue", "deleted", "42", nil), "", "", true},
		{"issue edited", mustEvent(t, "issue", "edited", "42", nil), "", "", false},
		{"pr opened", mustEvent(t, "pr", "opened", "7", nil), task.KindStateMachine, "7", false},
		{"pr synchronize", mustEvent(t, "pr", "synchronize", "7", nil), task.KindStateMachine, "7", false},
		{"pr merged", mustEvent(t, "pr", "closed", "7", map[string]interface{}{"merged": true}), task.KindPostMerge, "7", false},
		{"pr closed unmerged", mustEvent(t, "pr", "closed", "7", nil), "", "", false},
		{"push main", mustEvent(t, "push", "pushed", "refs/heads/main", nil), task.KindBuildAndDeploy, "refs/heads/main", false},
		{"push feature", mustEvent(t, "push", "pushed", "refs/heads/feature", nil), "", "", false},
		{"command comment", mustEvent(t, "comment", "created", "9", map[string]interface{}{"body": "/agent retry"}), task.KindAgentCommand, "9", false},
		{"plain comment", mustEvent(t, "comment", "created", "9", map[string]interface{}{"body": "thanks"}), "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := r.Route(tt.ev)
			if tt.wantKind == "" {
				if len(d.Tasks) != 0 {
					t.Fatalf("expected no tasks, got %+v", d.Tasks)
				}
			} else {
				if len(d.Tasks) != 1 {
					t.Fatalf("expected one task, got %d", len(d.Tasks))
				}
				if d.Tasks[0].Kind != tt.wantKind || d.Tasks[0].Target != tt.wantTarget {
					t.Errorf("task = %s/%s, want %s/%s", d.Tasks[0].Kind, d.Tasks[0].Target, tt.wantKind, tt.wantTarget)
				}
			}
			if got := len(d.Supersede) > 0; got != tt.supersede {
				t.Errorf("supersede = %v, want %v", d.Supersede, tt.supersede)
			}
		})
	}
}

func TestFirstMatchWins(t *testing.T) {
	rules := []Rule{
		{Name: "drop-bots", Kind: event.KindIssue, Match: func(ev event.Event) bool { return ev.Actor == "bot" }},
		{Name: "run", Kind: event.KindIssue, Actions: []string{AnyAction}, Template: &Template{Kind: task.KindAgentRun}},
	}
	r := WithRules(Options{}, rules)

	bot := mustEvent(t, "issue", "opened", "1", map[string]interface{}{"actor": "bot"})
	if d := r.Route(bot); d.Rule != "drop-bots" || len(d.Tasks) != 0 {
		t.Errorf("bot event decision = %+v", d)
	}
	human := mustEvent(t, "issue", "opened", "1", map[string]interface{}{"actor": "alice"})
	if d := r.Route(human); d.Rule != "run" || len(d.Tasks) != 1 {
		t.Errorf("human event decision = %+v", d)
	}
}

func TestIsProtectedRef(t *testing.T) {
	patterns := []string{"main", "release/*", "refs/tags/v*"}
	tests := []struct {
		ref  string
		want bool
	}{
		{"refs/heads/main", true},
		{"main", true},
		{"refs/heads/release/1.2", true},
		{"refs/tags/v1.0.0", true},
		{"refs/heads/feature", false},
		{"refs/heads/mainline", false},
	}
	for _, tt := range tests {
		if got := IsProtectedRef(tt.ref, patterns); got != tt.want {
			t.Errorf("IsProtectedRef(%q) = %v, want %v", tt.ref, got, tt.want)
		}
	}
}

func TestRouteIsDeterministic(t *testing.T) {
	r := New(Options{Sigil: "!"})
	ev := mustEvent(t, "comment", "created", "5", map[string]interface{}{"body": "!fix"})
	a, b := r.Route(ev), r.Route(ev)
	if len(a.Tasks) != 1 || a.Tasks[0].ID != b.Tasks[0].ID {
		t.Fatalf("route not deterministic: %+v vs %+v", a, b)
	}
}
