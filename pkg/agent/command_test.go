package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"testing"
	"time"

	"github.com/holon-run/miyabi/pkg/failure"
)

// TestHelperProcess is the fake agent started by the command tests.
func TestHelperProcess(t *testing.T) {
	mode := os.Getenv("MIYABI_HELPER_AGENT")
	if mode == "" {
		return
	}
	var req Request
	data, _ := io.ReadAll(os.Stdin)
	_ = json.Unmarshal(data, &req)

	switch mode {
	case "ok":
		fmt.Fprintln(os.Stderr, "working on", req.Target)
		out := commandOutput{Result: Result{
			Changes:       []Change{{Path: "NOTES.md", Content: "run " + os.Getenv("MIYABI_RUN_ID")}},
			CommitMessage: "Add notes for " + req.Target,
		}}
		_ = json.NewEncoder(os.Stdout).Encode(out)
		os.Exit(0)
	case "logic":
		fmt.Fprint(os.Stdout, `{"error":"issue is not actionable"}`)
		os.Exit(1)
	case "crash":
		fmt.Fprintln(os.Stderr, "panic: boom")
		os.Exit(3)
	case "garbage":
		fmt.Fprint(os.Stdout, "not json")
		os.Exit(0)
	case "hang":
		time.Sleep(time.Minute)
		os.Exit(0)
	}
	os.Exit(2)
}

func helperCommand(t *testing.T, mode string) *Command {
	t.Helper()
	return &Command{
		Path:  os.Args[0],
		Args:  []string{"-test.run=TestHelperProcess"},
		Env:   []string{"MIYABI_HELPER_AGENT=" + mode},
		Grace: time.Second,
	}
}

func helperRequest(t *testing.T) Request {
	return Request{RunID: "run-1", TaskID: "task-1", Target: "issue-7", Workspace: t.TempDir()}
}

func TestCommandRun(t *testing.T) {
	res, err := helperCommand(t, "ok").Run(context.Background(), helperRequest(t))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(res.Changes) != 1 || res.Changes[0].Path != "NOTES.md" || res.Changes[0].Content != "run run-1" {
		t.Errorf("Changes = %+v", res.Changes)
	}
	if res.CommitMessage != "Add notes for issue-7" {
		t.Errorf("CommitMessage = %q", res.CommitMessage)
	}
}

func TestCommandFailures(t *testing.T) {
	tests := []struct {
		mode          string
		wantKind      failure.Kind
		wantRetryable bool
	}{
		{mode: "logic", wantKind: failure.AgentLogicError},
		{mode: "crash", wantKind: failure.Unexpected},
		{mode: "garbage", wantKind: failure.Unexpected},
	}
	for _, tt := range tests {
		t.Run(tt.mode, func(t *testing.T) {
			_, err := helperCommand(t, tt.mode).Run(context.Background(), helperRequest(t))
			if err == nil {
				t.Fatal("Run() expected error")
			}
			if got := failure.KindOf(err); got != tt.wantKind {
				t.Errorf("KindOf() = %v, want %v (err %v)", got, tt.wantKind, err)
			}
			if got := failure.IsRetryable(err); got != tt.wantRetryable {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.wantRetryable)
			}
		})
	}
}

func TestCommandCancelled(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := helperCommand(t, "hang").Run(ctx, helperRequest(t))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Run() error = %v, want deadline exceeded", err)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Errorf("cancelled agent took %v to stop", elapsed)
	}
}

func TestNewCommand(t *testing.T) {
	c, err := NewCommand("  ./bin/agent --mode fix ")
	if err != nil {
		t.Fatal(err)
	}
	if c.Path != "./bin/agent" || len(c.Args) != 2 || c.Args[1] != "fix" {
		t.Errorf("NewCommand() = %+v", c)
	}
	if _, err := NewCommand("   "); err == nil {
		t.Error("NewCommand() expected error for blank line")
	}
}
