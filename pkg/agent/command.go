package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/holon-run/miyabi/pkg/failure"
	miyabilog "github.com/holon-run/miyabi/pkg/log"
	"github.com/holon-run/miyabi/pkg/logs/redact"
)

// DefaultCancelGrace is how long a cancelled agent may take to exit
// before it is killed.
const DefaultCancelGrace = 10 * time.Second

// commandOutput is the stdout contract of a command agent. A non-empty
// Error is a task-level failure.
type commandOutput struct {
	Result
	Error string `json:"error,omitempty"`
}

// Command runs an external program. The Request is written to stdin as
// JSON; the program prints a Result (plus optional "error") as JSON on
// stdout. Stderr is logged.
type Command struct {
	Path string
	Args []string
	Env  []string
	// Grace is the time between the interrupt sent on cancellation and
	// the kill.
	Grace    time.Duration
	Redactor *redact.Redactor
}

// NewCommand parses a shell-style command line (whitespace separated, no
// quoting).
func NewCommand(commandLine string) (*Command, error) {
	fields := strings.Fields(commandLine)
	if len(fields) == 0 {
		return nil, fmt.Errorf("agent command cannot be empty")
	}
	return &Command{Path: fields[0], Args: fields[1:], Grace: DefaultCancelGrace}, nil
}

// Run executes the command in the request's workspace.
func (c *Command) Run(ctx context.Context, req Request) (Result, error) {
	input, err := json.Marshal(req)
	if err != nil {
		return Result{}, fmt.Errorf("marshal agent request: %w", err)
	}

	cmd := exec.CommandContext(ctx, c.Path, c.Args...)
	cmd.Dir = req.Workspace
	cmd.Env = append(os.Environ(), c.Env...)
	cmd.Env = append(cmd.Env, "MIYABI_RUN_ID="+req.RunID, "MIYABI_TASK_ID="+req.TaskID, "MIYABI_WORKSPACE="+req.Workspace)
	cmd.Stdin = bytes.NewReader(input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.Cancel = func() error {
		return cmd.Process.Signal(os.Interrupt)
	}
	cmd.WaitDelay = c.grace()

	runErr := cmd.Run()
	c.logStderr(req.RunID, stderr.Bytes())

	if ctxErr := ctx.Err(); ctxErr != nil {
		return Result{}, ctxErr
	}

	var out commandOutput
	decodeErr := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &out)
	if decodeErr == nil && out.Error != "" {
		return Result{}, Fail("%s", out.Error)
	}
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			return Result{}, failure.New(failure.Unexpected, "agent command", fmt.Errorf("exited with code %d: %s", exitErr.ExitCode(), lastLine(stderr.String())))
		}
		return Result{}, failure.New(failure.Unexpected, "agent command", runErr)
	}
	if decodeErr != nil {
		return Result{}, failure.New(failure.Unexpected, "agent command", fmt.Errorf("invalid agent output: %w", decodeErr))
	}
	return out.Result, nil
}

func (c *Command) grace() time.Duration {
	if c.Grace > 0 {
		return c.Grace
	}
	return DefaultCancelGrace
}

func (c *Command) logStderr(runID string, data []byte) {
	if len(data) == 0 {
		return
	}
	data = c.Redactor.Redact(data)
	for _, line := range strings.Split(strings.TrimRight(string(data), "\n"), "\n") {
		miyabilog.Debug("agent", "run_id", runID, "stderr", line)
	}
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndex(s, "\n"); i >= 0 {
		return s[i+1:]
	}
	return s
}
