// Command agents-executor runs the agent pipeline for a single issue: it
// submits a synthetic "opened" event, waits for every resulting run and
// exits with a status describing the outcome.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/holon-run/miyabi/pkg/config"
	"github.com/holon-run/miyabi/pkg/dispatch"
	"github.com/holon-run/miyabi/pkg/event"
	"github.com/holon-run/miyabi/pkg/failure"
	miyabilog "github.com/holon-run/miyabi/pkg/log"
	"github.com/holon-run/miyabi/pkg/pool"
	"github.com/holon-run/miyabi/pkg/task"
)

// Exit codes.
const (
	exitOK          = 0
	exitTaskFailed  = 1
	exitInvalidArgs = 2
	exitInfra       = 3
)

const envIssueNumber = "ISSUE_NUMBER"

type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func invalid(format string, args ...interface{}) error {
	return &exitError{code: exitInvalidArgs, err: fmt.Errorf(format, args...)}
}

func infra(err error) error {
	return &exitError{code: exitInfra, err: err}
}

// build is replaced in tests.
var build = dispatch.Build

// invocation is the resolved command line.
type invocation struct {
	issue       int
	concurrency int
	logLevel    miyabilog.LogLevel
	timeout     time.Duration
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "agents-executor <issueNumber> [concurrency] [logLevel]",
		Short: "Run the agent pipeline for one issue",
		Long: `Run the agent pipeline for one issue and open a pull request with the result.

Positional arguments take precedence; ISSUE_NUMBER, CONCURRENCY and LOG_LEVEL
are read only when the matching argument is absent.

Exit codes:
  0  every run succeeded
  1  a run failed
  2  invalid arguments or configuration
  3  infrastructure failure (queue full, source host unreachable, interrupted)`,
		Args:          cobra.MaximumNArgs(3),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			v := config.New()
			inv, err := resolve(args, v.GetString(envIssueNumber), v.GetString(config.EnvConcurrency), v.GetString(config.EnvLogLevel))
			if err != nil {
				return err
			}
			inv.timeout = timeout
			v.Set(config.EnvConcurrency, inv.concurrency)
			v.Set(config.EnvLogLevel, string(inv.logLevel))

			cfg, err := config.FromViper(v)
			if err != nil {
				return invalid("%v", err)
			}
			if err := cfg.Validate(); err != nil {
				return invalid("%v", err)
			}
			if _, err := cfg.Repo(); err != nil {
				return invalid("%v", err)
			}
			if cfg.AgentCommand == "" && cfg.AgentImage == "" {
				return invalid("no agent configured: set %s or %s", config.EnvAgentCommand, config.EnvAgentImage)
			}
			if err := miyabilog.Init(miyabilog.Config{Level: inv.logLevel, Output: stderr}); err != nil {
				return invalid("failed to initialize logger: %v", err)
			}
			defer miyabilog.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return execute(ctx, cfg, inv, stdout)
		},
	}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Give up waiting after this long (0 = no limit)")
	return cmd
}

// resolve applies the positional-over-environment precedence and validates
// every value.
func resolve(args []string, envIssue, envConcurrency, envLevel string) (invocation, error) {
	issueStr := envIssue
	if len(args) > 0 {
		issueStr = args[0]
	}
	concurrencyStr := envConcurrency
	if len(args) > 1 {
		concurrencyStr = args[1]
	}
	levelStr := envLevel
	if len(args) > 2 {
		levelStr = args[2]
	}

	var inv invocation
	issueStr = strings.TrimPrefix(strings.TrimSpace(issueStr), "#")
	if issueStr == "" {
		return inv, invalid("issue number is required (argument or %s)", envIssueNumber)
	}
	n, err := strconv.Atoi(issueStr)
	if err != nil || n <= 0 {
		return inv, invalid("invalid issue number %q", issueStr)
	}
	inv.issue = n

	inv.concurrency = config.DefaultConcurrency
	if s := strings.TrimSpace(concurrencyStr); s != "" {
		c, err := strconv.Atoi(s)
		if err != nil || c <= 0 {
			return inv, invalid("invalid concurrency %q: must be a positive integer", s)
		}
		inv.concurrency = c
	}

	level, err := miyabilog.ParseLevel(levelStr)
	if err != nil {
		return inv, invalid("%v", err)
	}
	inv.logLevel = level
	return inv, nil
}

func execute(ctx context.Context, cfg config.Config, inv invocation, stdout io.Writer) error {
	svc, err := build(ctx, cfg, dispatch.Deps{})
	if err != nil {
		return infra(err)
	}
	defer svc.Close()

	if err := svc.Start(ctx); err != nil {
		return infra(err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownDeadline)
		defer cancel()
		if err := svc.Shutdown(shutdownCtx, ctx.Err() == nil); err != nil {
			miyabilog.Warn("shutdown incomplete", "error", err)
		}
	}()

	ev, err := event.NewDecoder(nil).FromArgs(string(event.KindIssue), "opened", strconv.Itoa(inv.issue), map[string]interface{}{
		"repository": cfg.Repository,
	})
	if err != nil {
		return invalid("%v", err)
	}
	miyabilog.Info("executing agents", "issue", inv.issue, "repo", cfg.Repository, "concurrency", inv.concurrency, "log_level", inv.logLevel)

	sub, err := svc.Submit(ctx, ev)
	if err != nil {
		return infra(err)
	}
	if len(sub.Offers) == 0 {
		return &exitError{code: exitTaskFailed, err: fmt.Errorf("no task routed for issue #%d", inv.issue)}
	}

	waitCtx := ctx
	if inv.timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, inv.timeout)
		defer cancel()
	}
	results, err := svc.Wait(waitCtx)
	if err != nil {
		return infra(fmt.Errorf("interrupted while waiting for runs: %w", err))
	}

	for _, f := range results {
		printRun(stdout, f)
	}
	return outcome(results)
}

func printRun(w io.Writer, f pool.Finished) {
	r := f.Run
	line := fmt.Sprintf("%s\t%s\ttarget=%s\tstate=%s", r.ID, r.Task.Kind, r.Task.Target, r.State)
	if r.PRURL != "" {
		line += "\tpr=" + r.PRURL
	}
	if r.Error != nil {
		line += fmt.Sprintf("\terror=%s: %s", r.Error.Kind, r.Error.Message)
	}
	fmt.Fprintln(w, line)
}

// outcome maps final runs onto an exit status. Infrastructure errors win
// over task failures.
func outcome(results []pool.Finished) error {
	var taskErr, infraErr error
	for _, f := range results {
		if f.Run.State == task.StateSucceeded || f.Run.Superseded {
			continue
		}
		err := f.Err
		if err == nil {
			err = fmt.Errorf("run %s ended %s", f.Run.ID, f.Run.State)
		}
		if isInfra(err) {
			infraErr = errors.Join(infraErr, err)
		} else {
			taskErr = errors.Join(taskErr, err)
		}
	}
	switch {
	case infraErr != nil:
		return infra(infraErr)
	case taskErr != nil:
		return &exitError{code: exitTaskFailed, err: taskErr}
	}
	return nil
}

func isInfra(err error) bool {
	switch failure.KindOf(err) {
	case failure.FetchFailed, failure.PublishFailed, failure.PartialPublish, failure.QueueFull:
		return true
	}
	return failure.IsRetryable(err)
}

// run executes the command and returns the process exit code.
func run(args []string, stdout, stderr io.Writer) int {
	cmd := newRootCmd(stdout, stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	if err == nil {
		return exitOK
	}
	fmt.Fprintf(stderr, "Error: %v\n", err)
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	// Argument-count and flag errors come from cobra itself.
	return exitInvalidArgs
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}
