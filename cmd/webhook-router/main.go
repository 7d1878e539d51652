// Command webhook-router routes source-host events to dispatch rules. With
// positional arguments it decodes one event and prints the fingerprints of
// the tasks it would create; the serve subcommand runs the HTTP ingress in
// front of a live dispatcher.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/holon-run/miyabi/pkg/config"
	"github.com/holon-run/miyabi/pkg/event"
	"github.com/holon-run/miyabi/pkg/failure"
	miyabilog "github.com/holon-run/miyabi/pkg/log"
	"github.com/holon-run/miyabi/pkg/router"
	"github.com/holon-run/miyabi/pkg/task"
)

const (
	exitOK          = 0
	exitFailed      = 1
	exitInvalidArgs = 2
)

type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func invalid(err error) error {
	return &exitError{code: exitInvalidArgs, err: err}
}

// routed is one line of --json output.
type routed struct {
	Fingerprint string    `json:"fingerprint"`
	Kind        task.Kind `json:"kind"`
	Target      string    `json:"target"`
	Rule        string    `json:"rule"`
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	var (
		payloadJSON string
		asJSON      bool
	)
	cmd := &cobra.Command{
		Use:   "webhook-router <eventKind> <action> <identifier>",
		Short: "Route a source-host event to dispatch rules",
		Long: `Decode one event and print the fingerprint of every task it routes to.

Event kinds are issue, pr, push and comment. For push events the action is the
ref and the identifier the pushed commit; for comments the action is the parent
number and the identifier the author.

Unknown event kinds are reported on stderr and exit 0 without output.`,
		Args:          cobra.RangeArgs(1, 3),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			for len(args) < 3 {
				args = append(args, "")
			}
			var payload map[string]interface{}
			if payloadJSON != "" {
				if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
					return invalid(fmt.Errorf("invalid --payload: %w", err))
				}
			}

			cfg, err := config.Load()
			if err != nil {
				return invalid(err)
			}
			level, err := miyabilog.ParseLevel(cfg.LogLevel)
			if err != nil {
				return invalid(err)
			}
			if err := miyabilog.Init(miyabilog.Config{Level: level, Output: stderr}); err != nil {
				return invalid(err)
			}
			defer miyabilog.Sync()

			action, identifier, payload := normalizeArgs(args[0], args[1], args[2], payload)
			ev, err := event.NewDecoder(nil).FromArgs(args[0], action, identifier, payload)
			if failure.Is(err, failure.UnsupportedEvent) {
				fmt.Fprintf(stderr, "warning: unknown event type: %s\n", args[0])
				return nil
			}
			if err != nil {
				return invalid(err)
			}
			if ev.Repository == "" {
				ev.Repository = cfg.Repository
			}

			r := router.New(router.Options{
				ProtectedRefs: cfg.Project.ProtectedRefs,
				Sigil:         cfg.Project.CommandSigil,
				LogLevel:      task.LogLevel(level),
			})
			d := r.Route(ev)
			if d.Rule == "" {
				fmt.Fprintf(stderr, "warning: no dispatch rule matched %s\n", ev.String())
				return nil
			}
			miyabilog.Debug("event routed", "event", ev.String(), "rule", d.Rule, "tasks", len(d.Tasks), "supersede", d.Supersede)

			enc := json.NewEncoder(stdout)
			for _, t := range d.Tasks {
				if asJSON {
					if err := enc.Encode(routed{Fingerprint: t.ID, Kind: t.Kind, Target: t.Target, Rule: d.Rule}); err != nil {
						return &exitError{code: exitFailed, err: err}
					}
					continue
				}
				fmt.Fprintln(stdout, t.ID)
			}
			for _, target := range d.Supersede {
				fmt.Fprintf(stderr, "supersedes in-flight runs for %s\n", target)
			}
			return nil
		},
	}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	cmd.Flags().StringVar(&payloadJSON, "payload", "", "Event payload as a JSON object (title, labels, merged, body, ...)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print one JSON object per task")
	cmd.AddCommand(newServeCmd(stderr))
	return cmd
}

// normalizeArgs maps the positional forms whose meaning differs by kind
// onto the decoder's (action, identifier) frame. "push <ref> <sha>" and
// "comment <number> <author>" move the extra value into the payload.
func normalizeArgs(kind, action, identifier string, payload map[string]interface{}) (string, string, map[string]interface{}) {
	if payload == nil {
		payload = map[string]interface{}{}
	}
	switch event.Kind(strings.ToLower(strings.TrimSpace(kind))) {
	case event.KindPush:
		if action != "" && action != event.PushAction {
			if identifier != "" {
				payload["after"] = identifier
			}
			return event.PushAction, action, payload
		}
	case event.KindComment:
		if isNumber(action) && identifier != "" && !isNumber(identifier) {
			if _, ok := payload["actor"]; !ok {
				payload["actor"] = identifier
			}
			return "created", action, payload
		}
	}
	return action, identifier, payload
}

func isNumber(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
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
