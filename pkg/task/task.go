// Package task defines the queued unit of work and its execution record.
package task

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/holon-run/miyabi/pkg/event"
	"github.com/holon-run/miyabi/pkg/failure"
)

// Kind names what a worker does with a task.
type Kind string

const (
	KindAgentRun       Kind = "agent-run"
	KindStateMachine   Kind = "state-machine-tick"
	KindPostMerge      Kind = "post-merge"
	KindBuildAndDeploy Kind = "build-and-deploy"
	KindAgentCommand   Kind = "agent-command"
)

// LogLevel is the per-task verbosity hint.
type LogLevel string

const (
	LogError LogLevel = "error"
	LogWarn  LogLevel = "warn"
	LogInfo  LogLevel = "info"
	LogDebug LogLevel = "debug"
)

// Task is a pending unit of work. The queue owns it until a worker claims
// it; the worker owns it until the run reaches a terminal state.
type Task struct {
	ID              string       `json:"id"`
	Kind            Kind         `json:"kind"`
	Target          string       `json:"target"`
	ConcurrencyHint int          `json:"concurrency_hint"`
	LogLevel        LogLevel     `json:"log_level"`
	CreatedAt       time.Time    `json:"created_at"`
	Attempts        int          `json:"attempts"`
	HasFollowUp     bool         `json:"has_follow_up,omitempty"`
	Repository      string       `json:"repository,omitempty"`
	Event           event.Event  `json:"-"`
	Seed            EventSeed    `json:"event"`
	LastFailure     failure.Kind `json:"last_failure,omitempty"`
	// LastSignature is the message of the last unexpected error, used to
	// tell a repeated failure from a new one.
	LastSignature string `json:"last_signature,omitempty"`
}

// EventSeed is the serializable part of the source event, kept so a
// persisted task can be rebuilt after a restart.
type EventSeed struct {
	Kind       event.Kind             `json:"kind"`
	Action     string                 `json:"action"`
	Identifier string                 `json:"identifier"`
	Actor      string                 `json:"actor,omitempty"`
	Repository string                 `json:"repository,omitempty"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
}

// SeedOf captures the serializable fields of ev.
func SeedOf(ev event.Event) EventSeed {
	return EventSeed{
		Kind:       ev.Kind,
		Action:     ev.Action,
		Identifier: ev.Identifier,
		Actor:      ev.Actor,
		Repository: ev.Repository,
		Payload:    ev.Payload,
	}
}

// Fingerprint derives the task id from the event fields. Equal inputs
// always give equal ids.
func Fingerprint(kind event.Kind, action, identifier, payloadHash string) string {
	h := sha256.New()
	h.Write([]byte(strings.Join([]string{string(kind), action, identifier, payloadHash}, "\x00")))
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// New builds a task from an event.
func New(kind Kind, ev event.Event, target string, hint int, level LogLevel) Task {
	if hint < 1 {
		hint = 1
	}
	if level == "" {
		level = LogInfo
	}
	created := ev.ReceivedAt
	if created.IsZero() {
		created = time.Now()
	}
	return Task{
		ID:              Fingerprint(ev.Kind, ev.Action, ev.Identifier, ev.PayloadHash()),
		Kind:            kind,
		Target:          target,
		ConcurrencyHint: hint,
		LogLevel:        level,
		CreatedAt:       created,
		Repository:      ev.Repository,
		Event:           ev,
		Seed:            SeedOf(ev),
	}
}

// Rehydrate rebuilds t.Event from t.Seed after the task was loaded from a
// store.
func (t *Task) Rehydrate() {
	s := t.Seed
	t.Event = event.Restore(s.Kind, s.Action, s.Identifier, s.Actor, s.Repository, s.Payload, t.CreatedAt)
}
