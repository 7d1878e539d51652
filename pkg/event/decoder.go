package event

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/holon-run/miyabi/pkg/failure"
)

// GitHub webhook header names.
const (
	HeaderEvent    = "X-GitHub-Event"
	HeaderDelivery = "X-GitHub-Delivery"
)

// PushAction is the action recorded for push events, which carry none.
const PushAction = "pushed"

// Decoder turns transport frames into events. It holds no state besides
// the clock.
type Decoder struct {
	now func() time.Time
}

// NewDecoder creates a decoder. A nil clock uses time.Now.
func NewDecoder(now func() time.Time) *Decoder {
	if now == nil {
		now = time.Now
	}
	return &Decoder{now: now}
}

// FromArgs decodes a CLI frame. payload may be nil.
func (d *Decoder) FromArgs(kind, action, identifier string, payload map[string]interface{}) (Event, error) {
	kind = strings.ToLower(strings.TrimSpace(kind))
	identifier = strings.TrimSpace(identifier)
	if kind == "" {
		return Event{}, failure.Errorf(failure.MalformedEvent, "decode args", "missing event kind")
	}
	if identifier == "" {
		return Event{}, failure.Errorf(failure.MalformedEvent, "decode args", "missing identifier for %s event", kind)
	}
	k := Kind(kind)
	if !k.Known() {
		return Event{}, failure.Errorf(failure.UnsupportedEvent, "decode args", "unknown event type: %s", kind)
	}
	if payload == nil {
		payload = map[string]interface{}{}
	}

	ev := Event{
		Kind:       k,
		Action:     strings.ToLower(strings.TrimSpace(action)),
		Identifier: identifier,
		Payload:    payload,
		ReceivedAt: d.now(),
	}
	if actor, ok := getString(payload, "actor"); ok {
		ev.Actor = actor
	}
	if repo, ok := getString(payload, "repository"); ok {
		ev.Repository = repo
	}
	ev.Body = argsBody(ev)
	return ev, nil
}

func argsBody(ev Event) Body {
	num, _ := strconv.Atoi(ev.Identifier)
	switch ev.Kind {
	case KindIssue:
		title, _ := getString(ev.Payload, "title")
		return IssueBody{Number: num, Title: title, Labels: stringSlice(ev.Payload["labels"])}
	case KindPR:
		merged, _ := ev.Payload["merged"].(bool)
		head, _ := getString(ev.Payload, "head_ref")
		base, _ := getString(ev.Payload, "base_ref")
		return PRBody{Number: num, Merged: merged, HeadRef: head, BaseRef: base}
	case KindPush:
		after, _ := getString(ev.Payload, "after")
		return PushBody{Ref: ev.Identifier, After: after}
	default:
		text, _ := getString(ev.Payload, "body")
		onPR, _ := ev.Payload["on_pr"].(bool)
		return CommentBody{ParentNumber: num, Text: text, OnPR: onPR}
	}
}

// FromHTTP decodes a webhook delivery. The kind comes from the
// X-GitHub-Event header; without it the body must be a generic frame
// {"kind","action","identifier","actor","payload"}.
func (d *Decoder) FromHTTP(headers http.Header, body []byte) (Event, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return Event{}, failure.Errorf(failure.MalformedEvent, "decode webhook", "empty body")
	}
	var payload map[string]interface{}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&payload); err != nil {
		return Event{}, failure.New(failure.MalformedEvent, "decode webhook", fmt.Errorf("invalid json: %w", err))
	}

	ghEvent := strings.TrimSpace(headers.Get(HeaderEvent))
	if ghEvent == "" {
		return d.fromGenericFrame(payload)
	}
	return d.fromGitHub(ghEvent, payload)
}

func (d *Decoder) fromGenericFrame(frame map[string]interface{}) (Event, error) {
	kind, _ := getString(frame, "kind")
	action, _ := getString(frame, "action")
	identifier, ok := getString(frame, "identifier")
	if !ok {
		if n, ok := getInt(frame, "identifier"); ok {
			identifier = strconv.Itoa(n)
		}
	}
	payload, _ := frame["payload"].(map[string]interface{})
	ev, err := d.FromArgs(kind, action, identifier, payload)
	if err != nil {
		return Event{}, err
	}
	if actor, ok := getString(frame, "actor"); ok {
		ev.Actor = actor
	}
	return ev, nil
}

func (d *Decoder) fromGitHub(ghEvent string, payload map[string]interface{}) (Event, error) {
	action, _ := getString(payload, "action")
	ev := Event{
		Action:     strings.ToLower(action),
		Payload:    payload,
		ReceivedAt: d.now(),
	}
	ev.Actor, _ = nestedString(payload, "sender", "login")
	ev.Repository, _ = nestedString(payload, "repository", "full_name")

	switch ghEvent {
	case "issues":
		num, _ := nestedInt(payload, "issue", "number")
		title, _ := nestedString(payload, "issue", "title")
		var labels []string
		if issue, ok := nestedMap(payload, "issue"); ok {
			labels = labelNames(issue["labels"])
		}
		ev.Kind = KindIssue
		ev.Identifier = numberID(num)
		ev.Body = IssueBody{Number: num, Title: title, Labels: labels}
	case "pull_request":
		num := getPRNumber(payload)
		pr, _ := nestedMap(payload, "pull_request")
		merged, _ := pr["merged"].(bool)
		head, _ := nestedString(payload, "pull_request", "head", "ref")
		base, _ := nestedString(payload, "pull_request", "base", "ref")
		ev.Kind = KindPR
		ev.Identifier = numberID(num)
		ev.Body = PRBody{Number: num, Merged: merged, HeadRef: head, BaseRef: base}
	case "push":
		ref, _ := getString(payload, "ref")
		after, _ := getString(payload, "after")
		ev.Kind = KindPush
		if ev.Action == "" {
			ev.Action = PushAction
		}
		ev.Identifier = ref
		ev.Body = PushBody{Ref: ref, After: after}
		if login, ok := nestedString(payload, "pusher", "name"); ok && ev.Actor == "" {
			ev.Actor = login
		}
	case "issue_comment":
		num, _ := nestedInt(payload, "issue", "number")
		text, _ := nestedString(payload, "comment", "body")
		_, onPR := nestedMap(payload, "issue", "pull_request")
		ev.Kind = KindComment
		ev.Identifier = numberID(num)
		ev.Body = CommentBody{ParentNumber: num, Text: text, OnPR: onPR}
	case "pull_request_review_comment":
		num := getPRNumber(payload)
		text, _ := nestedString(payload, "comment", "body")
		ev.Kind = KindComment
		ev.Identifier = numberID(num)
		ev.Body = CommentBody{ParentNumber: num, Text: text, OnPR: true}
	default:
		return Event{}, failure.Errorf(failure.UnsupportedEvent, "decode webhook", "unsupported event type: %s", ghEvent)
	}

	if ev.Identifier == "" {
		return Event{}, failure.Errorf(failure.MalformedEvent, "decode webhook", "missing identifier for %s event", ghEvent)
	}
	return ev, nil
}

func numberID(n int) string {
	if n <= 0 {
		return ""
	}
	return strconv.Itoa(n)
}

func getPRNumber(payload map[string]interface{}) int {
	if n, ok := getInt(payload, "number"); ok {
		return n
	}
	if n, ok := nestedInt(payload, "pull_request", "number"); ok {
		return n
	}
	return 0
}

func labelNames(raw interface{}) []string {
	items, ok := raw.([]interface{})
	if !ok {
		return nil
	}
	names := make([]string, 0, len(items))
	for _, item := range items {
		switch v := item.(type) {
		case map[string]interface{}:
			if name, ok := getString(v, "name"); ok {
				names = append(names, name)
			}
		case string:
			names = append(names, v)
		}
	}
	return names
}

func stringSlice(raw interface{}) []string {
	switch v := raw.(type) {
	case []string:
		return v
	case []interface{}:
		return labelNames(v)
	}
	return nil
}

func getString(m map[string]interface{}, key string) (string, bool) {
	raw, ok := m[key]
	if !ok || raw == nil {
		return "", false
	}
	s, ok := raw.(string)
	return s, ok
}

func getInt(m map[string]interface{}, key string) (int, bool) {
	raw, ok := m[key]
	if !ok || raw == nil {
		return 0, false
	}
	switch n := raw.(type) {
	case json.Number:
		v, err := n.Int64()
		return int(v), err == nil
	case float64:
		return int(n), true
	case int:
		return n, true
	default:
		return 0, false
	}
}

func nestedString(m map[string]interface{}, path ...string) (string, bool) {
	cur, ok := walk(m, path[:len(path)-1])
	if !ok {
		return "", false
	}
	return getString(cur, path[len(path)-1])
}

func nestedInt(m map[string]interface{}, path ...string) (int, bool) {
	cur, ok := walk(m, path[:len(path)-1])
	if !ok {
		return 0, false
	}
	return getInt(cur, path[len(path)-1])
}

func nestedMap(m map[string]interface{}, path ...string) (map[string]interface{}, bool) {
	return walk(m, path)
}

func walk(m map[string]interface{}, path []string) (map[string]interface{}, bool) {
	cur := m
	for _, key := range path {
		next, ok := cur[key].(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur = next
	}
	return cur, true
}

// Restore rebuilds an event from stored fields, projecting the typed body
// from the payload the same way the original frame was decoded.
func Restore(kind Kind, action, identifier, actor, repository string, payload map[string]interface{}, receivedAt time.Time) Event {
	if payload == nil {
		payload = map[string]interface{}{}
	}
	ev := Event{
		Kind:       kind,
		Action:     action,
		Identifier: identifier,
		Actor:      actor,
		Repository: repository,
		Payload:    payload,
		ReceivedAt: receivedAt,
	}
	webhookKey := map[Kind]string{
		KindIssue:   "issue",
		KindPR:      "pull_request",
		KindPush:    "ref",
		KindComment: "comment",
	}[kind]
	if _, ok := payload[webhookKey]; !ok || webhookKey == "" {
		ev.Body = argsBody(ev)
		return ev
	}
	switch kind {
	case KindIssue:
		num, _ := nestedInt(payload, "issue", "number")
		title, _ := nestedString(payload, "issue", "title")
		issue, _ := nestedMap(payload, "issue")
		ev.Body = IssueBody{Number: num, Title: title, Labels: labelNames(issue["labels"])}
	case KindPR:
		pr, _ := nestedMap(payload, "pull_request")
		merged, _ := pr["merged"].(bool)
		head, _ := nestedString(payload, "pull_request", "head", "ref")
		base, _ := nestedString(payload, "pull_request", "base", "ref")
		ev.Body = PRBody{Number: getPRNumber(payload), Merged: merged, HeadRef: head, BaseRef: base}
	case KindPush:
		ref, _ := getString(payload, "ref")
		after, _ := getString(payload, "after")
		ev.Body = PushBody{Ref: ref, After: after}
	case KindComment:
		text, _ := nestedString(payload, "comment", "body")
		num, ok := nestedInt(payload, "issue", "number")
		if !ok {
			num = getPRNumber(payload)
		}
		_, onPR := nestedMap(payload, "issue", "pull_request")
		if _, review := nestedMap(payload, "pull_request"); review {
			onPR = true
		}
		ev.Body = CommentBody{ParentNumber: num, Text: text, OnPR: onPR}
	}
	return ev
}
