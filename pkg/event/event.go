// Package event decodes inbound transport frames into normalized events.
package event

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Kind is the event family.
type Kind string

const (
	KindIssue   Kind = "issue"
	KindPR      Kind = "pr"
	KindPush    Kind = "push"
	KindComment Kind = "comment"
)

// Known reports whether k is one of the supported kinds.
func (k Kind) Known() bool {
	switch k {
	case KindIssue, KindPR, KindPush, KindComment:
		return true
	}
	return false
}

// Event is an immutable normalized inbound event.
type Event struct {
	Kind       Kind
	Action     string
	Identifier string
	Actor      string
	// Repository is "owner/repo" when the frame carried it.
	Repository string
	Payload    map[string]interface{}
	ReceivedAt time.Time

	// Body is the kind-specific projection, one of IssueBody, PRBody,
	// PushBody or CommentBody.
	Body Body
}

// Body is the kind-specific part of an Event.
type Body interface {
	kind() Kind
}

// IssueBody is projected from issue events.
type IssueBody struct {
	Number int
	Title  string
	Labels []string
}

// PRBody is projected from pull request events.
type PRBody struct {
	Number  int
	Merged  bool
	HeadRef string
	BaseRef string
}

// PushBody is projected from push events.
type PushBody struct {
	Ref   string
	After string
}

// CommentBody is projected from issue and review comment events.
type CommentBody struct {
	ParentNumber int
	Text         string
	OnPR         bool
}

func (IssueBody) kind() Kind   { return KindIssue }
func (PRBody) kind() Kind      { return KindPR }
func (PushBody) kind() Kind    { return KindPush }
func (CommentBody) kind() Kind { return KindComment }

// Issue returns the issue body when the event is an issue event.
func (e Event) Issue() (IssueBody, bool) {
	b, ok := e.Body.(IssueBody)
	return b, ok
}

// PR returns the pull request body when the event is a PR event.
func (e Event) PR() (PRBody, bool) {
	b, ok := e.Body.(PRBody)
	return b, ok
}

// Push returns the push body when the event is a push event.
func (e Event) Push() (PushBody, bool) {
	b, ok := e.Body.(PushBody)
	return b, ok
}

// Comment returns the comment body when the event is a comment event.
func (e Event) Comment() (CommentBody, bool) {
	b, ok := e.Body.(CommentBody)
	return b, ok
}

// PayloadHash returns the sha256 of the payload in canonical JSON form.
// encoding/json sorts map keys, so equal payloads hash equally.
func (e Event) PayloadHash() string {
	payload := e.Payload
	if payload == nil {
		payload = map[string]interface{}{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		// Payloads come from JSON or string maps; fall back to fmt so the
		// hash stays deterministic either way.
		data = []byte(fmt.Sprintf("%v", payload))
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// String renders the event for logs.
func (e Event) String() string {
	parts := []string{string(e.Kind), e.Action, e.Identifier}
	if e.Repository != "" {
		parts = append([]string{e.Repository}, parts...)
	}
	return strings.Join(parts, " ")
}
