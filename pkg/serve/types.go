package serve

import "time"

// EventRecord is one line of events.ndjson: what a delivery decoded to.
type EventRecord struct {
	Delivery   string    `json:"delivery,omitempty"`
	Header     string    `json:"github_event,omitempty"`
	Kind       string    `json:"kind,omitempty"`
	Action     string    `json:"action,omitempty"`
	Identifier string    `json:"identifier,omitempty"`
	Actor      string    `json:"actor,omitempty"`
	Repository string    `json:"repository,omitempty"`
	Error      string    `json:"error,omitempty"`
	At         time.Time `json:"at"`
}

// DecisionRecord is one line of decisions.ndjson: what the dispatcher did
// with a delivery.
type DecisionRecord struct {
	Delivery   string        `json:"delivery,omitempty"`
	Status     string        `json:"status"`
	Rule       string        `json:"rule,omitempty"`
	Tasks      []offeredTask `json:"tasks,omitempty"`
	Superseded int           `json:"superseded,omitempty"`
	Reason     string        `json:"reason,omitempty"`
	At         time.Time     `json:"at"`
}
