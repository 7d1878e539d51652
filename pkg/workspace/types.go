// Package workspace acquires isolated, per-run working trees under a
// shared root and removes them when the run ends.
package workspace

import (
	"context"
	"fmt"
	"time"
)

// HistoryMode controls how much history a clone fetches.
type HistoryMode string

const (
	HistoryFull    HistoryMode = "full"
	HistoryShallow HistoryMode = "shallow"
)

// Preparer materializes a source tree at a destination.
type Preparer interface {
	Name() string
	Validate(req PrepareRequest) error
	Prepare(ctx context.Context, req PrepareRequest) (PrepareResult, error)
}

// PrepareRequest describes one materialization.
type PrepareRequest struct {
	// Source is a clone URL or a local directory.
	Source string
	// Dest must not exist or be empty.
	Dest string
	// Ref is the branch to check out; empty keeps the source default.
	Ref     string
	History HistoryMode
	// Token authenticates https clones.
	Token string
}

func (r PrepareRequest) validate() error {
	if r.Source == "" {
		return fmt.Errorf("source cannot be empty")
	}
	if r.Dest == "" {
		return fmt.Errorf("dest cannot be empty")
	}
	return nil
}

// PrepareResult reports what was materialized.
type PrepareResult struct {
	Strategy   string    `json:"strategy"`
	Source     string    `json:"source"`
	Ref        string    `json:"ref,omitempty"`
	HeadSHA    string    `json:"head_sha,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	HasHistory bool      `json:"has_history"`
	IsShallow  bool      `json:"is_shallow"`
	Notes      []string  `json:"notes,omitempty"`
}

// NewPrepareResult creates a PrepareResult with the current timestamp
func NewPrepareResult(strategy string) PrepareResult {
	return PrepareResult{
		Strategy:  strategy,
		CreatedAt: time.Now(),
		Notes:     []string{},
	}
}

// Manifest is the on-disk record of a prepared workspace.
type Manifest struct {
	RunID string `json:"run_id"`
	PrepareResult
}
