package workspace

import (
	"context"
	"fmt"
	"os"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport/http"
)

// GitClonePreparer clones the source with go-git.
type GitClonePreparer struct{}

// NewGitClonePreparer creates a clone preparer.
func NewGitClonePreparer() *GitClonePreparer {
	return &GitClonePreparer{}
}

// Name returns the strategy name
func (p *GitClonePreparer) Name() string {
	return "git-clone"
}

// Validate checks if the request is valid for this preparer
func (p *GitClonePreparer) Validate(req PrepareRequest) error {
	return req.validate()
}

// Prepare clones req.Source into req.Dest.
func (p *GitClonePreparer) Prepare(ctx context.Context, req PrepareRequest) (PrepareResult, error) {
	if err := p.Validate(req); err != nil {
		return PrepareResult{}, fmt.Errorf("validation failed: %w", err)
	}

	result := NewPrepareResult(p.Name())
	result.Source = req.Source
	result.Ref = req.Ref
	result.HasHistory = true

	opts := &git.CloneOptions{URL: req.Source}
	if req.Ref != "" {
		opts.ReferenceName = plumbing.NewBranchReferenceName(req.Ref)
		opts.SingleBranch = true
	}
	if req.History == HistoryShallow {
		opts.Depth = 1
		result.IsShallow = true
	}
	if req.Token != "" {
		opts.Auth = &http.BasicAuth{
			Username: "x-access-token",
			Password: req.Token,
		}
	}

	if err := os.MkdirAll(req.Dest, 0o755); err != nil {
		return PrepareResult{}, fmt.Errorf("failed to create destination directory: %w", err)
	}
	repo, err := git.PlainCloneContext(ctx, req.Dest, false, opts)
	if err != nil {
		return PrepareResult{}, fmt.Errorf("failed to clone %s: %w", req.Source, err)
	}
	if head, err := repo.Head(); err == nil {
		result.HeadSHA = head.Hash().String()
	}
	return result, nil
}
