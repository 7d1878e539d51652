package publisher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport/http"

	"github.com/holon-run/miyabi/pkg/agent"
)

// repository wraps the go-git operations publishing needs.
type repository struct {
	dir  string
	repo *git.Repository
}

func openRepository(dir string) (*repository, error) {
	repo, err := git.PlainOpen(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to open repository: %w", err)
	}
	return &repository{dir: dir, repo: repo}, nil
}

// currentBranch returns the short name of the checked out branch, or ""
// for a detached HEAD.
func (r *repository) currentBranch() (string, error) {
	head, err := r.repo.Head()
	if err != nil {
		return "", fmt.Errorf("failed to resolve HEAD: %w", err)
	}
	if !head.Name().IsBranch() {
		return "", nil
	}
	return head.Name().Short(), nil
}

// createBranch creates name at HEAD and checks it out. An existing branch
// of that name is an error; run ids make branch names unique.
func (r *repository) createBranch(name string) error {
	ref := plumbing.NewBranchReferenceName(name)
	if _, err := r.repo.Reference(ref, false); err == nil {
		return fmt.Errorf("branch %s already exists", name)
	}
	wt, err := r.repo.Worktree()
	if err != nil {
		return fmt.Errorf("failed to get worktree: %w", err)
	}
	if err := wt.Checkout(&git.CheckoutOptions{Branch: ref, Create: true, Keep: true}); err != nil {
		return fmt.Errorf("failed to create branch %s: %w", name, err)
	}
	return nil
}

// commit stages exactly the changed paths and commits them.
func (r *repository) commit(changes []agent.Change, message string, author Author) (string, error) {
	wt, err := r.repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("failed to get worktree: %w", err)
	}
	for _, c := range changes {
		if c.Delete {
			if _, err := wt.Remove(c.Path); err != nil {
				return "", fmt.Errorf("failed to stage removal of %s: %w", c.Path, err)
			}
			continue
		}
		if _, err := wt.Add(c.Path); err != nil {
			return "", fmt.Errorf("failed to stage %s: %w", c.Path, err)
		}
	}
	status, err := wt.Status()
	if err != nil {
		return "", fmt.Errorf("failed to get status: %w", err)
	}
	if status.IsClean() {
		return "", errNothingToCommit
	}
	hash, err := wt.Commit(message, &git.CommitOptions{
		Author: &object.Signature{Name: author.Name, Email: author.Email, When: time.Now()},
	})
	if err != nil {
		return "", fmt.Errorf("failed to commit: %w", err)
	}
	return hash.String(), nil
}

var errNothingToCommit = errors.New("changes leave the tree unchanged")

// push sends branch to remote. The token is only offered to HTTP remotes.
func (r *repository) push(ctx context.Context, remoteName, branch, token string) error {
	remote, err := r.repo.Remote(remoteName)
	if err != nil {
		return fmt.Errorf("failed to get remote %q: %w", remoteName, err)
	}
	spec := config.RefSpec("refs/heads/" + branch + ":refs/heads/" + branch)
	opts := &git.PushOptions{RemoteName: remoteName, RefSpecs: []config.RefSpec{spec}}
	if token != "" && isHTTPRemote(remote.Config().URLs) {
		opts.Auth = &http.BasicAuth{Username: "x-access-token", Password: token}
	}
	if err := r.repo.PushContext(ctx, opts); err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("failed to push branch %s: %w", branch, err)
	}
	return nil
}

func isHTTPRemote(urls []string) bool {
	for _, u := range urls {
		if strings.HasPrefix(u, "https://") || strings.HasPrefix(u, "http://") {
			return true
		}
	}
	return false
}
