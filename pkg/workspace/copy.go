package workspace

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
)

// CopyPreparer copies a local checkout, .git included, so the copy keeps
// the source's remotes and history.
type CopyPreparer struct{}

// NewCopyPreparer creates a copy preparer.
func NewCopyPreparer() *CopyPreparer {
	return &CopyPreparer{}
}

// Name returns the strategy name
func (p *CopyPreparer) Name() string {
	return "copy"
}

// Validate checks that the source is an existing directory.
func (p *CopyPreparer) Validate(req PrepareRequest) error {
	if err := req.validate(); err != nil {
		return err
	}
	info, err := os.Stat(req.Source)
	if err != nil {
		return fmt.Errorf("source does not exist: %s", req.Source)
	}
	if !info.IsDir() {
		return fmt.Errorf("source is not a directory: %s", req.Source)
	}
	return nil
}

// Prepare copies the tree and checks out req.Ref when given.
func (p *CopyPreparer) Prepare(ctx context.Context, req PrepareRequest) (PrepareResult, error) {
	if err := p.Validate(req); err != nil {
		return PrepareResult{}, fmt.Errorf("validation failed: %w", err)
	}

	result := NewPrepareResult(p.Name())
	result.Source = req.Source
	result.Ref = req.Ref

	if err := os.MkdirAll(req.Dest, 0o755); err != nil {
		return PrepareResult{}, fmt.Errorf("failed to create destination directory: %w", err)
	}
	if err := copyTree(ctx, req.Source, req.Dest); err != nil {
		return PrepareResult{}, fmt.Errorf("failed to copy directory: %w", err)
	}

	repo, err := git.PlainOpen(req.Dest)
	if err != nil {
		result.Notes = append(result.Notes, "source is not a git repository")
		return result, nil
	}
	result.HasHistory = true
	if req.Ref != "" {
		wt, err := repo.Worktree()
		if err != nil {
			return PrepareResult{}, fmt.Errorf("failed to get worktree: %w", err)
		}
		if err := wt.Checkout(&git.CheckoutOptions{Branch: plumbing.NewBranchReferenceName(req.Ref)}); err != nil {
			return PrepareResult{}, fmt.Errorf("failed to checkout ref %s: %w", req.Ref, err)
		}
	}
	if head, err := repo.Head(); err == nil {
		result.HeadSHA = head.Hash().String()
	}
	return result, nil
}

// copyTree copies regular files, directories and symlinks from src to dst.
func copyTree(ctx context.Context, src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		info, err := d.Info()
		if err != nil {
			return err
		}

		switch {
		case d.IsDir():
			return os.MkdirAll(target, info.Mode().Perm()|0o700)
		case info.Mode()&fs.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		case info.Mode().IsRegular():
			return copyFile(path, target, info.Mode().Perm())
		default:
			// Sockets, devices and pipes are skipped.
			return nil
		}
	})
}

func copyFile(src, dst string, perm fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
