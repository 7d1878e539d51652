package publisher

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/holon-run/miyabi/pkg/agent"
	"github.com/holon-run/miyabi/pkg/failure"
	miyabilog "github.com/holon-run/miyabi/pkg/log"
)

// applied records one committed file operation so it can be undone.
type applied struct {
	target  string
	backup  string // original file moved aside, empty when it did not exist
	written bool
}

// ApplyChanges writes changes into root as one unit: every path is checked
// and every new file staged before the tree is touched, and a failure part
// way through restores the original files.
//
// Invalid change sets are AgentLogicError; I/O failures are PublishFailed.
func ApplyChanges(root string, changes []agent.Change) error {
	if err := agent.ValidateChanges(changes); err != nil {
		return failure.New(failure.AgentLogicError, "validate changes", err)
	}
	for _, c := range changes {
		if err := checkTarget(root, c); err != nil {
			return failure.New(failure.AgentLogicError, "validate changes", err)
		}
	}

	// Staging lives next to the tree so renames stay on one filesystem.
	stage, err := os.MkdirTemp(filepath.Dir(root), ".miyabi-stage-*")
	if err != nil {
		return failure.New(failure.PublishFailed, "stage changes", err)
	}
	defer os.RemoveAll(stage)

	staged := make([]string, len(changes))
	for i, c := range changes {
		if c.Delete {
			continue
		}
		staged[i] = filepath.Join(stage, "new-"+strconv.Itoa(i))
		mode := os.FileMode(0o644)
		if info, err := os.Stat(filepath.Join(root, filepath.FromSlash(c.Path))); err == nil {
			mode = info.Mode().Perm()
		}
		if err := os.WriteFile(staged[i], []byte(c.Content), mode); err != nil {
			return failure.New(failure.PublishFailed, "stage changes", err)
		}
	}

	var done []applied
	for i, c := range changes {
		step := applied{target: filepath.Join(root, filepath.FromSlash(c.Path))}
		if _, err := os.Lstat(step.target); err == nil {
			step.backup = filepath.Join(stage, "old-"+strconv.Itoa(i))
			if err := os.Rename(step.target, step.backup); err != nil {
				rollback(done)
				return failure.New(failure.PublishFailed, "apply changes", err)
			}
		}
		if !c.Delete {
			if err := os.MkdirAll(filepath.Dir(step.target), 0o755); err != nil {
				done = append(done, step)
				rollback(done)
				return failure.New(failure.PublishFailed, "apply changes", err)
			}
			if err := os.Rename(staged[i], step.target); err != nil {
				done = append(done, step)
				rollback(done)
				return failure.New(failure.PublishFailed, "apply changes", err)
			}
			step.written = true
		}
		done = append(done, step)
	}
	return nil
}

// checkTarget rejects deletes of missing files and paths that traverse a
// symlink inside the tree.
func checkTarget(root string, c agent.Change) error {
	parts := strings.Split(c.Path, "/")
	cur := root
	for i, part := range parts {
		cur = filepath.Join(cur, part)
		info, err := os.Lstat(cur)
		if errors.Is(err, fs.ErrNotExist) {
			if c.Delete {
				return fmt.Errorf("cannot delete missing file: %s", c.Path)
			}
			return nil
		}
		if err != nil {
			return err
		}
		last := i == len(parts)-1
		if info.Mode()&fs.ModeSymlink != 0 && !last {
			return fmt.Errorf("path traverses a symlink: %s", c.Path)
		}
		if last && info.IsDir() {
			return fmt.Errorf("path is a directory: %s", c.Path)
		}
		if !last && !info.IsDir() {
			return fmt.Errorf("parent is not a directory: %s", c.Path)
		}
	}
	return nil
}

func rollback(done []applied) {
	for i := len(done) - 1; i >= 0; i-- {
		step := done[i]
		if step.written {
			if err := os.Remove(step.target); err != nil && !errors.Is(err, fs.ErrNotExist) {
				miyabilog.Warn("rollback: failed to remove", "path", step.target, "error", err)
			}
		}
		if step.backup != "" {
			if err := os.Rename(step.backup, step.target); err != nil {
				miyabilog.Warn("rollback: failed to restore", "path", step.target, "error", err)
			}
		}
	}
}
