package workspace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	miyabilog "github.com/holon-run/miyabi/pkg/log"
)

// treeDir is the checkout inside each run directory.
const treeDir = "tree"

// Options configures a Manager.
type Options struct {
	// Root is the absolute WORKSPACE_ROOT; one subdirectory per run.
	Root string
	// Strategy names a registered preparer. Empty picks git-clone for URLs
	// and copy for local paths.
	Strategy string
	Source   string
	Ref      string
	Token    string
	History  HistoryMode
	// Strategies overrides the builtin preparers.
	Strategies Strategies
}

// Manager partitions Root into per-run directories.
type Manager struct {
	opts     Options
	preparer Preparer

	mu     sync.Mutex
	active map[string]string
}

// NewManager validates opts and creates Root.
func NewManager(opts Options) (*Manager, error) {
	if opts.Root == "" {
		return nil, fmt.Errorf("workspace root cannot be empty")
	}
	if !filepath.IsAbs(opts.Root) {
		return nil, fmt.Errorf("workspace root must be absolute: %s", opts.Root)
	}
	if opts.Source == "" {
		return nil, fmt.Errorf("workspace source cannot be empty")
	}
	if opts.Strategies == nil {
		opts.Strategies = Builtin()
	}
	p, err := opts.Strategies.pick(opts.Strategy, opts.Source)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(opts.Root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create workspace root: %w", err)
	}
	return &Manager{opts: opts, preparer: p, active: make(map[string]string)}, nil
}

func isRemote(source string) bool {
	for _, prefix := range []string{"https://", "http://", "ssh://", "git@", "file://"} {
		if strings.HasPrefix(source, prefix) {
			return true
		}
	}
	return false
}

// Workspace is one acquired run directory.
type Workspace struct {
	RunID  string
	Dir    string
	Result PrepareResult

	runDir  string
	manager *Manager
	once    sync.Once
	err     error
}

// Acquire prepares a fresh tree for runID. On error nothing is left
// behind.
func (m *Manager) Acquire(ctx context.Context, runID string) (*Workspace, error) {
	name := sanitize(runID)
	if name == "" {
		return nil, fmt.Errorf("invalid run id %q", runID)
	}
	runDir := filepath.Join(m.opts.Root, name)
	if err := os.Mkdir(runDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create run directory: %w", err)
	}

	m.mu.Lock()
	m.active[runID] = runDir
	m.mu.Unlock()

	ws := &Workspace{RunID: runID, Dir: filepath.Join(runDir, treeDir), runDir: runDir, manager: m}
	result, err := m.preparer.Prepare(ctx, PrepareRequest{
		Source:  m.opts.Source,
		Dest:    ws.Dir,
		Ref:     m.opts.Ref,
		History: m.opts.History,
		Token:   m.opts.Token,
	})
	if err != nil {
		ws.Release()
		return nil, err
	}
	ws.Result = result
	if err := WriteManifest(runDir, runID, result); err != nil {
		ws.Release()
		return nil, err
	}
	miyabilog.Debug("workspace acquired", "run_id", runID, "dir", ws.Dir, "strategy", result.Strategy)
	return ws, nil
}

// Release removes the run directory. It is safe to call more than once.
func (w *Workspace) Release() error {
	w.once.Do(func() {
		w.err = os.RemoveAll(w.runDir)
		w.manager.mu.Lock()
		delete(w.manager.active, w.RunID)
		w.manager.mu.Unlock()
		if w.err != nil {
			miyabilog.Warn("failed to remove workspace", "run_id", w.RunID, "error", w.err)
		}
	})
	return w.err
}

// Active returns the number of acquired, unreleased workspaces.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// Root returns the workspace root.
func (m *Manager) Root() string {
	return m.opts.Root
}

// Sweep removes run directories left by a previous process. Only
// directories carrying a manifest, or an empty tree, are touched.
func (m *Manager) Sweep() (int, error) {
	entries, err := os.ReadDir(m.opts.Root)
	if err != nil {
		return 0, fmt.Errorf("failed to read workspace root: %w", err)
	}
	m.mu.Lock()
	inUse := make(map[string]bool, len(m.active))
	for _, dir := range m.active {
		inUse[dir] = true
	}
	m.mu.Unlock()

	removed := 0
	var errs []error
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(m.opts.Root, e.Name())
		if inUse[dir] {
			continue
		}
		_, manifestErr := os.Stat(filepath.Join(dir, ManifestFile))
		_, treeErr := os.Stat(filepath.Join(dir, treeDir))
		if manifestErr != nil && treeErr != nil {
			continue
		}
		if err := os.RemoveAll(dir); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}

func sanitize(id string) string {
	var b strings.Builder
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		}
	}
	return b.String()
}
