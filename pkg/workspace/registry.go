package workspace

import (
	"fmt"
	"sort"
)

// Strategies maps strategy names to preparers. The zero value is empty;
// Builtin returns the standard set.
type Strategies map[string]Preparer

// Builtin returns the git-clone and copy preparers.
func Builtin() Strategies {
	s := Strategies{}
	for _, p := range []Preparer{NewGitClonePreparer(), NewCopyPreparer()} {
		s[p.Name()] = p
	}
	return s
}

// Add registers p under its own name, refusing duplicates.
func (s Strategies) Add(p Preparer) error {
	if p == nil {
		return fmt.Errorf("cannot register nil preparer")
	}
	name := p.Name()
	if name == "" {
		return fmt.Errorf("preparer name cannot be empty")
	}
	if _, exists := s[name]; exists {
		return fmt.Errorf("preparer %q is already registered", name)
	}
	s[name] = p
	return nil
}

// Names returns the registered strategy names, sorted.
func (s Strategies) Names() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// pick resolves a strategy; empty chooses git-clone for URLs and copy
// for local paths.
func (s Strategies) pick(name, source string) (Preparer, error) {
	if name == "" {
		name = "copy"
		if isRemote(source) {
			name = "git-clone"
		}
	}
	p, ok := s[name]
	if !ok {
		return nil, fmt.Errorf("unknown workspace strategy %q (available: %v)", name, s.Names())
	}
	return p, nil
}
