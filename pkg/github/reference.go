package github

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	// owner/repo
	repoPattern = regexp.MustCompile(`^([A-Za-z0-9_.-]+)/([A-Za-z0-9_.-]+)$`)
	// https://github.com/owner/repo(.git) or git@github.com:owner/repo(.git)
	repoURLPattern = regexp.MustCompile(`github\.com[:/]([A-Za-z0-9_.-]+)/([A-Za-z0-9_.-]+?)(?:\.git)?/?$`)
)

// Repo identifies a repository.
type Repo struct {
	Owner string
	Name  string
}

// ParseRepo accepts "owner/repo" or a github.com clone URL.
func ParseRepo(s string) (Repo, error) {
	s = strings.TrimSpace(s)
	if m := repoPattern.FindStringSubmatch(s); m != nil {
		return Repo{Owner: m[1], Name: m[2]}, nil
	}
	if m := repoURLPattern.FindStringSubmatch(s); m != nil {
		return Repo{Owner: m[1], Name: m[2]}, nil
	}
	return Repo{}, fmt.Errorf("invalid repository reference %q (expected owner/repo)", s)
}

// String returns "owner/repo".
func (r Repo) String() string {
	return r.Owner + "/" + r.Name
}

// IsZero reports whether r is unset.
func (r Repo) IsZero() bool {
	return r.Owner == "" && r.Name == ""
}

// CloneURL returns the https clone URL on github.com.
func (r Repo) CloneURL() string {
	return fmt.Sprintf("https://github.com/%s/%s.git", r.Owner, r.Name)
}
