package publisher

import (
	"fmt"
	"os"
	"strings"

	gitconfig "github.com/go-git/go-git/v5/config"
)

const (
	DefaultAuthorName  = "Miyabi Bot"
	DefaultAuthorEmail = "bot@miyabi.dev"
)

// Author is the identity commits are made with.
type Author struct {
	Name  string
	Email string
}

// String formats the author as "Name <email>".
func (a Author) String() string {
	return FormatAuthor(a.Name, a.Email)
}

// AuthorOptions are the candidate identities, highest priority first.
type AuthorOptions struct {
	// Explicit comes from flags or MIYABI_GIT_AUTHOR.
	Explicit Author
	// Project comes from the git section of the project config file.
	Project Author
	// SkipHost ignores the user's global git config.
	SkipHost bool
}

// ResolveAuthor picks each field independently, in order: explicit,
// GIT_AUTHOR_NAME/GIT_AUTHOR_EMAIL, project config, global git config,
// defaults.
func ResolveAuthor(opts AuthorOptions) Author {
	var host Author
	if !opts.SkipHost {
		host = hostAuthor()
	}
	env := Author{Name: os.Getenv("GIT_AUTHOR_NAME"), Email: os.Getenv("GIT_AUTHOR_EMAIL")}
	candidates := []Author{opts.Explicit, env, opts.Project, host}

	out := Author{Name: DefaultAuthorName, Email: DefaultAuthorEmail}
	for i := len(candidates) - 1; i >= 0; i-- {
		c := candidates[i]
		if c.Name != "" {
			out.Name = c.Name
		}
		if c.Email != "" {
			out.Email = c.Email
		}
	}
	return out
}

func hostAuthor() Author {
	cfg, err := gitconfig.LoadConfig(gitconfig.GlobalScope)
	if err != nil || cfg == nil {
		return Author{}
	}
	return Author{Name: cfg.User.Name, Email: cfg.User.Email}
}

// FormatAuthor formats "Name <email>", tolerating either half missing.
func FormatAuthor(name, email string) string {
	switch {
	case name == "" && email == "":
		return ""
	case name == "":
		return email
	case email == "":
		return name
	}
	return fmt.Sprintf("%s <%s>", name, email)
}

// ParseAuthor splits "Name <email>". Without angle brackets the whole
// string is the name.
func ParseAuthor(s string) Author {
	s = strings.TrimSpace(s)
	l, r := strings.LastIndex(s, "<"), strings.LastIndex(s, ">")
	if l == -1 || r <= l {
		return Author{Name: s}
	}
	return Author{Name: strings.TrimSpace(s[:l]), Email: strings.TrimSpace(s[l+1 : r])}
}
