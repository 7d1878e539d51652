package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/holon-run/miyabi/pkg/agent"
	"github.com/holon-run/miyabi/pkg/config"
	"github.com/holon-run/miyabi/pkg/github"
	miyabilog "github.com/holon-run/miyabi/pkg/log"
	"github.com/holon-run/miyabi/pkg/logs/redact"
	"github.com/holon-run/miyabi/pkg/publisher"
	"github.com/holon-run/miyabi/pkg/queue"
	"github.com/holon-run/miyabi/pkg/queue/redisstore"
	"github.com/holon-run/miyabi/pkg/queue/sqlitestore"
	"github.com/holon-run/miyabi/pkg/reporter"
	"github.com/holon-run/miyabi/pkg/retry"
	"github.com/holon-run/miyabi/pkg/router"
	"github.com/holon-run/miyabi/pkg/runtime"
	"github.com/holon-run/miyabi/pkg/task"
	"github.com/holon-run/miyabi/pkg/workspace"
)

// Deps overrides parts of the wiring, mostly for tests.
type Deps struct {
	// Agent replaces the agent chosen from AGENT_COMMAND or AGENT_IMAGE.
	Agent agent.Agent
	// GitHubOptions are appended to the client options.
	GitHubOptions []github.Option
	// Backoff replaces the default retry policy for runs and PR creation.
	Backoff retry.Backoff
	// SkipHostAuthor ignores the global git config when picking the
	// commit author.
	SkipHostAuthor bool
}

// Service is a fully wired dispatcher and the resources it owns.
type Service struct {
	*Dispatcher
	Config   config.Config
	Repo     github.Repo
	GitHub   *github.Client
	Router   *router.Router
	Redactor *redact.Redactor

	closers []io.Closer
}

// Build wires every component from cfg. The caller must Close the
// service.
func Build(ctx context.Context, cfg config.Config, deps Deps) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	repo, err := cfg.Repo()
	if err != nil {
		return nil, err
	}
	s := &Service{Config: cfg, Repo: repo}
	ok := false
	defer func() {
		if !ok {
			s.Close()
		}
	}()

	s.Redactor = redact.FromEnv(cfg.Token, cfg.WebhookSecret)
	ghOpts := []github.Option{}
	if cfg.APIURL != "" {
		ghOpts = append(ghOpts, github.WithBaseURL(cfg.APIURL))
	}
	ghOpts = append(ghOpts, deps.GitHubOptions...)
	if s.GitHub, err = github.NewClient(cfg.Token, ghOpts...); err != nil {
		return nil, err
	}

	ws, err := workspace.NewManager(workspace.Options{
		Root:   cfg.WorkspaceRoot,
		Source: cfg.WorkspaceSource,
		Ref:    cfg.Project.BaseBranch,
		Token:  cfg.Token,
	})
	if err != nil {
		return nil, err
	}
	if n, err := ws.Sweep(); err != nil {
		miyabilog.Warn("failed to sweep stale workspaces", "root", ws.Root(), "error", err)
	} else if n > 0 {
		miyabilog.Info("removed stale workspaces", "count", n)
	}

	a := deps.Agent
	if a == nil {
		if a, err = buildAgent(cfg, s.Redactor); err != nil {
			return nil, err
		}
	}

	project := cfg.Project
	pub, err := publisher.New(s.GitHub, publisher.Options{
		Repo:  repo,
		Base:  project.BaseBranch,
		Token: cfg.Token,
		Author: publisher.ResolveAuthor(publisher.AuthorOptions{
			Explicit: publisher.ParseAuthor(cfg.GitAuthor),
			Project:  publisher.Author{Name: project.Git.AuthorName, Email: project.Git.AuthorEmail},
			SkipHost: deps.SkipHostAuthor,
		}),
		Draft:   project.Draft,
		Backoff: deps.Backoff,
	})
	if err != nil {
		return nil, err
	}

	rep := reporter.New(s.GitHub, repo, reporter.WithRedactor(s.Redactor))
	rt, err := runtime.New(s.GitHub, ws, a, pub, rep, runtime.Options{
		Repo:         repo,
		FetchTimeout: cfg.FetchTimeout,
		RunTimeout:   cfg.RunTimeout,
		CancelGrace:  cfg.CancelGrace,
		Sigil:        project.CommandSigil,
	})
	if err != nil {
		return nil, err
	}

	s.Router = router.New(router.Options{
		ProtectedRefs: project.ProtectedRefs,
		Sigil:         project.CommandSigil,
		LogLevel:      task.LogLevel(cfg.LogLevel),
	})

	store, err := openStore(ctx, cfg.QueueStore)
	if err != nil {
		return nil, err
	}
	if c, isCloser := store.(io.Closer); isCloser {
		s.closers = append(s.closers, c)
	}

	s.Dispatcher, err = New(s.Router, rt, Options{
		Capacity:         cfg.QueueCapacity,
		Workers:          cfg.Concurrency,
		MaxAttempts:      cfg.MaxAttempts,
		Backoff:          deps.Backoff,
		ShutdownDeadline: cfg.ShutdownDeadline,
		Store:            store,
	})
	if err != nil {
		return nil, err
	}
	ok = true
	return s, nil
}

// Close releases the queue store.
func (s *Service) Close() error {
	var errs []error
	for _, c := range s.closers {
		errs = append(errs, c.Close())
	}
	s.closers = nil
	return errors.Join(errs...)
}

func buildAgent(cfg config.Config, r *redact.Redactor) (agent.Agent, error) {
	switch {
	case cfg.AgentImage != "":
		d, err := agent.NewDocker(cfg.AgentImage)
		if err != nil {
			return nil, err
		}
		d.Grace = cfg.CancelGrace
		d.Redactor = r
		return d, nil
	case cfg.AgentCommand != "":
		c, err := agent.NewCommand(cfg.AgentCommand)
		if err != nil {
			return nil, err
		}
		c.Grace = cfg.CancelGrace
		c.Redactor = r
		return c, nil
	}
	return nil, fmt.Errorf("no agent configured: set %s or %s", config.EnvAgentCommand, config.EnvAgentImage)
}

func openStore(ctx context.Context, spec string) (queue.Store, error) {
	if spec == "" {
		return nil, nil
	}
	scheme, location, err := config.ParseStore(spec)
	if err != nil {
		return nil, err
	}
	switch scheme {
	case "sqlite":
		return sqlitestore.Open(ctx, location)
	case "redis":
		return redisstore.Dial(ctx, location)
	}
	return nil, fmt.Errorf("unsupported queue store %q", scheme)
}
