// Package config loads process settings from the environment and the
// optional project file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/holon-run/miyabi/pkg/github"
)

// ProjectFile is the project config location relative to the repository
// root.
const ProjectFile = ".miyabi/config.yaml"

// Environment variable names.
const (
	EnvToken            = "GITHUB_TOKEN"
	EnvRepository       = "GITHUB_REPOSITORY"
	EnvAPIURL           = "GITHUB_API_URL"
	EnvWebhookSecret    = "GITHUB_WEBHOOK_SECRET"
	EnvWorkspaceRoot    = "WORKSPACE_ROOT"
	EnvWorkspaceSource  = "WORKSPACE_SOURCE"
	EnvConcurrency      = "CONCURRENCY"
	EnvMaxAttempts      = "MAX_ATTEMPTS"
	EnvQueueCapacity    = "QUEUE_CAPACITY"
	EnvRunTimeout       = "RUN_TIMEOUT_MS"
	EnvFetchTimeout     = "FETCH_TIMEOUT_MS"
	EnvShutdownDeadline = "SHUTDOWN_DEADLINE_MS"
	EnvCancelGrace      = "CANCEL_GRACE_MS"
	EnvLogLevel         = "LOG_LEVEL"
	EnvAgentCommand     = "AGENT_COMMAND"
	EnvAgentImage       = "AGENT_IMAGE"
	EnvQueueStore       = "QUEUE_STORE"
	EnvStateDir         = "MIYABI_STATE_DIR"
	EnvConfigPath       = "MIYABI_CONFIG"
	EnvGitAuthor        = "MIYABI_GIT_AUTHOR"
)

// Defaults.
const (
	DefaultConcurrency      = 3
	DefaultMaxAttempts      = 3
	DefaultQueueCapacity    = 64
	DefaultRunTimeout       = 30 * time.Minute
	DefaultFetchTimeout     = 30 * time.Second
	DefaultShutdownDeadline = 60 * time.Second
	DefaultCancelGrace      = 10 * time.Second
	DefaultLogLevel         = "info"
)

// Config is read once at startup and never mutated afterwards.
type Config struct {
	Token         string
	Repository    string
	APIURL        string
	WebhookSecret string

	WorkspaceRoot   string
	WorkspaceSource string

	Concurrency      int
	MaxAttempts      int
	QueueCapacity    int
	RunTimeout       time.Duration
	FetchTimeout     time.Duration
	ShutdownDeadline time.Duration
	CancelGrace      time.Duration

	LogLevel     string
	AgentCommand string
	AgentImage   string
	// QueueStore is empty, sqlite://<path> or redis://<addr>.
	QueueStore string
	StateDir   string
	ConfigPath string
	GitAuthor  string

	Project Project
}

// Project is the per-repository file checked in at ProjectFile.
type Project struct {
	BaseBranch    string   `yaml:"base_branch"`
	ProtectedRefs []string `yaml:"protected_refs"`
	CommandSigil  string   `yaml:"command_sigil"`
	Draft         bool     `yaml:"draft"`
	Git           struct {
		AuthorName  string `yaml:"author_name"`
		AuthorEmail string `yaml:"author_email"`
	} `yaml:"git"`
}

// New returns a viper instance bound to the environment with every
// default set.
func New() *viper.Viper {
	v := viper.New()
	v.AutomaticEnv()
	v.SetDefault(EnvConcurrency, DefaultConcurrency)
	v.SetDefault(EnvMaxAttempts, DefaultMaxAttempts)
	v.SetDefault(EnvQueueCapacity, DefaultQueueCapacity)
	v.SetDefault(EnvRunTimeout, DefaultRunTimeout.Milliseconds())
	v.SetDefault(EnvFetchTimeout, DefaultFetchTimeout.Milliseconds())
	v.SetDefault(EnvShutdownDeadline, DefaultShutdownDeadline.Milliseconds())
	v.SetDefault(EnvCancelGrace, DefaultCancelGrace.Milliseconds())
	v.SetDefault(EnvLogLevel, DefaultLogLevel)
	v.SetDefault(EnvWorkspaceRoot, filepath.Join(os.TempDir(), "miyabi-workspaces"))
	v.SetDefault(EnvWorkspaceSource, ".")
	v.SetDefault(EnvStateDir, ".miyabi/state")
	return v
}

// Load reads the environment and the project file.
func Load() (Config, error) {
	return FromViper(New())
}

// FromViper builds a Config from v. Callers may bind flags to v first so
// flags win over the environment.
func FromViper(v *viper.Viper) (Config, error) {
	cfg := Config{
		Token:            firstNonEmpty(v.GetString(EnvToken), v.GetString("GH_TOKEN")),
		Repository:       v.GetString(EnvRepository),
		APIURL:           v.GetString(EnvAPIURL),
		WebhookSecret:    v.GetString(EnvWebhookSecret),
		WorkspaceRoot:    v.GetString(EnvWorkspaceRoot),
		WorkspaceSource:  v.GetString(EnvWorkspaceSource),
		Concurrency:      v.GetInt(EnvConcurrency),
		MaxAttempts:      v.GetInt(EnvMaxAttempts),
		QueueCapacity:    v.GetInt(EnvQueueCapacity),
		RunTimeout:       millis(v, EnvRunTimeout),
		FetchTimeout:     millis(v, EnvFetchTimeout),
		ShutdownDeadline: millis(v, EnvShutdownDeadline),
		CancelGrace:      millis(v, EnvCancelGrace),
		LogLevel:         strings.ToLower(strings.TrimSpace(v.GetString(EnvLogLevel))),
		AgentCommand:     v.GetString(EnvAgentCommand),
		AgentImage:       v.GetString(EnvAgentImage),
		QueueStore:       v.GetString(EnvQueueStore),
		StateDir:         v.GetString(EnvStateDir),
		ConfigPath:       v.GetString(EnvConfigPath),
		GitAuthor:        v.GetString(EnvGitAuthor),
	}

	path := cfg.ConfigPath
	explicit := path != ""
	if !explicit && !isRemote(cfg.WorkspaceSource) {
		path = filepath.Join(cfg.WorkspaceSource, ProjectFile)
	}
	if path != "" {
		project, err := LoadProject(path)
		if err != nil && (explicit || !errors.Is(err, os.ErrNotExist)) {
			return cfg, err
		}
		cfg.Project = project
	}
	if abs, err := filepath.Abs(cfg.WorkspaceRoot); err == nil {
		cfg.WorkspaceRoot = abs
	}
	return cfg, nil
}

// LoadProject parses a project file. A missing file returns an error
// wrapping os.ErrNotExist.
func LoadProject(path string) (Project, error) {
	var p Project
	data, err := os.ReadFile(path)
	if err != nil {
		return p, fmt.Errorf("failed to read project config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("failed to parse project config %s: %w", path, err)
	}
	return p, nil
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	if c.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("%s must be at least 1, got %d", EnvConcurrency, c.Concurrency))
	}
	if c.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("%s must be at least 1, got %d", EnvMaxAttempts, c.MaxAttempts))
	}
	if c.QueueCapacity < 1 {
		errs = append(errs, fmt.Errorf("%s must be at least 1, got %d", EnvQueueCapacity, c.QueueCapacity))
	}
	for name, d := range map[string]time.Duration{
		EnvRunTimeout:       c.RunTimeout,
		EnvFetchTimeout:     c.FetchTimeout,
		EnvShutdownDeadline: c.ShutdownDeadline,
		EnvCancelGrace:      c.CancelGrace,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	switch c.LogLevel {
	case "error", "warn", "info", "debug":
	default:
		errs = append(errs, fmt.Errorf("%s must be one of error, warn, info, debug; got %q", EnvLogLevel, c.LogLevel))
	}
	if c.Repository != "" {
		if _, err := github.ParseRepo(c.Repository); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", EnvRepository, err))
		}
	}
	if c.AgentCommand != "" && c.AgentImage != "" {
		errs = append(errs, fmt.Errorf("%s and %s are mutually exclusive", EnvAgentCommand, EnvAgentImage))
	}
	if c.QueueStore != "" {
		if _, _, err := ParseStore(c.QueueStore); err != nil {
			errs = append(errs, err)
		}
	}
	if c.WorkspaceSource == "" {
		errs = append(errs, fmt.Errorf("%s cannot be empty", EnvWorkspaceSource))
	}
	return errors.Join(errs...)
}

// ParseStore splits QUEUE_STORE into its scheme and location.
func ParseStore(s string) (scheme, location string, err error) {
	scheme, location, ok := strings.Cut(s, "://")
	if !ok || location == "" {
		return "", "", fmt.Errorf("%s %q must look like sqlite://<path> or redis://<addr>", EnvQueueStore, s)
	}
	switch scheme {
	case "sqlite", "redis":
		return scheme, location, nil
	default:
		return "", "", fmt.Errorf("%s scheme %q is not supported (sqlite, redis)", EnvQueueStore, scheme)
	}
}

// Repo parses Repository.
func (c Config) Repo() (github.Repo, error) {
	if c.Repository == "" {
		return github.Repo{}, fmt.Errorf("%s is not set", EnvRepository)
	}
	return github.ParseRepo(c.Repository)
}

func millis(v *viper.Viper, key string) time.Duration {
	return time.Duration(v.GetInt64(key)) * time.Millisecond
}

func isRemote(source string) bool {
	for _, prefix := range []string{"https://", "http://", "ssh://", "git@", "file://"} {
		if strings.HasPrefix(source, prefix) {
			return true
		}
	}
	return false
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
