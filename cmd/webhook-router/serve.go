package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/holon-run/miyabi/pkg/config"
	"github.com/holon-run/miyabi/pkg/dispatch"
	miyabilog "github.com/holon-run/miyabi/pkg/log"
	"github.com/holon-run/miyabi/pkg/serve"
)

// build is replaced in tests.
var build = dispatch.Build

func newServeCmd(stderr io.Writer) *cobra.Command {
	var (
		addr     string
		stateDir string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Receive webhook deliveries and dispatch agent runs",
		Long: `Run the HTTP ingress in front of a live dispatcher.

POST /webhook accepts GitHub deliveries (or generic {"kind","action","identifier"}
frames); GET /health reports queue occupancy. When GITHUB_WEBHOOK_SECRET is set,
deliveries must carry a valid X-Hub-Signature-256 header. A full queue answers
503 with Retry-After.

Received events and routing decisions are appended to events.ndjson and
decisions.ndjson under the state directory.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return invalid(err)
			}
			if err := cfg.Validate(); err != nil {
				return invalid(err)
			}
			level, err := miyabilog.ParseLevel(cfg.LogLevel)
			if err != nil {
				return invalid(err)
			}
			if err := miyabilog.Init(miyabilog.Config{Level: level, Output: stderr}); err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}
			defer miyabilog.Sync()

			if stateDir == "" {
				stateDir = cfg.StateDir
			}
			absStateDir, err := filepath.Abs(stateDir)
			if err != nil {
				return fmt.Errorf("failed to resolve state dir: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serveWebhooks(ctx, cfg, addr, absStateDir)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8080", "Listen address")
	cmd.Flags().StringVar(&stateDir, "state-dir", "", "State directory (default: $MIYABI_STATE_DIR or .miyabi/state)")
	return cmd
}

func serveWebhooks(ctx context.Context, cfg config.Config, addr, stateDir string) error {
	svc, err := build(ctx, cfg, dispatch.Deps{})
	if err != nil {
		return err
	}
	defer svc.Close()

	ws, err := serve.NewWebhookServer(serve.WebhookConfig{
		Addr:      addr,
		StateDir:  stateDir,
		Submitter: svc,
		Secret:    cfg.WebhookSecret,
	})
	if err != nil {
		return err
	}
	defer ws.Close()

	if err := svc.Start(ctx); err != nil {
		return err
	}
	miyabilog.Info("serve started", "repo", cfg.Repository, "state_dir", stateDir, "workers", cfg.Concurrency, "capacity", cfg.QueueCapacity)

	serveErr := ws.Start(ctx)

	// Stop accepting runs only after the listener is gone so no delivery
	// is acknowledged against a stopped pool.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownDeadline)
	defer cancel()
	if err := svc.Shutdown(shutdownCtx, true); err != nil {
		miyabilog.Warn("dispatcher shutdown incomplete", "error", err)
	}
	return serveErr
}
