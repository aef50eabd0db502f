package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sentinelhq/sentinel/internal/identity"
	"github.com/sentinelhq/sentinel/internal/queue"
	"github.com/sentinelhq/sentinel/internal/relay"
)

var syncFlagKeys = map[string]string{
	"queue_file":               "queue-file",
	"history_db":               "history-db",
	"identity.instance_scoped": "instance-scoped",
	"remote.url":               "url",
	"remote.dir":               "dir",
	"remote.name":              "remote",
	"remote.branch":            "branch",
	"remote.max_attempts":      "max-attempts",
	"remote.network_timeout":   "network-timeout",
}

// SyncOptions holds flags for the sync command.
type SyncOptions struct {
	*RootOptions
	Every time.Duration
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SyncOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Publish queued observations to the shared log",
		Long: `Make sure the local working copy of the shared log exists, append the
queued observations to this contributor's file, and push them.

Concurrent pushes are reconciled by rebasing and retrying a bounded
number of times. Observations leave the local queue only after a push
is confirmed. sync always exits 0 and prints nothing.

Example:
  sentinel sync
  sentinel sync --url git@example.com:team/sentinel-log.git
  sentinel sync --every 5m`,
		Args:               cobra.ArbitraryArgs,
		FParseErrWhitelist: cobra.FParseErrWhitelist{UnknownFlags: true},
		RunE: func(cmd *cobra.Command, args []string) error {
			runSync(cmd.Context(), cmd, opts)
			return nil
		},
	}

	cmd.Flags().String("url", "", "shared log repository URL")
	cmd.Flags().String("dir", "", "local working copy of the shared log")
	cmd.Flags().String("remote", "", "upstream remote name")
	cmd.Flags().String("branch", "", "upstream branch")
	cmd.Flags().Int("max-attempts", relay.DefaultMaxAttempts, "reconciliation attempts per sync")
	cmd.Flags().Duration("network-timeout", relay.DefaultNetworkTimeout, "timeout for each fetch or push")
	cmd.Flags().Bool("instance-scoped", false, "write to a per-agent partition")
	cmd.Flags().String("queue-file", "", "local observation queue")
	cmd.Flags().String("history-db", "", "local history journal")
	cmd.Flags().DurationVar(&opts.Every, "every", 0, "keep running and sync at this interval")

	return cmd
}

func runSync(ctx context.Context, cmd *cobra.Command, opts *SyncOptions) {
	e, err := openEnv(ctx, cmd, opts.RootOptions, syncFlagKeys)
	if err != nil {
		opts.warn(cmd, "sync", err)
		return
	}
	defer e.close(ctx)

	eng := newRelay(ctx, e)

	if opts.Every <= 0 {
		eng.Sync(ctx)
		return
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	e.log.InfoContext(ctx, "periodic sync started", "interval", opts.Every)
	eng.RunEvery(ctx, opts.Every, func(relay.Report) {
		e.exportMetrics(ctx)
	})
	e.log.InfoContext(ctx, "periodic sync stopped")
}

func newRelay(ctx context.Context, e *env) *relay.Engine {
	cfg := e.cfg

	var instance string
	if cfg.Identity.InstanceScoped {
		id, err := identity.InstanceID(e.projectDir)
		if err != nil {
			e.log.WarnContext(ctx, "instance id unavailable, using shared partition", "error", err)
		} else {
			instance = id
		}
	}

	opts := []relay.Option{
		relay.WithMetrics(e.metrics),
		relay.WithLogger(e.log.Logger),
	}
	if e.journal != nil {
		opts = append(opts, relay.WithJournal(e.journal))
	}

	return relay.New(relay.Config{
		URL:            cfg.Remote.URL,
		Dir:            cfg.Remote.Dir,
		Remote:         cfg.Remote.Name,
		Branch:         cfg.Remote.Branch,
		Identity:       e.identity(ctx),
		Instance:       instance,
		CloneTimeout:   cfg.Remote.CloneTimeout,
		NetworkTimeout: cfg.Remote.NetworkTimeout,
		MaxAttempts:    cfg.Remote.MaxAttempts,
		BaseBackoff:    cfg.Remote.BaseBackoff,
	}, queue.Open(cfg.QueueFile), opts...)
}
