package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/sentinelhq/sentinel/internal/detect"
	"github.com/sentinelhq/sentinel/internal/queue"
	"github.com/sentinelhq/sentinel/internal/snapshot"
)

var detectFlagKeys = map[string]string{
	"root":       "root",
	"threshold":  "threshold",
	"state_file": "state-file",
	"queue_file": "queue-file",
	"history_db": "history-db",
}

// NewDetectCommand creates the detect command.
func NewDetectCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "detect",
		Short: "Record one change observation for the monitored tree",
		Long: `Snapshot the monitored tree, compare it with the previous snapshot and
append one observation to the local queue.

The observation counts characters added since the last run and the rate
they were added at; a rate above the threshold marks it suspicious.
detect always exits 0 and prints nothing, so it is safe in hooks.

Example:
  sentinel detect
  sentinel detect --root ./src --threshold 80`,
		Args:               cobra.ArbitraryArgs,
		FParseErrWhitelist: cobra.FParseErrWhitelist{UnknownFlags: true},
		RunE: func(cmd *cobra.Command, args []string) error {
			runDetect(cmd.Context(), cmd, rootOpts)
			return nil
		},
	}

	cmd.Flags().String("root", "", "monitored tree (default src)")
	cmd.Flags().Float64("threshold", detect.DefaultThreshold, "suspicious velocity in characters per second")
	cmd.Flags().String("state-file", "", "snapshot file")
	cmd.Flags().String("queue-file", "", "local observation queue")
	cmd.Flags().String("history-db", "", "local history journal")

	return cmd
}

func runDetect(ctx context.Context, cmd *cobra.Command, opts *RootOptions) {
	e, err := openEnv(ctx, cmd, opts, detectFlagKeys)
	if err != nil {
		opts.warn(cmd, "detect", err)
		return
	}
	defer e.close(ctx)

	eng := &detect.Engine{
		Root:      e.cfg.Root,
		Threshold: e.cfg.Threshold,
		Identity:  e.identity(ctx),
		Store:     snapshot.NewStore(e.cfg.StateFile),
		Queue:     queue.Open(e.cfg.QueueFile),
		Metrics:   e.metrics,
		Logger:    e.log.Logger,
	}
	if e.journal != nil {
		eng.Journal = e.journal
	}

	eng.Run(ctx)
}
