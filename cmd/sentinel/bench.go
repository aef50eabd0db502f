package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/sentinelhq/sentinel/internal/diag"
	"github.com/sentinelhq/sentinel/internal/loadtest"
	"github.com/sentinelhq/sentinel/internal/metrics"
	"github.com/sentinelhq/sentinel/internal/ui"
)

// BenchOptions holds flags for the bench command.
type BenchOptions struct {
	*RootOptions
	Agents         int
	Rounds         int
	SharedIdentity bool
	Keep           bool
	Format         string
	Textfile       string
}

// NewBenchCommand creates the bench command.
func NewBenchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &BenchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Simulate concurrent agents publishing to a scratch shared log",
		Long: `Create a scratch bare repository and let several simulated agents edit,
detect and sync against it at the same time, then check that every
observation reached the shared log exactly once.

The command exits non-zero when the shared log is inconsistent.

Examples:
  sentinel bench
  sentinel bench --agents 8 --rounds 5
  sentinel bench --shared-identity --format yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBench(cmd, opts)
		},
	}

	cmd.Flags().IntVar(&opts.Agents, "agents", 4, "number of concurrent agents")
	cmd.Flags().IntVar(&opts.Rounds, "rounds", 3, "edit/detect/sync rounds per agent")
	cmd.Flags().BoolVar(&opts.SharedIdentity, "shared-identity", false, "all agents share one identity with per-agent partitions")
	cmd.Flags().BoolVar(&opts.Keep, "keep", false, "keep the scratch directory")
	cmd.Flags().StringVar(&opts.Format, "format", "text", "output format (text|yaml)")
	cmd.Flags().StringVar(&opts.Textfile, "metrics-textfile", "", "write the run's metrics to this file")

	return cmd
}

func runBench(cmd *cobra.Command, opts *BenchOptions) error {
	if opts.Agents <= 0 {
		return fmt.Errorf("--agents must be positive")
	}
	if opts.Rounds <= 0 {
		return fmt.Errorf("--rounds must be positive")
	}
	if !isValidFormat(opts.Format) {
		return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidStatusFormats)
	}

	dir, err := os.MkdirTemp("", "sentinel-bench-*")
	if err != nil {
		return fmt.Errorf("failed to create scratch dir: %w", err)
	}
	if !opts.Keep {
		defer os.RemoveAll(dir)
	}

	logger, err := diag.New(diag.Options{Level: "debug", Stderr: opts.Verbose})
	if err != nil {
		return err
	}
	defer logger.Close()

	m := metrics.New()
	start := time.Now()
	res, err := loadtest.Run(cmd.Context(), loadtest.Options{
		Dir:            dir,
		Agents:         opts.Agents,
		Rounds:         opts.Rounds,
		SharedIdentity: opts.SharedIdentity,
		Seed:           start.UnixNano(),
		Metrics:        m,
		Logger:         logger.Logger,
	})
	if err != nil {
		return err
	}
	elapsed := time.Since(start)

	if err := m.WriteTextfile(opts.Textfile); err != nil {
		return fmt.Errorf("failed to write metrics: %w", err)
	}

	out := cmd.OutOrStdout()
	if opts.Format == "yaml" {
		if err := writeBenchYAML(out, res, elapsed); err != nil {
			return err
		}
	} else {
		printBench(out, opts, res, elapsed)
		if opts.Keep {
			fmt.Fprintln(out, ui.Field("Scratch", dir))
		}
	}

	if !res.Consistent() {
		return fmt.Errorf("shared log inconsistent: %d recorded, %d published, %d duplicated, %d pending",
			res.Observations, res.Remote, res.Duplicates, res.Pending)
	}
	return nil
}

func printBench(w io.Writer, opts *BenchOptions, res *loadtest.Result, elapsed time.Duration) {
	s := res.Stats

	verdict := ui.RenderPass(ui.IconPass + " consistent")
	if !res.Consistent() {
		verdict = ui.RenderFail(ui.IconFail + " inconsistent")
	}

	fmt.Fprintln(w, ui.Section("Bench",
		ui.Field("Agents", opts.Agents),
		ui.Field("Rounds", opts.Rounds),
		ui.Field("Elapsed", elapsed.Round(time.Millisecond)),
		ui.Field("Shared log", verdict),
		ui.Field("Recorded", res.Observations),
		ui.Field("Published", res.Remote),
		ui.Field("Partitions", res.Partitions),
	))
	fmt.Fprintln(w, ui.Section("Sync latency",
		ui.Field("Syncs", s.Syncs),
		ui.Field("Outcomes", formatCounts(s.Outcomes)),
		ui.Field("Attempts", s.Attempts),
		ui.Field("Conflicts", s.Conflicts),
		ui.Field("Min", s.Min.Round(time.Millisecond)),
		ui.Field("P50", s.P50.Round(time.Millisecond)),
		ui.Field("P95", s.P95.Round(time.Millisecond)),
		ui.Field("Max", s.Max.Round(time.Millisecond)),
	))
}

func writeBenchYAML(w io.Writer, res *loadtest.Result, elapsed time.Duration) error {
	doc := map[string]any{
		"elapsed":      elapsed.Round(time.Millisecond).String(),
		"consistent":   res.Consistent(),
		"observations": res.Observations,
		"remote":       res.Remote,
		"duplicates":   res.Duplicates,
		"pending":      res.Pending,
		"partitions":   res.Partitions,
		"syncs": map[string]any{
			"count":     res.Stats.Syncs,
			"outcomes":  res.Stats.Outcomes,
			"attempts":  res.Stats.Attempts,
			"conflicts": res.Stats.Conflicts,
			"p50":       res.Stats.P50.String(),
			"p95":       res.Stats.P95.String(),
			"max":       res.Stats.Max.String(),
		},
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("failed to render bench result: %w", err)
	}
	return enc.Close()
}
