package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/sentinelhq/sentinel/internal/config"
	"github.com/sentinelhq/sentinel/internal/history"
	"github.com/sentinelhq/sentinel/internal/identity"
	"github.com/sentinelhq/sentinel/internal/queue"
	"github.com/sentinelhq/sentinel/internal/snapshot"
	"github.com/sentinelhq/sentinel/internal/ui"
)

// StatusOptions holds flags for the status command.
type StatusOptions struct {
	*RootOptions
	Since  string
	Format string

	// now is the clock used to resolve --since
	now func() time.Time
}

// ValidStatusFormats are the accepted --format values.
var ValidStatusFormats = []string{"text", "yaml"}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StatusOptions{RootOptions: rootOpts, now: time.Now}

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the local queue, snapshot and history",
		Long: `Show what sentinel has recorded locally: pending observations, the last
snapshot, a summary of journaled observations and the latest sync runs.

--since accepts a duration (24h), a date (2026-01-02), an RFC 3339 time
or plain English such as "yesterday" or "last monday".

Example:
  sentinel status
  sentinel status --since yesterday --format yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd.Context(), cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Since, "since", "", "summarize history from this point")
	cmd.Flags().StringVar(&opts.Format, "format", "text", "output format (text|yaml)")

	return cmd
}

// statusReport is what status renders.
type statusReport struct {
	Project   string         `yaml:"project"`
	Identity  string         `yaml:"identity"`
	Partition string         `yaml:"partition"`
	Queue     queueStatus    `yaml:"queue"`
	Snapshot  snapshotStatus `yaml:"snapshot"`
	History   *historyStatus `yaml:"history,omitempty"`
	Remote    remoteStatus   `yaml:"remote"`
}

type queueStatus struct {
	Path      string `yaml:"path"`
	Pending   int    `yaml:"pending"`
	Malformed int    `yaml:"malformed"`
}

type snapshotStatus struct {
	Path       string    `yaml:"path"`
	Found      bool      `yaml:"found"`
	Files      int       `yaml:"files"`
	ObservedAt time.Time `yaml:"observed_at,omitempty"`
}

type historyStatus struct {
	Path         string         `yaml:"path"`
	Since        time.Time      `yaml:"since,omitempty"`
	Observations int            `yaml:"observations"`
	Suspicious   int            `yaml:"suspicious"`
	CharsAdded   int            `yaml:"chars_added"`
	MaxVelocity  float64        `yaml:"max_velocity"`
	Syncs        map[string]int `yaml:"syncs,omitempty"`
	LastSync     *lastSync      `yaml:"last_sync,omitempty"`
}

type lastSync struct {
	At        time.Time `yaml:"at"`
	Outcome   string    `yaml:"outcome"`
	Attempts  int       `yaml:"attempts"`
	Published int       `yaml:"published"`
	Detail    string    `yaml:"detail,omitempty"`
}

type remoteStatus struct {
	URL    string `yaml:"url"`
	Dir    string `yaml:"dir"`
	Branch string `yaml:"branch"`
}

func runStatus(ctx context.Context, cmd *cobra.Command, opts *StatusOptions) error {
	if !isValidFormat(opts.Format) {
		return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidStatusFormats)
	}

	since, err := parseSince(opts.Since, opts.now())
	if err != nil {
		return err
	}

	cfg, dir, err := opts.loadConfig(cmd, nil)
	if err != nil {
		return err
	}

	rep, err := collectStatus(ctx, cfg, dir, since)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if opts.Format == "yaml" {
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		if err := enc.Encode(rep); err != nil {
			return fmt.Errorf("failed to render status: %w", err)
		}
		return enc.Close()
	}
	renderStatus(out, rep)
	return nil
}

func isValidFormat(format string) bool {
	for _, f := range ValidStatusFormats {
		if f == format {
			return true
		}
	}
	return false
}

func collectStatus(ctx context.Context, cfg *config.Config, dir string, since time.Time) (*statusReport, error) {
	who := identity.Resolver{Override: cfg.Identity.Name, Dir: dir}.Resolve(ctx)

	var instance string
	if cfg.Identity.InstanceScoped {
		id, err := identity.InstanceID(dir)
		if err != nil {
			return nil, err
		}
		instance = id
	}

	rep := &statusReport{
		Project:   dir,
		Identity:  who,
		Partition: identity.PartitionFile(who, instance),
		Remote: remoteStatus{
			URL:    cfg.Remote.URL,
			Dir:    cfg.Remote.Dir,
			Branch: cfg.Remote.Branch,
		},
	}

	batch, err := queue.Open(cfg.QueueFile).Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read queue: %w", err)
	}
	rep.Queue = queueStatus{
		Path:      cfg.QueueFile,
		Pending:   len(batch.Records),
		Malformed: batch.Malformed,
	}

	// A malformed snapshot is reported as not found, as detect treats it
	snap, _ := snapshot.NewStore(cfg.StateFile).Load()
	rep.Snapshot = snapshotStatus{Path: cfg.StateFile, Found: snap.Found, Files: snap.Len()}
	if snap.Found {
		rep.Snapshot.ObservedAt = snapshot.Time(snap.ObservedAt).Local().Truncate(time.Second)
	}

	hist, err := historyOf(ctx, cfg.HistoryDB, since)
	if err != nil {
		return nil, err
	}
	rep.History = hist

	return rep, nil
}

// historyOf summarizes the journal. It returns nil when no journal exists;
// status never creates one.
func historyOf(ctx context.Context, path string, since time.Time) (*historyStatus, error) {
	if path == "" {
		return nil, nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}

	db, err := history.OpenContext(ctx, path)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	sum, err := db.Summarize(ctx, since)
	if err != nil {
		return nil, err
	}
	counts, err := db.SyncCounts(ctx, since)
	if err != nil {
		return nil, err
	}
	last, err := db.LastSync(ctx)
	if err != nil {
		return nil, err
	}

	h := &historyStatus{
		Path:         path,
		Since:        since,
		Observations: sum.Observations,
		Suspicious:   sum.Suspicious,
		CharsAdded:   sum.CharsAdded,
		MaxVelocity:  sum.MaxVelocity,
		Syncs:        counts,
	}
	if last != nil {
		h.LastSync = &lastSync{
			At:        last.FinishedAt,
			Outcome:   last.Outcome,
			Attempts:  last.Attempts,
			Published: last.Published,
			Detail:    last.Detail,
		}
	}
	return h, nil
}

// parseSince resolves --since against now. Empty means the whole history.
func parseSince(text string, now time.Time) (time.Time, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return time.Time{}, nil
	}

	if d, err := time.ParseDuration(text); err == nil {
		return now.Add(-d), nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04", "2006-01-02"} {
		if t, err := time.ParseInLocation(layout, text, now.Location()); err == nil {
			return t, nil
		}
	}

	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)

	r, err := w.Parse(text, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --since %q: %w", text, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("invalid --since %q: not a time or duration", text)
	}
	return r.Time, nil
}

func renderStatus(w io.Writer, rep *statusReport) {
	fmt.Fprintln(w, ui.Section("Sentinel",
		ui.Field("Project", rep.Project),
		ui.Field("Identity", rep.Identity),
		ui.Field("Partition", rep.Partition),
	))

	queueLines := []string{
		ui.Field("Path", rep.Queue.Path),
		ui.Field("Pending", pendingLabel(rep.Queue.Pending)),
	}
	if rep.Queue.Malformed > 0 {
		queueLines = append(queueLines, ui.Field("Malformed", ui.RenderWarn(fmt.Sprintf("%s %d", ui.IconWarn, rep.Queue.Malformed))))
	}
	fmt.Fprintln(w, ui.Section("Queue", queueLines...))

	snapLines := []string{ui.Field("Path", rep.Snapshot.Path)}
	if rep.Snapshot.Found {
		snapLines = append(snapLines,
			ui.Field("Files", rep.Snapshot.Files),
			ui.Field("Observed", rep.Snapshot.ObservedAt.Format("2006-01-02 15:04:05")))
	} else {
		snapLines = append(snapLines, ui.Field("State", ui.RenderMuted(ui.IconPending+" no snapshot yet")))
	}
	fmt.Fprintln(w, ui.Section("Snapshot", snapLines...))

	remote := rep.Remote.URL
	if remote == "" {
		remote = ui.RenderMuted("not configured")
	}
	fmt.Fprintln(w, ui.Section("Remote",
		ui.Field("URL", remote),
		ui.Field("Working copy", rep.Remote.Dir),
		ui.Field("Branch", rep.Remote.Branch),
	))

	if rep.History == nil {
		fmt.Fprintln(w, ui.RenderMuted("No history journal yet."))
		return
	}

	h := rep.History
	window := "all time"
	if !h.Since.IsZero() {
		window = "since " + h.Since.Format("2006-01-02 15:04")
	}
	histLines := []string{
		ui.Field("Window", window),
		ui.Field("Observations", h.Observations),
		ui.Field("Suspicious", suspiciousLabel(h.Suspicious)),
		ui.Field("Chars added", h.CharsAdded),
		ui.Field("Max velocity", fmt.Sprintf("%.2f chars/s", h.MaxVelocity)),
	}
	if len(h.Syncs) > 0 {
		histLines = append(histLines, ui.Field("Syncs", formatCounts(h.Syncs)))
	}
	if h.LastSync != nil {
		histLines = append(histLines, ui.Field("Last sync", lastSyncLabel(h.LastSync)))
	}
	fmt.Fprintln(w, ui.Section("History", histLines...))
}

func pendingLabel(n int) string {
	if n == 0 {
		return ui.RenderPass(ui.IconPass + " 0")
	}
	return fmt.Sprintf("%d", n)
}

func suspiciousLabel(n int) string {
	if n == 0 {
		return "0"
	}
	return ui.RenderWarn(fmt.Sprintf("%s %d", ui.IconWarn, n))
}

func lastSyncLabel(s *lastSync) string {
	at := s.At.Local().Format("2006-01-02 15:04:05")
	switch s.Outcome {
	case "published":
		return ui.RenderPass(ui.IconPass+" published") + fmt.Sprintf(" %d at %s", s.Published, at)
	default:
		label := ui.RenderFail(ui.IconFail+" "+s.Outcome) + " at " + at
		if s.Detail != "" {
			label += " (" + s.Detail + ")"
		}
		return label
	}
}

func formatCounts(counts map[string]int) string {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, counts[k]))
	}
	return strings.Join(parts, " ")
}
