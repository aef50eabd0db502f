// Package loadtest simulates several agents detecting changes and
// publishing to one shared log at the same time.
//
// Each agent owns a project tree, a local queue and a working copy of a
// bare repository created for the run. After the concurrent rounds every
// agent drains its queue, and the shared log is cloned once more to check
// that each observation arrived exactly once.
package loadtest

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sentinelhq/sentinel/internal/detect"
	"github.com/sentinelhq/sentinel/internal/diag"
	"github.com/sentinelhq/sentinel/internal/metrics"
	"github.com/sentinelhq/sentinel/internal/observation"
	"github.com/sentinelhq/sentinel/internal/queue"
	"github.com/sentinelhq/sentinel/internal/relay"
	"github.com/sentinelhq/sentinel/internal/snapshot"
	"github.com/sentinelhq/sentinel/internal/vcs"
)

// Options configures a run.
type Options struct {
	// Dir holds everything the run creates; it should be empty
	Dir string

	Agents int
	Rounds int

	// SharedIdentity makes every agent report as the same identity with
	// per-agent partitions
	SharedIdentity bool

	// MaxAttempts bounds reconciliation per sync (default 5)
	MaxAttempts int

	// Seed makes the generated edits reproducible
	Seed int64

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// LatencyStats captures sync latency and outcomes.
type LatencyStats struct {
	Min  time.Duration
	Max  time.Duration
	Mean time.Duration
	P50  time.Duration // Median
	P95  time.Duration
	P99  time.Duration

	Syncs     int
	Outcomes  map[string]int
	Attempts  int
	Conflicts int
}

// Result is the outcome of a run.
type Result struct {
	Stats *LatencyStats

	// Observations is how many observations the agents recorded
	Observations int

	// Remote is how many distinct observations reached the shared log
	Remote int

	// Duplicates counts repeated observations within a partition
	Duplicates int

	// Pending is what was left in local queues after the drain
	Pending int

	// Partitions is the number of files in the shared log
	Partitions int
}

// Consistent reports whether every recorded observation reached the shared
// log exactly once.
func (r *Result) Consistent() bool {
	return r.Duplicates == 0 && r.Pending == 0 && r.Remote == r.Observations
}

type agent struct {
	id       int
	project  string
	detector *detect.Engine
	relay    *relay.Engine
	queue    *queue.Log
	rng      *rand.Rand
}

// Run executes the simulation.
func Run(ctx context.Context, opts Options) (*Result, error) {
	if opts.Agents <= 0 {
		opts.Agents = 4
	}
	if opts.Rounds <= 0 {
		opts.Rounds = 3
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.Logger == nil {
		opts.Logger = diag.Discard()
	}
	if opts.Dir == "" {
		return nil, fmt.Errorf("loadtest dir is required")
	}
	if !vcs.IsGitAvailable() {
		return nil, vcs.ErrVCSNotAvailable
	}

	remote := filepath.Join(opts.Dir, "shared.git")
	if err := initRemote(ctx, remote); err != nil {
		return nil, err
	}

	agents := make([]*agent, opts.Agents)
	for i := range agents {
		a, err := newAgent(opts, remote, i)
		if err != nil {
			return nil, err
		}
		agents[i] = a
	}

	durations, reports, err := runRounds(ctx, agents, opts.Rounds)
	if err != nil {
		return nil, err
	}

	res := &Result{
		Stats:        computeLatencyStats(durations, reports),
		Observations: len(agents) * opts.Rounds,
	}

	// Drain sequentially: without contention every sync publishes
	for _, a := range agents {
		a.relay.Sync(ctx)
		n, err := a.queue.Len()
		if err != nil {
			return nil, err
		}
		res.Pending += n
	}

	if err := verify(ctx, remote, filepath.Join(opts.Dir, "verify"), res); err != nil {
		return nil, err
	}
	return res, nil
}

func initRemote(ctx context.Context, dir string) error {
	if _, err := vcs.ExecContext(ctx, vcs.DefaultCommandTimeout, filepath.Dir(dir), nil,
		"git", "init", "--quiet", "--bare", dir); err != nil {
		return fmt.Errorf("failed to create shared log: %w", err)
	}
	if _, err := vcs.ExecContext(ctx, vcs.DefaultCommandTimeout, dir, nil,
		"git", "symbolic-ref", "HEAD", "refs/heads/"+relay.DefaultBranch); err != nil {
		return fmt.Errorf("failed to set shared log branch: %w", err)
	}
	return nil
}

func newAgent(opts Options, remote string, id int) (*agent, error) {
	project := filepath.Join(opts.Dir, fmt.Sprintf("agent-%02d", id))
	if err := os.MkdirAll(filepath.Join(project, "src"), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create agent project: %w", err)
	}

	who := fmt.Sprintf("agent-%02d", id)
	var instance string
	if opts.SharedIdentity {
		who, instance = "agent", fmt.Sprintf("%02d", id)
	}

	logger := opts.Logger.With("agent", id)
	q := queue.Open(filepath.Join(project, "telemetry.jsonl"))

	return &agent{
		id:      id,
		project: project,
		queue:   q,
		rng:     rand.New(rand.NewSource(opts.Seed + int64(id))),
		detector: &detect.Engine{
			Root:     filepath.Join(project, "src"),
			Identity: who,
			Store:    snapshot.NewStore(filepath.Join(project, ".sentinel_state.json")),
			Queue:    q,
			Metrics:  opts.Metrics,
			Logger:   logger,
		},
		relay: relay.New(relay.Config{
			URL:         remote,
			Dir:         filepath.Join(project, "log"),
			Identity:    who,
			Instance:    instance,
			MaxAttempts: opts.MaxAttempts,
			BaseBackoff: 50 * time.Millisecond,
		}, q, relay.WithMetrics(opts.Metrics), relay.WithLogger(logger)),
	}, nil
}

// runRounds lets every agent edit, detect and sync concurrently.
func runRounds(ctx context.Context, agents []*agent, rounds int) ([]time.Duration, []relay.Report, error) {
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		durations []time.Duration
		reports   []relay.Report
		firstErr  error
	)

	for _, a := range agents {
		wg.Add(1)
		go func(a *agent) {
			defer wg.Done()

			for r := 0; r < rounds; r++ {
				if err := a.edit(r); err != nil {
					mu.Lock()
					if firstErr == nil {
						firstErr = err
					}
					mu.Unlock()
					return
				}

				res := a.detector.Run(ctx)
				if !res.Recorded {
					mu.Lock()
					if firstErr == nil {
						firstErr = fmt.Errorf("agent %d round %d: detection failed: %v", a.id, r, res.Err)
					}
					mu.Unlock()
					return
				}

				start := time.Now()
				rep := a.relay.Sync(ctx)
				elapsed := time.Since(start)

				mu.Lock()
				durations = append(durations, elapsed)
				reports = append(reports, rep)
				mu.Unlock()
			}
		}(a)
	}

	wg.Wait()
	return durations, reports, firstErr
}

// edit grows the agent's tree by a random amount of text.
func (a *agent) edit(round int) error {
	n := 20 + a.rng.Intn(200)
	var b strings.Builder
	for b.Len() < n {
		fmt.Fprintf(&b, "agent %d round %d line %d\n", a.id, round, a.rng.Intn(1000))
	}

	path := filepath.Join(a.project, "src", fmt.Sprintf("round-%02d.txt", round))
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("agent %d: failed to edit tree: %w", a.id, err)
	}
	return nil
}

// verify clones the shared log and counts what arrived.
func verify(ctx context.Context, remote, dir string, res *Result) error {
	if err := vcs.Clone(ctx, vcs.TypeGit, remote, dir, vcs.Options{}); err != nil {
		return err
	}

	files, err := filepath.Glob(filepath.Join(dir, "*.jsonl"))
	if err != nil {
		return err
	}
	res.Partitions = len(files)

	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			return fmt.Errorf("failed to read partition: %w", err)
		}
		scanned, err := observation.DecodeAll(bytes.NewReader(data))
		if err != nil {
			return fmt.Errorf("failed to decode partition %s: %w", filepath.Base(f), err)
		}

		seen := make(map[string]bool, len(scanned.Records))
		for _, o := range scanned.Records {
			if seen[o.Key()] {
				res.Duplicates++
				continue
			}
			seen[o.Key()] = true
			res.Remote++
		}
	}
	return nil
}

// computeLatencyStats calculates statistics from sync durations and reports.
func computeLatencyStats(durations []time.Duration, reports []relay.Report) *LatencyStats {
	stats := &LatencyStats{Outcomes: make(map[string]int)}
	for _, rep := range reports {
		stats.Outcomes[rep.Outcome.String()]++
		stats.Attempts += rep.Attempts
		stats.Conflicts += rep.Conflicts
	}

	if len(durations) == 0 {
		return stats
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	stats.Min = sorted[0]
	stats.Max = sorted[len(sorted)-1]
	stats.Mean = sum / time.Duration(len(durations))
	stats.P50 = sorted[len(sorted)*50/100]
	stats.P95 = sorted[len(sorted)*95/100]
	stats.P99 = sorted[len(sorted)*99/100]
	stats.Syncs = len(durations)
	return stats
}
