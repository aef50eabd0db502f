// Package detect is the change-detection engine: it compares the monitored
// tree against the last snapshot, turns the net growth into an Observation,
// and records it in the local append log.
//
// Detection must never interfere with the workflow that triggered it. Run
// therefore never returns an error or panics; failures are reported through
// Result.Err and the diagnostic logger only.
package detect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/sentinelhq/sentinel/internal/diag"
	"github.com/sentinelhq/sentinel/internal/identity"
	"github.com/sentinelhq/sentinel/internal/metrics"
	"github.com/sentinelhq/sentinel/internal/observation"
	"github.com/sentinelhq/sentinel/internal/queue"
	"github.com/sentinelhq/sentinel/internal/snapshot"
)

// DefaultThreshold is the velocity, in characters per second, above which
// an observation is flagged suspicious.
const DefaultThreshold = 50.0

// MinTimeDelta floors the elapsed time between snapshots, which also
// absorbs clock skew that would otherwise make it zero or negative.
const MinTimeDelta = 1.0

// errAborted marks a run that ended in a recovered panic.
var errAborted = errors.New("detection aborted")

// Diff returns the net characters added from prior to current: the sum of
// positive length growth over every path in current. Shrunk files and files
// only in prior contribute nothing, so the result is never negative.
func Diff(prior, current *snapshot.Snapshot) int {
	if current == nil {
		return 0
	}

	total := 0
	for path, st := range current.Files {
		before := 0
		if prior != nil {
			before = prior.Length(path)
		}
		if st.Length > before {
			total += st.Length - before
		}
	}
	return total
}

// Classify builds the observation for charsAdded characters accumulated
// between priorAt (epoch seconds) and now.
//
// TimeDelta and Velocity are rounded to two decimals in the record; the
// suspicious decision is made on the unrounded velocity.
func Classify(charsAdded int, priorAt float64, now time.Time, who string, threshold float64) observation.Observation {
	delta := math.Max(snapshot.Seconds(now)-priorAt, MinTimeDelta)
	velocity := float64(charsAdded) / delta

	return observation.Observation{
		Timestamp:    now.UTC(),
		Identity:     who,
		CharsAdded:   charsAdded,
		TimeDelta:    round2(delta),
		Velocity:     round2(velocity),
		IsSuspicious: velocity > threshold,
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// Journal receives every recorded observation. It is advisory: a journal
// failure is logged and does not fail the run.
type Journal interface {
	RecordObservation(ctx context.Context, o observation.Observation) error
}

// Engine runs detection for one monitored tree.
type Engine struct {
	// Root is the monitored tree
	Root string

	// Threshold is the suspicious velocity; zero or less means DefaultThreshold
	Threshold float64

	// Identity the observations are attributed to
	Identity string

	Store   *snapshot.Store
	Queue   *queue.Log
	Journal Journal
	Metrics *metrics.Metrics
	Logger  *slog.Logger

	// Now is the clock; nil means time.Now
	Now func() time.Time
}

// Result describes what one Run did.
type Result struct {
	// Observation is the record produced, valid when Recorded is true
	Observation observation.Observation

	// Recorded is true once the observation is durably in the queue
	Recorded bool

	// Saved is true once the new snapshot replaced the old one
	Saved bool

	// PriorFound is false when no usable prior snapshot existed
	PriorFound bool

	// Err is the failure that ended the run early, if any
	Err error
}

func (e *Engine) logger() *slog.Logger {
	if e.Logger == nil {
		return diag.Discard()
	}
	return e.Logger.With("component", "detect")
}

func (e *Engine) now() time.Time {
	if e.Now == nil {
		return time.Now()
	}
	return e.Now()
}

func (e *Engine) threshold() float64 {
	if e.Threshold <= 0 {
		return DefaultThreshold
	}
	return e.Threshold
}

// Run performs one detection pass: read the tree, diff it against the prior
// snapshot, append the observation to the queue, then replace the snapshot.
//
// The snapshot is only replaced after the append succeeded, so a failed
// append leaves the growth to be counted again by the next run.
func (e *Engine) Run(ctx context.Context) Result {
	var res Result
	log := e.logger()

	ok := diag.Shield(ctx, log, "detect", func(ctx context.Context) error {
		res.Err = e.run(ctx, &res)
		return res.Err
	})
	if !ok && res.Err == nil {
		res.Err = errAborted
	}

	e.Metrics.Detection(!res.Recorded, res.Observation.CharsAdded, res.Observation.Velocity, res.Observation.IsSuspicious)
	return res
}

func (e *Engine) run(ctx context.Context, res *Result) error {
	log := e.logger()
	if e.Store == nil || e.Queue == nil {
		return fmt.Errorf("detect engine is missing its snapshot store or queue")
	}

	now := e.now()

	current, err := snapshot.ReadTree(e.Root, now)
	if err != nil {
		return err
	}

	prior, err := e.Store.Load()
	if err != nil {
		// MalformedState and unreadable state both mean "no prior"
		log.WarnContext(ctx, "prior snapshot unusable, starting fresh", "path", e.Store.Path(), "error", err)
	}

	priorAt := snapshot.Seconds(now)
	if prior != nil && prior.Found {
		priorAt = prior.ObservedAt
		res.PriorFound = true
	}

	who := e.Identity
	if who == "" {
		who = identity.Unknown
	}

	obs := Classify(Diff(prior, current), priorAt, now, who, e.threshold())
	res.Observation = obs

	if err := e.Queue.Append(obs); err != nil {
		return fmt.Errorf("failed to record observation: %w", err)
	}
	res.Recorded = true

	if err := e.Store.Save(current); err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	res.Saved = true

	log.DebugContext(ctx, "observation recorded",
		"chars_added", obs.CharsAdded,
		"time_delta", obs.TimeDelta,
		"velocity", obs.Velocity,
		"suspicious", obs.IsSuspicious,
		"files", current.Len())

	if obs.IsSuspicious {
		log.InfoContext(ctx, "suspicious change velocity", "velocity", obs.Velocity, "threshold", e.threshold())
	}

	if e.Journal != nil {
		if err := e.Journal.RecordObservation(ctx, obs); err != nil {
			log.WarnContext(ctx, "journal write failed", "error", err)
		}
	}

	if n, err := e.Queue.Len(); err == nil {
		e.Metrics.QueuePending(n)
	}

	return nil
}
