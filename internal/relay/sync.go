package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sentinelhq/sentinel/internal/diag"
	"github.com/sentinelhq/sentinel/internal/history"
)

var errAborted = errors.New("sync aborted")

// Sync ensures the working copy and publishes the queue. It never returns
// an error and never panics: the outcome is reported, journaled, counted
// and logged, and the caller carries on regardless.
func (e *Engine) Sync(ctx context.Context) Report {
	started := e.now()
	var rep Report

	ok := diag.Shield(ctx, e.logger, "sync", func(ctx context.Context) error {
		rep = e.sync(ctx)
		if rep.Outcome == Published {
			return nil
		}
		return rep.Err
	})
	if !ok && rep.Err == nil {
		rep = Report{Outcome: Unavailable, Err: errAborted}
	}

	e.finish(ctx, started, rep)
	return rep
}

func (e *Engine) sync(ctx context.Context) Report {
	release, err := e.lock()
	if err != nil {
		return Report{Outcome: Unavailable, Err: err}
	}
	defer release()

	// An empty queue never touches the remote
	batch, err := e.queue.Read()
	if err != nil {
		return Report{Outcome: Unavailable, Err: fmt.Errorf("failed to read queue: %w", err)}
	}
	if batch.Empty() {
		e.discard(ctx, batch)
		return Report{Outcome: Published}
	}

	ready, err := e.ensureRemote(ctx)
	if ready != Ready {
		return Report{Outcome: Unavailable, Err: err}
	}
	return e.publish(ctx)
}

// finish journals and counts a completed sync.
func (e *Engine) finish(ctx context.Context, started time.Time, rep Report) {
	finished := e.now()

	if e.journal != nil {
		run := history.SyncRun{
			StartedAt:  started,
			FinishedAt: finished,
			Outcome:    rep.Outcome.String(),
			Attempts:   rep.Attempts,
			Published:  rep.Published,
			Conflicts:  rep.Conflicts,
		}
		if rep.Err != nil {
			run.Detail = rep.Err.Error()
		}
		if err := e.journal.RecordSync(ctx, run); err != nil {
			e.logger.WarnContext(ctx, "journal write failed", "error", err)
		}
	}

	e.metrics.Sync(rep.Outcome.String(), rep.Attempts, rep.Published, finished.Sub(started))
	if e.queue != nil {
		e.metrics.QueuePending(queueLen(e.queue))
	}

	e.logger.DebugContext(ctx, "sync finished",
		"outcome", rep.Outcome.String(),
		"attempts", rep.Attempts,
		"published", rep.Published,
		"elapsed", finished.Sub(started))
}

// RunEvery syncs immediately and then once per interval until ctx is
// cancelled. after, when non-nil, sees every report.
func (e *Engine) RunEvery(ctx context.Context, interval time.Duration, after func(Report)) {
	if interval <= 0 {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		rep := e.Sync(ctx)
		if after != nil {
			after(rep)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
