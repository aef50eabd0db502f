package relay

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"

	"github.com/sentinelhq/sentinel/internal/observation"
	"github.com/sentinelhq/sentinel/internal/queue"
	"github.com/sentinelhq/sentinel/internal/vcs"
)

// Publish drains the local queue into this agent's partition of the shared
// log. The working copy must already exist (see EnsureRemote).
func (e *Engine) Publish(ctx context.Context) Report {
	release, err := e.lock()
	if err != nil {
		return Report{Outcome: Unavailable, Err: err}
	}
	defer release()

	return e.publish(ctx)
}

// session is one publish against an open working copy.
type session struct {
	e         *Engine
	v         vcs.VCS
	partition string
	path      string
	records   []observation.Observation
}

func (e *Engine) publish(ctx context.Context) Report {
	batch, err := e.queue.Read()
	if err != nil {
		return Report{Outcome: Unavailable, Err: fmt.Errorf("failed to read queue: %w", err)}
	}

	if batch.Empty() {
		e.discard(ctx, batch)
		return Report{Outcome: Published}
	}
	if batch.Malformed > 0 {
		e.logger.WarnContext(ctx, "skipping malformed queue lines", "lines", batch.Malformed)
	}

	v, err := e.open()
	if err != nil {
		return Report{Outcome: Unavailable, Err: err}
	}

	root, err := v.RepoRoot()
	if err != nil {
		return Report{Outcome: Unavailable, Err: err}
	}

	s := &session{
		e:         e,
		v:         v,
		partition: e.cfg.Partition(),
		path:      filepath.Join(root, e.cfg.Partition()),
		records:   batch.Records,
	}

	if err := s.recover(ctx); err != nil {
		return Report{Outcome: Unavailable, Err: err}
	}
	if err := s.stage(ctx); err != nil {
		return Report{Outcome: Unavailable, Err: err}
	}

	rep := s.reconcile(ctx)
	if rep.Outcome != Published {
		return rep
	}

	rep.Published = len(batch.Records)
	if err := e.queue.Consume(batch.Lines); err != nil {
		// The records are on the remote; a repeat sync dedupes them
		e.logger.WarnContext(ctx, "failed to consume published records", "error", err)
	}
	return rep
}

// discard drops a batch holding only undecodable lines. There is nothing
// to publish from it.
func (e *Engine) discard(ctx context.Context, batch queue.Batch) {
	if batch.Lines == 0 {
		return
	}
	e.logger.WarnContext(ctx, "discarding malformed queue lines", "lines", batch.Lines)
	if err := e.queue.Consume(batch.Lines); err != nil {
		e.logger.WarnContext(ctx, "failed to discard malformed lines", "error", err)
	}
}

// recover returns the working copy to a clean committed state. An
// interrupted sync may have left a rebase in progress or uncommitted
// partition edits; the queue still holds everything they contained.
func (s *session) recover(ctx context.Context) error {
	if s.v.IsInRebaseOrMerge() {
		s.e.logger.InfoContext(ctx, "aborting interrupted rebase")
		if err := s.v.AbortRebase(ctx); err != nil {
			return err
		}
	}
	if !s.v.HasCommits() {
		return nil
	}
	dirty, err := s.v.HasChanges()
	if err != nil {
		return err
	}
	if dirty {
		s.e.logger.InfoContext(ctx, "discarding uncommitted edits in working copy")
		return s.v.ResetHard(ctx, "HEAD")
	}
	return nil
}

// stage appends the batch to the partition and commits it if anything changed.
func (s *session) stage(ctx context.Context) error {
	n, err := appendDeduped(s.path, s.records)
	if err != nil {
		return err
	}

	changed, err := s.v.HasChanges(s.partition)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}

	return s.v.Commit(ctx, vcs.CommitOptions{
		Message:   fmt.Sprintf("sentinel: append %d observation(s) to %s", n, s.partition),
		Paths:     []string{s.partition},
		NoGPGSign: true,
		NoVerify:  true,
	})
}

// replay rebuilds the local commit on top of upstream after a failed rebase.
func (s *session) replay(ctx context.Context, upstream string) error {
	if err := s.v.AbortRebase(ctx); err != nil {
		return err
	}
	if err := s.v.ResetHard(ctx, upstream); err != nil {
		return err
	}
	return s.stage(ctx)
}

// reconcile runs the bounded fetch, rebase, push loop.
func (s *session) reconcile(ctx context.Context) Report {
	var (
		rep     Report
		lastErr error
		cfg     = s.e.cfg
	)
	upstream := cfg.Remote + "/" + cfg.Branch
	log := s.e.logger.With("partition", s.partition)

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := s.e.sleep(ctx, s.e.backoff(attempt)); err != nil {
			rep.Outcome, rep.Err = Unavailable, err
			return rep
		}
		rep.Attempts = attempt

		if err := s.fetch(ctx); err != nil {
			rep.Outcome, rep.Err = Unavailable, err
			return rep
		}

		if s.v.RemoteRefExists(cfg.Remote, cfg.Branch) {
			err := s.integrate(ctx, upstream)
			if errors.Is(err, vcs.ErrConflicts) {
				own, cerr := s.ownConflict()
				if cerr != nil {
					log.WarnContext(ctx, "failed to list conflicted files", "error", cerr)
				}
				if own {
					rep.Conflicts++
					s.e.metrics.Conflict()
					log.WarnContext(ctx, "conflict in own partition; another agent shares this identity",
						"attempt", attempt)
					lastErr = fmt.Errorf("%w: %s", ErrReconciliationConflict, s.partition)
				} else {
					log.DebugContext(ctx, "rebase conflict outside own partition", "attempt", attempt)
					lastErr = err
				}
			} else if err != nil {
				log.WarnContext(ctx, "rebase failed", "attempt", attempt, "error", err)
				lastErr = err
			}

			if err != nil {
				if rerr := s.replay(ctx, upstream); rerr != nil {
					rep.Outcome, rep.Err = Unavailable, rerr
					return rep
				}
				continue
			}
		}

		err := s.push(ctx)
		if err == nil {
			rep.Outcome, rep.Err = Published, nil
			log.InfoContext(ctx, "published", "attempt", attempt, "records", len(s.records))
			return rep
		}
		if !errors.Is(err, vcs.ErrPushRejected) {
			rep.Outcome, rep.Err = Unavailable, err
			return rep
		}
		log.DebugContext(ctx, "push rejected, remote moved", "attempt", attempt)
		lastErr = err
	}

	rep.Outcome = Rejected
	rep.Err = fmt.Errorf("gave up after %d attempt(s): %w", rep.Attempts, lastErr)
	return rep
}

// integrate brings the local commit on top of upstream. A working copy
// with no commits of its own adopts upstream and restages instead.
func (s *session) integrate(ctx context.Context, upstream string) error {
	if !s.v.HasCommits() {
		if err := s.v.ResetHard(ctx, upstream); err != nil {
			return err
		}
		return s.stage(ctx)
	}
	return s.v.Rebase(ctx, upstream)
}

func (s *session) ownConflict() (bool, error) {
	files, err := s.v.GetConflictedFiles()
	if err != nil {
		return false, err
	}
	return slices.Contains(files, s.partition), nil
}

func (s *session) fetch(ctx context.Context) error {
	nctx, cancel := context.WithTimeout(ctx, s.e.cfg.NetworkTimeout)
	defer cancel()
	return s.v.Fetch(nctx, s.e.cfg.Remote, s.e.cfg.Branch)
}

func (s *session) push(ctx context.Context) error {
	nctx, cancel := context.WithTimeout(ctx, s.e.cfg.NetworkTimeout)
	defer cancel()
	return s.v.Push(nctx, vcs.PushOptions{
		Remote:      s.e.cfg.Remote,
		Ref:         s.e.cfg.Branch,
		SetUpstream: true,
	})
}

// queueLen reports the pending depth for metrics; errors read as zero.
func queueLen(q *queue.Log) int {
	n, err := q.Len()
	if err != nil {
		return 0
	}
	return n
}
