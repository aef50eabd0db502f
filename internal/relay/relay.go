// Package relay is the sync engine. It drains the local append log into
// this agent's partition of the shared remote log, a git repository that
// many agents write concurrently.
//
// Concurrency control is optimistic: append locally, commit, then loop
// fetch, rebase and push until the push lands or the attempt budget is
// spent. The local queue is consumed only after a confirmed push, so a
// failure at any point defers the data to the next sync instead of losing
// it. Partition appends skip records already present, which makes the
// resulting at-least-once delivery safe to repeat.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sentinelhq/sentinel/internal/diag"
	"github.com/sentinelhq/sentinel/internal/history"
	"github.com/sentinelhq/sentinel/internal/identity"
	"github.com/sentinelhq/sentinel/internal/metrics"
	"github.com/sentinelhq/sentinel/internal/queue"
	"github.com/sentinelhq/sentinel/internal/vcs"

	// Registers the git backend
	_ "github.com/sentinelhq/sentinel/internal/vcs/git"
)

// Defaults applied by New for zero Config fields.
const (
	DefaultBranch         = "main"
	DefaultCloneTimeout   = 30 * time.Second
	DefaultNetworkTimeout = 10 * time.Second
	DefaultMaxAttempts    = 3
	DefaultBaseBackoff    = 500 * time.Millisecond
)

// ErrReconciliationConflict reports a rebase conflict inside this agent's
// own partition: another writer is using the same identity.
var ErrReconciliationConflict = errors.New("reconciliation conflict in own partition")

// Outcome is the result of a publish.
type Outcome int

const (
	// Published means the queue was empty or its batch is confirmed on the remote
	Published Outcome = iota

	// Rejected means every reconciliation attempt lost to concurrent writers
	Rejected

	// Unavailable means the remote or the local state could not be used this run
	Unavailable
)

func (o Outcome) String() string {
	switch o {
	case Published:
		return "published"
	case Rejected:
		return "rejected"
	case Unavailable:
		return "unavailable"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Readiness is the result of EnsureRemote.
type Readiness int

const (
	// Ready means a usable working copy exists locally
	Ready Readiness = iota

	// Unreachable means no working copy exists and none could be made
	Unreachable
)

func (r Readiness) String() string {
	if r == Ready {
		return "ready"
	}
	return "unavailable"
}

// Config describes the shared log and how hard to try reaching it.
type Config struct {
	// URL is the shared log repository to clone from
	URL string

	// Dir is the local working copy of the shared log
	Dir string

	// Remote and Branch name the upstream; defaults origin and main
	Remote string
	Branch string

	// Identity owns the partition written to. Instance, when set,
	// scopes the partition to this agent.
	Identity string
	Instance string

	// AuthorEmail is recorded on commits; defaults to <identity>@sentinel.local
	AuthorEmail string

	CloneTimeout   time.Duration
	NetworkTimeout time.Duration
	MaxAttempts    int
	BaseBackoff    time.Duration
}

func (c Config) withDefaults() Config {
	if c.Remote == "" {
		c.Remote = vcs.DefaultRemote
	}
	if c.Branch == "" {
		c.Branch = DefaultBranch
	}
	if c.Identity == "" {
		c.Identity = identity.Unknown
	}
	if c.AuthorEmail == "" {
		c.AuthorEmail = identity.Sanitize(c.Identity) + "@sentinel.local"
	}
	if c.CloneTimeout <= 0 {
		c.CloneTimeout = DefaultCloneTimeout
	}
	if c.NetworkTimeout <= 0 {
		c.NetworkTimeout = DefaultNetworkTimeout
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.BaseBackoff < 0 {
		c.BaseBackoff = 0
	}
	return c
}

// Partition is the file, relative to the working copy, this agent appends to.
func (c Config) Partition() string {
	return identity.PartitionFile(c.Identity, c.Instance)
}

// Journal receives a record of every sync run.
type Journal interface {
	RecordSync(ctx context.Context, run history.SyncRun) error
}

// Report describes one publish or sync.
type Report struct {
	Outcome Outcome

	// Attempts is how many fetch/rebase/push rounds ran
	Attempts int

	// Published is how many queued observations the confirmed push carried
	Published int

	// Conflicts counts rebase conflicts in the agent's own partition
	Conflicts int

	// Err explains any outcome other than Published
	Err error
}

// Engine syncs one local queue to the shared log.
type Engine struct {
	cfg     Config
	queue   *queue.Log
	journal Journal
	metrics *metrics.Metrics
	logger  *slog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// Option configures an Engine.
type Option func(*Engine)

// WithJournal records every Sync in j.
func WithJournal(j Journal) Option {
	return func(e *Engine) { e.journal = j }
}

// WithMetrics counts sync outcomes in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithLogger routes diagnostics to l.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// New returns an Engine publishing q according to cfg.
func New(cfg Config, q *queue.Log, opts ...Option) *Engine {
	e := &Engine{
		cfg:   cfg.withDefaults(),
		queue: q,
		now:   time.Now,
		sleep: sleepContext,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = diag.Discard()
	}
	e.logger = e.logger.With("component", "relay")
	return e
}

// Config returns the effective configuration, defaults applied.
func (e *Engine) Config() Config {
	return e.cfg
}

func (e *Engine) lockPath() string {
	return e.cfg.Dir + ".lock"
}

// lock serializes syncs across processes sharing the working copy.
func (e *Engine) lock() (func(), error) {
	if e.cfg.Dir == "" {
		return func() {}, nil
	}
	return queue.AcquireLock(e.lockPath())
}

func (e *Engine) vcsOptions() vcs.Options {
	return vcs.Options{
		AuthorName:  e.cfg.Identity,
		AuthorEmail: e.cfg.AuthorEmail,
	}
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// backoff returns the wait before the given attempt (1-based):
// nothing before the first, then BaseBackoff doubling each time.
func (e *Engine) backoff(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	return e.cfg.BaseBackoff << uint(attempt-2)
}
