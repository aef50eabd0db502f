package relay

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinelhq/sentinel/internal/history"
	"github.com/sentinelhq/sentinel/internal/metrics"
	"github.com/sentinelhq/sentinel/internal/observation"
	"github.com/sentinelhq/sentinel/internal/queue"
	"github.com/sentinelhq/sentinel/internal/vcs"
)

func requireGit(t *testing.T) {
	t.Helper()
	if !vcs.IsGitAvailable() {
		t.Skip("git not installed")
	}
}

func git(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=seed", "GIT_AUTHOR_EMAIL=seed@example.com",
		"GIT_COMMITTER_NAME=seed", "GIT_COMMITTER_EMAIL=seed@example.com")
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v: %s", args, out)
	return string(out)
}

// newRemote creates an empty bare shared log whose default branch is main.
func newRemote(t *testing.T) string {
	t.Helper()
	requireGit(t)
	dir := filepath.Join(t.TempDir(), "shared.git")
	git(t, filepath.Dir(dir), "init", "--quiet", "--bare", dir)
	git(t, dir, "symbolic-ref", "HEAD", "refs/heads/main")
	return dir
}

// remoteFile returns a file's content on the remote main branch, or "".
func remoteFile(t *testing.T, remote, name string) string {
	t.Helper()
	cmd := exec.Command("git", "show", "main:"+name)
	cmd.Dir = remote
	out, err := cmd.Output()
	if err != nil {
		return ""
	}
	return string(out)
}

func remoteCommits(t *testing.T, remote string) int {
	t.Helper()
	cmd := exec.Command("git", "rev-list", "--count", "main")
	cmd.Dir = remote
	out, err := cmd.Output()
	if err != nil {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(out)))
	require.NoError(t, err)
	return n
}

// lines counts the non-empty lines of s.
func lines(s string) int {
	n := 0
	for _, l := range strings.Split(s, "\n") {
		if strings.TrimSpace(l) != "" {
			n++
		}
	}
	return n
}

type agent struct {
	engine *Engine
	queue  *queue.Log
	dir    string
}

func newAgent(t *testing.T, remote, who string, tweak func(*Config)) *agent {
	t.Helper()
	home := t.TempDir()
	cfg := Config{
		URL:         remote,
		Dir:         filepath.Join(home, ".sentinel_logs"),
		Identity:    who,
		BaseBackoff: time.Millisecond,
	}
	if tweak != nil {
		tweak(&cfg)
	}
	q := queue.Open(filepath.Join(home, "telemetry.jsonl"))
	return &agent{engine: New(cfg, q), queue: q, dir: cfg.Dir}
}

var seq int

func (a *agent) record(t *testing.T, n int) []observation.Observation {
	t.Helper()
	var out []observation.Observation
	for i := 0; i < n; i++ {
		seq++
		o := observation.Observation{
			Timestamp:  time.Date(2026, 5, 1, 12, 0, 0, seq*1000, time.UTC),
			Identity:   a.engine.Config().Identity,
			CharsAdded: seq,
			TimeDelta:  1,
			Velocity:   float64(seq),
		}
		require.NoError(t, a.queue.Append(o))
		out = append(out, o)
	}
	return out
}

func (a *agent) pending(t *testing.T) int {
	t.Helper()
	n, err := a.queue.Len()
	require.NoError(t, err)
	return n
}

func TestOutcomeStrings(t *testing.T) {
	assert.Equal(t, "published", Published.String())
	assert.Equal(t, "rejected", Rejected.String())
	assert.Equal(t, "unavailable", Unavailable.String())
	assert.Equal(t, "ready", Ready.String())
	assert.Equal(t, "unavailable", Unreachable.String())
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{Identity: "Alice Doe"}.withDefaults()
	assert.Equal(t, "origin", cfg.Remote)
	assert.Equal(t, "main", cfg.Branch)
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, 30*time.Second, cfg.CloneTimeout)
	assert.Equal(t, 10*time.Second, cfg.NetworkTimeout)
	assert.Equal(t, "Alice_Doe-b27a79f5@sentinel.local", cfg.AuthorEmail)
	assert.Equal(t, "Alice_Doe-b27a79f5.jsonl", cfg.Partition())

	cfg.Instance = "abc"
	assert.Equal(t, "Alice_Doe-b27a79f5+abc.jsonl", cfg.Partition())
}

func TestBackoffDoubles(t *testing.T) {
	e := New(Config{BaseBackoff: 100 * time.Millisecond}, nil)
	assert.Equal(t, time.Duration(0), e.backoff(1))
	assert.Equal(t, 100*time.Millisecond, e.backoff(2))
	assert.Equal(t, 200*time.Millisecond, e.backoff(3))
	assert.Equal(t, 400*time.Millisecond, e.backoff(4))
}

func TestEnsureRemoteClones(t *testing.T) {
	a := newAgent(t, newRemote(t), "alice", nil)

	ready, err := a.engine.EnsureRemote(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Ready, ready)
	_, err = vcs.Detect(a.dir)
	assert.NoError(t, err)

	// Second call finds the existing working copy
	ready, err = a.engine.EnsureRemote(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Ready, ready)
}

func TestEnsureRemoteUnreachable(t *testing.T) {
	requireGit(t)
	missing := filepath.Join(t.TempDir(), "missing.git")
	a := newAgent(t, missing, "alice", nil)

	ready, err := a.engine.EnsureRemote(context.Background())
	assert.Equal(t, Unreachable, ready)
	assert.True(t, vcs.IsUnavailable(err), "err = %v", err)

	entries, rerr := os.ReadDir(filepath.Dir(a.dir))
	require.NoError(t, rerr)
	for _, e := range entries {
		assert.False(t, strings.Contains(e.Name(), ".sentinel_logs") && e.IsDir(),
			"failed clone left %s behind", e.Name())
	}
}

func TestEnsureRemoteNoURL(t *testing.T) {
	a := newAgent(t, "", "alice", nil)
	ready, err := a.engine.EnsureRemote(context.Background())
	assert.Equal(t, Unreachable, ready)
	assert.ErrorIs(t, err, vcs.ErrNoRemote)
}

func TestEnsureRemoteRejectsPlainDirectory(t *testing.T) {
	a := newAgent(t, newRemote(t), "alice", nil)
	require.NoError(t, os.MkdirAll(a.dir, 0o755))

	ready, err := a.engine.EnsureRemote(context.Background())
	assert.Equal(t, Unreachable, ready)
	assert.ErrorIs(t, err, vcs.ErrNotInVCS)
}

func TestSyncEmptyQueueIsNoop(t *testing.T) {
	remote := newRemote(t)
	a := newAgent(t, remote, "alice", nil)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		rep := a.engine.Sync(ctx)
		assert.Equal(t, Published, rep.Outcome)
		assert.Equal(t, 0, rep.Attempts)
		assert.Equal(t, 0, remoteCommits(t, remote))
	}

	// And again once the remote has content
	a.record(t, 1)
	require.Equal(t, Published, a.engine.Sync(ctx).Outcome)
	before := remoteCommits(t, remote)
	for i := 0; i < 2; i++ {
		assert.Equal(t, Published, a.engine.Sync(ctx).Outcome)
	}
	assert.Equal(t, before, remoteCommits(t, remote))
}

func TestSyncEmptyQueueSkipsUnreachableRemote(t *testing.T) {
	a := newAgent(t, filepath.Join(t.TempDir(), "missing.git"), "alice", nil)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		rep := a.engine.Sync(ctx)
		assert.Equal(t, Published, rep.Outcome, "err: %v", rep.Err)
		assert.NoError(t, rep.Err)
		assert.Equal(t, 0, rep.Attempts)
	}

	_, err := os.Stat(a.dir)
	assert.True(t, os.IsNotExist(err), "empty sync created a working copy")
}

func TestSyncDropsMalformedOnlyQueueWithoutRemote(t *testing.T) {
	a := newAgent(t, "", "alice", nil)
	require.NoError(t, os.WriteFile(a.queue.Path(), []byte("not json\n{\"user\":\n"), 0o644))

	rep := a.engine.Sync(context.Background())
	assert.Equal(t, Published, rep.Outcome, "err: %v", rep.Err)
	_, err := os.Stat(a.queue.Path())
	assert.True(t, os.IsNotExist(err), "malformed lines were not discarded")
}

func TestSyncPublishesToEmptyRemote(t *testing.T) {
	remote := newRemote(t)
	a := newAgent(t, remote, "alice", nil)
	a.record(t, 3)

	rep := a.engine.Sync(context.Background())
	require.Equal(t, Published, rep.Outcome, "err: %v", rep.Err)
	assert.Equal(t, 3, rep.Published)
	assert.Equal(t, 1, rep.Attempts)
	assert.Equal(t, 0, a.pending(t))

	content := remoteFile(t, remote, "alice.jsonl")
	assert.Equal(t, 3, lines(content))

	scanned, err := observation.DecodeAll(strings.NewReader(content))
	require.NoError(t, err)
	assert.Equal(t, 0, scanned.Malformed)

	author := git(t, remote, "log", "-1", "--format=%an <%ae>", "main")
	assert.Equal(t, "alice <alice@sentinel.local>\n", author)
}

func TestSyncConcurrentDifferentIdentities(t *testing.T) {
	remote := newRemote(t)
	ctx := context.Background()

	alice := newAgent(t, remote, "alice", nil)
	bob := newAgent(t, remote, "bob", nil)

	// Both working copies exist before either publishes
	_, err := alice.engine.EnsureRemote(ctx)
	require.NoError(t, err)
	_, err = bob.engine.EnsureRemote(ctx)
	require.NoError(t, err)

	bob.record(t, 2)
	require.Equal(t, Published, bob.engine.Sync(ctx).Outcome)

	alice.record(t, 3)
	rep := alice.engine.Sync(ctx)
	require.Equal(t, Published, rep.Outcome, "err: %v", rep.Err)
	assert.Equal(t, 0, rep.Conflicts)

	assert.Equal(t, 3, lines(remoteFile(t, remote, "alice.jsonl")))
	assert.Equal(t, 2, lines(remoteFile(t, remote, "bob.jsonl")))
	assert.Equal(t, 0, alice.pending(t))
	assert.Equal(t, 0, bob.pending(t))
}

func TestSyncRemoteUnreachableKeepsQueue(t *testing.T) {
	remote := newRemote(t)
	a := newAgent(t, remote, "alice", func(c *Config) { c.NetworkTimeout = 5 * time.Second })
	ctx := context.Background()

	a.record(t, 1)
	require.Equal(t, Published, a.engine.Sync(ctx).Outcome)

	a.record(t, 2)
	require.NoError(t, os.Rename(remote, remote+".gone"))

	rep := a.engine.Sync(ctx)
	assert.Equal(t, Unavailable, rep.Outcome)
	assert.True(t, vcs.IsUnavailable(rep.Err), "err = %v", rep.Err)
	assert.Equal(t, 2, a.pending(t))

	// Remote comes back: the deferred records go out
	require.NoError(t, os.Rename(remote+".gone", remote))
	rep = a.engine.Sync(ctx)
	require.Equal(t, Published, rep.Outcome, "err: %v", rep.Err)
	assert.Equal(t, 3, lines(remoteFile(t, remote, "alice.jsonl")))
}

func TestSyncNeverClonedRemoteUnavailable(t *testing.T) {
	requireGit(t)
	a := newAgent(t, filepath.Join(t.TempDir(), "nowhere.git"), "alice", nil)
	a.record(t, 2)

	rep := a.engine.Sync(context.Background())
	assert.Equal(t, Unavailable, rep.Outcome)
	assert.Equal(t, 2, a.pending(t))
}

func TestSyncRepeatAfterUnconsumedPushDoesNotDuplicate(t *testing.T) {
	remote := newRemote(t)
	a := newAgent(t, remote, "alice", nil)
	ctx := context.Background()

	recs := a.record(t, 2)
	require.Equal(t, Published, a.engine.Sync(ctx).Outcome)

	// Simulate a crash between push and queue truncation
	for _, o := range recs {
		require.NoError(t, a.queue.Append(o))
	}
	a.record(t, 1)

	rep := a.engine.Sync(ctx)
	require.Equal(t, Published, rep.Outcome, "err: %v", rep.Err)
	assert.Equal(t, 3, lines(remoteFile(t, remote, "alice.jsonl")))
	assert.Equal(t, 0, a.pending(t))
}

func TestSyncRecoversInterruptedWorkingCopy(t *testing.T) {
	remote := newRemote(t)
	a := newAgent(t, remote, "alice", nil)
	ctx := context.Background()

	a.record(t, 1)
	require.Equal(t, Published, a.engine.Sync(ctx).Outcome)

	// Leave garbage uncommitted in the partition
	part := filepath.Join(a.dir, "alice.jsonl")
	f, err := os.OpenFile(part, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("{half a record")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	a.record(t, 1)
	rep := a.engine.Sync(ctx)
	require.Equal(t, Published, rep.Outcome, "err: %v", rep.Err)

	content := remoteFile(t, remote, "alice.jsonl")
	assert.NotContains(t, content, "half a record")
	assert.Equal(t, 2, lines(content))
}

// sameIdentityRace publishes from first, then syncs second, whose working
// copy was cloned before first's push and targets the same partition.
func sameIdentityRace(t *testing.T, maxAttempts int) (*agent, Report, string) {
	t.Helper()
	remote := newRemote(t)
	ctx := context.Background()

	seed := newAgent(t, remote, "carol", nil)
	seed.record(t, 1)
	require.Equal(t, Published, seed.engine.Sync(ctx).Outcome)

	first := newAgent(t, remote, "carol", nil)
	second := newAgent(t, remote, "carol", func(c *Config) { c.MaxAttempts = maxAttempts })
	second.engine.metrics = metrics.New()
	_, err := first.engine.EnsureRemote(ctx)
	require.NoError(t, err)
	_, err = second.engine.EnsureRemote(ctx)
	require.NoError(t, err)

	first.record(t, 1)
	require.Equal(t, Published, first.engine.Sync(ctx).Outcome)

	second.record(t, 2)
	return second, second.engine.Sync(ctx), remote
}

func TestSameIdentityConflictSingleAttemptRejected(t *testing.T) {
	second, rep, remote := sameIdentityRace(t, 1)

	assert.Equal(t, Rejected, rep.Outcome)
	assert.ErrorIs(t, rep.Err, ErrReconciliationConflict)
	assert.Equal(t, 1, rep.Conflicts)
	assert.Equal(t, 1, rep.Attempts)
	assert.Equal(t, 2, second.pending(t), "queue untouched")
	assert.Equal(t, 2, lines(remoteFile(t, remote, "carol.jsonl")))
}

func TestSameIdentityConflictResolvedByReplay(t *testing.T) {
	second, rep, remote := sameIdentityRace(t, 3)

	require.Equal(t, Published, rep.Outcome, "err: %v", rep.Err)
	assert.Equal(t, 1, rep.Conflicts)
	assert.Equal(t, 2, rep.Attempts)
	assert.Equal(t, 0, second.pending(t))
	assert.Equal(t, 4, lines(remoteFile(t, remote, "carol.jsonl")))
}

func TestInstanceScopedPartitionsAvoidConflict(t *testing.T) {
	remote := newRemote(t)
	ctx := context.Background()

	one := newAgent(t, remote, "dave", func(c *Config) { c.Instance = "one" })
	two := newAgent(t, remote, "dave", func(c *Config) { c.Instance = "two" })
	_, err := one.engine.EnsureRemote(ctx)
	require.NoError(t, err)
	_, err = two.engine.EnsureRemote(ctx)
	require.NoError(t, err)

	one.record(t, 1)
	two.record(t, 1)
	require.Equal(t, Published, one.engine.Sync(ctx).Outcome)
	rep := two.engine.Sync(ctx)
	require.Equal(t, Published, rep.Outcome, "err: %v", rep.Err)
	assert.Equal(t, 0, rep.Conflicts)

	assert.Equal(t, 1, lines(remoteFile(t, remote, "dave+one.jsonl")))
	assert.Equal(t, 1, lines(remoteFile(t, remote, "dave+two.jsonl")))
}

func TestSyncJournalsRuns(t *testing.T) {
	remote := newRemote(t)
	db, err := history.Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	defer db.Close()

	home := t.TempDir()
	q := queue.Open(filepath.Join(home, "telemetry.jsonl"))
	e := New(Config{URL: remote, Dir: filepath.Join(home, "logs"), Identity: "erin"}, q,
		WithJournal(db), WithMetrics(metrics.New()))

	a := &agent{engine: e, queue: q}
	a.record(t, 2)
	require.Equal(t, Published, e.Sync(context.Background()).Outcome)

	last, err := db.LastSync(context.Background())
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, "published", last.Outcome)
	assert.Equal(t, 2, last.Published)
	assert.Empty(t, last.Detail)
}

func TestRunEveryStopsOnCancel(t *testing.T) {
	a := newAgent(t, "", "alice", nil)
	ctx, cancel := context.WithCancel(context.Background())

	runs := 0
	done := make(chan struct{})
	go func() {
		a.engine.RunEvery(ctx, 10*time.Millisecond, func(rep Report) {
			runs++
			if runs == 3 {
				cancel()
			}
		})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("RunEvery did not stop after cancel")
	}
	assert.GreaterOrEqual(t, runs, 3)
}

func TestAppendDeduped(t *testing.T) {
	path := filepath.Join(t.TempDir(), "p.jsonl")
	recs := []observation.Observation{
		{Timestamp: time.Unix(1, 0), Identity: "a", CharsAdded: 1, TimeDelta: 1},
		{Timestamp: time.Unix(2, 0), Identity: "a", CharsAdded: 2, TimeDelta: 1},
	}

	n, err := appendDeduped(path, recs)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// Unterminated trailing line is not glued to the next record
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("garbage")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	more := append(recs, observation.Observation{Timestamp: time.Unix(3, 0), Identity: "a", CharsAdded: 3, TimeDelta: 1}, recs[0])
	n, err = appendDeduped(path, more)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	scanned, err := observation.DecodeAll(strings.NewReader(string(data)))
	require.NoError(t, err)
	assert.Len(t, scanned.Records, 3)
	assert.Equal(t, 1, scanned.Malformed)
}
