// Package history is sentinel's local journal: an embedded SQLite database
// recording every observation this agent produced and every sync it ran.
//
// The journal is advisory. The local append log remains the source of truth
// for unsynced data and the shared remote log for synced data; history only
// answers `sentinel status` questions without re-reading either.
//
// The database runs in WAL mode so a status query never blocks a
// concurrent detection run.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/sentinelhq/sentinel/internal/observation"
)

// DB wraps the journal connection.
type DB struct {
	conn *sql.DB
	path string
}

// SyncRun is one journaled sync.
type SyncRun struct {
	StartedAt  time.Time
	FinishedAt time.Time

	// Outcome is the sync result name (published, rejected, unavailable)
	Outcome string

	// Attempts is how many reconciliation attempts were made
	Attempts int

	// Published is how many observations were confirmed on the remote
	Published int

	// Conflicts counts rebase conflicts in the agent's own partition
	Conflicts int

	// Detail is a short human-readable reason, empty on success
	Detail string
}

// Summary aggregates observations over a time window.
type Summary struct {
	Observations int
	Suspicious   int
	CharsAdded   int
	MaxVelocity  float64

	// First and Last are zero when the window is empty
	First time.Time
	Last  time.Time
}

// Open creates a new journal connection at the specified path and
// initializes the schema.
//
// The caller MUST call Close() when done to ensure proper cleanup.
//
// Example:
//
//	db, err := history.Open(".sentinel_history.db")
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
func Open(path string) (*DB, error) {
	return OpenContext(context.Background(), path)
}

// connPragmas is applied by the driver to each new connection.
const connPragmas = "_pragma=busy_timeout(5000)&_pragma=journal_mode(wal)&_pragma=synchronous(normal)"

// OpenContext is Open with context support.
func OpenContext(ctx context.Context, path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	// Pragmas ride in the DSN so every pooled connection gets them
	conn, err := sql.Open("sqlite3", "file:"+path+"?"+connPragmas)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping journal: %w", err)
	}

	// Short-lived CLI process: a handful of connections is plenty
	conn.SetMaxOpenConns(4)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{conn: conn, path: path}

	if err := db.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return db, nil
}

// Path returns the database file location.
func (db *DB) Path() string {
	return db.path
}

// Close closes the journal.
// Performs a WAL checkpoint to ensure all changes are persisted.
func (db *DB) Close() error {
	if db == nil || db.conn == nil {
		return nil
	}

	// Best effort: a failed checkpoint only leaves the WAL file behind
	_, _ = db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)")

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close journal: %w", err)
	}

	db.conn = nil
	return nil
}

func (db *DB) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS observations (
		key TEXT PRIMARY KEY,       -- timestamp|identity|chars_added
		ts TEXT NOT NULL,           -- observation.TimestampLayout, sorts lexically
		identity TEXT NOT NULL,
		chars_added INTEGER NOT NULL,
		time_delta REAL NOT NULL,
		velocity REAL NOT NULL,
		is_suspicious INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS sync_runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		started_at TEXT NOT NULL,
		finished_at TEXT NOT NULL,
		outcome TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		published INTEGER NOT NULL DEFAULT 0,
		conflicts INTEGER NOT NULL DEFAULT 0,
		detail TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_observations_ts ON observations(ts);
	CREATE INDEX IF NOT EXISTS idx_sync_runs_started ON sync_runs(started_at);
	`

	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create journal schema: %w", err)
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(observation.TimestampLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(observation.TimestampLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// RecordObservation journals o. Re-recording the same observation is a no-op.
func (db *DB) RecordObservation(ctx context.Context, o observation.Observation) error {
	_, err := db.conn.ExecContext(ctx, `
		INSERT OR IGNORE INTO observations
			(key, ts, identity, chars_added, time_delta, velocity, is_suspicious)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		o.Key(), formatTime(o.Timestamp), o.Identity, o.CharsAdded,
		o.TimeDelta, o.Velocity, boolToInt(o.IsSuspicious))
	if err != nil {
		return fmt.Errorf("failed to journal observation: %w", err)
	}
	return nil
}

// RecordSync journals one sync run.
func (db *DB) RecordSync(ctx context.Context, run SyncRun) error {
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO sync_runs
			(started_at, finished_at, outcome, attempts, published, conflicts, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		formatTime(run.StartedAt), formatTime(run.FinishedAt), run.Outcome,
		run.Attempts, run.Published, run.Conflicts, run.Detail)
	if err != nil {
		return fmt.Errorf("failed to journal sync run: %w", err)
	}
	return nil
}

// Summarize aggregates observations taken at or after since.
// A zero since covers the whole journal.
func (db *DB) Summarize(ctx context.Context, since time.Time) (Summary, error) {
	var (
		s           Summary
		first, last sql.NullString
	)

	err := db.conn.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(is_suspicious), 0),
		       COALESCE(SUM(chars_added), 0),
		       COALESCE(MAX(velocity), 0),
		       MIN(ts),
		       MAX(ts)
		FROM observations
		WHERE ts >= ?`, formatTime(since)).
		Scan(&s.Observations, &s.Suspicious, &s.CharsAdded, &s.MaxVelocity, &first, &last)
	if err != nil {
		return Summary{}, fmt.Errorf("failed to summarize observations: %w", err)
	}

	if first.Valid {
		s.First = parseTime(first.String)
	}
	if last.Valid {
		s.Last = parseTime(last.String)
	}
	return s, nil
}

// RecentObservations returns up to limit observations, newest first.
func (db *DB) RecentObservations(ctx context.Context, limit int) ([]observation.Observation, error) {
	if limit <= 0 {
		limit = 10
	}

	rows, err := db.conn.QueryContext(ctx, `
		SELECT ts, identity, chars_added, time_delta, velocity, is_suspicious
		FROM observations
		ORDER BY ts DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query observations: %w", err)
	}
	defer rows.Close()

	var out []observation.Observation
	for rows.Next() {
		var (
			o          observation.Observation
			ts         string
			suspicious int
		)
		if err := rows.Scan(&ts, &o.Identity, &o.CharsAdded, &o.TimeDelta, &o.Velocity, &suspicious); err != nil {
			return nil, fmt.Errorf("failed to scan observation: %w", err)
		}
		o.Timestamp = parseTime(ts)
		o.IsSuspicious = suspicious != 0
		out = append(out, o)
	}
	return out, rows.Err()
}

// LastSync returns the most recent sync run, or nil when none was journaled.
func (db *DB) LastSync(ctx context.Context) (*SyncRun, error) {
	var (
		run               SyncRun
		started, finished string
	)

	err := db.conn.QueryRowContext(ctx, `
		SELECT started_at, finished_at, outcome, attempts, published, conflicts, detail
		FROM sync_runs
		ORDER BY id DESC
		LIMIT 1`).
		Scan(&started, &finished, &run.Outcome, &run.Attempts, &run.Published, &run.Conflicts, &run.Detail)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query last sync: %w", err)
	}

	run.StartedAt = parseTime(started)
	run.FinishedAt = parseTime(finished)
	return &run, nil
}

// SyncCounts returns how many sync runs ended in each outcome since the given time.
func (db *DB) SyncCounts(ctx context.Context, since time.Time) (map[string]int, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT outcome, COUNT(*)
		FROM sync_runs
		WHERE started_at >= ?
		GROUP BY outcome`, formatTime(since))
	if err != nil {
		return nil, fmt.Errorf("failed to count sync runs: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var (
			outcome string
			n       int
		)
		if err := rows.Scan(&outcome, &n); err != nil {
			return nil, fmt.Errorf("failed to scan sync count: %w", err)
		}
		counts[outcome] = n
	}
	return counts, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
