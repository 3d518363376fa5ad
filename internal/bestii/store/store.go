// Package store persists messages, summaries, summarisation cursors and
// credit usage in SQLite.
//
// Timestamps are assigned by the store, stored as Unix nanoseconds and
// strictly increase across every write made through one Store, so messages
// within a scope are totally ordered by CreatedAt. Rows also carry an
// autoincrement sequence used as the tie-breaker when several processes
// share a database file.
package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/DennisMainhardt/bestii-sub000/internal/bestii/chat"
	"github.com/DennisMainhardt/bestii-sub000/internal/bestii/realtime"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SubscriptionWindow is the number of most recent messages delivered to a
// live subscription on every change.
const SubscriptionWindow = 50

// Store wraps the database connection.
type Store struct {
	db       *sql.DB
	notifier realtime.Notifier
	logger   *slog.Logger
	now      func() time.Time

	stampMu   sync.Mutex
	lastStamp int64

	subsMu sync.Mutex
	subs   map[*subscription]struct{}
	closed bool
}

// Option customises a Store.
type Option func(*Store)

// WithNotifier sets the change notifier used by Subscribe. Defaults to an
// in-process notifier.
func WithNotifier(n realtime.Notifier) Option {
	return func(s *Store) { s.notifier = n }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithClock replaces the wall clock used for server timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New opens the database at dbPath (":memory:" is allowed), applies pending
// migrations and returns the Store.
func New(dbPath string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}

	// SQLite is single-writer. One shared connection serialises callers in
	// database/sql and keeps ":memory:" databases alive.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA cache_size = -64000",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: %s: %w", pragma, err)
		}
	}

	s := &Store{
		db:   db,
		now:  time.Now,
		subs: make(map[*subscription]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.notifier == nil {
		s.notifier = realtime.NewLocal()
	}

	if err := s.runMigrations(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: run migrations: %w", err)
	}

	if err := db.QueryRow(`SELECT COALESCE(MAX(created_at), 0) FROM messages`).Scan(&s.lastStamp); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: read last timestamp: %w", err)
	}

	return s, nil
}

// Close stops every live subscription and closes the database.
func (s *Store) Close() error {
	s.subsMu.Lock()
	s.closed = true
	subs := make([]*subscription, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.subsMu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
	return s.db.Close()
}

// DB returns the underlying connection for ad-hoc queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Stats is a snapshot of row counts, reported by the status endpoint.
type Stats struct {
	Messages      int `json:"messages"`
	Summaries     int `json:"summaries"`
	Subscriptions int `json:"subscriptions"`
}

// Stats counts stored messages and summaries.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx, `
		SELECT (SELECT COUNT(*) FROM messages), (SELECT COUNT(*) FROM summaries)
	`).Scan(&st.Messages, &st.Summaries)
	if err != nil {
		return Stats{}, fmt.Errorf("store: stats: %w", err)
	}
	s.subsMu.Lock()
	st.Subscriptions = len(s.subs)
	s.subsMu.Unlock()
	return st, nil
}

// DeleteScope removes every message, summary and the cursor of scope.
// It is an administrative operation and returns the number of messages
// removed.
func (s *Store) DeleteScope(ctx context.Context, scope chat.Scope) (int64, error) {
	if err := scope.Validate(); err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, transportErr("delete scope", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`DELETE FROM messages WHERE user_id = ? AND persona_id = ?`, scope.UserID, scope.PersonaID)
	if err != nil {
		return 0, transportErr("delete scope", err)
	}
	removed, _ := res.RowsAffected()

	for _, q := range []string{
		`DELETE FROM summaries WHERE user_id = ? AND persona_id = ?`,
		`DELETE FROM summary_cursors WHERE user_id = ? AND persona_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, scope.UserID, scope.PersonaID); err != nil {
			return 0, transportErr("delete scope", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, transportErr("delete scope", err)
	}

	s.publish(ctx, scope)
	return removed, nil
}

// stamp returns the next server timestamp, strictly greater than every
// timestamp this Store has handed out or found on disk.
func (s *Store) stamp() time.Time {
	s.stampMu.Lock()
	defer s.stampMu.Unlock()

	n := s.now().UTC().UnixNano()
	if n <= s.lastStamp {
		n = s.lastStamp + 1
	}
	s.lastStamp = n
	return time.Unix(0, n).UTC()
}

func (s *Store) publish(ctx context.Context, scope chat.Scope) {
	if err := s.notifier.Publish(ctx, scope); err != nil {
		s.logger.Warn("store: publish change notification failed", "scope", scope.Key(), "err", err)
	}
}

func transportErr(op string, err error) error {
	return &chat.TransportError{Op: "store " + op, Err: err}
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

// runMigrations applies every embedded migration newer than the recorded
// schema version, each in its own transaction.
func (s *Store) runMigrations(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			description TEXT NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	var currentVersion int
	err = s.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("get current schema version: %w", err)
	}

	migrations, err := loadMigrations()
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.version, err)
		}
		if _, err := tx.ExecContext(ctx, m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("execute migration %d: %w", m.version, err)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO schema_migrations (version, applied_at, description) VALUES (?, ?, ?)",
			m.version, time.Now().UTC(), m.description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.version, err)
		}

		s.logger.Info("applied migration", "version", fmt.Sprintf("%04d", m.version), "description", m.description)
	}

	return nil
}

type migration struct {
	version     int
	description string
	sql         string
}

// loadMigrations reads "NNNN_description.sql" files in version order and
// rejects duplicate versions.
func loadMigrations() ([]migration, error) {
	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return nil, fmt.Errorf("read migrations directory: %w", err)
	}

	seen := make(map[int]string, len(entries))
	var out []migration
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}
		parts := strings.SplitN(name, "_", 2)
		if len(parts) < 2 {
			continue
		}
		var version int
		if _, err := fmt.Sscanf(parts[0], "%d", &version); err != nil {
			continue
		}
		if prev, ok := seen[version]; ok {
			return nil, fmt.Errorf("duplicate migration version %04d: %q and %q", version, prev, name)
		}
		seen[version] = name

		content, err := migrationsFS.ReadFile(path.Join("migrations", name))
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", name, err)
		}
		out = append(out, migration{
			version:     version,
			description: strings.TrimSuffix(parts[1], ".sql"),
			sql:         string(content),
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}
