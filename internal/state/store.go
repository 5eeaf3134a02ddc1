package state

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

// timeFormat is how instants are stored; everything is UTC.
const timeFormat = "2006-01-02T15:04:05Z"

// Store is the connector's local state database: per-marketplace
// high-water marks, the activity ledger and cron job state.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the sqlite state database at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrap(err, "create state dir")
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open state db")
	}
	// sqlite handles one writer; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "enable WAL")
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS marketplace_last_run (
			marketplace_id TEXT PRIMARY KEY,
			last_run TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS activities (
			activity_id TEXT PRIMARY KEY,
			marketplace_id TEXT NOT NULL,
			activity_type TEXT NOT NULL,
			date_from TEXT NOT NULL,
			date_to TEXT NOT NULL,
			status TEXT NOT NULL,
			orders_fetched INTEGER NOT NULL DEFAULT 0,
			items_fetched INTEGER NOT NULL DEFAULT 0,
			duration_seconds REAL NOT NULL DEFAULT 0,
			detail TEXT NOT NULL DEFAULT '',
			error_message TEXT NOT NULL DEFAULT '',
			mssql_saved INTEGER NOT NULL DEFAULT 0,
			azure_saved INTEGER NOT NULL DEFAULT 0,
			database_saved INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS unique_in_progress_activity
			ON activities (marketplace_id, activity_type, date_from, date_to)
			WHERE status = 'in_progress'`,
		`CREATE INDEX IF NOT EXISTS idx_activities_marketplace
			ON activities (marketplace_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS cron_job_status (
			job_type TEXT PRIMARY KEY,
			status TEXT NOT NULL DEFAULT 'idle',
			last_run TEXT,
			next_run TEXT,
			last_duration_seconds REAL NOT NULL DEFAULT 0,
			task_id TEXT NOT NULL DEFAULT '',
			error_message TEXT NOT NULL DEFAULT '',
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS cron_job_configuration (
			job_type TEXT PRIMARY KEY,
			enabled INTEGER NOT NULL DEFAULT 1,
			cron_expression TEXT NOT NULL,
			date_range_days INTEGER NOT NULL DEFAULT 15,
			sync_days_back INTEGER NOT NULL DEFAULT 100,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS cron_job_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			job_type TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at TEXT NOT NULL,
			completed_at TEXT,
			duration_seconds REAL NOT NULL DEFAULT 0,
			records_processed INTEGER NOT NULL DEFAULT 0,
			details TEXT NOT NULL DEFAULT '',
			error_message TEXT NOT NULL DEFAULT ''
		)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return errors.Wrap(err, "migrate state db")
		}
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeFormat, s)
}

func parseNullTime(v sql.NullString) *time.Time {
	if !v.Valid || v.String == "" {
		return nil
	}
	t, err := parseTime(v.String)
	if err != nil {
		return nil
	}
	return &t
}

// execCtx is a tiny helper for fire-and-forget statements.
func (s *Store) execCtx(ctx context.Context, query string, args ...any) error {
	_, err := s.db.ExecContext(ctx, query, args...)
	return err
}
