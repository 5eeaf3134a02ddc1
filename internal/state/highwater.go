package state

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// NextWindow computes the fetch window that follows lastRun: the next
// calendar day, 00:00:00Z to 23:59:59Z.
func NextWindow(lastRun time.Time) (time.Time, time.Time) {
	day := lastRun.UTC().Truncate(24 * time.Hour).AddDate(0, 0, 1)
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	end := time.Date(day.Year(), day.Month(), day.Day(), 23, 59, 59, 0, time.UTC)
	return start, end
}

// InRange reports whether a window start is still on or before the
// configured end date (compared by calendar day).
func InRange(start, endDate time.Time) bool {
	s := start.UTC()
	e := endDate.UTC()
	sd := time.Date(s.Year(), s.Month(), s.Day(), 0, 0, 0, 0, time.UTC)
	ed := time.Date(e.Year(), e.Month(), e.Day(), 0, 0, 0, 0, time.UTC)
	return !sd.After(ed)
}

// LastRuns returns the high-water mark of every seeded marketplace.
func (s *Store) LastRuns(ctx context.Context) (map[string]time.Time, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT marketplace_id, last_run FROM marketplace_last_run`)
	if err != nil {
		return nil, errors.Wrap(err, "query last runs")
	}
	defer rows.Close()

	out := make(map[string]time.Time)
	for rows.Next() {
		var id, raw string
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, err
		}
		t, err := parseTime(raw)
		if err != nil {
			return nil, errors.Wrapf(err, "bad last_run for %s", id)
		}
		out[id] = t
	}
	return out, rows.Err()
}

// SeedLastRun inserts the seed high-water mark for a marketplace if none
// exists yet.
func (s *Store) SeedLastRun(ctx context.Context, marketplaceID string, seed time.Time) error {
	return s.execCtx(ctx,
		`INSERT INTO marketplace_last_run (marketplace_id, last_run) VALUES (?, ?)
		 ON CONFLICT (marketplace_id) DO NOTHING`,
		marketplaceID, formatTime(seed))
}

// AdvanceLastRun moves the high-water mark forward, but only when the
// stored value still matches expected. Returns false when another writer
// advanced it first.
func (s *Store) AdvanceLastRun(ctx context.Context, marketplaceID string, expected, next time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE marketplace_last_run SET last_run = ? WHERE marketplace_id = ? AND last_run = ?`,
		formatTime(next), marketplaceID, formatTime(expected))
	if err != nil {
		return false, errors.Wrap(err, "advance last run")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// RewindLastRun sets the high-water mark unconditionally. Only the
// anomaly repair uses this.
func (s *Store) RewindLastRun(ctx context.Context, marketplaceID string, to time.Time) error {
	return s.execCtx(ctx,
		`INSERT INTO marketplace_last_run (marketplace_id, last_run) VALUES (?, ?)
		 ON CONFLICT (marketplace_id) DO UPDATE SET last_run = excluded.last_run`,
		marketplaceID, formatTime(to))
}
