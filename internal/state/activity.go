package state

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Activity statuses.
const (
	ActivityInProgress = "in_progress"
	ActivityCompleted  = "completed"
	ActivityFailed     = "failed"

	// ActivityTypeOrders is the day-fetch activity.
	ActivityTypeOrders = "orders"
)

// ErrActivityInProgress means the same marketplace/type/window already
// has an open activity.
var ErrActivityInProgress = errors.New("activity already in progress")

// Activity is one row of the activity ledger.
type Activity struct {
	ID            string     `json:"activity_id"`
	MarketplaceID string     `json:"marketplace_id"`
	Type          string     `json:"activity_type"`
	DateFrom      time.Time  `json:"date_from"`
	DateTo        time.Time  `json:"date_to"`
	Status        string     `json:"status"`
	OrdersFetched int        `json:"orders_fetched"`
	ItemsFetched  int        `json:"items_fetched"`
	Duration      float64    `json:"duration_seconds"`
	Detail        string     `json:"detail"`
	ErrorMessage  string     `json:"error_message,omitempty"`
	MSSQLSaved    bool       `json:"mssql_saved"`
	AzureSaved    bool       `json:"azure_saved"`
	DatabaseSaved bool       `json:"database_saved"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// ActivityResult carries the outcome recorded when an activity closes.
type ActivityResult struct {
	OrdersFetched int
	ItemsFetched  int
	Duration      time.Duration
	Detail        string
	MSSQLSaved    bool
	AzureSaved    bool
	DatabaseSaved bool
}

// OpenActivity inserts an in-progress activity for the window. The
// partial unique index enforces at most one open activity per
// (marketplace, type, window); a conflict surfaces as
// ErrActivityInProgress.
func (s *Store) OpenActivity(ctx context.Context, marketplaceID, activityType string, from, to time.Time) (string, error) {
	id := uuid.NewString()
	now := formatTime(time.Now())
	err := s.execCtx(ctx,
		`INSERT INTO activities
			(activity_id, marketplace_id, activity_type, date_from, date_to, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, marketplaceID, activityType, formatTime(from), formatTime(to), ActivityInProgress, now, now)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return "", ErrActivityInProgress
		}
		return "", errors.Wrap(err, "open activity")
	}
	return id, nil
}

// CompleteActivity closes an activity as completed with its results.
func (s *Store) CompleteActivity(ctx context.Context, id string, res ActivityResult) error {
	return s.execCtx(ctx,
		`UPDATE activities SET
			status = ?, orders_fetched = ?, items_fetched = ?, duration_seconds = ?,
			detail = ?, mssql_saved = ?, azure_saved = ?, database_saved = ?, updated_at = ?
		 WHERE activity_id = ? AND status = ?`,
		ActivityCompleted, res.OrdersFetched, res.ItemsFetched, res.Duration.Seconds(),
		res.Detail, boolInt(res.MSSQLSaved), boolInt(res.AzureSaved), boolInt(res.DatabaseSaved),
		formatTime(time.Now()), id, ActivityInProgress)
}

// FailActivity closes an activity as failed.
func (s *Store) FailActivity(ctx context.Context, id, errorMessage string) error {
	return s.execCtx(ctx,
		`UPDATE activities SET status = ?, error_message = ?, updated_at = ?
		 WHERE activity_id = ? AND status = ?`,
		ActivityFailed, errorMessage, formatTime(time.Now()), id, ActivityInProgress)
}

// HasInProgress reports whether the marketplace has an open activity of
// the given type.
func (s *Store) HasInProgress(ctx context.Context, marketplaceID, activityType string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM activities
		 WHERE marketplace_id = ? AND activity_type = ? AND status = ?`,
		marketplaceID, activityType, ActivityInProgress).Scan(&n)
	return n > 0, err
}

// ActivityByID fetches one activity.
func (s *Store) ActivityByID(ctx context.Context, id string) (*Activity, error) {
	row := s.db.QueryRowContext(ctx, activitySelect+` WHERE activity_id = ?`, id)
	a, err := scanActivity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Errorf("activity %s not found", id)
	}
	return a, err
}

// Activities lists recent activities, newest first.
func (s *Store) Activities(ctx context.Context, limit, offset int) ([]Activity, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		activitySelect+` ORDER BY created_at DESC, activity_id LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, errors.Wrap(err, "list activities")
	}
	defer rows.Close()

	var out []Activity
	for rows.Next() {
		a, err := scanActivity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// ActivityStats aggregates ledger counts per status.
func (s *Store) ActivityStats(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM activities GROUP BY status`)
	if err != nil {
		return nil, errors.Wrap(err, "activity stats")
	}
	defer rows.Close()

	stats := map[string]int{}
	total := 0
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		stats[status] = n
		total += n
	}
	stats["total"] = total
	return stats, rows.Err()
}

const activitySelect = `SELECT activity_id, marketplace_id, activity_type, date_from, date_to,
	status, orders_fetched, items_fetched, duration_seconds, detail, error_message,
	mssql_saved, azure_saved, database_saved, created_at, updated_at
	FROM activities`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanActivity(row rowScanner) (*Activity, error) {
	var (
		a                                      Activity
		dateFrom, dateTo, createdAt, updatedAt string
		mssqlSaved, azureSaved, databaseSaved  int
	)
	err := row.Scan(&a.ID, &a.MarketplaceID, &a.Type, &dateFrom, &dateTo,
		&a.Status, &a.OrdersFetched, &a.ItemsFetched, &a.Duration, &a.Detail, &a.ErrorMessage,
		&mssqlSaved, &azureSaved, &databaseSaved, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if a.DateFrom, err = parseTime(dateFrom); err != nil {
		return nil, err
	}
	if a.DateTo, err = parseTime(dateTo); err != nil {
		return nil, err
	}
	if a.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if a.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	a.MSSQLSaved = mssqlSaved == 1
	a.AzureSaved = azureSaved == 1
	a.DatabaseSaved = databaseSaved == 1
	return &a, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
