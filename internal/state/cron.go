package state

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"
)

// Cron job types and statuses.
const (
	JobFetching = "fetching"
	JobSyncing  = "syncing"

	JobIdle    = "idle"
	JobRunning = "running"
)

// CronConfig is the persisted schedule of one background job.
type CronConfig struct {
	JobType        string    `json:"job_type"`
	Enabled        bool      `json:"enabled"`
	CronExpression string    `json:"cron_expression"`
	DateRangeDays  int       `json:"date_range_days"`
	SyncDaysBack   int       `json:"sync_days_back"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// CronStatus is the live state of one background job.
type CronStatus struct {
	JobType             string     `json:"job_type"`
	Status              string     `json:"status"`
	LastRun             *time.Time `json:"last_run,omitempty"`
	NextRun             *time.Time `json:"next_run,omitempty"`
	LastDurationSeconds float64    `json:"last_duration_seconds"`
	TaskID              string     `json:"task_id,omitempty"`
	ErrorMessage        string     `json:"error_message,omitempty"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// CronLog is one finished (or running) job execution.
type CronLog struct {
	ID               int64      `json:"id"`
	JobType          string     `json:"job_type"`
	Status           string     `json:"status"`
	StartedAt        time.Time  `json:"started_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	DurationSeconds  float64    `json:"duration_seconds"`
	RecordsProcessed int        `json:"records_processed"`
	Details          string     `json:"details,omitempty"`
	ErrorMessage     string     `json:"error_message,omitempty"`
}

// EnsureCronDefaults seeds the configuration and status rows for both
// jobs when missing. Fetching runs every 15 days, syncing every 7.
func (s *Store) EnsureCronDefaults(ctx context.Context) error {
	now := formatTime(time.Now())
	defaults := []struct {
		jobType string
		expr    string
	}{
		{JobFetching, "0 0 */15 * *"},
		{JobSyncing, "0 0 */7 * *"},
	}
	for _, d := range defaults {
		err := s.execCtx(ctx,
			`INSERT INTO cron_job_configuration (job_type, enabled, cron_expression, date_range_days, sync_days_back, updated_at)
			 VALUES (?, 1, ?, 15, 100, ?)
			 ON CONFLICT (job_type) DO NOTHING`,
			d.jobType, d.expr, now)
		if err != nil {
			return errors.Wrapf(err, "seed cron config %s", d.jobType)
		}
		err = s.execCtx(ctx,
			`INSERT INTO cron_job_status (job_type, status, updated_at) VALUES (?, ?, ?)
			 ON CONFLICT (job_type) DO NOTHING`,
			d.jobType, JobIdle, now)
		if err != nil {
			return errors.Wrapf(err, "seed cron status %s", d.jobType)
		}
	}
	return nil
}

// CronConfigs returns both job configurations.
func (s *Store) CronConfigs(ctx context.Context) ([]CronConfig, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT job_type, enabled, cron_expression, date_range_days, sync_days_back, updated_at
		 FROM cron_job_configuration ORDER BY job_type`)
	if err != nil {
		return nil, errors.Wrap(err, "query cron configs")
	}
	defer rows.Close()

	var out []CronConfig
	for rows.Next() {
		var (
			c       CronConfig
			enabled int
			updated string
		)
		if err := rows.Scan(&c.JobType, &enabled, &c.CronExpression, &c.DateRangeDays, &c.SyncDaysBack, &updated); err != nil {
			return nil, err
		}
		c.Enabled = enabled == 1
		if c.UpdatedAt, err = parseTime(updated); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// CronConfig fetches one job's configuration.
func (s *Store) CronConfig(ctx context.Context, jobType string) (*CronConfig, error) {
	var (
		c       CronConfig
		enabled int
		updated string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT job_type, enabled, cron_expression, date_range_days, sync_days_back, updated_at
		 FROM cron_job_configuration WHERE job_type = ?`, jobType).
		Scan(&c.JobType, &enabled, &c.CronExpression, &c.DateRangeDays, &c.SyncDaysBack, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Errorf("unknown job type %q", jobType)
	}
	if err != nil {
		return nil, errors.Wrap(err, "query cron config")
	}
	c.Enabled = enabled == 1
	if c.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	return &c, nil
}

// UpdateCronConfig rewrites one job's schedule.
func (s *Store) UpdateCronConfig(ctx context.Context, c CronConfig) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE cron_job_configuration
		 SET enabled = ?, cron_expression = ?, date_range_days = ?, sync_days_back = ?, updated_at = ?
		 WHERE job_type = ?`,
		boolInt(c.Enabled), c.CronExpression, c.DateRangeDays, c.SyncDaysBack,
		formatTime(time.Now()), c.JobType)
	if err != nil {
		return errors.Wrap(err, "update cron config")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.Errorf("unknown job type %q", c.JobType)
	}
	return nil
}

// CronStatuses returns the live state of both jobs.
func (s *Store) CronStatuses(ctx context.Context) ([]CronStatus, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT job_type, status, last_run, next_run, last_duration_seconds, task_id, error_message, updated_at
		 FROM cron_job_status ORDER BY job_type`)
	if err != nil {
		return nil, errors.Wrap(err, "query cron statuses")
	}
	defer rows.Close()

	var out []CronStatus
	for rows.Next() {
		var (
			st                cronStatusRow
			lastRun, nextRun  sql.NullString
			updated           string
		)
		if err := rows.Scan(&st.jobType, &st.status, &lastRun, &nextRun,
			&st.lastDuration, &st.taskID, &st.errorMessage, &updated); err != nil {
			return nil, err
		}
		cs := CronStatus{
			JobType:             st.jobType,
			Status:              st.status,
			LastRun:             parseNullTime(lastRun),
			NextRun:             parseNullTime(nextRun),
			LastDurationSeconds: st.lastDuration,
			TaskID:              st.taskID,
			ErrorMessage:        st.errorMessage,
		}
		if cs.UpdatedAt, err = parseTime(updated); err != nil {
			return nil, err
		}
		out = append(out, cs)
	}
	return out, rows.Err()
}

type cronStatusRow struct {
	jobType      string
	status       string
	lastDuration float64
	taskID       string
	errorMessage string
}

// IsAnyJobRunning reports whether any background job is mid-run. Manual
// triggers use this as a concurrency gate.
func (s *Store) IsAnyJobRunning(ctx context.Context) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM cron_job_status WHERE status = ?`, JobRunning).Scan(&n)
	return n > 0, err
}

// SetJobRunning flips a job to running and records the task driving it.
func (s *Store) SetJobRunning(ctx context.Context, jobType, taskID string) error {
	return s.execCtx(ctx,
		`UPDATE cron_job_status SET status = ?, task_id = ?, error_message = '', updated_at = ?
		 WHERE job_type = ?`,
		JobRunning, taskID, formatTime(time.Now()), jobType)
}

// FinishJob returns a job to idle, recording its run and any error.
func (s *Store) FinishJob(ctx context.Context, jobType string, startedAt time.Time, nextRun *time.Time, errorMessage string) error {
	var next any
	if nextRun != nil {
		next = formatTime(*nextRun)
	}
	return s.execCtx(ctx,
		`UPDATE cron_job_status
		 SET status = ?, last_run = ?, next_run = ?, last_duration_seconds = ?, task_id = '', error_message = ?, updated_at = ?
		 WHERE job_type = ?`,
		JobIdle, formatTime(startedAt), next, time.Since(startedAt).Seconds(),
		errorMessage, formatTime(time.Now()), jobType)
}

// StartCronLog opens a log row for one execution and returns its id.
func (s *Store) StartCronLog(ctx context.Context, jobType string, startedAt time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO cron_job_log (job_type, status, started_at) VALUES (?, ?, ?)`,
		jobType, JobRunning, formatTime(startedAt))
	if err != nil {
		return 0, errors.Wrap(err, "start cron log")
	}
	return res.LastInsertId()
}

// FinishCronLog closes a log row with the execution outcome.
func (s *Store) FinishCronLog(ctx context.Context, id int64, status string, recordsProcessed int, details, errorMessage string) error {
	now := time.Now()
	var started string
	err := s.db.QueryRowContext(ctx,
		`SELECT started_at FROM cron_job_log WHERE id = ?`, id).Scan(&started)
	if err != nil {
		return errors.Wrap(err, "finish cron log")
	}
	startedAt, err := parseTime(started)
	if err != nil {
		return err
	}
	return s.execCtx(ctx,
		`UPDATE cron_job_log
		 SET status = ?, completed_at = ?, duration_seconds = ?, records_processed = ?, details = ?, error_message = ?
		 WHERE id = ?`,
		status, formatTime(now), now.Sub(startedAt).Seconds(), recordsProcessed, details, errorMessage, id)
}

// CronLogs lists executions, newest first.
func (s *Store) CronLogs(ctx context.Context, jobType string, limit, offset int) ([]CronLog, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, job_type, status, started_at, completed_at, duration_seconds, records_processed, details, error_message
		FROM cron_job_log`
	args := []any{}
	if jobType != "" {
		query += ` WHERE job_type = ?`
		args = append(args, jobType)
	}
	query += ` ORDER BY id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query cron logs")
	}
	defer rows.Close()

	var out []CronLog
	for rows.Next() {
		var (
			l                  CronLog
			started            string
			completed          sql.NullString
		)
		if err := rows.Scan(&l.ID, &l.JobType, &l.Status, &started, &completed,
			&l.DurationSeconds, &l.RecordsProcessed, &l.Details, &l.ErrorMessage); err != nil {
			return nil, err
		}
		if l.StartedAt, err = parseTime(started); err != nil {
			return nil, err
		}
		l.CompletedAt = parseNullTime(completed)
		out = append(out, l)
	}
	return out, rows.Err()
}

// CronStats summarizes the execution history per job type.
func (s *Store) CronStats(ctx context.Context) (map[string]map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT job_type, status, COUNT(*) FROM cron_job_log GROUP BY job_type, status`)
	if err != nil {
		return nil, errors.Wrap(err, "cron stats")
	}
	defer rows.Close()

	stats := map[string]map[string]int{}
	for rows.Next() {
		var jobType, status string
		var n int
		if err := rows.Scan(&jobType, &status, &n); err != nil {
			return nil, err
		}
		if stats[jobType] == nil {
			stats[jobType] = map[string]int{}
		}
		stats[jobType][status] = n
		stats[jobType]["total"] += n
	}
	return stats, rows.Err()
}
