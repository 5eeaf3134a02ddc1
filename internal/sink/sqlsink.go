package sink

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/b2fitness/amazon-connector/internal/transform"
	"github.com/b2fitness/amazon-connector/pkg/logger"
)

// SQL Server caps one statement at 2100 parameters.
const maxParamsPerStatement = 2000

// Outcome is one sink's view of a day write.
type Outcome struct {
	Saved   int    `json:"saved"`
	Skipped int    `json:"skipped"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// sqlSink appends one record shape to one SQL Server table, never
// risking a duplicate insert: rows already downstream are filtered out
// first, and a failing dedup query aborts the whole sink.
type sqlSink struct {
	name       string
	table      string
	columns    []string
	keyColumns []string

	db         *sql.DB
	maxRetries int
	retryBase  time.Duration

	sleep         func(ctx context.Context, d time.Duration) error
	queryExisting func(ctx context.Context, orderIDs []string) (map[string]struct{}, error)
	bulkInsert    func(ctx context.Context, rows []transform.Record) error
}

func newSQLSink(name, table string, db *sql.DB, columns, keyColumns []string) *sqlSink {
	s := &sqlSink{
		name:       name,
		table:      table,
		columns:    columns,
		keyColumns: keyColumns,
		db:         db,
		maxRetries: 3,
		retryBase:  time.Second,
		sleep: func(ctx context.Context, d time.Duration) error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d):
				return nil
			}
		},
	}
	s.queryExisting = s.queryExistingDB
	s.bulkInsert = s.bulkInsertDB
	return s
}

// write runs the sink procedure for one day's rows.
func (s *sqlSink) write(ctx context.Context, rows []transform.Record) Outcome {
	if len(rows) == 0 {
		return Outcome{Success: true}
	}

	if err := s.checkShape(rows[0]); err != nil {
		return Outcome{Error: err.Error()}
	}

	deduped, intraSkipped := dedupeRows(rows, s.keyColumns)

	existing, err := s.queryExisting(ctx, orderIDsOf(deduped, s.keyColumns[0]))
	if err != nil {
		// Never insert blind: without the dedup answer this sink is done.
		logger.WithFields(map[string]any{"sink": s.name, "error": err.Error()}).Error("dedup query failed, aborting sink")
		return Outcome{Error: "dedup query failed: " + err.Error()}
	}

	fresh := make([]transform.Record, 0, len(deduped))
	interSkipped := 0
	for _, row := range deduped {
		if _, dup := existing[keyOf(row, s.keyColumns)]; dup {
			interSkipped++
			continue
		}
		fresh = append(fresh, row)
	}

	skipped := intraSkipped + interSkipped
	if len(fresh) == 0 {
		return Outcome{Skipped: skipped, Success: true}
	}

	for _, row := range fresh {
		coerceRow(row)
	}

	if err := s.insertWithRetry(ctx, fresh); err != nil {
		return Outcome{Skipped: skipped, Error: err.Error()}
	}

	logger.WithFields(map[string]any{
		"sink": s.name, "table": s.table,
		"saved": len(fresh), "skipped": skipped,
	}).Info("sink write complete")
	return Outcome{Saved: len(fresh), Skipped: skipped, Success: true}
}

func (s *sqlSink) checkShape(row transform.Record) error {
	for _, key := range s.keyColumns {
		if _, ok := row[key]; !ok {
			return errors.Errorf("rows missing dedup column %q", key)
		}
	}
	return nil
}

// dedupeRows drops intra-batch duplicates on the key tuple, first
// occurrence wins.
func dedupeRows(rows []transform.Record, keyColumns []string) ([]transform.Record, int) {
	seen := make(map[string]struct{}, len(rows))
	out := make([]transform.Record, 0, len(rows))
	skipped := 0
	for _, row := range rows {
		key := keyOf(row, keyColumns)
		if _, dup := seen[key]; dup {
			skipped++
			continue
		}
		seen[key] = struct{}{}
		out = append(out, row)
	}
	return out, skipped
}

func keyOf(row transform.Record, keyColumns []string) string {
	parts := make([]string, 0, len(keyColumns))
	for _, col := range keyColumns {
		parts = append(parts, fmt.Sprint(row[col]))
	}
	return strings.Join(parts, "\x1f")
}

func orderIDsOf(rows []transform.Record, orderColumn string) []string {
	seen := make(map[string]struct{}, len(rows))
	out := make([]string, 0, len(rows))
	for _, row := range rows {
		id := row.Str(orderColumn)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// queryExistingDB fetches the natural-key tuples already in the table
// for the batch's order IDs.
func (s *sqlSink) queryExistingDB(ctx context.Context, orderIDs []string) (map[string]struct{}, error) {
	existing := make(map[string]struct{})
	if len(orderIDs) == 0 {
		return existing, nil
	}

	// Keep each IN() clause within the parameter cap.
	chunk := maxParamsPerStatement
	for start := 0; start < len(orderIDs); start += chunk {
		end := start + chunk
		if end > len(orderIDs) {
			end = len(orderIDs)
		}
		batch := orderIDs[start:end]

		placeholders := make([]string, len(batch))
		args := make([]any, len(batch))
		for i, id := range batch {
			placeholders[i] = fmt.Sprintf("@p%d", i+1)
			args[i] = id
		}

		query := fmt.Sprintf("SELECT %s FROM %s WHERE %s IN (%s)",
			quoteColumns(s.keyColumns), quoteIdent(s.table),
			quoteIdent(s.keyColumns[0]), strings.Join(placeholders, ", "))

		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, err
		}
		if err := collectKeys(rows, len(s.keyColumns), existing); err != nil {
			return nil, err
		}
	}
	return existing, nil
}

func collectKeys(rows *sql.Rows, width int, into map[string]struct{}) error {
	defer rows.Close()
	for rows.Next() {
		values := make([]any, width)
		ptrs := make([]any, width)
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return err
		}
		parts := make([]string, width)
		for i, v := range values {
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			parts[i] = fmt.Sprint(v)
		}
		into[strings.Join(parts, "\x1f")] = struct{}{}
	}
	return rows.Err()
}

// insertWithRetry appends the rows with exponential backoff and jitter.
func (s *sqlSink) insertWithRetry(ctx context.Context, rows []transform.Record) error {
	var lastErr error
	for attempt := 1; attempt <= s.maxRetries; attempt++ {
		lastErr = s.bulkInsert(ctx, rows)
		if lastErr == nil {
			return nil
		}
		if attempt == s.maxRetries {
			break
		}
		delay := s.retryBase << (attempt - 1)
		delay += time.Duration(rand.Int63n(int64(s.retryBase)))
		logger.WithFields(map[string]any{
			"sink": s.name, "attempt": attempt, "error": lastErr.Error(),
		}).Warn("bulk insert failed, retrying")
		if err := s.sleep(ctx, delay); err != nil {
			return err
		}
	}
	return errors.Wrapf(lastErr, "%s insert failed after %d attempts", s.name, s.maxRetries)
}

// bulkInsertDB writes the rows in multi-row INSERT statements sized to
// the parameter cap, all inside one transaction.
func (s *sqlSink) bulkInsertDB(ctx context.Context, rows []transform.Record) error {
	rowsPerStatement := maxParamsPerStatement / len(s.columns)
	if rowsPerStatement < 1 {
		rowsPerStatement = 1
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for start := 0; start < len(rows); start += rowsPerStatement {
		end := start + rowsPerStatement
		if end > len(rows) {
			end = len(rows)
		}
		if err := s.insertChunk(ctx, tx, rows[start:end]); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqlSink) insertChunk(ctx context.Context, tx *sql.Tx, chunk []transform.Record) error {
	valueGroups := make([]string, 0, len(chunk))
	args := make([]any, 0, len(chunk)*len(s.columns))

	param := 1
	for _, row := range chunk {
		placeholders := make([]string, len(s.columns))
		for i, col := range s.columns {
			placeholders[i] = fmt.Sprintf("@p%d", param)
			args = append(args, row[col])
			param++
		}
		valueGroups = append(valueGroups, "("+strings.Join(placeholders, ", ")+")")
	}

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES %s",
		quoteIdent(s.table), quoteColumns(s.columns), strings.Join(valueGroups, ", "))
	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

func quoteIdent(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

func quoteColumns(columns []string) string {
	quoted := make([]string, len(columns))
	for i, col := range columns {
		quoted[i] = quoteIdent(col)
	}
	return strings.Join(quoted, ", ")
}
