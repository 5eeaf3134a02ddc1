package repair

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"

	"github.com/b2fitness/amazon-connector/internal/marketplace"
	"github.com/b2fitness/amazon-connector/internal/state"
	"github.com/b2fitness/amazon-connector/pkg/logger"
)

const azureTable = "stg_tr_amazon_raw"

// Marketplaces eligible for the purchase-date repair.
var DefaultCodes = []string{"UK", "DE", "IT", "ES"}

// FixDetail reports one repaired marketplace.
type FixDetail struct {
	Marketplace      string `json:"marketplace"`
	RowsDeletedMSSQL int64  `json:"rows_deleted_mssql"`
	RowsDeletedAzure int64  `json:"rows_deleted_azure"`
	TotalRowsDeleted int64  `json:"total_rows_deleted"`
	MaxPurchaseDate  string `json:"max_purchase_date"`
	MaxFetchDate     string `json:"max_fetch_date_azure"`
	NewLastRun       string `json:"new_last_run"`
}

// MarketplaceError is one marketplace the repair could not finish.
type MarketplaceError struct {
	Marketplace string `json:"marketplace"`
	Error       string `json:"error"`
}

// Summary is the outcome of one repair run.
type Summary struct {
	TotalMarketplacesProcessed int                `json:"total_marketplaces_processed"`
	TotalRowsDeleted           int64              `json:"total_rows_deleted"`
	MarketplacesFixed          []FixDetail        `json:"marketplaces_fixed"`
	MarketplacesWithErrors     []MarketplaceError `json:"marketplaces_with_errors"`
	MarketplacesNoAnomalies    []string           `json:"marketplaces_no_anomalies"`
}

// Sample is an anomalous row shown in the logs before deletion.
type Sample struct {
	OrderID   string
	Original  time.Time
	Converted time.Time
}

// Runner deletes rows whose converted purchase date ran ahead of the
// rest of the table, then rewinds the marketplace high-water mark so the
// affected days are refetched. Timezone conversion bugs in earlier
// releases wrote such rows.
type Runner struct {
	store       *state.Store
	mssqlDB     *sql.DB
	azureDB     *sql.DB
	mssqlSuffix string

	// test seams over the warehouse queries
	maxPurchaseDate func(ctx context.Context, mp marketplace.Marketplace) (time.Time, bool, error)
	maxFetchDate    func(ctx context.Context, mp marketplace.Marketplace) (time.Time, bool, error)
	countMSSQL      func(ctx context.Context, mp marketplace.Marketplace, max time.Time) (int64, error)
	countAzure      func(ctx context.Context, mp marketplace.Marketplace, max time.Time) (int64, error)
	sampleMSSQL     func(ctx context.Context, mp marketplace.Marketplace, max time.Time) ([]Sample, error)
	sampleAzure     func(ctx context.Context, mp marketplace.Marketplace, max time.Time) ([]Sample, error)
	deleteMSSQL     func(ctx context.Context, mp marketplace.Marketplace, max time.Time) (int64, error)
	deleteAzure     func(ctx context.Context, mp marketplace.Marketplace, max time.Time) (int64, error)
}

// NewRunner builds a repair runner over the two warehouse pools and the
// state store.
func NewRunner(store *state.Store, mssqlDB, azureDB *sql.DB, mssqlSuffix string) *Runner {
	r := &Runner{
		store:       store,
		mssqlDB:     mssqlDB,
		azureDB:     azureDB,
		mssqlSuffix: mssqlSuffix,
	}
	r.maxPurchaseDate = r.maxPurchaseDateDB
	r.maxFetchDate = r.maxFetchDateDB
	r.countMSSQL = r.countMSSQLDB
	r.countAzure = r.countAzureDB
	r.sampleMSSQL = r.sampleMSSQLDB
	r.sampleAzure = r.sampleAzureDB
	r.deleteMSSQL = r.deleteMSSQLDB
	r.deleteAzure = r.deleteAzureDB
	return r
}

// Run repairs every marketplace in codes (DefaultCodes when empty). Each
// marketplace is independent: a failure records an error and moves on.
func (r *Runner) Run(ctx context.Context, codes []string) (*Summary, error) {
	if len(codes) == 0 {
		codes = DefaultCodes
	}
	mps, err := marketplace.Codes(codes)
	if err != nil {
		return nil, err
	}

	summary := &Summary{
		MarketplacesFixed:       []FixDetail{},
		MarketplacesWithErrors:  []MarketplaceError{},
		MarketplacesNoAnomalies: []string{},
	}
	for _, mp := range mps {
		summary.TotalMarketplacesProcessed++
		r.runMarketplace(ctx, mp, summary)
	}

	logger.WithFields(map[string]any{
		"processed":    summary.TotalMarketplacesProcessed,
		"rows_deleted": summary.TotalRowsDeleted,
		"fixed":        len(summary.MarketplacesFixed),
		"errors":       len(summary.MarketplacesWithErrors),
		"no_anomalies": len(summary.MarketplacesNoAnomalies),
	}).Info("purchase date repair finished")
	return summary, nil
}

func (r *Runner) runMarketplace(ctx context.Context, mp marketplace.Marketplace, summary *Summary) {
	log := logger.WithFields(map[string]any{"marketplace": mp.Code})
	fail := func(msg string) {
		log.Error(msg)
		summary.MarketplacesWithErrors = append(summary.MarketplacesWithErrors, MarketplaceError{
			Marketplace: mp.Code, Error: msg,
		})
	}

	maxPurchase, ok, err := r.maxPurchaseDate(ctx, mp)
	if err != nil || !ok {
		fail("mssql: could not determine max purchase date: " + errText(err, "table may be empty"))
		return
	}
	maxFetch, ok, err := r.maxFetchDate(ctx, mp)
	if err != nil || !ok {
		fail("azure: could not determine max fetch date: " + errText(err, "no data for region"))
		return
	}

	mssqlCount, err := r.countMSSQL(ctx, mp, maxPurchase)
	if err != nil {
		fail("mssql anomaly count failed: " + err.Error())
		return
	}
	azureCount, err := r.countAzure(ctx, mp, maxFetch)
	if err != nil {
		fail("azure anomaly count failed: " + err.Error())
		return
	}

	if mssqlCount == 0 && azureCount == 0 {
		log.Info("no purchase date anomalies")
		summary.MarketplacesNoAnomalies = append(summary.MarketplacesNoAnomalies, mp.Code)
		return
	}
	log.WithFields(map[string]any{
		"mssql_rows": mssqlCount,
		"azure_rows": azureCount,
	}).Warn("anomalous rows found")
	r.logSamples(ctx, mp, maxPurchase, maxFetch, mssqlCount, azureCount)

	var deletedMSSQL, deletedAzure int64
	if mssqlCount > 0 {
		deletedMSSQL, err = r.deleteMSSQL(ctx, mp, maxPurchase)
		if err != nil {
			fail("mssql deletion failed: " + err.Error())
			return
		}
		log.WithFields(map[string]any{"deleted": deletedMSSQL}).Info("mssql anomalies deleted")
	}
	if azureCount > 0 {
		deletedAzure, err = r.deleteAzure(ctx, mp, maxFetch)
		if err != nil {
			fail("azure deletion failed: " + err.Error())
			return
		}
		log.WithFields(map[string]any{"deleted": deletedAzure}).Info("azure anomalies deleted")
	}
	summary.TotalRowsDeleted += deletedMSSQL + deletedAzure

	newLastRun := rewindTarget(maxPurchase)
	if err := r.store.RewindLastRun(ctx, mp.ID, newLastRun); err != nil {
		fail("rewind last_run failed: " + err.Error())
		return
	}
	log.WithFields(map[string]any{"last_run": newLastRun.Format(time.RFC3339)}).Info("high-water mark rewound")

	summary.MarketplacesFixed = append(summary.MarketplacesFixed, FixDetail{
		Marketplace:      mp.Code,
		RowsDeletedMSSQL: deletedMSSQL,
		RowsDeletedAzure: deletedAzure,
		TotalRowsDeleted: deletedMSSQL + deletedAzure,
		MaxPurchaseDate:  maxPurchase.Format("2006-01-02"),
		MaxFetchDate:     maxFetch.Format("2006-01-02"),
		NewLastRun:       newLastRun.Format("2006-01-02T15:04:05Z"),
	})
}

// rewindTarget is the day before the max purchase date, at end of day,
// so the refetch walk re-covers every day the deletion touched.
func rewindTarget(maxPurchase time.Time) time.Time {
	d := maxPurchase.UTC().AddDate(0, 0, -1)
	return time.Date(d.Year(), d.Month(), d.Day(), 23, 59, 59, 0, time.UTC)
}

func (r *Runner) logSamples(ctx context.Context, mp marketplace.Marketplace, maxPurchase, maxFetch time.Time, mssqlCount, azureCount int64) {
	if mssqlCount > 0 {
		if samples, err := r.sampleMSSQL(ctx, mp, maxPurchase); err == nil {
			for _, s := range samples {
				logger.WithFields(map[string]any{
					"order_id":      s.OrderID,
					"purchase_date": s.Original,
					"converted":     s.Converted,
				}).Warn("mssql anomalous row")
			}
		}
	}
	if azureCount > 0 {
		if samples, err := r.sampleAzure(ctx, mp, maxFetch); err == nil {
			for _, s := range samples {
				logger.WithFields(map[string]any{
					"order_id":   s.OrderID,
					"fetch_date": s.Original,
					"clean":      s.Converted,
				}).Warn("azure anomalous row")
			}
		}
	}
}

func errText(err error, fallback string) string {
	if err != nil {
		return err.Error()
	}
	return fallback
}

func (r *Runner) mssqlTable(mp marketplace.Marketplace) string {
	return mp.MSSQLTable(r.mssqlSuffix)
}

func (r *Runner) maxPurchaseDateDB(ctx context.Context, mp marketplace.Marketplace) (time.Time, bool, error) {
	var max sql.NullTime
	err := r.mssqlDB.QueryRowContext(ctx,
		`SELECT MAX(CAST(PurchaseDate AS DATE)) FROM [`+r.mssqlTable(mp)+`]`).Scan(&max)
	if err != nil {
		return time.Time{}, false, errors.Wrap(err, "max purchase date")
	}
	return max.Time, max.Valid, nil
}

func (r *Runner) maxFetchDateDB(ctx context.Context, mp marketplace.Marketplace) (time.Time, bool, error) {
	var max sql.NullTime
	err := r.azureDB.QueryRowContext(ctx,
		`SELECT MAX(CAST(data_fetch_Date AS DATE)) FROM [`+azureTable+`] WHERE Region = @p1`,
		mp.Code).Scan(&max)
	if err != nil {
		return time.Time{}, false, errors.Wrap(err, "max fetch date")
	}
	return max.Time, max.Valid, nil
}

func (r *Runner) countMSSQLDB(ctx context.Context, mp marketplace.Marketplace, max time.Time) (int64, error) {
	var n int64
	err := r.mssqlDB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM [`+r.mssqlTable(mp)+`]
		 WHERE CAST(PurchaseDate_conversion AS DATE) > CAST(@p1 AS DATE)`, max).Scan(&n)
	return n, err
}

func (r *Runner) countAzureDB(ctx context.Context, mp marketplace.Marketplace, max time.Time) (int64, error) {
	var n int64
	err := r.azureDB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM [`+azureTable+`]
		 WHERE Region = @p1 AND CAST(CLEAN_DateTime AS DATE) > CAST(@p2 AS DATE)`,
		mp.Code, max).Scan(&n)
	return n, err
}

func (r *Runner) sampleMSSQLDB(ctx context.Context, mp marketplace.Marketplace, max time.Time) ([]Sample, error) {
	rows, err := r.mssqlDB.QueryContext(ctx,
		`SELECT TOP 3 AmazonOrderId, PurchaseDate, PurchaseDate_conversion
		 FROM [`+r.mssqlTable(mp)+`]
		 WHERE CAST(PurchaseDate_conversion AS DATE) > CAST(@p1 AS DATE)`, max)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSamples(rows)
}

func (r *Runner) sampleAzureDB(ctx context.Context, mp marketplace.Marketplace, max time.Time) ([]Sample, error) {
	rows, err := r.azureDB.QueryContext(ctx,
		`SELECT TOP 3 OrderId, data_fetch_Date, CLEAN_DateTime
		 FROM [`+azureTable+`]
		 WHERE Region = @p1 AND CAST(CLEAN_DateTime AS DATE) > CAST(@p2 AS DATE)`,
		mp.Code, max)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSamples(rows)
}

func collectSamples(rows *sql.Rows) ([]Sample, error) {
	var out []Sample
	for rows.Next() {
		var (
			s                   Sample
			original, converted sql.NullTime
		)
		if err := rows.Scan(&s.OrderID, &original, &converted); err != nil {
			return nil, err
		}
		s.Original = original.Time
		s.Converted = converted.Time
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *Runner) deleteMSSQLDB(ctx context.Context, mp marketplace.Marketplace, max time.Time) (int64, error) {
	return deleteTx(ctx, r.mssqlDB,
		`DELETE FROM [`+r.mssqlTable(mp)+`]
		 WHERE CAST(PurchaseDate_conversion AS DATE) > CAST(@p1 AS DATE)`, max)
}

func (r *Runner) deleteAzureDB(ctx context.Context, mp marketplace.Marketplace, max time.Time) (int64, error) {
	return deleteTx(ctx, r.azureDB,
		`DELETE FROM [`+azureTable+`]
		 WHERE Region = @p1 AND CAST(CLEAN_DateTime AS DATE) > CAST(@p2 AS DATE)`,
		mp.Code, max)
}

func deleteTx(ctx context.Context, db *sql.DB, query string, args ...any) (int64, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.Wrap(err, "begin delete tx")
	}
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		tx.Rollback()
		return 0, err
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		tx.Rollback()
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(err, "commit delete tx")
	}
	return deleted, nil
}
