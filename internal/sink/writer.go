package sink

import (
	"context"
	"database/sql"

	"github.com/b2fitness/amazon-connector/internal/marketplace"
	"github.com/b2fitness/amazon-connector/internal/transform"
	"github.com/b2fitness/amazon-connector/pkg/logger"
)

const azureTableBase = "stg_tr_amazon_raw"

// WriteResult reports one day's write across both sinks. The day counts
// as saved when either sink succeeded.
type WriteResult struct {
	MSSQL             Outcome  `json:"mssql"`
	Azure             Outcome  `json:"azure"`
	TotalRecordsSaved int      `json:"total_records_saved"`
	Errors            []string `json:"errors,omitempty"`
}

// Success reports whether at least one sink took the day.
func (r WriteResult) Success() bool {
	return r.MSSQL.Success || r.Azure.Success
}

// Writer persists transformed rows into the per-marketplace MSSQL table
// and the Azure staging table. The sinks are independent: one failing
// never blocks the other.
type Writer struct {
	mssqlDB     *sql.DB
	azureDB     *sql.DB
	mssqlSuffix string
	azureSuffix string

	// test seams
	newMSSQLSink func(mp marketplace.Marketplace) *sqlSink
	newAzureSink func() *sqlSink
}

// NewWriter builds a writer over the two opened pools. Table suffixes
// let test environments target shadow tables.
func NewWriter(mssqlDB, azureDB *sql.DB, mssqlSuffix, azureSuffix string) *Writer {
	w := &Writer{
		mssqlDB:     mssqlDB,
		azureDB:     azureDB,
		mssqlSuffix: mssqlSuffix,
		azureSuffix: azureSuffix,
	}
	w.newMSSQLSink = func(mp marketplace.Marketplace) *sqlSink {
		return newSQLSink("mssql", mp.MSSQLTable(w.mssqlSuffix), w.mssqlDB,
			transform.MSSQLColumns, []string{"AmazonOrderId", "OrderItemId"})
	}
	w.newAzureSink = func() *sqlSink {
		return newSQLSink("azure", azureTableBase+w.azureSuffix, w.azureDB,
			transform.AzureColumns, []string{"OrderId", "SKU"})
	}
	return w
}

// WriteDay pushes one marketplace-day into both sinks.
func (w *Writer) WriteDay(ctx context.Context, mp marketplace.Marketplace, out *transform.Output) WriteResult {
	var result WriteResult

	result.MSSQL = w.newMSSQLSink(mp).write(ctx, out.MSSQL)
	result.Azure = w.newAzureSink().write(ctx, out.Azure)

	result.TotalRecordsSaved = result.MSSQL.Saved + result.Azure.Saved
	if result.MSSQL.Error != "" {
		result.Errors = append(result.Errors, "mssql: "+result.MSSQL.Error)
	}
	if result.Azure.Error != "" {
		result.Errors = append(result.Errors, "azure: "+result.Azure.Error)
	}

	logger.WithFields(map[string]any{
		"marketplace": mp.Code,
		"mssql_saved": result.MSSQL.Saved,
		"azure_saved": result.Azure.Saved,
		"skipped":     result.MSSQL.Skipped + result.Azure.Skipped,
		"success":     result.Success(),
	}).Info("day write finished")
	return result
}
