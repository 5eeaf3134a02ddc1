package sink

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/b2fitness/amazon-connector/internal/marketplace"
	"github.com/b2fitness/amazon-connector/internal/transform"
)

func mssqlRow(orderID, itemID string) transform.Record {
	return transform.Record{
		"AmazonOrderId":   orderID,
		"OrderItemId":     itemID,
		"PurchaseDate":    "2024-01-15T10:30:00Z",
		"QuantityOrdered": 2.0,
		"vat":             2.0,
		"item_subtotal":   12.01,
	}
}

// testSink wires the DB hooks to in-memory fakes.
func testSink(existing map[string]struct{}, queryErr error, insertErrs int) (*sqlSink, *[][]transform.Record) {
	s := newSQLSink("mssql", "amazon_api_uk", nil,
		transform.MSSQLColumns, []string{"AmazonOrderId", "OrderItemId"})
	s.sleep = func(ctx context.Context, d time.Duration) error { return nil }

	var inserted [][]transform.Record
	s.queryExisting = func(ctx context.Context, orderIDs []string) (map[string]struct{}, error) {
		if queryErr != nil {
			return nil, queryErr
		}
		if existing == nil {
			return map[string]struct{}{}, nil
		}
		return existing, nil
	}
	remaining := insertErrs
	s.bulkInsert = func(ctx context.Context, rows []transform.Record) error {
		if remaining > 0 {
			remaining--
			return errors.New("connection reset")
		}
		inserted = append(inserted, rows)
		return nil
	}
	return s, &inserted
}

func TestDedupeRowsFirstWins(t *testing.T) {
	a := mssqlRow("o1", "i1")
	a["Title"] = "first"
	b := mssqlRow("o1", "i1")
	b["Title"] = "second"

	out, skipped := dedupeRows([]transform.Record{a, b, mssqlRow("o1", "i2")}, []string{"AmazonOrderId", "OrderItemId"})
	require.Len(t, out, 2)
	assert.Equal(t, 1, skipped)
	assert.Equal(t, "first", out[0].Str("Title"))
}

func TestCoerceRow(t *testing.T) {
	row := transform.Record{
		"QuantityOrdered": 2.7,
		"vat":             math.NaN(),
		"item_subtotal":   "12.01",
		"PurchaseDate":    "2024-01-15T10:30:00Z",
		"LatestShipDate":  "garbage",
		"Title":           "Band",
	}
	coerceRow(row)

	assert.Equal(t, int64(2), row["QuantityOrdered"])
	assert.Equal(t, 0.0, row["vat"])
	assert.Equal(t, 12.01, row["item_subtotal"])
	assert.Equal(t, time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC), row["PurchaseDate"])
	assert.Nil(t, row["LatestShipDate"])
	assert.Equal(t, "Band", row["Title"])
}

func TestWriteSkipsExistingRows(t *testing.T) {
	existing := map[string]struct{}{"o1\x1fi1": {}}
	s, inserted := testSink(existing, nil, 0)

	outcome := s.write(context.Background(), []transform.Record{
		mssqlRow("o1", "i1"), mssqlRow("o1", "i2"),
	})

	assert.True(t, outcome.Success)
	assert.Equal(t, 1, outcome.Saved)
	assert.Equal(t, 1, outcome.Skipped)
	require.Len(t, *inserted, 1)
}

func TestWriteAllDuplicatesStillSucceeds(t *testing.T) {
	existing := map[string]struct{}{"o1\x1fi1": {}}
	s, inserted := testSink(existing, nil, 0)

	outcome := s.write(context.Background(), []transform.Record{mssqlRow("o1", "i1")})

	assert.True(t, outcome.Success)
	assert.Equal(t, 0, outcome.Saved)
	assert.Equal(t, 1, outcome.Skipped)
	assert.Empty(t, *inserted)
}

func TestDedupQueryFailureAbortsSink(t *testing.T) {
	s, inserted := testSink(nil, errors.New("network down"), 0)

	outcome := s.write(context.Background(), []transform.Record{mssqlRow("o1", "i1")})

	assert.False(t, outcome.Success)
	assert.Contains(t, outcome.Error, "dedup query failed")
	assert.Empty(t, *inserted)
}

func TestInsertRetriesThenSucceeds(t *testing.T) {
	s, inserted := testSink(nil, nil, 2)

	outcome := s.write(context.Background(), []transform.Record{mssqlRow("o1", "i1")})

	assert.True(t, outcome.Success)
	assert.Equal(t, 1, outcome.Saved)
	require.Len(t, *inserted, 1)
}

func TestInsertRetriesExhausted(t *testing.T) {
	s, _ := testSink(nil, nil, 3)

	outcome := s.write(context.Background(), []transform.Record{mssqlRow("o1", "i1")})

	assert.False(t, outcome.Success)
	assert.Contains(t, outcome.Error, "3 attempts")
}

func TestShapeCheck(t *testing.T) {
	s, _ := testSink(nil, nil, 0)
	outcome := s.write(context.Background(), []transform.Record{{"SomethingElse": 1}})
	assert.False(t, outcome.Success)
	assert.Contains(t, outcome.Error, "dedup column")
}

func TestEmptyBatchSucceeds(t *testing.T) {
	s, inserted := testSink(nil, nil, 0)
	outcome := s.write(context.Background(), nil)
	assert.True(t, outcome.Success)
	assert.Empty(t, *inserted)
}

func TestWriteDayTwoSinkIndependence(t *testing.T) {
	uk, err := marketplace.ByCode("UK")
	require.NoError(t, err)

	w := NewWriter(nil, nil, "", "")
	okSink, _ := testSink(nil, nil, 0)
	failSink, _ := testSink(nil, errors.New("azure unreachable"), 0)

	w.newMSSQLSink = func(mp marketplace.Marketplace) *sqlSink { return okSink }
	w.newAzureSink = func() *sqlSink {
		failSink.name = "azure"
		failSink.keyColumns = []string{"OrderId", "SKU"}
		return failSink
	}

	out := &transform.Output{
		MSSQL: []transform.Record{mssqlRow("o1", "i1")},
		Azure: []transform.Record{{"OrderId": "o1", "SKU": "SKU-A"}},
	}
	result := w.WriteDay(context.Background(), uk, out)

	assert.True(t, result.MSSQL.Success)
	assert.False(t, result.Azure.Success)
	assert.True(t, result.Success())
	assert.Equal(t, 1, result.TotalRecordsSaved)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "azure")
}

func TestInsertChunkSQL(t *testing.T) {
	s := newSQLSink("azure", "stg_tr_amazon_raw", nil,
		[]string{"OrderId", "SKU"}, []string{"OrderId", "SKU"})
	assert.Equal(t, "[stg_tr_amazon_raw]", quoteIdent(s.table))
	assert.Equal(t, "[OrderId], [SKU]", quoteColumns(s.columns))
}
