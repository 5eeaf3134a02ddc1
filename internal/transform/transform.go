package transform

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/b2fitness/amazon-connector/internal/marketplace"
	"github.com/b2fitness/amazon-connector/internal/spapi"
	"github.com/b2fitness/amazon-connector/pkg/logger"
)

// Output carries the two sink-shaped row sets for one marketplace-day.
type Output struct {
	MSSQL []Record
	Azure []Record
}

// Transformer converts one day's raw orders and items into the MSSQL and
// Azure row shapes. All stages are deterministic and order-sensitive.
type Transformer struct{}

// New creates a transformer.
func New() *Transformer {
	return &Transformer{}
}

// Process runs the full pipeline: merge, currency split, shape fill,
// numeric coercion, timezone conversion, VAT, region mapping and the two
// projections. A missing AmazonOrderId on any order is fatal; everything
// else degrades to neutral defaults per row.
func (t *Transformer) Process(mp marketplace.Marketplace, orders []spapi.Order, itemsByOrder map[string][]spapi.OrderItem) (*Output, error) {
	rows, err := mergeOrdersAndItems(orders, itemsByOrder)
	if err != nil {
		return nil, err
	}

	for _, rec := range rows {
		splitPricing(rec)
		ensureColumns(rec)
		coerceNumeric(rec)

		if conv, ok := ConvertPurchaseDate(rec.Str("PurchaseDate"), mp); ok {
			rec["PurchaseDate_conversion"] = conv
		} else {
			rec["PurchaseDate_conversion"] = nil
		}

		applyVAT(rec, mp)
		applyRegionMapping(rec)
	}

	out := &Output{
		MSSQL: buildMSSQLRows(rows),
	}
	out.Azure = buildAzureRows(out.MSSQL)

	logger.WithFields(map[string]any{
		"marketplace": mp.Code,
		"rows":        len(rows),
		"mssql_rows":  len(out.MSSQL),
		"azure_rows":  len(out.Azure),
	}).Info("transform finished")
	return out, nil
}

// mergeOrdersAndItems outer-joins orders with their items on
// AmazonOrderId: one row per order-item, order-only rows for orders
// without items, item-only rows for orphaned items.
func mergeOrdersAndItems(orders []spapi.Order, itemsByOrder map[string][]spapi.OrderItem) ([]Record, error) {
	rows := make([]Record, 0, len(orders))
	seen := make(map[string]bool, len(orders))

	for _, order := range orders {
		orderID := order.AmazonOrderID()
		if orderID == "" {
			return nil, errors.New("order without AmazonOrderId")
		}
		seen[orderID] = true

		base := flatten(order)
		items := itemsByOrder[orderID]
		if len(items) == 0 {
			rows = append(rows, base)
			continue
		}
		for _, item := range items {
			rec := base.Clone()
			for k, v := range flatten(item) {
				rec[k] = v
			}
			rec["AmazonOrderId"] = orderID
			rows = append(rows, rec)
		}
	}

	// Orphaned items keep their data even when the order page missed
	// the parent.
	orphans := make([]string, 0)
	for orderID := range itemsByOrder {
		if !seen[orderID] {
			orphans = append(orphans, orderID)
		}
	}
	sort.Strings(orphans)
	for _, orderID := range orphans {
		for _, item := range itemsByOrder[orderID] {
			rec := flatten(item)
			rec["AmazonOrderId"] = orderID
			rows = append(rows, rec)
		}
	}
	return rows, nil
}

// applyRegionMapping stamps Region from the row's sales channel. The
// warehouse-only Country/Company/Channel columns are derived later, in
// the Azure projection.
func applyRegionMapping(rec Record) {
	rec["Region"] = ""
	if mp, ok := marketplace.BySalesChannel(rec.Str("SalesChannel")); ok {
		rec["Region"] = mp.Code
	}
}
