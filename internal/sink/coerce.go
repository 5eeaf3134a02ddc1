package sink

import (
	"math"
	"time"

	"github.com/b2fitness/amazon-connector/internal/transform"
)

// integerColumns are stored as whole numbers in both sinks.
var integerColumns = map[string]bool{
	"NumberOfItemsShipped": true,
	"QuantityShipped":      true,
	"QuantityOrdered":      true,
	"Quantity":             true,
}

// datetimeStringColumns arrive as Amazon timestamp strings and are
// stored as datetimes.
var datetimeStringColumns = map[string]bool{
	"PurchaseDate":     true,
	"EarliestShipDate": true,
	"LatestShipDate":   true,
	"data_fetch_Date":  true,
}

// floatColumns are the numeric money columns of either shape.
var floatColumns = map[string]bool{
	"vat": true, "item_subtotal": true, "promotion": true,
	"Promotional_Tax": true, "unit_price(vat_inclusive)": true,
	"unit_price(vat_exclusive)": true, "per_unit_price(vat_inclusive)": true,
	"per_unit_price(vat_exclusive)": true, "item_total": true,
	"grand_total": true, "calculated_vat": true, "vat%": true,
	"Total": true, "Promotional_Rebates": true, "ItemTax_Amount": true,
	"PromotionDiscountTax.Amount": true, "ShippingTax.Amount": true,
	"ShippingPrice.Amount": true, "ShippingDiscount.Amount": true,
	"ShippingDiscountTax.Amount": true,
}

// coerceRow normalizes one record in place for insertion: integers lose
// their fractional part (unparseable → 0), floats default to 0.0, NaN
// collapses to zero, timestamp strings become naive UTC datetimes.
func coerceRow(row transform.Record) {
	for col, v := range row {
		switch {
		case integerColumns[col]:
			row[col] = int64(sanitizeFloat(row.F64(col)))
		case floatColumns[col]:
			row[col] = sanitizeFloat(row.F64(col))
		case datetimeStringColumns[col]:
			row[col] = coerceDatetime(v)
		default:
			if t, ok := v.(time.Time); ok {
				row[col] = t.UTC()
			}
		}
	}
}

func sanitizeFloat(f float64) float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}

func coerceDatetime(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case time.Time:
		return t.UTC()
	case string:
		parsed, ok := transform.ParseTimestamp(t)
		if !ok {
			return nil
		}
		return parsed
	}
	return nil
}
