package transform

import "time"

// MSSQLColumns is the ordered column set of the per-marketplace
// operational tables, post-rename.
var MSSQLColumns = []string{
	"PurchaseDate", "PurchaseDate_conversion", "EarliestShipDate", "LatestShipDate",
	"AmazonOrderId", "SalesChannel", "Region", "OrderStatus", "OrderType",
	"FulfillmentChannel", "NumberOfItemsShipped", "IsPremiumOrder", "IsPrime",
	"ShipServiceLevel", "ShipmentServiceLevelCategory", "MarketplaceId",
	"SellerOrderId", "IsBusinessOrder", "BuyerInfo.BuyerEmail",
	"ShippingAddress.StateOrRegion", "ShippingAddress.PostalCode",
	"ShippingAddress.City", "ShippingAddress.CountryCode", "ShippingAddress.County",
	"QuantityShipped", "ASIN", "SellerSKU", "QuantityOrdered", "Title", "IsGift",
	"OrderItemId", "PromotionDiscountTax.CurrencyCode", "PromotionDiscountTax.Amount",
	"ShippingTax.CurrencyCode", "ShippingTax.Amount", "ShippingPrice.CurrencyCode",
	"ShippingPrice.Amount", "ShippingDiscount.CurrencyCode", "ShippingDiscount.Amount",
	"ShippingDiscountTax.CurrencyCode", "ShippingDiscountTax.Amount",
	"ItemTax.CurrencyCode", "vat", "ItemPrice.CurrencyCode", "item_subtotal",
	"PromotionDiscount.CurrencyCode", "promotion", "Promotional_Tax",
	"unit_price(vat_inclusive)", "vat%", "calculated_vat",
	"unit_price(vat_exclusive)", "item_total", "CurrencyCode", "grand_total",
	"PurchaseDate_Materialized",
}

// mssqlRenames maps computed/source names onto the table's column names.
var mssqlRenames = map[string]string{
	"VAT":                     "calculated_vat",
	"ItemTax.Amount":          "vat",
	"ItemPrice.Amount":        "item_subtotal",
	"PromotionDiscount.Amount": "promotion",
	"Price":                   "unit_price(vat_inclusive)",
	"OrderTotal.CurrencyCode": "CurrencyCode",
	"OrderTotal.Amount":       "grand_total",
}

// buildMSSQLRows projects pipeline rows onto the MSSQL column set,
// applying the renames and materializing the local purchase date.
func buildMSSQLRows(rows []Record) []Record {
	out := make([]Record, 0, len(rows))
	for _, rec := range rows {
		projected := make(Record, len(MSSQLColumns))
		for k, v := range rec {
			if renamed, ok := mssqlRenames[k]; ok {
				projected[renamed] = v
			} else {
				projected[k] = v
			}
		}

		if conv, ok := projected.Time("PurchaseDate_conversion"); ok {
			projected["PurchaseDate_Materialized"] = time.Date(
				conv.Year(), conv.Month(), conv.Day(), 0, 0, 0, 0, time.UTC)
		} else {
			projected["PurchaseDate_Materialized"] = nil
		}

		row := make(Record, len(MSSQLColumns))
		for _, col := range MSSQLColumns {
			if v, ok := projected[col]; ok {
				row[col] = v
			} else {
				row[col] = nil
			}
		}
		out = append(out, row)
	}
	return out
}
