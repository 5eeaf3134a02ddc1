package transform

import (
	"fmt"
	"strings"
	"time"

	"github.com/b2fitness/amazon-connector/internal/marketplace"
)

// AzureColumns is the final warehouse staging schema, in table order.
var AzureColumns = []string{
	"CLEAN_DateTime", "Date", "OrderId", "SKU", "Type", "Region", "Country",
	"SalesChannel", "Channel", "MarketplaceId", "Company", "CurrencyCode",
	"FulfillmentChannel", "Quantity", "vat", "item_subtotal", "promotion",
	"unit_price(vat_inclusive)", "unit_price(vat_exclusive)",
	"per_unit_price(vat_inclusive)", "per_unit_price(vat_exclusive)",
	"item_total", "grand_total", "Title", "Total", "Promotional_Rebates",
	"Promotional_Tax", "ItemTax_Amount", "data_fetch_Date",
}

// azureGroupKeys is the aggregation key: one output row per distinct
// combination.
var azureGroupKeys = []string{
	"CLEAN_DateTime", "Date", "OrderId", "SKU", "Type", "Region", "Country",
	"SalesChannel", "Channel", "MarketplaceId", "Company", "CurrencyCode",
	"FulfillmentChannel",
}

// azureSumColumns are summed within each group.
var azureSumColumns = []string{
	"Quantity", "vat", "item_subtotal", "promotion", "Promotional_Tax",
	"unit_price(vat_inclusive)", "unit_price(vat_exclusive)", "item_total",
	"ItemTax_Amount", "Total", "Promotional_Rebates",
}

// buildAzureRows derives the warehouse rows from the MSSQL shape: filter
// to shipped Amazon sales, relabel, aggregate per (order, SKU) and rejoin
// the columns the group-by collapses.
func buildAzureRows(mssqlRows []Record) []Record {
	filtered := make([]Record, 0, len(mssqlRows))
	for _, src := range mssqlRows {
		if src.Str("OrderStatus") != "Shipped" {
			continue
		}
		if src.Str("SalesChannel") == "Non-Amazon" {
			continue
		}
		if src.F64("QuantityOrdered") == 0 {
			continue
		}
		if src["unit_price(vat_inclusive)"] == nil {
			continue
		}

		// The operational table drops Country/Company/Channel, so the
		// warehouse shape re-derives them from the sales channel.
		country, company := "", ""
		if mp, ok := marketplace.BySalesChannel(src.Str("SalesChannel")); ok {
			country, company = mp.Country, mp.Company
		}

		rec := Record{
			"PurchaseDate":              src["PurchaseDate"],
			"CLEAN_DateTime":            src["PurchaseDate_conversion"],
			"OrderId":                   src["AmazonOrderId"],
			"ASIN":                      src["ASIN"],
			"SKU":                       strings.ToUpper(strings.TrimSpace(src.Str("SellerSKU"))),
			"Type":                      "Order", // relabeled from Shipped
			"Region":                    src["Region"],
			"Country":                   country,
			"SalesChannel":              src["SalesChannel"],
			"Channel":                   "Amazon",
			"MarketplaceId":             src["MarketplaceId"],
			"Company":                   company,
			"CurrencyCode":              src["CurrencyCode"],
			"FulfillmentChannel":        src["FulfillmentChannel"],
			"Title":                     src["Title"],
			"Quantity":                  src.F64("QuantityOrdered"),
			"vat":                       src.F64("vat"),
			"item_subtotal":             src.F64("item_subtotal"),
			"promotion":                 src.F64("promotion"),
			"Promotional_Tax":           src.F64("Promotional_Tax"),
			"unit_price(vat_inclusive)": src.F64("unit_price(vat_inclusive)"),
			"unit_price(vat_exclusive)": src.F64("unit_price(vat_exclusive)"),
			"item_total":                src.F64("item_total"),
			"grand_total":               src.F64("grand_total"),
			"ItemTax_Amount":            src.F64("vat"),
			"Total":                     src.F64("unit_price(vat_inclusive)"),
			"Promotional_Rebates":       src.F64("promotion"),
		}
		if conv, ok := rec.Time("CLEAN_DateTime"); ok {
			rec["Date"] = time.Date(conv.Year(), conv.Month(), conv.Day(), 0, 0, 0, 0, time.UTC)
		} else {
			rec["Date"] = nil
		}
		filtered = append(filtered, rec)
	}

	if len(filtered) == 0 {
		return nil
	}

	// Group-by with summing accumulators, preserving first-seen order.
	type group struct {
		rec Record
	}
	groups := make(map[string]*group, len(filtered))
	order := make([]string, 0, len(filtered))

	// Rejoin sources: purchase date per (OrderId, SKU, Region), grand
	// total per OrderId, title per SKU (last occurrence wins).
	fetchDates := make(map[string]any)
	grandTotals := make(map[string]float64)
	titles := make(map[string]any)

	for _, rec := range filtered {
		key := groupKey(rec)
		g, ok := groups[key]
		if !ok {
			g = &group{rec: rec.Clone()}
			groups[key] = g
			order = append(order, key)
		} else {
			for _, col := range azureSumColumns {
				g.rec[col] = g.rec.F64(col) + rec.F64(col)
			}
		}

		joinKey := rec.Str("OrderId") + "\x1f" + rec.Str("SKU") + "\x1f" + rec.Str("Region")
		if _, ok := fetchDates[joinKey]; !ok {
			fetchDates[joinKey] = rec["PurchaseDate"]
		}
		if _, ok := grandTotals[rec.Str("OrderId")]; !ok {
			grandTotals[rec.Str("OrderId")] = rec.F64("grand_total")
		}
		titles[rec.Str("SKU")] = rec["Title"]
	}

	out := make([]Record, 0, len(order))
	for _, key := range order {
		rec := groups[key].rec

		joinKey := rec.Str("OrderId") + "\x1f" + rec.Str("SKU") + "\x1f" + rec.Str("Region")
		rec["data_fetch_Date"] = fetchDates[joinKey]
		rec["grand_total"] = grandTotals[rec.Str("OrderId")]
		rec["Title"] = titles[rec.Str("SKU")]
		delete(rec, "PurchaseDate")

		qty := rec.F64("Quantity")
		if qty != 0 {
			rec["per_unit_price(vat_inclusive)"] = rec.F64("unit_price(vat_inclusive)") / qty
			rec["per_unit_price(vat_exclusive)"] = rec.F64("unit_price(vat_exclusive)") / qty
		} else {
			rec["per_unit_price(vat_inclusive)"] = 0.0
			rec["per_unit_price(vat_exclusive)"] = 0.0
		}

		out = append(out, alignAzure(rec))
	}
	return out
}

func groupKey(rec Record) string {
	parts := make([]string, 0, len(azureGroupKeys))
	for _, col := range azureGroupKeys {
		switch v := rec[col].(type) {
		case time.Time:
			parts = append(parts, v.Format(time.RFC3339))
		case nil:
			parts = append(parts, "")
		default:
			parts = append(parts, fmt.Sprint(v))
		}
	}
	return strings.Join(parts, "\x1f")
}

// alignAzure enforces the final column set and neutral defaults.
func alignAzure(rec Record) Record {
	out := make(Record, len(AzureColumns))
	for _, col := range AzureColumns {
		v, ok := rec[col]
		if !ok || v == nil {
			switch col {
			case "Quantity", "vat", "item_subtotal", "promotion",
				"unit_price(vat_inclusive)", "unit_price(vat_exclusive)",
				"per_unit_price(vat_inclusive)", "per_unit_price(vat_exclusive)",
				"item_total", "grand_total", "Total", "Promotional_Rebates",
				"Promotional_Tax", "ItemTax_Amount":
				out[col] = 0.0
			default:
				out[col] = nil
			}
			continue
		}
		out[col] = v
	}
	return out
}
