package transform

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/b2fitness/amazon-connector/internal/marketplace"
	"github.com/b2fitness/amazon-connector/internal/spapi"
)

func ukMarket(t *testing.T) marketplace.Marketplace {
	t.Helper()
	uk, err := marketplace.ByCode("UK")
	require.NoError(t, err)
	return uk
}

func shippedOrder(id string) spapi.Order {
	return spapi.Order{
		"AmazonOrderId":      id,
		"PurchaseDate":       "2024-01-15T10:30:00Z",
		"OrderStatus":        "Shipped",
		"SalesChannel":       "Amazon.co.uk",
		"MarketplaceId":      "A1F83G8C2ARO7P",
		"FulfillmentChannel": "AFN",
		"OrderTotal":         map[string]any{"CurrencyCode": "GBP", "Amount": "24.02"},
	}
}

func ukItem(itemID, sku string, qty float64) spapi.OrderItem {
	return spapi.OrderItem{
		"OrderItemId":       itemID,
		"SellerSKU":         sku,
		"ASIN":              "B00TEST",
		"Title":             "Resistance Band",
		"QuantityOrdered":   qty,
		"QuantityShipped":   qty,
		"ItemPrice":         map[string]any{"CurrencyCode": "GBP", "Amount": "12.01"},
		"ItemTax":           map[string]any{"CurrencyCode": "GBP", "Amount": "2.00"},
		"PromotionDiscount": map[string]any{"CurrencyCode": "GBP", "Amount": "0"},
	}
}

func TestSplitAmount(t *testing.T) {
	cases := []struct {
		in       any
		amount   float64
		currency string
	}{
		{"12.01 GBP", 12.01, "GBP"},
		{"12.01GBP", 12.01, "GBP"},
		{"12.01", 12.01, "USD"},
		{"-5.00 GBP", -5.00, "GBP"},
		{"0.00 EUR", 0, "EUR"},
		{"", 0, "USD"},
		{nil, 0, "USD"},
		{"map[Amount:12.01 CurrencyCode:GBP]", 12.01, "GBP"},
		{"no digits here", 0, "USD"},
	}
	for _, tc := range cases {
		amount, currency := SplitAmount(tc.in)
		assert.Equal(t, tc.amount, amount, "%v", tc.in)
		assert.Equal(t, tc.currency, currency, "%v", tc.in)
	}
}

func TestParseTimestampLayouts(t *testing.T) {
	want := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)
	for _, raw := range []string{
		"2024-01-15T10:30:00Z",
		"2024-01-15T10:30:00.000Z",
		"2024-01-15 10:30:00",
		"2024-01-15T10:30:00",
	} {
		got, ok := ParseTimestamp(raw)
		require.True(t, ok, raw)
		assert.True(t, got.Equal(want), raw)
	}

	_, ok := ParseTimestamp("15/01/2024")
	assert.False(t, ok)
}

func TestUKConversionAcrossDST(t *testing.T) {
	uk := ukMarket(t)

	// Winter: GMT, no shift.
	got, ok := ConvertPurchaseDate("2024-01-15T10:30:00Z", uk)
	require.True(t, ok)
	assert.Equal(t, time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC), got)

	// One second before the March switch (last Sunday 01:00).
	got, ok = ConvertPurchaseDate("2024-03-31T00:59:59Z", uk)
	require.True(t, ok)
	assert.Equal(t, 0, got.Hour())

	// At the switch: BST, +1.
	got, ok = ConvertPurchaseDate("2024-03-31T01:00:00Z", uk)
	require.True(t, ok)
	assert.Equal(t, 2, got.Hour())

	// Back to GMT at the October switch.
	got, ok = ConvertPurchaseDate("2024-10-27T01:00:00Z", uk)
	require.True(t, ok)
	assert.Equal(t, 1, got.Hour())
}

func TestEUConversion(t *testing.T) {
	de, err := marketplace.ByCode("DE")
	require.NoError(t, err)

	// Winter: CET, +1.
	got, ok := ConvertPurchaseDate("2024-01-15T10:30:00Z", de)
	require.True(t, ok)
	assert.Equal(t, 11, got.Hour())

	// Summer: CEST, +2.
	got, ok = ConvertPurchaseDate("2024-07-15T10:30:00Z", de)
	require.True(t, ok)
	assert.Equal(t, 12, got.Hour())
}

func TestNAConversionUsesPacificTime(t *testing.T) {
	us, err := marketplace.ByCode("US")
	require.NoError(t, err)

	// January: PST is UTC-8.
	got, ok := ConvertPurchaseDate("2024-01-15T10:00:00Z", us)
	require.True(t, ok)
	assert.Equal(t, time.Date(2024, 1, 15, 2, 0, 0, 0, time.UTC), got)

	// July: PDT is UTC-7.
	got, ok = ConvertPurchaseDate("2024-07-15T10:00:00Z", us)
	require.True(t, ok)
	assert.Equal(t, 3, got.Hour())
}

func TestVATIdentityUK(t *testing.T) {
	rec := Record{
		"SalesChannel":             "Amazon.co.uk",
		"ItemPrice.Amount":         12.01,
		"ItemTax.Amount":           2.00,
		"PromotionDiscount.Amount": 0.0,
	}
	applyVAT(rec, ukMarket(t))

	assert.Equal(t, 2.00, rec["ItemTax.Amount"])
	assert.Equal(t, 0.0, rec["Promotional_Tax"])
	assert.Equal(t, 12.01, rec["Price"])
	assert.InDelta(t, 0.2/1.2, rec.F64("vat%"), 1e-9)
	assert.InDelta(t, 12.01*(0.2/1.2), rec.F64("VAT"), 0.01)
	// No promotion: the exclusive price backs the reported tax out.
	assert.Equal(t, 10.01, rec["unit_price(vat_exclusive)"])
	assert.Equal(t, 12.01, rec["item_total"])
}

func TestVATWithPromotion(t *testing.T) {
	de, err := marketplace.ByCode("DE")
	require.NoError(t, err)
	rec := Record{
		"SalesChannel":             "Amazon.de",
		"ItemPrice.Amount":         20.00,
		"ItemTax.Amount":           3.19,
		"PromotionDiscount.Amount": 1.00,
	}
	applyVAT(rec, de)

	assert.Equal(t, 0.19, rec["Promotional_Tax"]) // 1.00 · 0.19
	assert.Equal(t, 20.19, rec["Price"])
	assert.InDelta(t, 20.19*(0.19/1.19), rec.F64("VAT"), 0.01)
	assert.InDelta(t, 20.19-20.19*(0.19/1.19), rec.F64("unit_price(vat_exclusive)"), 0.01)
	assert.Equal(t, 19.00, rec["item_total"]) // 20.19 − 1.00 − 0.19
}

func TestVATZeroTaxZeroesEverything(t *testing.T) {
	it, err := marketplace.ByCode("IT")
	require.NoError(t, err)
	rec := Record{
		"SalesChannel":             "Amazon.it",
		"ItemPrice.Amount":         15.00,
		"ItemTax.Amount":           0.0,
		"PromotionDiscount.Amount": 2.00,
	}
	applyVAT(rec, it)

	assert.Equal(t, 0.0, rec["Promotional_Tax"])
	assert.Equal(t, 0.0, rec["vat%"])
	assert.Equal(t, 15.00, rec["Price"])
	assert.Equal(t, 0.0, rec["VAT"])
	assert.Equal(t, 13.00, rec["item_total"])
}

func TestVATSkipsChannelsWithoutRate(t *testing.T) {
	us, err := marketplace.ByCode("US")
	require.NoError(t, err)
	rec := Record{
		"SalesChannel":     "Amazon.com",
		"ItemPrice.Amount": 15.00,
		"ItemTax.Amount":   1.00,
	}
	applyVAT(rec, us)
	assert.Equal(t, 0.0, rec["Price"])
	assert.Equal(t, 0.0, rec["VAT"])
}

func TestVATNonAmazonUsesMarketplaceRate(t *testing.T) {
	rec := Record{
		"SalesChannel":             "Non-Amazon",
		"ItemPrice.Amount":         12.01,
		"ItemTax.Amount":           2.00,
		"PromotionDiscount.Amount": 0.0,
	}
	applyVAT(rec, ukMarket(t))

	// Off-Amazon sales in the same country carry the same VAT.
	assert.Equal(t, 12.01, rec["Price"])
	assert.InDelta(t, 0.2/1.2, rec.F64("vat%"), 1e-9)
	assert.Equal(t, 10.01, rec["unit_price(vat_exclusive)"])
}

func TestVATForeignChannelStaysZeroed(t *testing.T) {
	rec := Record{
		"SalesChannel":     "Amazon.de",
		"ItemPrice.Amount": 12.01,
		"ItemTax.Amount":   2.00,
	}
	applyVAT(rec, ukMarket(t))
	assert.Equal(t, 0.0, rec["Price"])
	assert.Equal(t, 0.0, rec["VAT"])
}

func TestMergeShapes(t *testing.T) {
	orders := []spapi.Order{shippedOrder("o1"), shippedOrder("o2")}
	items := map[string][]spapi.OrderItem{
		"o1":     {ukItem("i1", "sku-a", 1), ukItem("i2", "sku-b", 2)},
		"orphan": {ukItem("i9", "sku-z", 1)},
	}

	rows, err := mergeOrdersAndItems(orders, items)
	require.NoError(t, err)

	// o1 twice, o2 once without items, one orphan item row.
	require.Len(t, rows, 4)
	assert.Equal(t, "o1", rows[0].Str("AmazonOrderId"))
	assert.Equal(t, "i1", rows[0].Str("OrderItemId"))
	assert.Equal(t, "o2", rows[2].Str("AmazonOrderId"))
	assert.Equal(t, "orphan", rows[3].Str("AmazonOrderId"))
}

func TestMergeRejectsMissingOrderID(t *testing.T) {
	_, err := mergeOrdersAndItems([]spapi.Order{{"OrderStatus": "Shipped"}}, nil)
	assert.Error(t, err)
}

func TestProcessEndToEnd(t *testing.T) {
	uk := ukMarket(t)
	orders := []spapi.Order{shippedOrder("026-100")}
	items := map[string][]spapi.OrderItem{
		"026-100": {ukItem("it-1", " sku-a ", 1), ukItem("it-2", "sku-b", 2)},
	}

	out, err := New().Process(uk, orders, items)
	require.NoError(t, err)

	require.Len(t, out.MSSQL, 2)
	row := out.MSSQL[0]

	// Projection carries exactly the documented columns.
	assert.Len(t, row, len(MSSQLColumns))
	assert.Equal(t, "026-100", row.Str("AmazonOrderId"))
	assert.Equal(t, 2.00, row["vat"])
	assert.Equal(t, 12.01, row["item_subtotal"])
	assert.Equal(t, 12.01, row["unit_price(vat_inclusive)"])
	assert.Equal(t, 10.01, row["unit_price(vat_exclusive)"])
	assert.Equal(t, "GBP", row.Str("CurrencyCode"))
	assert.Equal(t, 24.02, row["grand_total"])
	assert.Equal(t, "UK", row.Str("Region"))

	conv, ok := row.Time("PurchaseDate_conversion")
	require.True(t, ok)
	assert.Equal(t, 10, conv.Hour()) // January, GMT

	materialized, ok := row.Time("PurchaseDate_Materialized")
	require.True(t, ok)
	assert.Equal(t, time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC), materialized)

	require.Len(t, out.Azure, 2)
	azRow := out.Azure[0]
	assert.Len(t, azRow, len(AzureColumns))
	assert.Equal(t, "Order", azRow.Str("Type"))
	assert.Equal(t, "SKU-A", azRow.Str("SKU"))
	assert.Equal(t, "2024-01-15T10:30:00Z", azRow.Str("data_fetch_Date"))
	assert.Equal(t, 24.02, azRow["grand_total"])

	// The warehouse columns the operational table lacks come back from
	// the sales channel.
	assert.Equal(t, "United Kingdom", azRow.Str("Country"))
	assert.Equal(t, "B2Fitinss", azRow.Str("Company"))
	assert.Equal(t, "Amazon", azRow.Str("Channel"))
}

func TestAzureFiltersAndAggregates(t *testing.T) {
	base := Record{
		"PurchaseDate":              "2024-01-15T10:30:00Z",
		"PurchaseDate_conversion":   time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC),
		"AmazonOrderId":             "o1",
		"OrderStatus":               "Shipped",
		"SalesChannel":              "Amazon.co.uk",
		"Region":                    "UK",
		"MarketplaceId":             "A1F83G8C2ARO7P",
		"CurrencyCode":              "GBP",
		"FulfillmentChannel":        "AFN",
		"SellerSKU":                 "sku-a",
		"ASIN":                      "B00TEST",
		"Title":                     "Band",
		"QuantityOrdered":           1.0,
		"vat":                       2.0,
		"item_subtotal":             12.01,
		"promotion":                 0.0,
		"Promotional_Tax":           0.0,
		"unit_price(vat_inclusive)": 12.01,
		"unit_price(vat_exclusive)": 10.01,
		"item_total":                12.01,
		"grand_total":               24.02,
	}

	duplicateKey := base.Clone() // same (order, SKU): quantities sum
	cancelled := base.Clone()
	cancelled["OrderStatus"] = "Canceled"
	nonAmazon := base.Clone()
	nonAmazon["SalesChannel"] = "Non-Amazon"
	zeroQty := base.Clone()
	zeroQty["QuantityOrdered"] = 0.0

	rows := buildAzureRows([]Record{base, duplicateKey, cancelled, nonAmazon, zeroQty})
	require.Len(t, rows, 1)

	row := rows[0]
	assert.Equal(t, 2.0, row["Quantity"])
	assert.Equal(t, 24.02, row["unit_price(vat_inclusive)"]) // summed
	assert.Equal(t, 24.02, row["grand_total"])               // rejoined, not summed
	assert.Equal(t, 12.01, row["per_unit_price(vat_inclusive)"])
	assert.InDelta(t, 10.01, row.F64("per_unit_price(vat_exclusive)"), 1e-9)
	assert.Equal(t, "Band", row.Str("Title"))

	// Derived from SalesChannel; the source rows never carry these.
	assert.Equal(t, "United Kingdom", row.Str("Country"))
	assert.Equal(t, "B2Fitinss", row.Str("Company"))
	assert.Equal(t, "Amazon", row.Str("Channel"))
}

func TestAzureEmptyWhenNothingShipped(t *testing.T) {
	rows := buildAzureRows([]Record{{
		"OrderStatus":  "Pending",
		"SalesChannel": "Amazon.co.uk",
	}})
	assert.Empty(t, rows)
}
