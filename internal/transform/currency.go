package transform

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// pricingFields are the money fields Amazon sometimes delivers as one
// concatenated string ("12.01 GBP") instead of an Amount/CurrencyCode
// pair.
var pricingFields = []string{
	"ItemPrice", "ShippingPrice", "ItemTax", "ShippingTax",
	"ShippingDiscount", "ShippingDiscountTax", "PromotionDiscount",
	"PromotionDiscountTax", "CODFee", "CODFeeDiscount", "OrderTotal",
}

var (
	amountPattern   = regexp.MustCompile(`^(-?[0-9]+\.?[0-9]*)\s*([A-Z]{3})?$`)
	numberPattern   = regexp.MustCompile(`-?[0-9]+\.?[0-9]*`)
	currencyPattern = regexp.MustCompile(`[A-Z]{3}`)
)

// SplitAmount parses a concatenated money value into amount and currency
// code. Missing or unparseable input yields 0.0 / "USD"; a bare amount
// defaults the currency to "USD"; negative signs are preserved.
func SplitAmount(value any) (float64, string) {
	if value == nil {
		return 0, "USD"
	}
	s := strings.TrimSpace(fmt.Sprint(value))
	if s == "" {
		return 0, "USD"
	}

	if m := amountPattern.FindStringSubmatch(s); m != nil {
		amount, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			amount = 0
		}
		currency := m[2]
		if currency == "" {
			currency = "USD"
		}
		return amount, currency
	}

	// Fallback: fish the first number and any 3-letter code out of
	// whatever shape this is.
	if num := numberPattern.FindString(s); num != "" {
		amount, err := strconv.ParseFloat(num, 64)
		if err != nil {
			amount = 0
		}
		return amount, currencyPattern.FindString(s)
	}
	return 0, "USD"
}

// splitPricing materializes <field>.Amount and <field>.CurrencyCode for
// every pricing field still carried as a single value.
func splitPricing(rec Record) {
	for _, field := range pricingFields {
		base, hasBase := rec[field]
		if !hasBase {
			continue
		}
		amountKey := field + ".Amount"
		currencyKey := field + ".CurrencyCode"
		if _, ok := rec[amountKey]; ok {
			if _, ok := rec[currencyKey]; ok {
				delete(rec, field)
				continue
			}
		}
		amount, currency := SplitAmount(base)
		rec[amountKey] = amount
		rec[currencyKey] = currency
		delete(rec, field)
	}
}

// ensuredColumns get nulled in when Amazon omits them, so both sinks see
// a stable shape.
var ensuredColumns = []string{
	"ShippingAddress.County", "ShippingTax.CurrencyCode", "ShippingPrice.CurrencyCode",
	"ShippingDiscount.CurrencyCode", "ShippingDiscountTax.CurrencyCode",
	"ShippingTax.Amount", "ShippingPrice.Amount", "ShippingDiscount.Amount",
	"ShippingDiscountTax.Amount",
}

func ensureColumns(rec Record) {
	for _, col := range ensuredColumns {
		if _, ok := rec[col]; !ok {
			rec[col] = nil
		}
	}
}

// numericColumns are coerced to float64 before any arithmetic runs.
var numericColumns = []string{
	"PromotionDiscount.Amount", "ItemPrice.Amount", "PromotionDiscountTax.Amount",
	"ShippingTax.Amount", "ShippingPrice.Amount", "ShippingDiscount.Amount",
	"ShippingDiscountTax.Amount", "ItemTax.Amount", "OrderTotal.Amount",
}

func coerceNumeric(rec Record) {
	for _, col := range numericColumns {
		if _, ok := rec[col]; ok {
			rec[col] = rec.F64(col)
		}
	}
}
