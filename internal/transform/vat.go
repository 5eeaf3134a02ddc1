package transform

import (
	"github.com/shopspring/decimal"

	"github.com/b2fitness/amazon-connector/internal/marketplace"
)

// applyVAT computes the derived pricing columns for one row. Amounts
// arrive VAT-inclusive from Amazon; the computation backs the tax share
// out of the promotional discount and the price. In scope are rows on
// the batch marketplace's own channel plus "Non-Amazon" rows, which
// carry the same country's VAT; everything else keeps zeroed derived
// columns, as does a marketplace with no VAT rate.
func applyVAT(rec Record, mp marketplace.Marketplace) {
	rec["Promotional_Tax"] = 0.0
	rec["vat%"] = 0.0
	rec["Price"] = 0.0
	rec["VAT"] = 0.0
	rec["unit_price(vat_exclusive)"] = 0.0
	rec["item_total"] = 0.0

	channel := rec.Str("SalesChannel")
	if channel != mp.SalesChannel && channel != "Non-Amazon" {
		return
	}
	if !mp.HasVAT() {
		return
	}

	promo := decimal.NewFromFloat(rec.F64("PromotionDiscount.Amount"))
	itemPrice := decimal.NewFromFloat(rec.F64("ItemPrice.Amount"))
	itemTax := decimal.NewFromFloat(rec.F64("ItemTax.Amount"))

	one := decimal.NewFromInt(1)
	rate := mp.VATRate
	multiplier := one.Add(rate)

	promoTax := promo.Mul(multiplier.Sub(one))
	pct := rate.Div(multiplier)
	if itemTax.IsZero() {
		pct = decimal.Zero
		promoTax = decimal.Zero
	}

	price := itemPrice.Add(promoTax)
	vat := price.Mul(pct)
	unitExclusive := price.Sub(vat)
	itemTotal := price.Sub(promo).Sub(promoTax)

	if promoTax.IsZero() && promo.IsZero() {
		unitExclusive = price.Sub(itemTax)
	}

	rec["ItemTax.Amount"] = round2(itemTax)
	rec["Promotional_Tax"] = round2(promoTax)
	rec["vat%"] = pct.InexactFloat64()
	rec["Price"] = round2(price)
	rec["VAT"] = round2(vat)
	rec["unit_price(vat_exclusive)"] = round2(unitExclusive)
	rec["item_total"] = round2(itemTotal)
}

// round2 rounds half-up to two decimals, the convention of the existing
// downstream reports.
func round2(d decimal.Decimal) float64 {
	return d.Round(2).InexactFloat64()
}
