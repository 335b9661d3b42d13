// Package pricing derives a cart summary from its items, applied coupons and
// the configured tax and shipping rules. It performs no I/O.
package pricing

import (
	"fmt"
	"strings"

	"cartengine/internal/coupon"
	"cartengine/internal/domain"
	"github.com/shopspring/decimal"
)

// TaxBase selects the amount tax is levied on.
type TaxBase string

const (
	// TaxOnSubtotal levies tax on the pre-discount subtotal.
	TaxOnSubtotal TaxBase = "subtotal"
	// TaxOnDiscounted levies tax on subtotal minus discount.
	TaxOnDiscounted TaxBase = "discounted"
)

func ParseTaxBase(s string) (TaxBase, error) {
	switch TaxBase(strings.ToLower(strings.TrimSpace(s))) {
	case TaxOnSubtotal, "":
		return TaxOnSubtotal, nil
	case TaxOnDiscounted:
		return TaxOnDiscounted, nil
	default:
		return "", fmt.Errorf("unknown tax base %q", s)
	}
}

// ShippingRule charges FlatFee unless the subtotal reaches FreeThreshold.
type ShippingRule struct {
	FreeThreshold decimal.Decimal
	FlatFee       decimal.Decimal
}

type Rules struct {
	TaxRate  decimal.Decimal
	TaxBase  TaxBase
	Shipping ShippingRule
	Rounding domain.RoundingMode
}

// CouponEvaluator prices a single coupon. coupon.Evaluator satisfies it.
type CouponEvaluator interface {
	Evaluate(code string, def domain.CouponDefinition, snap coupon.Snapshot) coupon.Result
}

// Recompute returns the summary for items and applied coupons. Identical
// inputs yield identical summaries.
func Recompute(items []domain.CartItem, applied []domain.AppliedCoupon, ev CouponEvaluator, rules Rules, currency string) domain.Summary {
	round := func(d decimal.Decimal) decimal.Decimal { return rules.Rounding.Round(d, currency) }

	subtotal := decimal.Zero
	for _, item := range items {
		subtotal = subtotal.Add(item.LineTotal())
	}
	subtotal = round(subtotal)

	discount := decimal.Zero
	lines := make([]domain.CouponLine, 0, len(applied))
	codes := make([]string, 0, len(applied))
	for _, ac := range applied {
		res := ev.Evaluate(ac.Code, ac.Definition, coupon.Snapshot{
			Subtotal:     subtotal,
			Currency:     currency,
			AppliedCodes: codes,
		})
		codes = append(codes, ac.Code)
		discount = discount.Add(res.Discount)
		lines = append(lines, res.Line())
	}
	if discount.GreaterThan(subtotal) {
		discount = subtotal
	}
	discount = round(discount)

	shipping := decimal.Zero
	if len(items) > 0 && subtotal.LessThan(rules.Shipping.FreeThreshold) {
		shipping = round(rules.Shipping.FlatFee)
	}

	taxBase := subtotal
	if rules.TaxBase == TaxOnDiscounted {
		taxBase = subtotal.Sub(discount)
	}
	tax := round(taxBase.Mul(rules.TaxRate))

	total := subtotal.Sub(discount).Add(tax).Add(shipping)
	if total.IsNegative() {
		total = decimal.Zero
	}

	return domain.Summary{
		Subtotal:       subtotal,
		TaxAmount:      tax,
		DiscountAmount: discount,
		ShippingAmount: shipping,
		TotalAmount:    round(total),
		Coupons:        lines,
	}
}

// Apply recomputes c.Summary in place.
func (r Rules) Apply(c *domain.Cart, ev CouponEvaluator) {
	c.Summary = Recompute(c.Items, c.AppliedCoupons, ev, r, c.Currency)
}
