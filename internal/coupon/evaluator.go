// Package coupon prices a coupon definition against a cart snapshot.
//
// Evaluation never fails with an error: an unusable coupon yields a Result
// with Valid=false and a Reason, and contributes no discount.
package coupon

import (
	"fmt"
	"slices"

	"cartengine/internal/domain"
	"github.com/shopspring/decimal"
)

type Reason string

const (
	ReasonMinimumNotMet  Reason = "minimum_purchase_not_met"
	ReasonAlreadyApplied Reason = "already_applied"
	ReasonMalformed      Reason = "malformed"
)

var hundred = decimal.NewFromInt(100)

// Snapshot is the slice of cart state a coupon is evaluated against.
// AppliedCodes holds the codes already in effect before this one.
type Snapshot struct {
	Subtotal     decimal.Decimal
	Currency     string
	AppliedCodes []string
}

type Result struct {
	Code     string          `json:"code"`
	Discount decimal.Decimal `json:"discount"`
	Valid    bool            `json:"valid"`
	Reason   Reason          `json:"reason,omitempty"`
	Detail   string          `json:"detail,omitempty"`
}

// Err converts a rejected result into an error wrapping domain.ErrCouponInvalid.
func (r Result) Err() error {
	if r.Valid {
		return nil
	}
	if r.Detail != "" {
		return fmt.Errorf("%w: %s: %s (%s)", domain.ErrCouponInvalid, r.Code, r.Reason, r.Detail)
	}
	return fmt.Errorf("%w: %s: %s", domain.ErrCouponInvalid, r.Code, r.Reason)
}

// Line renders the result as a summary coupon line.
func (r Result) Line() domain.CouponLine {
	return domain.CouponLine{
		Code:     r.Code,
		Discount: r.Discount,
		Valid:    r.Valid,
		Reason:   string(r.Reason),
	}
}

// Evaluator is stateless and safe for concurrent use.
type Evaluator struct {
	Rounding domain.RoundingMode
}

func NewEvaluator(rounding domain.RoundingMode) Evaluator {
	return Evaluator{Rounding: rounding}
}

// Evaluate validates def for code and computes its discount against snap.
// The same inputs always produce the same result.
func (e Evaluator) Evaluate(code string, def domain.CouponDefinition, snap Snapshot) Result {
	code = domain.NormalizeCouponCode(code)
	res := Result{Code: code, Discount: decimal.Zero}

	if code == "" {
		return reject(res, ReasonMalformed, "code is empty")
	}
	if slices.Contains(snap.AppliedCodes, code) {
		return reject(res, ReasonAlreadyApplied, "")
	}
	if detail := malformed(def); detail != "" {
		return reject(res, ReasonMalformed, detail)
	}
	if def.MinimumPurchase != nil && snap.Subtotal.LessThan(*def.MinimumPurchase) {
		return reject(res, ReasonMinimumNotMet, "minimum purchase "+def.MinimumPurchase.String())
	}

	var discount decimal.Decimal
	switch def.Type {
	case domain.CouponPercentage:
		discount = e.Rounding.Round(snap.Subtotal.Mul(def.Value).Div(hundred), snap.Currency)
	case domain.CouponFixed:
		discount = def.Value
	}
	if def.MaxDiscount != nil && discount.GreaterThan(*def.MaxDiscount) {
		discount = *def.MaxDiscount
	}
	if discount.GreaterThan(snap.Subtotal) {
		discount = snap.Subtotal
	}

	res.Discount = discount
	res.Valid = true
	return res
}

func reject(res Result, reason Reason, detail string) Result {
	res.Valid = false
	res.Reason = reason
	res.Detail = detail
	res.Discount = decimal.Zero
	return res
}

func malformed(def domain.CouponDefinition) string {
	switch def.Type {
	case domain.CouponPercentage:
		if def.Value.GreaterThan(hundred) {
			return "percentage above 100"
		}
	case domain.CouponFixed:
	case "":
		return "missing type"
	default:
		return fmt.Sprintf("unknown type %q", def.Type)
	}
	if !def.Value.IsPositive() {
		return "missing value"
	}
	if def.MinimumPurchase != nil && def.MinimumPurchase.IsNegative() {
		return "negative minimum purchase"
	}
	if def.MaxDiscount != nil && def.MaxDiscount.IsNegative() {
		return "negative max discount"
	}
	return ""
}
