// Package commission resolves the fee policy frozen on an order at checkout
// and splits a paid amount between the platform and the seller.
package commission

import (
	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// Method is the payment method an order is checked out with.
type Method string

const (
	// MethodCard covers card and subscription checkouts.
	MethodCard Method = "card"
	// MethodPix covers instant PIX transfers from either PIX gateway.
	MethodPix Method = "pix"
)

// Valid reports whether m is a known payment method.
func (m Method) Valid() bool {
	return m == MethodCard || m == MethodPix
}

// ErrUnknownMethod is returned when a policy is requested for an unsupported
// payment method.
var ErrUnknownMethod = errors.New("unknown payment method")

// Policy is the fee rule attached to an order at creation time. It is never
// recomputed afterwards, so a seller changing plans mid-transaction does not
// alter the split of orders already in flight.
type Policy struct {
	PlanID string
	// CommissionPercent is the plan percentage for card orders and the PIX
	// provider fee percentage for PIX orders.
	CommissionPercent decimal.Decimal
	// FixedFee is the flat platform fee in minor units. Card policies carry zero.
	FixedFee int64
}

// Breakdown is the result of splitting an amount under a Policy.
type Breakdown struct {
	CommissionAmount int64
	ProviderAmount   int64
	FixedFee         int64
	// Clamped is set when the commission would have exceeded the amount and
	// was capped so the seller share never goes negative.
	Clamped bool
}

var hundred = decimal.NewFromInt(100)

// Compute splits amountMinor between platform commission and seller share.
//
// Card: round(amount * pct / 100).
// PIX:  round(amount * pct / 100) + fixedFee.
//
// Rounding is half-up to the minor unit. The invariant
// CommissionAmount + ProviderAmount == amountMinor always holds.
func Compute(amountMinor int64, method Method, p Policy) Breakdown {
	if amountMinor < 0 {
		amountMinor = 0
	}

	percentPart := decimal.NewFromInt(amountMinor).
		Mul(p.CommissionPercent).
		Div(hundred).
		Round(0).
		IntPart()

	var (
		commission int64
		fixedFee   int64
	)
	switch method {
	case MethodPix:
		fixedFee = p.FixedFee
		commission = percentPart + fixedFee
	default:
		commission = percentPart
	}

	b := Breakdown{FixedFee: fixedFee}
	if commission > amountMinor {
		commission = amountMinor
		b.Clamped = true
	}
	if commission < 0 {
		commission = 0
	}
	b.CommissionAmount = commission
	b.ProviderAmount = amountMinor - commission
	return b
}
