package commission

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Plan identifiers of the canonical seller plan table.
const (
	PlanStarter  = "starter"
	PlanPro      = "pro"
	PlanBusiness = "business"
)

// Table is the canonical fee table. Card commissions are tiered by seller
// plan; PIX orders pay the gateway fee percentage plus a flat platform fee
// regardless of plan.
type Table struct {
	CardPercent    map[string]decimal.Decimal
	DefaultPlan    string
	PixFeePercent  decimal.Decimal
	PixPlatformFee int64
}

// DefaultTable returns the fee table used when no overrides are configured:
// card 9% / 7% / 6% for starter / pro / business, PIX 1.99% + 80 minor units.
func DefaultTable() Table {
	return Table{
		CardPercent: map[string]decimal.Decimal{
			PlanStarter:  decimal.NewFromInt(9),
			PlanPro:      decimal.NewFromInt(7),
			PlanBusiness: decimal.NewFromInt(6),
		},
		DefaultPlan:    PlanStarter,
		PixFeePercent:  decimal.RequireFromString("1.99"),
		PixPlatformFee: 80,
	}
}

// Resolve returns the policy to freeze on a new order for a seller on planID
// paying with method. Unknown plans fall back to the default plan.
func (t Table) Resolve(planID string, method Method) (Policy, error) {
	if !method.Valid() {
		return Policy{}, ErrUnknownMethod
	}

	plan := strings.ToLower(strings.TrimSpace(planID))
	pct, ok := t.CardPercent[plan]
	if !ok {
		plan = t.DefaultPlan
		pct = t.CardPercent[plan]
	}

	if method == MethodPix {
		return Policy{
			PlanID:            plan,
			CommissionPercent: t.PixFeePercent,
			FixedFee:          t.PixPlatformFee,
		}, nil
	}
	return Policy{
		PlanID:            plan,
		CommissionPercent: pct,
	}, nil
}
