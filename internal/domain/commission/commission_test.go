package commission

import (
	"math"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompute(t *testing.T) {
	cardPolicy := Policy{PlanID: PlanStarter, CommissionPercent: decimal.NewFromInt(9)}
	pixPolicy := Policy{PlanID: PlanStarter, CommissionPercent: decimal.RequireFromString("1.99"), FixedFee: 80}

	tests := []struct {
		name           string
		amount         int64
		method         Method
		policy         Policy
		wantCommission int64
		wantProvider   int64
		wantClamped    bool
	}{
		{
			name:           "card plan percent",
			amount:         10000,
			method:         MethodCard,
			policy:         cardPolicy,
			wantCommission: 900,
			wantProvider:   9100,
		},
		{
			name:           "pix provider fee plus fixed fee",
			amount:         1000,
			method:         MethodPix,
			policy:         pixPolicy,
			wantCommission: 100,
			wantProvider:   900,
		},
		{
			name:           "card rounds half up",
			amount:         50,
			method:         MethodCard,
			policy:         Policy{CommissionPercent: decimal.NewFromInt(9)},
			wantCommission: 5, // 4.5 -> 5
			wantProvider:   45,
		},
		{
			name:           "card rounds down below half",
			amount:         49,
			method:         MethodCard,
			policy:         Policy{CommissionPercent: decimal.NewFromInt(9)},
			wantCommission: 4, // 4.41 -> 4
			wantProvider:   45,
		},
		{
			name:           "card ignores fixed fee",
			amount:         1000,
			method:         MethodCard,
			policy:         Policy{CommissionPercent: decimal.NewFromInt(7), FixedFee: 500},
			wantCommission: 70,
			wantProvider:   930,
		},
		{
			name:           "pix fixed fee exceeds amount is clamped",
			amount:         50,
			method:         MethodPix,
			policy:         pixPolicy,
			wantCommission: 50,
			wantProvider:   0,
			wantClamped:    true,
		},
		{
			name:           "zero amount card",
			amount:         0,
			method:         MethodCard,
			policy:         cardPolicy,
			wantCommission: 0,
			wantProvider:   0,
		},
		{
			name:           "zero amount pix is clamped",
			amount:         0,
			method:         MethodPix,
			policy:         pixPolicy,
			wantCommission: 0,
			wantProvider:   0,
			wantClamped:    true,
		},
		{
			name:           "one minor unit card",
			amount:         1,
			method:         MethodCard,
			policy:         cardPolicy,
			wantCommission: 0,
			wantProvider:   1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Compute(tt.amount, tt.method, tt.policy)

			assert.Equal(t, tt.wantCommission, got.CommissionAmount)
			assert.Equal(t, tt.wantProvider, got.ProviderAmount)
			assert.Equal(t, tt.wantClamped, got.Clamped)
			assert.Equal(t, tt.amount, got.CommissionAmount+got.ProviderAmount)
		})
	}
}

func TestCompute_InvariantHoldsAtBoundaries(t *testing.T) {
	policies := map[Method]Policy{
		MethodCard: {CommissionPercent: decimal.NewFromInt(6)},
		MethodPix:  {CommissionPercent: decimal.RequireFromString("1.99"), FixedFee: 80},
	}
	amounts := []int64{0, 1, 2, 79, 80, 81, 99, 100, 101, 9999, 10000, math.MaxInt64 / 1000}

	for method, policy := range policies {
		for _, amount := range amounts {
			b := Compute(amount, method, policy)
			require.Equal(t, amount, b.CommissionAmount+b.ProviderAmount, "method %s amount %d", method, amount)
			require.GreaterOrEqual(t, b.ProviderAmount, int64(0))
			require.GreaterOrEqual(t, b.CommissionAmount, int64(0))
		}
	}
}

func TestTable_Resolve(t *testing.T) {
	table := DefaultTable()

	tests := []struct {
		name        string
		plan        string
		method      Method
		wantPlan    string
		wantPercent string
		wantFixed   int64
		wantErr     error
	}{
		{name: "starter card", plan: "starter", method: MethodCard, wantPlan: PlanStarter, wantPercent: "9"},
		{name: "pro card", plan: "PRO", method: MethodCard, wantPlan: PlanPro, wantPercent: "7"},
		{name: "business card", plan: " business ", method: MethodCard, wantPlan: PlanBusiness, wantPercent: "6"},
		{name: "unknown plan falls back", plan: "legacy", method: MethodCard, wantPlan: PlanStarter, wantPercent: "9"},
		{name: "pix ignores plan tier", plan: "business", method: MethodPix, wantPlan: PlanBusiness, wantPercent: "1.99", wantFixed: 80},
		{name: "unknown method", plan: "pro", method: Method("boleto"), wantErr: ErrUnknownMethod},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := table.Resolve(tt.plan, tt.method)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantPlan, p.PlanID)
			assert.True(t, decimal.RequireFromString(tt.wantPercent).Equal(p.CommissionPercent),
				"expected %s, got %s", tt.wantPercent, p.CommissionPercent)
			assert.Equal(t, tt.wantFixed, p.FixedFee)
		})
	}
}
