package order

import (
	"context"
	"testing"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/payledger/internal/domain/commission"
	"github.com/xenking/payledger/internal/domain/risk"
)

// --- Mock implementations ---

type mockSellers struct {
	sellers map[string]Seller
}

func (m *mockSellers) Seller(_ context.Context, id string) (Seller, error) {
	s, ok := m.sellers[id]
	if !ok {
		return Seller{}, ErrSellerNotFound
	}
	return s, nil
}

type mockScorer struct {
	assessment risk.Assessment
	err        error
	last       risk.Attempt
}

func (m *mockScorer) Score(_ context.Context, a risk.Attempt) (risk.Assessment, error) {
	m.last = a
	return m.assessment, m.err
}

// --- Helpers ---

func newTestService(repo Repository, scorer *mockScorer) *Service {
	sellers := &mockSellers{sellers: map[string]Seller{
		"seller-1": {ID: "seller-1", PlanID: commission.PlanPro},
		"seller-2": {ID: "seller-2", PlanID: commission.PlanBusiness, AccountRef: "acct_2", SplitPayment: true},
	}}
	return NewService(repo, sellers, scorer, commission.DefaultTable())
}

func allow() *mockScorer {
	return &mockScorer{assessment: risk.Assessment{Score: 0, Level: risk.LevelLow, Action: risk.ActionAllow}}
}

func validCheckout() CheckoutRequest {
	return CheckoutRequest{
		SellerID:      "seller-1",
		CustomerID:    "cust-1",
		CustomerEmail: " buyer@example.com ",
		Kind:          KindOneTime,
		Amount:        10000,
		Method:        commission.MethodCard,
		Attempt:       risk.Attempt{IP: "203.0.113.7"},
	}
}

// --- Tests ---

func TestCheckout_Validation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*CheckoutRequest)
		wantErr error
	}{
		{"zero amount", func(r *CheckoutRequest) { r.Amount = 0 }, ErrInvalidAmount},
		{"negative amount", func(r *CheckoutRequest) { r.Amount = -1 }, ErrInvalidAmount},
		{"unknown kind", func(r *CheckoutRequest) { r.Kind = "gift" }, ErrInvalidKind},
		{"subscription without plan", func(r *CheckoutRequest) { r.Kind = KindSubscription }, ErrPlanRequired},
		{"missing email", func(r *CheckoutRequest) { r.CustomerEmail = "  " }, ErrEmailRequired},
		{"unknown method", func(r *CheckoutRequest) { r.Method = "boleto" }, commission.ErrUnknownMethod},
		{"unknown seller", func(r *CheckoutRequest) { r.SellerID = "ghost" }, ErrSellerNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := newMockOrderRepo()
			svc := newTestService(repo, allow())
			req := validCheckout()
			tt.mutate(&req)

			_, err := svc.Checkout(context.Background(), req)
			require.ErrorIs(t, err, tt.wantErr)
			assert.Empty(t, repo.orders)
		})
	}
}

func TestCheckout_FreezesPolicy(t *testing.T) {
	repo := newMockOrderRepo()
	scorer := allow()
	svc := newTestService(repo, scorer)

	res, err := svc.Checkout(context.Background(), validCheckout())
	require.NoError(t, err)

	o := res.Order
	assert.NotEmpty(t, o.ID)
	assert.Equal(t, StatusPending, o.Status)
	assert.Equal(t, "buyer@example.com", o.CustomerEmail)
	assert.Equal(t, commission.PlanPro, o.Policy.PlanID)
	assert.Equal(t, "7", o.Policy.CommissionPercent.String())
	assert.False(t, o.ManualReview)
	assert.False(t, res.Requires3DS)
	require.Len(t, o.Annotations, 1)
	assert.Equal(t, AnnotationRisk, o.Annotations[0].Code)

	assert.Equal(t, "buyer@example.com", scorer.last.Email)
	assert.Equal(t, int64(10000), scorer.last.AmountMinor)

	stored := repo.stored(o.ID)
	assert.Equal(t, int64(1), stored.Version)
}

func TestCheckout_SellerFlagsCopied(t *testing.T) {
	repo := newMockOrderRepo()
	svc := newTestService(repo, allow())
	req := validCheckout()
	req.SellerID = "seller-2"
	req.Method = commission.MethodPix

	res, err := svc.Checkout(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, res.Order.SplitPayment)
	assert.Equal(t, "acct_2", res.Order.SellerAccountRef)
	assert.Equal(t, int64(80), res.Order.Policy.FixedFee)
}

func TestCheckout_RiskActions(t *testing.T) {
	tests := []struct {
		name        string
		action      risk.Action
		method      commission.Method
		wantBlocked bool
		wantReview  bool
		want3DS     bool
	}{
		{name: "monitor", action: risk.ActionMonitor, method: commission.MethodCard},
		{name: "flag for review", action: risk.ActionFlagForReview, method: commission.MethodCard, wantReview: true},
		{name: "require 3ds card", action: risk.ActionRequire3DS, method: commission.MethodCard, want3DS: true},
		{name: "require 3ds pix", action: risk.ActionRequire3DS, method: commission.MethodPix},
		{name: "block", action: risk.ActionBlock, method: commission.MethodCard, wantBlocked: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := newMockOrderRepo()
			scorer := &mockScorer{assessment: risk.Assessment{Score: 85, Action: tt.action}}
			svc := newTestService(repo, scorer)
			req := validCheckout()
			req.Method = tt.method

			res, err := svc.Checkout(context.Background(), req)
			if tt.wantBlocked {
				var blocked *RiskBlockedError
				require.ErrorAs(t, err, &blocked)
				assert.Equal(t, 85, blocked.Assessment.Score)
				assert.Empty(t, repo.orders)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantReview, res.Order.ManualReview)
			assert.Equal(t, tt.want3DS, res.Requires3DS)
		})
	}
}

func TestCheckout_ScorerError(t *testing.T) {
	svc := newTestService(newMockOrderRepo(), &mockScorer{err: context.DeadlineExceeded})

	_, err := svc.Checkout(context.Background(), validCheckout())
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCheckout_CreateError(t *testing.T) {
	repo := newMockOrderRepo()
	repo.createErr = errors.New("db write failed")
	svc := newTestService(repo, allow())

	_, err := svc.Checkout(context.Background(), validCheckout())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "create order")
}

func TestDelete(t *testing.T) {
	paid := newCardOrder(1000)
	paid.ID = "ord-paid"
	paid.Status = StatusPaid

	tests := []struct {
		name     string
		id       string
		customer string
		wantErr  error
	}{
		{name: "owner deletes pending", id: "ord-1", customer: "cust-1"},
		{name: "other customer", id: "ord-1", customer: "cust-2", wantErr: ErrForbidden},
		{name: "not pending", id: "ord-paid", customer: "cust-1", wantErr: ErrNotDeletable},
		{name: "missing", id: "ord-x", customer: "cust-1", wantErr: ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := newMockOrderRepo(newCardOrder(1000), paid)
			svc := newTestService(repo, allow())

			err := svc.Delete(context.Background(), tt.id, tt.customer)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			_, err = repo.Get(context.Background(), tt.id)
			require.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestListForReview(t *testing.T) {
	flagged := newCardOrder(1000)
	flagged.ID = "ord-flagged"
	flagged.ManualReview = true
	repo := newMockOrderRepo(newCardOrder(1000), flagged)
	svc := newTestService(repo, allow())

	got, err := svc.ListForReview(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "ord-flagged", got[0].ID)
}
