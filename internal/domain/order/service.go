package order

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"

	"github.com/xenking/payledger/internal/domain/commission"
	"github.com/xenking/payledger/internal/domain/risk"
)

// Sentinel errors for checkout validation.
var (
	ErrInvalidAmount  = errors.New("amount must be greater than 0")
	ErrInvalidKind    = errors.New("unknown order kind")
	ErrEmailRequired  = errors.New("customer email required")
	ErrPlanRequired   = errors.New("subscription orders require a plan")
	ErrSellerNotFound = errors.New("seller not found")
)

// RiskBlockedError is returned when the risk assessment refuses checkout.
type RiskBlockedError struct {
	Assessment risk.Assessment
}

func (e *RiskBlockedError) Error() string {
	return fmt.Sprintf("checkout blocked by risk assessment (score %d)", e.Assessment.Score)
}

// Seller is the slice of seller data checkout needs.
type Seller struct {
	ID     string
	PlanID string
	// AccountRef is the seller's connected account for direct transfers.
	AccountRef string
	// SplitPayment sellers are paid by the provider split, never by the platform.
	SplitPayment bool
	// ReceivesDirectly sellers collect provider funds themselves.
	ReceivesDirectly bool
}

// SellerDirectory resolves sellers by id.
type SellerDirectory interface {
	Seller(ctx context.Context, id string) (Seller, error)
}

// RiskScorer assesses a checkout attempt.
type RiskScorer interface {
	Score(ctx context.Context, a risk.Attempt) (risk.Assessment, error)
}

// CheckoutRequest holds the input for creating an order.
type CheckoutRequest struct {
	SellerID      string
	CustomerID    string
	CustomerEmail string
	Kind          Kind
	PlanID        string
	Amount        int64
	Method        commission.Method
	Attempt       risk.Attempt
}

// CheckoutResult holds the created order and its risk assessment.
type CheckoutResult struct {
	Order      *Order
	Assessment risk.Assessment
	// Requires3DS asks the client to run strong customer authentication
	// before confirming a card payment.
	Requires3DS bool
}

// Service encapsulates checkout and customer-side order management.
type Service struct {
	orders  Repository
	sellers SellerDirectory
	scorer  RiskScorer
	fees    commission.Table
	now     func() time.Time
}

// NewService creates an order Service with the required domain dependencies.
func NewService(
	orders Repository,
	sellers SellerDirectory,
	scorer RiskScorer,
	fees commission.Table,
) *Service {
	return &Service{
		orders:  orders,
		sellers: sellers,
		scorer:  scorer,
		fees:    fees,
		now:     time.Now,
	}
}

// Checkout validates the request, scores the attempt, freezes the commission
// policy and persists a pending order.
func (s *Service) Checkout(ctx context.Context, req CheckoutRequest) (*CheckoutResult, error) {
	if req.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if req.Kind != KindOneTime && req.Kind != KindSubscription {
		return nil, ErrInvalidKind
	}
	if req.Kind == KindSubscription && req.PlanID == "" {
		return nil, ErrPlanRequired
	}
	email := strings.TrimSpace(req.CustomerEmail)
	if email == "" {
		return nil, ErrEmailRequired
	}
	if !req.Method.Valid() {
		return nil, commission.ErrUnknownMethod
	}

	seller, err := s.sellers.Seller(ctx, req.SellerID)
	if err != nil {
		return nil, errors.Wrap(err, "get seller")
	}

	// Score before anything is written.
	attempt := req.Attempt
	attempt.Email = email
	attempt.AmountMinor = req.Amount
	assessment, err := s.scorer.Score(ctx, attempt)
	if err != nil {
		return nil, errors.Wrap(err, "score attempt")
	}
	if assessment.Action == risk.ActionBlock {
		return nil, &RiskBlockedError{Assessment: assessment}
	}

	policy, err := s.fees.Resolve(seller.PlanID, req.Method)
	if err != nil {
		return nil, errors.Wrap(err, "resolve commission policy")
	}

	now := s.now().UTC()
	o := &Order{
		ID:                       uuid.New().String(),
		SellerID:                 seller.ID,
		CustomerID:               req.CustomerID,
		CustomerEmail:            email,
		Kind:                     req.Kind,
		PlanID:                   req.PlanID,
		TotalAmount:              req.Amount,
		PaymentMethod:            req.Method,
		Policy:                   policy,
		Status:                   StatusPending,
		SplitPayment:             seller.SplitPayment,
		ProviderReceivedDirectly: seller.ReceivesDirectly,
		SellerAccountRef:         seller.AccountRef,
		RiskScore:                assessment.Score,
		RiskLevel:                string(assessment.Level),
		ManualReview:             assessment.Action == risk.ActionFlagForReview,
		CreatedAt:                now,
		UpdatedAt:                now,
	}
	o.Annotate(AnnotationRisk, assessment.Summary(), now)

	if err := s.orders.Create(ctx, o); err != nil {
		return nil, errors.Wrap(err, "create order")
	}

	return &CheckoutResult{
		Order:       o,
		Assessment:  assessment,
		Requires3DS: assessment.Action == risk.ActionRequire3DS && req.Method == commission.MethodCard,
	}, nil
}

// Get returns the order by id.
func (s *Service) Get(ctx context.Context, id string) (*Order, error) {
	return s.orders.Get(ctx, id)
}

// Delete removes a pending order on behalf of its customer.
func (s *Service) Delete(ctx context.Context, id, customerID string) error {
	o, err := s.orders.Get(ctx, id)
	if err != nil {
		return err
	}
	if o.CustomerID != customerID {
		return ErrForbidden
	}
	if o.Status != StatusPending {
		return ErrNotDeletable
	}
	if err := s.orders.Delete(ctx, id, o.Version); err != nil {
		if errors.Is(err, ErrVersionConflict) {
			// A provider event moved the order meanwhile.
			return ErrNotDeletable
		}
		return errors.Wrap(err, "delete order")
	}
	return nil
}

// ListForReview returns orders flagged for manual review.
func (s *Service) ListForReview(ctx context.Context, limit int) ([]Order, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.orders.ListForReview(ctx, limit)
}
