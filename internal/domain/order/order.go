package order

import (
	"context"
	"time"

	"github.com/go-faster/errors"

	"github.com/xenking/payledger/internal/domain/commission"
)

var (
	// ErrNotFound is returned when an order does not exist.
	ErrNotFound = errors.New("order not found")
	// ErrVersionConflict is returned by Repository.Update and Repository.Delete
	// when the stored version differs from the one the caller read.
	ErrVersionConflict = errors.New("order version conflict")
	// ErrTransientConflict is returned by Processor when optimistic retries
	// are exhausted.
	ErrTransientConflict = errors.New("order update conflict: retries exhausted")
	// ErrForbidden is returned when a customer acts on an order they do not own.
	ErrForbidden = errors.New("order belongs to another customer")
	// ErrNotDeletable is returned when deleting an order that left pending.
	ErrNotDeletable = errors.New("only pending orders can be deleted")
)

// Provider identifies the payment provider family an event came from.
type Provider string

const (
	// ProviderCard is the card and subscription gateway.
	ProviderCard Provider = "card"
	// ProviderPixA is the first PIX gateway.
	ProviderPixA Provider = "pix_a"
	// ProviderPixB is the second PIX gateway.
	ProviderPixB Provider = "pix_b"
)

// Valid reports whether p is a known provider family.
func (p Provider) Valid() bool {
	switch p {
	case ProviderCard, ProviderPixA, ProviderPixB:
		return true
	}
	return false
}

// Kind distinguishes one-off purchases from subscriptions.
type Kind string

const (
	KindOneTime      Kind = "one_time"
	KindSubscription Kind = "subscription"
)

// TransferStatus tracks the transfer-to-seller side effect.
type TransferStatus string

const (
	TransferNone      TransferStatus = ""
	TransferPending   TransferStatus = "pending"
	TransferCompleted TransferStatus = "completed"
	TransferFailed    TransferStatus = "failed"
)

// ResolveTransfer returns a Mutate func that moves a pending transfer to
// status. Orders whose transfer is not pending are left unchanged. A failed
// transfer returns the seller share to the withdrawable balance.
func ResolveTransfer(status TransferStatus, transferID string) func(o *Order) bool {
	return func(o *Order) bool {
		if o.TransferStatus != TransferPending {
			return false
		}
		o.TransferStatus = status
		o.TransferID = transferID
		return true
	}
}

// Annotation codes written by the state machine and the reconciliation path.
const (
	AnnotationUnhandledStatus  = "unhandled_status"
	AnnotationPaymentMismatch  = "payment_mismatch"
	AnnotationCommissionClamp  = "commission_clamped"
	AnnotationProviderConflict = "provider_conflict"
	AnnotationReconcile        = "needs_reconciliation"
	AnnotationEffectFailed     = "side_effect_failed"
	AnnotationRisk             = "risk_assessment"
)

// Annotation is an audit note attached to an order.
type Annotation struct {
	Code   string    `json:"code"`
	Detail string    `json:"detail"`
	At     time.Time `json:"at"`
}

// Order is a single purchase attempt reconciled against provider events.
type Order struct {
	ID            string
	SellerID      string
	CustomerID    string
	CustomerEmail string
	Kind          Kind
	PlanID        string

	TotalAmount      int64
	PaymentMethod    commission.Method
	Policy           commission.Policy
	CommissionAmount int64
	ProviderAmount   int64

	Status Status

	CardProviderRef string
	PixProviderARef string
	PixProviderBRef string

	AccessEmailSent          bool
	PlanApplied              bool
	SplitPayment             bool
	ProviderReceivedDirectly bool
	SellerAccountRef         string
	TransferStatus           TransferStatus
	TransferID               string

	ManualReview bool
	Annotations  []Annotation
	RiskScore    int
	RiskLevel    string

	CreatedAt   time.Time
	PaidAt      *time.Time
	CancelledAt *time.Time
	ExpiredAt   *time.Time
	UpdatedAt   time.Time

	// Version is incremented by every successful Repository.Update.
	Version int64
}

// ProviderRef returns the external reference stored for provider.
func (o *Order) ProviderRef(p Provider) string {
	switch p {
	case ProviderCard:
		return o.CardProviderRef
	case ProviderPixA:
		return o.PixProviderARef
	case ProviderPixB:
		return o.PixProviderBRef
	}
	return ""
}

// LinkedProvider returns the provider the order was checked out through, or
// false when no provider reference is stored yet.
func (o *Order) LinkedProvider() (Provider, bool) {
	switch {
	case o.CardProviderRef != "":
		return ProviderCard, true
	case o.PixProviderARef != "":
		return ProviderPixA, true
	case o.PixProviderBRef != "":
		return ProviderPixB, true
	}
	return "", false
}

func (o *Order) setProviderRef(p Provider, ref string) {
	switch p {
	case ProviderCard:
		o.CardProviderRef = ref
	case ProviderPixA:
		o.PixProviderARef = ref
	case ProviderPixB:
		o.PixProviderBRef = ref
	}
}

// Annotate appends an audit note unless an identical code/detail pair is
// already present, so redelivered events do not grow the list.
func (o *Order) Annotate(code, detail string, at time.Time) bool {
	for _, a := range o.Annotations {
		if a.Code == code && a.Detail == detail {
			return false
		}
	}
	o.Annotations = append(o.Annotations, Annotation{Code: code, Detail: detail, At: at})
	return true
}

// Clone returns a deep copy safe to mutate independently.
func (o *Order) Clone() *Order {
	c := *o
	c.Annotations = append([]Annotation(nil), o.Annotations...)
	c.PaidAt = cloneTime(o.PaidAt)
	c.CancelledAt = cloneTime(o.CancelledAt)
	c.ExpiredAt = cloneTime(o.ExpiredAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// PaymentEvent is the provider-agnostic form of a webhook or status poll.
type PaymentEvent struct {
	Provider Provider
	OrderID  string
	// ProviderRef is the provider's id for the charge, used to locate the
	// order when OrderID is absent and stored on first transition.
	ProviderRef    string
	ExternalStatus string
	// AmountMinor is nil when the provider did not report an amount.
	AmountMinor     *int64
	ExternalEventID string
	OccurredAt      time.Time
}

// Repository persists orders. Implementations must make Update and Delete
// conditional on the stored version (compare-and-swap).
type Repository interface {
	Create(ctx context.Context, o *Order) error
	Get(ctx context.Context, id string) (*Order, error)
	FindByProviderRef(ctx context.Context, p Provider, ref string) (*Order, error)
	// Update writes o when the stored version equals expectedVersion and
	// sets o.Version to the new value. Returns ErrVersionConflict otherwise.
	Update(ctx context.Context, o *Order, expectedVersion int64) error
	Delete(ctx context.Context, id string, expectedVersion int64) error
	ListForReview(ctx context.Context, limit int) ([]Order, error)
	// ListPendingTransfers returns paid orders whose seller transfer is
	// still pending and that were paid before paidBefore, oldest first.
	ListPendingTransfers(ctx context.Context, paidBefore time.Time) ([]Order, error)
}
