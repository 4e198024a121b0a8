package payout

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
)

var (
	// ErrNotFound is returned when a payout does not exist.
	ErrNotFound = errors.New("payout not found")
	// ErrInsufficientBalance is returned when the request exceeds the
	// available balance.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrNotProcessing is returned when settling or failing a payout that
	// already reached a final status.
	ErrNotProcessing = errors.New("payout is not processing")
	// ErrInvalidMethod is returned for unsupported payout methods.
	ErrInvalidMethod = errors.New("unsupported payout method")
	// ErrTransferFailed is returned when the transfer provider rejected the
	// payout. The payout is recorded as failed and its funds return to the
	// available balance.
	ErrTransferFailed = errors.New("transfer failed")
)

// LimitError indicates a payout amount outside the allowed range or one that
// does not cover its fee.
type LimitError struct {
	Amount int64
	Min    int64
	Max    int64
	Fee    int64
}

func (e *LimitError) Error() string {
	if e.Fee > 0 && e.Amount <= e.Fee {
		return fmt.Sprintf("amount %d does not cover fee %d", e.Amount, e.Fee)
	}
	return fmt.Sprintf("amount %d outside allowed range [%d, %d]", e.Amount, e.Min, e.Max)
}

// Method is the payout rail.
type Method string

const (
	MethodPix          Method = "pix"
	MethodBankTransfer Method = "bank_transfer"
)

// Valid reports whether m is supported.
func (m Method) Valid() bool {
	return m == MethodPix || m == MethodBankTransfer
}

// Status is the payout lifecycle status.
type Status string

const (
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Payout is a seller withdrawal. It is immutable once completed.
type Payout struct {
	ID                 string
	UserID             string
	GrossAmount        int64
	Fee                int64
	NetAmount          int64
	Method             Method
	Status             Status
	ExternalTransferID string
	FailureReason      string
	CreatedAt          time.Time
	ProcessedAt        *time.Time
}

// Balance is a seller's ledger position in minor units.
type Balance struct {
	// Earned is the seller share of paid, platform-collected orders.
	Earned int64
	// Committed is the gross of processing and completed payouts.
	Committed int64
	Available int64
}

// Repository persists payouts and aggregates ledger sums. Implementations
// must honour a transaction carried in ctx by TxRunner.
type Repository interface {
	// EarnedAmount sums ProviderAmount over the user's paid orders whose funds
	// the platform holds.
	EarnedAmount(ctx context.Context, userID string) (int64, error)
	// CommittedAmount sums GrossAmount over the user's processing and
	// completed payouts.
	CommittedAmount(ctx context.Context, userID string) (int64, error)
	Create(ctx context.Context, p *Payout) error
	Get(ctx context.Context, id string) (*Payout, error)
	// Complete moves a processing payout to completed; ErrNotProcessing otherwise.
	Complete(ctx context.Context, id, transferID string, at time.Time) error
	// Fail moves a processing payout to failed; ErrNotProcessing otherwise.
	Fail(ctx context.Context, id, reason string, at time.Time) error
	// ListProcessing returns processing payouts created before olderThan.
	ListProcessing(ctx context.Context, olderThan time.Time) ([]Payout, error)
}

// TxRunner runs fn inside a transaction holding an exclusive per-user lock.
type TxRunner interface {
	WithinUserLock(ctx context.Context, userID string, fn func(ctx context.Context) error) error
}

// TransferRequest is sent to the transfer provider.
type TransferRequest struct {
	// PayoutID doubles as the provider idempotency key.
	PayoutID string
	UserID   string
	Amount   int64
	Method   Method
}

// TransferResult is the provider's answer to a successful transfer.
type TransferResult struct {
	TransferID string
}

// Transferer moves money to a seller.
type Transferer interface {
	Transfer(ctx context.Context, req TransferRequest) (TransferResult, error)
}

// Observer is notified after a payout reaches a final status.
type Observer interface {
	PayoutFinished(ctx context.Context, p Payout)
}
