package payout

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Config holds payout limits and fees in minor units.
type Config struct {
	MinAmount int64
	MaxAmount int64
	// Fees is the flat fee charged per method.
	Fees map[Method]int64
}

// DefaultConfig returns the default limits: 10.00 to 50,000.00, free PIX
// and a 3.67 fee for bank transfers.
func DefaultConfig() Config {
	return Config{
		MinAmount: 1000,
		MaxAmount: 5_000_000,
		Fees: map[Method]int64{
			MethodPix:          0,
			MethodBankTransfer: 367,
		},
	}
}

// Request is a seller's withdrawal request.
type Request struct {
	UserID string
	Amount int64
	Method Method
}

// Ledger turns seller earnings into payouts.
type Ledger struct {
	repo     Repository
	tx       TxRunner
	transfer Transferer
	observer Observer
	cfg      Config
	now      func() time.Time
}

// NewLedger creates a Ledger. observer may be nil.
func NewLedger(repo Repository, tx TxRunner, transfer Transferer, observer Observer, cfg Config) *Ledger {
	return &Ledger{
		repo:     repo,
		tx:       tx,
		transfer: transfer,
		observer: observer,
		cfg:      cfg,
		now:      time.Now,
	}
}

// AvailableBalance returns the user's balance.
func (l *Ledger) AvailableBalance(ctx context.Context, userID string) (Balance, error) {
	earned, err := l.repo.EarnedAmount(ctx, userID)
	if err != nil {
		return Balance{}, errors.Wrap(err, "sum earnings")
	}
	committed, err := l.repo.CommittedAmount(ctx, userID)
	if err != nil {
		return Balance{}, errors.Wrap(err, "sum payouts")
	}
	return Balance{
		Earned:    earned,
		Committed: committed,
		Available: earned - committed,
	}, nil
}

// CreatePayout validates and records a payout, then calls the transfer
// provider. The balance check and the insert happen under the user's lock so
// concurrent requests cannot overdraw; the transfer call runs after the lock
// is released with the processing row already counted against the balance.
func (l *Ledger) CreatePayout(ctx context.Context, req Request) (*Payout, error) {
	if !req.Method.Valid() {
		return nil, ErrInvalidMethod
	}
	fee := l.cfg.Fees[req.Method]
	if req.Amount < l.cfg.MinAmount || req.Amount > l.cfg.MaxAmount || req.Amount <= fee {
		return nil, &LimitError{Amount: req.Amount, Min: l.cfg.MinAmount, Max: l.cfg.MaxAmount, Fee: fee}
	}

	p := &Payout{
		ID:          uuid.New().String(),
		UserID:      req.UserID,
		GrossAmount: req.Amount,
		Fee:         fee,
		NetAmount:   req.Amount - fee,
		Method:      req.Method,
		Status:      StatusProcessing,
		CreatedAt:   l.now().UTC(),
	}

	if err := l.tx.WithinUserLock(ctx, req.UserID, func(ctx context.Context) error {
		bal, err := l.AvailableBalance(ctx, req.UserID)
		if err != nil {
			return err
		}
		if req.Amount > bal.Available {
			return errors.Wrapf(ErrInsufficientBalance, "requested %d, available %d", req.Amount, bal.Available)
		}
		return l.repo.Create(ctx, p)
	}); err != nil {
		return nil, err
	}

	lg := zctx.From(ctx).With(zap.String("payout_id", p.ID), zap.String("user_id", p.UserID))
	lg.Info("Payout created", zap.Int64("gross", p.GrossAmount), zap.String("method", string(p.Method)))

	res, err := l.transfer.Transfer(ctx, TransferRequest{
		PayoutID: p.ID,
		UserID:   p.UserID,
		Amount:   p.NetAmount,
		Method:   p.Method,
	})
	if err != nil {
		lg.Warn("Transfer failed", zap.Error(err))
		if ferr := l.finish(ctx, p, "", err.Error()); ferr != nil {
			return p, errors.Wrap(ferr, "record transfer failure")
		}
		return p, errors.Wrap(ErrTransferFailed, err.Error())
	}

	if err := l.finish(ctx, p, res.TransferID, ""); err != nil {
		// The money left; the row stays processing for operator settlement.
		lg.Error("Payout completion not recorded", zap.String("transfer_id", res.TransferID), zap.Error(err))
		return p, errors.Wrap(err, "record transfer completion")
	}
	return p, nil
}

// Settle completes a processing payout, e.g. after manual reconciliation
// with the transfer provider.
func (l *Ledger) Settle(ctx context.Context, id, transferID string) (*Payout, error) {
	p, err := l.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := l.finish(ctx, p, transferID, ""); err != nil {
		return nil, err
	}
	return p, nil
}

// Fail marks a processing payout as failed, returning its funds.
func (l *Ledger) Fail(ctx context.Context, id, reason string) (*Payout, error) {
	p, err := l.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := l.finish(ctx, p, "", reason); err != nil {
		return nil, err
	}
	return p, nil
}

// ListStuck returns payouts processing for longer than age.
func (l *Ledger) ListStuck(ctx context.Context, age time.Duration) ([]Payout, error) {
	return l.repo.ListProcessing(ctx, l.now().UTC().Add(-age))
}

// finish records the final status on p. A non-empty reason marks it failed.
func (l *Ledger) finish(ctx context.Context, p *Payout, transferID, reason string) error {
	if p.Status != StatusProcessing {
		return ErrNotProcessing
	}
	at := l.now().UTC()

	if reason != "" {
		if err := l.repo.Fail(ctx, p.ID, reason, at); err != nil {
			return err
		}
		p.Status = StatusFailed
		p.FailureReason = reason
	} else {
		if err := l.repo.Complete(ctx, p.ID, transferID, at); err != nil {
			return err
		}
		p.Status = StatusCompleted
		p.ExternalTransferID = transferID
	}
	p.ProcessedAt = &at

	if l.observer != nil {
		l.observer.PayoutFinished(ctx, *p)
	}
	return nil
}
