package effects

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/payledger/internal/domain/order"
	"github.com/xenking/payledger/internal/events"
	"github.com/xenking/payledger/internal/notify"
	"github.com/xenking/payledger/internal/transfer"
)

// Mutator persists a change to an order.
type Mutator interface {
	Mutate(ctx context.Context, orderID string, fn func(o *order.Order) bool) (*order.Order, error)
}

// AccessEmail sends the access-grant email with a fresh reset token.
func AccessEmail(sender notify.Sender, template string) Handler {
	return HandlerFunc(func(ctx context.Context, o *order.Order) error {
		err := sender.SendAccessEmail(ctx, notify.AccessEmail{
			CustomerEmail: o.CustomerEmail,
			OrderID:       o.ID,
			ResetToken:    notify.NewResetToken(),
			PlanID:        o.PlanID,
			Template:      template,
		})
		if errors.Is(err, notify.ErrRejected) {
			return backoff.Permanent(err)
		}
		return err
	})
}

// Publish announces the order on topic.
func Publish(pub events.Publisher, topic string, now func() time.Time) Handler {
	return HandlerFunc(func(ctx context.Context, o *order.Order) error {
		return pub.Publish(ctx, events.OrderMessage(topic, o, now()))
	})
}

// SellerTransfer pushes the seller share to the connected account and
// records the result on the order. A declined or abandoned transfer marks it
// failed so the share falls back to the withdrawable balance.
func SellerTransfer(t transfer.AccountTransferer, orders Mutator) Handler {
	return &sellerTransfer{transfers: t, orders: orders}
}

type sellerTransfer struct {
	transfers transfer.AccountTransferer
	orders    Mutator
}

var _ Abandoner = (*sellerTransfer)(nil)

// Handle implements Handler.
func (h *sellerTransfer) Handle(ctx context.Context, o *order.Order) error {
	res, err := h.transfers.TransferToAccount(ctx, transfer.AccountTransfer{
		OrderID:    o.ID,
		AccountRef: o.SellerAccountRef,
		Amount:     o.ProviderAmount,
	})
	if errors.Is(err, transfer.ErrDeclined) {
		if _, merr := h.orders.Mutate(ctx, o.ID, order.ResolveTransfer(order.TransferFailed, "")); merr != nil {
			return errors.Wrap(merr, "record declined transfer")
		}
		return backoff.Permanent(err)
	}
	if err != nil {
		return err
	}

	if _, err := h.orders.Mutate(ctx, o.ID, order.ResolveTransfer(order.TransferCompleted, res.TransferID)); err != nil {
		// Retrying would repeat the transfer call; the API deduplicates
		// it by order id and the write is attempted again.
		zctx.From(ctx).Warn("record transfer result", zap.String("transfer_id", res.TransferID), zap.Error(err))
		return errors.Wrap(err, "record transfer")
	}
	return nil
}

// Abandon implements Abandoner. A transfer still pending after the last
// retry is marked failed; the order is flagged for review by the dispatcher.
func (h *sellerTransfer) Abandon(ctx context.Context, o *order.Order, _ error) error {
	if _, err := h.orders.Mutate(ctx, o.ID, order.ResolveTransfer(order.TransferFailed, "")); err != nil {
		return errors.Wrap(err, "record abandoned transfer")
	}
	return nil
}
