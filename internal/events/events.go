// Package events publishes domain events to the message bus.
package events

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/payledger/internal/domain/order"
	"github.com/xenking/payledger/internal/domain/payout"
)

// Topics.
const (
	TopicPayoutEligible  = "order.payout_eligible"
	TopicPlanActivate    = "plan.activate"
	TopicPayoutCompleted = "payout.completed"
	TopicPayoutFailed    = "payout.failed"
)

// Message is one event addressed to a topic. Key selects the partition.
type Message struct {
	Topic string
	Key   string
	Value []byte
}

// Publisher delivers messages to the bus.
type Publisher interface {
	Publish(ctx context.Context, msgs ...Message) error
}

// OrderMessage encodes an order event. Messages are keyed by seller so a
// seller's events stay ordered.
func OrderMessage(topic string, o *order.Order, at time.Time) Message {
	var e jx.Encoder
	e.Obj(func(e *jx.Encoder) {
		e.Field("type", func(e *jx.Encoder) { e.Str(topic) })
		e.Field("order_id", func(e *jx.Encoder) { e.Str(o.ID) })
		e.Field("seller_id", func(e *jx.Encoder) { e.Str(o.SellerID) })
		e.Field("customer_id", func(e *jx.Encoder) { e.Str(o.CustomerID) })
		e.Field("kind", func(e *jx.Encoder) { e.Str(string(o.Kind)) })
		if o.PlanID != "" {
			e.Field("plan_id", func(e *jx.Encoder) { e.Str(o.PlanID) })
		}
		e.Field("total_amount", func(e *jx.Encoder) { e.Int64(o.TotalAmount) })
		e.Field("commission_amount", func(e *jx.Encoder) { e.Int64(o.CommissionAmount) })
		e.Field("provider_amount", func(e *jx.Encoder) { e.Int64(o.ProviderAmount) })
		e.Field("occurred_at", func(e *jx.Encoder) { e.Str(at.UTC().Format(time.RFC3339Nano)) })
	})
	return Message{Topic: topic, Key: o.SellerID, Value: e.Bytes()}
}

// PayoutMessage encodes a finished payout.
func PayoutMessage(p payout.Payout) Message {
	topic := TopicPayoutCompleted
	if p.Status == payout.StatusFailed {
		topic = TopicPayoutFailed
	}

	var e jx.Encoder
	e.Obj(func(e *jx.Encoder) {
		e.Field("type", func(e *jx.Encoder) { e.Str(topic) })
		e.Field("payout_id", func(e *jx.Encoder) { e.Str(p.ID) })
		e.Field("user_id", func(e *jx.Encoder) { e.Str(p.UserID) })
		e.Field("gross_amount", func(e *jx.Encoder) { e.Int64(p.GrossAmount) })
		e.Field("fee", func(e *jx.Encoder) { e.Int64(p.Fee) })
		e.Field("net_amount", func(e *jx.Encoder) { e.Int64(p.NetAmount) })
		e.Field("method", func(e *jx.Encoder) { e.Str(string(p.Method)) })
		e.Field("status", func(e *jx.Encoder) { e.Str(string(p.Status)) })
		if p.ExternalTransferID != "" {
			e.Field("transfer_id", func(e *jx.Encoder) { e.Str(p.ExternalTransferID) })
		}
		if p.FailureReason != "" {
			e.Field("failure_reason", func(e *jx.Encoder) { e.Str(p.FailureReason) })
		}
		if p.ProcessedAt != nil {
			e.Field("processed_at", func(e *jx.Encoder) { e.Str(p.ProcessedAt.UTC().Format(time.RFC3339Nano)) })
		}
	})
	return Message{Topic: topic, Key: p.UserID, Value: e.Bytes()}
}

// PayoutObserver publishes payout.completed and payout.failed events.
type PayoutObserver struct {
	pub Publisher
}

var _ payout.Observer = (*PayoutObserver)(nil)

// NewPayoutObserver creates a PayoutObserver.
func NewPayoutObserver(pub Publisher) *PayoutObserver {
	return &PayoutObserver{pub: pub}
}

// PayoutFinished implements payout.Observer. Delivery failures are logged;
// the payout row stays the source of truth.
func (o *PayoutObserver) PayoutFinished(ctx context.Context, p payout.Payout) {
	if err := o.pub.Publish(ctx, PayoutMessage(p)); err != nil {
		zctx.From(ctx).Error("publish payout event",
			zap.String("payout_id", p.ID),
			zap.String("status", string(p.Status)),
			zap.Error(err),
		)
	}
}

// LogPublisher writes events to the logger. It is used when no broker is
// configured.
type LogPublisher struct{}

var _ Publisher = LogPublisher{}

// Publish implements Publisher.
func (LogPublisher) Publish(ctx context.Context, msgs ...Message) error {
	lg := zctx.From(ctx)
	for _, m := range msgs {
		if !jx.Valid(m.Value) {
			return errors.Errorf("invalid %s event payload", m.Topic)
		}
		lg.Info("event",
			zap.String("topic", m.Topic),
			zap.String("key", m.Key),
			zap.ByteString("value", m.Value),
		)
	}
	return nil
}
