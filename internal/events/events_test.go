package events

import (
	"context"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/payledger/internal/domain/order"
	"github.com/xenking/payledger/internal/domain/payout"
)

// --- Mock implementations ---

type recordingPublisher struct {
	msgs []Message
	err  error
}

func (r *recordingPublisher) Publish(_ context.Context, msgs ...Message) error {
	r.msgs = append(r.msgs, msgs...)
	return r.err
}

// --- Helpers ---

func fields(t *testing.T, raw []byte) map[string]string {
	t.Helper()
	out := map[string]string{}
	err := jx.DecodeBytes(raw).Obj(func(d *jx.Decoder, key string) error {
		v, err := d.Raw()
		out[key] = v.String()
		return err
	})
	require.NoError(t, err)
	return out
}

// --- Tests ---

func TestOrderMessage(t *testing.T) {
	at := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	m := OrderMessage(TopicPlanActivate, &order.Order{
		ID:               "ord-1",
		SellerID:         "seller-1",
		CustomerID:       "cust-1",
		Kind:             order.KindSubscription,
		PlanID:           "pro",
		TotalAmount:      10000,
		CommissionAmount: 700,
		ProviderAmount:   9300,
	}, at)

	assert.Equal(t, TopicPlanActivate, m.Topic)
	assert.Equal(t, "seller-1", m.Key)
	f := fields(t, m.Value)
	assert.Equal(t, `"ord-1"`, f["order_id"])
	assert.Equal(t, `"pro"`, f["plan_id"])
	assert.Equal(t, `9300`, f["provider_amount"])
	assert.Equal(t, `"2026-03-10T14:00:00Z"`, f["occurred_at"])
}

func TestPayoutMessage(t *testing.T) {
	failed := PayoutMessage(payout.Payout{ID: "po-1", UserID: "seller-1", Status: payout.StatusFailed, FailureReason: "account closed"})
	assert.Equal(t, TopicPayoutFailed, failed.Topic)
	assert.Equal(t, `"account closed"`, fields(t, failed.Value)["failure_reason"])

	done := PayoutMessage(payout.Payout{ID: "po-2", UserID: "seller-1", Status: payout.StatusCompleted, ExternalTransferID: "tr_1"})
	assert.Equal(t, TopicPayoutCompleted, done.Topic)
	assert.NotContains(t, fields(t, done.Value), "failure_reason")
}

func TestPayoutObserverSwallowsErrors(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("broker down")}
	NewPayoutObserver(pub).PayoutFinished(context.Background(), payout.Payout{ID: "po-1", Status: payout.StatusCompleted})
	require.Len(t, pub.msgs, 1)
	assert.Equal(t, TopicPayoutCompleted, pub.msgs[0].Topic)
}

func TestKafkaPublisher(t *testing.T) {
	cfg := mocks.NewTestConfig()
	cfg.Producer.Return.Successes = true

	t.Run("sends batch", func(t *testing.T) {
		producer := mocks.NewSyncProducer(t, cfg)
		producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
			if !jx.Valid(val) {
				return errors.New("invalid json")
			}
			return nil
		})
		producer.ExpectSendMessageAndSucceed()

		pub := NewKafkaPublisherFromProducer(producer)
		err := pub.Publish(context.Background(),
			PayoutMessage(payout.Payout{ID: "po-1", Status: payout.StatusCompleted}),
			Message{Topic: TopicPayoutEligible, Key: "seller-1", Value: []byte(`{}`)},
		)
		require.NoError(t, err)
		require.NoError(t, pub.Close())
	})

	t.Run("broker failure", func(t *testing.T) {
		producer := mocks.NewSyncProducer(t, cfg)
		producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

		pub := NewKafkaPublisherFromProducer(producer)
		err := pub.Publish(context.Background(), Message{Topic: TopicPlanActivate, Value: []byte(`{}`)})
		require.Error(t, err)
		require.NoError(t, pub.Close())
	})

	t.Run("cancelled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		producer := mocks.NewSyncProducer(t, cfg)
		pub := NewKafkaPublisherFromProducer(producer)
		require.ErrorIs(t, pub.Publish(ctx, Message{Topic: TopicPlanActivate}), context.Canceled)
		require.NoError(t, pub.Close())
	})
}

func TestLogPublisherRejectsInvalidPayload(t *testing.T) {
	require.NoError(t, LogPublisher{}.Publish(context.Background(), Message{Topic: "t", Value: []byte(`{"a":1}`)}))
	require.Error(t, LogPublisher{}.Publish(context.Background(), Message{Topic: "t", Value: []byte(`{`)}))
}
