package effects

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/payledger/internal/domain/order"
	"github.com/xenking/payledger/internal/domain/payout"
	"github.com/xenking/payledger/internal/events"
	"github.com/xenking/payledger/internal/notify"
	"github.com/xenking/payledger/internal/storage/memory"
	"github.com/xenking/payledger/internal/transfer"
)

// --- Mock implementations ---

type flag struct {
	orderID, code, detail string
}

type mockReviewer struct {
	mu    sync.Mutex
	flags []flag
}

func (m *mockReviewer) FlagForReview(_ context.Context, orderID, code, detail string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flags = append(m.flags, flag{orderID, code, detail})
	return nil
}

type mockSender struct {
	mu   sync.Mutex
	sent []notify.AccessEmail
	errs []error
}

func (m *mockSender) SendAccessEmail(_ context.Context, e notify.AccessEmail) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.errs) > 0 {
		err := m.errs[0]
		m.errs = m.errs[1:]
		return err
	}
	m.sent = append(m.sent, e)
	return nil
}

type mockPublisher struct {
	mu   sync.Mutex
	msgs []events.Message
}

func (m *mockPublisher) Publish(_ context.Context, msgs ...events.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.msgs = append(m.msgs, msgs...)
	return nil
}

type mockAccounts struct {
	res payout.TransferResult
	err error
	got []transfer.AccountTransfer
}

func (m *mockAccounts) TransferToAccount(_ context.Context, t transfer.AccountTransfer) (payout.TransferResult, error) {
	m.got = append(m.got, t)
	return m.res, m.err
}

type mockMutator struct {
	order *order.Order
	err   error
}

func (m *mockMutator) Mutate(_ context.Context, _ string, fn func(o *order.Order) bool) (*order.Order, error) {
	if m.err != nil {
		return nil, m.err
	}
	next := m.order.Clone()
	if fn(next) {
		m.order = next
	}
	return m.order, nil
}

// --- Helpers ---

func testConfig() Config {
	return Config{
		MaxRetries: 2,
		Timeout:    time.Second,
		NewBackOff: func() backoff.BackOff { return &backoff.ZeroBackOff{} },
	}
}

func paidOrder() *order.Order {
	return &order.Order{
		ID:               "ord-1",
		SellerID:         "seller-1",
		CustomerEmail:    "buyer@example.com",
		TotalAmount:      10000,
		ProviderAmount:   9100,
		SellerAccountRef: "acct_1",
		Status:           order.StatusPaid,
		TransferStatus:   order.TransferPending,
	}
}

// --- Tests ---

func TestDispatcherRunsEveryEffect(t *testing.T) {
	sender := &mockSender{}
	pub := &mockPublisher{}
	now := func() time.Time { return time.Unix(0, 0) }
	d := NewDispatcher(map[order.EffectKind]Handler{
		order.EffectAccessEmail:    AccessEmail(sender, "access"),
		order.EffectPayoutEligible: Publish(pub, events.TopicPayoutEligible, now),
		order.EffectPlanActivation: Publish(pub, events.TopicPlanActivate, now),
	}, &mockReviewer{}, testConfig())

	d.Dispatch(context.Background(), paidOrder(), []order.EffectKind{
		order.EffectAccessEmail, order.EffectPayoutEligible, order.EffectPlanActivation,
	})
	require.NoError(t, d.Wait(context.Background()))

	require.Len(t, sender.sent, 1)
	assert.Equal(t, "ord-1", sender.sent[0].OrderID)
	assert.NotEmpty(t, sender.sent[0].ResetToken)
	assert.Equal(t, "access", sender.sent[0].Template)

	topics := []string{pub.msgs[0].Topic, pub.msgs[1].Topic}
	assert.ElementsMatch(t, []string{events.TopicPayoutEligible, events.TopicPlanActivate}, topics)
}

func TestDispatcherRetriesTransientFailures(t *testing.T) {
	sender := &mockSender{errs: []error{errors.New("timeout"), errors.New("timeout")}}
	reviewer := &mockReviewer{}
	d := NewDispatcher(map[order.EffectKind]Handler{
		order.EffectAccessEmail: AccessEmail(sender, "access"),
	}, reviewer, testConfig())

	d.Execute(context.Background(), paidOrder(), []order.EffectKind{order.EffectAccessEmail})

	assert.Len(t, sender.sent, 1)
	assert.Empty(t, reviewer.flags)
}

func TestDispatcherFlagsAbandonedEffect(t *testing.T) {
	t.Run("retries exhausted", func(t *testing.T) {
		sender := &mockSender{errs: []error{errors.New("a"), errors.New("b"), errors.New("c")}}
		reviewer := &mockReviewer{}
		d := NewDispatcher(map[order.EffectKind]Handler{
			order.EffectAccessEmail: AccessEmail(sender, "access"),
		}, reviewer, testConfig())

		d.Execute(context.Background(), paidOrder(), []order.EffectKind{order.EffectAccessEmail})

		assert.Empty(t, sender.sent)
		require.Len(t, reviewer.flags, 1)
		assert.Equal(t, order.AnnotationEffectFailed, reviewer.flags[0].code)
		assert.Contains(t, reviewer.flags[0].detail, "access_email")
	})

	t.Run("permanent failure is not retried", func(t *testing.T) {
		sender := &mockSender{errs: []error{errors.Wrap(notify.ErrRejected, "bad address"), errors.New("unused")}}
		reviewer := &mockReviewer{}
		d := NewDispatcher(map[order.EffectKind]Handler{
			order.EffectAccessEmail: AccessEmail(sender, "access"),
		}, reviewer, testConfig())

		d.Execute(context.Background(), paidOrder(), []order.EffectKind{order.EffectAccessEmail})

		assert.Len(t, sender.errs, 1)
		require.Len(t, reviewer.flags, 1)
	})
}

func TestDispatcherSkipsUnknownEffect(t *testing.T) {
	reviewer := &mockReviewer{}
	d := NewDispatcher(nil, reviewer, testConfig())
	d.Execute(context.Background(), paidOrder(), []order.EffectKind{order.EffectSellerTransfer})
	assert.Empty(t, reviewer.flags)
}

func TestSellerTransfer(t *testing.T) {
	t.Run("completed", func(t *testing.T) {
		accounts := &mockAccounts{res: payout.TransferResult{TransferID: "tr_1"}}
		m := &mockMutator{order: paidOrder()}

		require.NoError(t, SellerTransfer(accounts, m).Handle(context.Background(), paidOrder()))

		require.Len(t, accounts.got, 1)
		assert.Equal(t, transfer.AccountTransfer{OrderID: "ord-1", AccountRef: "acct_1", Amount: 9100}, accounts.got[0])
		assert.Equal(t, order.TransferCompleted, m.order.TransferStatus)
		assert.Equal(t, "tr_1", m.order.TransferID)
	})

	t.Run("declined returns funds to balance", func(t *testing.T) {
		accounts := &mockAccounts{err: errors.Wrap(transfer.ErrDeclined, "closed")}
		m := &mockMutator{order: paidOrder()}

		err := SellerTransfer(accounts, m).Handle(context.Background(), paidOrder())
		var perm *backoff.PermanentError
		require.ErrorAs(t, err, &perm)
		assert.Equal(t, order.TransferFailed, m.order.TransferStatus)
	})

	t.Run("transient failure keeps pending", func(t *testing.T) {
		accounts := &mockAccounts{err: errors.New("timeout")}
		m := &mockMutator{order: paidOrder()}

		require.Error(t, SellerTransfer(accounts, m).Handle(context.Background(), paidOrder()))
		assert.Equal(t, order.TransferPending, m.order.TransferStatus)
	})

	t.Run("abandoned marks failed", func(t *testing.T) {
		m := &mockMutator{order: paidOrder()}
		h := SellerTransfer(&mockAccounts{}, m)

		a, ok := h.(Abandoner)
		require.True(t, ok)
		require.NoError(t, a.Abandon(context.Background(), paidOrder(), errors.New("timeout")))
		assert.Equal(t, order.TransferFailed, m.order.TransferStatus)
	})

	t.Run("abandon after completion is a no-op", func(t *testing.T) {
		settled := paidOrder()
		settled.TransferStatus = order.TransferCompleted
		settled.TransferID = "tr_0"
		m := &mockMutator{order: settled}

		require.NoError(t, SellerTransfer(&mockAccounts{}, m).(Abandoner).Abandon(context.Background(), paidOrder(), nil))
		assert.Equal(t, order.TransferCompleted, m.order.TransferStatus)
		assert.Equal(t, "tr_0", m.order.TransferID)
	})

	t.Run("already settled is left alone", func(t *testing.T) {
		settled := paidOrder()
		settled.TransferStatus = order.TransferCompleted
		settled.TransferID = "tr_0"
		m := &mockMutator{order: settled}

		require.NoError(t, SellerTransfer(&mockAccounts{res: payout.TransferResult{TransferID: "tr_1"}}, m).
			Handle(context.Background(), paidOrder()))
		assert.Equal(t, "tr_0", m.order.TransferID)
	})
}

func TestDispatcherReturnsShareOfAbandonedTransfer(t *testing.T) {
	ctx := context.Background()
	orders := memory.NewOrderRepository()
	payouts := memory.NewPayoutRepository(orders)
	paidAt := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	o := paidOrder()
	o.PaidAt = &paidAt
	require.NoError(t, orders.Create(ctx, o))

	earned, err := payouts.EarnedAmount(ctx, "seller-1")
	require.NoError(t, err)
	require.Zero(t, earned)

	processor := order.NewProcessor(orders)
	accounts := &mockAccounts{err: errors.New("connection reset")}
	cfg := testConfig()
	cfg.MaxRetries = 1
	d := NewDispatcher(map[order.EffectKind]Handler{
		order.EffectSellerTransfer: SellerTransfer(accounts, processor),
	}, processor, cfg)

	d.Execute(ctx, o, []order.EffectKind{order.EffectSellerTransfer})

	assert.Len(t, accounts.got, 2)
	stored, err := orders.Get(ctx, "ord-1")
	require.NoError(t, err)
	assert.Equal(t, order.TransferFailed, stored.TransferStatus)
	assert.True(t, stored.ManualReview)
	require.NotEmpty(t, stored.Annotations)
	assert.Equal(t, order.AnnotationEffectFailed, stored.Annotations[len(stored.Annotations)-1].Code)

	earned, err = payouts.EarnedAmount(ctx, "seller-1")
	require.NoError(t, err)
	assert.Equal(t, int64(9100), earned)

	pending, err := orders.ListPendingTransfers(ctx, paidAt.Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, pending)
}
