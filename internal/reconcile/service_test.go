package reconcile

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/payledger/internal/domain/commission"
	"github.com/xenking/payledger/internal/domain/idempotency"
	"github.com/xenking/payledger/internal/domain/order"
	"github.com/xenking/payledger/internal/webhook"
)

// --- Mock implementations ---

type mockOrders struct {
	mu     sync.Mutex
	orders map[string]*order.Order
	// conflicts forces the next N updates to fail with ErrVersionConflict.
	conflicts int
	updateErr error
}

var _ order.Repository = (*mockOrders)(nil)

func newMockOrders(orders ...*order.Order) *mockOrders {
	m := &mockOrders{orders: make(map[string]*order.Order)}
	for _, o := range orders {
		m.orders[o.ID] = o.Clone()
	}
	return m
}

func (m *mockOrders) Create(_ context.Context, o *order.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o.Version = 1
	m.orders[o.ID] = o.Clone()
	return nil
}

func (m *mockOrders) Get(_ context.Context, id string) (*order.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, order.ErrNotFound
	}
	return o.Clone(), nil
}

func (m *mockOrders) FindByProviderRef(_ context.Context, p order.Provider, ref string) (*order.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.orders {
		if o.ProviderRef(p) == ref {
			return o.Clone(), nil
		}
	}
	return nil, order.ErrNotFound
}

func (m *mockOrders) Update(_ context.Context, o *order.Order, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateErr != nil {
		return m.updateErr
	}
	if m.conflicts > 0 {
		m.conflicts--
		return order.ErrVersionConflict
	}
	cur, ok := m.orders[o.ID]
	if !ok {
		return order.ErrNotFound
	}
	if cur.Version != expectedVersion {
		return order.ErrVersionConflict
	}
	o.Version = expectedVersion + 1
	m.orders[o.ID] = o.Clone()
	return nil
}

func (m *mockOrders) Delete(context.Context, string, int64) error { return nil }

func (m *mockOrders) ListForReview(context.Context, int) ([]order.Order, error) { return nil, nil }

func (m *mockOrders) ListPendingTransfers(context.Context, time.Time) ([]order.Order, error) {
	return nil, nil
}

func (m *mockOrders) stored(id string) *order.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.orders[id].Clone()
}

type mockKeys struct {
	mu   sync.Mutex
	keys map[string]bool
}

func (m *mockKeys) InsertIfAbsent(_ context.Context, key string, _ time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.keys[key] {
		return false, nil
	}
	m.keys[key] = true
	return true, nil
}

func (m *mockKeys) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keys, key)
	return nil
}

func (m *mockKeys) has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.keys[key]
}

type mockStatusClient struct {
	status RemoteStatus
	err    error
	refs   []string
}

func (m *mockStatusClient) FetchStatus(_ context.Context, ref string) (RemoteStatus, error) {
	m.refs = append(m.refs, ref)
	return m.status, m.err
}

type dispatched struct {
	orderID string
	effects []order.EffectKind
}

type mockDispatcher struct {
	mu    sync.Mutex
	calls []dispatched
}

func (m *mockDispatcher) Dispatch(_ context.Context, o *order.Order, effects []order.EffectKind) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, dispatched{orderID: o.ID, effects: effects})
}

func (m *mockDispatcher) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// --- Helpers ---

var testNow = time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)

type fixture struct {
	svc        *Service
	orders     *mockOrders
	keys       *mockKeys
	dispatcher *mockDispatcher
	pixA       *mockStatusClient
	card       *mockStatusClient
}

func newFixture(t *testing.T, verifiers webhook.Verifiers, orders ...*order.Order) *fixture {
	t.Helper()
	f := &fixture{
		orders:     newMockOrders(orders...),
		keys:       &mockKeys{keys: make(map[string]bool)},
		dispatcher: &mockDispatcher{},
		pixA:       &mockStatusClient{},
		card:       &mockStatusClient{},
	}
	if verifiers.Card == nil {
		verifiers = webhook.Verifiers{Card: webhook.Unverified{}, PixA: webhook.Unverified{}, PixB: webhook.Unverified{}}
	}
	processor := order.NewProcessor(f.orders,
		order.WithClock(func() time.Time { return testNow }),
		order.WithBackOff(func() backoff.BackOff { return &backoff.ZeroBackOff{} }),
	)
	svc, err := NewService(Params{
		Verifiers:  verifiers,
		Guard:      idempotency.NewGuard(f.keys, 0),
		Processor:  processor,
		Orders:     f.orders,
		Clients:    map[order.Provider]StatusClient{order.ProviderPixA: f.pixA, order.ProviderCard: f.card},
		Dispatcher: f.dispatcher,
		Now:        func() time.Time { return testNow },
	})
	require.NoError(t, err)
	f.svc = svc
	return f
}

func newOrder(id string, method commission.Method, total int64) *order.Order {
	return &order.Order{
		ID:            id,
		SellerID:      "seller-1",
		CustomerID:    "cust-1",
		CustomerEmail: "buyer@example.com",
		Kind:          order.KindOneTime,
		TotalAmount:   total,
		PaymentMethod: method,
		Policy:        commission.Policy{PlanID: commission.PlanStarter, CommissionPercent: decimal.NewFromInt(9)},
		Status:        order.StatusPending,
		CreatedAt:     testNow.Add(-time.Hour),
		Version:       1,
	}
}

func req(body string) webhook.Request {
	return webhook.Request{Header: http.Header{}, Body: []byte(body)}
}

const cardPaid = `{"id":"evt_1","type":"payment_intent.succeeded","data":{"object":{"id":"pi_1","amount_received":10000,"metadata":{"order_id":"ord-1"}}}}`

// --- Tests ---

func TestHandleWebhookProcessesOnce(t *testing.T) {
	f := newFixture(t, webhook.Verifiers{}, newOrder("ord-1", commission.MethodCard, 10000))
	ctx := context.Background()

	res, err := f.svc.HandleWebhook(ctx, order.ProviderCard, req(cardPaid))
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, res.Outcome)
	assert.Equal(t, order.StatusPaid, res.Status)

	res, err = f.svc.HandleWebhook(ctx, order.ProviderCard, req(cardPaid))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, res.Outcome)

	o := f.orders.stored("ord-1")
	assert.Equal(t, order.StatusPaid, o.Status)
	assert.Equal(t, int64(900), o.CommissionAmount)
	assert.Equal(t, int64(9100), o.ProviderAmount)
	assert.Equal(t, "pi_1", o.CardProviderRef)
	require.Equal(t, 1, f.dispatcher.count())
	assert.Equal(t, []order.EffectKind{order.EffectAccessEmail, order.EffectPayoutEligible}, f.dispatcher.calls[0].effects)
}

func TestHandleWebhookConcurrentDeliveries(t *testing.T) {
	f := newFixture(t, webhook.Verifiers{}, newOrder("ord-1", commission.MethodCard, 10000))

	const n = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		outcomes = map[Outcome]int{}
	)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.svc.HandleWebhook(context.Background(), order.ProviderCard, req(cardPaid))
			assert.NoError(t, err)
			mu.Lock()
			outcomes[res.Outcome]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, outcomes[OutcomeProcessed])
	assert.Equal(t, n-1, outcomes[OutcomeDuplicate])
	assert.Equal(t, 1, f.dispatcher.count())
}

func TestHandleWebhookOutOfOrderPixB(t *testing.T) {
	f := newFixture(t, webhook.Verifiers{}, newOrder("ord-1", commission.MethodPix, 5000))
	ctx := context.Background()

	res, err := f.svc.HandleWebhook(ctx, order.ProviderPixB,
		req(`{"id":"wh_2","event":"charge.paid","data":{"id":"ch_1","status":"paid","amount":5000,"external_id":"ord-1"}}`))
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, res.Outcome)

	// A late "pending" must not move a paid order back.
	res, err = f.svc.HandleWebhook(ctx, order.ProviderPixB,
		req(`{"id":"wh_1","event":"charge.created","data":{"id":"ch_1","status":"pending","external_id":"ord-1"}}`))
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoop, res.Outcome)
	assert.Equal(t, order.StatusPaid, f.orders.stored("ord-1").Status)
}

func TestHandleWebhookAmountMismatch(t *testing.T) {
	f := newFixture(t, webhook.Verifiers{}, newOrder("ord-1", commission.MethodPix, 5000))

	res, err := f.svc.HandleWebhook(context.Background(), order.ProviderPixB,
		req(`{"id":"wh_1","data":{"id":"ch_1","status":"paid","amount":100,"external_id":"ord-1"}}`))
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, res.Outcome)
	assert.Equal(t, order.StatusFailed, res.Status)
	assert.Zero(t, f.dispatcher.count())
}

func TestHandleWebhookUnknownStatus(t *testing.T) {
	f := newFixture(t, webhook.Verifiers{}, newOrder("ord-1", commission.MethodPix, 5000))

	res, err := f.svc.HandleWebhook(context.Background(), order.ProviderPixB,
		req(`{"id":"wh_1","data":{"id":"ch_1","status":"on_hold","external_id":"ord-1"}}`))
	require.NoError(t, err)
	assert.Equal(t, OutcomeManualReview, res.Outcome)

	o := f.orders.stored("ord-1")
	assert.True(t, o.ManualReview)
	assert.Equal(t, order.StatusPending, o.Status)
}

func TestHandleWebhookUnknownOrder(t *testing.T) {
	f := newFixture(t, webhook.Verifiers{})

	res, err := f.svc.HandleWebhook(context.Background(), order.ProviderCard, req(cardPaid))
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnknownOrder, res.Outcome)
	assert.True(t, f.keys.has("card:evt:evt_1"))
}

func TestHandleWebhookSignatureRejected(t *testing.T) {
	verifiers, err := webhook.NewVerifiers(webhook.Secrets{PixB: "secret"}, webhook.CardConfig{}, false)
	require.NoError(t, err)
	f := newFixture(t, verifiers, newOrder("ord-1", commission.MethodPix, 5000))
	body := `{"id":"wh_1","data":{"id":"ch_1","status":"paid","amount":5000,"external_id":"ord-1"}}`

	r := req(body)
	r.Header.Set(webhook.HeaderPixBSignature, "deadbeef")
	_, err = f.svc.HandleWebhook(context.Background(), order.ProviderPixB, r)
	var sigErr *webhook.SignatureError
	require.ErrorAs(t, err, &sigErr)
	assert.Equal(t, order.StatusPending, f.orders.stored("ord-1").Status)

	mac := hmac.New(sha256.New, []byte("secret"))
	mac.Write([]byte(body))
	r.Header.Set(webhook.HeaderPixBSignature, hex.EncodeToString(mac.Sum(nil)))
	res, err := f.svc.HandleWebhook(context.Background(), order.ProviderPixB, r)
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, res.Outcome)
}

func TestHandleWebhookMalformed(t *testing.T) {
	f := newFixture(t, webhook.Verifiers{})

	_, err := f.svc.HandleWebhook(context.Background(), order.ProviderPixB, req(`{"id":"wh_1","data":{}}`))
	require.ErrorIs(t, err, ErrMalformedPayload)

	_, err = f.svc.HandleWebhook(context.Background(), "paypal", req(`{}`))
	require.ErrorIs(t, err, ErrUnknownProvider)
}

func TestHandleWebhookPixAEnrichment(t *testing.T) {
	f := newFixture(t, webhook.Verifiers{}, newOrder("ord-1", commission.MethodPix, 4990))
	amount := int64(4990)
	f.pixA.status = RemoteStatus{Status: "approved", OrderID: "ord-1", AmountMinor: &amount}

	res, err := f.svc.HandleWebhook(context.Background(), order.ProviderPixA,
		req(`{"id":111,"action":"payment.updated","type":"payment","data":{"id":"555"}}`))
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, res.Outcome)
	assert.Equal(t, []string{"555"}, f.pixA.refs)

	o := f.orders.stored("ord-1")
	assert.Equal(t, order.StatusPaid, o.Status)
	assert.Equal(t, "555", o.PixProviderARef)
}

func TestHandleWebhookPixAEnrichmentFailure(t *testing.T) {
	f := newFixture(t, webhook.Verifiers{}, newOrder("ord-1", commission.MethodPix, 4990))
	f.pixA.err = errors.New("gateway down")

	_, err := f.svc.HandleWebhook(context.Background(), order.ProviderPixA,
		req(`{"id":111,"type":"payment","data":{"id":"555"}}`))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrMalformedPayload)
	assert.False(t, f.keys.has("pix_a:evt:111"))
}

func TestHandleWebhookPixAStatusFromGatewayOnly(t *testing.T) {
	const secret = "pixa_secret"
	verifiers, err := webhook.NewVerifiers(
		webhook.Secrets{Card: "card", PixA: secret, PixB: "pixb"},
		webhook.CardConfig{Now: func() time.Time { return testNow }},
		true,
	)
	require.NoError(t, err)

	victim := newOrder("victim", commission.MethodPix, 5000)
	f := newFixture(t, verifiers, victim)
	amount := int64(5000)
	f.pixA.status = RemoteStatus{Status: "pending", OrderID: "victim", AmountMinor: &amount}

	// A legitimately signed delivery for payment 999.
	signed := func(body string) webhook.Request {
		ts := strconv.FormatInt(testNow.Unix(), 10)
		mac := hmac.New(sha256.New, []byte(secret))
		mac.Write([]byte(webhook.PixAManifest("999", "req-1", ts)))
		h := http.Header{}
		h.Set(webhook.HeaderPixARequestID, "req-1")
		h.Set(webhook.HeaderPixASignature, "ts="+ts+",v1="+hex.EncodeToString(mac.Sum(nil)))
		return webhook.Request{Header: h, Query: url.Values{"data.id": {"999"}}, Body: []byte(body)}
	}

	t.Run("body names another payment", func(t *testing.T) {
		_, err := f.svc.HandleWebhook(context.Background(), order.ProviderPixA, signed(
			`{"data":{"id":"777","status":"approved","external_reference":"victim","transaction_amount":50.00}}`))
		var sigErr *webhook.SignatureError
		require.ErrorAs(t, err, &sigErr)
		assert.Empty(t, f.pixA.refs)
		assert.Equal(t, order.StatusPending, f.orders.stored("victim").Status)
	})

	t.Run("rewritten status is ignored", func(t *testing.T) {
		res, err := f.svc.HandleWebhook(context.Background(), order.ProviderPixA, signed(
			`{"id":5,"data":{"id":"999","status":"approved","external_reference":"victim","transaction_amount":50.00}}`))
		require.NoError(t, err)
		assert.Equal(t, []string{"999"}, f.pixA.refs)
		assert.Equal(t, "victim", res.OrderID)
		assert.Equal(t, order.StatusPending, f.orders.stored("victim").Status)
		assert.Zero(t, f.dispatcher.count())
	})
}

func TestHandleWebhookPixARequiresStatusClient(t *testing.T) {
	f := newFixture(t, webhook.Verifiers{}, newOrder("ord-1", commission.MethodPix, 4990))
	delete(f.svc.clients, order.ProviderPixA)

	_, err := f.svc.HandleWebhook(context.Background(), order.ProviderPixA,
		req(`{"id":111,"type":"payment","data":{"id":"555","status":"approved","external_reference":"ord-1","transaction_amount":49.90}}`))
	require.ErrorIs(t, err, ErrMalformedPayload)
	assert.Equal(t, order.StatusPending, f.orders.stored("ord-1").Status)
	assert.False(t, f.keys.has("pix_a:evt:111"))
}

func TestHandleWebhookPixAUnknownPayment(t *testing.T) {
	f := newFixture(t, webhook.Verifiers{}, newOrder("ord-1", commission.MethodPix, 4990))
	f.pixA.err = errors.Wrap(ErrRemoteNotFound, "pix_a payment 555")

	_, err := f.svc.HandleWebhook(context.Background(), order.ProviderPixA,
		req(`{"id":111,"type":"payment","data":{"id":"555"}}`))
	require.ErrorIs(t, err, ErrMalformedPayload)
}

func TestHandleWebhookPixAIgnoresOtherTopics(t *testing.T) {
	f := newFixture(t, webhook.Verifiers{})

	res, err := f.svc.HandleWebhook(context.Background(), order.ProviderPixA,
		req(`{"id":1,"type":"merchant_order","data":{"id":"9"}}`))
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, res.Outcome)
	assert.Empty(t, f.pixA.refs)
}

func TestHandleWebhookTransientConflict(t *testing.T) {
	f := newFixture(t, webhook.Verifiers{}, newOrder("ord-1", commission.MethodCard, 10000))
	f.orders.conflicts = order.DefaultMaxAttempts

	res, err := f.svc.HandleWebhook(context.Background(), order.ProviderCard, req(cardPaid))
	require.NoError(t, err)
	assert.Equal(t, OutcomeManualReview, res.Outcome)

	o := f.orders.stored("ord-1")
	assert.Equal(t, order.StatusPending, o.Status)
	assert.True(t, o.ManualReview)
	require.Len(t, o.Annotations, 1)
	assert.Equal(t, order.AnnotationReconcile, o.Annotations[0].Code)
	assert.True(t, f.keys.has("card:evt:evt_1"))
}

func TestHandleWebhookStorageFailureReleasesMark(t *testing.T) {
	f := newFixture(t, webhook.Verifiers{}, newOrder("ord-1", commission.MethodCard, 10000))
	f.orders.updateErr = errors.New("connection reset")

	_, err := f.svc.HandleWebhook(context.Background(), order.ProviderCard, req(cardPaid))
	require.Error(t, err)
	assert.False(t, f.keys.has("card:evt:evt_1"))

	f.orders.updateErr = nil
	res, err := f.svc.HandleWebhook(context.Background(), order.ProviderCard, req(cardPaid))
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, res.Outcome)
}

func TestPoll(t *testing.T) {
	linked := newOrder("ord-1", commission.MethodCard, 10000)
	linked.CardProviderRef = "pi_1"

	t.Run("applies remote status", func(t *testing.T) {
		f := newFixture(t, webhook.Verifiers{}, linked)
		amount := int64(10000)
		f.card.status = RemoteStatus{Status: "succeeded", AmountMinor: &amount}

		o, err := f.svc.Poll(context.Background(), "ord-1")
		require.NoError(t, err)
		assert.Equal(t, order.StatusPaid, o.Status)
		assert.Equal(t, []string{"pi_1"}, f.card.refs)
		assert.Equal(t, 1, f.dispatcher.count())
	})

	t.Run("provider failure returns stored order", func(t *testing.T) {
		f := newFixture(t, webhook.Verifiers{}, linked)
		f.card.err = errors.New("timeout")

		o, err := f.svc.Poll(context.Background(), "ord-1")
		require.NoError(t, err)
		assert.Equal(t, order.StatusPending, o.Status)
	})

	t.Run("unlinked order is not polled", func(t *testing.T) {
		f := newFixture(t, webhook.Verifiers{}, newOrder("ord-2", commission.MethodCard, 10000))

		o, err := f.svc.Poll(context.Background(), "ord-2")
		require.NoError(t, err)
		assert.Equal(t, order.StatusPending, o.Status)
		assert.Empty(t, f.card.refs)
	})

	t.Run("unknown order", func(t *testing.T) {
		f := newFixture(t, webhook.Verifiers{})
		_, err := f.svc.Poll(context.Background(), "missing")
		require.ErrorIs(t, err, order.ErrNotFound)
	})
}
