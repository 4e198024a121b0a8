// Package memory provides in-process implementations of every storage
// interface. It backs local development and single-replica deployments that
// run without PostgreSQL.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/xenking/payledger/internal/domain/idempotency"
	"github.com/xenking/payledger/internal/domain/order"
	"github.com/xenking/payledger/internal/domain/payout"
	"github.com/xenking/payledger/internal/domain/risk"
)

var (
	_ order.Repository      = (*OrderRepository)(nil)
	_ order.SellerDirectory = (*SellerRepository)(nil)
	_ payout.Repository     = (*PayoutRepository)(nil)
	_ payout.TxRunner       = (*TxRunner)(nil)
	_ idempotency.Store     = (*IdempotencyStore)(nil)
	_ risk.Counter          = (*Counter)(nil)
	_ risk.BlacklistStore   = (*BlacklistStore)(nil)
)

// OrderRepository stores cloned orders keyed by id.
type OrderRepository struct {
	mu     sync.RWMutex
	orders map[string]*order.Order
}

// NewOrderRepository returns an empty OrderRepository.
func NewOrderRepository() *OrderRepository {
	return &OrderRepository{orders: make(map[string]*order.Order)}
}

func (r *OrderRepository) Create(_ context.Context, o *order.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.orders[o.ID]; ok {
		return order.ErrVersionConflict
	}
	o.Version = 1
	r.orders[o.ID] = o.Clone()
	return nil
}

func (r *OrderRepository) Get(_ context.Context, id string) (*order.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.orders[id]
	if !ok {
		return nil, order.ErrNotFound
	}
	return o.Clone(), nil
}

func (r *OrderRepository) FindByProviderRef(_ context.Context, p order.Provider, ref string) (*order.Order, error) {
	if ref == "" {
		return nil, order.ErrNotFound
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, o := range r.orders {
		if o.ProviderRef(p) == ref {
			return o.Clone(), nil
		}
	}
	return nil, order.ErrNotFound
}

func (r *OrderRepository) Update(_ context.Context, o *order.Order, expectedVersion int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.orders[o.ID]
	if !ok {
		return order.ErrNotFound
	}
	if cur.Version != expectedVersion {
		return order.ErrVersionConflict
	}
	o.Version = expectedVersion + 1
	r.orders[o.ID] = o.Clone()
	return nil
}

func (r *OrderRepository) Delete(_ context.Context, id string, expectedVersion int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.orders[id]
	if !ok {
		return order.ErrNotFound
	}
	if cur.Version != expectedVersion {
		return order.ErrVersionConflict
	}
	delete(r.orders, id)
	return nil
}

func (r *OrderRepository) ListForReview(_ context.Context, limit int) ([]order.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []order.Order
	for _, o := range r.orders {
		if o.ManualReview {
			out = append(out, *o.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *OrderRepository) ListPendingTransfers(_ context.Context, paidBefore time.Time) ([]order.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []order.Order
	for _, o := range r.orders {
		if o.TransferStatus == order.TransferPending && o.PaidAt != nil && o.PaidAt.Before(paidBefore) {
			out = append(out, *o.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PaidAt.Before(*out[j].PaidAt) })
	return out, nil
}

// earned sums the seller share of paid orders the platform still holds.
func (r *OrderRepository) earned(userID string) int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var sum int64
	for _, o := range r.orders {
		if o.SellerID != userID || o.Status != order.StatusPaid || o.SplitPayment {
			continue
		}
		if o.TransferStatus == order.TransferPending || o.TransferStatus == order.TransferCompleted {
			continue
		}
		sum += o.ProviderAmount
	}
	return sum
}

// SellerRepository is a map of sellers.
type SellerRepository struct {
	mu      sync.RWMutex
	sellers map[string]order.Seller
}

// NewSellerRepository returns a SellerRepository seeded with sellers.
func NewSellerRepository(sellers ...order.Seller) *SellerRepository {
	r := &SellerRepository{sellers: make(map[string]order.Seller, len(sellers))}
	for _, s := range sellers {
		r.sellers[s.ID] = s
	}
	return r
}

func (r *SellerRepository) Seller(_ context.Context, id string) (order.Seller, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sellers[id]
	if !ok {
		return order.Seller{}, order.ErrSellerNotFound
	}
	return s, nil
}

// Upsert creates or replaces a seller.
func (r *SellerRepository) Upsert(_ context.Context, s order.Seller) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sellers[s.ID] = s
	return nil
}

// PayoutRepository stores payouts and reads earnings from an OrderRepository.
type PayoutRepository struct {
	orders *OrderRepository

	mu      sync.RWMutex
	payouts map[string]*payout.Payout
}

// NewPayoutRepository returns a PayoutRepository over orders.
func NewPayoutRepository(orders *OrderRepository) *PayoutRepository {
	return &PayoutRepository{orders: orders, payouts: make(map[string]*payout.Payout)}
}

func (r *PayoutRepository) EarnedAmount(_ context.Context, userID string) (int64, error) {
	return r.orders.earned(userID), nil
}

func (r *PayoutRepository) CommittedAmount(_ context.Context, userID string) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var sum int64
	for _, p := range r.payouts {
		if p.UserID == userID && p.Status != payout.StatusFailed {
			sum += p.GrossAmount
		}
	}
	return sum, nil
}

func (r *PayoutRepository) Create(_ context.Context, p *payout.Payout) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *p
	r.payouts[p.ID] = &cp
	return nil
}

func (r *PayoutRepository) Get(_ context.Context, id string) (*payout.Payout, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.payouts[id]
	if !ok {
		return nil, payout.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (r *PayoutRepository) Complete(_ context.Context, id, transferID string, at time.Time) error {
	return r.finish(id, func(p *payout.Payout) {
		p.Status = payout.StatusCompleted
		p.ExternalTransferID = transferID
		p.ProcessedAt = &at
	})
}

func (r *PayoutRepository) Fail(_ context.Context, id, reason string, at time.Time) error {
	return r.finish(id, func(p *payout.Payout) {
		p.Status = payout.StatusFailed
		p.FailureReason = reason
		p.ProcessedAt = &at
	})
}

func (r *PayoutRepository) ListProcessing(_ context.Context, olderThan time.Time) ([]payout.Payout, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []payout.Payout
	for _, p := range r.payouts {
		if p.Status == payout.StatusProcessing && p.CreatedAt.Before(olderThan) {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *PayoutRepository) finish(id string, fn func(p *payout.Payout)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.payouts[id]
	if !ok {
		return payout.ErrNotFound
	}
	if p.Status != payout.StatusProcessing {
		return payout.ErrNotProcessing
	}
	fn(p)
	return nil
}

// TxRunner serializes work per user with one mutex each.
type TxRunner struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewTxRunner returns a TxRunner.
func NewTxRunner() *TxRunner {
	return &TxRunner{locks: make(map[string]*sync.Mutex)}
}

// WithinUserLock implements payout.TxRunner.
func (t *TxRunner) WithinUserLock(ctx context.Context, userID string, fn func(ctx context.Context) error) error {
	t.mu.Lock()
	l, ok := t.locks[userID]
	if !ok {
		l = &sync.Mutex{}
		t.locks[userID] = l
	}
	t.mu.Unlock()

	l.Lock()
	defer l.Unlock()
	return fn(ctx)
}

// IdempotencyStore maps keys to their expiry.
type IdempotencyStore struct {
	mu   sync.Mutex
	keys map[string]time.Time
	now  func() time.Time
}

// NewIdempotencyStore returns an empty IdempotencyStore.
func NewIdempotencyStore() *IdempotencyStore {
	return &IdempotencyStore{keys: make(map[string]time.Time), now: time.Now}
}

func (s *IdempotencyStore) InsertIfAbsent(_ context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if exp, ok := s.keys[key]; ok && now.Before(exp) {
		return false, nil
	}
	s.keys[key] = now.Add(ttl)
	return true, nil
}

func (s *IdempotencyStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, key)
	return nil
}

// DeleteExpired drops expired keys and reports how many were removed.
func (s *IdempotencyStore) DeleteExpired(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var n int64
	for k, exp := range s.keys {
		if !now.Before(exp) {
			delete(s.keys, k)
			n++
		}
	}
	return n, nil
}

type window struct {
	n   int64
	end time.Time
}

// Counter is a fixed-window counter.
type Counter struct {
	mu      sync.Mutex
	windows map[string]window
	now     func() time.Time
}

// NewCounter returns an empty Counter.
func NewCounter() *Counter {
	return &Counter{windows: make(map[string]window), now: time.Now}
}

func (c *Counter) Incr(_ context.Context, key string, d time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	w := c.windows[key]
	if !now.Before(w.end) {
		w = window{end: now.Add(d)}
	}
	w.n++
	c.windows[key] = w
	return w.n, nil
}

// BlacklistStore holds entries per kind.
type BlacklistStore struct {
	mu      sync.RWMutex
	entries map[risk.EntryKind]map[string]string
}

// NewBlacklistStore returns an empty BlacklistStore.
func NewBlacklistStore() *BlacklistStore {
	return &BlacklistStore{entries: make(map[risk.EntryKind]map[string]string)}
}

func (s *BlacklistStore) Contains(_ context.Context, kind risk.EntryKind, value string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.entries[kind][value]
	return ok, nil
}

func (s *BlacklistStore) Add(_ context.Context, entries ...risk.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		m, ok := s.entries[e.Kind]
		if !ok {
			m = make(map[string]string)
			s.entries[e.Kind] = m
		}
		m[e.Value] = e.Reason
	}
	return nil
}

func (s *BlacklistStore) Scan(_ context.Context, fn func(risk.Entry) error) error {
	s.mu.RLock()
	var all []risk.Entry
	for kind, m := range s.entries {
		for v, reason := range m {
			all = append(all, risk.Entry{Kind: kind, Value: v, Reason: reason})
		}
	}
	s.mu.RUnlock()

	for _, e := range all {
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}
