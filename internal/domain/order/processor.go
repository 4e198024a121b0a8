package order

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-faster/errors"
)

// DefaultMaxAttempts bounds optimistic retries of one event application.
const DefaultMaxAttempts = 3

// Processor loads an order, applies an event through Apply and persists the
// result with compare-and-swap on Order.Version.
type Processor struct {
	orders      Repository
	now         func() time.Time
	maxAttempts int
	newBackOff  func() backoff.BackOff
}

// ProcessorOption configures a Processor.
type ProcessorOption func(*Processor)

// WithClock overrides the time source.
func WithClock(now func() time.Time) ProcessorOption {
	return func(p *Processor) { p.now = now }
}

// WithMaxAttempts overrides DefaultMaxAttempts.
func WithMaxAttempts(n int) ProcessorOption {
	return func(p *Processor) {
		if n > 0 {
			p.maxAttempts = n
		}
	}
}

// WithBackOff overrides the delay policy between conflicting attempts.
func WithBackOff(f func() backoff.BackOff) ProcessorOption {
	return func(p *Processor) { p.newBackOff = f }
}

// NewProcessor creates a Processor over orders.
func NewProcessor(orders Repository, opts ...ProcessorOption) *Processor {
	p := &Processor{
		orders:      orders,
		now:         time.Now,
		maxAttempts: DefaultMaxAttempts,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 20 * time.Millisecond
			b.MaxInterval = 200 * time.Millisecond
			return b
		},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Apply applies ev to its order. Version conflicts are retried from a fresh
// read; once attempts are exhausted ErrTransientConflict is returned.
func (p *Processor) Apply(ctx context.Context, ev PaymentEvent) (Outcome, error) {
	var out Outcome
	err := p.retry(ctx, func() error {
		o, err := p.load(ctx, ev)
		if err != nil {
			return err
		}

		out = Apply(o, ev, p.now().UTC())
		if !out.Changed {
			return nil
		}
		return p.orders.Update(ctx, out.Order, o.Version)
	})
	if err != nil {
		return Outcome{}, err
	}
	return out, nil
}

// Mutate applies fn to a fresh copy of the order and persists it when fn
// reports a change. It shares the conflict policy of Apply.
func (p *Processor) Mutate(ctx context.Context, orderID string, fn func(o *Order) bool) (*Order, error) {
	var result *Order
	err := p.retry(ctx, func() error {
		o, err := p.orders.Get(ctx, orderID)
		if err != nil {
			return err
		}

		next := o.Clone()
		if !fn(next) {
			result = o
			return nil
		}
		next.UpdatedAt = p.now().UTC()
		if err := p.orders.Update(ctx, next, o.Version); err != nil {
			return err
		}
		result = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// FlagForReview sets ManualReview and records an annotation.
func (p *Processor) FlagForReview(ctx context.Context, orderID, code, detail string) error {
	_, err := p.Mutate(ctx, orderID, func(o *Order) bool {
		annotated := o.Annotate(code, detail, p.now().UTC())
		changed := annotated || !o.ManualReview
		o.ManualReview = true
		return changed
	})
	return err
}

func (p *Processor) load(ctx context.Context, ev PaymentEvent) (*Order, error) {
	if ev.OrderID != "" {
		return p.orders.Get(ctx, ev.OrderID)
	}
	if ev.ProviderRef != "" {
		return p.orders.FindByProviderRef(ctx, ev.Provider, ev.ProviderRef)
	}
	return nil, ErrNotFound
}

func (p *Processor) retry(ctx context.Context, op func() error) error {
	b := backoff.WithContext(
		backoff.WithMaxRetries(p.newBackOff(), uint64(p.maxAttempts-1)),
		ctx,
	)

	err := backoff.Retry(func() error {
		err := op()
		if err == nil || errors.Is(err, ErrVersionConflict) {
			return err
		}
		return backoff.Permanent(err)
	}, b)

	if errors.Is(err, ErrVersionConflict) {
		return errors.Wrapf(ErrTransientConflict, "after %d attempts", p.maxAttempts)
	}
	return err
}
