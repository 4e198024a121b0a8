// Package effects executes the side effects released by order transitions.
//
// Markers on the order guarantee an effect is handed over at most once; the
// dispatcher retries each handler with backoff and flags the order for
// manual review when a handler gives up. Handlers implementing Abandoner
// record their own final state first.
package effects

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/payledger/internal/domain/order"
)

// Handler executes one kind of effect. Returning an error wrapped with
// backoff.Permanent stops retries.
type Handler interface {
	Handle(ctx context.Context, o *order.Order) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, o *order.Order) error

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, o *order.Order) error { return f(ctx, o) }

// Abandoner is implemented by handlers that record a final outcome on the
// order once the dispatcher stops retrying them.
type Abandoner interface {
	Abandon(ctx context.Context, o *order.Order, cause error) error
}

// Reviewer flags an order for manual review.
type Reviewer interface {
	FlagForReview(ctx context.Context, orderID, code, detail string) error
}

// Config controls retries of a single effect.
type Config struct {
	MaxRetries uint64
	// Timeout bounds all attempts of one dispatch.
	Timeout time.Duration
	// NewBackOff overrides the delay policy; nil means exponential.
	NewBackOff func() backoff.BackOff
}

// DefaultConfig retries five times within a minute.
func DefaultConfig() Config {
	return Config{MaxRetries: 5, Timeout: time.Minute}
}

// Dispatcher runs effect handlers in the background.
type Dispatcher struct {
	handlers map[order.EffectKind]Handler
	reviewer Reviewer
	cfg      Config
	wg       sync.WaitGroup
}

// NewDispatcher creates a Dispatcher. Effects without a handler are logged
// and dropped.
func NewDispatcher(handlers map[order.EffectKind]Handler, reviewer Reviewer, cfg Config) *Dispatcher {
	if cfg.NewBackOff == nil {
		cfg.NewBackOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxInterval = 10 * time.Second
			return b
		}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	return &Dispatcher{handlers: handlers, reviewer: reviewer, cfg: cfg}
}

// Dispatch runs effects asynchronously. The request context is used only for
// its values: cancellation of the request does not abort the effects.
func (d *Dispatcher) Dispatch(ctx context.Context, o *order.Order, effects []order.EffectKind) {
	if len(effects) == 0 {
		return
	}
	ctx = context.WithoutCancel(ctx)
	snapshot := o.Clone()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.Execute(ctx, snapshot, effects)
	}()
}

// Execute runs effects concurrently and waits for them. Each effect is
// retried independently; exhausted effects flag the order for review.
func (d *Dispatcher) Execute(ctx context.Context, o *order.Order, effects []order.EffectKind) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	var g errgroup.Group
	for _, kind := range effects {
		g.Go(func() error {
			d.run(ctx, o, kind)
			return nil
		})
	}
	_ = g.Wait()
}

func (d *Dispatcher) run(ctx context.Context, o *order.Order, kind order.EffectKind) {
	lg := zctx.From(ctx).With(zap.String("order_id", o.ID), zap.String("effect", string(kind)))

	h, ok := d.handlers[kind]
	if !ok {
		lg.Warn("no handler for effect")
		return
	}

	b := backoff.WithContext(backoff.WithMaxRetries(d.cfg.NewBackOff(), d.cfg.MaxRetries), ctx)
	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		return h.Handle(ctx, o)
	}, b, func(err error, next time.Duration) {
		lg.Warn("effect failed, retrying", zap.Error(err), zap.Duration("next", next))
	})
	if err == nil {
		lg.Debug("effect done", zap.Int("attempts", attempt))
		return
	}

	lg.Error("effect abandoned", zap.Int("attempts", attempt), zap.Error(err))
	// The request deadline may be spent; cleanup gets a fresh budget.
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if a, ok := h.(Abandoner); ok {
		if aerr := a.Abandon(cleanupCtx, o, err); aerr != nil {
			lg.Error("record abandoned effect", zap.Error(aerr))
		}
	}
	if d.reviewer == nil {
		return
	}
	detail := fmt.Sprintf("%s: %v", kind, err)
	if ferr := d.reviewer.FlagForReview(cleanupCtx, o.ID, order.AnnotationEffectFailed, detail); ferr != nil {
		lg.Error("flag order after effect failure", zap.Error(ferr))
	}
}

// Wait blocks until every dispatched effect finished or ctx is done.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
