// Package reconcile turns provider notifications and status polls into
// order transitions.
//
// Every notification goes through the same steps: signature verification,
// payload decoding, optional enrichment from the provider status API,
// canonicalization into an order.PaymentEvent, deduplication through the
// idempotency guard and finally order.Processor.Apply. Side effects released
// by a transition are handed to an EffectDispatcher.
package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/xenking/payledger/internal/domain/idempotency"
	"github.com/xenking/payledger/internal/domain/order"
	"github.com/xenking/payledger/internal/webhook"
)

// ErrUnknownProvider is returned for notifications addressed to a provider
// that is not configured.
var ErrUnknownProvider = errors.New("unknown provider")

// Outcome classifies how a notification was handled.
type Outcome string

const (
	OutcomeProcessed    Outcome = "processed"
	OutcomeDuplicate    Outcome = "duplicate"
	OutcomeManualReview Outcome = "manual_review"
	OutcomeUnknownOrder Outcome = "unknown_order"
	OutcomeNoop         Outcome = "noop"
	// OutcomeIgnored is reported for notifications about resources other
	// than payments.
	OutcomeIgnored Outcome = "ignored"
)

// Result describes a handled notification.
type Result struct {
	Outcome Outcome
	OrderID string
	Status  order.Status
}

// EffectDispatcher executes side effects released by a transition. Dispatch
// must not block on the effects themselves.
type EffectDispatcher interface {
	Dispatch(ctx context.Context, o *order.Order, effects []order.EffectKind)
}

// Params holds the Service dependencies.
type Params struct {
	Verifiers  webhook.Verifiers
	Guard      *idempotency.Guard
	Processor  *order.Processor
	Orders     order.Repository
	Clients    map[order.Provider]StatusClient
	Dispatcher EffectDispatcher

	MeterProvider  metric.MeterProvider
	TracerProvider trace.TracerProvider
	// Now is the time source; nil means time.Now.
	Now func() time.Time
}

// Service reconciles provider notifications against orders.
type Service struct {
	verifiers  map[order.Provider]webhook.Verifier
	guard      *idempotency.Guard
	processor  *order.Processor
	orders     order.Repository
	clients    map[order.Provider]StatusClient
	dispatcher EffectDispatcher
	now        func() time.Time

	tracer trace.Tracer
	events metric.Int64Counter
	polls  metric.Int64Counter
}

// NewService creates a Service.
func NewService(p Params) (*Service, error) {
	if p.MeterProvider == nil {
		p.MeterProvider = noop.NewMeterProvider()
	}
	if p.TracerProvider == nil {
		p.TracerProvider = nooptrace.NewTracerProvider()
	}
	if p.Now == nil {
		p.Now = time.Now
	}

	meter := p.MeterProvider.Meter("github.com/xenking/payledger/internal/reconcile")
	events, err := meter.Int64Counter("payledger.webhook.events",
		metric.WithDescription("Provider notifications by outcome"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "events counter")
	}
	polls, err := meter.Int64Counter("payledger.reconcile.polls",
		metric.WithDescription("Provider status polls by result"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "polls counter")
	}

	return &Service{
		verifiers: map[order.Provider]webhook.Verifier{
			order.ProviderCard: p.Verifiers.Card,
			order.ProviderPixA: p.Verifiers.PixA,
			order.ProviderPixB: p.Verifiers.PixB,
		},
		guard:      p.Guard,
		processor:  p.Processor,
		orders:     p.Orders,
		clients:    p.Clients,
		dispatcher: p.Dispatcher,
		now:        p.Now,
		tracer:     p.TracerProvider.Tracer("github.com/xenking/payledger/internal/reconcile"),
		events:     events,
		polls:      polls,
	}, nil
}

// HandleWebhook verifies, deduplicates and applies one notification.
//
// Errors wrapping *webhook.SignatureError or ErrMalformedPayload are the
// caller's fault; any other error is transient and the notification must be
// redelivered.
func (s *Service) HandleWebhook(ctx context.Context, provider order.Provider, req webhook.Request) (Result, error) {
	ctx, span := s.tracer.Start(ctx, "reconcile.HandleWebhook",
		trace.WithAttributes(attribute.String("provider", string(provider))),
	)
	defer span.End()

	res, err := s.handle(ctx, provider, req)

	outcome := string(res.Outcome)
	if err != nil {
		outcome = errorOutcome(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
	}
	span.SetAttributes(attribute.String("outcome", outcome), attribute.String("order_id", res.OrderID))
	s.events.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", string(provider)),
		attribute.String("outcome", outcome),
	))
	return res, err
}

func errorOutcome(err error) string {
	var sigErr *webhook.SignatureError
	switch {
	case errors.As(err, &sigErr):
		return "rejected"
	case errors.Is(err, ErrMalformedPayload):
		return "malformed"
	default:
		return "error"
	}
}

func (s *Service) handle(ctx context.Context, provider order.Provider, req webhook.Request) (Result, error) {
	verifier := s.verifiers[provider]
	if verifier == nil {
		return Result{}, errors.Wrapf(ErrUnknownProvider, "%q", provider)
	}
	if err := verifier.Verify(req); err != nil {
		return Result{}, err
	}

	payload, err := Decode(provider, req.Body)
	if err != nil {
		return Result{}, err
	}
	if pa, ok := payload.(PixAPayload); ok {
		if pa.Type != "" && pa.Type != "payment" {
			return Result{Outcome: OutcomeIgnored}, nil
		}
		// The signature covers the query id when present.
		if id := req.Query.Get("data.id"); id != "" {
			pa.DataID = id
		}
		if payload, err = s.enrich(ctx, pa); err != nil {
			return Result{}, err
		}
	}

	ev, err := Canonicalize(payload, s.now().UTC())
	if err != nil {
		return Result{}, err
	}

	lg := zctx.From(ctx).With(
		zap.String("provider", string(provider)),
		zap.String("event_id", ev.ExternalEventID),
		zap.String("order_id", ev.OrderID),
		zap.String("provider_ref", ev.ProviderRef),
		zap.String("external_status", ev.ExternalStatus),
	)
	res := Result{OrderID: ev.OrderID}

	ref := ev.OrderID
	if ref == "" {
		ref = ev.ProviderRef
	}
	key := idempotency.Key(string(provider), ev.ExternalEventID, ref, ev.ExternalStatus)
	already, err := s.guard.CheckAndMark(ctx, key)
	if err != nil {
		return res, err
	}
	if already {
		lg.Debug("duplicate notification")
		res.Outcome = OutcomeDuplicate
		return res, nil
	}

	out, err := s.processor.Apply(ctx, ev)
	switch {
	case err == nil:
	case errors.Is(err, order.ErrNotFound):
		// Acknowledged so the provider stops redelivering; the mark stays.
		lg.Warn("notification for unknown order")
		res.Outcome = OutcomeUnknownOrder
		return res, nil
	case errors.Is(err, order.ErrTransientConflict):
		if ferr := s.flagConflict(ctx, ev); ferr != nil {
			lg.Error("flag conflicting order", zap.Error(ferr))
			return res, s.release(ctx, key, err)
		}
		lg.Warn("order flagged after update conflicts", zap.Error(err))
		res.Outcome = OutcomeManualReview
		return res, nil
	default:
		return res, s.release(ctx, key, err)
	}

	res.OrderID = out.Order.ID
	res.Status = out.Order.Status
	res.Outcome = outcomeOf(out.Result)
	if out.Changed {
		lg.Info("order reconciled",
			zap.String("order_id", out.Order.ID),
			zap.String("from", string(out.From)),
			zap.String("to", string(out.Order.Status)),
			zap.String("result", string(out.Result)),
		)
	}
	s.dispatch(ctx, out)
	return res, nil
}

// enrich fills a PIX gateway A notification from the status API. Only the
// payment id is signed, so the status, order reference and amount always
// come from the gateway.
func (s *Service) enrich(ctx context.Context, pa PixAPayload) (Payload, error) {
	if pa.DataID == "" {
		return nil, errors.Wrap(ErrMalformedPayload, "pix_a: missing data.id")
	}
	client := s.clients[order.ProviderPixA]
	if client == nil {
		return nil, errors.Wrap(ErrMalformedPayload, "pix_a: no status client configured")
	}

	rs, err := client.FetchStatus(ctx, pa.DataID)
	if errors.Is(err, ErrRemoteNotFound) {
		return nil, errors.Wrapf(ErrMalformedPayload, "pix_a: payment %s not found", pa.DataID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "enrich notification")
	}
	pa.Status = rs.Status
	pa.ExternalReference = rs.OrderID
	pa.AmountMinor = rs.AmountMinor
	return pa, nil
}

func (s *Service) flagConflict(ctx context.Context, ev order.PaymentEvent) error {
	id := ev.OrderID
	if id == "" {
		o, err := s.orders.FindByProviderRef(ctx, ev.Provider, ev.ProviderRef)
		if err != nil {
			return err
		}
		id = o.ID
	}
	detail := fmt.Sprintf("%s event %s status %s not applied", ev.Provider, ev.ExternalEventID, ev.ExternalStatus)
	return s.processor.FlagForReview(ctx, id, order.AnnotationReconcile, detail)
}

// release drops the idempotency mark so the notification is processed on
// redelivery, and returns cause.
func (s *Service) release(ctx context.Context, key string, cause error) error {
	if err := s.guard.Release(ctx, key); err != nil {
		zctx.From(ctx).Error("release idempotency mark", zap.String("key", key), zap.Error(err))
	}
	return errors.Wrap(cause, "apply event")
}

func (s *Service) dispatch(ctx context.Context, out order.Outcome) {
	if !out.Changed || len(out.Effects) == 0 || s.dispatcher == nil {
		return
	}
	s.dispatcher.Dispatch(ctx, out.Order, out.Effects)
}

func outcomeOf(r order.Result) Outcome {
	switch r {
	case order.ResultApplied, order.ResultAmountMismatch:
		return OutcomeProcessed
	case order.ResultUnknownStatus, order.ResultProviderMismatch:
		return OutcomeManualReview
	default:
		return OutcomeNoop
	}
}

// Poll asks the provider linked to the order for its current status and
// applies it. Provider failures are logged and the stored order returned.
func (s *Service) Poll(ctx context.Context, orderID string) (*order.Order, error) {
	ctx, span := s.tracer.Start(ctx, "reconcile.Poll", trace.WithAttributes(attribute.String("order_id", orderID)))
	defer span.End()

	o, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	provider, ok := o.LinkedProvider()
	if !ok || o.Status.IsTerminal() {
		return o, nil
	}
	client := s.clients[provider]
	if client == nil {
		return o, nil
	}

	lg := zctx.From(ctx).With(zap.String("order_id", o.ID), zap.String("provider", string(provider)))
	record := func(result string) {
		s.polls.Add(ctx, 1, metric.WithAttributes(
			attribute.String("provider", string(provider)),
			attribute.String("result", result),
		))
	}

	ref := o.ProviderRef(provider)
	rs, err := client.FetchStatus(ctx, ref)
	if err != nil {
		lg.Warn("status poll failed", zap.Error(err))
		span.RecordError(err)
		record("error")
		return o, nil
	}
	if rs.Status == "" {
		record("empty")
		return o, nil
	}

	out, err := s.processor.Apply(ctx, order.PaymentEvent{
		Provider:       provider,
		OrderID:        o.ID,
		ProviderRef:    ref,
		ExternalStatus: rs.Status,
		AmountMinor:    rs.AmountMinor,
		OccurredAt:     s.now().UTC(),
	})
	if errors.Is(err, order.ErrTransientConflict) {
		// Another writer is updating the order; report its latest state.
		lg.Warn("status poll lost update race", zap.Error(err))
		record("conflict")
		return s.orders.Get(ctx, orderID)
	}
	if err != nil {
		record("error")
		return nil, errors.Wrap(err, "apply polled status")
	}

	record(string(out.Result))
	s.dispatch(ctx, out)
	return out.Order, nil
}
