// Package handler exposes the webhook receivers and the customer and seller
// API over HTTP.
package handler

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/payledger/internal/domain/order"
	"github.com/xenking/payledger/internal/domain/payout"
	"github.com/xenking/payledger/internal/reconcile"
	"github.com/xenking/payledger/internal/webhook"
	"github.com/xenking/payledger/pkg/httpmiddleware"
)

// maxBodyBytes bounds webhook and API request bodies.
const maxBodyBytes = 1 << 20

// OrderService is the checkout side of the order domain.
type OrderService interface {
	Checkout(ctx context.Context, req order.CheckoutRequest) (*order.CheckoutResult, error)
	Delete(ctx context.Context, id, customerID string) error
}

// Reconciler applies provider notifications and polls provider status.
type Reconciler interface {
	HandleWebhook(ctx context.Context, provider order.Provider, req webhook.Request) (reconcile.Result, error)
	Poll(ctx context.Context, orderID string) (*order.Order, error)
}

// OrderReader loads an order without contacting the provider.
type OrderReader interface {
	Get(ctx context.Context, id string) (*order.Order, error)
}

// Ledger handles seller balances and payouts.
type Ledger interface {
	AvailableBalance(ctx context.Context, userID string) (payout.Balance, error)
	CreatePayout(ctx context.Context, req payout.Request) (*payout.Payout, error)
}

// Config holds non-dependency handler settings.
type Config struct {
	// WebhookDeadline bounds processing of one notification.
	WebhookDeadline time.Duration
	// WebhookLimit and APILimit throttle their route groups. Nil disables.
	WebhookLimit httpmiddleware.Middleware
	APILimit     httpmiddleware.Middleware
}

// Handler serves the HTTP API.
type Handler struct {
	cfg        Config
	orders     OrderService
	reader     OrderReader
	reconciler Reconciler
	ledger     Ledger
	auth       *Authenticator
}

// New constructs a Handler with the required domain dependencies.
func New(
	cfg Config,
	orders OrderService,
	reader OrderReader,
	reconciler Reconciler,
	ledger Ledger,
	auth *Authenticator,
) *Handler {
	return &Handler{
		cfg:        cfg,
		orders:     orders,
		reader:     reader,
		reconciler: reconciler,
		ledger:     ledger,
		auth:       auth,
	}
}

// Mount registers every route on r.
func (h *Handler) Mount(r chi.Router) {
	r.Route("/webhooks", func(r chi.Router) {
		if h.cfg.WebhookLimit != nil {
			r.Use(h.cfg.WebhookLimit)
		}
		r.Use(httpmiddleware.Deadline(h.cfg.WebhookDeadline))
		r.Post("/{provider}", h.Webhook)
	})

	r.Route("/api", func(r chi.Router) {
		if h.cfg.APILimit != nil {
			r.Use(h.cfg.APILimit)
		}
		r.Get("/orders/{id}/status", h.OrderStatus)

		r.Group(func(r chi.Router) {
			r.Use(h.auth.Middleware)
			r.Post("/orders", h.Checkout)
			r.Delete("/orders/{id}", h.DeleteOrder)
			r.Post("/payouts", h.CreatePayout)
			r.Get("/payouts/balance", h.Balance)
		})
	})
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return nil, errors.Wrap(err, "read body")
	}
	return body, nil
}

func writeJSON(w http.ResponseWriter, code int, fn func(e *jx.Encoder)) {
	var e jx.Encoder
	e.Obj(fn)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(e.Bytes())
}

// writeError writes {"code","message"}. msg must never carry internal error
// text or provider payloads.
func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, func(e *jx.Encoder) {
		e.Field("code", func(e *jx.Encoder) { e.Int(code) })
		e.Field("message", func(e *jx.Encoder) { e.Str(msg) })
	})
}

// internalError logs err and answers 500 without detail.
func internalError(w http.ResponseWriter, r *http.Request, err error) {
	zctx.From(r.Context()).Error("Request failed", zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal error")
}
