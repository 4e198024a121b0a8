package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/payledger/internal/domain/order"
	"github.com/xenking/payledger/internal/reconcile"
	"github.com/xenking/payledger/internal/webhook"
)

var providerPaths = map[string]order.Provider{
	"card":  order.ProviderCard,
	"pix-a": order.ProviderPixA,
	"pix-b": order.ProviderPixB,
}

// Webhook receives a provider notification. Providers retry on any non-2xx
// answer, so only failures a retry can fix get a 5xx.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	provider, ok := providerPaths[chi.URLParam(r, "provider")]
	if !ok {
		writeError(w, http.StatusNotFound, "unknown provider")
		return
	}
	lg := zctx.From(r.Context()).With(zap.String("provider", string(provider)))

	body, err := readBody(w, r)
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}

	res, err := h.reconciler.HandleWebhook(r.Context(), provider, webhook.Request{
		Header: r.Header,
		Query:  r.URL.Query(),
		Body:   body,
	})
	if err != nil {
		var sigErr *webhook.SignatureError
		switch {
		case errors.As(err, &sigErr):
			lg.Warn("Webhook rejected", zap.String("reason", sigErr.Reason))
			writeError(w, http.StatusUnauthorized, "invalid signature")
		case errors.Is(err, reconcile.ErrMalformedPayload):
			lg.Warn("Webhook malformed", zap.Error(err))
			writeError(w, http.StatusBadRequest, "malformed payload")
		case errors.Is(err, reconcile.ErrUnknownProvider):
			writeError(w, http.StatusNotFound, "unknown provider")
		default:
			lg.Error("Webhook processing failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "temporarily unavailable")
		}
		return
	}

	lg.Info("Webhook handled",
		zap.String("outcome", string(res.Outcome)),
		zap.String("order_id", res.OrderID),
		zap.String("status", string(res.Status)),
	)
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.Field("received", func(e *jx.Encoder) { e.Bool(true) })
		e.Field("outcome", func(e *jx.Encoder) { e.Str(string(res.Outcome)) })
	})
}
