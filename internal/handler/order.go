package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/go-faster/jx"

	"github.com/xenking/payledger/internal/domain/commission"
	"github.com/xenking/payledger/internal/domain/order"
	"github.com/xenking/payledger/internal/domain/risk"
	"github.com/xenking/payledger/pkg/httpmiddleware"
)

type checkoutBody struct {
	SellerID        string
	CustomerEmail   string
	Kind            string
	PlanID          string
	Amount          int64
	Method          string
	CardFingerprint string
	Country         string
	FormDurationMs  int64
}

func decodeCheckout(data []byte) (checkoutBody, error) {
	var b checkoutBody
	err := jx.DecodeBytes(data).ObjBytes(func(d *jx.Decoder, key []byte) error {
		var err error
		switch string(key) {
		case "sellerId":
			b.SellerID, err = d.Str()
		case "customerEmail":
			b.CustomerEmail, err = d.Str()
		case "kind":
			b.Kind, err = d.Str()
		case "planId":
			b.PlanID, err = d.Str()
		case "amount":
			b.Amount, err = d.Int64()
		case "method":
			b.Method, err = d.Str()
		case "cardFingerprint":
			b.CardFingerprint, err = d.Str()
		case "country":
			b.Country, err = d.Str()
		case "formDurationMs":
			b.FormDurationMs, err = d.Int64()
		default:
			err = d.Skip()
		}
		return err
	})
	if err != nil {
		return checkoutBody{}, errors.Wrap(err, "decode checkout")
	}
	return b, nil
}

var checkoutValidation = []error{
	order.ErrInvalidAmount,
	order.ErrInvalidKind,
	order.ErrPlanRequired,
	order.ErrEmailRequired,
	commission.ErrUnknownMethod,
}

func isValidationError(err error) bool {
	return validationMessage(err) != ""
}

// validationMessage returns the client-safe text of a checkout validation
// failure, or "" when err is not one.
func validationMessage(err error) string {
	for _, target := range checkoutValidation {
		if errors.Is(err, target) {
			return target.Error()
		}
	}
	return ""
}

// Checkout creates a pending order for the authenticated customer.
func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	customerID, _ := SubjectFromContext(r.Context())

	data, err := readBody(w, r)
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}
	body, err := decodeCheckout(data)
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if body.SellerID == "" {
		writeError(w, http.StatusBadRequest, "sellerId is required")
		return
	}

	res, err := h.orders.Checkout(r.Context(), order.CheckoutRequest{
		SellerID:      body.SellerID,
		CustomerID:    customerID,
		CustomerEmail: body.CustomerEmail,
		Kind:          order.Kind(body.Kind),
		PlanID:        body.PlanID,
		Amount:        body.Amount,
		Method:        commission.Method(body.Method),
		Attempt: risk.Attempt{
			IP:              httpmiddleware.ClientIP(r),
			CardFingerprint: body.CardFingerprint,
			UserAgent:       r.UserAgent(),
			Country:         body.Country,
			FormDuration:    time.Duration(body.FormDurationMs) * time.Millisecond,
			At:              time.Now(),
		},
	})
	if err != nil {
		var blocked *order.RiskBlockedError
		switch {
		case errors.As(err, &blocked):
			writeError(w, http.StatusForbidden, "payment declined")
		case isValidationError(err):
			writeError(w, http.StatusBadRequest, validationMessage(err))
		case errors.Is(err, order.ErrSellerNotFound):
			writeError(w, http.StatusUnprocessableEntity, "seller not found")
		default:
			internalError(w, r, err)
		}
		return
	}

	o := res.Order
	writeJSON(w, http.StatusCreated, func(e *jx.Encoder) {
		e.Field("orderId", func(e *jx.Encoder) { e.Str(o.ID) })
		e.Field("status", func(e *jx.Encoder) { e.Str(string(o.Status)) })
		e.Field("amount", func(e *jx.Encoder) { e.Int64(o.TotalAmount) })
		e.Field("requires3ds", func(e *jx.Encoder) { e.Bool(res.Requires3DS) })
		e.Field("riskLevel", func(e *jx.Encoder) { e.Str(string(res.Assessment.Level)) })
	})
}

// OrderStatus answers the customer status poll. With refresh=true the
// provider is queried when no notification has settled the order yet.
func (h *Handler) OrderStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var (
		o   *order.Order
		err error
	)
	if r.URL.Query().Get("refresh") == "true" {
		o, err = h.reconciler.Poll(r.Context(), id)
	} else {
		o, err = h.reader.Get(r.Context(), id)
	}
	if err != nil {
		if errors.Is(err, order.ErrNotFound) {
			writeError(w, http.StatusNotFound, "order not found")
			return
		}
		internalError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.Field("orderId", func(e *jx.Encoder) { e.Str(o.ID) })
		e.Field("status", func(e *jx.Encoder) { e.Str(string(o.Status.Public())) })
		e.Field("paymentStatus", func(e *jx.Encoder) { e.Str(string(o.Status)) })
	})
}

// DeleteOrder removes a pending order owned by the caller.
func (h *Handler) DeleteOrder(w http.ResponseWriter, r *http.Request) {
	customerID, _ := SubjectFromContext(r.Context())

	err := h.orders.Delete(r.Context(), chi.URLParam(r, "id"), customerID)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, order.ErrNotFound):
		writeError(w, http.StatusNotFound, "order not found")
	case errors.Is(err, order.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, order.ErrNotDeletable):
		writeError(w, http.StatusConflict, "only pending orders can be deleted")
	default:
		internalError(w, r, err)
	}
}
