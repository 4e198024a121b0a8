package handler

import (
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/payledger/internal/domain/payout"
)

type payoutBody struct {
	UserID string
	Amount int64
	Method string
}

func decodePayout(data []byte) (payoutBody, error) {
	var b payoutBody
	err := jx.DecodeBytes(data).ObjBytes(func(d *jx.Decoder, key []byte) error {
		var err error
		switch string(key) {
		case "userId":
			b.UserID, err = d.Str()
		case "amount":
			b.Amount, err = d.Int64()
		case "method":
			b.Method, err = d.Str()
		default:
			err = d.Skip()
		}
		return err
	})
	if err != nil {
		return payoutBody{}, errors.Wrap(err, "decode payout")
	}
	return b, nil
}

func encodePayout(e *jx.Encoder, p *payout.Payout) {
	e.Field("payoutId", func(e *jx.Encoder) { e.Str(p.ID) })
	e.Field("status", func(e *jx.Encoder) { e.Str(string(p.Status)) })
	e.Field("grossAmount", func(e *jx.Encoder) { e.Int64(p.GrossAmount) })
	e.Field("fee", func(e *jx.Encoder) { e.Int64(p.Fee) })
	e.Field("netAmount", func(e *jx.Encoder) { e.Int64(p.NetAmount) })
	if p.ExternalTransferID != "" {
		e.Field("transferId", func(e *jx.Encoder) { e.Str(p.ExternalTransferID) })
	}
}

// CreatePayout withdraws part of the caller's available balance.
func (h *Handler) CreatePayout(w http.ResponseWriter, r *http.Request) {
	userID, _ := SubjectFromContext(r.Context())

	data, err := readBody(w, r)
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}
	body, err := decodePayout(data)
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if body.UserID != "" && body.UserID != userID {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	p, err := h.ledger.CreatePayout(r.Context(), payout.Request{
		UserID: userID,
		Amount: body.Amount,
		Method: payout.Method(body.Method),
	})
	if err != nil {
		var limitErr *payout.LimitError
		switch {
		case errors.Is(err, payout.ErrInvalidMethod):
			writeError(w, http.StatusBadRequest, "unsupported payout method")
		case errors.As(err, &limitErr):
			writeError(w, http.StatusUnprocessableEntity, limitErr.Error())
		case errors.Is(err, payout.ErrInsufficientBalance):
			writeError(w, http.StatusUnprocessableEntity, "insufficient balance")
		case errors.Is(err, payout.ErrTransferFailed) && p != nil:
			zctx.From(r.Context()).Warn("Payout transfer failed",
				zap.String("payout_id", p.ID),
				zap.Error(err),
			)
			writeJSON(w, http.StatusBadGateway, func(e *jx.Encoder) {
				encodePayout(e, p)
				e.Field("message", func(e *jx.Encoder) { e.Str("transfer failed") })
			})
		default:
			internalError(w, r, err)
		}
		return
	}

	writeJSON(w, http.StatusCreated, func(e *jx.Encoder) {
		encodePayout(e, p)
	})
}

// Balance reports the caller's ledger position.
func (h *Handler) Balance(w http.ResponseWriter, r *http.Request) {
	userID, _ := SubjectFromContext(r.Context())

	bal, err := h.ledger.AvailableBalance(r.Context(), userID)
	if err != nil {
		internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.Field("userId", func(e *jx.Encoder) { e.Str(userID) })
		e.Field("earned", func(e *jx.Encoder) { e.Int64(bal.Earned) })
		e.Field("committed", func(e *jx.Encoder) { e.Int64(bal.Committed) })
		e.Field("available", func(e *jx.Encoder) { e.Int64(bal.Available) })
	})
}
