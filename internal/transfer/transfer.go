// Package transfer is the client of the money transfer API used for seller
// payouts and for direct transfers to connected accounts.
package transfer

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xenking/payledger/internal/domain/payout"
)

// ErrDeclined is returned when the API refused the transfer.
var ErrDeclined = errors.New("transfer declined")

// AccountTransfer moves an order's seller share to a connected account.
type AccountTransfer struct {
	OrderID    string
	AccountRef string
	Amount     int64
}

// AccountTransferer pays connected accounts.
type AccountTransferer interface {
	TransferToAccount(ctx context.Context, t AccountTransfer) (payout.TransferResult, error)
}

// Config configures Client.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	// RatePerSecond and Burst throttle outgoing calls.
	RatePerSecond float64
	Burst         int
}

// Client calls the transfer API.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
}

var (
	_ payout.Transferer = (*Client)(nil)
	_ AccountTransferer = (*Client)(nil)
)

// NewClient creates a Client.
func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	return &Client{
		cfg: cfg,
		http: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		limiter: rate.NewLimiter(limit, cfg.Burst),
	}
}

// Transfer implements payout.Transferer. The payout id is the idempotency
// key, so a retried request never moves money twice.
func (c *Client) Transfer(ctx context.Context, req payout.TransferRequest) (payout.TransferResult, error) {
	var e jx.Encoder
	e.Obj(func(e *jx.Encoder) {
		e.Field("reference", func(e *jx.Encoder) { e.Str(req.PayoutID) })
		e.Field("beneficiary", func(e *jx.Encoder) { e.Str(req.UserID) })
		e.Field("amount", func(e *jx.Encoder) { e.Int64(req.Amount) })
		e.Field("method", func(e *jx.Encoder) { e.Str(string(req.Method)) })
	})
	return c.post(ctx, "/v1/payouts", "payout:"+req.PayoutID, e.Bytes())
}

// TransferToAccount implements AccountTransferer.
func (c *Client) TransferToAccount(ctx context.Context, t AccountTransfer) (payout.TransferResult, error) {
	var e jx.Encoder
	e.Obj(func(e *jx.Encoder) {
		e.Field("reference", func(e *jx.Encoder) { e.Str(t.OrderID) })
		e.Field("destination", func(e *jx.Encoder) { e.Str(t.AccountRef) })
		e.Field("amount", func(e *jx.Encoder) { e.Int64(t.Amount) })
	})
	return c.post(ctx, "/v1/transfers", "order:"+t.OrderID, e.Bytes())
}

func (c *Client) post(ctx context.Context, path, idempotencyKey string, body []byte) (payout.TransferResult, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return payout.TransferResult{}, errors.Wrap(err, "rate limit")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(c.cfg.BaseURL, "/")+path, bytes.NewReader(body))
	if err != nil {
		return payout.TransferResult{}, errors.Wrap(err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Idempotency-Key", idempotencyKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return payout.TransferResult{}, errors.Wrap(err, "do request")
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return payout.TransferResult{}, errors.Wrap(err, "read body")
	}

	id, status, message := decodeResult(raw)
	switch {
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		return payout.TransferResult{}, errors.Wrapf(ErrDeclined, "status %d: %s", resp.StatusCode, message)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return payout.TransferResult{}, errors.Errorf("transfer API status %d", resp.StatusCode)
	case status == "failed" || status == "rejected":
		return payout.TransferResult{}, errors.Wrapf(ErrDeclined, "%s: %s", status, message)
	case id == "":
		return payout.TransferResult{}, errors.New("transfer API returned no id")
	}
	return payout.TransferResult{TransferID: id}, nil
}

// decodeResult extracts id, status and error message. Unknown or invalid
// content yields empty strings.
func decodeResult(raw []byte) (id, status, message string) {
	_ = jx.DecodeBytes(raw).ObjBytes(func(d *jx.Decoder, key []byte) error {
		if d.Next() != jx.String {
			return d.Skip()
		}
		v, err := d.Str()
		switch string(key) {
		case "id":
			id = v
		case "status":
			status = strings.ToLower(v)
		case "message", "error":
			message = v
		}
		return err
	})
	return id, status, message
}

// Sandbox completes every transfer without moving money. It backs local
// deployments without transfer API credentials.
type Sandbox struct{}

var (
	_ payout.Transferer = Sandbox{}
	_ AccountTransferer = Sandbox{}
)

// Transfer implements payout.Transferer.
func (Sandbox) Transfer(ctx context.Context, req payout.TransferRequest) (payout.TransferResult, error) {
	id := "sandbox-" + uuid.NewString()
	zctx.From(ctx).Info("sandbox payout", zap.String("payout_id", req.PayoutID), zap.String("transfer_id", id))
	return payout.TransferResult{TransferID: id}, nil
}

// TransferToAccount implements AccountTransferer.
func (Sandbox) TransferToAccount(ctx context.Context, t AccountTransfer) (payout.TransferResult, error) {
	id := "sandbox-" + uuid.NewString()
	zctx.From(ctx).Info("sandbox account transfer", zap.String("order_id", t.OrderID), zap.String("transfer_id", id))
	return payout.TransferResult{TransferID: id}, nil
}
