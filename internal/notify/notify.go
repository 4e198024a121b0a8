// Package notify delivers customer notifications.
package notify

import (
	"bytes"
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

// ErrRejected is returned when the email API refused a message. Retrying
// the same message will not help.
var ErrRejected = errors.New("email rejected")

// AccessEmail grants a customer access to what they bought. ResetToken lets
// the customer set a password on first login.
type AccessEmail struct {
	CustomerEmail string
	OrderID       string
	ResetToken    string
	PlanID        string
	Template      string
}

// NewResetToken returns a fresh single-use token.
func NewResetToken() string {
	return uuid.NewString()
}

// Sender sends access emails.
type Sender interface {
	SendAccessEmail(ctx context.Context, m AccessEmail) error
}

// HTTPConfig configures HTTPSender.
type HTTPConfig struct {
	BaseURL string
	APIKey  string
	From    string
	Timeout time.Duration
}

// HTTPSender posts messages to a transactional email API.
type HTTPSender struct {
	cfg    HTTPConfig
	client *http.Client
}

var _ Sender = (*HTTPSender)(nil)

// NewHTTPSender creates an HTTPSender.
func NewHTTPSender(cfg HTTPConfig) *HTTPSender {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &HTTPSender{
		cfg: cfg,
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// SendAccessEmail implements Sender. The order id is sent as idempotency
// key so the API drops repeated submissions of the same grant.
func (s *HTTPSender) SendAccessEmail(ctx context.Context, m AccessEmail) error {
	var e jx.Encoder
	e.Obj(func(e *jx.Encoder) {
		e.Field("from", func(e *jx.Encoder) { e.Str(s.cfg.From) })
		e.Field("to", func(e *jx.Encoder) { e.Str(m.CustomerEmail) })
		e.Field("template", func(e *jx.Encoder) { e.Str(m.Template) })
		e.Field("variables", func(e *jx.Encoder) {
			e.Obj(func(e *jx.Encoder) {
				e.Field("order_id", func(e *jx.Encoder) { e.Str(m.OrderID) })
				e.Field("reset_token", func(e *jx.Encoder) { e.Str(m.ResetToken) })
				if m.PlanID != "" {
					e.Field("plan_id", func(e *jx.Encoder) { e.Str(m.PlanID) })
				}
			})
		})
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(s.cfg.BaseURL, "/")+"/v1/messages", bytes.NewReader(e.Bytes()))
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.cfg.APIKey)
	req.Header.Set("Idempotency-Key", "access:"+m.OrderID)

	resp, err := s.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "send email")
	}
	_ = resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		return errors.Wrapf(ErrRejected, "status %d", resp.StatusCode)
	default:
		return errors.Errorf("email API status %d", resp.StatusCode)
	}
}

// LogSender logs instead of sending. It is used in development.
type LogSender struct{}

var _ Sender = LogSender{}

// SendAccessEmail implements Sender.
func (LogSender) SendAccessEmail(ctx context.Context, m AccessEmail) error {
	zctx.From(ctx).Info("access email",
		zap.String("order_id", m.OrderID),
		zap.String("to", m.CustomerEmail),
		zap.String("template", m.Template),
	)
	return nil
}
