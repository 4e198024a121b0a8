package reconcile

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/mercadopago/sdk-go/pkg/config"
	"github.com/mercadopago/sdk-go/pkg/mperror"
	"github.com/mercadopago/sdk-go/pkg/payment"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// ErrRemoteNotFound is returned by a StatusClient when the provider does not
// know the reference.
var ErrRemoteNotFound = errors.New("provider reference not found")

// RemoteStatus is a provider's current view of a charge.
type RemoteStatus struct {
	Status string
	// OrderID is the order reference echoed by the provider, if any.
	OrderID     string
	AmountMinor *int64
}

// StatusClient queries a provider's status API by provider reference.
type StatusClient interface {
	FetchStatus(ctx context.Context, ref string) (RemoteStatus, error)
}

// HTTPClientConfig configures a REST status client.
type HTTPClientConfig struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

func newHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}

// getJSON issues an authenticated GET and hands the body to decode.
func getJSON(ctx context.Context, c *http.Client, rawURL, token string, decode func(d *jx.Decoder) error) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, http.NoBody)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.Do(req)
	if err != nil {
		return errors.Wrap(err, "do request")
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrRemoteNotFound
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return errors.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return errors.Wrap(err, "read body")
	}
	return decode(jx.DecodeBytes(body))
}

// CardStatusClient reads payment intents from the card gateway API.
type CardStatusClient struct {
	cfg  HTTPClientConfig
	http *http.Client
}

var _ StatusClient = (*CardStatusClient)(nil)

// NewCardStatusClient creates a CardStatusClient.
func NewCardStatusClient(cfg HTTPClientConfig) *CardStatusClient {
	return &CardStatusClient{cfg: cfg, http: newHTTPClient(cfg.Timeout)}
}

// FetchStatus implements StatusClient. ref must be a payment intent id.
func (c *CardStatusClient) FetchStatus(ctx context.Context, ref string) (RemoteStatus, error) {
	var (
		p         CardPayload
		clientRef string
		amounts   = map[string]int64{}
	)
	u := strings.TrimRight(c.cfg.BaseURL, "/") + "/v1/payment_intents/" + url.PathEscape(ref)
	if err := getJSON(ctx, c.http, u, c.cfg.Token, func(d *jx.Decoder) error {
		return decodeCardObject(d, &p, &clientRef, amounts)
	}); err != nil {
		return RemoteStatus{}, errors.Wrapf(err, "card status %s", ref)
	}

	rs := RemoteStatus{Status: p.ObjectStatus, OrderID: p.OrderID}
	for _, k := range []string{"amount_received", "amount"} {
		if v, ok := amounts[k]; ok && (v > 0 || k == "amount") {
			rs.AmountMinor = &v
			break
		}
	}
	return rs, nil
}

// PixBStatusClient reads charges from the PIX gateway B API.
type PixBStatusClient struct {
	cfg  HTTPClientConfig
	http *http.Client
}

var _ StatusClient = (*PixBStatusClient)(nil)

// NewPixBStatusClient creates a PixBStatusClient.
func NewPixBStatusClient(cfg HTTPClientConfig) *PixBStatusClient {
	return &PixBStatusClient{cfg: cfg, http: newHTTPClient(cfg.Timeout)}
}

// FetchStatus implements StatusClient. The charge may be returned bare or
// wrapped in a "data" envelope.
func (c *PixBStatusClient) FetchStatus(ctx context.Context, ref string) (RemoteStatus, error) {
	var rs RemoteStatus
	var charge func(d *jx.Decoder) error
	charge = func(d *jx.Decoder) error {
		return d.ObjBytes(func(d *jx.Decoder, key []byte) error {
			var err error
			switch string(key) {
			case "data":
				if d.Next() != jx.Object {
					return d.Skip()
				}
				return charge(d)
			case "status":
				rs.Status, err = optStr(d)
			case "external_id":
				rs.OrderID, err = optStr(d)
			case "amount":
				if d.Next() != jx.Number {
					return d.Skip()
				}
				v, err := d.Int64()
				if err != nil {
					return err
				}
				rs.AmountMinor = &v
			default:
				return d.Skip()
			}
			return err
		})
	}

	u := strings.TrimRight(c.cfg.BaseURL, "/") + "/charges/" + url.PathEscape(ref)
	if err := getJSON(ctx, c.http, u, c.cfg.Token, charge); err != nil {
		return RemoteStatus{}, errors.Wrapf(err, "pix_b status %s", ref)
	}
	return rs, nil
}

// paymentGetter is the part of the PIX gateway A SDK client in use.
type paymentGetter interface {
	Get(ctx context.Context, id int) (*payment.Response, error)
}

// PixAStatusClient reads payments through the PIX gateway A SDK.
type PixAStatusClient struct {
	payments paymentGetter
}

var _ StatusClient = (*PixAStatusClient)(nil)

// NewPixAStatusClient creates a PixAStatusClient authenticated with
// accessToken.
func NewPixAStatusClient(accessToken string) (*PixAStatusClient, error) {
	cfg, err := config.New(accessToken)
	if err != nil {
		return nil, errors.Wrap(err, "pix_a sdk config")
	}
	return &PixAStatusClient{payments: payment.NewClient(cfg)}, nil
}

// FetchStatus implements StatusClient. ref is the numeric payment id.
func (c *PixAStatusClient) FetchStatus(ctx context.Context, ref string) (RemoteStatus, error) {
	id, err := strconv.Atoi(ref)
	if err != nil {
		return RemoteStatus{}, errors.Wrapf(ErrRemoteNotFound, "pix_a payment id %q", ref)
	}
	res, err := c.payments.Get(ctx, id)
	var respErr *mperror.ResponseError
	if errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound {
		return RemoteStatus{}, errors.Wrapf(ErrRemoteNotFound, "pix_a payment %s", ref)
	}
	if err != nil {
		return RemoteStatus{}, errors.Wrapf(err, "pix_a status %s", ref)
	}
	if res == nil {
		return RemoteStatus{}, ErrRemoteNotFound
	}
	return RemoteStatus{
		Status:      res.Status,
		OrderID:     res.ExternalReference,
		AmountMinor: minorFromFloat(res.TransactionAmount),
	}, nil
}
