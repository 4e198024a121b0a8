package reconcile

import (
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"

	"github.com/xenking/payledger/internal/domain/order"
)

// ErrMalformedPayload is returned when a notification cannot be decoded or
// lacks the fields needed to locate an order and its status.
var ErrMalformedPayload = errors.New("malformed payload")

// Payload is a decoded provider notification. The set of implementations is
// closed: CardPayload, PixAPayload and PixBPayload.
type Payload interface {
	Provider() order.Provider
	payload()
}

// CardPayload is a card gateway event envelope with its data object.
type CardPayload struct {
	EventID string
	Type    string
	Created int64

	ObjectID      string
	ObjectType    string
	PaymentIntent string
	ObjectStatus  string
	// OrderID comes from metadata.order_id, falling back to
	// client_reference_id.
	OrderID     string
	AmountMinor *int64
}

// PixAPayload is a PIX gateway A notification. The gateway signs only the
// payment id, so Decode keeps DataID and the envelope fields and leaves
// Status, ExternalReference and AmountMinor to be filled from the status API
// before canonicalization.
type PixAPayload struct {
	NotificationID    string
	Action            string
	Type              string
	DataID            string
	Status            string
	ExternalReference string
	AmountMinor       *int64
}

// PixBPayload is a PIX gateway B notification.
type PixBPayload struct {
	EventID    string
	Event      string
	ChargeID   string
	Status     string
	ExternalID string
	// AmountMinor is reported in centavos.
	AmountMinor *int64
}

func (CardPayload) Provider() order.Provider { return order.ProviderCard }
func (PixAPayload) Provider() order.Provider { return order.ProviderPixA }
func (PixBPayload) Provider() order.Provider { return order.ProviderPixB }

func (CardPayload) payload() {}
func (PixAPayload) payload() {}
func (PixBPayload) payload() {}

// Decode parses a raw notification body for provider.
func Decode(provider order.Provider, body []byte) (Payload, error) {
	var (
		p   Payload
		err error
	)
	switch provider {
	case order.ProviderCard:
		p, err = decodeCard(body)
	case order.ProviderPixA:
		p, err = decodePixA(body)
	case order.ProviderPixB:
		p, err = decodePixB(body)
	default:
		return nil, errors.Errorf("unknown provider %q", provider)
	}
	if err != nil {
		return nil, errors.Wrapf(ErrMalformedPayload, "%s: %s", provider, err)
	}
	return p, nil
}

func decodeCard(body []byte) (CardPayload, error) {
	var (
		p        CardPayload
		clientRe string
		amounts  = map[string]int64{}
	)
	err := jx.DecodeBytes(body).ObjBytes(func(d *jx.Decoder, key []byte) error {
		var err error
		switch string(key) {
		case "id":
			p.EventID, err = optStr(d)
		case "type":
			p.Type, err = optStr(d)
		case "created":
			p.Created, err = optInt(d)
		case "data":
			return d.ObjBytes(func(d *jx.Decoder, key []byte) error {
				if string(key) != "object" {
					return d.Skip()
				}
				return decodeCardObject(d, &p, &clientRe, amounts)
			})
		default:
			return d.Skip()
		}
		return err
	})
	if err != nil {
		return CardPayload{}, err
	}

	if p.OrderID == "" {
		p.OrderID = clientRe
	}
	for _, k := range []string{"amount_received", "amount_total", "amount_paid", "amount"} {
		if v, ok := amounts[k]; ok {
			p.AmountMinor = &v
			break
		}
	}
	return p, nil
}

func decodeCardObject(d *jx.Decoder, p *CardPayload, clientRef *string, amounts map[string]int64) error {
	return d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		var err error
		switch k := string(key); k {
		case "id":
			p.ObjectID, err = optStr(d)
		case "object":
			p.ObjectType, err = optStr(d)
		case "status":
			p.ObjectStatus, err = optStr(d)
		case "payment_intent":
			// Expanded objects are not followed.
			if d.Next() != jx.String {
				return d.Skip()
			}
			p.PaymentIntent, err = d.Str()
		case "client_reference_id":
			*clientRef, err = optStr(d)
		case "metadata":
			return decodeMetadata(d, p)
		case "subscription_details":
			return d.ObjBytes(func(d *jx.Decoder, key []byte) error {
				if string(key) != "metadata" {
					return d.Skip()
				}
				return decodeMetadata(d, p)
			})
		case "amount_received", "amount_total", "amount_paid", "amount":
			if d.Next() != jx.Number {
				return d.Skip()
			}
			v, err := d.Int64()
			if err != nil {
				return err
			}
			amounts[k] = v
		default:
			return d.Skip()
		}
		return err
	})
}

func decodeMetadata(d *jx.Decoder, p *CardPayload) error {
	if d.Next() != jx.Object {
		return d.Skip()
	}
	return d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		if string(key) != "order_id" || p.OrderID != "" {
			return d.Skip()
		}
		v, err := optStr(d)
		p.OrderID = v
		return err
	})
}

func decodePixA(body []byte) (PixAPayload, error) {
	var p PixAPayload
	err := jx.DecodeBytes(body).ObjBytes(func(d *jx.Decoder, key []byte) error {
		var err error
		switch string(key) {
		case "id":
			p.NotificationID, err = strOrNum(d)
		case "action":
			p.Action, err = optStr(d)
		case "type", "topic":
			p.Type, err = optStr(d)
		case "data":
			return d.ObjBytes(func(d *jx.Decoder, key []byte) error {
				if string(key) != "id" {
					// Unsigned, see PixAPayload.
					return d.Skip()
				}
				var err error
				p.DataID, err = strOrNum(d)
				return err
			})
		default:
			return d.Skip()
		}
		return err
	})
	return p, err
}

func decodePixB(body []byte) (PixBPayload, error) {
	var p PixBPayload
	err := jx.DecodeBytes(body).ObjBytes(func(d *jx.Decoder, key []byte) error {
		var err error
		switch string(key) {
		case "id":
			p.EventID, err = strOrNum(d)
		case "event":
			p.Event, err = optStr(d)
		case "data":
			return d.ObjBytes(func(d *jx.Decoder, key []byte) error {
				var err error
				switch string(key) {
				case "id":
					p.ChargeID, err = strOrNum(d)
				case "status":
					p.Status, err = optStr(d)
				case "external_id":
					p.ExternalID, err = optStr(d)
				case "amount":
					if d.Next() != jx.Number {
						return d.Skip()
					}
					v, err := d.Int64()
					if err != nil {
						return err
					}
					p.AmountMinor = &v
				default:
					return d.Skip()
				}
				return err
			})
		default:
			return d.Skip()
		}
		return err
	})
	return p, err
}

// Canonicalize converts a decoded payload into a PaymentEvent.
func Canonicalize(p Payload, receivedAt time.Time) (order.PaymentEvent, error) {
	var ev order.PaymentEvent
	switch p := p.(type) {
	case CardPayload:
		ev = canonicalCard(p)
	case PixAPayload:
		ev = canonicalPixA(p)
	case PixBPayload:
		ev = canonicalPixB(p)
	default:
		return order.PaymentEvent{}, errors.Errorf("unsupported payload %T", p)
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = receivedAt
	}

	if ev.ExternalStatus == "" {
		return order.PaymentEvent{}, errors.Wrapf(ErrMalformedPayload, "%s: missing status", ev.Provider)
	}
	if ev.OrderID == "" && ev.ProviderRef == "" {
		return order.PaymentEvent{}, errors.Wrapf(ErrMalformedPayload, "%s: missing order reference", ev.Provider)
	}
	return ev, nil
}

func canonicalCard(p CardPayload) order.PaymentEvent {
	ref := p.PaymentIntent
	if ref == "" {
		ref = p.ObjectID
	}
	ev := order.PaymentEvent{
		Provider:        order.ProviderCard,
		OrderID:         p.OrderID,
		ProviderRef:     ref,
		ExternalStatus:  p.Type,
		AmountMinor:     p.AmountMinor,
		ExternalEventID: p.EventID,
	}
	if p.Created > 0 {
		ev.OccurredAt = time.Unix(p.Created, 0).UTC()
	}
	return ev
}

func canonicalPixA(p PixAPayload) order.PaymentEvent {
	return order.PaymentEvent{
		Provider:        order.ProviderPixA,
		OrderID:         p.ExternalReference,
		ProviderRef:     p.DataID,
		ExternalStatus:  p.Status,
		AmountMinor:     p.AmountMinor,
		ExternalEventID: p.NotificationID,
	}
}

func canonicalPixB(p PixBPayload) order.PaymentEvent {
	status := p.Status
	if status == "" {
		// "charge.paid" carries the status in its suffix.
		if i := strings.LastIndexByte(p.Event, '.'); i >= 0 {
			status = p.Event[i+1:]
		}
	}
	return order.PaymentEvent{
		Provider:        order.ProviderPixB,
		OrderID:         p.ExternalID,
		ProviderRef:     p.ChargeID,
		ExternalStatus:  status,
		AmountMinor:     p.AmountMinor,
		ExternalEventID: p.EventID,
	}
}

func optStr(d *jx.Decoder) (string, error) {
	if d.Next() != jx.String {
		return "", d.Skip()
	}
	return d.Str()
}

func optInt(d *jx.Decoder) (int64, error) {
	if d.Next() != jx.Number {
		return 0, d.Skip()
	}
	return d.Int64()
}

func strOrNum(d *jx.Decoder) (string, error) {
	switch d.Next() {
	case jx.String:
		return d.Str()
	case jx.Number:
		n, err := d.Num()
		if err != nil {
			return "", err
		}
		return n.String(), nil
	default:
		return "", d.Skip()
	}
}

// minorFromFloat converts an amount in major units, e.g. 49.90, to minor units.
func minorFromFloat(v float64) *int64 {
	minor := decimal.NewFromFloat(v).Shift(2).Round(0).IntPart()
	return &minor
}
