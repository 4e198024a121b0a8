package webhook

import (
	"strconv"
	"strings"
	"time"

	"github.com/go-faster/jx"
)

// Signature header names.
const (
	HeaderCardSignature = "Stripe-Signature"
	HeaderPixASignature = "X-Signature"
	HeaderPixARequestID = "X-Request-Id"
	HeaderPixBSignature = "X-Webhook-Signature"
)

// DefaultTolerance bounds the age of a signed card or PIX A notification.
const DefaultTolerance = 5 * time.Minute

// CardConfig configures CardVerifier.
type CardConfig struct {
	Secret    string
	Tolerance time.Duration
	// Now is the time source; nil means time.Now.
	Now func() time.Time
}

// CardVerifier checks "t=<unix>,v1=<hex>" signatures computed over
// "<t>.<body>".
type CardVerifier struct {
	cfg CardConfig
}

var _ Verifier = (*CardVerifier)(nil)

// NewCardVerifier creates a CardVerifier.
func NewCardVerifier(cfg CardConfig) *CardVerifier {
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = DefaultTolerance
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &CardVerifier{cfg: cfg}
}

// Verify implements Verifier.
func (v *CardVerifier) Verify(r Request) error {
	header := r.Header.Get(HeaderCardSignature)
	if header == "" {
		return &SignatureError{Provider: "card", Reason: ReasonMissingHeader}
	}

	kv := parseKV(header)
	ts, sigs := first(kv["t"]), kv["v1"]
	if ts == "" || len(sigs) == 0 {
		return &SignatureError{Provider: "card", Reason: ReasonMalformedHeader}
	}
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return &SignatureError{Provider: "card", Reason: ReasonMalformedHeader}
	}

	age := v.cfg.Now().Sub(time.Unix(unix, 0))
	if age < 0 {
		age = -age
	}
	if age > v.cfg.Tolerance {
		return &SignatureError{Provider: "card", Reason: ReasonStaleTimestamp}
	}

	expected := computeHMAC(v.cfg.Secret, []byte(ts), []byte("."), r.Body)
	for _, sig := range sigs {
		if equalHex(sig, expected) {
			return nil
		}
	}
	return &SignatureError{Provider: "card", Reason: ReasonMismatch}
}

// PixAVerifier checks "ts=<ts>,v1=<hex>" signatures over the manifest
// "id:<data.id>;request-id:<x-request-id>;ts:<ts>;". Parts whose value is
// absent from the notification are left out of the manifest. Only the
// payment id is covered by the signature, so the rest of the body must not
// be trusted.
type PixAVerifier struct {
	cfg PixAConfig
}

// PixAConfig configures PixAVerifier.
type PixAConfig struct {
	Secret    string
	Tolerance time.Duration
	// Now is the time source; nil means time.Now.
	Now func() time.Time
}

var _ Verifier = (*PixAVerifier)(nil)

// NewPixAVerifier creates a PixAVerifier.
func NewPixAVerifier(cfg PixAConfig) *PixAVerifier {
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = DefaultTolerance
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &PixAVerifier{cfg: cfg}
}

// Verify implements Verifier.
func (v *PixAVerifier) Verify(r Request) error {
	header := r.Header.Get(HeaderPixASignature)
	if header == "" {
		return &SignatureError{Provider: "pix_a", Reason: ReasonMissingHeader}
	}

	kv := parseKV(header)
	ts, sig := first(kv["ts"]), first(kv["v1"])
	if ts == "" || sig == "" {
		return &SignatureError{Provider: "pix_a", Reason: ReasonMalformedHeader}
	}
	signedAt, err := parsePixATimestamp(ts)
	if err != nil {
		return &SignatureError{Provider: "pix_a", Reason: ReasonMalformedHeader}
	}
	age := v.cfg.Now().Sub(signedAt)
	if age < 0 {
		age = -age
	}
	if age > v.cfg.Tolerance {
		return &SignatureError{Provider: "pix_a", Reason: ReasonStaleTimestamp}
	}

	queryID, bodyID := r.Query.Get("data.id"), pixABodyDataID(r.Body)
	if queryID != "" && bodyID != "" && !strings.EqualFold(queryID, bodyID) {
		return &SignatureError{Provider: "pix_a", Reason: ReasonDataIDMismatch}
	}
	dataID := queryID
	if dataID == "" {
		dataID = bodyID
	}

	expected := computeHMAC(v.cfg.Secret, []byte(PixAManifest(dataID, r.Header.Get(HeaderPixARequestID), ts)))
	if !equalHex(sig, expected) {
		return &SignatureError{Provider: "pix_a", Reason: ReasonMismatch}
	}
	return nil
}

// parsePixATimestamp accepts unix seconds or unix milliseconds.
func parsePixATimestamp(ts string) (time.Time, error) {
	n, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	if n > 1e12 {
		return time.UnixMilli(n), nil
	}
	return time.Unix(n, 0), nil
}

// PixAManifest builds the signed manifest. Alphanumeric ids are lower-cased.
func PixAManifest(dataID, requestID, ts string) string {
	var b strings.Builder
	if dataID != "" {
		b.WriteString("id:" + strings.ToLower(dataID) + ";")
	}
	if requestID != "" {
		b.WriteString("request-id:" + requestID + ";")
	}
	if ts != "" {
		b.WriteString("ts:" + ts + ";")
	}
	return b.String()
}

// pixABodyDataID reads data.id from the body as a string or number.
func pixABodyDataID(body []byte) string {
	var id string
	d := jx.DecodeBytes(body)
	_ = d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		if string(key) != "data" {
			return d.Skip()
		}
		return d.ObjBytes(func(d *jx.Decoder, key []byte) error {
			if string(key) != "id" {
				return d.Skip()
			}
			switch d.Next() {
			case jx.String:
				s, err := d.Str()
				id = s
				return err
			case jx.Number:
				n, err := d.Num()
				id = n.String()
				return err
			default:
				return d.Skip()
			}
		})
	})
	return id
}

// PixBVerifier checks an HMAC-SHA256 of the raw body sent hex or base64
// encoded.
type PixBVerifier struct {
	secret string
}

var _ Verifier = (*PixBVerifier)(nil)

// NewPixBVerifier creates a PixBVerifier.
func NewPixBVerifier(secret string) *PixBVerifier {
	return &PixBVerifier{secret: secret}
}

// Verify implements Verifier.
func (v *PixBVerifier) Verify(r Request) error {
	sig := r.Header.Get(HeaderPixBSignature)
	if sig == "" {
		return &SignatureError{Provider: "pix_b", Reason: ReasonMissingHeader}
	}
	// Some deployments prefix the digest with the algorithm.
	sig = strings.TrimPrefix(sig, "sha256=")

	if !equalHexOrBase64(sig, computeHMAC(v.secret, r.Body)) {
		return &SignatureError{Provider: "pix_b", Reason: ReasonMismatch}
	}
	return nil
}

func first(vals []string) string {
	if len(vals) == 0 {
		return ""
	}
	return vals[0]
}
