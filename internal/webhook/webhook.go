// Package webhook verifies the signatures of inbound provider notifications.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-faster/errors"
)

// ErrSecretRequired is returned at startup when a production deployment has
// no secret configured for a provider.
var ErrSecretRequired = errors.New("webhook secret required in production")

// Failure reasons reported by SignatureError.
const (
	ReasonMissingHeader   = "missing signature header"
	ReasonMalformedHeader = "malformed signature header"
	ReasonStaleTimestamp  = "timestamp outside tolerance"
	ReasonMismatch        = "signature mismatch"
	ReasonDataIDMismatch  = "query and body data id differ"
)

// SignatureError indicates a notification failed verification.
type SignatureError struct {
	Provider string
	Reason   string
}

func (e *SignatureError) Error() string {
	return fmt.Sprintf("%s webhook signature invalid: %s", e.Provider, e.Reason)
}

// Request is the verifiable part of an inbound notification.
type Request struct {
	Header http.Header
	Query  url.Values
	// Body is the raw, unparsed request body.
	Body []byte
}

// Verifier checks a notification signature.
type Verifier interface {
	Verify(r Request) error
}

// Unverified accepts every request. It is installed only outside production
// when no secret is configured.
type Unverified struct{}

// Verify implements Verifier.
func (Unverified) Verify(Request) error { return nil }

// Secrets holds the per-provider signing secrets.
type Secrets struct {
	Card string
	PixA string
	PixB string
}

// Verifiers holds one verifier per provider.
type Verifiers struct {
	Card Verifier
	PixA Verifier
	PixB Verifier
}

// NewVerifiers builds the provider verifiers. A provider without a secret
// gets Unverified outside production and ErrSecretRequired in production.
// The tolerance and clock in cfg also bound PIX A timestamps.
func NewVerifiers(s Secrets, cfg CardConfig, production bool) (Verifiers, error) {
	var (
		v       Verifiers
		missing []string
	)
	if s.Card == "" {
		missing = append(missing, "card")
		v.Card = Unverified{}
	} else {
		cfg.Secret = s.Card
		v.Card = NewCardVerifier(cfg)
	}
	if s.PixA == "" {
		missing = append(missing, "pix_a")
		v.PixA = Unverified{}
	} else {
		v.PixA = NewPixAVerifier(PixAConfig{Secret: s.PixA, Tolerance: cfg.Tolerance, Now: cfg.Now})
	}
	if s.PixB == "" {
		missing = append(missing, "pix_b")
		v.PixB = Unverified{}
	} else {
		v.PixB = NewPixBVerifier(s.PixB)
	}

	if production && len(missing) > 0 {
		return Verifiers{}, errors.Wrapf(ErrSecretRequired, "missing: %s", strings.Join(missing, ", "))
	}
	return v, nil
}

func computeHMAC(secret string, parts ...[]byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	for _, p := range parts {
		mac.Write(p)
	}
	return mac.Sum(nil)
}

// equalHex compares a hex-encoded signature with expected in constant time.
func equalHex(sig string, expected []byte) bool {
	got, err := hex.DecodeString(strings.TrimSpace(sig))
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare(got, expected) == 1
}

// equalHexOrBase64 accepts either encoding of the digest.
func equalHexOrBase64(sig string, expected []byte) bool {
	sig = strings.TrimSpace(sig)
	if equalHex(sig, expected) {
		return true
	}
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		got, err := enc.DecodeString(sig)
		if err != nil {
			continue
		}
		if subtle.ConstantTimeCompare(got, expected) == 1 {
			return true
		}
	}
	return false
}

// parseKV splits "k1=v1,k2=v2" headers. Repeated keys keep every value.
func parseKV(header string) map[string][]string {
	out := make(map[string][]string)
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		k = strings.TrimSpace(k)
		out[k] = append(out[k], strings.TrimSpace(v))
	}
	return out
}
