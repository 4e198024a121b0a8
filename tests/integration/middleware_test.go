//go:build integration

package integration

import (
	"net/http"
	"testing"
)

func TestRequestID_Generated(t *testing.T) {
	resp := doGet(t, "/livez")
	defer resp.Body.Close()

	requestID := resp.Header.Get("X-Request-ID")
	if requestID == "" {
		t.Fatal("X-Request-ID header not present")
	}
}

func TestRequestID_Echoed(t *testing.T) {
	h := http.Header{}
	h.Set("X-Request-ID", "custom-request-id-12345")
	resp := do(t, http.MethodGet, "/livez", nil, "", h)
	defer resp.Body.Close()

	got := resp.Header.Get("X-Request-ID")
	if got != "custom-request-id-12345" {
		t.Errorf("X-Request-ID: got %q, want %q", got, "custom-request-id-12345")
	}
}

func TestRateLimit_Headers(t *testing.T) {
	resp := doGet(t, "/api/orders/00000000-0000-0000-0000-000000000000/status")
	defer resp.Body.Close()

	if limit := resp.Header.Get("X-RateLimit-Limit"); limit != "100" {
		t.Errorf("X-RateLimit-Limit: got %q, want 100", limit)
	}
	if remaining := resp.Header.Get("X-RateLimit-Remaining"); remaining == "" {
		t.Error("X-RateLimit-Remaining header not present")
	}
}

func TestRateLimit_WebhookBudget(t *testing.T) {
	resp := do(t, http.MethodPost, "/webhooks/card", []byte(`{}`), "", nil)
	defer resp.Body.Close()

	if limit := resp.Header.Get("X-RateLimit-Limit"); limit != "600" {
		t.Errorf("X-RateLimit-Limit: got %q, want 600", limit)
	}
}

func TestAuth_MissingToken(t *testing.T) {
	resp := do(t, http.MethodGet, "/api/payouts/balance", nil, "", nil)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestAuth_ForeignSignature(t *testing.T) {
	// Signed with a different secret.
	const forged = "eyJhbGciOiJIUzI1NiIsInR5cCI6IkpXVCJ9." +
		"eyJzdWIiOiJzZWxsZXItaW50ZWdyYXRpb24iLCJpc3MiOiJwYXlsZWRnZXIiLCJleHAiOjQxMDI0NDQ4MDB9." +
		"c2lnbmF0dXJlLWZyb20tYW5vdGhlci1zZWNyZXQ"
	resp := do(t, http.MethodGet, "/api/payouts/balance", nil, forged, nil)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}
