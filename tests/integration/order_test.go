//go:build integration

package integration

import (
	"fmt"
	"net/http"
	"regexp"
	"testing"
	"time"

	"github.com/google/uuid"
)

var uuidPattern = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)

func cardCheckout(amount int64) checkoutRequest {
	return checkoutRequest{
		SellerID:      testSeller,
		CustomerEmail: "buyer@example.com",
		Kind:          "one_time",
		Amount:        amount,
		Method:        "card",
		Country:       "BR",
	}
}

func postWebhook(t *testing.T, provider string, body []byte, h http.Header) (int, webhookResponse) {
	t.Helper()

	resp := do(t, http.MethodPost, "/webhooks/"+provider, body, "", h)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return resp.StatusCode, webhookResponse{}
	}
	return resp.StatusCode, decodeJSON[webhookResponse](t, resp)
}

func TestCheckout_NoAuth(t *testing.T) {
	resp := do(t, http.MethodPost, "/api/orders", cardCheckout(5000), "", nil)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestCheckout_InvalidAmount(t *testing.T) {
	resp := do(t, http.MethodPost, "/api/orders", cardCheckout(0), customerToken, nil)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	body := decodeJSON[errorResponse](t, resp)
	if body.Code != http.StatusBadRequest {
		t.Errorf("error code: got %d, want 400", body.Code)
	}
}

func TestCheckout_UnknownSeller(t *testing.T) {
	req := cardCheckout(5000)
	req.SellerID = "no-such-seller"
	resp := do(t, http.MethodPost, "/api/orders", req, customerToken, nil)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", resp.StatusCode)
	}
}

func TestCheckout_Created(t *testing.T) {
	got := checkout(t, cardCheckout(5000))

	if !uuidPattern.MatchString(got.OrderID) {
		t.Errorf("order id %q is not a UUID", got.OrderID)
	}
	if got.Status != "pending" {
		t.Errorf("status: got %q, want pending", got.Status)
	}
	if got.Amount != 5000 {
		t.Errorf("amount: got %d, want 5000", got.Amount)
	}

	status := orderStatus(t, got.OrderID)
	if status.Status != "pending" {
		t.Errorf("public status: got %q, want pending", status.Status)
	}
}

func TestOrderStatus_NotFound(t *testing.T) {
	resp := doGet(t, "/api/orders/"+uuid.NewString()+"/status")
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestCardWebhook_PaidThenDuplicate(t *testing.T) {
	o := checkout(t, cardCheckout(5000))
	body := cardEvent("evt_"+uuid.NewString(), "payment_intent.succeeded", o.OrderID, 5000)

	code, res := postWebhook(t, "card", body, signCard(body, time.Now()))
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if !res.Received || res.Outcome != "processed" {
		t.Fatalf("unexpected result %+v", res)
	}

	status := orderStatus(t, o.OrderID)
	if status.Status != "approved" || status.PaymentStatus != "paid" {
		t.Fatalf("status after payment: %+v", status)
	}

	// Redelivery of the same event is acknowledged without reprocessing.
	code, res = postWebhook(t, "card", body, signCard(body, time.Now()))
	if code != http.StatusOK || res.Outcome != "duplicate" {
		t.Fatalf("redelivery: code %d, result %+v", code, res)
	}
}

func TestCardWebhook_LateFailureKeepsPaid(t *testing.T) {
	o := checkout(t, cardCheckout(7000))

	paid := cardEvent("evt_"+uuid.NewString(), "payment_intent.succeeded", o.OrderID, 7000)
	if code, _ := postWebhook(t, "card", paid, signCard(paid, time.Now())); code != http.StatusOK {
		t.Fatalf("paid: expected 200, got %d", code)
	}

	failed := cardEvent("evt_"+uuid.NewString(), "payment_intent.payment_failed", o.OrderID, 7000)
	if code, _ := postWebhook(t, "card", failed, signCard(failed, time.Now())); code != http.StatusOK {
		t.Fatalf("failed: expected 200, got %d", code)
	}

	if status := orderStatus(t, o.OrderID); status.PaymentStatus != "paid" {
		t.Fatalf("payment status regressed to %q", status.PaymentStatus)
	}
}

func TestCardWebhook_AmountMismatch(t *testing.T) {
	o := checkout(t, cardCheckout(9000))
	body := cardEvent("evt_"+uuid.NewString(), "payment_intent.succeeded", o.OrderID, 100)

	code, res := postWebhook(t, "card", body, signCard(body, time.Now()))
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if res.Outcome != "processed" {
		t.Fatalf("outcome: got %q, want processed", res.Outcome)
	}

	// The provider's success claim is overridden by the short payment.
	status := orderStatus(t, o.OrderID)
	if status.Status != "rejected" || status.PaymentStatus != "failed" {
		t.Fatalf("status after mismatch: %+v", status)
	}
}

func TestCardWebhook_UnknownOrder(t *testing.T) {
	body := cardEvent("evt_"+uuid.NewString(), "payment_intent.succeeded", uuid.NewString(), 5000)

	code, res := postWebhook(t, "card", body, signCard(body, time.Now()))
	if code != http.StatusOK || res.Outcome != "unknown_order" {
		t.Fatalf("code %d, result %+v", code, res)
	}
}

func TestCardWebhook_Rejected(t *testing.T) {
	body := cardEvent("evt_"+uuid.NewString(), "payment_intent.succeeded", uuid.NewString(), 5000)
	tampered := append([]byte(nil), body...)
	tampered[len(tampered)-2] = ' '

	tests := []struct {
		name   string
		body   []byte
		header http.Header
	}{
		{name: "missing signature", body: body, header: nil},
		{name: "stale timestamp", body: body, header: signCard(body, time.Now().Add(-10*time.Minute))},
		{name: "tampered body", body: tampered, header: signCard(body, time.Now())},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, _ := postWebhook(t, "card", tt.body, tt.header)
			if code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d", code)
			}
		})
	}
}

func TestWebhook_UnknownProvider(t *testing.T) {
	code, _ := postWebhook(t, "paypal", []byte(`{}`), nil)
	if code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", code)
	}
}

func TestPixBWebhook_Paid(t *testing.T) {
	req := cardCheckout(3000)
	req.Method = "pix"
	o := checkout(t, req)

	body := []byte(fmt.Sprintf(
		`{"id":"evt_%s","event":"charge.paid","data":{"id":"ch_%s","status":"paid","external_id":%q,"amount":3000}}`,
		uuid.NewString(), uuid.NewString(), o.OrderID))

	code, res := postWebhook(t, "pix-b", body, signPixB(body))
	if code != http.StatusOK || res.Outcome != "processed" {
		t.Fatalf("code %d, result %+v", code, res)
	}
	if status := orderStatus(t, o.OrderID); status.Status != "approved" {
		t.Fatalf("public status: got %q, want approved", status.Status)
	}
}

func TestDeleteOrder(t *testing.T) {
	o := checkout(t, cardCheckout(2500))

	// Only the purchasing customer may delete.
	resp := do(t, http.MethodDelete, "/api/orders/"+o.OrderID, nil, sellerToken, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("foreign delete: expected 403, got %d", resp.StatusCode)
	}

	resp = do(t, http.MethodDelete, "/api/orders/"+o.OrderID, nil, customerToken, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete: expected 204, got %d", resp.StatusCode)
	}

	resp = doGet(t, "/api/orders/"+o.OrderID+"/status")
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("after delete: expected 404, got %d", resp.StatusCode)
	}
}

func TestDeleteOrder_PaidNotDeletable(t *testing.T) {
	o := checkout(t, cardCheckout(2500))
	body := cardEvent("evt_"+uuid.NewString(), "payment_intent.succeeded", o.OrderID, 2500)
	if code, _ := postWebhook(t, "card", body, signCard(body, time.Now())); code != http.StatusOK {
		t.Fatalf("paid: expected 200, got %d", code)
	}

	resp := do(t, http.MethodDelete, "/api/orders/"+o.OrderID, nil, customerToken, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.StatusCode)
	}
}
