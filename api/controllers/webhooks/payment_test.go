package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/bookyardhq/bookyard-backend/internal/payments/notify"
	pkgerrors "github.com/bookyardhq/bookyard-backend/pkg/errors"
)

type fakeNotifyService struct {
	calls int
	got   notify.Notification
	err   error
}

func (s *fakeNotifyService) Process(_ context.Context, n notify.Notification) error {
	s.calls++
	s.got = n
	return s.err
}

func postNotification(t *testing.T, handler http.HandlerFunc, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/payment", bytes.NewReader([]byte(body)))
	req.Header.Set("X-Gateway-Timestamp", "1726000000")
	req.Header.Set("X-Gateway-Nonce", "nonce-1")
	req.Header.Set("X-Gateway-Signature", "sig-1")
	req.Header.Set("X-Gateway-Serial", "serial-1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeAck(t *testing.T, rec *httptest.ResponseRecorder) ackBody {
	t.Helper()
	var ack ackBody
	if err := json.NewDecoder(rec.Body).Decode(&ack); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	return ack
}

const sampleEnvelope = `{
  "id": "notif-1",
  "resource": {
    "ciphertext": "deadbeef",
    "nonce": "rnonce",
    "associated_data": "transaction"
  }
}`

func TestPaymentNotificationAcksSuccess(t *testing.T) {
	service := &fakeNotifyService{}
	handler := PaymentNotification(service, false, nil)

	rec := postNotification(t, handler, sampleEnvelope)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	if ack := decodeAck(t, rec); ack.Code != "SUCCESS" {
		t.Fatalf("unexpected ack code %s", ack.Code)
	}
	if service.calls != 1 {
		t.Fatalf("expected one processor call, got %d", service.calls)
	}

	// Headers and envelope fields must arrive intact; the raw body is kept
	// for signature verification.
	n := service.got
	if n.ID != "notif-1" || n.Timestamp != "1726000000" || n.Nonce != "nonce-1" ||
		n.Signature != "sig-1" || n.Serial != "serial-1" {
		t.Fatalf("notification fields lost: %+v", n)
	}
	if n.Ciphertext != "deadbeef" || n.ResourceNonce != "rnonce" || n.AssociatedData != "transaction" {
		t.Fatalf("resource fields lost: %+v", n)
	}
	if !strings.Contains(string(n.Body), `"notif-1"`) {
		t.Fatalf("raw body not preserved: %s", n.Body)
	}
}

func TestPaymentNotificationAsksForRedeliveryOnTransientFailure(t *testing.T) {
	service := &fakeNotifyService{
		err: pkgerrors.New(pkgerrors.CodeGatewayTransient, "payment still in progress"),
	}
	handler := PaymentNotification(service, false, nil)

	rec := postNotification(t, handler, sampleEnvelope)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	if ack := decodeAck(t, rec); ack.Code != "FAIL" {
		t.Fatalf("unexpected ack code %s", ack.Code)
	}
}

func TestPaymentNotificationTolerantVsStrictOnPermanentFailure(t *testing.T) {
	permanent := pkgerrors.New(pkgerrors.CodeSignatureInvalid, "bad signature")

	tolerant := PaymentNotification(&fakeNotifyService{err: permanent}, false, nil)
	rec := postNotification(t, tolerant, sampleEnvelope)
	if rec.Code != http.StatusOK {
		t.Fatalf("tolerant mode: expected 200, got %d", rec.Code)
	}
	if ack := decodeAck(t, rec); ack.Code != "SUCCESS" {
		t.Fatalf("tolerant mode: unexpected ack code %s", ack.Code)
	}

	strict := PaymentNotification(&fakeNotifyService{err: permanent}, true, nil)
	rec = postNotification(t, strict, sampleEnvelope)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("strict mode: expected 401, got %d", rec.Code)
	}
	if ack := decodeAck(t, rec); ack.Code != "FAIL" {
		t.Fatalf("strict mode: unexpected ack code %s", ack.Code)
	}
}

func TestPaymentNotificationUntypedErrorAcksWithoutRetry(t *testing.T) {
	service := &fakeNotifyService{err: errors.New("nil pointer dereference")}
	handler := PaymentNotification(service, false, nil)

	rec := postNotification(t, handler, sampleEnvelope)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ack := decodeAck(t, rec); ack.Code != "SUCCESS" {
		t.Fatalf("unexpected ack code %s", ack.Code)
	}
}

func TestPaymentNotificationMalformedEnvelope(t *testing.T) {
	service := &fakeNotifyService{}
	handler := PaymentNotification(service, false, nil)

	rec := postNotification(t, handler, "{not json")
	// Malformed json is permanent; tolerant mode acks it away.
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if service.calls != 0 {
		t.Fatalf("processor must not run on a malformed envelope")
	}
}

func TestPaymentNotificationWithoutProcessorAsksForRedelivery(t *testing.T) {
	handler := PaymentNotification(nil, false, nil)

	rec := postNotification(t, handler, sampleEnvelope)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	if ack := decodeAck(t, rec); ack.Code != "FAIL" {
		t.Fatalf("unexpected ack code %s", ack.Code)
	}
}
