package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/linuxer41/pagui-sub001/internal/app"
	"github.com/linuxer41/pagui-sub001/internal/domain"
	"github.com/linuxer41/pagui-sub001/internal/store"
	"github.com/linuxer41/pagui-sub001/pkg/rabbitmq"
)

const testInternalKey = "test-internal-key"

func newTestServer(t *testing.T) (*app.Service, http.Handler) {
	t.Helper()

	repo := store.NewMemoryRepository()
	registry := app.NewQRRegistry(repo)
	matcher := app.NewPaymentMatcher(registry, app.NewMemoryDedupIndex(time.Hour))
	broadcaster := app.NewBroadcaster(time.Hour, 2*time.Hour, 8)

	svc := app.NewService(repo, registry, matcher, broadcaster,
		&rabbitmq.EventProducerFallback{}, "pagui.events", nil, app.PollerConfig{})
	t.Cleanup(svc.Shutdown)

	return svc, QRRoutes(NewQRHandlers(svc), testInternalKey)
}

func issueQR(t *testing.T, svc *app.Service, transactionID string, singleUse bool) *domain.QRCode {
	t.Helper()

	qr, _, err := svc.CreateQR(context.Background(), domain.CreateQRPayload{
		TransactionID: transactionID,
		Amount:        150.00,
		Currency:      "BOB",
		DueDate:       time.Now().UTC().Add(time.Hour).Format(time.RFC3339),
		SingleUse:     singleUse,
	})
	if err != nil {
		t.Fatalf("CreateQR returned error: %v", err)
	}
	return qr
}

func notifyBody(qrID, txID string, amount float64) []byte {
	body, _ := json.Marshal(domain.PaymentNotificationRequest{
		Payment: domain.PaymentNotification{
			QRID:          qrID,
			TransactionID: txID,
			PaymentDate:   "2026-08-27",
			PaymentTime:   "14:03:22",
			Currency:      "BOB",
			Amount:        amount,
			SenderName:    "JUAN PEREZ",
		},
	})
	return body
}

func postNotify(t *testing.T, router http.Handler, body []byte) (*httptest.ResponseRecorder, domain.PaymentNotificationResponse) {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, "/qr/notifyPaymentQR", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	var resp domain.PaymentNotificationResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode notify response %q: %v", rec.Body.String(), err)
	}
	return rec, resp
}

func TestNotifyPayment_AppliedThenRedeliveredAcknowledged(t *testing.T) {
	svc, router := newTestServer(t)
	qr := issueQR(t, svc, "order-1", true)

	rec, resp := postNotify(t, router, notifyBody(qr.ID, "bank-tx-1", 150.00))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if resp.ResponseCode != 0 {
		t.Fatalf("expected responseCode 0, got %d", resp.ResponseCode)
	}

	// The bank retries the exact same delivery: same acknowledgement.
	rec, resp = postNotify(t, router, notifyBody(qr.ID, "bank-tx-1", 150.00))
	if rec.Code != http.StatusOK || resp.ResponseCode != 0 {
		t.Fatalf("expected idempotent 200/0 on redelivery, got %d/%d", rec.Code, resp.ResponseCode)
	}

	stored, _, err := svc.GetQR(context.Background(), qr.ID)
	if err != nil {
		t.Fatalf("GetQR returned error: %v", err)
	}
	if stored.Status != domain.QRStatusPaid {
		t.Fatalf("expected PAID after webhook, got %s", stored.Status)
	}
}

func TestNotifyPayment_UnknownQR(t *testing.T) {
	_, router := newTestServer(t)

	rec, resp := postNotify(t, router, notifyBody("no-such-qr", "bank-tx-2", 150.00))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if resp.ResponseCode != 2 {
		t.Fatalf("expected responseCode 2, got %d", resp.ResponseCode)
	}
}

func TestNotifyPayment_AmountMismatch(t *testing.T) {
	svc, router := newTestServer(t)
	qr := issueQR(t, svc, "order-2", true)

	rec, resp := postNotify(t, router, notifyBody(qr.ID, "bank-tx-3", 149.99))
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}
	if resp.ResponseCode != 3 {
		t.Fatalf("expected responseCode 3, got %d", resp.ResponseCode)
	}

	stored, _, _ := svc.GetQR(context.Background(), qr.ID)
	if stored.Status != domain.QRStatusActive {
		t.Fatalf("rejected payment must leave the QR ACTIVE, got %s", stored.Status)
	}
}

func TestNotifyPayment_MalformedBody(t *testing.T) {
	_, router := newTestServer(t)

	rec, resp := postNotify(t, router, []byte(`{"payment": {"amount": 10}}`))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if resp.ResponseCode != 1 {
		t.Fatalf("expected responseCode 1, got %d", resp.ResponseCode)
	}

	rec, resp = postNotify(t, router, []byte(`not json`))
	if rec.Code != http.StatusBadRequest || resp.ResponseCode != 1 {
		t.Fatalf("expected 400/1 for invalid json, got %d/%d", rec.Code, resp.ResponseCode)
	}
}

func TestNotifyPayment_AfterSettlementIsAcknowledged(t *testing.T) {
	svc, router := newTestServer(t)
	qr := issueQR(t, svc, "order-3", true)

	if _, resp := postNotify(t, router, notifyBody(qr.ID, "bank-tx-4", 150.00)); resp.ResponseCode != 0 {
		t.Fatalf("setup payment failed with code %d", resp.ResponseCode)
	}

	// A different payment against the settled single-use QR: acknowledged,
	// not applied, so the bank stops retrying.
	rec, resp := postNotify(t, router, notifyBody(qr.ID, "bank-tx-5", 150.00))
	if rec.Code != http.StatusOK || resp.ResponseCode != 0 {
		t.Fatalf("expected 200/0 against settled QR, got %d/%d", rec.Code, resp.ResponseCode)
	}

	if _, payments, _ := svc.GetQR(context.Background(), qr.ID); len(payments) != 1 {
		t.Fatalf("expected the second payment to be ignored, got %d evidence rows", len(payments))
	}
}

func TestCreateQRHandler_RequiresInternalKeyAndIsIdempotent(t *testing.T) {
	_, router := newTestServer(t)

	payload, _ := json.Marshal(domain.CreateQRPayload{
		TransactionID: "order-10",
		Amount:        80.50,
		Currency:      "BOB",
		DueDate:       time.Now().UTC().Add(time.Hour).Format(time.RFC3339),
		SingleUse:     true,
	})

	req := httptest.NewRequest(http.MethodPost, "/qr", bytes.NewReader(payload))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without internal key, got %d", rec.Code)
	}

	issue := func() (*httptest.ResponseRecorder, createQRResponse) {
		req := httptest.NewRequest(http.MethodPost, "/qr", bytes.NewReader(payload))
		req.Header.Set(apiKeyHeader, testInternalKey)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		var resp createQRResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("failed to decode create response %q: %v", rec.Body.String(), err)
		}
		return rec, resp
	}

	rec1, first := issue()
	if rec1.Code != http.StatusCreated || !first.Created {
		t.Fatalf("expected 201/created, got %d/%t", rec1.Code, first.Created)
	}

	rec2, second := issue()
	if rec2.Code != http.StatusOK || second.Created {
		t.Fatalf("expected 200/existing on repeat, got %d/%t", rec2.Code, second.Created)
	}
	if second.QR.ID != first.QR.ID {
		t.Fatalf("expected same QR on repeat issue, got %s vs %s", second.QR.ID, first.QR.ID)
	}
}

func TestGetQRHandler_ReturnsQRAndPayments(t *testing.T) {
	svc, router := newTestServer(t)
	qr := issueQR(t, svc, "order-20", true)
	postNotify(t, router, notifyBody(qr.ID, "bank-tx-20", 150.00))

	req := httptest.NewRequest(http.MethodGet, fmt.Sprintf("/qr/%s", qr.ID), nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp qrDetailResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode detail response: %v", err)
	}
	if resp.QR.Status != domain.QRStatusPaid {
		t.Fatalf("expected PAID detail, got %s", resp.QR.Status)
	}
	if len(resp.Payments) != 1 {
		t.Fatalf("expected 1 payment, got %d", len(resp.Payments))
	}

	req = httptest.NewRequest(http.MethodGet, "/qr/missing", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown QR, got %d", rec.Code)
	}
}

func TestCancelQRHandler_ConflictWhenNotActive(t *testing.T) {
	svc, router := newTestServer(t)
	qr := issueQR(t, svc, "order-30", true)

	cancel := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodDelete, fmt.Sprintf("/qr/%s", qr.ID), nil)
		req.Header.Set(apiKeyHeader, testInternalKey)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec
	}

	if rec := cancel(); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on first cancel, got %d", rec.Code)
	}
	if rec := cancel(); rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 on repeat cancel, got %d", rec.Code)
	}
}
