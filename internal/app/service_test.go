package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/linuxer41/pagui-sub001/internal/domain"
	"github.com/linuxer41/pagui-sub001/internal/store"
)

// recordingPublisher captures mirrored events so tests can assert on the
// routing keys without a broker.
type recordingPublisher struct {
	mu        sync.Mutex
	published []string // routing keys in publish order
}

func (p *recordingPublisher) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, routingKey)
	return nil
}

func (p *recordingPublisher) Close() {}

func (p *recordingPublisher) keys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.published))
	copy(out, p.published)
	return out
}

func (p *recordingPublisher) has(key string) bool {
	for _, k := range p.keys() {
		if k == key {
			return true
		}
	}
	return false
}

func newServiceFixture(t *testing.T) (*Service, *recordingPublisher) {
	t.Helper()

	repo := store.NewMemoryRepository()
	registry := NewQRRegistry(repo)
	matcher := NewPaymentMatcher(registry, NewMemoryDedupIndex(time.Hour))
	broadcaster := NewBroadcaster(time.Hour, 2*time.Hour, 8)
	publisher := &recordingPublisher{}

	svc := NewService(repo, registry, matcher, broadcaster, publisher, "pagui.events", nil, PollerConfig{})
	t.Cleanup(svc.Shutdown)
	return svc, publisher
}

func validPayload() domain.CreateQRPayload {
	return domain.CreateQRPayload{
		TransactionID: "order-1001",
		Amount:        150.00,
		Currency:      "BOB",
		DueDate:       time.Now().UTC().Add(time.Hour).Format(time.RFC3339),
		SingleUse:     true,
	}
}

func TestCreateQR_IsIdempotentOnTransactionID(t *testing.T) {
	svc, publisher := newServiceFixture(t)

	qr, created, err := svc.CreateQR(context.Background(), validPayload())
	if err != nil {
		t.Fatalf("CreateQR returned error: %v", err)
	}
	if !created {
		t.Fatal("expected first issue to create")
	}
	if qr.Amount != 15000 {
		t.Fatalf("expected 150.00 to become 15000 centavos, got %d", qr.Amount)
	}
	if qr.Status != domain.QRStatusActive {
		t.Fatalf("expected new QR to be ACTIVE, got %s", qr.Status)
	}

	again, created, err := svc.CreateQR(context.Background(), validPayload())
	if err != nil {
		t.Fatalf("repeat CreateQR returned error: %v", err)
	}
	if created {
		t.Fatal("expected repeat issue to reuse the existing QR")
	}
	if again.ID != qr.ID {
		t.Fatalf("expected same QR id, got %s vs %s", again.ID, qr.ID)
	}

	if !publisher.has("qr.created") {
		t.Fatalf("expected one qr.created mirror, got %v", publisher.keys())
	}
}

func TestCreateQR_RejectsInvalidPayloads(t *testing.T) {
	svc, _ := newServiceFixture(t)

	cases := map[string]domain.CreateQRPayload{
		"missing transaction id": {Amount: 10, Currency: "BOB", DueDate: time.Now().Format(time.RFC3339)},
		"non-positive amount":    {TransactionID: "t1", Amount: 0, Currency: "BOB", DueDate: time.Now().Format(time.RFC3339)},
		"missing currency":       {TransactionID: "t2", Amount: 10, DueDate: time.Now().Format(time.RFC3339)},
		"bad due date":           {TransactionID: "t3", Amount: 10, Currency: "BOB", DueDate: "tomorrow"},
	}
	for name, payload := range cases {
		if _, _, err := svc.CreateQR(context.Background(), payload); !errors.Is(err, ErrInvalidPayload) {
			t.Fatalf("%s: expected ErrInvalidPayload, got %v", name, err)
		}
	}
}

func TestIngestEvidence_NotifiesSubscriberAndClosesOnTerminal(t *testing.T) {
	svc, publisher := newServiceFixture(t)

	qr, _, err := svc.CreateQR(context.Background(), validPayload())
	if err != nil {
		t.Fatalf("CreateQR returned error: %v", err)
	}

	sub, err := svc.SubscribeQR(context.Background(), qr.ID)
	if err != nil {
		t.Fatalf("SubscribeQR returned error: %v", err)
	}

	if ev := recvEvent(t, sub); ev.Type != domain.EventConnection {
		t.Fatalf("expected connection handshake first, got %s", ev.Type)
	}
	snapshot := recvEvent(t, sub)
	if snapshot.Type != domain.EventQRStatusChange || snapshot.NewStatus != domain.QRStatusActive {
		t.Fatalf("expected ACTIVE snapshot, got %s/%s", snapshot.Type, snapshot.NewStatus)
	}

	result, err := svc.IngestEvidence(context.Background(), domain.PaymentEvidence{
		QRID:                qr.ID,
		SourceTransactionID: "bank-tx-9",
		Amount:              15000,
		Currency:            "BOB",
		OccurredAt:          time.Now().UTC(),
		Origin:              domain.OriginWebhook,
	})
	if err != nil {
		t.Fatalf("IngestEvidence returned error: %v", err)
	}
	if result.Outcome != MatchApplied {
		t.Fatalf("expected MatchApplied, got %s", result.Outcome)
	}

	payment := recvEvent(t, sub)
	if payment.Type != domain.EventQRPayment {
		t.Fatalf("expected payment event before status change, got %s", payment.Type)
	}
	status := recvEvent(t, sub)
	if status.Type != domain.EventQRStatusChange || status.NewStatus != domain.QRStatusPaid {
		t.Fatalf("expected PAID status change, got %s/%s", status.Type, status.NewStatus)
	}

	// Single-use QR paid: the subscription must be closed after the final event.
	recvClosed(t, sub)

	if !publisher.has("qr.payment.applied") {
		t.Fatalf("expected qr.payment.applied mirror, got %v", publisher.keys())
	}
}

func TestIngestEvidence_RepeatPaymentOnMultiUseEmitsPaymentOnly(t *testing.T) {
	svc, _ := newServiceFixture(t)

	payload := validPayload()
	payload.TransactionID = "order-multi"
	payload.SingleUse = false
	qr, _, err := svc.CreateQR(context.Background(), payload)
	if err != nil {
		t.Fatalf("CreateQR returned error: %v", err)
	}

	first := domain.PaymentEvidence{
		QRID: qr.ID, SourceTransactionID: "tx-a", Amount: 15000, Currency: "BOB", Origin: domain.OriginWebhook,
	}
	if _, err := svc.IngestEvidence(context.Background(), first); err != nil {
		t.Fatalf("first IngestEvidence returned error: %v", err)
	}

	sub, err := svc.SubscribeQR(context.Background(), qr.ID)
	if err != nil {
		t.Fatalf("SubscribeQR returned error: %v", err)
	}
	recvEvent(t, sub) // handshake
	snapshot := recvEvent(t, sub)
	if snapshot.NewStatus != domain.QRStatusPaid {
		t.Fatalf("expected PAID snapshot, got %s", snapshot.NewStatus)
	}

	second := first
	second.SourceTransactionID = "tx-b"
	result, err := svc.IngestEvidence(context.Background(), second)
	if err != nil {
		t.Fatalf("repeat IngestEvidence returned error: %v", err)
	}
	if result.FirstPayment() {
		t.Fatal("repeat payment must not report a status change")
	}

	ev := recvEvent(t, sub)
	if ev.Type != domain.EventQRPayment {
		t.Fatalf("expected only a payment event, got %s", ev.Type)
	}

	// The subscription stays open on a multi-use QR.
	select {
	case _, open := <-sub.Events:
		if !open {
			t.Fatal("multi-use subscription must stay open after a repeat payment")
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func TestExpireQR_ClosesSubscriptionsAndMirrors(t *testing.T) {
	svc, publisher := newServiceFixture(t)

	payload := validPayload()
	payload.TransactionID = "order-expiring"
	qr, _, err := svc.CreateQR(context.Background(), payload)
	if err != nil {
		t.Fatalf("CreateQR returned error: %v", err)
	}

	sub, err := svc.SubscribeQR(context.Background(), qr.ID)
	if err != nil {
		t.Fatalf("SubscribeQR returned error: %v", err)
	}
	recvEvent(t, sub) // handshake
	recvEvent(t, sub) // snapshot

	expired, err := svc.ExpireQR(context.Background(), qr.ID)
	if err != nil {
		t.Fatalf("ExpireQR returned error: %v", err)
	}
	if !expired {
		t.Fatal("expected the QR to expire")
	}

	final := recvEvent(t, sub)
	if final.NewStatus != domain.QRStatusExpired {
		t.Fatalf("expected final EXPIRED event, got %s", final.NewStatus)
	}
	recvClosed(t, sub)

	if !publisher.has("qr.status.expired") {
		t.Fatalf("expected qr.status.expired mirror, got %v", publisher.keys())
	}

	// Late evidence after expiry is rejected without resurrecting the QR.
	_, err = svc.IngestEvidence(context.Background(), domain.PaymentEvidence{
		QRID: qr.ID, SourceTransactionID: "tx-late", Amount: 15000, Currency: "BOB",
	})
	if !errors.Is(err, ErrAlreadyTerminal) {
		t.Fatalf("expected ErrAlreadyTerminal for late evidence, got %v", err)
	}
}

func TestCancelQR_OnlyFromActive(t *testing.T) {
	svc, publisher := newServiceFixture(t)

	payload := validPayload()
	payload.TransactionID = "order-cancel"
	qr, _, err := svc.CreateQR(context.Background(), payload)
	if err != nil {
		t.Fatalf("CreateQR returned error: %v", err)
	}

	if err := svc.CancelQR(context.Background(), qr.ID); err != nil {
		t.Fatalf("CancelQR returned error: %v", err)
	}
	if !publisher.has("qr.status.cancelled") {
		t.Fatalf("expected qr.status.cancelled mirror, got %v", publisher.keys())
	}

	if err := svc.CancelQR(context.Background(), qr.ID); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState on double cancel, got %v", err)
	}
}

func TestSubscribeQR_TerminalQRGetsSnapshotThenClose(t *testing.T) {
	svc, _ := newServiceFixture(t)

	payload := validPayload()
	payload.TransactionID = "order-done"
	qr, _, err := svc.CreateQR(context.Background(), payload)
	if err != nil {
		t.Fatalf("CreateQR returned error: %v", err)
	}
	if err := svc.CancelQR(context.Background(), qr.ID); err != nil {
		t.Fatalf("CancelQR returned error: %v", err)
	}

	sub, err := svc.SubscribeQR(context.Background(), qr.ID)
	if err != nil {
		t.Fatalf("SubscribeQR returned error: %v", err)
	}
	recvEvent(t, sub) // handshake
	snapshot := recvEvent(t, sub)
	if snapshot.NewStatus != domain.QRStatusCancelled {
		t.Fatalf("expected CANCELLED snapshot, got %s", snapshot.NewStatus)
	}
	recvClosed(t, sub)
}

// getHookRepo runs a one-shot callback on the next GetQR call, letting a
// test inject a transition between subscription registration and the
// snapshot read.
type getHookRepo struct {
	store.Repository
	mu    sync.Mutex
	onGet func(qrID string)
}

func (r *getHookRepo) GetQR(ctx context.Context, qrID string) (*domain.QRCode, error) {
	r.mu.Lock()
	hook := r.onGet
	r.onGet = nil
	r.mu.Unlock()
	if hook != nil {
		hook(qrID)
	}
	return r.Repository.GetQR(ctx, qrID)
}

func TestSubscribeQR_TerminalTransitionDuringSnapshotStillCloses(t *testing.T) {
	repo := &getHookRepo{Repository: store.NewMemoryRepository()}
	registry := NewQRRegistry(repo)
	matcher := NewPaymentMatcher(registry, NewMemoryDedupIndex(time.Hour))
	broadcaster := NewBroadcaster(time.Hour, 2*time.Hour, 8)
	svc := NewService(repo, registry, matcher, broadcaster, &recordingPublisher{}, "pagui.events", nil, PollerConfig{})
	t.Cleanup(svc.Shutdown)

	payload := validPayload()
	payload.TransactionID = "order-race"
	qr, _, err := svc.CreateQR(context.Background(), payload)
	if err != nil {
		t.Fatalf("CreateQR returned error: %v", err)
	}

	// The cancellation lands while SubscribeQR reads the snapshot. The
	// subscription is registered by then, so the final event must reach it
	// and close it instead of leaving it open with a stale ACTIVE snapshot.
	repo.mu.Lock()
	repo.onGet = func(string) {
		if cancelErr := svc.CancelQR(context.Background(), qr.ID); cancelErr != nil {
			t.Errorf("CancelQR returned error: %v", cancelErr)
		}
	}
	repo.mu.Unlock()

	sub, err := svc.SubscribeQR(context.Background(), qr.ID)
	if err != nil {
		t.Fatalf("SubscribeQR returned error: %v", err)
	}

	if ev := recvEvent(t, sub); ev.Type != domain.EventConnection {
		t.Fatalf("expected connection handshake first, got %s", ev.Type)
	}
	final := recvEvent(t, sub)
	if final.NewStatus != domain.QRStatusCancelled {
		t.Fatalf("expected CANCELLED to reach the racing subscriber, got %s", final.NewStatus)
	}
	recvClosed(t, sub)
}

func TestSubscribeQR_UnknownQRFails(t *testing.T) {
	svc, _ := newServiceFixture(t)

	if _, err := svc.SubscribeQR(context.Background(), "missing"); !errors.Is(err, store.ErrQRNotFound) {
		t.Fatalf("expected ErrQRNotFound, got %v", err)
	}
}
