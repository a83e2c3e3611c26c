package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/linuxer41/pagui-sub001/internal/domain"
)

type stubEvidenceSource struct {
	mu       sync.Mutex
	batches  [][]domain.PaymentEvidence
	errFirst error
	calls    int
}

func (s *stubEvidenceSource) FetchEvidence(ctx context.Context, qrID string) ([]domain.PaymentEvidence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls++
	if s.errFirst != nil {
		err := s.errFirst
		s.errFirst = nil
		return nil, err
	}
	if len(s.batches) == 0 {
		return nil, nil
	}
	batch := s.batches[0]
	s.batches = s.batches[1:]
	return batch, nil
}

func (s *stubEvidenceSource) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type stubPollSink struct {
	mu        sync.Mutex
	ingested  []domain.PaymentEvidence
	expired   []string
	ingestFn  func(domain.PaymentEvidence) (MatchResult, error)
	ingestErr error
}

func (s *stubPollSink) IngestEvidence(ctx context.Context, evidence domain.PaymentEvidence) (MatchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ingested = append(s.ingested, evidence)
	if s.ingestErr != nil {
		return MatchResult{}, s.ingestErr
	}
	if s.ingestFn != nil {
		return s.ingestFn(evidence)
	}
	return MatchResult{Outcome: MatchApplied, Previous: domain.QRStatusActive, New: domain.QRStatusPaid}, nil
}

func (s *stubPollSink) ExpireQR(ctx context.Context, qrID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expired = append(s.expired, qrID)
	return true, nil
}

func (s *stubPollSink) ingestedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ingested)
}

func (s *stubPollSink) expiredCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.expired)
}

func pollTestQR(singleUse bool, due time.Time) domain.QRCode {
	return domain.QRCode{
		ID:            uuid.NewString(),
		TransactionID: uuid.NewString(),
		Amount:        5000,
		Currency:      "BOB",
		Status:        domain.QRStatusActive,
		DueDate:       due,
		SingleUse:     singleUse,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestPoller_IngestsFoundEvidenceAndStopsOnSingleUse(t *testing.T) {
	qr := pollTestQR(true, time.Now().Add(time.Hour))
	source := &stubEvidenceSource{
		batches: [][]domain.PaymentEvidence{
			{{QRID: qr.ID, SourceTransactionID: "bank-tx-1", Amount: 5000, Currency: "BOB", Origin: domain.OriginPoll}},
		},
	}
	sink := &stubPollSink{}
	poller := NewPoller(sink, source, PollerConfig{Interval: 5 * time.Millisecond})
	defer poller.Stop()

	poller.Watch(qr)

	waitFor(t, "evidence ingestion", func() bool { return sink.ingestedCount() == 1 })
	waitFor(t, "watch teardown after single-use payment", func() bool { return poller.WatchCount() == 0 })
}

func TestPoller_ExpiresQRPastDueDate(t *testing.T) {
	qr := pollTestQR(true, time.Now().Add(10*time.Millisecond))
	sink := &stubPollSink{}
	poller := NewPoller(sink, &stubEvidenceSource{}, PollerConfig{Interval: 5 * time.Millisecond})
	defer poller.Stop()

	poller.Watch(qr)

	waitFor(t, "due-date expiry", func() bool { return sink.expiredCount() == 1 })
	waitFor(t, "watch teardown after expiry", func() bool { return poller.WatchCount() == 0 })
	if sink.ingestedCount() != 0 {
		t.Fatalf("no evidence existed; got %d ingestions", sink.ingestedCount())
	}
}

func TestPoller_LedgerFailureRetriesNextTick(t *testing.T) {
	qr := pollTestQR(true, time.Now().Add(time.Hour))
	source := &stubEvidenceSource{
		errFirst: errors.New("ledger unreachable"),
		batches: [][]domain.PaymentEvidence{
			{{QRID: qr.ID, SourceTransactionID: "bank-tx-2", Amount: 5000, Currency: "BOB", Origin: domain.OriginPoll}},
		},
	}
	sink := &stubPollSink{}
	poller := NewPoller(sink, source, PollerConfig{Interval: 5 * time.Millisecond})
	defer poller.Stop()

	poller.Watch(qr)

	waitFor(t, "ingestion after a failed tick", func() bool { return sink.ingestedCount() == 1 })
	if source.callCount() < 2 {
		t.Fatalf("expected at least two ledger queries, got %d", source.callCount())
	}
}

func TestPoller_StopsOnTerminalRejection(t *testing.T) {
	qr := pollTestQR(true, time.Now().Add(time.Hour))
	source := &stubEvidenceSource{
		batches: [][]domain.PaymentEvidence{
			{{QRID: qr.ID, SourceTransactionID: "bank-tx-3", Amount: 5000, Currency: "BOB", Origin: domain.OriginPoll}},
		},
	}
	sink := &stubPollSink{ingestErr: ErrAlreadyTerminal}
	poller := NewPoller(sink, source, PollerConfig{Interval: 5 * time.Millisecond})
	defer poller.Stop()

	poller.Watch(qr)

	waitFor(t, "watch teardown on terminal rejection", func() bool { return poller.WatchCount() == 0 })
}

func TestPoller_CeilingRetiresWatchWithoutExpiring(t *testing.T) {
	qr := pollTestQR(true, time.Now().Add(time.Hour))
	sink := &stubPollSink{}
	poller := NewPoller(sink, &stubEvidenceSource{}, PollerConfig{
		Interval: 5 * time.Millisecond,
		Ceiling:  20 * time.Millisecond,
	})
	defer poller.Stop()

	poller.Watch(qr)

	waitFor(t, "ceiling retirement", func() bool { return poller.WatchCount() == 0 })
	if sink.expiredCount() != 0 {
		t.Fatalf("ceiling retirement must not expire the QR; got %d expiries", sink.expiredCount())
	}
}

func TestPoller_WatchIsIdempotentAndStopWatchingIsSafe(t *testing.T) {
	qr := pollTestQR(true, time.Now().Add(time.Hour))
	poller := NewPoller(&stubPollSink{}, &stubEvidenceSource{}, PollerConfig{Interval: time.Hour})
	defer poller.Stop()

	poller.Watch(qr)
	poller.Watch(qr)
	if count := poller.WatchCount(); count != 1 {
		t.Fatalf("expected a single watch, got %d", count)
	}

	poller.StopWatching(qr.ID)
	poller.StopWatching(qr.ID)
	poller.StopWatching("never-watched")

	waitFor(t, "watch removal", func() bool { return poller.WatchCount() == 0 })
}
