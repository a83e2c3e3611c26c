/**
 * @description
 * This file contains the orchestration layer of the QR payment engine. The
 * Service sits between the API handlers, the background workers (poller,
 * sweeper) and the core components (registry, matcher, broadcaster), and is
 * the single place where a lifecycle change fans out into notifications:
 * every applied payment, expiry and cancellation reaches SSE subscribers via
 * the broadcaster and downstream consumers via the RabbitMQ producer.
 *
 * Key features:
 * - Idempotent issuance: re-issuing a QR for a transaction id that already
 *   has one returns the existing QR instead of failing.
 * - Single ingestion funnel: webhook and polled evidence both land in
 *   IngestEvidence, so ordering and terminal cleanup are uniform.
 * - Terminal cleanup: when a QR reaches a terminal state its poller watch is
 *   torn down and its bound subscriptions are closed after the final event.
 *
 * @dependencies
 * - github.com/google/uuid: QR id generation.
 * - github.com/linuxer41/pagui-sub001/internal/store: Persistence interface.
 * - github.com/linuxer41/pagui-sub001/pkg/rabbitmq: Event mirror producer.
 */
package app

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/linuxer41/pagui-sub001/internal/domain"
	"github.com/linuxer41/pagui-sub001/internal/store"
	"github.com/linuxer41/pagui-sub001/pkg/rabbitmq"
)

// ErrInvalidPayload is returned when an issuance request fails validation.
var ErrInvalidPayload = fmt.Errorf("invalid QR payload")

// Service orchestrates the QR lifecycle and its notification fan-out.
type Service struct {
	repo        store.Repository
	registry    *QRRegistry
	matcher     *PaymentMatcher
	broadcaster *Broadcaster
	poller      *Poller
	producer    rabbitmq.Publisher
	exchange    string
}

// NewService wires the engine together. A nil evidence source disables the
// reconciliation poller (webhooks and the sweep still work).
func NewService(
	repo store.Repository,
	registry *QRRegistry,
	matcher *PaymentMatcher,
	broadcaster *Broadcaster,
	producer rabbitmq.Publisher,
	exchange string,
	source EvidenceSource,
	pollCfg PollerConfig,
) *Service {
	s := &Service{
		repo:        repo,
		registry:    registry,
		matcher:     matcher,
		broadcaster: broadcaster,
		producer:    producer,
		exchange:    exchange,
	}
	if source != nil {
		s.poller = NewPoller(s, source, pollCfg)
	}
	return s
}

// Start resumes reconciliation watches for QRs that were ACTIVE when the
// process last stopped. Watches beyond the poll ceiling would retire
// immediately, so only QRs due within it are resumed; the sweep covers the
// rest.
func (s *Service) Start(ctx context.Context) error {
	if s.poller == nil {
		return nil
	}
	horizon := time.Now().UTC().Add(s.poller.ceiling)
	active, err := s.repo.ListActiveQRsDueBefore(ctx, horizon)
	if err != nil {
		return fmt.Errorf("failed to resume poller watches: %w", err)
	}
	for _, qr := range active {
		s.poller.Watch(qr)
	}
	if len(active) > 0 {
		log.Printf("level=info component=service op=start resumed_watches=%d", len(active))
	}
	return nil
}

// Shutdown stops the background workers and closes every subscription.
func (s *Service) Shutdown() {
	if s.poller != nil {
		s.poller.Stop()
	}
	s.broadcaster.Close()
}

// CreateQR issues a new QR code, or returns the existing one when the
// transaction id was already issued. The boolean reports whether a new QR
// was created.
func (s *Service) CreateQR(ctx context.Context, payload domain.CreateQRPayload) (*domain.QRCode, bool, error) {
	transactionID := strings.TrimSpace(payload.TransactionID)
	if transactionID == "" {
		return nil, false, fmt.Errorf("%w: transactionId is required", ErrInvalidPayload)
	}
	if payload.Amount <= 0 {
		return nil, false, fmt.Errorf("%w: amount must be positive", ErrInvalidPayload)
	}
	currency := strings.ToUpper(strings.TrimSpace(payload.Currency))
	if currency == "" {
		return nil, false, fmt.Errorf("%w: currency is required", ErrInvalidPayload)
	}
	dueDate, err := time.Parse(time.RFC3339, payload.DueDate)
	if err != nil {
		return nil, false, fmt.Errorf("%w: dueDate must be RFC 3339", ErrInvalidPayload)
	}

	if existing, err := s.repo.FindQRByTransactionID(ctx, transactionID); err == nil {
		return existing, false, nil
	} else if err != store.ErrQRNotFound {
		return nil, false, err
	}

	qr := &domain.QRCode{
		ID:            uuid.NewString(),
		TransactionID: transactionID,
		Amount:        domain.AmountToCents(payload.Amount),
		Currency:      currency,
		DueDate:       dueDate.UTC(),
		SingleUse:     payload.SingleUse,
		ModifyAmount:  payload.ModifyAmount,
	}
	if err := s.registry.Create(ctx, qr); err != nil {
		if err == store.ErrDuplicateTransactionID {
			// Lost an issuance race; hand back the winner's QR.
			if existing, findErr := s.repo.FindQRByTransactionID(ctx, transactionID); findErr == nil {
				return existing, false, nil
			}
		}
		return nil, false, err
	}

	if s.poller != nil {
		s.poller.Watch(*qr)
	}
	created := domain.NewCreatedEvent(qr)
	s.broadcaster.Publish(qr.ID, created)
	s.mirror(rabbitmq.RoutingKeyQRCreated, created)

	log.Printf("level=info component=service op=create_qr qr_id=%s transaction_id=%s amount=%d currency=%s single_use=%t", qr.ID, qr.TransactionID, qr.Amount, qr.Currency, qr.SingleUse)
	return qr, true, nil
}

// GetQR returns a QR and the payment evidence applied against it.
func (s *Service) GetQR(ctx context.Context, qrID string) (*domain.QRCode, []domain.PaymentEvidence, error) {
	qr, err := s.registry.Get(ctx, qrID)
	if err != nil {
		return nil, nil, err
	}
	payments, err := s.repo.ListEvidenceByQRID(ctx, qrID)
	if err != nil {
		return nil, nil, err
	}
	return qr, payments, nil
}

// IngestEvidence funnels one normalized payment assertion through the
// matcher and fans out the resulting notifications. It is the only payment
// path: webhook handlers and the poller both call it.
func (s *Service) IngestEvidence(ctx context.Context, evidence domain.PaymentEvidence) (MatchResult, error) {
	result, err := s.matcher.Ingest(ctx, evidence)
	if err != nil {
		return result, err
	}
	if result.Outcome != MatchApplied {
		return result, nil
	}

	qr, getErr := s.registry.Get(ctx, evidence.QRID)
	if getErr != nil {
		// The payment landed; notification fan-out just loses the QR detail.
		log.Printf("level=error component=service op=ingest qr_id=%s error=%q msg=\"applied payment but could not reload QR\"", evidence.QRID, getErr)
		return result, nil
	}

	paymentEvent := domain.NewPaymentEvent(qr.ID, evidence)
	s.mirror(rabbitmq.RoutingKeyPaymentApplied, paymentEvent)

	if result.FirstPayment() {
		statusEvent := domain.NewStatusChangeEvent(qr, result.Previous, result.New)
		if qr.IsTerminal() {
			// Payment event first, then the final status change closes the
			// bound subscriptions.
			s.broadcaster.Publish(qr.ID, paymentEvent)
			s.broadcaster.CloseQR(qr.ID, statusEvent)
			if s.poller != nil {
				s.poller.StopWatching(qr.ID)
			}
		} else {
			s.broadcaster.Publish(qr.ID, paymentEvent)
			s.broadcaster.Publish(qr.ID, statusEvent)
		}
	} else {
		// Repeat payment on a multi-use QR: no status change to announce.
		s.broadcaster.Publish(qr.ID, paymentEvent)
	}

	log.Printf("level=info component=service op=ingest qr_id=%s source_tx_id=%s origin=%s outcome=%s", qr.ID, evidence.SourceTransactionID, evidence.Origin, result.Outcome)
	return result, nil
}

// ExpireQR drives the ACTIVE -> EXPIRED transition. It reports false when
// the QR was no longer ACTIVE (someone paid or cancelled it first).
func (s *Service) ExpireQR(ctx context.Context, qrID string) (bool, error) {
	expired, err := s.registry.Expire(ctx, qrID)
	if err != nil || !expired {
		return expired, err
	}

	qr, getErr := s.registry.Get(ctx, qrID)
	if getErr != nil {
		log.Printf("level=error component=service op=expire qr_id=%s error=%q msg=\"expired QR but could not reload it\"", qrID, getErr)
		return true, nil
	}

	statusEvent := domain.NewStatusChangeEvent(qr, domain.QRStatusActive, domain.QRStatusExpired)
	s.broadcaster.CloseQR(qrID, statusEvent)
	if s.poller != nil {
		s.poller.StopWatching(qrID)
	}
	s.mirror(rabbitmq.RoutingKeyStatusExpired, statusEvent)
	return true, nil
}

// CancelQR drives the ACTIVE -> CANCELLED transition. Cancelling a QR in
// any other state returns ErrInvalidState.
func (s *Service) CancelQR(ctx context.Context, qrID string) error {
	if err := s.registry.Cancel(ctx, qrID); err != nil {
		return err
	}

	qr, getErr := s.registry.Get(ctx, qrID)
	if getErr != nil {
		log.Printf("level=error component=service op=cancel qr_id=%s error=%q msg=\"cancelled QR but could not reload it\"", qrID, getErr)
		return nil
	}

	statusEvent := domain.NewStatusChangeEvent(qr, domain.QRStatusActive, domain.QRStatusCancelled)
	s.broadcaster.CloseQR(qrID, statusEvent)
	if s.poller != nil {
		s.poller.StopWatching(qrID)
	}
	s.mirror(rabbitmq.RoutingKeyStatusCancelled, statusEvent)

	log.Printf("level=info component=service op=cancel qr_id=%s", qrID)
	return nil
}

// SubscribeQR opens a per-QR event subscription. After the connection
// handshake the subscriber immediately receives a snapshot of the QR's
// current status, so a client that races a transition never renders stale
// state. The subscription is registered before the snapshot read; a terminal
// transition landing in between reaches it through CloseQR instead of
// slipping past an unregistered subscriber. A subscription to an
// already-terminal QR gets the snapshot and is closed right after.
func (s *Service) SubscribeQR(ctx context.Context, qrID string) (*Subscription, error) {
	sub := s.broadcaster.Subscribe(qrID)

	qr, err := s.registry.Get(ctx, qrID)
	if err != nil {
		s.broadcaster.Unsubscribe(sub.ConnectionID)
		return nil, err
	}

	snapshot := domain.NewStatusChangeEvent(qr, qr.Status, qr.Status)
	s.broadcaster.SendTo(sub.ConnectionID, snapshot)
	if qr.IsTerminal() {
		s.broadcaster.Unsubscribe(sub.ConnectionID)
	}
	return sub, nil
}

// SubscribeAll opens the wildcard subscription carrying events for every QR.
func (s *Service) SubscribeAll(ctx context.Context) *Subscription {
	return s.broadcaster.SubscribeAll()
}

// Ack records that a subscription's transport wrote a frame to the client,
// keeping it clear of dead-subscriber eviction.
func (s *Service) Ack(connectionID string) {
	s.broadcaster.Ack(connectionID)
}

// Unsubscribe tears down a subscription when its transport ends.
func (s *Service) Unsubscribe(connectionID string) {
	s.broadcaster.Unsubscribe(connectionID)
}

// mirror publishes an event to the RabbitMQ exchange. Broker failures are
// logged and swallowed: the SSE path is the primary channel and must not be
// blocked by the mirror.
func (s *Service) mirror(routingKey string, event domain.QREvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.producer.Publish(ctx, s.exchange, routingKey, event); err != nil {
		log.Printf("level=warn component=service op=mirror routing_key=%s qr_id=%s error=%q", routingKey, event.QRID, err)
	}
}
