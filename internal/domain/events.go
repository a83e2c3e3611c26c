/**
 * @description
 * Lifecycle event types delivered to push-channel subscribers and mirrored
 * to the message broker. Delivery ordering is FIFO per connection;
 * cross-connection ordering is not guaranteed.
 */

package domain

import "time"

// EventType identifies the kind of push-channel event.
type EventType string

const (
	EventConnection     EventType = "connection"
	EventHeartbeat      EventType = "heartbeat"
	EventQRCreated      EventType = "qr_created"
	EventQRStatusChange EventType = "qr_status_change"
	EventQRPayment      EventType = "qr_payment"
)

// QREvent is the envelope pushed to subscribers. Fields are populated
// according to Type; zero-valued fields are omitted on the wire.
type QREvent struct {
	Type           EventType        `json:"type"`
	QRID           string           `json:"qr_id,omitempty"`
	ConnectionID   string           `json:"connection_id,omitempty"`
	Timestamp      time.Time        `json:"timestamp"`
	PreviousStatus QRStatus         `json:"previous_status,omitempty"`
	NewStatus      QRStatus         `json:"new_status,omitempty"`
	Amount         int64            `json:"amount,omitempty"`
	Currency       string           `json:"currency,omitempty"`
	DueDate        *time.Time       `json:"due_date,omitempty"`
	Payment        *PaymentEvidence `json:"payment,omitempty"`
}

// NewStatusChangeEvent builds the qr_status_change event for a transition.
func NewStatusChangeEvent(qr *QRCode, previous, next QRStatus) QREvent {
	due := qr.DueDate
	return QREvent{
		Type:           EventQRStatusChange,
		QRID:           qr.ID,
		Timestamp:      time.Now().UTC(),
		PreviousStatus: previous,
		NewStatus:      next,
		Amount:         qr.Amount,
		Currency:       qr.Currency,
		DueDate:        &due,
	}
}

// NewPaymentEvent builds the qr_payment event for just-applied evidence.
func NewPaymentEvent(qrID string, evidence PaymentEvidence) QREvent {
	ev := evidence
	return QREvent{
		Type:      EventQRPayment,
		QRID:      qrID,
		Timestamp: time.Now().UTC(),
		Amount:    evidence.Amount,
		Currency:  evidence.Currency,
		Payment:   &ev,
	}
}

// NewCreatedEvent builds the qr_created event for a freshly issued QR.
func NewCreatedEvent(qr *QRCode) QREvent {
	due := qr.DueDate
	return QREvent{
		Type:      EventQRCreated,
		QRID:      qr.ID,
		Timestamp: time.Now().UTC(),
		NewStatus: qr.Status,
		Amount:    qr.Amount,
		Currency:  qr.Currency,
		DueDate:   &due,
	}
}
