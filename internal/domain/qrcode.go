/**
 * @description
 * This file defines the core domain models for the QR payment engine: the
 * QRCode entity and the PaymentEvidence assertion that drives its lifecycle.
 *
 * @notes
 * - Amounts are stored as `int64` in centavos (the smallest currency unit)
 *   to avoid floating-point inaccuracies with financial data. Bank payloads
 *   carry decimal amounts; they are converted at the boundary.
 * - A QRCode's `ID`/`TransactionID` pair is immutable after creation; only
 *   `Status` and `LastTransitionAt` change, and only through the registry.
 */

package domain

import (
	"math"
	"time"
)

// QRStatus is the lifecycle state of an issued QR code.
type QRStatus string

const (
	QRStatusActive    QRStatus = "ACTIVE"
	QRStatusPaid      QRStatus = "PAID"
	QRStatusExpired   QRStatus = "EXPIRED"
	QRStatusCancelled QRStatus = "CANCELLED"
)

// EvidenceOrigin identifies which ingestion path produced a payment assertion.
type EvidenceOrigin string

const (
	OriginWebhook EvidenceOrigin = "WEBHOOK"
	OriginPoll    EvidenceOrigin = "POLL"
)

// QRCode represents one issued payment request. It maps to the `qr_codes` table.
type QRCode struct {
	ID               string    `json:"id" db:"id"`
	TransactionID    string    `json:"transaction_id" db:"transaction_id"`
	Amount           int64     `json:"amount" db:"amount"` // in centavos
	Currency         string    `json:"currency" db:"currency"`
	Status           QRStatus  `json:"status" db:"status"`
	DueDate          time.Time `json:"due_date" db:"due_date"`
	SingleUse        bool      `json:"single_use" db:"single_use"`
	ModifyAmount     bool      `json:"modify_amount" db:"modify_amount"`
	CreatedAt        time.Time `json:"created_at" db:"created_at"`
	LastTransitionAt time.Time `json:"last_transition_at" db:"last_transition_at"`
}

// IsTerminal reports whether no further lifecycle transition is permitted.
// A PAID multi-use QR keeps accepting payment evidence, so it is terminal
// only when single-use.
func (q *QRCode) IsTerminal() bool {
	switch q.Status {
	case QRStatusExpired, QRStatusCancelled:
		return true
	case QRStatusPaid:
		return q.SingleUse
	default:
		return false
	}
}

// SenderInfo carries the free-form payer identity attached to evidence.
type SenderInfo struct {
	Name       string `json:"name,omitempty"`
	Account    string `json:"account,omitempty"`
	DocumentID string `json:"document_id,omitempty"`
	BankCode   string `json:"bank_code,omitempty"`
}

// PaymentEvidence is a normalized payment assertion, regardless of source.
// The `(QRID, SourceTransactionID)` pair is the dedup key: equivalent
// evidence is applied at most once.
type PaymentEvidence struct {
	QRID                string         `json:"qr_id" db:"qr_id"`
	SourceTransactionID string         `json:"source_transaction_id" db:"source_transaction_id"`
	Amount              int64          `json:"amount" db:"amount"` // in centavos
	Currency            string         `json:"currency" db:"currency"`
	OccurredAt          time.Time      `json:"occurred_at" db:"occurred_at"`
	Sender              SenderInfo     `json:"sender" db:"sender"`
	Description         string         `json:"description,omitempty" db:"description"`
	Origin              EvidenceOrigin `json:"origin" db:"origin"`
}

// CreateQRPayload defines the structure for issuing a new QR code.
type CreateQRPayload struct {
	TransactionID string  `json:"transactionId"`
	Amount        float64 `json:"amount"`
	Currency      string  `json:"currency"`
	DueDate       string  `json:"dueDate"` // RFC 3339
	SingleUse     bool    `json:"singleUse"`
	ModifyAmount  bool    `json:"modifyAmount"`
}

// AmountToCents converts a decimal currency amount to centavos.
func AmountToCents(amount float64) int64 {
	return int64(math.Round(amount * 100))
}

// CentsToAmount converts centavos back to a decimal currency amount.
func CentsToAmount(cents int64) float64 {
	return float64(cents) / 100
}
