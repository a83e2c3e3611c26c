/**
 * @description
 * Wire shapes for the inbound bank payment webhook. The bank posts a decimal
 * amount with split date/time fields; NormalizeEvidence converts the payload
 * into the engine's PaymentEvidence shape (centavos, single timestamp).
 *
 * @notes
 * - `responseCode = 0` tells the bank the notification was consumed and it
 *   must stop retrying, even when the outcome was an idempotent no-op.
 */

package domain

import (
	"errors"
	"strings"
	"time"
)

// PaymentNotificationRequest is the envelope posted by the bank to
// /qr/notifyPaymentQR.
type PaymentNotificationRequest struct {
	Payment PaymentNotification `json:"payment"`
}

// PaymentNotification is the bank's payment push payload.
type PaymentNotification struct {
	QRID             string  `json:"qrId"`
	TransactionID    string  `json:"transactionId"`
	PaymentDate      string  `json:"paymentDate"` // YYYY-MM-DD
	PaymentTime      string  `json:"paymentTime"` // HH:MM:SS
	Currency         string  `json:"currency"`
	Amount           float64 `json:"amount"`
	SenderBankCode   string  `json:"senderBankCode"`
	SenderName       string  `json:"senderName"`
	SenderDocumentID string  `json:"senderDocumentId"`
	SenderAccount    string  `json:"senderAccount"`
	Description      string  `json:"description"`
}

// PaymentNotificationResponse is returned to the bank. Zero means the bank
// should consider the notification delivered.
type PaymentNotificationResponse struct {
	ResponseCode int    `json:"responseCode"`
	Message      string `json:"message"`
}

var ErrMalformedNotification = errors.New("malformed payment notification")

// NormalizeEvidence validates the shape of a bank notification and maps it
// to PaymentEvidence with origin WEBHOOK.
func (p PaymentNotification) NormalizeEvidence() (PaymentEvidence, error) {
	if strings.TrimSpace(p.QRID) == "" || strings.TrimSpace(p.TransactionID) == "" {
		return PaymentEvidence{}, ErrMalformedNotification
	}

	occurredAt, err := time.Parse("2006-01-02 15:04:05", p.PaymentDate+" "+p.PaymentTime)
	if err != nil {
		// Some bank gateways omit the time component; fall back to the date.
		occurredAt, err = time.Parse("2006-01-02", p.PaymentDate)
		if err != nil {
			return PaymentEvidence{}, ErrMalformedNotification
		}
	}

	return PaymentEvidence{
		QRID:                strings.TrimSpace(p.QRID),
		SourceTransactionID: strings.TrimSpace(p.TransactionID),
		Amount:              AmountToCents(p.Amount),
		Currency:            strings.ToUpper(strings.TrimSpace(p.Currency)),
		OccurredAt:          occurredAt,
		Sender: SenderInfo{
			Name:       strings.TrimSpace(p.SenderName),
			Account:    strings.TrimSpace(p.SenderAccount),
			DocumentID: strings.TrimSpace(p.SenderDocumentID),
			BankCode:   strings.TrimSpace(p.SenderBankCode),
		},
		Description: strings.TrimSpace(p.Description),
		Origin:      OriginWebhook,
	}, nil
}
