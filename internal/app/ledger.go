/**
 * @description
 * This file adapts the bank ledger API client into the evidence source the
 * reconciliation poller consumes. The adapter maps the ledger's wire records
 * into domain payment evidence with a POLL origin, so the matcher treats
 * polled payments exactly like webhook ones.
 *
 * @dependencies
 * - github.com/linuxer41/pagui-sub001/internal/domain: Evidence shape.
 * - github.com/linuxer41/pagui-sub001/pkg/ledgerclient: Ledger API client.
 */
package app

import (
	"context"
	"strings"
	"time"

	"github.com/linuxer41/pagui-sub001/internal/domain"
	"github.com/linuxer41/pagui-sub001/pkg/ledgerclient"
)

// EvidenceSource yields the payment evidence an external system of record
// currently holds for a QR. The poller queries it on every tick.
type EvidenceSource interface {
	FetchEvidence(ctx context.Context, qrID string) ([]domain.PaymentEvidence, error)
}

// LedgerEvidenceSource implements EvidenceSource on top of the ledger API.
type LedgerEvidenceSource struct {
	client *ledgerclient.Client
}

// NewLedgerEvidenceSource creates an evidence source backed by the given
// ledger client.
func NewLedgerEvidenceSource(client *ledgerclient.Client) *LedgerEvidenceSource {
	return &LedgerEvidenceSource{client: client}
}

// FetchEvidence queries the ledger and normalizes its records into domain
// evidence. Records with an unparsable timestamp keep the fetch time so a
// bad clock on the ledger side never drops a payment.
func (s *LedgerEvidenceSource) FetchEvidence(ctx context.Context, qrID string) ([]domain.PaymentEvidence, error) {
	records, err := s.client.QueryPayments(ctx, qrID)
	if err != nil {
		return nil, err
	}

	evidence := make([]domain.PaymentEvidence, 0, len(records))
	for _, rec := range records {
		occurredAt := time.Now().UTC()
		if ts, err := time.Parse("2006-01-02 15:04:05", rec.PaymentDate+" "+rec.PaymentTime); err == nil {
			occurredAt = ts.UTC()
		} else if d, err := time.Parse("2006-01-02", rec.PaymentDate); err == nil {
			occurredAt = d.UTC()
		}

		evidence = append(evidence, domain.PaymentEvidence{
			QRID:                qrID,
			SourceTransactionID: strings.TrimSpace(rec.TransactionID),
			Amount:              domain.AmountToCents(rec.Amount),
			Currency:            strings.ToUpper(strings.TrimSpace(rec.Currency)),
			OccurredAt:          occurredAt,
			Sender: domain.SenderInfo{
				BankCode:   rec.SenderBankCode,
				Name:       rec.SenderName,
				DocumentID: rec.SenderDocumentID,
				Account:    rec.SenderAccount,
			},
			Description: rec.Description,
			Origin:      domain.OriginPoll,
		})
	}
	return evidence, nil
}
