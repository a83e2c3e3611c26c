/**
 * @description
 * The payment matcher is the single funnel between the two evidence sources
 * (bank webhook, reconciliation poll) and the registry. It makes the engine
 * idempotent under at-least-once delivery: equivalent evidence is applied
 * exactly once, and everything after the first claim is reported as a
 * duplicate instead of re-touching the registry.
 *
 * @dependencies
 * - internal/domain, internal/store: Models and the not-found sentinel.
 */

package app

import (
	"context"
	"fmt"
	"log"

	"github.com/linuxer41/pagui-sub001/internal/domain"
)

// MatchOutcome classifies the result of ingesting one piece of evidence.
type MatchOutcome string

const (
	// MatchApplied means the registry accepted the evidence.
	MatchApplied MatchOutcome = "APPLIED"
	// MatchDuplicate means equivalent evidence was already consumed; the
	// registry was not touched.
	MatchDuplicate MatchOutcome = "DUPLICATE_IGNORED"
)

// MatchResult reports what happened to one piece of evidence. Previous and
// New are populated for MatchApplied; Previous == New == PAID signals a
// repeat payment on a multi-use QR.
type MatchResult struct {
	Outcome  MatchOutcome
	Previous domain.QRStatus
	New      domain.QRStatus
}

// FirstPayment reports whether the evidence changed the QR's status.
func (r MatchResult) FirstPayment() bool {
	return r.Outcome == MatchApplied && r.Previous != r.New
}

// PaymentMatcher validates and applies normalized evidence idempotently.
type PaymentMatcher struct {
	registry *QRRegistry
	dedup    DedupIndex
}

// NewPaymentMatcher creates a matcher over the given registry and dedup index.
func NewPaymentMatcher(registry *QRRegistry, dedup DedupIndex) *PaymentMatcher {
	return &PaymentMatcher{registry: registry, dedup: dedup}
}

// Ingest applies one piece of payment evidence. The QR lookup happens
// before the dedup claim so unknown ids never consume a key; a registry
// rejection releases the claim so corrected evidence with the same source
// transaction id can still land.
func (m *PaymentMatcher) Ingest(ctx context.Context, evidence domain.PaymentEvidence) (MatchResult, error) {
	if _, err := m.registry.Get(ctx, evidence.QRID); err != nil {
		return MatchResult{}, err
	}

	claimed, err := m.dedup.Claim(ctx, evidence.QRID, evidence.SourceTransactionID)
	if err != nil {
		return MatchResult{}, fmt.Errorf("dedup claim failed: %w", err)
	}
	if !claimed {
		log.Printf("level=info component=matcher msg=\"duplicate evidence ignored\" qr_id=%s source_tx_id=%s origin=%s",
			evidence.QRID, evidence.SourceTransactionID, evidence.Origin)
		return MatchResult{Outcome: MatchDuplicate}, nil
	}

	previous, next, err := m.registry.ApplyPayment(ctx, evidence.QRID, evidence)
	if err != nil {
		if releaseErr := m.dedup.Release(ctx, evidence.QRID, evidence.SourceTransactionID); releaseErr != nil {
			log.Printf("level=error component=matcher msg=\"failed to release dedup key after registry rejection\" qr_id=%s source_tx_id=%s err=%v",
				evidence.QRID, evidence.SourceTransactionID, releaseErr)
		}
		return MatchResult{}, err
	}

	return MatchResult{Outcome: MatchApplied, Previous: previous, New: next}, nil
}
