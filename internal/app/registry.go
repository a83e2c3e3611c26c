/**
 * @description
 * The QR registry is the single authority over QR lifecycle state. Every
 * status mutation in the system goes through ApplyPayment, Expire, or
 * Cancel; no other component writes status. Transitions for one QR are
 * serialized in-process by a per-id lock and additionally guarded in the
 * store by conditional updates, so a webhook and a concurrent poll tick can
 * never both win the same transition.
 *
 * @dependencies
 * - internal/store: Repository contract and not-found sentinel.
 * - internal/domain: QRCode and PaymentEvidence models.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/linuxer41/pagui-sub001/internal/domain"
	"github.com/linuxer41/pagui-sub001/internal/store"
)

var (
	// ErrAlreadyTerminal is returned when a transition targets an EXPIRED or
	// CANCELLED QR. Callers treat it as a benign idempotent no-op.
	ErrAlreadyTerminal = errors.New("qr code is in a terminal state")
	// ErrAlreadyPaid is returned when payment evidence targets a single-use
	// QR that has already been paid.
	ErrAlreadyPaid = errors.New("qr code has already been paid")
	// ErrAmountMismatch is returned when evidence violates the QR's amount
	// policy. The QR is left unchanged.
	ErrAmountMismatch = errors.New("payment amount does not match qr amount")
	// ErrInvalidState is returned when cancel is attempted on a non-ACTIVE QR.
	ErrInvalidState = errors.New("qr code is not in a cancellable state")
	// ErrTransitionConflict is returned when a concurrent writer won the
	// same transition in the store between our read and write.
	ErrTransitionConflict = errors.New("qr status transition lost to a concurrent writer")
)

// QRRegistry owns the QR state machine on top of the repository.
type QRRegistry struct {
	repo store.Repository

	// per-QR transition locks; entries live for the life of the process.
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewQRRegistry creates a registry backed by the given repository.
func NewQRRegistry(repo store.Repository) *QRRegistry {
	return &QRRegistry{
		repo:  repo,
		locks: make(map[string]*sync.Mutex),
	}
}

func (r *QRRegistry) lockFor(qrID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.locks[qrID]
	if !ok {
		l = &sync.Mutex{}
		r.locks[qrID] = l
	}
	return l
}

// Create persists a new QR in ACTIVE state.
func (r *QRRegistry) Create(ctx context.Context, qr *domain.QRCode) error {
	now := time.Now().UTC()
	qr.Status = domain.QRStatusActive
	if qr.CreatedAt.IsZero() {
		qr.CreatedAt = now
	}
	qr.LastTransitionAt = qr.CreatedAt
	return r.repo.CreateQR(ctx, qr)
}

// Get returns the current snapshot of a QR.
func (r *QRRegistry) Get(ctx context.Context, qrID string) (*domain.QRCode, error) {
	return r.repo.GetQR(ctx, qrID)
}

// ApplyPayment validates payment evidence against the QR's state and amount
// policy and, on success, transitions the QR to PAID (first payment) or
// records a repeat payment (multi-use QR already PAID). It returns the prior
// and new status so the caller can tell a first payment from a repeat one.
func (r *QRRegistry) ApplyPayment(ctx context.Context, qrID string, evidence domain.PaymentEvidence) (previous, next domain.QRStatus, err error) {
	lock := r.lockFor(qrID)
	lock.Lock()
	defer lock.Unlock()

	qr, err := r.repo.GetQR(ctx, qrID)
	if err != nil {
		return "", "", err
	}

	switch qr.Status {
	case domain.QRStatusExpired, domain.QRStatusCancelled:
		return qr.Status, qr.Status, ErrAlreadyTerminal
	case domain.QRStatusPaid:
		if qr.SingleUse {
			return qr.Status, qr.Status, ErrAlreadyPaid
		}
	}

	if err := validateAmount(qr, evidence); err != nil {
		return qr.Status, qr.Status, err
	}

	now := time.Now().UTC()
	if qr.Status == domain.QRStatusActive {
		ok, err := r.repo.UpdateQRStatus(ctx, qrID, domain.QRStatusActive, domain.QRStatusPaid, now)
		if err != nil {
			return "", "", fmt.Errorf("failed to persist paid transition: %w", err)
		}
		if !ok {
			return "", "", ErrTransitionConflict
		}
	}

	if err := r.repo.SaveEvidence(ctx, evidence); err != nil {
		// The transition is already durable and the evidence row is
		// re-creatable from the bank's records. Failing here would lose the
		// notification fan-out for a payment that did land, so the payment
		// is reported as applied.
		log.Printf("level=error component=registry op=apply_payment qr_id=%s source_tx_id=%s error=%q msg=\"payment applied but evidence persistence failed\"",
			qrID, evidence.SourceTransactionID, err)
	}

	return qr.Status, domain.QRStatusPaid, nil
}

// Expire moves an ACTIVE QR to EXPIRED. It is a no-op (false, nil) when the
// QR is in any other state.
func (r *QRRegistry) Expire(ctx context.Context, qrID string) (bool, error) {
	lock := r.lockFor(qrID)
	lock.Lock()
	defer lock.Unlock()

	qr, err := r.repo.GetQR(ctx, qrID)
	if err != nil {
		return false, err
	}
	if qr.Status != domain.QRStatusActive {
		return false, nil
	}
	return r.repo.UpdateQRStatus(ctx, qrID, domain.QRStatusActive, domain.QRStatusExpired, time.Now().UTC())
}

// Cancel moves an ACTIVE QR to CANCELLED. Any other prior state fails with
// ErrInvalidState (terminal states additionally map to ErrAlreadyTerminal).
func (r *QRRegistry) Cancel(ctx context.Context, qrID string) error {
	lock := r.lockFor(qrID)
	lock.Lock()
	defer lock.Unlock()

	qr, err := r.repo.GetQR(ctx, qrID)
	if err != nil {
		return err
	}
	if qr.Status != domain.QRStatusActive {
		return ErrInvalidState
	}
	ok, err := r.repo.UpdateQRStatus(ctx, qrID, domain.QRStatusActive, domain.QRStatusCancelled, time.Now().UTC())
	if err != nil {
		return err
	}
	if !ok {
		return ErrTransitionConflict
	}
	return nil
}

// validateAmount enforces the QR's amount policy: exact match unless
// modify_amount is set, in which case any positive amount in the QR's
// currency is accepted.
func validateAmount(qr *domain.QRCode, evidence domain.PaymentEvidence) error {
	if evidence.Amount <= 0 {
		return ErrAmountMismatch
	}
	if evidence.Currency != "" && qr.Currency != "" && evidence.Currency != qr.Currency {
		return ErrAmountMismatch
	}
	if !qr.ModifyAmount && evidence.Amount != qr.Amount {
		return ErrAmountMismatch
	}
	return nil
}
