/**
 * @description
 * This file defines the `Repository` interface, the contract for all data
 * access the engine needs. The interface decouples the registry and the
 * sweep jobs from the concrete backend (PostgreSQL in production, an
 * in-memory store for tests and database-less runs).
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - internal/domain: For the engine's domain models.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/linuxer41/pagui-sub001/internal/domain"
)

var (
	// ErrQRNotFound is returned when a QR id does not exist.
	ErrQRNotFound = errors.New("qr code not found")
	// ErrDuplicateTransactionID is returned when issuing a QR with a
	// transaction id already used by the issuer.
	ErrDuplicateTransactionID = errors.New("transaction id already in use")
)

// Repository defines the set of methods for persisting QR codes and the
// evidence ledger. Status mutations go through UpdateQRStatus, which is
// conditional on the expected prior status so concurrent writers cannot
// both win a transition.
type Repository interface {
	// QR code methods
	CreateQR(ctx context.Context, qr *domain.QRCode) error
	GetQR(ctx context.Context, qrID string) (*domain.QRCode, error)
	FindQRByTransactionID(ctx context.Context, transactionID string) (*domain.QRCode, error)
	// UpdateQRStatus transitions qrID from `from` to `to` and advances
	// last_transition_at. It returns false when the row was not in `from`
	// anymore (somebody else transitioned first).
	UpdateQRStatus(ctx context.Context, qrID string, from, to domain.QRStatus, at time.Time) (bool, error)
	ListActiveQRsDueBefore(ctx context.Context, deadline time.Time) ([]domain.QRCode, error)

	// Evidence ledger methods
	SaveEvidence(ctx context.Context, evidence domain.PaymentEvidence) error
	ListEvidenceByQRID(ctx context.Context, qrID string) ([]domain.PaymentEvidence, error)
}
