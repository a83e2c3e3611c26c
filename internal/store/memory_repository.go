/**
 * @description
 * In-memory implementation of the `Repository` interface. Used by the test
 * suite and as the bootstrap fallback when DATABASE_URL is not configured,
 * so the engine can run (without durability) in local development.
 */

package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/linuxer41/pagui-sub001/internal/domain"
)

// MemoryRepository keeps QR codes and the evidence ledger in process memory.
// All methods are safe for concurrent use.
type MemoryRepository struct {
	mu       sync.RWMutex
	qrs      map[string]domain.QRCode
	byTxID   map[string]string // transaction id -> qr id
	payments map[string][]domain.PaymentEvidence
}

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		qrs:      make(map[string]domain.QRCode),
		byTxID:   make(map[string]string),
		payments: make(map[string][]domain.PaymentEvidence),
	}
}

func (r *MemoryRepository) CreateQR(ctx context.Context, qr *domain.QRCode) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byTxID[qr.TransactionID]; exists {
		return ErrDuplicateTransactionID
	}
	if _, exists := r.qrs[qr.ID]; exists {
		return ErrDuplicateTransactionID
	}
	r.qrs[qr.ID] = *qr
	r.byTxID[qr.TransactionID] = qr.ID
	return nil
}

func (r *MemoryRepository) GetQR(ctx context.Context, qrID string) (*domain.QRCode, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	qr, ok := r.qrs[qrID]
	if !ok {
		return nil, ErrQRNotFound
	}
	copied := qr
	return &copied, nil
}

func (r *MemoryRepository) FindQRByTransactionID(ctx context.Context, transactionID string) (*domain.QRCode, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	qrID, ok := r.byTxID[transactionID]
	if !ok {
		return nil, ErrQRNotFound
	}
	qr := r.qrs[qrID]
	return &qr, nil
}

func (r *MemoryRepository) UpdateQRStatus(ctx context.Context, qrID string, from, to domain.QRStatus, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	qr, ok := r.qrs[qrID]
	if !ok {
		return false, ErrQRNotFound
	}
	if qr.Status != from || qr.LastTransitionAt.After(at) {
		return false, nil
	}
	qr.Status = to
	qr.LastTransitionAt = at
	r.qrs[qrID] = qr
	return true, nil
}

func (r *MemoryRepository) ListActiveQRsDueBefore(ctx context.Context, deadline time.Time) ([]domain.QRCode, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []domain.QRCode
	for _, qr := range r.qrs {
		if qr.Status == domain.QRStatusActive && !qr.DueDate.After(deadline) {
			result = append(result, qr)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].DueDate.Before(result[j].DueDate) })
	return result, nil
}

func (r *MemoryRepository) SaveEvidence(ctx context.Context, evidence domain.PaymentEvidence) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.payments[evidence.QRID] {
		if existing.SourceTransactionID == evidence.SourceTransactionID {
			return nil
		}
	}
	r.payments[evidence.QRID] = append(r.payments[evidence.QRID], evidence)
	return nil
}

func (r *MemoryRepository) ListEvidenceByQRID(ctx context.Context, qrID string) ([]domain.PaymentEvidence, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	list := r.payments[qrID]
	result := make([]domain.PaymentEvidence, len(list))
	copy(result, list)
	return result, nil
}
