/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository`
 * interface. Status transitions are expressed as conditional UPDATEs so the
 * database enforces the state machine even across multiple processes.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/linuxer41/pagui-sub001/internal/domain"
)

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// CreateQR inserts a freshly issued QR code.
func (r *PostgresRepository) CreateQR(ctx context.Context, qr *domain.QRCode) error {
	query := `
		INSERT INTO qr_codes (id, transaction_id, amount, currency, status, due_date, single_use, modify_amount, created_at, last_transition_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := r.db.Exec(ctx, query,
		qr.ID, qr.TransactionID, qr.Amount, qr.Currency, qr.Status,
		qr.DueDate, qr.SingleUse, qr.ModifyAmount, qr.CreatedAt, qr.LastTransitionAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateTransactionID
		}
		return err
	}
	return nil
}

// GetQR retrieves a QR code snapshot by its external id.
func (r *PostgresRepository) GetQR(ctx context.Context, qrID string) (*domain.QRCode, error) {
	var qr domain.QRCode
	query := `
		SELECT id, transaction_id, amount, currency, status, due_date, single_use, modify_amount, created_at, last_transition_at
		FROM qr_codes WHERE id = $1
	`
	err := r.db.QueryRow(ctx, query, qrID).Scan(
		&qr.ID, &qr.TransactionID, &qr.Amount, &qr.Currency, &qr.Status,
		&qr.DueDate, &qr.SingleUse, &qr.ModifyAmount, &qr.CreatedAt, &qr.LastTransitionAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrQRNotFound
		}
		return nil, err
	}
	return &qr, nil
}

// FindQRByTransactionID retrieves a QR code by the issuer-supplied idempotency key.
func (r *PostgresRepository) FindQRByTransactionID(ctx context.Context, transactionID string) (*domain.QRCode, error) {
	var qr domain.QRCode
	query := `
		SELECT id, transaction_id, amount, currency, status, due_date, single_use, modify_amount, created_at, last_transition_at
		FROM qr_codes WHERE transaction_id = $1
	`
	err := r.db.QueryRow(ctx, query, transactionID).Scan(
		&qr.ID, &qr.TransactionID, &qr.Amount, &qr.Currency, &qr.Status,
		&qr.DueDate, &qr.SingleUse, &qr.ModifyAmount, &qr.CreatedAt, &qr.LastTransitionAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrQRNotFound
		}
		return nil, err
	}
	return &qr, nil
}

// UpdateQRStatus transitions a QR code between statuses. The WHERE clause
// guards the expected prior status and forbids last_transition_at from
// moving backwards, so a lost race surfaces as zero affected rows instead
// of a double transition.
func (r *PostgresRepository) UpdateQRStatus(ctx context.Context, qrID string, from, to domain.QRStatus, at time.Time) (bool, error) {
	query := `
		UPDATE qr_codes
		SET status = $3, last_transition_at = $4
		WHERE id = $1 AND status = $2 AND last_transition_at <= $4
	`
	tag, err := r.db.Exec(ctx, query, qrID, from, to, at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ListActiveQRsDueBefore returns ACTIVE QR codes whose due date has passed.
func (r *PostgresRepository) ListActiveQRsDueBefore(ctx context.Context, deadline time.Time) ([]domain.QRCode, error) {
	query := `
		SELECT id, transaction_id, amount, currency, status, due_date, single_use, modify_amount, created_at, last_transition_at
		FROM qr_codes WHERE status = $1 AND due_date <= $2
		ORDER BY due_date ASC
	`
	rows, err := r.db.Query(ctx, query, domain.QRStatusActive, deadline)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.QRCode
	for rows.Next() {
		var qr domain.QRCode
		if err := rows.Scan(
			&qr.ID, &qr.TransactionID, &qr.Amount, &qr.Currency, &qr.Status,
			&qr.DueDate, &qr.SingleUse, &qr.ModifyAmount, &qr.CreatedAt, &qr.LastTransitionAt,
		); err != nil {
			return nil, err
		}
		result = append(result, qr)
	}
	return result, rows.Err()
}

// SaveEvidence appends applied payment evidence to the ledger.
func (r *PostgresRepository) SaveEvidence(ctx context.Context, evidence domain.PaymentEvidence) error {
	query := `
		INSERT INTO qr_payments (qr_id, source_transaction_id, amount, currency, occurred_at, sender_name, sender_account, sender_document_id, sender_bank_code, description, origin)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (qr_id, source_transaction_id) DO NOTHING
	`
	_, err := r.db.Exec(ctx, query,
		evidence.QRID, evidence.SourceTransactionID, evidence.Amount, evidence.Currency,
		evidence.OccurredAt, evidence.Sender.Name, evidence.Sender.Account,
		evidence.Sender.DocumentID, evidence.Sender.BankCode, evidence.Description, evidence.Origin,
	)
	return err
}

// ListEvidenceByQRID returns the applied payments for a QR, oldest first.
func (r *PostgresRepository) ListEvidenceByQRID(ctx context.Context, qrID string) ([]domain.PaymentEvidence, error) {
	query := `
		SELECT qr_id, source_transaction_id, amount, currency, occurred_at, sender_name, sender_account, sender_document_id, sender_bank_code, description, origin
		FROM qr_payments WHERE qr_id = $1
		ORDER BY occurred_at ASC
	`
	rows, err := r.db.Query(ctx, query, qrID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.PaymentEvidence
	for rows.Next() {
		var ev domain.PaymentEvidence
		if err := rows.Scan(
			&ev.QRID, &ev.SourceTransactionID, &ev.Amount, &ev.Currency, &ev.OccurredAt,
			&ev.Sender.Name, &ev.Sender.Account, &ev.Sender.DocumentID, &ev.Sender.BankCode,
			&ev.Description, &ev.Origin,
		); err != nil {
			return nil, err
		}
		result = append(result, ev)
	}
	return result, rows.Err()
}
