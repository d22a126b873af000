package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/transfa/payments-core/internal/domain"
)

const transactionColumns = `
	id, external_ref, sender_id, recipient_id, source_account_id,
	destination_account_id, destination_beneficiary_id, money_drop_id, type, category, status,
	amount, fee, description, transfer_type, failure_reason, external_session_id,
	external_reason, created_at, updated_at`

func scanTransaction(row pgx.Row) (*domain.Transaction, error) {
	var tx domain.Transaction
	err := row.Scan(
		&tx.ID,
		&tx.ExternalRef,
		&tx.SenderID,
		&tx.RecipientID,
		&tx.SourceAccountID,
		&tx.DestinationAccountID,
		&tx.DestinationBeneficiaryID,
		&tx.MoneyDropID,
		&tx.Type,
		&tx.Category,
		&tx.Status,
		&tx.Amount,
		&tx.Fee,
		&tx.Description,
		&tx.TransferType,
		&tx.FailureReason,
		&tx.ExternalSessionID,
		&tx.ExternalReason,
		&tx.CreatedAt,
		&tx.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

// CreateTransaction inserts a new transaction record. Callers write the record as
// pending before any settlement attempt.
func (r *PostgresRepository) CreateTransaction(ctx context.Context, tx *domain.Transaction) error {
	if tx.ID == uuid.Nil {
		tx.ID = uuid.New()
	}
	if tx.Status == "" {
		tx.Status = domain.TransactionStatusPending
	}
	query := `
		INSERT INTO transactions (
			id,
			sender_id,
			recipient_id,
			source_account_id,
			destination_account_id,
			destination_beneficiary_id,
			money_drop_id,
			type,
			category,
			status,
			amount,
			fee,
			description,
			external_ref,
			transfer_type,
			failure_reason,
			external_session_id,
			external_reason
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		RETURNING created_at, updated_at
	`
	return r.db.QueryRow(ctx, query,
		tx.ID,
		tx.SenderID,
		tx.RecipientID,
		tx.SourceAccountID,
		tx.DestinationAccountID,
		tx.DestinationBeneficiaryID,
		tx.MoneyDropID,
		tx.Type,
		tx.Category,
		tx.Status,
		tx.Amount,
		tx.Fee,
		tx.Description,
		tx.ExternalRef,
		tx.TransferType,
		tx.FailureReason,
		tx.ExternalSessionID,
		tx.ExternalReason,
	).Scan(&tx.CreatedAt, &tx.UpdatedAt)
}

func (r *PostgresRepository) FindTransactionByID(ctx context.Context, transactionID uuid.UUID) (*domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE id = $1`
	tx, err := scanTransaction(r.db.QueryRow(ctx, query, transactionID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return tx, nil
}

func (r *PostgresRepository) FindTransactionByExternalRef(ctx context.Context, externalRef string) (*domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE external_ref = $1`
	tx, err := scanTransaction(r.db.QueryRow(ctx, query, externalRef))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return tx, nil
}

// ListTransactionsByUserID returns the user's history as sender or recipient, newest first.
func (r *PostgresRepository) ListTransactionsByUserID(ctx context.Context, userID uuid.UUID, limit, offset int) ([]domain.Transaction, error) {
	limit, offset = normalizePage(limit, offset, 20)
	query := `
		SELECT ` + transactionColumns + `
		FROM transactions
		WHERE sender_id = $1 OR recipient_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`
	rows, err := r.db.Query(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	transactions := make([]domain.Transaction, 0, limit)
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, *tx)
	}
	return transactions, rows.Err()
}

// UpdateTransactionStatus updates the status and external reference of a transaction.
func (r *PostgresRepository) UpdateTransactionStatus(ctx context.Context, transactionID uuid.UUID, externalRef, status string) error {
	query := `UPDATE transactions SET status = $1, external_ref = NULLIF($2, ''), updated_at = NOW() WHERE id = $3`
	tag, err := r.db.Exec(ctx, query, status, externalRef, transactionID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrTransactionNotFound
	}
	return nil
}

// UpdateTransactionStatusAndFee updates status, external reference and fee.
func (r *PostgresRepository) UpdateTransactionStatusAndFee(ctx context.Context, transactionID uuid.UUID, externalRef, status string, fee int64) error {
	query := `UPDATE transactions SET status = $1, external_ref = NULLIF($2, ''), fee = $3, updated_at = NOW() WHERE id = $4`
	tag, err := r.db.Exec(ctx, query, status, externalRef, fee, transactionID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrTransactionNotFound
	}
	return nil
}

// UpdateTransactionMetadata overwrites only the fields that are set.
func (r *PostgresRepository) UpdateTransactionMetadata(ctx context.Context, transactionID uuid.UUID, metadata UpdateTransactionMetadataParams) error {
	query := `
		UPDATE transactions
		SET
			status = COALESCE($1, status),
			external_ref = COALESCE($2, external_ref),
			transfer_type = COALESCE($3, transfer_type),
			failure_reason = COALESCE($4, failure_reason),
			external_session_id = COALESCE($5, external_session_id),
			external_reason = COALESCE($6, external_reason),
			updated_at = NOW()
		WHERE id = $7
	`
	_, err := r.db.Exec(ctx, query,
		metadata.Status,
		metadata.ExternalRef,
		metadata.TransferType,
		metadata.FailureReason,
		metadata.ExternalSessionID,
		metadata.ExternalReason,
		transactionID,
	)
	return err
}

// MarkTransactionCompleted moves a pending transaction to completed. It reports false
// when the transaction had already left pending.
func (r *PostgresRepository) MarkTransactionCompleted(ctx context.Context, transactionID uuid.UUID, externalRef *string) (bool, error) {
	query := `
		UPDATE transactions
		SET status = 'completed', external_ref = COALESCE($2, external_ref), updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`
	tag, err := r.db.Exec(ctx, query, transactionID, externalRef)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// MarkTransactionFailed moves a pending transaction to failed with a reason.
func (r *PostgresRepository) MarkTransactionFailed(ctx context.Context, transactionID uuid.UUID, externalRef *string, reason string) (bool, error) {
	query := `
		UPDATE transactions
		SET status = 'failed', external_ref = COALESCE($2, external_ref), failure_reason = NULLIF($3, ''), updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`
	tag, err := r.db.Exec(ctx, query, transactionID, externalRef, reason)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PostgresRepository) MarkTransactionCompletedByExternalRef(ctx context.Context, externalRef string) (bool, error) {
	query := `UPDATE transactions SET status = 'completed', updated_at = NOW() WHERE external_ref = $1 AND status = 'pending'`
	tag, err := r.db.Exec(ctx, query, externalRef)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PostgresRepository) MarkTransactionFailedByExternalRef(ctx context.Context, externalRef string, reason string) (bool, error) {
	query := `
		UPDATE transactions
		SET status = 'failed', failure_reason = NULLIF($2, ''), updated_at = NOW()
		WHERE external_ref = $1 AND status = 'pending'
	`
	tag, err := r.db.Exec(ctx, query, externalRef, reason)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// lockPendingTransaction locks the transaction row. The returned transaction is nil when
// it already reached a terminal status.
func lockPendingTransaction(ctx context.Context, tx pgx.Tx, transactionID uuid.UUID) (*domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE id = $1 FOR UPDATE`
	record, err := scanTransaction(tx.QueryRow(ctx, query, transactionID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	if record.Status != domain.TransactionStatusPending {
		return nil, nil
	}
	return record, nil
}

// SettleTransaction completes an internal two-leg transfer in one unit: the source pays
// amount+fee, the destination receives amount and the record turns completed. Both account
// rows are locked in ascending id order first. Insufficient funds change nothing.
func (r *PostgresRepository) SettleTransaction(ctx context.Context, transactionID uuid.UUID) (*domain.Transaction, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	record, err := lockPendingTransaction(ctx, tx, transactionID)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, ErrTransactionNotPending
	}
	if record.Amount <= 0 || record.Fee < 0 {
		return nil, ErrInvalidAmount
	}
	if record.DestinationAccountID == nil {
		return nil, fmt.Errorf("settle transaction %s: %w", transactionID, ErrAccountNotFound)
	}

	source := record.SourceAccountID
	destination := *record.DestinationAccountID
	balances, err := lockAccounts(ctx, tx, source, destination)
	if err != nil {
		return nil, err
	}

	debit := record.Amount + record.Fee
	if balances[source] < debit {
		return nil, ErrInsufficientFunds
	}

	if err := adjustBalance(ctx, tx, source, -debit); err != nil {
		return nil, err
	}
	if err := adjustBalance(ctx, tx, destination, record.Amount); err != nil {
		return nil, err
	}
	if _, err := tx.Exec(ctx, `UPDATE transactions SET status = 'completed', updated_at = NOW() WHERE id = $1`, transactionID); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	record.Status = domain.TransactionStatusCompleted
	return record, nil
}

// CompleteReservedTransaction finishes a transaction whose source was debited up front.
// Internal destinations are credited in the same unit. It reports false on replays.
func (r *PostgresRepository) CompleteReservedTransaction(ctx context.Context, transactionID uuid.UUID, externalRef *string) (bool, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	record, err := lockPendingTransaction(ctx, tx, transactionID)
	if err != nil {
		return false, err
	}
	if record == nil {
		return false, nil
	}

	if record.DestinationAccountID != nil {
		if _, err := lockAccounts(ctx, tx, *record.DestinationAccountID); err != nil {
			return false, err
		}
		if err := adjustBalance(ctx, tx, *record.DestinationAccountID, record.Amount); err != nil {
			return false, err
		}
	}

	query := `UPDATE transactions SET status = 'completed', external_ref = COALESCE($2, external_ref), updated_at = NOW() WHERE id = $1`
	if _, err := tx.Exec(ctx, query, transactionID, externalRef); err != nil {
		return false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// RefundReservedTransaction fails a transaction whose source was debited up front and
// returns amount+fee to the source account. It reports false on replays, so the refund
// happens at most once.
func (r *PostgresRepository) RefundReservedTransaction(ctx context.Context, transactionID uuid.UUID, externalRef *string, reason string) (bool, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	record, err := lockPendingTransaction(ctx, tx, transactionID)
	if err != nil {
		return false, err
	}
	if record == nil {
		return false, nil
	}

	if _, err := lockAccounts(ctx, tx, record.SourceAccountID); err != nil {
		return false, err
	}
	if refund := record.Amount + record.Fee; refund > 0 {
		if err := adjustBalance(ctx, tx, record.SourceAccountID, refund); err != nil {
			return false, err
		}
	}

	query := `
		UPDATE transactions
		SET status = 'failed', external_ref = COALESCE($2, external_ref), failure_reason = NULLIF($3, ''), updated_at = NOW()
		WHERE id = $1
	`
	if _, err := tx.Exec(ctx, query, transactionID, externalRef, reason); err != nil {
		return false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// normalizePage clamps list pagination to sane bounds.
func normalizePage(limit, offset, fallback int) (int, int) {
	if limit <= 0 {
		limit = fallback
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
