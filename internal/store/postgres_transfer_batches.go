package store

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/transfa/payments-core/internal/domain"
)

const transferBatchColumns = `id, sender_id, status, requested_count, success_count, failure_count, total_amount, total_fee, created_at, updated_at`

func scanTransferBatch(row pgx.Row) (*domain.TransferBatch, error) {
	var batch domain.TransferBatch
	err := row.Scan(
		&batch.ID,
		&batch.SenderID,
		&batch.Status,
		&batch.RequestedCount,
		&batch.SuccessCount,
		&batch.FailureCount,
		&batch.TotalAmount,
		&batch.TotalFee,
		&batch.CreatedAt,
		&batch.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &batch, nil
}

// CreateTransferBatchWithItems inserts a batch header and its item rows atomically.
func (r *PostgresRepository) CreateTransferBatchWithItems(ctx context.Context, batch *domain.TransferBatch, items []domain.TransferBatchItem) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	batchQuery := `
		INSERT INTO transfer_batches (
			id, sender_id, status, requested_count, success_count, failure_count, total_amount, total_fee
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at
	`
	if err := tx.QueryRow(ctx, batchQuery,
		batch.ID,
		batch.SenderID,
		batch.Status,
		batch.RequestedCount,
		batch.SuccessCount,
		batch.FailureCount,
		batch.TotalAmount,
		batch.TotalFee,
	).Scan(&batch.CreatedAt, &batch.UpdatedAt); err != nil {
		return err
	}

	itemQuery := `
		INSERT INTO transfer_batch_items (
			id, batch_id, recipient_username, amount, description, status, fee, transaction_id, failure_reason
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	pending := &pgx.Batch{}
	for _, item := range items {
		pending.Queue(itemQuery,
			item.ID,
			item.BatchID,
			item.RecipientUsername,
			item.Amount,
			item.Description,
			item.Status,
			item.Fee,
			item.TransactionID,
			item.FailureReason,
		)
	}
	if pending.Len() > 0 {
		if err := tx.SendBatch(ctx, pending).Close(); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

// MarkTransferBatchItemCompleted records the settled transaction of one item.
func (r *PostgresRepository) MarkTransferBatchItemCompleted(ctx context.Context, itemID uuid.UUID, transactionID uuid.UUID, fee int64) error {
	query := `
		UPDATE transfer_batch_items
		SET status = 'completed', transaction_id = $2, fee = $3, failure_reason = NULL, updated_at = NOW()
		WHERE id = $1
	`
	result, err := r.db.Exec(ctx, query, itemID, transactionID, fee)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrTransferBatchItemNotFound
	}
	return nil
}

// MarkTransferBatchItemFailed records the failure reason of one item.
func (r *PostgresRepository) MarkTransferBatchItemFailed(ctx context.Context, itemID uuid.UUID, failureReason string) error {
	query := `
		UPDATE transfer_batch_items
		SET status = 'failed', failure_reason = $2, transaction_id = NULL, fee = 0, updated_at = NOW()
		WHERE id = $1
	`
	result, err := r.db.Exec(ctx, query, itemID, failureReason)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrTransferBatchItemNotFound
	}
	return nil
}

// FinalizeTransferBatch recomputes the batch aggregates from its item rows under a lock
// on the header. A missing batch or one without items yields ErrTransferBatchNotFound.
func (r *PostgresRepository) FinalizeTransferBatch(ctx context.Context, batchID uuid.UUID) (*domain.TransferBatch, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	var locked uuid.UUID
	if err := tx.QueryRow(ctx, `SELECT id FROM transfer_batches WHERE id = $1 FOR UPDATE`, batchID).Scan(&locked); err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrTransferBatchNotFound
		}
		return nil, err
	}

	var (
		itemCount, successCount, failureCount, pendingCount int
		totalAmount, totalFee                               int64
	)
	aggQuery := `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status = 'completed'),
			COUNT(*) FILTER (WHERE status = 'failed'),
			COUNT(*) FILTER (WHERE status = 'pending'),
			COALESCE(SUM(amount) FILTER (WHERE status = 'completed'), 0),
			COALESCE(SUM(fee) FILTER (WHERE status = 'completed'), 0)
		FROM transfer_batch_items
		WHERE batch_id = $1
	`
	if err := tx.QueryRow(ctx, aggQuery, batchID).Scan(
		&itemCount, &successCount, &failureCount, &pendingCount, &totalAmount, &totalFee,
	); err != nil {
		return nil, err
	}
	if itemCount == 0 {
		return nil, ErrTransferBatchNotFound
	}

	status := domain.DeriveBatchStatus(successCount, failureCount, pendingCount)
	updateQuery := `
		UPDATE transfer_batches
		SET
			success_count = $2,
			failure_count = $3,
			total_amount = $4,
			total_fee = $5,
			status = $6,
			updated_at = NOW()
		WHERE id = $1
		RETURNING ` + transferBatchColumns
	batch, err := scanTransferBatch(tx.QueryRow(ctx, updateQuery, batchID, successCount, failureCount, totalAmount, totalFee, status))
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return batch, nil
}

// GetTransferBatch returns a sender-owned batch with its items.
func (r *PostgresRepository) GetTransferBatch(ctx context.Context, batchID uuid.UUID, senderID uuid.UUID) (*domain.TransferBatch, []domain.TransferBatchItem, error) {
	batch, err := scanTransferBatch(r.db.QueryRow(ctx,
		`SELECT `+transferBatchColumns+` FROM transfer_batches WHERE id = $1 AND sender_id = $2`, batchID, senderID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil, ErrTransferBatchNotFound
		}
		return nil, nil, err
	}

	rows, err := r.db.Query(ctx, `
		SELECT id, batch_id, recipient_username, amount, description, status, fee, transaction_id, failure_reason, created_at, updated_at
		FROM transfer_batch_items
		WHERE batch_id = $1
		ORDER BY created_at ASC, id ASC
	`, batchID)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	items := make([]domain.TransferBatchItem, 0, batch.RequestedCount)
	for rows.Next() {
		var item domain.TransferBatchItem
		if err := rows.Scan(
			&item.ID,
			&item.BatchID,
			&item.RecipientUsername,
			&item.Amount,
			&item.Description,
			&item.Status,
			&item.Fee,
			&item.TransactionID,
			&item.FailureReason,
			&item.CreatedAt,
			&item.UpdatedAt,
		); err != nil {
			return nil, nil, err
		}
		items = append(items, item)
	}
	return batch, items, rows.Err()
}
