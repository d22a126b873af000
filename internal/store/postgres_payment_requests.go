package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/transfa/payments-core/internal/domain"
)

// paymentRequestSelect projects a payment_requests row aliased as "p" joined with
// its creator ("cu") and recipient ("ru").
const paymentRequestSelect = `
	SELECT
		p.id,
		p.creator_id,
		btrim(cu.username) AS creator_username,
		p.status,
		p.request_type,
		p.title,
		p.recipient_user_id,
		COALESCE(NULLIF(btrim(p.recipient_username_snapshot), ''), btrim(ru.username)) AS recipient_username,
		p.amount,
		p.description,
		p.payer_user_id,
		p.fulfilled_by_user_id,
		p.settled_transaction_id,
		p.processing_started_at,
		p.responded_at,
		p.declined_reason,
		p.deleted_at,
		p.created_at,
		p.updated_at`

const paymentRequestJoins = `
	LEFT JOIN users ru ON ru.id = p.recipient_user_id
	LEFT JOIN users cu ON cu.id = p.creator_id`

func scanPaymentRequest(row pgx.Row) (*domain.PaymentRequest, error) {
	var item domain.PaymentRequest
	err := row.Scan(
		&item.ID,
		&item.CreatorID,
		&item.CreatorUsername,
		&item.Status,
		&item.RequestType,
		&item.Title,
		&item.RecipientUserID,
		&item.RecipientUsername,
		&item.Amount,
		&item.Description,
		&item.PayerUserID,
		&item.FulfilledByUserID,
		&item.SettledTxID,
		&item.ProcessingStarted,
		&item.RespondedAt,
		&item.DeclinedReason,
		&item.DeletedAt,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// transitionPaymentRequest runs a conditional UPDATE ... RETURNING wrapped in a CTE and
// projects the joined row. No row means the guard did not match.
func (r *PostgresRepository) transitionPaymentRequest(ctx context.Context, update string, args ...interface{}) (*domain.PaymentRequest, error) {
	query := `WITH p AS (` + update + ` RETURNING *)` + paymentRequestSelect + ` FROM p` + paymentRequestJoins
	return scanPaymentRequest(r.db.QueryRow(ctx, query, args...))
}

// CreatePaymentRequest inserts a new pending payment request.
func (r *PostgresRepository) CreatePaymentRequest(ctx context.Context, req *domain.PaymentRequest) (*domain.PaymentRequest, error) {
	if req.ID == uuid.Nil {
		req.ID = uuid.New()
	}
	insert := `
		INSERT INTO payment_requests (
			id, creator_id, status, request_type, title,
			recipient_user_id, recipient_username_snapshot, amount, description
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	return r.transitionPaymentRequest(ctx, insert,
		req.ID,
		req.CreatorID,
		req.Status,
		req.RequestType,
		req.Title,
		req.RecipientUserID,
		req.RecipientUsername,
		req.Amount,
		req.Description,
	)
}

func (r *PostgresRepository) listPaymentRequests(ctx context.Context, ownerClause string, ownerID uuid.UUID, opts domain.PaymentRequestListOptions) ([]domain.PaymentRequest, error) {
	limit, offset := normalizePage(opts.Limit, opts.Offset, 50)

	query := paymentRequestSelect + ` FROM payment_requests p` + paymentRequestJoins + `
	WHERE ` + ownerClause + ` AND p.deleted_at IS NULL`

	args := []interface{}{ownerID}
	argPos := 2
	if search := strings.TrimSpace(opts.Search); search != "" {
		query += fmt.Sprintf(`
		AND (
			COALESCE(NULLIF(btrim(p.recipient_username_snapshot), ''), btrim(ru.username), '') ILIKE '%%' || $%d || '%%'
			OR btrim(cu.username) ILIKE '%%' || $%d || '%%'
			OR p.title ILIKE '%%' || $%d || '%%'
		)`, argPos, argPos, argPos)
		args = append(args, search)
		argPos++
	}
	if status := strings.TrimSpace(strings.ToLower(opts.Status)); status != "" {
		query += fmt.Sprintf(" AND p.status = $%d", argPos)
		args = append(args, status)
		argPos++
	}
	if requestType := strings.TrimSpace(strings.ToLower(opts.Type)); requestType != "" {
		query += fmt.Sprintf(" AND p.request_type = $%d", argPos)
		args = append(args, requestType)
		argPos++
	}

	query += fmt.Sprintf(" ORDER BY p.created_at DESC LIMIT $%d OFFSET $%d", argPos, argPos+1)
	args = append(args, limit, offset)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	requests := make([]domain.PaymentRequest, 0, limit)
	for rows.Next() {
		item, err := scanPaymentRequest(rows)
		if err != nil {
			return nil, err
		}
		requests = append(requests, *item)
	}
	return requests, rows.Err()
}

// ListPaymentRequestsByCreator lists requests the user created.
func (r *PostgresRepository) ListPaymentRequestsByCreator(ctx context.Context, creatorID uuid.UUID, opts domain.PaymentRequestListOptions) ([]domain.PaymentRequest, error) {
	return r.listPaymentRequests(ctx, "p.creator_id = $1", creatorID, opts)
}

// ListIncomingPaymentRequests lists individual requests addressed to the user.
func (r *PostgresRepository) ListIncomingPaymentRequests(ctx context.Context, recipientID uuid.UUID, opts domain.PaymentRequestListOptions) ([]domain.PaymentRequest, error) {
	return r.listPaymentRequests(ctx, "p.recipient_user_id = $1 AND p.request_type = 'individual'", recipientID, opts)
}

// GetPaymentRequestByID retrieves a creator-owned request.
func (r *PostgresRepository) GetPaymentRequestByID(ctx context.Context, requestID uuid.UUID, creatorID uuid.UUID) (*domain.PaymentRequest, error) {
	query := paymentRequestSelect + ` FROM payment_requests p` + paymentRequestJoins + `
	WHERE p.id = $1 AND p.creator_id = $2 AND p.deleted_at IS NULL`
	item, err := scanPaymentRequest(r.db.QueryRow(ctx, query, requestID, creatorID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrPaymentRequestNotFound
		}
		return nil, err
	}
	return item, nil
}

// payableBy matches the requests $2 may pay: individual requests addressed to them and
// general requests created by someone else.
const payableBy = `
		  AND creator_id <> $2
		  AND (
			(request_type = 'individual' AND recipient_user_id = $2)
			OR request_type = 'general'
		  )`

// GetIncomingPaymentRequestByID retrieves a request the user may pay: one addressed to
// them, or a general request shared with them.
func (r *PostgresRepository) GetIncomingPaymentRequestByID(ctx context.Context, requestID uuid.UUID, payerID uuid.UUID) (*domain.PaymentRequest, error) {
	query := paymentRequestSelect + ` FROM payment_requests p` + paymentRequestJoins + `
	WHERE p.id = $1 AND p.deleted_at IS NULL AND p.creator_id <> $2
	  AND ((p.request_type = 'individual' AND p.recipient_user_id = $2) OR p.request_type = 'general')`
	item, err := scanPaymentRequest(r.db.QueryRow(ctx, query, requestID, payerID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrPaymentRequestNotFound
		}
		return nil, err
	}
	return item, nil
}

// DeletePaymentRequest soft-deletes a creator-owned payment request.
func (r *PostgresRepository) DeletePaymentRequest(ctx context.Context, requestID uuid.UUID, creatorID uuid.UUID) (bool, error) {
	query := `
		UPDATE payment_requests
		SET deleted_at = NOW(), updated_at = NOW()
		WHERE id = $1
		  AND creator_id = $2
		  AND deleted_at IS NULL
	`
	tag, err := r.db.Exec(ctx, query, requestID, creatorID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// ClaimIncomingPaymentRequestForPayment moves a pending request to processing on behalf
// of the payer. A request stuck in processing longer than staleAfter may be reclaimed by
// any eligible payer.
func (r *PostgresRepository) ClaimIncomingPaymentRequestForPayment(ctx context.Context, requestID uuid.UUID, payerID uuid.UUID, staleAfter time.Duration) (*domain.PaymentRequest, error) {
	update := `
		UPDATE payment_requests
		SET
			status = 'processing',
			payer_user_id = $2,
			processing_started_at = NOW(),
			settled_transaction_id = NULL,
			updated_at = NOW()
		WHERE id = $1
		  AND deleted_at IS NULL` + payableBy + `
		  AND (
			status = 'pending'
			OR (status = 'processing' AND processing_started_at < NOW() - ($3 * INTERVAL '1 second'))
		  )`
	item, err := r.transitionPaymentRequest(ctx, update, requestID, payerID, staleAfter.Seconds())
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrPaymentRequestNotReady
		}
		return nil, err
	}
	return item, nil
}

// AttachProcessingPaymentRequestSettlementTransaction links an in-flight transfer to a
// request the payer holds.
func (r *PostgresRepository) AttachProcessingPaymentRequestSettlementTransaction(ctx context.Context, requestID uuid.UUID, payerID uuid.UUID, settledTransactionID uuid.UUID) (*domain.PaymentRequest, error) {
	update := `
		UPDATE payment_requests
		SET settled_transaction_id = $3, updated_at = NOW()
		WHERE id = $1
		  AND payer_user_id = $2
		  AND deleted_at IS NULL
		  AND status = 'processing'`
	item, err := r.transitionPaymentRequest(ctx, update, requestID, payerID, settledTransactionID)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrPaymentRequestNotReady
		}
		return nil, err
	}
	return item, nil
}

// MarkPaymentRequestFulfilled finalizes a processing request after the payer's transfer
// succeeded.
func (r *PostgresRepository) MarkPaymentRequestFulfilled(ctx context.Context, requestID uuid.UUID, payerID uuid.UUID, settledTransactionID uuid.UUID) (*domain.PaymentRequest, error) {
	update := `
		UPDATE payment_requests
		SET
			status = 'fulfilled',
			fulfilled_by_user_id = $2,
			settled_transaction_id = $3,
			processing_started_at = NULL,
			responded_at = NOW(),
			declined_reason = NULL,
			updated_at = NOW()
		WHERE id = $1
		  AND payer_user_id = $2
		  AND deleted_at IS NULL
		  AND status = 'processing'`
	item, err := r.transitionPaymentRequest(ctx, update, requestID, payerID, settledTransactionID)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrPaymentRequestNotReady
		}
		return nil, err
	}
	return item, nil
}

// MarkPaymentRequestFulfilledBySettlementTransaction finalizes the request linked to a
// completed transfer. It returns nil when no processing request is linked.
func (r *PostgresRepository) MarkPaymentRequestFulfilledBySettlementTransaction(ctx context.Context, settledTransactionID uuid.UUID) (*domain.PaymentRequest, error) {
	update := `
		UPDATE payment_requests
		SET
			status = 'fulfilled',
			fulfilled_by_user_id = payer_user_id,
			processing_started_at = NULL,
			responded_at = NOW(),
			declined_reason = NULL,
			updated_at = NOW()
		WHERE settled_transaction_id = $1
		  AND deleted_at IS NULL
		  AND status = 'processing'`
	item, err := r.transitionPaymentRequest(ctx, update, settledTransactionID)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return item, nil
}

// ReleasePaymentRequestFromProcessing resets a request to pending after a failed payment
// attempt and drops its settlement link and payer, so the same or another payer can retry.
func (r *PostgresRepository) ReleasePaymentRequestFromProcessing(ctx context.Context, requestID uuid.UUID, payerID uuid.UUID) error {
	query := `
		UPDATE payment_requests
		SET status = 'pending', payer_user_id = NULL, processing_started_at = NULL, settled_transaction_id = NULL, updated_at = NOW()
		WHERE id = $1
		  AND payer_user_id = $2
		  AND deleted_at IS NULL
		  AND status = 'processing'
	`
	_, err := r.db.Exec(ctx, query, requestID, payerID)
	return err
}

// ReleasePaymentRequestFromProcessingBySettlementTransaction resets the request linked to
// a failed transfer. It returns nil when no processing request is linked.
func (r *PostgresRepository) ReleasePaymentRequestFromProcessingBySettlementTransaction(ctx context.Context, settledTransactionID uuid.UUID) (*domain.PaymentRequest, error) {
	update := `
		UPDATE payment_requests
		SET
			status = 'pending',
			payer_user_id = NULL,
			processing_started_at = NULL,
			settled_transaction_id = NULL,
			updated_at = NOW()
		WHERE settled_transaction_id = $1
		  AND deleted_at IS NULL
		  AND status = 'processing'`
	item, err := r.transitionPaymentRequest(ctx, update, settledTransactionID)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return item, nil
}

// DeclineIncomingPaymentRequest marks a pending incoming request as declined.
func (r *PostgresRepository) DeclineIncomingPaymentRequest(ctx context.Context, requestID uuid.UUID, recipientID uuid.UUID, reason *string) (*domain.PaymentRequest, error) {
	update := `
		UPDATE payment_requests
		SET
			status = 'declined',
			declined_reason = $3,
			processing_started_at = NULL,
			responded_at = NOW(),
			updated_at = NOW()
		WHERE id = $1
		  AND recipient_user_id = $2
		  AND request_type = 'individual'
		  AND deleted_at IS NULL
		  AND status = 'pending'`
	item, err := r.transitionPaymentRequest(ctx, update, requestID, recipientID, reason)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrPaymentRequestNotReady
		}
		return nil, err
	}
	return item, nil
}
