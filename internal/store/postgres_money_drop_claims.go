package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/transfa/payments-core/internal/domain"
)

const (
	moneyDropIdempotencyStatusProcessing = "processing"
	moneyDropIdempotencyStatusCompleted  = "completed"
)

// lockoutParams normalizes a lockout policy for SQL. A non-positive attempt limit or
// duration disables locking, signalled by zero values.
func lockoutParams(maxAttempts int, lockoutDuration time.Duration) (int, int64) {
	seconds := int64(lockoutDuration / time.Second)
	if maxAttempts <= 0 || seconds <= 0 {
		return 0, 0
	}
	return maxAttempts, seconds
}

func (r *PostgresRepository) GetMoneyDropPasswordClaimAttemptState(
	ctx context.Context,
	dropID uuid.UUID,
	claimantID uuid.UUID,
) (*domain.MoneyDropPasswordAttemptState, error) {
	query := `
		SELECT failed_attempts, locked_until
		FROM money_drop_claim_password_attempts
		WHERE drop_id = $1 AND claimant_id = $2
	`
	var state domain.MoneyDropPasswordAttemptState
	if err := r.db.QueryRow(ctx, query, dropID, claimantID).Scan(&state.FailedAttempts, &state.LockedUntil); err != nil {
		if err == pgx.ErrNoRows {
			return &domain.MoneyDropPasswordAttemptState{}, nil
		}
		return nil, err
	}
	return &state, nil
}

// RecordMoneyDropPasswordClaimFailure counts one failed password attempt in a single
// upsert. The counter restarts once a previous lock has lapsed, and locked_until is set
// when the count reaches maxAttempts.
func (r *PostgresRepository) RecordMoneyDropPasswordClaimFailure(
	ctx context.Context,
	dropID uuid.UUID,
	claimantID uuid.UUID,
	maxAttempts int,
	lockoutDuration time.Duration,
) (*domain.MoneyDropPasswordAttemptState, error) {
	attempts, lockoutSeconds := lockoutParams(maxAttempts, lockoutDuration)

	query := `
		INSERT INTO money_drop_claim_password_attempts (
			drop_id,
			claimant_id,
			failed_attempts,
			last_failed_at,
			locked_until,
			updated_at
		)
		VALUES (
			$1,
			$2,
			1,
			NOW(),
			CASE WHEN $3::int > 0 AND $3::int <= 1 THEN NOW() + ($4::bigint * INTERVAL '1 second') ELSE NULL END,
			NOW()
		)
		ON CONFLICT (drop_id, claimant_id)
		DO UPDATE SET
			failed_attempts = CASE
				WHEN money_drop_claim_password_attempts.locked_until IS NOT NULL
					AND money_drop_claim_password_attempts.locked_until <= NOW() THEN 1
				ELSE money_drop_claim_password_attempts.failed_attempts + 1
			END,
			last_failed_at = NOW(),
			locked_until = CASE
				WHEN $3::int > 0 AND (
					CASE
						WHEN money_drop_claim_password_attempts.locked_until IS NOT NULL
							AND money_drop_claim_password_attempts.locked_until <= NOW() THEN 1
						ELSE money_drop_claim_password_attempts.failed_attempts + 1
					END
				) >= $3::int THEN NOW() + ($4::bigint * INTERVAL '1 second')
				ELSE NULL
			END,
			updated_at = NOW()
		RETURNING failed_attempts, locked_until
	`

	var state domain.MoneyDropPasswordAttemptState
	if err := r.db.QueryRow(ctx, query, dropID, claimantID, attempts, lockoutSeconds).Scan(&state.FailedAttempts, &state.LockedUntil); err != nil {
		return nil, err
	}
	return &state, nil
}

func (r *PostgresRepository) ResetMoneyDropPasswordClaimFailures(
	ctx context.Context,
	dropID uuid.UUID,
	claimantID uuid.UUID,
) error {
	query := `
		DELETE FROM money_drop_claim_password_attempts
		WHERE drop_id = $1 AND claimant_id = $2
	`
	_, err := r.db.Exec(ctx, query, dropID, claimantID)
	return err
}

// AcquireMoneyDropClaimIdempotency reserves (claimant, key) for one claim attempt.
//
// Outcomes: a fresh reservation or a reclaimed stale one returns Acquired; a completed
// row returns its cached response; a live reservation returns
// ErrMoneyDropClaimIdempotencyInProgress; a key reused for another drop or payload
// returns ErrMoneyDropClaimIdempotencyConflict.
func (r *PostgresRepository) AcquireMoneyDropClaimIdempotency(
	ctx context.Context,
	dropID uuid.UUID,
	claimantID uuid.UUID,
	key string,
	requestHash string,
	ttl time.Duration,
	staleWindow time.Duration,
) (*domain.MoneyDropClaimIdempotencyResult, error) {
	if ttl <= 0 || staleWindow <= 0 {
		return nil, ErrInvalidIdempotencyWindow
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin idempotency tx: %w", err)
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()
	expiresAt := now.Add(ttl)
	insertQuery := `
		INSERT INTO money_drop_claim_idempotency (
			drop_id,
			claimant_id,
			idempotency_key,
			request_hash,
			status,
			expires_at,
			updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (claimant_id, idempotency_key) DO NOTHING
	`
	insertResult, err := tx.Exec(ctx, insertQuery,
		dropID,
		claimantID,
		key,
		requestHash,
		moneyDropIdempotencyStatusProcessing,
		expiresAt,
	)
	if err != nil {
		return nil, fmt.Errorf("reserve idempotency key: %w", err)
	}
	if insertResult.RowsAffected() == 1 {
		if err := tx.Commit(ctx); err != nil {
			return nil, err
		}
		return &domain.MoneyDropClaimIdempotencyResult{Acquired: true}, nil
	}

	var existing idempotencyRow
	selectQuery := `
		SELECT drop_id, request_hash, status, response_payload, updated_at, expires_at
		FROM money_drop_claim_idempotency
		WHERE claimant_id = $1 AND idempotency_key = $2
		FOR UPDATE
	`
	if err := tx.QueryRow(ctx, selectQuery, claimantID, key).Scan(
		&existing.DropID,
		&existing.RequestHash,
		&existing.Status,
		&existing.ResponsePayload,
		&existing.UpdatedAt,
		&existing.ExpiresAt,
	); err != nil {
		if err == pgx.ErrNoRows {
			// The conflicting row was released between the insert and this read.
			return nil, ErrMoneyDropClaimIdempotencyInProgress
		}
		return nil, fmt.Errorf("load idempotency row: %w", err)
	}

	switch existing.decide(dropID, requestHash, now, staleWindow) {
	case idempotencyConflict:
		return nil, ErrMoneyDropClaimIdempotencyConflict
	case idempotencyReplay:
		var response domain.ClaimMoneyDropResponse
		if err := json.Unmarshal(existing.ResponsePayload, &response); err != nil {
			return nil, fmt.Errorf("decode idempotent response payload: %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, err
		}
		return &domain.MoneyDropClaimIdempotencyResult{CachedResponse: &response}, nil
	case idempotencyInProgress:
		return nil, ErrMoneyDropClaimIdempotencyInProgress
	}

	reclaimQuery := `
		UPDATE money_drop_claim_idempotency
		SET
			drop_id = $3,
			request_hash = $4,
			status = $5,
			response_payload = NULL,
			claim_transaction_id = NULL,
			expires_at = $6,
			updated_at = NOW()
		WHERE claimant_id = $1 AND idempotency_key = $2
	`
	if _, err := tx.Exec(ctx, reclaimQuery,
		claimantID,
		key,
		dropID,
		requestHash,
		moneyDropIdempotencyStatusProcessing,
		expiresAt,
	); err != nil {
		return nil, fmt.Errorf("reclaim stale idempotency row: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return &domain.MoneyDropClaimIdempotencyResult{Acquired: true, Reclaimed: true}, nil
}

type idempotencyDecision int

const (
	idempotencyReclaim idempotencyDecision = iota
	idempotencyConflict
	idempotencyReplay
	idempotencyInProgress
)

type idempotencyRow struct {
	DropID          uuid.UUID
	RequestHash     string
	Status          string
	ResponsePayload []byte
	UpdatedAt       time.Time
	ExpiresAt       time.Time
}

// decide classifies an existing reservation for a new attempt.
func (row idempotencyRow) decide(dropID uuid.UUID, requestHash string, now time.Time, staleWindow time.Duration) idempotencyDecision {
	if row.DropID != dropID || row.RequestHash != requestHash {
		return idempotencyConflict
	}
	if row.Status == moneyDropIdempotencyStatusCompleted {
		if len(row.ResponsePayload) == 0 {
			return idempotencyInProgress
		}
		return idempotencyReplay
	}
	stale := row.UpdatedAt.Before(now.Add(-staleWindow)) || row.ExpiresAt.Before(now)
	if !stale {
		return idempotencyInProgress
	}
	return idempotencyReclaim
}

func (r *PostgresRepository) CompleteMoneyDropClaimIdempotency(
	ctx context.Context,
	dropID uuid.UUID,
	claimantID uuid.UUID,
	key string,
	claimTransactionID uuid.UUID,
	response domain.ClaimMoneyDropResponse,
) error {
	responsePayload, err := json.Marshal(response)
	if err != nil {
		return fmt.Errorf("marshal idempotent response payload: %w", err)
	}

	query := `
		UPDATE money_drop_claim_idempotency
		SET
			status = $5,
			response_payload = $4::jsonb,
			claim_transaction_id = $6,
			updated_at = NOW()
		WHERE drop_id = $1 AND claimant_id = $2 AND idempotency_key = $3
	`
	result, err := r.db.Exec(ctx, query,
		dropID,
		claimantID,
		key,
		string(responsePayload),
		moneyDropIdempotencyStatusCompleted,
		claimTransactionID,
	)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrMoneyDropClaimIdempotencyInProgress
	}
	return nil
}

// ReleaseMoneyDropClaimIdempotency drops an unfinished reservation so the client may retry.
func (r *PostgresRepository) ReleaseMoneyDropClaimIdempotency(
	ctx context.Context,
	dropID uuid.UUID,
	claimantID uuid.UUID,
	key string,
) error {
	query := `
		DELETE FROM money_drop_claim_idempotency
		WHERE drop_id = $1
		  AND claimant_id = $2
		  AND idempotency_key = $3
		  AND status = $4
	`
	_, err := r.db.Exec(ctx, query, dropID, claimantID, key, moneyDropIdempotencyStatusProcessing)
	return err
}

// PurgeExpiredMoneyDropClaimIdempotency deletes reservations past their expiry.
func (r *PostgresRepository) PurgeExpiredMoneyDropClaimIdempotency(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM money_drop_claim_idempotency WHERE expires_at < $1`, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
