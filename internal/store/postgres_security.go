package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/transfa/payments-core/internal/domain"
)

const securityCredentialColumns = `user_id, transaction_pin_hash, failed_attempts, locked_until`

func scanSecurityCredential(row pgx.Row) (*domain.UserSecurityCredential, error) {
	var credential domain.UserSecurityCredential
	if err := row.Scan(
		&credential.UserID,
		&credential.TransactionPINHash,
		&credential.FailedAttempts,
		&credential.LockedUntil,
	); err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrTransactionPINNotSet
		}
		return nil, err
	}
	if credential.TransactionPINHash == "" {
		return nil, ErrTransactionPINNotSet
	}
	return &credential, nil
}

// GetUserSecurityCredentialByUserID returns the PIN hash and failure state of a user.
func (r *PostgresRepository) GetUserSecurityCredentialByUserID(ctx context.Context, userID uuid.UUID) (*domain.UserSecurityCredential, error) {
	query := `SELECT ` + securityCredentialColumns + ` FROM user_security_credentials WHERE user_id = $1`
	return scanSecurityCredential(r.db.QueryRow(ctx, query, userID))
}

// UpsertTransactionPIN stores a new PIN hash and clears any failure state.
func (r *PostgresRepository) UpsertTransactionPIN(ctx context.Context, userID uuid.UUID, pinHash string) error {
	query := `
		INSERT INTO user_security_credentials (user_id, transaction_pin_hash)
		VALUES ($1, $2)
		ON CONFLICT (user_id)
		DO UPDATE SET
			transaction_pin_hash = EXCLUDED.transaction_pin_hash,
			failed_attempts = 0,
			last_failed_at = NULL,
			locked_until = NULL,
			updated_at = NOW()
	`
	_, err := r.db.Exec(ctx, query, userID, pinHash)
	return err
}

// RecordFailedTransactionPINAttempt increments the failure counter and applies the
// lockout once it reaches maxAttempts. A lapsed lockout restarts the count at one.
func (r *PostgresRepository) RecordFailedTransactionPINAttempt(ctx context.Context, userID uuid.UUID, maxAttempts int, lockoutDuration time.Duration) (*domain.UserSecurityCredential, error) {
	attempts, lockoutSeconds := lockoutParams(maxAttempts, lockoutDuration)
	query := `
		UPDATE user_security_credentials
		SET
			failed_attempts = CASE
				WHEN (locked_until IS NOT NULL AND locked_until <= NOW())
					OR (locked_until IS NULL AND $2::int > 0 AND failed_attempts >= $2::int) THEN 1
				ELSE failed_attempts + 1
			END,
			last_failed_at = NOW(),
			locked_until = CASE
				WHEN $2::int > 0 AND (
					CASE
						WHEN (locked_until IS NOT NULL AND locked_until <= NOW())
							OR (locked_until IS NULL AND failed_attempts >= $2::int) THEN 1
						ELSE failed_attempts + 1
					END
				) >= $2::int THEN NOW() + ($3::bigint * INTERVAL '1 second')
				ELSE NULL
			END,
			updated_at = NOW()
		WHERE user_id = $1
		RETURNING ` + securityCredentialColumns
	return scanSecurityCredential(r.db.QueryRow(ctx, query, userID, attempts, lockoutSeconds))
}

// ResetTransactionPINFailureState clears the failure counters after a correct PIN.
func (r *PostgresRepository) ResetTransactionPINFailureState(ctx context.Context, userID uuid.UUID) error {
	query := `
		UPDATE user_security_credentials
		SET failed_attempts = 0, last_failed_at = NULL, locked_until = NULL, updated_at = NOW()
		WHERE user_id = $1
	`
	tag, err := r.db.Exec(ctx, query, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrTransactionPINNotSet
	}
	return nil
}
