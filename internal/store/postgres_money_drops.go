package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/transfa/payments-core/internal/domain"
)

const moneyDropColumns = `
	id, creator_id, title, status, amount_per_claim, total_claims_allowed,
	claims_made_count, expiry_timestamp, funding_source_account_id,
	money_drop_account_id, password_hash, created_at`

func scanMoneyDrop(row pgx.Row) (*domain.MoneyDrop, error) {
	var drop domain.MoneyDrop
	err := row.Scan(
		&drop.ID, &drop.CreatorID, &drop.Title, &drop.Status, &drop.AmountPerClaim,
		&drop.TotalClaimsAllowed, &drop.ClaimsMadeCount, &drop.ExpiryTimestamp,
		&drop.FundingSourceAccountID, &drop.MoneyDropAccountID, &drop.PasswordHash, &drop.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &drop, nil
}

// CreateMoneyDrop funds and records a drop in one unit. The funding account pays
// amount_per_claim x total_claims_allowed plus fee and the pool account receives the
// claimable total. Both account rows are locked in ascending id order.
func (r *PostgresRepository) CreateMoneyDrop(ctx context.Context, drop *domain.MoneyDrop, fee int64) (*domain.MoneyDrop, error) {
	if drop.AmountPerClaim <= 0 || drop.TotalClaimsAllowed <= 0 || fee < 0 {
		return nil, ErrInvalidAmount
	}
	if drop.ID == uuid.Nil {
		drop.ID = uuid.New()
	}
	total := drop.AmountPerClaim * int64(drop.TotalClaimsAllowed)

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	balances, err := lockAccounts(ctx, tx, drop.FundingSourceAccountID, drop.MoneyDropAccountID)
	if err != nil {
		return nil, err
	}
	if balances[drop.FundingSourceAccountID] < total+fee {
		return nil, ErrInsufficientFunds
	}

	if err := adjustBalance(ctx, tx, drop.FundingSourceAccountID, -(total + fee)); err != nil {
		return nil, err
	}
	if err := adjustBalance(ctx, tx, drop.MoneyDropAccountID, total); err != nil {
		return nil, err
	}

	insertDrop := `
		INSERT INTO money_drops (
			id, creator_id, title, status, amount_per_claim, total_claims_allowed,
			claims_made_count, expiry_timestamp, funding_source_account_id, money_drop_account_id, password_hash
		)
		VALUES ($1, $2, $3, 'active', $4, $5, 0, $6, $7, $8, $9)
		RETURNING ` + moneyDropColumns
	created, err := scanMoneyDrop(tx.QueryRow(ctx, insertDrop,
		drop.ID, drop.CreatorID, drop.Title, drop.AmountPerClaim, drop.TotalClaimsAllowed,
		drop.ExpiryTimestamp, drop.FundingSourceAccountID, drop.MoneyDropAccountID, drop.PasswordHash,
	))
	if err != nil {
		return nil, fmt.Errorf("insert money drop: %w", err)
	}

	fundingTx := `
		INSERT INTO transactions (
			id, sender_id, recipient_id, source_account_id, destination_account_id, money_drop_id,
			type, category, status, amount, fee, description
		)
		VALUES ($1, $2, $2, $3, $4, $5, 'money_drop_funding', 'money_drop', 'completed', $6, $7, 'Money Drop Funding')
	`
	if _, err := tx.Exec(ctx, fundingTx,
		uuid.New(), drop.CreatorID, drop.FundingSourceAccountID, drop.MoneyDropAccountID, created.ID, total, fee,
	); err != nil {
		return nil, fmt.Errorf("record money drop funding: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return created, nil
}

// FindMoneyDropByID retrieves a money drop by its ID.
func (r *PostgresRepository) FindMoneyDropByID(ctx context.Context, dropID uuid.UUID) (*domain.MoneyDrop, error) {
	drop, err := scanMoneyDrop(r.db.QueryRow(ctx, `SELECT `+moneyDropColumns+` FROM money_drops WHERE id = $1`, dropID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrMoneyDropNotFound
		}
		return nil, err
	}
	return drop, nil
}

// ClaimMoneyDropAtomic reserves one claim slot for the claimant and records the pending
// claim transaction in one unit. It returns the transaction to settle and the claim
// count after this claim.
func (r *PostgresRepository) ClaimMoneyDropAtomic(ctx context.Context, dropID, claimantID, claimantAccountID, moneyDropAccountID uuid.UUID, amount int64) (uuid.UUID, int, error) {
	if amount <= 0 {
		return uuid.Nil, 0, ErrInvalidAmount
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return uuid.Nil, 0, fmt.Errorf("begin claim: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		creatorID                uuid.UUID
		claimsMade, totalAllowed int
		status                   string
		expiry                   time.Time
	)
	query := `
		SELECT creator_id, claims_made_count, total_claims_allowed, status, expiry_timestamp
		FROM money_drops
		WHERE id = $1
		FOR UPDATE
	`
	if err := tx.QueryRow(ctx, query, dropID).Scan(&creatorID, &claimsMade, &totalAllowed, &status, &expiry); err != nil {
		if err == pgx.ErrNoRows {
			return uuid.Nil, 0, ErrMoneyDropNotFound
		}
		return uuid.Nil, 0, fmt.Errorf("lock money drop: %w", err)
	}

	if err := checkMoneyDropClaimable(status, expiry, claimsMade, totalAllowed, time.Now()); err != nil {
		return uuid.Nil, 0, err
	}

	var alreadyClaimed bool
	if err := tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM money_drop_claims WHERE drop_id = $1 AND claimant_id = $2)`,
		dropID, claimantID,
	).Scan(&alreadyClaimed); err != nil {
		return uuid.Nil, 0, fmt.Errorf("check existing claim: %w", err)
	}
	if alreadyClaimed {
		return uuid.Nil, 0, ErrMoneyDropAlreadyClaimed
	}

	var claimsAfter int
	if err := tx.QueryRow(ctx,
		`UPDATE money_drops SET claims_made_count = claims_made_count + 1 WHERE id = $1 RETURNING claims_made_count`,
		dropID,
	).Scan(&claimsAfter); err != nil {
		return uuid.Nil, 0, fmt.Errorf("increment claim count: %w", err)
	}

	transactionID := uuid.New()
	logTx := `
		INSERT INTO transactions (
			id, sender_id, recipient_id, source_account_id, destination_account_id, money_drop_id,
			type, category, status, amount, fee, description
		)
		VALUES ($1, $2, $3, $4, $5, $6, 'money_drop_claim', 'money_drop', 'pending', $7, 0, 'Money Drop Claim')
	`
	if _, err := tx.Exec(ctx, logTx, transactionID, creatorID, claimantID, moneyDropAccountID, claimantAccountID, dropID, amount); err != nil {
		return uuid.Nil, 0, fmt.Errorf("record claim transaction: %w", err)
	}

	insertClaim := `
		INSERT INTO money_drop_claims (drop_id, claimant_id, transaction_id, claimed_at)
		VALUES ($1, $2, $3, NOW())
	`
	if _, err := tx.Exec(ctx, insertClaim, dropID, claimantID, transactionID); err != nil {
		if isUniqueViolation(err) {
			return uuid.Nil, 0, ErrMoneyDropAlreadyClaimed
		}
		return uuid.Nil, 0, fmt.Errorf("insert claim: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return uuid.Nil, 0, err
	}
	return transactionID, claimsAfter, nil
}

// checkMoneyDropClaimable applies the claim guards in a fixed order. Exhaustion is
// checked first: the last claim completes the drop, so a claimant that lost the race
// sees FullyClaimed rather than NotActive.
func checkMoneyDropClaimable(status string, expiry time.Time, claimsMade, totalAllowed int, now time.Time) error {
	if claimsMade >= totalAllowed {
		return ErrMoneyDropFullyClaimed
	}
	if status != domain.MoneyDropStatusActive {
		return ErrMoneyDropNotActive
	}
	if !now.Before(expiry) {
		return ErrMoneyDropExpired
	}
	return nil
}

// FindExpiredActiveMoneyDrops lists active drops that expired or ran out of claims.
func (r *PostgresRepository) FindExpiredActiveMoneyDrops(ctx context.Context, now time.Time, limit int) ([]domain.MoneyDrop, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT ` + moneyDropColumns + `
		FROM money_drops
		WHERE status = 'active'
		  AND (expiry_timestamp <= $1 OR claims_made_count >= total_claims_allowed)
		ORDER BY expiry_timestamp ASC
		LIMIT $2
	`
	rows, err := r.db.Query(ctx, query, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	drops := []domain.MoneyDrop{}
	for rows.Next() {
		drop, err := scanMoneyDrop(rows)
		if err != nil {
			return nil, err
		}
		drops = append(drops, *drop)
	}
	return drops, rows.Err()
}

// FinalizeMoneyDrop closes an active drop that is exhausted or expired and returns the
// unclaimed remainder from the pool to the funding account. The refund never exceeds the
// pool balance.
func (r *PostgresRepository) FinalizeMoneyDrop(ctx context.Context, dropID uuid.UUID, now time.Time) (*domain.MoneyDropFinalization, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	drop, err := scanMoneyDrop(tx.QueryRow(ctx, `SELECT `+moneyDropColumns+` FROM money_drops WHERE id = $1 FOR UPDATE`, dropID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrMoneyDropNotFound
		}
		return nil, err
	}
	if drop.Status != domain.MoneyDropStatusActive {
		return nil, ErrMoneyDropNotActive
	}

	var finalStatus string
	switch {
	case drop.ClaimsMadeCount >= drop.TotalClaimsAllowed:
		finalStatus = domain.MoneyDropStatusCompleted
	case !now.Before(drop.ExpiryTimestamp):
		finalStatus = domain.MoneyDropStatusExpired
	default:
		return nil, ErrMoneyDropStillOpen
	}

	result := &domain.MoneyDropFinalization{
		DropID:    drop.ID,
		CreatorID: drop.CreatorID,
		Status:    finalStatus,
	}

	remainder := drop.AmountPerClaim * int64(drop.RemainingClaims())
	if remainder > 0 {
		balances, err := lockAccounts(ctx, tx, drop.MoneyDropAccountID, drop.FundingSourceAccountID)
		if err != nil {
			return nil, err
		}
		if pool := balances[drop.MoneyDropAccountID]; remainder > pool {
			remainder = pool
		}
	}

	if remainder > 0 {
		if err := adjustBalance(ctx, tx, drop.MoneyDropAccountID, -remainder); err != nil {
			return nil, err
		}
		if err := adjustBalance(ctx, tx, drop.FundingSourceAccountID, remainder); err != nil {
			return nil, err
		}

		refundID := uuid.New()
		refundTx := `
			INSERT INTO transactions (
				id, sender_id, recipient_id, source_account_id, destination_account_id, money_drop_id,
				type, category, status, amount, fee, description
			)
			VALUES ($1, $2, $2, $3, $4, $5, 'money_drop_refund', 'money_drop', 'completed', $6, 0, 'Money Drop Refund')
		`
		if _, err := tx.Exec(ctx, refundTx, refundID, drop.CreatorID, drop.MoneyDropAccountID, drop.FundingSourceAccountID, drop.ID, remainder); err != nil {
			return nil, fmt.Errorf("record money drop refund: %w", err)
		}
		result.RefundAmount = remainder
		result.TransactionID = &refundID
	}

	if _, err := tx.Exec(ctx, `UPDATE money_drops SET status = $2 WHERE id = $1`, drop.ID, finalStatus); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return result, nil
}
