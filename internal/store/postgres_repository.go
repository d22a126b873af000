/**
 * @description
 * PostgreSQL implementation of the `Repository` interface. This file holds the
 * repository type, user and account lookups, the single-account ledger units and
 * beneficiary management. Other concerns live in the sibling postgres_*.go files.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: PostgreSQL driver and connection pool.
 * - internal/domain: models used for data transfer.
 *
 * @notes
 * - Every multi-row money movement locks the involved account rows in ascending id
 *   order through lockAccounts so concurrent transfers cannot deadlock.
 */

package store

import (
	"bytes"
	"context"
	"errors"
	"sort"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/transfa/payments-core/internal/domain"
)

const pgUniqueViolation = "23505"

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func pgErrorCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

func isUniqueViolation(err error) bool {
	return pgErrorCode(err) == pgUniqueViolation
}

// sortAccountIDs returns the distinct ids in the order PostgreSQL sorts uuid values.
func sortAccountIDs(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(ids))
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if id == uuid.Nil {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i][:], out[j][:]) < 0
	})
	return out
}

// lockAccounts takes row locks on every account in one ordered statement and returns
// their balances. A missing row yields ErrAccountNotFound.
func lockAccounts(ctx context.Context, tx pgx.Tx, ids ...uuid.UUID) (map[uuid.UUID]int64, error) {
	ordered := sortAccountIDs(ids)
	rows, err := tx.Query(ctx, `
		SELECT id, balance
		FROM accounts
		WHERE id = ANY($1)
		ORDER BY id
		FOR UPDATE
	`, ordered)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	balances := make(map[uuid.UUID]int64, len(ordered))
	for rows.Next() {
		var id uuid.UUID
		var balance int64
		if err := rows.Scan(&id, &balance); err != nil {
			return nil, err
		}
		balances[id] = balance
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(balances) != len(ordered) {
		return nil, ErrAccountNotFound
	}
	return balances, nil
}

func adjustBalance(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, delta int64) error {
	_, err := tx.Exec(ctx, `UPDATE accounts SET balance = balance + $1, updated_at = NOW() WHERE id = $2`, delta, accountID)
	return err
}

// FindUserIDByClerkUserID resolves the internal UUID from an identity provider user id.
func (r *PostgresRepository) FindUserIDByClerkUserID(ctx context.Context, clerkUserID string) (string, error) {
	var id string
	err := r.db.QueryRow(ctx, "SELECT id FROM users WHERE clerk_user_id = $1", clerkUserID).Scan(&id)
	if err != nil {
		if err == pgx.ErrNoRows {
			return "", ErrUserNotFound
		}
		return "", err
	}
	return id, nil
}

// FindUserByUsername retrieves a user by case-insensitive username.
func (r *PostgresRepository) FindUserByUsername(ctx context.Context, username string) (*domain.User, error) {
	var user domain.User
	query := `SELECT id, btrim(username), full_name, allow_sending, external_customer_id FROM users WHERE lower(btrim(username)) = lower(btrim($1))`
	err := r.db.QueryRow(ctx, query, username).Scan(&user.ID, &user.Username, &user.FullName, &user.AllowSending, &user.ExternalCustomerID)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

// FindUserByID retrieves a user by id.
func (r *PostgresRepository) FindUserByID(ctx context.Context, userID uuid.UUID) (*domain.User, error) {
	var user domain.User
	query := `SELECT id, btrim(username), full_name, allow_sending, external_customer_id FROM users WHERE id = $1`
	err := r.db.QueryRow(ctx, query, userID).Scan(&user.ID, &user.Username, &user.FullName, &user.AllowSending, &user.ExternalCustomerID)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

// FindAccountByUserID retrieves a user's primary account.
func (r *PostgresRepository) FindAccountByUserID(ctx context.Context, userID uuid.UUID) (*domain.Account, error) {
	return r.findAccount(ctx, userID, domain.AccountTypePrimary)
}

func (r *PostgresRepository) findAccount(ctx context.Context, userID uuid.UUID, accountType string) (*domain.Account, error) {
	var account domain.Account
	query := `SELECT id, user_id, account_type, external_account_id, balance FROM accounts WHERE user_id = $1 AND account_type = $2`
	err := r.db.QueryRow(ctx, query, userID, accountType).Scan(
		&account.ID, &account.UserID, &account.AccountType, &account.ExternalAccountID, &account.Balance)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &account, nil
}

// EnsureMoneyDropAccount returns the user's money-drop pool account, creating it on first use.
// The pool shares the primary account's external id since it never settles externally.
func (r *PostgresRepository) EnsureMoneyDropAccount(ctx context.Context, userID uuid.UUID) (*domain.Account, error) {
	query := `
		INSERT INTO accounts (user_id, account_type, external_account_id, balance, status)
		SELECT user_id, 'money_drop', external_account_id, 0, 'active'
		FROM accounts
		WHERE user_id = $1 AND account_type = 'primary'
		ON CONFLICT (user_id, account_type) DO NOTHING
	`
	if _, err := r.db.Exec(ctx, query, userID); err != nil {
		return nil, err
	}
	return r.findAccount(ctx, userID, domain.AccountTypeMoneyDrop)
}

// DebitWallet performs an atomic debit on a user's primary account.
// Insufficient funds leave the balance untouched.
func (r *PostgresRepository) DebitWallet(ctx context.Context, userID uuid.UUID, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var accountID uuid.UUID
	var balance int64
	err = tx.QueryRow(ctx, "SELECT id, balance FROM accounts WHERE user_id = $1 AND account_type = 'primary' FOR UPDATE", userID).Scan(&accountID, &balance)
	if err != nil {
		if err == pgx.ErrNoRows {
			return ErrAccountNotFound
		}
		return err
	}

	if balance < amount {
		return ErrInsufficientFunds
	}

	if err := adjustBalance(ctx, tx, accountID, -amount); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// CreditWallet performs an atomic credit on a user's primary account.
func (r *PostgresRepository) CreditWallet(ctx context.Context, userID uuid.UUID, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var accountID uuid.UUID
	err = tx.QueryRow(ctx, "SELECT id FROM accounts WHERE user_id = $1 AND account_type = 'primary' FOR UPDATE", userID).Scan(&accountID)
	if err != nil {
		if err == pgx.ErrNoRows {
			return ErrAccountNotFound
		}
		return err
	}

	if err := adjustBalance(ctx, tx, accountID, amount); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

const beneficiaryColumns = `id, user_id, external_counterparty_id, account_name, account_number_masked, bank_name, is_default, created_at, updated_at`

func scanBeneficiary(row pgx.Row) (*domain.Beneficiary, error) {
	var b domain.Beneficiary
	err := row.Scan(
		&b.ID, &b.UserID, &b.ExternalCounterpartyID,
		&b.AccountName, &b.AccountNumberMasked, &b.BankName,
		&b.IsDefault, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// FindBeneficiaryByID retrieves a specific beneficiary owned by a user.
func (r *PostgresRepository) FindBeneficiaryByID(ctx context.Context, beneficiaryID uuid.UUID, userID uuid.UUID) (*domain.Beneficiary, error) {
	query := `SELECT ` + beneficiaryColumns + ` FROM beneficiaries WHERE id = $1 AND user_id = $2`
	b, err := scanBeneficiary(r.db.QueryRow(ctx, query, beneficiaryID, userID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrBeneficiaryNotFound
		}
		return nil, err
	}
	return b, nil
}

// FindBeneficiariesByUserID retrieves all beneficiaries for a user, default first.
func (r *PostgresRepository) FindBeneficiariesByUserID(ctx context.Context, userID uuid.UUID) ([]domain.Beneficiary, error) {
	query := `
		SELECT ` + beneficiaryColumns + `
		FROM beneficiaries
		WHERE user_id = $1
		ORDER BY is_default DESC, created_at DESC
	`
	rows, err := r.db.Query(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	beneficiaries := []domain.Beneficiary{}
	for rows.Next() {
		b, err := scanBeneficiary(rows)
		if err != nil {
			return nil, err
		}
		beneficiaries = append(beneficiaries, *b)
	}
	return beneficiaries, rows.Err()
}

// FindOrCreateDefaultBeneficiary returns the user's default beneficiary. When no row is
// flagged, the oldest beneficiary is promoted. A concurrent promotion surfaces as a unique
// violation on the partial default index, in which case the lookup is retried.
func (r *PostgresRepository) FindOrCreateDefaultBeneficiary(ctx context.Context, userID uuid.UUID) (*domain.Beneficiary, error) {
	for attempt := 0; attempt < 3; attempt++ {
		b, err := r.findOrPromoteDefaultBeneficiary(ctx, userID)
		if err == nil {
			return b, nil
		}
		if !isUniqueViolation(err) {
			return nil, err
		}
	}
	return nil, ErrBeneficiaryNotFound
}

func (r *PostgresRepository) findOrPromoteDefaultBeneficiary(ctx context.Context, userID uuid.UUID) (*domain.Beneficiary, error) {
	query := `SELECT ` + beneficiaryColumns + ` FROM beneficiaries WHERE user_id = $1 AND is_default = true LIMIT 1`
	b, err := scanBeneficiary(r.db.QueryRow(ctx, query, userID))
	if err == nil {
		return b, nil
	}
	if err != pgx.ErrNoRows {
		return nil, err
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	oldest := `SELECT ` + beneficiaryColumns + ` FROM beneficiaries WHERE user_id = $1 ORDER BY created_at ASC LIMIT 1 FOR UPDATE`
	b, err = scanBeneficiary(tx.QueryRow(ctx, oldest, userID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrBeneficiaryNotFound
		}
		return nil, err
	}

	if _, err := tx.Exec(ctx, "UPDATE beneficiaries SET is_default = true, updated_at = NOW() WHERE id = $1", b.ID); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	b.IsDefault = true
	return b, nil
}

// SetDefaultBeneficiary flags one beneficiary as default and unflags the rest in one unit.
func (r *PostgresRepository) SetDefaultBeneficiary(ctx context.Context, userID uuid.UUID, beneficiaryID uuid.UUID) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var count int
	err = tx.QueryRow(ctx, "SELECT COUNT(*) FROM beneficiaries WHERE id = $1 AND user_id = $2", beneficiaryID, userID).Scan(&count)
	if err != nil {
		return err
	}
	if count == 0 {
		return ErrBeneficiaryNotFound
	}

	// Unflag first so the partial unique index never sees two defaults.
	if _, err := tx.Exec(ctx, "UPDATE beneficiaries SET is_default = false, updated_at = NOW() WHERE user_id = $1 AND is_default", userID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, "UPDATE beneficiaries SET is_default = true, updated_at = NOW() WHERE id = $1 AND user_id = $2", beneficiaryID, userID); err != nil {
		return err
	}

	return tx.Commit(ctx)
}
