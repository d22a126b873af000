package domain

import (
	"time"

	"github.com/google/uuid"
)

const (
	MoneyDropStatusActive    = "active"
	MoneyDropStatusCompleted = "completed"
	MoneyDropStatusExpired   = "expired"
)

// MoneyDrop is a pre-funded pool that pays AmountPerClaim to each distinct claimant.
type MoneyDrop struct {
	ID                     uuid.UUID `json:"id" db:"id"`
	CreatorID              uuid.UUID `json:"creator_id" db:"creator_id"`
	Title                  string    `json:"title" db:"title"`
	Status                 string    `json:"status" db:"status"`
	AmountPerClaim         int64     `json:"amount_per_claim" db:"amount_per_claim"`
	TotalClaimsAllowed     int       `json:"total_claims_allowed" db:"total_claims_allowed"`
	ClaimsMadeCount        int       `json:"claims_made_count" db:"claims_made_count"`
	ExpiryTimestamp        time.Time `json:"expiry_timestamp" db:"expiry_timestamp"`
	FundingSourceAccountID uuid.UUID `json:"funding_source_account_id" db:"funding_source_account_id"`
	MoneyDropAccountID     uuid.UUID `json:"money_drop_account_id" db:"money_drop_account_id"`
	PasswordHash           *string   `json:"-" db:"password_hash"`
	CreatedAt              time.Time `json:"created_at" db:"created_at"`
}

// RequiresPassword reports whether claimants must present the drop password.
func (m *MoneyDrop) RequiresPassword() bool {
	return m.PasswordHash != nil && *m.PasswordHash != ""
}

// RemainingClaims never goes below zero.
func (m *MoneyDrop) RemainingClaims() int {
	if m.ClaimsMadeCount >= m.TotalClaimsAllowed {
		return 0
	}
	return m.TotalClaimsAllowed - m.ClaimsMadeCount
}

type MoneyDropClaim struct {
	ID            uuid.UUID `json:"id" db:"id"`
	DropID        uuid.UUID `json:"drop_id" db:"drop_id"`
	ClaimantID    uuid.UUID `json:"claimant_id" db:"claimant_id"`
	TransactionID uuid.UUID `json:"transaction_id" db:"transaction_id"`
	ClaimedAt     time.Time `json:"claimed_at" db:"claimed_at"`
}

type CreateMoneyDropRequest struct {
	Title           string `json:"title" validate:"max=80"`
	AmountPerClaim  int64  `json:"amount_per_claim" validate:"required,gt=0"`
	NumberOfPeople  int    `json:"number_of_people" validate:"required,gt=0,lte=1000"`
	ExpiryInMinutes int    `json:"expiry_in_minutes" validate:"required,gt=0,lte=10080"`
	Password        string `json:"password,omitempty" validate:"omitempty,min=4,max=64"`
	TransactionPIN  string `json:"transaction_pin"`
}

type ClaimMoneyDropRequest struct {
	Password string `json:"password,omitempty" validate:"omitempty,max=64"`
}

type CreateMoneyDropResponse struct {
	MoneyDropID     string    `json:"money_drop_id"`
	TotalAmount     int64     `json:"total_amount"`
	AmountPerClaim  int64     `json:"amount_per_claim"`
	NumberOfPeople  int       `json:"number_of_people"`
	Fee             int64     `json:"fee"`
	ExpiryTimestamp time.Time `json:"expiry_timestamp"`
	RequiresPass    bool      `json:"requires_password"`
}

type ClaimMoneyDropResponse struct {
	Message         string `json:"message"`
	AmountClaimed   int64  `json:"amount_claimed"`
	CreatorUsername string `json:"creator_username"`
	TransactionID   string `json:"transaction_id"`
}

type MoneyDropDetails struct {
	ID               uuid.UUID `json:"id"`
	Title            string    `json:"title,omitempty"`
	CreatorUsername  string    `json:"creator_username"`
	AmountPerClaim   int64     `json:"amount_per_claim"`
	Status           string    `json:"status"`
	RemainingClaims  int       `json:"remaining_claims"`
	RequiresPassword bool      `json:"requires_password"`
	IsClaimable      bool      `json:"is_claimable"`
	Message          string    `json:"message"`
	ExpiryTimestamp  time.Time `json:"expiry_timestamp"`
}

// MoneyDropPasswordAttemptState tracks failed password claims for one (drop, claimant).
type MoneyDropPasswordAttemptState struct {
	FailedAttempts int
	LockedUntil    *time.Time
}

// MoneyDropClaimIdempotencyResult is the outcome of reserving an idempotency key.
// When Acquired is false, CachedResponse holds the stored response of the completed claim.
type MoneyDropClaimIdempotencyResult struct {
	Acquired       bool
	Reclaimed      bool
	CachedResponse *ClaimMoneyDropResponse
}

// MoneyDropFinalization describes the refund applied when a drop closes.
type MoneyDropFinalization struct {
	DropID        uuid.UUID
	CreatorID     uuid.UUID
	Status        string
	RefundAmount  int64
	TransactionID *uuid.UUID
}
