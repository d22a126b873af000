/**
 * @description
 * Core ledger models for the payments core: users, wallet accounts, beneficiaries and
 * the transaction records that describe every money movement.
 *
 * @notes
 * - Amounts are `int64` minor units (kobo). Floating point never touches money.
 * - A transaction is written as `pending` before any settlement attempt and reaches
 *   `completed` or `failed` exactly once.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

const (
	TransactionStatusPending   = "pending"
	TransactionStatusCompleted = "completed"
	TransactionStatusFailed    = "failed"
)

const (
	TransactionTypeP2P             = "p2p"
	TransactionTypeWithdrawal      = "withdrawal"
	TransactionTypeMoneyDropFund   = "money_drop_funding"
	TransactionTypeMoneyDropClaim  = "money_drop_claim"
	TransactionTypeMoneyDropRefund = "money_drop_refund"
	TransactionTypeSubscriptionFee = "subscription_fee"
)

const (
	CategoryP2PTransfer    = "p2p_transfer"
	CategoryBulkTransfer   = "bulk_p2p_transfer"
	CategoryPaymentRequest = "payment_request"
	CategoryWithdrawal     = "withdrawal"
	CategoryMoneyDrop      = "money_drop"
	CategorySubscription   = "subscription"
)

const (
	AccountTypePrimary   = "primary"
	AccountTypeMoneyDrop = "money_drop"
)

const (
	TransferKindBook = "book"
	TransferKindNIP  = "nip"
)

// Transaction is the ledger record for a money movement.
type Transaction struct {
	ID                       uuid.UUID  `json:"id"`
	ExternalRef              *string    `json:"external_ref,omitempty"`
	TransferType             string     `json:"transfer_type,omitempty"`
	FailureReason            *string    `json:"failure_reason,omitempty"`
	ExternalSessionID        *string    `json:"external_session_id,omitempty"`
	ExternalReason           *string    `json:"external_reason,omitempty"`
	SenderID                 uuid.UUID  `json:"sender_id"`
	RecipientID              *uuid.UUID `json:"recipient_id,omitempty"`
	SourceAccountID          uuid.UUID  `json:"source_account_id"`
	DestinationAccountID     *uuid.UUID `json:"destination_account_id,omitempty"`
	DestinationBeneficiaryID *uuid.UUID `json:"destination_beneficiary_id,omitempty"`
	MoneyDropID              *uuid.UUID `json:"money_drop_id,omitempty"`
	Type                     string     `json:"type"`
	Category                 string     `json:"category"`
	Status                   string     `json:"status"`
	Amount                   int64      `json:"amount"`
	Fee                      int64      `json:"fee"`
	Description              string     `json:"description"`
	CreatedAt                time.Time  `json:"created_at"`
	UpdatedAt                time.Time  `json:"updated_at"`
}

// IsTerminal reports whether the transaction already reached its final outcome.
func (t *Transaction) IsTerminal() bool {
	return t.Status == TransactionStatusCompleted || t.Status == TransactionStatusFailed
}

// P2PTransferRequest is the payload for a direct wallet-to-wallet transfer.
type P2PTransferRequest struct {
	RecipientUsername string `json:"recipient_username" validate:"required,max=64"`
	Amount            int64  `json:"amount" validate:"required,gt=0"`
	Description       string `json:"description" validate:"max=140"`
	TransactionPIN    string `json:"transaction_pin"`
}

// WithdrawalRequest moves funds from the primary wallet to a saved beneficiary.
// A nil BeneficiaryID selects the user's default beneficiary.
type WithdrawalRequest struct {
	BeneficiaryID  *uuid.UUID `json:"beneficiary_id,omitempty"`
	Amount         int64      `json:"amount" validate:"required,gt=0"`
	Description    string     `json:"description" validate:"max=140"`
	TransactionPIN string     `json:"transaction_pin"`
}

// User is the slice of the user record this service needs.
type User struct {
	ID                 uuid.UUID `json:"id"`
	Username           string    `json:"username"`
	FullName           *string   `json:"full_name,omitempty"`
	AllowSending       bool      `json:"allow_sending"`
	ExternalCustomerID string    `json:"-"`
}

// Account is an internal wallet. Each user owns one primary account and at most one
// money-drop pool account.
type Account struct {
	ID                uuid.UUID `json:"id"`
	UserID            uuid.UUID `json:"user_id"`
	AccountType       string    `json:"account_type"`
	ExternalAccountID string    `json:"-"`
	Balance           int64     `json:"balance"`
}

// AccountBalance is the balance view returned to clients.
type AccountBalance struct {
	AccountID uuid.UUID `json:"account_id"`
	Balance   int64     `json:"balance"`
	Currency  string    `json:"currency"`
}

// Beneficiary is a saved external bank account. A user has exactly one default.
type Beneficiary struct {
	ID                     uuid.UUID `json:"id"`
	UserID                 uuid.UUID `json:"user_id"`
	ExternalCounterpartyID string    `json:"-"`
	AccountName            string    `json:"account_name"`
	AccountNumberMasked    string    `json:"account_number_masked"`
	BankName               string    `json:"bank_name"`
	IsDefault              bool      `json:"is_default"`
	CreatedAt              time.Time `json:"created_at"`
	UpdatedAt              time.Time `json:"updated_at"`
}

// SetDefaultBeneficiaryRequest selects the user's default payout destination.
type SetDefaultBeneficiaryRequest struct {
	BeneficiaryID uuid.UUID `json:"beneficiary_id" validate:"required"`
}
