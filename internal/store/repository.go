/**
 * @description
 * This file defines the `Repository` interface, the contract for every data access
 * operation of the payments core. Business logic depends on this interface only, so
 * the PostgreSQL implementation can be swapped for stubs in tests.
 *
 * @dependencies
 * - github.com/google/uuid: identifiers.
 * - internal/domain: the models persisted and returned here.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/payments-core/internal/domain"
)

var (
	ErrUserNotFound                        = errors.New("user not found")
	ErrAccountNotFound                     = errors.New("account not found")
	ErrBeneficiaryNotFound                 = errors.New("beneficiary not found")
	ErrInsufficientFunds                   = errors.New("insufficient funds")
	ErrInvalidAmount                       = errors.New("amount must be positive")
	ErrTransactionNotFound                 = errors.New("transaction not found")
	ErrTransactionNotPending               = errors.New("transaction is not pending")
	ErrPaymentRequestNotFound              = errors.New("payment request not found")
	ErrPaymentRequestNotReady              = errors.New("payment request is not payable")
	ErrMoneyDropNotFound                   = errors.New("money drop not found")
	ErrMoneyDropNotActive                  = errors.New("money drop is not active")
	ErrMoneyDropExpired                    = errors.New("money drop has expired")
	ErrMoneyDropFullyClaimed               = errors.New("money drop has been fully claimed")
	ErrMoneyDropAlreadyClaimed             = errors.New("money drop already claimed by user")
	ErrMoneyDropStillOpen                  = errors.New("money drop is still open")
	ErrMoneyDropClaimIdempotencyInProgress = errors.New("money drop claim already in progress")
	ErrMoneyDropClaimIdempotencyConflict   = errors.New("idempotency key reused with a different request")
	ErrInvalidIdempotencyWindow            = errors.New("idempotency ttl and stale window must be positive")
	ErrTransferBatchNotFound               = errors.New("transfer batch not found")
	ErrTransferBatchItemNotFound           = errors.New("transfer batch item not found")
	ErrTransactionPINNotSet                = errors.New("transaction pin is not set")
	ErrTransferListNotFound                = errors.New("transfer list not found")
	ErrTransferListNameTaken               = errors.New("a transfer list with this name already exists")
	ErrTransferListFull                    = errors.New("transfer list has reached its member limit")
	ErrTransferListLastMember              = errors.New("a transfer list needs at least one member")
)

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// Users and accounts
	FindUserIDByClerkUserID(ctx context.Context, clerkUserID string) (string, error)
	FindUserByUsername(ctx context.Context, username string) (*domain.User, error)
	FindUserByID(ctx context.Context, userID uuid.UUID) (*domain.User, error)
	FindAccountByUserID(ctx context.Context, userID uuid.UUID) (*domain.Account, error)
	EnsureMoneyDropAccount(ctx context.Context, userID uuid.UUID) (*domain.Account, error)

	// Transaction PIN
	GetUserSecurityCredentialByUserID(ctx context.Context, userID uuid.UUID) (*domain.UserSecurityCredential, error)
	UpsertTransactionPIN(ctx context.Context, userID uuid.UUID, pinHash string) error
	RecordFailedTransactionPINAttempt(ctx context.Context, userID uuid.UUID, maxAttempts int, lockoutDuration time.Duration) (*domain.UserSecurityCredential, error)
	ResetTransactionPINFailureState(ctx context.Context, userID uuid.UUID) error

	// Ledger
	DebitWallet(ctx context.Context, userID uuid.UUID, amount int64) error
	CreditWallet(ctx context.Context, userID uuid.UUID, amount int64) error

	// Beneficiaries
	FindBeneficiaryByID(ctx context.Context, beneficiaryID uuid.UUID, userID uuid.UUID) (*domain.Beneficiary, error)
	FindBeneficiariesByUserID(ctx context.Context, userID uuid.UUID) ([]domain.Beneficiary, error)
	FindOrCreateDefaultBeneficiary(ctx context.Context, userID uuid.UUID) (*domain.Beneficiary, error)
	SetDefaultBeneficiary(ctx context.Context, userID uuid.UUID, beneficiaryID uuid.UUID) error

	// Transactions
	CreateTransaction(ctx context.Context, tx *domain.Transaction) error
	FindTransactionByID(ctx context.Context, transactionID uuid.UUID) (*domain.Transaction, error)
	FindTransactionByExternalRef(ctx context.Context, externalRef string) (*domain.Transaction, error)
	ListTransactionsByUserID(ctx context.Context, userID uuid.UUID, limit, offset int) ([]domain.Transaction, error)
	UpdateTransactionStatus(ctx context.Context, transactionID uuid.UUID, externalRef, status string) error
	UpdateTransactionStatusAndFee(ctx context.Context, transactionID uuid.UUID, externalRef, status string, fee int64) error
	UpdateTransactionMetadata(ctx context.Context, transactionID uuid.UUID, metadata UpdateTransactionMetadataParams) error
	MarkTransactionCompleted(ctx context.Context, transactionID uuid.UUID, externalRef *string) (bool, error)
	MarkTransactionFailed(ctx context.Context, transactionID uuid.UUID, externalRef *string, reason string) (bool, error)
	MarkTransactionCompletedByExternalRef(ctx context.Context, externalRef string) (bool, error)
	MarkTransactionFailedByExternalRef(ctx context.Context, externalRef string, reason string) (bool, error)
	SettleTransaction(ctx context.Context, transactionID uuid.UUID) (*domain.Transaction, error)
	CompleteReservedTransaction(ctx context.Context, transactionID uuid.UUID, externalRef *string) (bool, error)
	RefundReservedTransaction(ctx context.Context, transactionID uuid.UUID, externalRef *string, reason string) (bool, error)

	// Transfer batches
	CreateTransferBatchWithItems(ctx context.Context, batch *domain.TransferBatch, items []domain.TransferBatchItem) error
	MarkTransferBatchItemCompleted(ctx context.Context, itemID uuid.UUID, transactionID uuid.UUID, fee int64) error
	MarkTransferBatchItemFailed(ctx context.Context, itemID uuid.UUID, failureReason string) error
	FinalizeTransferBatch(ctx context.Context, batchID uuid.UUID) (*domain.TransferBatch, error)
	GetTransferBatch(ctx context.Context, batchID uuid.UUID, senderID uuid.UUID) (*domain.TransferBatch, []domain.TransferBatchItem, error)

	// Payment requests
	CreatePaymentRequest(ctx context.Context, req *domain.PaymentRequest) (*domain.PaymentRequest, error)
	ListPaymentRequestsByCreator(ctx context.Context, creatorID uuid.UUID, opts domain.PaymentRequestListOptions) ([]domain.PaymentRequest, error)
	GetPaymentRequestByID(ctx context.Context, requestID uuid.UUID, creatorID uuid.UUID) (*domain.PaymentRequest, error)
	DeletePaymentRequest(ctx context.Context, requestID uuid.UUID, creatorID uuid.UUID) (bool, error)
	ListIncomingPaymentRequests(ctx context.Context, recipientID uuid.UUID, opts domain.PaymentRequestListOptions) ([]domain.PaymentRequest, error)
	GetIncomingPaymentRequestByID(ctx context.Context, requestID uuid.UUID, payerID uuid.UUID) (*domain.PaymentRequest, error)
	ClaimIncomingPaymentRequestForPayment(ctx context.Context, requestID uuid.UUID, payerID uuid.UUID, staleAfter time.Duration) (*domain.PaymentRequest, error)
	AttachProcessingPaymentRequestSettlementTransaction(ctx context.Context, requestID uuid.UUID, payerID uuid.UUID, settledTransactionID uuid.UUID) (*domain.PaymentRequest, error)
	MarkPaymentRequestFulfilled(ctx context.Context, requestID uuid.UUID, payerID uuid.UUID, settledTransactionID uuid.UUID) (*domain.PaymentRequest, error)
	MarkPaymentRequestFulfilledBySettlementTransaction(ctx context.Context, settledTransactionID uuid.UUID) (*domain.PaymentRequest, error)
	ReleasePaymentRequestFromProcessing(ctx context.Context, requestID uuid.UUID, payerID uuid.UUID) error
	ReleasePaymentRequestFromProcessingBySettlementTransaction(ctx context.Context, settledTransactionID uuid.UUID) (*domain.PaymentRequest, error)
	DeclineIncomingPaymentRequest(ctx context.Context, requestID uuid.UUID, recipientID uuid.UUID, reason *string) (*domain.PaymentRequest, error)

	// Transfer lists
	CreateTransferList(ctx context.Context, list *domain.TransferList, memberIDs []uuid.UUID) (*domain.TransferList, error)
	ListTransferListsByOwner(ctx context.Context, ownerID uuid.UUID, opts domain.TransferListListOptions) ([]domain.TransferListSummary, error)
	GetTransferListByID(ctx context.Context, ownerID uuid.UUID, listID uuid.UUID) (*domain.TransferList, error)
	UpdateTransferList(ctx context.Context, ownerID uuid.UUID, listID uuid.UUID, name string, memberIDs []uuid.UUID) (*domain.TransferList, error)
	ToggleTransferListMember(ctx context.Context, ownerID uuid.UUID, listID uuid.UUID, memberID uuid.UUID, maxMembers int) (*domain.TransferList, bool, error)
	DeleteTransferList(ctx context.Context, ownerID uuid.UUID, listID uuid.UUID) (bool, error)

	// In-app notifications
	CreateInAppNotification(ctx context.Context, item domain.InAppNotification) error
	ListInAppNotifications(ctx context.Context, userID uuid.UUID, opts domain.NotificationListOptions) ([]domain.InAppNotification, error)
	MarkInAppNotificationRead(ctx context.Context, userID uuid.UUID, notificationID uuid.UUID) (bool, error)
	MarkAllInAppNotificationsRead(ctx context.Context, userID uuid.UUID, category *string) (int64, error)
	GetInAppNotificationUnreadCounts(ctx context.Context, userID uuid.UUID) (*domain.NotificationUnreadCounts, error)

	// Money drops
	CreateMoneyDrop(ctx context.Context, drop *domain.MoneyDrop, fee int64) (*domain.MoneyDrop, error)
	FindMoneyDropByID(ctx context.Context, dropID uuid.UUID) (*domain.MoneyDrop, error)
	ClaimMoneyDropAtomic(ctx context.Context, dropID, claimantID, claimantAccountID, moneyDropAccountID uuid.UUID, amount int64) (uuid.UUID, int, error)
	FindExpiredActiveMoneyDrops(ctx context.Context, now time.Time, limit int) ([]domain.MoneyDrop, error)
	FinalizeMoneyDrop(ctx context.Context, dropID uuid.UUID, now time.Time) (*domain.MoneyDropFinalization, error)

	// Money drop claim hardening
	GetMoneyDropPasswordClaimAttemptState(ctx context.Context, dropID uuid.UUID, claimantID uuid.UUID) (*domain.MoneyDropPasswordAttemptState, error)
	RecordMoneyDropPasswordClaimFailure(ctx context.Context, dropID uuid.UUID, claimantID uuid.UUID, maxAttempts int, lockoutDuration time.Duration) (*domain.MoneyDropPasswordAttemptState, error)
	ResetMoneyDropPasswordClaimFailures(ctx context.Context, dropID uuid.UUID, claimantID uuid.UUID) error
	AcquireMoneyDropClaimIdempotency(ctx context.Context, dropID uuid.UUID, claimantID uuid.UUID, key string, requestHash string, ttl time.Duration, staleWindow time.Duration) (*domain.MoneyDropClaimIdempotencyResult, error)
	CompleteMoneyDropClaimIdempotency(ctx context.Context, dropID uuid.UUID, claimantID uuid.UUID, key string, claimTransactionID uuid.UUID, response domain.ClaimMoneyDropResponse) error
	ReleaseMoneyDropClaimIdempotency(ctx context.Context, dropID uuid.UUID, claimantID uuid.UUID, key string) error
	PurgeExpiredMoneyDropClaimIdempotency(ctx context.Context, now time.Time) (int64, error)
}

type UpdateTransactionMetadataParams struct {
	Status            *string
	ExternalRef       *string
	TransferType      *string
	FailureReason     *string
	ExternalSessionID *string
	ExternalReason    *string
}
