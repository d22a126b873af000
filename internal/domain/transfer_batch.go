package domain

import (
	"time"

	"github.com/google/uuid"
)

const (
	TransferBatchStatusProcessing    = "processing"
	TransferBatchStatusCompleted     = "completed"
	TransferBatchStatusFailed        = "failed"
	TransferBatchStatusPartialFailed = "partial_failed"
)

const (
	TransferBatchItemStatusPending   = "pending"
	TransferBatchItemStatusCompleted = "completed"
	TransferBatchItemStatusFailed    = "failed"
)

// BulkP2PTransferRequest initiates multiple P2P transfers in one request. Either list
// the transfers or name a saved transfer list; a list pays AmountPerRecipient to every
// member.
type BulkP2PTransferRequest struct {
	Transfers          []BulkP2PTransferItem `json:"transfers,omitempty" validate:"omitempty,dive"`
	TransferListID     *uuid.UUID            `json:"transfer_list_id,omitempty"`
	AmountPerRecipient int64                 `json:"amount_per_recipient,omitempty" validate:"omitempty,gt=0"`
	Description        string                `json:"description,omitempty" validate:"max=140"`
	TransactionPIN     string                `json:"transaction_pin"`
}

// BulkP2PTransferItem is one recipient instruction within a bulk request.
type BulkP2PTransferItem struct {
	RecipientUsername string `json:"recipient_username" validate:"required,max=64"`
	Amount            int64  `json:"amount" validate:"required,gt=0"`
	Description       string `json:"description" validate:"max=140"`
}

// BulkP2PTransferFailure captures a failed transfer item and reason.
type BulkP2PTransferFailure struct {
	RecipientUsername string `json:"recipient_username"`
	Amount            int64  `json:"amount"`
	Description       string `json:"description"`
	Error             string `json:"error"`
}

// BulkP2PTransferResult summarizes a processed batch.
type BulkP2PTransferResult struct {
	Batch      *TransferBatch           `json:"batch"`
	Successful []*Transaction           `json:"successful"`
	Failed     []BulkP2PTransferFailure `json:"failed"`
}

// TransferBatch captures aggregate processing state for a bulk transfer request.
// Counts and totals are always recomputed from item rows on finalize.
type TransferBatch struct {
	ID             uuid.UUID `json:"id"`
	SenderID       uuid.UUID `json:"sender_id"`
	Status         string    `json:"status"`
	RequestedCount int       `json:"requested_count"`
	SuccessCount   int       `json:"success_count"`
	FailureCount   int       `json:"failure_count"`
	TotalAmount    int64     `json:"total_amount"`
	TotalFee       int64     `json:"total_fee"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// TransferBatchItem captures processing state for one recipient within a batch.
type TransferBatchItem struct {
	ID                uuid.UUID  `json:"id"`
	BatchID           uuid.UUID  `json:"batch_id"`
	RecipientUsername string     `json:"recipient_username"`
	Amount            int64      `json:"amount"`
	Description       string     `json:"description"`
	Status            string     `json:"status"`
	Fee               int64      `json:"fee"`
	TransactionID     *uuid.UUID `json:"transaction_id,omitempty"`
	FailureReason     *string    `json:"failure_reason,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// DeriveBatchStatus maps item outcome counts to the batch status.
// Any pending item keeps the batch processing.
func DeriveBatchStatus(success, failure, pending int) string {
	switch {
	case pending > 0:
		return TransferBatchStatusProcessing
	case success > 0 && failure == 0:
		return TransferBatchStatusCompleted
	case success == 0 && failure > 0:
		return TransferBatchStatusFailed
	case success > 0 && failure > 0:
		return TransferBatchStatusPartialFailed
	default:
		return TransferBatchStatusProcessing
	}
}
