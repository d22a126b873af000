package domain

import "time"

// TransferStatusEvent is the settlement gateway callback for a transfer lifecycle update.
// It arrives either from the event bus or through the internal HTTP route. Reference
// echoes the reference sent when the transfer was initiated, which is the transaction id.
type TransferStatusEvent struct {
	EventID        string    `json:"event_id"`
	EventType      string    `json:"event_type"`
	Status         string    `json:"status"`
	TransferType   string    `json:"transfer_type"`
	ExternalRef    string    `json:"transfer_id" validate:"required"`
	Reference      string    `json:"reference"`
	AccountID      string    `json:"account_id"`
	CustomerID     string    `json:"customer_id"`
	CounterpartyID string    `json:"counterparty_id"`
	Amount         int64     `json:"amount"`
	Currency       string    `json:"currency"`
	Reason         string    `json:"reason"`
	SessionID      string    `json:"session_id"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// Domain event routing keys published on the events exchange.
const (
	EventTransactionCompleted    = "transaction.completed"
	EventTransactionFailed       = "transaction.failed"
	EventPaymentRequestFulfilled = "payment_request.fulfilled"
	EventMoneyDropClaimed        = "money_drop.claimed"
	EventTransferBatchFinalized  = "transfer_batch.finalized"
	EventSubscriptionFeeCharged  = "subscription.fee_charged"
)

// TransactionEvent is published when a transaction reaches a terminal status.
type TransactionEvent struct {
	TransactionID string    `json:"transaction_id"`
	SenderID      string    `json:"sender_id"`
	RecipientID   string    `json:"recipient_id,omitempty"`
	Type          string    `json:"type"`
	Status        string    `json:"status"`
	Amount        int64     `json:"amount"`
	Fee           int64     `json:"fee"`
	Reason        string    `json:"reason,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

type PaymentRequestFulfilledEvent struct {
	RequestID     string    `json:"request_id"`
	CreatorID     string    `json:"creator_id"`
	PayerID       string    `json:"payer_id"`
	TransactionID string    `json:"transaction_id"`
	Amount        int64     `json:"amount"`
	OccurredAt    time.Time `json:"occurred_at"`
}

type MoneyDropClaimedEvent struct {
	DropID        string    `json:"drop_id"`
	CreatorID     string    `json:"creator_id"`
	ClaimantID    string    `json:"claimant_id"`
	TransactionID string    `json:"transaction_id"`
	Amount        int64     `json:"amount"`
	OccurredAt    time.Time `json:"occurred_at"`
}

type TransferBatchFinalizedEvent struct {
	BatchID      string    `json:"batch_id"`
	SenderID     string    `json:"sender_id"`
	Status       string    `json:"status"`
	SuccessCount int       `json:"success_count"`
	FailureCount int       `json:"failure_count"`
	TotalAmount  int64     `json:"total_amount"`
	TotalFee     int64     `json:"total_fee"`
	OccurredAt   time.Time `json:"occurred_at"`
}

type SubscriptionFeeEvent struct {
	TransactionID string    `json:"transaction_id"`
	UserID        string    `json:"user_id"`
	Amount        int64     `json:"amount"`
	Reason        string    `json:"reason"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// SubscriptionFeeRequest is sent by the billing scheduler. A zero amount charges the
// configured monthly fee.
type SubscriptionFeeRequest struct {
	UserID string `json:"user_id" validate:"required,uuid"`
	Amount int64  `json:"amount" validate:"gte=0"`
	Reason string `json:"reason" validate:"max=140"`
}
