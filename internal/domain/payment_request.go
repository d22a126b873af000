package domain

import (
	"time"

	"github.com/google/uuid"
)

const (
	PaymentRequestStatusPending    = "pending"
	PaymentRequestStatusProcessing = "processing"
	PaymentRequestStatusFulfilled  = "fulfilled"
	PaymentRequestStatusDeclined   = "declined"
)

const (
	PaymentRequestTypeGeneral    = "general"
	PaymentRequestTypeIndividual = "individual"
)

// PaymentRequest asks a payer to move Amount into the creator's wallet. An individual
// request names its payer; a general one may be paid by anyone except the creator.
// PayerUserID is the user holding the request while it is processing.
// SettledTxID is only set while processing or once fulfilled.
type PaymentRequest struct {
	ID                uuid.UUID  `json:"id" db:"id"`
	CreatorID         uuid.UUID  `json:"creator_id" db:"creator_id"`
	CreatorUsername   *string    `json:"creator_username,omitempty" db:"creator_username"`
	Status            string     `json:"status" db:"status"`
	RequestType       string     `json:"request_type" db:"request_type"`
	Title             string     `json:"title" db:"title"`
	RecipientUserID   *uuid.UUID `json:"recipient_user_id,omitempty" db:"recipient_user_id"`
	RecipientUsername *string    `json:"recipient_username,omitempty" db:"recipient_username"`
	Amount            int64      `json:"amount" db:"amount"`
	Description       *string    `json:"description,omitempty" db:"description"`
	PayerUserID       *uuid.UUID `json:"payer_user_id,omitempty" db:"payer_user_id"`
	FulfilledByUserID *uuid.UUID `json:"fulfilled_by_user_id,omitempty" db:"fulfilled_by_user_id"`
	SettledTxID       *uuid.UUID `json:"settled_transaction_id,omitempty" db:"settled_transaction_id"`
	ProcessingStarted *time.Time `json:"processing_started_at,omitempty" db:"processing_started_at"`
	RespondedAt       *time.Time `json:"responded_at,omitempty" db:"responded_at"`
	DeclinedReason    *string    `json:"declined_reason,omitempty" db:"declined_reason"`
	DeletedAt         *time.Time `json:"-" db:"deleted_at"`
	CreatedAt         time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at" db:"updated_at"`
}

type CreatePaymentRequestPayload struct {
	RequestType       string  `json:"request_type" validate:"omitempty,oneof=general individual"`
	Title             string  `json:"title" validate:"required,max=80"`
	RecipientUsername *string `json:"recipient_username,omitempty" validate:"omitempty,max=64"`
	Amount            int64   `json:"amount" validate:"required,gt=0"`
	Description       *string `json:"description,omitempty" validate:"omitempty,max=280"`
}

type PaymentRequestListOptions struct {
	Limit  int
	Offset int
	Search string
	Status string
	Type   string
}

type PayIncomingPaymentRequestPayload struct {
	TransactionPIN string `json:"transaction_pin"`
}

type DeclineIncomingPaymentRequestPayload struct {
	Reason *string `json:"reason,omitempty" validate:"omitempty,max=280"`
}

type PayIncomingPaymentRequestResult struct {
	Request     *PaymentRequest `json:"request"`
	Transaction *Transaction    `json:"transaction"`
}
