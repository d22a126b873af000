package domain

import (
	"time"

	"github.com/google/uuid"
)

// UserSecurityCredential holds the transaction PIN hash and its failure counters.
type UserSecurityCredential struct {
	UserID             uuid.UUID  `json:"user_id"`
	TransactionPINHash string     `json:"-"`
	FailedAttempts     int        `json:"failed_attempts"`
	LockedUntil        *time.Time `json:"locked_until,omitempty"`
}

// SetTransactionPINPayload chooses or changes the caller's transaction PIN. CurrentPIN
// is required once a PIN exists.
type SetTransactionPINPayload struct {
	PIN        string `json:"pin" validate:"required,numeric,min=4,max=6"`
	CurrentPIN string `json:"current_pin,omitempty" validate:"omitempty,numeric,min=4,max=6"`
}
