package domain

import "errors"

// Error kinds shared across layers. Lower layers keep their own sentinels and the
// service layer wraps them with one of these so callers can branch on the kind alone.
var (
	ErrNotFound          = errors.New("not found")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrConflict          = errors.New("conflict")
	ErrInvalidState      = errors.New("invalid state")
	ErrLocked            = errors.New("locked")
	ErrRateLimited       = errors.New("rate limited")
	ErrUpstream          = errors.New("upstream failure")
	ErrInvalidInput      = errors.New("invalid input")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrForbidden         = errors.New("forbidden")

	// ErrPreconditionFailed means the caller must finish a setup step first, such as
	// choosing a transaction PIN.
	ErrPreconditionFailed = errors.New("precondition failed")
)
