package app

import (
	"errors"
	"fmt"
	"time"

	"github.com/transfa/payments-core/internal/domain"
	"github.com/transfa/payments-core/internal/store"
	"github.com/transfa/payments-core/pkg/settlementclient"
)

// RateLimitError is returned when a caller exceeds a throttle. It matches
// domain.ErrRateLimited under errors.Is.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("too many requests, retry in %s", e.RetryAfter.Round(time.Second))
}

func (e *RateLimitError) Is(target error) bool {
	return target == domain.ErrRateLimited
}

// LockoutError is returned while a user is locked out after too many wrong secrets.
// Secret names what was guessed and defaults to "password".
type LockoutError struct {
	LockedUntil time.Time
	Secret      string
}

func (e *LockoutError) Error() string {
	secret := e.Secret
	if secret == "" {
		secret = "password"
	}
	return fmt.Sprintf("too many incorrect %s attempts, locked until %s", secret, e.LockedUntil.UTC().Format(time.RFC3339))
}

func (e *LockoutError) Is(target error) bool {
	return target == domain.ErrLocked
}

// translate attaches a domain kind to store and gateway errors. Unknown errors pass
// through untouched so callers can still log them and the API renders a 500.
func translate(err error) error {
	if err == nil {
		return nil
	}
	var rl *RateLimitError
	var lo *LockoutError
	if errors.As(err, &rl) || errors.As(err, &lo) {
		return err
	}
	if hasPublicKind(err) {
		return err
	}

	switch {
	case errors.Is(err, store.ErrUserNotFound),
		errors.Is(err, store.ErrAccountNotFound),
		errors.Is(err, store.ErrBeneficiaryNotFound),
		errors.Is(err, store.ErrTransactionNotFound),
		errors.Is(err, store.ErrPaymentRequestNotFound),
		errors.Is(err, store.ErrMoneyDropNotFound),
		errors.Is(err, store.ErrTransferBatchNotFound),
		errors.Is(err, store.ErrTransferListNotFound),
		errors.Is(err, store.ErrTransferBatchItemNotFound):
		return fmt.Errorf("%w: %w", domain.ErrNotFound, err)
	case errors.Is(err, store.ErrInsufficientFunds):
		return fmt.Errorf("%w: %w", domain.ErrInsufficientFunds, err)
	case errors.Is(err, store.ErrInvalidAmount),
		errors.Is(err, store.ErrInvalidIdempotencyWindow),
		errors.Is(err, store.ErrTransferListFull),
		errors.Is(err, store.ErrTransferListLastMember):
		return fmt.Errorf("%w: %w", domain.ErrInvalidInput, err)
	case errors.Is(err, store.ErrTransactionNotPending),
		errors.Is(err, store.ErrPaymentRequestNotReady),
		errors.Is(err, store.ErrMoneyDropNotActive),
		errors.Is(err, store.ErrMoneyDropExpired),
		errors.Is(err, store.ErrMoneyDropFullyClaimed),
		errors.Is(err, store.ErrMoneyDropStillOpen):
		return fmt.Errorf("%w: %w", domain.ErrInvalidState, err)
	case errors.Is(err, store.ErrMoneyDropAlreadyClaimed),
		errors.Is(err, store.ErrMoneyDropClaimIdempotencyInProgress),
		errors.Is(err, store.ErrMoneyDropClaimIdempotencyConflict):
		return fmt.Errorf("%w: %w", domain.ErrConflict, err)
	case errors.Is(err, store.ErrTransactionPINNotSet):
		return fmt.Errorf("%w: %w", domain.ErrPreconditionFailed, err)
	case errors.Is(err, store.ErrTransferListNameTaken):
		return fmt.Errorf("%w: %w", domain.ErrConflict, err)
	case errors.Is(err, settlementclient.ErrUnavailable):
		return fmt.Errorf("%w: %w", domain.ErrUpstream, err)
	}

	var apiErr *settlementclient.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("%w: %w", domain.ErrUpstream, err)
	}
	return err
}

func invalidInput(msg string) error {
	return fmt.Errorf("%w: %w", domain.ErrInvalidInput, errors.New(msg))
}

func forbidden(msg string) error {
	return fmt.Errorf("%w: %w", domain.ErrForbidden, errors.New(msg))
}

func unauthorized(msg string) error {
	return fmt.Errorf("%w: %w", domain.ErrUnauthorized, errors.New(msg))
}

func notFound(msg string) error {
	return fmt.Errorf("%w: %w", domain.ErrNotFound, errors.New(msg))
}

// genericFailureMessage replaces the text of errors that carry no domain kind, which
// usually come straight from the database or the network.
const genericFailureMessage = "request could not be processed"

// publicKinds are the domain kinds whose wrapped cause is safe to show a client.
var publicKinds = []error{
	domain.ErrNotFound, domain.ErrInsufficientFunds, domain.ErrConflict, domain.ErrInvalidState,
	domain.ErrLocked, domain.ErrRateLimited, domain.ErrUpstream, domain.ErrInvalidInput,
	domain.ErrUnauthorized, domain.ErrForbidden, domain.ErrPreconditionFailed,
}

// PublicMessage returns the client-safe text of a translated error: the cause wrapped
// next to the domain kind. Errors without a kind get a generic message.
func PublicMessage(err error) string {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl.Error()
	}
	var lo *LockoutError
	if errors.As(err, &lo) {
		return lo.Error()
	}
	if !hasPublicKind(err) {
		return genericFailureMessage
	}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		parts := joined.Unwrap()
		if len(parts) == 2 {
			return parts[1].Error()
		}
	}
	return err.Error()
}

func hasPublicKind(err error) bool {
	for _, kind := range publicKinds {
		if errors.Is(err, kind) {
			return true
		}
	}
	return false
}
