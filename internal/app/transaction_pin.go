package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/transfa/payments-core/internal/domain"
	"github.com/transfa/payments-core/internal/store"
)

const pinSecretName = "PIN"

// ConfigureTransactionPIN turns the PIN gate on or off for money-moving operations and
// sets the lockout applied after repeated wrong PINs.
func (s *Service) ConfigureTransactionPIN(required bool, lockout LockoutPolicy) {
	s.pinRequired = required
	s.pinLockout = lockout
}

// VerifyTransactionPIN checks pin against the user's stored hash.
//
// Errors: ErrPreconditionFailed when no PIN is set, a *LockoutError while locked out,
// ErrUnauthorized for a wrong PIN. A wrong PIN counts towards the lockout.
func (s *Service) VerifyTransactionPIN(ctx context.Context, userID uuid.UUID, pin string) error {
	credential, err := s.repo.GetUserSecurityCredentialByUserID(ctx, userID)
	if err != nil {
		return translate(err)
	}
	if credential.LockedUntil != nil && credential.LockedUntil.After(s.now()) {
		return &LockoutError{LockedUntil: *credential.LockedUntil, Secret: pinSecretName}
	}

	pin = strings.TrimSpace(pin)
	if pin != "" && bcrypt.CompareHashAndPassword([]byte(credential.TransactionPINHash), []byte(pin)) == nil {
		if credential.FailedAttempts > 0 || credential.LockedUntil != nil {
			if err := s.repo.ResetTransactionPINFailureState(ctx, userID); err != nil {
				s.logger.Warn("failed to reset pin attempts", zap.String("user_id", userID.String()), zap.Error(err))
			}
		}
		return nil
	}

	if !lockoutEnabled(s.pinLockout) {
		return unauthorized("invalid transaction PIN")
	}
	state, err := s.repo.RecordFailedTransactionPINAttempt(ctx, userID, s.pinLockout.MaxAttempts(), s.pinLockout.LockoutDuration())
	if err != nil {
		return translate(err)
	}
	if state.LockedUntil != nil && state.LockedUntil.After(s.now()) {
		s.logger.Warn("transaction pin locked",
			zap.String("user_id", userID.String()),
			zap.Int("failed_attempts", state.FailedAttempts),
		)
		return &LockoutError{LockedUntil: *state.LockedUntil, Secret: pinSecretName}
	}
	return unauthorized("invalid transaction PIN")
}

// authorizeTransactionPIN is the gate in front of every debit the user initiates.
func (s *Service) authorizeTransactionPIN(ctx context.Context, userID uuid.UUID, pin string) error {
	if !s.pinRequired {
		return nil
	}
	return s.VerifyTransactionPIN(ctx, userID, pin)
}

// SetTransactionPIN stores a new PIN for the user. Changing an existing PIN requires
// the current one, which goes through the same lockout as a payment.
func (s *Service) SetTransactionPIN(ctx context.Context, userID uuid.UUID, payload domain.SetTransactionPINPayload) error {
	pin := strings.TrimSpace(payload.PIN)
	if !validPIN(pin) {
		return invalidInput("pin must be 4 to 6 digits")
	}

	_, err := s.repo.GetUserSecurityCredentialByUserID(ctx, userID)
	switch {
	case err == nil:
		if err := s.VerifyTransactionPIN(ctx, userID, payload.CurrentPIN); err != nil {
			return err
		}
	case errors.Is(err, store.ErrTransactionPINNotSet):
	default:
		return translate(err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(pin), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash transaction pin: %w", err)
	}
	if err := s.repo.UpsertTransactionPIN(ctx, userID, string(hash)); err != nil {
		return translate(err)
	}
	s.logger.Info("transaction pin updated", zap.String("user_id", userID.String()))
	return nil
}

func validPIN(pin string) bool {
	if len(pin) < 4 || len(pin) > 6 {
		return false
	}
	for _, r := range pin {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
