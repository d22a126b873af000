/**
 * @description
 * Money drops: a creator funds a pool that a fixed number of people can each claim once
 * before it expires.
 *
 * @notes
 * - Creation moves the claimable total plus the fee into the creator's pool account.
 * - A claim is throttled, deduplicated by idempotency key, password-checked with
 *   lockout, reserved atomically in the store and then settled pool -> claimant.
 * - Closed drops return the unclaimed remainder to the creator.
 */

package app

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/transfa/payments-core/internal/domain"
	"github.com/transfa/payments-core/internal/metrics"
	"github.com/transfa/payments-core/internal/store"
)

const (
	moneyDropClaimWindow     = time.Minute
	maxMoneyDropExpiry       = 7 * 24 * time.Hour
	maxMoneyDropClaims       = 1000
	moneyDropClaimSuccessMsg = "Money drop claimed successfully"
)

// CreateMoneyDrop funds a new drop from the creator's primary account.
func (s *Service) CreateMoneyDrop(ctx context.Context, creatorID uuid.UUID, req domain.CreateMoneyDropRequest) (*domain.CreateMoneyDropResponse, error) {
	if req.AmountPerClaim <= 0 {
		return nil, invalidInput("amount_per_claim must be positive")
	}
	if req.NumberOfPeople <= 0 || req.NumberOfPeople > maxMoneyDropClaims {
		return nil, invalidInput(fmt.Sprintf("number_of_people must be between 1 and %d", maxMoneyDropClaims))
	}
	expiry := time.Duration(req.ExpiryInMinutes) * time.Minute
	if expiry <= 0 || expiry > maxMoneyDropExpiry {
		return nil, invalidInput("expiry_in_minutes must be between 1 and 10080")
	}
	if req.AmountPerClaim > math.MaxInt64/int64(req.NumberOfPeople) {
		return nil, invalidInput("money drop total is too large")
	}
	total := req.AmountPerClaim * int64(req.NumberOfPeople)
	fee := s.moneyDropFee(total)
	if fee < 0 || total > math.MaxInt64-fee {
		return nil, invalidInput("money drop total is too large")
	}

	creator, err := s.requireSender(ctx, creatorID)
	if err != nil {
		return nil, err
	}
	if err := s.authorizeTransactionPIN(ctx, creator.ID, req.TransactionPIN); err != nil {
		return nil, err
	}
	funding, err := s.repo.FindAccountByUserID(ctx, creator.ID)
	if err != nil {
		return nil, translate(err)
	}
	pool, err := s.repo.EnsureMoneyDropAccount(ctx, creator.ID)
	if err != nil {
		return nil, translate(err)
	}

	drop := &domain.MoneyDrop{
		ID:                     uuid.New(),
		CreatorID:              creator.ID,
		Title:                  strings.TrimSpace(req.Title),
		Status:                 domain.MoneyDropStatusActive,
		AmountPerClaim:         req.AmountPerClaim,
		TotalClaimsAllowed:     req.NumberOfPeople,
		ExpiryTimestamp:        s.now().Add(expiry).UTC(),
		FundingSourceAccountID: funding.ID,
		MoneyDropAccountID:     pool.ID,
	}
	if password := strings.TrimSpace(req.Password); password != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("hash money drop password: %w", err)
		}
		drop.PasswordHash = stringPtr(string(hash))
	}

	created, err := s.repo.CreateMoneyDrop(ctx, drop, fee)
	metrics.RecordLedgerMovement("money_drop_fund", err)
	if err != nil {
		return nil, translate(err)
	}

	s.logger.Info("money drop created",
		zap.String("drop_id", created.ID.String()),
		zap.String("creator_id", creator.ID.String()),
		zap.Int64("total", total),
		zap.Int64("fee", fee),
	)
	return &domain.CreateMoneyDropResponse{
		MoneyDropID:     created.ID.String(),
		TotalAmount:     total,
		AmountPerClaim:  created.AmountPerClaim,
		NumberOfPeople:  created.TotalClaimsAllowed,
		Fee:             fee,
		ExpiryTimestamp: created.ExpiryTimestamp,
		RequiresPass:    created.RequiresPassword(),
	}, nil
}

// GetMoneyDropDetails describes a drop to a prospective claimant.
func (s *Service) GetMoneyDropDetails(ctx context.Context, dropID uuid.UUID) (*domain.MoneyDropDetails, error) {
	drop, err := s.repo.FindMoneyDropByID(ctx, dropID)
	if err != nil {
		return nil, translate(err)
	}
	creatorUsername := ""
	if creator, err := s.repo.FindUserByID(ctx, drop.CreatorID); err == nil {
		creatorUsername = creator.Username
	}

	claimable, message := moneyDropAvailability(drop, s.now())
	return &domain.MoneyDropDetails{
		ID:               drop.ID,
		Title:            drop.Title,
		CreatorUsername:  creatorUsername,
		AmountPerClaim:   drop.AmountPerClaim,
		Status:           drop.Status,
		RemainingClaims:  drop.RemainingClaims(),
		RequiresPassword: drop.RequiresPassword(),
		IsClaimable:      claimable,
		Message:          message,
		ExpiryTimestamp:  drop.ExpiryTimestamp,
	}, nil
}

func moneyDropAvailability(drop *domain.MoneyDrop, now time.Time) (bool, string) {
	switch {
	case drop.RemainingClaims() == 0:
		return false, "This money drop has been fully claimed."
	case drop.Status != domain.MoneyDropStatusActive:
		return false, "This money drop has ended."
	case !now.Before(drop.ExpiryTimestamp):
		return false, "This money drop has expired."
	default:
		return true, "You can claim this money drop."
	}
}

// ClaimMoneyDrop pays one share of a drop to the claimant. When idempotencyKey is set a
// retry with the same key and payload returns the first response.
func (s *Service) ClaimMoneyDrop(ctx context.Context, claimantID, dropID uuid.UUID, req domain.ClaimMoneyDropRequest, idempotencyKey string) (*domain.ClaimMoneyDropResponse, error) {
	resp, err := s.claimMoneyDrop(ctx, claimantID, dropID, req, strings.TrimSpace(idempotencyKey))
	metrics.RecordMoneyDropClaim(claimOutcome(err))
	return resp, err
}

func (s *Service) claimMoneyDrop(ctx context.Context, claimantID, dropID uuid.UUID, req domain.ClaimMoneyDropRequest, key string) (*domain.ClaimMoneyDropResponse, error) {
	log := s.logger.With(
		zap.String("drop_id", dropID.String()),
		zap.String("claimant_id", claimantID.String()),
	)

	// 1. Throttle.
	if err := s.checkClaimRateLimit(ctx, claimantID); err != nil {
		return nil, err
	}

	drop, err := s.repo.FindMoneyDropByID(ctx, dropID)
	if err != nil {
		return nil, translate(err)
	}
	if drop.CreatorID == claimantID {
		return nil, forbidden("you cannot claim your own money drop")
	}

	// 2. Idempotency.
	if key != "" {
		acquired, err := s.repo.AcquireMoneyDropClaimIdempotency(ctx, dropID, claimantID, key,
			claimRequestHash(dropID, req.Password), s.idempotencyTTL, s.idempotencyStaleness)
		if err != nil {
			return nil, translate(err)
		}
		if acquired.CachedResponse != nil {
			return acquired.CachedResponse, nil
		}
	}
	releaseKey := func() {
		if key == "" {
			return
		}
		if err := s.repo.ReleaseMoneyDropClaimIdempotency(ctx, dropID, claimantID, key); err != nil {
			log.Warn("failed to release claim idempotency key", zap.Error(err))
		}
	}

	// 3. Password and lockout.
	if drop.RequiresPassword() {
		if err := s.verifyClaimPassword(ctx, drop, claimantID, req.Password); err != nil {
			releaseKey()
			return nil, err
		}
	}

	claimant, err := s.repo.FindUserByID(ctx, claimantID)
	if err != nil {
		releaseKey()
		return nil, translate(err)
	}
	claimantAccount, err := s.repo.FindAccountByUserID(ctx, claimant.ID)
	if err != nil {
		releaseKey()
		return nil, translate(err)
	}

	// 4. Reserve the slot, then move the money.
	transactionID, claimsMade, err := s.repo.ClaimMoneyDropAtomic(ctx, drop.ID, claimant.ID, claimantAccount.ID, drop.MoneyDropAccountID, drop.AmountPerClaim)
	if err != nil {
		releaseKey()
		return nil, translate(err)
	}
	settled, err := s.repo.SettleTransaction(ctx, transactionID)
	metrics.RecordLedgerMovement("money_drop_claim", err)
	if err != nil {
		log.Error("money drop claim settlement failed", zap.String("transaction_id", transactionID.String()), zap.Error(err))
		if _, markErr := s.repo.MarkTransactionFailed(ctx, transactionID, nil, "claim settlement failed"); markErr != nil {
			log.Error("failed to mark claim transaction failed", zap.Error(markErr))
		}
		releaseKey()
		return nil, translate(err)
	}

	creatorUsername := ""
	if creator, err := s.repo.FindUserByID(ctx, drop.CreatorID); err == nil {
		creatorUsername = creator.Username
	}
	resp := &domain.ClaimMoneyDropResponse{
		Message:         moneyDropClaimSuccessMsg,
		AmountClaimed:   settled.Amount,
		CreatorUsername: creatorUsername,
		TransactionID:   settled.ID.String(),
	}
	if key != "" {
		if err := s.repo.CompleteMoneyDropClaimIdempotency(ctx, drop.ID, claimant.ID, key, settled.ID, *resp); err != nil {
			log.Warn("failed to cache claim response", zap.Error(err))
		}
	}

	s.publish(ctx, domain.EventMoneyDropClaimed, domain.MoneyDropClaimedEvent{
		DropID:        drop.ID.String(),
		CreatorID:     drop.CreatorID.String(),
		ClaimantID:    claimant.ID.String(),
		TransactionID: settled.ID.String(),
		Amount:        settled.Amount,
		OccurredAt:    s.now().UTC(),
	})
	s.notifier.MoneyDropClaimed(ctx, drop, claimant.ID, settled.ID)

	// The last claim closes the drop right away instead of waiting for the sweep.
	if claimsMade >= drop.TotalClaimsAllowed {
		s.finalizeMoneyDrop(ctx, drop.ID)
	}
	return resp, nil
}

func (s *Service) checkClaimRateLimit(ctx context.Context, claimantID uuid.UUID) error {
	if s.claimLimiter == nil || s.claimRateLimit <= 0 {
		return nil
	}
	allowed, retryAfter, err := s.claimLimiter.Allow(ctx, moneyDropClaimRateLimitScope, claimantID.String(), s.claimRateLimit, moneyDropClaimWindow)
	if err != nil {
		s.logger.Warn("claim rate limiter unavailable, allowing request", zap.Error(err))
		return nil
	}
	if !allowed {
		return &RateLimitError{RetryAfter: retryAfter}
	}
	return nil
}

func (s *Service) verifyClaimPassword(ctx context.Context, drop *domain.MoneyDrop, claimantID uuid.UUID, password string) error {
	lockout := lockoutEnabled(s.lockout)
	if lockout {
		state, err := s.repo.GetMoneyDropPasswordClaimAttemptState(ctx, drop.ID, claimantID)
		if err != nil {
			return translate(err)
		}
		if state.LockedUntil != nil && state.LockedUntil.After(s.now()) {
			return &LockoutError{LockedUntil: *state.LockedUntil}
		}
	}

	if strings.TrimSpace(password) == "" {
		return forbidden("this money drop requires a password")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(*drop.PasswordHash), []byte(strings.TrimSpace(password))); err == nil {
		if lockout {
			if err := s.repo.ResetMoneyDropPasswordClaimFailures(ctx, drop.ID, claimantID); err != nil {
				s.logger.Warn("failed to reset password attempts", zap.String("drop_id", drop.ID.String()), zap.Error(err))
			}
		}
		return nil
	}

	if !lockout {
		return forbidden("incorrect password")
	}
	state, err := s.repo.RecordMoneyDropPasswordClaimFailure(ctx, drop.ID, claimantID, s.lockout.MaxAttempts(), s.lockout.LockoutDuration())
	if err != nil {
		return translate(err)
	}
	if state.LockedUntil != nil && state.LockedUntil.After(s.now()) {
		return &LockoutError{LockedUntil: *state.LockedUntil}
	}
	return forbidden("incorrect password")
}

// claimRequestHash fingerprints a claim payload without storing the password itself.
func claimRequestHash(dropID uuid.UUID, password string) string {
	passwordDigest := sha256.Sum256([]byte(strings.TrimSpace(password)))
	sum := sha256.Sum256([]byte(dropID.String() + ":" + hex.EncodeToString(passwordDigest[:])))
	return hex.EncodeToString(sum[:])
}

func claimOutcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, domain.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, domain.ErrLocked):
		return "locked"
	case errors.Is(err, domain.ErrForbidden):
		return "forbidden"
	case errors.Is(err, domain.ErrConflict):
		return "conflict"
	case errors.Is(err, domain.ErrInvalidState):
		return "unavailable"
	default:
		return "error"
	}
}

// FinalizeExpiredMoneyDrops closes up to limit drops that expired or ran out of claims
// and refunds their remainders. It returns how many drops were closed.
func (s *Service) FinalizeExpiredMoneyDrops(ctx context.Context, limit int) (int, error) {
	drops, err := s.repo.FindExpiredActiveMoneyDrops(ctx, s.now(), limit)
	if err != nil {
		return 0, fmt.Errorf("find expired money drops: %w", err)
	}

	closed := 0
	var firstErr error
	for _, drop := range drops {
		if err := ctx.Err(); err != nil {
			return closed, err
		}
		ok, err := s.finalizeMoneyDrop(ctx, drop.ID)
		if err != nil && firstErr == nil {
			firstErr = err
		}
		if ok {
			closed++
		}
	}
	return closed, firstErr
}

// finalizeMoneyDrop closes one drop. A drop that another worker already closed, or
// that is still open, is skipped quietly.
func (s *Service) finalizeMoneyDrop(ctx context.Context, dropID uuid.UUID) (bool, error) {
	result, err := s.repo.FinalizeMoneyDrop(ctx, dropID, s.now())
	if errors.Is(err, store.ErrMoneyDropNotActive) || errors.Is(err, store.ErrMoneyDropStillOpen) {
		return false, nil
	}
	metrics.RecordLedgerMovement("money_drop_refund", err)
	if err != nil {
		s.logger.Error("money drop finalization failed", zap.String("drop_id", dropID.String()), zap.Error(err))
		return false, fmt.Errorf("finalize money drop %s: %w", dropID, err)
	}

	s.logger.Info("money drop finalized",
		zap.String("drop_id", result.DropID.String()),
		zap.String("status", result.Status),
		zap.Int64("refund_amount", result.RefundAmount),
	)
	s.notifier.MoneyDropFinalized(ctx, result)
	return true, nil
}

// PurgeExpiredClaimIdempotency deletes idempotency rows past their expiry.
func (s *Service) PurgeExpiredClaimIdempotency(ctx context.Context) (int64, error) {
	purged, err := s.repo.PurgeExpiredMoneyDropClaimIdempotency(ctx, s.now())
	if err != nil {
		return 0, fmt.Errorf("purge claim idempotency: %w", err)
	}
	return purged, nil
}
