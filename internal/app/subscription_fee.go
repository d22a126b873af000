package app

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/transfa/payments-core/internal/domain"
)

// ProcessSubscriptionFee debits a billing fee from the user's wallet. It is called by the
// billing scheduler over the internal route, so no PIN applies. The debit completes
// immediately and carries no extra fee. A zero amount charges the configured fee.
func (s *Service) ProcessSubscriptionFee(ctx context.Context, userID uuid.UUID, amount int64, reason string) (*domain.Transaction, error) {
	if amount < 0 {
		return nil, invalidInput("amount must not be negative")
	}
	if amount == 0 {
		amount = s.cfg.SubscriptionFee
	}
	user, err := s.requireSender(ctx, userID)
	if err != nil {
		return nil, err
	}
	account, err := s.repo.FindAccountByUserID(ctx, user.ID)
	if err != nil {
		return nil, translate(err)
	}

	tx := &domain.Transaction{
		ID:              uuid.New(),
		SenderID:        user.ID,
		SourceAccountID: account.ID,
		Type:            domain.TransactionTypeSubscriptionFee,
		Category:        domain.CategorySubscription,
		Status:          domain.TransactionStatusCompleted,
		Amount:          amount,
		Description:     transferReason(reason, "Subscription fee"),
	}
	if err := s.reserve(ctx, tx); err != nil {
		return nil, err
	}

	s.logger.Info("subscription fee charged",
		zap.String("user_id", user.ID.String()),
		zap.String("transaction_id", tx.ID.String()),
		zap.Int64("amount", amount),
	)
	s.publish(ctx, domain.EventSubscriptionFeeCharged, domain.SubscriptionFeeEvent{
		TransactionID: tx.ID.String(),
		UserID:        user.ID.String(),
		Amount:        amount,
		Reason:        strings.TrimSpace(tx.Description),
		OccurredAt:    s.now().UTC(),
	})
	return tx, nil
}
