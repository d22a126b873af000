package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/transfa/payments-core/internal/domain"
	"github.com/transfa/payments-core/internal/store"
)

const (
	notificationTypeTransferReceived        = "transfer.received"
	notificationTypeTransferFailed          = "transfer.failed"
	notificationTypeRequestReceived         = "payment_request.received"
	notificationTypeRequestFulfilled        = "payment_request.fulfilled"
	notificationTypeRequestDeclined         = "payment_request.declined"
	notificationTypeMoneyDropClaimed        = "money_drop.claimed"
	notificationTypeMoneyDropClaimSucceeded = "money_drop.claim_succeeded"
	notificationTypeMoneyDropFinalized      = "money_drop.finalized"
)

// Notifier turns terminal state changes into inbox entries. Every entry carries a
// deterministic dedupe key so replays write nothing new. Failures are logged only.
type Notifier struct {
	repo   store.Repository
	logger *zap.Logger
}

func NewNotifier(repo store.Repository, logger *zap.Logger) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{repo: repo, logger: logger.With(zap.String("component", "notifier"))}
}

// NotificationDedupeKey builds the `<entity>:<id>:<event>:<user>` key.
func NotificationDedupeKey(entity string, entityID uuid.UUID, event string, userID uuid.UUID) string {
	return fmt.Sprintf("%s:%s:%s:%s", entity, entityID, event, userID)
}

func (n *Notifier) emit(ctx context.Context, userID uuid.UUID, category, kind, entity string, entityID uuid.UUID, title, body string, data map[string]interface{}) {
	if n == nil || n.repo == nil || userID == uuid.Nil {
		return
	}
	key := NotificationDedupeKey(entity, entityID, kind, userID)
	item := domain.InAppNotification{
		ID:                uuid.New(),
		UserID:            userID,
		Category:          category,
		Type:              kind,
		Title:             title,
		Body:              optionalString(body),
		Status:            domain.NotificationStatusUnread,
		RelatedEntityType: stringPtr(entity),
		RelatedEntityID:   &entityID,
		Data:              data,
		DedupeKey:         &key,
	}
	if err := n.repo.CreateInAppNotification(ctx, item); err != nil {
		n.logger.Warn("notification write failed",
			zap.String("dedupe_key", key),
			zap.Error(err),
		)
	}
}

// TransferCompleted notifies the recipient of an internal transfer.
func (n *Notifier) TransferCompleted(ctx context.Context, tx *domain.Transaction) {
	if tx == nil || tx.RecipientID == nil || *tx.RecipientID == tx.SenderID {
		return
	}
	n.emit(ctx, *tx.RecipientID, domain.NotificationCategoryTransfer, notificationTypeTransferReceived,
		"transaction", tx.ID, "You received money", formatAmount(tx.Amount),
		map[string]interface{}{"amount": tx.Amount, "category": tx.Category})
}

// TransferFailed notifies the sender that a transfer did not go through.
func (n *Notifier) TransferFailed(ctx context.Context, tx *domain.Transaction) {
	if tx == nil {
		return
	}
	reason := ""
	if tx.FailureReason != nil {
		reason = *tx.FailureReason
	}
	n.emit(ctx, tx.SenderID, domain.NotificationCategoryTransfer, notificationTypeTransferFailed,
		"transaction", tx.ID, "Transfer failed", reason,
		map[string]interface{}{"amount": tx.Amount, "fee": tx.Fee, "refunded": true})
}

func (n *Notifier) PaymentRequestReceived(ctx context.Context, req *domain.PaymentRequest) {
	if req == nil || req.RecipientUserID == nil {
		return
	}
	n.emit(ctx, *req.RecipientUserID, domain.NotificationCategoryRequest, notificationTypeRequestReceived,
		"payment_request", req.ID, "New payment request", req.Title,
		map[string]interface{}{"amount": req.Amount, "creator_id": req.CreatorID.String()})
}

func (n *Notifier) PaymentRequestFulfilled(ctx context.Context, req *domain.PaymentRequest) {
	if req == nil {
		return
	}
	n.emit(ctx, req.CreatorID, domain.NotificationCategoryRequest, notificationTypeRequestFulfilled,
		"payment_request", req.ID, "Payment request paid", req.Title,
		map[string]interface{}{"amount": req.Amount})
}

func (n *Notifier) PaymentRequestDeclined(ctx context.Context, req *domain.PaymentRequest) {
	if req == nil {
		return
	}
	body := req.Title
	if req.DeclinedReason != nil && strings.TrimSpace(*req.DeclinedReason) != "" {
		body = *req.DeclinedReason
	}
	n.emit(ctx, req.CreatorID, domain.NotificationCategoryRequest, notificationTypeRequestDeclined,
		"payment_request", req.ID, "Payment request declined", body,
		map[string]interface{}{"amount": req.Amount})
}

// MoneyDropClaimed notifies both sides of a settled claim.
func (n *Notifier) MoneyDropClaimed(ctx context.Context, drop *domain.MoneyDrop, claimantID uuid.UUID, transactionID uuid.UUID) {
	if drop == nil {
		return
	}
	data := map[string]interface{}{
		"drop_id":        drop.ID.String(),
		"amount":         drop.AmountPerClaim,
		"transaction_id": transactionID.String(),
	}
	n.emit(ctx, drop.CreatorID, domain.NotificationCategoryMoneyDrop, notificationTypeMoneyDropClaimed,
		"money_drop_claim", transactionID, "Your money drop was claimed", formatAmount(drop.AmountPerClaim), data)
	n.emit(ctx, claimantID, domain.NotificationCategoryMoneyDrop, notificationTypeMoneyDropClaimSucceeded,
		"money_drop_claim", transactionID, "Money drop claimed", formatAmount(drop.AmountPerClaim), data)
}

// MoneyDropFinalized tells the creator that a drop closed and what came back.
func (n *Notifier) MoneyDropFinalized(ctx context.Context, result *domain.MoneyDropFinalization) {
	if result == nil {
		return
	}
	body := "Your money drop has closed"
	if result.RefundAmount > 0 {
		body = fmt.Sprintf("Your money drop has closed and %s was refunded", formatAmount(result.RefundAmount))
	}
	n.emit(ctx, result.CreatorID, domain.NotificationCategoryMoneyDrop, notificationTypeMoneyDropFinalized,
		"money_drop", result.DropID, "Money drop closed", body,
		map[string]interface{}{"status": result.Status, "refund_amount": result.RefundAmount})
}

// formatAmount renders kobo as naira with two decimals.
func formatAmount(kobo int64) string {
	sign := ""
	if kobo < 0 {
		sign = "-"
		kobo = -kobo
	}
	return fmt.Sprintf("%sNGN %d.%02d", sign, kobo/100, kobo%100)
}

// ListNotifications returns the user's inbox, newest first.
func (s *Service) ListNotifications(ctx context.Context, userID uuid.UUID, opts domain.NotificationListOptions) ([]domain.InAppNotification, error) {
	if opts.Category != "" && !domain.IsValidNotificationCategory(opts.Category) {
		return nil, invalidInput("invalid notification category")
	}
	if opts.Status != "" && opts.Status != domain.NotificationStatusRead && opts.Status != domain.NotificationStatusUnread {
		return nil, invalidInput("invalid notification status")
	}
	items, err := s.repo.ListInAppNotifications(ctx, userID, opts)
	if err != nil {
		return nil, translate(err)
	}
	if items == nil {
		items = []domain.InAppNotification{}
	}
	return items, nil
}

func (s *Service) MarkNotificationRead(ctx context.Context, userID, notificationID uuid.UUID) error {
	updated, err := s.repo.MarkInAppNotificationRead(ctx, userID, notificationID)
	if err != nil {
		return translate(err)
	}
	if !updated {
		return notFound("notification not found")
	}
	return nil
}

func (s *Service) MarkAllNotificationsRead(ctx context.Context, userID uuid.UUID, category *string) (int64, error) {
	if category != nil && !domain.IsValidNotificationCategory(*category) {
		return 0, invalidInput("invalid notification category")
	}
	count, err := s.repo.MarkAllInAppNotificationsRead(ctx, userID, category)
	if err != nil {
		return 0, translate(err)
	}
	return count, nil
}

func (s *Service) GetNotificationUnreadCounts(ctx context.Context, userID uuid.UUID) (*domain.NotificationUnreadCounts, error) {
	counts, err := s.repo.GetInAppNotificationUnreadCounts(ctx, userID)
	if err != nil {
		return nil, translate(err)
	}
	return counts, nil
}
