package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/transfa/payments-core/internal/domain"
	"github.com/transfa/payments-core/internal/metrics"
)

const (
	batchItemMarkAttempts = 3
	batchItemMarkBackoff  = 20 * time.Millisecond
)

// ProcessBulkP2PTransfer pays several users from one wallet, either from an explicit
// item list or from a saved transfer list paid at a flat amount. The batch header and its
// items are written first; every item then settles on its own, so one failure never
// blocks the others. The batch is finalized from the item rows at the end.
func (s *Service) ProcessBulkP2PTransfer(ctx context.Context, senderID uuid.UUID, req domain.BulkP2PTransferRequest) (*domain.BulkP2PTransferResult, error) {
	if req.TransferListID != nil {
		items, err := s.transferListItems(ctx, senderID, req)
		if err != nil {
			return nil, err
		}
		req.Transfers = items
	}
	if len(req.Transfers) == 0 {
		return nil, invalidInput("at least one transfer is required")
	}
	if len(req.Transfers) > s.cfg.BulkTransferMaxItems {
		return nil, invalidInput(fmt.Sprintf("a batch may contain at most %d transfers", s.cfg.BulkTransferMaxItems))
	}
	for _, item := range req.Transfers {
		if item.Amount <= 0 {
			return nil, invalidInput("every transfer amount must be positive")
		}
		if strings.TrimSpace(item.RecipientUsername) == "" {
			return nil, invalidInput("every transfer needs a recipient_username")
		}
	}

	sender, err := s.requireSender(ctx, senderID)
	if err != nil {
		return nil, err
	}
	if err := s.authorizeTransactionPIN(ctx, sender.ID, req.TransactionPIN); err != nil {
		return nil, err
	}
	senderAccount, err := s.repo.FindAccountByUserID(ctx, sender.ID)
	if err != nil {
		return nil, translate(err)
	}

	batch := &domain.TransferBatch{
		ID:             uuid.New(),
		SenderID:       sender.ID,
		Status:         domain.TransferBatchStatusProcessing,
		RequestedCount: len(req.Transfers),
	}
	items := make([]domain.TransferBatchItem, len(req.Transfers))
	for i, transfer := range req.Transfers {
		items[i] = domain.TransferBatchItem{
			ID:                uuid.New(),
			BatchID:           batch.ID,
			RecipientUsername: strings.TrimSpace(transfer.RecipientUsername),
			Amount:            transfer.Amount,
			Description:       strings.TrimSpace(transfer.Description),
			Status:            domain.TransferBatchItemStatusPending,
		}
	}
	if err := s.repo.CreateTransferBatchWithItems(ctx, batch, items); err != nil {
		return nil, translate(err)
	}

	log := s.logger.With(zap.String("batch_id", batch.ID.String()))
	result := &domain.BulkP2PTransferResult{
		Successful: []*domain.Transaction{},
		Failed:     []domain.BulkP2PTransferFailure{},
	}

	for _, item := range items {
		tx, itemErr := s.settleBatchItem(ctx, sender, senderAccount, item)
		metrics.RecordBatchItem(itemErr == nil)
		if itemErr == nil {
			result.Successful = append(result.Successful, tx)
			s.publishTransaction(ctx, tx)
			s.notifier.TransferCompleted(ctx, tx)
			continue
		}

		reason := batchFailureReason(itemErr)
		log.Info("batch item failed",
			zap.String("item_id", item.ID.String()),
			zap.String("recipient", item.RecipientUsername),
			zap.Error(itemErr),
		)
		if tx != nil {
			if _, err := s.repo.MarkTransactionFailed(ctx, tx.ID, nil, reason); err != nil {
				log.Error("failed to mark batch transaction failed", zap.String("transaction_id", tx.ID.String()), zap.Error(err))
			}
		}
		if err := s.repo.MarkTransferBatchItemFailed(ctx, item.ID, reason); err != nil {
			log.Error("failed to mark batch item failed", zap.String("item_id", item.ID.String()), zap.Error(err))
		}
		result.Failed = append(result.Failed, domain.BulkP2PTransferFailure{
			RecipientUsername: item.RecipientUsername,
			Amount:            item.Amount,
			Description:       item.Description,
			Error:             reason,
		})
	}

	finalized, err := s.repo.FinalizeTransferBatch(ctx, batch.ID)
	if err != nil {
		return nil, translate(err)
	}
	result.Batch = finalized

	s.publish(ctx, domain.EventTransferBatchFinalized, domain.TransferBatchFinalizedEvent{
		BatchID:      finalized.ID.String(),
		SenderID:     finalized.SenderID.String(),
		Status:       finalized.Status,
		SuccessCount: finalized.SuccessCount,
		FailureCount: finalized.FailureCount,
		TotalAmount:  finalized.TotalAmount,
		TotalFee:     finalized.TotalFee,
		OccurredAt:   s.now().UTC(),
	})
	return result, nil
}

// settleBatchItem moves one item's money. The returned transaction is non-nil once a
// pending record exists, even when settlement fails, so the caller can close it.
func (s *Service) settleBatchItem(ctx context.Context, sender *domain.User, senderAccount *domain.Account, item domain.TransferBatchItem) (*domain.Transaction, error) {
	recipient, err := s.findRecipient(ctx, item.RecipientUsername)
	if err != nil {
		return nil, err
	}
	if recipient.ID == sender.ID {
		return nil, invalidInput("cannot transfer to yourself")
	}
	recipientAccount, err := s.repo.FindAccountByUserID(ctx, recipient.ID)
	if err != nil {
		return nil, err
	}

	tx := &domain.Transaction{
		ID:                   uuid.New(),
		SenderID:             sender.ID,
		RecipientID:          &recipient.ID,
		SourceAccountID:      senderAccount.ID,
		DestinationAccountID: &recipientAccount.ID,
		Type:                 domain.TransactionTypeP2P,
		Category:             domain.CategoryBulkTransfer,
		Status:               domain.TransactionStatusPending,
		Amount:               item.Amount,
		Fee:                  s.cfg.P2PFee,
		Description:          item.Description,
		TransferType:         domain.TransferKindBook,
	}
	if err := s.repo.CreateTransaction(ctx, tx); err != nil {
		return nil, err
	}

	settled, err := s.repo.SettleTransaction(ctx, tx.ID)
	metrics.RecordLedgerMovement("settle", err)
	if err != nil {
		return tx, err
	}
	if err := s.markBatchItemCompleted(ctx, item.ID, settled); err != nil {
		s.logger.Error("failed to mark batch item completed",
			zap.String("item_id", item.ID.String()),
			zap.String("transaction_id", settled.ID.String()),
			zap.Error(err),
		)
	}
	return settled, nil
}

// markBatchItemCompleted records a settled item. The money has already moved, so a
// transient write failure is retried rather than leaving the item pending.
func (s *Service) markBatchItemCompleted(ctx context.Context, itemID uuid.UUID, settled *domain.Transaction) error {
	var err error
	for attempt := 1; attempt <= batchItemMarkAttempts; attempt++ {
		if err = s.repo.MarkTransferBatchItemCompleted(ctx, itemID, settled.ID, settled.Fee); err == nil {
			return nil
		}
		s.logger.Warn("batch item completion not recorded, retrying",
			zap.String("item_id", itemID.String()),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * batchItemMarkBackoff):
		}
	}
	return err
}

// batchFailureReason is the text stored on a failed item and returned to the sender.
func batchFailureReason(err error) string {
	translated := translate(err)
	if !hasPublicKind(translated) {
		return "transfer could not be processed"
	}
	return PublicMessage(translated)
}

// GetTransferBatch returns a batch and its items for the sender that created it.
func (s *Service) GetTransferBatch(ctx context.Context, senderID, batchID uuid.UUID) (*domain.TransferBatch, []domain.TransferBatchItem, error) {
	batch, items, err := s.repo.GetTransferBatch(ctx, batchID, senderID)
	if err != nil {
		return nil, nil, translate(err)
	}
	if items == nil {
		items = []domain.TransferBatchItem{}
	}
	return batch, items, nil
}
