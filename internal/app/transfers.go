package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/transfa/payments-core/internal/domain"
	"github.com/transfa/payments-core/internal/metrics"
	"github.com/transfa/payments-core/internal/store"
	"github.com/transfa/payments-core/pkg/settlementclient"
)

// ProcessP2PTransfer sends money to another user through a book transfer.
//
// The sender's wallet is debited for amount+fee before the gateway is called. A gateway
// error refunds the reservation; an immediate success completes it and credits the
// recipient; anything else stays pending until the settlement callback arrives.
func (s *Service) ProcessP2PTransfer(ctx context.Context, senderID uuid.UUID, req domain.P2PTransferRequest) (*domain.Transaction, error) {
	if req.Amount <= 0 {
		return nil, invalidInput("amount must be positive")
	}
	// 1. Resolve both parties.
	sender, err := s.requireSender(ctx, senderID)
	if err != nil {
		return nil, err
	}
	if err := s.authorizeTransactionPIN(ctx, sender.ID, req.TransactionPIN); err != nil {
		return nil, err
	}
	recipient, err := s.findRecipient(ctx, req.RecipientUsername)
	if err != nil {
		return nil, err
	}
	if recipient.ID == sender.ID {
		return nil, invalidInput("cannot transfer to yourself")
	}
	senderAccount, err := s.repo.FindAccountByUserID(ctx, sender.ID)
	if err != nil {
		return nil, translate(err)
	}
	recipientAccount, err := s.repo.FindAccountByUserID(ctx, recipient.ID)
	if err != nil {
		return nil, translate(err)
	}

	// 2. Reserve funds and record the pending transaction.
	tx := &domain.Transaction{
		ID:                   uuid.New(),
		SenderID:             sender.ID,
		RecipientID:          &recipient.ID,
		SourceAccountID:      senderAccount.ID,
		DestinationAccountID: &recipientAccount.ID,
		Type:                 domain.TransactionTypeP2P,
		Category:             domain.CategoryP2PTransfer,
		Status:               domain.TransactionStatusPending,
		Amount:               req.Amount,
		Fee:                  s.cfg.P2PFee,
		Description:          strings.TrimSpace(req.Description),
		TransferType:         domain.TransferKindBook,
	}
	if err := s.reserve(ctx, tx); err != nil {
		return nil, err
	}

	// 3. Hand the transfer to the settlement rail.
	return s.executeReservedTransfer(ctx, tx, settlementclient.TransferRequest{
		Kind:            settlementclient.KindBook,
		SourceAccountID: senderAccount.ExternalAccountID,
		DestinationID:   recipientAccount.ExternalAccountID,
		Amount:          tx.Amount,
		Reason:          transferReason(tx.Description, "P2P transfer"),
		Reference:       tx.ID.String(),
	})
}

// ProcessWithdrawal sends money to one of the user's external beneficiaries through an
// NIP transfer. Without a beneficiary id the default beneficiary is used.
func (s *Service) ProcessWithdrawal(ctx context.Context, userID uuid.UUID, req domain.WithdrawalRequest) (*domain.Transaction, error) {
	if req.Amount <= 0 {
		return nil, invalidInput("amount must be positive")
	}
	user, err := s.requireSender(ctx, userID)
	if err != nil {
		return nil, err
	}
	if err := s.authorizeTransactionPIN(ctx, user.ID, req.TransactionPIN); err != nil {
		return nil, err
	}

	var beneficiary *domain.Beneficiary
	if req.BeneficiaryID != nil && *req.BeneficiaryID != uuid.Nil {
		beneficiary, err = s.repo.FindBeneficiaryByID(ctx, *req.BeneficiaryID, user.ID)
	} else {
		beneficiary, err = s.repo.FindOrCreateDefaultBeneficiary(ctx, user.ID)
	}
	if err != nil {
		return nil, translate(err)
	}
	account, err := s.repo.FindAccountByUserID(ctx, user.ID)
	if err != nil {
		return nil, translate(err)
	}

	tx := &domain.Transaction{
		ID:                       uuid.New(),
		SenderID:                 user.ID,
		SourceAccountID:          account.ID,
		DestinationBeneficiaryID: &beneficiary.ID,
		Type:                     domain.TransactionTypeWithdrawal,
		Category:                 domain.CategoryWithdrawal,
		Status:                   domain.TransactionStatusPending,
		Amount:                   req.Amount,
		Fee:                      s.cfg.P2PFee,
		Description:              strings.TrimSpace(req.Description),
		TransferType:             domain.TransferKindNIP,
	}
	if err := s.reserve(ctx, tx); err != nil {
		return nil, err
	}

	return s.executeReservedTransfer(ctx, tx, settlementclient.TransferRequest{
		Kind:            settlementclient.KindNIP,
		SourceAccountID: account.ExternalAccountID,
		DestinationID:   beneficiary.ExternalCounterpartyID,
		Amount:          tx.Amount,
		Reason:          transferReason(tx.Description, "Withdrawal"),
		Reference:       tx.ID.String(),
	})
}

func (s *Service) requireSender(ctx context.Context, userID uuid.UUID) (*domain.User, error) {
	user, err := s.repo.FindUserByID(ctx, userID)
	if err != nil {
		return nil, translate(err)
	}
	if !user.AllowSending {
		return nil, forbidden("sender account is not permitted to send funds")
	}
	return user, nil
}

// reserve debits amount+fee from the sender and records the pending transaction. If the
// record cannot be written the debit is returned.
func (s *Service) reserve(ctx context.Context, tx *domain.Transaction) error {
	total := tx.Amount + tx.Fee
	if total < tx.Amount {
		return invalidInput("amount is too large")
	}
	err := s.repo.DebitWallet(ctx, tx.SenderID, total)
	metrics.RecordLedgerMovement("reserve", err)
	if err != nil {
		return translate(err)
	}
	if err := s.repo.CreateTransaction(ctx, tx); err != nil {
		if creditErr := s.repo.CreditWallet(ctx, tx.SenderID, total); creditErr != nil {
			s.logger.Error("reservation rollback failed",
				zap.String("user_id", tx.SenderID.String()),
				zap.Int64("amount", total),
				zap.Error(creditErr),
			)
		}
		metrics.RecordLedgerMovement("reserve_rollback", err)
		return fmt.Errorf("record transaction: %w", err)
	}
	return nil
}

// executeReservedTransfer calls the gateway for a reserved transaction and applies the
// immediate outcome.
func (s *Service) executeReservedTransfer(ctx context.Context, tx *domain.Transaction, req settlementclient.TransferRequest) (*domain.Transaction, error) {
	log := s.logger.With(
		zap.String("transaction_id", tx.ID.String()),
		zap.String("transfer_type", string(req.Kind)),
	)

	if s.gateway == nil {
		err := fmt.Errorf("%w: %w", domain.ErrUpstream, errors.New("settlement gateway is not configured"))
		s.failReserved(ctx, tx, nil, "settlement gateway is not configured")
		return nil, err
	}

	result, err := s.gateway.InitiateTransfer(ctx, req)
	if err != nil {
		log.Warn("settlement transfer rejected", zap.Error(err))
		reason := gatewayFailureReason(err)
		s.failReserved(ctx, tx, nil, reason)
		return nil, fmt.Errorf("%w: %w", domain.ErrUpstream, errors.New(reason))
	}

	ref := strings.TrimSpace(result.ID)
	var refPtr *string
	if ref != "" {
		refPtr = &ref
		tx.ExternalRef = refPtr
		if err := s.repo.UpdateTransactionMetadata(ctx, tx.ID, metadataForTransfer(refPtr, string(req.Kind))); err != nil {
			log.Error("failed to store settlement reference", zap.String("external_ref", ref), zap.Error(err))
		}
	}

	switch normalizeStatus(result.Status) {
	case domain.TransactionStatusCompleted:
		applied, err := s.repo.CompleteReservedTransaction(ctx, tx.ID, refPtr)
		metrics.RecordLedgerMovement("complete_reserved", err)
		if err != nil {
			log.Error("failed to complete reserved transaction", zap.Error(err))
			return tx, nil
		}
		tx.Status = domain.TransactionStatusCompleted
		if applied {
			s.publishTransaction(ctx, tx)
			s.notifier.TransferCompleted(ctx, tx)
		}
	case domain.TransactionStatusFailed:
		s.failReserved(ctx, tx, refPtr, "settlement provider reported failure")
	default:
		log.Info("settlement transfer accepted, awaiting callback", zap.String("external_ref", ref))
	}
	return tx, nil
}

// failReserved refunds a reserved transaction and announces the failure.
func (s *Service) failReserved(ctx context.Context, tx *domain.Transaction, ref *string, reason string) {
	applied, err := s.repo.RefundReservedTransaction(ctx, tx.ID, ref, reason)
	metrics.RecordLedgerMovement("refund_reserved", err)
	if err != nil {
		s.logger.Error("failed to refund reserved transaction",
			zap.String("transaction_id", tx.ID.String()),
			zap.Error(err),
		)
		return
	}
	tx.Status = domain.TransactionStatusFailed
	tx.FailureReason = &reason
	if applied {
		s.publishTransaction(ctx, tx)
		s.notifier.TransferFailed(ctx, tx)
	}
}

func metadataForTransfer(ref *string, kind string) store.UpdateTransactionMetadataParams {
	return store.UpdateTransactionMetadataParams{
		ExternalRef:  ref,
		TransferType: optionalString(kind),
	}
}

func gatewayFailureReason(err error) string {
	var apiErr *settlementclient.APIError
	if errors.As(err, &apiErr) {
		return fmt.Sprintf("settlement provider rejected the transfer (status %d)", apiErr.StatusCode)
	}
	if errors.Is(err, settlementclient.ErrUnavailable) {
		return "settlement provider unavailable"
	}
	return "settlement provider error"
}

func transferReason(description, fallback string) string {
	if trimmed := strings.TrimSpace(description); trimmed != "" {
		return trimmed
	}
	return fallback
}

// normalizeStatus maps gateway and callback statuses onto transaction statuses. Unknown
// and in-flight values map to pending.
func normalizeStatus(status string) string {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "completed", "complete", "successful", "success", "succeeded":
		return domain.TransactionStatusCompleted
	case "failed", "failure", "rejected", "reversed", "cancelled", "canceled":
		return domain.TransactionStatusFailed
	default:
		return domain.TransactionStatusPending
	}
}
