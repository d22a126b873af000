package app

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/transfa/payments-core/internal/domain"
	"github.com/transfa/payments-core/pkg/settlementclient"
)

// CreatePaymentRequest records a request for money. Individual requests address one
// user and keep a snapshot of the username; general requests are shareable links.
func (s *Service) CreatePaymentRequest(ctx context.Context, creatorID uuid.UUID, payload domain.CreatePaymentRequestPayload) (*domain.PaymentRequest, error) {
	title := strings.TrimSpace(payload.Title)
	if title == "" {
		return nil, invalidInput("title is required")
	}
	if payload.Amount <= 0 {
		return nil, invalidInput("amount must be positive")
	}
	requestType := strings.ToLower(strings.TrimSpace(payload.RequestType))
	if requestType == "" {
		requestType = domain.PaymentRequestTypeGeneral
	}

	req := &domain.PaymentRequest{
		ID:          uuid.New(),
		CreatorID:   creatorID,
		Status:      domain.PaymentRequestStatusPending,
		RequestType: requestType,
		Title:       title,
		Amount:      payload.Amount,
	}
	if payload.Description != nil {
		req.Description = optionalString(*payload.Description)
	}

	switch requestType {
	case domain.PaymentRequestTypeGeneral:
	case domain.PaymentRequestTypeIndividual:
		if payload.RecipientUsername == nil || strings.TrimSpace(*payload.RecipientUsername) == "" {
			return nil, invalidInput("recipient_username is required for individual requests")
		}
		recipient, err := s.findRecipient(ctx, *payload.RecipientUsername)
		if err != nil {
			return nil, err
		}
		if recipient.ID == creatorID {
			return nil, invalidInput("cannot request money from yourself")
		}
		req.RecipientUserID = &recipient.ID
		req.RecipientUsername = stringPtr(recipient.Username)
	default:
		return nil, invalidInput("request_type must be general or individual")
	}

	created, err := s.repo.CreatePaymentRequest(ctx, req)
	if err != nil {
		return nil, translate(err)
	}
	s.notifier.PaymentRequestReceived(ctx, created)
	return created, nil
}

func (s *Service) ListPaymentRequests(ctx context.Context, creatorID uuid.UUID, opts domain.PaymentRequestListOptions) ([]domain.PaymentRequest, error) {
	items, err := s.repo.ListPaymentRequestsByCreator(ctx, creatorID, opts)
	if err != nil {
		return nil, translate(err)
	}
	if items == nil {
		items = []domain.PaymentRequest{}
	}
	return items, nil
}

func (s *Service) GetPaymentRequest(ctx context.Context, creatorID, requestID uuid.UUID) (*domain.PaymentRequest, error) {
	item, err := s.repo.GetPaymentRequestByID(ctx, requestID, creatorID)
	if err != nil {
		return nil, translate(err)
	}
	return item, nil
}

// DeletePaymentRequest soft-deletes a request owned by the creator.
func (s *Service) DeletePaymentRequest(ctx context.Context, creatorID, requestID uuid.UUID) error {
	deleted, err := s.repo.DeletePaymentRequest(ctx, requestID, creatorID)
	if err != nil {
		return translate(err)
	}
	if !deleted {
		return notFound("payment request not found")
	}
	return nil
}

func (s *Service) ListIncomingPaymentRequests(ctx context.Context, recipientID uuid.UUID, opts domain.PaymentRequestListOptions) ([]domain.PaymentRequest, error) {
	items, err := s.repo.ListIncomingPaymentRequests(ctx, recipientID, opts)
	if err != nil {
		return nil, translate(err)
	}
	if items == nil {
		items = []domain.PaymentRequest{}
	}
	return items, nil
}

// GetIncomingPaymentRequest returns a request the caller may pay, including a general
// request shared with them by link.
func (s *Service) GetIncomingPaymentRequest(ctx context.Context, payerID, requestID uuid.UUID) (*domain.PaymentRequest, error) {
	item, err := s.repo.GetIncomingPaymentRequestByID(ctx, requestID, payerID)
	if err != nil {
		return nil, translate(err)
	}
	return item, nil
}

// DeclineIncomingPaymentRequest lets the addressed user refuse a pending request.
func (s *Service) DeclineIncomingPaymentRequest(ctx context.Context, recipientID, requestID uuid.UUID, payload domain.DeclineIncomingPaymentRequestPayload) (*domain.PaymentRequest, error) {
	var reason *string
	if payload.Reason != nil {
		reason = optionalString(*payload.Reason)
	}
	item, err := s.repo.DeclineIncomingPaymentRequest(ctx, requestID, recipientID, reason)
	if err != nil {
		return nil, translate(err)
	}
	s.notifier.PaymentRequestDeclined(ctx, item)
	return item, nil
}

// PayIncomingPaymentRequest pays an individual request addressed to the caller or a
// general request someone else created.
//
// Flow: claim the request (pending -> processing), reserve amount+fee, record the pending
// transaction, link it to the request, then call the gateway. Every failure before the
// gateway accepts the transfer puts the request back to pending and returns the money.
func (s *Service) PayIncomingPaymentRequest(ctx context.Context, payerID, requestID uuid.UUID, payload domain.PayIncomingPaymentRequestPayload) (*domain.PayIncomingPaymentRequestResult, error) {
	payer, err := s.requireSender(ctx, payerID)
	if err != nil {
		return nil, err
	}
	if err := s.authorizeTransactionPIN(ctx, payer.ID, payload.TransactionPIN); err != nil {
		return nil, err
	}

	// 1. Claim.
	req, err := s.repo.ClaimIncomingPaymentRequestForPayment(ctx, requestID, payer.ID, s.cfg.PaymentRequestClaimStaleAfter)
	if err != nil {
		return nil, translate(err)
	}
	log := s.logger.With(
		zap.String("payment_request_id", req.ID.String()),
		zap.String("payer_id", payer.ID.String()),
	)
	release := func() {
		if err := s.repo.ReleasePaymentRequestFromProcessing(ctx, req.ID, payer.ID); err != nil {
			log.Error("failed to release payment request", zap.Error(err))
		}
	}

	payerAccount, err := s.repo.FindAccountByUserID(ctx, payer.ID)
	if err != nil {
		release()
		return nil, translate(err)
	}
	creatorAccount, err := s.repo.FindAccountByUserID(ctx, req.CreatorID)
	if err != nil {
		release()
		return nil, translate(err)
	}

	// 2. Reserve and record.
	creatorID := req.CreatorID
	tx := &domain.Transaction{
		ID:                   uuid.New(),
		SenderID:             payer.ID,
		RecipientID:          &creatorID,
		SourceAccountID:      payerAccount.ID,
		DestinationAccountID: &creatorAccount.ID,
		Type:                 domain.TransactionTypeP2P,
		Category:             domain.CategoryPaymentRequest,
		Status:               domain.TransactionStatusPending,
		Amount:               req.Amount,
		Fee:                  s.cfg.P2PFee,
		Description:          req.Title,
		TransferType:         domain.TransferKindBook,
	}
	if err := s.reserve(ctx, tx); err != nil {
		release()
		return nil, err
	}

	// 3. Link.
	if _, err := s.repo.AttachProcessingPaymentRequestSettlementTransaction(ctx, req.ID, payer.ID, tx.ID); err != nil {
		s.failReserved(ctx, tx, nil, "payment request is no longer payable")
		release()
		return nil, translate(err)
	}

	// 4. Settle.
	tx, err = s.executeReservedTransfer(ctx, tx, settlementclient.TransferRequest{
		Kind:            settlementclient.KindBook,
		SourceAccountID: payerAccount.ExternalAccountID,
		DestinationID:   creatorAccount.ExternalAccountID,
		Amount:          req.Amount,
		Reason:          transferReason(req.Title, "Payment request"),
		Reference:       tx.ID.String(),
	})
	if err != nil {
		release()
		return nil, err
	}

	switch tx.Status {
	case domain.TransactionStatusCompleted:
		fulfilled, err := s.repo.MarkPaymentRequestFulfilled(ctx, req.ID, payer.ID, tx.ID)
		if err != nil {
			log.Error("failed to mark payment request fulfilled", zap.String("transaction_id", tx.ID.String()), zap.Error(err))
			break
		}
		req = fulfilled
		s.announceFulfilled(ctx, req, tx.ID)
	case domain.TransactionStatusFailed:
		release()
		req.Status = domain.PaymentRequestStatusPending
		req.PayerUserID = nil
		req.SettledTxID = nil
	default:
		req.SettledTxID = &tx.ID
	}

	return &domain.PayIncomingPaymentRequestResult{Request: req, Transaction: tx}, nil
}

func (s *Service) announceFulfilled(ctx context.Context, req *domain.PaymentRequest, transactionID uuid.UUID) {
	payerID := ""
	switch {
	case req.FulfilledByUserID != nil:
		payerID = req.FulfilledByUserID.String()
	case req.PayerUserID != nil:
		payerID = req.PayerUserID.String()
	case req.RecipientUserID != nil:
		payerID = req.RecipientUserID.String()
	}
	s.publish(ctx, domain.EventPaymentRequestFulfilled, domain.PaymentRequestFulfilledEvent{
		RequestID:     req.ID.String(),
		CreatorID:     req.CreatorID.String(),
		PayerID:       payerID,
		TransactionID: transactionID.String(),
		Amount:        req.Amount,
		OccurredAt:    s.now().UTC(),
	})
	s.notifier.PaymentRequestFulfilled(ctx, req)
}
