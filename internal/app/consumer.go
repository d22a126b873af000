package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/transfa/payments-core/internal/domain"
	"github.com/transfa/payments-core/internal/metrics"
	"github.com/transfa/payments-core/internal/store"
)

const (
	settlementEventTimeout = 15 * time.Second

	// A terminal callback can beat the write of its settlement reference. It is
	// redelivered this many times before it is dropped.
	unknownReferenceMaxAttempts = 5
	unknownReferenceBackoff     = 200 * time.Millisecond
)

var (
	// ErrInvalidSettlementEvent marks a callback that can never be applied.
	ErrInvalidSettlementEvent = errors.New("invalid settlement event")
	// ErrUnknownSettlementReference marks a terminal callback whose transaction cannot
	// be found yet.
	ErrUnknownSettlementReference = errors.New("unknown settlement reference")
)

// SettlementEventHandler applies settlement callbacks, whether they arrive over AMQP or
// the internal HTTP route. Each terminal outcome is applied at most once.
type SettlementEventHandler struct {
	svc     *Service
	logger  *zap.Logger
	backoff time.Duration

	mu       sync.Mutex
	attempts map[string]int
}

// SettlementEventHandler returns the callback handler bound to this service.
func (s *Service) SettlementEventHandler() *SettlementEventHandler {
	return &SettlementEventHandler{
		svc:      s,
		logger:   s.logger.With(zap.String("component", "settlement_consumer")),
		backoff:  unknownReferenceBackoff,
		attempts: make(map[string]int),
	}
}

// HandleMessage is the AMQP entry point. It returns false when the delivery should be
// retried. Malformed events are acknowledged and dropped. A terminal event for an
// unknown reference is retried a bounded number of times, then dropped.
func (h *SettlementEventHandler) HandleMessage(body []byte) bool {
	var event domain.TransferStatusEvent
	if err := json.Unmarshal(body, &event); err != nil {
		h.logger.Warn("failed to unmarshal settlement event", zap.Error(err))
		metrics.RecordSettlementCallback("unknown", "malformed")
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), settlementEventTimeout)
	defer cancel()

	err := h.HandleEvent(ctx, event)
	if errors.Is(err, ErrUnknownSettlementReference) {
		return h.retryUnknownReference(event)
	}
	h.forgetAttempts(event.ExternalRef)
	if err != nil {
		if errors.Is(err, ErrInvalidSettlementEvent) {
			return true
		}
		h.logger.Error("settlement event processing failed, requeueing",
			zap.String("external_ref", event.ExternalRef),
			zap.Error(err),
		)
		return false
	}
	return true
}

// retryUnknownReference counts redeliveries per reference and reports whether the
// delivery should now be acknowledged.
func (h *SettlementEventHandler) retryUnknownReference(event domain.TransferStatusEvent) bool {
	ref := strings.TrimSpace(event.ExternalRef)
	h.mu.Lock()
	h.attempts[ref]++
	attempt := h.attempts[ref]
	if attempt >= unknownReferenceMaxAttempts {
		delete(h.attempts, ref)
	}
	h.mu.Unlock()

	log := h.logger.With(zap.String("external_ref", ref), zap.Int("attempt", attempt))
	if attempt >= unknownReferenceMaxAttempts {
		log.Warn("settlement reference still unknown, dropping event")
		metrics.RecordSettlementCallback(normalizeStatus(event.Status), "dropped")
		return true
	}
	log.Info("settlement reference not found yet, requeueing")
	if h.backoff > 0 {
		time.Sleep(time.Duration(attempt) * h.backoff)
	}
	return false
}

func (h *SettlementEventHandler) forgetAttempts(ref string) {
	ref = strings.TrimSpace(ref)
	h.mu.Lock()
	delete(h.attempts, ref)
	h.mu.Unlock()
}

// HandleEvent applies one settlement status update. A terminal update whose transaction
// cannot be found returns ErrUnknownSettlementReference so the caller can redeliver it.
func (h *SettlementEventHandler) HandleEvent(ctx context.Context, event domain.TransferStatusEvent) error {
	ref := strings.TrimSpace(event.ExternalRef)
	status := normalizeStatus(event.Status)
	if ref == "" {
		h.logger.Warn("settlement event without transfer id", zap.String("event_id", event.EventID))
		metrics.RecordSettlementCallback(status, "malformed")
		return fmt.Errorf("%w: missing transfer id", ErrInvalidSettlementEvent)
	}

	outcome, err := h.apply(ctx, ref, status, event)
	if err != nil && !errors.Is(err, ErrUnknownSettlementReference) {
		outcome = "error"
	}
	metrics.RecordSettlementCallback(status, outcome)
	return err
}

func (h *SettlementEventHandler) apply(ctx context.Context, ref, status string, event domain.TransferStatusEvent) (string, error) {
	repo := h.svc.repo
	log := h.logger.With(zap.String("external_ref", ref), zap.String("status", status))

	tx, err := h.findSettlementTransaction(ctx, ref, event.Reference)
	if err != nil {
		if errors.Is(err, store.ErrTransactionNotFound) {
			if status == domain.TransactionStatusPending {
				log.Info("no transaction for in-flight settlement update, acknowledging")
				return "unknown_reference", nil
			}
			return "unknown_reference", fmt.Errorf("%w: %s", ErrUnknownSettlementReference, ref)
		}
		return "", err
	}
	log = log.With(zap.String("transaction_id", tx.ID.String()))

	metadata := store.UpdateTransactionMetadataParams{
		ExternalRef:       &ref,
		TransferType:      optionalString(normalizeTransferType(event.TransferType)),
		ExternalSessionID: optionalString(event.SessionID),
		ExternalReason:    optionalString(event.Reason),
	}
	if err := repo.UpdateTransactionMetadata(ctx, tx.ID, metadata); err != nil {
		return "", fmt.Errorf("update metadata: %w", err)
	}

	switch status {
	case domain.TransactionStatusCompleted:
		applied, err := repo.CompleteReservedTransaction(ctx, tx.ID, &ref)
		metrics.RecordLedgerMovement("complete_reserved", err)
		if err != nil {
			return "", fmt.Errorf("complete transaction: %w", err)
		}
		// A replay still fulfils a request left processing by a crash between the two writes.
		req, err := repo.MarkPaymentRequestFulfilledBySettlementTransaction(ctx, tx.ID)
		if err != nil {
			return "", fmt.Errorf("fulfil payment request: %w", err)
		}
		if req != nil {
			h.svc.announceFulfilled(ctx, req, tx.ID)
		}
		if !applied {
			log.Info("settlement completion already applied")
			return "duplicate", nil
		}
		tx.Status = domain.TransactionStatusCompleted
		h.svc.publishTransaction(ctx, tx)
		h.svc.notifier.TransferCompleted(ctx, tx)
		log.Info("settlement completed")
		return "applied", nil

	case domain.TransactionStatusFailed:
		reason := strings.TrimSpace(event.Reason)
		if reason == "" {
			reason = "settlement provider reported failure"
		}
		applied, err := repo.RefundReservedTransaction(ctx, tx.ID, &ref, reason)
		metrics.RecordLedgerMovement("refund_reserved", err)
		if err != nil {
			return "", fmt.Errorf("refund transaction: %w", err)
		}
		if _, err := repo.ReleasePaymentRequestFromProcessingBySettlementTransaction(ctx, tx.ID); err != nil {
			return "", fmt.Errorf("release payment request: %w", err)
		}
		if !applied {
			log.Info("settlement failure already applied")
			return "duplicate", nil
		}
		tx.Status = domain.TransactionStatusFailed
		tx.FailureReason = &reason
		h.svc.publishTransaction(ctx, tx)
		h.svc.notifier.TransferFailed(ctx, tx)
		log.Info("settlement failed, reservation refunded")
		return "applied", nil

	default:
		return "in_flight", nil
	}
}

// findSettlementTransaction looks a callback up by its settlement reference, falling back
// to the transaction id echoed in reference when the settlement reference has not been
// stored yet.
func (h *SettlementEventHandler) findSettlementTransaction(ctx context.Context, ref, reference string) (*domain.Transaction, error) {
	repo := h.svc.repo
	tx, err := repo.FindTransactionByExternalRef(ctx, ref)
	if err == nil {
		return tx, nil
	}
	if !errors.Is(err, store.ErrTransactionNotFound) {
		return nil, fmt.Errorf("lookup transaction: %w", err)
	}

	id, parseErr := uuid.Parse(strings.TrimSpace(reference))
	if parseErr != nil {
		return nil, err
	}
	tx, err = repo.FindTransactionByID(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrTransactionNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("lookup transaction by reference: %w", err)
	}
	if tx.ExternalRef != nil && *tx.ExternalRef != ref {
		return nil, fmt.Errorf("%w: reference %s belongs to transfer %s", ErrInvalidSettlementEvent, id, *tx.ExternalRef)
	}
	return tx, nil
}

func normalizeTransferType(typ string) string {
	typ = strings.TrimSpace(strings.ToLower(typ))
	switch typ {
	case "nip", "nip_transfer", "niptransfer":
		return domain.TransferKindNIP
	case "book", "book_transfer", "booktransfer":
		return domain.TransferKindBook
	default:
		return typ
	}
}
