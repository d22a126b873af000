package api

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/transfa/payments-core/internal/app"
	"github.com/transfa/payments-core/internal/domain"
)

// SettlementEventHandler accepts a settlement callback pushed over HTTP instead of the
// event bus. It is guarded by InternalAuthMiddleware.
func (h *TransactionHandlers) SettlementEventHandler(w http.ResponseWriter, r *http.Request) {
	if h.events == nil {
		h.writeError(w, http.StatusServiceUnavailable, "Settlement events are not enabled")
		return
	}
	var event domain.TransferStatusEvent
	if !h.decodeAndValidate(w, r, &event) {
		return
	}

	if err := h.events.HandleEvent(r.Context(), event); err != nil {
		if errors.Is(err, app.ErrInvalidSettlementEvent) {
			h.writeError(w, http.StatusBadRequest, "Invalid settlement event")
			return
		}
		if errors.Is(err, app.ErrUnknownSettlementReference) {
			h.writeError(w, http.StatusNotFound, "Unknown settlement reference")
			return
		}
		h.logger.Error("settlement event failed",
			zap.String("external_ref", event.ExternalRef),
			zap.Error(err),
		)
		h.writeError(w, http.StatusInternalServerError, "Failed to apply settlement event")
		return
	}
	h.writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// SubscriptionFeeHandler debits a billing fee on behalf of the billing scheduler.
func (h *TransactionHandlers) SubscriptionFeeHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.SubscriptionFeeRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}
	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "user_id is invalid")
		return
	}

	tx, err := h.service.ProcessSubscriptionFee(r.Context(), userID, req.Amount, req.Reason)
	if err != nil {
		h.writeServiceError(w, "subscription_fee", err)
		return
	}
	h.writeJSON(w, http.StatusCreated, tx)
}

// ExpireMoneyDropsHandler runs the expiry sweep immediately.
func (h *TransactionHandlers) ExpireMoneyDropsHandler(w http.ResponseWriter, r *http.Request) {
	if h.sweeper == nil {
		h.writeError(w, http.StatusServiceUnavailable, "Expiry sweep is not enabled")
		return
	}
	closed, err := h.sweeper.RunMoneyDropExpiry(r.Context())
	if err != nil {
		h.logger.Error("money drop expiry sweep failed", zap.Int("closed", closed), zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "Failed to expire money drops")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]int{"closed": closed})
}
