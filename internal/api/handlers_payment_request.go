/**
 * @description
 * This file contains the HTTP handlers for all payment request-related endpoints:
 * the creator's own requests and the requests addressed to the caller.
 */

package api

import (
	"net/http"
	"strings"

	"github.com/transfa/payments-core/internal/domain"
)

// CreatePaymentRequestHandler handles the creation of a new payment request.
// @Summary Create a payment request
// @Tags Payment Requests
// @Accept json
// @Produce json
// @Success 201 {object} domain.PaymentRequest
// @Failure 400 {object} map[string]string "Invalid request body"
// @Router /payment-requests [post]
func (h *TransactionHandlers) CreatePaymentRequestHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.resolveUser(w, r)
	if !ok {
		return
	}
	var payload domain.CreatePaymentRequestPayload
	if !h.decodeAndValidate(w, r, &payload) {
		return
	}

	request, err := h.service.CreatePaymentRequest(r.Context(), userID, payload)
	if err != nil {
		h.writeServiceError(w, "create_payment_request", err)
		return
	}
	h.writeJSON(w, http.StatusCreated, request)
}

// ListPaymentRequestsHandler lists the requests created by the caller.
// @Summary List payment requests
// @Tags Payment Requests
// @Produce json
// @Param q query string false "Search in title, description and recipient"
// @Param status query string false "pending, processing, fulfilled or declined"
// @Success 200 {array} domain.PaymentRequest
// @Router /payment-requests [get]
func (h *TransactionHandlers) ListPaymentRequestsHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.resolveUser(w, r)
	if !ok {
		return
	}
	opts, ok := h.paymentRequestListOptions(w, r)
	if !ok {
		return
	}

	requests, err := h.service.ListPaymentRequests(r.Context(), userID, opts)
	if err != nil {
		h.writeServiceError(w, "list_payment_requests", err)
		return
	}
	h.writeJSON(w, http.StatusOK, requests)
}

// GetPaymentRequestByIDHandler returns one of the caller's own requests.
// @Summary Get a payment request
// @Tags Payment Requests
// @Param id path string true "Payment Request ID"
// @Success 200 {object} domain.PaymentRequest
// @Failure 404 {object} map[string]string "Payment request not found"
// @Router /payment-requests/{id} [get]
func (h *TransactionHandlers) GetPaymentRequestByIDHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.resolveUser(w, r)
	if !ok {
		return
	}
	requestID, ok := h.pathUUID(w, r, "id", "Invalid payment request ID.")
	if !ok {
		return
	}

	request, err := h.service.GetPaymentRequest(r.Context(), userID, requestID)
	if err != nil {
		h.writeServiceError(w, "get_payment_request", err)
		return
	}
	h.writeJSON(w, http.StatusOK, request)
}

// DeletePaymentRequestHandler soft-deletes one of the caller's requests.
func (h *TransactionHandlers) DeletePaymentRequestHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.resolveUser(w, r)
	if !ok {
		return
	}
	requestID, ok := h.pathUUID(w, r, "id", "Invalid payment request ID.")
	if !ok {
		return
	}

	if err := h.service.DeletePaymentRequest(r.Context(), userID, requestID); err != nil {
		h.writeServiceError(w, "delete_payment_request", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListIncomingPaymentRequestsHandler lists requests addressed to the caller.
func (h *TransactionHandlers) ListIncomingPaymentRequestsHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.resolveUser(w, r)
	if !ok {
		return
	}
	opts, ok := h.paymentRequestListOptions(w, r)
	if !ok {
		return
	}

	requests, err := h.service.ListIncomingPaymentRequests(r.Context(), userID, opts)
	if err != nil {
		h.writeServiceError(w, "list_incoming_payment_requests", err)
		return
	}
	h.writeJSON(w, http.StatusOK, requests)
}

func (h *TransactionHandlers) GetIncomingPaymentRequestHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.resolveUser(w, r)
	if !ok {
		return
	}
	requestID, ok := h.pathUUID(w, r, "id", "Invalid payment request ID.")
	if !ok {
		return
	}

	request, err := h.service.GetIncomingPaymentRequest(r.Context(), userID, requestID)
	if err != nil {
		h.writeServiceError(w, "get_incoming_payment_request", err)
		return
	}
	h.writeJSON(w, http.StatusOK, request)
}

// PayIncomingPaymentRequestHandler pays a request addressed to the caller, or a general
// request anyone but its creator may pay. The body carries the transaction PIN and may be
// empty when PINs are not enforced. A 202 means the transfer was accepted and the request
// stays processing until settlement reports.
func (h *TransactionHandlers) PayIncomingPaymentRequestHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.resolveUser(w, r)
	if !ok {
		return
	}
	requestID, ok := h.pathUUID(w, r, "id", "Invalid payment request ID.")
	if !ok {
		return
	}

	var payload domain.PayIncomingPaymentRequestPayload
	if !h.decodeAndValidate(w, r, &payload) {
		return
	}

	result, err := h.service.PayIncomingPaymentRequest(r.Context(), userID, requestID, payload)
	if err != nil {
		h.writeServiceError(w, "pay_incoming_payment_request", err)
		return
	}

	status := http.StatusOK
	if result.Transaction != nil && result.Transaction.Status == domain.TransactionStatusPending {
		status = http.StatusAccepted
	}
	h.writeJSON(w, status, result)
}

func (h *TransactionHandlers) DeclineIncomingPaymentRequestHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.resolveUser(w, r)
	if !ok {
		return
	}
	requestID, ok := h.pathUUID(w, r, "id", "Invalid payment request ID.")
	if !ok {
		return
	}
	var payload domain.DeclineIncomingPaymentRequestPayload
	if !h.decodeAndValidate(w, r, &payload) {
		return
	}

	request, err := h.service.DeclineIncomingPaymentRequest(r.Context(), userID, requestID, payload)
	if err != nil {
		h.writeServiceError(w, "decline_incoming_payment_request", err)
		return
	}
	h.writeJSON(w, http.StatusOK, request)
}

func (h *TransactionHandlers) paymentRequestListOptions(w http.ResponseWriter, r *http.Request) (domain.PaymentRequestListOptions, bool) {
	limit, offset, ok := h.pagination(w, r)
	if !ok {
		return domain.PaymentRequestListOptions{}, false
	}
	query := r.URL.Query()

	status := strings.ToLower(strings.TrimSpace(query.Get("status")))
	switch status {
	case "", domain.PaymentRequestStatusPending, domain.PaymentRequestStatusProcessing,
		domain.PaymentRequestStatusFulfilled, domain.PaymentRequestStatusDeclined:
	default:
		h.writeError(w, http.StatusBadRequest, "Invalid status")
		return domain.PaymentRequestListOptions{}, false
	}
	requestType := strings.ToLower(strings.TrimSpace(query.Get("type")))
	switch requestType {
	case "", domain.PaymentRequestTypeGeneral, domain.PaymentRequestTypeIndividual:
	default:
		h.writeError(w, http.StatusBadRequest, "Invalid type")
		return domain.PaymentRequestListOptions{}, false
	}

	return domain.PaymentRequestListOptions{
		Limit:  limit,
		Offset: offset,
		Search: strings.TrimSpace(query.Get("q")),
		Status: status,
		Type:   requestType,
	}, true
}
