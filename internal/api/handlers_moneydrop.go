/**
 * @description
 * This file contains HTTP handlers for Money Drop endpoints.
 *
 * @notes
 * - Claims honour an `Idempotency-Key` header; a retry with the same key and body
 *   returns the first response.
 */

package api

import (
	"net/http"
	"strings"

	"github.com/transfa/payments-core/internal/domain"
)

// CreateMoneyDropHandler handles requests to create a new money drop.
func (h *TransactionHandlers) CreateMoneyDropHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.resolveUser(w, r)
	if !ok {
		return
	}
	var req domain.CreateMoneyDropRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	response, err := h.service.CreateMoneyDrop(r.Context(), userID, req)
	if err != nil {
		h.writeServiceError(w, "create_money_drop", err)
		return
	}
	h.writeJSON(w, http.StatusCreated, response)
}

// ClaimMoneyDropHandler handles requests to claim a money drop.
func (h *TransactionHandlers) ClaimMoneyDropHandler(w http.ResponseWriter, r *http.Request) {
	claimantID, ok := h.resolveUser(w, r)
	if !ok {
		return
	}
	dropID, ok := h.pathUUID(w, r, "drop_id", "Invalid money drop ID format")
	if !ok {
		return
	}
	var req domain.ClaimMoneyDropRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if key == "" {
		key = strings.TrimSpace(r.Header.Get("X-Idempotency-Key"))
	}
	if len(key) > 128 {
		h.writeError(w, http.StatusBadRequest, "Idempotency key is too long")
		return
	}

	response, err := h.service.ClaimMoneyDrop(r.Context(), claimantID, dropID, req, key)
	if err != nil {
		h.writeServiceError(w, "claim_money_drop", err)
		return
	}
	h.writeJSON(w, http.StatusOK, response)
}

// GetMoneyDropDetailsHandler handles requests to get details about a money drop.
func (h *TransactionHandlers) GetMoneyDropDetailsHandler(w http.ResponseWriter, r *http.Request) {
	dropID, ok := h.pathUUID(w, r, "drop_id", "Invalid money drop ID format")
	if !ok {
		return
	}

	details, err := h.service.GetMoneyDropDetails(r.Context(), dropID)
	if err != nil {
		h.writeServiceError(w, "get_money_drop_details", err)
		return
	}
	h.writeJSON(w, http.StatusOK, details)
}
