package api

import (
	"net/http"
	"strings"

	"github.com/transfa/payments-core/internal/domain"
)

func (h *TransactionHandlers) ListTransferListsHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.resolveUser(w, r)
	if !ok {
		return
	}
	limit, offset, ok := h.pagination(w, r)
	if !ok {
		return
	}

	lists, err := h.service.ListTransferLists(r.Context(), userID, domain.TransferListListOptions{
		Limit:  limit,
		Offset: offset,
		Search: strings.TrimSpace(r.URL.Query().Get("q")),
	})
	if err != nil {
		h.writeServiceError(w, "list_transfer_lists", err)
		return
	}
	h.writeJSON(w, http.StatusOK, lists)
}

func (h *TransactionHandlers) CreateTransferListHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.resolveUser(w, r)
	if !ok {
		return
	}
	var payload domain.CreateTransferListPayload
	if !h.decodeAndValidate(w, r, &payload) {
		return
	}

	list, err := h.service.CreateTransferList(r.Context(), userID, payload)
	if err != nil {
		h.writeServiceError(w, "create_transfer_list", err)
		return
	}
	h.writeJSON(w, http.StatusCreated, list)
}

func (h *TransactionHandlers) GetTransferListHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.resolveUser(w, r)
	if !ok {
		return
	}
	listID, ok := h.pathUUID(w, r, "id", "Invalid transfer list ID.")
	if !ok {
		return
	}

	list, err := h.service.GetTransferList(r.Context(), userID, listID)
	if err != nil {
		h.writeServiceError(w, "get_transfer_list", err)
		return
	}
	h.writeJSON(w, http.StatusOK, list)
}

// UpdateTransferListHandler replaces the list's name and members.
func (h *TransactionHandlers) UpdateTransferListHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.resolveUser(w, r)
	if !ok {
		return
	}
	listID, ok := h.pathUUID(w, r, "id", "Invalid transfer list ID.")
	if !ok {
		return
	}
	var payload domain.UpdateTransferListPayload
	if !h.decodeAndValidate(w, r, &payload) {
		return
	}

	list, err := h.service.UpdateTransferList(r.Context(), userID, listID, payload)
	if err != nil {
		h.writeServiceError(w, "update_transfer_list", err)
		return
	}
	h.writeJSON(w, http.StatusOK, list)
}

func (h *TransactionHandlers) DeleteTransferListHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.resolveUser(w, r)
	if !ok {
		return
	}
	listID, ok := h.pathUUID(w, r, "id", "Invalid transfer list ID.")
	if !ok {
		return
	}

	if err := h.service.DeleteTransferList(r.Context(), userID, listID); err != nil {
		h.writeServiceError(w, "delete_transfer_list", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *TransactionHandlers) ToggleTransferListMemberHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.resolveUser(w, r)
	if !ok {
		return
	}
	listID, ok := h.pathUUID(w, r, "id", "Invalid transfer list ID.")
	if !ok {
		return
	}
	var payload domain.ToggleTransferListMemberPayload
	if !h.decodeAndValidate(w, r, &payload) {
		return
	}

	result, err := h.service.ToggleTransferListMember(r.Context(), userID, listID, payload)
	if err != nil {
		h.writeServiceError(w, "toggle_transfer_list_member", err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}
