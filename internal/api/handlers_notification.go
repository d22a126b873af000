package api

import (
	"net/http"
	"strings"

	"github.com/transfa/payments-core/internal/domain"
)

func normalizeNotificationCategoryFilter(raw string) (string, bool) {
	category := strings.TrimSpace(strings.ToLower(raw))
	if category == "" {
		return "", true
	}
	return category, domain.IsValidNotificationCategory(category)
}

func normalizeNotificationStatusFilter(raw string) (string, bool) {
	status := strings.TrimSpace(strings.ToLower(raw))
	switch status {
	case "", domain.NotificationStatusUnread, domain.NotificationStatusRead:
		return status, true
	default:
		return "", false
	}
}

// ListInAppNotificationsHandler lists inbox notifications for the authenticated user.
func (h *TransactionHandlers) ListInAppNotificationsHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.resolveUser(w, r)
	if !ok {
		return
	}
	limit, offset, ok := h.pagination(w, r)
	if !ok {
		return
	}
	category, ok := normalizeNotificationCategoryFilter(r.URL.Query().Get("category"))
	if !ok {
		h.writeError(w, http.StatusBadRequest, "Invalid category")
		return
	}
	status, ok := normalizeNotificationStatusFilter(r.URL.Query().Get("status"))
	if !ok {
		h.writeError(w, http.StatusBadRequest, "Invalid status")
		return
	}

	items, err := h.service.ListNotifications(r.Context(), userID, domain.NotificationListOptions{
		Limit:    limit,
		Offset:   offset,
		Search:   strings.TrimSpace(r.URL.Query().Get("q")),
		Category: category,
		Status:   status,
	})
	if err != nil {
		h.writeServiceError(w, "list_notifications", err)
		return
	}
	h.writeJSON(w, http.StatusOK, items)
}

// GetInAppNotificationUnreadCountsHandler returns unread counts by category.
func (h *TransactionHandlers) GetInAppNotificationUnreadCountsHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.resolveUser(w, r)
	if !ok {
		return
	}
	counts, err := h.service.GetNotificationUnreadCounts(r.Context(), userID)
	if err != nil {
		h.writeServiceError(w, "get_notification_unread_counts", err)
		return
	}
	h.writeJSON(w, http.StatusOK, counts)
}

// MarkInAppNotificationReadHandler marks one notification as read.
func (h *TransactionHandlers) MarkInAppNotificationReadHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.resolveUser(w, r)
	if !ok {
		return
	}
	notificationID, ok := h.pathUUID(w, r, "id", "Invalid notification ID")
	if !ok {
		return
	}

	if err := h.service.MarkNotificationRead(r.Context(), userID, notificationID); err != nil {
		h.writeServiceError(w, "mark_notification_read", err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]bool{"updated": true})
}

// MarkAllInAppNotificationsReadHandler marks unread notifications as read.
func (h *TransactionHandlers) MarkAllInAppNotificationsReadHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.resolveUser(w, r)
	if !ok {
		return
	}
	var payload domain.MarkAllNotificationsReadPayload
	if !h.decodeAndValidate(w, r, &payload) {
		return
	}
	if payload.Category != nil && *payload.Category == "" {
		payload.Category = nil
	}

	updated, err := h.service.MarkAllNotificationsRead(r.Context(), userID, payload.Category)
	if err != nil {
		h.writeServiceError(w, "mark_all_notifications_read", err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]int64{"updated": updated})
}
