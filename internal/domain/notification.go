package domain

import (
	"time"

	"github.com/google/uuid"
)

const (
	NotificationStatusUnread = "unread"
	NotificationStatusRead   = "read"
)

const (
	NotificationCategoryRequest   = "request"
	NotificationCategoryMoneyDrop = "money_drop"
	NotificationCategoryTransfer  = "transfer"
	NotificationCategorySystem    = "system"
)

// IsValidNotificationCategory reports whether category is one of the known buckets.
func IsValidNotificationCategory(category string) bool {
	switch category {
	case NotificationCategoryRequest, NotificationCategoryMoneyDrop, NotificationCategoryTransfer, NotificationCategorySystem:
		return true
	}
	return false
}

type NotificationListOptions struct {
	Limit    int
	Offset   int
	Search   string
	Category string
	Status   string
}

// InAppNotification is a per-user inbox entry. DedupeKey makes creation idempotent.
type InAppNotification struct {
	ID                uuid.UUID              `json:"id"`
	UserID            uuid.UUID              `json:"user_id"`
	Category          string                 `json:"category"`
	Type              string                 `json:"type"`
	Title             string                 `json:"title"`
	Body              *string                `json:"body,omitempty"`
	Status            string                 `json:"status"`
	RelatedEntityType *string                `json:"related_entity_type,omitempty"`
	RelatedEntityID   *uuid.UUID             `json:"related_entity_id,omitempty"`
	Data              map[string]interface{} `json:"data,omitempty"`
	DedupeKey         *string                `json:"-"`
	ReadAt            *time.Time             `json:"read_at,omitempty"`
	CreatedAt         time.Time              `json:"created_at"`
	UpdatedAt         time.Time              `json:"updated_at"`
}

type NotificationUnreadCounts struct {
	Total     int64 `json:"total"`
	Request   int64 `json:"request"`
	MoneyDrop int64 `json:"money_drop"`
	Transfer  int64 `json:"transfer"`
	System    int64 `json:"system"`
}

type MarkAllNotificationsReadPayload struct {
	Category *string `json:"category,omitempty" validate:"omitempty,oneof=request money_drop transfer system"`
}
