package domain

import (
	"time"

	"github.com/google/uuid"
)

// TransferList is a saved group of recipients the owner can pay in one bulk transfer.
type TransferList struct {
	ID          uuid.UUID            `json:"id"`
	OwnerID     uuid.UUID            `json:"owner_id"`
	Name        string               `json:"name"`
	MemberCount int                  `json:"member_count"`
	Members     []TransferListMember `json:"members"`
	CreatedAt   time.Time            `json:"created_at"`
	UpdatedAt   time.Time            `json:"updated_at"`
}

type TransferListMember struct {
	UserID    uuid.UUID `json:"user_id"`
	Username  string    `json:"username"`
	FullName  *string   `json:"full_name,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// TransferListSummary is the list-page view of a transfer list.
type TransferListSummary struct {
	ID              uuid.UUID `json:"id"`
	OwnerID         uuid.UUID `json:"owner_id"`
	Name            string    `json:"name"`
	MemberCount     int       `json:"member_count"`
	MemberUsernames []string  `json:"member_usernames"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

type TransferListListOptions struct {
	Limit  int
	Offset int
	Search string
}

type CreateTransferListPayload struct {
	Name            string   `json:"name" validate:"required,max=60"`
	MemberUsernames []string `json:"member_usernames" validate:"required,min=1,dive,required,max=64"`
}

type UpdateTransferListPayload struct {
	Name            string   `json:"name" validate:"required,max=60"`
	MemberUsernames []string `json:"member_usernames" validate:"required,min=1,dive,required,max=64"`
}

type ToggleTransferListMemberPayload struct {
	Username string `json:"username" validate:"required,max=64"`
}

// ToggleTransferListMemberResult reports the list after a toggle and whether the user
// is now a member.
type ToggleTransferListMemberResult struct {
	List     *TransferList `json:"list"`
	IsMember bool          `json:"is_member"`
}
