package models

import "time"

// Role of a participant within a conversation.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleDriver   Role = "driver"
	RoleMerchant Role = "merchant"
	RoleSupport  Role = "support"
	RoleAdmin    Role = "admin"
)

// Participant is the per-conversation, per-user row carrying the unread
// counter. Rows are created with the conversation and never deleted while it
// exists; the counter only moves through the registry's atomic operations.
type Participant struct {
	ConversationID int64      `db:"conversation_id" json:"conversation_id"`
	UserID         int64      `db:"user_id" json:"user_id"`
	Role           Role       `db:"role" json:"role"`
	UnreadCount    int        `db:"unread_count" json:"unread_count"`
	LastReadAt     *time.Time `db:"last_read_at" json:"last_read_at,omitempty"`
	JoinedAt       time.Time  `db:"joined_at" json:"joined_at"`
}

// ParticipantSpec names a user and role when opening a conversation.
type ParticipantSpec struct {
	UserID int64 `json:"user_id" binding:"required"`
	Role   Role  `json:"role"`
}
