package models

import (
	"time"

	"github.com/lib/pq"
)

// ConversationType discriminates how a conversation came to exist.
type ConversationType string

const (
	ConversationDirect  ConversationType = "direct"
	ConversationOrder   ConversationType = "order"
	ConversationSupport ConversationType = "support"
)

// Conversation is a thread between two or more participants. Exactly one
// conversation exists per (type, participant set, order id) tuple; the
// uniqueness is enforced by the storage layer, not by callers.
type Conversation struct {
	ID             int64            `db:"id" json:"id"`
	Type           ConversationType `db:"conv_type" json:"type"`
	OrderID        string           `db:"order_id" json:"order_id,omitempty"`
	ParticipantKey string           `db:"participant_key" json:"-"`
	Archived       bool             `db:"archived" json:"archived"`
	CreatedAt      time.Time        `db:"created_at" json:"created_at"`
	LastActivityAt time.Time        `db:"last_activity_at" json:"last_activity_at"`
}

// ConversationSummary is the per-user list view of a conversation.
type ConversationSummary struct {
	ConversationID     int64                `db:"id" json:"conversation_id"`
	Type               ConversationType     `db:"conv_type" json:"type"`
	OrderID            string               `db:"order_id" json:"order_id,omitempty"`
	UnreadCount        int                  `db:"unread_count" json:"unread_count"`
	LastActivityAt     time.Time            `db:"last_activity_at" json:"last_activity_at"`
	LastMessagePreview string               `db:"last_message_preview" json:"last_message_preview"`
	OtherUserIDs       pq.Int64Array        `db:"other_user_ids" json:"-"`
	OtherParticipants  []ParticipantDisplay `json:"other_participants"`
}

// ParticipantDisplay decorates a participant with profile data for responses.
type ParticipantDisplay struct {
	UserID      int64  `json:"user_id"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url,omitempty"`
	Role        Role   `json:"role,omitempty"`
}
