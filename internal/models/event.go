package models

// EventType names the realtime event kinds pushed to subscribers.
type EventType string

const (
	EventMessage        EventType = "message"
	EventMessageEdited  EventType = "message_edited"
	EventMessageDeleted EventType = "message_deleted"
	EventRead           EventType = "read"
)

// Event is broadcast through the fan-out hub after a successful commit.
// Recipients lists the participant ids the event is routed to; it never
// leaves the process.
type Event struct {
	Type           EventType `json:"type"`
	ConversationID int64     `json:"conversation_id"`
	Message        *Message  `json:"message,omitempty"`
	MessageID      int64     `json:"message_id,omitempty"`
	UserID         int64     `json:"user_id,omitempty"`
	CorrelationID  string    `json:"correlation_id,omitempty"`
	Recipients     []int64   `json:"-"`
}
