package models

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ContentType discriminates message payload kinds. New kinds are additive;
// existing rows never need migrating.
type ContentType string

const (
	ContentText   ContentType = "text"
	ContentSystem ContentType = "system"
)

// MessageContent is a tagged union: text messages carry Text, system messages
// carry a structured Payload.
type MessageContent struct {
	Type    ContentType     `json:"type"`
	Text    string          `json:"text,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Preview returns a short human-readable rendering for list views.
func (c MessageContent) Preview() string {
	if c.Type == ContentSystem {
		return "[system]"
	}
	return c.Text
}

// Message is one entry in a conversation's append log. Conversation id,
// sender and creation order are immutable; edits touch content only.
type Message struct {
	ID             int64          `json:"id"`
	ConversationID int64          `json:"conversation_id"`
	SenderID       int64          `json:"sender_id"`
	Content        MessageContent `json:"content"`
	Edited         bool           `json:"edited"`
	EditedAt       *time.Time     `json:"edited_at,omitempty"`
	Deleted        bool           `json:"deleted"`
	CreatedAt      time.Time      `json:"created_at"`
}

// Cursor points strictly between two messages in the (created_at, id) total
// order. It is a value, not an offset: pages taken with an advancing cursor
// neither skip nor repeat rows while new messages are appended.
type Cursor struct {
	CreatedAt time.Time
	ID        int64
}

// CursorFor returns the cursor positioned at the given message.
func CursorFor(m Message) Cursor {
	return Cursor{CreatedAt: m.CreatedAt, ID: m.ID}
}

// Encode renders the cursor as an opaque URL-safe token.
func (c Cursor) Encode() string {
	raw := fmt.Sprintf("%d:%d", c.CreatedAt.UnixMicro(), c.ID)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodeCursor parses a token produced by Encode.
func DecodeCursor(token string) (Cursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Cursor{}, fmt.Errorf("decode cursor: %w", err)
	}
	parts := strings.SplitN(string(raw), ":", 2)
	if len(parts) != 2 {
		return Cursor{}, fmt.Errorf("decode cursor: malformed token")
	}
	micros, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return Cursor{}, fmt.Errorf("decode cursor: %w", err)
	}
	id, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return Cursor{}, fmt.Errorf("decode cursor: %w", err)
	}
	return Cursor{CreatedAt: time.UnixMicro(micros).UTC(), ID: id}, nil
}
