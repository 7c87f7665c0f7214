package messaging

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"messaging-service/internal/models"
)

// SendState is the lifecycle of one optimistic send.
type SendState string

const (
	StateComposing SendState = "composing"
	StateSending   SendState = "sending"
	StateConfirmed SendState = "confirmed"
	StateFailed    SendState = "failed"
)

// PendingSend tracks a single send from submission to its terminal state.
// The provisional message is visible immediately; the server-confirmed row
// replaces it in place, matched by correlation id rather than content.
type PendingSend struct {
	CorrelationID  string
	ConversationID int64

	mu      sync.Mutex
	state   SendState
	content models.MessageContent
	message models.Message
	err     error
	done    chan struct{}
}

// State returns the current lifecycle state.
func (p *PendingSend) State() SendState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Content returns the composed content. It survives failure so the user can
// retry or discard.
func (p *PendingSend) Content() models.MessageContent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.content
}

// Result returns the confirmed message or the terminal error. Valid once the
// send is no longer in flight.
func (p *PendingSend) Result() (models.Message, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.message, p.err
}

// Wait blocks until the send reaches a terminal state or ctx expires.
func (p *PendingSend) Wait(ctx context.Context) (models.Message, error) {
	select {
	case <-p.done:
		return p.Result()
	case <-ctx.Done():
		return models.Message{}, ctx.Err()
	}
}

func (p *PendingSend) confirm(msg models.Message) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateSending {
		return false
	}
	p.state = StateConfirmed
	p.message = msg
	close(p.done)
	return true
}

func (p *PendingSend) fail(err error) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateSending {
		return false
	}
	p.state = StateFailed
	p.err = err
	close(p.done)
	return true
}

func (p *PendingSend) reset() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateFailed {
		return false
	}
	p.state = StateSending
	p.err = nil
	p.done = make(chan struct{})
	return true
}

// ViewEntry is one row of a session's local conversation view.
type ViewEntry struct {
	CorrelationID string         `json:"correlation_id,omitempty"`
	State         SendState      `json:"state"`
	Message       models.Message `json:"message"`
}

// Session is the per-client merge of server history, live events and the
// client's own in-flight sends. It is private to one client connection and
// needs no cross-session coordination.
type Session struct {
	UserID int64

	mu      sync.Mutex
	entries []ViewEntry
	pending map[string]*PendingSend
	seen    map[int64]struct{}
}

// NewSession creates an empty session for one client.
func NewSession(userID int64) *Session {
	return &Session{
		UserID:  userID,
		pending: make(map[string]*PendingSend),
		seen:    make(map[int64]struct{}),
	}
}

// begin inserts a provisional entry and registers the pending send.
func (s *Session) begin(conversationID int64, content models.MessageContent) *PendingSend {
	p := &PendingSend{
		CorrelationID:  uuid.NewString(),
		ConversationID: conversationID,
		state:          StateSending,
		content:        content,
		done:           make(chan struct{}),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[p.CorrelationID] = p
	s.entries = append(s.entries, ViewEntry{
		CorrelationID: p.CorrelationID,
		State:         StateSending,
		Message: models.Message{
			ConversationID: conversationID,
			SenderID:       s.UserID,
			Content:        content,
			CreatedAt:      time.Now(),
		},
	})
	return p
}

// confirm swaps the provisional entry for the server-returned message.
func (s *Session) confirm(correlationID string, msg models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seen[msg.ID] = struct{}{}
	for i := range s.entries {
		if s.entries[i].CorrelationID == correlationID {
			s.entries[i].State = StateConfirmed
			s.entries[i].Message = msg
			break
		}
	}
	if p, ok := s.pending[correlationID]; ok {
		p.confirm(msg)
		delete(s.pending, correlationID)
	}
}

// fail marks the entry failed in place; the composed text stays recoverable.
func (s *Session) fail(correlationID string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.entries {
		if s.entries[i].CorrelationID == correlationID {
			s.entries[i].State = StateFailed
			break
		}
	}
	if p, ok := s.pending[correlationID]; ok {
		p.fail(err)
	}
}

// takeForRetry flips a failed send back to sending, if it is retryable.
func (s *Session) takeForRetry(correlationID string) (*PendingSend, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pending[correlationID]
	if !ok || !p.reset() {
		return nil, false
	}
	for i := range s.entries {
		if s.entries[i].CorrelationID == correlationID {
			s.entries[i].State = StateSending
			break
		}
	}
	return p, true
}

// Discard removes a failed send from the view.
func (s *Session) Discard(correlationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pending[correlationID]
	if !ok || p.State() != StateFailed {
		return
	}
	delete(s.pending, correlationID)
	for i := range s.entries {
		if s.entries[i].CorrelationID == correlationID {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			break
		}
	}
}

// ApplyEvent merges a live event into the view. It returns false when the
// event is a duplicate of something already visible — in particular the
// fan-out echo of this session's own in-flight send, matched by correlation
// id. When the echo outruns the append response, it doubles as confirmation.
func (s *Session) ApplyEvent(event models.Event) bool {
	if event.Type != models.EventMessage || event.Message == nil {
		return true
	}
	msg := *event.Message

	s.mu.Lock()
	if _, dup := s.seen[msg.ID]; dup {
		s.mu.Unlock()
		return false
	}
	if event.CorrelationID != "" {
		if _, ours := s.pending[event.CorrelationID]; ours {
			s.mu.Unlock()
			s.confirm(event.CorrelationID, msg)
			return false
		}
	}
	s.seen[msg.ID] = struct{}{}
	s.entries = append(s.entries, ViewEntry{State: StateConfirmed, Message: msg})
	s.mu.Unlock()
	return true
}

// Entries returns a snapshot of the local view in arrival order.
func (s *Session) Entries() []ViewEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ViewEntry, len(s.entries))
	copy(out, s.entries)
	return out
}
