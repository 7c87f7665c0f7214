package fanout

import (
	"sync"

	"messaging-service/internal/models"
	"messaging-service/internal/observability"
)

// Scope selects which events a subscription receives: a single conversation,
// or every conversation a user participates in.
type Scope struct {
	ConversationID int64
	UserID         int64
}

// ConversationScope subscribes to one conversation.
func ConversationScope(conversationID int64) Scope {
	return Scope{ConversationID: conversationID}
}

// UserScope subscribes to all conversations of one user.
func UserScope(userID int64) Scope {
	return Scope{UserID: userID}
}

func (s Scope) kind() string {
	if s.UserID != 0 {
		return "user"
	}
	return "conversation"
}

const defaultBuffer = 64

// Subscription is a live event handle. Events arrive on Events() in the order
// they were published for a conversation; the channel closes when the handle
// is closed or dropped. A dropped handle means the subscriber fell behind and
// must reconcile through the message store with its last-known cursor — the
// hub never replays history.
type Subscription struct {
	scope  Scope
	events chan models.Event

	mu      sync.Mutex
	closed  bool
	dropped bool
}

// Events is the subscriber-facing stream.
func (s *Subscription) Events() <-chan models.Event {
	return s.events
}

// Dropped reports whether the hub evicted this subscription for falling behind.
func (s *Subscription) Dropped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Hub fans committed events out to live subscribers, at least once while
// connected. Delivery and teardown share one lock, so no event is ever handed
// to a closed subscription.
type Hub struct {
	mu             sync.Mutex
	byConversation map[int64]map[*Subscription]struct{}
	byUser         map[int64]map[*Subscription]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		byConversation: make(map[int64]map[*Subscription]struct{}),
		byUser:         make(map[int64]map[*Subscription]struct{}),
	}
}

// Subscribe registers a new handle for the scope.
func (h *Hub) Subscribe(scope Scope) *Subscription {
	return h.subscribeBuffered(scope, defaultBuffer)
}

func (h *Hub) subscribeBuffered(scope Scope, buffer int) *Subscription {
	sub := &Subscription{scope: scope, events: make(chan models.Event, buffer)}

	h.mu.Lock()
	defer h.mu.Unlock()
	if scope.UserID != 0 {
		if _, ok := h.byUser[scope.UserID]; !ok {
			h.byUser[scope.UserID] = make(map[*Subscription]struct{})
		}
		h.byUser[scope.UserID][sub] = struct{}{}
	} else {
		if _, ok := h.byConversation[scope.ConversationID]; !ok {
			h.byConversation[scope.ConversationID] = make(map[*Subscription]struct{})
		}
		h.byConversation[scope.ConversationID][sub] = struct{}{}
	}

	observability.IncSubscriptions(scope.kind())
	return sub
}

// Unsubscribe closes the handle and releases its slot. Safe to call more than
// once; after it returns no further events are delivered.
func (h *Hub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(sub, false)
}

// Publish routes an event to every matching live subscription. Callers invoke
// it only after the underlying store commit succeeded. A subscriber whose
// buffer is full is evicted rather than blocking delivery to the others.
func (h *Hub) Publish(event models.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	observability.IncEventPublished(string(event.Type))

	for sub := range h.byConversation[event.ConversationID] {
		h.deliverLocked(sub, event)
	}
	for _, userID := range event.Recipients {
		for sub := range h.byUser[userID] {
			h.deliverLocked(sub, event)
		}
	}
}

func (h *Hub) deliverLocked(sub *Subscription, event models.Event) {
	sub.mu.Lock()
	if sub.closed {
		sub.mu.Unlock()
		return
	}
	select {
	case sub.events <- event:
		sub.mu.Unlock()
	default:
		sub.mu.Unlock()
		observability.IncSubscriptionDropped(sub.scope.kind())
		h.removeLocked(sub, true)
	}
}

func (h *Hub) removeLocked(sub *Subscription, dropped bool) {
	sub.mu.Lock()
	if sub.closed {
		sub.mu.Unlock()
		return
	}
	sub.closed = true
	sub.dropped = dropped
	close(sub.events)
	sub.mu.Unlock()

	scope := sub.scope
	if scope.UserID != 0 {
		if subs, ok := h.byUser[scope.UserID]; ok {
			delete(subs, sub)
			if len(subs) == 0 {
				delete(h.byUser, scope.UserID)
			}
		}
	} else {
		if subs, ok := h.byConversation[scope.ConversationID]; ok {
			delete(subs, sub)
			if len(subs) == 0 {
				delete(h.byConversation, scope.ConversationID)
			}
		}
	}

	observability.DecSubscriptions(scope.kind())
}
