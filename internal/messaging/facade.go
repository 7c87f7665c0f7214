package messaging

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"messaging-service/internal/fanout"
	"messaging-service/internal/models"
	"messaging-service/internal/notify"
	"messaging-service/internal/observability"
	"messaging-service/internal/profile"
	"messaging-service/internal/repositories"
)

// Options tune the façade. Zero values fall back to defaults.
type Options struct {
	// SendTimeout bounds one append attempt, retries included.
	SendTimeout time.Duration
	// MessagesPerMinute caps each sender.
	MessagesPerMinute int
	// PageSize is the default history page.
	PageSize int
}

func (o Options) withDefaults() Options {
	if o.SendTimeout <= 0 {
		o.SendTimeout = 10 * time.Second
	}
	if o.MessagesPerMinute <= 0 {
		o.MessagesPerMinute = 30
	}
	if o.PageSize <= 0 {
		o.PageSize = 50
	}
	return o
}

// Facade is the public messaging API: it coordinates the directory, the
// message store, the participant registry and the fan-out hub, and owns the
// optimistic-send reconciliation. It is the only layer that applies retry
// policy or decides user-visible failure.
type Facade struct {
	conversations repositories.ConversationRepository
	messages      repositories.MessageRepository
	participants  repositories.ParticipantRepository
	hub           *fanout.Hub
	resolver      profile.Resolver
	notifier      notify.Notifier
	limiter       *senderLimiter
	logger        *slog.Logger
	opts          Options
}

// NewFacade wires the façade.
func NewFacade(
	conversations repositories.ConversationRepository,
	messages repositories.MessageRepository,
	participants repositories.ParticipantRepository,
	hub *fanout.Hub,
	resolver profile.Resolver,
	notifier notify.Notifier,
	logger *slog.Logger,
	opts Options,
) *Facade {
	opts = opts.withDefaults()
	return &Facade{
		conversations: conversations,
		messages:      messages,
		participants:  participants,
		hub:           hub,
		resolver:      resolver,
		notifier:      notifier,
		limiter:       newSenderLimiter(opts.MessagesPerMinute, time.Minute),
		logger:        logger,
		opts:          opts,
	}
}

// FindOrCreateConversation resolves or lazily creates the conversation for a
// participant set. Concurrent callers with the same arguments converge on one
// id; the storage constraint does the deduplication.
func (f *Facade) FindOrCreateConversation(ctx context.Context, convType models.ConversationType, orderID string, specs []models.ParticipantSpec) (models.Conversation, error) {
	switch convType {
	case models.ConversationDirect, models.ConversationSupport:
	case models.ConversationOrder:
		if orderID == "" {
			return models.Conversation{}, ErrInvalidContent
		}
	default:
		return models.Conversation{}, ErrInvalidContent
	}

	var conv models.Conversation
	err := f.retryTransient(ctx, func() error {
		var err error
		conv, _, err = f.conversations.FindOrCreate(ctx, convType, orderID, specs)
		return err
	})
	return conv, err
}

// ListConversations returns the caller's conversations, newest activity
// first, decorated with the other participants' display identities. Resolver
// failures degrade to placeholder names; they never fail the listing.
func (f *Facade) ListConversations(ctx context.Context, userID int64) ([]models.ConversationSummary, error) {
	summaries, err := f.conversations.ListForUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	idSet := map[int64]struct{}{}
	ids := make([]int64, 0)
	for _, s := range summaries {
		for _, id := range s.OtherUserIDs {
			if _, ok := idSet[id]; !ok {
				idSet[id] = struct{}{}
				ids = append(ids, id)
			}
		}
	}

	profiles, err := f.resolver.BulkResolve(ctx, ids)
	if err != nil {
		f.logger.Warn("profile resolve failed, using placeholders", "error", err)
		profiles = map[int64]profile.Profile{}
	}

	for i := range summaries {
		others := make([]models.ParticipantDisplay, 0, len(summaries[i].OtherUserIDs))
		for _, id := range summaries[i].OtherUserIDs {
			p, ok := profiles[id]
			if !ok {
				p = profile.Placeholder(id)
			}
			others = append(others, models.ParticipantDisplay{
				UserID:      id,
				DisplayName: p.DisplayName,
				AvatarURL:   p.AvatarURL,
				Role:        p.Role,
			})
		}
		summaries[i].OtherParticipants = others
	}
	return summaries, nil
}

// ConversationPage is the initial (or subsequent) window into a conversation.
// Messages are ascending; NextCursor pages further into the past and is empty
// once history is exhausted.
type ConversationPage struct {
	Conversation models.Conversation  `json:"conversation"`
	Participants []models.Participant `json:"participants"`
	Messages     []models.Message     `json:"messages"`
	NextCursor   string               `json:"next_cursor,omitempty"`
}

// OpenConversation returns participants plus the newest page of messages.
func (f *Facade) OpenConversation(ctx context.Context, conversationID, userID int64) (ConversationPage, error) {
	conv, err := f.conversations.Get(ctx, conversationID)
	if err != nil {
		return ConversationPage{}, err
	}
	if err := f.requireParticipant(ctx, conversationID, userID); err != nil {
		return ConversationPage{}, err
	}

	participants, err := f.participants.ListParticipants(ctx, conversationID)
	if err != nil {
		return ConversationPage{}, err
	}

	messages, next, err := f.page(ctx, conversationID, nil)
	if err != nil {
		return ConversationPage{}, err
	}

	return ConversationPage{
		Conversation: conv,
		Participants: participants,
		Messages:     messages,
		NextCursor:   next,
	}, nil
}

// LoadMore returns the page of messages strictly older than the cursor.
func (f *Facade) LoadMore(ctx context.Context, conversationID, userID int64, cursorToken string) ([]models.Message, string, error) {
	if err := f.requireParticipant(ctx, conversationID, userID); err != nil {
		return nil, "", err
	}

	var before *models.Cursor
	if cursorToken != "" {
		cursor, err := models.DecodeCursor(cursorToken)
		if err != nil {
			return nil, "", ErrInvalidContent
		}
		before = &cursor
	}
	return f.page(ctx, conversationID, before)
}

func (f *Facade) page(ctx context.Context, conversationID int64, before *models.Cursor) ([]models.Message, string, error) {
	descending, err := f.messages.List(ctx, conversationID, f.opts.PageSize, before)
	if err != nil {
		return nil, "", err
	}

	next := ""
	if len(descending) == f.opts.PageSize {
		next = models.CursorFor(descending[len(descending)-1]).Encode()
	}

	// Store order is newest-first; display order is oldest-first.
	ascending := make([]models.Message, 0, len(descending))
	for i := len(descending) - 1; i >= 0; i-- {
		ascending = append(ascending, descending[i])
	}
	return ascending, next, nil
}

// Send runs the optimistic state machine: the provisional entry lands in the
// session view immediately and the append proceeds in the background. The
// returned handle reaches Confirmed or Failed within the send timeout.
func (f *Facade) Send(ctx context.Context, session *Session, conversationID int64, content models.MessageContent) (*PendingSend, error) {
	if err := repositories.ValidateContent(content); err != nil {
		return nil, err
	}
	if ok, retryAfter := f.limiter.allow(session.UserID); !ok {
		return nil, &RateLimitedError{RetryAfter: retryAfter}
	}

	pending := session.begin(conversationID, content)
	go f.performSend(session, pending)
	return pending, nil
}

// Retry re-runs a failed send under the same correlation id, so duplicate
// suppression keeps working if the first attempt actually landed.
func (f *Facade) Retry(ctx context.Context, session *Session, correlationID string) (*PendingSend, error) {
	if ok, retryAfter := f.limiter.allow(session.UserID); !ok {
		return nil, &RateLimitedError{RetryAfter: retryAfter}
	}

	pending, ok := session.takeForRetry(correlationID)
	if !ok {
		return nil, ErrMessageNotFound
	}
	go f.performSend(session, pending)
	return pending, nil
}

func (f *Facade) performSend(session *Session, pending *PendingSend) {
	ctx, cancel := context.WithTimeout(context.Background(), f.opts.SendTimeout)
	defer cancel()

	if err := f.requireParticipant(ctx, pending.ConversationID, session.UserID); err != nil {
		session.fail(pending.CorrelationID, err)
		observability.IncSend("failed")
		return
	}

	var msg models.Message
	err := f.retryTransient(ctx, func() error {
		var err error
		msg, err = f.messages.Append(ctx, pending.ConversationID, session.UserID, pending.Content())
		return err
	})
	if err != nil {
		f.logger.Error("send failed", "conversation_id", pending.ConversationID, "user_id", session.UserID, "error", err)
		session.fail(pending.CorrelationID, err)
		observability.IncSend("failed")
		return
	}

	session.confirm(pending.CorrelationID, msg)
	observability.IncSend("confirmed")

	// The message is durable from here on. Counter, fan-out and push are
	// follow-ups: log failures, do not undo the send.
	if err := f.retryTransient(ctx, func() error {
		return f.participants.OnMessageAppended(ctx, pending.ConversationID, session.UserID)
	}); err != nil {
		f.logger.Error("unread bump failed", "conversation_id", pending.ConversationID, "error", err)
	}

	recipients := f.otherParticipantIDs(ctx, pending.ConversationID, session.UserID)
	f.hub.Publish(models.Event{
		Type:           models.EventMessage,
		ConversationID: pending.ConversationID,
		Message:        &msg,
		CorrelationID:  pending.CorrelationID,
		Recipients:     append([]int64{session.UserID}, recipients...),
	})

	f.notifyRecipients(ctx, session.UserID, recipients, msg)
}

func (f *Facade) notifyRecipients(ctx context.Context, senderID int64, recipients []int64, msg models.Message) {
	senderName := ""
	if p, err := f.resolver.Resolve(ctx, senderID); err == nil {
		senderName = p.DisplayName
	}

	summary := notify.Summary{
		ConversationID: msg.ConversationID,
		MessageID:      msg.ID,
		SenderID:       senderID,
		SenderName:     senderName,
		Preview:        msg.Content.Preview(),
		SentAt:         msg.CreatedAt,
	}
	for _, userID := range recipients {
		f.notifier.Notify(ctx, userID, summary)
	}
}

// MarkRead zeroes the caller's unread counter for the conversation and tells
// the caller's other devices through the hub.
func (f *Facade) MarkRead(ctx context.Context, conversationID, userID int64) error {
	if _, err := f.conversations.Get(ctx, conversationID); err != nil {
		return err
	}

	err := f.retryTransient(ctx, func() error {
		return f.participants.MarkRead(ctx, conversationID, userID)
	})
	if err != nil {
		if errors.Is(err, repositories.ErrParticipantNotFound) {
			return ErrForbidden
		}
		return err
	}

	f.hub.Publish(models.Event{
		Type:           models.EventRead,
		ConversationID: conversationID,
		UserID:         userID,
		Recipients:     []int64{userID},
	})
	return nil
}

// ArchiveConversation hides the conversation from listings. The thread and
// its history stay durable; only participants may archive.
func (f *Facade) ArchiveConversation(ctx context.Context, conversationID, userID int64) error {
	if err := f.requireParticipant(ctx, conversationID, userID); err != nil {
		return err
	}
	return f.conversations.Archive(ctx, conversationID)
}

// TotalUnread is the badge count: unread summed across conversations.
func (f *Facade) TotalUnread(ctx context.Context, userID int64) (int, error) {
	return f.participants.TotalUnread(ctx, userID)
}

// EditMessage updates content; only the original sender may edit.
func (f *Facade) EditMessage(ctx context.Context, conversationID, userID, messageID int64, content models.MessageContent) (models.Message, error) {
	msg, err := f.messages.Get(ctx, messageID)
	if err != nil {
		return models.Message{}, err
	}
	if msg.ConversationID != conversationID {
		return models.Message{}, ErrMessageNotFound
	}
	if msg.SenderID != userID {
		return models.Message{}, ErrForbidden
	}

	updated, err := f.messages.Edit(ctx, messageID, content)
	if err != nil {
		return models.Message{}, err
	}

	f.hub.Publish(models.Event{
		Type:           models.EventMessageEdited,
		ConversationID: conversationID,
		Message:        &updated,
		Recipients:     f.participantIDs(ctx, conversationID),
	})
	return updated, nil
}

// DeleteMessage soft-deletes; only the original sender may delete.
func (f *Facade) DeleteMessage(ctx context.Context, conversationID, userID, messageID int64) error {
	msg, err := f.messages.Get(ctx, messageID)
	if err != nil {
		return err
	}
	if msg.ConversationID != conversationID {
		return ErrMessageNotFound
	}
	if msg.SenderID != userID {
		return ErrForbidden
	}

	if err := f.messages.SoftDelete(ctx, messageID); err != nil {
		return err
	}

	f.hub.Publish(models.Event{
		Type:           models.EventMessageDeleted,
		ConversationID: conversationID,
		MessageID:      messageID,
		Recipients:     f.participantIDs(ctx, conversationID),
	})
	return nil
}

// Search matches a substring against the conversation's text messages.
func (f *Facade) Search(ctx context.Context, conversationID, userID int64, query string, limit int) ([]models.Message, error) {
	if err := f.requireParticipant(ctx, conversationID, userID); err != nil {
		return nil, err
	}
	return f.messages.Search(ctx, conversationID, query, limit)
}

// SubscribeLive attaches a live event stream for the scope. The caller owns
// the handle and must Unsubscribe when done; after a drop it reconciles by
// paging from its last-known cursor.
func (f *Facade) SubscribeLive(scope fanout.Scope) *fanout.Subscription {
	return f.hub.Subscribe(scope)
}

// Unsubscribe releases a live handle.
func (f *Facade) Unsubscribe(sub *fanout.Subscription) {
	f.hub.Unsubscribe(sub)
}

// CanAccess reports whether the user may read the conversation: nil, or the
// not-found/forbidden error to surface.
func (f *Facade) CanAccess(ctx context.Context, conversationID, userID int64) error {
	return f.requireParticipant(ctx, conversationID, userID)
}

func (f *Facade) requireParticipant(ctx context.Context, conversationID, userID int64) error {
	member, err := f.participants.IsParticipant(ctx, conversationID, userID)
	if err != nil {
		return err
	}
	if !member {
		// Distinguish a missing conversation from a non-member.
		if _, convErr := f.conversations.Get(ctx, conversationID); convErr != nil {
			return convErr
		}
		return ErrForbidden
	}
	return nil
}

func (f *Facade) participantIDs(ctx context.Context, conversationID int64) []int64 {
	participants, err := f.participants.ListParticipants(ctx, conversationID)
	if err != nil {
		f.logger.Warn("participant listing failed", "conversation_id", conversationID, "error", err)
		return nil
	}
	ids := make([]int64, 0, len(participants))
	for _, p := range participants {
		ids = append(ids, p.UserID)
	}
	return ids
}

func (f *Facade) otherParticipantIDs(ctx context.Context, conversationID, userID int64) []int64 {
	ids := f.participantIDs(ctx, conversationID)
	others := ids[:0]
	for _, id := range ids {
		if id != userID {
			others = append(others, id)
		}
	}
	return others
}

// retryTransient retries the operation on transient store errors with capped
// exponential backoff. Caller errors pass through untouched.
func (f *Facade) retryTransient(ctx context.Context, op func() error) error {
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if isTransient(err) {
			return err
		}
		return backoff.Permanent(err)
	}, policy)
}
