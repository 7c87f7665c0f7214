package messaging

import (
	"context"
	"database/sql/driver"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"messaging-service/internal/fanout"
	"messaging-service/internal/mocks"
	"messaging-service/internal/models"
	"messaging-service/internal/profile"
	"messaging-service/internal/repositories"
)

type facadeFixture struct {
	conversations *mocks.ConversationRepositoryMock
	messages      *mocks.MessageRepositoryMock
	participants  *mocks.ParticipantRepositoryMock
	resolver      *mocks.ResolverMock
	notifier      *mocks.NotifierMock
	hub           *fanout.Hub
	facade        *Facade
}

func newFacadeFixture(t *testing.T, opts Options) *facadeFixture {
	t.Helper()
	f := &facadeFixture{
		conversations: new(mocks.ConversationRepositoryMock),
		messages:      new(mocks.MessageRepositoryMock),
		participants:  new(mocks.ParticipantRepositoryMock),
		resolver:      new(mocks.ResolverMock),
		notifier:      new(mocks.NotifierMock),
		hub:           fanout.NewHub(),
	}
	f.facade = NewFacade(f.conversations, f.messages, f.participants, f.hub, f.resolver, f.notifier, slog.Default(), opts)
	return f
}

func (f *facadeFixture) assertExpectations(t *testing.T) {
	f.conversations.AssertExpectations(t)
	f.messages.AssertExpectations(t)
	f.participants.AssertExpectations(t)
	f.resolver.AssertExpectations(t)
	f.notifier.AssertExpectations(t)
}

func TestSendConfirmed(t *testing.T) {
	f := newFacadeFixture(t, Options{})
	session := NewSession(1)
	content := textContent("hello")
	stored := models.Message{ID: 42, ConversationID: 5, SenderID: 1, Content: content, CreatedAt: time.Now()}

	// The push notify is the last follow-up; it signals that the background
	// send finished before expectations are checked.
	notified := make(chan struct{})

	f.participants.On("IsParticipant", mock.Anything, int64(5), int64(1)).Return(true, nil).Once()
	f.messages.On("Append", mock.Anything, int64(5), int64(1), content).Return(stored, nil).Once()
	f.participants.On("OnMessageAppended", mock.Anything, int64(5), int64(1)).Return(nil).Once()
	f.participants.On("ListParticipants", mock.Anything, int64(5)).
		Return([]models.Participant{{UserID: 1}, {UserID: 2}}, nil).Once()
	f.resolver.On("Resolve", mock.Anything, int64(1)).Return(profile.Profile{UserID: 1, DisplayName: "alice"}, nil).Once()
	f.notifier.On("Notify", mock.Anything, int64(2), mock.AnythingOfType("notify.Summary")).
		Run(func(mock.Arguments) { close(notified) }).Once()

	recipient := f.hub.Subscribe(fanout.UserScope(2))
	defer f.hub.Unsubscribe(recipient)

	pending, err := f.facade.Send(context.Background(), session, 5, content)
	require.NoError(t, err)

	msg, err := pending.Wait(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 42, msg.ID)
	assert.Equal(t, StateConfirmed, pending.State())

	select {
	case ev := <-recipient.Events():
		assert.Equal(t, models.EventMessage, ev.Type)
		assert.Equal(t, pending.CorrelationID, ev.CorrelationID)
		assert.EqualValues(t, 42, ev.Message.ID)
	case <-time.After(time.Second):
		t.Fatal("recipient never saw the fan-out event")
	}

	select {
	case <-notified:
	case <-time.After(time.Second):
		t.Fatal("push notify never happened")
	}
	f.assertExpectations(t)
}

func TestSendRejectsInvalidContent(t *testing.T) {
	f := newFacadeFixture(t, Options{})
	session := NewSession(1)

	_, err := f.facade.Send(context.Background(), session, 5, textContent("   "))
	assert.ErrorIs(t, err, ErrInvalidContent)
	assert.Empty(t, session.Entries(), "rejected sends never enter the view")
}

func TestSendRateLimited(t *testing.T) {
	f := newFacadeFixture(t, Options{MessagesPerMinute: 1, SendTimeout: time.Second})
	session := NewSession(1)
	content := textContent("hello")
	stored := models.Message{ID: 1, ConversationID: 5, SenderID: 1, Content: content}

	f.participants.On("IsParticipant", mock.Anything, int64(5), int64(1)).Return(true, nil).Once()
	f.messages.On("Append", mock.Anything, int64(5), int64(1), content).Return(stored, nil).Once()
	f.participants.On("OnMessageAppended", mock.Anything, int64(5), int64(1)).Return(nil).Once()
	f.participants.On("ListParticipants", mock.Anything, int64(5)).Return([]models.Participant{{UserID: 1}}, nil).Once()
	f.resolver.On("Resolve", mock.Anything, int64(1)).Return(profile.Profile{}, nil).Maybe()

	first, err := f.facade.Send(context.Background(), session, 5, content)
	require.NoError(t, err)
	_, err = first.Wait(context.Background())
	require.NoError(t, err)

	_, err = f.facade.Send(context.Background(), session, 5, content)
	var limited *RateLimitedError
	require.ErrorAs(t, err, &limited)
	assert.Greater(t, limited.RetryAfter, time.Duration(0))
}

func TestSendFailsForNonParticipant(t *testing.T) {
	f := newFacadeFixture(t, Options{SendTimeout: time.Second})
	session := NewSession(9)

	f.participants.On("IsParticipant", mock.Anything, int64(5), int64(9)).Return(false, nil).Once()
	f.conversations.On("Get", mock.Anything, int64(5)).Return(models.Conversation{ID: 5}, nil).Once()

	pending, err := f.facade.Send(context.Background(), session, 5, textContent("hello"))
	require.NoError(t, err)

	_, err = pending.Wait(context.Background())
	assert.ErrorIs(t, err, ErrForbidden)
	assert.Equal(t, StateFailed, pending.State())
	f.assertExpectations(t)
}

func TestSendRetriesTransientAppend(t *testing.T) {
	f := newFacadeFixture(t, Options{SendTimeout: 5 * time.Second})
	session := NewSession(1)
	content := textContent("hello")
	stored := models.Message{ID: 42, ConversationID: 5, SenderID: 1, Content: content}

	f.participants.On("IsParticipant", mock.Anything, int64(5), int64(1)).Return(true, nil).Once()
	f.messages.On("Append", mock.Anything, int64(5), int64(1), content).Return(models.Message{}, driver.ErrBadConn).Once()
	f.messages.On("Append", mock.Anything, int64(5), int64(1), content).Return(stored, nil).Once()
	f.participants.On("OnMessageAppended", mock.Anything, int64(5), int64(1)).Return(nil).Once()
	f.participants.On("ListParticipants", mock.Anything, int64(5)).Return([]models.Participant{{UserID: 1}}, nil).Once()
	f.resolver.On("Resolve", mock.Anything, int64(1)).Return(profile.Profile{}, nil).Maybe()

	pending, err := f.facade.Send(context.Background(), session, 5, content)
	require.NoError(t, err)

	msg, err := pending.Wait(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 42, msg.ID)
	f.messages.AssertExpectations(t)
}

func TestSendDoesNotRetryCallerErrors(t *testing.T) {
	f := newFacadeFixture(t, Options{SendTimeout: time.Second})
	session := NewSession(1)
	content := textContent("hello")

	f.participants.On("IsParticipant", mock.Anything, int64(5), int64(1)).Return(true, nil).Once()
	f.messages.On("Append", mock.Anything, int64(5), int64(1), content).Return(models.Message{}, ErrConversationNotFound).Once()

	pending, err := f.facade.Send(context.Background(), session, 5, content)
	require.NoError(t, err)

	_, err = pending.Wait(context.Background())
	assert.ErrorIs(t, err, ErrConversationNotFound)
	f.messages.AssertExpectations(t)
}

func TestRetryReusesCorrelationID(t *testing.T) {
	f := newFacadeFixture(t, Options{SendTimeout: time.Second})
	session := NewSession(1)
	content := textContent("hello")
	stored := models.Message{ID: 42, ConversationID: 5, SenderID: 1, Content: content}

	resolved := make(chan struct{})

	f.participants.On("IsParticipant", mock.Anything, int64(5), int64(1)).Return(true, nil).Twice()
	f.messages.On("Append", mock.Anything, int64(5), int64(1), content).Return(models.Message{}, ErrConversationNotFound).Once()
	f.messages.On("Append", mock.Anything, int64(5), int64(1), content).Return(stored, nil).Once()
	f.participants.On("OnMessageAppended", mock.Anything, int64(5), int64(1)).Return(nil).Once()
	f.participants.On("ListParticipants", mock.Anything, int64(5)).Return([]models.Participant{{UserID: 1}}, nil).Once()
	f.resolver.On("Resolve", mock.Anything, int64(1)).Return(profile.Profile{}, nil).
		Run(func(mock.Arguments) { close(resolved) }).Once()

	first, err := f.facade.Send(context.Background(), session, 5, content)
	require.NoError(t, err)
	_, err = first.Wait(context.Background())
	require.Error(t, err)

	second, err := f.facade.Retry(context.Background(), session, first.CorrelationID)
	require.NoError(t, err)
	assert.Equal(t, first.CorrelationID, second.CorrelationID)

	msg, err := second.Wait(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 42, msg.ID)

	select {
	case <-resolved:
	case <-time.After(time.Second):
		t.Fatal("follow-ups never ran")
	}
	f.assertExpectations(t)
}

func TestFindOrCreateConversationValidatesType(t *testing.T) {
	f := newFacadeFixture(t, Options{})

	_, err := f.facade.FindOrCreateConversation(context.Background(), "bogus", "", nil)
	assert.ErrorIs(t, err, ErrInvalidContent)

	_, err = f.facade.FindOrCreateConversation(context.Background(), models.ConversationOrder, "", nil)
	assert.ErrorIs(t, err, ErrInvalidContent, "order conversations require an order id")
}

func TestListConversationsDegradesToPlaceholders(t *testing.T) {
	f := newFacadeFixture(t, Options{})

	f.conversations.On("ListForUser", mock.Anything, int64(1)).Return([]models.ConversationSummary{
		{ConversationID: 5, OtherUserIDs: []int64{2}},
	}, nil).Once()
	f.resolver.On("BulkResolve", mock.Anything, []int64{2}).Return(map[int64]profile.Profile(nil), assert.AnError).Once()

	summaries, err := f.facade.ListConversations(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	require.Len(t, summaries[0].OtherParticipants, 1)
	assert.Equal(t, "User 2", summaries[0].OtherParticipants[0].DisplayName)
	f.assertExpectations(t)
}

func TestMarkReadMapsMissingMembershipToForbidden(t *testing.T) {
	f := newFacadeFixture(t, Options{})

	f.conversations.On("Get", mock.Anything, int64(5)).Return(models.Conversation{ID: 5}, nil).Once()
	f.participants.On("MarkRead", mock.Anything, int64(5), int64(9)).Return(repositories.ErrParticipantNotFound).Once()

	err := f.facade.MarkRead(context.Background(), 5, 9)
	assert.ErrorIs(t, err, ErrForbidden)
	f.assertExpectations(t)
}

func TestMarkReadPublishesToOwnDevices(t *testing.T) {
	f := newFacadeFixture(t, Options{})

	f.conversations.On("Get", mock.Anything, int64(5)).Return(models.Conversation{ID: 5}, nil).Once()
	f.participants.On("MarkRead", mock.Anything, int64(5), int64(1)).Return(nil).Once()

	self := f.hub.Subscribe(fanout.UserScope(1))
	defer f.hub.Unsubscribe(self)

	require.NoError(t, f.facade.MarkRead(context.Background(), 5, 1))

	select {
	case ev := <-self.Events():
		assert.Equal(t, models.EventRead, ev.Type)
		assert.EqualValues(t, 5, ev.ConversationID)
	case <-time.After(time.Second):
		t.Fatal("read event never arrived")
	}
}

func TestEditMessageSenderOnly(t *testing.T) {
	f := newFacadeFixture(t, Options{})
	stored := models.Message{ID: 42, ConversationID: 5, SenderID: 2}

	f.messages.On("Get", mock.Anything, int64(42)).Return(stored, nil).Once()

	_, err := f.facade.EditMessage(context.Background(), 5, 1, 42, textContent("edited"))
	assert.ErrorIs(t, err, ErrForbidden)
	f.messages.AssertExpectations(t)
}

func TestEditMessageWrongConversationLooksMissing(t *testing.T) {
	f := newFacadeFixture(t, Options{})
	stored := models.Message{ID: 42, ConversationID: 6, SenderID: 1}

	f.messages.On("Get", mock.Anything, int64(42)).Return(stored, nil).Once()

	_, err := f.facade.EditMessage(context.Background(), 5, 1, 42, textContent("edited"))
	assert.ErrorIs(t, err, ErrMessageNotFound)
}

func TestDeleteMessagePublishesEvent(t *testing.T) {
	f := newFacadeFixture(t, Options{})
	stored := models.Message{ID: 42, ConversationID: 5, SenderID: 1}

	f.messages.On("Get", mock.Anything, int64(42)).Return(stored, nil).Once()
	f.messages.On("SoftDelete", mock.Anything, int64(42)).Return(nil).Once()
	f.participants.On("ListParticipants", mock.Anything, int64(5)).Return([]models.Participant{{UserID: 1}, {UserID: 2}}, nil).Once()

	sub := f.hub.Subscribe(fanout.ConversationScope(5))
	defer f.hub.Unsubscribe(sub)

	require.NoError(t, f.facade.DeleteMessage(context.Background(), 5, 1, 42))

	select {
	case ev := <-sub.Events():
		assert.Equal(t, models.EventMessageDeleted, ev.Type)
		assert.EqualValues(t, 42, ev.MessageID)
	case <-time.After(time.Second):
		t.Fatal("delete event never arrived")
	}
	f.assertExpectations(t)
}

func TestLoadMoreRejectsMalformedCursor(t *testing.T) {
	f := newFacadeFixture(t, Options{})

	f.participants.On("IsParticipant", mock.Anything, int64(5), int64(1)).Return(true, nil).Once()

	_, _, err := f.facade.LoadMore(context.Background(), 5, 1, "not-a-cursor")
	assert.ErrorIs(t, err, ErrInvalidContent)
}

func TestOpenConversationPaginates(t *testing.T) {
	f := newFacadeFixture(t, Options{PageSize: 2})
	now := time.Now().UTC()
	newest := models.Message{ID: 3, ConversationID: 5, CreatedAt: now}
	older := models.Message{ID: 2, ConversationID: 5, CreatedAt: now.Add(-time.Minute)}

	f.conversations.On("Get", mock.Anything, int64(5)).Return(models.Conversation{ID: 5}, nil).Once()
	f.participants.On("IsParticipant", mock.Anything, int64(5), int64(1)).Return(true, nil).Once()
	f.participants.On("ListParticipants", mock.Anything, int64(5)).Return([]models.Participant{{UserID: 1}}, nil).Once()
	f.messages.On("List", mock.Anything, int64(5), 2, (*models.Cursor)(nil)).
		Return([]models.Message{newest, older}, nil).Once()

	page, err := f.facade.OpenConversation(context.Background(), 5, 1)
	require.NoError(t, err)

	// Display order is oldest-first; a full page yields a cursor at the oldest row.
	require.Len(t, page.Messages, 2)
	assert.EqualValues(t, 2, page.Messages[0].ID)
	assert.EqualValues(t, 3, page.Messages[1].ID)
	require.NotEmpty(t, page.NextCursor)

	cursor, err := models.DecodeCursor(page.NextCursor)
	require.NoError(t, err)
	assert.EqualValues(t, 2, cursor.ID)
	f.assertExpectations(t)
}
