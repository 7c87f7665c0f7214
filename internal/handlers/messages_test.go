package handlers

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"messaging-service/internal/messaging"
	"messaging-service/internal/models"
	"messaging-service/internal/profile"
)

func TestPostMessageSuccess(t *testing.T) {
	env := newTestEnv(t)
	content := models.MessageContent{Type: models.ContentText, Text: "hello"}
	stored := models.Message{ID: 42, ConversationID: 5, SenderID: 1, Content: content, CreatedAt: time.Now()}

	env.participants.On("IsParticipant", mock.Anything, int64(5), int64(1)).Return(true, nil).Once()
	env.messages.On("Append", mock.Anything, int64(5), int64(1), content).Return(stored, nil).Once()
	env.participants.On("OnMessageAppended", mock.Anything, int64(5), int64(1)).Return(nil).Once()
	env.participants.On("ListParticipants", mock.Anything, int64(5)).
		Return([]models.Participant{{UserID: 1}, {UserID: 2}}, nil).Once()
	env.resolver.On("Resolve", mock.Anything, int64(1)).Return(profile.Profile{DisplayName: "alice"}, nil).Once()

	notified := make(chan struct{})
	env.notifier.On("Notify", mock.Anything, int64(2), mock.AnythingOfType("notify.Summary")).
		Run(func(mock.Arguments) { close(notified) }).Once()

	rec := env.do(http.MethodPost, "/conversations/5/messages", `{"content":{"type":"text","text":"hello"}}`)

	require.Equal(t, http.StatusCreated, rec.Code)
	var resp struct {
		Message       models.Message `json:"message"`
		CorrelationID string         `json:"correlation_id"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.EqualValues(t, 42, resp.Message.ID)
	assert.NotEmpty(t, resp.CorrelationID)

	select {
	case <-notified:
	case <-time.After(time.Second):
		t.Fatal("push notify never happened")
	}
	env.messages.AssertExpectations(t)
	env.notifier.AssertExpectations(t)
}

func TestPostMessageInvalidContent(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodPost, "/conversations/5/messages", `{"content":{"type":"text","text":"  "}}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	env.messages.AssertNotCalled(t, "Append")
}

func TestPostMessageToMissingConversation(t *testing.T) {
	env := newTestEnv(t)

	env.participants.On("IsParticipant", mock.Anything, int64(5), int64(1)).Return(false, nil).Once()
	env.conversations.On("Get", mock.Anything, int64(5)).
		Return(models.Conversation{}, messaging.ErrConversationNotFound).Once()

	rec := env.do(http.MethodPost, "/conversations/5/messages", `{"content":{"type":"text","text":"hi"}}`)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPostMessageRateLimited(t *testing.T) {
	env := newTestEnv(t, messaging.Options{MessagesPerMinute: 1})
	content := models.MessageContent{Type: models.ContentText, Text: "hi"}
	stored := models.Message{ID: 1, ConversationID: 5, SenderID: 1, Content: content}

	env.participants.On("IsParticipant", mock.Anything, int64(5), int64(1)).Return(true, nil).Once()
	env.messages.On("Append", mock.Anything, int64(5), int64(1), content).Return(stored, nil).Once()
	env.participants.On("OnMessageAppended", mock.Anything, int64(5), int64(1)).Return(nil).Once()
	env.participants.On("ListParticipants", mock.Anything, int64(5)).
		Return([]models.Participant{{UserID: 1}}, nil).Once()
	env.resolver.On("Resolve", mock.Anything, int64(1)).Return(profile.Profile{}, nil).Maybe()

	first := env.do(http.MethodPost, "/conversations/5/messages", `{"content":{"type":"text","text":"hi"}}`)
	require.Equal(t, http.StatusCreated, first.Code)

	second := env.do(http.MethodPost, "/conversations/5/messages", `{"content":{"type":"text","text":"hi"}}`)
	require.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.NotEmpty(t, second.Header().Get("Retry-After"))
}

func TestListMessagesPage(t *testing.T) {
	env := newTestEnv(t)
	now := time.Now().UTC()

	env.participants.On("IsParticipant", mock.Anything, int64(5), int64(1)).Return(true, nil).Once()
	env.messages.On("List", mock.Anything, int64(5), 50, (*models.Cursor)(nil)).
		Return([]models.Message{{ID: 2, ConversationID: 5, CreatedAt: now}}, nil).Once()

	rec := env.do(http.MethodGet, "/conversations/5/messages", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Messages   []models.Message `json:"messages"`
		NextCursor string           `json:"next_cursor"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp.Messages, 1)
	assert.Empty(t, resp.NextCursor, "short page means history is exhausted")
}

func TestListMessagesBadCursor(t *testing.T) {
	env := newTestEnv(t)

	env.participants.On("IsParticipant", mock.Anything, int64(5), int64(1)).Return(true, nil).Once()

	rec := env.do(http.MethodGet, "/conversations/5/messages?cursor=garbage", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEditMessageForbiddenForNonSender(t *testing.T) {
	env := newTestEnv(t)

	env.messages.On("Get", mock.Anything, int64(42)).
		Return(models.Message{ID: 42, ConversationID: 5, SenderID: 2}, nil).Once()

	rec := env.do(http.MethodPatch, "/conversations/5/messages/42", `{"content":{"type":"text","text":"edited"}}`)
	require.Equal(t, http.StatusForbidden, rec.Code)
	env.messages.AssertNotCalled(t, "Edit")
}

func TestDeleteMessageSuccess(t *testing.T) {
	env := newTestEnv(t)

	env.messages.On("Get", mock.Anything, int64(42)).
		Return(models.Message{ID: 42, ConversationID: 5, SenderID: 1}, nil).Once()
	env.messages.On("SoftDelete", mock.Anything, int64(42)).Return(nil).Once()
	env.participants.On("ListParticipants", mock.Anything, int64(5)).
		Return([]models.Participant{{UserID: 1}}, nil).Once()

	rec := env.do(http.MethodDelete, "/conversations/5/messages/42", "")
	require.Equal(t, http.StatusNoContent, rec.Code)
	env.messages.AssertExpectations(t)
}

func TestSearchRequiresQuery(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodGet, "/conversations/5/search", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSearchSuccess(t *testing.T) {
	env := newTestEnv(t)

	env.participants.On("IsParticipant", mock.Anything, int64(5), int64(1)).Return(true, nil).Once()
	env.messages.On("Search", mock.Anything, int64(5), "pickup", 0).
		Return([]models.Message{{ID: 3, ConversationID: 5}}, nil).Once()

	rec := env.do(http.MethodGet, "/conversations/5/search?q=pickup", "")
	require.Equal(t, http.StatusOK, rec.Code)
	env.messages.AssertExpectations(t)
}
