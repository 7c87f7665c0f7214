package handlers

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"messaging-service/internal/fanout"
	"messaging-service/internal/messaging"
	"messaging-service/internal/middleware"
	"messaging-service/internal/mocks"
	"messaging-service/internal/models"
	"messaging-service/internal/profile"
)

type testEnv struct {
	conversations *mocks.ConversationRepositoryMock
	messages      *mocks.MessageRepositoryMock
	participants  *mocks.ParticipantRepositoryMock
	resolver      *mocks.ResolverMock
	notifier      *mocks.NotifierMock
	router        *gin.Engine
}

func newTestEnv(t *testing.T, opts ...messaging.Options) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	facadeOpts := messaging.Options{}
	if len(opts) > 0 {
		facadeOpts = opts[0]
	}

	env := &testEnv{
		conversations: new(mocks.ConversationRepositoryMock),
		messages:      new(mocks.MessageRepositoryMock),
		participants:  new(mocks.ParticipantRepositoryMock),
		resolver:      new(mocks.ResolverMock),
		notifier:      new(mocks.NotifierMock),
	}
	facade := messaging.NewFacade(
		env.conversations, env.messages, env.participants,
		fanout.NewHub(), env.resolver, env.notifier,
		slog.Default(), facadeOpts,
	)

	conversationHandler := NewConversationHandler(facade)
	messageHandler := NewMessageHandler(facade)

	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set(middleware.UserIDKey, int64(1))
		c.Next()
	})
	r.GET("/conversations", conversationHandler.List)
	r.POST("/conversations", conversationHandler.Open)
	r.GET("/conversations/:conversation_id", conversationHandler.Get)
	r.POST("/conversations/:conversation_id/read", conversationHandler.MarkRead)
	r.POST("/conversations/:conversation_id/archive", conversationHandler.Archive)
	r.GET("/unread", conversationHandler.TotalUnread)
	r.GET("/conversations/:conversation_id/messages", messageHandler.ListPage)
	r.POST("/conversations/:conversation_id/messages", messageHandler.Post)
	r.PATCH("/conversations/:conversation_id/messages/:message_id", messageHandler.Edit)
	r.DELETE("/conversations/:conversation_id/messages/:message_id", messageHandler.Delete)
	r.GET("/conversations/:conversation_id/search", messageHandler.Search)
	env.router = r
	return env
}

func (e *testEnv) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func TestListConversationsSuccess(t *testing.T) {
	env := newTestEnv(t)

	env.conversations.On("ListForUser", mock.Anything, int64(1)).Return([]models.ConversationSummary{
		{ConversationID: 5, Type: models.ConversationDirect, OtherUserIDs: []int64{2}, UnreadCount: 3},
	}, nil).Once()
	env.resolver.On("BulkResolve", mock.Anything, []int64{2}).
		Return(map[int64]profile.Profile{2: {UserID: 2, DisplayName: "bob"}}, nil).Once()

	rec := env.do(http.MethodGet, "/conversations", "")

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Conversations []models.ConversationSummary `json:"conversations"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp.Conversations, 1)
	assert.Equal(t, "bob", resp.Conversations[0].OtherParticipants[0].DisplayName)
	env.conversations.AssertExpectations(t)
	env.resolver.AssertExpectations(t)
}

func TestListConversationsRepoError(t *testing.T) {
	env := newTestEnv(t)

	env.conversations.On("ListForUser", mock.Anything, int64(1)).
		Return(([]models.ConversationSummary)(nil), assert.AnError).Once()

	rec := env.do(http.MethodGet, "/conversations", "")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestOpenConversationSuccess(t *testing.T) {
	env := newTestEnv(t)

	specs := []models.ParticipantSpec{{UserID: 1, Role: models.RoleCustomer}, {UserID: 2, Role: models.RoleDriver}}
	env.conversations.On("FindOrCreate", mock.Anything, models.ConversationOrder, "ord-77", specs).
		Return(models.Conversation{ID: 9, Type: models.ConversationOrder, OrderID: "ord-77"}, true, nil).Once()

	body := `{"type":"order","order_id":"ord-77","participants":[{"user_id":1,"role":"customer"},{"user_id":2,"role":"driver"}]}`
	rec := env.do(http.MethodPost, "/conversations", body)

	require.Equal(t, http.StatusOK, rec.Code)
	env.conversations.AssertExpectations(t)
}

func TestOpenConversationCallerMustParticipate(t *testing.T) {
	env := newTestEnv(t)

	body := `{"type":"direct","participants":[{"user_id":2},{"user_id":3}]}`
	rec := env.do(http.MethodPost, "/conversations", body)

	require.Equal(t, http.StatusForbidden, rec.Code)
	env.conversations.AssertNotCalled(t, "FindOrCreate")
}

func TestOpenConversationRejectsSingleParticipant(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodPost, "/conversations", `{"type":"direct","participants":[{"user_id":1}]}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetConversationNotFound(t *testing.T) {
	env := newTestEnv(t)

	env.conversations.On("Get", mock.Anything, int64(5)).
		Return(models.Conversation{}, messaging.ErrConversationNotFound).Once()

	rec := env.do(http.MethodGet, "/conversations/5", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetConversationForbiddenForNonMember(t *testing.T) {
	env := newTestEnv(t)

	env.conversations.On("Get", mock.Anything, int64(5)).Return(models.Conversation{ID: 5}, nil).Twice()
	env.participants.On("IsParticipant", mock.Anything, int64(5), int64(1)).Return(false, nil).Once()

	rec := env.do(http.MethodGet, "/conversations/5", "")
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestMarkReadSuccess(t *testing.T) {
	env := newTestEnv(t)

	env.conversations.On("Get", mock.Anything, int64(5)).Return(models.Conversation{ID: 5}, nil).Once()
	env.participants.On("MarkRead", mock.Anything, int64(5), int64(1)).Return(nil).Once()

	rec := env.do(http.MethodPost, "/conversations/5/read", "")
	require.Equal(t, http.StatusNoContent, rec.Code)
	env.participants.AssertExpectations(t)
}

func TestMarkReadInvalidID(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodPost, "/conversations/zero/read", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestArchiveConversation(t *testing.T) {
	env := newTestEnv(t)

	env.participants.On("IsParticipant", mock.Anything, int64(5), int64(1)).Return(true, nil).Once()
	env.conversations.On("Archive", mock.Anything, int64(5)).Return(nil).Once()

	rec := env.do(http.MethodPost, "/conversations/5/archive", "")
	require.Equal(t, http.StatusNoContent, rec.Code)
	env.conversations.AssertExpectations(t)
}

func TestTotalUnread(t *testing.T) {
	env := newTestEnv(t)

	env.participants.On("TotalUnread", mock.Anything, int64(1)).Return(7, nil).Once()

	rec := env.do(http.MethodGet, "/unread", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"total_unread":7}`, rec.Body.String())
}
