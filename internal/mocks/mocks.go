package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"messaging-service/internal/models"
	"messaging-service/internal/notify"
	"messaging-service/internal/profile"
	"messaging-service/internal/repositories"
)

type ConversationRepositoryMock struct {
	mock.Mock
}

func (m *ConversationRepositoryMock) FindOrCreate(ctx context.Context, convType models.ConversationType, orderID string, specs []models.ParticipantSpec) (models.Conversation, bool, error) {
	args := m.Called(ctx, convType, orderID, specs)
	var conv models.Conversation
	if val := args.Get(0); val != nil {
		conv = val.(models.Conversation)
	}
	return conv, args.Bool(1), args.Error(2)
}

func (m *ConversationRepositoryMock) Get(ctx context.Context, conversationID int64) (models.Conversation, error) {
	args := m.Called(ctx, conversationID)
	var conv models.Conversation
	if val := args.Get(0); val != nil {
		conv = val.(models.Conversation)
	}
	return conv, args.Error(1)
}

func (m *ConversationRepositoryMock) ListForUser(ctx context.Context, userID int64) ([]models.ConversationSummary, error) {
	args := m.Called(ctx, userID)
	var list []models.ConversationSummary
	if val := args.Get(0); val != nil {
		list = val.([]models.ConversationSummary)
	}
	return list, args.Error(1)
}

func (m *ConversationRepositoryMock) Archive(ctx context.Context, conversationID int64) error {
	args := m.Called(ctx, conversationID)
	return args.Error(0)
}

type MessageRepositoryMock struct {
	mock.Mock
}

func (m *MessageRepositoryMock) Append(ctx context.Context, conversationID, senderID int64, content models.MessageContent) (models.Message, error) {
	args := m.Called(ctx, conversationID, senderID, content)
	var msg models.Message
	if val := args.Get(0); val != nil {
		msg = val.(models.Message)
	}
	return msg, args.Error(1)
}

func (m *MessageRepositoryMock) List(ctx context.Context, conversationID int64, limit int, before *models.Cursor) ([]models.Message, error) {
	args := m.Called(ctx, conversationID, limit, before)
	var msgs []models.Message
	if val := args.Get(0); val != nil {
		msgs = val.([]models.Message)
	}
	return msgs, args.Error(1)
}

func (m *MessageRepositoryMock) Get(ctx context.Context, messageID int64) (models.Message, error) {
	args := m.Called(ctx, messageID)
	var msg models.Message
	if val := args.Get(0); val != nil {
		msg = val.(models.Message)
	}
	return msg, args.Error(1)
}

func (m *MessageRepositoryMock) Edit(ctx context.Context, messageID int64, content models.MessageContent) (models.Message, error) {
	args := m.Called(ctx, messageID, content)
	var msg models.Message
	if val := args.Get(0); val != nil {
		msg = val.(models.Message)
	}
	return msg, args.Error(1)
}

func (m *MessageRepositoryMock) SoftDelete(ctx context.Context, messageID int64) error {
	args := m.Called(ctx, messageID)
	return args.Error(0)
}

func (m *MessageRepositoryMock) Search(ctx context.Context, conversationID int64, substring string, limit int) ([]models.Message, error) {
	args := m.Called(ctx, conversationID, substring, limit)
	var msgs []models.Message
	if val := args.Get(0); val != nil {
		msgs = val.([]models.Message)
	}
	return msgs, args.Error(1)
}

type ParticipantRepositoryMock struct {
	mock.Mock
}

func (m *ParticipantRepositoryMock) EnsureParticipants(ctx context.Context, conversationID int64, specs []models.ParticipantSpec) error {
	args := m.Called(ctx, conversationID, specs)
	return args.Error(0)
}

func (m *ParticipantRepositoryMock) OnMessageAppended(ctx context.Context, conversationID, senderID int64) error {
	args := m.Called(ctx, conversationID, senderID)
	return args.Error(0)
}

func (m *ParticipantRepositoryMock) MarkRead(ctx context.Context, conversationID, userID int64) error {
	args := m.Called(ctx, conversationID, userID)
	return args.Error(0)
}

func (m *ParticipantRepositoryMock) TotalUnread(ctx context.Context, userID int64) (int, error) {
	args := m.Called(ctx, userID)
	return args.Int(0), args.Error(1)
}

func (m *ParticipantRepositoryMock) ListParticipants(ctx context.Context, conversationID int64) ([]models.Participant, error) {
	args := m.Called(ctx, conversationID)
	var participants []models.Participant
	if val := args.Get(0); val != nil {
		participants = val.([]models.Participant)
	}
	return participants, args.Error(1)
}

func (m *ParticipantRepositoryMock) GetParticipant(ctx context.Context, conversationID, userID int64) (models.Participant, error) {
	args := m.Called(ctx, conversationID, userID)
	var p models.Participant
	if val := args.Get(0); val != nil {
		p = val.(models.Participant)
	}
	return p, args.Error(1)
}

func (m *ParticipantRepositoryMock) IsParticipant(ctx context.Context, conversationID, userID int64) (bool, error) {
	args := m.Called(ctx, conversationID, userID)
	return args.Bool(0), args.Error(1)
}

type ResolverMock struct {
	mock.Mock
}

func (m *ResolverMock) Resolve(ctx context.Context, userID int64) (profile.Profile, error) {
	args := m.Called(ctx, userID)
	var p profile.Profile
	if val := args.Get(0); val != nil {
		p = val.(profile.Profile)
	}
	return p, args.Error(1)
}

func (m *ResolverMock) BulkResolve(ctx context.Context, userIDs []int64) (map[int64]profile.Profile, error) {
	args := m.Called(ctx, userIDs)
	var profiles map[int64]profile.Profile
	if val := args.Get(0); val != nil {
		profiles = val.(map[int64]profile.Profile)
	}
	return profiles, args.Error(1)
}

type NotifierMock struct {
	mock.Mock
}

func (m *NotifierMock) Notify(ctx context.Context, userID int64, summary notify.Summary) {
	m.Called(ctx, userID, summary)
}

func (m *NotifierMock) Close() error {
	args := m.Called()
	return args.Error(0)
}

var _ repositories.ConversationRepository = (*ConversationRepositoryMock)(nil)
var _ repositories.MessageRepository = (*MessageRepositoryMock)(nil)
var _ repositories.ParticipantRepository = (*ParticipantRepositoryMock)(nil)
var _ profile.Resolver = (*ResolverMock)(nil)
var _ notify.Notifier = (*NotifierMock)(nil)
