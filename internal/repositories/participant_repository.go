package repositories

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"messaging-service/internal/models"
)

var ErrParticipantNotFound = errors.New("participant not found")

// ParticipantRepository owns the per-participant unread counters and read
// state. Increments and resets go through single UPDATE statements so the
// database's row locking serializes them; there is no read-then-write window.
type ParticipantRepository interface {
	EnsureParticipants(ctx context.Context, conversationID int64, specs []models.ParticipantSpec) error
	OnMessageAppended(ctx context.Context, conversationID, senderID int64) error
	MarkRead(ctx context.Context, conversationID, userID int64) error
	TotalUnread(ctx context.Context, userID int64) (int, error)
	ListParticipants(ctx context.Context, conversationID int64) ([]models.Participant, error)
	GetParticipant(ctx context.Context, conversationID, userID int64) (models.Participant, error)
	IsParticipant(ctx context.Context, conversationID, userID int64) (bool, error)
}

// ParticipantRepo is a sqlx-backed ParticipantRepository.
type ParticipantRepo struct {
	db *sqlx.DB
}

// NewParticipantRepo constructs ParticipantRepo.
func NewParticipantRepo(db *sqlx.DB) *ParticipantRepo {
	return &ParticipantRepo{db: db}
}

// EnsureParticipants inserts missing participant rows. Calling twice with the
// same set is a no-op the second time.
func (r *ParticipantRepo) EnsureParticipants(ctx context.Context, conversationID int64, specs []models.ParticipantSpec) error {
	return ensureParticipantsTx(ctx, r.db, conversationID, specs)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func ensureParticipantsTx(ctx context.Context, e execer, conversationID int64, specs []models.ParticipantSpec) error {
	for _, spec := range specs {
		role := spec.Role
		if role == "" {
			role = models.RoleCustomer
		}
		_, err := e.ExecContext(ctx,
			`INSERT INTO participants (conversation_id, user_id, role) VALUES ($1, $2, $3)
             ON CONFLICT (conversation_id, user_id) DO NOTHING`,
			conversationID, spec.UserID, string(role))
		if err != nil {
			return err
		}
	}
	return nil
}

// OnMessageAppended bumps the unread counter of every participant except the
// sender. A single UPDATE keeps concurrent sends from coalescing: two
// simultaneous messages always count as +2.
func (r *ParticipantRepo) OnMessageAppended(ctx context.Context, conversationID, senderID int64) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE participants SET unread_count = unread_count + 1
         WHERE conversation_id=$1 AND user_id<>$2`,
		conversationID, senderID)
	return err
}

// MarkRead zeroes the unread counter for one participant. It takes the same
// row lock the increment takes, so a message committing concurrently is never
// erased: whichever side settles second sees the other's effect.
func (r *ParticipantRepo) MarkRead(ctx context.Context, conversationID, userID int64) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE participants SET unread_count = 0, last_read_at = NOW()
         WHERE conversation_id=$1 AND user_id=$2`,
		conversationID, userID)
	if err != nil {
		return err
	}
	count, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if count == 0 {
		return ErrParticipantNotFound
	}
	return nil
}

// TotalUnread sums unread counters across all of the user's conversations.
func (r *ParticipantRepo) TotalUnread(ctx context.Context, userID int64) (int, error) {
	var total int
	err := r.db.GetContext(ctx, &total,
		`SELECT COALESCE(SUM(unread_count), 0) FROM participants WHERE user_id=$1`, userID)
	return total, err
}

// ListParticipants returns all participant rows of a conversation.
func (r *ParticipantRepo) ListParticipants(ctx context.Context, conversationID int64) ([]models.Participant, error) {
	var participants []models.Participant
	err := r.db.SelectContext(ctx, &participants,
		`SELECT conversation_id, user_id, role, unread_count, last_read_at, joined_at
         FROM participants WHERE conversation_id=$1 ORDER BY joined_at ASC, user_id ASC`,
		conversationID)
	return participants, err
}

// GetParticipant fetches one participant row.
func (r *ParticipantRepo) GetParticipant(ctx context.Context, conversationID, userID int64) (models.Participant, error) {
	var p models.Participant
	err := r.db.GetContext(ctx, &p,
		`SELECT conversation_id, user_id, role, unread_count, last_read_at, joined_at
         FROM participants WHERE conversation_id=$1 AND user_id=$2`,
		conversationID, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Participant{}, ErrParticipantNotFound
	}
	return p, err
}

// IsParticipant checks whether a user belongs to the conversation.
func (r *ParticipantRepo) IsParticipant(ctx context.Context, conversationID, userID int64) (bool, error) {
	var exists bool
	err := r.db.GetContext(ctx, &exists,
		`SELECT EXISTS(SELECT 1 FROM participants WHERE conversation_id=$1 AND user_id=$2)`,
		conversationID, userID)
	return exists, err
}
