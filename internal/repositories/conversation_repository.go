package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"messaging-service/internal/models"
)

var ErrConversationNotFound = errors.New("conversation not found")

// ConversationRepository maps participant sets to conversation ids.
type ConversationRepository interface {
	FindOrCreate(ctx context.Context, convType models.ConversationType, orderID string, specs []models.ParticipantSpec) (models.Conversation, bool, error)
	Get(ctx context.Context, conversationID int64) (models.Conversation, error)
	ListForUser(ctx context.Context, userID int64) ([]models.ConversationSummary, error)
	Archive(ctx context.Context, conversationID int64) error
}

// ConversationRepo is a sqlx-backed ConversationRepository.
type ConversationRepo struct {
	db *sqlx.DB
}

// NewConversationRepo constructs a ConversationRepo.
func NewConversationRepo(db *sqlx.DB) *ConversationRepo {
	return &ConversationRepo{db: db}
}

// ParticipantKey builds the canonical identity of a participant set: sorted
// user ids joined. Two calls with the same users in any order collide on the
// conversations uniqueness constraint.
func ParticipantKey(specs []models.ParticipantSpec) string {
	ids := make([]int64, 0, len(specs))
	for _, spec := range specs {
		ids = append(ids, spec.UserID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, strconv.FormatInt(id, 10))
	}
	return strings.Join(parts, ":")
}

// FindOrCreate converges concurrent callers on a single conversation row via
// the (conv_type, participant_key, order_id) uniqueness constraint and an
// insert-then-on-conflict-return-existing statement. The second return value
// reports whether the row was created by this call.
func (r *ConversationRepo) FindOrCreate(ctx context.Context, convType models.ConversationType, orderID string, specs []models.ParticipantSpec) (models.Conversation, bool, error) {
	if len(specs) < 2 {
		return models.Conversation{}, false, fmt.Errorf("conversation needs at least two participants")
	}
	seen := map[int64]struct{}{}
	for _, spec := range specs {
		if _, dup := seen[spec.UserID]; dup {
			return models.Conversation{}, false, fmt.Errorf("duplicate participant %d", spec.UserID)
		}
		seen[spec.UserID] = struct{}{}
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.Conversation{}, false, err
	}
	defer tx.Rollback()

	// The no-op DO UPDATE makes the statement return the surviving row for
	// both the winner and the losers of a concurrent insert race. xmax=0
	// distinguishes a fresh insert from a conflict hit.
	var conv models.Conversation
	var created bool
	err = tx.QueryRowxContext(ctx,
		`INSERT INTO conversations (conv_type, order_id, participant_key)
         VALUES ($1, $2, $3)
         ON CONFLICT (conv_type, participant_key, order_id)
         DO UPDATE SET conv_type = EXCLUDED.conv_type
         RETURNING id, conv_type, order_id, participant_key, archived, created_at, last_activity_at, (xmax = 0)`,
		string(convType), orderID, ParticipantKey(specs),
	).Scan(&conv.ID, &conv.Type, &conv.OrderID, &conv.ParticipantKey, &conv.Archived, &conv.CreatedAt, &conv.LastActivityAt, &created)
	if err != nil {
		return models.Conversation{}, false, err
	}

	if err := ensureParticipantsTx(ctx, tx, conv.ID, specs); err != nil {
		return models.Conversation{}, false, err
	}

	if err := tx.Commit(); err != nil {
		return models.Conversation{}, false, err
	}
	return conv, created, nil
}

// Get fetches a conversation by id.
func (r *ConversationRepo) Get(ctx context.Context, conversationID int64) (models.Conversation, error) {
	var conv models.Conversation
	err := r.db.GetContext(ctx, &conv,
		`SELECT id, conv_type, order_id, participant_key, archived, created_at, last_activity_at
         FROM conversations WHERE id=$1`, conversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Conversation{}, ErrConversationNotFound
	}
	return conv, err
}

// ListForUser returns the user's conversations newest-activity first, each
// with the caller's unread count, the other participants' ids and a preview
// of the latest visible message.
func (r *ConversationRepo) ListForUser(ctx context.Context, userID int64) ([]models.ConversationSummary, error) {
	query := `SELECT c.id, c.conv_type, c.order_id, c.last_activity_at,
            p.unread_count,
            COALESCE((SELECT array_agg(p2.user_id ORDER BY p2.user_id)
                      FROM participants p2
                      WHERE p2.conversation_id = c.id AND p2.user_id <> $1), '{}') AS other_user_ids,
            COALESCE(lm.preview, '') AS last_message_preview
        FROM conversations c
        JOIN participants p ON p.conversation_id = c.id AND p.user_id = $1
        LEFT JOIN LATERAL (
            SELECT CASE WHEN m.content_type = 'text' THEN m.body ELSE '[system]' END AS preview
            FROM messages m
            WHERE m.conversation_id = c.id AND m.deleted = FALSE
            ORDER BY m.created_at DESC, m.id DESC LIMIT 1
        ) lm ON TRUE
        WHERE c.archived = FALSE
        ORDER BY c.last_activity_at DESC, c.id DESC`

	var summaries []models.ConversationSummary
	if err := r.db.SelectContext(ctx, &summaries, query, userID); err != nil {
		return nil, err
	}
	return summaries, nil
}

// Archive soft-closes a conversation. There is no hard delete.
func (r *ConversationRepo) Archive(ctx context.Context, conversationID int64) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE conversations SET archived=TRUE WHERE id=$1`, conversationID)
	if err != nil {
		return err
	}
	count, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if count == 0 {
		return ErrConversationNotFound
	}
	return nil
}

func isForeignKeyViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23503"
	}
	return false
}
