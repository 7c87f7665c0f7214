package repositories

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/jmoiron/sqlx"

	"messaging-service/internal/models"
)

var (
	ErrMessageNotFound = errors.New("message not found")
	ErrInvalidContent  = errors.New("invalid message content")
)

// MaxContentLength bounds text messages, in runes.
const MaxContentLength = 1000

// MessageRepository is the append log of messages per conversation.
type MessageRepository interface {
	Append(ctx context.Context, conversationID, senderID int64, content models.MessageContent) (models.Message, error)
	List(ctx context.Context, conversationID int64, limit int, before *models.Cursor) ([]models.Message, error)
	Get(ctx context.Context, messageID int64) (models.Message, error)
	Edit(ctx context.Context, messageID int64, content models.MessageContent) (models.Message, error)
	SoftDelete(ctx context.Context, messageID int64) error
	Search(ctx context.Context, conversationID int64, substring string, limit int) ([]models.Message, error)
}

// MessageRepo is a sqlx-backed MessageRepository.
type MessageRepo struct {
	db *sqlx.DB
}

// NewMessageRepo constructs MessageRepo.
func NewMessageRepo(db *sqlx.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

type messageRow struct {
	ID             int64      `db:"id"`
	ConversationID int64      `db:"conversation_id"`
	SenderID       int64      `db:"sender_id"`
	ContentType    string     `db:"content_type"`
	Body           string     `db:"body"`
	Payload        []byte     `db:"payload"`
	Edited         bool       `db:"edited"`
	EditedAt       *time.Time `db:"edited_at"`
	Deleted        bool       `db:"deleted"`
	CreatedAt      time.Time  `db:"created_at"`
}

func (r messageRow) toMessage() models.Message {
	return models.Message{
		ID:             r.ID,
		ConversationID: r.ConversationID,
		SenderID:       r.SenderID,
		Content: models.MessageContent{
			Type:    models.ContentType(r.ContentType),
			Text:    r.Body,
			Payload: r.Payload,
		},
		Edited:    r.Edited,
		EditedAt:  r.EditedAt,
		Deleted:   r.Deleted,
		CreatedAt: r.CreatedAt,
	}
}

const messageColumns = `id, conversation_id, sender_id, content_type, body, payload, edited, edited_at, deleted, created_at`

// ValidateContent rejects empty and oversized content before it reaches the store.
func ValidateContent(content models.MessageContent) error {
	switch content.Type {
	case models.ContentText:
		if strings.TrimSpace(content.Text) == "" {
			return ErrInvalidContent
		}
		if utf8.RuneCountInString(content.Text) > MaxContentLength {
			return ErrInvalidContent
		}
	case models.ContentSystem:
		if len(content.Payload) == 0 {
			return ErrInvalidContent
		}
	default:
		return ErrInvalidContent
	}
	return nil
}

// Append stores a message and bumps the conversation's activity timestamp in
// one transaction. Either both land or the caller observes an error.
func (r *MessageRepo) Append(ctx context.Context, conversationID, senderID int64, content models.MessageContent) (models.Message, error) {
	if err := ValidateContent(content); err != nil {
		return models.Message{}, err
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.Message{}, err
	}
	defer tx.Rollback()

	var row messageRow
	err = tx.QueryRowxContext(ctx,
		`INSERT INTO messages (conversation_id, sender_id, content_type, body, payload)
         VALUES ($1, $2, $3, $4, $5)
         RETURNING `+messageColumns,
		conversationID, senderID, string(content.Type), content.Text, nullableJSON(content.Payload),
	).StructScan(&row)
	if err != nil {
		if isForeignKeyViolation(err) {
			return models.Message{}, ErrConversationNotFound
		}
		return models.Message{}, err
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE conversations SET last_activity_at=$2 WHERE id=$1`, conversationID, row.CreatedAt)
	if err != nil {
		return models.Message{}, err
	}
	if count, err := res.RowsAffected(); err != nil {
		return models.Message{}, err
	} else if count == 0 {
		return models.Message{}, ErrConversationNotFound
	}

	if err := tx.Commit(); err != nil {
		return models.Message{}, err
	}
	return row.toMessage(), nil
}

// List returns up to limit non-deleted messages strictly older than the
// cursor, newest first. The cursor is a (created_at, id) value, so pages stay
// stable while new messages are appended.
func (r *MessageRepo) List(ctx context.Context, conversationID int64, limit int, before *models.Cursor) ([]models.Message, error) {
	if limit <= 0 {
		limit = 50
	}

	var rows []messageRow
	var err error
	if before != nil {
		err = r.db.SelectContext(ctx, &rows,
			`SELECT `+messageColumns+` FROM messages
             WHERE conversation_id=$1 AND deleted=FALSE
             AND (created_at, id) < ($2::timestamptz, $3::bigint)
             ORDER BY created_at DESC, id DESC LIMIT $4`,
			conversationID, before.CreatedAt, before.ID, limit)
	} else {
		err = r.db.SelectContext(ctx, &rows,
			`SELECT `+messageColumns+` FROM messages
             WHERE conversation_id=$1 AND deleted=FALSE
             ORDER BY created_at DESC, id DESC LIMIT $2`,
			conversationID, limit)
	}
	if err != nil {
		return nil, err
	}

	msgs := make([]models.Message, 0, len(rows))
	for _, row := range rows {
		msgs = append(msgs, row.toMessage())
	}
	return msgs, nil
}

// Get retrieves a single non-deleted message.
func (r *MessageRepo) Get(ctx context.Context, messageID int64) (models.Message, error) {
	var row messageRow
	err := r.db.GetContext(ctx, &row,
		`SELECT `+messageColumns+` FROM messages WHERE id=$1 AND deleted=FALSE`, messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, ErrMessageNotFound
	}
	if err != nil {
		return models.Message{}, err
	}
	return row.toMessage(), nil
}

// Edit replaces the content of a message and flags it edited. Sender
// authorization is enforced by the caller, not here.
func (r *MessageRepo) Edit(ctx context.Context, messageID int64, content models.MessageContent) (models.Message, error) {
	if err := ValidateContent(content); err != nil {
		return models.Message{}, err
	}

	var row messageRow
	err := r.db.QueryRowxContext(ctx,
		`UPDATE messages SET content_type=$2, body=$3, payload=$4, edited=TRUE, edited_at=NOW()
         WHERE id=$1 AND deleted=FALSE
         RETURNING `+messageColumns,
		messageID, string(content.Type), content.Text, nullableJSON(content.Payload),
	).StructScan(&row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, ErrMessageNotFound
	}
	if err != nil {
		return models.Message{}, err
	}
	return row.toMessage(), nil
}

// SoftDelete flags a message deleted. The row stays; default listings skip it.
func (r *MessageRepo) SoftDelete(ctx context.Context, messageID int64) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE messages SET deleted=TRUE WHERE id=$1 AND deleted=FALSE`, messageID)
	if err != nil {
		return err
	}
	count, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if count == 0 {
		return ErrMessageNotFound
	}
	return nil
}

// Search does a bounded case-insensitive substring match over non-deleted
// text content. Best-effort convenience, not an index-backed engine.
func (r *MessageRepo) Search(ctx context.Context, conversationID int64, substring string, limit int) ([]models.Message, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	pattern := "%" + escapeLike(substring) + "%"

	var rows []messageRow
	err := r.db.SelectContext(ctx, &rows,
		`SELECT `+messageColumns+` FROM messages
         WHERE conversation_id=$1 AND deleted=FALSE AND content_type='text' AND body ILIKE $2
         ORDER BY created_at DESC, id DESC LIMIT $3`,
		conversationID, pattern, limit)
	if err != nil {
		return nil, err
	}

	msgs := make([]models.Message, 0, len(rows))
	for _, row := range rows {
		msgs = append(msgs, row.toMessage())
	}
	return msgs, nil
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func nullableJSON(payload []byte) interface{} {
	if len(payload) == 0 {
		return nil
	}
	return payload
}
