package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/eventchat/internal/logger"
	"github.com/eventchat/internal/model"
)

type MessageRepository struct {
	pool *pgxpool.Pool
}

func NewMessageRepository(pool *pgxpool.Pool) *MessageRepository {
	return &MessageRepository{pool: pool}
}

func (r *MessageRepository) Create(ctx context.Context, m *model.Message) error {
	defer logger.DeferLogDuration("msg.Create", time.Now())()
	var replyID, replySenderID, replySenderName, replyText *string
	if m.ReplyTo != nil {
		replyID = &m.ReplyTo.MessageID
		replySenderID = &m.ReplyTo.SenderID
		replySenderName = &m.ReplyTo.SenderName
		replyText = &m.ReplyTo.Text
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO messages (id, client_msg_id, event_id, sender_id, sender_name, sender_avatar, text, status,
		                       reply_to_id, reply_to_sender_id, reply_to_sender_name, reply_to_text, is_deleted, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		m.ID, m.ClientMsgID, m.EventID, m.SenderID, m.SenderName, m.SenderAvatar, m.Text, m.Status,
		replyID, replySenderID, replySenderName, replyText, m.IsDeleted, m.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("msgRepo.Create: %w", err)
	}
	return nil
}

const messageColumns = `id, client_msg_id, event_id, sender_id, sender_name, sender_avatar, text, status,
	reply_to_id, reply_to_sender_id, reply_to_sender_name, reply_to_text, is_deleted, created_at`

func scanMessage(row pgx.Row) (*model.Message, error) {
	m := &model.Message{}
	var replyID, replySenderID, replySenderName, replyText *string
	err := row.Scan(&m.ID, &m.ClientMsgID, &m.EventID, &m.SenderID, &m.SenderName, &m.SenderAvatar, &m.Text, &m.Status,
		&replyID, &replySenderID, &replySenderName, &replyText, &m.IsDeleted, &m.Timestamp)
	if err != nil {
		return nil, err
	}
	if replyID != nil {
		m.ReplyTo = &model.ReplyRef{MessageID: *replyID}
		if replySenderID != nil {
			m.ReplyTo.SenderID = *replySenderID
		}
		if replySenderName != nil {
			m.ReplyTo.SenderName = *replySenderName
		}
		if replyText != nil {
			m.ReplyTo.Text = *replyText
		}
	}
	return m, nil
}

func (r *MessageRepository) GetByID(ctx context.Context, id string) (*model.Message, error) {
	defer logger.DeferLogDuration("msg.GetByID", time.Now())()
	m, err := scanMessage(r.pool.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("msgRepo.GetByID: %w", err)
	}
	return m, nil
}

// GetByClientMsgID finds a message by its client send token. Used to answer a
// resend whose original ack was lost without persisting a duplicate.
func (r *MessageRepository) GetByClientMsgID(ctx context.Context, eventID, clientMsgID string) (*model.Message, error) {
	m, err := scanMessage(r.pool.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE event_id = $1 AND client_msg_id = $2`,
		eventID, clientMsgID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("msgRepo.GetByClientMsgID: %w", err)
	}
	return m, nil
}

// History returns the durable message list for an event in insertion order.
func (r *MessageRepository) History(ctx context.Context, eventID string, limit int) ([]model.Message, error) {
	defer logger.DeferLogDuration("msg.History", time.Now())()
	if limit <= 0 {
		limit = 200
	}
	rows, err := r.pool.Query(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE event_id = $1
		 ORDER BY created_at ASC, id ASC
		 LIMIT $2`, eventID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("msgRepo.History query: %w", err)
	}
	defer rows.Close()

	messages := make([]model.Message, 0, limit)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("msgRepo.History scan: %w", err)
		}
		messages = append(messages, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("msgRepo.History rows: %w", err)
	}
	return messages, nil
}

// SoftDelete tombstones a message: content is cleared, the row stays.
func (r *MessageRepository) SoftDelete(ctx context.Context, id string) error {
	defer logger.DeferLogDuration("msg.SoftDelete", time.Now())()
	tag, err := r.pool.Exec(ctx,
		`UPDATE messages SET is_deleted = true, text = '' WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("msgRepo.SoftDelete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateStatus applies a monotonic status transition; a downgrade or repeat
// matches no row and is reported as such so callers can skip the broadcast.
func (r *MessageRepository) UpdateStatus(ctx context.Context, id string, status model.MessageStatus) (bool, error) {
	defer logger.DeferLogDuration("msg.UpdateStatus", time.Now())()
	var allowed []string
	switch status {
	case model.StatusDelivered:
		allowed = []string{string(model.StatusSent)}
	case model.StatusRead:
		allowed = []string{string(model.StatusSent), string(model.StatusDelivered)}
	default:
		return false, fmt.Errorf("msgRepo.UpdateStatus: invalid target status %q", status)
	}
	tag, err := r.pool.Exec(ctx,
		`UPDATE messages SET status = $2 WHERE id = $1 AND status = ANY($3)`,
		id, status, allowed)
	if err != nil {
		return false, fmt.Errorf("msgRepo.UpdateStatus: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// MarkRead marks every other sender's unread message in the event as read and
// returns the affected ids for per-message status broadcasts.
func (r *MessageRepository) MarkRead(ctx context.Context, eventID, readerID string) ([]string, error) {
	defer logger.DeferLogDuration("msg.MarkRead", time.Now())()
	rows, err := r.pool.Query(ctx,
		`UPDATE messages SET status = 'read'
		 WHERE event_id = $1 AND sender_id <> $2 AND NOT is_deleted AND status IN ('sent', 'delivered')
		 RETURNING id`, eventID, readerID)
	if err != nil {
		return nil, fmt.Errorf("msgRepo.MarkRead: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("msgRepo.MarkRead scan: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("msgRepo.MarkRead rows: %w", err)
	}
	return ids, nil
}
