package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/stancp327/Fetchwork-sub000/internal/domain"
	"github.com/stancp327/Fetchwork-sub000/internal/store"
)

type MessageRepo struct {
	db *sql.DB
}

func NewMessageRepo(db *sql.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

var _ domain.MessageRepository = (*MessageRepo)(nil)

func (r *MessageRepo) Create(ctx context.Context, m *domain.Message) error {
	if err := m.Validate(); err != nil {
		return err
	}
	attachments, err := store.EncodeAttachments(m.Attachments)
	if err != nil {
		return err
	}
	mentions, err := store.EncodeIDs(m.Mentions)
	if err != nil {
		return err
	}
	convID, roomID := store.ThreadColumns(m.Thread)

	var recipient sql.NullInt64
	var deliveredAt, readAt sql.NullTime
	if d := m.DirectState(); d != nil {
		recipient = sql.NullInt64{Int64: m.RecipientID, Valid: true}
		deliveredAt = store.NullTime(d.DeliveredAt)
		readAt = store.NullTime(d.ReadAt)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var id int64
	if err := tx.QueryRowContext(ctx, `
		INSERT INTO messages (sender_id, conversation_id, room_id, recipient_id, content, message_type,
			attachments, mentions, delivered_at, read_at, is_deleted, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8::jsonb, $9, $10, FALSE, $11)
		RETURNING id
	`, m.SenderID, convID, roomID, recipient, m.Content, string(m.Kind),
		attachments, mentions, deliveredAt, readAt, m.CreatedAt).Scan(&id); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	var res sql.Result
	switch m.Thread.Kind {
	case domain.ThreadConversation:
		res, err = tx.ExecContext(ctx, `
			UPDATE conversations
			SET last_message_content = $1, last_message_sender = $2, last_message_at = $3, updated_at = $3
			WHERE id = $4
		`, m.Content, m.SenderID, m.CreatedAt, m.Thread.ID)
	case domain.ThreadRoom:
		res, err = tx.ExecContext(ctx, `UPDATE rooms SET last_activity = $1 WHERE id = $2`, m.CreatedAt, m.Thread.ID)
	}
	if err != nil {
		return fmt.Errorf("touch %s: %w", m.Thread, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NotFoundf("%s", m.Thread)
	}

	if rd := m.RoomState(); rd != nil {
		for userID, at := range rd.DeliveredTo {
			read := sql.NullTime{}
			if readAt, ok := rd.ReadBy[userID]; ok {
				read = sql.NullTime{Time: readAt, Valid: true}
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO message_receipts (message_id, user_id, delivered_at, read_at)
				VALUES ($1, $2, $3, $4)
			`, id, userID, at, read); err != nil {
				return fmt.Errorf("insert receipt: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	m.ID = id
	return nil
}

func (r *MessageRepo) GetByID(ctx context.Context, id int64) (*domain.Message, error) {
	m, err := store.ScanMessage(r.db.QueryRowContext(ctx, `
		SELECT `+store.MessageColumns+` FROM messages m WHERE m.id = $1
	`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	if err := r.loadReceipts(ctx, []*domain.Message{m}); err != nil {
		return nil, err
	}
	return m, nil
}

// ListForThread returns up to limit messages older than beforeID (or the
// newest when beforeID is zero), newest first.
func (r *MessageRepo) ListForThread(ctx context.Context, thread domain.ThreadRef, beforeID int64, limit int) ([]*domain.Message, error) {
	column := "m.conversation_id"
	if thread.Kind == domain.ThreadRoom {
		column = "m.room_id"
	}
	return r.query(ctx, `
		SELECT `+store.MessageColumns+`
		FROM messages m
		WHERE `+column+` = $1 AND ($2 = 0 OR m.id < $2)
		ORDER BY m.id DESC
		LIMIT $3
	`, thread.ID, beforeID, limit)
}

func (r *MessageRepo) SoftDelete(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, `UPDATE messages SET is_deleted = TRUE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NotFoundf("message %d", id)
	}
	return nil
}

func (r *MessageRepo) MarkDelivered(ctx context.Context, id int64, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE messages
		SET delivered_at = GREATEST(created_at, $1)
		WHERE id = $2 AND recipient_id IS NOT NULL AND delivered_at IS NULL
	`, at, id)
	if err != nil {
		return false, fmt.Errorf("mark delivered: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r *MessageRepo) ListUndelivered(ctx context.Context, recipientID int64) ([]*domain.Message, error) {
	return r.query(ctx, `
		SELECT `+store.MessageColumns+`
		FROM messages m
		WHERE m.recipient_id = $1 AND m.delivered_at IS NULL AND NOT m.is_deleted
		ORDER BY m.id
	`, recipientID)
}

func (r *MessageRepo) MarkDirectRead(ctx context.Context, conversationID, readerID int64, ids []int64, at time.Time) ([]int64, error) {
	ids = store.UniqueIDs(ids)
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := r.db.QueryContext(ctx, `
		UPDATE messages
		SET read_at = GREATEST(created_at, $1),
			delivered_at = COALESCE(delivered_at, GREATEST(created_at, $1))
		WHERE conversation_id = $2 AND recipient_id = $3 AND read_at IS NULL AND id = ANY($4)
		RETURNING id
	`, at, conversationID, readerID, ids)
	if err != nil {
		return nil, fmt.Errorf("mark read: %w", err)
	}
	return collectIDs(rows)
}

func (r *MessageRepo) MarkRoomDelivered(ctx context.Context, messageID int64, userIDs []int64, at time.Time) error {
	userIDs = store.UniqueIDs(userIDs)
	if len(userIDs) == 0 {
		return nil
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO message_receipts (message_id, user_id, delivered_at)
		SELECT m.id, u.user_id, GREATEST(m.created_at, $2)
		FROM messages m, UNNEST($3::bigint[]) AS u(user_id)
		WHERE m.id = $1
		ON CONFLICT (message_id, user_id)
		DO UPDATE SET delivered_at = COALESCE(message_receipts.delivered_at, EXCLUDED.delivered_at)
	`, messageID, at, userIDs)
	if err != nil {
		return fmt.Errorf("mark room delivered: %w", err)
	}
	return nil
}

func (r *MessageRepo) ListUndeliveredRoom(ctx context.Context, userID int64, limit int) ([]*domain.Message, error) {
	return r.query(ctx, `
		SELECT `+store.MessageColumns+`
		FROM messages m
		JOIN room_members rm ON rm.room_id = m.room_id AND rm.user_id = $1
		JOIN rooms r ON r.id = m.room_id AND r.is_active
		LEFT JOIN message_receipts mr ON mr.message_id = m.id AND mr.user_id = rm.user_id
		WHERE m.sender_id <> rm.user_id
			AND NOT m.is_deleted
			AND m.created_at >= rm.joined_at
			AND mr.delivered_at IS NULL
		ORDER BY m.id DESC
		LIMIT $2
	`, userID, limit)
}

func (r *MessageRepo) MarkRoomRead(ctx context.Context, roomID, readerID int64, ids []int64, at time.Time) ([]int64, error) {
	ids = store.UniqueIDs(ids)
	if len(ids) == 0 {
		return nil, nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// Row locks on the candidate messages serialize concurrent readers so
	// each transition is reported once.
	rows, err := tx.QueryContext(ctx, `
		SELECT m.id
		FROM messages m
		LEFT JOIN message_receipts mr ON mr.message_id = m.id AND mr.user_id = $2
		WHERE m.room_id = $1 AND m.sender_id <> $2 AND mr.read_at IS NULL AND m.id = ANY($3)
		ORDER BY m.id
		FOR UPDATE OF m
	`, roomID, readerID, ids)
	if err != nil {
		return nil, fmt.Errorf("select unread: %w", err)
	}
	unread, err := collectIDs(rows)
	if err != nil {
		return nil, err
	}
	if len(unread) == 0 {
		return nil, nil
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO message_receipts (message_id, user_id, delivered_at, read_at)
		SELECT m.id, $1, GREATEST(m.created_at, $2), GREATEST(m.created_at, $2)
		FROM messages m
		WHERE m.id = ANY($3)
		ON CONFLICT (message_id, user_id)
		DO UPDATE SET read_at = EXCLUDED.read_at,
			delivered_at = COALESCE(message_receipts.delivered_at, EXCLUDED.delivered_at)
	`, readerID, at, unread); err != nil {
		return nil, fmt.Errorf("mark room read: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return unread, nil
}

func (r *MessageRepo) query(ctx context.Context, query string, args ...any) ([]*domain.Message, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var res []*domain.Message
	for rows.Next() {
		m, err := store.ScanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		res = append(res, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := r.loadReceipts(ctx, res); err != nil {
		return nil, err
	}
	return res, nil
}

func (r *MessageRepo) loadReceipts(ctx context.Context, msgs []*domain.Message) error {
	byID := make(map[int64]*domain.RoomDelivery)
	var ids []int64
	for _, m := range msgs {
		if rd := m.RoomState(); rd != nil {
			byID[m.ID] = rd
			ids = append(ids, m.ID)
		}
	}
	if len(ids) == 0 {
		return nil
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT message_id, user_id, delivered_at, read_at
		FROM message_receipts
		WHERE message_id = ANY($1)
	`, ids)
	if err != nil {
		return fmt.Errorf("list receipts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			msgID, userID     int64
			deliveredAt, read sql.NullTime
		)
		if err := rows.Scan(&msgID, &userID, &deliveredAt, &read); err != nil {
			return fmt.Errorf("scan receipt: %w", err)
		}
		rd := byID[msgID]
		if deliveredAt.Valid {
			rd.DeliveredTo[userID] = deliveredAt.Time.UTC()
		}
		if read.Valid {
			rd.ReadBy[userID] = read.Time.UTC()
		}
	}
	return rows.Err()
}

func collectIDs(rows *sql.Rows) ([]int64, error) {
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
