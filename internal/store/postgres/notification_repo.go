package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/stancp327/Fetchwork-sub000/internal/domain"
	"github.com/stancp327/Fetchwork-sub000/internal/store"
)

type NotificationRepo struct {
	db *sql.DB
}

func NewNotificationRepo(db *sql.DB) *NotificationRepo {
	return &NotificationRepo{db: db}
}

var _ domain.NotificationRepository = (*NotificationRepo)(nil)

func (r *NotificationRepo) Create(ctx context.Context, n *domain.Notification) error {
	convID, roomID := store.ThreadColumns(n.Thread)
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO notifications (user_id, kind, message_id, sender_id, conversation_id, room_id, preview, is_read, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, FALSE, $8)
		ON CONFLICT (user_id, message_id, kind) DO NOTHING
		RETURNING id
	`, n.UserID, string(n.Kind), n.MessageID, n.SenderID, convID, roomID, n.Preview, n.CreatedAt).Scan(&n.ID)
	if errors.Is(err, sql.ErrNoRows) {
		err = r.db.QueryRowContext(ctx, `
			SELECT id FROM notifications WHERE user_id = $1 AND message_id = $2 AND kind = $3
		`, n.UserID, n.MessageID, string(n.Kind)).Scan(&n.ID)
	}
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

func (r *NotificationRepo) ListForUser(ctx context.Context, userID int64, unreadOnly bool, limit int) ([]*domain.Notification, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, user_id, kind, message_id, sender_id, conversation_id, room_id, preview, is_read, created_at
		FROM notifications
		WHERE user_id = $1 AND (NOT $2 OR NOT is_read)
		ORDER BY id DESC
		LIMIT $3
	`, userID, unreadOnly, limit)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	var res []*domain.Notification
	for rows.Next() {
		var (
			n              domain.Notification
			kind           string
			convID, roomID sql.NullInt64
		)
		if err := rows.Scan(&n.ID, &n.UserID, &kind, &n.MessageID, &n.SenderID,
			&convID, &roomID, &n.Preview, &n.IsRead, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		n.Kind = domain.NotificationKind(kind)
		n.Thread = store.ThreadFromColumns(convID, roomID)
		n.CreatedAt = n.CreatedAt.UTC()
		res = append(res, &n)
	}
	return res, rows.Err()
}

func (r *NotificationRepo) MarkRead(ctx context.Context, id, userID int64) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE notifications SET is_read = TRUE WHERE id = $1 AND user_id = $2
	`, id, userID)
	if err != nil {
		return fmt.Errorf("mark notification read: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NotFoundf("notification %d", id)
	}
	return nil
}
