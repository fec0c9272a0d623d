package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/stancp327/Fetchwork-sub000/internal/domain"
	"github.com/stancp327/Fetchwork-sub000/internal/store"
)

type ConversationRepo struct {
	db *sql.DB
}

func NewConversationRepo(db *sql.DB) *ConversationRepo {
	return &ConversationRepo{db: db}
}

var _ domain.ConversationRepository = (*ConversationRepo)(nil)

const conversationColumns = `id, participant_a, participant_b, job_id, conversation_type,
	last_message_content, last_message_sender, last_message_at,
	is_active, created_at, updated_at`

func (r *ConversationRepo) CreateDirect(ctx context.Context, c *domain.Conversation) error {
	c.ParticipantA, c.ParticipantB = domain.NormalizePair(c.ParticipantA, c.ParticipantB)
	c.Type = store.ConversationTypeFor(c.JobID)
	c.IsActive = true

	err := r.db.QueryRowContext(ctx, `
		INSERT INTO conversations (participant_a, participant_b, job_id, conversation_type, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, TRUE, $5, $6)
		ON CONFLICT DO NOTHING
		RETURNING id
	`, c.ParticipantA, c.ParticipantB, c.JobID, string(c.Type), c.CreatedAt, c.UpdatedAt).Scan(&c.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("conversation %d/%d: %w", c.ParticipantA, c.ParticipantB, domain.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("insert conversation: %w", err)
	}
	return nil
}

func (r *ConversationRepo) FindDirect(ctx context.Context, a, b int64, jobID string) (*domain.Conversation, error) {
	a, b = domain.NormalizePair(a, b)
	c, err := scanConversation(r.db.QueryRowContext(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations
		WHERE participant_a = $1 AND participant_b = $2 AND job_id = $3 AND is_active
	`, a, b, jobID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find conversation: %w", err)
	}
	return c, nil
}

func (r *ConversationRepo) GetByID(ctx context.Context, id int64) (*domain.Conversation, error) {
	c, err := scanConversation(r.db.QueryRowContext(ctx, `
		SELECT `+conversationColumns+` FROM conversations WHERE id = $1
	`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return c, nil
}

func (r *ConversationRepo) ListForUser(ctx context.Context, userID int64) ([]*domain.Conversation, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations
		WHERE (participant_a = $1 OR participant_b = $1) AND is_active
		ORDER BY updated_at DESC, id DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var res []*domain.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func (r *ConversationRepo) Deactivate(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, `UPDATE conversations SET is_active = FALSE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deactivate conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NotFoundf("conversation %d", id)
	}
	return nil
}

func scanConversation(s store.Scanner) (*domain.Conversation, error) {
	var (
		c        domain.Conversation
		convType string
		content  sql.NullString
		sender   sql.NullInt64
		sentAt   sql.NullTime
	)
	if err := s.Scan(
		&c.ID,
		&c.ParticipantA,
		&c.ParticipantB,
		&c.JobID,
		&convType,
		&content,
		&sender,
		&sentAt,
		&c.IsActive,
		&c.CreatedAt,
		&c.UpdatedAt,
	); err != nil {
		return nil, err
	}
	c.Type = domain.ConversationType(convType)
	c.CreatedAt = c.CreatedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	if sender.Valid {
		c.LastMessage = &domain.LastMessage{
			Content:  content.String,
			SenderID: sender.Int64,
			SentAt:   sentAt.Time.UTC(),
		}
	}
	return &c, nil
}
