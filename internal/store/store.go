// Package store holds the helpers shared by the SQL repository
// implementations in the sqlite and postgres subpackages.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/stancp327/Fetchwork-sub000/internal/domain"
)

// MessageColumns is the column list every message query selects, in the
// order ScanMessage expects.
const MessageColumns = `m.id, m.sender_id, m.conversation_id, m.room_id, m.recipient_id,
	m.content, m.message_type, m.attachments, m.mentions,
	m.delivered_at, m.read_at, m.is_deleted, m.created_at`

type Scanner interface {
	Scan(dest ...any) error
}

// ScanMessage reads one row selected with MessageColumns. Room messages are
// returned with an empty RoomDelivery; callers load receipts separately.
func ScanMessage(s Scanner) (*domain.Message, error) {
	var (
		m           domain.Message
		convID      sql.NullInt64
		roomID      sql.NullInt64
		recipientID sql.NullInt64
		kind        string
		attachments []byte
		mentions    []byte
		deliveredAt sql.NullTime
		readAt      sql.NullTime
	)
	if err := s.Scan(
		&m.ID,
		&m.SenderID,
		&convID,
		&roomID,
		&recipientID,
		&m.Content,
		&kind,
		&attachments,
		&mentions,
		&deliveredAt,
		&readAt,
		&m.IsDeleted,
		&m.CreatedAt,
	); err != nil {
		return nil, err
	}
	m.Kind = domain.MessageKind(kind)
	m.CreatedAt = m.CreatedAt.UTC()

	var err error
	if m.Attachments, err = DecodeAttachments(attachments); err != nil {
		return nil, err
	}
	if m.Mentions, err = DecodeIDs(mentions); err != nil {
		return nil, err
	}

	if roomID.Valid {
		m.Thread = domain.RoomThread(roomID.Int64)
		m.Delivery = domain.NewRoomDelivery()
	} else {
		m.Thread = domain.ConversationThread(convID.Int64)
		m.RecipientID = recipientID.Int64
		m.Delivery = &domain.DirectDelivery{
			DeliveredAt: TimePtr(deliveredAt),
			ReadAt:      TimePtr(readAt),
		}
	}
	return &m, nil
}

// ThreadColumns splits a thread into the nullable conversation_id and
// room_id column values.
func ThreadColumns(t domain.ThreadRef) (convID, roomID sql.NullInt64) {
	switch t.Kind {
	case domain.ThreadConversation:
		convID = sql.NullInt64{Int64: t.ID, Valid: true}
	case domain.ThreadRoom:
		roomID = sql.NullInt64{Int64: t.ID, Valid: true}
	}
	return convID, roomID
}

// ThreadFromColumns is the inverse of ThreadColumns.
func ThreadFromColumns(convID, roomID sql.NullInt64) domain.ThreadRef {
	if roomID.Valid {
		return domain.RoomThread(roomID.Int64)
	}
	return domain.ConversationThread(convID.Int64)
}

func EncodeAttachments(a []domain.Attachment) (string, error) {
	if len(a) == 0 {
		return "[]", nil
	}
	raw, err := json.Marshal(a)
	if err != nil {
		return "", fmt.Errorf("encode attachments: %w", err)
	}
	return string(raw), nil
}

func DecodeAttachments(raw []byte) ([]domain.Attachment, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var a []domain.Attachment
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, fmt.Errorf("decode attachments: %w", err)
	}
	if len(a) == 0 {
		return nil, nil
	}
	return a, nil
}

func EncodeIDs(ids []int64) (string, error) {
	if len(ids) == 0 {
		return "[]", nil
	}
	raw, err := json.Marshal(ids)
	if err != nil {
		return "", fmt.Errorf("encode ids: %w", err)
	}
	return string(raw), nil
}

func DecodeIDs(raw []byte) ([]int64, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var ids []int64
	if err := json.Unmarshal(raw, &ids); err != nil {
		return nil, fmt.Errorf("decode ids: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	return ids, nil
}

func NullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func TimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func NullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// UniqueIDs returns ids without duplicates or non-positive values,
// preserving first-seen order.
func UniqueIDs(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	res := make([]int64, 0, len(ids))
	for _, id := range ids {
		if id <= 0 {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		res = append(res, id)
	}
	return res
}

// ConversationTypeFor derives the conversation type from its job reference.
func ConversationTypeFor(jobID string) domain.ConversationType {
	if jobID != "" {
		return domain.ConversationJob
	}
	return domain.ConversationGeneral
}
