package domain

import (
	"context"
	"time"
)

// ConversationRepository defines persistence operations for conversations.
type ConversationRepository interface {
	// CreateDirect inserts a new active conversation. It returns ErrConflict
	// when an active conversation already exists for the same pair and job.
	CreateDirect(ctx context.Context, c *Conversation) error
	FindDirect(ctx context.Context, a, b int64, jobID string) (*Conversation, error)
	GetByID(ctx context.Context, id int64) (*Conversation, error)
	ListForUser(ctx context.Context, userID int64) ([]*Conversation, error)
	Deactivate(ctx context.Context, id int64) error
}

// RoomRepository defines persistence operations for rooms and membership.
type RoomRepository interface {
	// Create inserts the room and its initial members in one transaction.
	Create(ctx context.Context, r *Room) error
	GetByID(ctx context.Context, id int64) (*Room, error)
	ListForUser(ctx context.Context, userID int64) ([]*Room, error)
	// AddMember inserts a member unless the room already holds limit members.
	AddMember(ctx context.Context, roomID int64, m RoomMember, limit int) error
	RemoveMember(ctx context.Context, roomID, userID int64) error
	UpdateMemberRole(ctx context.Context, roomID, userID int64, role RoomRole) error
	Deactivate(ctx context.Context, id int64) error
}

// MessageRepository defines persistence operations for messages and their
// delivery/read state.
type MessageRepository interface {
	// Create inserts the message and touches its thread (conversation
	// last-message or room last-activity) atomically.
	Create(ctx context.Context, m *Message) error
	GetByID(ctx context.Context, id int64) (*Message, error)
	ListForThread(ctx context.Context, thread ThreadRef, beforeID int64, limit int) ([]*Message, error)
	SoftDelete(ctx context.Context, id int64) error

	// MarkDelivered stamps a direct message delivered. It reports false when
	// the message was already delivered.
	MarkDelivered(ctx context.Context, id int64, at time.Time) (bool, error)
	ListUndelivered(ctx context.Context, recipientID int64) ([]*Message, error)
	// MarkDirectRead marks the listed messages addressed to readerID in the
	// conversation read, returning the ids that transitioned.
	MarkDirectRead(ctx context.Context, conversationID, readerID int64, ids []int64, at time.Time) ([]int64, error)

	MarkRoomDelivered(ctx context.Context, messageID int64, userIDs []int64, at time.Time) error
	// ListUndeliveredRoom returns room messages the user has not received,
	// restricted to active rooms the user joined before the message was sent.
	ListUndeliveredRoom(ctx context.Context, userID int64, limit int) ([]*Message, error)
	MarkRoomRead(ctx context.Context, roomID, readerID int64, ids []int64, at time.Time) ([]int64, error)
}

// NotificationRepository persists offline notifications.
type NotificationRepository interface {
	// Create stores n once per user, message and kind. A repeated call
	// leaves the stored row untouched and loads its id into n.
	Create(ctx context.Context, n *Notification) error
	ListForUser(ctx context.Context, userID int64, unreadOnly bool, limit int) ([]*Notification, error)
	MarkRead(ctx context.Context, id, userID int64) error
}
