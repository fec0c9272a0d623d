package domain

import (
	"fmt"
	"time"
)

// ThreadKind distinguishes the two kinds of message threads.
type ThreadKind string

const (
	ThreadConversation ThreadKind = "conversation"
	ThreadRoom         ThreadKind = "room"
)

// ThreadRef points at exactly one thread: a direct conversation or a room.
type ThreadRef struct {
	Kind ThreadKind
	ID   int64
}

func ConversationThread(id int64) ThreadRef { return ThreadRef{Kind: ThreadConversation, ID: id} }

func RoomThread(id int64) ThreadRef { return ThreadRef{Kind: ThreadRoom, ID: id} }

// ThreadFromIDs builds a ThreadRef from the pair of optional ids used on the
// wire. Exactly one of them must be set.
func ThreadFromIDs(conversationID, roomID int64) (ThreadRef, error) {
	switch {
	case conversationID != 0 && roomID != 0:
		return ThreadRef{}, Validationf("conversationId and roomId are mutually exclusive")
	case conversationID != 0:
		return ConversationThread(conversationID), nil
	case roomID != 0:
		return RoomThread(roomID), nil
	default:
		return ThreadRef{}, Validationf("conversationId or roomId is required")
	}
}

func (t ThreadRef) Validate() error {
	if t.ID <= 0 {
		return Validationf("thread id is required")
	}
	if t.Kind != ThreadConversation && t.Kind != ThreadRoom {
		return Validationf("unknown thread kind %q", t.Kind)
	}
	return nil
}

// Channel is the fan-out channel name for the thread.
func (t ThreadRef) Channel() string {
	return fmt.Sprintf("%s:%d", t.Kind, t.ID)
}

func (t ThreadRef) String() string { return t.Channel() }

// UserChannel is the personal channel every connection of a user joins.
func UserChannel(userID int64) string {
	return fmt.Sprintf("user:%d", userID)
}

// ConversationType is derived from the presence of a job reference.
type ConversationType string

const (
	ConversationGeneral ConversationType = "general"
	ConversationJob     ConversationType = "job"
)

// LastMessage is the summary cached on a conversation.
type LastMessage struct {
	Content  string
	SenderID int64
	SentAt   time.Time
}

// Conversation represents a two-party direct-message thread. The
// participant pair is stored normalized (ParticipantA < ParticipantB).
type Conversation struct {
	ID           int64
	ParticipantA int64
	ParticipantB int64
	JobID        string
	Type         ConversationType
	LastMessage  *LastMessage
	IsActive     bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// NormalizePair orders a participant pair so that {A,B} and {B,A} map to
// the same key.
func NormalizePair(a, b int64) (int64, int64) {
	if a > b {
		return b, a
	}
	return a, b
}

func (c *Conversation) HasParticipant(userID int64) bool {
	return c.ParticipantA == userID || c.ParticipantB == userID
}

// Other returns the participant that is not userID.
func (c *Conversation) Other(userID int64) int64 {
	if c.ParticipantA == userID {
		return c.ParticipantB
	}
	return c.ParticipantA
}

func (c *Conversation) Participants() []int64 {
	return []int64{c.ParticipantA, c.ParticipantB}
}

func (c *Conversation) Thread() ThreadRef { return ConversationThread(c.ID) }

// RoomRole is a member's role inside a room.
type RoomRole string

const (
	RoleAdmin     RoomRole = "admin"
	RoleModerator RoomRole = "moderator"
	RoleMember    RoomRole = "member"
)

func (r RoomRole) Valid() bool {
	switch r {
	case RoleAdmin, RoleModerator, RoleMember:
		return true
	}
	return false
}

// Elevated reports whether the role may manage membership.
func (r RoomRole) Elevated() bool {
	return r == RoleAdmin || r == RoleModerator
}

// DefaultMaxRoomMembers bounds room membership unless configured otherwise.
const DefaultMaxRoomMembers = 50

type RoomMember struct {
	UserID   int64
	Role     RoomRole
	JoinedAt time.Time
}

// Room represents a named multi-member group.
type Room struct {
	ID           int64
	Name         string
	Description  string
	Members      []RoomMember
	CreatedBy    int64
	JobID        string
	IsPrivate    bool
	IsActive     bool
	LastActivity time.Time
	CreatedAt    time.Time
}

func (r *Room) Member(userID int64) (RoomMember, bool) {
	for _, m := range r.Members {
		if m.UserID == userID {
			return m, true
		}
	}
	return RoomMember{}, false
}

func (r *Room) IsMember(userID int64) bool {
	_, ok := r.Member(userID)
	return ok
}

// CanManage reports whether userID may add or remove members.
func (r *Room) CanManage(userID int64) bool {
	m, ok := r.Member(userID)
	return ok && m.Role.Elevated()
}

func (r *Room) MemberIDs() []int64 {
	ids := make([]int64, len(r.Members))
	for i, m := range r.Members {
		ids[i] = m.UserID
	}
	return ids
}

func (r *Room) Thread() ThreadRef { return RoomThread(r.ID) }

// MessageKind is the content type of a message.
type MessageKind string

const (
	KindText   MessageKind = "text"
	KindFile   MessageKind = "file"
	KindImage  MessageKind = "image"
	KindSystem MessageKind = "system"
)

func (k MessageKind) Valid() bool {
	switch k {
	case KindText, KindFile, KindImage, KindSystem:
		return true
	}
	return false
}

type Attachment struct {
	URL      string `json:"url"`
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// Delivery is the delivery/read state of a message. Direct messages have a
// single reader and carry DirectDelivery; room messages carry RoomDelivery.
type Delivery interface {
	isDelivery()
}

type DirectDelivery struct {
	DeliveredAt *time.Time
	ReadAt      *time.Time
}

type RoomDelivery struct {
	DeliveredTo map[int64]time.Time
	ReadBy      map[int64]time.Time
}

func (*DirectDelivery) isDelivery() {}
func (*RoomDelivery) isDelivery()   {}

func NewRoomDelivery() *RoomDelivery {
	return &RoomDelivery{
		DeliveredTo: make(map[int64]time.Time),
		ReadBy:      make(map[int64]time.Time),
	}
}

// Message represents a single chat message in exactly one thread.
type Message struct {
	ID          int64
	SenderID    int64
	Thread      ThreadRef
	RecipientID int64 // direct messages only
	Content     string
	Kind        MessageKind
	Attachments []Attachment
	Mentions    []int64
	Delivery    Delivery
	IsDeleted   bool
	CreatedAt   time.Time
}

// DirectState returns the direct delivery state, or nil for room messages.
func (m *Message) DirectState() *DirectDelivery {
	d, _ := m.Delivery.(*DirectDelivery)
	return d
}

// RoomState returns the per-member delivery state, or nil for direct messages.
func (m *Message) RoomState() *RoomDelivery {
	d, _ := m.Delivery.(*RoomDelivery)
	return d
}

// Validate checks the structural invariants of a message before it is
// persisted.
func (m *Message) Validate() error {
	if err := m.Thread.Validate(); err != nil {
		return err
	}
	if m.SenderID <= 0 {
		return Validationf("sender is required")
	}
	switch m.Thread.Kind {
	case ThreadConversation:
		if m.RecipientID <= 0 {
			return Validationf("direct message requires a recipient")
		}
		if _, ok := m.Delivery.(*DirectDelivery); !ok {
			return Validationf("direct message requires direct delivery state")
		}
	case ThreadRoom:
		if m.RecipientID != 0 {
			return Validationf("room message cannot have a recipient")
		}
		if _, ok := m.Delivery.(*RoomDelivery); !ok {
			return Validationf("room message requires room delivery state")
		}
	}
	if !m.Kind.Valid() {
		return Validationf("unknown message type %q", m.Kind)
	}
	return nil
}

// NotificationKind identifies why a notification was raised.
type NotificationKind string

const (
	NotifyDirectMessage NotificationKind = "direct_message"
	NotifyMention       NotificationKind = "mention"
)

// Notification is raised for a user that was offline when a message
// addressed to them was sent.
type Notification struct {
	ID        int64
	UserID    int64
	Kind      NotificationKind
	MessageID int64
	SenderID  int64
	Thread    ThreadRef
	Preview   string
	IsRead    bool
	CreatedAt time.Time
}
