package protocol

import (
	"sort"
	"strconv"
	"time"

	"github.com/stancp327/Fetchwork-sub000/internal/domain"
)

type MessagePayload struct {
	ID             int64               `json:"id"`
	SenderID       int64               `json:"senderId"`
	ConversationID int64               `json:"conversationId,omitempty"`
	RoomID         int64               `json:"roomId,omitempty"`
	RecipientID    int64               `json:"recipientId,omitempty"`
	Content        string              `json:"content"`
	MessageType    domain.MessageKind  `json:"messageType"`
	Attachments    []domain.Attachment `json:"attachments,omitempty"`
	Mentions       []int64             `json:"mentions,omitempty"`
	DeliveredAt    *time.Time          `json:"deliveredAt,omitempty"`
	ReadAt         *time.Time          `json:"readAt,omitempty"`
	DeliveredTo    []int64             `json:"deliveredTo,omitempty"`
	ReadBy         []int64             `json:"readBy,omitempty"`
	IsDeleted      bool                `json:"isDeleted,omitempty"`
	CreatedAt      time.Time           `json:"createdAt"`
}

func NewMessagePayload(m *domain.Message) MessagePayload {
	p := MessagePayload{
		ID:          m.ID,
		SenderID:    m.SenderID,
		RecipientID: m.RecipientID,
		Content:     m.Content,
		MessageType: m.Kind,
		Attachments: m.Attachments,
		Mentions:    m.Mentions,
		IsDeleted:   m.IsDeleted,
		CreatedAt:   m.CreatedAt,
	}
	p.setThread(m.Thread)
	switch d := m.Delivery.(type) {
	case *domain.DirectDelivery:
		p.DeliveredAt = d.DeliveredAt
		p.ReadAt = d.ReadAt
	case *domain.RoomDelivery:
		p.DeliveredTo = sortedKeys(d.DeliveredTo)
		p.ReadBy = sortedKeys(d.ReadBy)
	}
	if m.IsDeleted {
		p.Content = ""
		p.Attachments = nil
	}
	return p
}

func NewMessagePayloads(msgs []*domain.Message) []MessagePayload {
	res := make([]MessagePayload, len(msgs))
	for i, m := range msgs {
		res[i] = NewMessagePayload(m)
	}
	return res
}

func (p *MessagePayload) setThread(t domain.ThreadRef) {
	switch t.Kind {
	case domain.ThreadConversation:
		p.ConversationID = t.ID
	case domain.ThreadRoom:
		p.RoomID = t.ID
	}
}

// Thread reports the thread the message belongs to.
func (p MessagePayload) Thread() domain.ThreadRef {
	if p.RoomID != 0 {
		return domain.RoomThread(p.RoomID)
	}
	return domain.ConversationThread(p.ConversationID)
}

type LastMessagePayload struct {
	Content  string    `json:"content"`
	SenderID int64     `json:"senderId"`
	SentAt   time.Time `json:"sentAt"`
}

type ConversationPayload struct {
	ID           int64                   `json:"id"`
	Participants []int64                 `json:"participants"`
	JobID        string                  `json:"jobId,omitempty"`
	Type         domain.ConversationType `json:"conversationType"`
	LastMessage  *LastMessagePayload     `json:"lastMessage,omitempty"`
	IsActive     bool                    `json:"isActive"`
	CreatedAt    time.Time               `json:"createdAt"`
	UpdatedAt    time.Time               `json:"updatedAt"`
}

func NewConversationPayload(c *domain.Conversation) ConversationPayload {
	p := ConversationPayload{
		ID:           c.ID,
		Participants: c.Participants(),
		JobID:        c.JobID,
		Type:         c.Type,
		IsActive:     c.IsActive,
		CreatedAt:    c.CreatedAt,
		UpdatedAt:    c.UpdatedAt,
	}
	if lm := c.LastMessage; lm != nil {
		p.LastMessage = &LastMessagePayload{Content: lm.Content, SenderID: lm.SenderID, SentAt: lm.SentAt}
	}
	return p
}

func NewConversationPayloads(convs []*domain.Conversation) []ConversationPayload {
	res := make([]ConversationPayload, len(convs))
	for i, c := range convs {
		res[i] = NewConversationPayload(c)
	}
	return res
}

type RoomMemberPayload struct {
	UserID   int64           `json:"userId"`
	Role     domain.RoomRole `json:"role"`
	JoinedAt time.Time       `json:"joinedAt"`
}

type RoomPayload struct {
	ID           int64               `json:"id"`
	Name         string              `json:"name"`
	Description  string              `json:"description,omitempty"`
	Members      []RoomMemberPayload `json:"members"`
	CreatedBy    int64               `json:"createdBy"`
	JobID        string              `json:"jobId,omitempty"`
	IsPrivate    bool                `json:"isPrivate"`
	IsActive     bool                `json:"isActive"`
	LastActivity time.Time           `json:"lastActivity"`
	CreatedAt    time.Time           `json:"createdAt"`
}

func NewRoomPayload(r *domain.Room) RoomPayload {
	members := make([]RoomMemberPayload, len(r.Members))
	for i, m := range r.Members {
		members[i] = RoomMemberPayload{UserID: m.UserID, Role: m.Role, JoinedAt: m.JoinedAt}
	}
	return RoomPayload{
		ID:           r.ID,
		Name:         r.Name,
		Description:  r.Description,
		Members:      members,
		CreatedBy:    r.CreatedBy,
		JobID:        r.JobID,
		IsPrivate:    r.IsPrivate,
		IsActive:     r.IsActive,
		LastActivity: r.LastActivity,
		CreatedAt:    r.CreatedAt,
	}
}

func NewRoomPayloads(rooms []*domain.Room) []RoomPayload {
	res := make([]RoomPayload, len(rooms))
	for i, r := range rooms {
		res[i] = NewRoomPayload(r)
	}
	return res
}

// Event payloads.
type (
	MessageReceive struct {
		Message MessagePayload `json:"message"`
	}

	// Ack answers a message:send with the persisted message.
	Ack struct {
		Message MessagePayload `json:"message"`
	}

	// MessageDelivered carries DeliveredTo for room messages only.
	MessageDelivered struct {
		MessageID   int64     `json:"messageId"`
		DeliveredTo []int64   `json:"deliveredTo,omitempty"`
		DeliveredAt time.Time `json:"deliveredAt"`
	}

	MessageRead struct {
		ThreadData
		MessageIDs []int64   `json:"messageIds"`
		ReadAt     time.Time `json:"readAt"`
		ReaderID   int64     `json:"readerId"`
	}

	MessageDeleted struct {
		ThreadData
		MessageID int64 `json:"messageId"`
	}

	TypingEvent struct {
		ThreadData
		UserID int64 `json:"userId"`
	}

	UserPresence struct {
		UserID int64 `json:"userId"`
	}

	ConversationUpdate struct {
		Conversation ConversationPayload `json:"conversation"`
	}

	RoomMembership struct {
		ThreadData
	}

	ErrorPayload struct {
		Message string `json:"message"`
		Code    string `json:"code,omitempty"`
	}
)

// ThreadDataOf is the wire form of a thread reference.
func ThreadDataOf(t domain.ThreadRef) ThreadData {
	if t.Kind == domain.ThreadRoom {
		return ThreadData{RoomID: t.ID}
	}
	return ThreadData{ConversationID: t.ID}
}

// OnlineStatus maps user ids to their presence. JSON object keys are the
// decimal ids.
type OnlineStatus map[string]bool

func NewOnlineStatus(status map[int64]bool) OnlineStatus {
	res := make(OnlineStatus, len(status))
	for id, online := range status {
		res[strconv.FormatInt(id, 10)] = online
	}
	return res
}

// Get reports the presence of userID and whether it was included.
func (s OnlineStatus) Get(userID int64) (online, ok bool) {
	online, ok = s[strconv.FormatInt(userID, 10)]
	return online, ok
}

// NewError builds an error payload from err, hiding internal details.
func NewError(err error) ErrorPayload {
	return ErrorPayload{Message: domain.PublicMessage(err), Code: domain.ErrorCode(err)}
}

func sortedKeys(m map[int64]time.Time) []int64 {
	if len(m) == 0 {
		return nil
	}
	ids := make([]int64, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
