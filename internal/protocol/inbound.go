package protocol

import (
	"encoding/json"

	"github.com/stancp327/Fetchwork-sub000/internal/domain"
)

// Inbound is one decoded client request. The concrete types below are the
// only implementations.
type Inbound interface {
	inbound()
}

type SendMessage struct {
	RecipientID int64
	RoomID      int64
	JobID       string
	Content     string
	Kind        domain.MessageKind
	Attachments []domain.Attachment
	Mentions    []int64
}

type MarkRead struct {
	Thread     domain.ThreadRef
	MessageIDs []int64
}

type Typing struct {
	Thread domain.ThreadRef
	Active bool
}

// Subscription joins or leaves the channel of a thread.
type Subscription struct {
	Thread domain.ThreadRef
	Join   bool
}

// OnlineStatusQuery asks for the presence of UserIDs, or for every online
// user when All is set.
type OnlineStatusQuery struct {
	UserIDs []int64
	All     bool
}

type SyncMissed struct{}

func (SendMessage) inbound()       {}
func (MarkRead) inbound()          {}
func (Typing) inbound()            {}
func (Subscription) inbound()      {}
func (OnlineStatusQuery) inbound() {}
func (SyncMissed) inbound()        {}

// Wire shapes of the client requests.
type (
	ThreadData struct {
		ConversationID int64 `json:"conversationId,omitempty"`
		RoomID         int64 `json:"roomId,omitempty"`
	}

	SendMessageData struct {
		RecipientID int64               `json:"recipientId,omitempty"`
		RoomID      int64               `json:"roomId,omitempty"`
		JobID       string              `json:"jobId,omitempty"`
		Content     string              `json:"content"`
		MessageType string              `json:"messageType,omitempty"`
		Attachments []domain.Attachment `json:"attachments,omitempty"`
		Mentions    []int64             `json:"mentions,omitempty"`
	}

	MarkReadData struct {
		ThreadData
		MessageIDs []int64 `json:"messageIds"`
	}

	OnlineStatusData struct {
		UserIDs []int64 `json:"userIds"`
		All     bool    `json:"all,omitempty"`
	}
)

func (d ThreadData) Thread() (domain.ThreadRef, error) {
	return domain.ThreadFromIDs(d.ConversationID, d.RoomID)
}

// Decode parses a raw client frame. Malformed frames and unknown events
// yield a validation error; the returned ref is still usable for the
// error reply when the envelope itself parsed.
func Decode(raw []byte) (string, Inbound, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", nil, domain.Validationf("malformed frame")
	}
	in, err := DecodeEnvelope(env)
	return env.Ref, in, err
}

func DecodeEnvelope(env Envelope) (Inbound, error) {
	switch env.Event {
	case EventMessageSend:
		var d SendMessageData
		if err := env.Unmarshal(&d); err != nil {
			return nil, badPayload(env.Event)
		}
		kind := domain.MessageKind(d.MessageType)
		if kind == "" {
			kind = domain.KindText
		}
		return SendMessage{
			RecipientID: d.RecipientID,
			RoomID:      d.RoomID,
			JobID:       d.JobID,
			Content:     d.Content,
			Kind:        kind,
			Attachments: d.Attachments,
			Mentions:    d.Mentions,
		}, nil

	case EventMessageRead:
		var d MarkReadData
		if err := env.Unmarshal(&d); err != nil {
			return nil, badPayload(env.Event)
		}
		thread, err := d.Thread()
		if err != nil {
			return nil, err
		}
		if len(d.MessageIDs) == 0 {
			return nil, domain.Validationf("messageIds is required")
		}
		return MarkRead{Thread: thread, MessageIDs: d.MessageIDs}, nil

	case EventTypingStart, EventTypingStop:
		thread, err := decodeThread(env)
		if err != nil {
			return nil, err
		}
		return Typing{Thread: thread, Active: env.Event == EventTypingStart}, nil

	case EventRoomJoin, EventRoomLeave:
		thread, err := decodeThread(env)
		if err != nil {
			return nil, err
		}
		return Subscription{Thread: thread, Join: env.Event == EventRoomJoin}, nil

	case EventGetOnlineStatus:
		var d OnlineStatusData
		if err := env.Unmarshal(&d); err != nil {
			return nil, badPayload(env.Event)
		}
		return OnlineStatusQuery{UserIDs: d.UserIDs, All: d.All}, nil

	case EventSyncMissed:
		return SyncMissed{}, nil

	case "":
		return nil, domain.Validationf("event is required")
	default:
		return nil, domain.Validationf("unknown event %q", env.Event)
	}
}

func decodeThread(env Envelope) (domain.ThreadRef, error) {
	var d ThreadData
	if err := env.Unmarshal(&d); err != nil {
		return domain.ThreadRef{}, badPayload(env.Event)
	}
	return d.Thread()
}

func badPayload(event string) error {
	return domain.Validationf("invalid payload for %s", event)
}
