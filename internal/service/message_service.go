package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/stancp327/Fetchwork-sub000/internal/clock"
	"github.com/stancp327/Fetchwork-sub000/internal/domain"
	"github.com/stancp327/Fetchwork-sub000/internal/protocol"
	"github.com/stancp327/Fetchwork-sub000/internal/security"
	"github.com/stancp327/Fetchwork-sub000/internal/store"
)

// MessageService routes, persists and fans out messages and their
// delivery/read receipts.
type MessageService struct {
	conversations *ConversationService
	rooms         *RoomService
	messages      domain.MessageRepository
	presence      Presence
	fanout        Fanout
	notifier      *Notifier
	encryptor     *security.Encryptor
	clock         clock.Clock
	limits        Limits
	log           *zap.Logger
}

type MessageServiceDeps struct {
	Conversations *ConversationService
	Rooms         *RoomService
	Messages      domain.MessageRepository
	Presence      Presence
	Fanout        Fanout
	Notifier      *Notifier
	Encryptor     *security.Encryptor
	Clock         clock.Clock
	Limits        Limits
	Log           *zap.Logger
}

func NewMessageService(d MessageServiceDeps) *MessageService {
	return &MessageService{
		conversations: d.Conversations,
		rooms:         d.Rooms,
		messages:      d.Messages,
		presence:      d.Presence,
		fanout:        d.Fanout,
		notifier:      d.Notifier,
		encryptor:     d.Encryptor,
		clock:         d.Clock,
		limits:        d.Limits,
		log:           d.Log.Named("messages"),
	}
}

// SendInput targets either RecipientID (direct) or RoomID, never both.
// OriginConn identifies the sending connection so the broadcast skips it;
// it is empty for sends that do not come from a socket.
type SendInput struct {
	SenderID    int64
	RecipientID int64
	RoomID      int64
	JobID       string
	Content     string
	Kind        domain.MessageKind
	Attachments []domain.Attachment
	Mentions    []int64
	OriginConn  string
}

// SendMessage validates, persists and fans out one message. The returned
// message carries plaintext content. Nothing is broadcast unless the
// message was stored.
func (s *MessageService) SendMessage(ctx context.Context, in SendInput) (*domain.Message, error) {
	if err := s.validateSend(&in); err != nil {
		return nil, err
	}
	if in.RoomID != 0 {
		return s.sendToRoom(ctx, in)
	}
	return s.sendDirect(ctx, in)
}

func (s *MessageService) validateSend(in *SendInput) error {
	switch {
	case in.RecipientID != 0 && in.RoomID != 0:
		return domain.Validationf("recipientId and roomId are mutually exclusive")
	case in.RecipientID == 0 && in.RoomID == 0:
		return domain.Validationf("recipientId or roomId is required")
	}
	in.Content = strings.TrimSpace(in.Content)
	if in.Content == "" {
		return domain.Validationf("content is required")
	}
	if n := utf8.RuneCountInString(in.Content); n > s.limits.MaxMessageLength {
		return domain.Validationf("content exceeds %d characters", s.limits.MaxMessageLength)
	}
	if in.Kind == "" {
		in.Kind = domain.KindText
	}
	if !in.Kind.Valid() {
		return domain.Validationf("unknown message type %q", in.Kind)
	}
	if len(in.Attachments) > s.limits.MaxAttachments {
		return domain.Validationf("at most %d attachments are allowed", s.limits.MaxAttachments)
	}
	for _, a := range in.Attachments {
		if strings.TrimSpace(a.URL) == "" {
			return domain.Validationf("attachment url is required")
		}
	}
	return nil
}

func (s *MessageService) sendDirect(ctx context.Context, in SendInput) (*domain.Message, error) {
	if in.SenderID == in.RecipientID {
		return nil, domain.AccessDeniedf("cannot send a message to yourself")
	}
	conv, _, err := s.conversations.GetOrCreateDirect(ctx, in.SenderID, in.RecipientID, in.JobID)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now().UTC()
	delivery := &domain.DirectDelivery{}
	online := s.isOnline(ctx, in.RecipientID)
	if online {
		delivery.DeliveredAt = &now
	}

	msg := &domain.Message{
		SenderID:    in.SenderID,
		Thread:      conv.Thread(),
		RecipientID: in.RecipientID,
		Content:     in.Content,
		Kind:        in.Kind,
		Attachments: in.Attachments,
		Delivery:    delivery,
		CreatedAt:   now,
	}
	if err := s.persist(ctx, msg); err != nil {
		return nil, err
	}

	channel := conv.Thread().Channel()
	s.fanout.JoinUser(in.SenderID, channel)
	s.fanout.JoinUser(in.RecipientID, channel)
	s.fanout.EmitToChannel(channel, protocol.EventMessageReceive,
		protocol.MessageReceive{Message: protocol.NewMessagePayload(msg)},
		protocol.Exclude{ConnID: in.OriginConn})

	if online {
		s.fanout.EmitToUser(in.SenderID, protocol.EventMessageDelivered, protocol.MessageDelivered{
			MessageID:   msg.ID,
			DeliveredAt: now,
		})
	} else {
		s.notifyOffline(ctx, msg, in.RecipientID, domain.NotifyDirectMessage)
	}

	conv.LastMessage = &domain.LastMessage{Content: msg.Content, SenderID: msg.SenderID, SentAt: now}
	conv.UpdatedAt = now
	update := protocol.ConversationUpdate{Conversation: protocol.NewConversationPayload(conv)}
	for _, uid := range conv.Participants() {
		s.fanout.EmitToUser(uid, protocol.EventConversationUpdate, update)
	}
	return msg, nil
}

func (s *MessageService) sendToRoom(ctx context.Context, in SendInput) (*domain.Message, error) {
	room, err := s.rooms.RequireMember(ctx, in.SenderID, in.RoomID)
	if err != nil {
		return nil, err
	}

	var mentions []int64
	for _, id := range store.UniqueIDs(in.Mentions) {
		if id != in.SenderID && room.IsMember(id) {
			mentions = append(mentions, id)
		}
	}

	now := s.clock.Now().UTC()
	delivery := domain.NewRoomDelivery()
	var delivered []int64
	for _, id := range room.MemberIDs() {
		if id == in.SenderID {
			continue
		}
		if s.isOnline(ctx, id) {
			delivery.DeliveredTo[id] = now
			delivered = append(delivered, id)
		}
	}

	msg := &domain.Message{
		SenderID:    in.SenderID,
		Thread:      room.Thread(),
		Content:     in.Content,
		Kind:        in.Kind,
		Attachments: in.Attachments,
		Mentions:    mentions,
		Delivery:    delivery,
		CreatedAt:   now,
	}
	if err := s.persist(ctx, msg); err != nil {
		return nil, err
	}

	s.fanout.EmitToChannel(room.Thread().Channel(), protocol.EventMessageReceive,
		protocol.MessageReceive{Message: protocol.NewMessagePayload(msg)},
		protocol.Exclude{ConnID: in.OriginConn})

	if len(delivered) > 0 {
		s.fanout.EmitToUser(in.SenderID, protocol.EventMessageDelivered, protocol.MessageDelivered{
			MessageID:   msg.ID,
			DeliveredTo: delivered,
			DeliveredAt: now,
		})
	}
	for _, id := range mentions {
		if _, ok := delivery.DeliveredTo[id]; !ok {
			s.notifyOffline(ctx, msg, id, domain.NotifyMention)
		}
	}
	return msg, nil
}

// persist stores msg with encrypted content and restores the plaintext on
// success.
func (s *MessageService) persist(ctx context.Context, msg *domain.Message) error {
	plain := msg.Content
	sealed, err := s.encryptor.Encrypt(plain)
	if err != nil {
		return err
	}
	msg.Content = sealed
	err = s.messages.Create(ctx, msg)
	msg.Content = plain
	if err != nil {
		return fmt.Errorf("store message: %w", err)
	}
	return nil
}

// MarkRead marks messageIDs in thread read by readerID and returns the ids
// whose state changed. Receipts go out only for those ids, so repeating a
// call has no visible effect.
func (s *MessageService) MarkRead(ctx context.Context, readerID int64, thread domain.ThreadRef, messageIDs []int64) ([]int64, error) {
	if err := thread.Validate(); err != nil {
		return nil, err
	}
	if len(messageIDs) == 0 {
		return nil, nil
	}
	now := s.clock.Now().UTC()

	switch thread.Kind {
	case domain.ThreadConversation:
		conv, err := s.conversations.Get(ctx, readerID, thread.ID)
		if err != nil {
			return nil, err
		}
		changed, err := s.messages.MarkDirectRead(ctx, conv.ID, readerID, messageIDs, now)
		if err != nil {
			return nil, fmt.Errorf("mark read: %w", err)
		}
		if len(changed) == 0 {
			return nil, nil
		}
		sortIDs(changed)
		s.fanout.EmitToUser(conv.Other(readerID), protocol.EventMessageRead, readReceipt(thread, changed, readerID, now))
		return changed, nil

	default:
		if _, err := s.rooms.RequireMember(ctx, readerID, thread.ID); err != nil {
			return nil, err
		}
		changed, err := s.messages.MarkRoomRead(ctx, thread.ID, readerID, messageIDs, now)
		if err != nil {
			return nil, fmt.Errorf("mark read: %w", err)
		}
		if len(changed) == 0 {
			return nil, nil
		}
		sortIDs(changed)
		s.fanout.EmitToChannel(thread.Channel(), protocol.EventMessageRead,
			readReceipt(thread, changed, readerID, now), protocol.Exclude{UserID: readerID})
		return changed, nil
	}
}

func readReceipt(thread domain.ThreadRef, ids []int64, readerID int64, at time.Time) protocol.MessageRead {
	return protocol.MessageRead{
		ThreadData: protocol.ThreadDataOf(thread),
		MessageIDs: ids,
		ReadAt:     at,
		ReaderID:   readerID,
	}
}

// Typing relays a typing indicator to everyone else in the thread's
// channel. Callers check that the connection joined the channel.
func (s *MessageService) Typing(userID int64, thread domain.ThreadRef, active bool) {
	event := protocol.EventTypingStop
	if active {
		event = protocol.EventTypingStart
	}
	s.fanout.EmitToChannel(thread.Channel(), event, protocol.TypingEvent{
		ThreadData: protocol.ThreadDataOf(thread),
		UserID:     userID,
	}, protocol.Exclude{UserID: userID})
}

// SyncMissed stamps every message that reached userID while offline as
// delivered and notifies the senders. Direct messages addressed to the
// user and room messages sent after the user joined are covered; the room
// sweep is bounded by the sync limit. It returns the number of messages
// stamped. Failures on single messages are logged and skipped.
func (s *MessageService) SyncMissed(ctx context.Context, userID int64) (int, error) {
	now := s.clock.Now().UTC()
	stamped := 0

	direct, err := s.messages.ListUndelivered(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("list undelivered: %w", err)
	}
	for _, m := range direct {
		ok, err := s.messages.MarkDelivered(ctx, m.ID, now)
		if err != nil {
			s.log.Warn("mark delivered", zap.Int64("message", m.ID), zap.Error(err))
			continue
		}
		if !ok {
			continue
		}
		stamped++
		s.fanout.EmitToUser(m.SenderID, protocol.EventMessageDelivered, protocol.MessageDelivered{
			MessageID:   m.ID,
			DeliveredAt: latest(now, m.CreatedAt),
		})
	}

	roomMsgs, err := s.messages.ListUndeliveredRoom(ctx, userID, s.limits.SyncRoomLimit)
	if err != nil {
		return stamped, fmt.Errorf("list undelivered room messages: %w", err)
	}
	for i := len(roomMsgs) - 1; i >= 0; i-- {
		m := roomMsgs[i]
		if err := s.messages.MarkRoomDelivered(ctx, m.ID, []int64{userID}, now); err != nil {
			s.log.Warn("mark room delivered", zap.Int64("message", m.ID), zap.Error(err))
			continue
		}
		stamped++
		s.fanout.EmitToUser(m.SenderID, protocol.EventMessageDelivered, protocol.MessageDelivered{
			MessageID:   m.ID,
			DeliveredTo: []int64{userID},
			DeliveredAt: latest(now, m.CreatedAt),
		})
	}
	return stamped, nil
}

// History returns a page of the thread in chronological order. beforeID
// pages backwards; zero starts from the newest message.
func (s *MessageService) History(ctx context.Context, userID int64, thread domain.ThreadRef, beforeID int64, limit int) ([]*domain.Message, error) {
	if err := s.Authorize(ctx, userID, thread); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = s.limits.HistoryPageSize
	}
	if limit > s.limits.MaxHistoryPage {
		limit = s.limits.MaxHistoryPage
	}

	msgs, err := s.messages.ListForThread(ctx, thread, beforeID, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	for _, m := range msgs {
		if !m.IsDeleted {
			m.Content = decryptContent(s.encryptor, s.log, m.Content)
		}
	}
	return msgs, nil
}

// DeleteMessage soft-deletes a message. Only its sender may delete it.
func (s *MessageService) DeleteMessage(ctx context.Context, userID, messageID int64) error {
	m, err := s.messages.GetByID(ctx, messageID)
	if err != nil {
		return fmt.Errorf("get message: %w", err)
	}
	if m == nil || m.IsDeleted {
		return domain.NotFoundf("message %d", messageID)
	}
	if m.SenderID != userID {
		return domain.AccessDeniedf("only the sender can delete a message")
	}
	if err := s.messages.SoftDelete(ctx, messageID); err != nil {
		return err
	}
	s.fanout.EmitToChannel(m.Thread.Channel(), protocol.EventMessageDeleted, protocol.MessageDeleted{
		ThreadData: protocol.ThreadDataOf(m.Thread),
		MessageID:  messageID,
	}, protocol.Exclude{})
	return nil
}

// Authorize reports whether userID may subscribe to or read thread.
func (s *MessageService) Authorize(ctx context.Context, userID int64, thread domain.ThreadRef) error {
	if err := thread.Validate(); err != nil {
		return err
	}
	if thread.Kind == domain.ThreadRoom {
		_, err := s.rooms.RequireMember(ctx, userID, thread.ID)
		return err
	}
	conv, err := s.conversations.Get(ctx, userID, thread.ID)
	if err != nil {
		return err
	}
	if !conv.IsActive {
		return domain.NotFoundf("conversation %d", thread.ID)
	}
	return nil
}

// ThreadsForUser lists the channels a new connection of userID joins.
func (s *MessageService) ThreadsForUser(ctx context.Context, userID int64) ([]domain.ThreadRef, error) {
	convs, err := s.conversations.ListForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	rooms, err := s.rooms.ListForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	threads := make([]domain.ThreadRef, 0, len(convs)+len(rooms))
	for _, c := range convs {
		threads = append(threads, c.Thread())
	}
	for _, r := range rooms {
		threads = append(threads, r.Thread())
	}
	return threads, nil
}

func (s *MessageService) isOnline(ctx context.Context, userID int64) bool {
	online, err := s.presence.IsOnline(ctx, userID)
	if err != nil {
		s.log.Warn("presence lookup", zap.Int64("user", userID), zap.Error(err))
		return false
	}
	return online
}

func (s *MessageService) notifyOffline(ctx context.Context, msg *domain.Message, userID int64, kind domain.NotificationKind) {
	if s.notifier == nil {
		return
	}
	sealed, err := s.encryptor.Encrypt(preview(msg.Content))
	if err != nil {
		s.log.Warn("encrypt preview", zap.Error(err))
		return
	}
	td := protocol.ThreadDataOf(msg.Thread)
	err = s.notifier.NotifyOffline(ctx, OfflineMessagePayload{
		UserID:         userID,
		Kind:           kind,
		MessageID:      msg.ID,
		SenderID:       msg.SenderID,
		ConversationID: td.ConversationID,
		RoomID:         td.RoomID,
		Preview:        sealed,
		CreatedAt:      msg.CreatedAt,
	})
	if err != nil {
		s.log.Warn("enqueue offline notification",
			zap.Int64("message", msg.ID), zap.Int64("user", userID), zap.Error(err))
	}
}

func latest(a, b time.Time) time.Time {
	if a.Before(b) {
		return b
	}
	return a
}

func sortIDs(ids []int64) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
