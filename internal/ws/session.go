package ws

import (
	"context"
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/stancp327/Fetchwork-sub000/internal/domain"
	"github.com/stancp327/Fetchwork-sub000/internal/protocol"
	"github.com/stancp327/Fetchwork-sub000/internal/service"
)

// Session handles the frames of one connection. Frames are processed one
// at a time in arrival order.
type Session struct {
	hub      *Hub
	conn     *Conn
	messages *service.MessageService
	timeout  time.Duration
	log      *zap.Logger
}

func newSession(hub *Hub, conn *Conn, messages *service.MessageService, timeout time.Duration, log *zap.Logger) *Session {
	return &Session{
		hub:      hub,
		conn:     conn,
		messages: messages,
		timeout:  timeout,
		log:      log.With(zap.Int64("user", conn.UserID), zap.String("conn", conn.ID)),
	}
}

// Run attaches the connection, restores its subscriptions, reports missed
// deliveries and then serves frames until the socket closes.
func (s *Session) Run(ctx context.Context) {
	s.conn.Start()
	defer func() {
		s.hub.Detach(context.Background(), s.conn)
		s.conn.Close(websocket.CloseNormalClosure, "session closed")
	}()

	if err := s.hub.Attach(ctx, s.conn); err != nil {
		s.log.Error("attach", zap.Error(err))
		return
	}
	s.rejoin(ctx)
	s.syncMissed(ctx, "")

	for {
		data, err := s.conn.Read()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) &&
				!errors.Is(err, websocket.ErrCloseSent) {
				s.log.Debug("read", zap.Error(err))
			}
			return
		}
		s.handle(ctx, data)
	}
}

func (s *Session) rejoin(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	threads, err := s.messages.ThreadsForUser(ctx, s.conn.UserID)
	if err != nil {
		s.log.Warn("list threads", zap.Error(err))
		return
	}
	for _, t := range threads {
		s.hub.Join(t.Channel(), s.conn)
	}
}

func (s *Session) handle(ctx context.Context, data []byte) {
	ref, in, err := protocol.Decode(data)
	if err != nil {
		s.replyError(ref, err)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	switch ev := in.(type) {
	case protocol.SendMessage:
		s.sendMessage(ctx, ref, ev)
	case protocol.MarkRead:
		if _, err := s.messages.MarkRead(ctx, s.conn.UserID, ev.Thread, ev.MessageIDs); err != nil {
			// Receipts are best-effort: storage failures are not reported.
			if domain.ErrorCode(err) == domain.CodeInternal {
				s.log.Warn("mark read", zap.Error(err))
				return
			}
			s.replyError(ref, err)
		}
	case protocol.Typing:
		s.typing(ref, ev)
	case protocol.Subscription:
		s.subscription(ctx, ref, ev)
	case protocol.OnlineStatusQuery:
		s.onlineStatus(ctx, ref, ev)
	case protocol.SyncMissed:
		s.syncMissed(ctx, ref)
	}
}

func (s *Session) sendMessage(ctx context.Context, ref string, ev protocol.SendMessage) {
	msg, err := s.messages.SendMessage(ctx, service.SendInput{
		SenderID:    s.conn.UserID,
		RecipientID: ev.RecipientID,
		RoomID:      ev.RoomID,
		JobID:       ev.JobID,
		Content:     ev.Content,
		Kind:        ev.Kind,
		Attachments: ev.Attachments,
		Mentions:    ev.Mentions,
		OriginConn:  s.conn.ID,
	})
	if err != nil {
		s.replyError(ref, err)
		return
	}
	_ = s.conn.Emit(protocol.EventAck, ref, protocol.Ack{Message: protocol.NewMessagePayload(msg)})
}

func (s *Session) typing(ref string, ev protocol.Typing) {
	if !s.hub.InChannel(ev.Thread.Channel(), s.conn) {
		s.replyError(ref, domain.AccessDeniedf("not subscribed to %s", ev.Thread))
		return
	}
	s.messages.Typing(s.conn.UserID, ev.Thread, ev.Active)
}

func (s *Session) subscription(ctx context.Context, ref string, ev protocol.Subscription) {
	membership := protocol.RoomMembership{ThreadData: protocol.ThreadDataOf(ev.Thread)}
	if !ev.Join {
		s.hub.Leave(ev.Thread.Channel(), s.conn)
		_ = s.conn.Emit(protocol.EventRoomLeft, ref, membership)
		return
	}
	if err := s.messages.Authorize(ctx, s.conn.UserID, ev.Thread); err != nil {
		s.replyError(ref, err)
		return
	}
	s.hub.Join(ev.Thread.Channel(), s.conn)
	_ = s.conn.Emit(protocol.EventRoomJoined, ref, membership)
}

func (s *Session) onlineStatus(ctx context.Context, ref string, ev protocol.OnlineStatusQuery) {
	var (
		status map[int64]bool
		err    error
	)
	if ev.All {
		var ids []int64
		if ids, err = s.hub.OnlineUsers(ctx); err == nil {
			status = make(map[int64]bool, len(ids))
			for _, id := range ids {
				status[id] = true
			}
		}
	} else {
		status, err = s.hub.OnlineStatus(ctx, ev.UserIDs)
	}
	if err != nil {
		s.replyError(ref, err)
		return
	}
	_ = s.conn.Emit(protocol.EventOnlineStatus, ref, protocol.NewOnlineStatus(status))
}

func (s *Session) syncMissed(ctx context.Context, ref string) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	n, err := s.messages.SyncMissed(ctx, s.conn.UserID)
	if err != nil {
		s.log.Warn("sync missed messages", zap.Error(err))
		if ref != "" {
			s.replyError(ref, err)
		}
		return
	}
	if n > 0 {
		s.log.Debug("synced missed messages", zap.Int("count", n))
	}
}

func (s *Session) replyError(ref string, err error) {
	if domain.ErrorCode(err) == domain.CodeInternal {
		s.log.Error("handle event", zap.Error(err))
	}
	_ = s.conn.Emit(protocol.EventError, ref, protocol.NewError(err))
}
