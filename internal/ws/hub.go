package ws

import (
	"context"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/stancp327/Fetchwork-sub000/internal/domain"
	"github.com/stancp327/Fetchwork-sub000/internal/presence"
	"github.com/stancp327/Fetchwork-sub000/internal/protocol"
	"github.com/stancp327/Fetchwork-sub000/internal/relay"
	"github.com/stancp327/Fetchwork-sub000/internal/service"
)

// Hub tracks live connections and the channels they subscribe to. Every
// connection is in its user's personal channel; thread channels are joined
// on connect and when a thread is created or joined.
type Hub struct {
	mu       sync.RWMutex
	conns    map[string]*Conn
	users    map[int64]map[string]*Conn
	channels map[string]map[string]*Conn
	joined   map[string]map[string]struct{} // conn id -> channels

	// presenceMu orders registry transitions with their broadcasts.
	presenceMu sync.Mutex
	presence   presence.Registry

	// outbox feeds RunRelay; nil when the hub serves a single instance.
	relay  relay.Relay
	outbox chan relay.Message

	log *zap.Logger
}

const relayOutbox = 4096

func NewHub(registry presence.Registry, log *zap.Logger) *Hub {
	return &Hub{
		conns:    make(map[string]*Conn),
		users:    make(map[int64]map[string]*Conn),
		channels: make(map[string]map[string]*Conn),
		joined:   make(map[string]map[string]struct{}),
		presence: registry,
		log:      log.Named("hub"),
	}
}

// UseRelay forwards every delivery to the other instances sharing r and
// applies theirs locally. It must be called before the hub is used, and
// RunRelay must run for the lifetime of the hub.
func (h *Hub) UseRelay(r relay.Relay) {
	h.relay = r
	h.outbox = make(chan relay.Message, relayOutbox)
}

// RunRelay publishes queued deliveries in order and applies remote ones
// until ctx is canceled.
func (h *Hub) RunRelay(ctx context.Context) error {
	if h.relay == nil {
		return nil
	}
	subErr := make(chan error, 1)
	go func() { subErr <- h.relay.Subscribe(ctx, h.deliverRemote) }()

	for {
		select {
		case <-ctx.Done():
			return <-subErr
		case err := <-subErr:
			return err
		case m := <-h.outbox:
			if err := h.relay.Publish(ctx, m); err != nil && ctx.Err() == nil {
				h.log.Warn("relay publish", zap.String("op", string(m.Op)), zap.Error(err))
			}
		}
	}
}

func (h *Hub) publish(m relay.Message) {
	if h.outbox == nil {
		return
	}
	select {
	case h.outbox <- m:
	default:
		h.log.Warn("relay outbox full, dropping", zap.String("op", string(m.Op)))
	}
}

func (h *Hub) deliverRemote(m relay.Message) {
	switch m.Op {
	case relay.OpEmitUser:
		h.sendUser(m.UserID, m.Frame)
	case relay.OpEmitChannel:
		h.sendChannel(m.Channel, m.Frame, protocol.Exclude{ConnID: m.ExcludeConn, UserID: m.ExcludeUser})
	case relay.OpPresence:
		h.sendPresence(m.UserID, m.Frame)
	case relay.OpJoinUser:
		h.joinUser(m.UserID, m.Channel)
	case relay.OpLeaveUser:
		h.leaveUser(m.UserID, m.Channel)
	case relay.OpDropChannel:
		h.dropChannel(m.Channel)
	default:
		h.log.Warn("unknown relay op", zap.String("op", string(m.Op)))
	}
}

var (
	_ service.Fanout   = (*Hub)(nil)
	_ service.Presence = (*Hub)(nil)
)

// Attach registers c, subscribes it to the personal channel and marks the
// user online. The first connection of a user broadcasts user:online to
// every other user.
func (h *Hub) Attach(ctx context.Context, c *Conn) error {
	h.mu.Lock()
	h.conns[c.ID] = c
	set := h.users[c.UserID]
	if set == nil {
		set = make(map[string]*Conn)
		h.users[c.UserID] = set
	}
	set[c.ID] = c
	h.joinLocked(domain.UserChannel(c.UserID), c)
	h.mu.Unlock()

	h.presenceMu.Lock()
	defer h.presenceMu.Unlock()
	first, err := h.presence.Register(ctx, c.UserID, c.ID)
	if err != nil {
		return fmt.Errorf("register presence: %w", err)
	}
	if first {
		h.broadcastPresence(protocol.EventUserOnline, c.UserID)
	}
	return nil
}

// Detach removes c only. When it was the user's last connection the user
// goes offline and user:offline is broadcast.
func (h *Hub) Detach(ctx context.Context, c *Conn) {
	h.mu.Lock()
	if _, ok := h.conns[c.ID]; !ok {
		h.mu.Unlock()
		return
	}
	h.removeLocked(c)
	h.mu.Unlock()

	h.presenceMu.Lock()
	defer h.presenceMu.Unlock()
	last, err := h.presence.Unregister(ctx, c.UserID, c.ID)
	if err != nil {
		h.log.Warn("unregister presence", zap.Int64("user", c.UserID), zap.String("conn", c.ID), zap.Error(err))
		return
	}
	if last {
		h.broadcastPresence(protocol.EventUserOffline, c.UserID)
	}
}

func (h *Hub) broadcastPresence(event string, userID int64) {
	frame, err := protocol.Encode(event, "", protocol.UserPresence{UserID: userID})
	if err != nil {
		h.log.Error("encode presence", zap.Error(err))
		return
	}
	h.sendPresence(userID, frame)
	h.publish(relay.Message{Op: relay.OpPresence, UserID: userID, Frame: frame})
}

func (h *Hub) sendPresence(userID int64, frame []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.conns {
		if c.UserID != userID {
			_ = c.Send(frame)
		}
	}
}

func (h *Hub) Join(channel string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[c.ID]; ok {
		h.joinLocked(channel, c)
	}
}

func (h *Hub) Leave(channel string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(channel, c.ID)
}

// InChannel reports whether c is subscribed to channel.
func (h *Hub) InChannel(channel string, c *Conn) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.channels[channel][c.ID]
	return ok
}

func (h *Hub) JoinUser(userID int64, channel string) {
	h.joinUser(userID, channel)
	h.publish(relay.Message{Op: relay.OpJoinUser, UserID: userID, Channel: channel})
}

func (h *Hub) joinUser(userID int64, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.users[userID] {
		h.joinLocked(channel, c)
	}
}

func (h *Hub) LeaveUser(userID int64, channel string) {
	h.leaveUser(userID, channel)
	h.publish(relay.Message{Op: relay.OpLeaveUser, UserID: userID, Channel: channel})
}

func (h *Hub) leaveUser(userID int64, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id := range h.users[userID] {
		h.leaveLocked(channel, id)
	}
}

func (h *Hub) DropChannel(channel string) {
	h.dropChannel(channel)
	h.publish(relay.Message{Op: relay.OpDropChannel, Channel: channel})
}

func (h *Hub) dropChannel(channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id := range h.channels[channel] {
		h.leaveLocked(channel, id)
	}
}

func (h *Hub) EmitToUser(userID int64, event string, data any) {
	frame, err := protocol.Encode(event, "", data)
	if err != nil {
		h.log.Error("encode event", zap.String("event", event), zap.Error(err))
		return
	}
	h.sendUser(userID, frame)
	h.publish(relay.Message{Op: relay.OpEmitUser, UserID: userID, Frame: frame})
}

func (h *Hub) sendUser(userID int64, frame []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.users[userID] {
		_ = c.Send(frame)
	}
}

func (h *Hub) EmitToChannel(channel, event string, data any, exclude protocol.Exclude) {
	frame, err := protocol.Encode(event, "", data)
	if err != nil {
		h.log.Error("encode event", zap.String("event", event), zap.Error(err))
		return
	}
	h.sendChannel(channel, frame, exclude)
	h.publish(relay.Message{
		Op: relay.OpEmitChannel, Channel: channel, Frame: frame,
		ExcludeConn: exclude.ConnID, ExcludeUser: exclude.UserID,
	})
}

func (h *Hub) sendChannel(channel string, frame []byte, exclude protocol.Exclude) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, c := range h.channels[channel] {
		if id == exclude.ConnID || (exclude.UserID != 0 && c.UserID == exclude.UserID) {
			continue
		}
		_ = c.Send(frame)
	}
}

func (h *Hub) IsOnline(ctx context.Context, userID int64) (bool, error) {
	return h.presence.IsOnline(ctx, userID)
}

// OnlineStatus answers a presence query for ids.
func (h *Hub) OnlineStatus(ctx context.Context, ids []int64) (map[int64]bool, error) {
	res := make(map[int64]bool, len(ids))
	for _, id := range ids {
		online, err := h.presence.IsOnline(ctx, id)
		if err != nil {
			return nil, err
		}
		res[id] = online
	}
	return res, nil
}

func (h *Hub) OnlineUsers(ctx context.Context) ([]int64, error) {
	return h.presence.OnlineUsers(ctx)
}

// Connections returns the number of live connections of userID.
func (h *Hub) Connections(userID int64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users[userID])
}

// DisconnectUser closes every connection of userID and returns how many
// there were. Clients are expected to reconnect.
func (h *Hub) DisconnectUser(ctx context.Context, userID int64, reason string) int {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.users[userID]))
	for _, c := range h.users[userID] {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		c.Close(websocket.ClosePolicyViolation, reason)
		h.Detach(ctx, c)
	}
	return len(conns)
}

// Close disconnects every connection and unregisters it from presence.
func (h *Hub) Close(ctx context.Context) {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		c.Close(CloseShutdown, "server shutdown")
		h.Detach(ctx, c)
	}
}

func (h *Hub) joinLocked(channel string, c *Conn) {
	members := h.channels[channel]
	if members == nil {
		members = make(map[string]*Conn)
		h.channels[channel] = members
	}
	members[c.ID] = c

	set := h.joined[c.ID]
	if set == nil {
		set = make(map[string]struct{})
		h.joined[c.ID] = set
	}
	set[channel] = struct{}{}
}

func (h *Hub) leaveLocked(channel, connID string) {
	if members := h.channels[channel]; members != nil {
		delete(members, connID)
		if len(members) == 0 {
			delete(h.channels, channel)
		}
	}
	if set := h.joined[connID]; set != nil {
		delete(set, channel)
	}
}

func (h *Hub) removeLocked(c *Conn) {
	for channel := range h.joined[c.ID] {
		h.leaveLocked(channel, c.ID)
	}
	delete(h.joined, c.ID)
	delete(h.conns, c.ID)
	if set := h.users[c.UserID]; set != nil {
		delete(set, c.ID)
		if len(set) == 0 {
			delete(h.users, c.UserID)
		}
	}
}
