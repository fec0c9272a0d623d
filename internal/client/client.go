// Package client is a messaging context for Go front-ends. It keeps one
// websocket to the realtime server, reconnects with exponential backoff and
// maintains the state a chat UI renders: presence, loaded threads, typing
// indicators and the conversation list.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/stancp327/Fetchwork-sub000/internal/clock"
	"github.com/stancp327/Fetchwork-sub000/internal/domain"
	"github.com/stancp327/Fetchwork-sub000/internal/protocol"
)

var (
	// ErrNotConnected is returned by operations that need a live socket.
	ErrNotConnected = errors.New("client: not connected")
	ErrClosed       = errors.New("client: closed")
)

type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

const (
	defaultInitialBackoff = time.Second
	defaultMaxBackoff     = 30 * time.Second
	defaultTypingTimeout  = 3 * time.Second
	defaultAckTimeout     = 10 * time.Second
)

type Config struct {
	// ServerURL is the http(s) base of the server; the websocket lives at
	// /ws and the REST API under /api.
	ServerURL string
	Token     string

	Dialer     *websocket.Dialer
	HTTPClient *http.Client
	Clock      clock.Clock
	Log        *zap.Logger

	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	TypingTimeout  time.Duration
	AckTimeout     time.Duration
}

// Target addresses a send: a user (direct message) or a room.
type Target struct {
	RecipientID int64
	RoomID      int64
	JobID       string
}

type reply struct {
	env protocol.Envelope
}

type Client struct {
	cfg   Config
	clock clock.Clock
	log   *zap.Logger
	http  *http.Client

	state  atomic.Int32
	cancel context.CancelFunc
	done   chan struct{}

	writeMu sync.Mutex
	ws      *websocket.Conn

	refSeq  atomic.Int64
	pendMu  sync.Mutex
	pending map[string]chan reply

	mu            sync.RWMutex
	online        map[int64]bool
	threads       map[domain.ThreadRef][]protocol.MessagePayload
	typing        map[domain.ThreadRef]map[int64]*typingEntry
	conversations []protocol.ConversationPayload
	convLoaded    bool

	hookMu  sync.RWMutex
	onEvent func(protocol.Envelope)
}

func New(cfg Config) *Client {
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = defaultInitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	if cfg.TypingTimeout <= 0 {
		cfg.TypingTimeout = defaultTypingTimeout
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = defaultAckTimeout
	}
	cfg.ServerURL = strings.TrimRight(cfg.ServerURL, "/")
	return &Client{
		cfg:     cfg,
		clock:   cfg.Clock,
		log:     cfg.Log.Named("client"),
		http:    cfg.HTTPClient,
		pending: make(map[string]chan reply),
		online:  make(map[int64]bool),
		threads: make(map[domain.ThreadRef][]protocol.MessagePayload),
		typing:  make(map[domain.ThreadRef]map[int64]*typingEntry),
	}
}

// OnEvent registers a hook called after every server event has been
// applied to the client state.
func (c *Client) OnEvent(fn func(protocol.Envelope)) {
	c.hookMu.Lock()
	c.onEvent = fn
	c.hookMu.Unlock()
}

func (c *Client) State() State { return State(c.state.Load()) }

// Connect starts the session. The client keeps reconnecting until Close.
func (c *Client) Connect(ctx context.Context) {
	if c.done != nil {
		return
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	c.state.Store(int32(StateConnecting))
	go c.run(ctx)
}

// Close ends the session: the socket is closed, no reconnect follows and
// pending sends fail.
func (c *Client) Close() error {
	if c.cancel == nil {
		return nil
	}
	c.cancel()
	c.writeMu.Lock()
	if c.ws != nil {
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "logout"), time.Now().Add(time.Second))
		_ = c.ws.Close()
	}
	c.writeMu.Unlock()
	<-c.done
	c.state.Store(int32(StateDisconnected))

	c.mu.Lock()
	for _, users := range c.typing {
		for _, e := range users {
			e.timer.Stop()
		}
	}
	c.typing = make(map[domain.ThreadRef]map[int64]*typingEntry)
	c.mu.Unlock()
	return nil
}

func (c *Client) run(ctx context.Context) {
	defer close(c.done)
	backoff := c.cfg.InitialBackoff

	for {
		c.state.Store(int32(StateConnecting))
		conn, err := c.dial(ctx)
		if err == nil {
			backoff = c.cfg.InitialBackoff
			c.serve(ctx, conn)
		} else {
			c.log.Debug("dial", zap.Error(err))
		}
		if ctx.Err() != nil {
			return
		}

		c.state.Store(int32(StateConnecting))
		c.log.Debug("reconnecting", zap.Duration("in", backoff))
		select {
		case <-ctx.Done():
			return
		case <-c.clock.After(backoff):
		}
		backoff = nextBackoff(backoff, c.cfg.MaxBackoff)
	}
}

func nextBackoff(cur, limit time.Duration) time.Duration {
	next := cur * 2
	if next > limit {
		return limit
	}
	return next
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	u := c.cfg.ServerURL + "/ws"
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	header := http.Header{"Authorization": []string{"Bearer " + c.cfg.Token}}
	conn, _, err := c.cfg.Dialer.DialContext(ctx, u, header)
	return conn, err
}

// serve reads frames from conn until it fails. The online set is replaced
// by a snapshot taken after the server attached the connection; frames that
// arrived before the snapshot are replayed on top of it.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn) {
	backlog, err := c.syncOnline(conn)
	if err != nil {
		c.log.Debug("sync online users", zap.Error(err))
		_ = conn.Close()
		return
	}

	c.writeMu.Lock()
	c.ws = conn
	c.writeMu.Unlock()
	c.state.Store(int32(StateConnected))
	for _, env := range backlog {
		c.apply(env)
	}

	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()

	for {
		var env protocol.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			break
		}
		c.apply(env)
	}
	close(stop)

	c.writeMu.Lock()
	c.ws = nil
	c.writeMu.Unlock()
	_ = conn.Close()
	c.state.Store(int32(StateConnecting))
	c.failPending()
}

// syncOnline asks the server for every online user on a fresh connection
// and replaces the online set with the answer. Frames read before the
// answer are returned in arrival order.
func (c *Client) syncOnline(conn *websocket.Conn) ([]protocol.Envelope, error) {
	ref := c.nextRef()
	frame, err := protocol.Encode(protocol.EventGetOnlineStatus, ref, protocol.OnlineStatusData{All: true})
	if err != nil {
		return nil, err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return nil, fmt.Errorf("client: request online users: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(c.cfg.AckTimeout))
	defer conn.SetReadDeadline(time.Time{})
	var backlog []protocol.Envelope
	for {
		var env protocol.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return nil, fmt.Errorf("client: await online users: %w", err)
		}
		if env.Ref != ref {
			backlog = append(backlog, env)
			continue
		}
		if env.Event != protocol.EventOnlineStatus {
			var p protocol.ErrorPayload
			_ = env.Unmarshal(&p)
			return nil, &ServerError{Code: p.Code, Message: p.Message}
		}
		var status protocol.OnlineStatus
		if err := env.Unmarshal(&status); err != nil {
			return nil, fmt.Errorf("client: decode online users: %w", err)
		}
		c.replaceOnline(status)
		return backlog, nil
	}
}

func (c *Client) write(event, ref string, data any) error {
	frame, err := protocol.Encode(event, ref, data)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.ws == nil || c.State() != StateConnected {
		return ErrNotConnected
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("client: write %s: %w", event, err)
	}
	return nil
}

func (c *Client) nextRef() string {
	return "c" + strconv.FormatInt(c.refSeq.Add(1), 10)
}

// request writes a frame and waits for the ack, reply or error carrying
// the same ref.
func (c *Client) request(ctx context.Context, event string, data any) (protocol.Envelope, error) {
	if c.State() != StateConnected {
		return protocol.Envelope{}, ErrNotConnected
	}
	ref := c.nextRef()
	ch := make(chan reply, 1)
	c.pendMu.Lock()
	c.pending[ref] = ch
	c.pendMu.Unlock()
	defer func() {
		c.pendMu.Lock()
		delete(c.pending, ref)
		c.pendMu.Unlock()
	}()

	if err := c.write(event, ref, data); err != nil {
		return protocol.Envelope{}, err
	}

	select {
	case r, ok := <-ch:
		if !ok {
			return protocol.Envelope{}, ErrNotConnected
		}
		if r.env.Event == protocol.EventError {
			var p protocol.ErrorPayload
			_ = r.env.Unmarshal(&p)
			return r.env, &ServerError{Code: p.Code, Message: p.Message}
		}
		return r.env, nil
	case <-c.clock.After(c.cfg.AckTimeout):
		return protocol.Envelope{}, fmt.Errorf("client: %s: no reply within %s", event, c.cfg.AckTimeout)
	case <-ctx.Done():
		return protocol.Envelope{}, ctx.Err()
	}
}

func (c *Client) failPending() {
	c.pendMu.Lock()
	defer c.pendMu.Unlock()
	for ref, ch := range c.pending {
		close(ch)
		delete(c.pending, ref)
	}
}

// ServerError is an error frame returned for a request.
type ServerError struct {
	Code    string
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// SendMessage sends content and waits for the persisted message. It is not
// optimistic: nothing is appended locally until the server acknowledges,
// and it fails at once with ErrNotConnected while disconnected.
func (c *Client) SendMessage(ctx context.Context, to Target, content string) (*protocol.MessagePayload, error) {
	env, err := c.request(ctx, protocol.EventMessageSend, protocol.SendMessageData{
		RecipientID: to.RecipientID,
		RoomID:      to.RoomID,
		JobID:       to.JobID,
		Content:     content,
	})
	if err != nil {
		return nil, err
	}
	var ack protocol.Ack
	if err := env.Unmarshal(&ack); err != nil {
		return nil, fmt.Errorf("client: decode ack: %w", err)
	}
	c.appendMessage(ack.Message)
	return &ack.Message, nil
}

// JoinThread subscribes to live events of a thread.
func (c *Client) JoinThread(ctx context.Context, t domain.ThreadRef) error {
	_, err := c.request(ctx, protocol.EventRoomJoin, protocol.ThreadDataOf(t))
	return err
}

func (c *Client) LeaveThread(ctx context.Context, t domain.ThreadRef) error {
	_, err := c.request(ctx, protocol.EventRoomLeave, protocol.ThreadDataOf(t))
	return err
}

func (c *Client) SendTypingIndicator(t domain.ThreadRef, active bool) error {
	event := protocol.EventTypingStop
	if active {
		event = protocol.EventTypingStart
	}
	return c.write(event, "", protocol.ThreadDataOf(t))
}

func (c *Client) MarkRead(t domain.ThreadRef, ids []int64) error {
	return c.write(protocol.EventMessageRead, "", protocol.MarkReadData{ThreadData: protocol.ThreadDataOf(t), MessageIDs: ids})
}

// RequestOnlineStatus asks for the presence of ids and applies the answer.
func (c *Client) RequestOnlineStatus(ctx context.Context, ids []int64) (map[int64]bool, error) {
	env, err := c.request(ctx, protocol.EventGetOnlineStatus, protocol.OnlineStatusData{UserIDs: ids})
	if err != nil {
		return nil, err
	}
	var status protocol.OnlineStatus
	if err := env.Unmarshal(&status); err != nil {
		return nil, fmt.Errorf("client: decode online status: %w", err)
	}
	res := make(map[int64]bool, len(ids))
	for _, id := range ids {
		online, _ := status.Get(id)
		res[id] = online
	}
	return res, nil
}
