package ws_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/stancp327/Fetchwork-sub000/internal/clock"
	"github.com/stancp327/Fetchwork-sub000/internal/presence"
	"github.com/stancp327/Fetchwork-sub000/internal/protocol"
	"github.com/stancp327/Fetchwork-sub000/internal/relay"
	"github.com/stancp327/Fetchwork-sub000/internal/security"
	"github.com/stancp327/Fetchwork-sub000/internal/service"
	"github.com/stancp327/Fetchwork-sub000/internal/store/sqlite"
	"github.com/stancp327/Fetchwork-sub000/internal/ws"
)

type testServer struct {
	url    string
	hub    *ws.Hub
	tokens *security.TokenService
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	return newCluster(t, 1)[0]
}

// newCluster starts n servers sharing one database and one presence
// registry. With more than one server the hubs are linked by an in-process
// relay, standing in for Redis.
func newCluster(t *testing.T, n int) []*testServer {
	t.Helper()
	ctx := context.Background()
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, sqlite.Migrate(ctx, db))

	log := zap.NewNop()
	enc, err := security.NewEncryptor("test-secret", nil)
	require.NoError(t, err)
	registry := presence.NewMemory()
	tokens := security.NewTokenService("jwt-secret", time.Hour)
	bus := newMemoryBus()

	servers := make([]*testServer, 0, n)
	for i := 0; i < n; i++ {
		hub := ws.NewHub(registry, log)
		if n > 1 {
			hub.UseRelay(bus.endpoint(fmt.Sprintf("instance-%d", i)))
			relayCtx, cancel := context.WithCancel(ctx)
			done := make(chan struct{})
			go func() {
				defer close(done)
				_ = hub.RunRelay(relayCtx)
			}()
			t.Cleanup(func() {
				cancel()
				<-done
			})
		}
		clk := clock.Real()
		limits := service.DefaultLimits()

		conversations := service.NewConversationService(sqlite.NewConversationRepo(db), hub, enc, clk, log)
		rooms := service.NewRoomService(sqlite.NewRoomRepo(db), hub, clk, limits, log)
		messages := service.NewMessageService(service.MessageServiceDeps{
			Conversations: conversations,
			Rooms:         rooms,
			Messages:      sqlite.NewMessageRepo(db),
			Presence:      registry,
			Fanout:        hub,
			Encryptor:     enc,
			Clock:         clk,
			Limits:        limits,
			Log:           log,
		})

		srv := httptest.NewServer(ws.NewHandler(ws.HandlerConfig{
			Hub:            hub,
			Tokens:         tokens,
			Messages:       messages,
			AllowedOrigins: []string{"http://localhost:3000"},
			EventTimeout:   5 * time.Second,
			Log:            log,
		}))
		t.Cleanup(func() {
			hub.Close(context.Background())
			srv.Close()
		})
		servers = append(servers, &testServer{url: "ws" + strings.TrimPrefix(srv.URL, "http"), hub: hub, tokens: tokens})
	}
	if n > 1 {
		require.Eventually(t, func() bool { return bus.subscribers() == n }, 2*time.Second, 10*time.Millisecond)
	}
	return servers
}

type memoryBus struct {
	mu   sync.Mutex
	subs map[string]func(relay.Message)
}

func newMemoryBus() *memoryBus {
	return &memoryBus{subs: make(map[string]func(relay.Message))}
}

func (b *memoryBus) subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (b *memoryBus) endpoint(id string) relay.Relay { return &busEndpoint{bus: b, id: id} }

type busEndpoint struct {
	bus *memoryBus
	id  string
}

func (e *busEndpoint) Publish(_ context.Context, m relay.Message) error {
	m.Origin = e.id
	e.bus.mu.Lock()
	targets := make([]func(relay.Message), 0, len(e.bus.subs))
	for id, deliver := range e.bus.subs {
		if id != e.id {
			targets = append(targets, deliver)
		}
	}
	e.bus.mu.Unlock()
	for _, deliver := range targets {
		deliver(m)
	}
	return nil
}

func (e *busEndpoint) Subscribe(ctx context.Context, deliver func(relay.Message)) error {
	e.bus.mu.Lock()
	e.bus.subs[e.id] = deliver
	e.bus.mu.Unlock()
	<-ctx.Done()
	e.bus.mu.Lock()
	delete(e.bus.subs, e.id)
	e.bus.mu.Unlock()
	return nil
}

type client struct {
	t       *testing.T
	conn    *websocket.Conn
	frames  chan protocol.Envelope
	pending []protocol.Envelope
}

func (s *testServer) connect(t *testing.T, userID int64) *client {
	t.Helper()
	before := s.hub.Connections(userID)
	tok, err := s.tokens.CreateForUser(userID)
	require.NoError(t, err)

	header := http.Header{"Authorization": []string{"Bearer " + tok}}
	conn, _, err := websocket.DefaultDialer.Dial(s.url, header)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	c := &client{t: t, conn: conn, frames: make(chan protocol.Envelope, 64)}
	go c.readLoop()

	require.Eventually(t, func() bool { return s.hub.Connections(userID) == before+1 },
		2*time.Second, 10*time.Millisecond)
	return c
}

func (c *client) readLoop() {
	defer close(c.frames)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var env protocol.Envelope
		if json.Unmarshal(data, &env) == nil {
			c.frames <- env
		}
	}
}

func (c *client) send(event, ref string, data any) {
	c.t.Helper()
	frame, err := protocol.Encode(event, ref, data)
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteMessage(websocket.TextMessage, frame))
}

func (c *client) takePending(event string) (protocol.Envelope, bool) {
	for i, env := range c.pending {
		if env.Event == event {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			return env, true
		}
	}
	return protocol.Envelope{}, false
}

// expect returns the first frame carrying event, failing after two
// seconds. Other frames are kept for later expectations.
func (c *client) expect(event string) protocol.Envelope {
	c.t.Helper()
	if env, ok := c.takePending(event); ok {
		return env
	}
	timeout := time.After(2 * time.Second)
	for {
		select {
		case env, ok := <-c.frames:
			require.True(c.t, ok, "connection closed while waiting for %s", event)
			if env.Event == event {
				return env
			}
			c.pending = append(c.pending, env)
		case <-timeout:
			require.FailNow(c.t, "timed out waiting for "+event)
		}
	}
}

// expectNone fails if a frame carrying event arrives within d.
func (c *client) expectNone(event string, d time.Duration) {
	c.t.Helper()
	_, ok := c.takePending(event)
	require.False(c.t, ok, "unexpected %s", event)
	timeout := time.After(d)
	for {
		select {
		case env, ok := <-c.frames:
			if !ok {
				return
			}
			require.NotEqual(c.t, event, env.Event, "unexpected %s: %s", event, env.Data)
			c.pending = append(c.pending, env)
		case <-timeout:
			return
		}
	}
}

func decode[T any](t *testing.T, env protocol.Envelope) T {
	t.Helper()
	var v T
	require.NoError(t, env.Unmarshal(&v))
	return v
}

func TestSecondTabDoesNotRebroadcastOnline(t *testing.T) {
	s := newTestServer(t)
	bob := s.connect(t, 2)

	tab1 := s.connect(t, 1)
	online := decode[protocol.UserPresence](t, bob.expect(protocol.EventUserOnline))
	assert.Equal(t, int64(1), online.UserID)

	tab2 := s.connect(t, 1)
	bob.expectNone(protocol.EventUserOnline, 200*time.Millisecond)

	bob.send(protocol.EventMessageSend, "m1", protocol.SendMessageData{RecipientID: 1, Content: "hi both tabs"})
	ack := decode[protocol.Ack](t, bob.expect(protocol.EventAck))
	for _, tab := range []*client{tab1, tab2} {
		got := decode[protocol.MessageReceive](t, tab.expect(protocol.EventMessageReceive))
		assert.Equal(t, ack.Message.ID, got.Message.ID)
		assert.Equal(t, "hi both tabs", got.Message.Content)
	}

	tab1.conn.Close()
	require.Eventually(t, func() bool { return s.hub.Connections(1) == 1 }, 2*time.Second, 10*time.Millisecond)
	bob.expectNone(protocol.EventUserOffline, 200*time.Millisecond)

	tab2.conn.Close()
	offline := decode[protocol.UserPresence](t, bob.expect(protocol.EventUserOffline))
	assert.Equal(t, int64(1), offline.UserID)
}

func TestSenderIsNotEchoed(t *testing.T) {
	s := newTestServer(t)
	alice := s.connect(t, 1)
	bob := s.connect(t, 2)
	alice.expect(protocol.EventUserOnline)

	alice.send(protocol.EventMessageSend, "r1", protocol.SendMessageData{RecipientID: 2, Content: "ping"})
	ackEnv := alice.expect(protocol.EventAck)
	assert.Equal(t, "r1", ackEnv.Ref)
	ack := decode[protocol.Ack](t, ackEnv)
	require.NotNil(t, ack.Message.DeliveredAt, "recipient is online")

	bob.expect(protocol.EventMessageReceive)
	delivered := decode[protocol.MessageDelivered](t, alice.expect(protocol.EventMessageDelivered))
	assert.Equal(t, ack.Message.ID, delivered.MessageID)
	alice.expectNone(protocol.EventMessageReceive, 200*time.Millisecond)
}

func TestMissedMessagesAreSyncedOnConnect(t *testing.T) {
	s := newTestServer(t)
	bob := s.connect(t, 2)

	bob.send(protocol.EventMessageSend, "", protocol.SendMessageData{RecipientID: 1, Content: "while you were out"})
	ack := decode[protocol.Ack](t, bob.expect(protocol.EventAck))
	assert.Nil(t, ack.Message.DeliveredAt)

	s.connect(t, 1)
	delivered := decode[protocol.MessageDelivered](t, bob.expect(protocol.EventMessageDelivered))
	assert.Equal(t, ack.Message.ID, delivered.MessageID)
}

func TestReadReceiptAndTyping(t *testing.T) {
	s := newTestServer(t)
	alice := s.connect(t, 1)
	bob := s.connect(t, 2)

	bob.send(protocol.EventMessageSend, "", protocol.SendMessageData{RecipientID: 1, Content: "read me"})
	ack := decode[protocol.Ack](t, bob.expect(protocol.EventAck))
	convID := ack.Message.ConversationID
	alice.expect(protocol.EventMessageReceive)

	alice.send(protocol.EventMessageRead, "", protocol.MarkReadData{
		ThreadData: protocol.ThreadData{ConversationID: convID},
		MessageIDs: []int64{ack.Message.ID},
	})
	read := decode[protocol.MessageRead](t, bob.expect(protocol.EventMessageRead))
	assert.Equal(t, []int64{ack.Message.ID}, read.MessageIDs)
	assert.Equal(t, int64(1), read.ReaderID)

	alice.send(protocol.EventTypingStart, "", protocol.ThreadData{ConversationID: convID})
	typing := decode[protocol.TypingEvent](t, bob.expect(protocol.EventTypingStart))
	assert.Equal(t, int64(1), typing.UserID)

	alice.send(protocol.EventTypingStart, "t1", protocol.ThreadData{RoomID: 99})
	errEnv := alice.expect(protocol.EventError)
	assert.Equal(t, "t1", errEnv.Ref)
	assert.Equal(t, "access_denied", decode[protocol.ErrorPayload](t, errEnv).Code)
}

func TestErrorFramesStayOnOriginConnection(t *testing.T) {
	s := newTestServer(t)
	alice := s.connect(t, 1)

	require.NoError(t, alice.conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	payload := decode[protocol.ErrorPayload](t, alice.expect(protocol.EventError))
	assert.Equal(t, "validation_error", payload.Code)

	alice.send(protocol.EventMessageSend, "self", protocol.SendMessageData{RecipientID: 1, Content: "me"})
	errEnv := alice.expect(protocol.EventError)
	assert.Equal(t, "self", errEnv.Ref)
	assert.Equal(t, "access_denied", decode[protocol.ErrorPayload](t, errEnv).Code)

	alice.send(protocol.EventRoomJoin, "j", protocol.ThreadData{RoomID: 404})
	assert.Equal(t, "not_found", decode[protocol.ErrorPayload](t, alice.expect(protocol.EventError)).Code)

	// The connection survives every failure.
	alice.send(protocol.EventGetOnlineStatus, "q", protocol.OnlineStatusData{UserIDs: []int64{1, 2}})
	status := decode[protocol.OnlineStatus](t, alice.expect(protocol.EventOnlineStatus))
	online, ok := status.Get(1)
	assert.True(t, ok)
	assert.True(t, online)
	online, ok = status.Get(2)
	assert.True(t, ok)
	assert.False(t, online)
}

func TestOnlineStatusForAllUsers(t *testing.T) {
	s := newTestServer(t)
	alice := s.connect(t, 1)
	s.connect(t, 3)

	alice.send(protocol.EventGetOnlineStatus, "all", protocol.OnlineStatusData{All: true})
	env := alice.expect(protocol.EventOnlineStatus)
	assert.Equal(t, "all", env.Ref)
	assert.Equal(t, protocol.OnlineStatus{"1": true, "3": true}, decode[protocol.OnlineStatus](t, env))
}

func TestDeliveryAcrossInstances(t *testing.T) {
	servers := newCluster(t, 2)
	alice := servers[0].connect(t, 1)
	bob := servers[1].connect(t, 2)

	online := decode[protocol.UserPresence](t, alice.expect(protocol.EventUserOnline))
	assert.Equal(t, int64(2), online.UserID)

	alice.send(protocol.EventMessageSend, "x1", protocol.SendMessageData{RecipientID: 2, Content: "over the relay"})
	ack := decode[protocol.Ack](t, alice.expect(protocol.EventAck))
	require.NotNil(t, ack.Message.DeliveredAt, "bob is online on the other instance")

	got := decode[protocol.MessageReceive](t, bob.expect(protocol.EventMessageReceive))
	assert.Equal(t, ack.Message.ID, got.Message.ID)
	assert.Equal(t, "over the relay", got.Message.Content)

	// The new conversation channel reached bob's instance with the message.
	bob.send(protocol.EventTypingStart, "", protocol.ThreadData{ConversationID: ack.Message.ConversationID})
	typing := decode[protocol.TypingEvent](t, alice.expect(protocol.EventTypingStart))
	assert.Equal(t, int64(2), typing.UserID)

	bob.send(protocol.EventMessageRead, "", protocol.MarkReadData{
		ThreadData: protocol.ThreadData{ConversationID: ack.Message.ConversationID},
		MessageIDs: []int64{ack.Message.ID},
	})
	read := decode[protocol.MessageRead](t, alice.expect(protocol.EventMessageRead))
	assert.Equal(t, int64(2), read.ReaderID)

	bob.conn.Close()
	offline := decode[protocol.UserPresence](t, alice.expect(protocol.EventUserOffline))
	assert.Equal(t, int64(2), offline.UserID)
}

func TestHandshakeRejections(t *testing.T) {
	s := newTestServer(t)

	_, resp, err := websocket.DefaultDialer.Dial(s.url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(s.url+"?token=garbage", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	tok, err := s.tokens.CreateForUser(1)
	require.NoError(t, err)
	header := http.Header{"Origin": []string{"http://evil.example"}}
	_, resp, err = websocket.DefaultDialer.Dial(s.url+"?token="+tok, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	dialer := websocket.Dialer{Subprotocols: []string{"bearer", tok}}
	conn, resp, err := dialer.Dial(s.url, http.Header{"Origin": []string{"http://localhost:3000"}})
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, "bearer", resp.Header.Get("Sec-WebSocket-Protocol"))
}
