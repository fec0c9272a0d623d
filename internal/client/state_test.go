package client

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stancp327/Fetchwork-sub000/internal/clock"
	"github.com/stancp327/Fetchwork-sub000/internal/domain"
	"github.com/stancp327/Fetchwork-sub000/internal/protocol"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestClient(t *testing.T) (*Client, *clock.FakeClock) {
	t.Helper()
	clk := clock.Fake(t0)
	return New(Config{ServerURL: "http://localhost:1/", Clock: clk}), clk
}

func frame(t *testing.T, event, ref string, data any) protocol.Envelope {
	t.Helper()
	raw, err := protocol.Encode(event, ref, data)
	require.NoError(t, err)
	var env protocol.Envelope
	require.NoError(t, json.Unmarshal(raw, &env))
	return env
}

func TestApplyPresence(t *testing.T) {
	c, _ := newTestClient(t)

	c.apply(frame(t, protocol.EventUserOnline, "", protocol.UserPresence{UserID: 7}))
	c.apply(frame(t, protocol.EventUserOnline, "", protocol.UserPresence{UserID: 3}))
	assert.Equal(t, []int64{3, 7}, c.OnlineUsers())

	c.apply(frame(t, protocol.EventUserOffline, "", protocol.UserPresence{UserID: 7}))
	assert.Equal(t, []int64{3}, c.OnlineUsers())

	c.apply(frame(t, protocol.EventOnlineStatus, "", protocol.NewOnlineStatus(map[int64]bool{3: false, 9: true})))
	assert.Equal(t, []int64{9}, c.OnlineUsers())
	assert.True(t, c.IsOnline(9))
	assert.False(t, c.IsOnline(3))
}

func TestReceiveAppendsToLoadedThreadsOnly(t *testing.T) {
	c, _ := newTestClient(t)
	loaded := domain.ConversationThread(1)
	c.threads[loaded] = []protocol.MessagePayload{}

	c.apply(frame(t, protocol.EventMessageReceive, "", protocol.MessageReceive{
		Message: protocol.MessagePayload{ID: 10, ConversationID: 1, SenderID: 2, Content: "hi", CreatedAt: t0},
	}))
	c.apply(frame(t, protocol.EventMessageReceive, "", protocol.MessageReceive{
		Message: protocol.MessagePayload{ID: 11, ConversationID: 5, SenderID: 2, Content: "elsewhere", CreatedAt: t0},
	}))
	// Replayed frames do not duplicate.
	c.apply(frame(t, protocol.EventMessageReceive, "", protocol.MessageReceive{
		Message: protocol.MessagePayload{ID: 10, ConversationID: 1, SenderID: 2, Content: "hi", CreatedAt: t0},
	}))

	msgs, ok := c.Messages(loaded)
	require.True(t, ok)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hi", msgs[0].Content)

	_, ok = c.Messages(domain.ConversationThread(5))
	assert.False(t, ok)
}

func TestReceiptsUpdateLoadedMessages(t *testing.T) {
	c, _ := newTestClient(t)
	direct := domain.ConversationThread(1)
	room := domain.RoomThread(2)
	c.threads[direct] = []protocol.MessagePayload{{ID: 1, ConversationID: 1, SenderID: 1, Content: "a"}}
	c.threads[room] = []protocol.MessagePayload{{ID: 2, RoomID: 2, SenderID: 1, Content: "b"}}

	c.apply(frame(t, protocol.EventMessageDelivered, "", protocol.MessageDelivered{MessageID: 1, DeliveredAt: t0}))
	c.apply(frame(t, protocol.EventMessageDelivered, "", protocol.MessageDelivered{MessageID: 2, DeliveredTo: []int64{4, 3}, DeliveredAt: t0}))
	c.apply(frame(t, protocol.EventMessageDelivered, "", protocol.MessageDelivered{MessageID: 2, DeliveredTo: []int64{3, 5}, DeliveredAt: t0}))
	c.apply(frame(t, protocol.EventMessageRead, "", protocol.MessageRead{
		ThreadData: protocol.ThreadDataOf(direct), MessageIDs: []int64{1}, ReadAt: t0.Add(time.Minute), ReaderID: 2,
	}))
	c.apply(frame(t, protocol.EventMessageRead, "", protocol.MessageRead{
		ThreadData: protocol.ThreadDataOf(room), MessageIDs: []int64{2}, ReadAt: t0, ReaderID: 4,
	}))

	msgs, _ := c.Messages(direct)
	require.NotNil(t, msgs[0].DeliveredAt)
	require.NotNil(t, msgs[0].ReadAt)
	assert.True(t, msgs[0].ReadAt.Equal(t0.Add(time.Minute)))

	msgs, _ = c.Messages(room)
	assert.Equal(t, []int64{3, 4, 5}, msgs[0].DeliveredTo)
	assert.Equal(t, []int64{4}, msgs[0].ReadBy)

	c.apply(frame(t, protocol.EventMessageDeleted, "", protocol.MessageDeleted{ThreadData: protocol.ThreadDataOf(room), MessageID: 2}))
	msgs, _ = c.Messages(room)
	assert.True(t, msgs[0].IsDeleted)
	assert.Empty(t, msgs[0].Content)
}

func TestTypingExpires(t *testing.T) {
	c, clk := newTestClient(t)
	thread := domain.RoomThread(3)
	start := frame(t, protocol.EventTypingStart, "", protocol.TypingEvent{ThreadData: protocol.ThreadDataOf(thread), UserID: 8})

	c.apply(start)
	assert.Equal(t, []int64{8}, c.Typing(thread))

	clk.Advance(2 * time.Second)
	c.apply(start)
	clk.Advance(2 * time.Second)
	assert.Equal(t, []int64{8}, c.Typing(thread), "a repeated start renews the indicator")

	clk.Advance(time.Second)
	assert.Empty(t, c.Typing(thread))

	c.apply(start)
	c.apply(frame(t, protocol.EventTypingStop, "", protocol.TypingEvent{ThreadData: protocol.ThreadDataOf(thread), UserID: 8}))
	assert.Empty(t, c.Typing(thread))
	assert.Zero(t, clk.Pending())
}

func TestReceiveClearsTyping(t *testing.T) {
	c, _ := newTestClient(t)
	thread := domain.ConversationThread(1)
	c.apply(frame(t, protocol.EventTypingStart, "", protocol.TypingEvent{ThreadData: protocol.ThreadDataOf(thread), UserID: 2}))
	c.apply(frame(t, protocol.EventMessageReceive, "", protocol.MessageReceive{
		Message: protocol.MessagePayload{ID: 1, ConversationID: 1, SenderID: 2, Content: "done"},
	}))
	assert.Empty(t, c.Typing(thread))
}

func TestConversationListOrdering(t *testing.T) {
	c, _ := newTestClient(t)
	c.conversations = []protocol.ConversationPayload{
		{ID: 1, IsActive: true, UpdatedAt: t0},
		{ID: 2, IsActive: true, UpdatedAt: t0},
		{ID: 3, IsActive: true, UpdatedAt: t0},
	}

	c.apply(frame(t, protocol.EventConversationUpdate, "", protocol.ConversationUpdate{
		Conversation: protocol.ConversationPayload{ID: 3, IsActive: true, UpdatedAt: t0.Add(time.Minute)},
	}))
	c.apply(frame(t, protocol.EventConversationUpdate, "", protocol.ConversationUpdate{
		Conversation: protocol.ConversationPayload{ID: 4, IsActive: true, UpdatedAt: t0.Add(2 * time.Minute)},
	}))
	c.apply(frame(t, protocol.EventMessageReceive, "", protocol.MessageReceive{
		Message: protocol.MessagePayload{ID: 9, ConversationID: 2, SenderID: 5, Content: "latest", CreatedAt: t0.Add(3 * time.Minute)},
	}))
	c.apply(frame(t, protocol.EventConversationUpdate, "", protocol.ConversationUpdate{
		Conversation: protocol.ConversationPayload{ID: 1, IsActive: false},
	}))

	var ids []int64
	for _, conv := range c.Conversations() {
		ids = append(ids, conv.ID)
	}
	assert.Equal(t, []int64{2, 4, 3}, ids)
	first := c.Conversations()[0]
	require.NotNil(t, first.LastMessage)
	assert.Equal(t, "latest", first.LastMessage.Content)
}

func TestApplyResolvesPendingAndCallsHook(t *testing.T) {
	c, _ := newTestClient(t)
	ch := make(chan reply, 1)
	c.pending["c1"] = ch

	var seen []string
	c.OnEvent(func(env protocol.Envelope) { seen = append(seen, env.Event) })

	c.apply(frame(t, protocol.EventError, "c1", protocol.ErrorPayload{Message: "nope", Code: "validation_error"}))
	c.apply(frame(t, protocol.EventUserOnline, "", protocol.UserPresence{UserID: 1}))

	r := <-ch
	assert.Equal(t, protocol.EventError, r.env.Event)
	assert.Empty(t, c.pending)
	assert.Equal(t, []string{protocol.EventError, protocol.EventUserOnline}, seen)
}

func TestNextBackoff(t *testing.T) {
	limit := 30 * time.Second
	d := time.Second
	var got []time.Duration
	for i := 0; i < 7; i++ {
		d = nextBackoff(d, limit)
		got = append(got, d)
	}
	assert.Equal(t, []time.Duration{
		2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, limit, limit, limit,
	}, got)
}

func TestOperationsFailWhileDisconnected(t *testing.T) {
	c, _ := newTestClient(t)
	assert.Equal(t, StateDisconnected, c.State())

	_, err := c.SendMessage(context.Background(), Target{RecipientID: 2}, "hello")
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.ErrorIs(t, c.SendTypingIndicator(domain.ConversationThread(1), true), ErrNotConnected)
	assert.ErrorIs(t, c.MarkRead(domain.ConversationThread(1), []int64{1}), ErrNotConnected)
	_, err = c.RequestOnlineStatus(context.Background(), []int64{2})
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.NoError(t, c.Close())
}
