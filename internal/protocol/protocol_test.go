package protocol_test

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stancp327/Fetchwork-sub000/internal/domain"
	"github.com/stancp327/Fetchwork-sub000/internal/protocol"
)

func TestDecodeSendMessage(t *testing.T) {
	ref, in, err := protocol.Decode([]byte(`{"event":"message:send","ref":"r1","data":{"recipientId":7,"content":"hi"}}`))
	require.NoError(t, err)
	assert.Equal(t, "r1", ref)

	send, ok := in.(protocol.SendMessage)
	require.True(t, ok)
	assert.Equal(t, int64(7), send.RecipientID)
	assert.Equal(t, "hi", send.Content)
	assert.Equal(t, domain.KindText, send.Kind, "message type defaults to text")
}

func TestDecodeThreadEvents(t *testing.T) {
	_, in, err := protocol.Decode([]byte(`{"event":"typing:stop","data":{"roomId":3}}`))
	require.NoError(t, err)
	assert.Equal(t, protocol.Typing{Thread: domain.RoomThread(3), Active: false}, in)

	_, in, err = protocol.Decode([]byte(`{"event":"room:join","data":{"conversationId":9}}`))
	require.NoError(t, err)
	assert.Equal(t, protocol.Subscription{Thread: domain.ConversationThread(9), Join: true}, in)

	_, in, err = protocol.Decode([]byte(`{"event":"message:read","data":{"conversationId":9,"messageIds":[1,2]}}`))
	require.NoError(t, err)
	assert.Equal(t, protocol.MarkRead{Thread: domain.ConversationThread(9), MessageIDs: []int64{1, 2}}, in)

	_, in, err = protocol.Decode([]byte(`{"event":"user:sync_missed_messages"}`))
	require.NoError(t, err)
	assert.Equal(t, protocol.SyncMissed{}, in)
}

func TestDecodeRejects(t *testing.T) {
	cases := map[string]string{
		"malformed":       `{"event":`,
		"unknown event":   `{"event":"nope"}`,
		"missing event":   `{"data":{}}`,
		"both threads":    `{"event":"typing:start","data":{"conversationId":1,"roomId":2}}`,
		"neither thread":  `{"event":"room:leave","data":{}}`,
		"no message ids":  `{"event":"message:read","data":{"roomId":2}}`,
		"wrong data type": `{"event":"message:send","data":{"recipientId":"x"}}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, _, err := protocol.Decode([]byte(raw))
			require.Error(t, err)
			assert.True(t, errors.Is(err, domain.ErrValidation))
		})
	}
}

func TestMessagePayloadVariants(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	direct := &domain.Message{
		ID: 1, SenderID: 2, RecipientID: 3,
		Thread:    domain.ConversationThread(10),
		Content:   "hello",
		Kind:      domain.KindText,
		Delivery:  &domain.DirectDelivery{DeliveredAt: &now},
		CreatedAt: now,
	}
	p := protocol.NewMessagePayload(direct)
	assert.Equal(t, int64(10), p.ConversationID)
	assert.Zero(t, p.RoomID)
	assert.Equal(t, &now, p.DeliveredAt)
	assert.Equal(t, domain.ConversationThread(10), p.Thread())

	rd := domain.NewRoomDelivery()
	rd.DeliveredTo[5] = now
	rd.DeliveredTo[4] = now
	room := &domain.Message{
		ID: 2, SenderID: 2,
		Thread:    domain.RoomThread(11),
		Content:   "secret",
		Kind:      domain.KindText,
		Delivery:  rd,
		IsDeleted: true,
		CreatedAt: now,
	}
	p = protocol.NewMessagePayload(room)
	assert.Equal(t, int64(11), p.RoomID)
	assert.Equal(t, []int64{4, 5}, p.DeliveredTo)
	assert.Empty(t, p.Content, "deleted content is never sent")
	assert.Nil(t, p.DeliveredAt)
}

func TestEncodeWrapsPayload(t *testing.T) {
	frame, err := protocol.Encode(protocol.EventMessageRead, "", protocol.MessageRead{
		ThreadData: protocol.ThreadDataOf(domain.RoomThread(4)),
		MessageIDs: []int64{1},
		ReaderID:   9,
	})
	require.NoError(t, err)

	var env protocol.Envelope
	require.NoError(t, json.Unmarshal(frame, &env))
	assert.Equal(t, protocol.EventMessageRead, env.Event)

	var body map[string]any
	require.NoError(t, env.Unmarshal(&body))
	assert.EqualValues(t, 4, body["roomId"])
	assert.NotContains(t, body, "conversationId")
	assert.EqualValues(t, 9, body["readerId"])
}

func TestErrorPayloadHidesInternals(t *testing.T) {
	p := protocol.NewError(fmt.Errorf("insert message: %w", errors.New("disk full")))
	assert.Equal(t, domain.CodeInternal, p.Code)
	assert.Equal(t, domain.ErrInternal.Error(), p.Message)

	p = protocol.NewError(domain.AccessDeniedf("not a member of room 4"))
	assert.Equal(t, domain.CodeAccessDenied, p.Code)
	assert.Contains(t, p.Message, "not a member")
}

func TestOnlineStatusKeys(t *testing.T) {
	s := protocol.NewOnlineStatus(map[int64]bool{1: true, 2: false})
	raw, err := json.Marshal(s)
	require.NoError(t, err)
	assert.JSONEq(t, `{"1":true,"2":false}`, string(raw))

	online, ok := s.Get(1)
	assert.True(t, ok)
	assert.True(t, online)
	_, ok = s.Get(3)
	assert.False(t, ok)
}
