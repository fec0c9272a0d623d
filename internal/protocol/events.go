// Package protocol defines the realtime frames exchanged over a websocket
// connection. Every frame is an Envelope; the data payload depends on the
// event name.
package protocol

// Client to server events.
const (
	EventMessageSend     = "message:send"
	EventMessageRead     = "message:read"
	EventTypingStart     = "typing:start"
	EventTypingStop      = "typing:stop"
	EventRoomJoin        = "room:join"
	EventRoomLeave       = "room:leave"
	EventGetOnlineStatus = "user:get_online_status"
	EventSyncMissed      = "user:sync_missed_messages"
)

// Server to client events. message:read and typing:start/stop are used in
// both directions.
const (
	EventMessageReceive     = "message:receive"
	EventMessageDelivered   = "message:delivered"
	EventMessageDeleted     = "message:deleted"
	EventUserOnline         = "user:online"
	EventUserOffline        = "user:offline"
	EventOnlineStatus       = "user:online_status"
	EventConversationUpdate = "conversation:update"
	EventRoomJoined         = "room:joined"
	EventRoomLeft           = "room:left"
	EventAck                = "ack"
	EventError              = "error"
)
